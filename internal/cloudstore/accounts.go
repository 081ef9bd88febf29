package cloudstore

import (
	"context"
	"errors"
	"path"
	"strings"
	"sync"
)

var errMissingUserID = errors.New("cloudstore: owning user id required")

// Account is the cloud storage of one owning user.
type Account struct {
	UserID string
	Store  Store
	Folder string
}

// Options returns blob options scoped to the account folder.
func (a Account) Options(mimeType string) Options {
	return Options{Folder: a.Folder, MimeType: mimeType}
}

// Accounts resolves the cloud storage account of an owning user.
type Accounts interface {
	ForUser(ctx context.Context, userID string) (Account, error)
}

// SharedAccounts keeps every owner's blobs in one backend, one folder per user.
// Owners can be marked revoked, after which resolution fails with ErrAccessRevoked.
type SharedAccounts struct {
	store   Store
	prefix  string
	mu      sync.RWMutex
	revoked map[string]struct{}
}

// NewSharedAccounts returns accounts backed by store under prefix.
func NewSharedAccounts(store Store, prefix string) *SharedAccounts {
	return &SharedAccounts{
		store:   store,
		prefix:  strings.Trim(prefix, "/"),
		revoked: make(map[string]struct{}),
	}
}

func (a *SharedAccounts) ForUser(_ context.Context, userID string) (Account, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Account{}, errMissingUserID
	}
	a.mu.RLock()
	_, revoked := a.revoked[userID]
	a.mu.RUnlock()
	if revoked {
		return Account{}, ErrAccessRevoked
	}
	folder := sanitizeFolder(userID)
	if a.prefix != "" {
		folder = path.Join(a.prefix, folder)
	}
	return Account{UserID: userID, Store: a.store, Folder: folder}, nil
}

// Revoke marks an owner's credentials as no longer usable.
func (a *SharedAccounts) Revoke(userID string) {
	a.mu.Lock()
	a.revoked[strings.TrimSpace(userID)] = struct{}{}
	a.mu.Unlock()
}

func sanitizeFolder(userID string) string {
	replacer := strings.NewReplacer("/", "_", `\`, "_", "..", "_")
	return replacer.Replace(userID)
}
