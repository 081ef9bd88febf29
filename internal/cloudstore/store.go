// Package cloudstore stores file versions as named blobs in a user's cloud storage.
package cloudstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrNotFound reports a blob that does not exist.
	ErrNotFound = errors.New("cloudstore: blob not found")
	// ErrAccessRevoked reports that the owning account's credentials no longer work.
	ErrAccessRevoked = errors.New("cloudstore: access revoked")
	// ErrInvalidBlobName reports a blob name that would escape its folder.
	ErrInvalidBlobName = errors.New("cloudstore: invalid blob name")
)

// Options scope a blob operation to one account folder.
type Options struct {
	Folder   string
	MimeType string
}

// Store uploads, downloads and deletes blobs by name.
// Implementations must be safe for concurrent use.
type Store interface {
	// Upload writes data under name and returns its checksum.
	Upload(ctx context.Context, name string, data []byte, options Options) (string, error)
	// Download returns the blob and its checksum.
	Download(ctx context.Context, name string, options Options) ([]byte, string, error)
	// Delete removes the blob, returning ErrNotFound when it does not exist.
	Delete(ctx context.Context, name string, options Options) error
}

// Remove deletes a blob, treating a missing blob as already deleted.
func Remove(ctx context.Context, store Store, name string, options Options) error {
	err := store.Delete(ctx, name, options)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Checksum returns the lowercase hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumsMatch compares checksums case-insensitively.
func ChecksumsMatch(left, right string) bool {
	return strings.EqualFold(strings.TrimSpace(left), strings.TrimSpace(right))
}

// KnownMimeType reports whether mimeType is recognised.
func KnownMimeType(mimeType string) bool {
	return mimetype.Lookup(strings.TrimSpace(mimeType)) != nil
}

// BlobName derives the blob name of one file version.
func BlobName(deviceUUID, fileUUID, mimeType string, fileVersion int64) string {
	extension := ""
	if detected := mimetype.Lookup(strings.TrimSpace(mimeType)); detected != nil {
		extension = detected.Extension()
	}
	return fmt.Sprintf("%s.%s.%d%s", fileUUID, deviceUUID, fileVersion, extension)
}

func validateBlobName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidBlobName, name)
	}
	return nil
}
