// Package staleversions retains superseded file versions for in-flight downloads
// and sweeps them, blobs included, once they expire.
package staleversions

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DefaultRetention keeps a superseded version downloadable for one day.
const DefaultRetention = 24 * time.Hour

var (
	errMissingStore    = errors.New("staleversions: store is required")
	errMissingAccounts = errors.New("staleversions: accounts are required")
)

// Config describes the registry dependencies.
type Config struct {
	Store     *files.Store
	Accounts  cloudstore.Accounts
	Clock     func() time.Time
	Retention time.Duration
	Logger    *zap.Logger
}

// Registry tracks superseded (fileUUID, version) pairs.
type Registry struct {
	store     *files.Store
	accounts  cloudstore.Accounts
	clock     func() time.Time
	retention time.Duration
	logger    *zap.Logger
}

// Retention names the version being superseded.
type Retention struct {
	FileIndexID      int64
	FileUUID         string
	SharingGroupUUID string
	DeviceUUID       string
	FileVersion      int64
}

// NewRegistry validates cfg and returns a registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Accounts == nil {
		return nil, errMissingAccounts
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:     cfg.Store,
		accounts:  cfg.Accounts,
		clock:     clock,
		retention: retention,
		logger:    logger,
	}, nil
}

// Retain records a superseded version inside the transaction that supersedes it.
func (r *Registry) Retain(tx *gorm.DB, retention Retention) (files.StaleVersion, error) {
	stale := files.StaleVersion{
		FileIndexID:      retention.FileIndexID,
		FileUUID:         retention.FileUUID,
		SharingGroupUUID: retention.SharingGroupUUID,
		DeviceUUID:       retention.DeviceUUID,
		FileVersion:      retention.FileVersion,
		ExpirySeconds:    r.clock().UTC().Add(r.retention).Unix(),
	}
	if err := r.store.StaleVersions.Create(tx, &stale); err != nil {
		return files.StaleVersion{}, err
	}
	return stale, nil
}

// Lookup returns the retained record for a version, or files.ErrNotFound once swept.
func (r *Registry) Lookup(ctx context.Context, fileUUID string, fileVersion int64) (files.StaleVersion, error) {
	return r.store.StaleVersions.Lookup(ctx, fileUUID, fileVersion)
}

// Retained lists every retained version of the given files.
func (r *Registry) Retained(ctx context.Context, tx *gorm.DB, fileUUIDs []string) ([]files.StaleVersion, error) {
	return r.store.StaleVersions.ListForFiles(ctx, tx, fileUUIDs)
}

// Forget removes retention records without touching blobs.
func (r *Registry) Forget(ctx context.Context, tx *gorm.DB, staleVersionIDs []int64) (int64, error) {
	return r.store.StaleVersions.DeleteByIDs(ctx, tx, staleVersionIDs)
}

// SweepExpired deletes the blobs of expired versions and then their rows. A row
// whose blob could not be deleted for a transient reason stays for the next sweep.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	now := r.clock().UTC().Unix()
	expired, err := r.store.StaleVersions.Expired(ctx, now)
	if err != nil {
		r.logger.Error("stale version lookup failed", zap.Error(err))
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	removable := make([]int64, 0, len(expired))
	for _, stale := range expired {
		if r.deleteBlob(ctx, stale) {
			removable = append(removable, stale.StaleVersionID)
		}
	}

	removed, err := r.store.StaleVersions.DeleteByIDs(ctx, nil, removable)
	if err != nil {
		r.logger.Error("stale version removal failed", zap.Error(err))
		return 0, err
	}
	r.logger.Info("stale versions swept",
		zap.Int("expired", len(expired)),
		zap.Int64("removed", removed))
	return int(removed), nil
}

// deleteBlob reports whether the row can be dropped.
func (r *Registry) deleteBlob(ctx context.Context, stale files.StaleVersion) bool {
	fields := []zap.Field{
		zap.String("file_uuid", stale.FileUUID),
		zap.Int64("file_version", stale.FileVersion),
	}
	file, err := r.store.FileIndex.LookupByID(ctx, nil, stale.FileIndexID)
	if errors.Is(err, files.ErrNotFound) {
		r.logger.Warn("stale version references missing file", fields...)
		return true
	}
	if err != nil {
		r.logger.Error("stale version file lookup failed", append(fields, zap.Error(err))...)
		return false
	}
	account, err := r.accounts.ForUser(ctx, file.UserID)
	if err == nil {
		name := cloudstore.BlobName(stale.DeviceUUID, stale.FileUUID, file.MimeType, stale.FileVersion)
		err = cloudstore.Remove(ctx, account.Store, name, account.Options(file.MimeType))
	}
	switch {
	case err == nil:
		return true
	case errors.Is(err, cloudstore.ErrAccessRevoked):
		r.logger.Warn("stale version blob unreachable, access revoked", append(fields, zap.Error(err))...)
		return true
	default:
		r.logger.Error("stale version blob deletion failed", append(fields, zap.Error(err))...)
		return false
	}
}
