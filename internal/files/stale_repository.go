package files

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StaleVersionRepository stores retention records for superseded versions.
type StaleVersionRepository struct {
	executor
}

// Create records a superseded version.
func (r *StaleVersionRepository) Create(tx *gorm.DB, stale *StaleVersion) error {
	return tx.Create(stale).Error
}

// Lookup returns the retention record for one version of a file.
func (r *StaleVersionRepository) Lookup(ctx context.Context, fileUUID string, fileVersion int64) (StaleVersion, error) {
	var stale StaleVersion
	err := r.run(ctx, nil, func(conn *gorm.DB) error {
		return conn.Where("file_uuid = ? AND file_version = ?", fileUUID, fileVersion).Take(&stale).Error
	})
	return stale, notFound(err)
}

// ListForFiles returns every retained version of the given files.
func (r *StaleVersionRepository) ListForFiles(ctx context.Context, tx *gorm.DB, fileUUIDs []string) ([]StaleVersion, error) {
	var found []StaleVersion
	if len(fileUUIDs) == 0 {
		return found, nil
	}
	err := r.run(ctx, tx, func(conn *gorm.DB) error {
		return conn.Where("file_uuid IN ?", fileUUIDs).Order("stale_version_id ASC").Find(&found).Error
	})
	return found, err
}

// Expired returns records whose expiry is strictly before nowSeconds.
func (r *StaleVersionRepository) Expired(ctx context.Context, nowSeconds int64) ([]StaleVersion, error) {
	var found []StaleVersion
	err := r.run(ctx, nil, func(conn *gorm.DB) error {
		return conn.Where("expiry_s < ?", nowSeconds).Order("stale_version_id ASC").Find(&found).Error
	})
	return found, err
}

// DeleteByIDs removes retention records.
func (r *StaleVersionRepository) DeleteByIDs(ctx context.Context, tx *gorm.DB, staleVersionIDs []int64) (int64, error) {
	if len(staleVersionIDs) == 0 {
		return 0, nil
	}
	var removed int64
	err := r.run(ctx, tx, func(conn *gorm.DB) error {
		result := conn.Where("stale_version_id IN ?", staleVersionIDs).Delete(&StaleVersion{})
		removed = result.RowsAffected
		return result.Error
	})
	return removed, err
}

// ClientUIRepository stores inform markers for other devices.
type ClientUIRepository struct {
	executor
}

// Create records a marker; a marker for the same file version is kept as is.
func (r *ClientUIRepository) Create(tx *gorm.DB, marker *FileIndexClientUI) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(marker).Error
}

// ListActive returns the unexpired markers of a sharing group.
func (r *ClientUIRepository) ListActive(ctx context.Context, sharingGroupUUID string, nowSeconds int64) ([]FileIndexClientUI, error) {
	var markers []FileIndexClientUI
	err := r.run(ctx, nil, func(conn *gorm.DB) error {
		return conn.Where("sharing_group_uuid = ? AND expiry_s >= ?", sharingGroupUUID, nowSeconds).
			Find(&markers).Error
	})
	return markers, err
}

// DeleteExpired removes markers past their expiry.
func (r *ClientUIRepository) DeleteExpired(ctx context.Context, nowSeconds int64) (int64, error) {
	var removed int64
	err := r.run(ctx, nil, func(conn *gorm.DB) error {
		result := conn.Where("expiry_s < ?", nowSeconds).Delete(&FileIndexClientUI{})
		removed = result.RowsAffected
		return result.Error
	})
	return removed, err
}
