package files

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FileIndexRepository reads and advances FileIndex rows.
type FileIndexRepository struct {
	executor
}

// Lookup returns the file with the given UUID.
func (r *FileIndexRepository) Lookup(ctx context.Context, tx *gorm.DB, fileUUID string) (FileIndex, error) {
	var file FileIndex
	err := r.run(ctx, tx, func(conn *gorm.DB) error {
		return conn.Where("file_uuid = ?", fileUUID).Take(&file).Error
	})
	return file, notFound(err)
}

// LookupForUpdate returns the file and locks its row for the enclosing transaction.
func (r *FileIndexRepository) LookupForUpdate(tx *gorm.DB, fileUUID string) (FileIndex, error) {
	var file FileIndex
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("file_uuid = ?", fileUUID).
		Take(&file).Error
	return file, notFound(err)
}

// LookupByID returns the file with the given primary key.
func (r *FileIndexRepository) LookupByID(ctx context.Context, tx *gorm.DB, fileIndexID int64) (FileIndex, error) {
	var file FileIndex
	err := r.run(ctx, tx, func(conn *gorm.DB) error {
		return conn.Where("file_index_id = ?", fileIndexID).Take(&file).Error
	})
	return file, notFound(err)
}

// LookupByLabel returns the file carrying label within a file group.
func (r *FileIndexRepository) LookupByLabel(ctx context.Context, tx *gorm.DB, fileGroupUUID, label string) (FileIndex, error) {
	var file FileIndex
	err := r.run(ctx, tx, func(conn *gorm.DB) error {
		return conn.Where("file_group_uuid = ? AND file_label = ?", fileGroupUUID, label).Take(&file).Error
	})
	return file, notFound(err)
}

// ListByOwnership returns the files of a file group, or the single ungrouped file.
func (r *FileIndexRepository) ListByOwnership(ctx context.Context, tx *gorm.DB, ownership Ownership, fileUUIDs []string) ([]FileIndex, error) {
	var found []FileIndex
	err := r.run(ctx, tx, func(conn *gorm.DB) error {
		if groupUUID, ok := ownership.FileGroupUUID(); ok {
			return conn.Where("file_group_uuid = ?", groupUUID).Order("file_index_id ASC").Find(&found).Error
		}
		if len(fileUUIDs) == 0 {
			return nil
		}
		return conn.Where("file_group_uuid IS NULL AND file_uuid IN ?", fileUUIDs).Order("file_index_id ASC").Find(&found).Error
	})
	return found, err
}

// ListBySharingGroup returns every file of a sharing group, deleted ones included.
func (r *FileIndexRepository) ListBySharingGroup(ctx context.Context, sharingGroupUUID string) ([]FileIndex, error) {
	var found []FileIndex
	err := r.run(ctx, nil, func(conn *gorm.DB) error {
		return conn.Where("sharing_group_uuid = ?", sharingGroupUUID).Order("file_index_id ASC").Find(&found).Error
	})
	return found, err
}

// Create inserts a new file at version 0.
func (r *FileIndexRepository) Create(tx *gorm.DB, file *FileIndex) error {
	return tx.Create(file).Error
}

// VersionAdvance describes the columns rewritten by a vN commit.
type VersionAdvance struct {
	FileIndexID      int64
	FromVersion      int64
	DeviceUUID       string
	CheckSum         string
	UpdatedAtSeconds int64
}

// AdvanceVersion moves a file from FromVersion to FromVersion+1. It fails with
// ErrVersionMoved when another commit advanced the file first.
func (r *FileIndexRepository) AdvanceVersion(tx *gorm.DB, advance VersionAdvance) error {
	result := tx.Model(&FileIndex{}).
		Where("file_index_id = ? AND file_version = ? AND deleted = ?", advance.FileIndexID, advance.FromVersion, false).
		Updates(map[string]any{
			"file_version":            advance.FromVersion + 1,
			"device_uuid":             advance.DeviceUUID,
			"last_uploaded_check_sum": advance.CheckSum,
			"updated_at_s":            advance.UpdatedAtSeconds,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionMoved
	}
	return nil
}

// MarkDeleted soft-deletes the files selected by ownership. Already deleted rows are untouched.
func (r *FileIndexRepository) MarkDeleted(tx *gorm.DB, ownership Ownership, fileUUID string, updatedAtSeconds int64) (int64, error) {
	query := tx.Model(&FileIndex{}).Where("deleted = ?", false)
	if groupUUID, ok := ownership.FileGroupUUID(); ok {
		query = query.Where("file_group_uuid = ?", groupUUID)
	} else {
		query = query.Where("file_group_uuid IS NULL AND file_uuid = ?", fileUUID)
	}
	result := query.Updates(map[string]any{
		"deleted":      true,
		"updated_at_s": updatedAtSeconds,
	})
	return result.RowsAffected, result.Error
}

// FileGroupRepository manages FileGroup rows.
type FileGroupRepository struct {
	executor
}

// Lookup returns the file group.
func (r *FileGroupRepository) Lookup(ctx context.Context, tx *gorm.DB, fileGroupUUID string) (FileGroup, error) {
	var group FileGroup
	err := r.run(ctx, tx, func(conn *gorm.DB) error {
		return conn.Where("file_group_uuid = ?", fileGroupUUID).Take(&group).Error
	})
	return group, notFound(err)
}

// LookupForUpdate returns the file group and locks its row.
func (r *FileGroupRepository) LookupForUpdate(tx *gorm.DB, fileGroupUUID string) (FileGroup, error) {
	var group FileGroup
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("file_group_uuid = ?", fileGroupUUID).
		Take(&group).Error
	return group, notFound(err)
}

// CreateIfMissing inserts the group unless a row already exists for its UUID.
func (r *FileGroupRepository) CreateIfMissing(tx *gorm.DB, group *FileGroup) (bool, error) {
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(group)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkDeleted flags the group deleted. Deleting twice is a no-op.
func (r *FileGroupRepository) MarkDeleted(tx *gorm.DB, fileGroupUUID string) (bool, error) {
	result := tx.Model(&FileGroup{}).
		Where("file_group_uuid = ? AND deleted = ?", fileGroupUUID, false).
		Update("deleted", true)
	return result.RowsAffected > 0, result.Error
}
