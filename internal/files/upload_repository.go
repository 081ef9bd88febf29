package files

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PartKey identifies one staged part. At most one Upload row exists per key.
type PartKey struct {
	FileUUID   string
	UserID     string
	DeviceUUID string
	BatchUUID  string
}

// BatchKey identifies the staged parts of one client batch.
type BatchKey struct {
	BatchUUID        string
	UserID           string
	DeviceUUID       string
	SharingGroupUUID string
}

// UploadRepository stages and retires Upload rows.
type UploadRepository struct {
	executor
}

// LookupPart returns the staged part for key.
func (r *UploadRepository) LookupPart(ctx context.Context, tx *gorm.DB, key PartKey) (Upload, error) {
	var upload Upload
	err := r.run(ctx, tx, func(conn *gorm.DB) error {
		return conn.Where("file_uuid = ? AND user_id = ? AND device_uuid = ? AND batch_uuid = ?",
			key.FileUUID, key.UserID, key.DeviceUUID, key.BatchUUID).
			Take(&upload).Error
	})
	return upload, notFound(err)
}

// Insert stages a part. It reports false without error when the part key is already
// staged. Any other unique violation, such as a taken group label, returns ErrDuplicateLabel.
func (r *UploadRepository) Insert(tx *gorm.DB, upload *Upload) (bool, error) {
	result := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "file_uuid"},
			{Name: "user_id"},
			{Name: "device_uuid"},
			{Name: "batch_uuid"},
		},
		DoNothing: true,
	}).Create(upload)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return false, ErrDuplicateLabel
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// StagedFile returns an unclaimed v0 part of fileUUID staged under a batch other than batchUUID.
func (r *UploadRepository) StagedFile(ctx context.Context, tx *gorm.DB, fileUUID, batchUUID string) (Upload, error) {
	var upload Upload
	err := r.run(ctx, tx, func(conn *gorm.DB) error {
		return conn.Where("file_uuid = ? AND batch_uuid <> ? AND state = ? AND deferred_upload_id IS NULL",
			fileUUID, batchUUID, UploadStateV0).
			Take(&upload).Error
	})
	return upload, notFound(err)
}

// LockBatch returns the unclaimed parts of a batch in insertion order, locking them.
func (r *UploadRepository) LockBatch(tx *gorm.DB, key BatchKey) ([]Upload, error) {
	var uploads []Upload
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("batch_uuid = ? AND user_id = ? AND device_uuid = ? AND sharing_group_uuid = ? AND deferred_upload_id IS NULL",
			key.BatchUUID, key.UserID, key.DeviceUUID, key.SharingGroupUUID).
		Order("upload_id ASC").
		Find(&uploads).Error
	return uploads, err
}

// StagedBatch returns the unclaimed parts of a batch in insertion order.
func (r *UploadRepository) StagedBatch(ctx context.Context, key BatchKey) ([]Upload, error) {
	var uploads []Upload
	err := r.run(ctx, nil, func(conn *gorm.DB) error {
		return conn.Where("batch_uuid = ? AND user_id = ? AND device_uuid = ? AND sharing_group_uuid = ? AND deferred_upload_id IS NULL",
			key.BatchUUID, key.UserID, key.DeviceUUID, key.SharingGroupUUID).
			Order("upload_id ASC").
			Find(&uploads).Error
	})
	return uploads, err
}

// StagedLabel returns a staged v0 part that already claims label within a file group.
func (r *UploadRepository) StagedLabel(tx *gorm.DB, fileGroupUUID, label string) (Upload, error) {
	var upload Upload
	err := tx.Where("file_group_uuid = ? AND file_label = ? AND state = ?", fileGroupUUID, label, UploadStateV0).
		Take(&upload).Error
	return upload, notFound(err)
}

// Claim stamps the parts with the DeferredUpload that will consume them.
func (r *UploadRepository) Claim(tx *gorm.DB, uploadIDs []int64, deferredUploadID int64) (int64, error) {
	if len(uploadIDs) == 0 {
		return 0, nil
	}
	result := tx.Model(&Upload{}).
		Where("upload_id IN ? AND deferred_upload_id IS NULL", uploadIDs).
		Update("deferred_upload_id", deferredUploadID)
	return result.RowsAffected, result.Error
}

// DeleteByIDs removes the given parts.
func (r *UploadRepository) DeleteByIDs(tx *gorm.DB, uploadIDs []int64) (int64, error) {
	if len(uploadIDs) == 0 {
		return 0, nil
	}
	result := tx.Where("upload_id IN ?", uploadIDs).Delete(&Upload{})
	return result.RowsAffected, result.Error
}

// ListByDeferred returns the parts claimed by the given queue entries in insertion order.
func (r *UploadRepository) ListByDeferred(ctx context.Context, tx *gorm.DB, deferredUploadIDs []int64) ([]Upload, error) {
	var uploads []Upload
	if len(deferredUploadIDs) == 0 {
		return uploads, nil
	}
	err := r.run(ctx, tx, func(conn *gorm.DB) error {
		return conn.Where("deferred_upload_id IN ?", deferredUploadIDs).Order("upload_id ASC").Find(&uploads).Error
	})
	return uploads, err
}

// DeleteByDeferred removes every part claimed by the given queue entries.
func (r *UploadRepository) DeleteByDeferred(tx *gorm.DB, deferredUploadIDs []int64) (int64, error) {
	if len(deferredUploadIDs) == 0 {
		return 0, nil
	}
	result := tx.Where("deferred_upload_id IN ?", deferredUploadIDs).Delete(&Upload{})
	return result.RowsAffected, result.Error
}

// DeferredIDsTouchingFiles returns the queue entries whose claimed parts reference any of fileUUIDs.
func (r *UploadRepository) DeferredIDsTouchingFiles(tx *gorm.DB, fileUUIDs []string) ([]int64, error) {
	var ids []int64
	if len(fileUUIDs) == 0 {
		return ids, nil
	}
	err := tx.Model(&Upload{}).
		Where("file_uuid IN ? AND deferred_upload_id IS NOT NULL", fileUUIDs).
		Distinct().
		Pluck("deferred_upload_id", &ids).Error
	return ids, err
}

// ExpiredUnclaimed returns parts of batches that never completed before their expiry.
func (r *UploadRepository) ExpiredUnclaimed(ctx context.Context, nowSeconds int64) ([]Upload, error) {
	var uploads []Upload
	err := r.run(ctx, nil, func(conn *gorm.DB) error {
		return conn.Where("deferred_upload_id IS NULL AND batch_expiry_s < ?", nowSeconds).
			Order("upload_id ASC").
			Find(&uploads).Error
	})
	return uploads, err
}
