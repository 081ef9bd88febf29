package files

import (
	"context"

	"gorm.io/gorm"
)

// DeferredUploadRepository manages the deferred work queue.
type DeferredUploadRepository struct {
	executor
}

// Create enqueues an entry.
func (r *DeferredUploadRepository) Create(tx *gorm.DB, entry *DeferredUpload) error {
	return tx.Create(entry).Error
}

// Lookup returns the entry with the given id.
func (r *DeferredUploadRepository) Lookup(ctx context.Context, deferredUploadID int64) (DeferredUpload, error) {
	var entry DeferredUpload
	err := r.run(ctx, nil, func(conn *gorm.DB) error {
		return conn.Where("deferred_upload_id = ?", deferredUploadID).Take(&entry).Error
	})
	return entry, notFound(err)
}

// LookupByBatch returns the newest entry created for a user's batch.
func (r *DeferredUploadRepository) LookupByBatch(ctx context.Context, tx *gorm.DB, userID, batchUUID string) (DeferredUpload, error) {
	var entry DeferredUpload
	err := r.run(ctx, tx, func(conn *gorm.DB) error {
		return conn.Where("user_id = ? AND batch_uuid = ?", userID, batchUUID).
			Order("deferred_upload_id DESC").
			Take(&entry).Error
	})
	return entry, notFound(err)
}

// Pending returns every entry the worker still owes, oldest first.
func (r *DeferredUploadRepository) Pending(ctx context.Context) ([]DeferredUpload, error) {
	var entries []DeferredUpload
	err := r.run(ctx, nil, func(conn *gorm.DB) error {
		return conn.Where("status IN ?", []DeferredStatus{DeferredStatusPendingChange, DeferredStatusPendingDeletion}).
			Order("deferred_upload_id ASC").
			Find(&entries).Error
	})
	return entries, err
}

// PendingChangesForGroups returns the pendingChange entries of the given file groups.
func (r *DeferredUploadRepository) PendingChangesForGroups(tx *gorm.DB, fileGroupUUIDs []string) ([]DeferredUpload, error) {
	var entries []DeferredUpload
	if len(fileGroupUUIDs) == 0 {
		return entries, nil
	}
	err := tx.Where("status = ? AND file_group_uuid IN ?", DeferredStatusPendingChange, fileGroupUUIDs).
		Order("deferred_upload_id ASC").
		Find(&entries).Error
	return entries, err
}

// PendingChangesByIDs narrows ids to the ungrouped entries still in pendingChange.
func (r *DeferredUploadRepository) PendingChangesByIDs(tx *gorm.DB, deferredUploadIDs []int64) ([]DeferredUpload, error) {
	var entries []DeferredUpload
	if len(deferredUploadIDs) == 0 {
		return entries, nil
	}
	err := tx.Where("status = ? AND file_group_uuid IS NULL AND deferred_upload_id IN ?", DeferredStatusPendingChange, deferredUploadIDs).
		Order("deferred_upload_id ASC").
		Find(&entries).Error
	return entries, err
}

// MarkCompleted finishes pending entries. Entries no longer pending are left alone.
func (r *DeferredUploadRepository) MarkCompleted(tx *gorm.DB, deferredUploadIDs []int64, nowSeconds int64) (int64, error) {
	if len(deferredUploadIDs) == 0 {
		return 0, nil
	}
	result := tx.Model(&DeferredUpload{}).
		Where("deferred_upload_id IN ? AND status IN ?", deferredUploadIDs,
			[]DeferredStatus{DeferredStatusPendingChange, DeferredStatusPendingDeletion}).
		Updates(map[string]any{
			"status":         DeferredStatusCompleted,
			"completed_at_s": nowSeconds,
		})
	return result.RowsAffected, result.Error
}

// MarkFailed records a permanent failure against one pending entry.
func (r *DeferredUploadRepository) MarkFailed(ctx context.Context, tx *gorm.DB, deferredUploadID int64, message string, nowSeconds int64) error {
	return r.run(ctx, tx, func(conn *gorm.DB) error {
		return conn.Model(&DeferredUpload{}).
			Where("deferred_upload_id = ? AND status IN ?", deferredUploadID,
				[]DeferredStatus{DeferredStatusPendingChange, DeferredStatusPendingDeletion}).
			Updates(map[string]any{
				"status":         DeferredStatusError,
				"error_message":  message,
				"completed_at_s": nowSeconds,
			}).Error
	})
}
