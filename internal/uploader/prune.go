package uploader

import (
	"context"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PruneFileUploads completes, without merging, every pendingChange entry that targets
// a file group or ungrouped file with a pending deletion among deletions, and discards
// the deltas those entries carried. Deletion entries are never pruned. It returns the
// number of change entries pruned.
func (u *Uploader) PruneFileUploads(ctx context.Context, deletions []files.DeferredUpload) (int, error) {
	groupUUIDs := make([]string, 0, len(deletions))
	ungroupedIDs := make([]int64, 0)
	for _, deletion := range deletions {
		if deletion.Status != files.DeferredStatusPendingDeletion {
			continue
		}
		if groupUUID, grouped := deletion.Ownership().FileGroupUUID(); grouped {
			groupUUIDs = append(groupUUIDs, groupUUID)
			continue
		}
		ungroupedIDs = append(ungroupedIDs, deletion.DeferredUploadID)
	}
	if len(groupUUIDs) == 0 && len(ungroupedIDs) == 0 {
		return 0, nil
	}

	var pruned []files.DeferredUpload
	err := u.store.Transaction(ctx, func(tx *gorm.DB) error {
		pruned = nil
		changes, err := u.store.Deferred.PendingChangesForGroups(tx, groupUUIDs)
		if err != nil {
			return err
		}
		if len(ungroupedIDs) > 0 {
			markers, err := u.store.Uploads.ListByDeferred(ctx, tx, ungroupedIDs)
			if err != nil {
				return err
			}
			fileUUIDs := make([]string, 0, len(markers))
			for _, marker := range markers {
				fileUUIDs = append(fileUUIDs, marker.FileUUID)
			}
			touching, err := u.store.Uploads.DeferredIDsTouchingFiles(tx, fileUUIDs)
			if err != nil {
				return err
			}
			ungroupedChanges, err := u.store.Deferred.PendingChangesByIDs(tx, touching)
			if err != nil {
				return err
			}
			changes = append(changes, ungroupedChanges...)
		}
		if len(changes) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(changes))
		for _, change := range changes {
			ids = append(ids, change.DeferredUploadID)
		}
		if _, err := u.store.Uploads.DeleteByDeferred(tx, ids); err != nil {
			return err
		}
		if _, err := u.store.Deferred.MarkCompleted(tx, ids, u.now().Unix()); err != nil {
			return err
		}
		pruned = changes
		return nil
	})
	if err != nil {
		u.logError(opPrune, "prune_failed", err)
		return 0, newServiceError(opPrune, "prune_failed", err)
	}

	for _, entry := range pruned {
		u.logger.Info("pending change pruned by deletion",
			zap.Int64("deferred_upload_id", entry.DeferredUploadID),
			zap.String("user_id", entry.UserID))
		u.notify(entry, files.DeferredStatusCompleted, "")
	}
	return len(pruned), nil
}
