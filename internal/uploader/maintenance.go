package uploader

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maintain runs the housekeeping owed at the end of every run. Failures are logged
// and retried by the next run.
func (u *Uploader) maintain(ctx context.Context, result *RunResult) {
	expired, err := u.removeExpiredBatches(ctx)
	if err != nil {
		u.logError(opRun, "expired_batch_cleanup_failed", err)
	}
	result.ExpiredBatches = expired

	swept, err := u.staleVersions.SweepExpired(ctx)
	if err != nil {
		u.logError(opRun, "stale_sweep_failed", err)
	}
	result.StaleSwept = swept

	markers, err := u.store.ClientUI.DeleteExpired(ctx, u.now().Unix())
	if err != nil {
		u.logError(opRun, "inform_sweep_failed", err)
	}
	result.MarkersSwept = markers
}

// removeExpiredBatches drops the staged parts of batches that never completed in
// time, together with the v0 blobs they already wrote.
func (u *Uploader) removeExpiredBatches(ctx context.Context) (int, error) {
	expired, err := u.store.Uploads.ExpiredUnclaimed(ctx, u.now().Unix())
	if err != nil {
		return 0, err
	}
	removable := make([]int64, 0, len(expired))
	for _, upload := range expired {
		if upload.State == files.UploadStateV0 {
			if err := u.removeStagedBlob(ctx, upload); err != nil {
				u.logger.Warn("expired part blob not removed",
					zap.Int64("upload_id", upload.UploadID),
					zap.String("file_uuid", upload.FileUUID),
					zap.Error(err))
				continue
			}
		}
		removable = append(removable, upload.UploadID)
	}
	if len(removable) == 0 {
		return 0, nil
	}

	var removed int64
	err = u.store.Transaction(ctx, func(tx *gorm.DB) error {
		var deleteErr error
		removed, deleteErr = u.store.Uploads.DeleteByIDs(tx, removable)
		return deleteErr
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		u.logger.Info("expired batch parts removed", zap.Int64("removed", removed))
	}
	return int(removed), nil
}

func (u *Uploader) removeStagedBlob(ctx context.Context, upload files.Upload) error {
	owner := ""
	if groupUUID, grouped := upload.Ownership().FileGroupUUID(); grouped {
		group, err := u.store.FileGroups.Lookup(ctx, nil, groupUUID)
		switch {
		case err == nil:
			owner = group.OwningUserID
		case !errors.Is(err, files.ErrNotFound):
			return err
		}
	}
	if owner == "" {
		resolved, err := u.owners.ResolveOwner(ctx, upload.UserID, upload.SharingGroupUUID)
		if err != nil {
			return err
		}
		owner = resolved
	}

	account, err := u.accounts.ForUser(ctx, owner)
	if errors.Is(err, cloudstore.ErrAccessRevoked) {
		return nil
	}
	if err != nil {
		return err
	}
	name := cloudstore.BlobName(upload.DeviceUUID, upload.FileUUID, upload.MimeType, 0)
	err = cloudstore.Remove(ctx, account.Store, name, account.Options(upload.MimeType))
	if errors.Is(err, cloudstore.ErrAccessRevoked) {
		return nil
	}
	return err
}
