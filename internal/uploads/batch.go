package uploads

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"gorm.io/gorm"
)

// PartOutcome classifies a recorded batch part.
type PartOutcome string

const (
	PartAccepted  PartOutcome = "accepted"
	PartDuplicate PartOutcome = "duplicate"
	PartConflict  PartOutcome = "conflict"
)

// BatchTracker stages the parts of client batches and decides when a batch is complete.
type BatchTracker struct {
	store *files.Store
}

// NewBatchTracker returns a tracker over store.
func NewBatchTracker(store *files.Store) *BatchTracker {
	return &BatchTracker{store: store}
}

// RecordPart stages upload inside tx. A part already staged under the same
// (fileUUID, userID, deviceUUID, batchUUID) key is a duplicate and is not re-applied.
// A conflict is returned together with a *ConflictError.
func (b *BatchTracker) RecordPart(ctx context.Context, tx *gorm.DB, upload *files.Upload) (PartOutcome, error) {
	key := files.PartKey{
		FileUUID:   upload.FileUUID,
		UserID:     upload.UserID,
		DeviceUUID: upload.DeviceUUID,
		BatchUUID:  upload.BatchUUID,
	}
	_, err := b.store.Uploads.LookupPart(ctx, tx, key)
	if err == nil {
		return PartDuplicate, nil
	}
	if !errors.Is(err, files.ErrNotFound) {
		return "", err
	}

	staged, err := b.store.Uploads.LockBatch(tx, batchKeyOf(*upload))
	if err != nil {
		return "", err
	}
	if conflict := checkBatchConsistency(staged, *upload); conflict != nil {
		return PartConflict, conflict
	}

	if upload.State == files.UploadStateV0 {
		conflict, err := b.crossBatchConflict(ctx, tx, *upload)
		if err != nil {
			return "", err
		}
		if conflict != nil {
			return PartConflict, conflict
		}
	}

	if upload.State == files.UploadStateV0 && upload.FileLabel != nil {
		if groupUUID, grouped := upload.Ownership().FileGroupUUID(); grouped {
			conflict, err := b.labelConflict(ctx, tx, groupUUID, *upload.FileLabel, upload.FileUUID)
			if err != nil {
				return "", err
			}
			if conflict != nil {
				return PartConflict, conflict
			}
		}
	}

	inserted, err := b.store.Uploads.Insert(tx, upload)
	if errors.Is(err, files.ErrDuplicateLabel) {
		return PartConflict, &ConflictError{Reason: ConflictLabelCollision}
	}
	if err != nil {
		return "", err
	}
	if !inserted {
		return PartDuplicate, nil
	}
	return PartAccepted, nil
}

// IsBatchComplete reports whether the staged indices of the batch are exactly {1..uploadCount}.
func (b *BatchTracker) IsBatchComplete(ctx context.Context, key files.BatchKey) (bool, error) {
	staged, err := b.store.Uploads.StagedBatch(ctx, key)
	if err != nil {
		return false, err
	}
	return batchComplete(staged), nil
}

// crossBatchConflict rejects a v0 part whose file is already staged by another
// unfinished batch.
func (b *BatchTracker) crossBatchConflict(ctx context.Context, tx *gorm.DB, upload files.Upload) (*ConflictError, error) {
	staged, err := b.store.Uploads.StagedFile(ctx, tx, upload.FileUUID, upload.BatchUUID)
	switch {
	case err == nil:
		return &ConflictError{Reason: ConflictInconsistentBatch, FileUUID: staged.FileUUID}, nil
	case errors.Is(err, files.ErrNotFound):
		return nil, nil
	default:
		return nil, err
	}
}

func (b *BatchTracker) labelConflict(ctx context.Context, tx *gorm.DB, groupUUID, label, fileUUID string) (*ConflictError, error) {
	existing, err := b.store.FileIndex.LookupByLabel(ctx, tx, groupUUID, label)
	switch {
	case err == nil:
		if existing.FileUUID != fileUUID {
			return &ConflictError{Reason: ConflictLabelCollision, FileUUID: existing.FileUUID, FileVersion: existing.FileVersion}, nil
		}
	case !errors.Is(err, files.ErrNotFound):
		return nil, err
	}

	staged, err := b.store.Uploads.StagedLabel(tx, groupUUID, label)
	switch {
	case err == nil:
		if staged.FileUUID != fileUUID {
			return &ConflictError{Reason: ConflictLabelCollision, FileUUID: staged.FileUUID}, nil
		}
	case !errors.Is(err, files.ErrNotFound):
		return nil, err
	}
	return nil, nil
}

func batchKeyOf(upload files.Upload) files.BatchKey {
	return files.BatchKey{
		BatchUUID:        upload.BatchUUID,
		UserID:           upload.UserID,
		DeviceUUID:       upload.DeviceUUID,
		SharingGroupUUID: upload.SharingGroupUUID,
	}
}

func checkBatchConsistency(staged []files.Upload, candidate files.Upload) *ConflictError {
	for _, existing := range staged {
		if existing.UploadCount != candidate.UploadCount ||
			existing.UploadIndex == candidate.UploadIndex ||
			existing.State != candidate.State {
			return &ConflictError{Reason: ConflictInconsistentBatch}
		}
		if !existing.Ownership().Equal(candidate.Ownership()) {
			return &ConflictError{Reason: ConflictMixedFileGroups}
		}
	}
	return nil
}

// batchComplete is true iff the staged indices equal {1..uploadCount} and every
// row agrees on uploadCount.
func batchComplete(staged []files.Upload) bool {
	if len(staged) == 0 {
		return false
	}
	count := staged[0].UploadCount
	if count < 1 || int(count) != len(staged) {
		return false
	}
	seen := make(map[int32]struct{}, len(staged))
	for _, upload := range staged {
		if upload.UploadCount != count || upload.UploadIndex < 1 || upload.UploadIndex > count {
			return false
		}
		if _, duplicate := seen[upload.UploadIndex]; duplicate {
			return false
		}
		seen[upload.UploadIndex] = struct{}{}
	}
	return true
}
