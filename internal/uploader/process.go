package uploader

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/resolvers"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/staleversions"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	// outcomeDeferred leaves the entry pending for a later run.
	outcomeDeferred
)

// permanentError marks a failure that retrying cannot fix. The entry is moved to
// the error status with message.
type permanentError struct {
	message string
	err     error
}

func (e *permanentError) Error() string {
	if e.err == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *permanentError) Unwrap() error {
	return e.err
}

func permanent(message string, err error) error {
	return &permanentError{message: message, err: err}
}

// cloudFailure classifies a CloudStore error. Revoked access is permanent.
func cloudFailure(action string, err error) error {
	if errors.Is(err, cloudstore.ErrAccessRevoked) {
		return permanent("cloud storage access revoked", err)
	}
	return fmt.Errorf("%s: %w", action, err)
}

func (u *Uploader) process(ctx context.Context, entry files.DeferredUpload) outcome {
	fields := []zap.Field{
		zap.Int64("deferred_upload_id", entry.DeferredUploadID),
		zap.String("status", string(entry.Status)),
		zap.String("file_group", entry.Ownership().String()),
	}

	var err error
	switch entry.Status {
	case files.DeferredStatusPendingDeletion:
		err = u.processDeletion(ctx, entry)
	case files.DeferredStatusPendingChange:
		err = u.processChange(ctx, entry)
	default:
		return outcomeCompleted
	}
	if err == nil {
		u.notify(entry, files.DeferredStatusCompleted, "")
		return outcomeCompleted
	}

	var failure *permanentError
	if !errors.As(err, &failure) {
		u.logger.Warn("deferred upload left pending", append(fields, zap.Error(err))...)
		return outcomeDeferred
	}
	u.logError(opRun, "deferred_upload_failed", err, fields...)
	if markErr := u.markFailed(ctx, entry, failure.Error()); markErr != nil {
		u.logError(opRun, "mark_failed_failed", markErr, fields...)
		return outcomeDeferred
	}
	u.notify(entry, files.DeferredStatusError, failure.Error())
	return outcomeFailed
}

func (u *Uploader) markFailed(ctx context.Context, entry files.DeferredUpload, message string) error {
	return u.store.Transaction(ctx, func(tx *gorm.DB) error {
		if _, err := u.store.Uploads.DeleteByDeferred(tx, []int64{entry.DeferredUploadID}); err != nil {
			return err
		}
		return u.store.Deferred.MarkFailed(ctx, tx, entry.DeferredUploadID, message, u.now().Unix())
	})
}

// mergedFile is the next version of one file, computed from the entry's deltas.
type mergedFile struct {
	file       files.FileIndex
	contents   []byte
	deviceUUID string
	inform     bool
	account    cloudstore.Account
	blobName   string
	checksum   string
}

// processChange merges the entry's deltas file by file in upload order, writes each
// merged file as the next version and commits every file of the entry together.
func (u *Uploader) processChange(ctx context.Context, entry files.DeferredUpload) error {
	deltas, err := u.store.Uploads.ListByDeferred(ctx, nil, []int64{entry.DeferredUploadID})
	if err != nil {
		return err
	}
	if len(deltas) == 0 {
		return u.complete(ctx, entry, nil, nil)
	}

	byFile := make(map[string][]files.Upload)
	order := make([]string, 0)
	for _, delta := range deltas {
		if _, seen := byFile[delta.FileUUID]; !seen {
			order = append(order, delta.FileUUID)
		}
		byFile[delta.FileUUID] = append(byFile[delta.FileUUID], delta)
	}

	merged := make([]*mergedFile, 0, len(order))
	for _, fileUUID := range order {
		next, err := u.merge(ctx, fileUUID, byFile[fileUUID])
		if err != nil {
			return err
		}
		if next == nil {
			u.logger.Info("deltas discarded for deleted file",
				zap.Int64("deferred_upload_id", entry.DeferredUploadID),
				zap.String("file_uuid", fileUUID))
			continue
		}
		merged = append(merged, next)
	}

	written := make([]*mergedFile, 0, len(merged))
	for _, next := range merged {
		options := next.account.Options(next.file.MimeType)
		checksum, err := next.account.Store.Upload(ctx, next.blobName, next.contents, options)
		if err != nil {
			u.removeWritten(ctx, written)
			return cloudFailure("upload merged file", err)
		}
		next.checksum = checksum
		written = append(written, next)
	}

	if err := u.complete(ctx, entry, written, nil); err != nil {
		u.removeWritten(ctx, written)
		return err
	}
	return nil
}

// merge applies deltas, oldest first, to the current version of a file. It returns
// nil when the file was deleted in the meantime.
func (u *Uploader) merge(ctx context.Context, fileUUID string, deltas []files.Upload) (*mergedFile, error) {
	file, err := u.store.FileIndex.Lookup(ctx, nil, fileUUID)
	if errors.Is(err, files.ErrNotFound) {
		return nil, permanent(fmt.Sprintf("file %s does not exist", fileUUID), err)
	}
	if err != nil {
		return nil, err
	}
	if file.Deleted {
		return nil, nil
	}
	if !file.Mutable() {
		return nil, permanent(fmt.Sprintf("file %s has no change resolver", fileUUID), nil)
	}
	resolver, ok := u.resolvers.Lookup(*file.ChangeResolverName)
	if !ok {
		return nil, permanent(fmt.Sprintf("change resolver %q is not registered", *file.ChangeResolverName), nil)
	}

	account, err := u.accounts.ForUser(ctx, file.UserID)
	if err != nil {
		return nil, cloudFailure("resolve owner account", err)
	}
	currentName := cloudstore.BlobName(file.DeviceUUID, file.FileUUID, file.MimeType, file.FileVersion)
	contents, _, err := account.Store.Download(ctx, currentName, account.Options(file.MimeType))
	if errors.Is(err, cloudstore.ErrNotFound) {
		return nil, permanent(fmt.Sprintf("current version of file %s is missing from cloud storage", fileUUID), err)
	}
	if err != nil {
		return nil, cloudFailure("download current version", err)
	}

	next := &mergedFile{file: file, account: account}
	for _, delta := range deltas {
		contents, err = resolver.Apply(contents, delta.UploadContents)
		if err != nil {
			if errors.Is(err, resolvers.ErrMerge) {
				return nil, permanent(fmt.Sprintf("change resolver rejected a delta for file %s", fileUUID), err)
			}
			return nil, permanent(fmt.Sprintf("change resolver failed for file %s", fileUUID), err)
		}
		next.deviceUUID = delta.DeviceUUID
		next.inform = next.inform || delta.InformAllButSelf
	}
	next.contents = contents
	next.blobName = cloudstore.BlobName(next.deviceUUID, file.FileUUID, file.MimeType, file.FileVersion+1)
	return next, nil
}

// complete commits the written versions and retires the entry in one transaction.
// Each file advances by exactly one version and its previous version is retained.
func (u *Uploader) complete(ctx context.Context, entry files.DeferredUpload, written []*mergedFile, staleIDs []int64) error {
	now := u.now()
	err := u.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, next := range written {
			err := u.store.FileIndex.AdvanceVersion(tx, files.VersionAdvance{
				FileIndexID:      next.file.FileIndexID,
				FromVersion:      next.file.FileVersion,
				DeviceUUID:       next.deviceUUID,
				CheckSum:         next.checksum,
				UpdatedAtSeconds: now.Unix(),
			})
			if err != nil {
				return err
			}
			_, err = u.staleVersions.Retain(tx, staleversions.Retention{
				FileIndexID:      next.file.FileIndexID,
				FileUUID:         next.file.FileUUID,
				SharingGroupUUID: next.file.SharingGroupUUID,
				DeviceUUID:       next.file.DeviceUUID,
				FileVersion:      next.file.FileVersion,
			})
			if err != nil {
				return err
			}
			if next.inform {
				marker := files.FileIndexClientUI{
					FileUUID:           next.file.FileUUID,
					FileVersion:        next.file.FileVersion + 1,
					SharingGroupUUID:   next.file.SharingGroupUUID,
					InformAllButUserID: entry.UserID,
					ExpirySeconds:      now.Add(u.informRetention).Unix(),
				}
				if err := u.store.ClientUI.Create(tx, &marker); err != nil {
					return err
				}
			}
		}
		if _, err := u.staleVersions.Forget(ctx, tx, staleIDs); err != nil {
			return err
		}
		if _, err := u.store.Uploads.DeleteByDeferred(tx, []int64{entry.DeferredUploadID}); err != nil {
			return err
		}
		_, err := u.store.Deferred.MarkCompleted(tx, []int64{entry.DeferredUploadID}, now.Unix())
		return err
	})
	if errors.Is(err, files.ErrVersionMoved) {
		return permanent("file version moved while merging", err)
	}
	return err
}

func (u *Uploader) removeWritten(ctx context.Context, written []*mergedFile) {
	for _, next := range written {
		options := next.account.Options(next.file.MimeType)
		if err := cloudstore.Remove(context.WithoutCancel(ctx), next.account.Store, next.blobName, options); err != nil {
			u.logger.Warn("merged blob left behind",
				zap.String("blob", next.blobName),
				zap.Error(err))
		}
	}
}

// processDeletion removes the current and retained blobs of every file the entry
// deleted, forgets the retained versions and retires the entry. Blobs behind a
// revoked account stay where they are and the entry is reported as failed.
func (u *Uploader) processDeletion(ctx context.Context, entry files.DeferredUpload) error {
	var targets []files.FileIndex
	var err error
	if groupUUID, grouped := entry.Ownership().FileGroupUUID(); grouped {
		targets, err = u.store.FileIndex.ListByOwnership(ctx, nil, files.Grouped(files.FileGroupUUID(groupUUID)), nil)
	} else {
		var markers []files.Upload
		markers, err = u.store.Uploads.ListByDeferred(ctx, nil, []int64{entry.DeferredUploadID})
		if err == nil {
			fileUUIDs := make([]string, 0, len(markers))
			for _, marker := range markers {
				fileUUIDs = append(fileUUIDs, marker.FileUUID)
			}
			targets, err = u.store.FileIndex.ListByOwnership(ctx, nil, files.Ungrouped(), fileUUIDs)
		}
	}
	if err != nil {
		return err
	}

	fileUUIDs := make([]string, 0, len(targets))
	for _, file := range targets {
		fileUUIDs = append(fileUUIDs, file.FileUUID)
	}
	retained, err := u.staleVersions.Retained(ctx, nil, fileUUIDs)
	if err != nil {
		return err
	}
	retainedByFile := make(map[string][]files.StaleVersion, len(retained))
	staleIDs := make([]int64, 0, len(retained))
	for _, stale := range retained {
		retainedByFile[stale.FileUUID] = append(retainedByFile[stale.FileUUID], stale)
		staleIDs = append(staleIDs, stale.StaleVersionID)
	}

	var revoked error
	for _, file := range targets {
		err := u.removeFileBlobs(ctx, file, retainedByFile[file.FileUUID])
		var failure *permanentError
		if errors.As(err, &failure) {
			revoked = err
			continue
		}
		if err != nil {
			return err
		}
	}

	if revoked != nil {
		if _, err := u.staleVersions.Forget(ctx, nil, staleIDs); err != nil {
			return err
		}
		return revoked
	}
	return u.complete(ctx, entry, nil, staleIDs)
}

func (u *Uploader) removeFileBlobs(ctx context.Context, file files.FileIndex, retained []files.StaleVersion) error {
	account, err := u.accounts.ForUser(ctx, file.UserID)
	if err != nil {
		return cloudFailure("resolve owner account", err)
	}
	options := account.Options(file.MimeType)
	current := cloudstore.BlobName(file.DeviceUUID, file.FileUUID, file.MimeType, file.FileVersion)
	if err := cloudstore.Remove(ctx, account.Store, current, options); err != nil {
		return cloudFailure("delete current version", err)
	}
	for _, stale := range retained {
		name := cloudstore.BlobName(stale.DeviceUUID, stale.FileUUID, file.MimeType, stale.FileVersion)
		if err := cloudstore.Remove(ctx, account.Store, name, options); err != nil {
			return cloudFailure("delete retained version", err)
		}
	}
	return nil
}
