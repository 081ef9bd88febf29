package uploads

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DeletionRequest deletes a whole file group, or a single file that has no group.
// Exactly one of FileGroupUUID and FileUUID is set.
type DeletionRequest struct {
	UserID           string
	DeviceUUID       string
	SharingGroupUUID string
	FileGroupUUID    string
	FileUUID         string
}

// DeletionResponse reports the queued cloud cleanup. AlreadyDeleted is set when the
// target was deleted before and nothing new was queued.
type DeletionResponse struct {
	AlreadyDeleted   bool
	DeferredUploadID *int64
}

// UploadDeletion marks the target files deleted immediately and queues one
// pendingDeletion entry for the cloud storage cleanup. Deleting twice succeeds.
func (s *Service) UploadDeletion(ctx context.Context, request DeletionRequest) (DeletionResponse, error) {
	userID, err := files.NewUserID(request.UserID)
	if err != nil {
		return DeletionResponse{}, invalid("userId", err.Error())
	}
	sharingGroupUUID, err := files.NewSharingGroupUUID(request.SharingGroupUUID)
	if err != nil {
		return DeletionResponse{}, invalid("sharingGroupUUID", err.Error())
	}
	hasGroup := strings.TrimSpace(request.FileGroupUUID) != ""
	hasFile := strings.TrimSpace(request.FileUUID) != ""
	if hasGroup == hasFile {
		return DeletionResponse{}, invalid("fileGroupUUID", "exactly one of fileGroupUUID and fileUUID is required")
	}
	if err := s.checkMembership(ctx, opUploadDeletion, userID.String(), sharingGroupUUID.String()); err != nil {
		return DeletionResponse{}, err
	}

	var response DeletionResponse
	if hasGroup {
		groupUUID, err := files.NewFileGroupUUID(request.FileGroupUUID)
		if err != nil {
			return DeletionResponse{}, invalid("fileGroupUUID", err.Error())
		}
		response, err = s.deleteFileGroup(ctx, userID.String(), sharingGroupUUID.String(), groupUUID.String())
		if err != nil {
			return DeletionResponse{}, err
		}
	} else {
		fileUUID, err := files.NewFileUUID(request.FileUUID)
		if err != nil {
			return DeletionResponse{}, invalid("fileUUID", err.Error())
		}
		deviceUUID, err := files.NewDeviceUUID(request.DeviceUUID)
		if err != nil {
			return DeletionResponse{}, invalid("deviceUUID", err.Error())
		}
		response, err = s.deleteUngroupedFile(ctx, userID.String(), deviceUUID.String(), sharingGroupUUID.String(), fileUUID.String())
		if err != nil {
			return DeletionResponse{}, err
		}
	}

	if response.DeferredUploadID != nil {
		s.logger.Info("deferred deletion queued",
			zap.String("user_id", userID.String()),
			zap.Int64("deferred_upload_id", *response.DeferredUploadID))
		s.notifyUploader(ctx)
	}
	return response, nil
}

func (s *Service) deleteFileGroup(ctx context.Context, userID, sharingGroupUUID, groupUUID string) (DeletionResponse, error) {
	fields := []zap.Field{zap.String("user_id", userID), zap.String("file_group_uuid", groupUUID)}
	var response DeletionResponse
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		response = DeletionResponse{}
		group, err := s.store.FileGroups.LookupForUpdate(tx, groupUUID)
		if errors.Is(err, files.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if group.SharingGroupUUID != sharingGroupUUID {
			return invalid("sharingGroupUUID", "file group belongs to another sharing group")
		}
		if group.Deleted {
			response.AlreadyDeleted = true
			return nil
		}

		now := s.now().Unix()
		if _, err := s.store.FileGroups.MarkDeleted(tx, groupUUID); err != nil {
			return err
		}
		ownership := files.Grouped(files.FileGroupUUID(groupUUID))
		if _, err := s.store.FileIndex.MarkDeleted(tx, ownership, "", now); err != nil {
			return err
		}
		entry := files.DeferredUpload{
			Status:           files.DeferredStatusPendingDeletion,
			FileGroupUUID:    ownership.Column(),
			SharingGroupUUID: sharingGroupUUID,
			UserID:           userID,
			CreatedAtSeconds: now,
		}
		if err := s.store.Deferred.Create(tx, &entry); err != nil {
			return err
		}
		response.DeferredUploadID = &entry.DeferredUploadID
		return nil
	})
	if err != nil {
		return DeletionResponse{}, s.classify(opUploadDeletion, "delete_group_failed", err, fields...)
	}
	return response, nil
}

// deleteUngroupedFile queues the deletion of a file without a group. The file is
// recorded as a delete-state Upload row attached to the entry.
func (s *Service) deleteUngroupedFile(ctx context.Context, userID, deviceUUID, sharingGroupUUID, fileUUID string) (DeletionResponse, error) {
	fields := []zap.Field{zap.String("user_id", userID), zap.String("file_uuid", fileUUID)}
	batchUUID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opUploadDeletion, "batch_id_failed", err, fields...)
		return DeletionResponse{}, newServiceError(opUploadDeletion, "batch_id_failed", err)
	}

	var response DeletionResponse
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		response = DeletionResponse{}
		file, err := s.store.FileIndex.LookupForUpdate(tx, fileUUID)
		if errors.Is(err, files.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if file.SharingGroupUUID != sharingGroupUUID {
			return invalid("sharingGroupUUID", "file belongs to another sharing group")
		}
		if file.Ownership().IsGrouped() {
			return invalid("fileUUID", "file belongs to a file group; delete the group instead")
		}
		if file.Deleted {
			response.AlreadyDeleted = true
			return nil
		}

		now := s.now().Unix()
		if _, err := s.store.FileIndex.MarkDeleted(tx, files.Ungrouped(), fileUUID, now); err != nil {
			return err
		}
		entry := files.DeferredUpload{
			Status:           files.DeferredStatusPendingDeletion,
			SharingGroupUUID: sharingGroupUUID,
			UserID:           userID,
			CreatedAtSeconds: now,
		}
		if err := s.store.Deferred.Create(tx, &entry); err != nil {
			return err
		}
		marker := files.Upload{
			FileUUID:           fileUUID,
			UserID:             userID,
			DeviceUUID:         deviceUUID,
			BatchUUID:          batchUUID,
			SharingGroupUUID:   sharingGroupUUID,
			MimeType:           file.MimeType,
			State:              files.UploadStateDelete,
			UploadIndex:        1,
			UploadCount:        1,
			DeferredUploadID:   &entry.DeferredUploadID,
			BatchExpirySeconds: now,
			CreatedAtSeconds:   now,
		}
		inserted, err := s.store.Uploads.Insert(tx, &marker)
		if err != nil {
			return err
		}
		if !inserted {
			return errStagedPartsChanged
		}
		response.DeferredUploadID = &entry.DeferredUploadID
		return nil
	})
	if err != nil {
		return DeletionResponse{}, s.classify(opUploadDeletion, "delete_file_failed", err, fields...)
	}
	return response, nil
}
