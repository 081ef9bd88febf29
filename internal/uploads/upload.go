package uploads

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UploadStatus reports what happened to a submitted part.
type UploadStatus string

const (
	StatusV0UploadsFinished     UploadStatus = "v0_uploads_finished"
	StatusUploadsNotFinished    UploadStatus = "uploads_not_finished"
	StatusVNTransferPending     UploadStatus = "vn_uploads_transfer_pending"
	StatusDuplicateFileUpload   UploadStatus = "duplicate_file_upload"
	StatusV0DuplicateFileUpload UploadStatus = "v0_duplicate_file_upload"
)

// UploadRequest is one part of a client batch. FileLabel and MimeType mark a v0
// part; a part without them is a vN delta against an existing file.
type UploadRequest struct {
	UserID              string
	DeviceUUID          string
	SharingGroupUUID    string
	FileUUID            string
	FileGroupUUID       string
	FileLabel           string
	ObjectType          string
	MimeType            string
	ChangeResolverName  string
	CheckSum            string
	AppMetaData         string
	BatchUUID           string
	BatchExpiryInterval time.Duration
	UploadIndex         int32
	UploadCount         int32
	InformAllButSelf    bool
	Payload             []byte
}

// UploadResponse reports the part outcome. DeferredUploadID is set once a vN batch was queued.
type UploadResponse struct {
	Status           UploadStatus
	DeferredUploadID *int64
}

type uploadPart struct {
	request          UploadRequest
	userID           string
	deviceUUID       string
	sharingGroupUUID string
	fileUUID         string
	batchUUID        string
	fileGroupUUID    *string
	batchExpiry      int64
}

func (p uploadPart) isV0() bool {
	return p.request.FileLabel != "" || p.request.MimeType != ""
}

func (p uploadPart) ownership() files.Ownership {
	return files.OwnershipFromColumn(p.fileGroupUUID)
}

func (p uploadPart) partKey() files.PartKey {
	return files.PartKey{FileUUID: p.fileUUID, UserID: p.userID, DeviceUUID: p.deviceUUID, BatchUUID: p.batchUUID}
}

func (p uploadPart) logFields() []zap.Field {
	return []zap.Field{
		zap.String("user_id", p.userID),
		zap.String("file_uuid", p.fileUUID),
		zap.String("batch_uuid", p.batchUUID),
		zap.Int32("upload_index", p.request.UploadIndex),
		zap.Int32("upload_count", p.request.UploadCount),
	}
}

// UploadFile records one part of a batch. When the part completes its batch, a v0
// batch is committed into the file index and a vN batch is queued for the Uploader.
func (s *Service) UploadFile(ctx context.Context, request UploadRequest) (UploadResponse, error) {
	part, err := s.parseUploadRequest(request)
	if err != nil {
		return UploadResponse{}, err
	}
	if err := s.checkMembership(ctx, opUploadFile, part.userID, part.sharingGroupUUID); err != nil {
		return UploadResponse{}, err
	}

	existing, err := s.store.FileIndex.Lookup(ctx, nil, part.fileUUID)
	found := err == nil
	if err != nil && !errors.Is(err, files.ErrNotFound) {
		return UploadResponse{}, s.classify(opUploadFile, "file_lookup_failed", err, part.logFields()...)
	}

	if part.isV0() {
		if found {
			return s.checkV0Duplicate(existing, part)
		}
		return s.uploadV0(ctx, part)
	}
	if !found {
		return UploadResponse{}, invalid("fileUUID", "unknown file; a new file requires fileLabel and mimeType")
	}
	return s.uploadVN(ctx, part, existing)
}

func (s *Service) parseUploadRequest(request UploadRequest) (uploadPart, error) {
	request.FileLabel = strings.TrimSpace(request.FileLabel)
	request.MimeType = strings.TrimSpace(request.MimeType)
	request.ObjectType = strings.TrimSpace(request.ObjectType)
	request.ChangeResolverName = strings.TrimSpace(request.ChangeResolverName)
	request.CheckSum = strings.TrimSpace(request.CheckSum)

	userID, err := files.NewUserID(request.UserID)
	if err != nil {
		return uploadPart{}, invalid("userId", err.Error())
	}
	deviceUUID, err := files.NewDeviceUUID(request.DeviceUUID)
	if err != nil {
		return uploadPart{}, invalid("deviceUUID", err.Error())
	}
	sharingGroupUUID, err := files.NewSharingGroupUUID(request.SharingGroupUUID)
	if err != nil {
		return uploadPart{}, invalid("sharingGroupUUID", err.Error())
	}
	fileUUID, err := files.NewFileUUID(request.FileUUID)
	if err != nil {
		return uploadPart{}, invalid("fileUUID", err.Error())
	}
	batchUUID, err := files.NewBatchUUID(request.BatchUUID)
	if err != nil {
		return uploadPart{}, invalid("batchUUID", err.Error())
	}
	if request.UploadCount < 1 {
		return uploadPart{}, invalid("uploadCount", "must be at least 1")
	}
	if request.UploadIndex < 1 || request.UploadIndex > request.UploadCount {
		return uploadPart{}, invalid("uploadIndex", "must be between 1 and uploadCount")
	}
	if len(request.Payload) == 0 {
		return uploadPart{}, invalid("payload", "required")
	}

	part := uploadPart{
		request:          request,
		userID:           userID.String(),
		deviceUUID:       deviceUUID.String(),
		sharingGroupUUID: sharingGroupUUID.String(),
		fileUUID:         fileUUID.String(),
		batchUUID:        batchUUID.String(),
	}
	if strings.TrimSpace(request.FileGroupUUID) != "" {
		groupUUID, err := files.NewFileGroupUUID(request.FileGroupUUID)
		if err != nil {
			return uploadPart{}, invalid("fileGroupUUID", err.Error())
		}
		part.fileGroupUUID = files.Grouped(groupUUID).Column()
	}

	interval := request.BatchExpiryInterval
	if interval <= 0 || interval > s.maxBatchExpiry {
		interval = s.maxBatchExpiry
	}
	part.batchExpiry = s.now().Add(interval).Unix()
	return part, nil
}

// checkV0Duplicate accepts a v0 part for an already indexed file as a replay when it
// describes the same file; anything else reuses a file UUID and is rejected.
func (s *Service) checkV0Duplicate(existing files.FileIndex, part uploadPart) (UploadResponse, error) {
	if existing.Deleted {
		return UploadResponse{}, &GoneError{Reason: GoneFileRemovedOrRenamed, FileUUID: existing.FileUUID, AppMetaData: existing.AppMetaData}
	}
	request := part.request
	matches := existing.Ownership().Equal(part.ownership()) &&
		existing.SharingGroupUUID == part.sharingGroupUUID &&
		existing.FileLabel == request.FileLabel &&
		existing.MimeType == request.MimeType &&
		existing.ObjectType == request.ObjectType &&
		stringValue(existing.ChangeResolverName) == request.ChangeResolverName
	if matches && existing.FileVersion == 0 && !cloudstore.ChecksumsMatch(existing.LastUploadedCheckSum, request.CheckSum) {
		matches = false
	}
	if !matches {
		return UploadResponse{}, invalid("fileUUID", "file already exists with different attributes")
	}
	return UploadResponse{Status: StatusV0DuplicateFileUpload}, nil
}

func (s *Service) uploadV0(ctx context.Context, part uploadPart) (UploadResponse, error) {
	request := part.request
	switch {
	case request.FileLabel == "":
		return UploadResponse{}, invalid("fileLabel", "required for a new file")
	case request.MimeType == "":
		return UploadResponse{}, invalid("mimeType", "required for a new file")
	case !cloudstore.KnownMimeType(request.MimeType):
		return UploadResponse{}, invalid("mimeType", "unsupported mime type")
	case request.CheckSum == "":
		return UploadResponse{}, invalid("checkSum", "required for a new file")
	case request.ObjectType != "" && part.fileGroupUUID == nil:
		return UploadResponse{}, invalid("objectType", "requires fileGroupUUID")
	case part.fileGroupUUID == nil && request.UploadCount != 1:
		return UploadResponse{}, invalid("uploadCount", "a file without fileGroupUUID must be uploaded alone")
	}
	var resolverColumn *string
	if request.ChangeResolverName != "" {
		resolver, ok := s.resolvers.Lookup(request.ChangeResolverName)
		if !ok {
			return UploadResponse{}, invalid("changeResolverName", "unknown change resolver")
		}
		if !resolver.ValidV0(request.Payload) {
			return UploadResponse{}, invalid("payload", "rejected by change resolver")
		}
		name := resolver.Name()
		resolverColumn = &name
	}

	owner, err := s.resolveV0Owner(ctx, part)
	if err != nil {
		return UploadResponse{}, err
	}

	if _, err := s.store.Uploads.LookupPart(ctx, nil, part.partKey()); err == nil {
		return UploadResponse{Status: StatusDuplicateFileUpload}, nil
	} else if !errors.Is(err, files.ErrNotFound) {
		return UploadResponse{}, s.classify(opUploadFile, "part_lookup_failed", err, part.logFields()...)
	}
	if conflict, err := s.tracker.crossBatchConflict(ctx, nil, files.Upload{FileUUID: part.fileUUID, BatchUUID: part.batchUUID}); err != nil {
		return UploadResponse{}, s.classify(opUploadFile, "staged_file_lookup_failed", err, part.logFields()...)
	} else if conflict != nil {
		return UploadResponse{}, conflict
	}

	account, err := s.accounts.ForUser(ctx, owner)
	if err != nil {
		return UploadResponse{}, s.cloudError(part, "", err)
	}
	blobName := cloudstore.BlobName(part.deviceUUID, part.fileUUID, request.MimeType, 0)
	options := account.Options(request.MimeType)
	checksum, err := account.Store.Upload(ctx, blobName, request.Payload, options)
	if err != nil {
		return UploadResponse{}, s.cloudError(part, "", err)
	}
	if !cloudstore.ChecksumsMatch(checksum, request.CheckSum) {
		s.removeBlob(ctx, account, blobName, options)
		return UploadResponse{}, invalid("checkSum", "does not match the uploaded contents")
	}

	label := request.FileLabel
	upload := files.Upload{
		FileUUID:             part.fileUUID,
		UserID:               part.userID,
		DeviceUUID:           part.deviceUUID,
		BatchUUID:            part.batchUUID,
		SharingGroupUUID:     part.sharingGroupUUID,
		FileGroupUUID:        part.fileGroupUUID,
		FileLabel:            &label,
		ObjectType:           request.ObjectType,
		MimeType:             request.MimeType,
		ChangeResolverName:   resolverColumn,
		AppMetaData:          request.AppMetaData,
		State:                files.UploadStateV0,
		UploadIndex:          request.UploadIndex,
		UploadCount:          request.UploadCount,
		LastUploadedCheckSum: strings.ToLower(checksum),
		InformAllButSelf:     request.InformAllButSelf,
		BatchExpirySeconds:   part.batchExpiry,
		CreatedAtSeconds:     s.now().Unix(),
	}
	response, err := s.commitPart(ctx, upload, owner)
	if err != nil {
		if !s.blobStagedElsewhere(ctx, part, err) {
			s.removeBlob(ctx, account, blobName, options)
		}
		return UploadResponse{}, s.classify(opUploadFile, "commit_failed", err, part.logFields()...)
	}
	return response, nil
}

// blobStagedElsewhere reports whether a commit failed because another batch from the
// same device stages this file, in which case the v0 blob belongs to that batch.
func (s *Service) blobStagedElsewhere(ctx context.Context, part uploadPart, err error) bool {
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ConflictInconsistentBatch || conflict.FileUUID != part.fileUUID {
		return false
	}
	staged, lookupErr := s.store.Uploads.StagedFile(ctx, nil, part.fileUUID, part.batchUUID)
	return lookupErr == nil && staged.DeviceUUID == part.deviceUUID
}

// resolveV0Owner returns the user whose storage will hold the new file. An existing
// group keeps its owner; a new group or ungrouped file belongs to the member's sponsor.
func (s *Service) resolveV0Owner(ctx context.Context, part uploadPart) (string, error) {
	if groupUUID, grouped := part.ownership().FileGroupUUID(); grouped {
		group, err := s.store.FileGroups.Lookup(ctx, nil, groupUUID)
		switch {
		case err == nil:
			if group.Deleted {
				return "", &GoneError{Reason: GoneFileRemovedOrRenamed, FileUUID: part.fileUUID}
			}
			if group.SharingGroupUUID != part.sharingGroupUUID {
				return "", invalid("fileGroupUUID", "file group belongs to another sharing group")
			}
			if part.request.ObjectType != "" && group.ObjectType != part.request.ObjectType {
				return "", invalid("objectType", "does not match the file group")
			}
			return group.OwningUserID, nil
		case !errors.Is(err, files.ErrNotFound):
			return "", s.classify(opUploadFile, "file_group_lookup_failed", err, part.logFields()...)
		}
	}
	owner, err := s.membership.ResolveOwner(ctx, part.userID, part.sharingGroupUUID)
	if err != nil {
		return "", s.classify(opUploadFile, "owner_lookup_failed", err, part.logFields()...)
	}
	return owner, nil
}

func (s *Service) uploadVN(ctx context.Context, part uploadPart, existing files.FileIndex) (UploadResponse, error) {
	request := part.request
	creationOnly := []struct{ field, value string }{
		{"appMetaData", request.AppMetaData},
		{"changeResolverName", request.ChangeResolverName},
		{"fileGroupUUID", strings.TrimSpace(request.FileGroupUUID)},
		{"objectType", request.ObjectType},
		{"checkSum", request.CheckSum},
	}
	for _, candidate := range creationOnly {
		if candidate.value != "" {
			return UploadResponse{}, invalid(candidate.field, "only allowed when creating a file")
		}
	}
	if existing.Deleted {
		return UploadResponse{}, &GoneError{Reason: GoneFileRemovedOrRenamed, FileUUID: existing.FileUUID, AppMetaData: existing.AppMetaData}
	}
	if existing.SharingGroupUUID != part.sharingGroupUUID {
		return UploadResponse{}, invalid("sharingGroupUUID", "file belongs to another sharing group")
	}
	if !existing.Mutable() {
		return UploadResponse{}, invalid("fileUUID", "file has no change resolver")
	}
	resolver, ok := s.resolvers.Lookup(*existing.ChangeResolverName)
	if !ok {
		return UploadResponse{}, invalid("changeResolverName", "change resolver is no longer registered")
	}
	if !resolver.ValidUpload(request.Payload) {
		return UploadResponse{}, invalid("payload", "rejected by change resolver")
	}
	if !existing.Ownership().IsGrouped() && request.UploadCount != 1 {
		return UploadResponse{}, invalid("uploadCount", "a file without a file group must be uploaded alone")
	}

	if entry, err := s.store.Deferred.LookupByBatch(ctx, nil, part.userID, part.batchUUID); err == nil {
		id := entry.DeferredUploadID
		return UploadResponse{Status: StatusDuplicateFileUpload, DeferredUploadID: &id}, nil
	} else if !errors.Is(err, files.ErrNotFound) {
		return UploadResponse{}, s.classify(opUploadFile, "deferred_lookup_failed", err, part.logFields()...)
	}

	upload := files.Upload{
		FileUUID:           part.fileUUID,
		UserID:             part.userID,
		DeviceUUID:         part.deviceUUID,
		BatchUUID:          part.batchUUID,
		SharingGroupUUID:   part.sharingGroupUUID,
		FileGroupUUID:      existing.FileGroupUUID,
		ObjectType:         existing.ObjectType,
		MimeType:           existing.MimeType,
		State:              files.UploadStateVN,
		UploadIndex:        request.UploadIndex,
		UploadCount:        request.UploadCount,
		UploadContents:     request.Payload,
		InformAllButSelf:   request.InformAllButSelf,
		BatchExpirySeconds: part.batchExpiry,
		CreatedAtSeconds:   s.now().Unix(),
	}
	response, err := s.commitPart(ctx, upload, "")
	if err != nil {
		return UploadResponse{}, s.classify(opUploadFile, "commit_failed", err, part.logFields()...)
	}
	if response.Status == StatusVNTransferPending {
		s.logger.Info("deferred upload queued",
			zap.String("user_id", part.userID),
			zap.String("batch_uuid", part.batchUUID),
			zap.Int64("deferred_upload_id", *response.DeferredUploadID))
		s.notifyUploader(ctx)
	}
	return response, nil
}

// commitPart records the part and, when it completes the batch, commits or queues the
// batch in the same transaction.
func (s *Service) commitPart(ctx context.Context, upload files.Upload, owner string) (UploadResponse, error) {
	var response UploadResponse
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		response = UploadResponse{}
		candidate := upload
		outcome, err := s.tracker.RecordPart(ctx, tx, &candidate)
		if err != nil {
			return err
		}
		if outcome == PartDuplicate {
			response.Status = StatusDuplicateFileUpload
			return nil
		}

		staged, err := s.store.Uploads.LockBatch(tx, batchKeyOf(candidate))
		if err != nil {
			return err
		}
		if !batchComplete(staged) {
			response.Status = StatusUploadsNotFinished
			return nil
		}

		switch candidate.State {
		case files.UploadStateV0:
			if err := s.transferV0(tx, staged, owner); err != nil {
				return err
			}
			response.Status = StatusV0UploadsFinished
		case files.UploadStateVN:
			deferredUploadID, err := s.admitDeferred(tx, staged)
			if err != nil {
				return err
			}
			response.Status = StatusVNTransferPending
			response.DeferredUploadID = &deferredUploadID
		}
		return nil
	})
	return response, err
}

func (s *Service) cloudError(part uploadPart, appMetaData string, err error) error {
	if errors.Is(err, cloudstore.ErrAccessRevoked) {
		return &GoneError{Reason: GoneAuthTokenExpiredOrRevoked, FileUUID: part.fileUUID, AppMetaData: appMetaData}
	}
	s.logError(opUploadFile, "cloud_upload_failed", err, part.logFields()...)
	return newServiceError(opUploadFile, "cloud_upload_failed", err)
}

func (s *Service) removeBlob(ctx context.Context, account cloudstore.Account, name string, options cloudstore.Options) {
	if err := cloudstore.Remove(context.WithoutCancel(ctx), account.Store, name, options); err != nil {
		s.logger.Warn("orphaned blob left behind",
			zap.String("blob", name),
			zap.String("owner", account.UserID),
			zap.Error(err))
	}
}

func stringValue(column *string) string {
	if column == nil {
		return ""
	}
	return *column
}
