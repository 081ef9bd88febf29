package uploads

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"go.uber.org/zap"
)

// DownloadRequest names one version of a file.
type DownloadRequest struct {
	UserID           string
	SharingGroupUUID string
	FileUUID         string
	FileVersion      int64
}

// DownloadResponse carries the blob. ContentsChanged is set when the stored blob no
// longer matches the checksum recorded for the current version.
type DownloadResponse struct {
	Contents        []byte
	CheckSum        string
	FileVersion     int64
	MimeType        string
	AppMetaData     string
	ContentsChanged bool
}

// DownloadFile serves the current version of a file or a superseded version that
// is still retained.
func (s *Service) DownloadFile(ctx context.Context, request DownloadRequest) (DownloadResponse, error) {
	userID, err := files.NewUserID(request.UserID)
	if err != nil {
		return DownloadResponse{}, invalid("userId", err.Error())
	}
	sharingGroupUUID, err := files.NewSharingGroupUUID(request.SharingGroupUUID)
	if err != nil {
		return DownloadResponse{}, invalid("sharingGroupUUID", err.Error())
	}
	fileUUID, err := files.NewFileUUID(request.FileUUID)
	if err != nil {
		return DownloadResponse{}, invalid("fileUUID", err.Error())
	}
	if request.FileVersion < 0 {
		return DownloadResponse{}, invalid("fileVersion", "must not be negative")
	}
	if err := s.checkMembership(ctx, opDownloadFile, userID.String(), sharingGroupUUID.String()); err != nil {
		return DownloadResponse{}, err
	}
	fields := []zap.Field{
		zap.String("user_id", userID.String()),
		zap.String("file_uuid", fileUUID.String()),
		zap.Int64("file_version", request.FileVersion),
	}

	file, err := s.store.FileIndex.Lookup(ctx, nil, fileUUID.String())
	if errors.Is(err, files.ErrNotFound) {
		return DownloadResponse{}, ErrNotFound
	}
	if err != nil {
		return DownloadResponse{}, s.classify(opDownloadFile, "file_lookup_failed", err, fields...)
	}
	if file.SharingGroupUUID != sharingGroupUUID.String() {
		return DownloadResponse{}, ErrNotFound
	}
	gone := func(reason GoneReason) error {
		return &GoneError{Reason: reason, FileUUID: file.FileUUID, AppMetaData: file.AppMetaData}
	}
	if file.Deleted {
		return DownloadResponse{}, gone(GoneFileRemovedOrRenamed)
	}

	deviceUUID := file.DeviceUUID
	current := request.FileVersion == file.FileVersion
	switch {
	case request.FileVersion > file.FileVersion:
		return DownloadResponse{}, ErrNotFound
	case !current:
		stale, err := s.staleVersions.Lookup(ctx, file.FileUUID, request.FileVersion)
		if errors.Is(err, files.ErrNotFound) {
			return DownloadResponse{}, gone(GoneVersionExpired)
		}
		if err != nil {
			return DownloadResponse{}, s.classify(opDownloadFile, "stale_lookup_failed", err, fields...)
		}
		deviceUUID = stale.DeviceUUID
	}

	account, err := s.accounts.ForUser(ctx, file.UserID)
	if err != nil {
		return DownloadResponse{}, s.downloadError(err, gone, fields)
	}
	name := cloudstore.BlobName(deviceUUID, file.FileUUID, file.MimeType, request.FileVersion)
	contents, checksum, err := account.Store.Download(ctx, name, account.Options(file.MimeType))
	if err != nil {
		return DownloadResponse{}, s.downloadError(err, gone, fields)
	}

	response := DownloadResponse{
		Contents:    contents,
		CheckSum:    checksum,
		FileVersion: request.FileVersion,
		MimeType:    file.MimeType,
		AppMetaData: file.AppMetaData,
	}
	if current {
		response.ContentsChanged = !cloudstore.ChecksumsMatch(checksum, file.LastUploadedCheckSum)
	}
	return response, nil
}

func (s *Service) downloadError(err error, gone func(GoneReason) error, fields []zap.Field) error {
	switch {
	case errors.Is(err, cloudstore.ErrAccessRevoked):
		return gone(GoneAuthTokenExpiredOrRevoked)
	case errors.Is(err, cloudstore.ErrNotFound):
		return gone(GoneFileRemovedOrRenamed)
	default:
		s.logError(opDownloadFile, "cloud_download_failed", err, fields...)
		return newServiceError(opDownloadFile, "cloud_download_failed", err)
	}
}
