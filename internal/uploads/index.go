package uploads

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"go.uber.org/zap"
)

// FileSummary is one entry of a sharing group's file index. Inform is set when
// another member asked to surface the current version to the caller.
type FileSummary struct {
	FileUUID           string
	FileGroupUUID      string
	FileLabel          string
	ObjectType         string
	MimeType           string
	ChangeResolverName string
	AppMetaData        string
	CheckSum           string
	DeviceUUID         string
	FileVersion        int64
	Deleted            bool
	Inform             bool
	CreationDate       time.Time
	UpdateDate         time.Time
}

// FileIndex lists every file of a sharing group, deleted files included.
func (s *Service) FileIndex(ctx context.Context, userID, sharingGroupUUID string) ([]FileSummary, error) {
	parsedUser, err := files.NewUserID(userID)
	if err != nil {
		return nil, invalid("userId", err.Error())
	}
	parsedGroup, err := files.NewSharingGroupUUID(sharingGroupUUID)
	if err != nil {
		return nil, invalid("sharingGroupUUID", err.Error())
	}
	if err := s.checkMembership(ctx, opFileIndex, parsedUser.String(), parsedGroup.String()); err != nil {
		return nil, err
	}
	fields := []zap.Field{
		zap.String("user_id", parsedUser.String()),
		zap.String("sharing_group_uuid", parsedGroup.String()),
	}

	indexed, err := s.store.FileIndex.ListBySharingGroup(ctx, parsedGroup.String())
	if err != nil {
		return nil, s.classify(opFileIndex, "list_failed", err, fields...)
	}
	markers, err := s.store.ClientUI.ListActive(ctx, parsedGroup.String(), s.now().Unix())
	if err != nil {
		return nil, s.classify(opFileIndex, "markers_failed", err, fields...)
	}
	type versionKey struct {
		fileUUID string
		version  int64
	}
	inform := make(map[versionKey]struct{}, len(markers))
	for _, marker := range markers {
		if marker.InformAllButUserID == parsedUser.String() {
			continue
		}
		inform[versionKey{marker.FileUUID, marker.FileVersion}] = struct{}{}
	}

	summaries := make([]FileSummary, 0, len(indexed))
	for _, file := range indexed {
		_, informed := inform[versionKey{file.FileUUID, file.FileVersion}]
		summaries = append(summaries, FileSummary{
			FileUUID:           file.FileUUID,
			FileGroupUUID:      stringValue(file.FileGroupUUID),
			FileLabel:          file.FileLabel,
			ObjectType:         file.ObjectType,
			MimeType:           file.MimeType,
			ChangeResolverName: stringValue(file.ChangeResolverName),
			AppMetaData:        file.AppMetaData,
			CheckSum:           file.LastUploadedCheckSum,
			DeviceUUID:         file.DeviceUUID,
			FileVersion:        file.FileVersion,
			Deleted:            file.Deleted,
			Inform:             informed,
			CreationDate:       time.Unix(file.CreatedAtSeconds, 0).UTC(),
			UpdateDate:         time.Unix(file.UpdatedAtSeconds, 0).UTC(),
		})
	}
	return summaries, nil
}
