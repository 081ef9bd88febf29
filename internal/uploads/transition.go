package uploads

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"gorm.io/gorm"
)

var errStagedPartsChanged = errors.New("staged parts changed during commit")

// transferV0 commits a complete v0 batch: the file group is created on first use,
// every part becomes a FileIndex row at version 0 and the staged rows are removed.
func (s *Service) transferV0(tx *gorm.DB, staged []files.Upload, owner string) error {
	now := s.now()
	first := staged[0]

	if groupUUID, grouped := first.Ownership().FileGroupUUID(); grouped {
		group, err := s.store.FileGroups.LookupForUpdate(tx, groupUUID)
		if errors.Is(err, files.ErrNotFound) {
			created := files.FileGroup{
				FileGroupUUID:    groupUUID,
				ObjectType:       first.ObjectType,
				SharingGroupUUID: first.SharingGroupUUID,
				UserID:           first.UserID,
				OwningUserID:     owner,
				CreatedAtSeconds: now.Unix(),
			}
			if _, err := s.store.FileGroups.CreateIfMissing(tx, &created); err != nil {
				return err
			}
			group, err = s.store.FileGroups.LookupForUpdate(tx, groupUUID)
		}
		if err != nil {
			return err
		}
		if group.Deleted {
			return &GoneError{Reason: GoneFileRemovedOrRenamed, FileUUID: first.FileUUID}
		}
		if group.SharingGroupUUID != first.SharingGroupUUID {
			return invalid("fileGroupUUID", "file group belongs to another sharing group")
		}
		owner = group.OwningUserID
	} else if len(staged) != 1 {
		return &ConflictError{Reason: ConflictMixedFileGroups}
	}

	uploadIDs := make([]int64, 0, len(staged))
	for _, row := range staged {
		file := files.FileIndex{
			FileUUID:             row.FileUUID,
			FileGroupUUID:        row.FileGroupUUID,
			FileLabel:            stringValue(row.FileLabel),
			SharingGroupUUID:     row.SharingGroupUUID,
			UserID:               owner,
			DeviceUUID:           row.DeviceUUID,
			ObjectType:           row.ObjectType,
			MimeType:             row.MimeType,
			ChangeResolverName:   row.ChangeResolverName,
			AppMetaData:          row.AppMetaData,
			LastUploadedCheckSum: row.LastUploadedCheckSum,
			FileVersion:          0,
			CreatedAtSeconds:     now.Unix(),
			UpdatedAtSeconds:     now.Unix(),
		}
		if err := s.store.FileIndex.Create(tx, &file); err != nil {
			return fmt.Errorf("index file %s: %w", row.FileUUID, err)
		}
		if row.InformAllButSelf {
			marker := files.FileIndexClientUI{
				FileUUID:           row.FileUUID,
				FileVersion:        0,
				SharingGroupUUID:   row.SharingGroupUUID,
				InformAllButUserID: row.UserID,
				ExpirySeconds:      now.Add(s.informRetention).Unix(),
			}
			if err := s.store.ClientUI.Create(tx, &marker); err != nil {
				return err
			}
		}
		uploadIDs = append(uploadIDs, row.UploadID)
	}

	removed, err := s.store.Uploads.DeleteByIDs(tx, uploadIDs)
	if err != nil {
		return err
	}
	if removed != int64(len(uploadIDs)) {
		return errStagedPartsChanged
	}
	return nil
}

// admitDeferred queues a complete vN batch as one pendingChange entry and stamps its
// parts with the entry id. The parts keep their payload for the Uploader.
func (s *Service) admitDeferred(tx *gorm.DB, staged []files.Upload) (int64, error) {
	first := staged[0]
	if !first.Ownership().IsGrouped() && len(staged) != 1 {
		return 0, &ConflictError{Reason: ConflictMixedFileGroups}
	}
	batchUUID := first.BatchUUID
	entry := files.DeferredUpload{
		Status:           files.DeferredStatusPendingChange,
		FileGroupUUID:    first.FileGroupUUID,
		SharingGroupUUID: first.SharingGroupUUID,
		UserID:           first.UserID,
		BatchUUID:        &batchUUID,
		CreatedAtSeconds: s.now().Unix(),
	}
	if err := s.store.Deferred.Create(tx, &entry); err != nil {
		return 0, err
	}

	uploadIDs := make([]int64, 0, len(staged))
	for _, row := range staged {
		uploadIDs = append(uploadIDs, row.UploadID)
	}
	claimed, err := s.store.Uploads.Claim(tx, uploadIDs, entry.DeferredUploadID)
	if err != nil {
		return 0, err
	}
	if claimed != int64(len(uploadIDs)) {
		return 0, errStagedPartsChanged
	}
	return entry.DeferredUploadID, nil
}
