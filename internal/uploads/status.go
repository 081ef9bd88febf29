package uploads

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"go.uber.org/zap"
)

// StatusQuery selects a deferred upload by id or by the batch that produced it.
// Exactly one field is set.
type StatusQuery struct {
	DeferredUploadID *int64
	BatchUUID        string
}

type DeferredStatusResult struct {
	DeferredUploadID int64
	Status           files.DeferredStatus
	ErrorMessage     string
	BatchUUID        string
	FileGroupUUID    string
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// GetDeferredStatus reports the state of one of the caller's deferred uploads.
// Entries of other users are reported as ErrNotFound.
func (s *Service) GetDeferredStatus(ctx context.Context, userID string, query StatusQuery) (DeferredStatusResult, error) {
	parsedUser, err := files.NewUserID(userID)
	if err != nil {
		return DeferredStatusResult{}, invalid("userId", err.Error())
	}
	hasBatch := strings.TrimSpace(query.BatchUUID) != ""
	if (query.DeferredUploadID != nil) == hasBatch {
		return DeferredStatusResult{}, invalid("deferredUploadId", "exactly one of deferredUploadId and batchUUID is required")
	}

	var entry files.DeferredUpload
	if hasBatch {
		batchUUID, parseErr := files.NewBatchUUID(query.BatchUUID)
		if parseErr != nil {
			return DeferredStatusResult{}, invalid("batchUUID", parseErr.Error())
		}
		entry, err = s.store.Deferred.LookupByBatch(ctx, nil, parsedUser.String(), batchUUID.String())
	} else {
		entry, err = s.store.Deferred.Lookup(ctx, *query.DeferredUploadID)
	}
	if errors.Is(err, files.ErrNotFound) {
		return DeferredStatusResult{}, ErrNotFound
	}
	if err != nil {
		return DeferredStatusResult{}, s.classify(opGetDeferredStatus, "lookup_failed", err,
			zap.String("user_id", parsedUser.String()))
	}
	if entry.UserID != parsedUser.String() {
		return DeferredStatusResult{}, ErrNotFound
	}

	result := DeferredStatusResult{
		DeferredUploadID: entry.DeferredUploadID,
		Status:           entry.Status,
		ErrorMessage:     entry.ErrorMessage,
		BatchUUID:        stringValue(entry.BatchUUID),
		FileGroupUUID:    stringValue(entry.FileGroupUUID),
		CreatedAt:        time.Unix(entry.CreatedAtSeconds, 0).UTC(),
	}
	if entry.CompletedAtSeconds != nil {
		completed := time.Unix(*entry.CompletedAtSeconds, 0).UTC()
		result.CompletedAt = &completed
	}
	return result, nil
}
