// Package uploads accepts batched file uploads and deletions, commits v0 batches into
// the file index and queues vN batches and deletions for the Uploader.
package uploads

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/resolvers"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/sharing"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/staleversions"
	"go.uber.org/zap"
)

const (
	// DefaultMaxBatchExpiry caps how long an incomplete batch stays staged.
	DefaultMaxBatchExpiry = 2 * time.Hour
	// DefaultInformRetention keeps inform markers visible for a week.
	DefaultInformRetention = 7 * 24 * time.Hour
)

const (
	opServiceNew        = "uploads.service.new"
	opUploadFile        = "uploads.upload_file"
	opUploadDeletion    = "uploads.upload_deletion"
	opDownloadFile      = "uploads.download_file"
	opGetDeferredStatus = "uploads.get_deferred_status"
	opFileIndex         = "uploads.file_index"
)

var noOpLogger = zap.NewNop()

// Trigger starts the Uploader after deferred work was admitted. Implementations must
// not block the caller.
type Trigger interface {
	Trigger(ctx context.Context)
}

// Membership answers sharing group questions. sharing.Service implements it.
type Membership interface {
	CheckMembership(ctx context.Context, userID, sharingGroupUUID string) error
	ResolveOwner(ctx context.Context, userID, sharingGroupUUID string) (string, error)
}

type ServiceConfig struct {
	Store           *files.Store
	Resolvers       *resolvers.Registry
	Accounts        cloudstore.Accounts
	Membership      Membership
	StaleVersions   *staleversions.Registry
	Trigger         Trigger
	IDProvider      IDProvider
	Clock           func() time.Time
	MaxBatchExpiry  time.Duration
	InformRetention time.Duration
	Logger          *zap.Logger
}

type Service struct {
	store           *files.Store
	tracker         *BatchTracker
	resolvers       *resolvers.Registry
	accounts        cloudstore.Accounts
	membership      Membership
	staleVersions   *staleversions.Registry
	trigger         Trigger
	idProvider      IDProvider
	clock           func() time.Time
	maxBatchExpiry  time.Duration
	informRetention time.Duration
	logger          *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Store == nil:
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	case cfg.Resolvers == nil:
		return nil, newServiceError(opServiceNew, "missing_resolvers", errMissingResolvers)
	case cfg.Accounts == nil:
		return nil, newServiceError(opServiceNew, "missing_accounts", errMissingAccounts)
	case cfg.Membership == nil:
		return nil, newServiceError(opServiceNew, "missing_membership", errMissingMembership)
	case cfg.StaleVersions == nil:
		return nil, newServiceError(opServiceNew, "missing_stale_versions", errMissingStale)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	maxBatchExpiry := cfg.MaxBatchExpiry
	if maxBatchExpiry <= 0 {
		maxBatchExpiry = DefaultMaxBatchExpiry
	}
	informRetention := cfg.InformRetention
	if informRetention <= 0 {
		informRetention = DefaultInformRetention
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		store:           cfg.Store,
		tracker:         NewBatchTracker(cfg.Store),
		resolvers:       cfg.Resolvers,
		accounts:        cfg.Accounts,
		membership:      cfg.Membership,
		staleVersions:   cfg.StaleVersions,
		trigger:         cfg.Trigger,
		idProvider:      idProvider,
		clock:           clock,
		maxBatchExpiry:  maxBatchExpiry,
		informRetention: informRetention,
		logger:          logger,
	}, nil
}

// Tracker exposes the batch tracker.
func (s *Service) Tracker() *BatchTracker {
	return s.tracker
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

func (s *Service) checkMembership(ctx context.Context, operation, userID, sharingGroupUUID string) error {
	err := s.membership.CheckMembership(ctx, userID, sharingGroupUUID)
	if err == nil {
		return nil
	}
	if errors.Is(err, sharing.ErrNotMember) {
		return ErrForbidden
	}
	s.logError(operation, "membership_lookup_failed", err,
		zap.String("user_id", userID),
		zap.String("sharing_group_uuid", sharingGroupUUID))
	return newServiceError(operation, "membership_lookup_failed", err)
}

func (s *Service) notifyUploader(ctx context.Context) {
	if s.trigger == nil {
		return
	}
	s.trigger.Trigger(ctx)
}

// classify passes request taxonomy errors through and wraps everything else.
func (s *Service) classify(operation, reason string, err error, fields ...zap.Field) error {
	var validation *ValidationError
	var conflict *ConflictError
	var gone *GoneError
	if errors.As(err, &validation) || errors.As(err, &conflict) || errors.As(err, &gone) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
		return err
	}
	s.logError(operation, reason, err, fields...)
	return newServiceError(operation, reason, err)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("uploads service error", attrs...)
}
