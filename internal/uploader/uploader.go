// Package uploader drains the deferred work queue. One run at a time across every
// process holds the uploader lease, merges queued deltas into new file versions and
// carries out queued deletions.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/resolvers"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/staleversions"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLeaseTTL        = 2 * time.Minute
	DefaultInformRetention = 7 * 24 * time.Hour
)

const (
	opNew   = "uploader.new"
	opRun   = "uploader.run"
	opPrune = "uploader.prune"
)

var (
	errMissingStore     = errors.New("files store is required")
	errMissingResolvers = errors.New("resolver registry is required")
	errMissingAccounts  = errors.New("cloud accounts are required")
	errMissingStale     = errors.New("stale version registry is required")
	errMissingOwners    = errors.New("owner resolver is required")
	errLeaseLost        = errors.New("uploader lease lost")
)

// ServiceError mirrors the operation.reason codes of the request services.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Completion describes a deferred upload that reached a final status.
type Completion struct {
	DeferredUploadID int64
	UserID           string
	SharingGroupUUID string
	FileGroupUUID    string
	BatchUUID        string
	Status           files.DeferredStatus
	ErrorMessage     string
}

// Notifier is told about finished deferred uploads so clients can stop polling.
type Notifier interface {
	DeferredCompleted(completion Completion)
}

// OwnerResolver returns the user whose storage backs files userID creates in a sharing group.
type OwnerResolver interface {
	ResolveOwner(ctx context.Context, userID, sharingGroupUUID string) (string, error)
}

type Config struct {
	Store           *files.Store
	Resolvers       *resolvers.Registry
	Accounts        cloudstore.Accounts
	StaleVersions   *staleversions.Registry
	Owners          OwnerResolver
	Notifier        Notifier
	Holder          string
	LeaseTTL        time.Duration
	InformRetention time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
}

// RunResult summarizes one run. Acquired is false when another holder owned the lease.
type RunResult struct {
	Acquired       bool
	Completed      int
	Failed         int
	Pruned         int
	Deferred       int
	ExpiredBatches int
	StaleSwept     int
	MarkersSwept   int64
}

type Uploader struct {
	store           *files.Store
	resolvers       *resolvers.Registry
	accounts        cloudstore.Accounts
	staleVersions   *staleversions.Registry
	owners          OwnerResolver
	notifier        Notifier
	holder          string
	leaseTTL        time.Duration
	informRetention time.Duration
	clock           func() time.Time
	logger          *zap.Logger

	flight  singleflight.Group
	rerun   atomic.Bool
	running sync.WaitGroup
}

func New(cfg Config) (*Uploader, error) {
	switch {
	case cfg.Store == nil:
		return nil, newServiceError(opNew, "missing_store", errMissingStore)
	case cfg.Resolvers == nil:
		return nil, newServiceError(opNew, "missing_resolvers", errMissingResolvers)
	case cfg.Accounts == nil:
		return nil, newServiceError(opNew, "missing_accounts", errMissingAccounts)
	case cfg.StaleVersions == nil:
		return nil, newServiceError(opNew, "missing_stale_versions", errMissingStale)
	case cfg.Owners == nil:
		return nil, newServiceError(opNew, "missing_owners", errMissingOwners)
	}

	holder := cfg.Holder
	if holder == "" {
		holder = defaultHolder()
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	informRetention := cfg.InformRetention
	if informRetention <= 0 {
		informRetention = DefaultInformRetention
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Uploader{
		store:           cfg.Store,
		resolvers:       cfg.Resolvers,
		accounts:        cfg.Accounts,
		staleVersions:   cfg.StaleVersions,
		owners:          cfg.Owners,
		notifier:        cfg.Notifier,
		holder:          holder,
		leaseTTL:        leaseTTL,
		informRetention: informRetention,
		clock:           clock,
		logger:          logger,
	}, nil
}

// Holder returns the lease holder identity of this process.
func (u *Uploader) Holder() string {
	return u.holder
}

// Run drains the deferred work queue once. It returns immediately with
// Acquired=false when another holder is running.
func (u *Uploader) Run(ctx context.Context) (RunResult, error) {
	runCtx, release, acquired, err := u.acquire(ctx)
	if err != nil {
		u.logError(opRun, "lease_acquire_failed", err)
		return RunResult{}, newServiceError(opRun, "lease_acquire_failed", err)
	}
	if !acquired {
		u.logger.Debug("uploader lease held elsewhere", zap.String("holder", u.holder))
		return RunResult{}, nil
	}
	defer release()

	result := RunResult{Acquired: true}
	if err := u.drain(runCtx, &result); err != nil {
		if cause := context.Cause(runCtx); errors.Is(cause, errLeaseLost) {
			err = cause
		}
		u.logError(opRun, "drain_failed", err)
		return result, newServiceError(opRun, "drain_failed", err)
	}
	u.maintain(runCtx, &result)

	u.logger.Info("uploader run finished",
		zap.String("holder", u.holder),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Int("pruned", result.Pruned),
		zap.Int("deferred", result.Deferred),
		zap.Int("expired_batches", result.ExpiredBatches),
		zap.Int("stale_swept", result.StaleSwept))
	return result, nil
}

func (u *Uploader) drain(ctx context.Context, result *RunResult) error {
	pending, err := u.store.Deferred.Pending(ctx)
	if err != nil {
		return err
	}
	deletions := make([]files.DeferredUpload, 0, len(pending))
	for _, entry := range pending {
		if entry.Status == files.DeferredStatusPendingDeletion {
			deletions = append(deletions, entry)
		}
	}
	if len(deletions) > 0 {
		pruned, err := u.PruneFileUploads(ctx, deletions)
		if err != nil {
			return err
		}
		result.Pruned = pruned
		if pruned > 0 {
			if pending, err = u.store.Deferred.Pending(ctx); err != nil {
				return err
			}
		}
	}

	ungroupedFiles, err := u.ungroupedFiles(ctx, pending)
	if err != nil {
		return err
	}
	for _, queue := range groupEntries(pending, ungroupedFiles) {
		for _, entry := range queue {
			if err := ctx.Err(); err != nil {
				return err
			}
			outcome := u.process(ctx, entry)
			switch outcome {
			case outcomeCompleted:
				result.Completed++
			case outcomeFailed:
				result.Failed++
			case outcomeDeferred:
				result.Deferred++
			}
			if outcome == outcomeDeferred {
				break
			}
		}
	}
	return nil
}

// ungroupedFiles maps each ungrouped entry to the file its claimed uploads touch.
func (u *Uploader) ungroupedFiles(ctx context.Context, entries []files.DeferredUpload) (map[int64]string, error) {
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if _, grouped := entry.Ownership().FileGroupUUID(); !grouped {
			ids = append(ids, entry.DeferredUploadID)
		}
	}
	fileUUIDs := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return fileUUIDs, nil
	}
	claimed, err := u.store.Uploads.ListByDeferred(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	for _, upload := range claimed {
		if upload.DeferredUploadID != nil {
			fileUUIDs[*upload.DeferredUploadID] = upload.FileUUID
		}
	}
	return fileUUIDs, nil
}

// groupEntries partitions entries into serial queues, keeping the oldest-first
// order inside each queue and ordering queues by their oldest entry. Grouped
// entries queue by file group; ungrouped entries queue by the file they touch.
func groupEntries(entries []files.DeferredUpload, ungroupedFiles map[int64]string) [][]files.DeferredUpload {
	queues := make([][]files.DeferredUpload, 0, len(entries))
	positions := make(map[string]int)
	for _, entry := range entries {
		key := queueKey(entry, ungroupedFiles)
		if key == "" {
			queues = append(queues, []files.DeferredUpload{entry})
			continue
		}
		position, seen := positions[key]
		if !seen {
			positions[key] = len(queues)
			queues = append(queues, []files.DeferredUpload{entry})
			continue
		}
		queues[position] = append(queues[position], entry)
	}
	return queues
}

func queueKey(entry files.DeferredUpload, ungroupedFiles map[int64]string) string {
	if groupUUID, grouped := entry.Ownership().FileGroupUUID(); grouped {
		return "group:" + groupUUID
	}
	if fileUUID, ok := ungroupedFiles[entry.DeferredUploadID]; ok && fileUUID != "" {
		return "file:" + fileUUID
	}
	return ""
}

func (u *Uploader) notify(entry files.DeferredUpload, status files.DeferredStatus, message string) {
	if u.notifier == nil {
		return
	}
	groupUUID, _ := entry.Ownership().FileGroupUUID()
	batchUUID := ""
	if entry.BatchUUID != nil {
		batchUUID = *entry.BatchUUID
	}
	u.notifier.DeferredCompleted(Completion{
		DeferredUploadID: entry.DeferredUploadID,
		UserID:           entry.UserID,
		SharingGroupUUID: entry.SharingGroupUUID,
		FileGroupUUID:    groupUUID,
		BatchUUID:        batchUUID,
		Status:           status,
		ErrorMessage:     message,
	})
}

func (u *Uploader) now() time.Time {
	return u.clock().UTC()
}

func (u *Uploader) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	u.logger.Error("uploader error", attrs...)
}

func defaultHolder() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "filesync"
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), id.String())
}
