package uploader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/dbretry"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/resolvers"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/sharing"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/staleversions"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/uploads"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSharingGroup = "7D4C2A51-0F7E-4D0B-9A57-3E1D5C2B8A10"
	testOwner        = "user-1"
	testGuest        = "user-2"
	testDevice       = "5E0C3B7A-2D4F-4E6A-8B1C-9D0E1F2A3B4C"
	testDeltaDevice  = "6F1D4C8B-3E5A-4F7B-9C2D-0E1F2A3B4C5D"
	testFileGroup    = "1F3E5D7C-9B8A-4C6D-8E2F-0A1B2C3D4E5F"
	testOtherGroup   = "3D2C1B0A-9F8E-4D7C-8B6A-5F4E3D2C1B0A"
	testFileA        = "0B8F0C4E-8C1B-4D7A-9D6E-1A2B3C4D5E6F"
	testFileB        = "2C9A1D5F-3E7B-4A8C-9D0E-6F5A4B3C2D1E"
	emptyComments    = `{"elements":[]}`
	rejectingName    = "rejecting"
)

// rejectingResolver accepts every delta at request time and refuses to merge any of them.
type rejectingResolver struct{}

func (rejectingResolver) Name() string {
	return rejectingName
}

func (rejectingResolver) ValidV0([]byte) bool {
	return true
}

func (rejectingResolver) ValidUpload([]byte) bool {
	return true
}

func (rejectingResolver) Apply(_, _ []byte) ([]byte, error) {
	return nil, resolvers.ErrMerge
}

// flakyStore fails uploads on demand.
type flakyStore struct {
	*cloudstore.DiskStore
	failUploads atomic.Bool
}

func (s *flakyStore) Upload(ctx context.Context, name string, data []byte, options cloudstore.Options) (string, error) {
	if s.failUploads.Load() {
		return "", errors.New("backend unavailable")
	}
	return s.DiskStore.Upload(ctx, name, data, options)
}

type recordingNotifier struct {
	mu          sync.Mutex
	completions []Completion
}

func (n *recordingNotifier) DeferredCompleted(completion Completion) {
	n.mu.Lock()
	n.completions = append(n.completions, completion)
	n.mu.Unlock()
}

func (n *recordingNotifier) snapshot() []Completion {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Completion(nil), n.completions...)
}

type testHarness struct {
	store    *files.Store
	service  *uploads.Service
	uploader *Uploader
	blobs    *flakyStore
	accounts *cloudstore.SharedAccounts
	notifier *recordingNotifier
	clockMu  sync.Mutex
	now      time.Time
	batches  int
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := database.Open(database.Options{Driver: database.DriverSQLite, Path: filepath.Join(t.TempDir(), "uploader.db")}, zap.NewNop())
	require.NoError(t, err)
	store, err := files.NewStore(db, dbretry.DefaultPolicy())
	require.NoError(t, err)
	disk, err := cloudstore.NewDiskStore(afero.NewMemMapFs(), "/blobs")
	require.NoError(t, err)
	membership, err := sharing.NewService(sharing.ServiceConfig{Database: db})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, membership.AddMember(ctx, sharing.Member{SharingGroupUUID: testSharingGroup, UserID: testOwner}))
	require.NoError(t, membership.AddMember(ctx, sharing.Member{SharingGroupUUID: testSharingGroup, UserID: testGuest, SponsorUserID: testOwner}))
	registry, err := resolvers.NewRegistry(resolvers.CommentFile{}, resolvers.MediaAttributes{}, rejectingResolver{})
	require.NoError(t, err)

	harness := &testHarness{
		store:    store,
		blobs:    &flakyStore{DiskStore: disk},
		notifier: &recordingNotifier{},
		now:      time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
	harness.accounts = cloudstore.NewSharedAccounts(harness.blobs, "users")
	stale, err := staleversions.NewRegistry(staleversions.Config{
		Store:     store,
		Accounts:  harness.accounts,
		Clock:     harness.clock,
		Retention: time.Hour,
	})
	require.NoError(t, err)

	harness.uploader, err = New(Config{
		Store:         store,
		Resolvers:     registry,
		Accounts:      harness.accounts,
		StaleVersions: stale,
		Owners:        membership,
		Notifier:      harness.notifier,
		Holder:        "test-holder",
		Clock:         harness.clock,
	})
	require.NoError(t, err)
	harness.service, err = uploads.NewService(uploads.ServiceConfig{
		Store:         store,
		Resolvers:     registry,
		Accounts:      harness.accounts,
		Membership:    membership,
		StaleVersions: stale,
		Clock:         harness.clock,
	})
	require.NoError(t, err)
	return harness
}

func (h *testHarness) clock() time.Time {
	h.clockMu.Lock()
	defer h.clockMu.Unlock()
	return h.now
}

func (h *testHarness) advance(duration time.Duration) {
	h.clockMu.Lock()
	h.now = h.now.Add(duration)
	h.clockMu.Unlock()
}

func (h *testHarness) nextBatch() string {
	h.batches++
	return fmt.Sprintf("8A7B6C5D-4E3F-4A1B-9C8D-%012d", h.batches)
}

func (h *testHarness) mustCreateFile(t *testing.T, fileUUID, fileGroupUUID, label, resolverName, contents string) {
	t.Helper()
	response, err := h.service.UploadFile(context.Background(), uploads.UploadRequest{
		UserID:             testOwner,
		DeviceUUID:         testDevice,
		SharingGroupUUID:   testSharingGroup,
		FileUUID:           fileUUID,
		FileGroupUUID:      fileGroupUUID,
		FileLabel:          label,
		MimeType:           "application/json",
		ChangeResolverName: resolverName,
		CheckSum:           cloudstore.Checksum([]byte(contents)),
		AppMetaData:        `{"label":"` + label + `"}`,
		BatchUUID:          h.nextBatch(),
		UploadIndex:        1,
		UploadCount:        1,
		Payload:            []byte(contents),
	})
	require.NoError(t, err)
	require.Equal(t, uploads.StatusV0UploadsFinished, response.Status)
}

func (h *testHarness) mustQueueDelta(t *testing.T, fileUUID, delta string) int64 {
	t.Helper()
	response, err := h.service.UploadFile(context.Background(), uploads.UploadRequest{
		UserID:           testGuest,
		DeviceUUID:       testDeltaDevice,
		SharingGroupUUID: testSharingGroup,
		FileUUID:         fileUUID,
		BatchUUID:        h.nextBatch(),
		UploadIndex:      1,
		UploadCount:      1,
		InformAllButSelf: true,
		Payload:          []byte(delta),
	})
	require.NoError(t, err)
	require.Equal(t, uploads.StatusVNTransferPending, response.Status)
	require.NotNil(t, response.DeferredUploadID)
	return *response.DeferredUploadID
}

func (h *testHarness) mustDeleteGroup(t *testing.T, fileGroupUUID string) int64 {
	t.Helper()
	response, err := h.service.UploadDeletion(context.Background(), uploads.DeletionRequest{
		UserID:           testOwner,
		DeviceUUID:       testDevice,
		SharingGroupUUID: testSharingGroup,
		FileGroupUUID:    fileGroupUUID,
	})
	require.NoError(t, err)
	require.NotNil(t, response.DeferredUploadID)
	return *response.DeferredUploadID
}

func (h *testHarness) mustRun(t *testing.T) RunResult {
	t.Helper()
	result, err := h.uploader.Run(context.Background())
	require.NoError(t, err)
	require.True(t, result.Acquired)
	return result
}

func (h *testHarness) mustEntry(t *testing.T, deferredUploadID int64) files.DeferredUpload {
	t.Helper()
	entry, err := h.store.Deferred.Lookup(context.Background(), deferredUploadID)
	require.NoError(t, err)
	return entry
}

func (h *testHarness) mustFile(t *testing.T, fileUUID string) files.FileIndex {
	t.Helper()
	file, err := h.store.FileIndex.Lookup(context.Background(), nil, fileUUID)
	require.NoError(t, err)
	return file
}

func (h *testHarness) blobExists(t *testing.T, name string) bool {
	t.Helper()
	account, err := h.accounts.ForUser(context.Background(), testOwner)
	require.NoError(t, err)
	_, _, err = h.blobs.Download(context.Background(), name, account.Options("application/json"))
	if errors.Is(err, cloudstore.ErrNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}
