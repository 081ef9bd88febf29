package uploads

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/dbretry"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/resolvers"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/sharing"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/staleversions"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSharingGroup = "7D4C2A51-0F7E-4D0B-9A57-3E1D5C2B8A10"
	testOwner        = "user-1"
	testGuest        = "user-2"
	testDevice       = "5E0C3B7A-2D4F-4E6A-8B1C-9D0E1F2A3B4C"
	testFileGroup    = "1F3E5D7C-9B8A-4C6D-8E2F-0A1B2C3D4E5F"
	testFileA        = "0B8F0C4E-8C1B-4D7A-9D6E-1A2B3C4D5E6F"
	testFileB        = "2C9A1D5F-3E7B-4A8C-9D0E-6F5A4B3C2D1E"
	testBatch1       = "8A7B6C5D-4E3F-4A1B-9C8D-7E6F5A4B3C2D"
	testBatch2       = "9B8C7D6E-5F4A-4B2C-8D9E-0F1A2B3C4D5E"
	emptyComments    = `{"elements":[]}`
)

type recordingTrigger struct {
	mu    sync.Mutex
	calls int
}

func (r *recordingTrigger) Trigger(context.Context) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
}

func (r *recordingTrigger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type testHarness struct {
	store      *files.Store
	service    *Service
	blobs      *cloudstore.DiskStore
	accounts   *cloudstore.SharedAccounts
	membership *sharing.Service
	stale      *staleversions.Registry
	trigger    *recordingTrigger
	now        time.Time
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := database.Open(database.Options{Driver: database.DriverSQLite, Path: filepath.Join(t.TempDir(), "uploads.db")}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	store, err := files.NewStore(db, dbretry.DefaultPolicy())
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	blobs, err := cloudstore.NewDiskStore(afero.NewMemMapFs(), "/blobs")
	if err != nil {
		t.Fatalf("failed to build disk store: %v", err)
	}
	membership, err := sharing.NewService(sharing.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build membership: %v", err)
	}
	ctx := context.Background()
	if err := membership.AddMember(ctx, sharing.Member{SharingGroupUUID: testSharingGroup, UserID: testOwner}); err != nil {
		t.Fatalf("failed to add owner: %v", err)
	}
	if err := membership.AddMember(ctx, sharing.Member{SharingGroupUUID: testSharingGroup, UserID: testGuest, SponsorUserID: testOwner}); err != nil {
		t.Fatalf("failed to add guest: %v", err)
	}

	harness := &testHarness{
		store:      store,
		blobs:      blobs,
		accounts:   cloudstore.NewSharedAccounts(blobs, "users"),
		membership: membership,
		trigger:    &recordingTrigger{},
		now:        time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return harness.now }
	stale, err := staleversions.NewRegistry(staleversions.Config{Store: store, Accounts: harness.accounts, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build stale registry: %v", err)
	}
	harness.stale = stale
	service, err := NewService(ServiceConfig{
		Store:         store,
		Resolvers:     resolvers.DefaultRegistry(),
		Accounts:      harness.accounts,
		Membership:    membership,
		StaleVersions: stale,
		Trigger:       harness.trigger,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	harness.service = service
	return harness
}

func v0Request(fileUUID, label, fileGroupUUID, batchUUID string, index, count int32, payload string) UploadRequest {
	return UploadRequest{
		UserID:              testOwner,
		DeviceUUID:          testDevice,
		SharingGroupUUID:    testSharingGroup,
		FileUUID:            fileUUID,
		FileGroupUUID:       fileGroupUUID,
		FileLabel:           label,
		MimeType:            "text/plain",
		CheckSum:            cloudstore.Checksum([]byte(payload)),
		AppMetaData:         `{"title":"` + label + `"}`,
		BatchUUID:           batchUUID,
		BatchExpiryInterval: time.Hour,
		UploadIndex:         index,
		UploadCount:         count,
		Payload:             []byte(payload),
	}
}

func commentV0Request(fileUUID, label, batchUUID string) UploadRequest {
	request := v0Request(fileUUID, label, testFileGroup, batchUUID, 1, 1, emptyComments)
	request.MimeType = "application/json"
	request.ChangeResolverName = resolvers.CommentFileName
	return request
}

func vNRequest(fileUUID, batchUUID, payload string) UploadRequest {
	return UploadRequest{
		UserID:              testOwner,
		DeviceUUID:          testDevice,
		SharingGroupUUID:    testSharingGroup,
		FileUUID:            fileUUID,
		BatchUUID:           batchUUID,
		BatchExpiryInterval: time.Hour,
		UploadIndex:         1,
		UploadCount:         1,
		Payload:             []byte(payload),
	}
}

func (h *testHarness) mustUpload(t *testing.T, request UploadRequest, want UploadStatus) UploadResponse {
	t.Helper()
	response, err := h.service.UploadFile(context.Background(), request)
	if err != nil {
		t.Fatalf("upload of %s %d/%d failed: %v", request.FileUUID, request.UploadIndex, request.UploadCount, err)
	}
	if response.Status != want {
		t.Fatalf("expected status %s, got %s", want, response.Status)
	}
	return response
}

func (h *testHarness) mustLookupFile(t *testing.T, fileUUID string) files.FileIndex {
	t.Helper()
	file, err := h.store.FileIndex.Lookup(context.Background(), nil, fileUUID)
	if err != nil {
		t.Fatalf("file %s lookup failed: %v", fileUUID, err)
	}
	return file
}

func (h *testHarness) countRows(t *testing.T, model any) int64 {
	t.Helper()
	var count int64
	err := h.store.Transaction(context.Background(), func(tx *gorm.DB) error {
		return tx.Model(model).Count(&count).Error
	})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return count
}

func (h *testHarness) blobExists(t *testing.T, owner, name, mimeType string) bool {
	t.Helper()
	account, err := h.accounts.ForUser(context.Background(), owner)
	if err != nil {
		t.Fatalf("account lookup failed: %v", err)
	}
	_, _, err = h.blobs.Download(context.Background(), name, account.Options(mimeType))
	return err == nil
}
