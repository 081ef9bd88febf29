package uploads

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"gorm.io/gorm"
)

func TestBatchCompleteRequiresExactIndexSet(t *testing.T) {
	part := func(index, count int32) files.Upload {
		return files.Upload{UploadIndex: index, UploadCount: count}
	}
	testCases := []struct {
		name   string
		staged []files.Upload
		want   bool
	}{
		{name: "empty", staged: nil, want: false},
		{name: "single", staged: []files.Upload{part(1, 1)}, want: true},
		{name: "second of two only", staged: []files.Upload{part(2, 2)}, want: false},
		{name: "both of two", staged: []files.Upload{part(2, 2), part(1, 2)}, want: true},
		{name: "repeated index", staged: []files.Upload{part(1, 2), part(1, 2)}, want: false},
		{name: "count disagreement", staged: []files.Upload{part(1, 2), part(2, 3)}, want: false},
		{name: "index out of range", staged: []files.Upload{part(1, 2), part(3, 2)}, want: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := batchComplete(testCase.staged); got != testCase.want {
				t.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}

func TestUploadV0SingleFileCommitsAtVersionZero(t *testing.T) {
	harness := newTestHarness(t)
	request := v0Request(testFileA, "L1", "", testBatch1, 1, 1, "hello world")

	harness.mustUpload(t, request, StatusV0UploadsFinished)

	file := harness.mustLookupFile(t, testFileA)
	if file.FileVersion != 0 || file.Deleted || file.FileLabel != "L1" {
		t.Fatalf("unexpected file row %+v", file)
	}
	if file.UserID != testOwner || file.Ownership().IsGrouped() {
		t.Fatalf("expected ungrouped file owned by %s, got %+v", testOwner, file)
	}
	if harness.countRows(t, &files.Upload{}) != 0 {
		t.Fatalf("expected staged rows to be removed")
	}
	name := cloudstore.BlobName(testDevice, testFileA, "text/plain", 0)
	if !harness.blobExists(t, testOwner, name, "text/plain") {
		t.Fatalf("expected v0 blob %s in the owner's storage", name)
	}
	if harness.trigger.count() != 0 {
		t.Fatalf("v0 uploads must not trigger the uploader")
	}
}

func TestUploadV0BatchCommitsOnLastPart(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	harness.mustUpload(t, v0Request(testFileA, "first", testFileGroup, testBatch1, 1, 2, "one"), StatusUploadsNotFinished)
	complete, err := harness.service.Tracker().IsBatchComplete(ctx, files.BatchKey{
		BatchUUID: testBatch1, UserID: testOwner, DeviceUUID: testDevice, SharingGroupUUID: testSharingGroup,
	})
	if err != nil || complete {
		t.Fatalf("expected incomplete batch, got %v (%v)", complete, err)
	}
	if _, err := harness.store.FileIndex.Lookup(ctx, nil, testFileA); !errors.Is(err, files.ErrNotFound) {
		t.Fatalf("expected no file before the batch completes, got %v", err)
	}

	harness.mustUpload(t, v0Request(testFileB, "second", testFileGroup, testBatch1, 2, 2, "two"), StatusV0UploadsFinished)

	if count := harness.countRows(t, &files.FileIndex{}); count != 2 {
		t.Fatalf("expected 2 indexed files, got %d", count)
	}
	if count := harness.countRows(t, &files.FileGroup{}); count != 1 {
		t.Fatalf("expected 1 file group, got %d", count)
	}
	group, err := harness.store.FileGroups.Lookup(ctx, nil, testFileGroup)
	if err != nil {
		t.Fatalf("file group lookup failed: %v", err)
	}
	if group.OwningUserID != testOwner || group.SharingGroupUUID != testSharingGroup {
		t.Fatalf("unexpected file group %+v", group)
	}
	if harness.countRows(t, &files.Upload{}) != 0 {
		t.Fatalf("expected staged rows to be removed")
	}
}

func TestDuplicatePartIsNotReapplied(t *testing.T) {
	harness := newTestHarness(t)
	first := v0Request(testFileA, "first", testFileGroup, testBatch1, 1, 2, "one")

	harness.mustUpload(t, first, StatusUploadsNotFinished)
	harness.mustUpload(t, first, StatusDuplicateFileUpload)
	if count := harness.countRows(t, &files.Upload{}); count != 1 {
		t.Fatalf("expected one staged row, got %d", count)
	}

	harness.mustUpload(t, v0Request(testFileB, "second", testFileGroup, testBatch1, 2, 2, "two"), StatusV0UploadsFinished)
	harness.mustUpload(t, first, StatusV0DuplicateFileUpload)
	if count := harness.countRows(t, &files.FileIndex{}); count != 2 {
		t.Fatalf("expected 2 indexed files, got %d", count)
	}
}

func TestV0ReplayWithDifferentAttributesIsRejected(t *testing.T) {
	harness := newTestHarness(t)
	harness.mustUpload(t, v0Request(testFileA, "L1", "", testBatch1, 1, 1, "hello"), StatusV0UploadsFinished)

	_, err := harness.service.UploadFile(context.Background(), v0Request(testFileA, "L2", "", testBatch2, 1, 1, "hello"))
	var validation *ValidationError
	if !errors.As(err, &validation) || validation.Field != "fileUUID" {
		t.Fatalf("expected fileUUID validation error, got %v", err)
	}
}

func TestLabelCollisionReportsExistingFile(t *testing.T) {
	harness := newTestHarness(t)
	harness.mustUpload(t, v0Request(testFileA, "shared", testFileGroup, testBatch1, 1, 1, "one"), StatusV0UploadsFinished)

	_, err := harness.service.UploadFile(context.Background(), v0Request(testFileB, "shared", testFileGroup, testBatch2, 1, 1, "two"))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.Reason != ConflictLabelCollision || conflict.FileUUID != testFileA || conflict.FileVersion != 0 {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
	name := cloudstore.BlobName(testDevice, testFileB, "text/plain", 0)
	if harness.blobExists(t, testOwner, name, "text/plain") {
		t.Fatalf("expected the rejected part's blob to be removed")
	}
}

func TestFileStagedByAnotherBatchIsRejected(t *testing.T) {
	harness := newTestHarness(t)
	harness.mustUpload(t, v0Request(testFileA, "first", testFileGroup, testBatch1, 1, 2, "one"), StatusUploadsNotFinished)

	_, err := harness.service.UploadFile(context.Background(), v0Request(testFileA, "first", testFileGroup, testBatch2, 1, 1, "replacement"))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.Reason != ConflictInconsistentBatch || conflict.FileUUID != testFileA {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
	if count := harness.countRows(t, &files.Upload{}); count != 1 {
		t.Fatalf("expected only the first batch's part to stay staged, got %d", count)
	}
	if count := harness.countRows(t, &files.FileIndex{}); count != 0 {
		t.Fatalf("expected no indexed files, got %d", count)
	}

	account, err := harness.accounts.ForUser(context.Background(), testOwner)
	if err != nil {
		t.Fatalf("account lookup failed: %v", err)
	}
	name := cloudstore.BlobName(testDevice, testFileA, "text/plain", 0)
	data, _, err := harness.blobs.Download(context.Background(), name, account.Options("text/plain"))
	if err != nil || string(data) != "one" {
		t.Fatalf("expected the first batch's blob to survive, got %q (%v)", data, err)
	}

	harness.mustUpload(t, v0Request(testFileB, "second", testFileGroup, testBatch1, 2, 2, "two"), StatusV0UploadsFinished)
	if file := harness.mustLookupFile(t, testFileA); file.FileLabel != "first" || file.LastUploadedCheckSum != cloudstore.Checksum([]byte("one")) {
		t.Fatalf("unexpected file row %+v", file)
	}
}

func TestStagedLabelViolationIsLabelCollision(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	group := testFileGroup
	label := "shared"
	holder := files.Upload{
		FileUUID:         testFileB,
		UserID:           testOwner,
		DeviceUUID:       testDevice,
		BatchUUID:        testBatch2,
		SharingGroupUUID: testSharingGroup,
		FileGroupUUID:    &group,
		FileLabel:        &label,
		State:            files.UploadStateVN,
		UploadIndex:      1,
		UploadCount:      2,
	}
	err := harness.store.Transaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&holder).Error
	})
	if err != nil {
		t.Fatalf("failed to stage label holder: %v", err)
	}

	candidateLabel := label
	candidate := files.Upload{
		FileUUID:         testFileA,
		UserID:           testOwner,
		DeviceUUID:       testDevice,
		BatchUUID:        testBatch1,
		SharingGroupUUID: testSharingGroup,
		FileGroupUUID:    &group,
		FileLabel:        &candidateLabel,
		State:            files.UploadStateV0,
		UploadIndex:      1,
		UploadCount:      1,
	}
	var outcome PartOutcome
	err = harness.store.Transaction(ctx, func(tx *gorm.DB) error {
		var recordErr error
		outcome, recordErr = harness.service.Tracker().RecordPart(ctx, tx, &candidate)
		return recordErr
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ConflictLabelCollision {
		t.Fatalf("expected label collision, got %v", err)
	}
	if outcome != PartConflict {
		t.Fatalf("expected conflict outcome, got %q", outcome)
	}
	if count := harness.countRows(t, &files.Upload{}); count != 1 {
		t.Fatalf("expected only the label holder to be staged, got %d", count)
	}
}

func TestBatchSpanningTwoFileGroupsIsRejected(t *testing.T) {
	harness := newTestHarness(t)
	otherGroup := "3D2C1B0A-9F8E-4D7C-8B6A-5F4E3D2C1B0A"
	harness.mustUpload(t, v0Request(testFileA, "a", testFileGroup, testBatch1, 1, 2, "one"), StatusUploadsNotFinished)

	_, err := harness.service.UploadFile(context.Background(), v0Request(testFileB, "b", otherGroup, testBatch1, 2, 2, "two"))
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ConflictMixedFileGroups {
		t.Fatalf("expected mixed file groups conflict, got %v", err)
	}
}

func TestInconsistentUploadCountIsRejected(t *testing.T) {
	harness := newTestHarness(t)
	harness.mustUpload(t, v0Request(testFileA, "a", testFileGroup, testBatch1, 1, 2, "one"), StatusUploadsNotFinished)

	_, err := harness.service.UploadFile(context.Background(), v0Request(testFileB, "b", testFileGroup, testBatch1, 2, 3, "two"))
	var conflict *ConflictError
	if !errors.As(err, &conflict) || conflict.Reason != ConflictInconsistentBatch {
		t.Fatalf("expected inconsistent batch conflict, got %v", err)
	}
}

func TestUploadValidation(t *testing.T) {
	harness := newTestHarness(t)
	testCases := []struct {
		name   string
		mutate func(*UploadRequest)
		field  string
	}{
		{name: "bad file uuid", mutate: func(r *UploadRequest) { r.FileUUID = "nope" }, field: "fileUUID"},
		{name: "index beyond count", mutate: func(r *UploadRequest) { r.UploadIndex = 2 }, field: "uploadIndex"},
		{name: "unknown mime type", mutate: func(r *UploadRequest) { r.MimeType = "made/up" }, field: "mimeType"},
		{name: "unknown resolver", mutate: func(r *UploadRequest) { r.ChangeResolverName = "nope" }, field: "changeResolverName"},
		{name: "checksum mismatch", mutate: func(r *UploadRequest) { r.CheckSum = "deadbeef" }, field: "checkSum"},
		{name: "object type without group", mutate: func(r *UploadRequest) { r.ObjectType = "album" }, field: "objectType"},
		{name: "ungrouped batch", mutate: func(r *UploadRequest) { r.UploadCount = 2 }, field: "uploadCount"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := v0Request(testFileA, "L1", "", testBatch1, 1, 1, "hello")
			testCase.mutate(&request)
			_, err := harness.service.UploadFile(context.Background(), request)
			var validation *ValidationError
			if !errors.As(err, &validation) || validation.Field != testCase.field {
				t.Fatalf("expected validation error on %s, got %v", testCase.field, err)
			}
		})
	}
	if harness.countRows(t, &files.Upload{})+harness.countRows(t, &files.FileIndex{}) != 0 {
		t.Fatalf("rejected requests must not mutate state")
	}
	name := cloudstore.BlobName(testDevice, testFileA, "text/plain", 0)
	if harness.blobExists(t, testOwner, name, "text/plain") {
		t.Fatalf("expected the mismatched blob to be removed")
	}
}

func TestNonMemberIsForbidden(t *testing.T) {
	harness := newTestHarness(t)
	request := v0Request(testFileA, "L1", "", testBatch1, 1, 1, "hello")
	request.UserID = "stranger"
	if _, err := harness.service.UploadFile(context.Background(), request); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestRevokedOwnerIsGone(t *testing.T) {
	harness := newTestHarness(t)
	harness.accounts.Revoke(testOwner)
	_, err := harness.service.UploadFile(context.Background(), v0Request(testFileA, "L1", "", testBatch1, 1, 1, "hello"))
	var gone *GoneError
	if !errors.As(err, &gone) || gone.Reason != GoneAuthTokenExpiredOrRevoked {
		t.Fatalf("expected revoked gone error, got %v", err)
	}
}

func TestGuestFilesAreStoredWithSponsor(t *testing.T) {
	harness := newTestHarness(t)
	request := v0Request(testFileA, "L1", "", testBatch1, 1, 1, "hello")
	request.UserID = testGuest
	harness.mustUpload(t, request, StatusV0UploadsFinished)

	file := harness.mustLookupFile(t, testFileA)
	if file.UserID != testOwner {
		t.Fatalf("expected sponsor %s to own the file, got %s", testOwner, file.UserID)
	}
}

func TestVNUploadIsQueued(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	harness.mustUpload(t, commentV0Request(testFileA, "comments", testBatch1), StatusV0UploadsFinished)

	delta := vNRequest(testFileA, testBatch2, `{"id":"c1","text":"hi"}`)
	response := harness.mustUpload(t, delta, StatusVNTransferPending)
	if response.DeferredUploadID == nil {
		t.Fatalf("expected deferred upload id")
	}
	if harness.trigger.count() != 1 {
		t.Fatalf("expected one uploader trigger, got %d", harness.trigger.count())
	}

	status, err := harness.service.GetDeferredStatus(ctx, testOwner, StatusQuery{BatchUUID: testBatch2})
	if err != nil {
		t.Fatalf("status lookup failed: %v", err)
	}
	if status.Status != files.DeferredStatusPendingChange || status.DeferredUploadID != *response.DeferredUploadID {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.FileGroupUUID != testFileGroup || status.CompletedAt != nil {
		t.Fatalf("unexpected status %+v", status)
	}
	if _, err := harness.service.GetDeferredStatus(ctx, testGuest, StatusQuery{DeferredUploadID: response.DeferredUploadID}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected other users to get not found, got %v", err)
	}

	replay := harness.mustUpload(t, delta, StatusDuplicateFileUpload)
	if replay.DeferredUploadID == nil || *replay.DeferredUploadID != *response.DeferredUploadID {
		t.Fatalf("expected replay to report the queued entry")
	}

	var claimed []files.Upload
	claimed, err = harness.store.Uploads.ListByDeferred(ctx, nil, []int64{*response.DeferredUploadID})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected one claimed delta, got %d (%v)", len(claimed), err)
	}
	if file := harness.mustLookupFile(t, testFileA); file.FileVersion != 0 {
		t.Fatalf("queued deltas must not advance the version, got %d", file.FileVersion)
	}
}

func TestVNUploadRules(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	harness.mustUpload(t, v0Request(testFileA, "plain", testFileGroup, testBatch1, 1, 1, "hello"), StatusV0UploadsFinished)

	_, err := harness.service.UploadFile(ctx, vNRequest(testFileA, testBatch2, `{"id":"c1"}`))
	var validation *ValidationError
	if !errors.As(err, &validation) || validation.Field != "fileUUID" {
		t.Fatalf("expected immutable file rejection, got %v", err)
	}

	_, err = harness.service.UploadFile(ctx, vNRequest(testFileB, testBatch2, `{"id":"c1"}`))
	if !errors.As(err, &validation) || validation.Field != "fileUUID" {
		t.Fatalf("expected unknown file rejection, got %v", err)
	}

	withMeta := vNRequest(testFileA, testBatch2, `{"id":"c1"}`)
	withMeta.AppMetaData = "{}"
	_, err = harness.service.UploadFile(ctx, withMeta)
	if !errors.As(err, &validation) || validation.Field != "appMetaData" {
		t.Fatalf("expected appMetaData rejection, got %v", err)
	}
}

func TestDeletionIsImmediateAndIdempotent(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	harness.mustUpload(t, commentV0Request(testFileA, "comments", testBatch1), StatusV0UploadsFinished)

	request := DeletionRequest{UserID: testOwner, DeviceUUID: testDevice, SharingGroupUUID: testSharingGroup, FileGroupUUID: testFileGroup}
	response, err := harness.service.UploadDeletion(ctx, request)
	if err != nil {
		t.Fatalf("deletion failed: %v", err)
	}
	if response.AlreadyDeleted || response.DeferredUploadID == nil {
		t.Fatalf("unexpected response %+v", response)
	}
	if file := harness.mustLookupFile(t, testFileA); !file.Deleted {
		t.Fatalf("expected file to be marked deleted")
	}
	entry, err := harness.store.Deferred.Lookup(ctx, *response.DeferredUploadID)
	if err != nil || entry.Status != files.DeferredStatusPendingDeletion {
		t.Fatalf("expected pending deletion entry, got %+v (%v)", entry, err)
	}

	again, err := harness.service.UploadDeletion(ctx, request)
	if err != nil || !again.AlreadyDeleted || again.DeferredUploadID != nil {
		t.Fatalf("expected idempotent no-op, got %+v (%v)", again, err)
	}
	if harness.trigger.count() != 1 {
		t.Fatalf("expected exactly one trigger, got %d", harness.trigger.count())
	}

	_, err = harness.service.UploadFile(ctx, vNRequest(testFileA, testBatch2, `{"id":"c1"}`))
	var gone *GoneError
	if !errors.As(err, &gone) || gone.Reason != GoneFileRemovedOrRenamed {
		t.Fatalf("expected gone for a deleted file, got %v", err)
	}
}

func TestUngroupedDeletionRecordsMarker(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	harness.mustUpload(t, v0Request(testFileA, "L1", "", testBatch1, 1, 1, "hello"), StatusV0UploadsFinished)

	response, err := harness.service.UploadDeletion(ctx, DeletionRequest{
		UserID: testOwner, DeviceUUID: testDevice, SharingGroupUUID: testSharingGroup, FileUUID: testFileA,
	})
	if err != nil || response.DeferredUploadID == nil {
		t.Fatalf("deletion failed: %+v (%v)", response, err)
	}
	markers, err := harness.store.Uploads.ListByDeferred(ctx, nil, []int64{*response.DeferredUploadID})
	if err != nil || len(markers) != 1 || markers[0].State != files.UploadStateDelete || markers[0].FileUUID != testFileA {
		t.Fatalf("expected one delete marker, got %+v (%v)", markers, err)
	}

	_, err = harness.service.UploadDeletion(ctx, DeletionRequest{UserID: testOwner, SharingGroupUUID: testSharingGroup})
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error without a target, got %v", err)
	}
	_, err = harness.service.UploadDeletion(ctx, DeletionRequest{UserID: testOwner, SharingGroupUUID: testSharingGroup, FileGroupUUID: testFileGroup})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for an unknown group, got %v", err)
	}
}

func TestDownloadFile(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	harness.mustUpload(t, v0Request(testFileA, "L1", testFileGroup, testBatch1, 1, 1, "hello"), StatusV0UploadsFinished)
	request := DownloadRequest{UserID: testGuest, SharingGroupUUID: testSharingGroup, FileUUID: testFileA}

	response, err := harness.service.DownloadFile(ctx, request)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if string(response.Contents) != "hello" || response.ContentsChanged {
		t.Fatalf("unexpected download %+v", response)
	}
	if !cloudstore.ChecksumsMatch(response.CheckSum, cloudstore.Checksum([]byte("hello"))) {
		t.Fatalf("unexpected checksum %s", response.CheckSum)
	}

	ahead := request
	ahead.FileVersion = 1
	if _, err := harness.service.DownloadFile(ctx, ahead); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found beyond the current version, got %v", err)
	}

	harness.accounts.Revoke(testOwner)
	_, err = harness.service.DownloadFile(ctx, request)
	var gone *GoneError
	if !errors.As(err, &gone) || gone.Reason != GoneAuthTokenExpiredOrRevoked || gone.AppMetaData == "" {
		t.Fatalf("expected revoked gone error with metadata, got %v", err)
	}

	if _, err := harness.service.UploadDeletion(ctx, DeletionRequest{UserID: testOwner, SharingGroupUUID: testSharingGroup, FileGroupUUID: testFileGroup}); err != nil {
		t.Fatalf("deletion failed: %v", err)
	}
	_, err = harness.service.DownloadFile(ctx, request)
	if !errors.As(err, &gone) || gone.Reason != GoneFileRemovedOrRenamed || gone.AppMetaData != `{"title":"L1"}` {
		t.Fatalf("expected removed gone error with metadata, got %v", err)
	}
}

func TestFileIndexReportsInformMarkers(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	request := v0Request(testFileA, "L1", "", testBatch1, 1, 1, "hello")
	request.InformAllButSelf = true
	harness.mustUpload(t, request, StatusV0UploadsFinished)

	ownerView, err := harness.service.FileIndex(ctx, testOwner, testSharingGroup)
	if err != nil || len(ownerView) != 1 {
		t.Fatalf("expected one file, got %d (%v)", len(ownerView), err)
	}
	if ownerView[0].Inform {
		t.Fatalf("the uploader must not be informed of their own upload")
	}
	guestView, err := harness.service.FileIndex(ctx, testGuest, testSharingGroup)
	if err != nil || len(guestView) != 1 || !guestView[0].Inform {
		t.Fatalf("expected guest to be informed, got %+v (%v)", guestView, err)
	}
	if guestView[0].FileLabel != "L1" || guestView[0].FileVersion != 0 {
		t.Fatalf("unexpected summary %+v", guestView[0])
	}
}
