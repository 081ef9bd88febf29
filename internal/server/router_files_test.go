package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/dbretry"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/uploads"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type stubUploadsService struct {
	uploadRequest  uploads.UploadRequest
	uploadResponse uploads.UploadResponse
	deleteRequest  uploads.DeletionRequest
	download       uploads.DownloadResponse
	statusQuery    uploads.StatusQuery
	status         uploads.DeferredStatusResult
	summaries      []uploads.FileSummary
	err            error
}

func (s *stubUploadsService) UploadFile(_ context.Context, request uploads.UploadRequest) (uploads.UploadResponse, error) {
	s.uploadRequest = request
	return s.uploadResponse, s.err
}

func (s *stubUploadsService) UploadDeletion(_ context.Context, request uploads.DeletionRequest) (uploads.DeletionResponse, error) {
	s.deleteRequest = request
	return uploads.DeletionResponse{}, s.err
}

func (s *stubUploadsService) DownloadFile(context.Context, uploads.DownloadRequest) (uploads.DownloadResponse, error) {
	return s.download, s.err
}

func (s *stubUploadsService) GetDeferredStatus(_ context.Context, _ string, query uploads.StatusQuery) (uploads.DeferredStatusResult, error) {
	s.statusQuery = query
	return s.status, s.err
}

func (s *stubUploadsService) FileIndex(context.Context, string, string) ([]uploads.FileSummary, error) {
	return s.summaries, s.err
}

func newTestContext(method, target, body string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	context, _ := gin.CreateTestContext(recorder)
	context.Set(userIDContextKey, "user-1")
	request := httptest.NewRequest(method, target, strings.NewReader(body))
	request.Header.Set(deviceUUIDHeader, "5E0C3B7A-2D4F-4E6A-8B1C-9D0E1F2A3B4C")
	context.Request = request
	return context, recorder
}

func decodePayload(testContext *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	testContext.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode payload %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestHandleUploadFileMapsQueryParameters(testContext *testing.T) {
	deferredUploadID := int64(12)
	service := &stubUploadsService{uploadResponse: uploads.UploadResponse{
		Status:           uploads.StatusVNTransferPending,
		DeferredUploadID: &deferredUploadID,
	}}
	handler := &httpHandler{uploads: service, maxUploadBytes: defaultMaxUploadBytes, logger: zap.NewNop()}

	target := "/files/upload?sharing_group_uuid=sg&file_uuid=file&batch_uuid=batch&upload_index=1&upload_count=2&batch_expiry_interval_s=90&inform_all_but_self=true"
	context, recorder := newTestContext(http.MethodPost, target, `{"id":"c1"}`)

	handler.handleUploadFile(context)

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	request := service.uploadRequest
	if request.UserID != "user-1" || request.SharingGroupUUID != "sg" || request.FileUUID != "file" || request.BatchUUID != "batch" {
		testContext.Fatalf("unexpected identifiers %#v", request)
	}
	if request.UploadIndex != 1 || request.UploadCount != 2 {
		testContext.Fatalf("unexpected batch position %d/%d", request.UploadIndex, request.UploadCount)
	}
	if request.BatchExpiryInterval != 90*time.Second || !request.InformAllButSelf {
		testContext.Fatalf("unexpected batch options %#v", request)
	}
	if request.DeviceUUID == "" || string(request.Payload) != `{"id":"c1"}` {
		testContext.Fatalf("unexpected device or payload %#v", request)
	}
	payload := decodePayload(testContext, recorder)
	if payload["status"] != string(uploads.StatusVNTransferPending) || payload["deferred_upload_id"] != float64(12) {
		testContext.Fatalf("unexpected response %v", payload)
	}
}

func TestHandleUploadFileRejectsMalformedNumbers(testContext *testing.T) {
	service := &stubUploadsService{}
	handler := &httpHandler{uploads: service, logger: zap.NewNop()}

	context, recorder := newTestContext(http.MethodPost, "/files/upload?upload_index=one", "")
	handler.handleUploadFile(context)

	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request status, got %d", recorder.Code)
	}
	if payload := decodePayload(testContext, recorder); payload["field"] != "upload_index" {
		testContext.Fatalf("unexpected payload %v", payload)
	}
}

func TestHandleUploadFileRejectsOversizedBody(testContext *testing.T) {
	service := &stubUploadsService{uploadResponse: uploads.UploadResponse{Status: uploads.StatusV0UploadsFinished}}
	handler := &httpHandler{uploads: service, maxUploadBytes: 8, logger: zap.NewNop()}

	context, recorder := newTestContext(http.MethodPost, "/files/upload?upload_index=1&upload_count=1", "0123456789")
	handler.handleUploadFile(context)

	if recorder.Code != http.StatusRequestEntityTooLarge {
		testContext.Fatalf("expected payload too large status, got %d", recorder.Code)
	}
	payload := decodePayload(testContext, recorder)
	if payload["error"] != "payload_too_large" || payload["limit"] != float64(8) {
		testContext.Fatalf("unexpected payload %v", payload)
	}
	if service.uploadRequest.Payload != nil {
		testContext.Fatalf("oversized body must not reach the uploads service")
	}

	context, recorder = newTestContext(http.MethodPost, "/files/upload?upload_index=1&upload_count=1", "01234567")
	handler.handleUploadFile(context)
	if recorder.Code != http.StatusOK || string(service.uploadRequest.Payload) != "01234567" {
		testContext.Fatalf("expected a body at the limit to pass, got %d", recorder.Code)
	}
}

func TestWriteServiceErrorMapsTaxonomy(testContext *testing.T) {
	testCases := []struct {
		name       string
		err        error
		wantStatus int
		wantFields map[string]any
	}{
		{
			name:       "validation",
			err:        &uploads.ValidationError{Field: "checkSum", Reason: "mismatch"},
			wantStatus: http.StatusBadRequest,
			wantFields: map[string]any{"error": "invalid_request", "field": "checkSum"},
		},
		{
			name:       "forbidden",
			err:        fmt.Errorf("wrapped: %w", uploads.ErrForbidden),
			wantStatus: http.StatusForbidden,
			wantFields: map[string]any{"error": "forbidden"},
		},
		{
			name:       "not-found",
			err:        uploads.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantFields: map[string]any{"error": "not_found"},
		},
		{
			name:       "conflict",
			err:        &uploads.ConflictError{Reason: uploads.ConflictLabelCollision, FileUUID: "file-a", FileVersion: 3},
			wantStatus: http.StatusConflict,
			wantFields: map[string]any{"reason": "label_collision", "file_uuid": "file-a", "file_version": float64(3)},
		},
		{
			name:       "gone",
			err:        &uploads.GoneError{Reason: uploads.GoneVersionExpired, FileUUID: "file-a", AppMetaData: "meta"},
			wantStatus: http.StatusGone,
			wantFields: map[string]any{"gone": "version_expired", "app_meta_data": "meta"},
		},
		{
			name:       "transient",
			err:        fmt.Errorf("lookup: %w", dbretry.ErrRetriesExhausted),
			wantStatus: http.StatusServiceUnavailable,
			wantFields: map[string]any{"error": "unavailable"},
		},
		{
			name:       "unexpected",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantFields: map[string]any{"error": "internal_error"},
		},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			handler := &httpHandler{uploads: &stubUploadsService{err: testCase.err}, logger: zap.NewNop()}
			context, recorder := newTestContext(http.MethodGet, "/files/index?sharing_group_uuid=sg", "")

			handler.handleFileIndex(context)

			if recorder.Code != testCase.wantStatus {
				testContext.Fatalf("unexpected status: got %d want %d", recorder.Code, testCase.wantStatus)
			}
			payload := decodePayload(testContext, recorder)
			for key, want := range testCase.wantFields {
				if payload[key] != want {
					testContext.Fatalf("expected %s=%v, got %v", key, want, payload[key])
				}
			}
		})
	}
}

func TestHandleDownloadFileWritesMetadataHeaders(testContext *testing.T) {
	service := &stubUploadsService{download: uploads.DownloadResponse{
		Contents:        []byte(`{"elements":[]}`),
		CheckSum:        "abc123",
		FileVersion:     2,
		MimeType:        "application/json",
		AppMetaData:     "meta",
		ContentsChanged: true,
	}}
	handler := &httpHandler{uploads: service, logger: zap.NewNop()}
	context, recorder := newTestContext(http.MethodGet, "/files/download?sharing_group_uuid=sg&file_uuid=file&file_version=2", "")

	handler.handleDownloadFile(context)

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d", recorder.Code)
	}
	if recorder.Body.String() != `{"elements":[]}` {
		testContext.Fatalf("unexpected body %s", recorder.Body.String())
	}
	headers := recorder.Header()
	if headers.Get(checksumHeader) != "abc123" || headers.Get(fileVersionHeader) != "2" {
		testContext.Fatalf("unexpected checksum headers %v", headers)
	}
	if headers.Get(appMetaDataHeader) != "meta" || headers.Get(contentsChangedHeader) != "true" {
		testContext.Fatalf("unexpected metadata headers %v", headers)
	}
	if headers.Get("Content-Type") != "application/json" {
		testContext.Fatalf("unexpected content type %s", headers.Get("Content-Type"))
	}
}

func TestHandleDownloadFileRequiresVersion(testContext *testing.T) {
	handler := &httpHandler{uploads: &stubUploadsService{}, logger: zap.NewNop()}
	context, recorder := newTestContext(http.MethodGet, "/files/download?file_uuid=file", "")

	handler.handleDownloadFile(context)

	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected bad request status, got %d", recorder.Code)
	}
}

func TestHandleDeferredStatusParsesIdentifier(testContext *testing.T) {
	completedAt := time.Date(2026, 10, 1, 12, 5, 0, 0, time.UTC)
	service := &stubUploadsService{status: uploads.DeferredStatusResult{
		DeferredUploadID: 44,
		Status:           files.DeferredStatusCompleted,
		BatchUUID:        "batch",
		CreatedAt:        completedAt.Add(-time.Minute),
		CompletedAt:      &completedAt,
	}}
	handler := &httpHandler{uploads: service, logger: zap.NewNop()}
	context, recorder := newTestContext(http.MethodGet, "/uploads/status?deferred_upload_id=44", "")

	handler.handleDeferredStatus(context)

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d", recorder.Code)
	}
	if service.statusQuery.DeferredUploadID == nil || *service.statusQuery.DeferredUploadID != 44 {
		testContext.Fatalf("unexpected query %#v", service.statusQuery)
	}
	payload := decodePayload(testContext, recorder)
	if payload["status"] != string(files.DeferredStatusCompleted) || payload["completed_at_s"] != float64(completedAt.Unix()) {
		testContext.Fatalf("unexpected payload %v", payload)
	}
}

func TestHandleUploadDeletionBindsBody(testContext *testing.T) {
	service := &stubUploadsService{}
	handler := &httpHandler{uploads: service, logger: zap.NewNop()}
	context, recorder := newTestContext(http.MethodPost, "/files/delete", `{"sharing_group_uuid":"sg","file_group_uuid":"group"}`)
	context.Request.Header.Set("Content-Type", "application/json")

	handler.handleUploadDeletion(context)

	if recorder.Code != http.StatusOK {
		testContext.Fatalf("unexpected status %d", recorder.Code)
	}
	if service.deleteRequest.SharingGroupUUID != "sg" || service.deleteRequest.FileGroupUUID != "group" {
		testContext.Fatalf("unexpected deletion request %#v", service.deleteRequest)
	}
}

func TestNewHTTPHandlerRequiresDependencies(testContext *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{Uploads: &stubUploadsService{}, Realtime: NewRealtimeDispatcher()}); !errors.Is(err, errMissingTokenValidator) {
		testContext.Fatalf("expected missing token validator error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Tokens: stubTokenValidator{}, Realtime: NewRealtimeDispatcher()}); !errors.Is(err, errMissingUploadsService) {
		testContext.Fatalf("expected missing uploads service error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Tokens: stubTokenValidator{}, Uploads: &stubUploadsService{}}); !errors.Is(err, errMissingRealtime) {
		testContext.Fatalf("expected missing realtime error, got %v", err)
	}
}
