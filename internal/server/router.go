package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/dbretry"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/uploads"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "filesync_user_id"
	deviceUUIDHeader         = "X-Device-UUID"
	checksumHeader           = "X-Checksum"
	fileVersionHeader        = "X-File-Version"
	appMetaDataHeader        = "X-App-Meta-Data"
	contentsChangedHeader    = "X-Contents-Changed"
	defaultHeartbeatInterval = 25 * time.Second
	defaultMaxUploadBytes    = 64 << 20
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingUploadsService = errors.New("uploads service dependency required")
	errMissingRealtime       = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	Validate(token string) (string, error)
}

// UploadsService is the request-time surface of the uploads package.
type UploadsService interface {
	UploadFile(ctx context.Context, request uploads.UploadRequest) (uploads.UploadResponse, error)
	UploadDeletion(ctx context.Context, request uploads.DeletionRequest) (uploads.DeletionResponse, error)
	DownloadFile(ctx context.Context, request uploads.DownloadRequest) (uploads.DownloadResponse, error)
	GetDeferredStatus(ctx context.Context, userID string, query uploads.StatusQuery) (uploads.DeferredStatusResult, error)
	FileIndex(ctx context.Context, userID, sharingGroupUUID string) ([]uploads.FileSummary, error)
}

type Dependencies struct {
	Tokens            TokenValidator
	Uploads           UploadsService
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	MaxUploadBytes    int64
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Uploads == nil {
		return nil, errMissingUploadsService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	maxUploadBytes := deps.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:         deps.Tokens,
		uploads:        deps.Uploads,
		realtime:       deps.Realtime,
		heartbeat:      heartbeat,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/files/upload", handler.handleUploadFile)
	protected.POST("/files/delete", handler.handleUploadDeletion)
	protected.GET("/files/download", handler.handleDownloadFile)
	protected.GET("/files/index", handler.handleFileIndex)
	protected.GET("/uploads/status", handler.handleDeferredStatus)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", deviceUUIDHeader},
		ExposeHeaders:    []string{checksumHeader, fileVersionHeader, appMetaDataHeader, contentsChangedHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens         TokenValidator
	uploads        UploadsService
	realtime       *RealtimeDispatcher
	heartbeat      time.Duration
	maxUploadBytes int64
	logger         *zap.Logger
}

type uploadResponsePayload struct {
	Status           string `json:"status"`
	DeferredUploadID *int64 `json:"deferred_upload_id,omitempty"`
}

func (h *httpHandler) handleUploadFile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	uploadIndex, err := parseInt32Query(c, "upload_index")
	if err != nil {
		writeInvalidRequest(c, "upload_index")
		return
	}
	uploadCount, err := parseInt32Query(c, "upload_count")
	if err != nil {
		writeInvalidRequest(c, "upload_count")
		return
	}
	expirySeconds, err := parseInt64Query(c, "batch_expiry_interval_s")
	if err != nil {
		writeInvalidRequest(c, "batch_expiry_interval_s")
		return
	}
	informAllButSelf := false
	if raw := strings.TrimSpace(c.Query("inform_all_but_self")); raw != "" {
		informAllButSelf, err = strconv.ParseBool(raw)
		if err != nil {
			writeInvalidRequest(c, "inform_all_but_self")
			return
		}
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large", "limit": tooLarge.Limit})
			return
		}
		writeInvalidRequest(c, "body")
		return
	}

	response, err := h.uploads.UploadFile(c.Request.Context(), uploads.UploadRequest{
		UserID:              userID,
		DeviceUUID:          c.GetHeader(deviceUUIDHeader),
		SharingGroupUUID:    c.Query("sharing_group_uuid"),
		FileUUID:            c.Query("file_uuid"),
		FileGroupUUID:       c.Query("file_group_uuid"),
		FileLabel:           c.Query("file_label"),
		ObjectType:          c.Query("object_type"),
		MimeType:            c.Query("mime_type"),
		ChangeResolverName:  c.Query("change_resolver_name"),
		CheckSum:            c.Query("check_sum"),
		AppMetaData:         c.Query("app_meta_data"),
		BatchUUID:           c.Query("batch_uuid"),
		BatchExpiryInterval: time.Duration(expirySeconds) * time.Second,
		UploadIndex:         uploadIndex,
		UploadCount:         uploadCount,
		InformAllButSelf:    informAllButSelf,
		Payload:             payload,
	})
	if err != nil {
		h.writeServiceError(c, "upload file", err)
		return
	}
	c.JSON(http.StatusOK, uploadResponsePayload{
		Status:           string(response.Status),
		DeferredUploadID: response.DeferredUploadID,
	})
}

type deletionRequestPayload struct {
	SharingGroupUUID string `json:"sharing_group_uuid"`
	FileGroupUUID    string `json:"file_group_uuid"`
	FileUUID         string `json:"file_uuid"`
}

type deletionResponsePayload struct {
	AlreadyDeleted   bool   `json:"already_deleted"`
	DeferredUploadID *int64 `json:"deferred_upload_id,omitempty"`
}

func (h *httpHandler) handleUploadDeletion(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request deletionRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	response, err := h.uploads.UploadDeletion(c.Request.Context(), uploads.DeletionRequest{
		UserID:           userID,
		DeviceUUID:       c.GetHeader(deviceUUIDHeader),
		SharingGroupUUID: request.SharingGroupUUID,
		FileGroupUUID:    request.FileGroupUUID,
		FileUUID:         request.FileUUID,
	})
	if err != nil {
		h.writeServiceError(c, "upload deletion", err)
		return
	}
	c.JSON(http.StatusOK, deletionResponsePayload{
		AlreadyDeleted:   response.AlreadyDeleted,
		DeferredUploadID: response.DeferredUploadID,
	})
}

func (h *httpHandler) handleDownloadFile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	fileVersion, err := strconv.ParseInt(strings.TrimSpace(c.Query("file_version")), 10, 64)
	if err != nil {
		writeInvalidRequest(c, "file_version")
		return
	}

	response, err := h.uploads.DownloadFile(c.Request.Context(), uploads.DownloadRequest{
		UserID:           userID,
		SharingGroupUUID: c.Query("sharing_group_uuid"),
		FileUUID:         c.Query("file_uuid"),
		FileVersion:      fileVersion,
	})
	if err != nil {
		h.writeServiceError(c, "download file", err)
		return
	}

	c.Header(checksumHeader, response.CheckSum)
	c.Header(fileVersionHeader, strconv.FormatInt(response.FileVersion, 10))
	c.Header(appMetaDataHeader, response.AppMetaData)
	c.Header(contentsChangedHeader, strconv.FormatBool(response.ContentsChanged))
	contentType := response.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, response.Contents)
}

type fileSummaryPayload struct {
	FileUUID           string `json:"file_uuid"`
	FileGroupUUID      string `json:"file_group_uuid,omitempty"`
	FileLabel          string `json:"file_label,omitempty"`
	ObjectType         string `json:"object_type,omitempty"`
	MimeType           string `json:"mime_type"`
	ChangeResolverName string `json:"change_resolver_name,omitempty"`
	AppMetaData        string `json:"app_meta_data,omitempty"`
	CheckSum           string `json:"check_sum"`
	DeviceUUID         string `json:"device_uuid"`
	FileVersion        int64  `json:"file_version"`
	Deleted            bool   `json:"deleted"`
	Inform             bool   `json:"inform"`
	CreatedAtSeconds   int64  `json:"created_at_s"`
	UpdatedAtSeconds   int64  `json:"updated_at_s"`
}

func (h *httpHandler) handleFileIndex(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	summaries, err := h.uploads.FileIndex(c.Request.Context(), userID, c.Query("sharing_group_uuid"))
	if err != nil {
		h.writeServiceError(c, "file index", err)
		return
	}

	payload := make([]fileSummaryPayload, 0, len(summaries))
	for _, summary := range summaries {
		payload = append(payload, fileSummaryPayload{
			FileUUID:           summary.FileUUID,
			FileGroupUUID:      summary.FileGroupUUID,
			FileLabel:          summary.FileLabel,
			ObjectType:         summary.ObjectType,
			MimeType:           summary.MimeType,
			ChangeResolverName: summary.ChangeResolverName,
			AppMetaData:        summary.AppMetaData,
			CheckSum:           summary.CheckSum,
			DeviceUUID:         summary.DeviceUUID,
			FileVersion:        summary.FileVersion,
			Deleted:            summary.Deleted,
			Inform:             summary.Inform,
			CreatedAtSeconds:   summary.CreationDate.Unix(),
			UpdatedAtSeconds:   summary.UpdateDate.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"files": payload})
}

type deferredStatusPayload struct {
	DeferredUploadID   int64  `json:"deferred_upload_id"`
	Status             string `json:"status"`
	ErrorMessage       string `json:"error_message,omitempty"`
	BatchUUID          string `json:"batch_uuid,omitempty"`
	FileGroupUUID      string `json:"file_group_uuid,omitempty"`
	CreatedAtSeconds   int64  `json:"created_at_s"`
	CompletedAtSeconds *int64 `json:"completed_at_s,omitempty"`
}

func (h *httpHandler) handleDeferredStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	query := uploads.StatusQuery{BatchUUID: c.Query("batch_uuid")}
	if raw := strings.TrimSpace(c.Query("deferred_upload_id")); raw != "" {
		deferredUploadID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeInvalidRequest(c, "deferred_upload_id")
			return
		}
		query.DeferredUploadID = &deferredUploadID
	}

	result, err := h.uploads.GetDeferredStatus(c.Request.Context(), userID, query)
	if err != nil {
		h.writeServiceError(c, "deferred status", err)
		return
	}

	payload := deferredStatusPayload{
		DeferredUploadID: result.DeferredUploadID,
		Status:           string(result.Status),
		ErrorMessage:     result.ErrorMessage,
		BatchUUID:        result.BatchUUID,
		FileGroupUUID:    result.FileGroupUUID,
		CreatedAtSeconds: result.CreatedAt.Unix(),
	}
	if result.CompletedAt != nil {
		completedAt := result.CompletedAt.Unix()
		payload.CompletedAtSeconds = &completedAt
	}
	c.JSON(http.StatusOK, payload)
}

type realtimeEventPayload struct {
	DeferredUploadID int64  `json:"deferredUploadId"`
	Status           string `json:"status"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	SharingGroupUUID string `json:"sharingGroupUuid"`
	FileGroupUUID    string `json:"fileGroupUuid,omitempty"`
	BatchUUID        string `json:"batchUuid,omitempty"`
	Timestamp        string `json:"timestamp"`
	Source           string `json:"source"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ctx := c.Request.Context()

	stream, cleanup := h.realtime.Subscribe(ctx, userID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				DeferredUploadID: message.DeferredUploadID,
				Status:           string(message.Status),
				ErrorMessage:     message.ErrorMessage,
				SharingGroupUUID: message.SharingGroupUUID,
				FileGroupUUID:    message.FileGroupUUID,
				BatchUUID:        message.BatchUUID,
				Timestamp:        message.Timestamp.Format(time.RFC3339Nano),
				Source:           realtimeSourceBackend,
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"timestamp": tick.UTC().Format(time.RFC3339Nano),
				"source":    realtimeSourceBackend,
			})
			return true
		}
	})
}

// authorizeRequest accepts a bearer header, or an access_token query parameter for
// EventSource clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) writeServiceError(c *gin.Context, operation string, err error) {
	var validationErr *uploads.ValidationError
	var conflictErr *uploads.ConflictError
	var goneErr *uploads.GoneError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid_request",
			"field":  validationErr.Field,
			"reason": validationErr.Reason,
		})
	case errors.Is(err, uploads.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, uploads.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":        "conflict",
			"reason":       string(conflictErr.Reason),
			"file_uuid":    conflictErr.FileUUID,
			"file_version": conflictErr.FileVersion,
		})
	case errors.As(err, &goneErr):
		c.JSON(http.StatusGone, gin.H{
			"error":         "gone",
			"gone":          string(goneErr.Reason),
			"file_uuid":     goneErr.FileUUID,
			"app_meta_data": goneErr.AppMetaData,
		})
	case errors.Is(err, dbretry.ErrRetriesExhausted):
		h.logger.Warn("storage unavailable", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorPayload("unavailable", err))
	default:
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload("internal_error", err))
	}
}

func errorPayload(errorCode string, err error) gin.H {
	payload := gin.H{"error": errorCode}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		payload["code"] = coded.Code()
	}
	return payload
}

func writeInvalidRequest(c *gin.Context, field string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "field": field})
}

func parseInt32Query(c *gin.Context, name string) (int32, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(value), nil
}

func parseInt64Query(c *gin.Context, name string) (int64, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
