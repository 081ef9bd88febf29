package uploads

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing file, file group or deferred upload, including
	// ones that exist but belong to another user.
	ErrNotFound = errors.New("uploads: not found")
	// ErrForbidden reports a user acting on a sharing group they do not belong to.
	ErrForbidden = errors.New("uploads: forbidden")

	errMissingStore      = errors.New("files store is required")
	errMissingResolvers  = errors.New("resolver registry is required")
	errMissingAccounts   = errors.New("cloud accounts are required")
	errMissingMembership = errors.New("membership checker is required")
	errMissingStale      = errors.New("stale version registry is required")
)

// ServiceError carries an operation.reason code for failures that are not part of
// the request taxonomy (storage failures, exhausted retries, cloud outages).
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
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ValidationError rejects a malformed request. Nothing was mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictReason classifies a ConflictError.
type ConflictReason string

const (
	ConflictLabelCollision    ConflictReason = "label_collision"
	ConflictMixedFileGroups   ConflictReason = "mixed_file_groups"
	ConflictInconsistentBatch ConflictReason = "inconsistent_batch"
)

// ConflictError reports a request that collides with existing state. FileUUID and
// FileVersion name the colliding file when there is one.
type ConflictError struct {
	Reason      ConflictReason
	FileUUID    string
	FileVersion int64
}

func (e *ConflictError) Error() string {
	if e.FileUUID == "" {
		return fmt.Sprintf("conflict: %s", e.Reason)
	}
	return fmt.Sprintf("conflict: %s with file %s at version %d", e.Reason, e.FileUUID, e.FileVersion)
}

// GoneReason classifies a GoneError.
type GoneReason string

const (
	GoneFileRemovedOrRenamed      GoneReason = "file_removed_or_renamed"
	GoneAuthTokenExpiredOrRevoked GoneReason = "auth_token_expired_or_revoked"
	GoneVersionExpired            GoneReason = "version_expired"
)

// GoneError reports a file that can no longer be served. AppMetaData carries the
// last known application metadata so clients can still reconcile.
type GoneError struct {
	Reason      GoneReason
	FileUUID    string
	AppMetaData string
}

func (e *GoneError) Error() string {
	return fmt.Sprintf("gone: %s: %s", e.Reason, e.FileUUID)
}
