package files

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidFileUUID indicates that a file identifier is not a UUID.
	ErrInvalidFileUUID = errors.New("files: invalid file uuid")
	// ErrInvalidFileGroupUUID indicates that a file group identifier is not a UUID.
	ErrInvalidFileGroupUUID = errors.New("files: invalid file group uuid")
	// ErrInvalidSharingGroupUUID indicates that a sharing group identifier is not a UUID.
	ErrInvalidSharingGroupUUID = errors.New("files: invalid sharing group uuid")
	// ErrInvalidDeviceUUID indicates that a device identifier is not a UUID.
	ErrInvalidDeviceUUID = errors.New("files: invalid device uuid")
	// ErrInvalidBatchUUID indicates that a batch identifier is not a UUID.
	ErrInvalidBatchUUID = errors.New("files: invalid batch uuid")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("files: invalid user id")
)

func parseUUID(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", sentinel, err)
	}
	return strings.ToUpper(parsed.String()), nil
}

// FileUUID is a validated, upper-cased file identifier.
type FileUUID string

// NewFileUUID validates raw input and returns a FileUUID.
func NewFileUUID(rawInput string) (FileUUID, error) {
	value, err := parseUUID(rawInput, ErrInvalidFileUUID)
	return FileUUID(value), err
}

func (id FileUUID) String() string {
	return string(id)
}

// FileGroupUUID is a validated file group identifier.
type FileGroupUUID string

// NewFileGroupUUID validates raw input and returns a FileGroupUUID.
func NewFileGroupUUID(rawInput string) (FileGroupUUID, error) {
	value, err := parseUUID(rawInput, ErrInvalidFileGroupUUID)
	return FileGroupUUID(value), err
}

func (id FileGroupUUID) String() string {
	return string(id)
}

// SharingGroupUUID is a validated sharing group identifier.
type SharingGroupUUID string

// NewSharingGroupUUID validates raw input and returns a SharingGroupUUID.
func NewSharingGroupUUID(rawInput string) (SharingGroupUUID, error) {
	value, err := parseUUID(rawInput, ErrInvalidSharingGroupUUID)
	return SharingGroupUUID(value), err
}

func (id SharingGroupUUID) String() string {
	return string(id)
}

// DeviceUUID is a validated device identifier.
type DeviceUUID string

// NewDeviceUUID validates raw input and returns a DeviceUUID.
func NewDeviceUUID(rawInput string) (DeviceUUID, error) {
	value, err := parseUUID(rawInput, ErrInvalidDeviceUUID)
	return DeviceUUID(value), err
}

func (id DeviceUUID) String() string {
	return string(id)
}

// BatchUUID is a validated upload batch identifier.
type BatchUUID string

// NewBatchUUID validates raw input and returns a BatchUUID.
func NewBatchUUID(rawInput string) (BatchUUID, error) {
	value, err := parseUUID(rawInput, ErrInvalidBatchUUID)
	return BatchUUID(value), err
}

func (id BatchUUID) String() string {
	return string(id)
}

// UserID is a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

func (id UserID) String() string {
	return string(id)
}
