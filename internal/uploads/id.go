package uploads

import (
	"strings"

	"github.com/google/uuid"
)

// IDProvider issues identifiers for server-generated batches.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues upper-cased UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return strings.ToUpper(value.String()), nil
}
