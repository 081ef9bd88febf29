package files

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/dbretry"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("files: record not found")
	// ErrVersionMoved is returned when a file's version changed under an optimistic update.
	ErrVersionMoved = errors.New("files: file version moved")
	// ErrDuplicateLabel is returned when a staged part collides on its file group label.
	ErrDuplicateLabel = errors.New("files: file label already staged in group")

	errMissingDatabase = errors.New("files: database handle is required")
)

// Store bundles the repositories over one database handle. Every repository call made
// without a transaction, and every Transaction, runs under the retry policy.
type Store struct {
	db     *gorm.DB
	policy dbretry.Policy

	FileIndex     *FileIndexRepository
	FileGroups    *FileGroupRepository
	Uploads       *UploadRepository
	Deferred      *DeferredUploadRepository
	StaleVersions *StaleVersionRepository
	ClientUI      *ClientUIRepository
	Leases        *LeaseRepository
}

// NewStore builds the repositories.
func NewStore(db *gorm.DB, policy dbretry.Policy) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	exec := executor{db: db, policy: policy}
	return &Store{
		db:            db,
		policy:        policy,
		FileIndex:     &FileIndexRepository{executor: exec},
		FileGroups:    &FileGroupRepository{executor: exec},
		Uploads:       &UploadRepository{executor: exec},
		Deferred:      &DeferredUploadRepository{executor: exec},
		StaleVersions: &StaleVersionRepository{executor: exec},
		ClientUI:      &ClientUIRepository{executor: exec},
		Leases:        &LeaseRepository{executor: exec},
	}, nil
}

// Transaction runs fn in one retryable transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.policy.Transaction(ctx, s.db, fn)
}

// Policy exposes the retry policy for callers composing their own operations.
func (s *Store) Policy() dbretry.Policy {
	return s.policy
}

type executor struct {
	db     *gorm.DB
	policy dbretry.Policy
}

// run executes fn against tx when one is supplied (the enclosing transaction owns
// retries) or against the base handle under the retry policy.
func (e executor) run(ctx context.Context, tx *gorm.DB, fn func(conn *gorm.DB) error) error {
	if tx != nil {
		return fn(tx)
	}
	return e.policy.Do(ctx, func(attemptCtx context.Context) error {
		return fn(e.db.WithContext(attemptCtx))
	})
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
