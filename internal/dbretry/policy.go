// Package dbretry applies a bounded retry policy to storage operations that fail
// with deadlocks, lock-wait timeouts or busy databases.
package dbretry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 50 * time.Millisecond
	defaultMaxDelay   = 2 * time.Second
)

// ErrRetriesExhausted marks a transient storage failure that persisted past the retry budget.
var ErrRetriesExhausted = errors.New("dbretry: retries exhausted")

var (
	errMissingDatabase = errors.New("dbretry: database handle is required")

	// Postgres SQLSTATE codes: deadlock_detected, serialization_failure, lock_not_available.
	transientSQLStates = map[string]struct{}{
		"40P01": {},
		"40001": {},
		"55P03": {},
	}

	transientMarkers = []string{
		"database is locked",
		"database table is locked",
		"sqlite_busy",
		"deadlock",
		"lock wait timeout",
	}
)

// Policy describes how many times and how fast a failing operation is retried.
type Policy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Retryable  func(error) bool
}

// DefaultPolicy retries transient storage errors five times with exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: defaultMaxRetries,
		BaseDelay:  defaultBaseDelay,
		MaxDelay:   defaultMaxDelay,
		Retryable:  IsTransient,
	}
}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = defaultMaxDelay
		if p.MaxDelay < p.BaseDelay {
			p.MaxDelay = p.BaseDelay
		}
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

func (p Policy) backoff() retry.Backoff {
	backoff := retry.NewExponential(p.BaseDelay)
	backoff = retry.WithCappedDuration(p.MaxDelay, backoff)
	return retry.WithMaxRetries(p.MaxRetries, backoff)
}

// Do runs operation, retrying it while it fails with a retryable error.
// A retryable error that survives every attempt is wrapped with ErrRetriesExhausted.
func (p Policy) Do(ctx context.Context, operation func(context.Context) error) error {
	policy := p.normalized()
	err := retry.Do(ctx, policy.backoff(), func(attemptCtx context.Context) error {
		err := operation(attemptCtx)
		if err != nil && policy.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && policy.Retryable(err) {
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}
	return err
}

// Transaction runs fn inside a database transaction, re-running the whole
// transaction when it aborts with a retryable error.
func (p Policy) Transaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	if db == nil {
		return errMissingDatabase
	}
	return p.Do(ctx, func(attemptCtx context.Context) error {
		return db.WithContext(attemptCtx).Transaction(fn)
	})
}

// IsTransient reports whether err is a deadlock, lock timeout or busy-database failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		_, ok := transientSQLStates[pgErr.Code]
		return ok
	}
	message := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
