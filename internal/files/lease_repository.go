package files

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UploaderLeaseName is the single lease serializing every Uploader run.
const UploaderLeaseName = "deferred-uploads"

// LeaseRepository implements an expiring exclusive claim on a named row.
// A holder that crashes stops renewing and the claim lapses at its expiry.
type LeaseRepository struct {
	executor
}

// Ensure creates the lease row when it does not exist yet.
func (r *LeaseRepository) Ensure(ctx context.Context, name string) error {
	return r.run(ctx, nil, func(conn *gorm.DB) error {
		return conn.Clauses(clause.OnConflict{DoNothing: true}).Create(&UploaderLease{Name: name}).Error
	})
}

// Acquire claims the lease for holder until expiresAtMillis when it is free,
// expired, or already held by holder. The conditional update is atomic.
func (r *LeaseRepository) Acquire(ctx context.Context, name, holder string, nowMillis, expiresAtMillis int64) (bool, error) {
	if err := r.Ensure(ctx, name); err != nil {
		return false, err
	}
	var acquired bool
	err := r.run(ctx, nil, func(conn *gorm.DB) error {
		result := conn.Model(&UploaderLease{}).
			Where("name = ? AND (holder = ? OR holder = ? OR expires_at_ms < ?)", name, "", holder, nowMillis).
			Updates(map[string]any{
				"holder":        holder,
				"expires_at_ms": expiresAtMillis,
				"acquired_at_s": nowMillis / 1000,
			})
		if result.Error != nil {
			return result.Error
		}
		acquired = result.RowsAffected == 1
		return nil
	})
	return acquired, err
}

// Renew extends a lease still held by holder. It reports false when the lease was lost.
func (r *LeaseRepository) Renew(ctx context.Context, name, holder string, expiresAtMillis int64) (bool, error) {
	var renewed bool
	err := r.run(ctx, nil, func(conn *gorm.DB) error {
		result := conn.Model(&UploaderLease{}).
			Where("name = ? AND holder = ?", name, holder).
			Update("expires_at_ms", expiresAtMillis)
		if result.Error != nil {
			return result.Error
		}
		renewed = result.RowsAffected == 1
		return nil
	})
	return renewed, err
}

// Release frees a lease held by holder.
func (r *LeaseRepository) Release(ctx context.Context, name, holder string) error {
	return r.run(ctx, nil, func(conn *gorm.DB) error {
		return conn.Model(&UploaderLease{}).
			Where("name = ? AND holder = ?", name, holder).
			Updates(map[string]any{
				"holder":        "",
				"expires_at_ms": 0,
			}).Error
	})
}

// Lookup returns the lease row.
func (r *LeaseRepository) Lookup(ctx context.Context, name string) (UploaderLease, error) {
	var lease UploaderLease
	err := r.run(ctx, nil, func(conn *gorm.DB) error {
		return conn.Where("name = ?", name).Take(&lease).Error
	})
	return lease, notFound(err)
}
