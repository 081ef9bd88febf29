package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedUploaderLease     = "2026-09-14_seed_uploader_lease"
	migrationReleaseOrphanedClaims = "2026-10-02_release_orphaned_upload_claims"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedUploaderLease, apply: seedUploaderLease},
		{name: migrationReleaseOrphanedClaims, apply: releaseOrphanedUploadClaims},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func seedUploaderLease(db *gorm.DB) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&files.UploaderLease{Name: files.UploaderLeaseName}).Error
}

// Upload rows stamped with a deferred_upload_id whose queue entry no longer exists
// can never be consumed; return them to the staging area so batch expiry cleans them.
func releaseOrphanedUploadClaims(db *gorm.DB) error {
	return db.Model(&files.Upload{}).
		Where("deferred_upload_id IS NOT NULL AND deferred_upload_id NOT IN (?)",
			db.Model(&files.DeferredUpload{}).Select("deferred_upload_id")).
		Update("deferred_upload_id", nil).Error
}
