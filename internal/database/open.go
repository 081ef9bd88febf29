package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/sharing"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options selects the database to open.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open establishes the configured connection and performs schema migrations.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(options.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	var dialector gorm.Dialector
	target := ""
	switch driver {
	case DriverSQLite:
		if options.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		dialector = sqlite.Open(options.Path)
		target = options.Path
	case DriverPostgres:
		if options.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		dialector = postgres.Open(options.DSN)
		target = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("driver", driver), zap.String("target", target))
	}

	return db, nil
}

// Migrate creates every table and applies pending one-shot migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(files.Models(), sharing.Models()...)
	models = append(models, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
