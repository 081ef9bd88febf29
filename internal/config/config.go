package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "FILESYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabasePath    = "filesync.db"
	defaultLogLevel        = "info"
	defaultLogEncoding     = "json"
	defaultAuthIssuer      = "filesync-auth"
	defaultAuthAudience    = "filesync-api"
	defaultTokenTTLMinutes = 60
	defaultStorageBackend  = "disk"
	defaultDiskRoot        = "blobs"
	defaultS3Region        = "us-east-1"
	defaultUploaderEvery   = time.Minute
	defaultLeaseTTL        = 2 * time.Minute
	defaultStaleRetention  = 24 * time.Hour
	defaultInformRetention = 24 * time.Hour
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 50 * time.Millisecond
	defaultMaxBatchExpiry  = 24 * time.Hour
	defaultMaxUploadBytes  = 64 << 20
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	MaxUploadBytes int64
	LogLevel       string
	LogEncoding    string
	Database       DatabaseConfig
	Auth           AuthConfig
	Storage        StorageConfig
	Uploader       UploaderConfig
	MaxBatchExpiry time.Duration
}

// DatabaseConfig selects the gorm dialector.
type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

// AuthConfig describes bearer token signing.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
	Backend     string
	DiskRoot    string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool
}

// UploaderConfig tunes the deferred upload worker.
type UploaderConfig struct {
	Interval        time.Duration
	LeaseTTL        time.Duration
	StaleRetention  time.Duration
	InformRetention time.Duration
	RetryAttempts   uint64
	RetryBaseDelay  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.max_upload_bytes", defaultMaxUploadBytes)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("storage.disk.root", defaultDiskRoot)
	configViper.SetDefault("storage.s3.region", defaultS3Region)
	configViper.SetDefault("storage.s3.path_style", true)
	configViper.SetDefault("uploader.interval", defaultUploaderEvery)
	configViper.SetDefault("uploader.lease_ttl", defaultLeaseTTL)
	configViper.SetDefault("uploader.stale_retention", defaultStaleRetention)
	configViper.SetDefault("uploader.inform_retention", defaultInformRetention)
	configViper.SetDefault("uploader.retry_attempts", defaultRetryAttempts)
	configViper.SetDefault("uploader.retry_base_delay", defaultRetryBaseDelay)
	configViper.SetDefault("uploads.max_batch_expiry", defaultMaxBatchExpiry)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		MaxUploadBytes: configViper.GetInt64("http.max_upload_bytes"),
		LogLevel:       configViper.GetString("log.level"),
		LogEncoding:    configViper.GetString("log.encoding"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			Audience:      configViper.GetString("auth.audience"),
			TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		},
		Storage: StorageConfig{
			Backend:     strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
			DiskRoot:    configViper.GetString("storage.disk.root"),
			S3Bucket:    configViper.GetString("storage.s3.bucket"),
			S3Region:    configViper.GetString("storage.s3.region"),
			S3Endpoint:  configViper.GetString("storage.s3.endpoint"),
			S3AccessKey: configViper.GetString("storage.s3.access_key"),
			S3SecretKey: configViper.GetString("storage.s3.secret_key"),
			S3PathStyle: configViper.GetBool("storage.s3.path_style"),
		},
		Uploader: UploaderConfig{
			Interval:        configViper.GetDuration("uploader.interval"),
			LeaseTTL:        configViper.GetDuration("uploader.lease_ttl"),
			StaleRetention:  configViper.GetDuration("uploader.stale_retention"),
			InformRetention: configViper.GetDuration("uploader.inform_retention"),
			RetryAttempts:   configViper.GetUint64("uploader.retry_attempts"),
			RetryBaseDelay:  configViper.GetDuration("uploader.retry_base_delay"),
		},
		MaxBatchExpiry: configViper.GetDuration("uploads.max_batch_expiry"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	switch c.Storage.Backend {
	case "disk":
		if strings.TrimSpace(c.Storage.DiskRoot) == "" {
			return fmt.Errorf("storage.disk.root is required")
		}
	case "s3":
		if strings.TrimSpace(c.Storage.S3Bucket) == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("http.max_upload_bytes must be positive")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.Uploader.Interval <= 0 || c.Uploader.LeaseTTL <= 0 {
		return fmt.Errorf("uploader.interval and uploader.lease_ttl must be positive")
	}
	if c.Uploader.StaleRetention <= 0 || c.Uploader.InformRetention <= 0 {
		return fmt.Errorf("uploader retention windows must be positive")
	}
	if c.MaxBatchExpiry <= 0 {
		return fmt.Errorf("uploads.max_batch_expiry must be positive")
	}
	return nil
}
