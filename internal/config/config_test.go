package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		testContext.Fatalf("unexpected load error: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != defaultDatabasePath {
		testContext.Fatalf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Storage.Backend != "disk" || cfg.Storage.DiskRoot != defaultDiskRoot {
		testContext.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Uploader.StaleRetention != 24*time.Hour {
		testContext.Fatalf("expected one day stale retention, got %s", cfg.Uploader.StaleRetention)
	}
	if cfg.Uploader.RetryAttempts != defaultRetryAttempts {
		testContext.Fatalf("unexpected retry attempts %d", cfg.Uploader.RetryAttempts)
	}
	if cfg.MaxUploadBytes != defaultMaxUploadBytes {
		testContext.Fatalf("unexpected upload limit %d", cfg.MaxUploadBytes)
	}
	if cfg.Auth.TokenTTL != time.Hour {
		testContext.Fatalf("unexpected token ttl %s", cfg.Auth.TokenTTL)
	}
}

func TestLoadRejectsInvalidConfiguration(testContext *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		want     string
	}{
		{name: "missing secret", settings: map[string]any{}, want: "auth.signing_secret"},
		{name: "postgres without dsn", settings: map[string]any{"auth.signing_secret": "s", "database.driver": "postgres"}, want: "database.dsn"},
		{name: "unknown driver", settings: map[string]any{"auth.signing_secret": "s", "database.driver": "oracle"}, want: "database.driver"},
		{name: "s3 without bucket", settings: map[string]any{"auth.signing_secret": "s", "storage.backend": "s3"}, want: "storage.s3.bucket"},
		{name: "zero upload limit", settings: map[string]any{"auth.signing_secret": "s", "http.max_upload_bytes": 0}, want: "http.max_upload_bytes"},
		{name: "zero lease", settings: map[string]any{"auth.signing_secret": "s", "uploader.lease_ttl": "0s"}, want: "uploader.interval"},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), testCase.want) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.want, err)
			}
		})
	}
}
