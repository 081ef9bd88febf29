package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/filesync/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/config"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/database"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/dbretry"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/files"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/resolvers"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/server"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/sharing"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/staleversions"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/uploader"
	"github.com/MarcoPoloResearchLab/filesync/backend/internal/uploads"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	blobFolderPrefix = "users"
	shutdownTimeout  = 10 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "filesync-api",
		Short: "Multi-device file sync backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand(), newMembersCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().Int64("max-upload-bytes", defaults.GetInt64("http.max_upload_bytes"), "Largest accepted upload body in bytes")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("storage-backend", defaults.GetString("storage.backend"), "Blob storage backend (disk, s3)")
	cmd.PersistentFlags().String("storage-disk-root", defaults.GetString("storage.disk.root"), "Root directory of the disk backend")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().Duration("uploader-interval", defaults.GetDuration("uploader.interval"), "Interval between scheduled uploader runs")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.max_upload_bytes", "max-upload-bytes")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "storage.backend", "storage-backend")
	bindFlag(cmd, "storage.disk.root", "storage-disk-root")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "uploader.interval", "uploader-interval")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func openDatabase(appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.Open(database.Options{
		Driver: appConfig.Database.Driver,
		Path:   appConfig.Database.Path,
		DSN:    appConfig.Database.DSN,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeDB, err := openDatabase(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	retryPolicy := dbretry.DefaultPolicy()
	retryPolicy.MaxRetries = appConfig.Uploader.RetryAttempts
	retryPolicy.BaseDelay = appConfig.Uploader.RetryBaseDelay
	store, err := files.NewStore(db, retryPolicy)
	if err != nil {
		return err
	}

	blobStore, err := cloudstore.DefaultRegistry().Open(ctx, appConfig.Storage.Backend, cloudstore.BackendConfig{
		DiskRoot: appConfig.Storage.DiskRoot,
		S3: cloudstore.S3Config{
			Bucket:    appConfig.Storage.S3Bucket,
			Region:    appConfig.Storage.S3Region,
			Endpoint:  appConfig.Storage.S3Endpoint,
			AccessKey: appConfig.Storage.S3AccessKey,
			SecretKey: appConfig.Storage.S3SecretKey,
			PathStyle: appConfig.Storage.S3PathStyle,
		},
	})
	if err != nil {
		return err
	}
	accounts := cloudstore.NewSharedAccounts(blobStore, blobFolderPrefix)
	registry := resolvers.DefaultRegistry()

	membership, err := sharing.NewService(sharing.ServiceConfig{Database: db})
	if err != nil {
		return err
	}
	stale, err := staleversions.NewRegistry(staleversions.Config{
		Store:     store,
		Accounts:  accounts,
		Retention: appConfig.Uploader.StaleRetention,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	worker, err := uploader.New(uploader.Config{
		Store:           store,
		Resolvers:       registry,
		Accounts:        accounts,
		StaleVersions:   stale,
		Owners:          membership,
		Notifier:        dispatcher,
		LeaseTTL:        appConfig.Uploader.LeaseTTL,
		InformRetention: appConfig.Uploader.InformRetention,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	uploadsService, err := uploads.NewService(uploads.ServiceConfig{
		Store:           store,
		Resolvers:       registry,
		Accounts:        accounts,
		Membership:      membership,
		StaleVersions:   stale,
		Trigger:         worker,
		IDProvider:      uploads.NewUUIDProvider(),
		MaxBatchExpiry:  appConfig.MaxBatchExpiry,
		InformRetention: appConfig.Uploader.InformRetention,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	tokens, err := newTokens(appConfig)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:         tokens,
		Uploads:        uploadsService,
		Realtime:       dispatcher,
		MaxUploadBytes: appConfig.MaxUploadBytes,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduleDone := make(chan struct{})
	go func() {
		defer close(scheduleDone)
		worker.Schedule(signalCtx, appConfig.Uploader.Interval)
	}()
	worker.Trigger(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.String("uploader_holder", worker.Holder()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		<-scheduleDone
		return shutdownErr
	case err := <-errCh:
		stop()
		<-scheduleDone
		return err
	}
}

func newTokens(appConfig config.AppConfig) (*auth.Tokens, error) {
	return auth.NewTokens(auth.TokenConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		Audience:      appConfig.Auth.Audience,
		TokenTTL:      appConfig.Auth.TokenTTL,
	})
}
