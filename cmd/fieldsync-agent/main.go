package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/muhammadhilmi007/samudra-fieldsync/internal/attach"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/auth"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/config"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/conflict"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/database"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/engine"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/logging"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/outbox"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/pull"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/push"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/record"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/server"
	"github.com/muhammadhilmi007/samudra-fieldsync/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fieldsync-agent",
		Short: "Samudra field-device sync agent",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Control API listen address")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote sync server base URL")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("attachment-dir", defaults.GetString("attachments.dir"), "Attachment blob directory")
	cmd.PersistentFlags().String("device-id", defaults.GetString("device.id"), "Device identifier")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Periodic sync interval")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "attachments.dir", "attachment-dir")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "log.level", "log-level")
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

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	localStore, err := store.NewStore(store.Config{
		Database:   db,
		Clock:      time.Now,
		IDProvider: record.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	queue, err := outbox.NewQueue(outbox.Config{
		Store:       localStore,
		BackoffBase: appConfig.BackoffBase,
		BackoffCap:  appConfig.BackoffCap,
		MaxAttempts: appConfig.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	resolver, err := conflict.NewResolver(conflict.Config{
		Store:  localStore,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	attachments, err := attach.NewManager(attach.ManagerConfig{
		Store:  localStore,
		Dir:    appConfig.AttachmentDir,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewDeviceTokenIssuer(auth.DeviceTokenConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		DeviceID:      appConfig.DeviceID,
		Issuer:        "fieldsync-agent",
		Audience:      "samudra-sync",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	uploader, err := attach.NewUploader(attach.UploaderConfig{
		Manager:     attachments,
		BaseURL:     appConfig.RemoteBaseURL,
		Token:       tokenIssuer.Token,
		BackoffBase: appConfig.BackoffBase,
		BackoffCap:  appConfig.BackoffCap,
		MaxAttempts: appConfig.MaxAttempts,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	pushClient, err := push.NewClient(push.Config{
		Queue:     queue,
		BaseURL:   appConfig.RemoteBaseURL,
		Token:     tokenIssuer.Token,
		BatchSize: appConfig.PushBatchSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	pullClient, err := pull.NewClient(pull.Config{
		Store:    localStore,
		Resolver: resolver,
		BaseURL:  appConfig.RemoteBaseURL,
		Token:    tokenIssuer.Token,
		Limit:    appConfig.PullLimit,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	syncEngine, err := engine.New(engine.Config{
		Store:        localStore,
		Queue:        queue,
		Resolver:     resolver,
		Attachments:  attachments,
		Uploader:     uploader,
		PushClient:   pushClient,
		PullClient:   pullClient,
		SyncInterval: appConfig.SyncInterval,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine: syncEngine,
		Logger: logger,
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

	syncEngine.Start(signalCtx)
	defer syncEngine.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
