package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/offline-notes/internal/config"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/database"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/logging"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/notes"
	"github.com/MarcoPoloResearchLab/offline-notes/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notes-api",
		Short: "Offline notes authority service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the sync and notes endpoints (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Delete every note from the authority table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyServerDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "CORS allowed origins")
	cmd.PersistentFlags().Int("heartbeat-seconds", defaults.GetInt("realtime.heartbeat_seconds"), "Change stream heartbeat interval in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd, "realtime.heartbeat_seconds", "heartbeat-seconds")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadEnvFiles(".env"); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func openAuthority() (config.ServerConfig, *zap.Logger, *gorm.DB, error) {
	appConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return config.ServerConfig{}, nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.ServerConfig{}, nil, nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return config.ServerConfig{}, nil, nil, err
	}
	return appConfig, logger, db, nil
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func runServer(ctx context.Context) error {
	appConfig, logger, db, err := openAuthority()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer closeDatabase(db)

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		NotesService:      notesService,
		Logger:            logger,
		Realtime:          server.NewRealtimeDispatcher(),
		AllowedOrigins:    appConfig.AllowedOrigins,
		HeartbeatInterval: appConfig.HeartbeatInterval,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)

	// Open change streams end with groupCtx so Shutdown does not wait on them.
	httpServer := &http.Server{
		Addr:        appConfig.HTTPAddress,
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return groupCtx },
	}
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func runReset(cmd *cobra.Command) error {
	_, logger, db, err := openAuthority()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer closeDatabase(db)

	notesService, err := notes.NewService(notes.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	removed, err := notesService.Reset(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d notes\n", removed)
	return nil
}
