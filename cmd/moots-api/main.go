package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tigawanna/moots-sub000/internal/auth"
	"github.com/tigawanna/moots-sub000/internal/config"
	"github.com/tigawanna/moots-sub000/internal/database"
	"github.com/tigawanna/moots-sub000/internal/engine"
	"github.com/tigawanna/moots-sub000/internal/events"
	"github.com/tigawanna/moots-sub000/internal/live"
	"github.com/tigawanna/moots-sub000/internal/logging"
	"github.com/tigawanna/moots-sub000/internal/query"
	"github.com/tigawanna/moots-sub000/internal/replication"
	"github.com/tigawanna/moots-sub000/internal/server"
	"github.com/tigawanna/moots-sub000/internal/session"
	"github.com/tigawanna/moots-sub000/internal/state"
	"github.com/tigawanna/moots-sub000/internal/telemetry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serviceVersion = "0.1.0"

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "moots-api",
		Short: "Local-first movie watchlist data layer",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP API and run background sync",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "replay",
			Short: "Rebuild the materialized state from the event log",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runReplay(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Run one push and pull round against the configured remote",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSync(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "token [device-id]",
			Short: "Issue a device token signed with the configured secret",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				deviceID := ""
				if len(args) == 1 {
					deviceID = args[0]
				}
				return runToken(cmd, deviceID)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Device token signing secret (overrides env)")
	cmd.PersistentFlags().String("device-id", "", "Origin id stamped on locally committed events")
	cmd.PersistentFlags().String("sync-remote-url", "", "Base URL of the sync remote; empty disables sync")
	cmd.PersistentFlags().String("sync-token", "", "Device token presented to the sync remote")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Interval between background sync rounds")
	cmd.PersistentFlags().Bool("seed", defaults.GetBool("seed.enabled"), "Seed an empty event log with the default events")
	cmd.PersistentFlags().Bool("telemetry-stdout", defaults.GetBool("telemetry.stdout"), "Export trace spans to stdout")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "sync.remote_url", "sync-remote-url")
	bindFlag(cmd, "sync.token", "sync-token")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "seed.enabled", "seed")
	bindFlag(cmd, "telemetry.stdout", "telemetry-stdout")
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

// appRuntime holds the collaborators every subcommand shares.
type appRuntime struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	registry *events.Registry
	live     *live.Registry
	engine   *engine.Engine
	close    func()
}

func openRuntime(ctx context.Context) (*appRuntime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.DeviceID)
	if err != nil {
		return nil, err
	}

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    appConfig.ServiceName,
		ServiceVersion: serviceVersion,
		UseStdout:      appConfig.TelemetryStdout,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = shutdownTracing(ctx)
		_ = logger.Sync()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = shutdownTracing(ctx)
		_ = logger.Sync()
		return nil, err
	}

	registry, err := events.NewRegistry()
	if err != nil {
		_ = sqlDB.Close()
		_ = shutdownTracing(ctx)
		_ = logger.Sync()
		return nil, err
	}
	subscriptions := live.NewRegistry(logger)
	writer, err := engine.New(engine.Config{
		Database:   db,
		Registry:   registry,
		Notifier:   subscriptions,
		IDProvider: events.NewUUIDProvider(),
		Clock:      time.Now,
		Origin:     appConfig.DeviceID,
		Logger:     logger,
	})
	if err != nil {
		_ = sqlDB.Close()
		_ = shutdownTracing(ctx)
		_ = logger.Sync()
		return nil, err
	}

	return &appRuntime{
		config:   appConfig,
		logger:   logger,
		db:       db,
		registry: registry,
		live:     subscriptions,
		engine:   writer,
		close: func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
			_ = sqlDB.Close()
			_ = logger.Sync()
		},
	}, nil
}

func (r *appRuntime) newAdapter() (*replication.Adapter, error) {
	remote, err := replication.NewHTTPRemote(r.config.SyncRemoteURL, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, err
	}
	return replication.NewAdapter(replication.AdapterConfig{
		Database:   r.db,
		Ledger:     r.engine,
		Remote:     remote,
		RemoteName: r.config.SyncRemoteURL,
		Credential: r.config.SyncToken,
		BatchSize:  r.config.SyncBatchSize,
		Logger:     r.logger,
	})
}

func runServer(ctx context.Context) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()
	appConfig := rt.config
	logger := rt.logger

	if appConfig.SeedEnabled {
		if _, err := rt.engine.Bootstrap(ctx, engine.DefaultSeed(time.Now().UTC())); err != nil {
			return err
		}
	}

	queries, err := query.NewService(query.ServiceConfig{
		Database: rt.db,
		Config:   appConfig.Query,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	reader, err := state.NewReader(rt.db)
	if err != nil {
		return err
	}
	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	sessions := session.NewStore(time.Now, events.NewUUIDProvider())

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         rt.engine,
		Registry:       rt.registry,
		Queries:        queries,
		Reader:         reader,
		Live:           rt.live,
		Sessions:       sessions,
		TokenManager:   tokenManager,
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
		Heartbeat:      appConfig.StreamHeartbeat,
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

	if appConfig.SyncEnabled() {
		adapter, err := rt.newAdapter()
		if err != nil {
			return err
		}
		go func() {
			logger.Info("sync worker starting", zap.String("remote", appConfig.SyncRemoteURL), zap.Duration("interval", appConfig.SyncInterval))
			if err := adapter.Run(signalCtx, appConfig.SyncInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sync worker stopped", zap.Error(err))
			}
		}()
	}
	go pruneSessions(signalCtx, sessions, appConfig.SessionTTL, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
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

// pruneSessions drops session documents untouched for longer than ttl.
func pruneSessions(ctx context.Context, sessions *session.Store, ttl time.Duration, logger *zap.Logger) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if removed := sessions.Prune(now.Add(-ttl)); removed > 0 {
				logger.Debug("sessions pruned", zap.Int("removed", removed))
			}
		}
	}
}

func runReplay(ctx context.Context) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	result, err := rt.engine.Replay(ctx)
	if err != nil {
		return err
	}
	rt.logger.Info("replay complete", zap.Int64("events", result.Events), zap.Strings("tables", result.Tables))
	return nil
}

func runSync(ctx context.Context) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if !rt.config.SyncEnabled() {
		return errors.New("sync.remote_url is required")
	}
	adapter, err := rt.newAdapter()
	if err != nil {
		return err
	}
	result, err := adapter.SyncOnce(ctx)
	if err != nil {
		return err
	}
	rt.logger.Info("sync complete",
		zap.Int("pushed", result.Pushed),
		zap.Int("pulled", result.Pulled),
		zap.Int("duplicates", result.Duplicates))
	return nil
}

func runToken(cmd *cobra.Command, deviceID string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if deviceID == "" {
		deviceID = appConfig.DeviceID
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueDeviceToken(cmd.Context(), deviceID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
	return err
}
