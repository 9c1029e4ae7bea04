package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rxextract/rxextract/internal/config"
	"github.com/rxextract/rxextract/internal/domain/extractionconfig"
	"github.com/rxextract/rxextract/internal/domain/prescription"
	"github.com/rxextract/rxextract/internal/export"
	"github.com/rxextract/rxextract/internal/extraction/gateway"
	"github.com/rxextract/rxextract/internal/pipeline"
	"github.com/rxextract/rxextract/internal/platform/apperr"
	"github.com/rxextract/rxextract/internal/platform/db"
	"github.com/rxextract/rxextract/internal/platform/middleware"
	"github.com/rxextract/rxextract/internal/platform/telemetry"
	"github.com/rxextract/rxextract/internal/platform/websocket"
	"github.com/rxextract/rxextract/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rx-server",
		Short: "Prescription extraction API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(recoverCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openFromEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if st.migrator == nil {
				fmt.Println("Memory storage needs no migrations.")
				return nil
			}

			count, err := st.migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openFromEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()
			if st.migrator == nil {
				fmt.Println("Memory storage needs no migrations.")
				return nil
			}

			statuses, err := st.migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for %s storage\n", st.driver)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					appliedAt = s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	cmd.AddCommand(statusCmd)

	return cmd
}

func recoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Mark prescriptions stuck in processing as failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")

			st, err := openFromEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			logger := newLogger("production")
			proc := pipeline.NewProcessor(st.prescriptions, nil, nil, nil, pipeline.Options{}, logger)
			n, err := proc.RecoverStale(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("Marked %d prescription(s) as failed.\n", n)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 15*time.Minute, "Only recover runs that started before this long ago")
	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// storage bundles the repositories and probes of one storage driver.
type storage struct {
	driver        string
	prescriptions prescription.Repository
	configs       extractionconfig.Repository
	health        db.HealthCheck
	migrator      *db.Migrator
	closeFn       func()
}

func (s *storage) Close() {
	if s.closeFn != nil {
		s.closeFn()
	}
}

func openFromEnv(ctx context.Context) (*storage, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return openStorage(ctx, cfg)
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	var files fs.FS
	if cfg.StorageDriver != config.DriverMemory {
		var err error
		if files, err = migrations.For(cfg.StorageDriver, cfg.MigrationsDir); err != nil {
			return nil, err
		}
	}

	switch cfg.StorageDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:              cfg.DatabaseURL,
			MaxConns:         cfg.DBMaxConns,
			MinConns:         cfg.DBMinConns,
			StatementTimeout: cfg.DBStatementTimeout,
			ConnectAttempts:  cfg.DBConnectAttempts,
		})
		if err != nil {
			return nil, err
		}
		return &storage{
			driver:        cfg.StorageDriver,
			prescriptions: prescription.NewPGRepo(pool),
			configs:       extractionconfig.NewPGRepo(pool),
			health:        db.PGHealthCheck(pool),
			migrator:      db.NewPGMigrator(pool, files),
			closeFn:       pool.Close,
		}, nil
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &storage{
			driver:        cfg.StorageDriver,
			prescriptions: prescription.NewSQLiteRepo(sqlDB),
			configs:       extractionconfig.NewSQLiteRepo(sqlDB),
			health:        db.SQLHealthCheck(cfg.StorageDriver, sqlDB),
			migrator:      db.NewSQLMigrator(sqlDB, files),
			closeFn:       func() { _ = sqlDB.Close() },
		}, nil
	case config.DriverMemory:
		return &storage{
			driver:        cfg.StorageDriver,
			prescriptions: prescription.NewMemoryRepo(),
			configs:       extractionconfig.NewMemoryRepo(),
			health:        db.HealthCheck{Driver: config.DriverMemory},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func newGateway(cfg *config.Config, logger zerolog.Logger) (*gateway.Gateway, error) {
	backends := gateway.DefaultBackends(gateway.ProviderConfig{
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		OpenAIModel:      cfg.OpenAIModel,
		AnthropicAPIKey:  cfg.AnthropicAPIKey,
		AnthropicBaseURL: cfg.AnthropicBaseURL,
		AnthropicModel:   cfg.AnthropicModel,
		GeminiAPIKey:     cfg.GeminiAPIKey,
		GeminiBaseURL:    cfg.GeminiBaseURL,
		GeminiModel:      cfg.GeminiModel,
	})
	return gateway.New(gateway.Options{
		Timeout: cfg.ModelTimeout,
		RPS:     cfg.ModelRPS,
		Burst:   cfg.ModelBurst,
	}, logger, backends...)
}

// app is the wired server: everything runServer starts and stops.
type app struct {
	echo   *echo.Echo
	queue  *pipeline.Queue
	proc   *pipeline.Processor
	config *extractionconfig.Service
}

func newApp(cfg *config.Config, st *storage, gw *gateway.Gateway, logger zerolog.Logger) *app {
	started := time.Now()
	hub := websocket.NewHub(logger)
	metrics := telemetry.NewProvider()

	rxSvc := prescription.NewService(st.prescriptions, hub, prescription.Options{
		MaxUploadBytes: cfg.UploadMaxBytes,
		MaxUploadFiles: cfg.UploadMaxFiles,
		AssetsDir:      cfg.AssetsDir,
	}, logger)
	configSvc := extractionconfig.NewService(st.configs, gw, logger)
	proc := pipeline.NewProcessor(st.prescriptions, gw, configSvc, hub, pipeline.Options{
		MaxRetries:   cfg.ModelMaxRetries,
		RetryBackoff: cfg.ModelRetryBackoff,
		Metrics:      metrics,
	}, logger)
	queue := pipeline.NewQueue(proc, logger,
		pipeline.WithWorkers(cfg.QueueWorkers),
		pipeline.WithQueueSize(cfg.QueueSize),
		pipeline.WithProcessTimeout(cfg.RequestTimeout),
	)
	exportSvc := export.NewService(st.prescriptions, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(middleware.TimeoutConfig{Timeout: cfg.RequestTimeout}))
	}

	api := e.Group("/api")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		Skip: func(c echo.Context) bool {
			return strings.HasPrefix(c.Path(), "/api/health") || c.Path() == "/api/metrics"
		},
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api.Use(middleware.RateLimit(rateLimitCfg))

	api.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"uptime":    time.Since(started).Seconds(),
		})
	})
	api.GET("/health/db", db.HealthHandler(st.health))
	api.GET("/metrics", metrics.Handler())
	api.GET("/models", func(c echo.Context) error {
		return c.JSON(http.StatusOK, gw.Info())
	})

	prescription.NewHandler(rxSvc, queue).RegisterRoutes(api)
	pipeline.NewHandler(proc, cfg.UploadMaxBytes).RegisterRoutes(api)
	extractionconfig.NewHandler(configSvc).RegisterRoutes(api)
	export.NewHandler(exportSvc).RegisterRoutes(api)
	websocket.NewHandler(hub).RegisterRoutes(e)

	return &app{echo: e, queue: queue, proc: proc, config: configSvc}
}

// prepare runs the startup housekeeping that needs the store.
func (a *app) prepare(ctx context.Context, cfg *config.Config, st *storage, logger zerolog.Logger) error {
	if st.migrator != nil {
		n, err := st.migrator.Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied", n).Str("driver", st.driver).Msg("migrations up to date")
	}

	seeded, err := a.config.Seed(ctx)
	if err != nil {
		return fmt.Errorf("seed configuration: %w", err)
	}
	if seeded {
		logger.Info().Msg("created default extraction configuration")
	}

	if _, err := a.proc.RecoverStale(ctx, cfg.StaleProcessingAfter); err != nil {
		return fmt.Errorf("recover stale runs: %w", err)
	}
	return nil
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	st, err := openStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open storage")
	}
	defer st.Close()
	logger.Info().Str("driver", st.driver).Msg("storage ready")

	gw, err := newGateway(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build model gateway")
	}

	a := newApp(cfg, st, gw, logger)
	if err := a.prepare(ctx, cfg, st, logger); err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	a.queue.Shutdown(shutdownCtx)
	logger.Info().Msg("server stopped")
	return nil
}
