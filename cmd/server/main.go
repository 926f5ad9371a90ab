package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"clinic-scheduler/internal/app"
	"clinic-scheduler/internal/availability"
	"clinic-scheduler/internal/booking"
	"clinic-scheduler/internal/calendar"
	"clinic-scheduler/internal/config"
	"clinic-scheduler/internal/conflict"
	"clinic-scheduler/internal/logger"
	"clinic-scheduler/internal/metrics"
	"clinic-scheduler/internal/model"
	"clinic-scheduler/internal/notify"
	"clinic-scheduler/internal/server"
	"clinic-scheduler/internal/settings"
	"clinic-scheduler/internal/store"
	"clinic-scheduler/internal/store/memory"
	"clinic-scheduler/internal/store/postgres"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinic-scheduler",
		Short:        "Clinic appointment scheduling API",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *postgres.Migrator, log *zap.Logger) error {
				n, err := m.Up(ctx)
				if err != nil {
					return err
				}
				log.Info("migrations applied", zap.Int("count", n))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *postgres.Migrator, _ *zap.Logger) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				for _, s := range statuses {
					state := "pending"
					if s.Applied {
						state = "applied " + s.AppliedAt.Format(time.RFC3339)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%03d %-30s %s\n", s.Version, s.Name, state)
				}
				return nil
			})
		},
	})
	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *postgres.Migrator, *zap.Logger) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, postgres.NewMigrator(pool), log)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	if !cfg.IsDev() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.NewCollector("clinic_scheduler", nil)
	hub := notify.NewHub(log, notify.WithHeartbeat(cfg.HeartbeatInterval), notify.WithMetrics(m))

	var (
		publisher model.Publisher = hub
		cache     conflict.Cache  = conflict.NewMemoryCache()
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}

		broker := notify.NewRedisBroker(rdb, hub, log)
		go func() {
			if err := broker.Run(ctx); err != nil {
				log.Error("event relay stopped", zap.Error(err))
			}
		}()
		publisher = broker
		cache = conflict.NewRedisCache(rdb)
		log.Info("redis enabled for conflict cache and event relay")
	}

	oauthCfg := calendar.NewOAuthConfig(calendar.OAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	calcOpts := []availability.Option{}
	arbiterOpts := []booking.Option{booking.WithPublisher(publisher), booking.WithMetrics(m)}
	if oauthCfg != nil {
		busy := calendar.NewGoogleBusySource(oauthCfg, st, log)
		calcOpts = append(calcOpts, availability.WithBusySource(busy))
		arbiterOpts = append(arbiterOpts, booking.WithBusySource(busy))
		log.Info("google calendar busy lookup enabled")
	}

	cfgStore := settings.NewFileStore(cfg.SettingsFile)
	if _, err := cfgStore.Load(ctx); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	a := &app.App{
		Store:   st,
		Calc:    availability.NewCalculator(st, st, log, calcOpts...),
		Arbiter: booking.NewArbiter(st, cfgStore, log, arbiterOpts...),
		Conflicts: conflict.NewEngine(st, st, cache, log,
			conflict.WithTTL(cfg.ConflictTTL),
			conflict.WithPublisher(publisher),
			conflict.WithMetrics(m)),
		Hub:       hub,
		Publisher: publisher,
		Settings:  cfgStore,
		Calendar:  calendar.NewLinker(oauthCfg, st),
		Metrics:   m,
		Log:       log,
	}

	router := a.Router(app.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		StaticTokens:   cfg.StaticTokens,
		CORSOrigins:    cfg.CORSOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	return server.Run(ctx, cfg.Addr(), router, log)
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using in-memory store, data is lost on restart")
		return memory.New(), nil
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}
	if _, err := postgres.NewMigrator(pool).Up(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("connected to postgres", zap.Int32("max_conns", cfg.DBMaxConns))
	return postgres.New(pool), nil
}
