package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meschain/syncrelay/internal/admin"
	"github.com/meschain/syncrelay/internal/api"
	"github.com/meschain/syncrelay/internal/config"
	"github.com/meschain/syncrelay/internal/delivery"
	"github.com/meschain/syncrelay/internal/marketplace"
	"github.com/meschain/syncrelay/internal/metrics"
	"github.com/meschain/syncrelay/internal/notify"
	"github.com/meschain/syncrelay/internal/retention"
	"github.com/meschain/syncrelay/internal/storage"
	"github.com/meschain/syncrelay/internal/syncer"
	"github.com/meschain/syncrelay/internal/webhook"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "meschain-sync",
		Short:        "MesChain-Sync: marketplace sync coordinator and webhook dispatcher",
		SilenceUsage: true,
	}

	var configPath string
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(&configPath))
	rootCmd.AddCommand(migrateCmd(&configPath))
	rootCmd.AddCommand(webhookCmd(&configPath))
	rootCmd.AddCommand(syncCmd(&configPath))
	rootCmd.AddCommand(eventsCmd(&configPath))
	rootCmd.AddCommand(notificationsCmd(&configPath))
	rootCmd.AddCommand(statsCmd(&configPath))
	rootCmd.AddCommand(pruneCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the fully wired process: storage plus every component on top.
type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      storage.Storage
	metrics    *metrics.Metrics
	feed       *notify.Feed
	registry   *webhook.Registry
	dispatcher *delivery.Dispatcher
	syncer     *syncer.Coordinator
	admin      *admin.Service
	janitor    *retention.Janitor
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg.Logging)

	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		store:   store,
		metrics: metrics.New(),
	}
	a.feed = notify.NewFeed(store, log)
	a.registry = webhook.NewRegistry(store, log)
	a.dispatcher = delivery.NewDispatcher(cfg.Delivery, store, a.feed, a.metrics, log)
	a.syncer = syncer.New(cfg.Sync, store, setupMarketplaces(cfg.Marketplaces, log), a.dispatcher, a.feed, a.metrics, log)
	a.admin = admin.NewService(store)
	a.janitor = retention.NewJanitor(cfg.Retention, store, a.feed, log)
	return a, nil
}

// start runs the background workers; stop must be called afterwards.
func (a *app) start() {
	a.dispatcher.Start()
	a.syncer.Start()
}

func (a *app) stop() {
	a.syncer.Stop()
	a.dispatcher.Stop()
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("failed to close storage")
	}
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the sync coordinator, the webhook dispatcher and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.start()
			defer a.stop()

			server := api.NewServer(a.cfg.Server, a.cfg.Metrics, api.Services{
				Syncer:     a.syncer,
				Webhooks:   a.registry,
				Dispatcher: a.dispatcher,
				Feed:       a.feed,
				Admin:      a.admin,
				Metrics:    a.metrics,
			}, a.log)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(server.Start)
			g.Go(func() error {
				return a.janitor.Run(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				a.log.Info().Msg("shutting down...")
				return server.Shutdown(10 * time.Second)
			})

			a.log.Info().
				Str("version", version).
				Int("port", a.cfg.Server.Port).
				Int("sync_workers", a.cfg.Sync.Workers).
				Int("delivery_workers", a.cfg.Delivery.Workers).
				Str("storage", a.cfg.Storage.Driver).
				Msg("MesChain-Sync is running")

			if err := g.Wait(); err != nil {
				return err
			}
			a.log.Info().Msg("MesChain-Sync stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Msg("migrations completed successfully")
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("MesChain-Sync v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Info().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return nil, errors.New("storage.postgres.dsn is required")
		}
		log.Info().Msg("using PostgreSQL storage")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return storage.NewPostgres(ctx, cfg.Postgres.DSN, storage.PostgresOptions{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func setupMarketplaces(cfgs map[string]config.MarketplaceConfig, log zerolog.Logger) *marketplace.Registry {
	reg := marketplace.NewRegistry()
	for name, mc := range cfgs {
		if mc.Endpoint == "" {
			log.Warn().Str("marketplace", name).Msg("marketplace has no endpoint, skipping")
			continue
		}
		reg.Register(name, marketplace.NewHTTPAdapter(name, marketplace.HTTPOptions{
			Endpoint: mc.Endpoint,
			Token:    mc.Token,
			Timeout:  mc.Timeout,
		}), marketplace.WithRateLimit(mc.RateLimit, mc.Burst))
	}
	if len(reg.Names()) == 0 {
		log.Warn().Msg("no marketplaces configured, sync requests will be rejected")
	} else {
		log.Info().Strs("marketplaces", reg.Names()).Msg("marketplaces registered")
	}
	return reg
}
