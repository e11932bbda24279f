package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/clowdr-app/clowdr-sub007/internal/api"
	"github.com/clowdr-app/clowdr-sub007/internal/channelstack"
	"github.com/clowdr-app/clowdr-sub007/internal/encoder"
	"github.com/clowdr-app/clowdr-sub007/internal/immediate"
	"github.com/clowdr-app/clowdr-sub007/internal/infra"
	"github.com/clowdr-app/clowdr-sub007/internal/notify"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/logging"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/metrics"
	"github.com/clowdr-app/clowdr-sub007/internal/playout"
	"github.com/clowdr-app/clowdr-sub007/internal/queue"
	"github.com/clowdr-app/clowdr-sub007/internal/schedule"
	"github.com/clowdr-app/clowdr-sub007/internal/server"
	"github.com/clowdr-app/clowdr-sub007/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("playout service stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("playout service stopped")
}

// closer is released in reverse order on shutdown.
type closer struct {
	name string
	fn   func(context.Context) error
}

func run(ctx context.Context, cfg appConfig, logger *slog.Logger) error {
	recorder := metrics.Default()
	var closers []closer
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(shutdownCtx); err != nil {
				logger.Warn("failed to close resource", "resource", closers[i].name, "error", err)
			}
		}
	}()

	store, err := openStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closer{name: "datastore", fn: store.Close})

	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled() {
		redisClient, err = queue.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis client: %w", err)
		}
		closers = append(closers, closer{name: "redis", fn: func(context.Context) error { return redisClient.Close() }})
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	infraCfg, err := infra.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("infrastructure config: %w", err)
	}
	if !infraCfg.Enabled() {
		logger.Warn("infrastructure API not configured, stack deployments are disabled")
	}
	deployer := infraCfg.NewDeployer(httpClient, logging.WithComponent(logger, "infra"))

	encoderCfg, err := encoder.LoadConfigFromEnv()
	if err != nil {
		return fmt.Errorf("encoder config: %w", err)
	}
	if !encoderCfg.Enabled() {
		logger.Warn("encoder API not configured, channel operations are disabled")
	}
	gateway, err := encoderCfg.NewGateway(httpClient, logging.WithComponent(logger, "encoder"))
	if err != nil {
		return fmt.Errorf("encoder gateway: %w", err)
	}

	controllerOpts := []channelstack.Option{
		channelstack.WithLogger(logger),
		channelstack.WithMetrics(recorder),
		channelstack.WithNotificationARN(infraCfg.NotificationARN),
	}
	if cfg.DeployTimeout > 0 {
		controllerOpts = append(controllerOpts, channelstack.WithDeployTimeout(cfg.DeployTimeout))
	}
	if redisClient != nil {
		lease, err := channelstack.NewRedisLease(redisClient, cfg.LeaseKey, cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("channel stack lease: %w", err)
		}
		controllerOpts = append(controllerOpts, channelstack.WithLease(lease))
	}
	controller := channelstack.NewController(store, deployer, gateway, controllerOpts...)
	closers = append(closers, closer{name: "stack deployments", fn: controller.Shutdown})

	engine := schedule.NewEngine(store, gateway,
		schedule.WithLogger(logger),
		schedule.WithMetrics(recorder),
		schedule.WithDryRun(cfg.DryRun),
	)
	switches := immediate.NewHandler(store, gateway,
		immediate.WithLogger(logger),
		immediate.WithMetrics(recorder),
	)

	syncs, probes, err := openQueue(ctx, cfg, redisClient, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closer{name: "room sync queue", fn: func(context.Context) error { return syncs.Close() }})

	workerOpts := []queue.WorkerOption{queue.WithWorkerLogger(logging.WithComponent(logger, "room-sync-worker"))}
	if cfg.WorkerConcurrency > 0 {
		workerOpts = append(workerOpts, queue.WithConcurrency(cfg.WorkerConcurrency))
	}
	if cfg.SyncTimeout > 0 {
		workerOpts = append(workerOpts, queue.WithSyncTimeout(cfg.SyncTimeout))
	}
	worker := queue.NewWorker(syncs, engine, workerOpts...)

	runner := playout.NewRunner(controller, store, gateway, syncs,
		playout.WithLogger(logger),
		playout.WithMetrics(recorder),
		playout.WithIntervals(cfg.Intervals),
	)

	receiver := notify.NewReceiver(controller, store, syncs,
		notify.WithLogger(logger),
		notify.WithMetrics(recorder),
		notify.WithStackDeletedTrigger(runner.TriggerStackSync),
	)

	handler := api.NewHandler(store, switches, probes...)
	handler.Logger = logger
	srv, err := server.New(handler, receiver, server.Config{
		Addr: cfg.Addr,
		TLS:  server.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:      cfg.GlobalRPS,
			GlobalBurst:    cfg.GlobalBurst,
			ClientRPS:      cfg.ClientRPS,
			ClientBurst:    cfg.ClientBurst,
			TrustedProxies: cfg.TrustedProxies,
		},
		AdminToken:      cfg.AdminToken,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		Metrics:         recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}
	if cfg.AdminToken == "" {
		logger.Warn("admin token not set, immediate switch API is disabled")
	}

	logger.Info("starting playout service",
		"storage_driver", cfg.Storage.Driver,
		"queue_driver", cfg.QueueDriver,
		"dry_run", cfg.DryRun,
		"stack_sync_interval", cfg.Intervals.StackSync,
		"schedule_sync_interval", cfg.Intervals.ScheduleSync,
		"status_interval", cfg.Intervals.Status,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx, func(addr net.Addr) {
			logger.Info("metrics endpoint available", "addr", addr.String(), "path", "/metrics")
		})
	})
	group.Go(func() error { return worker.Run(groupCtx) })
	group.Go(func() error { return runner.Run(groupCtx) })

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func openStore(cfg storageConfig, logger *slog.Logger) (storage.Repository, error) {
	switch cfg.Driver {
	case "postgres":
		if cfg.MigrateOnStart {
			if err := storage.MigrateUp(cfg.PostgresDSN); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("database migrations applied")
		}
		opts := []storage.Option{storage.WithPostgresApplicationName("playout")}
		if cfg.MaxConns > 0 || cfg.MinConns > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(int32(cfg.MaxConns), int32(cfg.MinConns)))
		}
		if cfg.MaxConnLifetime > 0 || cfg.MaxConnIdle > 0 || cfg.HealthInterval > 0 {
			opts = append(opts, storage.WithPostgresPoolDurations(cfg.MaxConnLifetime, cfg.MaxConnIdle, cfg.HealthInterval))
		}
		if cfg.AcquireTimeout > 0 {
			opts = append(opts, storage.WithPostgresAcquireTimeout(cfg.AcquireTimeout))
		}
		store, err := storage.NewPostgresRepository(cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, fmt.Errorf("open postgres datastore: %w", err)
		}
		logger.Info("using postgres datastore")
		return store, nil
	default:
		store, err := storage.NewJSONRepository(cfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("open json datastore: %w", err)
		}
		logger.Info("using json datastore", "path", cfg.DataPath)
		return store, nil
	}
}

// openQueue returns the room sync queue and any health probes it adds.
func openQueue(ctx context.Context, cfg appConfig, client redis.UniversalClient, logger *slog.Logger) (queue.Queue, []api.Probe, error) {
	if cfg.QueueDriver != "redis" {
		return queue.NewMemoryQueue(0), nil, nil
	}
	if client == nil {
		return nil, nil, errors.New("redis queue requires a redis client")
	}
	q, err := queue.NewRedisQueue(ctx, client,
		queue.WithStream(cfg.Stream),
		queue.WithGroup(cfg.Group),
		queue.WithLogger(logging.WithComponent(logger, "room-sync-queue")),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("redis room sync queue: %w", err)
	}
	return q, []api.Probe{{Name: "room_sync_queue", Check: q}}, nil
}
