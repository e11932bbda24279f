package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clowdr-app/clowdr-sub007/internal/playout"
	"github.com/clowdr-app/clowdr-sub007/internal/queue"
)

const envPrefix = "PLAYOUT_"

type storageConfig struct {
	Driver          string
	DataPath        string
	PostgresDSN     string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	AcquireTimeout  time.Duration
	MigrateOnStart  bool
}

type appConfig struct {
	LogLevel  string
	LogFormat string

	Addr            string
	TLSCert         string
	TLSKey          string
	AdminToken      string
	TrustedProxies  []string
	GlobalRPS       float64
	GlobalBurst     int
	ClientRPS       float64
	ClientBurst     int
	ShutdownTimeout time.Duration

	Storage storageConfig

	QueueDriver string
	Redis       queue.RedisConfig
	Stream      string
	Group       string

	LeaseKey string
	LeaseTTL time.Duration

	Intervals         playout.Intervals
	WorkerConcurrency int
	SyncTimeout       time.Duration
	DeployTimeout     time.Duration
	DryRun            bool
}

// loadConfig parses flags, falling back to PLAYOUT_* environment variables
// for anything the command line leaves unset.
func loadConfig(args []string) (appConfig, error) {
	fs := flag.NewFlagSet("playout", flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP listen address")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (json or text)")
	tlsCert := fs.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to TLS private key file")
	adminToken := fs.String("admin-token", "", "bearer token guarding operator routes")
	trustedProxies := fs.String("trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	globalRPS := fs.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	clientRPS := fs.Float64("rate-client-rps", 0, "per-client request rate limit in requests per second")
	globalBurst := fs.Int("rate-global-burst", 0, "global request burst allowance")
	clientBurst := fs.Int("rate-client-burst", 0, "per-client request burst allowance")
	shutdownTimeout := fs.Duration("shutdown-timeout", 0, "graceful shutdown bound")

	storageDriver := fs.String("storage-driver", "", "datastore driver (json or postgres)")
	dataPath := fs.String("data", "", "path to JSON datastore")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := fs.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := fs.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := fs.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := fs.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := fs.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	migrateOnStart := fs.Bool("migrate", false, "apply pending schema migrations before starting")

	queueDriver := fs.String("queue-driver", "", "room sync queue driver (memory or redis)")
	redisAddr := fs.String("redis-addr", "", "Redis address for the room sync queue and stack lease")
	redisAddrs := fs.String("redis-addrs", "", "comma separated Redis addresses")
	redisUsername := fs.String("redis-username", "", "Redis username")
	redisPassword := fs.String("redis-password", "", "Redis password")
	redisMasterName := fs.String("redis-sentinel-master", "", "Redis sentinel master name")
	redisPoolSize := fs.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTLSCA := fs.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := fs.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := fs.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := fs.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := fs.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	redisStream := fs.String("redis-stream", "", "Redis stream key for room sync requests")
	redisGroup := fs.String("redis-group", "", "Redis consumer group for room sync workers")
	leaseKey := fs.String("lease-key", "", "Redis key of the channel stack sync lease")
	leaseTTL := fs.Duration("lease-ttl", 0, "channel stack sync lease duration")

	stackInterval := fs.Duration("stack-sync-interval", 0, "interval between channel stack passes")
	scheduleInterval := fs.Duration("schedule-sync-interval", 0, "interval between schedule sync fan-outs")
	statusInterval := fs.Duration("status-interval", 0, "interval between channel status polls")
	workers := fs.Int("workers", 0, "concurrent room schedule syncs")
	syncTimeout := fs.Duration("sync-timeout", 0, "bound on a single room schedule sync")
	deployTimeout := fs.Duration("deploy-timeout", 0, "bound on a single stack deployment call")
	dryRun := fs.Bool("dry-run", false, "compute schedule plans without applying them")

	if err := fs.Parse(args); err != nil {
		return appConfig{}, err
	}

	defaults := playout.DefaultIntervals()
	cfg := appConfig{
		LogLevel:        firstNonEmpty(*logLevel, env("LOG_LEVEL"), "info"),
		LogFormat:       firstNonEmpty(*logFormat, env("LOG_FORMAT"), "json"),
		Addr:            firstNonEmpty(*addr, env("ADDR"), ":8080"),
		TLSCert:         firstNonEmpty(*tlsCert, env("TLS_CERT")),
		TLSKey:          firstNonEmpty(*tlsKey, env("TLS_KEY")),
		AdminToken:      firstNonEmpty(*adminToken, env("ADMIN_TOKEN")),
		TrustedProxies:  splitAndTrim(firstNonEmpty(*trustedProxies, env("TRUSTED_PROXIES"))),
		GlobalRPS:       resolveFloat(*globalRPS, envPrefix+"RATE_GLOBAL_RPS"),
		GlobalBurst:     resolveInt(*globalBurst, envPrefix+"RATE_GLOBAL_BURST"),
		ClientRPS:       resolveFloat(*clientRPS, envPrefix+"RATE_CLIENT_RPS"),
		ClientBurst:     resolveInt(*clientBurst, envPrefix+"RATE_CLIENT_BURST"),
		ShutdownTimeout: resolveDuration(*shutdownTimeout, envPrefix+"SHUTDOWN_TIMEOUT", 15*time.Second),
		Storage: storageConfig{
			Driver:          strings.ToLower(firstNonEmpty(*storageDriver, env("STORAGE_DRIVER"))),
			DataPath:        firstNonEmpty(*dataPath, env("DATA"), "data/playout.json"),
			PostgresDSN:     firstNonEmpty(*postgresDSN, env("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
			MaxConns:        resolveInt(*postgresMaxConns, envPrefix+"POSTGRES_MAX_CONNS"),
			MinConns:        resolveInt(*postgresMinConns, envPrefix+"POSTGRES_MIN_CONNS"),
			MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, envPrefix+"POSTGRES_MAX_CONN_LIFETIME", 0),
			MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, envPrefix+"POSTGRES_MAX_CONN_IDLE", 0),
			HealthInterval:  resolveDuration(*postgresHealthInterval, envPrefix+"POSTGRES_HEALTH_INTERVAL", 0),
			AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, envPrefix+"POSTGRES_ACQUIRE_TIMEOUT", 0),
			MigrateOnStart:  resolveBool(*migrateOnStart, envPrefix+"MIGRATE"),
		},
		QueueDriver: strings.ToLower(firstNonEmpty(*queueDriver, env("QUEUE_DRIVER"))),
		Redis: queue.RedisConfig{
			Addr:       firstNonEmpty(*redisAddr, env("REDIS_ADDR")),
			Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, env("REDIS_ADDRS"))),
			Username:   firstNonEmpty(*redisUsername, env("REDIS_USERNAME")),
			Password:   firstNonEmpty(*redisPassword, env("REDIS_PASSWORD")),
			MasterName: firstNonEmpty(*redisMasterName, env("REDIS_SENTINEL_MASTER")),
			PoolSize:   resolveInt(*redisPoolSize, envPrefix+"REDIS_POOL_SIZE"),
			TLS: queue.RedisTLSConfig{
				CAFile:             firstNonEmpty(*redisTLSCA, env("REDIS_TLS_CA")),
				CertFile:           firstNonEmpty(*redisTLSCert, env("REDIS_TLS_CERT")),
				KeyFile:            firstNonEmpty(*redisTLSKey, env("REDIS_TLS_KEY")),
				ServerName:         firstNonEmpty(*redisTLSServerName, env("REDIS_TLS_SERVER_NAME")),
				InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, envPrefix+"REDIS_TLS_SKIP_VERIFY"),
			},
		},
		Stream:   firstNonEmpty(*redisStream, env("REDIS_STREAM"), queue.DefaultStream),
		Group:    firstNonEmpty(*redisGroup, env("REDIS_GROUP"), queue.DefaultGroup),
		LeaseKey: firstNonEmpty(*leaseKey, env("LEASE_KEY")),
		LeaseTTL: resolveDuration(*leaseTTL, envPrefix+"LEASE_TTL", 5*time.Minute),
		Intervals: playout.Intervals{
			StackSync:    resolveDuration(*stackInterval, envPrefix+"STACK_SYNC_INTERVAL", defaults.StackSync),
			ScheduleSync: resolveDuration(*scheduleInterval, envPrefix+"SCHEDULE_SYNC_INTERVAL", defaults.ScheduleSync),
			Status:       resolveDuration(*statusInterval, envPrefix+"STATUS_INTERVAL", defaults.Status),
		},
		WorkerConcurrency: resolveInt(*workers, envPrefix+"WORKERS"),
		SyncTimeout:       resolveDuration(*syncTimeout, envPrefix+"SYNC_TIMEOUT", 0),
		DeployTimeout:     resolveDuration(*deployTimeout, envPrefix+"DEPLOY_TIMEOUT", 0),
		DryRun:            resolveBool(*dryRun, envPrefix+"DRY_RUN"),
	}

	driver, err := resolveStorageDriver(cfg.Storage.Driver, cfg.Storage.PostgresDSN)
	if err != nil {
		return appConfig{}, err
	}
	cfg.Storage.Driver = driver
	if cfg.QueueDriver == "" {
		cfg.QueueDriver = "memory"
		if cfg.Redis.Enabled() {
			cfg.QueueDriver = "redis"
		}
	}
	if err := cfg.validate(); err != nil {
		return appConfig{}, err
	}
	return cfg, nil
}

func (c appConfig) validate() error {
	var errs []error
	switch c.QueueDriver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			errs = append(errs, errors.New("redis queue selected without an address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported queue driver %q", c.QueueDriver))
	}
	if c.Storage.Driver == "postgres" && c.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("postgres storage selected without DSN"))
	}
	if c.Storage.MigrateOnStart && c.Storage.Driver != "postgres" {
		errs = append(errs, errors.New("migrations only apply to the postgres driver"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("both TLS cert and key must be provided"))
	}
	return errors.Join(errs...)
}

// resolveStorageDriver defaults to postgres when a DSN is present and to the
// JSON file store otherwise.
func resolveStorageDriver(driver, postgresDSN string) (string, error) {
	switch driver {
	case "json", "postgres":
		return driver, nil
	case "":
		if postgresDSN != "" {
			return "postgres", nil
		}
		return "json", nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func env(key string) string {
	return os.Getenv(envPrefix + key)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
