package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowdr-app/clowdr-sub007/internal/playout"
	"github.com/clowdr-app/clowdr-sub007/internal/queue"
	"github.com/clowdr-app/clowdr-sub007/internal/testsupport/redisstub"
)

func clearDatabaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv(envPrefix+"POSTGRES_DSN", "")
	t.Setenv(envPrefix+"REDIS_ADDR", "")
	t.Setenv(envPrefix+"REDIS_ADDRS", "")
}

func TestLoadConfigDefaults(t *testing.T) {
	clearDatabaseEnv(t)

	cfg, err := loadConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "json", cfg.Storage.Driver)
	assert.Equal(t, "data/playout.json", cfg.Storage.DataPath)
	assert.Equal(t, "memory", cfg.QueueDriver)
	assert.Equal(t, playout.DefaultIntervals(), cfg.Intervals)
	assert.Equal(t, queue.DefaultStream, cfg.Stream)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.DryRun)
}

func TestLoadConfigFlagsOverrideEnvironment(t *testing.T) {
	clearDatabaseEnv(t)
	t.Setenv(envPrefix+"ADDR", ":9000")
	t.Setenv(envPrefix+"STACK_SYNC_INTERVAL", "2m")
	t.Setenv(envPrefix+"WORKERS", "3")

	cfg, err := loadConfig([]string{"-addr", ":9100", "-workers", "8"})
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 2*time.Minute, cfg.Intervals.StackSync)
}

func TestLoadConfigEnvironmentCanDisableLoops(t *testing.T) {
	clearDatabaseEnv(t)
	t.Setenv(envPrefix+"STATUS_INTERVAL", "0s")
	t.Setenv(envPrefix+"DRY_RUN", "true")

	cfg, err := loadConfig(nil)
	require.NoError(t, err)

	assert.Zero(t, cfg.Intervals.Status)
	assert.True(t, cfg.DryRun)
}

func TestLoadConfigSelectsPostgresWhenDSNPresent(t *testing.T) {
	clearDatabaseEnv(t)
	t.Setenv("DATABASE_URL", "postgres://playout@localhost/playout")

	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://playout@localhost/playout", cfg.Storage.PostgresDSN)
}

func TestLoadConfigSelectsRedisQueueWhenAddressPresent(t *testing.T) {
	clearDatabaseEnv(t)
	t.Setenv(envPrefix+"REDIS_ADDRS", "redis-a:6379, redis-b:6379")

	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.QueueDriver)
	assert.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.Redis.Addrs)
}

func TestLoadConfigRejectsInvalidCombinations(t *testing.T) {
	cases := map[string][]string{
		"unknown storage":      {"-storage-driver", "sqlite"},
		"postgres without dsn": {"-storage-driver", "postgres"},
		"redis without addr":   {"-queue-driver", "redis"},
		"unknown queue":        {"-queue-driver", "kafka"},
		"partial tls":          {"-tls-cert", "cert.pem"},
		"migrate on json":      {"-migrate"},
	}
	for name, args := range cases {
		args := args
		t.Run(name, func(t *testing.T) {
			clearDatabaseEnv(t)
			_, err := loadConfig(args)
			assert.Error(t, err)
		})
	}
}

func TestResolveStorageDriver(t *testing.T) {
	driver, err := resolveStorageDriver("", "postgres://example")
	require.NoError(t, err)
	assert.Equal(t, "postgres", driver)

	driver, err = resolveStorageDriver("", "")
	require.NoError(t, err)
	assert.Equal(t, "json", driver)

	_, err = resolveStorageDriver("mysql", "")
	assert.Error(t, err)
}

func TestEnvHelpers(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty(" ", "b", "c"))
	assert.Nil(t, splitAndTrim(" , "))
	assert.Equal(t, []string{"a", "b"}, splitAndTrim("a, ,b"))

	t.Setenv("PLAYOUT_TEST_FLOAT", "2.5")
	t.Setenv("PLAYOUT_TEST_DURATION", "not-a-duration")
	assert.Equal(t, 2.5, resolveFloat(0, "PLAYOUT_TEST_FLOAT"))
	assert.Equal(t, 4.0, resolveFloat(4, "PLAYOUT_TEST_FLOAT"))
	assert.Equal(t, time.Minute, resolveDuration(0, "PLAYOUT_TEST_DURATION", time.Minute))
	assert.False(t, resolveBool(false, "PLAYOUT_TEST_MISSING"))
}

func TestOpenQueueMemory(t *testing.T) {
	q, probes, err := openQueue(context.Background(), appConfig{QueueDriver: "memory"}, nil, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	assert.Empty(t, probes)
}

func TestOpenQueueRedisRequiresClient(t *testing.T) {
	_, _, err := openQueue(context.Background(), appConfig{QueueDriver: "redis"}, nil, quietLogger())
	assert.Error(t, err)
}

func TestOpenQueueRedisAddsHealthProbe(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	client, err := queue.NewRedisClient(queue.RedisConfig{Addr: srv.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := appConfig{QueueDriver: "redis", Stream: "test:room-sync", Group: "test-workers"}
	q, probes, err := openQueue(context.Background(), cfg, client, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	require.Len(t, probes, 1)
	assert.Equal(t, "room_sync_queue", probes[0].Name)
	assert.NoError(t, probes[0].Check.Ping(context.Background()))
}

func TestOpenStoreJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playout.json")
	store, err := openStore(storageConfig{Driver: "json", DataPath: path}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	assert.NoError(t, store.Ping(context.Background()))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
