package queue

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowdr-app/clowdr-sub007/internal/testsupport/redisstub"
)

func startStub(t *testing.T, opts redisstub.Options) *redisstub.Server {
	t.Helper()
	srv, err := redisstub.Start(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func newTestRedisQueue(t *testing.T, client redis.UniversalClient, opts ...RedisOption) *RedisQueue {
	t.Helper()
	base := []RedisOption{
		WithStream("test-stream"),
		WithGroup("test-group"),
		WithBlockTimeout(50 * time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	q, err := NewRedisQueue(context.Background(), client, append(base, opts...)...)
	require.NoError(t, err)
	return q
}

func newTestClient(t *testing.T, cfg RedisConfig) redis.UniversalClient {
	t.Helper()
	client, err := NewRedisClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisQueueRoundTrip(t *testing.T) {
	for _, useTLS := range []bool{false, true} {
		useTLS := useTLS
		name := "plain"
		if useTLS {
			name = "tls"
		}
		t.Run(name, func(t *testing.T) {
			srv := startStub(t, redisstub.Options{Password: "secret", EnableTLS: useTLS})
			cfg := RedisConfig{Addr: srv.Addr(), Password: "secret"}
			if useTLS {
				caPath := filepath.Join(t.TempDir(), "ca.pem")
				require.NoError(t, os.WriteFile(caPath, srv.CertPEM(), 0o600))
				cfg.TLS = RedisTLSConfig{CAFile: caPath, ServerName: "localhost"}
			}
			q := newTestRedisQueue(t, newTestClient(t, cfg))
			require.NoError(t, q.Ping(context.Background()))
			sub := q.Subscribe()
			t.Cleanup(sub.Close)

			requestedAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, q.Publish(context.Background(), RoomSync{RoomID: "room-1", Reason: ReasonChannelRunning, RequestedAt: requestedAt}))

			got := receive(t, sub)
			assert.Equal(t, RoomSync{RoomID: "room-1", Reason: ReasonChannelRunning, RequestedAt: requestedAt}, got)
			assert.Eventually(t, func() bool {
				return srv.PendingCount("test-stream", "test-group") == 0
			}, time.Second, 20*time.Millisecond, "delivered requests are acknowledged")
		})
	}
}

func TestRedisQueueRequeuesOnCancellation(t *testing.T) {
	srv := startStub(t, redisstub.Options{})
	q := newTestRedisQueue(t, newTestClient(t, RedisConfig{Addr: srv.Addr()}), WithBuffer(1))
	ctx := context.Background()

	sub := q.Subscribe()
	require.NoError(t, q.Publish(ctx, RoomSync{RoomID: "room-1"}))
	require.NoError(t, q.Publish(ctx, RoomSync{RoomID: "room-2"}))
	time.Sleep(150 * time.Millisecond)
	sub.Close()

	var drained []string
	for request := range sub.Events() {
		drained = append(drained, request.RoomID)
	}
	assert.Equal(t, []string{"room-1"}, drained)

	replacement := q.Subscribe()
	t.Cleanup(replacement.Close)
	assert.Equal(t, "room-2", receive(t, replacement).RoomID)
}

func TestRedisQueueSkipsUndecodableEntries(t *testing.T) {
	srv := startStub(t, redisstub.Options{})
	client := newTestClient(t, RedisConfig{Addr: srv.Addr()})
	q := newTestRedisQueue(t, client)
	ctx := context.Background()
	sub := q.Subscribe()
	t.Cleanup(sub.Close)

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "test-stream", Values: map[string]interface{}{"payload": "{not json"}}).Err())
	require.NoError(t, q.Publish(ctx, RoomSync{RoomID: "room-1"}))

	assert.Equal(t, "room-1", receive(t, sub).RoomID)
	assert.Eventually(t, func() bool {
		return srv.PendingCount("test-stream", "test-group") == 0
	}, time.Second, 20*time.Millisecond)
}

func TestRedisQueueTrimsStream(t *testing.T) {
	srv := startStub(t, redisstub.Options{})
	q := newTestRedisQueue(t, newTestClient(t, RedisConfig{Addr: srv.Addr()}), WithMaxLen(2))
	for _, room := range []string{"room-1", "room-2", "room-3"} {
		require.NoError(t, q.Publish(context.Background(), RoomSync{RoomID: room}))
	}
	assert.Equal(t, 2, srv.StreamLength("test-stream"))
}

func TestNewRedisQueueReusesExistingGroup(t *testing.T) {
	srv := startStub(t, redisstub.Options{})
	client := newTestClient(t, RedisConfig{Addr: srv.Addr()})
	newTestRedisQueue(t, client)
	newTestRedisQueue(t, client)
}

func TestRedisConfig(t *testing.T) {
	assert.False(t, RedisConfig{Addrs: []string{" "}}.Enabled())
	assert.True(t, RedisConfig{Addrs: []string{"a:6379"}}.Enabled())

	_, err := NewRedisClient(RedisConfig{})
	assert.Error(t, err)

	_, err = NewRedisClient(RedisConfig{Addr: "localhost:6379", TLS: RedisTLSConfig{CAFile: filepath.Join(t.TempDir(), "missing.pem")}})
	assert.Error(t, err)

	_, err = NewRedisQueue(context.Background(), nil)
	assert.Error(t, err)
}
