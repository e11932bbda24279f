package channelstack

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowdr-app/clowdr-sub007/internal/testsupport/redisstub"
)

func newStubClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{srv.Addr()}})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLeaseMutualExclusion(t *testing.T) {
	client := newStubClient(t)
	ctx := context.Background()

	first, err := NewRedisLease(client, "", 30*time.Second)
	require.NoError(t, err)
	second, err := NewRedisLease(client, "", 30*time.Second)
	require.NoError(t, err)

	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, second.Release(ctx), "releasing a lease held by another holder is a no-op")
	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release(ctx))
	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLeaseExpires(t *testing.T) {
	client := newStubClient(t)
	ctx := context.Background()

	first, err := NewRedisLease(client, "lease", 150*time.Millisecond)
	require.NoError(t, err)
	second, err := NewRedisLease(client, "lease", time.Second)
	require.NoError(t, err)

	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := second.TryAcquire(ctx)
		return err == nil && ok
	}, 2*time.Second, 50*time.Millisecond)

	require.NoError(t, first.Release(ctx))
	holder, err := client.Get(ctx, "lease").Result()
	require.NoError(t, err)
	assert.Equal(t, second.token, holder, "an expired holder does not remove its successor")
}

func TestNewRedisLeaseValidates(t *testing.T) {
	_, err := NewRedisLease(nil, "", time.Second)
	assert.Error(t, err)
	_, err = NewRedisLease(newStubClient(t), "", 0)
	assert.Error(t, err)
}
