package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscription) RoomSync {
	t.Helper()
	select {
	case request, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return request
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room sync")
		return RoomSync{}
	}
}

func TestMemoryQueueDeliversToOneSubscriber(t *testing.T) {
	q := NewMemoryQueue(4)
	t.Cleanup(func() { _ = q.Close() })
	first := q.Subscribe()
	second := q.Subscribe()
	t.Cleanup(first.Close)
	t.Cleanup(second.Close)

	require.NoError(t, q.Publish(context.Background(), RoomSync{RoomID: "room-1", Reason: ReasonPeriodic}))

	var got RoomSync
	select {
	case got = <-first.Events():
	case got = <-second.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room sync")
	}
	assert.Equal(t, "room-1", got.RoomID)

	select {
	case extra := <-first.Events():
		t.Fatalf("request delivered twice: %+v", extra)
	case extra := <-second.Events():
		t.Fatalf("request delivered twice: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryQueueRejectsInvalidAndOverflow(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	assert.Error(t, q.Publish(ctx, RoomSync{RoomID: "  "}))
	require.NoError(t, q.Publish(ctx, RoomSync{RoomID: "room-1"}))
	assert.ErrorIs(t, q.Publish(ctx, RoomSync{RoomID: "room-2"}), ErrQueueFull)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Publish(ctx, RoomSync{RoomID: "room-3"}), ErrClosed)
}

func TestMemorySubscriptionCloseEndsEvents(t *testing.T) {
	q := NewMemoryQueue(4)
	sub := q.Subscribe()
	sub.Close()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}

	require.NoError(t, q.Publish(context.Background(), RoomSync{RoomID: "room-1"}))
	replacement := q.Subscribe()
	t.Cleanup(replacement.Close)
	assert.Equal(t, "room-1", receive(t, replacement).RoomID)
}
