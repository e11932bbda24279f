package encoder

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clowdr-app/clowdr-sub007/internal/models"
)

type slowGateway struct {
	NoopGateway
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (g *slowGateway) DescribeChannelState(ctx context.Context, channelID string) (*models.ChannelState, error) {
	current := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		seen := g.maxSeen.Load()
		if current <= seen || g.maxSeen.CompareAndSwap(seen, current) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	state := models.ChannelStateIdle
	return &state, nil
}

func TestThrottledCapsConcurrentDescribes(t *testing.T) {
	inner := &slowGateway{}
	throttled := NewThrottled(inner, 0, 1, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := throttled.DescribeChannelState(context.Background(), "chan"); err != nil {
				t.Errorf("DescribeChannelState: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := inner.maxSeen.Load(); got > 2 {
		t.Fatalf("expected at most 2 concurrent describes, saw %d", got)
	}
}

func TestThrottledHonoursContext(t *testing.T) {
	throttled := NewThrottled(NoopGateway{}, 0.001, 1, 1)
	// Drain the single token.
	if _, err := throttled.DescribeSchedule(context.Background(), "chan"); err != nil {
		t.Fatalf("first describe: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := throttled.DescribeSchedule(ctx, "chan"); err == nil {
		t.Fatal("expected rate limiter to reject call that cannot be served before the deadline")
	}
}

func TestConfigNewGatewayDisabled(t *testing.T) {
	gateway, err := Config{}.NewGateway(nil, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	if _, ok := gateway.(NoopGateway); !ok {
		t.Fatalf("expected NoopGateway, got %T", gateway)
	}
}
