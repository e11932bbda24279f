package encoder

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/clowdr-app/clowdr-sub007/internal/models"
)

// Throttled limits describe calls against the wrapped gateway with a token
// bucket and a cap on in-flight requests. Mutations pass through unthrottled.
type Throttled struct {
	next     Gateway
	limiter  *rate.Limiter
	inflight *semaphore.Weighted
}

func NewThrottled(next Gateway, perSecond float64, burst, concurrency int) *Throttled {
	if burst <= 0 {
		burst = 1
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Throttled{
		next:     next,
		limiter:  rate.NewLimiter(limit, burst),
		inflight: semaphore.NewWeighted(int64(concurrency)),
	}
}

func (t *Throttled) acquire(ctx context.Context) (func(), error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := t.inflight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { t.inflight.Release(1) }, nil
}

func (t *Throttled) DescribeChannelState(ctx context.Context, channelID string) (*models.ChannelState, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return t.next.DescribeChannelState(ctx, channelID)
}

func (t *Throttled) DescribeSchedule(ctx context.Context, channelID string) ([]ScheduleAction, error) {
	release, err := t.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return t.next.DescribeSchedule(ctx, channelID)
}

func (t *Throttled) UpdateSchedule(ctx context.Context, channelID string, deletes []string, creates []ScheduleAction) error {
	return t.next.UpdateSchedule(ctx, channelID, deletes, creates)
}

func (t *Throttled) StopChannel(ctx context.Context, channelID string) error {
	return t.next.StopChannel(ctx, channelID)
}
