package playout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clowdr-app/clowdr-sub007/internal/channelstack"
	"github.com/clowdr-app/clowdr-sub007/internal/encoder"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/logging"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/metrics"
	"github.com/clowdr-app/clowdr-sub007/internal/queue"
	"github.com/clowdr-app/clowdr-sub007/internal/storage"
)

// ChannelStateMissing is published when the encoder does not know a stack's
// channel.
const ChannelStateMissing = "MISSING"

// StackSyncer runs the channel stack lifecycle passes.
type StackSyncer interface {
	SyncChannelStacks(ctx context.Context) error
}

// Publisher enqueues room schedule syncs.
type Publisher interface {
	Publish(ctx context.Context, request queue.RoomSync) error
}

// Intervals configures the periodic loops. A zero interval disables its loop.
type Intervals struct {
	StackSync    time.Duration
	ScheduleSync time.Duration
	Status       time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		StackSync:    time.Minute,
		ScheduleSync: time.Minute,
		Status:       30 * time.Second,
	}
}

// Runner drives the poll-based reconciliation: channel stack passes, the
// schedule sync fan-out over every room with a stack, and channel status
// telemetry.
type Runner struct {
	stacks    StackSyncer
	repo      storage.Repository
	gateway   encoder.Gateway
	syncs     Publisher
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time
	intervals Intervals
	newTicker TickerFactory
	statusFan int
	wake      chan struct{}
}

type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(r *Runner) {
		if recorder != nil {
			r.metrics = recorder
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func WithIntervals(intervals Intervals) Option {
	return func(r *Runner) {
		r.intervals = intervals
	}
}

func WithTickerFactory(factory TickerFactory) Option {
	return func(r *Runner) {
		if factory != nil {
			r.newTicker = factory
		}
	}
}

// WithStatusConcurrency bounds concurrent channel state lookups.
func WithStatusConcurrency(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.statusFan = n
		}
	}
}

func NewRunner(stacks StackSyncer, repo storage.Repository, gateway encoder.Gateway, syncs Publisher, opts ...Option) *Runner {
	r := &Runner{
		stacks:    stacks,
		repo:      repo,
		gateway:   gateway,
		syncs:     syncs,
		logger:    slog.Default(),
		metrics:   metrics.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		intervals: DefaultIntervals(),
		newTicker: NewTimeTicker,
		statusFan: 4,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.WithComponent(r.logger, "playout")
	return r
}

// TriggerStackSync asks the stack loop to run early. Triggers arriving while
// one is already pending are merged.
func (r *Runner) TriggerStackSync() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run starts every enabled loop. Each loop runs once immediately and then on
// its ticker. Run returns once ctx is cancelled and all loops have stopped.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	start := func(name string, interval time.Duration, wake <-chan struct{}, fn func(context.Context) error) {
		if interval <= 0 {
			r.logger.Info("loop disabled", "loop", name)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.loop(ctx, name, interval, wake, fn)
		}()
	}
	start("stack_sync", r.intervals.StackSync, r.wake, r.SyncStacks)
	start("schedule_sync", r.intervals.ScheduleSync, nil, r.FanOutScheduleSyncs)
	start("channel_status", r.intervals.Status, nil, r.PollChannelStatus)
	wg.Wait()
	return nil
}

func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, wake <-chan struct{}, fn func(context.Context) error) {
	ticker := r.newTicker(interval)
	defer ticker.Stop()
	logger := r.logger.With("loop", name)
	run := func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error("periodic pass failed", "error", err)
		}
	}
	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			run()
		case <-wake:
			run()
		}
	}
}

// SyncStacks runs the channel stack passes. A sync already in progress
// elsewhere is not an error.
func (r *Runner) SyncStacks(ctx context.Context) error {
	err := r.stacks.SyncChannelStacks(ctx)
	if errors.Is(err, channelstack.ErrSyncInProgress) {
		r.logger.Debug("channel stack sync already running")
		return nil
	}
	return err
}

// FanOutScheduleSyncs enqueues a schedule sync for every room with a stack.
func (r *Runner) FanOutScheduleSyncs(ctx context.Context) error {
	rooms, err := r.repo.ListRoomsWithChannelStacks(ctx)
	if err != nil {
		return fmt.Errorf("list rooms with channel stacks: %w", err)
	}
	now := r.now()
	var errs []error
	for _, roomID := range rooms {
		err := r.syncs.Publish(ctx, queue.RoomSync{RoomID: roomID, Reason: queue.ReasonPeriodic, RequestedAt: now})
		if errors.Is(err, queue.ErrQueueFull) {
			r.logger.Warn("room sync queue full; remaining rooms wait for the next pass", "room_id", roomID)
			break
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
		}
	}
	return errors.Join(errs...)
}

// PollChannelStatus publishes every stack's encoder channel state as a gauge.
func (r *Runner) PollChannelStatus(ctx context.Context) error {
	rooms, err := r.repo.ListRoomsWithChannelStacks(ctx)
	if err != nil {
		return fmt.Errorf("list rooms with channel stacks: %w", err)
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.statusFan)
	for _, roomID := range rooms {
		roomID := roomID
		g.Go(func() error {
			if err := r.pollRoom(gctx, roomID); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("room %s: %w", roomID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (r *Runner) pollRoom(ctx context.Context, roomID string) error {
	stack, err := r.repo.GetChannelStackByRoom(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load channel stack: %w", err)
	}
	state, err := r.gateway.DescribeChannelState(ctx, stack.EncoderChannelID)
	if err != nil {
		return fmt.Errorf("describe channel %s: %w", stack.EncoderChannelID, err)
	}
	current := ChannelStateMissing
	if state != nil {
		current = string(*state)
	}
	r.metrics.SetChannelState(roomID, stack.EncoderChannelID, current)
	return nil
}
