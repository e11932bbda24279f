package channelstack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/clowdr-app/clowdr-sub007/internal/encoder"
	"github.com/clowdr-app/clowdr-sub007/internal/infra"
	"github.com/clowdr-app/clowdr-sub007/internal/models"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/logging"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/metrics"
	"github.com/clowdr-app/clowdr-sub007/internal/storage"
)

// ErrSyncInProgress is returned when SyncChannelStacks is called while a pass
// is already running in this process, or another instance holds the lease.
var ErrSyncInProgress = errors.New("channel stack sync already in progress")

const (
	passEnsureCreated   = "ensure_created"
	passEnsureDestroyed = "ensure_destroyed"
	passPollCreateJobs  = "poll_stuck_create_jobs"

	jobKindCreate = "create"
	jobKindDelete = "delete"
)

const (
	defaultConcurrency        = 4
	defaultDeployConcurrency  = 4
	defaultDeployTimeout      = 5 * time.Minute
	defaultCreateStuckAfter   = 15 * time.Minute
	defaultCreateAbandonAfter = time.Hour
	defaultDeleteTimeout      = time.Hour
)

// Controller provisions channel stacks for rooms that are about to broadcast
// and tears down the ones that are no longer needed.
type Controller struct {
	repo     storage.Repository
	deployer infra.Deployer
	gateway  encoder.Gateway
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
	lease    Lease

	notificationARN    string
	tags               map[string]string
	concurrency        int
	deployTimeout      time.Duration
	createStuckAfter   time.Duration
	createAbandonAfter time.Duration
	deleteTimeout      time.Duration
	stackName          func() (string, error)

	deploySlots *semaphore.Weighted
	background  sync.WaitGroup
	running     atomic.Bool
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(c *Controller) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLease guards SyncChannelStacks with a lease shared between instances.
func WithLease(lease Lease) Option {
	return func(c *Controller) {
		c.lease = lease
	}
}

// WithNotificationARN is forwarded to every deployed stack so lifecycle
// notifications reach the receiver.
func WithNotificationARN(arn string) Option {
	return func(c *Controller) {
		c.notificationARN = arn
	}
}

func WithStackTags(tags map[string]string) Option {
	return func(c *Controller) {
		c.tags = make(map[string]string, len(tags))
		for k, v := range tags {
			c.tags[k] = v
		}
	}
}

// WithConcurrency bounds per-job fan-out within a pass and the number of
// deployments running in the background.
func WithConcurrency(jobs, deploys int) Option {
	return func(c *Controller) {
		if jobs > 0 {
			c.concurrency = jobs
		}
		if deploys > 0 {
			c.deploySlots = semaphore.NewWeighted(int64(deploys))
		}
	}
}

func WithDeployTimeout(timeout time.Duration) Option {
	return func(c *Controller) {
		if timeout > 0 {
			c.deployTimeout = timeout
		}
	}
}

// WithJobTimeouts overrides the stuck create threshold, the create
// abandonment window and the delete timeout.
func WithJobTimeouts(createStuck, createAbandon, deleteTimeout time.Duration) Option {
	return func(c *Controller) {
		if createStuck > 0 {
			c.createStuckAfter = createStuck
		}
		if createAbandon > 0 {
			c.createAbandonAfter = createAbandon
		}
		if deleteTimeout > 0 {
			c.deleteTimeout = deleteTimeout
		}
	}
}

// WithStackNameGenerator replaces the random stack name source.
func WithStackNameGenerator(generate func() (string, error)) Option {
	return func(c *Controller) {
		if generate != nil {
			c.stackName = generate
		}
	}
}

func NewController(repo storage.Repository, deployer infra.Deployer, gateway encoder.Gateway, opts ...Option) *Controller {
	c := &Controller{
		repo:               repo,
		deployer:           deployer,
		gateway:            gateway,
		logger:             slog.Default(),
		metrics:            metrics.Default(),
		now:                func() time.Time { return time.Now().UTC() },
		concurrency:        defaultConcurrency,
		deployTimeout:      defaultDeployTimeout,
		createStuckAfter:   defaultCreateStuckAfter,
		createAbandonAfter: defaultCreateAbandonAfter,
		deleteTimeout:      defaultDeleteTimeout,
		stackName:          NewStackName,
		deploySlots:        semaphore.NewWeighted(defaultDeployConcurrency),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.WithComponent(c.logger, "channelstack")
	return c
}

// SyncChannelStacks runs the create, destroy and stuck-job passes. Overlapping
// calls are skipped with ErrSyncInProgress rather than queued. A failing pass
// does not prevent the others from running; their errors are joined.
func (c *Controller) SyncChannelStacks(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		c.metrics.ObserveSyncSkipped("channel_stacks")
		return ErrSyncInProgress
	}
	defer c.running.Store(false)

	if c.lease != nil {
		acquired, err := c.lease.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire sync lease: %w", err)
		}
		if !acquired {
			c.logger.Debug("sync lease held elsewhere, skipping")
			c.metrics.ObserveSyncSkipped("channel_stacks")
			return ErrSyncInProgress
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := c.lease.Release(releaseCtx); err != nil {
				c.logger.Warn("release sync lease", "error", err)
			}
		}()
	}

	passes := []struct {
		name string
		run  func(context.Context) error
	}{
		{passEnsureCreated, c.EnsureCreated},
		{passEnsureDestroyed, c.EnsureDestroyed},
		{passPollCreateJobs, c.PollStuckCreateJobs},
	}
	var errs []error
	for _, pass := range passes {
		err := pass.run(ctx)
		c.metrics.ObserveSyncPass(pass.name, err)
		if err != nil {
			c.logger.Error("channel stack pass failed", "pass", pass.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", pass.name, err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every background deployment has finished.
func (c *Controller) Wait() {
	c.background.Wait()
}

// Shutdown waits for background deployments until ctx is done. Deployments
// still running then are abandoned; their create jobs stay in progress and
// are picked up by PollStuckCreateJobs on the next start.
func (c *Controller) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.logger.Warn("shutdown with channel stack deployments still running", "error", ctx.Err())
		return ctx.Err()
	}
}

func (c *Controller) observeJob(kind string, status models.JobStatus) {
	c.metrics.ObserveJobTransition(kind, string(status))
}

func (c *Controller) failCreateJob(ctx context.Context, job models.ChannelStackCreateJob, message string) error {
	_, err := c.repo.UpdateChannelStackCreateJob(ctx, job.ID, storage.JobUpdate{
		Status:  models.JobStatusFailed,
		Message: &message,
	})
	if errors.Is(err, storage.ErrJobTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail create job %s: %w", job.ID, err)
	}
	c.observeJob(jobKindCreate, models.JobStatusFailed)
	c.logger.Warn("create job failed", "job_id", job.ID, "room_id", job.RoomID, "stack", job.StackName, "reason", message)
	return nil
}

func (c *Controller) failDeleteJob(ctx context.Context, job models.ChannelStackDeleteJob, message string) error {
	_, err := c.repo.UpdateChannelStackDeleteJob(ctx, job.ID, storage.JobUpdate{
		Status:  models.JobStatusFailed,
		Message: &message,
	})
	if errors.Is(err, storage.ErrJobTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail delete job %s: %w", job.ID, err)
	}
	c.observeJob(jobKindDelete, models.JobStatusFailed)
	c.logger.Warn("delete job failed", "job_id", job.ID, "stack", job.StackName, "reason", message)
	return nil
}
