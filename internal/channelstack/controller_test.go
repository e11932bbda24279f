package channelstack

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clowdr-app/clowdr-sub007/internal/infra"
	"github.com/clowdr-app/clowdr-sub007/internal/models"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/metrics"
	"github.com/clowdr-app/clowdr-sub007/internal/storage"
	"github.com/clowdr-app/clowdr-sub007/internal/testsupport/playoutfakes"
)

const testStackName = "room-abcde12345"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock    *testClock
	repo     storage.Repository
	deployer *playoutfakes.Deployer
	encoder  *playoutfakes.Encoder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	repo, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"), storage.WithClock(clock.Now))
	require.NoError(t, err)
	return &fixture{
		clock:    clock,
		repo:     repo,
		deployer: playoutfakes.NewDeployer(),
		encoder:  playoutfakes.NewEncoder(),
	}
}

func (f *fixture) controller(opts ...Option) *Controller {
	base := []Option{
		WithClock(f.clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithMetrics(metrics.New()),
		WithStackNameGenerator(func() (string, error) { return testStackName, nil }),
	}
	return NewController(f.repo, f.deployer, f.encoder, append(base, opts...)...)
}

func (f *fixture) seedRoomWithEvent(t *testing.T, roomID string, startIn time.Duration) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.repo.UpsertRoom(ctx, models.Room{ID: roomID, ConferenceID: "conf-1", Name: roomID}))
	start := f.clock.Now().Add(startIn)
	require.NoError(t, f.repo.UpsertEvent(ctx, models.Event{
		ID:           "event-" + roomID,
		RoomID:       roomID,
		ConferenceID: "conf-1",
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
		IntendedMode: models.EventModePresentation,
	}))
}

func (f *fixture) seedStack(t *testing.T, roomID *string, name string) models.ChannelStack {
	t.Helper()
	stack, err := infra.ChannelStackFromOutputs(playoutfakes.StackOutputs(name))
	require.NoError(t, err)
	stack.RoomID = roomID
	stack.ConferenceID = "conf-1"
	stack.StackName = name
	stack.InfraStackID = playoutfakes.StackID(name)
	stack, err = f.repo.CreateChannelStack(context.Background(), stack)
	require.NoError(t, err)
	return stack
}

func (f *fixture) createJob(t *testing.T) models.ChannelStackCreateJob {
	t.Helper()
	job, err := f.repo.GetChannelStackCreateJobByStackName(context.Background(), testStackName)
	require.NoError(t, err)
	return job
}

func (f *fixture) deleteJob(t *testing.T, stack string) models.ChannelStackDeleteJob {
	t.Helper()
	job, err := f.repo.GetChannelStackDeleteJobByStack(context.Background(), stack)
	require.NoError(t, err)
	return job
}

func TestEnsureCreatedRecordsJobBeforeDeploying(t *testing.T) {
	f := newFixture(t)
	f.seedRoomWithEvent(t, "room-1", 10*time.Minute)
	f.deployer.Gate = make(chan struct{})
	c := f.controller()

	require.NoError(t, c.EnsureCreated(context.Background()))
	job := f.createJob(t)
	assert.Equal(t, models.JobStatusInProgress, job.Status)
	assert.Equal(t, "room-1", job.RoomID)
	assert.Empty(t, f.deployer.Deployed(), "deployment has not finished yet")

	require.NoError(t, c.EnsureCreated(context.Background()))
	jobs, err := f.repo.ListChannelStackCreateJobs(context.Background(), "", time.Time{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "a room with an in-flight job is not provisioned twice")

	close(f.deployer.Gate)
	c.Wait()

	deployed := f.deployer.Deployed()
	require.Len(t, deployed, 1)
	assert.Equal(t, testStackName, deployed[0].StackName)
	assert.Equal(t, "room-1", deployed[0].RoomID)

	job = f.createJob(t)
	assert.Equal(t, models.JobStatusInProgress, job.Status)
	assert.Equal(t, playoutfakes.StackID(testStackName), job.InfraStackID)
}

func TestShutdownIsBoundedByContext(t *testing.T) {
	f := newFixture(t)
	f.seedRoomWithEvent(t, "room-1", 10*time.Minute)
	f.deployer.Gate = make(chan struct{})
	c := f.controller()
	require.NoError(t, c.EnsureCreated(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, models.JobStatusInProgress, f.createJob(t).Status, "abandoned deployments are left for the stuck job pass")

	close(f.deployer.Gate)
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Len(t, f.deployer.Deployed(), 1)
}

func TestEnsureCreatedMaterializesSynchronousCompletion(t *testing.T) {
	f := newFixture(t)
	f.seedRoomWithEvent(t, "room-1", 10*time.Minute)
	f.deployer.CompleteOnDeploy = true
	c := f.controller()

	require.NoError(t, c.EnsureCreated(context.Background()))
	c.Wait()

	assert.Equal(t, models.JobStatusCompleted, f.createJob(t).Status)
	stack, err := f.repo.GetChannelStackByRoom(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, testStackName, stack.StackName)
	assert.Equal(t, "channel-"+testStackName, stack.EncoderChannelID)
	assert.Equal(t, testStackName+infra.SuffixLooping, stack.LoopingAttachmentName)
}

func TestEnsureCreatedMarksDeployFailure(t *testing.T) {
	f := newFixture(t)
	f.seedRoomWithEvent(t, "room-1", 10*time.Minute)
	f.deployer.DeployErr = errors.New("quota exceeded")
	c := f.controller()

	require.NoError(t, c.EnsureCreated(context.Background()))
	c.Wait()

	job := f.createJob(t)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "quota exceeded", job.Message)
}

func TestEnsureCreatedIgnoresDistantEvents(t *testing.T) {
	f := newFixture(t)
	f.seedRoomWithEvent(t, "room-1", 3*time.Hour)
	c := f.controller()

	require.NoError(t, c.EnsureCreated(context.Background()))
	c.Wait()
	_, err := f.repo.GetChannelStackCreateJobByStackName(context.Background(), testStackName)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEnsureDestroyedRetiresDetachedStack(t *testing.T) {
	f := newFixture(t)
	stack := f.seedStack(t, nil, "room-detached")
	f.encoder.SetState(stack.EncoderChannelID, models.ChannelStateRunning)
	c := f.controller()

	require.NoError(t, c.EnsureDestroyed(context.Background()))

	jobs, err := f.repo.ListChannelStackDeleteJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stack.InfraStackID, jobs[0].InfraStackID)
	assert.Equal(t, stack.EncoderChannelID, jobs[0].EncoderChannelID)

	_, err = f.repo.GetChannelStack(context.Background(), stack.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "the record is removed regardless of encoder state")
}

func TestEnsureDestroyedResumesInterruptedRetirement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stack := f.seedStack(t, nil, "room-detached")
	f.encoder.SetState(stack.EncoderChannelID, models.ChannelStateRunning)
	pending, err := f.repo.CreateChannelStackDeleteJob(ctx, models.ChannelStackDeleteJob{
		InfraStackID:     stack.InfraStackID,
		StackName:        stack.StackName,
		EncoderChannelID: stack.EncoderChannelID,
		Status:           models.JobStatusNew,
	})
	require.NoError(t, err)
	c := f.controller()

	require.NoError(t, c.EnsureDestroyed(ctx))

	jobs, err := f.repo.ListChannelStackDeleteJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "the unfinished job is reused")
	assert.Equal(t, pending.ID, jobs[0].ID)
	_, err = f.repo.GetChannelStack(ctx, stack.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTeardownWaitsForChannelToStop(t *testing.T) {
	f := newFixture(t)
	stack := f.seedStack(t, nil, "room-live")
	f.encoder.SetState(stack.EncoderChannelID, models.ChannelStateRunning)
	c := f.controller()
	ctx := context.Background()

	require.NoError(t, c.EnsureDestroyed(ctx))
	assert.Equal(t, []string{stack.EncoderChannelID}, f.encoder.Stops())
	assert.Empty(t, f.deployer.Destroyed(), "teardown is never requested against a running channel")
	assert.Equal(t, models.JobStatusNew, f.deleteJob(t, stack.StackName).Status)

	require.NoError(t, c.EnsureDestroyed(ctx))
	assert.Len(t, f.encoder.Stops(), 1, "a stopping channel is left alone")
	assert.Empty(t, f.deployer.Destroyed())

	f.encoder.SetState(stack.EncoderChannelID, models.ChannelStateStarting)
	require.NoError(t, c.EnsureDestroyed(ctx))
	assert.Len(t, f.encoder.Stops(), 2)
	assert.Empty(t, f.deployer.Destroyed())

	f.encoder.SetState(stack.EncoderChannelID, models.ChannelStateIdle)
	require.NoError(t, c.EnsureDestroyed(ctx))
	assert.Equal(t, []string{stack.StackName}, f.deployer.Destroyed())
	assert.Equal(t, models.JobStatusInProgress, f.deleteJob(t, stack.StackName).Status)

	require.NoError(t, c.HandleStackDeleteComplete(ctx, stack.StackName, stack.InfraStackID))
	assert.Equal(t, models.JobStatusCompleted, f.deleteJob(t, stack.InfraStackID).Status)
	require.NoError(t, c.HandleStackDeleteComplete(ctx, stack.StackName, stack.InfraStackID), "redelivery is a no-op")
}

func TestTeardownOfMissingChannel(t *testing.T) {
	f := newFixture(t)
	stack := f.seedStack(t, nil, "room-gone")
	c := f.controller()

	require.NoError(t, c.EnsureDestroyed(context.Background()))
	assert.Equal(t, []string{stack.StackName}, f.deployer.Destroyed())
	assert.Empty(t, f.encoder.Stops())
}

func TestEnsureDestroyedKeepsActiveStacks(t *testing.T) {
	f := newFixture(t)
	f.seedRoomWithEvent(t, "room-1", 10*time.Minute)
	room := "room-1"
	stack := f.seedStack(t, &room, "room-active")
	c := f.controller()

	require.NoError(t, c.EnsureDestroyed(context.Background()))
	_, err := f.repo.GetChannelStack(context.Background(), stack.ID)
	assert.NoError(t, err)
	jobs, err := f.repo.ListChannelStackDeleteJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestEnsureDestroyedRecordsDestroyFailure(t *testing.T) {
	f := newFixture(t)
	stack := f.seedStack(t, nil, "room-broken")
	f.deployer.DestroyErr = errors.New("access denied")
	c := f.controller()

	err := c.EnsureDestroyed(context.Background())
	require.Error(t, err)
	job := f.deleteJob(t, stack.StackName)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "access denied", job.Message)
}

func TestEnsureDestroyedTimesOutStuckJobs(t *testing.T) {
	f := newFixture(t)
	stack := f.seedStack(t, nil, "room-stuck")
	c := f.controller()
	ctx := context.Background()

	require.NoError(t, c.EnsureDestroyed(ctx))
	require.Equal(t, models.JobStatusInProgress, f.deleteJob(t, stack.StackName).Status)

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, c.EnsureDestroyed(ctx))
	require.Equal(t, models.JobStatusInProgress, f.deleteJob(t, stack.StackName).Status)

	f.clock.Advance(31 * time.Minute)
	require.NoError(t, c.EnsureDestroyed(ctx))
	job := f.deleteJob(t, stack.StackName)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, deleteTimedOutMessage, job.Message)
}

func TestPollStuckCreateJobs(t *testing.T) {
	ctx := context.Background()
	start := func(t *testing.T) (*fixture, *Controller) {
		f := newFixture(t)
		f.seedRoomWithEvent(t, "room-1", 10*time.Minute)
		c := f.controller()
		require.NoError(t, c.EnsureCreated(ctx))
		c.Wait()
		return f, c
	}

	t.Run("recent jobs are not polled", func(t *testing.T) {
		f, c := start(t)
		f.deployer.SetStack(infra.StackDescription{StackName: testStackName, Status: infra.StatusRollbackComplete})
		f.clock.Advance(10 * time.Minute)
		require.NoError(t, c.PollStuckCreateJobs(ctx))
		assert.Equal(t, models.JobStatusInProgress, f.createJob(t).Status)
	})

	t.Run("completed stack is materialized", func(t *testing.T) {
		f, c := start(t)
		f.deployer.SetStack(infra.StackDescription{
			StackID:   playoutfakes.StackID(testStackName),
			StackName: testStackName,
			Status:    infra.StatusCreateComplete,
			Outputs:   playoutfakes.StackOutputs(testStackName),
		})
		f.clock.Advance(20 * time.Minute)
		require.NoError(t, c.PollStuckCreateJobs(ctx))
		assert.Equal(t, models.JobStatusCompleted, f.createJob(t).Status)
		stack, err := f.repo.GetChannelStackByRoom(ctx, "room-1")
		require.NoError(t, err)
		assert.Equal(t, playoutfakes.StackID(testStackName), stack.InfraStackID)
	})

	t.Run("rolled back stack fails the job", func(t *testing.T) {
		f, c := start(t)
		f.deployer.SetStack(infra.StackDescription{StackName: testStackName, Status: infra.StatusRollbackComplete, Reason: "Resource limit"})
		f.clock.Advance(20 * time.Minute)
		require.NoError(t, c.PollStuckCreateJobs(ctx))
		job := f.createJob(t)
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Equal(t, "ROLLBACK_COMPLETE: Resource limit", job.Message)
	})

	t.Run("unknown stack fails the job", func(t *testing.T) {
		f := newFixture(t)
		f.seedRoomWithEvent(t, "room-1", 10*time.Minute)
		_, err := f.repo.CreateChannelStackCreateJob(ctx, models.ChannelStackCreateJob{RoomID: "room-1", ConferenceID: "conf-1", StackName: testStackName})
		require.NoError(t, err)
		f.clock.Advance(20 * time.Minute)
		require.NoError(t, f.controller().PollStuckCreateJobs(ctx))
		assert.Equal(t, stackNotFoundMessage, f.createJob(t).Message)
	})

	t.Run("long running creation is abandoned", func(t *testing.T) {
		f, c := start(t)
		f.clock.Advance(20 * time.Minute)
		require.NoError(t, c.PollStuckCreateJobs(ctx))
		assert.Equal(t, models.JobStatusInProgress, f.createJob(t).Status)

		f.clock.Advance(time.Hour)
		require.NoError(t, c.PollStuckCreateJobs(ctx))
		job := f.createJob(t)
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Equal(t, createAbandonedMessage, job.Message)
	})
}

func TestHandleStackCreateComplete(t *testing.T) {
	f := newFixture(t)
	f.seedRoomWithEvent(t, "room-1", 10*time.Minute)
	c := f.controller()
	ctx := context.Background()
	require.NoError(t, c.EnsureCreated(ctx))
	c.Wait()

	roomID, err := c.HandleStackCreateComplete(ctx, testStackName, playoutfakes.StackID(testStackName))
	require.NoError(t, err)
	assert.Empty(t, roomID, "deployer still reports creation in progress")

	f.deployer.SetStack(infra.StackDescription{
		StackID:   playoutfakes.StackID(testStackName),
		StackName: testStackName,
		Status:    infra.StatusCreateComplete,
		Outputs:   playoutfakes.StackOutputs(testStackName),
	})
	roomID, err = c.HandleStackCreateComplete(ctx, testStackName, playoutfakes.StackID(testStackName))
	require.NoError(t, err)
	assert.Equal(t, "room-1", roomID)
	assert.Equal(t, models.JobStatusCompleted, f.createJob(t).Status)

	roomID, err = c.HandleStackCreateComplete(ctx, testStackName, playoutfakes.StackID(testStackName))
	require.NoError(t, err)
	assert.Empty(t, roomID, "redelivery is a no-op")
	stacks, err := f.repo.ListChannelStacks(ctx)
	require.NoError(t, err)
	assert.Len(t, stacks, 1)

	roomID, err = c.HandleStackCreateComplete(ctx, "room-unknown", "")
	require.NoError(t, err)
	assert.Empty(t, roomID)
}

func TestHandleStackCreateCompleteStoresDuplicateDetached(t *testing.T) {
	f := newFixture(t)
	f.seedRoomWithEvent(t, "room-1", 10*time.Minute)
	c := f.controller()
	ctx := context.Background()
	require.NoError(t, c.EnsureCreated(ctx))
	c.Wait()

	room := "room-1"
	existing := f.seedStack(t, &room, "room-existing")
	f.deployer.SetStack(infra.StackDescription{
		StackID:   playoutfakes.StackID(testStackName),
		StackName: testStackName,
		Status:    infra.StatusCreateComplete,
		Outputs:   playoutfakes.StackOutputs(testStackName),
	})
	_, err := c.HandleStackCreateComplete(ctx, testStackName, "")
	require.NoError(t, err)

	attached, err := f.repo.GetChannelStackByRoom(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, attached.ID)

	stacks, err := f.repo.ListChannelStacks(ctx)
	require.NoError(t, err)
	require.Len(t, stacks, 2)
	for _, stack := range stacks {
		if stack.StackName == testStackName {
			assert.True(t, stack.Detached())
		}
	}
}

func TestHandleStackFailureHooks(t *testing.T) {
	f := newFixture(t)
	f.seedRoomWithEvent(t, "room-1", 10*time.Minute)
	c := f.controller()
	ctx := context.Background()
	require.NoError(t, c.EnsureCreated(ctx))
	c.Wait()

	require.NoError(t, c.HandleStackCreateFailed(ctx, testStackName, "", "Template error"))
	job := f.createJob(t)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "Template error", job.Message)
	require.NoError(t, c.HandleStackCreateFailed(ctx, testStackName, "", "again"))
	assert.Equal(t, "Template error", f.createJob(t).Message, "terminal jobs never change")

	stack := f.seedStack(t, nil, "room-old")
	require.NoError(t, c.EnsureDestroyed(ctx))
	require.NoError(t, c.HandleStackDeleteFailed(ctx, "", stack.InfraStackID, ""))
	deleted := f.deleteJob(t, stack.StackName)
	assert.Equal(t, models.JobStatusFailed, deleted.Status)
	assert.Equal(t, string(infra.StatusDeleteFailed), deleted.Message)

	require.NoError(t, c.HandleStackDeleteFailed(ctx, "room-unknown", "", "x"))
}

type stubLease struct {
	acquire  bool
	err      error
	released int
}

func (l *stubLease) TryAcquire(context.Context) (bool, error) { return l.acquire, l.err }

func (l *stubLease) Release(context.Context) error {
	l.released++
	return nil
}

func TestSyncChannelStacksSingleFlight(t *testing.T) {
	f := newFixture(t)
	c := f.controller()

	c.running.Store(true)
	assert.ErrorIs(t, c.SyncChannelStacks(context.Background()), ErrSyncInProgress)
	c.running.Store(false)

	require.NoError(t, c.SyncChannelStacks(context.Background()))
	assert.False(t, c.running.Load(), "the flag is released after a pass")
}

func TestSyncChannelStacksHonoursLease(t *testing.T) {
	f := newFixture(t)
	f.seedRoomWithEvent(t, "room-1", 10*time.Minute)

	held := &stubLease{}
	c := f.controller(WithLease(held))
	assert.ErrorIs(t, c.SyncChannelStacks(context.Background()), ErrSyncInProgress)
	assert.Zero(t, held.released)
	_, err := f.repo.GetChannelStackCreateJobByStackName(context.Background(), testStackName)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	free := &stubLease{acquire: true}
	c = f.controller(WithLease(free))
	require.NoError(t, c.SyncChannelStacks(context.Background()))
	c.Wait()
	assert.Equal(t, 1, free.released)
	f.createJob(t)
}

func TestSyncChannelStacksIsolatesPassFailures(t *testing.T) {
	f := newFixture(t)
	stack := f.seedStack(t, nil, "room-old")
	f.deployer.DestroyErr = errors.New("boom")
	c := f.controller()

	err := c.SyncChannelStacks(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), passEnsureDestroyed)
	assert.Equal(t, models.JobStatusFailed, f.deleteJob(t, stack.StackName).Status)
}

func TestNewStackName(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		name, err := NewStackName()
		require.NoError(t, err)
		assert.Regexp(t, `^room-[a-z0-9]{10}$`, name)
		seen[name] = true
	}
	assert.Greater(t, len(seen), 45)
}
