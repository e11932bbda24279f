package channelstack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clowdr-app/clowdr-sub007/internal/models"
	"github.com/clowdr-app/clowdr-sub007/internal/storage"
)

const deleteTimedOutMessage = "Delete job timed out"

// EnsureDestroyed retires obsolete channel stacks and advances pending delete
// jobs. Retiring records a delete job and removes the stack record at once;
// the infrastructure teardown follows once the encoder channel is confirmed
// not to be on air.
func (c *Controller) EnsureDestroyed(ctx context.Context) error {
	var errs []error
	stacks, err := c.repo.FindObsoleteChannelStacks(ctx, c.now())
	if err != nil {
		errs = append(errs, fmt.Errorf("find obsolete channel stacks: %w", err))
	}
	for _, stack := range stacks {
		if err := c.retireStack(ctx, stack); err != nil {
			c.logger.Error("could not retire channel stack", "stack", stack.StackName, "error", err)
			errs = append(errs, fmt.Errorf("stack %s: %w", stack.StackName, err))
		}
	}

	if err := c.processNewDeleteJobs(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.expireDeleteJobs(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Controller) retireStack(ctx context.Context, stack models.ChannelStack) error {
	job, err := c.retirementDeleteJob(ctx, stack)
	if err != nil {
		return err
	}
	if err := c.repo.DeleteChannelStack(ctx, stack.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete channel stack record: %w", err)
	}
	if !stack.Detached() {
		c.metrics.ForgetChannel(*stack.RoomID, stack.EncoderChannelID)
	}
	c.logger.Info("channel stack retired", "stack", stack.StackName, "job_id", job.ID, "detached", stack.Detached())
	return nil
}

// retirementDeleteJob returns the stack's unfinished delete job, recording a new
// one when there is none. A retirement interrupted before the stack record was
// removed is resumed with its existing job.
func (c *Controller) retirementDeleteJob(ctx context.Context, stack models.ChannelStack) (models.ChannelStackDeleteJob, error) {
	existing, err := c.repo.GetChannelStackDeleteJobByStack(ctx, stack.StackName)
	switch {
	case err == nil && !existing.Status.Terminal():
		return existing, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return models.ChannelStackDeleteJob{}, fmt.Errorf("look up delete job: %w", err)
	}
	job, err := c.repo.CreateChannelStackDeleteJob(ctx, models.ChannelStackDeleteJob{
		InfraStackID:     stack.InfraStackID,
		StackName:        stack.StackName,
		EncoderChannelID: stack.EncoderChannelID,
		Status:           models.JobStatusNew,
	})
	if err != nil {
		return models.ChannelStackDeleteJob{}, fmt.Errorf("record delete job: %w", err)
	}
	c.observeJob(jobKindDelete, models.JobStatusNew)
	return job, nil
}

func (c *Controller) processNewDeleteJobs(ctx context.Context) error {
	jobs, err := c.repo.ListChannelStackDeleteJobs(ctx, models.JobStatusNew)
	if err != nil {
		return fmt.Errorf("list new delete jobs: %w", err)
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	var group errgroup.Group
	group.SetLimit(c.concurrency)
	for _, job := range jobs {
		job := job
		group.Go(func() error {
			if err := c.advanceDeleteJob(ctx, job); err != nil {
				c.logger.Error("delete job step failed", "job_id", job.ID, "stack", job.StackName, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("delete job %s: %w", job.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return errors.Join(errs...)
}

// advanceDeleteJob requests teardown of a NEW job's stack. A channel that is
// on air is stopped first and the job stays NEW; teardown is never requested
// against a running or starting channel.
func (c *Controller) advanceDeleteJob(ctx context.Context, job models.ChannelStackDeleteJob) error {
	if job.EncoderChannelID != "" {
		state, err := c.gateway.DescribeChannelState(ctx, job.EncoderChannelID)
		if err != nil {
			return fmt.Errorf("describe channel %s: %w", job.EncoderChannelID, err)
		}
		if state != nil {
			switch {
			case state.Live():
				c.logger.Info("stopping channel before teardown", "channel_id", job.EncoderChannelID, "state", string(*state))
				if err := c.gateway.StopChannel(ctx, job.EncoderChannelID); err != nil {
					return fmt.Errorf("stop channel %s: %w", job.EncoderChannelID, err)
				}
				return nil
			case transitional(*state):
				c.logger.Debug("channel in transition, deferring teardown", "channel_id", job.EncoderChannelID, "state", string(*state))
				return nil
			}
		}
	}

	target := job.StackName
	if target == "" {
		target = job.InfraStackID
	}
	if err := c.deployer.Destroy(ctx, target); err != nil {
		if failErr := c.failDeleteJob(ctx, job, err.Error()); failErr != nil {
			return errors.Join(err, failErr)
		}
		return fmt.Errorf("destroy stack %s: %w", target, err)
	}
	_, err := c.repo.UpdateChannelStackDeleteJob(ctx, job.ID, storage.JobUpdate{Status: models.JobStatusInProgress})
	if errors.Is(err, storage.ErrJobTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark delete job in progress: %w", err)
	}
	c.observeJob(jobKindDelete, models.JobStatusInProgress)
	c.logger.Info("channel stack teardown requested", "stack", target, "job_id", job.ID)
	return nil
}

func transitional(state models.ChannelState) bool {
	switch state {
	case models.ChannelStateCreating, models.ChannelStateStopping, models.ChannelStateDeleting, models.ChannelStateUpdating:
		return true
	default:
		return false
	}
}

func (c *Controller) expireDeleteJobs(ctx context.Context) error {
	jobs, err := c.repo.ListChannelStackDeleteJobs(ctx, models.JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("list in-progress delete jobs: %w", err)
	}
	cutoff := c.now().Add(-c.deleteTimeout)
	var errs []error
	for _, job := range jobs {
		if !stuckSince(job.UpdatedAt, job.CreatedAt).Before(cutoff) {
			continue
		}
		if err := c.failDeleteJob(ctx, job, deleteTimedOutMessage); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func stuckSince(updatedAt, createdAt time.Time) time.Time {
	if updatedAt.IsZero() {
		return createdAt
	}
	return updatedAt
}
