package channelstack

import (
	"context"
	"errors"
	"fmt"

	"github.com/clowdr-app/clowdr-sub007/internal/infra"
	"github.com/clowdr-app/clowdr-sub007/internal/models"
	"github.com/clowdr-app/clowdr-sub007/internal/storage"
)

// Notification hooks. Deliveries are at least once, so every hook tolerates
// repeats and unknown stacks.

// HandleStackCreateComplete materializes the stack recorded for stackName and
// returns the room it belongs to. The room id is empty when no pending job
// matched.
func (c *Controller) HandleStackCreateComplete(ctx context.Context, stackName, stackID string) (string, error) {
	job, ok, err := c.pendingCreateJob(ctx, stackName)
	if err != nil || !ok {
		return "", err
	}
	desc, err := c.deployer.Describe(ctx, stackName)
	if err != nil {
		return "", fmt.Errorf("describe stack %s: %w", stackName, err)
	}
	if desc == nil || desc.Status != infra.StatusCreateComplete {
		c.logger.Warn("create notification not yet reflected by deployer", "stack", stackName)
		return "", nil
	}
	if stackID == "" {
		stackID = desc.StackID
	}
	if err := c.completeCreateJob(ctx, job, stackID, desc.Outputs); err != nil {
		return "", err
	}
	return job.RoomID, nil
}

func (c *Controller) HandleStackCreateFailed(ctx context.Context, stackName, stackID, reason string) error {
	job, ok, err := c.pendingCreateJob(ctx, stackName)
	if err != nil || !ok {
		return err
	}
	if reason == "" {
		reason = string(infra.StatusCreateFailed)
	}
	return c.failCreateJob(ctx, job, reason)
}

func (c *Controller) HandleStackDeleteComplete(ctx context.Context, stackName, stackID string) error {
	job, ok, err := c.pendingDeleteJob(ctx, stackName, stackID)
	if err != nil || !ok {
		return err
	}
	_, err = c.repo.UpdateChannelStackDeleteJob(ctx, job.ID, storage.JobUpdate{Status: models.JobStatusCompleted})
	if errors.Is(err, storage.ErrJobTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete delete job %s: %w", job.ID, err)
	}
	c.observeJob(jobKindDelete, models.JobStatusCompleted)
	c.logger.Info("channel stack deleted", "stack", job.StackName, "job_id", job.ID)
	return nil
}

func (c *Controller) HandleStackDeleteFailed(ctx context.Context, stackName, stackID, reason string) error {
	job, ok, err := c.pendingDeleteJob(ctx, stackName, stackID)
	if err != nil || !ok {
		return err
	}
	if reason == "" {
		reason = string(infra.StatusDeleteFailed)
	}
	return c.failDeleteJob(ctx, job, reason)
}

func (c *Controller) pendingCreateJob(ctx context.Context, stackName string) (models.ChannelStackCreateJob, bool, error) {
	job, err := c.repo.GetChannelStackCreateJobByStackName(ctx, stackName)
	if errors.Is(err, storage.ErrNotFound) {
		c.logger.Info("no create job for stack notification", "stack", stackName)
		return models.ChannelStackCreateJob{}, false, nil
	}
	if err != nil {
		return models.ChannelStackCreateJob{}, false, fmt.Errorf("load create job for %s: %w", stackName, err)
	}
	if job.Status.Terminal() {
		c.logger.Debug("create job already finished", "stack", stackName, "status", string(job.Status))
		return models.ChannelStackCreateJob{}, false, nil
	}
	return job, true, nil
}

func (c *Controller) pendingDeleteJob(ctx context.Context, stackName, stackID string) (models.ChannelStackDeleteJob, bool, error) {
	for _, key := range []string{stackID, stackName} {
		if key == "" {
			continue
		}
		job, err := c.repo.GetChannelStackDeleteJobByStack(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return models.ChannelStackDeleteJob{}, false, fmt.Errorf("load delete job for %s: %w", key, err)
		}
		if job.Status.Terminal() {
			c.logger.Debug("delete job already finished", "stack", key, "status", string(job.Status))
			return models.ChannelStackDeleteJob{}, false, nil
		}
		return job, true, nil
	}
	c.logger.Info("no delete job for stack notification", "stack", stackName, "stack_id", stackID)
	return models.ChannelStackDeleteJob{}, false, nil
}
