package channelstack

import (
	"context"
	"errors"
	"fmt"

	"github.com/clowdr-app/clowdr-sub007/internal/infra"
	"github.com/clowdr-app/clowdr-sub007/internal/models"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/logging"
	"github.com/clowdr-app/clowdr-sub007/internal/storage"
)

// EnsureCreated starts provisioning for every room that needs a channel stack
// and has none. The create job is recorded before deployment begins so the
// room is not picked up again by the next pass. Deployments run in the
// background; use Wait to block on them.
func (c *Controller) EnsureCreated(ctx context.Context) error {
	rooms, err := c.repo.FindRoomsNeedingChannelStack(ctx, c.now())
	if err != nil {
		return fmt.Errorf("find rooms needing channel stack: %w", err)
	}
	var errs []error
	for _, room := range rooms {
		job, err := c.startCreateJob(ctx, room)
		if err != nil {
			c.logger.Error("could not start channel stack creation", "room_id", room.ID, "error", err)
			errs = append(errs, fmt.Errorf("room %s: %w", room.ID, err))
			continue
		}
		c.logger.Info("provisioning channel stack", "room_id", room.ID, "stack", job.StackName, "job_id", job.ID)
		c.deployInBackground(ctx, job)
	}
	return errors.Join(errs...)
}

func (c *Controller) startCreateJob(ctx context.Context, room models.Room) (models.ChannelStackCreateJob, error) {
	name, err := c.stackName()
	if err != nil {
		return models.ChannelStackCreateJob{}, err
	}
	job, err := c.repo.CreateChannelStackCreateJob(ctx, models.ChannelStackCreateJob{
		RoomID:       room.ID,
		ConferenceID: room.ConferenceID,
		StackName:    name,
		Status:       models.JobStatusInProgress,
	})
	if err != nil {
		return models.ChannelStackCreateJob{}, fmt.Errorf("record create job: %w", err)
	}
	c.observeJob(jobKindCreate, models.JobStatusInProgress)
	return job, nil
}

func (c *Controller) deployInBackground(ctx context.Context, job models.ChannelStackCreateJob) {
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		ctx = logging.ContextWithStackName(logging.ContextWithRoomID(ctx, job.RoomID), job.StackName)
		deployCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deployTimeout)
		defer cancel()
		if err := c.deploySlots.Acquire(deployCtx, 1); err != nil {
			c.recordDeployFailure(deployCtx, job, err)
			return
		}
		defer c.deploySlots.Release(1)
		c.deploy(deployCtx, job)
	}()
}

func (c *Controller) deploy(ctx context.Context, job models.ChannelStackCreateJob) {
	deployment, err := c.deployer.Deploy(ctx, infra.StackSpec{
		StackName:       job.StackName,
		RoomID:          job.RoomID,
		ConferenceID:    job.ConferenceID,
		NotificationARN: c.notificationARN,
		Tags:            c.tags,
	})
	if err != nil {
		c.recordDeployFailure(ctx, job, err)
		return
	}
	if deployment.StackID != "" {
		stackID := deployment.StackID
		updated, err := c.repo.UpdateChannelStackCreateJob(ctx, job.ID, storage.JobUpdate{InfraStackID: &stackID})
		switch {
		case errors.Is(err, storage.ErrJobTerminal):
			return
		case err != nil:
			logging.WithContext(ctx, c.logger).Warn("could not record infrastructure stack id", "job_id", job.ID, "error", err)
		default:
			job = updated
		}
	}
	if deployment.Status == infra.StatusCreateComplete && len(deployment.Outputs) > 0 {
		if err := c.completeCreateJob(ctx, job, deployment.StackID, deployment.Outputs); err != nil {
			logging.WithContext(ctx, c.logger).Error("could not materialize channel stack", "job_id", job.ID, "error", err)
		}
	}
}

func (c *Controller) recordDeployFailure(ctx context.Context, job models.ChannelStackCreateJob, cause error) {
	c.logger.Error("channel stack deployment failed", "job_id", job.ID, "stack", job.StackName, "error", cause)
	if err := c.failCreateJob(context.WithoutCancel(ctx), job, cause.Error()); err != nil {
		c.logger.Error("could not record deployment failure", "job_id", job.ID, "error", err)
	}
}

// completeCreateJob records the channel stack described by outputs and marks
// the job completed. If the room gained a stack in the meantime the new one is
// stored detached so the destroy pass removes it.
func (c *Controller) completeCreateJob(ctx context.Context, job models.ChannelStackCreateJob, stackID string, outputs map[string]string) error {
	stack, err := infra.ChannelStackFromOutputs(outputs)
	if err != nil {
		if failErr := c.failCreateJob(ctx, job, err.Error()); failErr != nil {
			return errors.Join(err, failErr)
		}
		return err
	}
	if stackID == "" {
		stackID = job.InfraStackID
	}
	stack.ConferenceID = job.ConferenceID
	stack.StackName = job.StackName
	stack.InfraStackID = stackID

	roomID := job.RoomID
	stack.RoomID = &roomID
	existing, err := c.repo.GetChannelStackByRoom(ctx, job.RoomID)
	switch {
	case err == nil:
		c.logger.Warn("room already has a channel stack, storing new stack detached",
			"room_id", job.RoomID, "existing_stack", existing.StackName, "stack", job.StackName)
		stack.RoomID = nil
	case !errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("load room channel stack: %w", err)
	}

	if _, err := c.repo.CreateChannelStack(ctx, stack); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return fmt.Errorf("record channel stack: %w", err)
		}
		if stack.RoomID != nil {
			stack.RoomID = nil
			if _, err := c.repo.CreateChannelStack(ctx, stack); err != nil && !errors.Is(err, storage.ErrConflict) {
				return fmt.Errorf("record detached channel stack: %w", err)
			}
		}
	}

	_, err = c.repo.UpdateChannelStackCreateJob(ctx, job.ID, storage.JobUpdate{
		Status:       models.JobStatusCompleted,
		InfraStackID: &stackID,
	})
	if errors.Is(err, storage.ErrJobTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete create job: %w", err)
	}
	c.observeJob(jobKindCreate, models.JobStatusCompleted)
	c.logger.Info("channel stack created", "room_id", job.RoomID, "stack", job.StackName, "channel_id", stack.EncoderChannelID)
	return nil
}
