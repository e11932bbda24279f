package channelstack

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/clowdr-app/clowdr-sub007/internal/infra"
	"github.com/clowdr-app/clowdr-sub007/internal/models"
)

const (
	createAbandonedMessage = "Create job abandoned"
	stackNotFoundMessage   = "Stack not found"
)

// PollStuckCreateJobs asks the deployer about create jobs that have been in
// progress for longer than notifications normally take, in case a completion
// notification was lost.
func (c *Controller) PollStuckCreateJobs(ctx context.Context) error {
	now := c.now()
	jobs, err := c.repo.ListChannelStackCreateJobs(ctx, models.JobStatusInProgress, now.Add(-c.createStuckAfter))
	if err != nil {
		return fmt.Errorf("list stuck create jobs: %w", err)
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
			if err := c.pollCreateJob(ctx, job); err != nil {
				c.logger.Error("could not resolve stuck create job", "job_id", job.ID, "stack", job.StackName, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("create job %s: %w", job.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return errors.Join(errs...)
}

func (c *Controller) pollCreateJob(ctx context.Context, job models.ChannelStackCreateJob) error {
	abandoned := job.CreatedAt.Before(c.now().Add(-c.createAbandonAfter))
	desc, err := c.deployer.Describe(ctx, job.StackName)
	if err != nil {
		if abandoned {
			return c.failCreateJob(ctx, job, createAbandonedMessage)
		}
		return fmt.Errorf("describe stack %s: %w", job.StackName, err)
	}
	switch {
	case desc == nil:
		return c.failCreateJob(ctx, job, stackNotFoundMessage)
	case desc.Status == infra.StatusCreateComplete:
		return c.completeCreateJob(ctx, job, desc.StackID, desc.Outputs)
	case desc.Status.CreateFailed():
		return c.failCreateJob(ctx, job, failureMessage(desc))
	case abandoned:
		return c.failCreateJob(ctx, job, createAbandonedMessage)
	default:
		c.logger.Info("create job still in progress", "job_id", job.ID, "stack", job.StackName, "status", string(desc.Status))
		return nil
	}
}

func failureMessage(desc *infra.StackDescription) string {
	if desc.Reason != "" {
		return fmt.Sprintf("%s: %s", desc.Status, desc.Reason)
	}
	return string(desc.Status)
}
