package storage

import (
	"context"
	"errors"
	"time"

	"github.com/clowdr-app/clowdr-sub007/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would break a uniqueness rule such
	// as one channel stack per room.
	ErrConflict = errors.New("conflict")
	// ErrJobTerminal is returned when updating a job that already completed or
	// failed.
	ErrJobTerminal = errors.New("job already in a terminal state")
)

const (
	// StackLeadTime is how long before an event starts its room needs a
	// channel stack.
	StackLeadTime = time.Hour
	// StackRetention is how long after the last event ended a stack is kept.
	StackRetention = 24 * time.Hour
)

// JobUpdate changes the status of a create or delete job. Nil fields are left
// untouched.
type JobUpdate struct {
	Status       models.JobStatus
	Message      *string
	InfraStackID *string
}

// Repository is the typed datastore surface used by the orchestration
// subsystems.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	UpsertRoom(ctx context.Context, room models.Room) error
	GetRoom(ctx context.Context, id string) (models.Room, error)
	UpsertEvent(ctx context.Context, event models.Event) error
	GetEvent(ctx context.Context, id string) (models.Event, error)
	// ListRoomEvents returns the room's events starting in [from, to), ordered
	// by start time.
	ListRoomEvents(ctx context.Context, roomID string, from, to time.Time) ([]models.Event, error)
	SetEventRTMPInput(ctx context.Context, eventID string, input models.RTMPInput) error
	UpsertElement(ctx context.Context, element models.Element) error
	GetElement(ctx context.Context, id string) (models.Element, error)
	GetConferenceFillerVideo(ctx context.Context, conferenceID string) (*string, error)
	SetConferenceFillerVideo(ctx context.Context, conferenceID string, key *string) error

	// FindRoomsNeedingChannelStack returns rooms with a broadcast event that is
	// in progress or starts within StackLeadTime, and that have neither a
	// channel stack nor an in-progress create job.
	FindRoomsNeedingChannelStack(ctx context.Context, now time.Time) ([]models.Room, error)
	// FindObsoleteChannelStacks returns stacks that are detached or whose room
	// has no broadcast event that ended within StackRetention, is in progress
	// or starts within StackLeadTime.
	FindObsoleteChannelStacks(ctx context.Context, now time.Time) ([]models.ChannelStack, error)
	// ListRoomsWithChannelStacks returns the ids of rooms owning a stack.
	ListRoomsWithChannelStacks(ctx context.Context) ([]string, error)

	CreateChannelStack(ctx context.Context, stack models.ChannelStack) (models.ChannelStack, error)
	GetChannelStack(ctx context.Context, id string) (models.ChannelStack, error)
	GetChannelStackByRoom(ctx context.Context, roomID string) (models.ChannelStack, error)
	GetChannelStackByChannel(ctx context.Context, channelID string) (models.ChannelStack, error)
	ListChannelStacks(ctx context.Context) ([]models.ChannelStack, error)
	DetachChannelStack(ctx context.Context, id string) error
	DeleteChannelStack(ctx context.Context, id string) error

	CreateChannelStackCreateJob(ctx context.Context, job models.ChannelStackCreateJob) (models.ChannelStackCreateJob, error)
	GetChannelStackCreateJobByStackName(ctx context.Context, stackName string) (models.ChannelStackCreateJob, error)
	UpdateChannelStackCreateJob(ctx context.Context, id string, update JobUpdate) (models.ChannelStackCreateJob, error)
	// ListChannelStackCreateJobs filters by status and, when createdBefore is
	// non-zero, by creation time.
	ListChannelStackCreateJobs(ctx context.Context, status models.JobStatus, createdBefore time.Time) ([]models.ChannelStackCreateJob, error)

	CreateChannelStackDeleteJob(ctx context.Context, job models.ChannelStackDeleteJob) (models.ChannelStackDeleteJob, error)
	// GetChannelStackDeleteJobByStack matches either the stack name or the
	// infrastructure stack id and returns the most recent job.
	GetChannelStackDeleteJobByStack(ctx context.Context, stack string) (models.ChannelStackDeleteJob, error)
	ListChannelStackDeleteJobs(ctx context.Context, statuses ...models.JobStatus) ([]models.ChannelStackDeleteJob, error)
	UpdateChannelStackDeleteJob(ctx context.Context, id string, update JobUpdate) (models.ChannelStackDeleteJob, error)

	CreateImmediateSwitch(ctx context.Context, request models.ImmediateSwitch) (models.ImmediateSwitch, error)
	GetImmediateSwitch(ctx context.Context, id string) (models.ImmediateSwitch, error)
	RecordImmediateSwitchOutcome(ctx context.Context, id string, executedAt *time.Time, errorMessage *string) error
}

// eventQualifies reports whether a broadcast event keeps a room's stack alive.
func eventQualifies(event models.Event, now time.Time) bool {
	if !event.IntendedMode.Broadcast() {
		return false
	}
	return !event.EndTime.Before(now.Add(-StackRetention)) && !event.StartTime.After(now.Add(StackLeadTime))
}

// eventNeedsStack reports whether a broadcast event requires a stack now.
func eventNeedsStack(event models.Event, now time.Time) bool {
	if !event.IntendedMode.Broadcast() {
		return false
	}
	if event.InProgress(now) {
		return true
	}
	return !event.StartTime.Before(now) && !event.StartTime.After(now.Add(StackLeadTime))
}

func applyJobUpdate(status *models.JobStatus, message *string, infraStackID *string, update JobUpdate) error {
	if status.Terminal() {
		return ErrJobTerminal
	}
	if update.Status != "" {
		*status = update.Status
	}
	if update.Message != nil {
		*message = *update.Message
	}
	if update.InfraStackID != nil && infraStackID != nil {
		*infraStackID = *update.InfraStackID
	}
	return nil
}
