package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clowdr-app/clowdr-sub007/internal/encoder"
	"github.com/clowdr-app/clowdr-sub007/internal/models"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/logging"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/metrics"
	"github.com/clowdr-app/clowdr-sub007/internal/storage"
)

// Skip reasons reported in SyncResult.
const (
	SkipNoStack          = "no channel stack"
	SkipStateUnavailable = "channel state unavailable"
	SkipChannelMissing   = "channel not found"
	SkipChannelBusy      = "channel not idle or running"
)

// SyncResult summarises one schedule reconciliation.
type SyncResult struct {
	RoomID     string
	ChannelID  string
	Deleted    []string
	Created    []string
	Reassigned []InputAssignment
	Skipped    string
	DryRun     bool
}

// Engine reconciles each room's encoder schedule with its upcoming events.
type Engine struct {
	repo    storage.Repository
	gateway encoder.Gateway
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
	dryRun  bool
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(e *Engine) {
		if recorder != nil {
			e.metrics = recorder
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDryRun computes plans without persisting input assignments or
// submitting schedule changes.
func WithDryRun(enabled bool) Option {
	return func(e *Engine) {
		e.dryRun = enabled
	}
}

func NewEngine(repo storage.Repository, gateway encoder.Gateway, opts ...Option) *Engine {
	engine := &Engine{
		repo:    repo,
		gateway: gateway,
		logger:  slog.Default(),
		metrics: metrics.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(engine)
	}
	engine.logger = logging.WithComponent(engine.logger, "schedule")
	return engine
}

// SyncChannelSchedule brings the encoder schedule of the room's channel in
// line with the room's events over the next Horizon.
func (e *Engine) SyncChannelSchedule(ctx context.Context, roomID string) (SyncResult, error) {
	result := SyncResult{RoomID: roomID, DryRun: e.dryRun}
	ctx = logging.ContextWithRoomID(ctx, roomID)
	logger := logging.WithContext(ctx, e.logger)

	stack, err := e.repo.GetChannelStackByRoom(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("room has no channel stack, skipping schedule sync")
		result.Skipped = SkipNoStack
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("load channel stack: %w", err)
	}
	result.ChannelID = stack.EncoderChannelID
	logger = logger.With("channel_id", stack.EncoderChannelID)

	state, err := e.gateway.DescribeChannelState(ctx, stack.EncoderChannelID)
	if err != nil {
		logger.Warn("could not describe channel state", "error", err)
		result.Skipped = SkipStateUnavailable
		return result, nil
	}
	if state == nil {
		logger.Warn("encoder channel not found")
		result.Skipped = SkipChannelMissing
		return result, nil
	}
	if *state != models.ChannelStateIdle && *state != models.ChannelStateRunning {
		logger.Info("channel is not idle or running, skipping schedule sync", "state", string(*state))
		result.Skipped = SkipChannelBusy
		return result, nil
	}

	actions, err := e.gateway.DescribeSchedule(ctx, stack.EncoderChannelID)
	if err != nil {
		return result, fmt.Errorf("describe schedule: %w", err)
	}
	remote := ClassifyAll(actions)
	now := e.now()

	removals := InvalidRemovals(remote, now)
	deletes := newNameSet()
	for _, name := range removals {
		deletes.add(name)
	}
	surviving := make([]RemoteAction, 0, len(remote))
	for _, action := range remote {
		if !deletes.seen[action.Name] {
			surviving = append(surviving, action)
		}
	}

	desired, assignments, err := e.desiredSchedule(ctx, roomID, now)
	if err != nil {
		return result, err
	}
	result.Reassigned = assignments

	filler, err := e.repo.GetConferenceFillerVideo(ctx, stack.ConferenceID)
	if err != nil {
		return result, fmt.Errorf("load filler video: %w", err)
	}

	plan := Diff(desired, surviving, stack, filler, now)
	for _, name := range plan.Deletes {
		deletes.add(name)
	}
	result.Deleted = deletes.order
	for _, action := range plan.Creates {
		result.Created = append(result.Created, action.Name)
	}

	if len(result.Deleted) == 0 && len(result.Created) == 0 {
		logger.Debug("schedule already up to date")
		return result, nil
	}
	if e.dryRun {
		logger.Info("schedule changes computed (dry run)", "deletes", result.Deleted, "creates", result.Created)
		return result, nil
	}
	if err := e.gateway.UpdateSchedule(ctx, stack.EncoderChannelID, result.Deleted, plan.Creates); err != nil {
		return result, fmt.Errorf("update schedule: %w", err)
	}
	e.metrics.ObserveScheduleChanges(len(result.Deleted), len(result.Created))
	logger.Info("schedule updated", "deleted", len(result.Deleted), "created", len(result.Created))
	return result, nil
}

// desiredSchedule loads the room's upcoming events, rebalances live inputs
// and resolves each broadcast event into a LocalAction.
func (e *Engine) desiredSchedule(ctx context.Context, roomID string, now time.Time) ([]LocalAction, []InputAssignment, error) {
	events, err := e.repo.ListRoomEvents(ctx, roomID, now, now.Add(Horizon))
	if err != nil {
		return nil, nil, fmt.Errorf("list room events: %w", err)
	}

	assignments := AlternateInputs(events, now)
	if !e.dryRun {
		for _, assignment := range assignments {
			if err := e.repo.SetEventRTMPInput(ctx, assignment.EventID, assignment.Input); err != nil {
				return nil, nil, fmt.Errorf("assign rtmp input to event %s: %w", assignment.EventID, err)
			}
		}
	}
	events = ApplyAssignments(events, assignments)

	cutoff := now.Add(ExecutionMargin)
	desired := make([]LocalAction, 0, len(events))
	for _, event := range events {
		if !event.IntendedMode.Broadcast() || !event.StartTime.After(cutoff) {
			continue
		}
		local := LocalAction{
			EventID:   event.ID,
			Mode:      event.IntendedMode,
			StartTime: event.StartTime,
			EndTime:   event.EndTime,
		}
		switch {
		case event.IntendedMode == models.EventModePrerecorded:
			key, err := e.resolveVideoKey(ctx, event)
			if err != nil {
				return nil, nil, err
			}
			local.VideoKey = key
		case event.IntendedMode.Live():
			if event.RTMPInput != nil {
				input := *event.RTMPInput
				local.Input = &input
			}
		}
		desired = append(desired, local)
	}
	return desired, assignments, nil
}

func (e *Engine) resolveVideoKey(ctx context.Context, event models.Event) (*string, error) {
	if event.VideoElementID == nil {
		e.logger.Debug("prerecorded event has no video element", "event_id", event.ID)
		return nil, nil
	}
	element, err := e.repo.GetElement(ctx, *event.VideoElementID)
	if errors.Is(err, storage.ErrNotFound) {
		e.logger.Warn("video element for event not found", "event_id", event.ID, "element_id", *event.VideoElementID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load element %s: %w", *event.VideoElementID, err)
	}
	if element.ConferenceID != event.ConferenceID {
		e.logger.Warn("video element belongs to another conference", "event_id", event.ID, "element_id", element.ID)
		return nil, nil
	}
	version, ok := element.LatestVersion()
	if !ok {
		return nil, nil
	}
	key, ok := version.VideoKey()
	if !ok || key == "" {
		return nil, nil
	}
	return &key, nil
}
