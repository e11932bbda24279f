package immediate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clowdr-app/clowdr-sub007/internal/encoder"
	"github.com/clowdr-app/clowdr-sub007/internal/models"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/logging"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/metrics"
	"github.com/clowdr-app/clowdr-sub007/internal/schedule"
	"github.com/clowdr-app/clowdr-sub007/internal/storage"
)

// EndMargin is how close to the end of an event a switch is still accepted.
const EndMargin = 20 * time.Second

const (
	outcomeExecuted = "executed"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// Handler applies operator requests to change a room's on-air source right
// away.
type Handler struct {
	repo    storage.Repository
	gateway encoder.Gateway
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(h *Handler) {
		if recorder != nil {
			h.metrics = recorder
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

func NewHandler(repo storage.Repository, gateway encoder.Gateway, opts ...Option) *Handler {
	h := &Handler{
		repo:    repo,
		gateway: gateway,
		logger:  slog.Default(),
		metrics: metrics.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = logging.WithComponent(h.logger, "immediate")
	return h
}

// Submit records a new request for conferenceID and executes it. The stored
// request, including its outcome, is returned alongside any error from
// HandleImmediateSwitch.
func (h *Handler) Submit(ctx context.Context, conferenceID, eventID string, data json.RawMessage) (models.ImmediateSwitch, error) {
	request := models.ImmediateSwitch{
		ID:           uuid.NewString(),
		ConferenceID: conferenceID,
		Data:         data,
	}
	if eventID = strings.TrimSpace(eventID); eventID != "" {
		request.EventID = &eventID
	}
	created, err := h.repo.CreateImmediateSwitch(ctx, request)
	if err != nil {
		return models.ImmediateSwitch{}, fmt.Errorf("record immediate switch: %w", err)
	}
	handleErr := h.HandleImmediateSwitch(ctx, data, created.ID, conferenceID, eventID)
	stored, err := h.repo.GetImmediateSwitch(ctx, created.ID)
	if err != nil {
		return created, errors.Join(handleErr, fmt.Errorf("reload immediate switch: %w", err))
	}
	return stored, handleErr
}

// HandleImmediateSwitch validates the request against its event and submits
// the switch to the encoder. An event outside conferenceID is treated as
// missing. Policy rejections are recorded on the request and
// returned as *SwitchError. Any other failure is recorded as a processing
// error and returned.
func (h *Handler) HandleImmediateSwitch(ctx context.Context, data json.RawMessage, requestID, conferenceID, eventID string) error {
	logger := h.logger.With("request_id", requestID, "event_id", eventID)

	req, err := ParseRequest(data)
	if err != nil {
		logger.Info("invalid immediate switch request", "error", err)
		return h.rejectRequest(ctx, requestID, ReasonInvalidRequest)
	}
	if eventID == "" {
		return h.rejectRequest(ctx, requestID, ReasonOutsideEvent)
	}

	actions, channelID, err := h.plan(ctx, req, requestID, conferenceID, eventID)
	if err != nil {
		var switchErr *SwitchError
		if errors.As(err, &switchErr) {
			return h.rejectRequest(ctx, requestID, switchErr.Reason)
		}
		return h.failRequest(ctx, logger, requestID, err)
	}

	if err := h.gateway.UpdateSchedule(ctx, channelID, nil, actions); err != nil {
		return h.failRequest(ctx, logger, requestID, fmt.Errorf("update schedule: %w", err))
	}
	executedAt := h.now()
	if err := h.repo.RecordImmediateSwitchOutcome(ctx, requestID, &executedAt, nil); err != nil {
		return fmt.Errorf("record immediate switch outcome: %w", err)
	}
	h.metrics.ObserveImmediateSwitch(outcomeExecuted)
	logger.Info("immediate switch executed", "kind", string(req.Kind), "channel_id", channelID)
	return nil
}

func (h *Handler) plan(ctx context.Context, req Request, requestID, conferenceID, eventID string) ([]encoder.ScheduleAction, string, error) {
	event, err := h.repo.GetEvent(ctx, eventID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", reject(ReasonEventNotFound)
	}
	if err != nil {
		return nil, "", fmt.Errorf("load event: %w", err)
	}
	if event.ConferenceID != conferenceID {
		return nil, "", reject(ReasonEventNotFound)
	}
	now := h.now()
	if !now.After(event.StartTime) {
		return nil, "", reject(ReasonNotStarted)
	}
	if now.After(event.EndTime.Add(-EndMargin)) {
		return nil, "", reject(ReasonTooCloseToEnd)
	}
	stack, err := h.repo.GetChannelStackByRoom(ctx, event.RoomID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", reject(ReasonNoStream)
	}
	if err != nil {
		return nil, "", fmt.Errorf("load channel stack: %w", err)
	}

	name := schedule.ImmediateActionName(requestID)
	live := stack.AttachmentFor(eventInput(event))
	switch req.Kind {
	case KindFiller:
		filler, err := h.repo.GetConferenceFillerVideo(ctx, event.ConferenceID)
		if err != nil {
			return nil, "", fmt.Errorf("load filler video: %w", err)
		}
		var path []string
		if filler != nil && *filler != "" {
			path = []string{*filler}
		}
		return []encoder.ScheduleAction{{
			Name:   name,
			Start:  encoder.ImmediateStart(),
			Switch: encoder.SwitchTo(stack.LoopingAttachmentName, path...),
		}}, stack.EncoderChannelID, nil
	case KindVideo:
		key, err := h.resolveVideo(ctx, req.ElementID, event.ConferenceID)
		if err != nil {
			return nil, "", err
		}
		return []encoder.ScheduleAction{
			{
				Name:   name,
				Start:  encoder.ImmediateStart(),
				Switch: encoder.SwitchTo(stack.MP4AttachmentName, key),
			},
			{
				Name:   schedule.ImmediateFollowActionName(requestID),
				Start:  encoder.FollowAfter(name, encoder.FollowEnd),
				Switch: encoder.SwitchTo(live),
			},
		}, stack.EncoderChannelID, nil
	case KindRTMPPush:
		return []encoder.ScheduleAction{{
			Name:   name,
			Start:  encoder.ImmediateStart(),
			Switch: encoder.SwitchTo(live),
		}}, stack.EncoderChannelID, nil
	default:
		return nil, "", reject(ReasonInvalidRequest)
	}
}

func eventInput(event models.Event) models.RTMPInput {
	if event.RTMPInput != nil && event.RTMPInput.Valid() {
		return *event.RTMPInput
	}
	return models.RTMPInputA
}

func (h *Handler) resolveVideo(ctx context.Context, elementID, conferenceID string) (string, error) {
	element, err := h.repo.GetElement(ctx, elementID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", reject(ReasonNoVideoData)
	}
	if err != nil {
		return "", fmt.Errorf("load element: %w", err)
	}
	if element.ConferenceID != conferenceID {
		return "", reject(ReasonForeignElement)
	}
	version, ok := element.LatestVersion()
	if !ok {
		return "", reject(ReasonNoVideoData)
	}
	key, hasVideo := version.VideoKey()
	if !hasVideo {
		return "", reject(ReasonNoVideoData)
	}
	if key == "" {
		return "", reject(ReasonNoVideoFile)
	}
	return key, nil
}

func (h *Handler) rejectRequest(ctx context.Context, requestID, reason string) error {
	h.metrics.ObserveImmediateSwitch(outcomeRejected)
	if err := h.repo.RecordImmediateSwitchOutcome(ctx, requestID, nil, &reason); err != nil {
		return errors.Join(reject(reason), fmt.Errorf("record immediate switch outcome: %w", err))
	}
	h.logger.Info("immediate switch rejected", "request_id", requestID, "reason", reason)
	return reject(reason)
}

func (h *Handler) failRequest(ctx context.Context, logger *slog.Logger, requestID string, cause error) error {
	h.metrics.ObserveImmediateSwitch(outcomeError)
	logger.Error("immediate switch failed", "error", cause)
	reason := ReasonProcessingError
	if err := h.repo.RecordImmediateSwitchOutcome(ctx, requestID, nil, &reason); err != nil {
		return errors.Join(cause, fmt.Errorf("record immediate switch outcome: %w", err))
	}
	return cause
}
