package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clowdr-app/clowdr-sub007/internal/infra"
	"github.com/clowdr-app/clowdr-sub007/internal/models"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/logging"
	"github.com/clowdr-app/clowdr-sub007/internal/observability/metrics"
	"github.com/clowdr-app/clowdr-sub007/internal/queue"
	"github.com/clowdr-app/clowdr-sub007/internal/storage"
)

const (
	sourceStack   = "stack"
	sourceChannel = "channel"

	maxBodyBytes = 256 << 10
)

// StackHooks receives stack lifecycle transitions.
type StackHooks interface {
	HandleStackCreateComplete(ctx context.Context, stackName, stackID string) (roomID string, err error)
	HandleStackCreateFailed(ctx context.Context, stackName, stackID, reason string) error
	HandleStackDeleteComplete(ctx context.Context, stackName, stackID string) error
	HandleStackDeleteFailed(ctx context.Context, stackName, stackID, reason string) error
}

// ChannelLookup resolves the stack owning an encoder channel.
type ChannelLookup interface {
	GetChannelStackByChannel(ctx context.Context, channelID string) (models.ChannelStack, error)
}

// Publisher enqueues room schedule syncs.
type Publisher interface {
	Publish(ctx context.Context, request queue.RoomSync) error
}

// Receiver accepts SNS deliveries of stack and channel events and feeds them
// to the lifecycle controller and the room sync queue. Handlers are
// idempotent; a failing downstream call answers 500 so SNS redelivers.
type Receiver struct {
	hooks          StackHooks
	channels       ChannelLookup
	syncs          Publisher
	logger         *slog.Logger
	metrics        *metrics.Recorder
	now            func() time.Time
	onStackDeleted func()
}

type Option func(*Receiver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Receiver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) Option {
	return func(r *Receiver) {
		if recorder != nil {
			r.metrics = recorder
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Receiver) {
		if now != nil {
			r.now = now
		}
	}
}

// WithStackDeletedTrigger registers a callback run after a stack deletion is
// confirmed, typically to wake the stack sync loop.
func WithStackDeletedTrigger(trigger func()) Option {
	return func(r *Receiver) {
		r.onStackDeleted = trigger
	}
}

func NewReceiver(hooks StackHooks, channels ChannelLookup, syncs Publisher, opts ...Option) *Receiver {
	r := &Receiver{
		hooks:    hooks,
		channels: channels,
		syncs:    syncs,
		logger:   slog.Default(),
		metrics:  metrics.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.WithComponent(r.logger, "notify")
	return r
}

// Mount registers the notification routes.
func (r *Receiver) Mount(router chi.Router) {
	router.Post("/aws/cloudformation/notify", r.StackNotification)
	router.Post("/aws/medialive/notify", r.ChannelNotification)
}

// StackNotification handles CloudFormation stack events.
func (r *Receiver) StackNotification(w http.ResponseWriter, req *http.Request) {
	logger := logging.WithContext(req.Context(), r.logger)
	message, ok := r.readNotification(w, req, sourceStack, logger)
	if !ok {
		return
	}
	event, err := ParseStackEvent(message)
	if err != nil {
		r.reject(w, sourceStack, logger, err)
		return
	}
	if event.ResourceType != StackResourceType {
		r.finish(w, sourceStack, "ignored")
		return
	}
	ctx := logging.ContextWithStackName(req.Context(), event.StackName)
	logger = logging.WithContext(ctx, r.logger).With("resource_status", event.ResourceStatus)
	if err := r.dispatchStackEvent(ctx, event, logger); err != nil {
		logger.Error("stack notification failed", "error", err)
		r.metrics.ObserveNotification(sourceStack, "error")
		writeStatus(w, http.StatusInternalServerError, "error")
		return
	}
	r.finish(w, sourceStack, "handled")
}

func (r *Receiver) dispatchStackEvent(ctx context.Context, event StackEvent, logger *slog.Logger) error {
	status := infra.StackStatus(event.ResourceStatus)
	switch {
	case status == infra.StatusCreateComplete:
		roomID, err := r.hooks.HandleStackCreateComplete(ctx, event.StackName, event.StackID)
		if err != nil {
			return err
		}
		if roomID != "" {
			r.enqueue(ctx, queue.RoomSync{RoomID: roomID, Reason: queue.ReasonStackCreated, RequestedAt: r.now()}, logger)
		}
		return nil
	case status == infra.StatusDeleteComplete:
		if err := r.hooks.HandleStackDeleteComplete(ctx, event.StackName, event.StackID); err != nil {
			return err
		}
		if r.onStackDeleted != nil {
			r.onStackDeleted()
		}
		return nil
	case status == infra.StatusDeleteFailed:
		return r.hooks.HandleStackDeleteFailed(ctx, event.StackName, event.StackID, event.ResourceStatusReason)
	case status == infra.StatusDeleteInProgress:
		logger.Debug("stack deletion in progress")
		return nil
	case status.CreateFailed():
		return r.hooks.HandleStackCreateFailed(ctx, event.StackName, event.StackID, event.ResourceStatusReason)
	default:
		logger.Debug("stack notification ignored")
		return nil
	}
}

// ChannelNotification handles encoder channel state changes. A channel that
// starts running gets its room's schedule synchronised right away.
func (r *Receiver) ChannelNotification(w http.ResponseWriter, req *http.Request) {
	logger := logging.WithContext(req.Context(), r.logger)
	message, ok := r.readNotification(w, req, sourceChannel, logger)
	if !ok {
		return
	}
	change, err := ParseChannelStateChange(message)
	if err != nil {
		r.reject(w, sourceChannel, logger, err)
		return
	}
	ctx := req.Context()
	logger = logger.With("channel_id", change.ChannelID(), "state", change.State)

	stack, err := r.channels.GetChannelStackByChannel(ctx, change.ChannelID())
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info("channel notification for unknown channel")
		r.finish(w, sourceChannel, "ignored")
		return
	}
	if err != nil {
		logger.Error("channel notification failed", "error", err)
		r.metrics.ObserveNotification(sourceChannel, "error")
		writeStatus(w, http.StatusInternalServerError, "error")
		return
	}
	if stack.Detached() {
		r.finish(w, sourceChannel, "ignored")
		return
	}
	roomID := *stack.RoomID
	r.metrics.SetChannelState(roomID, stack.EncoderChannelID, change.State)
	if models.ChannelState(change.State) == models.ChannelStateRunning {
		r.enqueue(ctx, queue.RoomSync{RoomID: roomID, Reason: queue.ReasonChannelRunning, RequestedAt: r.now()}, logger.With("room_id", roomID))
	}
	r.finish(w, sourceChannel, "handled")
}

// enqueue does not fail the delivery: the periodic fan-out catches any sync
// lost here.
func (r *Receiver) enqueue(ctx context.Context, request queue.RoomSync, logger *slog.Logger) {
	if r.syncs == nil {
		return
	}
	if err := r.syncs.Publish(ctx, request); err != nil {
		logger.Warn("room sync enqueue failed", "room_id", request.RoomID, "error", err)
	}
}

// readNotification unwraps the SNS envelope. ok is false when the response
// has already been written.
func (r *Receiver) readNotification(w http.ResponseWriter, req *http.Request, source string, logger *slog.Logger) (string, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		r.reject(w, source, logger, fmt.Errorf("%w: read body: %v", ErrMalformed, err))
		return "", false
	}
	envelope, err := ParseEnvelope(body)
	if err != nil {
		r.reject(w, source, logger, err)
		return "", false
	}
	logger = logger.With("message_id", envelope.MessageID, "topic_arn", envelope.TopicARN)
	switch envelope.Type {
	case TypeSubscriptionConfirmation:
		logger.Warn("sns subscription confirmation received; confirm it manually", "subscribe_url", envelope.SubscribeURL)
		r.finish(w, source, "subscription")
		return "", false
	case TypeUnsubscribeConfirmation:
		logger.Info("sns unsubscribe confirmation received")
		r.finish(w, source, "subscription")
		return "", false
	}
	return envelope.Message, true
}

func (r *Receiver) reject(w http.ResponseWriter, source string, logger *slog.Logger, err error) {
	logger.Warn("malformed notification", "error", err)
	r.metrics.ObserveNotification(source, "malformed")
	writeStatus(w, http.StatusBadRequest, err.Error())
}

func (r *Receiver) finish(w http.ResponseWriter, source, outcome string) {
	r.metrics.ObserveNotification(source, outcome)
	writeStatus(w, http.StatusOK, outcome)
}

func writeStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": message})
}
