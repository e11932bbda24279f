package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/clowdr-app/clowdr-sub007/internal/observability/logging"
	"github.com/clowdr-app/clowdr-sub007/internal/schedule"
)

// Syncer reconciles the schedule of one room.
type Syncer interface {
	SyncChannelSchedule(ctx context.Context, roomID string) (schedule.SyncResult, error)
}

// Worker consumes room sync requests. Requests for a room that is already
// being synchronised are coalesced into one follow-up pass, so that a room is
// never reconciled concurrently.
type Worker struct {
	queue       Queue
	syncer      Syncer
	logger      *slog.Logger
	slots       *semaphore.Weighted
	syncTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]bool
	pending  map[string]bool
	wg       sync.WaitGroup
}

type WorkerOption func(*Worker)

func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithConcurrency bounds how many rooms are synchronised at once.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.slots = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithSyncTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.syncTimeout = d
		}
	}
}

func NewWorker(queue Queue, syncer Syncer, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:       queue,
		syncer:      syncer,
		logger:      slog.Default(),
		slots:       semaphore.NewWeighted(4),
		syncTimeout: time.Minute,
		inflight:    make(map[string]bool),
		pending:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.WithComponent(w.logger, "room_sync_worker")
	return w
}

// Run consumes requests until ctx is cancelled, then waits for in-flight
// syncs to finish.
func (w *Worker) Run(ctx context.Context) error {
	sub := w.queue.Subscribe()
	defer w.wg.Wait()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case request, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("room sync subscription closed")
			}
			w.dispatch(ctx, request)
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, request RoomSync) {
	w.mu.Lock()
	if w.inflight[request.RoomID] {
		w.pending[request.RoomID] = true
		w.mu.Unlock()
		return
	}
	w.inflight[request.RoomID] = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.process(ctx, request)
}

func (w *Worker) process(ctx context.Context, request RoomSync) {
	defer w.wg.Done()
	roomID := request.RoomID
	for {
		if err := w.slots.Acquire(ctx, 1); err != nil {
			w.mu.Lock()
			delete(w.inflight, roomID)
			delete(w.pending, roomID)
			w.mu.Unlock()
			return
		}
		w.syncRoom(ctx, request)
		w.slots.Release(1)

		w.mu.Lock()
		if w.pending[roomID] {
			delete(w.pending, roomID)
			w.mu.Unlock()
			continue
		}
		delete(w.inflight, roomID)
		w.mu.Unlock()
		return
	}
}

func (w *Worker) syncRoom(ctx context.Context, request RoomSync) {
	ctx, cancel := context.WithTimeout(logging.ContextWithRoomID(ctx, request.RoomID), w.syncTimeout)
	defer cancel()
	logger := w.logger.With("room_id", request.RoomID, "reason", request.Reason)
	result, err := w.syncer.SyncChannelSchedule(ctx, request.RoomID)
	if err != nil {
		logger.Error("room schedule sync failed", "error", err)
		return
	}
	if result.Skipped != "" {
		logger.Debug("room schedule sync skipped", "skip_reason", result.Skipped)
		return
	}
	logger.Debug("room schedule synced", "created", len(result.Created), "deleted", len(result.Deleted))
}
