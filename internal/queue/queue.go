package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Reasons attached to room sync requests.
const (
	ReasonPeriodic       = "periodic"
	ReasonChannelRunning = "channel_running"
	ReasonStackCreated   = "stack_created"
)

var (
	ErrQueueFull = errors.New("room sync queue is full")
	ErrClosed    = errors.New("room sync queue is closed")
)

// RoomSync asks a worker to reconcile the schedule of one room.
type RoomSync struct {
	RoomID      string    `json:"roomId"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

func (r RoomSync) validate() error {
	if strings.TrimSpace(r.RoomID) == "" {
		return errors.New("room id is required")
	}
	return nil
}

// Queue distributes room sync requests to workers. Each request is delivered
// to one subscriber.
type Queue interface {
	Publish(ctx context.Context, request RoomSync) error
	Subscribe() Subscription
	Close() error
}

// Subscription represents an active request stream. Events is closed once
// the subscription stops.
type Subscription interface {
	Events() <-chan RoomSync
	Close()
}

// NewMemoryQueue initialises an in-process queue suitable for tests and
// single-instance deployments.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 256
	}
	return &memoryQueue{
		ch:   make(chan RoomSync, buffer),
		done: make(chan struct{}),
	}
}

type memoryQueue struct {
	ch        chan RoomSync
	done      chan struct{}
	closeOnce sync.Once
}

func (q *memoryQueue) Publish(ctx context.Context, request RoomSync) error {
	if err := request.validate(); err != nil {
		return err
	}
	select {
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case q.ch <- request:
		return nil
	default:
		// The periodic fan-out republishes every room, so shedding load
		// here loses nothing permanently.
		return ErrQueueFull
	}
}

func (q *memoryQueue) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{
		queue:  q,
		cancel: cancel,
		ch:     make(chan RoomSync),
	}
	go sub.run(ctx)
	return sub
}

func (q *memoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

// requeue puts back a request taken by a subscription that stopped before
// handing it over.
func (q *memoryQueue) requeue(request RoomSync) {
	select {
	case q.ch <- request:
	default:
	}
}

type memorySubscription struct {
	queue  *memoryQueue
	cancel context.CancelFunc
	ch     chan RoomSync
}

func (s *memorySubscription) Events() <-chan RoomSync {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.cancel()
}

func (s *memorySubscription) run(ctx context.Context) {
	defer close(s.ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.done:
			return
		case request := <-s.queue.ch:
			select {
			case s.ch <- request:
			case <-ctx.Done():
				s.queue.requeue(request)
				return
			}
		}
	}
}
