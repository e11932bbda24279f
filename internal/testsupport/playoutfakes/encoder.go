package playoutfakes

import (
	"context"
	"sync"

	"github.com/clowdr-app/clowdr-sub007/internal/encoder"
	"github.com/clowdr-app/clowdr-sub007/internal/models"
)

// ScheduleUpdate is a recorded UpdateSchedule batch.
type ScheduleUpdate struct {
	ChannelID string
	Deletes   []string
	Creates   []encoder.ScheduleAction
}

// Encoder is an encoder.Gateway keeping channel states and schedules in
// memory. Applied updates mutate the stored schedule the way the remote
// encoder would.
type Encoder struct {
	mu        sync.Mutex
	states    map[string]models.ChannelState
	schedules map[string][]encoder.ScheduleAction
	updates   []ScheduleUpdate
	stops     []string

	// StateErr, ScheduleErr, UpdateErr and StopErr are returned by the
	// matching calls when set.
	StateErr    error
	ScheduleErr error
	UpdateErr   error
	StopErr     error
}

var _ encoder.Gateway = (*Encoder)(nil)

func NewEncoder() *Encoder {
	return &Encoder{
		states:    make(map[string]models.ChannelState),
		schedules: make(map[string][]encoder.ScheduleAction),
	}
}

// SetState registers a channel in the given state.
func (e *Encoder) SetState(channelID string, state models.ChannelState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states[channelID] = state
}

// SetSchedule replaces a channel's schedule.
func (e *Encoder) SetSchedule(channelID string, actions ...encoder.ScheduleAction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.schedules[channelID] = append([]encoder.ScheduleAction(nil), actions...)
}

// Schedule returns a copy of the channel's current schedule.
func (e *Encoder) Schedule(channelID string) []encoder.ScheduleAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]encoder.ScheduleAction(nil), e.schedules[channelID]...)
}

// Updates returns every UpdateSchedule batch received so far.
func (e *Encoder) Updates() []ScheduleUpdate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ScheduleUpdate(nil), e.updates...)
}

// Stops returns the channel ids passed to StopChannel.
func (e *Encoder) Stops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.stops...)
}

func (e *Encoder) DescribeChannelState(ctx context.Context, channelID string) (*models.ChannelState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.StateErr != nil {
		return nil, e.StateErr
	}
	state, ok := e.states[channelID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (e *Encoder) DescribeSchedule(ctx context.Context, channelID string) ([]encoder.ScheduleAction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ScheduleErr != nil {
		return nil, e.ScheduleErr
	}
	return append([]encoder.ScheduleAction(nil), e.schedules[channelID]...), nil
}

func (e *Encoder) UpdateSchedule(ctx context.Context, channelID string, deletes []string, creates []encoder.ScheduleAction) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.updates = append(e.updates, ScheduleUpdate{
		ChannelID: channelID,
		Deletes:   append([]string(nil), deletes...),
		Creates:   append([]encoder.ScheduleAction(nil), creates...),
	})
	if e.UpdateErr != nil {
		return e.UpdateErr
	}
	removed := make(map[string]bool, len(deletes))
	for _, name := range deletes {
		removed[name] = true
	}
	kept := make([]encoder.ScheduleAction, 0, len(e.schedules[channelID])+len(creates))
	for _, action := range e.schedules[channelID] {
		if !removed[action.Name] {
			kept = append(kept, action)
		}
	}
	e.schedules[channelID] = append(kept, creates...)
	return nil
}

func (e *Encoder) StopChannel(ctx context.Context, channelID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops = append(e.stops, channelID)
	if e.StopErr != nil {
		return e.StopErr
	}
	if _, ok := e.states[channelID]; ok {
		e.states[channelID] = models.ChannelStateStopping
	}
	return nil
}
