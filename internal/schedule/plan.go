package schedule

import (
	"sort"
	"time"

	"github.com/clowdr-app/clowdr-sub007/internal/encoder"
	"github.com/clowdr-app/clowdr-sub007/internal/models"
)

const (
	// ExecutionMargin protects actions that are about to run from being
	// removed or replaced.
	ExecutionMargin = 20 * time.Second
	// AlternationMargin is how far out a live event must start before its
	// input may be reassigned.
	AlternationMargin = 30 * time.Second
	// Horizon bounds how far ahead events are scheduled on the encoder.
	Horizon = 24 * time.Hour
)

// LocalAction is the desired encoder behaviour for one event. Input is set
// for live events and VideoKey for prerecorded ones once resolved.
type LocalAction struct {
	EventID   string
	Mode      models.EventMode
	Input     *models.RTMPInput
	VideoKey  *string
	StartTime time.Time
	EndTime   time.Time
}

// Plan is the batch of changes to apply to a channel schedule.
type Plan struct {
	Deletes []string
	Creates []encoder.ScheduleAction
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.Deletes) == 0 && len(p.Creates) == 0
}

type nameSet struct {
	order []string
	seen  map[string]bool
}

func newNameSet() *nameSet {
	return &nameSet{seen: make(map[string]bool)}
}

func (s *nameSet) add(name string) {
	if s.seen[name] {
		return
	}
	s.seen[name] = true
	s.order = append(s.order, name)
}

func (s *nameSet) addChain(actions []encoder.ScheduleAction, name string) {
	s.add(name)
	for _, follower := range ChainAfter(actions, name) {
		s.add(follower.Name)
	}
}

func scheduleActions(remote []RemoteAction) []encoder.ScheduleAction {
	actions := make([]encoder.ScheduleAction, 0, len(remote))
	for _, action := range remote {
		actions = append(actions, action.ScheduleAction)
	}
	return actions
}

// InvalidRemovals selects the invalid actions that can be deleted without
// disturbing the channel, together with everything chained after them. An
// invalid input switch is kept while it, or the earliest fixed start of the
// chain leading to it, falls within ExecutionMargin of now.
func InvalidRemovals(remote []RemoteAction, now time.Time) []string {
	raw := scheduleActions(remote)
	cutoff := now.Add(ExecutionMargin)
	removals := newNameSet()
	for _, action := range remote {
		if action.Type != ActionInvalid {
			continue
		}
		if removableInvalid(raw, action.ScheduleAction, cutoff) {
			removals.addChain(raw, action.Name)
		}
	}
	return removals.order
}

func removableInvalid(raw []encoder.ScheduleAction, action encoder.ScheduleAction, cutoff time.Time) bool {
	if action.Switch == nil {
		return true
	}
	if at, ok := action.FixedTime(); ok && at.After(cutoff) {
		return true
	}
	if at, ok := chainStart(raw, action.Name); ok && at.After(cutoff) {
		return true
	}
	return false
}

// InputAssignment is a changed RTMP input for one event.
type InputAssignment struct {
	EventID string
	Input   models.RTMPInput
}

// AlternateInputs assigns alternating RTMP inputs to live events starting
// more than AlternationMargin after now. The first such event keeps its input
// (A when unset) and each following event takes the other one. Only changed
// assignments are returned, so an already alternating sequence yields none.
func AlternateInputs(events []models.Event, now time.Time) []InputAssignment {
	cutoff := now.Add(AlternationMargin)
	live := make([]models.Event, 0, len(events))
	for _, event := range events {
		if event.IntendedMode.Live() && event.StartTime.After(cutoff) {
			live = append(live, event)
		}
	}
	if len(live) == 0 {
		return nil
	}
	sort.SliceStable(live, func(i, j int) bool {
		if live[i].StartTime.Equal(live[j].StartTime) {
			return live[i].ID < live[j].ID
		}
		return live[i].StartTime.Before(live[j].StartTime)
	})

	first := models.RTMPInputA
	if current := live[0].RTMPInput; current != nil && current.Valid() {
		first = *current
	}

	var changes []InputAssignment
	for i, event := range live {
		want := first
		if i%2 == 1 {
			want = first.Other()
		}
		if event.RTMPInput == nil || *event.RTMPInput != want {
			changes = append(changes, InputAssignment{EventID: event.ID, Input: want})
		}
	}
	return changes
}

// ApplyAssignments returns a copy of events with the given inputs set.
func ApplyAssignments(events []models.Event, assignments []InputAssignment) []models.Event {
	byEvent := make(map[string]models.RTMPInput, len(assignments))
	for _, assignment := range assignments {
		byEvent[assignment.EventID] = assignment.Input
	}
	updated := make([]models.Event, len(events))
	for i, event := range events {
		if input, ok := byEvent[event.ID]; ok {
			event.RTMPInput = &input
		}
		updated[i] = event
	}
	return updated
}

// Diff compares the desired actions with the remote schedule. Desired actions
// without a matching remote event action are created, with an event-follow
// back to filler for prerecorded events. Remote event actions that are no
// longer desired, or that no longer match, are deleted with their chains
// unless they start within ExecutionMargin.
func Diff(desired []LocalAction, remote []RemoteAction, stack models.ChannelStack, fillerKey *string, now time.Time) Plan {
	raw := scheduleActions(remote)
	cutoff := now.Add(ExecutionMargin)

	remoteEvents := make(map[string]RemoteAction)
	remoteFollows := make(map[string]RemoteAction)
	remoteNames := make(map[string]bool, len(remote))
	for _, action := range remote {
		remoteNames[action.Name] = true
		switch action.Type {
		case ActionPrerecordedEvent, ActionLiveEvent:
			remoteEvents[action.EventID] = action
		case ActionEventFollow:
			remoteFollows[action.EventID] = action
		}
	}

	deletes := newNameSet()
	var creates []encoder.ScheduleAction
	wanted := make(map[string]bool, len(desired))

	for _, local := range desired {
		action, ok := eventAction(local, stack)
		if !ok {
			continue
		}
		wanted[local.EventID] = true

		existing, has := remoteEvents[local.EventID]
		if has && matches(local, existing) {
			if local.Mode == models.EventModePrerecorded {
				if _, hasFollow := remoteFollows[local.EventID]; !hasFollow {
					creates = append(creates, followAction(local.EventID, stack, fillerKey))
				}
			}
			continue
		}
		if has {
			if !startsAfter(existing.ScheduleAction, cutoff) {
				continue
			}
			deletes.addChain(raw, existing.Name)
		}
		creates = append(creates, action)
		if local.Mode == models.EventModePrerecorded {
			creates = append(creates, followAction(local.EventID, stack, fillerKey))
		}
	}

	for _, action := range remote {
		if action.Type != ActionPrerecordedEvent && action.Type != ActionLiveEvent {
			continue
		}
		if wanted[action.EventID] {
			continue
		}
		if startsAfter(action.ScheduleAction, cutoff) {
			deletes.addChain(raw, action.Name)
		}
	}

	plan := Plan{Deletes: deletes.order}
	for _, action := range creates {
		if remoteNames[action.Name] && !deletes.seen[action.Name] {
			continue
		}
		plan.Creates = append(plan.Creates, action)
	}
	return plan
}

func startsAfter(action encoder.ScheduleAction, cutoff time.Time) bool {
	at, ok := action.FixedTime()
	return ok && at.After(cutoff)
}

func matches(local LocalAction, remote RemoteAction) bool {
	at, ok := remote.FixedTime()
	if !ok || !at.Truncate(time.Millisecond).Equal(local.StartTime.Truncate(time.Millisecond)) {
		return false
	}
	switch {
	case local.Mode == models.EventModePrerecorded:
		return remote.Type == ActionPrerecordedEvent && local.VideoKey != nil && remote.VideoKey == *local.VideoKey
	case local.Mode.Live():
		return remote.Type == ActionLiveEvent && local.Input != nil && remote.Input == *local.Input
	default:
		return false
	}
}

func eventAction(local LocalAction, stack models.ChannelStack) (encoder.ScheduleAction, bool) {
	action := encoder.ScheduleAction{
		Name:  EventActionName(local.EventID),
		Start: encoder.FixedStart(local.StartTime),
	}
	switch {
	case local.Mode == models.EventModePrerecorded:
		if local.VideoKey == nil || *local.VideoKey == "" {
			return encoder.ScheduleAction{}, false
		}
		action.Switch = encoder.SwitchTo(stack.MP4AttachmentName, *local.VideoKey)
	case local.Mode.Live():
		if local.Input == nil {
			return encoder.ScheduleAction{}, false
		}
		action.Switch = encoder.SwitchTo(stack.AttachmentFor(*local.Input))
	default:
		return encoder.ScheduleAction{}, false
	}
	return action, true
}

func followAction(eventID string, stack models.ChannelStack, fillerKey *string) encoder.ScheduleAction {
	var path []string
	if fillerKey != nil && *fillerKey != "" {
		path = []string{*fillerKey}
	}
	return encoder.ScheduleAction{
		Name:   EventFollowActionName(eventID),
		Start:  encoder.FollowAfter(EventActionName(eventID), encoder.FollowEnd),
		Switch: encoder.SwitchTo(stack.LoopingAttachmentName, path...),
	}
}
