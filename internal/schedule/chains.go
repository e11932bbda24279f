package schedule

import (
	"time"

	"github.com/clowdr-app/clowdr-sub007/internal/encoder"
)

// ChainAfter returns every action that transitively follows name, nearest
// first.
func ChainAfter(actions []encoder.ScheduleAction, name string) []encoder.ScheduleAction {
	followers := make(map[string][]encoder.ScheduleAction)
	for _, action := range actions {
		if action.Start.Type == encoder.StartFollow && action.Start.FollowActionName != "" {
			followers[action.Start.FollowActionName] = append(followers[action.Start.FollowActionName], action)
		}
	}

	var chain []encoder.ScheduleAction
	visited := map[string]bool{name: true}
	queue := []string{name}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, follower := range followers[current] {
			if visited[follower.Name] {
				continue
			}
			visited[follower.Name] = true
			chain = append(chain, follower)
			queue = append(queue, follower.Name)
		}
	}
	return chain
}

// ChainBefore returns the actions name transitively follows, in execution
// order with the earliest first. The walk stops at the first predecessor that
// is missing from actions.
func ChainBefore(actions []encoder.ScheduleAction, name string) []encoder.ScheduleAction {
	byName := make(map[string]encoder.ScheduleAction, len(actions))
	for _, action := range actions {
		byName[action.Name] = action
	}

	var reversed []encoder.ScheduleAction
	visited := map[string]bool{name: true}
	current, ok := byName[name]
	for ok && current.Start.Type == encoder.StartFollow {
		predecessor := current.Start.FollowActionName
		if visited[predecessor] {
			break
		}
		visited[predecessor] = true
		current, ok = byName[predecessor]
		if ok {
			reversed = append(reversed, current)
		}
	}

	chain := make([]encoder.ScheduleAction, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		chain = append(chain, reversed[i])
	}
	return chain
}

// chainStart returns the earliest fixed start time among the predecessors of
// name.
func chainStart(actions []encoder.ScheduleAction, name string) (time.Time, bool) {
	var (
		earliest time.Time
		found    bool
	)
	for _, action := range ChainBefore(actions, name) {
		at, ok := action.FixedTime()
		if !ok {
			continue
		}
		if !found || at.Before(earliest) {
			earliest, found = at, true
		}
	}
	return earliest, found
}
