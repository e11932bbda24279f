package schedule

import (
	"strings"

	"github.com/clowdr-app/clowdr-sub007/internal/encoder"
	"github.com/clowdr-app/clowdr-sub007/internal/infra"
	"github.com/clowdr-app/clowdr-sub007/internal/models"
)

// ActionType is the structural classification of a remote action.
type ActionType string

const (
	ActionPrerecordedEvent ActionType = "prerecorded_event"
	ActionLiveEvent        ActionType = "live_event"
	ActionEventFollow      ActionType = "event_follow"
	ActionImmediate        ActionType = "immediate"
	ActionManual           ActionType = "manual"
	ActionInvalid          ActionType = "invalid"
)

// RemoteAction is an encoder action together with what it was recognised as.
// EventID is set for event and event-follow actions, Input for live event
// actions and VideoKey for prerecorded event actions.
type RemoteAction struct {
	encoder.ScheduleAction
	Type     ActionType
	EventID  string
	Input    models.RTMPInput
	VideoKey string
}

// Classify decodes an action name and checks that the action has the shape
// expected of its kind.
func Classify(action encoder.ScheduleAction) RemoteAction {
	classified := RemoteAction{ScheduleAction: action, Type: ActionInvalid}
	name, ok := ParseActionName(action.Name)
	if !ok {
		return classified
	}

	attachment := ""
	if action.Switch != nil {
		attachment = action.Switch.AttachmentName
	}

	switch name.Kind {
	case KindEvent:
		if action.Start.Type != encoder.StartFixed || action.Start.Time == nil || action.Switch == nil {
			return classified
		}
		switch {
		case strings.HasSuffix(attachment, infra.SuffixMP4):
			classified.Type = ActionPrerecordedEvent
			classified.EventID = name.ID
			if len(action.Switch.URLPath) > 0 {
				classified.VideoKey = action.Switch.URLPath[0]
			}
		case strings.HasSuffix(attachment, infra.SuffixRTMPA):
			classified.Type = ActionLiveEvent
			classified.EventID = name.ID
			classified.Input = models.RTMPInputA
		case strings.HasSuffix(attachment, infra.SuffixRTMPB):
			classified.Type = ActionLiveEvent
			classified.EventID = name.ID
			classified.Input = models.RTMPInputB
		}
	case KindEventFollow:
		if action.Start.Type == encoder.StartFollow && action.Start.FollowActionName != "" &&
			action.Switch != nil && strings.HasSuffix(attachment, infra.SuffixLooping) {
			classified.Type = ActionEventFollow
			classified.EventID = name.ID
		}
	case KindImmediate:
		classified.Type = ActionImmediate
	case KindManual:
		classified.Type = ActionManual
	}
	return classified
}

// ClassifyAll classifies every action, preserving order.
func ClassifyAll(actions []encoder.ScheduleAction) []RemoteAction {
	classified := make([]RemoteAction, 0, len(actions))
	for _, action := range actions {
		classified = append(classified, Classify(action))
	}
	return classified
}
