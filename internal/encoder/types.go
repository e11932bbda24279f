package encoder

import (
	"context"
	"time"

	"github.com/clowdr-app/clowdr-sub007/internal/models"
)

// Gateway is the typed control surface of the remote live encoder.
type Gateway interface {
	// DescribeChannelState returns nil when the channel does not exist.
	DescribeChannelState(ctx context.Context, channelID string) (*models.ChannelState, error)
	// DescribeSchedule returns every action currently scheduled on the channel.
	DescribeSchedule(ctx context.Context, channelID string) ([]ScheduleAction, error)
	// UpdateSchedule deletes and creates actions in a single batch.
	UpdateSchedule(ctx context.Context, channelID string, deletes []string, creates []ScheduleAction) error
	StopChannel(ctx context.Context, channelID string) error
}

type StartType string

const (
	StartFixed     StartType = "fixed"
	StartImmediate StartType = "immediate"
	StartFollow    StartType = "follow"
)

type FollowPoint string

const (
	FollowEnd   FollowPoint = "END"
	FollowStart FollowPoint = "START"
)

// ActionStart describes when an action fires: at a fixed instant, as soon as
// it is received, or relative to another named action.
type ActionStart struct {
	Type             StartType   `json:"type"`
	Time             *time.Time  `json:"time,omitempty"`
	FollowActionName string      `json:"followActionName,omitempty"`
	FollowPoint      FollowPoint `json:"followPoint,omitempty"`
}

// InputSwitch changes the channel's active input attachment. URLPath carries
// the file key for file inputs.
type InputSwitch struct {
	AttachmentName string   `json:"attachmentName"`
	URLPath        []string `json:"urlPath,omitempty"`
}

// ScheduleAction is one named entry of a channel's schedule. Switch is nil for
// actions that do not change inputs.
type ScheduleAction struct {
	Name   string       `json:"name"`
	Start  ActionStart  `json:"start"`
	Switch *InputSwitch `json:"inputSwitch,omitempty"`
}

func FixedStart(at time.Time) ActionStart {
	at = at.UTC()
	return ActionStart{Type: StartFixed, Time: &at}
}

func ImmediateStart() ActionStart {
	return ActionStart{Type: StartImmediate}
}

func FollowAfter(name string, point FollowPoint) ActionStart {
	return ActionStart{Type: StartFollow, FollowActionName: name, FollowPoint: point}
}

// SwitchTo builds an input switch with an optional file key.
func SwitchTo(attachment string, urlPath ...string) *InputSwitch {
	sw := &InputSwitch{AttachmentName: attachment}
	if len(urlPath) > 0 {
		sw.URLPath = append([]string(nil), urlPath...)
	}
	return sw
}

// FixedTime returns the fixed start time, if the action has one.
func (a ScheduleAction) FixedTime() (time.Time, bool) {
	if a.Start.Type != StartFixed || a.Start.Time == nil {
		return time.Time{}, false
	}
	return *a.Start.Time, true
}

// NoopGateway is used when no encoder API is configured. Channels are reported
// as missing and mutations succeed without side effects.
type NoopGateway struct{}

func (NoopGateway) DescribeChannelState(context.Context, string) (*models.ChannelState, error) {
	return nil, nil
}

func (NoopGateway) DescribeSchedule(context.Context, string) ([]ScheduleAction, error) {
	return nil, nil
}

func (NoopGateway) UpdateSchedule(context.Context, string, []string, []ScheduleAction) error {
	return nil
}

func (NoopGateway) StopChannel(context.Context, string) error {
	return nil
}
