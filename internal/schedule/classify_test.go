package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/clowdr-app/clowdr-sub007/internal/encoder"
	"github.com/clowdr-app/clowdr-sub007/internal/models"
)

var (
	testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	eventA = "11111111-1111-4111-8111-111111111111"
	eventB = "22222222-2222-4222-8222-222222222222"
	eventC = "33333333-3333-4333-8333-333333333333"
	eventD = "44444444-4444-4444-8444-444444444444"
)

func testStack() models.ChannelStack {
	room := "room-1"
	return models.ChannelStack{
		ID:                    "stack-1",
		RoomID:                &room,
		ConferenceID:          "conf-1",
		EncoderChannelID:      "channel-1",
		StackName:             "room-abc",
		RTMPAAttachmentName:   "room-abc-rtmpA",
		RTMPBAttachmentName:   "room-abc-rtmpB",
		MP4AttachmentName:     "room-abc-mp4",
		LoopingAttachmentName: "room-abc-looping",
	}
}

func liveAction(eventID string, input models.RTMPInput, at time.Time) encoder.ScheduleAction {
	return encoder.ScheduleAction{
		Name:   EventActionName(eventID),
		Start:  encoder.FixedStart(at),
		Switch: encoder.SwitchTo(testStack().AttachmentFor(input)),
	}
}

func videoAction(eventID, key string, at time.Time) encoder.ScheduleAction {
	return encoder.ScheduleAction{
		Name:   EventActionName(eventID),
		Start:  encoder.FixedStart(at),
		Switch: encoder.SwitchTo(testStack().MP4AttachmentName, key),
	}
}

func fillerAction(eventID string) encoder.ScheduleAction {
	return encoder.ScheduleAction{
		Name:   EventFollowActionName(eventID),
		Start:  encoder.FollowAfter(EventActionName(eventID), encoder.FollowEnd),
		Switch: encoder.SwitchTo(testStack().LoopingAttachmentName, "filler.mp4"),
	}
}

func TestClassify(t *testing.T) {
	at := testNow.Add(time.Hour)
	cases := []struct {
		name   string
		action encoder.ScheduleAction
		want   RemoteAction
	}{
		{
			name:   "prerecorded event",
			action: videoAction(eventA, "videos/a.mp4", at),
			want:   RemoteAction{Type: ActionPrerecordedEvent, EventID: eventA, VideoKey: "videos/a.mp4"},
		},
		{
			name:   "live event on input A",
			action: liveAction(eventA, models.RTMPInputA, at),
			want:   RemoteAction{Type: ActionLiveEvent, EventID: eventA, Input: models.RTMPInputA},
		},
		{
			name:   "live event on input B",
			action: liveAction(eventB, models.RTMPInputB, at),
			want:   RemoteAction{Type: ActionLiveEvent, EventID: eventB, Input: models.RTMPInputB},
		},
		{
			name:   "event follow",
			action: fillerAction(eventA),
			want:   RemoteAction{Type: ActionEventFollow, EventID: eventA},
		},
		{
			name:   "immediate",
			action: encoder.ScheduleAction{Name: ImmediateActionName(eventC), Start: encoder.ImmediateStart()},
			want:   RemoteAction{Type: ActionImmediate},
		},
		{
			name:   "manual",
			action: encoder.ScheduleAction{Name: ManualActionName(eventC), Start: encoder.FixedStart(at)},
			want:   RemoteAction{Type: ActionManual},
		},
		{
			name: "event with unknown attachment",
			action: encoder.ScheduleAction{
				Name:   EventActionName(eventA),
				Start:  encoder.FixedStart(at),
				Switch: encoder.SwitchTo("somewhere-else"),
			},
			want: RemoteAction{Type: ActionInvalid},
		},
		{
			name: "event without fixed start",
			action: encoder.ScheduleAction{
				Name:   EventActionName(eventA),
				Start:  encoder.ImmediateStart(),
				Switch: encoder.SwitchTo(testStack().RTMPAAttachmentName),
			},
			want: RemoteAction{Type: ActionInvalid},
		},
		{
			name:   "event without switch",
			action: encoder.ScheduleAction{Name: EventActionName(eventA), Start: encoder.FixedStart(at)},
			want:   RemoteAction{Type: ActionInvalid},
		},
		{
			name: "follow onto a live input",
			action: encoder.ScheduleAction{
				Name:   EventFollowActionName(eventA),
				Start:  encoder.FollowAfter(EventActionName(eventA), encoder.FollowEnd),
				Switch: encoder.SwitchTo(testStack().RTMPAAttachmentName),
			},
			want: RemoteAction{Type: ActionInvalid},
		},
		{
			name:   "unparseable name",
			action: encoder.ScheduleAction{Name: "operator-added", Start: encoder.FixedStart(at)},
			want:   RemoteAction{Type: ActionInvalid},
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.action)
			assert.Equal(t, tc.action, got.ScheduleAction)
			assert.Equal(t, tc.want.Type, got.Type)
			assert.Equal(t, tc.want.EventID, got.EventID)
			assert.Equal(t, tc.want.Input, got.Input)
			assert.Equal(t, tc.want.VideoKey, got.VideoKey)
		})
	}
}

func TestClassifyAllPreservesOrder(t *testing.T) {
	actions := []encoder.ScheduleAction{
		fillerAction(eventA),
		videoAction(eventA, "a.mp4", testNow),
		{Name: "junk"},
	}
	got := ClassifyAll(actions)
	if assert.Len(t, got, 3) {
		assert.Equal(t, ActionEventFollow, got[0].Type)
		assert.Equal(t, ActionPrerecordedEvent, got[1].Type)
		assert.Equal(t, ActionInvalid, got[2].Type)
	}
}
