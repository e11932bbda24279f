package models

import (
	"encoding/json"
	"strings"
	"time"
)

// EventMode describes how an event is intended to be broadcast.
type EventMode string

const (
	EventModePresentation EventMode = "presentation"
	EventModeQAndA        EventMode = "q_and_a"
	EventModePrerecorded  EventMode = "prerecorded"
	EventModeVideoChat    EventMode = "zoom"
	EventModeNone         EventMode = "none"
)

// Broadcast reports whether events in this mode need a channel stack.
func (m EventMode) Broadcast() bool {
	switch m {
	case EventModePresentation, EventModeQAndA, EventModePrerecorded:
		return true
	default:
		return false
	}
}

// Live reports whether the mode is fed by an RTMP push.
func (m EventMode) Live() bool {
	return m == EventModePresentation || m == EventModeQAndA
}

// RTMPInput identifies one of the two live input slots of a channel stack.
type RTMPInput string

const (
	RTMPInputA RTMPInput = "A"
	RTMPInputB RTMPInput = "B"
)

// Other returns the opposite input slot.
func (i RTMPInput) Other() RTMPInput {
	if i == RTMPInputA {
		return RTMPInputB
	}
	return RTMPInputA
}

// Valid reports whether the value names a known slot.
func (i RTMPInput) Valid() bool {
	return i == RTMPInputA || i == RTMPInputB
}

type Room struct {
	ID           string    `json:"id"`
	ConferenceID string    `json:"conferenceId"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Event is a scheduled occurrence in a room. RTMPInput carries the input
// slot chosen for the event's call session and is only meaningful for live
// modes.
type Event struct {
	ID             string     `json:"id"`
	RoomID         string     `json:"roomId"`
	ConferenceID   string     `json:"conferenceId"`
	Name           string     `json:"name"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        time.Time  `json:"endTime"`
	IntendedMode   EventMode  `json:"intendedMode"`
	VideoElementID *string    `json:"videoElementId,omitempty"`
	RTMPInput      *RTMPInput `json:"rtmpInput,omitempty"`
}

// InProgress reports whether the event is running at the supplied instant.
func (e Event) InProgress(now time.Time) bool {
	return !now.Before(e.StartTime) && now.Before(e.EndTime)
}

// ChannelStack is a provisioned per-room encoding and packaging pipeline.
// A nil RoomID marks a detached stack that is waiting to be torn down.
type ChannelStack struct {
	ID                       string    `json:"id"`
	RoomID                   *string   `json:"roomId,omitempty"`
	ConferenceID             string    `json:"conferenceId"`
	EncoderChannelID         string    `json:"encoderChannelId"`
	InfraStackID             string    `json:"infraStackId"`
	StackName                string    `json:"stackName"`
	RTMPAInputID             string    `json:"rtmpAInputId"`
	RTMPAInputURI            string    `json:"rtmpAInputUri"`
	RTMPBInputID             string    `json:"rtmpBInputId"`
	RTMPBInputURI            string    `json:"rtmpBInputUri"`
	MP4InputID               string    `json:"mp4InputId"`
	LoopingInputID           string    `json:"loopingInputId"`
	RTMPAAttachmentName      string    `json:"rtmpAAttachmentName"`
	RTMPBAttachmentName      string    `json:"rtmpBAttachmentName"`
	MP4AttachmentName        string    `json:"mp4AttachmentName"`
	LoopingAttachmentName    string    `json:"loopingAttachmentName"`
	PackagingChannelID       string    `json:"packagingChannelId"`
	EndpointURI              string    `json:"endpointUri"`
	CloudFrontDistributionID string    `json:"cloudFrontDistributionId"`
	CloudFrontDomain         string    `json:"cloudFrontDomain"`
	CreatedAt                time.Time `json:"createdAt"`
}

// Detached reports whether the stack no longer belongs to a room.
func (s ChannelStack) Detached() bool {
	return s.RoomID == nil || strings.TrimSpace(*s.RoomID) == ""
}

// AttachmentFor returns the attachment name of the given live input slot.
func (s ChannelStack) AttachmentFor(input RTMPInput) string {
	if input == RTMPInputB {
		return s.RTMPBAttachmentName
	}
	return s.RTMPAAttachmentName
}

type JobStatus string

const (
	JobStatusNew        JobStatus = "NEW"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ChannelStackCreateJob tracks the provisioning of one channel stack.
type ChannelStackCreateJob struct {
	ID           string    `json:"id"`
	RoomID       string    `json:"roomId"`
	ConferenceID string    `json:"conferenceId"`
	StackName    string    `json:"stackName"`
	InfraStackID string    `json:"infraStackId,omitempty"`
	Status       JobStatus `json:"status"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ChannelStackDeleteJob tracks the teardown of one channel stack after its
// record has been removed.
type ChannelStackDeleteJob struct {
	ID               string    `json:"id"`
	InfraStackID     string    `json:"infraStackId"`
	StackName        string    `json:"stackName"`
	EncoderChannelID string    `json:"encoderChannelId"`
	Status           JobStatus `json:"status"`
	Message          string    `json:"message,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

const (
	BlobTypeVideoBroadcast = "VIDEO_BROADCAST"
	BlobTypeVideoFile      = "VIDEO_FILE"
)

// Element is a content item whose versions may carry video files.
type Element struct {
	ID           string           `json:"id"`
	ConferenceID string           `json:"conferenceId"`
	Name         string           `json:"name"`
	Versions     []ElementVersion `json:"versions"`
}

type ElementVersion struct {
	CreatedAt time.Time     `json:"createdAt"`
	Data      []ElementBlob `json:"data"`
}

// ElementBlob is one typed payload inside an element version. Broadcast
// renditions are preferred over source files.
type ElementBlob struct {
	Type       string `json:"type"`
	StorageURL string `json:"storageUrl,omitempty"`
}

// LatestVersion returns the most recent version, if any.
func (e Element) LatestVersion() (ElementVersion, bool) {
	if len(e.Versions) == 0 {
		return ElementVersion{}, false
	}
	return e.Versions[len(e.Versions)-1], true
}

// VideoKey resolves the storage key of the version's video. hasVideo is false
// when the version carries no video blob at all.
func (v ElementVersion) VideoKey() (key string, hasVideo bool) {
	var fallback *ElementBlob
	for i := range v.Data {
		blob := v.Data[i]
		switch blob.Type {
		case BlobTypeVideoBroadcast:
			return StorageKey(blob.StorageURL), true
		case BlobTypeVideoFile:
			if fallback == nil {
				fallback = &v.Data[i]
			}
		}
	}
	if fallback == nil {
		return "", false
	}
	return StorageKey(fallback.StorageURL), true
}

// StorageKey reduces s3://bucket/key URLs to the object key. Other values are
// returned trimmed.
func StorageKey(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(trimmed, "s3://"); ok {
		if idx := strings.Index(rest, "/"); idx >= 0 {
			return rest[idx+1:]
		}
		return ""
	}
	return trimmed
}

type ConferenceConfiguration struct {
	ConferenceID   string  `json:"conferenceId"`
	FillerVideoKey *string `json:"fillerVideoKey,omitempty"`
}

// ImmediateSwitch records an operator request to change the on-air source
// and its outcome.
type ImmediateSwitch struct {
	ID           string          `json:"id"`
	ConferenceID string          `json:"conferenceId"`
	EventID      *string         `json:"eventId,omitempty"`
	Data         json.RawMessage `json:"data"`
	ExecutedAt   *time.Time      `json:"executedAt,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// ChannelState is the run state reported by the encoder for a channel.
type ChannelState string

const (
	ChannelStateCreating     ChannelState = "CREATING"
	ChannelStateCreateFailed ChannelState = "CREATE_FAILED"
	ChannelStateIdle         ChannelState = "IDLE"
	ChannelStateStarting     ChannelState = "STARTING"
	ChannelStateRunning      ChannelState = "RUNNING"
	ChannelStateRecovering   ChannelState = "RECOVERING"
	ChannelStateStopping     ChannelState = "STOPPING"
	ChannelStateDeleting     ChannelState = "DELETING"
	ChannelStateDeleted      ChannelState = "DELETED"
	ChannelStateUpdating     ChannelState = "UPDATING"
	ChannelStateUpdateFailed ChannelState = "UPDATE_FAILED"
)

// Live reports whether the channel is on air or about to be.
func (s ChannelState) Live() bool {
	return s == ChannelStateRunning || s == ChannelStateStarting || s == ChannelStateRecovering
}
