package immediate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Failure reasons recorded on rejected requests.
const (
	ReasonInvalidRequest  = "Invalid request"
	ReasonOutsideEvent    = "Currently outside an event"
	ReasonEventNotFound   = "Event not found"
	ReasonNotStarted      = "Event has not yet started"
	ReasonTooCloseToEnd   = "Too close to end of event"
	ReasonNoStream        = "No stream exists"
	ReasonForeignElement  = "Element belongs to another conference"
	ReasonNoVideoData     = "Could not find video data"
	ReasonNoVideoFile     = "Could not find video file"
	ReasonProcessingError = "Processing error"
)

// SwitchError is a policy rejection. Reason is one of the Reason constants.
type SwitchError struct {
	Reason string
}

func (e *SwitchError) Error() string {
	return e.Reason
}

func reject(reason string) *SwitchError {
	return &SwitchError{Reason: reason}
}

// Reason extracts the rejection reason from err, if it is a SwitchError.
func Reason(err error) (string, bool) {
	var switchErr *SwitchError
	if errors.As(err, &switchErr) {
		return switchErr.Reason, true
	}
	return "", false
}

type Kind string

const (
	KindFiller   Kind = "filler"
	KindVideo    Kind = "video"
	KindRTMPPush Kind = "rtmp_push"
)

// Request is the decoded payload of an immediate switch.
type Request struct {
	Kind      Kind   `json:"kind"`
	ElementID string `json:"elementId,omitempty"`
}

// ParseRequest decodes data strictly: unknown fields, trailing content, an
// unknown kind, or an elementId on anything but a video switch are rejected.
func ParseRequest(data json.RawMessage) (Request, error) {
	var req Request
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Request{}, errors.New("unexpected data after request")
	}
	switch req.Kind {
	case KindFiller, KindRTMPPush:
		if req.ElementID != "" {
			return Request{}, fmt.Errorf("elementId is not allowed for %s", req.Kind)
		}
	case KindVideo:
		if len(req.ElementID) != 36 {
			return Request{}, errors.New("elementId must be a uuid")
		}
		if _, err := uuid.Parse(req.ElementID); err != nil {
			return Request{}, fmt.Errorf("elementId must be a uuid: %w", err)
		}
	default:
		return Request{}, fmt.Errorf("unknown kind %q", req.Kind)
	}
	return req, nil
}
