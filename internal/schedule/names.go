package schedule

import (
	"strings"

	"github.com/google/uuid"
)

// ActionKind is the prefix of an encoder action name.
type ActionKind string

const (
	KindEvent       ActionKind = "e"
	KindEventFollow ActionKind = "ef"
	KindImmediate   ActionKind = "i"
	KindManual      ActionKind = "m"
)

func (k ActionKind) valid() bool {
	switch k {
	case KindEvent, KindEventFollow, KindImmediate, KindManual:
		return true
	default:
		return false
	}
}

// ActionName is a decoded "{kind}/{uuid}" action name.
type ActionName struct {
	Kind ActionKind
	ID   string
}

func (n ActionName) String() string {
	return FormatActionName(n.Kind, n.ID)
}

// FormatActionName encodes an action name. It does not validate its inputs.
func FormatActionName(kind ActionKind, id string) string {
	return string(kind) + "/" + id
}

// ParseActionName decodes names of the form "{e|ef|i|m}/{uuid}". The uuid must
// be in its 36 character hyphenated form. Anything else, including follow-up
// names such as "i/{uuid}/f", is rejected.
func ParseActionName(name string) (*ActionName, bool) {
	prefix, id, found := strings.Cut(name, "/")
	if !found {
		return nil, false
	}
	kind := ActionKind(prefix)
	if !kind.valid() {
		return nil, false
	}
	if len(id) != 36 {
		return nil, false
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, false
	}
	return &ActionName{Kind: kind, ID: id}, true
}

func EventActionName(eventID string) string {
	return FormatActionName(KindEvent, eventID)
}

func EventFollowActionName(eventID string) string {
	return FormatActionName(KindEventFollow, eventID)
}

func ImmediateActionName(requestID string) string {
	return FormatActionName(KindImmediate, requestID)
}

// ImmediateFollowActionName names the action that hands back to the live
// input after an immediate video switch. It deliberately does not parse.
func ImmediateFollowActionName(requestID string) string {
	return ImmediateActionName(requestID) + "/f"
}

func ManualActionName(id string) string {
	return FormatActionName(KindManual, id)
}

// ParseEventActionName returns the event id of an "e/{uuid}" name.
func ParseEventActionName(name string) (string, bool) {
	return parseKind(name, KindEvent)
}

// ParseEventFollowActionName returns the event id of an "ef/{uuid}" name.
func ParseEventFollowActionName(name string) (string, bool) {
	return parseKind(name, KindEventFollow)
}

// ParseImmediateActionName returns the request id of an "i/{uuid}" name.
func ParseImmediateActionName(name string) (string, bool) {
	return parseKind(name, KindImmediate)
}

// ParseManualActionName returns the id of an "m/{uuid}" name.
func ParseManualActionName(name string) (string, bool) {
	return parseKind(name, KindManual)
}

func parseKind(name string, kind ActionKind) (string, bool) {
	parsed, ok := ParseActionName(name)
	if !ok || parsed.Kind != kind {
		return "", false
	}
	return parsed.ID, true
}
