package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SNS message types.
const (
	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

// StackResourceType identifies events about a stack as a whole rather than
// one of its resources.
const StackResourceType = "AWS::CloudFormation::Stack"

var ErrMalformed = errors.New("malformed notification")

// Envelope is the outer SNS HTTP delivery body.
type Envelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicARN     string `json:"TopicArn"`
	Subject      string `json:"Subject,omitempty"`
	Message      string `json:"Message"`
	Timestamp    string `json:"Timestamp,omitempty"`
	SubscribeURL string `json:"SubscribeURL,omitempty"`
}

// ParseEnvelope decodes an SNS delivery body.
func ParseEnvelope(body []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: decode envelope: %v", ErrMalformed, err)
	}
	switch envelope.Type {
	case TypeNotification, TypeSubscriptionConfirmation, TypeUnsubscribeConfirmation:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown envelope type %q", ErrMalformed, envelope.Type)
	}
	return envelope, nil
}

// StackEvent is a CloudFormation stack event notification.
type StackEvent struct {
	StackID              string
	StackName            string
	LogicalResourceID    string
	PhysicalResourceID   string
	ResourceType         string
	ResourceStatus       string
	ResourceStatusReason string
}

// ParseStackEvent decodes the Key='value' lines CloudFormation publishes.
// Quoted values may span several lines.
func ParseStackEvent(message string) (StackEvent, error) {
	fields, err := parseQuotedFields(message)
	if err != nil {
		return StackEvent{}, err
	}
	event := StackEvent{
		StackID:              fields["StackId"],
		StackName:            fields["StackName"],
		LogicalResourceID:    fields["LogicalResourceId"],
		PhysicalResourceID:   fields["PhysicalResourceId"],
		ResourceType:         fields["ResourceType"],
		ResourceStatus:       fields["ResourceStatus"],
		ResourceStatusReason: fields["ResourceStatusReason"],
	}
	if event.StackName == "" || event.ResourceType == "" || event.ResourceStatus == "" {
		return StackEvent{}, fmt.Errorf("%w: stack event is missing StackName, ResourceType or ResourceStatus", ErrMalformed)
	}
	return event, nil
}

func parseQuotedFields(message string) (map[string]string, error) {
	fields := make(map[string]string)
	lines := strings.Split(strings.ReplaceAll(message, "\r\n", "\n"), "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%w: line %d is not Key='value'", ErrMalformed, i+1)
		}
		key = strings.TrimSpace(key)
		if !strings.HasPrefix(value, "'") {
			fields[key] = value
			continue
		}
		value = value[1:]
		for !strings.HasSuffix(value, "'") {
			i++
			if i >= len(lines) {
				return nil, fmt.Errorf("%w: unterminated value for %s", ErrMalformed, key)
			}
			value += "\n" + strings.TrimRight(lines[i], " \t")
		}
		fields[key] = strings.TrimSuffix(value, "'")
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty stack event", ErrMalformed)
	}
	return fields, nil
}

// ChannelStateChange is an encoder channel state change event.
type ChannelStateChange struct {
	ChannelARN string
	State      string
	Message    string
}

// ChannelID returns the channel identifier, the ARN suffix after the last
// colon.
func (c ChannelStateChange) ChannelID() string {
	if idx := strings.LastIndex(c.ChannelARN, ":"); idx >= 0 {
		return c.ChannelARN[idx+1:]
	}
	return c.ChannelARN
}

type channelEvent struct {
	DetailType string `json:"detail-type"`
	Source     string `json:"source"`
	Detail     struct {
		ChannelARN string `json:"channel_arn"`
		State      string `json:"state"`
		Message    string `json:"message"`
	} `json:"detail"`
}

// ParseChannelStateChange decodes an EventBridge channel state event.
func ParseChannelStateChange(message string) (ChannelStateChange, error) {
	var event channelEvent
	if err := json.Unmarshal([]byte(message), &event); err != nil {
		return ChannelStateChange{}, fmt.Errorf("%w: decode channel event: %v", ErrMalformed, err)
	}
	change := ChannelStateChange{
		ChannelARN: strings.TrimSpace(event.Detail.ChannelARN),
		State:      strings.ToUpper(strings.TrimSpace(event.Detail.State)),
		Message:    event.Detail.Message,
	}
	if change.ChannelARN == "" || change.State == "" || change.ChannelID() == "" {
		return ChannelStateChange{}, fmt.Errorf("%w: channel event is missing channel_arn or state", ErrMalformed)
	}
	return change, nil
}
