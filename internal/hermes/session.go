package hermes

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

const (
	InitAction       = "action"
	InitNotification = "notification"
)

// SessionInit is the init part of a startSession message.
type SessionInit struct {
	Type                    string   `json:"type"`
	Text                    string   `json:"text,omitempty"`
	CanBeEnqueued           *bool    `json:"canBeEnqueued,omitempty"`
	IntentFilter            []string `json:"intentFilter,omitempty"`
	SendIntentNotRecognized bool     `json:"sendIntentNotRecognized,omitempty"`
}

type StartSessionMessage struct {
	SiteID     string      `json:"siteId"`
	Init       SessionInit `json:"init"`
	CustomData *string     `json:"customData,omitempty"`
}

type ContinueSessionMessage struct {
	SessionID               string   `json:"sessionId"`
	Text                    string   `json:"text"`
	IntentFilter            []string `json:"intentFilter,omitempty"`
	Slot                    string   `json:"slot,omitempty"`
	SendIntentNotRecognized bool     `json:"sendIntentNotRecognized,omitempty"`
	CustomData              *string  `json:"customData,omitempty"`
}

type EndSessionMessage struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text,omitempty"`
}

// Inbound dialogue manager notifications.

type SessionStartedMessage struct {
	SessionID  string  `json:"sessionId"`
	SiteID     string  `json:"siteId"`
	CustomData *string `json:"customData,omitempty"`
}

type SessionQueuedMessage struct {
	SessionID  string  `json:"sessionId"`
	SiteID     string  `json:"siteId"`
	CustomData *string `json:"customData,omitempty"`
}

type Termination struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

type SessionEndedMessage struct {
	SessionID   string      `json:"sessionId"`
	SiteID      string      `json:"siteId"`
	CustomData  *string     `json:"customData,omitempty"`
	Termination Termination `json:"termination"`
}

type IntentNotRecognizedMessage struct {
	SessionID  string  `json:"sessionId"`
	SiteID     string  `json:"siteId"`
	Input      string  `json:"input,omitempty"`
	CustomData *string `json:"customData,omitempty"`
}

type HotwordDetectedMessage struct {
	SiteID    string `json:"siteId"`
	ModelID   string `json:"modelId"`
	SessionID string `json:"sessionId,omitempty"`
}

type PlayFinishedMessage struct {
	ID        string `json:"id"`
	SiteID    string `json:"siteId"`
	SessionID string `json:"sessionId,omitempty"`
}

// NormalizeText collapses runs of whitespace into single spaces and trims
// both ends.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// EncodeCustomData renders customData for the wire: strings pass through,
// byte slices are taken as text, anything else is JSON encoded. Nil yields
// nil so the field is omitted.
func EncodeCustomData(v any) (*string, error) {
	var s string
	switch value := v.(type) {
	case nil:
		return nil, nil
	case string:
		s = value
	case []byte:
		s = string(value)
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode customData: %w", err)
		}
		s = string(data)
	}
	return &s, nil
}

// Encode marshals a protocol message.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals a protocol message.
func Decode[T any](raw []byte) (*T, error) {
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
