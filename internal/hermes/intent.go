package hermes

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

var ErrMalformedIntent = errors.New("malformed intent message")

// Slot value kinds.
const (
	KindCustom        = "Custom"
	KindNumber        = "Number"
	KindOrdinal       = "Ordinal"
	KindPercentage    = "Percentage"
	KindInstantTime   = "InstantTime"
	KindTimeInterval  = "TimeInterval"
	KindDuration      = "Duration"
	KindTemperature   = "Temperature"
	KindAmountOfMoney = "AmountOfMoney"
)

// DateLayout is the timestamp format used in slot values,
// e.g. "2018-02-08 00:00:00 +01:00".
const DateLayout = "2006-01-02 15:04:05 -07:00"

// ParseDate parses a slot timestamp. Fractional seconds between the time and
// the zone offset are ignored.
func ParseDate(s string) (time.Time, error) {
	if len(s) > 26 {
		s = s[:19] + s[len(s)-7:]
	}
	return time.Parse(DateLayout, s)
}

type Intent struct {
	IntentName      string  `json:"intentName"`
	ConfidenceScore float64 `json:"confidenceScore"`
}

type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Duration struct {
	Years    int `json:"years"`
	Quarters int `json:"quarters"`
	Months   int `json:"months"`
	Weeks    int `json:"weeks"`
	Days     int `json:"days"`
	Hours    int `json:"hours"`
	Minutes  int `json:"minutes"`
	Seconds  int `json:"seconds"`
}

// Approximate converts the duration to a time.Duration using 365-day years
// and 30-day months.
func (d Duration) Approximate() time.Duration {
	days := d.Years*365 + d.Quarters*91 + d.Months*30 + d.Weeks*7 + d.Days
	return time.Duration(days)*24*time.Hour +
		time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(d.Seconds)*time.Second
}

// SlotValue is a typed slot value. Which fields are set depends on Kind;
// kinds this package does not know keep only Kind and Value.
type SlotValue struct {
	Kind string
	// Value is the plain value: a string for Custom, a float64 for numeric
	// kinds, the original timestamp string for InstantTime.
	Value     any
	Grain     string
	Precision string
	Instant   time.Time
	From      *time.Time
	To        *time.Time
	Duration  Duration
	Unit      string
}

type slotValueWire struct {
	Kind      string  `json:"kind"`
	Value     any     `json:"value"`
	Grain     string  `json:"grain"`
	Precision string  `json:"precision"`
	From      *string `json:"from"`
	To        *string `json:"to"`
	Unit      string  `json:"unit"`
	Duration
}

func (v *SlotValue) UnmarshalJSON(data []byte) error {
	var w slotValueWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Kind == "" {
		return fmt.Errorf("%w: slot value without kind", ErrMalformedIntent)
	}
	*v = SlotValue{
		Kind:      w.Kind,
		Value:     w.Value,
		Grain:     w.Grain,
		Precision: w.Precision,
		Unit:      w.Unit,
	}
	switch w.Kind {
	case KindInstantTime:
		s, _ := w.Value.(string)
		t, err := ParseDate(s)
		if err != nil {
			return fmt.Errorf("%w: instant time %q: %v", ErrMalformedIntent, s, err)
		}
		v.Instant = t
	case KindTimeInterval:
		var err error
		if v.From, err = parseOptionalDate(w.From); err != nil {
			return err
		}
		if v.To, err = parseOptionalDate(w.To); err != nil {
			return err
		}
	case KindDuration:
		v.Duration = w.Duration
	}
	return nil
}

func parseOptionalDate(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := ParseDate(*s)
	if err != nil {
		return nil, fmt.Errorf("%w: interval bound %q: %v", ErrMalformedIntent, *s, err)
	}
	return &t, nil
}

// String returns the plain value as text.
func (v SlotValue) String() string {
	switch value := v.Value.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return fmt.Sprintf("%g", value)
	default:
		return fmt.Sprint(value)
	}
}

// Number returns the numeric value of Number, Ordinal, Percentage,
// Temperature and AmountOfMoney slots.
func (v SlotValue) Number() (float64, bool) {
	f, ok := v.Value.(float64)
	return f, ok
}

type Slot struct {
	// Position is the slot's index in the message's slot list.
	Position        int       `json:"-"`
	Entity          string    `json:"entity"`
	SlotName        string    `json:"slotName"`
	RawValue        string    `json:"rawValue"`
	ConfidenceScore float64   `json:"confidenceScore"`
	Range           *Range    `json:"range"`
	Value           SlotValue `json:"value"`
}

// IntentMessage is a recognised intent as delivered on hermes/intent/<name>.
type IntentMessage struct {
	SessionID     string
	SiteID        string
	Input         string
	Intent        Intent
	Slots         map[string]*Slot
	ASRTokens     json.RawMessage
	ASRConfidence *float64
	// CustomData is the parsed customData when it holds a JSON object or
	// array, the raw string otherwise, and nil when absent.
	CustomData any
	// RawCustomData is customData exactly as received.
	RawCustomData *string
	Raw           []byte
}

type intentWire struct {
	SessionID     string          `json:"sessionId"`
	CustomData    json.RawMessage `json:"customData"`
	SiteID        string          `json:"siteId"`
	Input         string          `json:"input"`
	Intent        *Intent         `json:"intent"`
	Slots         []Slot          `json:"slots"`
	ASRTokens     json.RawMessage `json:"asrTokens"`
	ASRConfidence *float64        `json:"asrConfidence"`
}

// DecodeIntent parses an intent message.
func DecodeIntent(raw []byte) (*IntentMessage, error) {
	var w intentWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIntent, err)
	}
	if w.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sessionId", ErrMalformedIntent)
	}
	if w.Intent == nil || w.Intent.IntentName == "" {
		return nil, fmt.Errorf("%w: missing intent name", ErrMalformedIntent)
	}
	if score := w.Intent.ConfidenceScore; score < 0 || score > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0, 1]", ErrMalformedIntent, score)
	}

	msg := &IntentMessage{
		SessionID:     w.SessionID,
		SiteID:        w.SiteID,
		Input:         w.Input,
		Intent:        *w.Intent,
		Slots:         make(map[string]*Slot, len(w.Slots)),
		ASRTokens:     w.ASRTokens,
		ASRConfidence: w.ASRConfidence,
		Raw:           raw,
	}
	if custom, ok := customDataString(w.CustomData); ok {
		msg.RawCustomData = &custom
		msg.CustomData = ParseCustomData(custom)
	}
	for i := range w.Slots {
		slot := w.Slots[i]
		slot.Position = i
		msg.Slots[slot.SlotName] = &slot
	}
	return msg, nil
}

// customData is specified as a string; senders that embed a JSON value
// directly are accepted too.
func customDataString(raw json.RawMessage) (string, bool) {
	parsed := gjson.ParseBytes(raw)
	switch {
	case len(raw) == 0 || parsed.Type == gjson.Null:
		return "", false
	case parsed.Type == gjson.String:
		return parsed.Str, true
	default:
		return parsed.Raw, true
	}
}

// ParseCustomData returns the structured form of s when it is a JSON object
// or array, and s itself otherwise.
func ParseCustomData(s string) any {
	if !gjson.Valid(s) {
		return s
	}
	parsed := gjson.Parse(s)
	if !parsed.IsObject() && !parsed.IsArray() {
		return s
	}
	return parsed.Value()
}

// Slot returns the named slot.
func (m *IntentMessage) Slot(name string) (*Slot, bool) {
	s, ok := m.Slots[name]
	return s, ok
}

// SlotText returns the plain value of the named slot, or "".
func (m *IntentMessage) SlotText(name string) string {
	if s, ok := m.Slots[name]; ok {
		return s.Value.String()
	}
	return ""
}

// CustomField looks up a gjson path inside customData.
func (m *IntentMessage) CustomField(path string) gjson.Result {
	if m.RawCustomData == nil {
		return gjson.Result{}
	}
	return gjson.Get(*m.RawCustomData, path)
}

func (m *IntentMessage) String() string {
	return fmt.Sprintf("<Intent %q score=%.2f slots=%d>", m.Intent.IntentName, m.Intent.ConfidenceScore, len(m.Slots))
}
