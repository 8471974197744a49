package hermes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lightsPayload = `{
  "sessionId": "a1b2",
  "customData": "{\"origin\":\"kitchen\",\"retries\":2}",
  "siteId": "default",
  "input": "turn on the lights in the kitchen tomorrow at eight for ten minutes",
  "intent": {"intentName": "user:lightsOn", "confidenceScore": 0.92},
  "slots": [
    {
      "entity": "room", "slotName": "room", "rawValue": "kitchen", "confidenceScore": 0.9,
      "range": {"start": 26, "end": 33},
      "value": {"kind": "Custom", "value": "kitchen"}
    },
    {
      "entity": "snips/datetime", "slotName": "when", "rawValue": "tomorrow at eight", "confidenceScore": 0.8,
      "range": {"start": 34, "end": 51},
      "value": {"kind": "InstantTime", "value": "2018-02-08 08:00:00 +01:00", "grain": "Hour", "precision": "Exact"}
    },
    {
      "entity": "snips/duration", "slotName": "for", "rawValue": "ten minutes", "confidenceScore": 0.7,
      "range": null,
      "value": {"kind": "Duration", "years": 0, "quarters": 0, "months": 0, "weeks": 0, "days": 0, "hours": 0, "minutes": 10, "seconds": 0, "precision": "Exact"}
    },
    {
      "entity": "snips/temperature", "slotName": "temp", "rawValue": "21 degrees", "confidenceScore": 1,
      "value": {"kind": "Temperature", "value": 21.5, "unit": "celsius"}
    },
    {
      "entity": "snips/datetime", "slotName": "during", "rawValue": "this evening", "confidenceScore": 1,
      "value": {"kind": "TimeInterval", "from": "2018-02-07 18:00:00 +01:00", "to": null}
    }
  ],
  "asrTokens": [[{"value": "turn", "confidence": 1.0}]],
  "asrConfidence": 0.95
}`

func TestDecodeIntent(t *testing.T) {
	msg, err := DecodeIntent([]byte(lightsPayload))
	require.NoError(t, err)

	assert.Equal(t, "a1b2", msg.SessionID)
	assert.Equal(t, "default", msg.SiteID)
	assert.Equal(t, "user:lightsOn", msg.Intent.IntentName)
	assert.InDelta(t, 0.92, msg.Intent.ConfidenceScore, 1e-9)
	require.NotNil(t, msg.ASRConfidence)
	assert.InDelta(t, 0.95, *msg.ASRConfidence, 1e-9)
	require.Len(t, msg.Slots, 5)

	room, ok := msg.Slot("room")
	require.True(t, ok)
	assert.Equal(t, 0, room.Position)
	assert.Equal(t, KindCustom, room.Value.Kind)
	assert.Equal(t, "kitchen", msg.SlotText("room"))
	require.NotNil(t, room.Range)
	assert.Equal(t, Range{Start: 26, End: 33}, *room.Range)

	when := msg.Slots["when"]
	assert.Equal(t, KindInstantTime, when.Value.Kind)
	assert.Equal(t, "Hour", when.Value.Grain)
	want := time.Date(2018, 2, 8, 7, 0, 0, 0, time.UTC)
	assert.True(t, want.Equal(when.Value.Instant), when.Value.Instant)

	dur := msg.Slots["for"]
	assert.Nil(t, dur.Range)
	assert.Equal(t, 10, dur.Value.Duration.Minutes)
	assert.Equal(t, 10*time.Minute, dur.Value.Duration.Approximate())
	assert.Equal(t, "Exact", dur.Value.Precision)

	temp := msg.Slots["temp"]
	n, ok := temp.Value.Number()
	require.True(t, ok)
	assert.InDelta(t, 21.5, n, 1e-9)
	assert.Equal(t, "celsius", temp.Value.Unit)
	assert.Equal(t, "21.5", temp.Value.String())

	during := msg.Slots["during"]
	require.NotNil(t, during.Value.From)
	assert.Nil(t, during.Value.To)
	assert.Equal(t, 4, during.Position)

	assert.Equal(t, map[string]any{"origin": "kitchen", "retries": float64(2)}, msg.CustomData)
	assert.Equal(t, "kitchen", msg.CustomField("origin").String())
	assert.EqualValues(t, 2, msg.CustomField("retries").Int())
	assert.Equal(t, lightsPayload, string(msg.Raw))
}

func TestDecodeIntentCustomData(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want any
	}{
		{"absent", `{"siteId": "x"}`, nil},
		{"null", `{"customData": null}`, nil},
		{"plain string", `{"customData": "just text"}`, "just text"},
		{"number string", `{"customData": "42"}`, "42"},
		{"array", `{"customData": "[1,2]"}`, []any{float64(1), float64(2)}},
		{"embedded object", `{"customData": {"a": "b"}}`, map[string]any{"a": "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := `{"sessionId":"s","intent":{"intentName":"x","confidenceScore":1},` + tc.in[1:]
			msg, err := DecodeIntent([]byte(raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, msg.CustomData)
		})
	}
}

func TestDecodeIntentRejectsMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":       `{"sessionId":`,
		"no session":     `{"intent":{"intentName":"x","confidenceScore":1}}`,
		"no intent":      `{"sessionId":"s"}`,
		"confidence > 1": `{"sessionId":"s","intent":{"intentName":"x","confidenceScore":1.5}}`,
		"bad date":       `{"sessionId":"s","intent":{"intentName":"x","confidenceScore":1},"slots":[{"slotName":"d","value":{"kind":"InstantTime","value":"yesterday"}}]}`,
		"kindless value": `{"sessionId":"s","intent":{"intentName":"x","confidenceScore":1},"slots":[{"slotName":"d","value":{"value":"x"}}]}`,
	} {
		_, err := DecodeIntent([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedIntent, name)
	}
}

func TestParseDateIgnoresFraction(t *testing.T) {
	a, err := ParseDate("2018-02-08 00:00:00 +01:00")
	require.NoError(t, err)
	b, err := ParseDate("2018-02-08 00:00:00.250 +01:00")
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	_, offset := a.Zone()
	assert.Equal(t, 3600, offset)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "hermes/intent/user:lightsOn", IntentTopic("user:lightsOn"))
	assert.Equal(t, AllIntents, IntentTopic("#"))
	name, ok := IntentName("hermes/intent/user:lightsOn")
	assert.True(t, ok)
	assert.Equal(t, "user:lightsOn", name)
	_, ok = IntentName("hermes/dialogueManager/endSession")
	assert.False(t, ok)
	assert.Equal(t, "hermes/audioServer/kitchen/playBytes/r1", PlayBytes("kitchen", "r1"))
	assert.Equal(t, "hermes/hotword/default/detected", HotwordDetected("default"))
	assert.Equal(t, "hermes/audioServer/kitchen/playFinished", PlayFinished("kitchen"))
	assert.Len(t, SessionTopics(), 7)
}

func TestSessionMessageFields(t *testing.T) {
	data, err := Encode(EndSessionMessage{SessionID: "s1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessionId":"s1"}`, string(data))

	data, err = Encode(ContinueSessionMessage{SessionID: "s1", Text: "Which room?"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessionId":"s1","text":"Which room?"}`, string(data))

	no := false
	data, err = Encode(StartSessionMessage{
		SiteID: "kitchen",
		Init:   SessionInit{Type: InitAction, CanBeEnqueued: &no, IntentFilter: []string{"a"}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"siteId":"kitchen","init":{"type":"action","canBeEnqueued":false,"intentFilter":["a"]}}`, string(data))

	ended, err := Decode[SessionEndedMessage]([]byte(`{"sessionId":"s1","siteId":"default","termination":{"reason":"nominal"}}`))
	require.NoError(t, err)
	assert.Equal(t, "nominal", ended.Termination.Reason)
}

func TestEncodeCustomData(t *testing.T) {
	got, err := EncodeCustomData(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = EncodeCustomData("raw")
	require.NoError(t, err)
	assert.Equal(t, "raw", *got)

	got, err = EncodeCustomData(map[string]any{"room": "kitchen"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"room":"kitchen"}`, *got)

	got, err = EncodeCustomData([]int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", *got)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "The light is on", NormalizeText("  The light\n\tis   on "))
	assert.Equal(t, "", NormalizeText(" \n "))
}
