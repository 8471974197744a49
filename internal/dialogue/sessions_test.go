package dialogue

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/hermeskit/internal/audio"
	"github.com/loqalabs/hermeskit/internal/bus"
	"github.com/loqalabs/hermeskit/internal/bus/bustest"
	"github.com/loqalabs/hermeskit/internal/hermes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartSession(t *testing.T) {
	tr := bustest.New(bus.Handlers{})
	s := NewSessions(tr, discard())
	ctx := context.Background()

	require.NoError(t, s.StartSession(ctx, "kitchen", ActionInit("What  now?", nil, true, false), nil))
	require.NoError(t, s.StartSession(ctx, "kitchen",
		ActionInit("", []string{"user:lightsOn"}, false, true),
		map[string]any{"test": 1}))
	require.NoError(t, s.StartSession(ctx, "kitchen", NotificationInit("Timer done"), "plain"))

	published := tr.Published()
	require.Len(t, published, 3)
	for _, p := range published {
		assert.Equal(t, hermes.StartSession, p.Topic)
	}
	assert.JSONEq(t, `{"siteId":"kitchen","init":{"type":"action","text":"What now?"}}`, string(published[0].Payload))
	assert.JSONEq(t, `{"siteId":"kitchen","init":{"type":"action","canBeEnqueued":false,"intentFilter":["user:lightsOn"],"sendIntentNotRecognized":true},"customData":"{\"test\":1}"}`, string(published[1].Payload))
	assert.JSONEq(t, `{"siteId":"kitchen","init":{"type":"notification","text":"Timer done"},"customData":"plain"}`, string(published[2].Payload))
}

func TestPlaySound(t *testing.T) {
	tr := bustest.New(bus.Handlers{})
	var observed []string
	s := NewSessions(tr, discard(), WithObserver(func(_ context.Context, topic string, _ []byte) {
		observed = append(observed, topic)
	}))
	wav, err := audio.EncodePCM(audio.Tone(880, 50*time.Millisecond, audio.DefaultSampleRate), audio.DefaultSampleRate, 16, 1)
	require.NoError(t, err)

	_, err = s.PlaySound(context.Background(), "kitchen", []byte("RIFF....WAVE"), "")
	require.ErrorIs(t, err, audio.ErrInvalidWAV)

	id, err := s.PlaySound(context.Background(), "kitchen", wav, "")
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	id2, err := s.PlaySound(context.Background(), "kitchen", wav, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", id2)

	published := tr.Published()
	require.Len(t, published, 2)
	assert.Equal(t, hermes.PlayBytes("kitchen", id), published[0].Topic)
	assert.Equal(t, "hermes/audioServer/kitchen/playBytes/req-1", published[1].Topic)
	assert.Equal(t, wav, published[1].Payload)
	assert.Equal(t, []string{published[0].Topic, published[1].Topic}, observed)
}

func TestPlaySoundPublishesFloatClipUnchanged(t *testing.T) {
	tr := bustest.New(bus.Handlers{})
	s := NewSessions(tr, discard())
	clip, err := audio.EncodePCM(audio.Tone(440, 20*time.Millisecond, audio.DefaultSampleRate), audio.DefaultSampleRate, 32, 1)
	require.NoError(t, err)
	binary.LittleEndian.PutUint16(clip[20:], audio.FormatFloat)

	_, err = s.PlaySound(context.Background(), "kitchen", clip, "req-float")
	require.NoError(t, err)

	published := tr.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "hermes/audioServer/kitchen/playBytes/req-float", published[0].Topic)
	assert.Equal(t, clip, published[0].Payload)
}

func TestEndAndContinue(t *testing.T) {
	tr := bustest.New(bus.Handlers{})
	s := NewSessions(tr, discard(), WithDefaultQoS(0))
	ctx := context.Background()

	require.NoError(t, s.EndSession(ctx, "s1", "   "))
	require.NoError(t, s.ContinueSession(ctx, "s1", "Which\nroom?", Slot("room")))

	published := tr.Published()
	require.Len(t, published, 2)
	assert.Equal(t, byte(0), published[0].QoS)
	assert.JSONEq(t, `{"sessionId":"s1"}`, string(published[0].Payload))
	assert.JSONEq(t, `{"sessionId":"s1","text":"Which room?","slot":"room"}`, string(published[1].Payload))
}
