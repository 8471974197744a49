package actions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/hermeskit/internal/config"
	"github.com/loqalabs/hermeskit/internal/dialogue"
	"github.com/loqalabs/hermeskit/internal/hermes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intent(t *testing.T) *hermes.IntentMessage {
	t.Helper()
	msg, err := hermes.DecodeIntent([]byte(`{"sessionId":"s1","siteId":"kitchen","input":"lights on","intent":{"intentName":"user:lightsOn","confidenceScore":0.9},"slots":[{"slotName":"room","entity":"room","rawValue":"kitchen","confidenceScore":1,"value":{"kind":"Custom","value":"kitchen"}}]}`))
	require.NoError(t, err)
	return msg
}

func TestParseReply(t *testing.T) {
	r, err := ParseReply([]byte("  Lights on\n"))
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: "Lights on"}, r)

	r, err = ParseReply([]byte(`{"question":"Which room?","slot":"room","intent_filter":["user:lightsOn"]}`))
	require.NoError(t, err)
	assert.Equal(t, "Which room?", r.Question)
	assert.Equal(t, []string{"user:lightsOn"}, r.IntentFilter)

	_, err = ParseReply([]byte(`{broken`))
	assert.Error(t, err)
}

func TestExecPassesIntent(t *testing.T) {
	a, err := NewExec(`sh -c 'printf "%s in the %s" "$GREETING" "$HERMES_SLOT_ROOM"; cat >/dev/null'`, map[string]string{"GREETING": "Lights on"}, time.Second)
	require.NoError(t, err)

	reply, err := a.Run(context.Background(), intent(t))
	require.NoError(t, err)
	assert.Equal(t, "Lights on in the kitchen", reply.Text)
}

func TestExecReadsStdin(t *testing.T) {
	a, err := NewExec(`sh -c 'grep -q user:lightsOn && echo "{\"text\":\"ok\"}"'`, nil, time.Second)
	require.NoError(t, err)

	reply, err := a.Run(context.Background(), intent(t))
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Text)
}

func TestExecFailureUsesStderr(t *testing.T) {
	a, err := NewExec(`sh -c 'echo "Device offline" >&2; exit 3'`, nil, time.Second)
	require.NoError(t, err)

	_, err = a.Run(context.Background(), intent(t))
	require.EqualError(t, err, "Device offline")
}

func TestExecTimeout(t *testing.T) {
	a, err := NewExec("sleep 5", nil, 50*time.Millisecond)
	require.NoError(t, err)

	_, err = a.Run(context.Background(), intent(t))
	require.ErrorContains(t, err, "timed out")
}

func TestNewExecRejectsEmpty(t *testing.T) {
	_, err := NewExec("   ", nil, 0)
	assert.Error(t, err)
	_, err = NewExec(`echo "unterminated`, nil, 0)
	assert.Error(t, err)
}

type stubAction struct {
	reply Reply
	err   error
}

func (s stubAction) Run(context.Context, *hermes.IntentMessage) (Reply, error) { return s.reply, s.err }
func (s stubAction) Close(context.Context) error                              { return nil }

func TestHandlerMapsReplies(t *testing.T) {
	msg := intent(t)
	ctx := context.Background()

	out, err := Handler(stubAction{reply: Reply{Text: "Done"}})(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, dialogue.Done("Done"), out)

	out, err = Handler(stubAction{reply: Reply{Question: "Which room?", Slot: "room"}})(ctx, msg)
	require.NoError(t, err)
	c, ok := out.(*dialogue.Clarification)
	require.True(t, ok)
	assert.Equal(t, "room", c.Slot)

	_, err = Handler(stubAction{reply: Reply{Error: "Device offline"}})(ctx, msg)
	require.EqualError(t, err, "Device offline")

	boom := errors.New("boom")
	_, err = Handler(stubAction{err: boom})(ctx, msg)
	require.ErrorIs(t, err, boom)

	out, err = Handler(stubAction{})(ctx, msg)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGuards(t *testing.T) {
	cfg := config.ActionConfig{Slots: []config.SlotRequirement{{Name: "room", Prompt: "Which room?"}}}
	assert.Len(t, Guards(cfg, 0, "Pardon?"), 1)
	assert.Len(t, Guards(cfg, 0.5, "Pardon?"), 2)
	cfg.MinConfidence = 0.95
	h := dialogue.Chain(func(context.Context, *hermes.IntentMessage) (dialogue.Outcome, error) {
		return dialogue.Done("ok"), nil
	}, Guards(cfg, 0.5, "Pardon?")...)

	out, err := h(context.Background(), intent(t))
	require.NoError(t, err)
	c, ok := out.(*dialogue.Clarification)
	require.True(t, ok)
	assert.Equal(t, "Pardon?", c.Prompt)
}

func TestWasmLoadErrors(t *testing.T) {
	ctx := context.Background()
	rt, err := NewRuntime(ctx, nil, discard())
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(ctx) })

	_, err = rt.Load(ctx, filepath.Join(t.TempDir(), "missing.wasm"), "", nil, 0)
	require.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.wasm")
	require.NoError(t, os.WriteFile(garbage, []byte("not wasm"), 0o644))
	_, err = rt.Load(ctx, garbage, "", nil, 0)
	require.Error(t, err)

	_, err = Build(ctx, config.ActionConfig{Kind: "wasm", Module: garbage}, nil, discard())
	require.Error(t, err)
}

func TestAllowPublish(t *testing.T) {
	assert.NoError(t, allowPublish(hermes.EndSession))
	assert.NoError(t, allowPublish(hermes.PlayBytes("kitchen", "r")))
	assert.Error(t, allowPublish("hermes/intent/user:lightsOn"))
	assert.Error(t, allowPublish("hermes/dialogueManager/#"))
	assert.Error(t, allowPublish(""))
}
