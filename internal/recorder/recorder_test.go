package recorder

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/hermeskit/internal/config"
	"github.com/loqalabs/hermeskit/internal/hermes"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.RecorderConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "dialogue.db")
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open recorder: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	s := openStore(t, config.RecorderConfig{RetentionMode: RetentionEphemeral})
	if err := s.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := s.Record(context.Background(), hermes.EndSession, Outbound, []byte(`{"sessionId":"s"}`)); err != nil {
		t.Fatalf("record: %v", err)
	}
	msgs, err := s.ListSessionMessages(context.Background(), "s", 10)
	if err != nil || msgs != nil {
		t.Fatalf("expected nothing stored, got %v %v", msgs, err)
	}
}

func TestRecordSession(t *testing.T) {
	s := openStore(t, config.RecorderConfig{RetentionMode: RetentionSession})
	ctx := context.Background()

	intent := []byte(`{"sessionId":"s1","siteId":"kitchen","input":"lights on","intent":{"intentName":"user:lightsOn","confidenceScore":1}}`)
	if err := s.Record(ctx, hermes.IntentTopic("user:lightsOn"), Inbound, intent); err != nil {
		t.Fatalf("record intent: %v", err)
	}
	s.Observe(ctx, hermes.EndSession, []byte(`{"sessionId":"s1","text":"Done"}`))
	if err := s.Record(ctx, hermes.SessionEnded, Inbound, []byte(`{"sessionId":"s1","siteId":"kitchen","termination":{"reason":"nominal"}}`)); err != nil {
		t.Fatalf("record ended: %v", err)
	}
	// audio and session-less messages are skipped
	if err := s.Record(ctx, hermes.PlayBytes("kitchen", "r"), Outbound, []byte("RIFF")); err != nil {
		t.Fatalf("record audio: %v", err)
	}
	if err := s.Record(ctx, "hermes/hotword/default/detected", Inbound, []byte(`{"siteId":"default"}`)); err != nil {
		t.Fatalf("record hotword: %v", err)
	}

	msgs, err := s.ListSessionMessages(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Direction != Outbound || msgs[1].Topic != hermes.EndSession {
		t.Fatalf("unexpected second message: %+v", msgs[1])
	}
	if got := msgs[1].Summary(); got != "out hermes/dialogueManager/endSession Done" {
		t.Fatalf("unexpected summary %q", got)
	}

	sess, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.SiteID != "kitchen" || sess.Intent != "user:lightsOn" || sess.Termination != "nominal" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if sess.EndedAt.IsZero() {
		t.Fatal("expected end time")
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	s := openStore(t, config.RecorderConfig{RetentionMode: RetentionPersistent, RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.Record(ctx, hermes.EndSession, Outbound, []byte(`{"sessionId":"old"}`)); err != nil {
		t.Fatalf("record: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"a", "b"} {
		if err := s.Record(ctx, hermes.EndSession, Outbound, []byte(`{"sessionId":"`+id+`"}`)); err != nil {
			t.Fatalf("record: %v", err)
		}
		s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 1, 0, time.UTC) }
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	for id, want := range map[string]int{"old": 0, "a": 0, "b": 1} {
		msgs, err := s.ListSessionMessages(ctx, id, 10)
		if err != nil {
			t.Fatalf("list %s: %v", id, err)
		}
		if len(msgs) != want {
			t.Fatalf("session %s: expected %d messages, got %d", id, want, len(msgs))
		}
	}
}

func TestPruneAfterEndedSessions(t *testing.T) {
	s := openStore(t, config.RecorderConfig{RetentionMode: RetentionSession, MaxSessions: 1, PruneEvery: 2})
	ctx := context.Background()

	count := func() int {
		t.Helper()
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
			t.Fatalf("count sessions: %v", err)
		}
		return n
	}
	end := func(id string, second int) {
		t.Helper()
		s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, second, 0, time.UTC) }
		payload := []byte(`{"sessionId":"` + id + `","termination":{"reason":"nominal"}}`)
		if err := s.Record(ctx, hermes.SessionEnded, Inbound, payload); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	end("a", 0)
	if got := count(); got != 1 {
		t.Fatalf("expected 1 session, got %d", got)
	}
	end("b", 1)
	if got := count(); got != 1 {
		t.Fatalf("expected pruning to keep 1 session, got %d", got)
	}
	if _, err := s.GetSession(ctx, "b"); err != nil {
		t.Fatalf("newest session should survive: %v", err)
	}
	end("c", 2)
	if got := count(); got != 2 {
		t.Fatalf("expected no prune on the odd session, got %d sessions", got)
	}
	end("d", 3)
	if got := count(); got != 1 {
		t.Fatalf("expected pruning to keep 1 session, got %d", got)
	}
}
