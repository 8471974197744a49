// Package recorder keeps a SQLite log of dialogue traffic: every intent,
// question and answer, grouped by session.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/hermeskit/internal/config"
	"github.com/loqalabs/hermeskit/internal/hermes"
	"github.com/tidwall/gjson"
	_ "modernc.org/sqlite"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Message is one recorded broker message.
type Message struct {
	ID        int64
	SessionID string
	SiteID    string
	Topic     string
	Direction Direction
	Payload   []byte
	CreatedAt time.Time
}

// Session summarises a recorded dialogue session.
type Session struct {
	SessionID   string
	SiteID      string
	Intent      string
	Termination string
	StartedAt   time.Time
	EndedAt     time.Time
}

// Store is a SQLite-backed dialogue log. An ephemeral store accepts every
// call and keeps nothing.
type Store struct {
	db    *sql.DB
	cfg   config.RecorderConfig
	log   *slog.Logger
	clock func() time.Time
	ended atomic.Int64
}

func Open(ctx context.Context, cfg config.RecorderConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "recorder"))
	if cfg.RetentionMode == RetentionEphemeral {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; the dispatch loop is sequential anyway
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("recorder vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("recorder prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

// Timestamps are unix nanoseconds so retention cutoffs compare numerically.
func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    site_id TEXT,
    intent TEXT,
    termination TEXT,
    started_at INTEGER NOT NULL,
    ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    site_id TEXT,
    topic TEXT NOT NULL,
    direction TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == RetentionEphemeral || s.db == nil
}

// Record stores a dialogue message. The session id and site id are read
// from the JSON payload; messages without a session id are ignored, as are
// audio payloads.
func (s *Store) Record(ctx context.Context, topic string, direction Direction, payload []byte) error {
	if s.disabled() || !gjson.ValidBytes(payload) {
		return nil
	}
	fields := gjson.GetManyBytes(payload, "sessionId", "siteId", "intent.intentName", "termination.reason")
	sessionID := fields[0].String()
	if sessionID == "" {
		return nil
	}
	siteID := fields[1].String()
	now := s.clock().UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions(session_id, site_id, intent, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   site_id = COALESCE(NULLIF(excluded.site_id, ''), sessions.site_id),
		   intent = COALESCE(NULLIF(excluded.intent, ''), sessions.intent)`,
		sessionID, siteID, fields[2].String(), now); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if topic == hermes.SessionEnded {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET termination = ?, ended_at = ? WHERE session_id = ?`,
			fields[3].String(), now, sessionID); err != nil {
			return fmt.Errorf("end session: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages(session_id, site_id, topic, direction, payload, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		sessionID, siteID, topic, string(direction), payload, now); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if topic == hermes.SessionEnded {
		s.sessionEnded(ctx)
	}
	return nil
}

// sessionEnded reapplies retention every PruneEvery ended sessions so a
// long-running skill does not grow the log until the next restart.
func (s *Store) sessionEnded(ctx context.Context) {
	every := int64(s.cfg.PruneEvery)
	if every < 1 {
		every = 1
	}
	if s.ended.Add(1)%every != 0 {
		return
	}
	if err := s.Prune(ctx); err != nil {
		s.log.Warn("recorder prune failed", slog.String("error", err.Error()))
	}
}

// Observe records an outbound message and only logs failures. It matches
// the dialogue.Observer signature.
func (s *Store) Observe(ctx context.Context, topic string, payload []byte) {
	if err := s.Record(ctx, topic, Outbound, payload); err != nil {
		s.log.Warn("failed to record message", slog.String("topic", topic), slog.String("error", err.Error()))
	}
}

// ListSessionMessages returns up to limit messages of a session, oldest
// first.
func (s *Store) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, COALESCE(site_id, ''), topic, direction, payload, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var direction string
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.SiteID, &m.Topic, &direction, &m.Payload, &created); err != nil {
			return nil, err
		}
		m.Direction = Direction(direction)
		m.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetSession returns the summary of one session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if s.disabled() {
		return Session{}, sql.ErrNoRows
	}
	var sess Session
	var started int64
	var ended sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, COALESCE(site_id, ''), COALESCE(intent, ''), COALESCE(termination, ''), started_at, ended_at
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.SessionID, &sess.SiteID, &sess.Intent, &sess.Termination, &started, &ended)
	if err != nil {
		return Session{}, err
	}
	sess.StartedAt = time.Unix(0, started).UTC()
	if ended.Valid {
		sess.EndedAt = time.Unix(0, ended.Int64).UTC()
	}
	return sess, nil
}

// Prune applies the configured retention: sessions older than the retention
// window go first, then the oldest beyond max_sessions.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	switch s.cfg.RetentionMode {
	case RetentionSession, RetentionPersistent:
	default:
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure checks the store is consistent with its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == RetentionEphemeral && s.db != nil {
		return errors.New("ephemeral recorder should not have a database connection")
	}
	if s.cfg.RetentionMode != RetentionEphemeral && s.db == nil {
		return errors.New("recorder database is not open")
	}
	return nil
}

// Summary is a one-line rendering used by the watcher.
func (m Message) Summary() string {
	text := gjson.GetBytes(m.Payload, "text").String()
	if text == "" {
		text = gjson.GetBytes(m.Payload, "input").String()
	}
	return strings.TrimSpace(fmt.Sprintf("%s %s %s", m.Direction, m.Topic, text))
}
