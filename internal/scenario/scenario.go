// Package scenario drives scripted dialogue sessions against a live
// dialogue manager. Each test is a list of steps; every observed event must
// match the next step's topic, and a step may publish a message in reply.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/goccy/go-json"
	"github.com/loqalabs/hermeskit/internal/bus"
	"github.com/loqalabs/hermeskit/internal/dialogue"
	"github.com/loqalabs/hermeskit/internal/hermes"
	"github.com/loqalabs/hermeskit/internal/router"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const ActionPublish = "publish"

type Step struct {
	Event   string          `json:"event"`
	Action  string          `json:"action,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Test []Step

// LoadTest reads a JSON test file.
func LoadTest(path string) (Test, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read test %s: %w", path, err)
	}
	var t Test
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode test %s: %w", path, err)
	}
	return t, nil
}

// Event is one logged message. Keys are in sorted order in the log file.
type Event struct {
	Action  *string `json:"action"`
	Event   *string `json:"event"`
	Payload any     `json:"payload"`
	Topic   string  `json:"topic"`
}

type Options struct {
	SiteID string
	// LogDir receives one <sessionId>.json file per session when set. With
	// a log dir the runner keeps starting sessions after the tests run out.
	LogDir string
}

type Runner struct {
	pub      bus.Publisher
	sessions *dialogue.Sessions
	opts     Options
	log      *slog.Logger

	mu        sync.Mutex
	tests     []Test
	test      Test
	sessionID string
	events    []Event
	failures  int
	finished  bool
	done      chan struct{}
}

func New(pub bus.Publisher, sessions *dialogue.Sessions, tests []Test, opts Options, logger *slog.Logger) *Runner {
	if opts.SiteID == "" {
		opts.SiteID = "test"
	}
	return &Runner{
		pub:      pub,
		sessions: sessions,
		opts:     opts,
		log:      logger.With(slog.String("component", "scenario")),
		tests:    tests,
		done:     make(chan struct{}),
	}
}

// Register subscribes the runner to session and intent traffic.
func (r *Runner) Register(rt *router.Router) error {
	routes := []struct {
		pattern string
		handler router.Handler
	}{
		{hermes.SessionStarted, r.onStarted},
		{hermes.AllIntents, r.onEvent},
		{hermes.ContinueSession, r.onEvent},
		{hermes.EndSession, r.onEvent},
		{hermes.SessionEnded, r.onEnded},
	}
	for _, route := range routes {
		if err := rt.Register(route.pattern, 1, router.JSON, route.handler); err != nil {
			return err
		}
	}
	return nil
}

// Start opens the first session. Call it once the broker accepted the
// connection.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	idle := len(r.tests) == 0 && r.opts.LogDir == ""
	r.mu.Unlock()
	if idle {
		r.log.Info("nothing to do, exiting")
		r.finish()
		return nil
	}
	return r.startSession(ctx)
}

func (r *Runner) startSession(ctx context.Context) error {
	return r.sessions.StartSession(ctx, r.opts.SiteID, dialogue.ActionInit("", nil, true, false), nil)
}

// Done is closed when no tests remain and no log dir is set.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

func (r *Runner) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.finished {
		r.finished = true
		close(r.done)
	}
}

func (r *Runner) onStarted(ctx context.Context, d router.Delivery) error {
	r.mu.Lock()
	if len(r.events) > 0 {
		r.flushLocked()
	}
	r.sessionID = gjson.GetBytes(d.Raw, "sessionId").String()
	r.log.Debug("session started", slog.String("session_id", r.sessionID))
	if len(r.tests) > 0 {
		r.log.Info("running test", slog.String("session_id", r.sessionID))
		r.test, r.tests = r.tests[0], r.tests[1:]
	}
	r.mu.Unlock()
	return r.onEvent(ctx, d)
}

func (r *Runner) onEnded(ctx context.Context, d router.Delivery) error {
	r.mu.Lock()
	r.flushLocked()
	if len(r.test) > 0 {
		r.log.Error("test has remaining steps", slog.Int("steps", len(r.test)))
		r.failures++
	}
	r.test = nil
	r.log.Debug("session ended", slog.String("session_id", gjson.GetBytes(d.Raw, "sessionId").String()))
	more := len(r.tests) > 0 || r.opts.LogDir != ""
	r.mu.Unlock()

	if !more {
		r.log.Info("no more tests, exiting")
		r.finish()
		return nil
	}
	return r.startSession(ctx)
}

func (r *Runner) onEvent(_ context.Context, d router.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, Event{Topic: d.Topic, Payload: d.Payload})
	if len(r.test) == 0 {
		return nil
	}
	step := r.test[0]
	r.test = r.test[1:]

	if err := r.check(step, d.Topic); err != nil {
		r.log.Error("test failed", slog.String("session_id", r.sessionID), slog.String("error", err.Error()))
		r.failures++
		r.test = nil
	}
	return nil
}

// check matches one step and performs its action. Must hold r.mu.
func (r *Runner) check(step Step, topic string) error {
	if step.Event == "" {
		return errors.New("test step has no event")
	}
	if step.Event != topic {
		return fmt.Errorf("expected: %s, received: %s", step.Event, topic)
	}
	switch step.Action {
	case "":
		return nil
	case ActionPublish:
		if step.Topic == "" {
			return errors.New("message topic is missing")
		}
		if len(step.Payload) == 0 {
			return errors.New("message payload is missing")
		}
		payload, err := sjson.SetBytes(step.Payload, "siteId", r.opts.SiteID)
		if err != nil {
			return fmt.Errorf("inject siteId: %w", err)
		}
		if payload, err = sjson.SetBytes(payload, "sessionId", r.sessionID); err != nil {
			return fmt.Errorf("inject sessionId: %w", err)
		}
		// the published message comes back as the next event
		r.test = append(Test{{Event: step.Topic}}, r.test...)
		if err := r.pub.Publish(step.Topic, 1, payload); err != nil {
			return fmt.Errorf("publish %s: %w", step.Topic, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
}

// flushLocked writes the collected events of the current session. Must
// hold r.mu.
func (r *Runner) flushLocked() {
	events := r.events
	r.events = nil
	if len(events) == 0 || r.opts.LogDir == "" {
		return
	}
	path := filepath.Join(r.opts.LogDir, r.sessionID+".json")
	r.log.Info("logging session", slog.String("path", path))
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		r.log.Error("encode session log", slog.String("error", err.Error()))
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.log.Error("write session log", slog.String("path", path), slog.String("error", err.Error()))
	}
}
