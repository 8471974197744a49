// Package actions runs configured intent actions. An action receives the
// intent message as JSON on stdin and answers on stdout, either with plain
// text or with a JSON reply.
package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/loqalabs/hermeskit/internal/config"
	"github.com/loqalabs/hermeskit/internal/dialogue"
	"github.com/loqalabs/hermeskit/internal/hermes"
)

const defaultTimeout = 10 * time.Second

// Reply is what an action answered.
type Reply struct {
	Text         string   `json:"text,omitempty"`
	Question     string   `json:"question,omitempty"`
	IntentFilter []string `json:"intent_filter,omitempty"`
	Slot         string   `json:"slot,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// Action performs the work behind one intent.
type Action interface {
	Run(ctx context.Context, msg *hermes.IntentMessage) (Reply, error)
	Close(ctx context.Context) error
}

// ParseReply reads an action's output: a JSON object is decoded as a Reply,
// anything else is the text to speak.
func ParseReply(out []byte) (Reply, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var r Reply
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return Reply{}, fmt.Errorf("decode action reply: %w", err)
		}
		return r, nil
	}
	return Reply{Text: string(trimmed)}, nil
}

// Handler turns an action into a dialogue handler. An empty reply yields no
// outcome, so non-silent actions must always answer.
func Handler(a Action) dialogue.Handler {
	return func(ctx context.Context, msg *hermes.IntentMessage) (dialogue.Outcome, error) {
		reply, err := a.Run(ctx, msg)
		if err != nil {
			return nil, err
		}
		switch {
		case reply.Error != "":
			return nil, errors.New(reply.Error)
		case reply.Question != "":
			opts := []dialogue.ClarifyOption{dialogue.IntentFilter(reply.IntentFilter...)}
			if reply.Slot != "" {
				opts = append(opts, dialogue.Slot(reply.Slot))
			}
			return dialogue.Clarify(reply.Question, opts...), nil
		case reply.Text != "":
			return dialogue.Done(reply.Text), nil
		default:
			return nil, nil
		}
	}
}

// Guards returns the preconditions configured for an action, outermost
// first: confidence, then each required slot in order.
func Guards(cfg config.ActionConfig, defaultConfidence float64, pardon string) []dialogue.Middleware {
	var mws []dialogue.Middleware
	threshold := cfg.MinConfidence
	if threshold == 0 {
		threshold = defaultConfidence
	}
	if threshold > 0 {
		mws = append(mws, dialogue.RequireMinimumConfidence(threshold, pardon))
	}
	for _, slot := range cfg.Slots {
		if slot.Kind != "" {
			mws = append(mws, dialogue.RequireSlot(slot.Name, slot.Prompt, slot.Kind))
		} else {
			mws = append(mws, dialogue.RequireSlot(slot.Name, slot.Prompt))
		}
	}
	return mws
}

// Build creates the action described by cfg. Wasm actions share rt.
func Build(ctx context.Context, cfg config.ActionConfig, rt *Runtime, logger *slog.Logger) (Action, error) {
	timeout := defaultTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	switch cfg.Kind {
	case "exec":
		return NewExec(cfg.Command, cfg.Env, timeout)
	case "wasm":
		if rt == nil {
			return nil, errors.New("wasm action without runtime")
		}
		return rt.Load(ctx, cfg.Module, cfg.Entrypoint, cfg.Env, timeout)
	default:
		return nil, fmt.Errorf("unsupported action kind %q", cfg.Kind)
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
