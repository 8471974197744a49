package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/loqalabs/hermeskit/internal/hermes"
	"github.com/loqalabs/hermeskit/internal/rooms"
	"github.com/mattn/go-shellwords"
)

// Exec runs an external command per intent.
type Exec struct {
	cmd     []string
	env     []string
	timeout time.Duration
}

func NewExec(command string, env map[string]string, timeout time.Duration) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse action command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("action command empty")
	}
	return &Exec{cmd: args, env: envList(env), timeout: timeout}, nil
}

// Run pipes the raw intent message to the command. The intent name,
// session, site, target site and slot values are also exported as HERMES_*
// variables. A failing command's stderr becomes the error text.
func (e *Exec) Run(ctx context.Context, msg *hermes.IntentMessage) (Reply, error) {
	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Env = append(append(os.Environ(), e.env...), intentEnv(ctx, msg)...)
	cmd.Stdin = bytes.NewReader(msg.Raw)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, fmt.Errorf("action %s timed out", e.cmd[0])
		}
		if text := strings.TrimSpace(stderr.String()); text != "" {
			return Reply{}, errors.New(text)
		}
		return Reply{}, fmt.Errorf("action %s failed: %w", e.cmd[0], err)
	}
	return ParseReply(output)
}

func (e *Exec) Close(context.Context) error { return nil }

func intentEnv(ctx context.Context, msg *hermes.IntentMessage) []string {
	env := []string{
		"HERMES_INTENT=" + msg.Intent.IntentName,
		"HERMES_SESSION_ID=" + msg.SessionID,
		"HERMES_SITE_ID=" + msg.SiteID,
		"HERMES_INPUT=" + msg.Input,
	}
	if site, ok := rooms.TargetSite(ctx); ok {
		env = append(env, "HERMES_TARGET_SITE_ID="+site)
	}
	for name, slot := range msg.Slots {
		env = append(env, "HERMES_SLOT_"+envName(name)+"="+slot.Value.String())
	}
	return env
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
