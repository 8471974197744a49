package dialogue

import (
	"context"
	"slices"

	"github.com/loqalabs/hermeskit/internal/hermes"
)

// Middleware wraps a Handler with a precondition or other behaviour.
type Middleware func(Handler) Handler

// Chain wraps h so that mws[0] is the outermost layer.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// RequireMinimumConfidence asks prompt instead of calling the handler when
// the intent's confidence is below threshold. A score equal to the threshold
// passes.
func RequireMinimumConfidence(threshold float64, prompt string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *hermes.IntentMessage) (Outcome, error) {
			if msg.Intent.ConfidenceScore < threshold {
				return Clarify(prompt), nil
			}
			return next(ctx, msg)
		}
	}
}

// RequireSlot asks prompt, restricted to the same intent and hinting the
// slot, when the slot is missing. With kinds given, a slot whose value kind
// is not among them counts as missing.
func RequireSlot(name, prompt string, kinds ...string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *hermes.IntentMessage) (Outcome, error) {
			slot, ok := msg.Slot(name)
			if !ok || (len(kinds) > 0 && !slices.Contains(kinds, slot.Value.Kind)) {
				return Clarify(prompt, IntentFilter(msg.Intent.IntentName), Slot(name)), nil
			}
			return next(ctx, msg)
		}
	}
}
