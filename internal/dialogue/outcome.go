// Package dialogue turns intent handler results into dialogue session
// messages and provides the confidence and slot guards handlers are usually
// wrapped in.
package dialogue

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/hermeskit/internal/hermes"
)

// ErrHandlerContract reports a handler that returned neither text nor an
// error without being registered as silent.
var ErrHandlerContract = errors.New("handler returned no outcome")

// Handler handles one recognised intent. Return Done for a final answer, a
// Clarification (as outcome or error) to ask the user, any other error to
// end the session with the error text, or nil, nil when registered Silent.
type Handler func(ctx context.Context, msg *hermes.IntentMessage) (Outcome, error)

// Outcome is what a handler produced.
type Outcome interface {
	outcome()
}

type completed struct {
	text string
}

func (completed) outcome() {}

// Done ends the session, speaking text if it is not empty.
func Done(text string) Outcome {
	return completed{text: text}
}

// Donef is Done with fmt.Sprintf formatting.
func Donef(format string, args ...any) Outcome {
	return completed{text: fmt.Sprintf(format, args...)}
}

// Clarification asks the user a question and keeps the session open.
type Clarification struct {
	Prompt                  string
	IntentFilter            []string
	Slot                    string
	CustomData              any
	SendIntentNotRecognized bool
}

func (*Clarification) outcome() {}

func (c *Clarification) Error() string {
	return "clarification needed: " + c.Prompt
}

type ClarifyOption func(*Clarification)

// IntentFilter restricts which intents may answer the question.
func IntentFilter(intents ...string) ClarifyOption {
	return func(c *Clarification) {
		c.IntentFilter = append(c.IntentFilter, intents...)
	}
}

// Slot hints which slot the answer should fill.
func Slot(name string) ClarifyOption {
	return func(c *Clarification) { c.Slot = name }
}

// CustomData attaches data to the continued session. Structured values are
// sent JSON encoded.
func CustomData(v any) ClarifyOption {
	return func(c *Clarification) { c.CustomData = v }
}

func SendIntentNotRecognized() ClarifyOption {
	return func(c *Clarification) { c.SendIntentNotRecognized = true }
}

// Clarify builds a clarification. It may be returned as the outcome or as
// the error.
func Clarify(prompt string, opts ...ClarifyOption) *Clarification {
	c := &Clarification{Prompt: prompt}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Kind int

const (
	Completed Kind = iota
	NeedsClarification
	Failed
	// ContractViolation marks a handler that broke the Handler contract.
	ContractViolation
)

func (k Kind) String() string {
	switch k {
	case Completed:
		return "completed"
	case NeedsClarification:
		return "clarification"
	case Failed:
		return "failed"
	case ContractViolation:
		return "contract_violation"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is the resolved outcome of one handler invocation.
type Result struct {
	Kind          Kind
	Text          string
	Clarification *Clarification
	Err           error
}

// Resolve maps a handler's return values onto exactly one Result.
func Resolve(out Outcome, err error, silent bool) Result {
	if err != nil {
		var c *Clarification
		if errors.As(err, &c) {
			return Result{Kind: NeedsClarification, Text: c.Prompt, Clarification: c}
		}
		return Result{Kind: Failed, Text: err.Error(), Err: err}
	}
	switch o := out.(type) {
	case *Clarification:
		if o != nil {
			return Result{Kind: NeedsClarification, Text: o.Prompt, Clarification: o}
		}
	case completed:
		return Result{Kind: Completed, Text: o.text}
	}
	if silent {
		return Result{Kind: Completed}
	}
	return Result{Kind: ContractViolation, Err: ErrHandlerContract}
}
