// Package gateway defines the uniform call/stream interface to external LLMs
// (§4.1 ModelGateway) and its retry/timeout/cancellation semantics. Concrete
// providers live in internal/app/gateway/providers/*; a FakeGateway for tests
// lives alongside this file.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a ModelError so callers can branch on retryability (§4.1).
type Kind string

const (
	KindTimeout         Kind = "Timeout"
	KindRateLimited     Kind = "RateLimited"
	KindProviderError   Kind = "ProviderError"
	KindContentFiltered Kind = "ContentFiltered"
	KindInvalid         Kind = "Invalid"
)

// ModelError is the typed error every Gateway implementation returns on
// failure (§4.1).
type ModelError struct {
	Kind    Kind
	Model   string
	Message string
	Err     error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: %s (%s, model=%s): %v", e.Message, e.Kind, e.Model, e.Err)
	}
	return fmt.Sprintf("gateway: %s (%s, model=%s)", e.Message, e.Kind, e.Model)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Retryable reports whether §4.1 retries this kind of failure.
func (e *ModelError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindRateLimited
}

// NewModelError constructs a ModelError, a convenience used by every provider.
func NewModelError(kind Kind, model, message string, err error) *ModelError {
	return &ModelError{Kind: kind, Model: model, Message: message, Err: err}
}

// AsModelError extracts a *ModelError from err, if any.
func AsModelError(err error) (*ModelError, bool) {
	var me *ModelError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// Usage reports token accounting for a completion (§4.1, §B token
// accounting via tiktoken-go when a provider does not report it).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Opts configures a single Invoke/Stream call (§4.1).
type Opts struct {
	Temperature float64
	MaxTokens   int
	// Deadline is the hard wall-clock budget for this call; zero means the
	// default of 120s applies.
	Deadline time.Duration
	// Structured, when true, makes Invoke fail with KindInvalid when the final
	// text is not valid JSON. Schema is carried to providers but the text is
	// not checked against it, and streamed output is not validated.
	Structured bool
	Schema     map[string]any
}

// DefaultDeadline is applied when Opts.Deadline is zero (§4.1).
const DefaultDeadline = 120 * time.Second

func (o Opts) deadline() time.Duration {
	if o.Deadline <= 0 {
		return DefaultDeadline
	}
	return o.Deadline
}

// Delta is one token (or small group of tokens) emitted by Stream. Deltas are
// discrete, not cumulative (§9 design note: small text deltas, not cumulative
// text, keep SSE event size bounded).
type Delta struct {
	Text  string
	Usage *Usage // set only on the terminal delta, when the provider reports it
	Err   error  // set only on the terminal delta when the stream ended in error
	Done  bool
}

// Stream is a lazy, finite, non-restartable sequence of Deltas. Implementations
// close the returned channel after emitting a Delta with Done==true (and
// optionally Err set).
type Stream <-chan Delta

// Gateway is the capability interface every provider adapter and the retrying
// wrapper implement (§4.1, §9 dynamic dispatch note: wired at startup, never
// re-wired at runtime).
type Gateway interface {
	// Invoke sends prompt to modelId and returns the full completion text.
	Invoke(ctx context.Context, modelID, prompt string, opts Opts) (string, Usage, error)
	// Stream sends prompt to modelId and returns a channel of text deltas.
	Stream(ctx context.Context, modelID, prompt string, opts Opts) (Stream, error)
}
