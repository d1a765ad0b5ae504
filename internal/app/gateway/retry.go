package gateway

import (
	"context"
	"time"

	"github.com/R3E-Network/service_layer/pkg/logger"
)

// DefaultMaxRetries is §4.1's default retry budget.
const DefaultMaxRetries = 5

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
)

// Retrying wraps a Gateway with the exponential backoff described in §4.1:
// only Timeout and RateLimited are retried, backoff starts at 1s, doubles,
// caps at 30s, up to MaxRetries retries. The retry counter resets whenever
// a streamed delta is successfully received.
type Retrying struct {
	next       Gateway
	MaxRetries int
	log        *logger.Logger

	// InitialBackoff/MaxBackoff default to the §4.1 values (1s/30s) but are
	// overridable so tests don't need to wait in real time.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// NewRetrying constructs a retrying Gateway wrapper around next.
func NewRetrying(next Gateway, maxRetries int, log *logger.Logger) *Retrying {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if log == nil {
		log = logger.NewDefault("gateway")
	}
	return &Retrying{
		next:           next,
		MaxRetries:     maxRetries,
		log:            log,
		InitialBackoff: initialBackoff,
		MaxBackoff:     maxBackoff,
	}
}

func (r *Retrying) Invoke(ctx context.Context, modelID, prompt string, opts Opts) (string, Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.deadline())
	defer cancel()

	backoff := r.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		text, usage, err := r.next.Invoke(ctx, modelID, prompt, opts)
		if err == nil {
			return text, usage, nil
		}
		lastErr = err
		me, ok := AsModelError(err)
		if !ok || !me.Retryable() || attempt == r.MaxRetries {
			return "", Usage{}, err
		}
		r.log.WithField("model_id", modelID).WithField("attempt", attempt+1).
			WithField("kind", string(me.Kind)).Warn("gateway invoke retrying after backoff")
		select {
		case <-ctx.Done():
			return "", Usage{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = r.nextBackoff(backoff)
	}
	return "", Usage{}, lastErr
}

// Stream retries the underlying provider's Stream call when it fails before
// any delta is emitted. Once deltas start arriving, the retry counter resets
// (§4.1) and a later mid-stream failure is surfaced to the consumer as a
// terminal Delta rather than silently retried, since tokens already emitted
// to the consumer must remain valid (§4.1 cancellation clause).
func (r *Retrying) Stream(ctx context.Context, modelID, prompt string, opts Opts) (Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.deadline())

	out := make(chan Delta, 16)
	go func() {
		defer cancel()
		defer close(out)

		backoff := r.InitialBackoff
		attempt := 0
		for {
			upstream, err := r.next.Stream(ctx, modelID, prompt, opts)
			if err != nil {
				me, ok := AsModelError(err)
				if ok && me.Retryable() && attempt < r.MaxRetries {
					attempt++
					r.log.WithField("model_id", modelID).WithField("attempt", attempt).
						WithField("kind", string(me.Kind)).Warn("gateway stream retrying after backoff")
					select {
					case <-ctx.Done():
						out <- Delta{Err: ctx.Err(), Done: true}
						return
					case <-time.After(backoff):
					}
					backoff = r.nextBackoff(backoff)
					continue
				}
				out <- Delta{Err: err, Done: true}
				return
			}

			receivedAny := false
			for d := range upstream {
				if d.Err != nil && !d.Done {
					// defensive: providers should only set Err on the terminal delta
					d.Done = true
				}
				if d.Text != "" {
					receivedAny = true
					attempt = 0
					backoff = r.InitialBackoff
				}
				out <- d
				if d.Done {
					return
				}
			}
			if receivedAny {
				return
			}
			// Upstream channel closed without a terminal delta: treat as
			// provider error, not retryable without explicit Kind.
			out <- Delta{Err: NewModelError(KindProviderError, modelID, "stream closed without a terminal delta", nil), Done: true}
			return
		}
	}()
	return Stream(out), nil
}

func (r *Retrying) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > r.MaxBackoff {
		return r.MaxBackoff
	}
	return next
}
