// Package scheduler implements the ArenaScheduler (§4.8): global admission
// control over match starts, a live-match cap, and per-requester-IP rate
// limiting via a token bucket, following the same golang.org/x/time/rate
// wrapper pattern used by the reference corpus's rate limiter.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/R3E-Network/service_layer/infrastructure/ratelimit"
	"github.com/R3E-Network/service_layer/internal/app/domain/match"
)

// ErrTooMany is returned when the live-match cap has been reached.
var ErrTooMany = errors.New("scheduler: too many live matches")

// DefaultMaxLiveMatches is the default global concurrency cap on
// InProgress matches (§4.8).
const DefaultMaxLiveMatches = 2

// DefaultStartsPerMinute is the default per-IP rate limit on match starts.
const DefaultStartsPerMinute = 5

// Runner is whatever constructs and drives a MatchRunner for an admitted
// match; the Scheduler depends only on this narrow interface so it never
// needs to import the matchrunner package directly.
type Runner interface {
	Run(ctx context.Context, m match.Match)
}

// Scheduler is the single writer over the live-match table; admission
// decisions are linearizable (§4.8). It also owns the root context every
// admitted match's Runner.Run actually executes under: a match's lifetime
// must track the Scheduler (cancelled only on shutdown or an explicit
// Cancel, §5), never the HTTP request that happened to admit it.
type Scheduler struct {
	mu             sync.Mutex
	live           map[string]match.Match
	cancels        map[string]context.CancelFunc
	maxLiveMatches int

	limiters   map[string]*ratelimit.RateLimiter
	limitersMu sync.Mutex
	ratePerMin int

	runner  Runner
	rootCtx context.Context
}

// New constructs a Scheduler with the given live-match cap and runner.
// rootCtx defaults to context.Background() until Start is called with the
// process's long-lived context.
func New(maxLiveMatches int, startsPerMinute int, runner Runner) *Scheduler {
	if maxLiveMatches <= 0 {
		maxLiveMatches = DefaultMaxLiveMatches
	}
	if startsPerMinute <= 0 {
		startsPerMinute = DefaultStartsPerMinute
	}
	return &Scheduler{
		live:           make(map[string]match.Match),
		cancels:        make(map[string]context.CancelFunc),
		maxLiveMatches: maxLiveMatches,
		limiters:       make(map[string]*ratelimit.RateLimiter),
		ratePerMin:     startsPerMinute,
		runner:         runner,
		rootCtx:        context.Background(),
	}
}

func (s *Scheduler) Name() string { return "scheduler" }

// Start records ctx as the root every admitted match runs under for the
// rest of the process's life (system.Manager passes the same ctx it got
// from main, cancelled only on shutdown).
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.rootCtx = ctx
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) Stop(_ context.Context) error { return nil }

// limiterFor returns (creating if needed) the per-IP token bucket.
func (s *Scheduler) limiterFor(requesterIP string) *ratelimit.RateLimiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[requesterIP]
	if !ok {
		l = ratelimit.New(ratelimit.RateLimitConfig{
			RequestsPerSecond: float64(s.ratePerMin) / 60.0,
			Burst:             s.ratePerMin,
		})
		s.limiters[requesterIP] = l
	}
	return l
}

// StartMatch admits m if the live-match cap and the requester's rate limit
// both allow it, records it in the live-match table, and spawns the
// Runner. It returns ErrTooMany immediately (no queueing) when the cap
// is at its limit (§4.8). ctx governs only the admission check above; the
// spawned Runner.Run is given a context derived from the Scheduler's own
// root context (set via Start), not ctx, so the match keeps running after
// the admitting HTTP request returns and net/http cancels its context.
func (s *Scheduler) StartMatch(ctx context.Context, requesterIP string, m match.Match) error {
	if requesterIP != "" && !s.limiterFor(requesterIP).Allow() {
		return ErrTooMany
	}

	s.mu.Lock()
	if len(s.live) >= s.maxLiveMatches {
		s.mu.Unlock()
		return ErrTooMany
	}
	runCtx, cancel := context.WithCancel(s.rootCtx)
	s.live[m.ID] = m
	s.cancels[m.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		s.runner.Run(runCtx, m)
		s.mu.Lock()
		delete(s.live, m.ID)
		delete(s.cancels, m.ID)
		s.mu.Unlock()
	}()
	return nil
}

// CapInfo reports the current live-match count and configured max, used
// to populate the 429 TooMany response body (§6.1).
func (s *Scheduler) CapInfo() (current, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live), s.maxLiveMatches
}

// Snapshot returns the currently live matches (§4.8 API).
func (s *Scheduler) Snapshot() []match.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]match.Match, 0, len(s.live))
	for _, m := range s.live {
		out = append(out, m)
	}
	return out
}

// ErrNotFound / ErrAlreadyTerminal are returned by Cancel.
var (
	ErrNotFound        = errors.New("scheduler: match not found")
	ErrAlreadyTerminal = errors.New("scheduler: match already terminal")
)

// Cancel marks matchID as no longer live and cancels the context its
// Runner.Run is executing under, which is what actually stops the match.
func (s *Scheduler) Cancel(matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.live[matchID]
	if !ok {
		return ErrNotFound
	}
	if m.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	if cancel, ok := s.cancels[matchID]; ok {
		cancel()
	}
	delete(s.live, matchID)
	delete(s.cancels, matchID)
	return nil
}
