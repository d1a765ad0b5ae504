// Package tournament schedules successive rounds of matches across
// divisions (§C.1): each round asks Pairing/Director for every eligible
// pairing it can admit, then waits on the EventBus for every match it
// started that round to reach a terminal state before starting the next
// round. An optional github.com/robfig/cron/v3 schedule drives recurring
// tournaments in addition to the one-shot RunTournament call wired to
// POST /tournament/start.
package tournament

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/service_layer/internal/app/domain/agent"
	"github.com/R3E-Network/service_layer/internal/app/domain/match"
	"github.com/R3E-Network/service_layer/internal/app/eventbus"
	"github.com/R3E-Network/service_layer/internal/app/services/matchrunner"
	"github.com/R3E-Network/service_layer/internal/app/services/pairing"
	"github.com/R3E-Network/service_layer/internal/app/services/scheduler"
	"github.com/R3E-Network/service_layer/internal/app/storage"
	"github.com/R3E-Network/service_layer/pkg/logger"
)

// DefaultRounds is used when POST /tournament/start omits numRounds.
const DefaultRounds = 3

// RoundTimeout bounds how long a round waits for its matches to finish
// before giving up on the stragglers and moving on; the scheduler's
// per-match timeout (MATCH_TIMEOUT_SECONDS) should already have converted
// a stuck match to Failed well before this fires.
const RoundTimeout = 20 * time.Minute

// maxAdmitAttempts bounds the Scheduler-throttling retry loop within one
// division's round so a persistently full live-match table can't spin a
// round forever.
const maxAdmitAttempts = 30

// ErrAlreadyRunning is returned by RunTournament when one is already in
// progress.
var ErrAlreadyRunning = errors.New("tournament: already running")

var divisions = []agent.Division{
	agent.DivisionNovice,
	agent.DivisionExpert,
	agent.DivisionMaster,
}

// LeaderboardEntry is one division's rolling standing.
type LeaderboardEntry struct {
	AgentID     string  `json:"agentId"`
	DisplayName string  `json:"displayName"`
	EloRating   float64 `json:"eloRating"`
	Matches     int     `json:"matches"`
	WinRate     float64 `json:"winRate"`
}

// Status is the GET /tournament/status response body.
type Status struct {
	Running         bool                          `json:"running"`
	CurrentRound    int                           `json:"currentRound"`
	RoundsTotal     int                           `json:"roundsTotal"`
	RoundsRemaining int                           `json:"roundsRemaining"`
	CurrentKing     *agent.Agent                  `json:"currentKing,omitempty"`
	Leaderboard     map[string][]LeaderboardEntry `json:"leaderboard"`
}

// Service coordinates tournament rounds on top of an already-wired
// Director, and optionally a cron schedule for unattended recurring runs.
type Service struct {
	repo     storage.Repository
	director *matchrunner.Director
	bus      *eventbus.Bus
	log      *logger.Logger

	cronSchedule string
	cron         *cron.Cron

	mu           sync.Mutex
	running      bool
	currentRound int
	roundsTotal  int
}

// New constructs a Service. cronSchedule is a standard 5-field cron
// expression (TOURNAMENT_CRON, §6.3); empty disables the recurring
// schedule and only POST /tournament/start can trigger a run.
func New(repo storage.Repository, director *matchrunner.Director, bus *eventbus.Bus, cronSchedule string, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("tournament")
	}
	return &Service{repo: repo, director: director, bus: bus, cronSchedule: cronSchedule, log: log}
}

func (s *Service) Name() string { return "tournament" }

// Start wires the optional cron schedule. It never blocks.
func (s *Service) Start(ctx context.Context) error {
	if s.cronSchedule == "" {
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cronSchedule, func() {
		if err := s.RunTournament(context.Background(), DefaultRounds); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.log.Errorf("scheduled tournament failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parse TOURNAMENT_CRON %q: %w", s.cronSchedule, err)
	}
	s.cron.Start()
	s.log.Infof("tournament cron scheduled: %s", s.cronSchedule)
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.cron != nil {
		c := s.cron.Stop()
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// RunTournament runs numRounds successive rounds across Novice, Expert and
// Master (King standing is reported via Status, and is also exercised once
// per round through a King-challenge attempt). It blocks until every round
// has completed or ctx is cancelled.
func (s *Service) RunTournament(ctx context.Context, numRounds int) error {
	if numRounds <= 0 {
		numRounds = DefaultRounds
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.roundsTotal = numRounds
	s.currentRound = 0
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for round := 1; round <= numRounds; round++ {
		started, err := s.runRound(ctx)
		if err != nil {
			return fmt.Errorf("tournament round %d: %w", round, err)
		}

		s.mu.Lock()
		s.currentRound = round
		s.mu.Unlock()

		if err := s.waitForRound(ctx, started); err != nil {
			return fmt.Errorf("tournament round %d: %w", round, err)
		}
		s.log.WithField("round", round).Info("tournament round complete")
	}
	return nil
}

// runRound admits every eligible pairing Pairing can form in each
// division, plus one King-challenge attempt, and returns the match ids it
// started.
func (s *Service) runRound(ctx context.Context) ([]string, error) {
	var started []string

	for _, division := range divisions {
		agents, err := s.repo.ListAgents(ctx, storage.AgentFilter{Division: division, ActiveOnly: true})
		if err != nil {
			return started, err
		}
		pairs := len(agents) / 2
		for i := 0; i < pairs; i++ {
			id, ok, err := s.admitWithRetry(ctx, func() (string, error) {
				m, err := s.director.QuickMatch(ctx, "", division, "", "")
				return m.ID, err
			})
			if err != nil {
				return started, err
			}
			if !ok {
				break
			}
			started = append(started, id)
		}
	}

	id, ok, err := s.admitWithRetry(ctx, func() (string, error) {
		m, err := s.director.KingChallenge(ctx, "")
		return m.ID, err
	})
	if err != nil && !errors.Is(err, matchrunner.ErrNotEligible) {
		return started, err
	}
	if ok {
		started = append(started, id)
	}

	return started, nil
}

// admitWithRetry retries admit while the Scheduler is at its live-match
// cap, and treats ErrNoOpponent/ErrNotEligible as "nothing more to admit
// here" rather than a round failure.
func (s *Service) admitWithRetry(ctx context.Context, admit func() (string, error)) (string, bool, error) {
	for attempt := 0; attempt < maxAdmitAttempts; attempt++ {
		id, err := admit()
		switch {
		case err == nil:
			return id, true, nil
		case errors.Is(err, pairing.ErrNoOpponent), errors.Is(err, matchrunner.ErrNotEligible):
			return "", false, nil
		case errors.Is(err, scheduler.ErrTooMany):
			select {
			case <-ctx.Done():
				return "", false, ctx.Err()
			case <-time.After(time.Second):
			}
		default:
			return "", false, err
		}
	}
	return "", false, fmt.Errorf("admit: scheduler stayed full for %d attempts", maxAdmitAttempts)
}

// waitForRound blocks until every id in started has reached a terminal
// match.Summary.Status, observed via the coarse arena/matches topic.
func (s *Service) waitForRound(ctx context.Context, started []string) error {
	if len(started) == 0 {
		return nil
	}
	remaining := make(map[string]bool, len(started))
	for _, id := range started {
		remaining[id] = true
	}

	ch, unsubscribe := s.bus.Subscribe(matchrunner.MatchesTopic)
	defer unsubscribe()

	timeout := time.NewTimer(RoundTimeout)
	defer timeout.Stop()

	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return fmt.Errorf("round timed out with %d matches still unresolved", len(remaining))
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			evt, ok := payload.(matchrunner.TopicEvent)
			if !ok || evt.Name != "matchCompleted" {
				continue
			}
			summary, ok := evt.Data.(match.Summary)
			if !ok || !remaining[summary.ID] {
				continue
			}
			if summary.Status.Terminal() {
				delete(remaining, summary.ID)
			}
		}
	}
	return nil
}

// CurrentStatus reports the tournament's progress and a per-division
// leaderboard for spectator consumption (§C.1).
func (s *Service) CurrentStatus(ctx context.Context) (Status, error) {
	s.mu.Lock()
	st := Status{
		Running:         s.running,
		CurrentRound:    s.currentRound,
		RoundsTotal:     s.roundsTotal,
		RoundsRemaining: s.roundsTotal - s.currentRound,
	}
	s.mu.Unlock()
	if st.RoundsRemaining < 0 {
		st.RoundsRemaining = 0
	}

	kings, err := s.repo.ListAgents(ctx, storage.AgentFilter{Division: agent.DivisionKing, ActiveOnly: true})
	if err != nil {
		return Status{}, err
	}
	if len(kings) > 0 {
		k := kings[0]
		st.CurrentKing = &k
	}

	st.Leaderboard = make(map[string][]LeaderboardEntry, len(divisions)+1)
	for _, division := range append(append([]agent.Division{}, divisions...), agent.DivisionKing) {
		agents, err := s.repo.ListAgents(ctx, storage.AgentFilter{Division: division, ActiveOnly: true})
		if err != nil {
			return Status{}, err
		}
		entries := make([]LeaderboardEntry, 0, len(agents))
		for _, a := range agents {
			entries = append(entries, LeaderboardEntry{
				AgentID:     a.ID,
				DisplayName: a.DisplayName,
				EloRating:   a.EloRating,
				Matches:     a.DivisionStats.Matches,
				WinRate:     a.DivisionStats.WinRate(),
			})
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].EloRating > entries[j].EloRating })
		st.Leaderboard[string(division)] = entries
	}

	return st, nil
}
