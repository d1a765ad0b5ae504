// Package matchrunner drives a single Match through its state machine
// (§4.6): RegularDuel and KingChallenge stream both agents in parallel,
// Debate alternates turns over a shared transcript, and every type
// converges on JudgePanel evaluation, RankingEngine application, and a
// terminal EventBus publish. Director composes Pairing, ChallengePool,
// and ArenaScheduler to admit new matches and hand them to a Runner.
package matchrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/service_layer/internal/app/domain/agent"
	"github.com/R3E-Network/service_layer/internal/app/domain/challenge"
	"github.com/R3E-Network/service_layer/internal/app/domain/match"
	"github.com/R3E-Network/service_layer/internal/app/eventbus"
	"github.com/R3E-Network/service_layer/internal/app/gateway"
	"github.com/R3E-Network/service_layer/internal/app/services/challengepool"
	"github.com/R3E-Network/service_layer/internal/app/services/judgepanel"
	"github.com/R3E-Network/service_layer/internal/app/services/pairing"
	"github.com/R3E-Network/service_layer/internal/app/services/ranking"
	"github.com/R3E-Network/service_layer/internal/app/services/scheduler"
	"github.com/R3E-Network/service_layer/internal/app/storage"
)

// MatchesTopic is the coarse-grained topic every match's lifecycle events
// are also mirrored onto (§4.9, §6.2).
const MatchesTopic = "arena/matches"

// MatchTopic is the fine-grained per-match topic (§4.9).
func MatchTopic(matchID string) string { return "match/" + matchID }

// TopicEvent is the envelope every EventBus payload published by this
// package carries; SSE handlers use Name as the `event:` line and
// JSON-encode Data as the `data:` line (§6.2).
type TopicEvent struct {
	Name string
	Data any
}

// DefaultMaxTurns is the default number of turns per side in a Debate
// (§4.6).
const DefaultMaxTurns = 6

// EndSentinel is the terminal token a debating agent may emit to end its
// side of the debate early (§4.6).
const EndSentinel = "<END>"

var _ scheduler.Runner = (*Runner)(nil)

// Runner drives one Match's state machine end to end.
type Runner struct {
	repo    storage.Repository
	gw      gateway.Gateway
	judges  *judgepanel.Panel
	ranking *ranking.Engine
	bus     *eventbus.Bus

	MaxTurns int

	onComplete func(matchID, challengeID string)
}

// NewRunner constructs a Runner. onComplete, if non-nil, is invoked once a
// match reaches a terminal state, letting the Director retire the
// challenge-recency cache entry.
func NewRunner(repo storage.Repository, gw gateway.Gateway, judges *judgepanel.Panel, rankingEngine *ranking.Engine, bus *eventbus.Bus, onComplete func(matchID, challengeID string)) *Runner {
	return &Runner{
		repo:       repo,
		gw:         gw,
		judges:     judges,
		ranking:    rankingEngine,
		bus:        bus,
		MaxTurns:   DefaultMaxTurns,
		onComplete: onComplete,
	}
}

// Run implements scheduler.Runner. It never returns an error; all failures
// are recorded as the match's terminal Failed status.
func (r *Runner) Run(ctx context.Context, m match.Match) {
	defer func() {
		if rec := recover(); rec != nil {
			m.Status = match.StatusFailed
			m.FailureReason = fmt.Sprintf("panic: %v", rec)
			r.finalizeTerminal(context.Background(), m)
		}
	}()

	now := time.Now().UTC()
	m.Status = match.StatusInProgress
	m.StartedAt = &now
	m = r.persist(ctx, m, true)

	chal, err := r.repo.GetChallenge(ctx, m.ChallengeID)
	if err != nil {
		m.Status = match.StatusFailed
		m.FailureReason = "challenge lookup failed: " + err.Error()
		r.finalizeTerminal(ctx, m)
		return
	}

	switch m.Type {
	case match.TypeDebate:
		m, err = r.runDebate(ctx, m, chal)
	default:
		m, err = r.runDuel(ctx, m, chal)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			m.Status = match.StatusCancelled
		} else {
			m.Status = match.StatusFailed
			m.FailureReason = err.Error()
		}
		r.finalizeTerminal(ctx, m)
		return
	}

	m.Status = match.StatusJudging
	m = r.persist(ctx, m, true)

	division := agent.Division(m.Division)
	judges, err := r.judges.SelectJudges(ctx, m, division)
	if err != nil {
		m.Status = match.StatusFailed
		m.FailureReason = "judge selection failed: " + err.Error()
		r.finalizeTerminal(ctx, m)
		return
	}

	prompt := judgePrompt(chal, m)
	verdict, err := r.judges.Judge(ctx, m, judges, prompt)
	if err != nil {
		m.Status = match.StatusFailed
		m.FailureReason = "judging failed: " + err.Error()
		r.finalizeTerminal(ctx, m)
		return
	}
	for _, eval := range verdict.Evaluations {
		if appendErr := r.repo.AppendEvaluation(ctx, m.ID, eval); appendErr != nil {
			continue
		}
		r.publish(m.ID, "evaluation", map[string]any{"evaluation": eval})
	}
	m.Evaluations = append(m.Evaluations, verdict.Evaluations...)
	judgepanel.UpdateReliability(judges, verdict)

	m.Status = match.StatusFinalizing
	m = r.persist(ctx, m, true)

	m.FinalScores = verdict.Scores
	switch verdict.Winner {
	case match.RecommendedAgent1:
		id := m.Agent1ID
		m.WinnerID = &id
		m.Result = match.ResultWin
	case match.RecommendedAgent2:
		id := m.Agent2ID
		m.WinnerID = &id
		m.Result = match.ResultLoss
	default:
		m.WinnerID = nil
		m.Result = match.ResultDraw
	}

	if applyErr := r.ranking.Apply(ctx, ranking.Outcome{Match: m, Verdict: verdict, Judges: judges}); applyErr != nil && !errors.Is(applyErr, ranking.ErrAlreadyApplied) {
		m.Status = match.StatusFailed
		m.FailureReason = "ranking apply failed: " + applyErr.Error()
		r.finalizeTerminal(ctx, m)
		return
	}

	m.Status = match.StatusCompleted
	completedAt := time.Now().UTC()
	m.CompletedAt = &completedAt
	m = r.persist(ctx, m, true)

	r.publish(m.ID, "final", map[string]any{
		"winnerId":    m.WinnerID,
		"finalScores": m.FinalScores,
		"result":      m.Result,
	})
	r.publishSummary(m, "matchCompleted")
	if r.onComplete != nil {
		r.onComplete(m.ID, m.ChallengeID)
	}
}

// runDuel drives a RegularDuel or KingChallenge: both agents stream
// concurrently against the same challenge prompt (§4.6).
func (r *Runner) runDuel(ctx context.Context, m match.Match, chal challenge.Challenge) (match.Match, error) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		resp, err := r.stream(gctx, m.ID, m.Agent1ID, chal.Description)
		mu.Lock()
		m.Agent1Response = &resp
		mu.Unlock()
		return err
	})
	g.Go(func() error {
		resp, err := r.stream(gctx, m.ID, m.Agent2ID, chal.Description)
		mu.Lock()
		m.Agent2Response = &resp
		mu.Unlock()
		return err
	})

	if err := g.Wait(); err != nil {
		return m, fmt.Errorf("duel: %w", err)
	}
	return m, nil
}

// runDebate drives alternating turns, each fed the concatenated
// transcript so far, for up to MaxTurns per side or until a side emits
// EndSentinel (§4.6).
func (r *Runner) runDebate(ctx context.Context, m match.Match, chal challenge.Challenge) (match.Match, error) {
	speakers := [2]string{m.Agent1ID, m.Agent2ID}
	maxTurns := r.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	for turn := 0; turn < maxTurns*2; turn++ {
		speaker := speakers[turn%2]
		prompt := debatePrompt(chal, m.Transcript, speaker)

		resp, err := r.stream(ctx, m.ID, speaker, prompt)
		if err != nil {
			return m, fmt.Errorf("debate turn %d: %w", turn, err)
		}
		m.Transcript = append(m.Transcript, resp)
		r.publish(m.ID, "debateTurn", map[string]any{"turnIndex": turn, "response": resp})
		m = r.persist(ctx, m, false)

		if strings.Contains(resp.Text, EndSentinel) {
			break
		}
	}
	return m, nil
}

// stream invokes the gateway for one agent's turn, publishing
// responseDelta events as tokens arrive and a responseComplete event once
// the stream closes (§4.6, §6.2).
func (r *Runner) stream(ctx context.Context, matchID, agentID, prompt string) (match.AgentResponse, error) {
	start := time.Now()
	resp := match.AgentResponse{
		AgentID:     agentID,
		Timestamp:   start.UTC(),
		IsStreaming: true,
	}

	ch, err := r.gw.Stream(ctx, agentID, prompt, gateway.Opts{})
	if err != nil {
		return resp, err
	}

	var sb strings.Builder
	for delta := range ch {
		if delta.Text != "" {
			sb.WriteString(delta.Text)
			r.publish(matchID, "responseDelta", map[string]any{
				"agentId":     agentID,
				"textDelta":   delta.Text,
				"isStreaming": true,
			})
		}
		if delta.Done && delta.Err != nil {
			return resp, delta.Err
		}
	}

	resp.Text = sb.String()
	resp.ResponseTime = time.Since(start).Seconds()
	resp.IsStreaming = false
	r.publish(matchID, "responseComplete", map[string]any{"agentId": agentID, "response": resp})
	return resp, nil
}

// persist writes m via the Repository, re-assigning the returned copy so
// Version tracks the stored record, then optionally publishes a status
// transition event.
func (r *Runner) persist(ctx context.Context, m match.Match, publishStatus bool) match.Match {
	stored, err := r.repo.PutMatch(ctx, m)
	if err != nil {
		// The Runner is the sole writer of its own match record; a Stale
		// conflict here means the caller passed a record we did not
		// ourselves just read, which should not happen. Keep going with
		// the caller's copy rather than abort a live match over it.
		stored = m
	}
	if publishStatus {
		r.publish(stored.ID, "status", map[string]any{"status": stored.Status})
		event := "matchUpdated"
		r.publishSummary(stored, event)
	}
	return stored
}

func (r *Runner) finalizeTerminal(ctx context.Context, m match.Match) {
	if m.CompletedAt == nil {
		now := time.Now().UTC()
		m.CompletedAt = &now
	}
	m = r.persist(ctx, m, true)
	name := "final"
	r.publish(m.ID, name, map[string]any{
		"winnerId":    m.WinnerID,
		"finalScores": m.FinalScores,
		"result":      m.Result,
	})
	event := "matchCompleted"
	if m.Status == match.StatusCancelled {
		event = "matchUpdated"
	}
	r.publishSummary(m, event)
	if r.onComplete != nil {
		r.onComplete(m.ID, m.ChallengeID)
	}
}

func (r *Runner) publish(matchID, name string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(MatchTopic(matchID), TopicEvent{Name: name, Data: data})
}

func (r *Runner) publishSummary(m match.Match, name string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(MatchesTopic, TopicEvent{Name: name, Data: match.Summarize(m)})
}

func judgePrompt(chal challenge.Challenge, m match.Match) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Challenge: %s\n\n%s\n\n", chal.Title, chal.Description)
	if m.Type == match.TypeDebate {
		for i, turn := range m.Transcript {
			fmt.Fprintf(&sb, "Turn %d (%s): %s\n\n", i, turn.AgentID, turn.Text)
		}
	} else {
		if m.Agent1Response != nil {
			fmt.Fprintf(&sb, "Agent1 (%s) response: %s\n\n", m.Agent1ID, m.Agent1Response.Text)
		}
		if m.Agent2Response != nil {
			fmt.Fprintf(&sb, "Agent2 (%s) response: %s\n\n", m.Agent2ID, m.Agent2Response.Text)
		}
	}
	sb.WriteString("Evaluate both agents and return the required structured verdict.")
	return sb.String()
}

func debatePrompt(chal challenge.Challenge, transcript []match.AgentResponse, speaker string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Debate topic: %s\n\n%s\n\n", chal.Title, chal.Description)
	for _, turn := range transcript {
		fmt.Fprintf(&sb, "%s: %s\n\n", turn.AgentID, turn.Text)
	}
	fmt.Fprintf(&sb, "You are %s. Give your next turn. End the debate with %s if you have nothing further to add.", speaker, EndSentinel)
	return sb.String()
}

// Director composes Pairing, ChallengePool, and ArenaScheduler to admit
// new matches; each admitted match is handed to a Runner via the
// Scheduler (§2 control flow).
type Director struct {
	repo       storage.Repository
	pairing    *pairing.Picker
	challenges *challengepool.Pool
	scheduler  *scheduler.Scheduler

	mu     sync.Mutex
	recent map[string][]string // agentID -> recently used challenge ids, newest last
}

// NewDirector constructs a Director.
func NewDirector(repo storage.Repository, p *pairing.Picker, c *challengepool.Pool, s *scheduler.Scheduler) *Director {
	return &Director{
		repo:       repo,
		pairing:    p,
		challenges: c,
		scheduler:  s,
		recent:     make(map[string][]string),
	}
}

// ErrNotEligible is returned by KingChallenge when no Master satisfies the
// eligible-challenger rule (§4.7).
var ErrNotEligible = errors.New("matchrunner: no eligible challenger")

// QuickMatch pairs two agents in division (or uses agent1ID/agent2ID when
// supplied), selects a challenge, and admits a RegularDuel.
func (d *Director) QuickMatch(ctx context.Context, requesterIP string, division agent.Division, agent1ID, agent2ID string) (match.Match, error) {
	var a1, a2 agent.Agent
	var err error
	if agent1ID != "" && agent2ID != "" {
		a1, a2, err = d.pairing.PickManual(ctx, division, agent1ID, agent2ID)
	} else {
		a1, a2, err = d.pairing.Pick(ctx, division)
	}
	if err != nil {
		return match.Match{}, err
	}

	chal, err := d.pickChallenge(ctx, division, "", a1.ID, a2.ID)
	if err != nil {
		return match.Match{}, err
	}

	m := match.Match{
		ID:          uuid.NewString(),
		Agent1ID:    a1.ID,
		Agent2ID:    a2.ID,
		ChallengeID: chal.ID,
		Division:    string(division),
		Type:        match.TypeRegularDuel,
		Status:      match.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	return d.admit(ctx, requesterIP, m)
}

// KingChallenge pairs the reigning King against the highest-ELO eligible
// Master challenger and admits a KingChallenge match (§4.7).
func (d *Director) KingChallenge(ctx context.Context, requesterIP string) (match.Match, error) {
	kings, err := d.repo.ListAgents(ctx, storage.AgentFilter{Division: agent.DivisionKing, ActiveOnly: true})
	if err != nil {
		return match.Match{}, err
	}
	if len(kings) == 0 {
		return match.Match{}, ErrNotEligible
	}
	king := kings[0]

	masters, err := d.repo.ListAgents(ctx, storage.AgentFilter{Division: agent.DivisionMaster, ActiveOnly: true})
	if err != nil {
		return match.Match{}, err
	}
	var challenger *agent.Agent
	for i := range masters {
		if ranking.IsEligibleChallenger(masters[i]) {
			if challenger == nil || masters[i].EloRating > challenger.EloRating {
				challenger = &masters[i]
			}
		}
	}
	if challenger == nil {
		return match.Match{}, ErrNotEligible
	}

	chal, err := d.pickChallenge(ctx, agent.DivisionKing, "", king.ID, challenger.ID)
	if err != nil {
		return match.Match{}, err
	}

	m := match.Match{
		ID:          uuid.NewString(),
		Agent1ID:    king.ID,
		Agent2ID:    challenger.ID,
		ChallengeID: chal.ID,
		Division:    string(agent.DivisionKing),
		Type:        match.TypeKingChallenge,
		Status:      match.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	return d.admit(ctx, requesterIP, m)
}

func (d *Director) pickChallenge(ctx context.Context, division agent.Division, typ challenge.Type, agent1ID, agent2ID string) (challenge.Challenge, error) {
	d.mu.Lock()
	a1Recent := append([]string(nil), d.recent[agent1ID]...)
	a2Recent := append([]string(nil), d.recent[agent2ID]...)
	d.mu.Unlock()

	chal, err := d.challenges.Pick(ctx, division, typ, a1Recent, a2Recent)
	if err != nil {
		return challenge.Challenge{}, err
	}

	d.mu.Lock()
	d.recordRecent(agent1ID, chal.ID)
	d.recordRecent(agent2ID, chal.ID)
	d.mu.Unlock()
	return chal, nil
}

func (d *Director) recordRecent(agentID, challengeID string) {
	list := append(d.recent[agentID], challengeID)
	if len(list) > challengepool.RecentUsesWindow {
		list = list[len(list)-challengepool.RecentUsesWindow:]
	}
	d.recent[agentID] = list
}

func (d *Director) admit(ctx context.Context, requesterIP string, m match.Match) (match.Match, error) {
	stored, err := d.repo.PutMatch(ctx, m)
	if err != nil {
		return match.Match{}, err
	}
	if err := d.scheduler.StartMatch(ctx, requesterIP, stored); err != nil {
		return match.Match{}, err
	}
	return stored, nil
}
