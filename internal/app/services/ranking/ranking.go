// Package ranking applies match outcomes to ELO, division-scoped stats,
// and the promotion/demotion/King-succession rules (§4.7).
package ranking

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/R3E-Network/service_layer/internal/app/domain/agent"
	"github.com/R3E-Network/service_layer/internal/app/domain/match"
	"github.com/R3E-Network/service_layer/internal/app/services/judgepanel"
	"github.com/R3E-Network/service_layer/internal/app/storage"
)

// ErrAlreadyApplied is returned when a match's outcome has already been
// recorded in the ratings log (P10 idempotency).
var ErrAlreadyApplied = errors.New("ranking: match outcome already applied")

// KFactor returns the ELO K-factor for a division (§4.7).
func KFactor(d agent.Division) float64 {
	switch d {
	case agent.DivisionNovice:
		return 32
	case agent.DivisionExpert:
		return 24
	case agent.DivisionMaster:
		return 16
	case agent.DivisionKing:
		return 12
	default:
		return 24
	}
}

// ChallengeQualityNudge is the §4.7 rate at which a challenge's
// qualityScore moves toward/away from consensus.
const ChallengeQualityNudge = 0.02

// Engine applies ELO, stats, promotion/demotion, and succession updates.
type Engine struct {
	repo storage.Repository
}

// New constructs a ranking Engine.
func New(repo storage.Repository) *Engine {
	return &Engine{repo: repo}
}

// Outcome is the input to Apply: the completed match plus the judge
// panel's verdict and participating judges (for reliability updates).
type Outcome struct {
	Match  match.Match
	Verdict judgepanel.Verdict
	Judges  []agent.Agent
}

// Apply updates Agent1, Agent2, every participating judge, and the
// Challenge used, then marks the match applied in the ratings log. It is
// idempotent per matchId (P10).
func (e *Engine) Apply(ctx context.Context, o Outcome) error {
	applied, err := e.repo.MarkApplied(ctx, o.Match.ID)
	if err != nil {
		return err
	}
	if !applied {
		return ErrAlreadyApplied
	}

	a1, err := e.repo.GetAgent(ctx, o.Match.Agent1ID)
	if err != nil {
		return err
	}
	a2, err := e.repo.GetAgent(ctx, o.Match.Agent2ID)
	if err != nil {
		return err
	}

	result1, result2 := resultsFromVerdict(o.Verdict.Winner)
	now := time.Now().UTC()

	e.applyElo(&a1, &a2, result1, o.Match)
	e.applyStats(&a1, result1)
	e.applyStats(&a2, result2)

	if o.Match.Type == match.TypeKingChallenge {
		e.applyKingChallenge(&a1, &a2, result1, now)
	} else {
		e.applyPromotionDemotion(&a1, result1, now)
		e.applyPromotionDemotion(&a2, result2, now)
	}

	if err := e.persistAgent(ctx, &a1); err != nil {
		return err
	}
	if err := e.persistAgent(ctx, &a2); err != nil {
		return err
	}

	// a1 stays the reigning King whenever this KingChallenge didn't just
	// crown a2 in applyKingChallenge above; check the automatic-succession
	// rule now that a1's KingChallengeLosses/currentStreak reflect this
	// match (§4.7).
	if o.Match.Type == match.TypeKingChallenge && a1.Division == agent.DivisionKing {
		if err := e.maybeForceAutomaticSuccession(ctx, a1); err != nil {
			return err
		}
	}

	for _, j := range o.Judges {
		current, err := e.repo.GetAgent(ctx, j.ID)
		if err != nil {
			continue
		}
		current.JudgeStats.Reliability = j.JudgeStats.Reliability
		_ = e.persistAgent(ctx, &current)
	}

	if err := e.updateChallengeQuality(ctx, o.Match.ChallengeID, o.Verdict); err != nil {
		return err
	}

	return nil
}

func resultsFromVerdict(winner match.RecommendedWinner) (agent.MatchResult, agent.MatchResult) {
	switch winner {
	case match.RecommendedAgent1:
		return agent.ResultWin, agent.ResultLoss
	case match.RecommendedAgent2:
		return agent.ResultLoss, agent.ResultWin
	default:
		return agent.ResultDraw, agent.ResultDraw
	}
}

// applyElo mutates a1/a2's EloRating and appends EloHistory entries.
func (e *Engine) applyElo(a1, a2 *agent.Agent, result1 agent.MatchResult, m match.Match) {
	k := KFactor(agent.Division(m.Division))
	expectedA1 := 1 / (1 + math.Pow(10, (a2.EloRating-a1.EloRating)/400))
	expectedA2 := 1 - expectedA1

	var scoreA1 float64
	switch result1 {
	case agent.ResultWin:
		scoreA1 = 1
	case agent.ResultDraw:
		scoreA1 = 0.5
	case agent.ResultLoss:
		scoreA1 = 0
	}
	scoreA2 := 1 - scoreA1

	deltaA1 := k * (scoreA1 - expectedA1)
	deltaA2 := k * (scoreA2 - expectedA2)

	oldA1, oldA2 := a1.EloRating, a2.EloRating
	a1.EloRating += deltaA1
	a2.EloRating += deltaA2

	now := time.Now().UTC()
	a1.EloHistory = append(a1.EloHistory, agent.EloHistoryEntry{
		Timestamp: now, Rating: a1.EloRating, MatchID: m.ID, OpponentID: a2.ID,
		OpponentRatingAtMatch: oldA2, Result: result1, Delta: deltaA1,
	})
	a2.EloHistory = append(a2.EloHistory, agent.EloHistoryEntry{
		Timestamp: now, Rating: a2.EloRating, MatchID: m.ID, OpponentID: a1.ID,
		OpponentRatingAtMatch: oldA1, Result: complementResult(result1), Delta: deltaA2,
	})
}

func complementResult(r agent.MatchResult) agent.MatchResult {
	switch r {
	case agent.ResultWin:
		return agent.ResultLoss
	case agent.ResultLoss:
		return agent.ResultWin
	default:
		return agent.ResultDraw
	}
}

func (e *Engine) applyStats(a *agent.Agent, result agent.MatchResult) {
	a.GlobalStats.ApplyResult(result)
	a.DivisionStats.ApplyResult(result)
	a.LastMatchAt = time.Now().UTC()
}

// applyPromotionDemotion checks the promotion rule for a winner and the
// demotion rule for a loser (§4.7); draws trigger neither.
func (e *Engine) applyPromotionDemotion(a *agent.Agent, result agent.MatchResult, now time.Time) {
	switch result {
	case agent.ResultWin:
		e.tryPromote(a, now)
	case agent.ResultLoss:
		e.tryDemote(a, now)
	}
}

func (e *Engine) tryPromote(a *agent.Agent, now time.Time) {
	stats := a.DivisionStats
	switch a.Division {
	case agent.DivisionNovice:
		if stats.Matches >= 5 && (stats.WinRate() >= 0.60 || stats.CurrentStreak >= 3) {
			e.changeDivision(a, agent.DivisionExpert, agent.ChangeKindPromotion, "promotion: Novice to Expert", now)
		}
	case agent.DivisionExpert:
		if stats.Matches >= 10 && stats.WinRate() >= 0.65 && a.EloRating >= 1250 {
			e.changeDivision(a, agent.DivisionMaster, agent.ChangeKindPromotion, "promotion: Expert to Master", now)
		}
	}
}

func (e *Engine) tryDemote(a *agent.Agent, now time.Time) {
	stats := a.DivisionStats
	switch a.Division {
	case agent.DivisionMaster:
		if stats.Matches >= 10 && stats.WinRate() < 0.35 {
			e.changeDivision(a, agent.DivisionExpert, agent.ChangeKindDemotion, "demotion: Master to Expert", now)
		}
	case agent.DivisionExpert:
		if stats.Matches >= 10 && (stats.WinRate() < 0.30 || stats.CurrentStreak <= -5) {
			e.changeDivision(a, agent.DivisionNovice, agent.ChangeKindDemotion, "demotion: Expert to Novice", now)
		}
	}
}

func (e *Engine) changeDivision(a *agent.Agent, to agent.Division, kind agent.DivisionChangeKind, reason string, now time.Time) {
	a.DivisionChangeHistory = append(a.DivisionChangeHistory, agent.DivisionChangeEntry{
		From: a.Division, To: to, Timestamp: now, Reason: reason, Kind: kind,
	})
	a.Division = to
	a.DivisionStats = agent.Stats{}
}

// IsEligibleChallenger reports whether a Master may issue a KingChallenge
// (§4.7).
func IsEligibleChallenger(a agent.Agent) bool {
	return a.Division == agent.DivisionMaster && (a.DivisionStats.WinRate() >= 0.75 || a.DivisionStats.CurrentStreak >= 5)
}

// MaxKingChallengeLosses triggers automatic succession when the reigning
// King accumulates this many consecutive challenge losses.
const MaxKingChallengeLosses = 5

// applyKingChallenge implements the §4.7 succession rules. a1 is always
// the reigning King, a2 the challenging Master (by MatchRunner contract).
func (e *Engine) applyKingChallenge(king, challenger *agent.Agent, kingResult agent.MatchResult, now time.Time) {
	if kingResult == agent.ResultLoss {
		challenger.DivisionChangeHistory = append(challenger.DivisionChangeHistory, agent.DivisionChangeEntry{
			From: challenger.Division, To: agent.DivisionKing, Timestamp: now, Reason: "crowning", Kind: agent.ChangeKindPromotion,
		})
		challenger.Division = agent.DivisionKing
		challenger.DivisionStats = agent.Stats{}
		challenger.KingChallengeLosses = 0

		king.DivisionChangeHistory = append(king.DivisionChangeHistory, agent.DivisionChangeEntry{
			From: king.Division, To: agent.DivisionMaster, Timestamp: now, Reason: "dethroned", Kind: agent.ChangeKindDemotion,
		})
		king.Division = agent.DivisionMaster
		king.DivisionStats = agent.Stats{}
		return
	}

	king.KingChallengeLosses++
}

// NeedsAutomaticSuccession reports whether the reigning King should be
// replaced by the highest-ELO Master without requiring a won challenge
// (§4.7). The caller is responsible for locating that Master and invoking
// ForceSuccession.
func NeedsAutomaticSuccession(king agent.Agent) bool {
	return king.KingChallengeLosses >= MaxKingChallengeLosses || king.DivisionStats.CurrentStreak <= -3
}

// ForceSuccession crowns challenger and demotes king without a match,
// used by the automatic-succession path (§4.7).
func (e *Engine) ForceSuccession(ctx context.Context, king, challenger agent.Agent) error {
	now := time.Now().UTC()
	challenger.DivisionChangeHistory = append(challenger.DivisionChangeHistory, agent.DivisionChangeEntry{
		From: challenger.Division, To: agent.DivisionKing, Timestamp: now, Reason: "automatic succession", Kind: agent.ChangeKindPromotion,
	})
	challenger.Division = agent.DivisionKing
	challenger.DivisionStats = agent.Stats{}
	challenger.KingChallengeLosses = 0

	king.DivisionChangeHistory = append(king.DivisionChangeHistory, agent.DivisionChangeEntry{
		From: king.Division, To: agent.DivisionMaster, Timestamp: now, Reason: "automatic succession", Kind: agent.ChangeKindDemotion,
	})
	king.Division = agent.DivisionMaster
	king.DivisionStats = agent.Stats{}
	king.KingChallengeLosses = 0

	if err := e.persistAgent(ctx, &king); err != nil {
		return err
	}
	return e.persistAgent(ctx, &challenger)
}

// maybeForceAutomaticSuccession replaces king with the highest-ELO Master
// once NeedsAutomaticSuccession trips (§4.7); a no-op otherwise, and also
// when there is no Master to promote.
func (e *Engine) maybeForceAutomaticSuccession(ctx context.Context, king agent.Agent) error {
	if !NeedsAutomaticSuccession(king) {
		return nil
	}
	masters, err := e.repo.ListAgents(ctx, storage.AgentFilter{Division: agent.DivisionMaster, ActiveOnly: true})
	if err != nil {
		return err
	}
	if len(masters) == 0 {
		return nil
	}
	best := masters[0]
	for _, m := range masters[1:] {
		if m.EloRating > best.EloRating {
			best = m
		}
	}
	return e.ForceSuccession(ctx, king, best)
}

func (e *Engine) persistAgent(ctx context.Context, a *agent.Agent) error {
	stored, err := e.repo.PutAgent(ctx, *a)
	if err != nil {
		return err
	}
	*a = stored
	return nil
}

// updateChallengeQuality nudges qualityScore toward consensus (unanimous
// panel verdicts raise it, split panels lower it) per §4.7.
func (e *Engine) updateChallengeQuality(ctx context.Context, challengeID string, verdict judgepanel.Verdict) error {
	c, err := e.repo.GetChallenge(ctx, challengeID)
	if err != nil {
		return err
	}

	if consensusFraction(verdict) == 0 {
		c.QualityScore += (1 - c.QualityScore) * ChallengeQualityNudge
	} else {
		c.QualityScore -= c.QualityScore * ChallengeQualityNudge
	}
	if c.QualityScore < 0 {
		c.QualityScore = 0
	}
	if c.QualityScore > 1 {
		c.QualityScore = 1
	}
	c.Uses++
	if c.Probation {
		c.Probation = false
	}

	_, err = e.repo.PutChallenge(ctx, c)
	return err
}

// consensusFraction returns the fraction of judges that disagreed with
// the panel's declared winner (0 = unanimous).
func consensusFraction(verdict judgepanel.Verdict) float64 {
	if len(verdict.Evaluations) == 0 {
		return 0
	}
	var disagree int
	for _, e := range verdict.Evaluations {
		if e.RecommendedWinner != verdict.Winner {
			disagree++
		}
	}
	return float64(disagree) / float64(len(verdict.Evaluations))
}

