// Package judgepanel selects a panel of judge agents, invokes them in
// parallel against the ModelGateway, and aggregates their verdicts
// (§4.5). Parallel invocation follows the errgroup pattern used
// elsewhere in the reference corpus for concurrent LLM calls, except the
// group intentionally does not cancel its siblings on a single judge's
// failure — up to ⌈k/2⌉−1 judges may fail and the panel still returns.
package judgepanel

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/service_layer/internal/app/domain/agent"
	"github.com/R3E-Network/service_layer/internal/app/domain/match"
	"github.com/R3E-Network/service_layer/internal/app/gateway"
	"github.com/R3E-Network/service_layer/internal/app/storage"
)

// ErrInsufficientJudges is returned when more than ⌈k/2⌉−1 judges fail.
var ErrInsufficientJudges = errors.New("judgepanel: insufficient judges")

const (
	DefaultMinJudges           = 3
	DefaultMaxJudges           = 5
	DefaultReliabilityFloor    = 0.4
	DefaultDrawEpsilon         = 0.25
	ReliabilityNudgeAlpha      = 0.05
	scoreScaleMax              = 10.0
)

// Verdict is the panel's aggregated decision on a match.
type Verdict struct {
	Winner      match.RecommendedWinner
	Scores      map[string]float64 // agentId -> weighted total
	Evaluations []match.JudgeEvaluation
}

// Panel selects and invokes judges and aggregates their verdicts.
type Panel struct {
	agents  storage.AgentStore
	gw      gateway.Gateway
	rand    *rand.Rand
	mu      sync.Mutex

	MinJudges        int
	MaxJudges         int
	ReliabilityFloor  float64
	DrawEpsilon       float64
}

// New constructs a Panel.
func New(agents storage.AgentStore, gw gateway.Gateway) *Panel {
	return &Panel{
		agents:           agents,
		gw:               gw,
		rand:             rand.New(rand.NewSource(1)),
		MinJudges:        DefaultMinJudges,
		MaxJudges:        DefaultMaxJudges,
		ReliabilityFloor: DefaultReliabilityFloor,
		DrawEpsilon:      DefaultDrawEpsilon,
	}
}

// SelectJudges picks minJudges..maxJudges agents eligible to judge m,
// weighted by eloRating × judgeReliability and sampled without
// replacement (§4.5 selection rule).
func (p *Panel) SelectJudges(ctx context.Context, m match.Match, division agent.Division) ([]agent.Agent, error) {
	pool, err := p.agents.ListAgents(ctx, storage.AgentFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	eligible := make([]agent.Agent, 0, len(pool))
	for _, a := range pool {
		if a.ID == m.Agent1ID || a.ID == m.Agent2ID {
			continue
		}
		if a.JudgeStats.Reliability < p.ReliabilityFloor {
			continue
		}
		eligible = append(eligible, a)
	}

	preferred := filterByDivisionAtLeast(eligible, division)
	if len(preferred) < p.MinJudges {
		preferred = eligible
	}

	k := p.MaxJudges
	if len(preferred) < k {
		k = len(preferred)
	}
	if k < p.MinJudges {
		return nil, ErrInsufficientJudges
	}

	return p.weightedSampleWithoutReplacement(preferred, k), nil
}

func filterByDivisionAtLeast(agents []agent.Agent, division agent.Division) []agent.Agent {
	rank := map[agent.Division]int{
		agent.DivisionNovice: 0,
		agent.DivisionExpert: 1,
		agent.DivisionMaster: 2,
		agent.DivisionKing:   3,
	}
	want := rank[division]
	out := make([]agent.Agent, 0, len(agents))
	for _, a := range agents {
		if rank[a.Division] >= want {
			out = append(out, a)
		}
	}
	return out
}

func (p *Panel) weightedSampleWithoutReplacement(candidates []agent.Agent, k int) []agent.Agent {
	pool := append([]agent.Agent(nil), candidates...)
	out := make([]agent.Agent, 0, k)

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(out) < k && len(pool) > 0 {
		weights := make([]float64, len(pool))
		var total float64
		for i, a := range pool {
			w := a.EloRating * a.JudgeStats.Reliability
			if w <= 0 {
				w = 0.0001
			}
			weights[i] = w
			total += w
		}
		r := p.rand.Float64() * total
		idx := len(pool) - 1
		for i, w := range weights {
			r -= w
			if r <= 0 {
				idx = i
				break
			}
		}
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

// judgeSchema is the structured-output schema every judge invocation
// must conform to (§4.1 structured opts).
var judgeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"agent1TotalScore":    map[string]any{"type": "number"},
		"agent2TotalScore":    map[string]any{"type": "number"},
		"recommendedWinner":   map[string]any{"type": "string", "enum": []string{"agent1", "agent2", ""}},
		"overallReasoning":    map[string]any{"type": "string"},
		"comparativeAnalysis": map[string]any{"type": "string"},
		"keyDifferentiators":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"evaluationQuality":   map[string]any{"type": "number"},
		"criterionScores":     map[string]any{"type": "object"},
	},
	"required": []string{"agent1TotalScore", "agent2TotalScore", "overallReasoning", "evaluationQuality"},
}

type judgeResponse struct {
	Agent1TotalScore    float64            `json:"agent1TotalScore"`
	Agent2TotalScore    float64            `json:"agent2TotalScore"`
	RecommendedWinner   string             `json:"recommendedWinner"`
	OverallReasoning    string             `json:"overallReasoning"`
	ComparativeAnalysis string             `json:"comparativeAnalysis"`
	KeyDifferentiators  []string           `json:"keyDifferentiators"`
	EvaluationQuality   float64            `json:"evaluationQuality"`
	CriterionScores     map[string]float64 `json:"criterionScores"`
}

// Judge invokes the selected judges in parallel and aggregates their
// verdicts (§4.5).
func (p *Panel) Judge(ctx context.Context, m match.Match, judges []agent.Agent, prompt string) (Verdict, error) {
	k := len(judges)
	maxFailures := (k+1)/2 - 1
	if maxFailures < 0 {
		maxFailures = 0
	}

	evals := make([]*match.JudgeEvaluation, k)
	var g errgroup.Group
	var failures int32
	var failMu sync.Mutex

	for i, j := range judges {
		i, j := i, j
		g.Go(func() error {
			text, _, err := p.gw.Invoke(ctx, j.ID, prompt, gateway.Opts{Structured: true, Schema: judgeSchema})
			if err != nil {
				failMu.Lock()
				failures++
				failMu.Unlock()
				return nil
			}
			var resp judgeResponse
			if jsonErr := json.Unmarshal([]byte(text), &resp); jsonErr != nil {
				failMu.Lock()
				failures++
				failMu.Unlock()
				return nil
			}
			quality := resp.EvaluationQuality
			if quality < 0 {
				quality = 0
			}
			if quality > 1 {
				quality = 1
			}
			evals[i] = &match.JudgeEvaluation{
				JudgeID:             j.ID,
				Agent1TotalScore:    clampScore(resp.Agent1TotalScore),
				Agent2TotalScore:    clampScore(resp.Agent2TotalScore),
				RecommendedWinner:   match.RecommendedWinner(resp.RecommendedWinner),
				OverallReasoning:    resp.OverallReasoning,
				ComparativeAnalysis: resp.ComparativeAnalysis,
				KeyDifferentiators:  resp.KeyDifferentiators,
				EvaluationQuality:   quality,
				CriterionScores:     resp.CriterionScores,
			}
			return nil
		})
	}
	_ = g.Wait()

	if int(failures) > maxFailures {
		return Verdict{}, ErrInsufficientJudges
	}

	var evaluations []match.JudgeEvaluation
	judgeOf := make(map[string]agent.Agent, k)
	for i, e := range evals {
		if e != nil {
			evaluations = append(evaluations, *e)
			judgeOf[judges[i].ID] = judges[i]
		}
	}
	if len(evaluations) == 0 {
		return Verdict{}, ErrInsufficientJudges
	}

	return p.aggregate(m, evaluations, judgeOf), nil
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > scoreScaleMax {
		return scoreScaleMax
	}
	return s
}

func (p *Panel) aggregate(m match.Match, evaluations []match.JudgeEvaluation, judgeOf map[string]agent.Agent) Verdict {
	var weightedA1, weightedA2, totalWeight float64
	winnerVotes := map[match.RecommendedWinner]float64{}

	for _, e := range evaluations {
		reliability := judgeOf[e.JudgeID].JudgeStats.Reliability
		weight := reliability * e.EvaluationQuality
		if weight <= 0 {
			weight = 0.0001
		}
		weightedA1 += weight * e.Agent1TotalScore
		weightedA2 += weight * e.Agent2TotalScore
		totalWeight += weight
		winnerVotes[e.RecommendedWinner] += weight
	}

	if totalWeight > 0 {
		weightedA1 /= totalWeight
		weightedA2 /= totalWeight
	}

	diff := math.Abs(weightedA1 - weightedA2)
	majorityWinner := majorityRecommendation(winnerVotes)

	// §4.5 is score-primary: the higher weighted total wins outright once
	// the scores are separated by at least drawEpsilon. Only within that
	// margin ("tied") does the majority recommendation matter at all — it
	// breaks the tie when non-null, and a tied-or-null majority on a tied
	// score is a draw.
	var winner match.RecommendedWinner
	switch {
	case diff >= p.DrawEpsilon:
		if weightedA1 > weightedA2 {
			winner = match.RecommendedAgent1
		} else {
			winner = match.RecommendedAgent2
		}
	case majorityWinner != match.RecommendedDraw:
		winner = majorityWinner
	default:
		winner = match.RecommendedDraw
	}

	return Verdict{
		Winner: winner,
		Scores: map[string]float64{
			m.Agent1ID: weightedA1,
			m.Agent2ID: weightedA2,
		},
		Evaluations: evaluations,
	}
}

// majorityRecommendation returns the plurality winner, or RecommendedDraw
// if the top two are tied.
func majorityRecommendation(votes map[match.RecommendedWinner]float64) match.RecommendedWinner {
	var best, second match.RecommendedWinner
	var bestWeight, secondWeight float64
	best, second = match.RecommendedDraw, match.RecommendedDraw
	for w, weight := range votes {
		if weight > bestWeight {
			second, secondWeight = best, bestWeight
			best, bestWeight = w, weight
		} else if weight > secondWeight {
			second, secondWeight = w, weight
		}
	}
	if bestWeight == secondWeight {
		return match.RecommendedDraw
	}
	return best
}

// UpdateReliability nudges each participating judge's reliability toward
// or away from the panel-declared winner, and records the same alignment
// into JudgeStats.Accuracy's rolling window (§3, §4.5).
func UpdateReliability(judges []agent.Agent, verdict Verdict) {
	for i := range judges {
		j := &judges[i]
		aligned := false
		for _, e := range verdict.Evaluations {
			if e.JudgeID == j.ID && e.RecommendedWinner == verdict.Winner {
				aligned = true
				break
			}
		}
		if aligned {
			j.JudgeStats.Reliability += (1 - j.JudgeStats.Reliability) * ReliabilityNudgeAlpha
		} else {
			j.JudgeStats.Reliability -= j.JudgeStats.Reliability * ReliabilityNudgeAlpha
		}
		j.JudgeStats.RecordAlignment(aligned)
	}
}
