// Package pairing picks two eligible agents within a division subject to
// fairness and cooldown rules (§4.4).
package pairing

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/R3E-Network/service_layer/internal/app/domain/agent"
	"github.com/R3E-Network/service_layer/internal/app/storage"
)

// ErrNoOpponent is returned when fewer than two eligible agents exist.
var ErrNoOpponent = errors.New("pairing: no eligible opponent")

// DefaultCooldown is the minimum time since an agent's last match before
// it is eligible for pairing again.
const DefaultCooldown = 10 * time.Second

// DefaultExplorationEpsilon is the probability of picking a uniformly
// random opponent instead of the nearest-ELO one.
const DefaultExplorationEpsilon = 0.1

// MaxPairingsIn20 caps how many of an agent's last 20 matches may be
// against the same opponent (§4.4 fairness rule).
const MaxPairingsIn20 = 3

// Picker selects agent pairs for a division.
type Picker struct {
	store    storage.AgentStore
	rand     *rand.Rand
	mu       sync.Mutex
	Cooldown time.Duration
	Epsilon  float64
}

// New constructs a Picker backed by store.
func New(store storage.AgentStore) *Picker {
	return &Picker{
		store:    store,
		rand:     rand.New(rand.NewSource(1)),
		Cooldown: DefaultCooldown,
		Epsilon:  DefaultExplorationEpsilon,
	}
}

// Pick returns two eligible agents in division.
func (p *Picker) Pick(ctx context.Context, division agent.Division) (agent.Agent, agent.Agent, error) {
	candidates, err := p.eligibleCandidates(ctx, division)
	if err != nil {
		return agent.Agent{}, agent.Agent{}, err
	}
	if len(candidates) < 2 {
		return agent.Agent{}, agent.Agent{}, ErrNoOpponent
	}

	p.mu.Lock()
	explore := p.rand.Float64() < p.Epsilon
	idxA := p.rand.Intn(len(candidates))
	p.mu.Unlock()

	a := candidates[idxA]
	rest := make([]agent.Agent, 0, len(candidates)-1)
	for i, c := range candidates {
		if i != idxA {
			rest = append(rest, c)
		}
	}

	var b agent.Agent
	if explore {
		p.mu.Lock()
		b = rest[p.rand.Intn(len(rest))]
		p.mu.Unlock()
	} else {
		b = nearestByElo(a, rest)
	}

	// Fairness: avoid a pairing exceeding MaxPairingsIn20, trying remaining
	// candidates in ELO-distance order before giving up and allowing it.
	if a.TimesPairedWith(b.ID) >= MaxPairingsIn20 {
		if alt, ok := firstUnderFairnessCap(a, rest, b.ID); ok {
			b = alt
		}
	}

	return a, b, nil
}

// PickManual returns the requested pair iff both exist, are active, and
// are in division (manual override, §4.4).
func (p *Picker) PickManual(ctx context.Context, division agent.Division, idA, idB string) (agent.Agent, agent.Agent, error) {
	a, err := p.store.GetAgent(ctx, idA)
	if err != nil {
		return agent.Agent{}, agent.Agent{}, err
	}
	b, err := p.store.GetAgent(ctx, idB)
	if err != nil {
		return agent.Agent{}, agent.Agent{}, err
	}
	if !a.Active || !b.Active || a.Division != division || b.Division != division {
		return agent.Agent{}, agent.Agent{}, ErrNoOpponent
	}
	return a, b, nil
}

func (p *Picker) eligibleCandidates(ctx context.Context, division agent.Division) ([]agent.Agent, error) {
	all, err := p.store.ListAgents(ctx, storage.AgentFilter{Division: division, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]agent.Agent, 0, len(all))
	for _, a := range all {
		if a.LastMatchAt.IsZero() || now.Sub(a.LastMatchAt) >= p.Cooldown {
			out = append(out, a)
		}
	}
	return out, nil
}

func nearestByElo(a agent.Agent, candidates []agent.Agent) agent.Agent {
	best := candidates[0]
	bestDiff := math.Abs(a.EloRating - best.EloRating)
	for _, c := range candidates[1:] {
		d := math.Abs(a.EloRating - c.EloRating)
		if d < bestDiff {
			best = c
			bestDiff = d
		}
	}
	return best
}

func firstUnderFairnessCap(a agent.Agent, candidates []agent.Agent, exclude string) (agent.Agent, bool) {
	type scored struct {
		agent agent.Agent
		diff  float64
	}
	scoredList := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		if c.ID == exclude {
			continue
		}
		scoredList = append(scoredList, scored{agent: c, diff: math.Abs(a.EloRating - c.EloRating)})
	}
	best := -1
	var bestDiff float64
	for i, s := range scoredList {
		if a.TimesPairedWith(s.agent.ID) >= MaxPairingsIn20 {
			continue
		}
		if best == -1 || s.diff < bestDiff {
			best = i
			bestDiff = s.diff
		}
	}
	if best == -1 {
		return agent.Agent{}, false
	}
	return scoredList[best].agent, true
}
