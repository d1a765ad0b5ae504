// Package challengepool serves challenges appropriate to a division and
// accepts community contributions after validation (§4.3).
package challengepool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/R3E-Network/service_layer/internal/app/domain/agent"
	"github.com/R3E-Network/service_layer/internal/app/domain/challenge"
	"github.com/R3E-Network/service_layer/internal/app/storage"
)

// ErrNoChallenge is returned when no eligible challenge exists for the
// requested division/type.
var ErrNoChallenge = errors.New("challengepool: no eligible challenge")

// RecentUsesWindow bounds how far back Pick looks when excluding
// challenges already seen by either competitor (§4.3 rule 2).
const RecentUsesWindow = 10

// Pool serves and accepts Challenges.
type Pool struct {
	store storage.ChallengeStore
	rand  *rand.Rand

	mu        sync.Mutex
	seenTitle map[string]string // normalized title hash -> challenge id
}

// New constructs a Pool backed by store.
func New(store storage.ChallengeStore) *Pool {
	return &Pool{
		store:     store,
		rand:      rand.New(rand.NewSource(1)),
		seenTitle: make(map[string]string),
	}
}

// Pick returns a Challenge whose difficulty band matches division and,
// when typ is non-empty, whose type matches. agent1Recent/agent2Recent
// are the ids of challenges either competitor has recently played,
// excluded per rule 2.
func (p *Pool) Pick(ctx context.Context, division agent.Division, typ challenge.Type, agent1Recent, agent2Recent []string) (challenge.Challenge, error) {
	bands, ok := challenge.DivisionBands[string(division)]
	if !ok {
		return challenge.Challenge{}, fmt.Errorf("challengepool: unknown division %q", division)
	}

	excluded := make(map[string]bool, len(agent1Recent)+len(agent2Recent))
	for _, id := range agent1Recent {
		excluded[id] = true
	}
	for _, id := range agent2Recent {
		excluded[id] = true
	}

	var candidates []challenge.Challenge
	for _, d := range bands {
		filter := storage.ChallengeFilter{
			Difficulty:        d,
			ExcludeProbation:  true,
			ExcludeBelowFloor: true,
		}
		if typ != "" {
			filter.Type = typ
		}
		batch, err := p.store.ListChallenges(ctx, filter)
		if err != nil {
			return challenge.Challenge{}, err
		}
		for _, c := range batch {
			if excluded[c.ID] {
				continue
			}
			candidates = append(candidates, c)
		}
	}

	if len(candidates) == 0 {
		return challenge.Challenge{}, ErrNoChallenge
	}
	return p.sample(candidates), nil
}

// sample picks one challenge with probability proportional to
// qualityScore × (1 + 1/(1+uses)).
func (p *Pool) sample(candidates []challenge.Challenge) challenge.Challenge {
	weights := make([]float64, len(candidates))
	var total float64
	for i, c := range candidates {
		w := c.QualityScore * (1 + 1/(1+float64(c.Uses)))
		if w <= 0 {
			w = 0.0001
		}
		weights[i] = w
		total += w
	}

	p.mu.Lock()
	r := p.rand.Float64() * total
	p.mu.Unlock()

	for i, w := range weights {
		r -= w
		if r <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// Contribute validates and stores a community-submitted challenge draft.
// It rejects drafts missing required fields or duplicating an existing
// title (by normalized hash), and marks the accepted challenge on
// probation until it completes a match with a non-null result (§4.3).
func (p *Pool) Contribute(ctx context.Context, draft challenge.Challenge) (challenge.Challenge, bool, string) {
	if strings.TrimSpace(draft.Title) == "" || strings.TrimSpace(draft.Description) == "" {
		return challenge.Challenge{}, false, "title and description are required"
	}
	if draft.Type == "" || draft.Difficulty == "" {
		return challenge.Challenge{}, false, "type and difficulty are required"
	}

	hash := normalizedTitleHash(draft.Title)
	existing, err := p.store.ListChallenges(ctx, storage.ChallengeFilter{})
	if err != nil {
		return challenge.Challenge{}, false, err.Error()
	}
	p.mu.Lock()
	_, dup := p.seenTitle[hash]
	for _, c := range existing {
		if normalizedTitleHash(c.Title) == hash {
			dup = true
		}
	}
	if !dup {
		p.seenTitle[hash] = draft.ID
	}
	p.mu.Unlock()
	if dup {
		return challenge.Challenge{}, false, "duplicate title"
	}

	draft.Source = challenge.SourceCommunity
	draft.Probation = true
	if draft.QualityScore == 0 {
		draft.QualityScore = challenge.DefaultQualityScore
	}

	stored, err := p.store.PutChallenge(ctx, draft)
	if err != nil {
		return challenge.Challenge{}, false, err.Error()
	}
	return stored, true, ""
}

func normalizedTitleHash(title string) string {
	normalized := strings.ToLower(strings.TrimSpace(title))
	normalized = strings.Join(strings.Fields(normalized), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
