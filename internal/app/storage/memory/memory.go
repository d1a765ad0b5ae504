// Package memory is a thread-safe in-memory Repository implementation
// intended for tests and single-process deployments, following the
// clone-on-read CRUD shape of the teacher's in-memory store.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/R3E-Network/service_layer/internal/app/domain/agent"
	"github.com/R3E-Network/service_layer/internal/app/domain/challenge"
	"github.com/R3E-Network/service_layer/internal/app/domain/match"
	"github.com/R3E-Network/service_layer/internal/app/storage"
)

// Store is an in-memory Repository.
type Store struct {
	mu sync.RWMutex

	agents     map[string]agent.Agent
	challenges map[string]challenge.Challenge
	matches    map[string]match.Match
	applied    map[string]struct{}
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		agents:     make(map[string]agent.Agent),
		challenges: make(map[string]challenge.Challenge),
		matches:    make(map[string]match.Match),
		applied:    make(map[string]struct{}),
	}
}

var _ storage.Repository = (*Store)(nil)

// PutAgent inserts or updates an Agent. Version 0 means "create"; otherwise
// the supplied version must match the stored version (§4.2).
func (s *Store) PutAgent(_ context.Context, a agent.Agent) (agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.agents[a.ID]
	if exists {
		if a.Version != existing.Version {
			return agent.Agent{}, storage.ErrStale
		}
	} else if a.Version != 0 {
		return agent.Agent{}, storage.ErrStale
	}
	a.Version++
	a.Specializations = append([]string(nil), a.Specializations...)
	a.EloHistory = append([]agent.EloHistoryEntry(nil), a.EloHistory...)
	a.DivisionChangeHistory = append([]agent.DivisionChangeEntry(nil), a.DivisionChangeHistory...)
	a.RecentOpponents = append([]string(nil), a.RecentOpponents...)
	s.agents[a.ID] = a
	return cloneAgent(a), nil
}

func (s *Store) GetAgent(_ context.Context, id string) (agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return agent.Agent{}, storage.ErrNotFound
	}
	return cloneAgent(a), nil
}

func (s *Store) ListAgents(_ context.Context, filter storage.AgentFilter) ([]agent.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if filter.Division != "" && a.Division != filter.Division {
			continue
		}
		if filter.ActiveOnly && !a.Active {
			continue
		}
		if filter.Specialization != "" && !hasSpecialization(a.Specializations, filter.Specialization) {
			continue
		}
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) AppendDivisionChange(_ context.Context, agentID string, rec agent.DivisionChangeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return storage.ErrNotFound
	}
	a.DivisionChangeHistory = append(a.DivisionChangeHistory, rec)
	s.agents[agentID] = a
	return nil
}

func (s *Store) PutChallenge(_ context.Context, c challenge.Challenge) (challenge.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.challenges[c.ID]
	if exists {
		if c.Version != existing.Version {
			return challenge.Challenge{}, storage.ErrStale
		}
	} else if c.Version != 0 {
		return challenge.Challenge{}, storage.ErrStale
	}
	c.Version++
	c.Tags = append([]string(nil), c.Tags...)
	s.challenges[c.ID] = c
	return cloneChallenge(c), nil
}

func (s *Store) GetChallenge(_ context.Context, id string) (challenge.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.challenges[id]
	if !ok {
		return challenge.Challenge{}, storage.ErrNotFound
	}
	return cloneChallenge(c), nil
}

func (s *Store) ListChallenges(_ context.Context, filter storage.ChallengeFilter) ([]challenge.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]challenge.Challenge, 0, len(s.challenges))
	for _, c := range s.challenges {
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		if filter.Difficulty != "" && c.Difficulty != filter.Difficulty {
			continue
		}
		if filter.ExcludeProbation && c.Probation {
			continue
		}
		if filter.ExcludeBelowFloor && c.QualityScore < challenge.RetirementFloor {
			continue
		}
		out = append(out, cloneChallenge(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) PutMatch(_ context.Context, m match.Match) (match.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.matches[m.ID]
	if exists {
		if m.Version != existing.Version {
			return match.Match{}, storage.ErrStale
		}
	} else if m.Version != 0 {
		return match.Match{}, storage.ErrStale
	}
	m.Version++
	m.Transcript = append([]match.AgentResponse(nil), m.Transcript...)
	m.Evaluations = append([]match.JudgeEvaluation(nil), m.Evaluations...)
	s.matches[m.ID] = m
	return cloneMatch(m), nil
}

func (s *Store) GetMatch(_ context.Context, id string) (match.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	if !ok {
		return match.Match{}, storage.ErrNotFound
	}
	return cloneMatch(m), nil
}

func (s *Store) ListMatches(_ context.Context, filter storage.MatchFilter) ([]match.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]match.Match, 0, len(s.matches))
	for _, m := range s.matches {
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.Division != "" && m.Division != filter.Division {
			continue
		}
		out = append(out, cloneMatch(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AppendEvaluation(_ context.Context, matchID string, eval match.JudgeEvaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[matchID]
	if !ok {
		return storage.ErrNotFound
	}
	m.Evaluations = append(m.Evaluations, eval)
	s.matches[matchID] = m
	return nil
}

// MarkApplied records matchID in the ratings log; false means matchID was
// already present (§8 P10 idempotency).
func (s *Store) MarkApplied(_ context.Context, matchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.applied[matchID]; ok {
		return false, nil
	}
	s.applied[matchID] = struct{}{}
	return true, nil
}

func hasSpecialization(specs []string, want string) bool {
	for _, s := range specs {
		if s == want {
			return true
		}
	}
	return false
}

func cloneAgent(a agent.Agent) agent.Agent {
	a.Specializations = append([]string(nil), a.Specializations...)
	a.EloHistory = append([]agent.EloHistoryEntry(nil), a.EloHistory...)
	a.DivisionChangeHistory = append([]agent.DivisionChangeEntry(nil), a.DivisionChangeHistory...)
	a.RecentOpponents = append([]string(nil), a.RecentOpponents...)
	return a
}

func cloneChallenge(c challenge.Challenge) challenge.Challenge {
	c.Tags = append([]string(nil), c.Tags...)
	return c
}

func cloneMatch(m match.Match) match.Match {
	m.Transcript = append([]match.AgentResponse(nil), m.Transcript...)
	m.Evaluations = append([]match.JudgeEvaluation(nil), m.Evaluations...)
	if m.Agent1Response != nil {
		cp := *m.Agent1Response
		m.Agent1Response = &cp
	}
	if m.Agent2Response != nil {
		cp := *m.Agent2Response
		m.Agent2Response = &cp
	}
	if m.FinalScores != nil {
		cp := make(map[string]float64, len(m.FinalScores))
		for k, v := range m.FinalScores {
			cp[k] = v
		}
		m.FinalScores = cp
	}
	return m
}
