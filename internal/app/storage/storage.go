// Package storage defines the durable Repository abstraction (§4.2): typed
// CRUD over Agent, Challenge, and Match records plus append-only evaluation
// and division-change logs, with optimistic concurrency via a per-record
// version field. Concrete implementations live in storage/memory and
// storage/postgres.
package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/service_layer/internal/app/domain/agent"
	"github.com/R3E-Network/service_layer/internal/app/domain/challenge"
	"github.com/R3E-Network/service_layer/internal/app/domain/match"
)

// ErrStale is returned when a caller's supplied version does not match the
// stored record's current version (§4.2 optimistic concurrency).
var ErrStale = errors.New("storage: stale version")

// ErrNotFound is returned when a Get by id finds no record.
var ErrNotFound = errors.New("storage: not found")

// AgentFilter narrows ListAgents results. Zero values are unconstrained.
type AgentFilter struct {
	Division     agent.Division
	ActiveOnly   bool
	Specialization string
}

// ChallengeFilter narrows ListChallenges results.
type ChallengeFilter struct {
	Type               challenge.Type
	Difficulty         challenge.Difficulty
	ExcludeProbation   bool
	ExcludeBelowFloor  bool
}

// MatchFilter narrows ListMatches results.
type MatchFilter struct {
	Status   match.Status
	Division string
}

// AgentStore persists Agent records.
type AgentStore interface {
	PutAgent(ctx context.Context, a agent.Agent) (agent.Agent, error)
	GetAgent(ctx context.Context, id string) (agent.Agent, error)
	ListAgents(ctx context.Context, filter AgentFilter) ([]agent.Agent, error)
	AppendDivisionChange(ctx context.Context, agentID string, rec agent.DivisionChangeEntry) error
}

// ChallengeStore persists Challenge records.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, c challenge.Challenge) (challenge.Challenge, error)
	GetChallenge(ctx context.Context, id string) (challenge.Challenge, error)
	ListChallenges(ctx context.Context, filter ChallengeFilter) ([]challenge.Challenge, error)
}

// MatchStore persists Match records and their evaluations.
type MatchStore interface {
	PutMatch(ctx context.Context, m match.Match) (match.Match, error)
	GetMatch(ctx context.Context, id string) (match.Match, error)
	ListMatches(ctx context.Context, filter MatchFilter) ([]match.Match, error)
	AppendEvaluation(ctx context.Context, matchID string, eval match.JudgeEvaluation) error
}

// RatingsLog records which matchIds have already had their outcome applied
// by the RankingEngine, supporting P10's idempotency requirement (§8).
type RatingsLog interface {
	// MarkApplied records matchID as processed; it returns false if matchID
	// was already marked (the caller must treat this as a no-op, not an error).
	MarkApplied(ctx context.Context, matchID string) (applied bool, err error)
}

// Repository is the full durable store (§4.2): Agents, Challenges, Matches,
// plus the ratings idempotency log.
type Repository interface {
	AgentStore
	ChallengeStore
	MatchStore
	RatingsLog
}
