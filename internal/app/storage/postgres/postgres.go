// Package postgres implements the Repository interfaces backed by
// PostgreSQL, following the query style of the teacher's own postgres
// store: plain database/sql with $N placeholders and JSON columns for
// nested structures.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/service_layer/internal/app/domain/agent"
	"github.com/R3E-Network/service_layer/internal/app/domain/challenge"
	"github.com/R3E-Network/service_layer/internal/app/domain/match"
	"github.com/R3E-Network/service_layer/internal/app/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.Repository = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- AgentStore --------------------------------------------------------

func (s *Store) PutAgent(ctx context.Context, a agent.Agent) (agent.Agent, error) {
	specs, err := json.Marshal(a.Specializations)
	if err != nil {
		return agent.Agent{}, err
	}
	globalStats, err := json.Marshal(a.GlobalStats)
	if err != nil {
		return agent.Agent{}, err
	}
	divisionStats, err := json.Marshal(a.DivisionStats)
	if err != nil {
		return agent.Agent{}, err
	}
	judgeStats, err := json.Marshal(a.JudgeStats)
	if err != nil {
		return agent.Agent{}, err
	}
	eloHistory, err := json.Marshal(a.EloHistory)
	if err != nil {
		return agent.Agent{}, err
	}
	divisionChanges, err := json.Marshal(a.DivisionChangeHistory)
	if err != nil {
		return agent.Agent{}, err
	}
	recentOpponents, err := json.Marshal(a.RecentOpponents)
	if err != nil {
		return agent.Agent{}, err
	}

	if a.Version == 0 {
		a.Version = 1
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO arena_agents (
				id, display_name, description, specializations, active, division,
				elo_rating, global_stats, division_stats, judge_stats, elo_history,
				division_change_history, last_match_at, recent_opponents,
				king_challenge_losses, version
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		`, a.ID, a.DisplayName, a.Description, specs, a.Active, string(a.Division),
			a.EloRating, globalStats, divisionStats, judgeStats, eloHistory,
			divisionChanges, a.LastMatchAt, recentOpponents, a.KingChallengeLosses, a.Version)
		if err != nil {
			return agent.Agent{}, err
		}
		return a, nil
	}

	newVersion := a.Version + 1
	result, err := s.db.ExecContext(ctx, `
		UPDATE arena_agents SET
			display_name = $2, description = $3, specializations = $4, active = $5,
			division = $6, elo_rating = $7, global_stats = $8, division_stats = $9,
			judge_stats = $10, elo_history = $11, division_change_history = $12,
			last_match_at = $13, recent_opponents = $14, king_challenge_losses = $15,
			version = $16
		WHERE id = $1 AND version = $17
	`, a.ID, a.DisplayName, a.Description, specs, a.Active, string(a.Division),
		a.EloRating, globalStats, divisionStats, judgeStats, eloHistory,
		divisionChanges, a.LastMatchAt, recentOpponents, a.KingChallengeLosses, newVersion, a.Version)
	if err != nil {
		return agent.Agent{}, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return agent.Agent{}, err
	}
	if rows == 0 {
		return agent.Agent{}, storage.ErrStale
	}
	a.Version = newVersion
	return a, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (agent.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, description, specializations, active, division,
			elo_rating, global_stats, division_stats, judge_stats, elo_history,
			division_change_history, last_match_at, recent_opponents,
			king_challenge_losses, version
		FROM arena_agents WHERE id = $1
	`, id)
	return scanAgent(row)
}

func (s *Store) ListAgents(ctx context.Context, filter storage.AgentFilter) ([]agent.Agent, error) {
	query := `
		SELECT id, display_name, description, specializations, active, division,
			elo_rating, global_stats, division_stats, judge_stats, elo_history,
			division_change_history, last_match_at, recent_opponents,
			king_challenge_losses, version
		FROM arena_agents WHERE 1=1`
	var args []any
	if filter.Division != "" {
		args = append(args, string(filter.Division))
		query += fmt.Sprintf(" AND division = $%d", len(args))
	}
	if filter.ActiveOnly {
		query += " AND active = true"
	}
	if filter.Specialization != "" {
		args = append(args, filter.Specialization)
		query += fmt.Sprintf(" AND specializations::jsonb ? $%d", len(args))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) AppendDivisionChange(ctx context.Context, agentID string, rec agent.DivisionChangeEntry) error {
	a, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	a.DivisionChangeHistory = append(a.DivisionChangeHistory, rec)
	_, err = s.PutAgent(ctx, a)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (agent.Agent, error) {
	var (
		a                     agent.Agent
		division              string
		specs                 []byte
		globalStats           []byte
		divisionStats         []byte
		judgeStats            []byte
		eloHistory            []byte
		divisionChanges       []byte
		recentOpponents       []byte
		lastMatchAt           sql.NullTime
	)
	err := row.Scan(&a.ID, &a.DisplayName, &a.Description, &specs, &a.Active, &division,
		&a.EloRating, &globalStats, &divisionStats, &judgeStats, &eloHistory,
		&divisionChanges, &lastMatchAt, &recentOpponents, &a.KingChallengeLosses, &a.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return agent.Agent{}, storage.ErrNotFound
		}
		return agent.Agent{}, err
	}
	a.Division = agent.Division(division)
	if lastMatchAt.Valid {
		a.LastMatchAt = lastMatchAt.Time
	}
	_ = json.Unmarshal(specs, &a.Specializations)
	_ = json.Unmarshal(globalStats, &a.GlobalStats)
	_ = json.Unmarshal(divisionStats, &a.DivisionStats)
	_ = json.Unmarshal(judgeStats, &a.JudgeStats)
	_ = json.Unmarshal(eloHistory, &a.EloHistory)
	_ = json.Unmarshal(divisionChanges, &a.DivisionChangeHistory)
	_ = json.Unmarshal(recentOpponents, &a.RecentOpponents)
	return a, nil
}

// --- ChallengeStore ------------------------------------------------------

func (s *Store) PutChallenge(ctx context.Context, c challenge.Challenge) (challenge.Challenge, error) {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return challenge.Challenge{}, err
	}

	if c.Version == 0 {
		c.Version = 1
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO arena_challenges (
				id, title, description, type, difficulty, answer, tags, source,
				quality_score, uses, probation, version
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, c.ID, c.Title, c.Description, string(c.Type), string(c.Difficulty), c.Answer,
			tags, string(c.Source), c.QualityScore, c.Uses, c.Probation, c.Version)
		if err != nil {
			return challenge.Challenge{}, err
		}
		return c, nil
	}

	newVersion := c.Version + 1
	result, err := s.db.ExecContext(ctx, `
		UPDATE arena_challenges SET
			title = $2, description = $3, type = $4, difficulty = $5, answer = $6,
			tags = $7, source = $8, quality_score = $9, uses = $10, probation = $11,
			version = $12
		WHERE id = $1 AND version = $13
	`, c.ID, c.Title, c.Description, string(c.Type), string(c.Difficulty), c.Answer,
		tags, string(c.Source), c.QualityScore, c.Uses, c.Probation, newVersion, c.Version)
	if err != nil {
		return challenge.Challenge{}, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return challenge.Challenge{}, err
	}
	if rows == 0 {
		return challenge.Challenge{}, storage.ErrStale
	}
	c.Version = newVersion
	return c, nil
}

func (s *Store) GetChallenge(ctx context.Context, id string) (challenge.Challenge, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, type, difficulty, answer, tags, source,
			quality_score, uses, probation, version
		FROM arena_challenges WHERE id = $1
	`, id)
	return scanChallenge(row)
}

func (s *Store) ListChallenges(ctx context.Context, filter storage.ChallengeFilter) ([]challenge.Challenge, error) {
	query := `
		SELECT id, title, description, type, difficulty, answer, tags, source,
			quality_score, uses, probation, version
		FROM arena_challenges WHERE 1=1`
	var args []any
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if filter.Difficulty != "" {
		args = append(args, string(filter.Difficulty))
		query += fmt.Sprintf(" AND difficulty = $%d", len(args))
	}
	if filter.ExcludeProbation {
		query += " AND probation = false"
	}
	if filter.ExcludeBelowFloor {
		args = append(args, challenge.RetirementFloor)
		query += fmt.Sprintf(" AND quality_score >= $%d", len(args))
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []challenge.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChallenge(row scanner) (challenge.Challenge, error) {
	var (
		c          challenge.Challenge
		typ        string
		difficulty string
		source     string
		tags       []byte
	)
	err := row.Scan(&c.ID, &c.Title, &c.Description, &typ, &difficulty, &c.Answer, &tags,
		&source, &c.QualityScore, &c.Uses, &c.Probation, &c.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return challenge.Challenge{}, storage.ErrNotFound
		}
		return challenge.Challenge{}, err
	}
	c.Type = challenge.Type(typ)
	c.Difficulty = challenge.Difficulty(difficulty)
	c.Source = challenge.Source(source)
	_ = json.Unmarshal(tags, &c.Tags)
	return c, nil
}

// --- MatchStore ----------------------------------------------------------

func (s *Store) PutMatch(ctx context.Context, m match.Match) (match.Match, error) {
	transcript, err := json.Marshal(m.Transcript)
	if err != nil {
		return match.Match{}, err
	}
	evaluations, err := json.Marshal(m.Evaluations)
	if err != nil {
		return match.Match{}, err
	}
	finalScores, err := json.Marshal(m.FinalScores)
	if err != nil {
		return match.Match{}, err
	}

	if m.Version == 0 {
		m.Version = 1
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO arena_matches (
				id, type, division, status, challenge_id, agent1_id, agent2_id,
				transcript, evaluations, result, winner_id, final_scores,
				created_at, started_at, completed_at, version
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		`, m.ID, string(m.Type), m.Division, string(m.Status), m.ChallengeID,
			m.Agent1ID, m.Agent2ID, transcript, evaluations, string(m.Result),
			nullString(m.WinnerID), finalScores, m.CreatedAt, nullTime(m.StartedAt), nullTime(m.CompletedAt), m.Version)
		if err != nil {
			return match.Match{}, err
		}
		return m, nil
	}

	newVersion := m.Version + 1
	result, err := s.db.ExecContext(ctx, `
		UPDATE arena_matches SET
			type = $2, division = $3, status = $4, challenge_id = $5, agent1_id = $6,
			agent2_id = $7, transcript = $8, evaluations = $9, result = $10,
			winner_id = $11, final_scores = $12, started_at = $13, completed_at = $14,
			version = $15
		WHERE id = $1 AND version = $16
	`, m.ID, string(m.Type), m.Division, string(m.Status), m.ChallengeID, m.Agent1ID,
		m.Agent2ID, transcript, evaluations, string(m.Result), nullString(m.WinnerID), finalScores,
		nullTime(m.StartedAt), nullTime(m.CompletedAt), newVersion, m.Version)
	if err != nil {
		return match.Match{}, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return match.Match{}, err
	}
	if rows == 0 {
		return match.Match{}, storage.ErrStale
	}
	m.Version = newVersion
	return m, nil
}

func (s *Store) GetMatch(ctx context.Context, id string) (match.Match, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, division, status, challenge_id, agent1_id, agent2_id,
			transcript, evaluations, result, winner_id, final_scores,
			created_at, started_at, completed_at, version
		FROM arena_matches WHERE id = $1
	`, id)
	return scanMatch(row)
}

func (s *Store) ListMatches(ctx context.Context, filter storage.MatchFilter) ([]match.Match, error) {
	query := `
		SELECT id, type, division, status, challenge_id, agent1_id, agent2_id,
			transcript, evaluations, result, winner_id, final_scores,
			created_at, started_at, completed_at, version
		FROM arena_matches WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.Division != "" {
		args = append(args, filter.Division)
		query += fmt.Sprintf(" AND division = $%d", len(args))
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []match.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvaluation(ctx context.Context, matchID string, eval match.JudgeEvaluation) error {
	m, err := s.GetMatch(ctx, matchID)
	if err != nil {
		return err
	}
	m.Evaluations = append(m.Evaluations, eval)
	_, err = s.PutMatch(ctx, m)
	return err
}

func scanMatch(row scanner) (match.Match, error) {
	var (
		m                       match.Match
		typ, status, result     string
		transcript, evaluations []byte
		finalScores             []byte
		winnerID                sql.NullString
		startedAt, completedAt  sql.NullTime
	)
	err := row.Scan(&m.ID, &typ, &m.Division, &status, &m.ChallengeID, &m.Agent1ID,
		&m.Agent2ID, &transcript, &evaluations, &result, &winnerID, &finalScores,
		&m.CreatedAt, &startedAt, &completedAt, &m.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return match.Match{}, storage.ErrNotFound
		}
		return match.Match{}, err
	}
	m.Type = match.Type(typ)
	m.Status = match.Status(status)
	m.Result = match.Result(result)
	if winnerID.Valid {
		id := winnerID.String
		m.WinnerID = &id
	}
	if startedAt.Valid {
		t := startedAt.Time
		m.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		m.CompletedAt = &t
	}
	_ = json.Unmarshal(transcript, &m.Transcript)
	_ = json.Unmarshal(evaluations, &m.Evaluations)
	_ = json.Unmarshal(finalScores, &m.FinalScores)
	return m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// --- RatingsLog ------------------------------------------------------------

func (s *Store) MarkApplied(ctx context.Context, matchID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO arena_ratings_log (match_id, applied_at) VALUES ($1, $2)
		ON CONFLICT (match_id) DO NOTHING
	`, matchID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
