// Package match defines a single contest between two agents and its
// constituent responses and judge evaluations.
package match

import "time"

// Type distinguishes the three shapes of contest the match runner drives.
type Type string

const (
	TypeRegularDuel   Type = "RegularDuel"
	TypeDebate        Type = "Debate"
	TypeKingChallenge Type = "KingChallenge"
)

// Status is the match's position in the state machine (§4.6).
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusJudging    Status = "Judging"
	StatusFinalizing Status = "Finalizing"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
	StatusFailed     Status = "Failed"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Result is the match outcome from agent1's perspective.
type Result string

const (
	ResultWin  Result = "Win"
	ResultLoss Result = "Loss"
	ResultDraw Result = "Draw"
)

// AgentResponse is one agent's contribution to a match, possibly still
// streaming.
type AgentResponse struct {
	AgentID        string         `json:"agentId"`
	Text           string         `json:"text"`
	ResponseTime   float64        `json:"responseTime"` // seconds
	Timestamp      time.Time      `json:"timestamp"`
	Score          *float64       `json:"score,omitempty"`
	IsStreaming    bool           `json:"isStreaming"`
	StructuredData map[string]any `json:"structuredData,omitempty"`
}

// RecommendedWinner is a tagged variant over {agent1, agent2, draw} kept
// distinct from a bare string in internal code (§9 design note).
type RecommendedWinner string

const (
	RecommendedAgent1 RecommendedWinner = "agent1"
	RecommendedAgent2 RecommendedWinner = "agent2"
	RecommendedDraw   RecommendedWinner = ""
)

// JudgeEvaluation is one judge's verdict on a match.
type JudgeEvaluation struct {
	JudgeID              string             `json:"judgeId"`
	Agent1TotalScore     float64            `json:"agent1TotalScore"`
	Agent2TotalScore     float64            `json:"agent2TotalScore"`
	RecommendedWinner    RecommendedWinner  `json:"recommendedWinner"`
	OverallReasoning     string             `json:"overallReasoning"`
	ComparativeAnalysis  string             `json:"comparativeAnalysis,omitempty"`
	KeyDifferentiators   []string           `json:"keyDifferentiators,omitempty"`
	EvaluationQuality    float64            `json:"evaluationQuality"` // clamped to [0,1]
	CriterionScores      map[string]float64 `json:"criterionScores,omitempty"`
}

// Match is a contest of two agents over one challenge.
type Match struct {
	ID          string   `json:"id"`
	Agent1ID    string   `json:"agent1Id"`
	Agent2ID    string   `json:"agent2Id"`
	ChallengeID string   `json:"challengeId"`
	Division    string   `json:"division"`
	Type        Type     `json:"type"`
	Status      Status   `json:"status"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	Agent1Response *AgentResponse  `json:"agent1Response,omitempty"`
	Agent2Response *AgentResponse  `json:"agent2Response,omitempty"`
	Transcript     []AgentResponse `json:"transcript,omitempty"`

	Evaluations []JudgeEvaluation `json:"evaluations,omitempty"`

	WinnerID    *string            `json:"winnerId,omitempty"`
	FinalScores map[string]float64 `json:"finalScores,omitempty"`
	Result      Result             `json:"result,omitempty"`

	FailureReason string `json:"failureReason,omitempty"`

	Version int64 `json:"version"`
}

// Summary is the reduced Match view published on the arena/matches topic
// (§6.2): matchCreated/matchUpdated/matchCompleted events.
type Summary struct {
	ID          string  `json:"id"`
	Agent1ID    string  `json:"agent1Id"`
	Agent2ID    string  `json:"agent2Id"`
	Division    string  `json:"division"`
	Type        Type    `json:"type"`
	Status      Status  `json:"status"`
	WinnerID    *string `json:"winnerId,omitempty"`
}

// Summarize reduces a Match to its Summary.
func Summarize(m Match) Summary {
	return Summary{
		ID:       m.ID,
		Agent1ID: m.Agent1ID,
		Agent2ID: m.Agent2ID,
		Division: m.Division,
		Type:     m.Type,
		Status:   m.Status,
		WinnerID: m.WinnerID,
	}
}
