// Package agent defines the competitor/judge record and its division and
// rating history.
package agent

import "time"

// Division is a rank bucket an Agent occupies.
type Division string

const (
	DivisionNovice Division = "Novice"
	DivisionExpert Division = "Expert"
	DivisionMaster Division = "Master"
	DivisionKing   Division = "King"
)

// InitialEloRating is the rating a newly created Agent starts at.
const InitialEloRating = 1000.0

// Stats accumulates match outcomes. GlobalStats never resets; DivisionStats
// resets to zero whenever the Agent changes division.
type Stats struct {
	Matches       int `json:"matches"`
	Wins          int `json:"wins"`
	Losses        int `json:"losses"`
	Draws         int `json:"draws"`
	CurrentStreak int `json:"currentStreak"` // positive=wins, negative=losses
	BestStreak    int `json:"bestStreak"`
}

// WinRate returns wins/matches, or 0 when no matches have been played.
func (s Stats) WinRate() float64 {
	if s.Matches == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Matches)
}

// ApplyResult mutates s in place for a single match outcome.
func (s *Stats) ApplyResult(result MatchResult) {
	s.Matches++
	switch result {
	case ResultWin:
		s.Wins++
		if s.CurrentStreak >= 0 {
			s.CurrentStreak++
		} else {
			s.CurrentStreak = 1
		}
	case ResultLoss:
		s.Losses++
		if s.CurrentStreak <= 0 {
			s.CurrentStreak--
		} else {
			s.CurrentStreak = -1
		}
	case ResultDraw:
		s.Draws++
		s.CurrentStreak = 0
	}
	if abs := s.CurrentStreak; abs > s.BestStreak || -abs > s.BestStreak {
		if abs < 0 {
			abs = -abs
		}
		if abs > s.BestStreak {
			s.BestStreak = abs
		}
	}
}

// MatchResult is an outcome from a single agent's perspective.
type MatchResult string

const (
	ResultWin  MatchResult = "Win"
	ResultLoss MatchResult = "Loss"
	ResultDraw MatchResult = "Draw"
)

// judgeAccuracyWindow bounds how many recent judging alignments feed
// Accuracy (§3's "last K ratings"; K is left to implementation, matched
// here to RecentOpponents' window for the same reason: recent form, not
// career-long average).
const judgeAccuracyWindow = 20

// JudgeStats tracks how reliable an Agent has been as a judge.
type JudgeStats struct {
	Accuracy    float64 `json:"accuracy"`    // fraction aligned with panel majority over last K ratings
	Reliability float64 `json:"reliability"` // in [0,1]

	// RecentAlignments is the most-recent-last, capped window of
	// panel-alignment outcomes Accuracy is computed from.
	RecentAlignments []bool `json:"recentAlignments,omitempty"`
}

// RecordAlignment appends whether this judging aligned with the panel
// majority to the rolling window and recomputes Accuracy from it.
func (js *JudgeStats) RecordAlignment(aligned bool) {
	js.RecentAlignments = append(js.RecentAlignments, aligned)
	if len(js.RecentAlignments) > judgeAccuracyWindow {
		js.RecentAlignments = js.RecentAlignments[len(js.RecentAlignments)-judgeAccuracyWindow:]
	}
	var hits int
	for _, a := range js.RecentAlignments {
		if a {
			hits++
		}
	}
	js.Accuracy = float64(hits) / float64(len(js.RecentAlignments))
}

// EloHistoryEntry records one rating change.
type EloHistoryEntry struct {
	Timestamp             time.Time   `json:"timestamp"`
	Rating                float64     `json:"rating"`
	MatchID               string      `json:"matchId"`
	OpponentID             string      `json:"opponentId"`
	OpponentRatingAtMatch float64     `json:"opponentRatingAtMatch"`
	Result                MatchResult `json:"result"`
	Delta                 float64     `json:"delta"`
}

// DivisionChangeKind distinguishes a promotion from a demotion.
type DivisionChangeKind string

const (
	ChangeKindPromotion DivisionChangeKind = "promotion"
	ChangeKindDemotion  DivisionChangeKind = "demotion"
)

// DivisionChangeEntry records one division transition.
type DivisionChangeEntry struct {
	From      Division           `json:"from"`
	To        Division           `json:"to"`
	Timestamp time.Time          `json:"timestamp"`
	Reason    string             `json:"reason"`
	Kind      DivisionChangeKind `json:"kind"`
}

// Agent is a competitor and potential judge.
type Agent struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"displayName"`
	Description     string   `json:"description"`
	Specializations []string `json:"specializations"`
	Active          bool     `json:"active"`

	Division  Division `json:"division"`
	EloRating float64  `json:"eloRating"`

	GlobalStats   Stats `json:"globalStats"`
	DivisionStats Stats `json:"divisionStats"`

	JudgeStats JudgeStats `json:"judgeStats"`

	EloHistory            []EloHistoryEntry     `json:"eloHistory,omitempty"`
	DivisionChangeHistory []DivisionChangeEntry `json:"divisionChangeHistory,omitempty"`

	// LastMatchAt and RecentOpponents support Pairing's cooldown and
	// fairness rules (§4.4) without requiring a full match history scan.
	LastMatchAt     time.Time `json:"lastMatchAt"`
	RecentOpponents []string  `json:"recentOpponents,omitempty"` // most-recent-last, capped

	// KingChallengeLosses counts consecutive King-challenge losses while
	// reigning, consumed by the automatic succession rule (§4.7).
	KingChallengeLosses int `json:"kingChallengeLosses,omitempty"`

	// Version supports optimistic concurrency on Repository writes (§4.2).
	Version int64 `json:"version"`
}

// New constructs a freshly admitted Agent at Novice/InitialEloRating.
func New(id, displayName, description string, specializations []string) Agent {
	return Agent{
		ID:              id,
		DisplayName:     displayName,
		Description:     description,
		Specializations: append([]string(nil), specializations...),
		Active:          true,
		Division:        DivisionNovice,
		EloRating:       InitialEloRating,
		JudgeStats:      JudgeStats{Accuracy: 0, Reliability: 0.5},
	}
}

const recentOpponentsCap = 20

// RecordOpponent appends opp to the agent's recent-opponent window, capped
// to the last recentOpponentsCap entries (Pairing's fairness rule, §4.4).
func (a *Agent) RecordOpponent(opp string) {
	a.RecentOpponents = append(a.RecentOpponents, opp)
	if len(a.RecentOpponents) > recentOpponentsCap {
		a.RecentOpponents = a.RecentOpponents[len(a.RecentOpponents)-recentOpponentsCap:]
	}
}

// TimesPairedWith counts occurrences of opp in the recent-opponent window.
func (a Agent) TimesPairedWith(opp string) int {
	n := 0
	for _, o := range a.RecentOpponents {
		if o == opp {
			n++
		}
	}
	return n
}
