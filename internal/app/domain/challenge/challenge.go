// Package challenge defines the structured-prompt records served to
// matches by the challenge pool.
package challenge

// Type categorizes the kind of reasoning a Challenge exercises.
type Type string

const (
	TypeLogicalReasoning      Type = "LogicalReasoning"
	TypeDebate                Type = "Debate"
	TypeCreativeProblemSolving Type = "CreativeProblemSolving"
	TypeMathematical          Type = "Mathematical"
	TypeAbstractThinking      Type = "AbstractThinking"
)

// Difficulty bands a Challenge for division-aware selection (§4.3).
type Difficulty string

const (
	DifficultyBeginner     Difficulty = "Beginner"
	DifficultyIntermediate Difficulty = "Intermediate"
	DifficultyAdvanced     Difficulty = "Advanced"
	DifficultyExpert       Difficulty = "Expert"
	DifficultyMaster       Difficulty = "Master"
)

// Source identifies how a Challenge entered the pool.
type Source string

const (
	SourceSeed      Source = "seed"
	SourceGenerated Source = "generated"
	SourceCommunity Source = "community"
)

// Challenge is a structured prompt with difficulty and type metadata.
type Challenge struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Type        Type       `json:"type"`
	Difficulty  Difficulty `json:"difficulty"`
	Answer      string     `json:"answer,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Source      Source     `json:"source"`

	// QualityScore is a smoothed EMA over historic discrimination power;
	// mutated only by the ranking engine at match finalization (§4.7).
	QualityScore float64 `json:"qualityScore"`
	Uses         int     `json:"uses"`

	// Probation is true until a community-contributed Challenge has been
	// used in one completed match with a non-null result (§4.3).
	Probation bool `json:"probation"`

	Version int64 `json:"version"`
}

// DivisionBands maps an agent.Division name to the Difficulty bands eligible
// for it (§4.3). Kept as strings here to avoid an import cycle with the
// agent package; challengepool.Pick translates from agent.Division.
var DivisionBands = map[string][]Difficulty{
	"Novice": {DifficultyBeginner, DifficultyIntermediate},
	"Expert": {DifficultyIntermediate, DifficultyAdvanced},
	"Master": {DifficultyAdvanced, DifficultyExpert},
	"King":   {DifficultyExpert, DifficultyMaster},
}

// RetirementFloor is the qualityScore below which a Challenge is excluded
// from selection (§4.3).
const RetirementFloor = 0.15

// DefaultQualityScore seeds a newly contributed Challenge.
const DefaultQualityScore = 0.5
