package matchrunner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/service_layer/internal/app/domain/agent"
	"github.com/R3E-Network/service_layer/internal/app/domain/challenge"
	"github.com/R3E-Network/service_layer/internal/app/domain/match"
	"github.com/R3E-Network/service_layer/internal/app/eventbus"
	"github.com/R3E-Network/service_layer/internal/app/gateway"
	"github.com/R3E-Network/service_layer/internal/app/services/judgepanel"
	"github.com/R3E-Network/service_layer/internal/app/services/ranking"
	"github.com/R3E-Network/service_layer/internal/app/storage/memory"
)

const judgeVerdictJSON = `{"agent1TotalScore":8,"agent2TotalScore":5,"recommendedWinner":"agent1","overallReasoning":"agent1 was clearer","evaluationQuality":0.9}`

func newHarness(t *testing.T) (*memory.Store, *gateway.FakeGateway, *judgepanel.Panel, *ranking.Engine, *eventbus.Bus) {
	t.Helper()
	repo := memory.New()
	gw := gateway.NewFakeGateway()
	panel := judgepanel.New(repo, gw)
	rankingEngine := ranking.New(repo)
	bus := eventbus.New()
	return repo, gw, panel, rankingEngine, bus
}

func seedCompetitorsAndJudges(t *testing.T, repo *memory.Store) (agent.Agent, agent.Agent) {
	t.Helper()
	ctx := context.Background()

	a1 := agent.New("agent-1", "Agent One", "competitor", nil)
	a2 := agent.New("agent-2", "Agent Two", "competitor", nil)
	storedA1, err := repo.PutAgent(ctx, a1)
	require.NoError(t, err)
	storedA2, err := repo.PutAgent(ctx, a2)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		j := agent.New(judgeID(i), "Judge", "judge", nil)
		_, err := repo.PutAgent(ctx, j)
		require.NoError(t, err)
	}
	return storedA1, storedA2
}

func judgeID(i int) string {
	return fmt.Sprintf("judge-%d", i)
}

func seedChallenge(t *testing.T, repo *memory.Store) challenge.Challenge {
	t.Helper()
	c := challenge.Challenge{
		ID:          "chal-1",
		Title:       "Sort it out",
		Description: "Sort this list of numbers and explain your approach.",
		Type:        challenge.TypeLogicalReasoning,
		Difficulty:  challenge.DifficultyBeginner,
		Source:      challenge.SourceSeed,
		QualityScore: 0.8,
	}
	stored, err := repo.PutChallenge(context.Background(), c)
	require.NoError(t, err)
	return stored
}

func scriptJudges(gw *gateway.FakeGateway) {
	for i := 1; i <= 3; i++ {
		gw.Script(judgeID(i), gateway.FakeResponse{Text: judgeVerdictJSON})
	}
}

func TestRunner_RegularDuel_CompletesAndAppliesRanking(t *testing.T) {
	repo, gw, panel, rankingEngine, bus := newHarness(t)
	a1, a2 := seedCompetitorsAndJudges(t, repo)
	chal := seedChallenge(t, repo)
	scriptJudges(gw)

	m := match.Match{
		ID:          "match-1",
		Agent1ID:    a1.ID,
		Agent2ID:    a2.ID,
		ChallengeID: chal.ID,
		Division:    string(agent.DivisionNovice),
		Type:        match.TypeRegularDuel,
		Status:      match.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	stored, err := repo.PutMatch(context.Background(), m)
	require.NoError(t, err)

	runner := NewRunner(repo, gw, panel, rankingEngine, bus, nil)
	runner.Run(context.Background(), stored)

	final, err := repo.GetMatch(context.Background(), "match-1")
	require.NoError(t, err)
	require.Equal(t, match.StatusCompleted, final.Status)
	require.NotNil(t, final.WinnerID)
	require.Equal(t, a1.ID, *final.WinnerID)
	require.Equal(t, match.ResultWin, final.Result)
	require.NotNil(t, final.Agent1Response)
	require.NotNil(t, final.Agent2Response)
	require.Len(t, final.Evaluations, 3)

	winner, err := repo.GetAgent(context.Background(), a1.ID)
	require.NoError(t, err)
	require.Greater(t, winner.EloRating, agent.InitialEloRating)
	require.Equal(t, 1, winner.GlobalStats.Wins)

	loser, err := repo.GetAgent(context.Background(), a2.ID)
	require.NoError(t, err)
	require.Less(t, loser.EloRating, agent.InitialEloRating)
}

func TestRunner_Debate_AlternatesTurnsAndRespectsEndSentinel(t *testing.T) {
	repo, gw, panel, rankingEngine, bus := newHarness(t)
	a1, a2 := seedCompetitorsAndJudges(t, repo)
	chal := seedChallenge(t, repo)
	scriptJudges(gw)

	gw.Script(a1.ID, gateway.FakeResponse{Text: "opening argument"})
	gw.Script(a2.ID, gateway.FakeResponse{Text: "counterpoint <END>"})

	m := match.Match{
		ID:          "match-2",
		Agent1ID:    a1.ID,
		Agent2ID:    a2.ID,
		ChallengeID: chal.ID,
		Division:    string(agent.DivisionNovice),
		Type:        match.TypeDebate,
		Status:      match.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	stored, err := repo.PutMatch(context.Background(), m)
	require.NoError(t, err)

	runner := NewRunner(repo, gw, panel, rankingEngine, bus, nil)
	runner.Run(context.Background(), stored)

	final, err := repo.GetMatch(context.Background(), "match-2")
	require.NoError(t, err)
	require.Equal(t, match.StatusCompleted, final.Status)
	require.Len(t, final.Transcript, 2)
	require.Equal(t, a1.ID, final.Transcript[0].AgentID)
	require.Equal(t, a2.ID, final.Transcript[1].AgentID)
}

func TestRunner_FailedStreamTransitionsToFailed(t *testing.T) {
	repo, gw, panel, rankingEngine, bus := newHarness(t)
	a1, a2 := seedCompetitorsAndJudges(t, repo)
	chal := seedChallenge(t, repo)

	gw.Script(a1.ID, gateway.FakeResponse{Err: gateway.NewModelError(gateway.KindProviderError, a1.ID, "boom", nil)})

	m := match.Match{
		ID:          "match-3",
		Agent1ID:    a1.ID,
		Agent2ID:    a2.ID,
		ChallengeID: chal.ID,
		Division:    string(agent.DivisionNovice),
		Type:        match.TypeRegularDuel,
		Status:      match.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	stored, err := repo.PutMatch(context.Background(), m)
	require.NoError(t, err)

	runner := NewRunner(repo, gw, panel, rankingEngine, bus, nil)
	runner.Run(context.Background(), stored)

	final, err := repo.GetMatch(context.Background(), "match-3")
	require.NoError(t, err)
	require.Equal(t, match.StatusFailed, final.Status)
	require.NotEmpty(t, final.FailureReason)
}

func TestRunner_CancelledContextTransitionsToCancelled(t *testing.T) {
	repo, gw, panel, rankingEngine, bus := newHarness(t)
	a1, a2 := seedCompetitorsAndJudges(t, repo)
	chal := seedChallenge(t, repo)

	m := match.Match{
		ID:          "match-4",
		Agent1ID:    a1.ID,
		Agent2ID:    a2.ID,
		ChallengeID: chal.ID,
		Division:    string(agent.DivisionNovice),
		Type:        match.TypeRegularDuel,
		Status:      match.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	stored, err := repo.PutMatch(context.Background(), m)
	require.NoError(t, err)

	// Cancel before Run starts so the very first ctx.Done() check inside
	// the FakeGateway's streaming loop observes the cancellation
	// deterministically, rather than racing a real delay.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(repo, gw, panel, rankingEngine, bus, nil)
	runner.Run(ctx, stored)

	final, err := repo.GetMatch(context.Background(), "match-4")
	require.NoError(t, err)
	require.Equal(t, match.StatusCancelled, final.Status)
}
