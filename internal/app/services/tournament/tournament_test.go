package tournament

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/service_layer/internal/app/domain/agent"
	"github.com/R3E-Network/service_layer/internal/app/eventbus"
	"github.com/R3E-Network/service_layer/internal/app/gateway"
	"github.com/R3E-Network/service_layer/internal/app/services/challengepool"
	"github.com/R3E-Network/service_layer/internal/app/services/judgepanel"
	"github.com/R3E-Network/service_layer/internal/app/services/matchrunner"
	"github.com/R3E-Network/service_layer/internal/app/services/pairing"
	"github.com/R3E-Network/service_layer/internal/app/services/ranking"
	"github.com/R3E-Network/service_layer/internal/app/services/scheduler"
	"github.com/R3E-Network/service_layer/internal/app/storage/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	repo := memory.New()
	gw := gateway.NewFakeGateway()
	bus := eventbus.New()

	picker := pairing.New(repo)
	pool := challengepool.New(repo)
	panel := judgepanel.New(repo, gw)
	rankingEngine := ranking.New(repo)

	runner := matchrunner.NewRunner(repo, gw, panel, rankingEngine, bus, nil)
	sched := scheduler.New(2, 60, runner)
	director := matchrunner.NewDirector(repo, picker, pool, sched)

	return New(repo, director, bus, "", nil)
}

func TestRunTournamentWithNoAgentsCompletesImmediately(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := svc.RunTournament(ctx, 2); err != nil {
		t.Fatalf("expected an empty arena to finish its rounds without error, got %v", err)
	}

	status, err := svc.CurrentStatus(context.Background())
	if err != nil {
		t.Fatalf("CurrentStatus: %v", err)
	}
	if status.Running {
		t.Fatal("tournament should report not-running once RunTournament returns")
	}
	if status.CurrentRound != 2 {
		t.Fatalf("expected currentRound=2, got %d", status.CurrentRound)
	}
}

func TestRunTournamentRejectsConcurrentRun(t *testing.T) {
	svc := newTestService(t)
	svc.mu.Lock()
	svc.running = true
	svc.mu.Unlock()

	err := svc.RunTournament(context.Background(), 1)
	if err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestCurrentStatusReportsEmptyLeaderboardsByDivision(t *testing.T) {
	svc := newTestService(t)
	status, err := svc.CurrentStatus(context.Background())
	if err != nil {
		t.Fatalf("CurrentStatus: %v", err)
	}
	for _, division := range []agent.Division{agent.DivisionNovice, agent.DivisionExpert, agent.DivisionMaster, agent.DivisionKing} {
		if _, ok := status.Leaderboard[string(division)]; !ok {
			t.Fatalf("expected a leaderboard entry for division %s", division)
		}
	}
	if status.CurrentKing != nil {
		t.Fatal("expected no king in a fresh arena")
	}
}

func TestDefaultRoundsUsedWhenNonPositive(t *testing.T) {
	svc := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := svc.RunTournament(ctx, 0); err != nil {
		t.Fatalf("RunTournament: %v", err)
	}
	status, err := svc.CurrentStatus(context.Background())
	if err != nil {
		t.Fatalf("CurrentStatus: %v", err)
	}
	if status.RoundsTotal != DefaultRounds {
		t.Fatalf("expected roundsTotal=%d, got %d", DefaultRounds, status.RoundsTotal)
	}
}
