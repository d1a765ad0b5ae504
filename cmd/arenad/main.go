// Command arenad runs the Agent Arena server: it wires the model gateway,
// repository, and match services together and serves the HTTP API, the way
// cmd/appserver/main.go wires the teacher's service layer.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/R3E-Network/service_layer/internal/app/eventbus"
	"github.com/R3E-Network/service_layer/internal/app/gateway"
	"github.com/R3E-Network/service_layer/internal/app/gateway/providers/anthropic"
	"github.com/R3E-Network/service_layer/internal/app/gateway/providers/bedrock"
	"github.com/R3E-Network/service_layer/internal/app/gateway/providers/openaicompat"
	"github.com/R3E-Network/service_layer/internal/app/httpapi"
	"github.com/R3E-Network/service_layer/internal/app/services/challengepool"
	"github.com/R3E-Network/service_layer/internal/app/services/judgepanel"
	"github.com/R3E-Network/service_layer/internal/app/services/matchrunner"
	"github.com/R3E-Network/service_layer/internal/app/services/pairing"
	"github.com/R3E-Network/service_layer/internal/app/services/ranking"
	"github.com/R3E-Network/service_layer/internal/app/services/scheduler"
	"github.com/R3E-Network/service_layer/internal/app/services/tournament"
	"github.com/R3E-Network/service_layer/internal/app/storage"
	"github.com/R3E-Network/service_layer/internal/app/storage/memory"
	"github.com/R3E-Network/service_layer/internal/app/storage/postgres"
	"github.com/R3E-Network/service_layer/internal/app/system"
	"github.com/R3E-Network/service_layer/internal/config"
	"github.com/R3E-Network/service_layer/internal/platform/migrations"
	"github.com/R3E-Network/service_layer/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if trimmed := strings.TrimSpace(*addr); trimmed != "" {
		cfg.HTTPAddr = trimmed
	}

	appLog := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"})

	repo, db, err := buildRepository(cfg)
	if err != nil {
		appLog.Fatalf("build repository: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	gw, err := buildGateway(cfg)
	if err != nil {
		appLog.Fatalf("build model gateway: %v", err)
	}

	bus := eventbus.New()
	picker := pairing.New(repo)
	pool := challengepool.New(repo)
	panel := judgepanel.New(repo, gw)
	rankingEngine := ranking.New(repo)

	runner := matchrunner.NewRunner(repo, gw, panel, rankingEngine, bus, nil)
	sched := scheduler.New(cfg.MaxLiveMatches, cfg.StartsPerMinute, runner)
	director := matchrunner.NewDirector(repo, picker, pool, sched)
	tournamentSvc := tournament.New(repo, director, bus, cfg.TournamentCron, appLog)

	httpSvc := httpapi.NewService(cfg.HTTPAddr, repo, director, sched, pool, tournamentSvc, bus, cfg.AdminAPIKey, appLog, db)

	manager := system.NewManager()
	for _, svc := range []system.Service{sched, tournamentSvc, httpSvc} {
		if err := manager.Register(svc); err != nil {
			appLog.Fatalf("register %s: %v", svc.Name(), err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		appLog.Fatalf("start services: %v", err)
	}
	appLog.Infof("arena server listening on %s", cfg.HTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	appLog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		appLog.Errorf("shutdown: %v", err)
	}
}

// buildRepository opens Postgres and applies migrations when REPOSITORY_URL
// is set, otherwise falls back to the in-memory store. db is nil in the
// in-memory case, signalling httpapi.NewService to skip the Postgres audit
// sink.
func buildRepository(cfg *config.Config) (storage.Repository, *sql.DB, error) {
	dsn := strings.TrimSpace(cfg.RepositoryURL)
	if dsn == "" {
		return memory.New(), nil, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, nil, err
	}
	if err := migrations.Apply(db); err != nil {
		return nil, nil, err
	}
	return postgres.New(db), db, nil
}

// buildGateway selects a ModelGateway provider via GATEWAY_PROVIDER
// ("anthropic", "openai", or "bedrock"; defaults to "anthropic"), wrapped in
// the shared retry policy (§4.1).
func buildGateway(cfg *config.Config) (gateway.Gateway, error) {
	var (
		provider gateway.Gateway
		err      error
	)

	switch strings.ToLower(strings.TrimSpace(os.Getenv("GATEWAY_PROVIDER"))) {
	case "openai":
		provider = openaicompat.New("openai", cfg.ModelGatewayKey, cfg.ModelGatewayURL)
	case "bedrock":
		provider, err = bedrock.New(context.Background(), envOr("AWS_REGION", "us-east-1"))
	default:
		provider = anthropic.New(cfg.ModelGatewayKey)
	}
	if err != nil {
		return nil, err
	}
	return gateway.NewRetrying(provider, gateway.DefaultMaxRetries, logger.NewDefault("gateway")), nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
