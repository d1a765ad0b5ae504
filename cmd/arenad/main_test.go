package main

import (
	"testing"

	"github.com/R3E-Network/service_layer/internal/config"
)

func TestBuildRepositoryInMemoryWhenRepositoryURLEmpty(t *testing.T) {
	cfg := &config.Config{}
	repo, db, err := buildRepository(cfg)
	if err != nil {
		t.Fatalf("buildRepository: %v", err)
	}
	if repo == nil {
		t.Fatal("expected an in-memory repository")
	}
	if db != nil {
		t.Fatal("expected a nil *sql.DB for in-memory storage")
	}
}

func TestBuildGatewayDefaultsToAnthropic(t *testing.T) {
	t.Setenv("GATEWAY_PROVIDER", "")
	cfg := &config.Config{ModelGatewayKey: "test-key"}
	gw, err := buildGateway(cfg)
	if err != nil {
		t.Fatalf("buildGateway: %v", err)
	}
	if gw == nil {
		t.Fatal("expected a non-nil gateway")
	}
}

func TestBuildGatewaySelectsOpenAICompat(t *testing.T) {
	t.Setenv("GATEWAY_PROVIDER", "openai")
	cfg := &config.Config{ModelGatewayKey: "test-key", ModelGatewayURL: "https://example.invalid/v1"}
	gw, err := buildGateway(cfg)
	if err != nil {
		t.Fatalf("buildGateway: %v", err)
	}
	if gw == nil {
		t.Fatal("expected a non-nil gateway")
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("ARENAD_TEST_VAR", "")
	if got := envOr("ARENAD_TEST_VAR", "fallback"); got != "fallback" {
		t.Fatalf("envOr() = %q, want fallback", got)
	}
	t.Setenv("ARENAD_TEST_VAR", "value")
	if got := envOr("ARENAD_TEST_VAR", "fallback"); got != "value" {
		t.Fatalf("envOr() = %q, want value", got)
	}
}
