package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/R3E-Network/service_layer/infrastructure/middleware"
	"github.com/R3E-Network/service_layer/internal/app/domain/agent"
	"github.com/R3E-Network/service_layer/internal/app/domain/challenge"
	"github.com/R3E-Network/service_layer/internal/app/domain/match"
	"github.com/R3E-Network/service_layer/internal/app/eventbus"
	"github.com/R3E-Network/service_layer/internal/app/metrics"
	"github.com/R3E-Network/service_layer/internal/app/services/challengepool"
	"github.com/R3E-Network/service_layer/internal/app/services/matchrunner"
	"github.com/R3E-Network/service_layer/internal/app/services/pairing"
	"github.com/R3E-Network/service_layer/internal/app/services/scheduler"
	"github.com/R3E-Network/service_layer/internal/app/services/tournament"
	"github.com/R3E-Network/service_layer/internal/app/storage"
	"github.com/google/uuid"
)

// handler bundles HTTP endpoints for the arena services (§6.1).
type handler struct {
	repo        storage.Repository
	director    *matchrunner.Director
	scheduler   *scheduler.Scheduler
	challenges  *challengepool.Pool
	tournament  *tournament.Service
	bus         *eventbus.Bus
	audit       *auditLog
}

// NewHandler returns a mux exposing the arena REST and SSE API. ready is
// flipped true by the owning Service once its listener is up; until then
// /readyz reports 503 so a load balancer won't route traffic to it.
func NewHandler(repo storage.Repository, director *matchrunner.Director, sched *scheduler.Scheduler, pool *challengepool.Pool, tour *tournament.Service, bus *eventbus.Bus, audit *auditLog, ready *bool) http.Handler {
	h := &handler{repo: repo, director: director, scheduler: sched, challenges: pool, tournament: tour, bus: bus, audit: audit}
	mux := http.NewServeMux()

	mux.Handle("/metrics", metrics.Handler())
	checker := middleware.NewHealthChecker("arena")
	checker.RegisterCheck("repository", func() error {
		_, err := repo.ListAgents(context.Background(), storage.AgentFilter{})
		return err
	})
	mux.HandleFunc("/healthz", checker.Handler())
	mux.HandleFunc("/livez", middleware.LivenessHandler())
	mux.HandleFunc("/readyz", middleware.ReadinessHandler(ready))

	mux.HandleFunc("/agents", h.agents)
	mux.HandleFunc("/agents/", h.agentResource)

	mux.HandleFunc("/challenges", h.challengesList)
	mux.HandleFunc("/challenges/contribute", h.challengesContribute)
	mux.HandleFunc("/challenges/", h.challengeResource)

	mux.HandleFunc("/matches", h.matchesList)
	mux.HandleFunc("/matches/live", h.matchesLive)
	mux.HandleFunc("/matches/stream", h.matchesStream)
	mux.HandleFunc("/matches/quick", h.matchesQuick)
	mux.HandleFunc("/matches/king-challenge", h.matchesKingChallenge)
	mux.HandleFunc("/matches/", h.matchResource)

	mux.HandleFunc("/tournament/start", h.tournamentStart)
	mux.HandleFunc("/tournament/status", h.tournamentStatus)

	mux.HandleFunc("/admin/agents", h.adminAgentsCreate)
	mux.HandleFunc("/admin/agents/", h.adminAgentPatch)
	mux.HandleFunc("/admin/audit", h.adminAudit)
	mux.HandleFunc("/admin/runtime", h.adminRuntime)

	return withRequestTimeout(mux)
}

// withRequestTimeout applies the shared request deadline to every route
// except the long-lived SSE streams, which intentionally run for as long as
// the client stays connected.
func withRequestTimeout(next http.Handler) http.Handler {
	timeout := middleware.NewTimeoutMiddleware(0)
	timed := timeout.Handler(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/stream") {
			next.ServeHTTP(w, r)
			return
		}
		timed.ServeHTTP(w, r)
	})
}

// --- Agents ----------------------------------------------------------------

func (h *handler) agents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	filter := storage.AgentFilter{
		Division:       agent.Division(r.URL.Query().Get("division")),
		ActiveOnly:     r.URL.Query().Get("activeOnly") == "true",
		Specialization: r.URL.Query().Get("specialization"),
	}
	agents, err := h.repo.ListAgents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

// agentResource dispatches GET /agents/{id} and GET /agents/{id}/judge-stats
// (§C.3).
func (h *handler) agentResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, sub := splitResourcePath(r.URL.Path, "/agents/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	a, err := h.repo.GetAgent(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	switch sub {
	case "":
		writeJSON(w, http.StatusOK, a)
	case "judge-stats":
		writeJSON(w, http.StatusOK, a.JudgeStats)
	default:
		http.NotFound(w, r)
	}
}

// --- Challenges --------------------------------------------------------------

func (h *handler) challengesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	filter := storage.ChallengeFilter{
		Type:              challenge.Type(r.URL.Query().Get("type")),
		Difficulty:        challenge.Difficulty(r.URL.Query().Get("difficulty")),
		ExcludeProbation:  r.URL.Query().Get("excludeProbation") == "true",
		ExcludeBelowFloor: r.URL.Query().Get("excludeBelowFloor") == "true",
	}
	challenges, err := h.repo.ListChallenges(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, challenges)
}

// challengeResource serves GET /challenges/{id} (§C.3).
func (h *handler) challengeResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, _ := splitResourcePath(r.URL.Path, "/challenges/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	c, err := h.repo.GetChallenge(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type contributeRequest struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Type        challenge.Type      `json:"type"`
	Difficulty  challenge.Difficulty `json:"difficulty"`
	Answer      string              `json:"answer,omitempty"`
	Tags        []string            `json:"tags,omitempty"`
}

func (h *handler) challengesContribute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req contributeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	draft := challenge.Challenge{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Description: req.Description,
		Type:        req.Type,
		Difficulty:  req.Difficulty,
		Answer:      req.Answer,
		Tags:        req.Tags,
	}
	stored, accepted, reason := h.challenges.Contribute(r.Context(), draft)
	if !accepted {
		writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("%s", reason))
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// --- Matches -----------------------------------------------------------------

func (h *handler) matchesList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	filter := storage.MatchFilter{
		Status:   match.Status(r.URL.Query().Get("status")),
		Division: r.URL.Query().Get("division"),
	}
	matches, err := h.repo.ListMatches(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (h *handler) matchesLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.scheduler.Snapshot())
}

type quickMatchRequest struct {
	Division agent.Division `json:"division"`
	Agent1ID string         `json:"agent1Id,omitempty"`
	Agent2ID string         `json:"agent2Id,omitempty"`
}

func (h *handler) matchesQuick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req quickMatchRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	m, err := h.director.QuickMatch(r.Context(), requesterIP(r), req.Division, req.Agent1ID, req.Agent2ID)
	if err != nil {
		writeMatchAdmitError(w, h.scheduler, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *handler) matchesKingChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	m, err := h.director.KingChallenge(r.Context(), requesterIP(r))
	if err != nil {
		writeMatchAdmitError(w, h.scheduler, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// matchResource dispatches GET /matches/{id} and GET /matches/{id}/stream.
func (h *handler) matchResource(w http.ResponseWriter, r *http.Request) {
	id, sub := splitResourcePath(r.URL.Path, "/matches/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch sub {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.matchByID(w, r, id)
	case "stream":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.streamMatch(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (h *handler) matchByID(w http.ResponseWriter, r *http.Request, id string) {
	m, err := h.repo.GetMatch(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- Tournament (§C.1) -------------------------------------------------------

func (h *handler) tournamentStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	numRounds := tournament.DefaultRounds
	if raw := strings.TrimSpace(r.URL.Query().Get("numRounds")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("numRounds must be a positive integer"))
			return
		}
		numRounds = parsed
	}

	go func() {
		// A tournament outlives the HTTP request that started it, so it
		// runs against context.Background() rather than r.Context().
		_ = h.tournament.RunTournament(context.Background(), numRounds)
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"started": true, "numRounds": numRounds})
}

func (h *handler) tournamentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status, err := h.tournament.CurrentStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Admin agent management (§C.2) -------------------------------------------

type createAgentRequest struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"displayName"`
	Description     string   `json:"description"`
	Specializations []string `json:"specializations,omitempty"`
}

func (h *handler) adminAgentsCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req createAgentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("displayName is required"))
		return
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	a := agent.New(id, req.DisplayName, req.Description, req.Specializations)
	stored, err := h.repo.PutAgent(r.Context(), a)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

type patchAgentRequest struct {
	Active          *bool    `json:"active,omitempty"`
	Description     *string  `json:"description,omitempty"`
	Specializations []string `json:"specializations,omitempty"`
}

func (h *handler) adminAgentPatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id, _ := splitResourcePath(r.URL.Path, "/admin/agents/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	var req patchAgentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	a, err := h.repo.GetAgent(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	if req.Active != nil {
		a.Active = *req.Active
	}
	if req.Description != nil {
		a.Description = *req.Description
	}
	if req.Specializations != nil {
		a.Specializations = req.Specializations
	}
	stored, err := h.repo.PutAgent(r.Context(), a)
	if err != nil {
		if errors.Is(err, storage.ErrStale) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// --- Audit (§C.4) -------------------------------------------------------------

func (h *handler) adminAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.audit == nil {
		writeJSON(w, http.StatusOK, []auditEntry{})
		return
	}
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), 200)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

func (h *handler) adminRuntime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, middleware.RuntimeStats())
}

// --- helpers -------------------------------------------------------------

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeStorageError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

// writeMatchAdmitError maps the sentinel errors Director.QuickMatch and
// Director.KingChallenge can return to the status codes spec §6.1/§7
// specify, including the 429 TooMany body shape.
func writeMatchAdmitError(w http.ResponseWriter, sched *scheduler.Scheduler, err error) {
	switch {
	case errors.Is(err, scheduler.ErrTooMany):
		current, max := sched.CapInfo()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":             "too_many_matches",
			"message":           "the arena is at its live-match cap or this requester is rate limited",
			"live_match_count":  current,
			"max_live_matches":  max,
		})
	case errors.Is(err, pairing.ErrNoOpponent), errors.Is(err, matchrunner.ErrNotEligible), errors.Is(err, challengepool.ErrNoChallenge):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// splitResourcePath extracts the id and optional trailing sub-resource from
// a path like "/agents/abc/judge-stats" given the mux pattern prefix
// "/agents/".
func splitResourcePath(path, prefix string) (id, sub string) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", ""
	}
	parts := strings.SplitN(rest, "/", 2)
	id = parts[0]
	if len(parts) == 2 {
		sub = parts[1]
	}
	return id, sub
}

func requesterIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		return host[:idx]
	}
	return host
}

