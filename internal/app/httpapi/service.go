package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/R3E-Network/service_layer/infrastructure/middleware"
	"github.com/R3E-Network/service_layer/internal/app/eventbus"
	"github.com/R3E-Network/service_layer/internal/app/metrics"
	"github.com/R3E-Network/service_layer/internal/app/services/challengepool"
	"github.com/R3E-Network/service_layer/internal/app/services/matchrunner"
	"github.com/R3E-Network/service_layer/internal/app/services/scheduler"
	"github.com/R3E-Network/service_layer/internal/app/services/tournament"
	"github.com/R3E-Network/service_layer/internal/app/storage"
	"github.com/R3E-Network/service_layer/internal/app/system"
	"github.com/R3E-Network/service_layer/pkg/logger"
)

// Service exposes the HTTP API and fits into the system manager lifecycle.
type Service struct {
	addr    string
	server  *http.Server
	handler http.Handler
	log     *logger.Logger
	ready   *bool
}

// NewService wires a handler over the given narrow dependencies and the
// middleware chain (body limit -> auth -> audit -> CORS -> security headers
// -> recovery -> request logging -> metrics, innermost first), matching the order
// the teacher's own service.go uses.
func NewService(
	addr string,
	repo storage.Repository,
	director *matchrunner.Director,
	sched *scheduler.Scheduler,
	pool *challengepool.Pool,
	tour *tournament.Service,
	bus *eventbus.Bus,
	adminAPIKey string,
	log *logger.Logger,
	db *sql.DB,
) *Service {
	if log == nil {
		log = logger.NewDefault("http")
	}

	var sink auditSink
	if path := strings.TrimSpace(os.Getenv("AUDIT_LOG_PATH")); path != "" {
		if fileSink, err := newFileAuditSink(path); err == nil {
			sink = fileSink
			log.Infof("audit log persisting to %s", path)
		} else {
			log.Warnf("audit log file not configured: %v", err)
		}
	} else if db != nil {
		sink = newPostgresAuditSink(db)
	}
	audit := newAuditLog(300, sink)
	ready := new(bool)

	handler := NewHandler(repo, director, sched, pool, tour, bus, audit, ready)
	// Order matters (innermost first): body limit caps the request body
	// before the handler reads it, auth wraps that and stops admin calls
	// without a valid key before they reach it, audit records the outcome
	// auth produced, CORS answers preflight OPTIONS before any of those,
	// security headers decorate every response, recovery wraps everything
	// below it so a panic still gets logged and answered, request logging
	// wraps recovery so it reports the status a recovered panic produced,
	// and metrics wraps the fully-composed handler last.
	handler = middleware.NewBodyLimitMiddleware(0).Handler(handler)
	handler = wrapWithAuth(handler, adminAPIKey)
	handler = wrapWithAudit(handler, audit)
	handler = middleware.NewCORSMiddleware(&middleware.CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"X-API-Key", "Content-Type"},
	}).Handler(handler)
	handler = middleware.NewSecurityHeadersMiddleware(nil).Handler(handler)
	handler = middleware.NewRecoveryMiddleware(log).Handler(handler)
	handler = middleware.LoggingMiddleware(log)(handler)
	handler = metrics.InstrumentHandler(handler)

	return &Service{addr: addr, handler: handler, log: log, ready: ready}
}

var _ system.Service = (*Service)(nil)

func (s *Service) Name() string { return "http" }

func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.handler,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: /matches/stream and /matches/{id}/stream are
		// long-lived SSE connections that must not be cut off mid-stream.
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("http server error: %v", err)
		}
	}()
	*s.ready = true
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	*s.ready = false
	return s.server.Shutdown(ctx)
}

// wrapWithAudit records every request's outcome to the audit ring,
// tagging the actor wrapWithAuth attached to the request context.
func wrapWithAudit(next http.Handler, audit *auditLog) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		audit.add(auditEntry{
			Time:       time.Now().UTC(),
			Actor:      actorFromContext(r.Context()),
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
	})
}

type statusCapture struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusCapture) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusCapture) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.status = http.StatusOK
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

// Flush lets statusCapture sit in front of the SSE handlers, which type-
// assert their ResponseWriter to http.Flusher.
func (r *statusCapture) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

