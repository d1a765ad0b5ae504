package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	core "github.com/R3E-Network/service_layer/internal/app/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "service_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "service_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "service_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.6s
		},
		[]string{"method", "path"},
	)

	matchesStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "service_layer",
			Subsystem: "matches",
			Name:      "started_total",
			Help:      "Total number of matches admitted by the scheduler.",
		},
		[]string{"type", "division"},
	)

	matchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "service_layer",
			Subsystem: "matches",
			Name:      "duration_seconds",
			Help:      "Duration of a match from admission to a terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		},
		[]string{"type", "status"},
	)

	gatewayInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "service_layer",
			Subsystem: "gateway",
			Name:      "invocations_total",
			Help:      "Total number of model gateway invocations, by model and outcome.",
		},
		[]string{"model", "status"},
	)

	gatewayDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "service_layer",
			Subsystem: "gateway",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of model gateway invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"model"},
	)

	eloAdjustments = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "service_layer",
			Subsystem: "ranking",
			Name:      "elo_adjustment",
			Help:      "Magnitude of Elo rating adjustments applied after a match.",
			Buckets:   prometheus.LinearBuckets(0, 5, 10),
		},
		[]string{"division"},
	)

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		matchesStarted,
		matchDuration,
		gatewayInvocations,
		gatewayDuration,
		eloAdjustments,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordMatchStarted records a scheduler admission.
func RecordMatchStarted(matchType, division string) {
	matchesStarted.WithLabelValues(matchType, division).Inc()
}

// RecordMatchCompletion records a match's terminal status and wall-clock duration.
func RecordMatchCompletion(matchType, status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	matchDuration.WithLabelValues(matchType, status).Observe(duration.Seconds())
}

// RecordGatewayInvocation records a single model gateway call (Invoke or a
// completed Stream), by model and status ("ok" or a gateway.Kind string).
func RecordGatewayInvocation(model, status string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	gatewayInvocations.WithLabelValues(model, status).Inc()
	gatewayDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordEloAdjustment records the absolute magnitude of an Elo update applied
// by the ranking engine after a match is finalized.
func RecordEloAdjustment(division string, delta float64) {
	if delta < 0 {
		delta = -delta
	}
	eloAdjustments.WithLabelValues(division).Observe(delta)
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks creates core observation hooks backed by Prometheus metrics.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"resource"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"resource", "status"},
	)
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	if id, ok := meta["resource"]; ok && id != "" {
		return id
	}
	if id, ok := meta["feed_id"]; ok && id != "" {
		return id
	}
	if id, ok := meta["stream_id"]; ok && id != "" {
		return id
	}
	if id, ok := meta["product_id"]; ok && id != "" {
		return id
	}
	if id, ok := meta["order_id"]; ok && id != "" {
		return id
	}
	if id, ok := meta["transaction_id"]; ok && id != "" {
		return id
	}
	return "unknown"
}

// DispatcherHooks wraps ObservationHooks for dispatcher-shaped instrumentation.
func DispatcherHooks(namespace, subsystem, name string) core.DispatchHooks {
	return ObservationHooks(namespace, subsystem, name)
}

// ChallengePoolHooks captures challenge-selection attempts (§4.3).
func ChallengePoolHooks() core.ObservationHooks {
	return ObservationHooks("service_layer", "challengepool", "selection")
}

// PairingHooks captures opponent-pairing attempts (§4.4).
func PairingHooks() core.ObservationHooks {
	return ObservationHooks("service_layer", "pairing", "selection")
}

// JudgePanelHooks captures a judge panel's per-match deliberation (§4.5).
func JudgePanelHooks() core.ObservationHooks {
	return ObservationHooks("service_layer", "judgepanel", "deliberation")
}

// RankingHooks captures Elo/promotion application attempts (§4.7).
func RankingHooks() core.ObservationHooks {
	return ObservationHooks("service_layer", "ranking", "apply")
}

// SchedulerAdmissionHooks captures scheduler admission decisions (§4.8).
func SchedulerAdmissionHooks() core.DispatchHooks {
	return DispatcherHooks("service_layer", "scheduler", "admission")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// resourceCollections lists the top-level path segments that take an ID as
// their second segment, so that per-match and per-agent paths collapse to a
// single cardinality-bounded label instead of one series per entity.
var resourceCollections = map[string]bool{
	"agents":     true,
	"matches":    true,
	"challenges": true,
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if !resourceCollections[parts[0]] || len(parts) == 1 {
		return "/" + parts[0]
	}
	if parts[1] == "live" || parts[1] == "stream" || parts[1] == "contribute" {
		return "/" + parts[0] + "/" + parts[1]
	}
	if len(parts) >= 3 {
		return "/" + parts[0] + "/:id/" + parts[2]
	}
	return "/" + parts[0] + "/:id"
}
