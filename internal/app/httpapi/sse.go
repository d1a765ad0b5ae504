package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/R3E-Network/service_layer/internal/app/domain/match"
	"github.com/R3E-Network/service_layer/internal/app/eventbus"
	"github.com/R3E-Network/service_layer/internal/app/services/matchrunner"
)

// sseHeartbeat is the interval between ": ping" keep-alive frames (§6.2).
const sseHeartbeat = 15 * time.Second

// matchesStream serves GET /matches/stream: the coarse-grained
// matchCreated/matchUpdated/matchCompleted feed over arena/matches (§6.2).
func (h *handler) matchesStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ch, unsubscribe := h.bus.Subscribe(matchrunner.MatchesTopic)
	defer unsubscribe()
	serveSSE(w, r, ch, nil)
}

// streamMatch serves GET /matches/{id}/stream: a snapshot of the current
// Match state followed by the fine-grained per-match event feed (§6.2).
func (h *handler) streamMatch(w http.ResponseWriter, r *http.Request, id string) {
	m, err := h.repo.GetMatch(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}

	ch, unsubscribe := h.bus.Subscribe(matchrunner.MatchTopic(id))
	defer unsubscribe()

	snapshot := matchrunner.TopicEvent{Name: "snapshot", Data: m}
	serveSSE(w, r, ch, &snapshot)
}

// serveSSE writes the SSE preamble, an optional synthetic first event, then
// relays ch as event:/data: frames with a periodic ": ping" heartbeat,
// until the client disconnects or ch closes.
func serveSSE(w http.ResponseWriter, r *http.Request, ch <-chan any, first *matchrunner.TopicEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if first != nil {
		writeSSEFrame(w, first.Name, first.Data)
		flusher.Flush()
	}

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case payload, ok := <-ch:
			if !ok {
				return
			}
			writeSSEPayload(w, payload)
			flusher.Flush()
		}
	}
}

// writeSSEPayload dispatches a payload received off the EventBus to its
// SSE frame shape: a matchrunner.TopicEvent for per-match topics, or an
// eventbus.Lagged/match.Summary-bearing event for the coarse topic.
func writeSSEPayload(w http.ResponseWriter, payload any) {
	switch v := payload.(type) {
	case matchrunner.TopicEvent:
		writeSSEFrame(w, v.Name, v.Data)
	case eventbus.Lagged:
		writeSSEFrame(w, "lagged", map[string]int{"dropped": v.Dropped})
	case match.Summary:
		writeSSEFrame(w, "matchUpdated", v)
	default:
		writeSSEFrame(w, "message", v)
	}
}

func writeSSEFrame(w http.ResponseWriter, event string, data any) {
	b, err := json.Marshal(data)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
}
