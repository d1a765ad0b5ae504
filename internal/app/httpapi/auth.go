package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
)

// adminPrefixes lists the path prefixes that mutate arena state and require
// the admin secret header (§6.1: "Admin mutations... require header
// X-API-Key equal to the configured admin secret; on mismatch respond 401").
var adminPrefixes = []string{
	"/admin",
	"/tournament/start",
}

type ctxKey string

const ctxActorKey ctxKey = "httpapi.actor"

// wrapWithAuth checks X-API-Key against adminKey for any request under an
// admin prefix. Every other route is open, matching spec §6.1 where only
// admin mutations carry an auth requirement at all. An empty adminKey
// disables admin endpoints entirely rather than silently accepting any key.
func wrapWithAuth(next http.Handler, adminKey string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !isAdminPath(r.URL.Path) {
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxActorKey, "anonymous")))
			return
		}

		provided := r.Header.Get("X-API-Key")
		if adminKey == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(adminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, errUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxActorKey, "admin")))
	})
}

func isAdminPath(path string) bool {
	for _, prefix := range adminPrefixes {
		if path == prefix || (len(path) > len(prefix) && path[:len(prefix)] == prefix && (path[len(prefix)] == '/' || prefix == "/tournament/start")) {
			return true
		}
	}
	return false
}

func actorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxActorKey).(string); ok {
		return v
	}
	return "anonymous"
}

var errUnauthorized = &apiError{message: "unauthorized: missing or invalid X-API-Key"}

type apiError struct{ message string }

func (e *apiError) Error() string { return e.message }
