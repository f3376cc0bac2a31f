package opsaudit

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/auditflow/deploywatch/pkg/authz"
)

// responseCapture wraps http.ResponseWriter to capture the status code.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Middleware records an event for every mutating API call. It wraps the
// ResponseWriter to capture the status code, then records the event after
// the handler completes. Writes are best effort and never fail the request.
func Middleware(store *Store, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || !shouldRecord(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			capture := &responseCapture{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(capture, r)

			actor := authz.ActorFromContext(r.Context())
			requestID := middleware.GetReqID(r.Context())

			event := &Event{
				Actor:     actor.User,
				Role:      string(actor.Role),
				Action:    actionVerb(r.Method, r.URL.Path),
				Resource:  r.URL.Path,
				Outcome:   outcomeFromStatus(capture.statusCode),
				Status:    capture.statusCode,
				RequestID: requestID,
			}

			if err := store.Record(r.Context(), event); err != nil {
				logger.Error("failed to write ops audit event", "error", err, "requestID", requestID)
			}
		})
	}
}

// outcomeFromStatus maps HTTP status codes to audit outcomes.
func outcomeFromStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "success"
	case code == http.StatusForbidden:
		return "denied"
	default:
		return "failure"
	}
}

// shouldRecord returns true if the request is a mutating API call.
// Pure browsing (GET) and health endpoints are never recorded.
func shouldRecord(method, path string) bool {
	if !strings.HasPrefix(path, "/api/") {
		return false
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// actionVerb returns a human-readable action name from the method and path.
func actionVerb(method, path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for _, p := range parts {
		switch p {
		case "verify":
			return "verify"
		case "manual-approval":
			return "manual-approval"
		case "resolve":
			return "resolve-alert"
		case "approve":
			return "approve-association"
		case "sync":
			return "sync"
		case "notifications":
			return "configure-notifications"
		}
	}
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut:
		return "update"
	case http.MethodPatch:
		return "patch"
	case http.MethodDelete:
		return "delete"
	default:
		return strings.ToLower(method)
	}
}
