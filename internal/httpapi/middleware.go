package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/dbcast/pkg/authz"
	"github.com/rmacdonaldsmith/dbcast/pkg/dispatcher"
)

// ContextKey type for context keys to avoid collisions
type ContextKey string

// SubjectKey is the context key for the authenticated subject
const SubjectKey ContextKey = "subject"

// Middleware provides HTTP middleware functions
type Middleware struct {
	verifier   dispatcher.IdentityVerifier
	corsOrigin string
	log        *zap.Logger
}

// NewMiddleware creates a new middleware instance
func NewMiddleware(verifier dispatcher.IdentityVerifier, corsOrigin string, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{verifier: verifier, corsOrigin: corsOrigin, log: logger}
}

// AuthRequired rejects requests without a valid bearer token and stores the
// subject in the request context.
func (m *Middleware) AuthRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, "Authentication token required", http.StatusUnauthorized)
			return
		}

		subject, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			m.log.Info("http authentication failed", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, "Invalid authentication token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), SubjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminRequired requires an admin subject. It must run after AuthRequired.
func (m *Middleware) AdminRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := GetSubject(r)
		if !ok {
			writeError(w, "Authentication token required", http.StatusUnauthorized)
			return
		}
		if !subject.IsAdmin() {
			writeError(w, "Admin privileges required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// PublisherRequired requires an admin or publisher subject. It must run
// after AuthRequired.
func (m *Middleware) PublisherRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, ok := GetSubject(r)
		if !ok {
			writeError(w, "Authentication token required", http.StatusUnauthorized)
			return
		}
		if !subject.CanPublish() {
			writeError(w, "Publisher privileges required to publish events", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CORS adds CORS headers for the configured origin and answers preflights.
func (m *Middleware) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := m.corsOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if origin != "*" {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ContentType sets the content type to JSON
func (m *Middleware) ContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Logging logs each request with its status and latency.
func (m *Middleware) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		m.log.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		)
	})
}

// Recovery recovers from panics and returns a 500 error
func (m *Middleware) Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				m.log.Error("panic in handler", zap.Any("panic", rec), zap.String("path", r.URL.Path), zap.Stack("stack"))
				writeError(w, "Internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Helper functions

// extractToken extracts the token from the Authorization header
func extractToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
}

// writeError writes an error response as JSON
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// writeDispatchError renders a dispatcher error with the status its kind maps to.
func writeDispatchError(w http.ResponseWriter, err error) {
	status := dispatcher.HTTPStatus(err)
	body := dispatcher.NewErrorPayload(err).Error
	writeJSON(w, ErrorResponse{
		Error:   http.StatusText(status),
		Message: body.Message,
		Code:    status,
		Kind:    body.Kind,
		Details: body.Details,
	}, status)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// GetSubject returns the authenticated subject from the request context
func GetSubject(r *http.Request) (authz.Subject, bool) {
	s, ok := r.Context().Value(SubjectKey).(authz.Subject)
	return s, ok
}
