// Package api provides the staff HTTP API for the CK service.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readTimeout bounds the read-only routes. Mutating CK routes are bounded per
// step by the service instead.
const readTimeout = 30 * time.Second

// Server is the staff HTTP API server.
type Server struct {
	ck             *CKAPI
	token          string
	metricsEnabled bool
	log            *slog.Logger
}

// NewServer creates a new API server. Requests to /api/ck must carry
// token as a bearer credential; an empty token disables those routes.
func NewServer(ck *CKAPI, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ck: ck, token: token, log: logger.With("component", "api")}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	if s.ck != nil {
		r.Route("/api/ck", func(r chi.Router) {
			r.Use(s.bearerAuth)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(readTimeout))
				r.Get("/stats", s.ck.HandleStats)
				r.Get("/users/{userID}/history", s.ck.HandleHistory)
				r.Get("/users/{userID}/transactions", s.ck.HandleTransactions)
				r.Get("/records/{id}", s.ck.HandleRecord)
			})

			// No HTTP deadline: a confirmed CK runs every step to completion
			r.Post("/apply", s.ck.HandleApply)
			r.Post("/users/{userID}/revert", s.ck.HandleRevert)
			r.Post("/records/{id}/resume", s.ck.HandleResume)
		})
	}

	return r
}

// bearerAuth rejects requests without the configured token.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			writeError(w, http.StatusServiceUnavailable, "api token not configured")
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		level := slog.LevelDebug
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.log.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}
