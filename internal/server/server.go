// Package server exposes the HTTP surface: the streaming chat endpoints,
// the CRUD API the UI drives, the task-review decision route, and the
// health/metrics endpoints.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/chatos/internal/abort"
	"github.com/haasonsaas/chatos/internal/config"
	"github.com/haasonsaas/chatos/internal/observability"
	"github.com/haasonsaas/chatos/internal/orchestrator"
	"github.com/haasonsaas/chatos/internal/review"
	"github.com/haasonsaas/chatos/internal/store"
	"github.com/haasonsaas/chatos/internal/subagent"
)

// Version is reported by the root metadata endpoint.
const Version = "0.1.0"

// Server wires the HTTP handlers to the domain services.
type Server struct {
	Store   store.Store
	Orch    *orchestrator.Orchestrator
	Aborts  *abort.Registry
	Reviews *review.Hub
	Jobs    *subagent.JobStore
	Cfg     *config.Config
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Handler builds the route table with CORS and metrics middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/agent_v3/agents/chat/stream", s.handleAgentChatStream)
	mux.HandleFunc("POST /api/v2/chat/stream", s.handleAgentChatStream)
	mux.HandleFunc("POST /api/chat/v3/stream", s.handleChatV3Stream)
	mux.HandleFunc("POST /api/chat/abort", s.handleAbort)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("PUT /api/sessions/{id}", s.handleRenameSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)

	mux.HandleFunc("GET /api/messages", s.handleListMessages)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handlePutAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)

	mux.HandleFunc("GET /api/user-settings", s.handleGetUserSettings)
	mux.HandleFunc("PUT /api/user-settings", s.handlePutUserSettings)
	mux.HandleFunc("GET /api/session-summary-job-config", s.handleGetSummaryJobConfig)
	mux.HandleFunc("PUT /api/session-summary-job-config", s.handlePutSummaryJobConfig)

	mux.HandleFunc("POST /api/task-manager/reviews/{id}/decision", s.handleReviewDecision)
	mux.HandleFunc("GET /api/task-manager/tasks", s.handleListTasks)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.cors(s.measure(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "chatos",
		"version": Version,
	})
}

// cors applies the configured origin policy and answers preflights.
func (s *Server) cors(next http.Handler) http.Handler {
	origins := []string{"*"}
	if s.Cfg != nil && len(s.Cfg.CORSOrigins) > 0 {
		origins = s.Cfg.CORSOrigins
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowed := matchOrigin(origins, origin); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func matchOrigin(allowed []string, origin string) string {
	for _, o := range allowed {
		if o == "*" {
			return "*"
		}
		if o == origin {
			return origin
		}
	}
	return ""
}

// measure records request counts and latency. The wrapper keeps http.Flusher
// so streaming endpoints still flush.
func (s *Server) measure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.Metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeStoreError maps repository errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	return dec.Decode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
