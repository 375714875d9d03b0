package server

import (
	"errors"
	"net/http"

	"github.com/haasonsaas/chatos/internal/review"
	"github.com/haasonsaas/chatos/pkg/models"
)

// handleReviewDecision resolves a pending task review. The waiting turn (or
// its detached waiter) receives the decision through the hub's future.
func (s *Server) handleReviewDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action string             `json:"action"`
		Tasks  []models.TaskDraft `json:"tasks,omitempty"`
		Reason string             `json:"reason,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	reviewID := r.PathValue("id")
	err := s.Reviews.SubmitDecision(reviewID, review.Action(req.Action), req.Tasks, req.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "review_id": reviewID})
	case errors.Is(err, review.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// handleListTasks lists sub-agent jobs as context tasks, optionally filtered
// by session.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	tasks := make([]map[string]any, 0)
	if s.Jobs != nil {
		for _, job := range s.Jobs.List() {
			if sessionID != "" && job.SessionID != sessionID {
				continue
			}
			tasks = append(tasks, map[string]any{
				"id":         job.ID,
				"session_id": job.SessionID,
				"title":      job.Task,
				"agent_id":   job.AgentID,
				"status":     string(job.Status),
				"created_at": job.CreatedAt,
				"updated_at": job.UpdatedAt,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}
