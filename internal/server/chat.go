package server

import (
	"net/http"
	"strings"

	"github.com/haasonsaas/chatos/internal/orchestrator"
	"github.com/haasonsaas/chatos/internal/sse"
	"github.com/haasonsaas/chatos/pkg/models"
)

// chatRequest is the shared body of the streaming endpoints. The v3 route
// additionally honors the model override.
type chatRequest struct {
	SessionID        string               `json:"session_id"`
	Content          string               `json:"content"`
	AgentID          string               `json:"agent_id"`
	UserID           string               `json:"user_id,omitempty"`
	Model            string               `json:"model,omitempty"`
	Attachments      []models.ContentPart `json:"attachments,omitempty"`
	ReasoningEnabled bool                 `json:"reasoning_enabled,omitempty"`
	ToolGroupIDs     []string             `json:"tool_group_ids,omitempty"`
	Temperature      float64              `json:"temperature,omitempty"`
	MaxTokens        int                  `json:"max_tokens,omitempty"`
}

func (req *chatRequest) validate() string {
	switch {
	case strings.TrimSpace(req.SessionID) == "":
		return "session_id is required"
	case strings.TrimSpace(req.Content) == "":
		return "content is required"
	case strings.TrimSpace(req.AgentID) == "":
		return "agent_id is required"
	}
	return ""
}

func (s *Server) handleAgentChatStream(w http.ResponseWriter, r *http.Request) {
	s.streamTurn(w, r, false)
}

func (s *Server) handleChatV3Stream(w http.ResponseWriter, r *http.Request) {
	s.streamTurn(w, r, true)
}

// streamTurn validates the request (HTTP 400 before any SSE), then runs the
// turn against an SSE sink. Resolution and stream failures surface as error
// events followed by [DONE]; the HTTP status is already 200 by then.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, allowModelOverride bool) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	sender, err := sse.NewSender(w, s.logger())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sender.Close()
	sender.StartPing()

	turn := &orchestrator.TurnRequest{
		SessionID:          req.SessionID,
		UserID:             req.UserID,
		AgentID:            req.AgentID,
		Content:            req.Content,
		Parts:              req.Attachments,
		ReasoningRequested: req.ReasoningEnabled,
		ToolGroupIDs:       req.ToolGroupIDs,
		Temperature:        req.Temperature,
		MaxTokens:          req.MaxTokens,
	}
	if allowModelOverride {
		turn.ModelOverride = req.Model
	}

	if err := s.Orch.Run(r.Context(), turn, &senderSink{sender: sender}); err != nil {
		s.logger().Warn("turn failed", "session_id", req.SessionID, "error", err)
	}
	sender.SendDone()
}

// handleAbort flags the session's current turn. Idempotent; flagging an idle
// session just pre-aborts the next turn's race window.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	s.Aborts.Abort(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "session_id": req.SessionID})
}

// senderSink adapts the SSE sender to the orchestrator's sink.
type senderSink struct {
	sender *sse.Sender
}

func (s *senderSink) Event(event models.StreamEventType, fields map[string]any) {
	s.sender.SendEvent(string(event), fields)
}

func (s *senderSink) Raw(text string) {
	s.sender.SendRaw(text)
}
