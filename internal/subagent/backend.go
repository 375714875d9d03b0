package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/chatos/internal/orchestrator"
	"github.com/haasonsaas/chatos/internal/review"
	"github.com/haasonsaas/chatos/internal/tools"
	"github.com/haasonsaas/chatos/pkg/models"
)

// GroupID is the builtin tool-group id the router registers under.
const GroupID = models.BuiltinIDPrefix + "sub_agent_router"

const defaultReviewTimeout = 5 * time.Minute

// Backend exposes the router as builtin tools: run_sub_agent executes a job
// synchronously, list_sub_agents inspects the catalog, and suggest_sub_agent
// proposes tasks behind a human review gate.
type Backend struct {
	Router  *Router
	Reviews *review.Hub

	// ReviewTimeout bounds how long a suggested-task review stays open.
	ReviewTimeout time.Duration

	Logger *slog.Logger
}

// NewFactory returns the builtin factory to register under GroupID.
func NewFactory(router *Router, reviews *review.Hub, logger *slog.Logger) tools.BuiltinFactory {
	return func(*models.ToolGroup) (tools.Backend, error) {
		return &Backend{Router: router, Reviews: reviews, Logger: logger}, nil
	}
}

func (b *Backend) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

func (b *Backend) ListTools(context.Context) ([]tools.Spec, error) {
	specs := []tools.Spec{
		{
			Name:        "run_sub_agent",
			Description: "Delegate a task to a specialized sub-agent and wait for its result.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent_id":        map[string]any{"type": "string", "description": "Exact agent id; omit to auto-select."},
					"query":           map[string]any{"type": "string", "description": "What the task is about, used for agent selection."},
					"category":        map[string]any{"type": "string"},
					"skills":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"input":           map[string]any{"type": "string", "description": "The task text handed to the agent."},
					"timeout_seconds": map[string]any{"type": "integer", "minimum": 1},
				},
				"required": []any{"input"},
			},
		},
		{
			Name:        "list_sub_agents",
			Description: "List the available sub-agents and their skills.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
	if b.Reviews != nil {
		specs = append(specs, tools.Spec{
			Name:        "suggest_sub_agent",
			Description: "Propose follow-up tasks for sub-agents; the user must confirm before anything runs.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Why these tasks are being proposed."},
					"tasks": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"title":    map[string]any{"type": "string"},
								"details":  map[string]any{"type": "string"},
								"priority": map[string]any{"type": "string", "enum": []any{"low", "medium", "high"}},
							},
							"required": []any{"title"},
						},
					},
				},
			},
		})
	}
	return specs, nil
}

func (b *Backend) CallTool(ctx context.Context, name string, arguments string) (string, error) {
	switch name {
	case "run_sub_agent":
		return b.runSubAgent(ctx, arguments)
	case "list_sub_agents":
		return b.listSubAgents()
	case "suggest_sub_agent":
		return b.suggestSubAgent(ctx, arguments)
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func (b *Backend) Close() error { return nil }

func (b *Backend) runSubAgent(ctx context.Context, arguments string) (string, error) {
	var req ExecuteRequest
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &req); err != nil {
			return "", fmt.Errorf("parse arguments: %w", err)
		}
	}
	if req.Input == "" {
		return "", fmt.Errorf("input is required")
	}
	info := tools.TurnInfoFrom(ctx)
	req.SessionID = info.SessionID
	req.RunID = info.TurnID
	req.UserID = info.UserID
	// Mirror job progress onto the calling turn's stream when one is attached.
	return b.Router.Execute(ctx, req, orchestrator.SinkFrom(ctx))
}

func (b *Backend) listSubAgents() (string, error) {
	out := map[string]any{
		"agents": b.Router.Catalog.Agents(),
		"skills": b.Router.Catalog.Skills(),
	}
	return jsonMarshal(out)
}

// suggestSubAgent registers a review for the proposed tasks and returns the
// review-required payload. The orchestrator re-emits it raw so the client
// can open the review panel; the decision arrives later over HTTP and, on
// confirm, queues one job per task.
func (b *Backend) suggestSubAgent(ctx context.Context, arguments string) (string, error) {
	if b.Reviews == nil {
		return "", fmt.Errorf("task review is not configured")
	}
	var args struct {
		Query string             `json:"query"`
		Tasks []models.TaskDraft `json:"tasks"`
	}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("parse arguments: %w", err)
		}
	}
	if len(args.Tasks) == 0 {
		if args.Query == "" {
			return "", fmt.Errorf("either tasks or query is required")
		}
		args.Tasks = []models.TaskDraft{{Title: args.Query}}
	}
	drafts := make([]models.TaskDraft, 0, len(args.Tasks))
	for _, task := range args.Tasks {
		n, err := task.Normalize()
		if err != nil {
			return "", err
		}
		drafts = append(drafts, n)
	}

	info := tools.TurnInfoFrom(ctx)
	timeout := b.ReviewTimeout
	if timeout <= 0 {
		timeout = defaultReviewTimeout
	}
	rv, future := b.Reviews.Create(info.SessionID, info.TurnID, drafts, timeout)

	// The decision outlives the proposing turn; wait off to the side and
	// queue the confirmed tasks as jobs.
	go b.awaitDecision(rv, future)

	return jsonMarshal(map[string]any{
		"event":                string(models.EventTaskReviewRequired),
		"review_id":            rv.ID,
		"session_id":           rv.SessionID,
		"conversation_turn_id": rv.TurnID,
		"tasks":                rv.Drafts,
		"timeout_seconds":      int(rv.Timeout / time.Second),
	})
}

func (b *Backend) awaitDecision(rv *models.TaskReview, future review.Future) {
	decision, err := b.Reviews.Wait(context.Background(), rv.ID, future, rv.Timeout)
	if err != nil {
		b.logger().Info("task review expired", "review_id", rv.ID, "error", err)
		return
	}
	if decision.Action != review.ActionConfirm {
		b.logger().Info("task review cancelled", "review_id", rv.ID, "reason", decision.Reason)
		return
	}
	for _, task := range decision.Tasks {
		payload, _ := jsonMarshal(task)
		job := b.Router.Jobs.Create(rv.SessionID, rv.TurnID, task.Title, payload)
		b.logger().Info("queued confirmed sub-agent task",
			"review_id", rv.ID, "job_id", job.ID, "title", task.Title)
	}
}

func jsonMarshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
