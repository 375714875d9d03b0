// Package review implements the synchronous rendezvous between a tool that
// proposes tasks and the user who must confirm them. The proposing turn
// blocks on a one-shot future until a decision arrives over HTTP or the
// review times out.
package review

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatos/pkg/models"
)

const (
	minTimeout = 10 * time.Second
	maxTimeout = 24 * time.Hour
)

var (
	// ErrTimeout is delivered to the waiter when no decision arrives.
	ErrTimeout = errors.New("review_timeout")
	// ErrNotFound is returned for decisions on unknown or resolved reviews.
	ErrNotFound = errors.New("review not found")
	// ErrEmptyConfirm rejects a confirm decision with no tasks.
	ErrEmptyConfirm = errors.New("confirm requires at least one task")
)

// Action is the user's decision kind.
type Action string

const (
	ActionConfirm Action = "confirm"
	ActionCancel  Action = "cancel"
)

// Decision is the resolved outcome delivered to the waiting turn. Confirm
// carries the normalized task list; cancel carries an empty list and an
// optional reason.
type Decision struct {
	Action Action             `json:"action"`
	Tasks  []models.TaskDraft `json:"tasks"`
	Reason string             `json:"reason,omitempty"`
}

// Future resolves exactly once with the decision.
type Future <-chan Decision

// Hub is the guarded map of pending reviews.
type Hub struct {
	mu      sync.Mutex
	pending map[string]chan Decision
}

func NewHub() *Hub {
	return &Hub{pending: map[string]chan Decision{}}
}

// Create registers a review for the given drafts and returns the payload to
// surface to the client plus the future the turn will wait on. The timeout
// is clamped to [10s, 24h].
func (h *Hub) Create(sessionID, turnID string, drafts []models.TaskDraft, timeout time.Duration) (*models.TaskReview, Future) {
	if timeout < minTimeout {
		timeout = minTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	review := &models.TaskReview{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TurnID:    turnID,
		Drafts:    drafts,
		Timeout:   timeout,
		CreatedAt: time.Now(),
	}
	ch := make(chan Decision, 1)
	h.mu.Lock()
	h.pending[review.ID] = ch
	h.mu.Unlock()
	return review, ch
}

// SubmitDecision resolves a pending review. On confirm, tasks may override
// the original drafts but must be non-empty; every task is normalized before
// delivery. On cancel, the waiter receives an empty list and the reason.
func (h *Hub) SubmitDecision(reviewID string, action Action, tasks []models.TaskDraft, reason string) error {
	var decision Decision
	switch action {
	case ActionConfirm:
		if len(tasks) == 0 {
			return ErrEmptyConfirm
		}
		normalized := make([]models.TaskDraft, 0, len(tasks))
		for _, task := range tasks {
			n, err := task.Normalize()
			if err != nil {
				return err
			}
			normalized = append(normalized, n)
		}
		decision = Decision{Action: ActionConfirm, Tasks: normalized}
	case ActionCancel:
		decision = Decision{Action: ActionCancel, Tasks: []models.TaskDraft{}, Reason: reason}
	default:
		return errors.New("unknown review action")
	}

	h.mu.Lock()
	ch, ok := h.pending[reviewID]
	if ok {
		delete(h.pending, reviewID)
	}
	h.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	ch <- decision
	return nil
}

// Wait blocks until the future resolves, the timeout elapses, or ctx is
// cancelled. On timeout the pending entry is removed so a late decision
// gets ErrNotFound instead of a leaked channel.
func (h *Hub) Wait(ctx context.Context, reviewID string, future Future, timeout time.Duration) (Decision, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-future:
		return decision, nil
	case <-timer.C:
		h.drop(reviewID)
		return Decision{}, ErrTimeout
	case <-ctx.Done():
		h.drop(reviewID)
		return Decision{}, ctx.Err()
	}
}

func (h *Hub) drop(reviewID string) {
	h.mu.Lock()
	delete(h.pending, reviewID)
	h.mu.Unlock()
}

// Pending reports whether a review is still awaiting a decision.
func (h *Hub) Pending(reviewID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[reviewID]
	return ok
}
