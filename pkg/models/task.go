package models

import (
	"errors"
	"strings"
	"time"
)

// TaskPriority is the urgency of a draft task.
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
)

// TaskStatus is the lifecycle state of a draft task.
type TaskStatus string

const (
	TaskStatusTodo    TaskStatus = "todo"
	TaskStatusDoing   TaskStatus = "doing"
	TaskStatusBlocked TaskStatus = "blocked"
	TaskStatusDone    TaskStatus = "done"
)

// TaskDraft is a task proposed by a tool, pending human confirmation.
type TaskDraft struct {
	Title    string       `json:"title"`
	Details  string       `json:"details,omitempty"`
	Priority TaskPriority `json:"priority,omitempty"`
	Status   TaskStatus   `json:"status,omitempty"`
	Tags     []string     `json:"tags,omitempty"`
	DueAt    *time.Time   `json:"due_at,omitempty"`
}

// ErrEmptyTaskTitle is returned when a draft has no usable title.
var ErrEmptyTaskTitle = errors.New("task title is required")

// Normalize trims the title, applies priority/status defaults, and
// deduplicates tags (trimmed, non-empty, first occurrence wins).
func (d TaskDraft) Normalize() (TaskDraft, error) {
	d.Title = strings.TrimSpace(d.Title)
	if d.Title == "" {
		return d, ErrEmptyTaskTitle
	}
	switch d.Priority {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh:
	default:
		d.Priority = TaskPriorityMedium
	}
	switch d.Status {
	case TaskStatusTodo, TaskStatusDoing, TaskStatusBlocked, TaskStatusDone:
	default:
		d.Status = TaskStatusTodo
	}
	if len(d.Tags) > 0 {
		seen := make(map[string]bool, len(d.Tags))
		tags := make([]string, 0, len(d.Tags))
		for _, t := range d.Tags {
			t = strings.TrimSpace(t)
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			tags = append(tags, t)
		}
		d.Tags = tags
	}
	return d, nil
}

// TaskReview is a pending human-in-the-loop confirmation gate.
type TaskReview struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	TurnID    string        `json:"conversation_turn_id"`
	Drafts    []TaskDraft   `json:"tasks"`
	Timeout   time.Duration `json:"-"`
	CreatedAt time.Time     `json:"created_at"`
}
