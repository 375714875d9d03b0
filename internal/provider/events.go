// Package provider normalizes LLM streaming APIs into a single event
// sequence. Two wire shapes are supported: chat-style (messages with
// role/content/tool_calls) and response-style (typed input items with
// previous_response_id chaining).
package provider

import (
	"context"
	"sort"

	"github.com/haasonsaas/chatos/pkg/models"
)

// EventType tags one normalized stream event.
type EventType string

const (
	EventContentDelta   EventType = "content_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventToolCallDelta  EventType = "tool_call_delta"
	EventFinish         EventType = "finish"
	EventUsage          EventType = "usage"
	EventError          EventType = "error"
)

// ToolCallDelta is one streamed fragment of a tool call. Fragments for the
// same call share an index; name and argument pieces are concatenated.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Usage reports token counts when the provider sends them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// StreamEvent is one element of the normalized provider stream. Exactly one
// payload field is set, selected by Type. Finish carries the merged,
// index-sorted tool-call list.
type StreamEvent struct {
	Type          EventType
	Content       string
	Reasoning     string
	ToolCallDelta *ToolCallDelta
	FinishReason  string
	ToolCalls     []models.ToolCall
	Usage         *Usage
	ResponseID    string
	Err           error
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is a single provider invocation.
type Request struct {
	Model       string
	System      string
	Messages    []*models.Message
	Tools       []ToolDef
	Temperature float64
	MaxTokens   int

	// ReasoningEnabled asks for a reasoning trace; ReasoningEffort maps to
	// the provider's effort knob when set.
	ReasoningEnabled bool
	ReasoningEffort  string

	// PreviousResponseID chains response-style calls statefully. Ignored by
	// chat-style clients.
	PreviousResponseID string

	// ChainedMessages holds only the messages newer than the chained
	// response; the server already has everything before them. Messages stays
	// complete so a broken chain can replay in full.
	ChainedMessages []*models.Message
}

// Client streams one completion. The returned channel is closed after a
// finish or error event; errors after stream start arrive as EventError.
type Client interface {
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}

// toolCallAccumulator merges streamed tool-call fragments by index.
type toolCallAccumulator struct {
	calls map[int]*models.ToolCall
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: map[int]*models.ToolCall{}}
}

func (a *toolCallAccumulator) add(d ToolCallDelta) {
	tc := a.calls[d.Index]
	if tc == nil {
		tc = &models.ToolCall{}
		a.calls[d.Index] = tc
	}
	if d.ID != "" {
		tc.ID = d.ID
	}
	tc.Name += d.Name
	tc.Arguments += d.Arguments
}

func (a *toolCallAccumulator) empty() bool { return len(a.calls) == 0 }

// merged returns the accumulated calls sorted by stream index, dropping
// fragments that never received an id or name.
func (a *toolCallAccumulator) merged() []models.ToolCall {
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	out := make([]models.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		tc := a.calls[i]
		if tc.ID == "" || tc.Name == "" {
			continue
		}
		out = append(out, *tc)
	}
	return out
}
