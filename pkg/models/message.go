package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentPart is one element of a multi-part message body. Text parts carry
// Text; image parts carry either a URL or an uploaded file reference.
type ContentPart struct {
	Type   string `json:"type"` // text, image
	Text   string `json:"text,omitempty"`
	URL    string `json:"url,omitempty"`
	FileID string `json:"file_id,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool. Arguments is the
// raw JSON argument string exactly as the provider streamed it; it is passed
// through without coercion.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the outcome of a single tool call.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// IsError reports whether the result carries the error marker in metadata.
func (r ToolResult) IsError() bool {
	if r.Metadata == nil {
		return false
	}
	v, ok := r.Metadata["error"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Message is a single conversation entry. Content holds plain text; Parts,
// when non-empty, holds the ordered typed parts instead (text and image).
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Parts      []ContentPart  `json:"parts,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`

	// Seq is the repository insertion order, used to keep ordering stable
	// when two messages share a creation timestamp.
	Seq int64 `json:"-"`
}

// Text returns the textual content of the message, flattening parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	if len(m.Parts) == 0 {
		return m.Content
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == "text" && p.Text != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ToolCallsJSON serializes the tool call array, used for token estimation
// and persistence.
func (m *Message) ToolCallsJSON() string {
	if len(m.ToolCalls) == 0 {
		return ""
	}
	data, err := json.Marshal(m.ToolCalls)
	if err != nil {
		return ""
	}
	return string(data)
}
