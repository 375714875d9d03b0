package models

// ThinkingLevel controls reasoning effort on providers that support it.
// Valid only for provider "gpt".
type ThinkingLevel string

const (
	ThinkingNone    ThinkingLevel = "none"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

// ValidThinkingLevel reports whether the level is one of the closed set.
func ValidThinkingLevel(l ThinkingLevel) bool {
	switch l {
	case ThinkingNone, ThinkingMinimal, ThinkingLow, ThinkingMedium, ThinkingHigh, ThinkingXHigh:
		return true
	}
	return false
}

// ModelConfig describes one LLM endpoint.
type ModelConfig struct {
	ID                string        `json:"id" yaml:"id"`
	Provider          string        `json:"provider" yaml:"provider"` // gpt, claude, ...
	Model             string        `json:"model" yaml:"model"`
	APIKey            string        `json:"api_key,omitempty" yaml:"api_key"`
	BaseURL           string        `json:"base_url,omitempty" yaml:"base_url"`
	SupportsImages    bool          `json:"supports_images" yaml:"supports_images"`
	SupportsReasoning bool          `json:"supports_reasoning" yaml:"supports_reasoning"`
	SupportsResponses bool          `json:"supports_responses" yaml:"supports_responses"`
	ThinkingLevel     ThinkingLevel `json:"thinking_level,omitempty" yaml:"thinking_level"`
	Enabled           bool          `json:"enabled" yaml:"enabled"`
}

// Agent binds a model config, system context, and tool groups into a named
// assistant.
type Agent struct {
	ID              string   `json:"id" yaml:"id"`
	ModelConfigID   string   `json:"model_config_id" yaml:"model_config_id"`
	SystemContextID string   `json:"system_context_id,omitempty" yaml:"system_context_id"`
	SystemPrompt    string   `json:"system_prompt,omitempty" yaml:"system_prompt"`
	UserID          string   `json:"user_id,omitempty" yaml:"user_id"`
	ToolGroupIDs    []string `json:"tool_group_ids,omitempty" yaml:"tool_group_ids"`
	Workspace       string   `json:"workspace,omitempty" yaml:"workspace"`
	Enabled         bool     `json:"enabled" yaml:"enabled"`
}

// ToolGroupKind selects the tool backend transport.
type ToolGroupKind string

const (
	ToolGroupHTTP    ToolGroupKind = "http"
	ToolGroupStdio   ToolGroupKind = "stdio"
	ToolGroupBuiltin ToolGroupKind = "builtin"
)

// BuiltinIDPrefix marks tool-group ids resolved to in-process handlers.
const BuiltinIDPrefix = "builtin_"

// ToolGroup configures one tool backend (an MCP-style server or a builtin).
type ToolGroup struct {
	ID      string            `json:"id" yaml:"id"`
	Kind    ToolGroupKind     `json:"kind" yaml:"kind"`
	Command string            `json:"command,omitempty" yaml:"command"`
	URL     string            `json:"url,omitempty" yaml:"url"`
	Args    []string          `json:"args,omitempty" yaml:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
	Cwd     string            `json:"cwd,omitempty" yaml:"cwd"`
	UserID  string            `json:"user_id,omitempty" yaml:"user_id"`
	Enabled bool              `json:"enabled" yaml:"enabled"`
}
