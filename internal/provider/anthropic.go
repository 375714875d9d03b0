package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/chatos/pkg/models"
)

// AnthropicClient streams completions from the Anthropic Messages API,
// normalized into the shared event sequence.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicClient builds a client. baseURL may be empty for the default
// endpoint.
func NewAnthropicClient(apiKey, baseURL string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicClient{
		client:       anthropic.NewClient(opts...),
		defaultModel: string(anthropic.ModelClaudeSonnet4_20250514),
	}
}

func (c *AnthropicClient) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  convertAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.ReasoningEnabled {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(maxTokens / 2))
	}
	for _, tool := range req.Tools {
		toolParam := anthropic.ToolUnionParamOfTool(anthropicSchema(tool.Parameters), tool.Name)
		if toolParam.OfTool != nil && tool.Description != "" {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, toolParam)
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	events := make(chan StreamEvent)
	go c.pump(stream, events)
	return events, nil
}

func (c *AnthropicClient) pump(stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}, events chan<- StreamEvent) {
	defer close(events)
	defer stream.Close()

	acc := newToolCallAccumulator()
	toolIndex := -1
	var currentTool *models.ToolCall
	var toolInput strings.Builder
	finishReason := ""
	usage := &Usage{}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.PromptTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				toolIndex++
				currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
				d := ToolCallDelta{Index: toolIndex, ID: toolUse.ID, Name: toolUse.Name}
				acc.add(d)
				events <- StreamEvent{Type: EventToolCallDelta, ToolCallDelta: &d}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- StreamEvent{Type: EventContentDelta, Content: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					events <- StreamEvent{Type: EventReasoningDelta, Reasoning: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" && currentTool != nil {
					toolInput.WriteString(delta.PartialJSON)
					d := ToolCallDelta{Index: toolIndex, Arguments: delta.PartialJSON}
					acc.add(d)
					events <- StreamEvent{Type: EventToolCallDelta, ToolCallDelta: &d}
				}
			}

		case "content_block_stop":
			currentTool = nil

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(delta.Usage.OutputTokens)
			}
			if delta.Delta.StopReason != "" {
				finishReason = normalizeAnthropicStop(string(delta.Delta.StopReason))
			}

		case "message_stop":
			events <- StreamEvent{Type: EventUsage, Usage: usage}
			events <- StreamEvent{Type: EventFinish, FinishReason: finishReason, ToolCalls: acc.merged()}
			return

		case "error":
			events <- StreamEvent{Type: EventError, Err: errors.New("anthropic stream error")}
			return
		}
	}
	if err := stream.Err(); err != nil {
		events <- StreamEvent{Type: EventError, Err: err}
		return
	}
	events <- StreamEvent{Type: EventFinish, FinishReason: finishReason, ToolCalls: acc.merged()}
}

// normalizeAnthropicStop maps the Anthropic stop reason onto the chat-style
// vocabulary the orchestrator branches on.
func normalizeAnthropicStop(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_calls"
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	}
	return reason
}

func convertAnthropicMessages(msgs []*models.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if text := msg.Text(); text != "" {
				content = append(content, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(content) > 0 {
				out = append(out, anthropic.NewAssistantMessage(content...))
			}
		default:
			// System entries inside the history collapse into user turns;
			// the top-level system prompt goes through params.System.
			if text := msg.Text(); text != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		}
	}
	return out
}

func anthropicSchema(params map[string]any) anthropic.ToolInputSchemaParam {
	if params == nil {
		return anthropic.ToolInputSchemaParam{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return anthropic.ToolInputSchemaParam{}
	}
	var schema anthropic.ToolInputSchemaParam
	if err := json.Unmarshal(raw, &schema); err != nil {
		return anthropic.ToolInputSchemaParam{}
	}
	return schema
}
