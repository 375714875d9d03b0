package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/chatos/pkg/models"
)

// ChatClient speaks the chat-completions wire shape.
type ChatClient struct {
	client     *openai.Client
	maxRetries int
	retryDelay time.Duration
}

// NewChatClient builds a client against the given endpoint. baseURL may be
// empty for the provider default.
func NewChatClient(apiKey, baseURL string) *ChatClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &ChatClient{
		client:     openai.NewClientWithConfig(cfg),
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

func (c *ChatClient) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if c.client == nil {
		return nil, errors.New("chat client not configured")
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertChatMessages(req.System, req.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.ReasoningEnabled && req.ReasoningEffort != "" {
		chatReq.ReasoningEffort = req.ReasoningEffort
	}
	for _, tool := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = c.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryable(lastErr) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
	}

	events := make(chan StreamEvent)
	go c.pump(ctx, stream, events)
	return events, nil
}

func (c *ChatClient) pump(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- StreamEvent) {
	defer close(events)
	defer stream.Close()

	acc := newToolCallAccumulator()
	finishReason := ""
	var usage *Usage

	for {
		select {
		case <-ctx.Done():
			events <- StreamEvent{Type: EventError, Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if usage != nil {
					events <- StreamEvent{Type: EventUsage, Usage: usage}
				}
				events <- StreamEvent{Type: EventFinish, FinishReason: finishReason, ToolCalls: acc.merged()}
				return
			}
			events <- StreamEvent{Type: EventError, Err: err}
			return
		}

		if resp.Usage != nil {
			usage = &Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			events <- StreamEvent{Type: EventContentDelta, Content: delta.Content}
		}
		if delta.ReasoningContent != "" {
			events <- StreamEvent{Type: EventReasoningDelta, Reasoning: delta.ReasoningContent}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			d := ToolCallDelta{
				Index:     index,
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			}
			acc.add(d)
			events <- StreamEvent{Type: EventToolCallDelta, ToolCallDelta: &d}
		}
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}
	}
}

// convertChatMessages renders the stored history in the chat wire shape.
// Tool messages carry their tool_call_id; assistant messages carry their
// tool-call array.
func convertChatMessages(system string, msgs []*models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range msgs {
		m := openai.ChatCompletionMessage{Role: string(msg.Role)}
		switch msg.Role {
		case models.RoleTool:
			m.Content = msg.Content
			m.ToolCallID = msg.ToolCallID
		case models.RoleAssistant:
			m.Content = msg.Text()
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		default:
			if parts := imageParts(msg); parts != nil {
				m.MultiContent = parts
			} else {
				m.Content = msg.Text()
			}
		}
		out = append(out, m)
	}
	return out
}

// imageParts converts a multi-part message to the vision content format, or
// returns nil when the message is text-only.
func imageParts(msg *models.Message) []openai.ChatMessagePart {
	hasImage := false
	for _, p := range msg.Parts {
		if p.Type == "image" {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return nil
	}
	out := make([]openai.ChatMessagePart, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				out = append(out, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			}
		case "image":
			detail := openai.ImageURLDetail(p.Detail)
			if detail == "" {
				detail = openai.ImageURLDetailAuto
			}
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    p.URL,
					Detail: detail,
				},
			})
		}
	}
	return out
}

// isRetryable classifies transient failures worth another attempt: rate
// limits, 5xx, and timeouts. Context overflow is deliberately excluded; the
// orchestrator handles it by compacting, not retrying.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
