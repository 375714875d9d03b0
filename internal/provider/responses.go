package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/chatos/pkg/models"
)

// ResponsesClient speaks the response-style wire shape: typed input items
// instead of chat messages, with optional stateful chaining through
// previous_response_id. The SDK lacks this surface, so the client drives the
// SSE exchange directly.
type ResponsesClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	// AllowPreviousID gates previous_response_id. Proxies that do not hold
	// response state reject the field, so it stays off unless the deployment
	// opts in.
	AllowPreviousID bool
}

// NewResponsesClient builds a response-style client.
func NewResponsesClient(apiKey, baseURL string) *ResponsesClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &ResponsesClient{
		apiKey:  apiKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
	}
}

type responsesRequest struct {
	Model              string         `json:"model"`
	Input              []any          `json:"input"`
	Instructions       string         `json:"instructions,omitempty"`
	Tools              []any          `json:"tools,omitempty"`
	Temperature        *float64       `json:"temperature,omitempty"`
	MaxOutputTokens    int            `json:"max_output_tokens,omitempty"`
	PreviousResponseID string         `json:"previous_response_id,omitempty"`
	Reasoning          map[string]any `json:"reasoning,omitempty"`
	Stream             bool           `json:"stream"`
}

func (c *ResponsesClient) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if c.apiKey == "" {
		return nil, errors.New("responses client not configured")
	}

	body := c.buildRequest(req, false)
	resp, err := c.post(ctx, body)
	if err == nil {
		events := make(chan StreamEvent)
		go c.pump(resp.Body, events)
		return events, nil
	}

	// Two recoverable rejections, each retried exactly once: a stale
	// previous_response_id (drop the chain, replay full input) and an
	// input_text schema mismatch from non-conforming proxies (flatten
	// content parts to plain text).
	switch {
	case isInvalidPreviousResponseID(err) && body.PreviousResponseID != "":
		body.PreviousResponseID = ""
		body.Input = c.buildInput(req.Messages, false)
	case isInputTextSchemaMismatch(err):
		body = c.buildRequest(req, true)
	default:
		return nil, err
	}
	resp, err = c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	events := make(chan StreamEvent)
	go c.pump(resp.Body, events)
	return events, nil
}

func (c *ResponsesClient) buildRequest(req *Request, plainText bool) *responsesRequest {
	out := &responsesRequest{
		Model:        req.Model,
		Instructions: req.System,
		Stream:       true,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	if req.MaxTokens > 0 {
		out.MaxOutputTokens = req.MaxTokens
	}
	if req.ReasoningEnabled {
		effort := req.ReasoningEffort
		if effort == "" {
			effort = "medium"
		}
		out.Reasoning = map[string]any{"effort": effort, "summary": "auto"}
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, map[string]any{
			"type":        "function",
			"name":        tool.Name,
			"description": tool.Description,
			"parameters":  tool.Parameters,
		})
	}

	if c.AllowPreviousID && req.PreviousResponseID != "" && len(req.ChainedMessages) > 0 {
		// Stateful chain: the server replays everything before the chained
		// response, so only the newer items go on the wire.
		out.PreviousResponseID = req.PreviousResponseID
		out.Input = c.buildInput(req.ChainedMessages, plainText)
		return out
	}
	out.Input = c.buildInput(req.Messages, plainText)
	return out
}

// buildInput renders history as typed input items. plainText collapses part
// lists into bare strings for proxies that reject the input_text schema.
func (c *ResponsesClient) buildInput(msgs []*models.Message, plainText bool) []any {
	var items []any
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleTool:
			items = append(items, map[string]any{
				"type":    "function_call_output",
				"call_id": msg.ToolCallID,
				"output":  msg.Content,
			})
		case models.RoleAssistant:
			if text := msg.Text(); text != "" {
				items = append(items, responseMessage("assistant", text, nil, "output_text", plainText))
			}
			for _, tc := range msg.ToolCalls {
				items = append(items, map[string]any{
					"type":      "function_call",
					"call_id":   tc.ID,
					"name":      tc.Name,
					"arguments": tc.Arguments,
				})
			}
		default:
			role := string(msg.Role)
			items = append(items, responseMessage(role, msg.Text(), msg.Parts, "input_text", plainText))
		}
	}
	return items
}

func responseMessage(role, text string, parts []models.ContentPart, textType string, plainText bool) map[string]any {
	if plainText || len(parts) == 0 {
		return map[string]any{
			"type":    "message",
			"role":    role,
			"content": text,
		}
	}
	var content []any
	for _, p := range parts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				content = append(content, map[string]any{"type": textType, "text": p.Text})
			}
		case "image":
			img := map[string]any{"type": "input_image"}
			if p.URL != "" {
				img["image_url"] = p.URL
			}
			if p.FileID != "" {
				img["file_id"] = p.FileID
			}
			if p.Detail != "" {
				img["detail"] = p.Detail
			}
			content = append(content, img)
		}
	}
	return map[string]any{
		"type":    "message",
		"role":    role,
		"content": content,
	}
}

func (c *ResponsesClient) post(ctx context.Context, body *responsesRequest) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &apiError{status: resp.StatusCode, body: string(raw)}
	}
	return resp, nil
}

// apiError preserves the raw error body so overflow and schema patterns can
// be matched upstream.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("responses api: status %d: %s", e.status, e.body)
}

func isInvalidPreviousResponseID(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	body := strings.ToLower(ae.body)
	return strings.Contains(body, "previous_response_id") &&
		(strings.Contains(body, "not found") || strings.Contains(body, "invalid"))
}

func isInputTextSchemaMismatch(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	body := strings.ToLower(ae.body)
	return strings.Contains(body, "input_text") ||
		(strings.Contains(body, "input") && strings.Contains(body, "invalid type") && strings.Contains(body, "content"))
}

// responsesStreamEvent is the union of fields across the SSE event types the
// pump cares about.
type responsesStreamEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Item  struct {
		Type      string `json:"type"`
		ID        string `json:"id"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"item"`
	OutputIndex int `json:"output_index"`
	Response    struct {
		ID    string `json:"id"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *ResponsesClient) pump(body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	acc := newToolCallAccumulator()
	// output_index of function_call items -> accumulator index, assigned in
	// arrival order so merged() sorts stably.
	indexByOutput := map[int]int{}
	finishReason := "stop"
	responseID := ""
	var usage *Usage

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var ev responsesStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "response.output_text.delta":
			if ev.Delta != "" {
				events <- StreamEvent{Type: EventContentDelta, Content: ev.Delta}
			}

		case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
			if ev.Delta != "" {
				events <- StreamEvent{Type: EventReasoningDelta, Reasoning: ev.Delta}
			}

		case "response.output_item.added":
			if ev.Item.Type == "function_call" {
				idx := len(indexByOutput)
				indexByOutput[ev.OutputIndex] = idx
				d := ToolCallDelta{Index: idx, ID: ev.Item.CallID, Name: ev.Item.Name}
				acc.add(d)
				events <- StreamEvent{Type: EventToolCallDelta, ToolCallDelta: &d}
				finishReason = "tool_calls"
			}

		case "response.function_call_arguments.delta":
			if idx, ok := indexByOutput[ev.OutputIndex]; ok && ev.Delta != "" {
				d := ToolCallDelta{Index: idx, Arguments: ev.Delta}
				acc.add(d)
				events <- StreamEvent{Type: EventToolCallDelta, ToolCallDelta: &d}
			}

		case "response.completed":
			responseID = ev.Response.ID
			usage = &Usage{
				PromptTokens:     ev.Response.Usage.InputTokens,
				CompletionTokens: ev.Response.Usage.OutputTokens,
			}

		case "response.failed":
			msg := "response failed"
			if ev.Response.Error != nil {
				msg = ev.Response.Error.Message
			}
			events <- StreamEvent{Type: EventError, Err: errors.New(msg)}
			return

		case "error":
			msg := "stream error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			events <- StreamEvent{Type: EventError, Err: errors.New(msg)}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		events <- StreamEvent{Type: EventError, Err: err}
		return
	}
	if usage != nil {
		events <- StreamEvent{Type: EventUsage, Usage: usage}
	}
	events <- StreamEvent{Type: EventFinish, FinishReason: finishReason, ToolCalls: acc.merged(), ResponseID: responseID}
}
