package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/chatos/pkg/models"
)

const httpCallTimeout = 120 * time.Second

// HTTPBackend speaks JSON to a tool server at a per-group base URL:
// POST /list_tools and POST /call_tool.
type HTTPBackend struct {
	baseURL string
	headers map[string]string
	client  *http.Client
}

func NewHTTPBackend(group *models.ToolGroup) *HTTPBackend {
	return &HTTPBackend{
		baseURL: strings.TrimRight(group.URL, "/"),
		headers: group.Env,
		client:  &http.Client{Timeout: httpCallTimeout},
	}
}

func (b *HTTPBackend) ListTools(ctx context.Context) ([]Spec, error) {
	raw, err := b.post(ctx, "/list_tools", map[string]any{})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tools []Spec `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return payload.Tools, nil
}

func (b *HTTPBackend) CallTool(ctx context.Context, name string, arguments string) (string, error) {
	args := json.RawMessage(arguments)
	if strings.TrimSpace(arguments) == "" {
		args = json.RawMessage("{}")
	}
	raw, err := b.post(ctx, "/call_tool", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}
	// Servers answer {"content": "..."} ; anything else passes through raw.
	var payload struct {
		Content *string `json:"content"`
		Error   string  `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			return "", fmt.Errorf("%s: %s", name, payload.Error)
		}
		if payload.Content != nil {
			return *payload.Content, nil
		}
	}
	return string(raw), nil
}

func (b *HTTPBackend) Close() error { return nil }

func (b *HTTPBackend) post(ctx context.Context, path string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range b.headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool server %s: status %d: %s", path, resp.StatusCode, truncate(string(raw), 200))
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
