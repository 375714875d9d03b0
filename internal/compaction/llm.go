package compaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/chatos/internal/provider"
	"github.com/haasonsaas/chatos/pkg/models"
)

// ProviderSummarizer adapts a provider client to the SummaryLlmClient
// capability. It drains the stream into a single string; tool-call events
// from the summary model are ignored.
type ProviderSummarizer struct {
	Client      provider.Client
	Model       string
	Temperature float64
	MaxTokens   int
}

func (s *ProviderSummarizer) Summarize(ctx context.Context, system, content string) (string, error) {
	req := &provider.Request{
		Model:       s.Model,
		System:      system,
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
		Messages: []*models.Message{
			{Role: models.RoleUser, Content: content},
		},
	}
	events, err := s.Client.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for ev := range events {
		switch ev.Type {
		case provider.EventContentDelta:
			sb.WriteString(ev.Content)
		case provider.EventError:
			return "", ev.Err
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("summary model %s returned empty output", s.Model)
	}
	return out, nil
}
