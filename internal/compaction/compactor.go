package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/chatos/internal/store"
	"github.com/haasonsaas/chatos/pkg/models"
)

// SummaryMarker is the assistant message appended after a successful
// compaction; its metadata carries the compression stats.
const SummaryMarker = "【上下文已压缩为摘要】"

// SummaryWrapPrefix introduces the stored summary when it is replayed as a
// system message in the next turn's context.
const SummaryWrapPrefix = "以下是之前对话与工具调用的摘要，请将其作为既有上下文继续对话：\n\n"

// SummarizerSystemPrompt instructs the summary model.
const SummarizerSystemPrompt = "你是一个对话压缩助手。请将给定的对话历史（包括工具调用与其结果）压缩为一段简洁的摘要：保留用户目标、关键事实、已做出的决定、工具调用的结论，以及未完成的事项。不要添加对话中不存在的信息。"

// WrapSummary renders a stored summary as system-message content.
func WrapSummary(text string) string {
	return SummaryWrapPrefix + text
}

// SummaryLlmClient is the narrow LLM capability compaction depends on. The
// orchestrator adapts its provider client; OnDelta, when set, observes
// streamed summary tokens.
type SummaryLlmClient interface {
	Summarize(ctx context.Context, system, content string) (string, error)
}

// Config controls one compaction run.
type Config struct {
	Model        string
	Temperature  float64
	TargetTokens int
	KeepLastN    int
	MinChunk     int
	MaxDepth     int
}

func (c Config) withDefaults() Config {
	if c.TargetTokens <= 0 {
		c.TargetTokens = 700
	}
	if c.KeepLastN < 0 {
		c.KeepLastN = 0
	}
	if c.MinChunk <= 0 {
		c.MinChunk = 2
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 4
	}
	return c
}

// Result describes a completed compaction.
type Result struct {
	Summary   *models.Summary
	Marker    *models.Message
	Kept      []*models.Message
	Truncated bool
}

// Compactor runs bisect_v1 over a session's history and persists the
// outcome.
type Compactor struct {
	store  store.Store
	llm    SummaryLlmClient
	logger *slog.Logger

	// OnDelta observes summary text as it is produced, for streaming
	// context_summarized_stream events. May be nil.
	OnDelta func(text string)
}

// NewCompactor wires a compactor against the repository and summary model.
func NewCompactor(st store.Store, llm SummaryLlmClient, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{store: st, llm: llm, logger: logger}
}

// bisectStats accumulates metadata across the recursion.
type bisectStats struct {
	chunks    int
	maxDepth  int
	truncated bool
}

// Compact compresses everything in msgs older than the last KeepLastN
// messages, persists the summary record with its message links plus the
// marker message, and returns the kept tail. msgs must be in ascending
// order. Returns nil when there is nothing to compact.
func (c *Compactor) Compact(ctx context.Context, sessionID string, msgs []*models.Message, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()

	keep := cfg.KeepLastN
	if keep > len(msgs) {
		keep = len(msgs)
	}
	prefix := msgs[:len(msgs)-keep]
	tail := msgs[len(msgs)-keep:]
	if len(prefix) == 0 {
		return nil, nil
	}

	sourceTokens := EstimateMessagesTokens(prefix)
	stats := &bisectStats{}
	text, err := c.bisect(ctx, prefix, cfg, 0, stats)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	outTokens := EstimateTextTokens(text)

	first := prefix[0]
	last := prefix[len(prefix)-1]
	ratio := 0.0
	if sourceTokens > 0 {
		ratio = float64(outTokens) / float64(sourceTokens)
	}
	summary := &models.Summary{
		SessionID:      sessionID,
		Text:           text,
		Model:          cfg.Model,
		Temperature:    cfg.Temperature,
		TargetTokens:   cfg.TargetTokens,
		KeepLastN:      cfg.KeepLastN,
		MessageCount:   len(prefix),
		SourceTokens:   sourceTokens,
		FirstMessageID: first.ID,
		LastMessageID:  last.ID,
		FirstMessageAt: first.CreatedAt,
		LastMessageAt:  last.CreatedAt,
		Metadata: map[string]any{
			"algorithm":  models.SummaryAlgorithmBisectV1,
			"chunks":     stats.chunks,
			"max_depth":  stats.maxDepth,
			"truncated":  stats.truncated,
			"ratio":      ratio,
			"in_tokens":  sourceTokens,
			"out_tokens": outTokens,
		},
	}

	ids := make([]string, len(prefix))
	for i, msg := range prefix {
		ids[i] = msg.ID
	}
	if err := c.store.AppendSummary(ctx, summary, ids); err != nil {
		return nil, fmt.Errorf("persist summary: %w", err)
	}

	marker, err := c.store.AppendMessage(ctx, &models.Message{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   SummaryMarker,
		Metadata:  summary.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("persist marker: %w", err)
	}

	c.logger.Info("context compacted",
		"session_id", sessionID,
		"messages", len(prefix),
		"in_tokens", sourceTokens,
		"out_tokens", outTokens,
		"chunks", stats.chunks,
		"truncated", stats.truncated)

	return &Result{Summary: summary, Marker: marker, Kept: tail, Truncated: stats.truncated}, nil
}

// bisect implements one level of the recursion: small enough ranges are
// summarized directly; larger ones split at a tool-safe midpoint, summarize
// both halves, and re-summarize the concatenation if it still exceeds the
// target.
func (c *Compactor) bisect(ctx context.Context, msgs []*models.Message, cfg Config, depth int, stats *bisectStats) (string, error) {
	if depth > stats.maxDepth {
		stats.maxDepth = depth
	}

	if depth >= cfg.MaxDepth {
		stats.truncated = true
		stats.chunks++
		return c.summarizeRange(ctx, msgs, cfg)
	}
	// A range already near target, or one that cannot be split without
	// separating a tool exchange, is summarized in one call.
	if EstimateMessagesTokens(msgs) <= 2*cfg.TargetTokens {
		stats.chunks++
		return c.summarizeRange(ctx, msgs, cfg)
	}
	split, ok := FindSplit(msgs, cfg.MinChunk)
	if !ok {
		stats.chunks++
		return c.summarizeRange(ctx, msgs, cfg)
	}

	left, err := c.bisect(ctx, msgs[:split], cfg, depth+1, stats)
	if err != nil {
		return "", err
	}
	right, err := c.bisect(ctx, msgs[split:], cfg, depth+1, stats)
	if err != nil {
		return "", err
	}
	merged := left + "\n\n" + right
	if EstimateTextTokens(merged) <= cfg.TargetTokens {
		return merged, nil
	}
	out, err := c.llm.Summarize(ctx, SummarizerSystemPrompt, merged)
	if err != nil {
		return "", err
	}
	c.emit(out)
	return out, nil
}

func (c *Compactor) summarizeRange(ctx context.Context, msgs []*models.Message, cfg Config) (string, error) {
	transcript := formatForSummary(msgs)
	out, err := c.llm.Summarize(ctx, SummarizerSystemPrompt, transcript)
	if err != nil {
		return "", err
	}
	c.emit(out)
	return out, nil
}

func (c *Compactor) emit(text string) {
	if c.OnDelta != nil && text != "" {
		c.OnDelta(text)
	}
}

// formatForSummary renders messages as a role-tagged transcript, with tool
// payloads truncated so one verbose result cannot dominate the prompt.
func formatForSummary(msgs []*models.Message) string {
	var sb strings.Builder
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		sb.WriteString("[")
		sb.WriteString(string(msg.Role))
		sb.WriteString("]: ")
		sb.WriteString(msg.Text())
		if calls := msg.ToolCallsJSON(); calls != "" {
			sb.WriteString("\n  [工具调用: ")
			sb.WriteString(truncate(calls, 400))
			sb.WriteString("]")
		}
		if msg.Role == models.RoleTool && msg.ToolCallID != "" {
			sb.WriteString("  (tool_call_id=")
			sb.WriteString(msg.ToolCallID)
			sb.WriteString(")")
		}
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// ShouldCompact implements the proactive trigger: token pressure or raw
// message count.
func ShouldCompact(msgs []*models.Message, maxContextTokens, messageLimit int) bool {
	if maxContextTokens > 0 && EstimateMessagesTokens(msgs) >= maxContextTokens {
		return true
	}
	if messageLimit > 0 && len(msgs) >= messageLimit {
		return true
	}
	return false
}
