// Package compaction keeps conversation history inside the model's context
// window. It estimates token usage with a character heuristic, detects
// provider overflow errors, and compresses older history with a recursive
// bisect-and-summarize algorithm (tagged bisect_v1 in summary metadata).
package compaction

import "github.com/haasonsaas/chatos/pkg/models"

// charsPerToken is the estimation heuristic: 1 token ≈ 4 characters. The
// estimate feeds budget decisions only, never billing.
const charsPerToken = 4

// EstimateTextTokens estimates tokens for a plain string.
func EstimateTextTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// EstimateTokens estimates tokens for one message: content, typed parts, the
// reasoning trace, and the serialized tool-call array all contribute.
func EstimateTokens(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	chars := len(msg.Content) + len(msg.Reasoning)
	for _, p := range msg.Parts {
		chars += len(p.Text) + len(p.URL) + len(p.FileID)
	}
	chars += len(msg.ToolCallsJSON())
	return (chars + charsPerToken - 1) / charsPerToken
}

// EstimateMessagesTokens sums the per-message estimates.
func EstimateMessagesTokens(msgs []*models.Message) int {
	total := 0
	for _, msg := range msgs {
		total += EstimateTokens(msg)
	}
	return total
}
