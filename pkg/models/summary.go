package models

import "time"

// SummaryAlgorithmBisectV1 tags summaries produced by the recursive
// bisecting summarizer.
const SummaryAlgorithmBisectV1 = "bisect_v1"

// Summary is a persisted compaction record. The pair
// (SessionID, LastMessageAt) is the cursor used to skip already-summarized
// history on subsequent reads.
type Summary struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Text           string    `json:"text"`
	Model          string    `json:"model"`
	Temperature    float64   `json:"temperature"`
	TargetTokens   int       `json:"target_tokens"`
	KeepLastN      int       `json:"keep_last_n"`
	MessageCount   int       `json:"message_count"`
	SourceTokens   int       `json:"source_tokens"`
	FirstMessageID string    `json:"first_message_id"`
	LastMessageID  string    `json:"last_message_id"`
	FirstMessageAt time.Time `json:"first_message_at"`
	LastMessageAt  time.Time `json:"last_message_at"`

	// Metadata carries compression stats: algorithm tag, chunk count, max
	// depth, truncation flag, ratio, in/out tokens.
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
