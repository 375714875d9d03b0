package models

import (
	"strings"
	"time"
)

// DefaultSessionTitles are the titles considered unset; auto-derivation only
// replaces one of these.
var DefaultSessionTitles = []string{"", "New Chat", "Untitled"}

// Session represents a conversation thread.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasDefaultTitle reports whether the session title is still at a default.
func (s *Session) HasDefaultTitle() bool {
	for _, t := range DefaultSessionTitles {
		if s.Title == t {
			return true
		}
	}
	return false
}

// DeriveTitle builds a session title from the first user utterance: the
// first non-empty line, leading markdown markers stripped, capped at 30
// runes. Returns "" when no usable line exists.
func DeriveTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "#>*-` ")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > 30 {
			return string(runes[:30])
		}
		return line
	}
	return ""
}
