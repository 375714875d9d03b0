package orchestrator

import (
	"github.com/haasonsaas/chatos/internal/compaction"
	"github.com/haasonsaas/chatos/pkg/models"
)

// EnsureToolResponses repairs a transcript so every tool_call id referenced
// by an assistant message is answered by a tool message. Turns aborted
// mid-batch leave dangling calls; providers reject such histories, so the
// missing responses are synthesized with content "aborted".
func EnsureToolResponses(msgs []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		msg := msgs[i]
		out = append(out, msg)
		if msg.Role != models.RoleAssistant || len(msg.ToolCalls) == 0 {
			continue
		}
		answered := make(map[string]bool, len(msg.ToolCalls))
		for i+1 < len(msgs) && msgs[i+1].Role == models.RoleTool {
			i++
			answered[msgs[i].ToolCallID] = true
			out = append(out, msgs[i])
		}
		for _, call := range msg.ToolCalls {
			if answered[call.ID] {
				continue
			}
			out = append(out, &models.Message{
				SessionID:  msg.SessionID,
				Role:       models.RoleTool,
				ToolCallID: call.ID,
				Content:    "aborted",
			})
		}
	}
	return out
}

// DropDuplicateTail trims repeated identical user messages from the end of
// the history so the current utterance appears exactly once. Client retries
// can double-persist the same user turn.
func DropDuplicateTail(msgs []*models.Message) []*models.Message {
	for len(msgs) >= 2 {
		last := msgs[len(msgs)-1]
		prev := msgs[len(msgs)-2]
		if last.Role != models.RoleUser || prev.Role != models.RoleUser || prev.Content != last.Content {
			break
		}
		msgs = msgs[:len(msgs)-1]
	}
	return msgs
}

// turnHistory is the effective context for one turn: the latest summary (if
// any) replayed as a system message plus the repaired message tail.
type turnHistory struct {
	summaryText string
	tail        []*models.Message
}

// providerMessages renders the history for a provider call.
func (h *turnHistory) providerMessages() []*models.Message {
	if h.summaryText == "" {
		return h.tail
	}
	out := make([]*models.Message, 0, len(h.tail)+1)
	out = append(out, &models.Message{
		Role:    models.RoleSystem,
		Content: compaction.WrapSummary(h.summaryText),
	})
	return append(out, h.tail...)
}

// appendExchange extends the tail with a completed assistant/tool exchange.
func (h *turnHistory) appendExchange(msgs ...*models.Message) {
	h.tail = append(h.tail, msgs...)
}
