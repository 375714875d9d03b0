package compaction

import "github.com/haasonsaas/chatos/pkg/models"

// FindSplit picks the bisection point for msgs: the index i (messages [0,i)
// left, [i,len) right) closest to the midpoint such that
//
//   - the right half does not start with a role=tool message, and
//   - the left half does not end with an assistant message that still has
//     pending tool calls,
//
// keeping both halves at least minChunk messages. Returns false when no
// valid split exists.
func FindSplit(msgs []*models.Message, minChunk int) (int, bool) {
	if minChunk < 1 {
		minChunk = 1
	}
	n := len(msgs)
	if n < 2*minChunk {
		return 0, false
	}
	mid := n / 2

	best := -1
	bestDist := n + 1
	for i := minChunk; i <= n-minChunk; i++ {
		if !validSplit(msgs, i) {
			continue
		}
		dist := i - mid
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// validSplit reports whether cutting before index i keeps an assistant
// tool-call exchange on one side.
func validSplit(msgs []*models.Message, i int) bool {
	if msgs[i].Role == models.RoleTool {
		return false
	}
	if prev := msgs[i-1]; prev.Role == models.RoleAssistant && len(prev.ToolCalls) > 0 {
		return false
	}
	return true
}
