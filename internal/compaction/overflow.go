package compaction

import (
	"regexp"
	"strconv"
	"strings"
)

// IsContextOverflow reports whether a provider error indicates the request
// exceeded the model's context window. Matching is on the error text since
// providers disagree on structured codes.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "context_length_exceeded") {
		return true
	}
	if strings.Contains(msg, "maximum context length") {
		return true
	}
	if strings.Contains(msg, "token limit") {
		return true
	}
	if strings.Contains(msg, "context window") && strings.Contains(msg, "exceed") {
		return true
	}
	return false
}

var budgetPatterns = []*regexp.Regexp{
	regexp.MustCompile(`maximum context length is (\d+)`),
	regexp.MustCompile(`context length (\d+)`),
	regexp.MustCompile(`limit (\d+)`),
}

// ParseTokenBudget extracts the model's context limit from an overflow error
// and converts it into a retry budget: max(N−2048, 1000). The margin leaves
// room for the completion; the floor keeps degenerate limits usable.
func ParseTokenBudget(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	msg := strings.ToLower(err.Error())
	for _, pat := range budgetPatterns {
		m := pat.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		n, convErr := strconv.Atoi(m[1])
		if convErr != nil {
			continue
		}
		budget := n - 2048
		if budget < 1000 {
			budget = 1000
		}
		return budget, true
	}
	return 0, false
}
