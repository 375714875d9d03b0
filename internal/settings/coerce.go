// Package settings resolves user-scoped settings over environment defaults.
// Stored values arrive as untyped JSON; coercion follows JavaScript-style
// truthiness and prefix integer parsing so values written by the web UI
// round-trip predictably.
package settings

import (
	"math"
	"strconv"
	"strings"
)

// TruthyBool coerces an arbitrary stored value to a boolean. false, 0, "",
// "0", "false", "off", "no", and null are false; everything else is true.
func TruthyBool(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "", "0", "false", "off", "no", "null":
			return false
		}
		return true
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	default:
		return true
	}
}

// ParseJSInt parses an integer the way Number.parseInt does: optional sign,
// then a maximal digit run; trailing non-digits are ignored ("42px" -> 42).
// Returns false on empty input or when no digit is found. Results clamp to
// the signed 64-bit range.
func ParseJSInt(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	i := 0
	neg := false
	if s[0] == '+' || s[0] == '-' {
		neg = s[0] == '-'
		i++
	}
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == start {
		return 0, false
	}
	digits := s[start:i]
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		// Overflow on a pure digit run: clamp.
		if neg {
			return math.MinInt64, true
		}
		return math.MaxInt64, true
	}
	if neg {
		n = -n
	}
	return n, true
}

// CoerceInt coerces a stored value to an integer using ParseJSInt for
// strings. Returns false when the value cannot be read as an integer.
func CoerceInt(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int64:
		return val, true
	case float64:
		return int64(val), true
	case string:
		return ParseJSInt(val)
	default:
		return 0, false
	}
}
