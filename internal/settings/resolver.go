package settings

// Whitelisted user-setting keys. Writes outside this set are rejected.
const (
	KeySummaryEnabled        = "SUMMARY_ENABLED"
	KeyDynamicSummaryEnabled = "DYNAMIC_SUMMARY_ENABLED"
	KeySummaryMessageLimit   = "SUMMARY_MESSAGE_LIMIT"
	KeySummaryMaxContext     = "SUMMARY_MAX_CONTEXT_TOKENS"
	KeySummaryKeepLastN      = "SUMMARY_KEEP_LAST_N"
	KeySummaryTargetTokens   = "SUMMARY_TARGET_TOKENS"
	KeySummaryCooldown       = "SUMMARY_COOLDOWN_SECONDS"
	KeyMaxIterations         = "MAX_ITERATIONS"
	KeyLogLevel              = "LOG_LEVEL"
	KeyHistoryLimit          = "HISTORY_LIMIT"
	KeyChatMaxTokens         = "CHAT_MAX_TOKENS"
)

var whitelist = map[string]bool{
	KeySummaryEnabled:        true,
	KeyDynamicSummaryEnabled: true,
	KeySummaryMessageLimit:   true,
	KeySummaryMaxContext:     true,
	KeySummaryKeepLastN:      true,
	KeySummaryTargetTokens:   true,
	KeySummaryCooldown:       true,
	KeyMaxIterations:         true,
	KeyLogLevel:              true,
	KeyHistoryLimit:          true,
	KeyChatMaxTokens:         true,
}

// Allowed reports whether key is a recognized user setting.
func Allowed(key string) bool { return whitelist[key] }

// Filter drops non-whitelisted keys from a settings map.
func Filter(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if whitelist[k] {
			out[k] = v
		}
	}
	return out
}

// Defaults carries the environment-derived fallbacks for every resolvable
// setting.
type Defaults struct {
	SummaryEnabled        bool
	DynamicSummaryEnabled bool
	SummaryMessageLimit   int
	SummaryMaxContext     int
	SummaryKeepLastN      int
	SummaryTargetTokens   int
	SummaryCooldownSec    int
	MaxIterations         int
	LogLevel              string
	HistoryLimit          int
	ChatMaxTokens         int
}

// Effective is the merged view of one user's settings over the defaults.
type Effective struct {
	SummaryEnabled        bool
	DynamicSummaryEnabled bool
	SummaryMessageLimit   int
	SummaryMaxContext     int
	SummaryKeepLastN      int
	SummaryTargetTokens   int
	SummaryCooldownSec    int
	MaxIterations         int
	LogLevel              string
	HistoryLimit          int
	ChatMaxTokens         int
}

// Resolver merges per-user setting maps over environment defaults.
type Resolver struct {
	defaults Defaults
}

// NewResolver creates a resolver with the given defaults.
func NewResolver(defaults Defaults) *Resolver {
	return &Resolver{defaults: defaults}
}

// Resolve merges the (already whitelisted) user values over the defaults.
// Missing or uncoercible values fall back.
func (r *Resolver) Resolve(values map[string]any) Effective {
	d := r.defaults
	eff := Effective{
		SummaryEnabled:        d.SummaryEnabled,
		DynamicSummaryEnabled: d.DynamicSummaryEnabled,
		SummaryMessageLimit:   d.SummaryMessageLimit,
		SummaryMaxContext:     d.SummaryMaxContext,
		SummaryKeepLastN:      d.SummaryKeepLastN,
		SummaryTargetTokens:   d.SummaryTargetTokens,
		SummaryCooldownSec:    d.SummaryCooldownSec,
		MaxIterations:         d.MaxIterations,
		LogLevel:              d.LogLevel,
		HistoryLimit:          d.HistoryLimit,
		ChatMaxTokens:         d.ChatMaxTokens,
	}
	if values == nil {
		return eff
	}
	if v, ok := values[KeySummaryEnabled]; ok {
		eff.SummaryEnabled = TruthyBool(v)
	}
	if v, ok := values[KeyDynamicSummaryEnabled]; ok {
		eff.DynamicSummaryEnabled = TruthyBool(v)
	}
	if n, ok := intValue(values, KeySummaryMessageLimit); ok {
		eff.SummaryMessageLimit = n
	}
	if n, ok := intValue(values, KeySummaryMaxContext); ok {
		eff.SummaryMaxContext = n
	}
	if n, ok := intValue(values, KeySummaryKeepLastN); ok {
		eff.SummaryKeepLastN = n
	}
	if n, ok := intValue(values, KeySummaryTargetTokens); ok {
		eff.SummaryTargetTokens = n
	}
	if n, ok := intValue(values, KeySummaryCooldown); ok {
		eff.SummaryCooldownSec = n
	}
	if n, ok := intValue(values, KeyMaxIterations); ok && n > 0 {
		eff.MaxIterations = n
	}
	if v, ok := values[KeyLogLevel]; ok {
		if s, ok := v.(string); ok && s != "" {
			eff.LogLevel = s
		}
	}
	if n, ok := intValue(values, KeyHistoryLimit); ok && n > 0 {
		eff.HistoryLimit = n
	}
	if n, ok := intValue(values, KeyChatMaxTokens); ok && n > 0 {
		eff.ChatMaxTokens = n
	}
	return eff
}

func intValue(values map[string]any, key string) (int, bool) {
	v, ok := values[key]
	if !ok {
		return 0, false
	}
	n, ok := CoerceInt(v)
	if !ok {
		return 0, false
	}
	const maxInt = int64(^uint(0) >> 1)
	if n > maxInt {
		n = maxInt
	}
	if n < -maxInt-1 {
		n = -maxInt - 1
	}
	return int(n), true
}
