// Package config loads server configuration from the environment, with an
// optional YAML file overlay for agents, model configs, and tool groups.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config is the full server configuration.
type Config struct {
	Host string
	Port int
	Env  string // NODE_ENV equivalent

	DatabaseURL string
	ChangeLog   string // JSONL fallback path when no database is attached

	OpenAIAPIKey  string
	OpenAIBaseURL string

	CORSOrigins []string

	Summary    SummaryConfig
	SummaryJob SummaryJobConfig

	SubAgentStateRoot   string
	MCPStateRoot        string
	RouterTraceLog      string
	AllowPrevIDForProxy bool

	MaxIterations int
	HistoryLimit  int
	ChatMaxTokens int
	LogLevel      string
}

// SummaryConfig controls in-turn context compaction.
type SummaryConfig struct {
	Enabled          bool
	MessageLimit     int
	MaxContextTokens int
	KeepLastN        int
	TargetTokens     int
	Temperature      float64
	CooldownSeconds  int
	Model            string
}

// SummaryJobConfig controls the background summary worker.
type SummaryJobConfig struct {
	Enabled            bool
	PollInterval       time.Duration
	MaxSessionsPerTick int
	IntervalSeconds    int
	TargetTokens       int
	MaxContextTokens   int
	KeepLastN          int
	Model              string
}

// Load reads configuration from the environment, applying documented
// defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		Host:          envString("HOST", "0.0.0.0"),
		Port:          envInt("PORT", 3001),
		Env:           envString("NODE_ENV", "development"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		CORSOrigins:   splitOrigins(envString("CORS_ORIGINS", "*")),
		Summary: SummaryConfig{
			Enabled:          envBool("SUMMARY_ENABLED", true),
			MessageLimit:     envInt("SUMMARY_MESSAGE_LIMIT", 40),
			MaxContextTokens: envInt("SUMMARY_MAX_CONTEXT_TOKENS", 6000),
			KeepLastN:        envInt("SUMMARY_KEEP_LAST_N", 6),
			TargetTokens:     envInt("SUMMARY_TARGET_TOKENS", 700),
			Temperature:      envFloat("SUMMARY_TEMPERATURE", 0.2),
			CooldownSeconds:  envInt("SUMMARY_COOLDOWN_SECONDS", 60),
			Model:            os.Getenv("SUMMARY_MODEL"),
		},
		SummaryJob: SummaryJobConfig{
			Enabled:            envBool("SESSION_SUMMARY_JOB_ENABLED", true),
			PollInterval:       time.Duration(envInt("SESSION_SUMMARY_JOB_POLL_INTERVAL_SECONDS", 10)) * time.Second,
			MaxSessionsPerTick: envInt("SESSION_SUMMARY_JOB_MAX_SESSIONS_PER_TICK", 50),
			IntervalSeconds:    envInt("SESSION_SUMMARY_JOB_INTERVAL_SECONDS", 600),
			TargetTokens:       envInt("SESSION_SUMMARY_JOB_TARGET_TOKENS", 700),
			MaxContextTokens:   envInt("SESSION_SUMMARY_JOB_MAX_CONTEXT_TOKENS", 6000),
			KeepLastN:          envInt("SESSION_SUMMARY_JOB_KEEP_LAST_N", 6),
			Model:              os.Getenv("SESSION_SUMMARY_JOB_MODEL"),
		},
		SubAgentStateRoot:   envString("SUB_AGENT_ROUTER_STATE_ROOT", defaultStateRoot("builtin_sub_agent_router")),
		MCPStateRoot:        envString("MCP_STATE_ROOT", defaultStateRoot("mcp")),
		RouterTraceLog:      os.Getenv("SUB_AGENT_ROUTER_TRACE_LOG"),
		AllowPrevIDForProxy: envBool("ALLOW_PREV_ID_FOR_PROXY", false),
		MaxIterations:       envInt("MAX_ITERATIONS", 25),
		HistoryLimit:        envInt("HISTORY_LIMIT", 200),
		ChatMaxTokens:       envInt("CHAT_MAX_TOKENS", 0),
		LogLevel:            envString("LOG_LEVEL", "info"),
	}
	cfg.ChangeLog = envString("CHANGE_LOG_PATH", filepath.Join(cfg.MCPStateRoot, "changelog.jsonl"))
	return cfg, nil
}

func defaultStateRoot(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".chatos", name)
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func splitOrigins(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
