// Package summaryjob runs the background compaction worker: a single
// schedule that scans for sessions whose history outgrew their summary and
// compacts them outside any live turn.
package summaryjob

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/chatos/internal/compaction"
	"github.com/haasonsaas/chatos/internal/config"
	"github.com/haasonsaas/chatos/internal/observability"
	"github.com/haasonsaas/chatos/internal/settings"
	"github.com/haasonsaas/chatos/internal/store"
	"github.com/haasonsaas/chatos/pkg/models"
)

// Per-user job-config floors. Overrides below these are raised.
const (
	minTriggerTokens   = 500
	minRounds          = 1
	minTargetTokens    = 200
	minIntervalSeconds = 10

	defaultRounds = 6
)

// jobConfig is the effective per-session configuration: the user's stored
// override layered over the environment defaults, with floors applied.
type jobConfig struct {
	Enabled         bool
	TriggerTokens   int
	Rounds          int
	TargetTokens    int
	IntervalSeconds int
}

// Worker is the background summary job. Start schedules it; Tick is the
// unit of work and may be driven directly in tests.
type Worker struct {
	Store      store.Store
	Cfg        config.SummaryJobConfig
	Summarizer compaction.SummaryLlmClient
	Logger     *slog.Logger
	Metrics    *observability.Metrics

	cron        *cron.Cron
	tickRunning atomic.Bool

	mu          sync.Mutex
	lastChecked map[string]time.Time
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Start begins polling. A disabled config or missing summarizer is a no-op.
func (w *Worker) Start() error {
	if !w.Cfg.Enabled || w.Summarizer == nil {
		w.logger().Info("summary job disabled")
		return nil
	}
	interval := w.Cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	w.cron = cron.New()
	_, err := w.cron.AddFunc("@every "+interval.String(), func() {
		w.Tick(context.Background())
	})
	if err != nil {
		return err
	}
	w.cron.Start()
	w.logger().Info("summary job started", "poll_interval", interval)
	return nil
}

// Stop halts the schedule; a tick in flight finishes.
func (w *Worker) Stop() {
	if w.cron != nil {
		w.cron.Stop()
	}
}

// Tick runs one pass. Overlapping passes are skipped via an atomic swap.
func (w *Worker) Tick(ctx context.Context) {
	if !w.tickRunning.CompareAndSwap(false, true) {
		return
	}
	defer w.tickRunning.Store(false)

	limit := w.Cfg.MaxSessionsPerTick
	if limit <= 0 {
		limit = 50
	}
	sessionIDs, err := w.Store.ListSessionsWithPendingSummary(ctx, limit)
	if err != nil {
		w.logger().Warn("pending-summary query failed", "error", err)
		return
	}
	for _, id := range sessionIDs {
		if err := w.runSession(ctx, id); err != nil {
			w.logger().Warn("background compaction failed", "session_id", id, "error", err)
			w.Metrics.RecordCompaction("background", "error")
		}
	}
}

func (w *Worker) runSession(ctx context.Context, sessionID string) error {
	session, err := w.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	cfg, err := w.effectiveConfig(ctx, session.UserID)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return nil
	}
	if !w.markChecked(sessionID, time.Duration(cfg.IntervalSeconds)*time.Second) {
		return nil
	}

	tail, err := w.sessionTail(ctx, sessionID)
	if err != nil {
		return err
	}
	if !compaction.ShouldCompact(tail, cfg.TriggerTokens, cfg.Rounds) {
		return nil
	}

	compactor := compaction.NewCompactor(w.Store, w.Summarizer, w.logger())
	result, err := compactor.Compact(ctx, sessionID, tail, compaction.Config{
		Model:        w.Cfg.Model,
		TargetTokens: cfg.TargetTokens,
		KeepLastN:    w.Cfg.KeepLastN,
	})
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	w.Metrics.RecordCompaction("background", "ok")
	w.logger().Info("background compaction done",
		"session_id", sessionID, "kept", len(result.Kept), "truncated", result.Truncated)
	return nil
}

// sessionTail loads the messages newer than the latest summary.
func (w *Worker) sessionTail(ctx context.Context, sessionID string) ([]*models.Message, error) {
	sum, err := w.Store.LatestSummary(ctx, sessionID)
	switch {
	case err == nil:
		return w.Store.GetAfter(ctx, sessionID, sum.LastMessageAt, 0)
	case errors.Is(err, store.ErrNotFound):
		return w.Store.GetRecent(ctx, sessionID, 0, 0)
	default:
		return nil, err
	}
}

// markChecked records the visit; returns false while the cooldown holds.
func (w *Worker) markChecked(sessionID string, cooldown time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastChecked == nil {
		w.lastChecked = map[string]time.Time{}
	}
	if last, ok := w.lastChecked[sessionID]; ok && time.Since(last) < cooldown {
		return false
	}
	w.lastChecked[sessionID] = time.Now()
	return true
}

// effectiveConfig layers the user's stored override over the env defaults
// and applies the floors.
func (w *Worker) effectiveConfig(ctx context.Context, userID string) (jobConfig, error) {
	cfg := jobConfig{
		Enabled:         w.Cfg.Enabled,
		TriggerTokens:   w.Cfg.MaxContextTokens,
		Rounds:          defaultRounds,
		TargetTokens:    w.Cfg.TargetTokens,
		IntervalSeconds: w.Cfg.IntervalSeconds,
	}
	values, err := w.Store.GetSummaryJobConfig(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return cfg, err
	}
	if v, ok := values["enabled"]; ok {
		cfg.Enabled = settings.TruthyBool(v)
	}
	if n, ok := settings.CoerceInt(values["trigger_tokens"]); ok {
		cfg.TriggerTokens = int(n)
	}
	if n, ok := settings.CoerceInt(values["rounds"]); ok {
		cfg.Rounds = int(n)
	}
	if n, ok := settings.CoerceInt(values["target_tokens"]); ok {
		cfg.TargetTokens = int(n)
	}
	if n, ok := settings.CoerceInt(values["interval_seconds"]); ok {
		cfg.IntervalSeconds = int(n)
	}

	if cfg.TriggerTokens < minTriggerTokens {
		cfg.TriggerTokens = minTriggerTokens
	}
	if cfg.Rounds < minRounds {
		cfg.Rounds = minRounds
	}
	if cfg.TargetTokens < minTargetTokens {
		cfg.TargetTokens = minTargetTokens
	}
	if cfg.IntervalSeconds < minIntervalSeconds {
		cfg.IntervalSeconds = minIntervalSeconds
	}
	return cfg, nil
}
