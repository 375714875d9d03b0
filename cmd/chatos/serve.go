package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/chatos/internal/abort"
	"github.com/haasonsaas/chatos/internal/compaction"
	"github.com/haasonsaas/chatos/internal/config"
	"github.com/haasonsaas/chatos/internal/observability"
	"github.com/haasonsaas/chatos/internal/orchestrator"
	"github.com/haasonsaas/chatos/internal/provider"
	"github.com/haasonsaas/chatos/internal/review"
	"github.com/haasonsaas/chatos/internal/server"
	"github.com/haasonsaas/chatos/internal/settings"
	"github.com/haasonsaas/chatos/internal/store"
	"github.com/haasonsaas/chatos/internal/subagent"
	"github.com/haasonsaas/chatos/internal/summaryjob"
	"github.com/haasonsaas/chatos/internal/tools"
	"github.com/haasonsaas/chatos/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var catalogPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(catalogPath)
		},
	}
	cmd.Flags().StringVar(&catalogPath, "catalog", os.Getenv("CHATOS_CATALOG"),
		"YAML catalog of agents, model configs, and tool groups")
	return cmd
}

func runServe(catalogPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	if catalogPath != "" {
		if err := mergeCatalog(context.Background(), st, catalogPath); err != nil {
			return err
		}
		logger.Info("catalog merged", "path", catalogPath)
	}

	metrics := observability.NewMetrics(nil)
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "chatos",
		ServiceVersion: version,
		Environment:    cfg.Env,
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Insecure:       true,
	})
	defer shutdownTracer(context.Background())

	aborts := abort.NewRegistry()
	reviews := review.NewHub()
	jobs := subagent.NewJobStore(cfg.RouterTraceLog)

	providerOpts := provider.Options{
		OpenAIAPIKey:            cfg.OpenAIAPIKey,
		OpenAIBaseURL:           cfg.OpenAIBaseURL,
		AllowPreviousIDForProxy: cfg.AllowPrevIDForProxy,
	}

	orch := &orchestrator.Orchestrator{
		Store:        st,
		Aborts:       aborts,
		Settings:     settings.NewResolver(settingsDefaults(cfg)),
		Summary:      cfg.Summary,
		ProviderOpts: providerOpts,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
		Locks:        orchestrator.NewSessionLocks(),
	}

	// Sub-agent router: catalog from the state root, builtin backend wired
	// into the tool loader, AI mode nesting the orchestrator above.
	subCatalog := subagent.NewCatalog(cfg.SubAgentStateRoot)
	if err := subCatalog.Load(); err != nil {
		logger.Warn("sub-agent catalog load failed", "error", err)
	}
	router := &subagent.Router{
		Catalog:       subCatalog,
		Jobs:          jobs,
		Store:         st,
		Orch:          orch,
		WorkspaceRoot: workspaceRoot(),
		Logger:        logger,
	}
	orch.Tools = &tools.Loader{
		Store:  st,
		Logger: logger,
		Builtins: map[string]tools.BuiltinFactory{
			subagent.GroupID: subagent.NewFactory(router, reviews, logger),
		},
	}

	worker := &summaryjob.Worker{
		Store:      st,
		Cfg:        cfg.SummaryJob,
		Summarizer: buildSummarizer(st, cfg, providerOpts, logger),
		Logger:     logger,
		Metrics:    metrics,
	}
	if err := worker.Start(); err != nil {
		return fmt.Errorf("start summary job: %w", err)
	}
	defer worker.Stop()

	srv := &server.Server{
		Store:   st,
		Orch:    orch,
		Aborts:  aborts,
		Reviews: reviews,
		Jobs:    jobs,
		Cfg:     cfg,
		Logger:  logger,
		Metrics: metrics,
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", "addr", addr, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http serve: %w", err)
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// openStore picks Postgres when DATABASE_URL is set, otherwise memory with
// the JSONL change log replayed on top.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("using postgres store")
		return pg, nil
	}
	cl, err := store.NewChangeLogStore(store.NewMemoryStore(), cfg.ChangeLog, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("using in-memory store", "changelog", cfg.ChangeLog)
	return cl, nil
}

// mergeCatalog loads the YAML catalog into the store at startup.
func mergeCatalog(ctx context.Context, st store.Store, path string) error {
	cat, err := config.LoadCatalog(path)
	if err != nil {
		return err
	}
	for i := range cat.ModelConfigs {
		if err := st.PutModelConfig(ctx, &cat.ModelConfigs[i]); err != nil {
			return err
		}
	}
	for i := range cat.Agents {
		if err := st.PutAgent(ctx, &cat.Agents[i]); err != nil {
			return err
		}
	}
	for i := range cat.ToolGroups {
		if err := st.PutToolGroup(ctx, &cat.ToolGroups[i]); err != nil {
			return err
		}
	}
	return nil
}

// buildSummarizer selects the background worker's summary model: the config
// named by SESSION_SUMMARY_JOB_MODEL, else the first enabled config. Returns
// nil (worker disabled) when none is usable.
func buildSummarizer(st store.Store, cfg *config.Config, opts provider.Options, logger *slog.Logger) compaction.SummaryLlmClient {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	configs, err := st.ListModelConfigs(ctx)
	if err != nil {
		logger.Warn("summary model lookup failed", "error", err)
		return nil
	}
	var chosen *models.ModelConfig
	for _, mc := range configs {
		if !mc.Enabled {
			continue
		}
		if cfg.SummaryJob.Model != "" && mc.Model == cfg.SummaryJob.Model {
			chosen = mc
			break
		}
		if chosen == nil {
			chosen = mc
		}
	}
	if chosen == nil {
		logger.Info("no enabled model config, summary worker idle")
		return nil
	}
	client, err := provider.ForModelConfig(chosen, opts)
	if err != nil {
		logger.Warn("summary model client failed", "error", err)
		return nil
	}
	return &compaction.ProviderSummarizer{
		Client:      client,
		Model:       chosen.Model,
		Temperature: cfg.Summary.Temperature,
	}
}

func settingsDefaults(cfg *config.Config) settings.Defaults {
	return settings.Defaults{
		SummaryEnabled:        cfg.Summary.Enabled,
		DynamicSummaryEnabled: cfg.Summary.Enabled,
		SummaryMessageLimit:   cfg.Summary.MessageLimit,
		SummaryMaxContext:     cfg.Summary.MaxContextTokens,
		SummaryKeepLastN:      cfg.Summary.KeepLastN,
		SummaryTargetTokens:   cfg.Summary.TargetTokens,
		SummaryCooldownSec:    cfg.Summary.CooldownSeconds,
		MaxIterations:         cfg.MaxIterations,
		HistoryLimit:          cfg.HistoryLimit,
		ChatMaxTokens:         cfg.ChatMaxTokens,
		LogLevel:              cfg.LogLevel,
	}
}

func workspaceRoot() string {
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
