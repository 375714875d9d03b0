package subagent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chatos/internal/abort"
	"github.com/haasonsaas/chatos/internal/orchestrator"
	"github.com/haasonsaas/chatos/internal/provider"
	"github.com/haasonsaas/chatos/internal/review"
	"github.com/haasonsaas/chatos/internal/settings"
	"github.com/haasonsaas/chatos/internal/store"
	"github.com/haasonsaas/chatos/internal/tools"
	"github.com/haasonsaas/chatos/pkg/models"
)

func testCatalog(t *testing.T, agents ...AgentSpec) *Catalog {
	t.Helper()
	c := NewCatalog(t.TempDir())
	if err := c.Replace(agents, nil); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	return c
}

func testRouter(t *testing.T, agents ...AgentSpec) *Router {
	t.Helper()
	return &Router{
		Catalog:       testCatalog(t, agents...),
		Jobs:          NewJobStore(""),
		WorkspaceRoot: t.TempDir(),
	}
}

func TestRepoDirName(t *testing.T) {
	cases := map[string]string{
		"https://github.com/acme/agents.git": "agents",
		"git@github.com:acme/agents.git":     "agents",
		"https://example.com/registry/":      "registry",
	}
	for in, want := range cases {
		if got := repoDirName(in); got != want {
			t.Errorf("repoDirName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCatalogRoundTrip(t *testing.T) {
	root := t.TempDir()
	c := NewCatalog(root)
	agents := []AgentSpec{
		{ID: "lint", Name: "Linter", Mode: ModeCommand, Command: "lint"},
		{ID: "off", Name: "Disabled", Mode: ModeCommand, Disabled: true},
	}
	if err := c.Replace(agents, []SkillSpec{{ID: "style", Name: "Style"}}); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	reloaded := NewCatalog(root)
	if err := reloaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := reloaded.Agents(); len(got) != 1 || got[0].ID != "lint" {
		t.Errorf("Agents() = %+v, want only lint", got)
	}
	if _, ok := reloaded.Get("off"); ok {
		t.Error("disabled agent resolvable by id")
	}
	if got := reloaded.Skills(); len(got) != 1 || got[0].ID != "style" {
		t.Errorf("Skills() = %+v", got)
	}
}

func TestCatalogLoadMissingFile(t *testing.T) {
	c := NewCatalog(t.TempDir())
	if err := c.Load(); err != nil {
		t.Fatalf("Load on empty root: %v", err)
	}
	if len(c.Agents()) != 0 {
		t.Error("expected empty catalog")
	}
}

func TestRouterDocsPicksNewestRepo(t *testing.T) {
	root := t.TempDir()
	c := NewCatalog(root)
	old := filepath.Join(root, gitCacheDir, "old")
	recent := filepath.Join(root, gitCacheDir, "recent")
	for _, dir := range []string{old, recent} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(old, "agents.md"), []byte("stale"), 0o644)
	os.WriteFile(filepath.Join(recent, "agents.md"), []byte("fresh"), 0o644)
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatal(err)
	}

	agentsDoc, _ := c.RouterDocs()
	if agentsDoc != "fresh" {
		t.Errorf("agents doc = %q, want fresh", agentsDoc)
	}
}

func TestResolveByID(t *testing.T) {
	r := testRouter(t,
		AgentSpec{ID: "a", Name: "A", Mode: ModeCommand},
		AgentSpec{ID: "b", Name: "B", Mode: ModeCommand},
	)
	spec, err := r.Resolve(context.Background(), ResolveRequest{AgentID: "b"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if spec.ID != "b" {
		t.Errorf("resolved %q, want b", spec.ID)
	}

	if _, err := r.Resolve(context.Background(), ResolveRequest{AgentID: "nope"}); err == nil {
		t.Error("unknown id resolved")
	}
}

func TestResolveByScorer(t *testing.T) {
	r := testRouter(t,
		AgentSpec{ID: "docs", Name: "Docs writer", Description: "writes documentation", Category: "writing", Mode: ModeCommand},
		AgentSpec{ID: "tests", Name: "Test runner", Description: "runs the test suite", Category: "ci", Skills: []string{"golang"}, Mode: ModeCommand},
	)
	spec, err := r.Resolve(context.Background(), ResolveRequest{Query: "run the failing test suite", Skills: []string{"golang"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if spec.ID != "tests" {
		t.Errorf("resolved %q, want tests", spec.ID)
	}
}

func TestResolveFallsBackToFirst(t *testing.T) {
	r := testRouter(t,
		AgentSpec{ID: "first", Name: "First", Mode: ModeCommand},
		AgentSpec{ID: "second", Name: "Second", Mode: ModeCommand},
	)
	spec, err := r.Resolve(context.Background(), ResolveRequest{Query: "zzzz qqqq"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if spec.ID != "first" {
		t.Errorf("resolved %q, want first", spec.ID)
	}
}

func TestResolveByLLM(t *testing.T) {
	r := testRouter(t,
		AgentSpec{ID: "alpha", Name: "Alpha", Mode: ModeCommand},
		AgentSpec{ID: "beta", Name: "Beta", Mode: ModeCommand},
	)
	r.Choose = func(ctx context.Context, system, prompt string) (string, error) {
		if !strings.Contains(prompt, "alpha") || !strings.Contains(prompt, "fix the flaky job") {
			t.Errorf("prompt missing catalog or task: %q", prompt)
		}
		return " beta \n", nil
	}
	spec, err := r.Resolve(context.Background(), ResolveRequest{Query: "fix the flaky job"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if spec.ID != "beta" {
		t.Errorf("resolved %q, want beta", spec.ID)
	}
}

func TestResolveLLMGarbageFallsThrough(t *testing.T) {
	r := testRouter(t,
		AgentSpec{ID: "deploy", Name: "Deployer", Description: "deploys services", Mode: ModeCommand},
		AgentSpec{ID: "other", Name: "Other", Mode: ModeCommand},
	)
	r.Choose = func(context.Context, string, string) (string, error) {
		return "no such agent anywhere", nil
	}
	spec, err := r.Resolve(context.Background(), ResolveRequest{Query: "please deploy the api"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if spec.ID != "deploy" {
		t.Errorf("resolved %q, want deploy via scorer", spec.ID)
	}
}

func TestJobStoreLifecycle(t *testing.T) {
	trace := filepath.Join(t.TempDir(), "trace.jsonl")
	s := NewJobStore(trace)

	job := s.Create("s1", "t1", "do the thing", "{}")
	if job.Status != JobStatusQueued {
		t.Fatalf("status = %q", job.Status)
	}
	s.Append(job.ID, EventExecutePrepare, map[string]any{"task": "do the thing"})
	s.Append(job.ID, EventModeSelected, map[string]any{"mode": "command"})
	s.SetStatus(job.ID, JobStatusDone, func(j *Job) { j.Result = "ok" })

	got, ok := s.Get(job.ID)
	if !ok {
		t.Fatal("job missing")
	}
	if got.Status != JobStatusDone || got.Result != "ok" {
		t.Errorf("job = %+v", got)
	}
	if len(got.Events) != 2 || got.Events[0].Type != EventExecutePrepare {
		t.Errorf("events = %+v", got.Events)
	}

	data, err := os.ReadFile(trace)
	if err != nil {
		t.Fatalf("trace not written: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("trace lines = %d, want 2", len(lines))
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("trace line not JSON: %v", err)
	}
	if rec["type"] != EventExecutePrepare || rec["job_id"] != job.ID {
		t.Errorf("trace record = %v", rec)
	}
}

func TestJobCancelFlag(t *testing.T) {
	s := NewJobStore("")
	job := s.Create("s1", "", "task", "")
	if s.Cancelled(job.ID) {
		t.Fatal("fresh job cancelled")
	}
	if !s.Cancel(job.ID) {
		t.Fatal("Cancel returned false")
	}
	if !s.Cancelled(job.ID) {
		t.Fatal("cancel flag not set")
	}
	if s.Cancel("missing") {
		t.Error("Cancel on unknown job returned true")
	}
}

func TestExecuteCommandMode(t *testing.T) {
	r := testRouter(t, AgentSpec{
		ID: "echo", Name: "Echo", Mode: ModeCommand, Command: "echo", Args: []string{"ran:"},
	})
	out, err := r.Execute(context.Background(), ExecuteRequest{
		ResolveRequest: ResolveRequest{AgentID: "echo"},
		Input:          "hello",
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.TrimSpace(out) != "ran: hello" {
		t.Errorf("output = %q", out)
	}

	jobs := r.Jobs.List()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	job := jobs[0]
	if job.Status != JobStatusDone || job.AgentID != "echo" {
		t.Errorf("job = %+v", job)
	}
	wantOrder := []string{EventExecutePrepare, EventEnvReady, EventModeSelected, EventCommandStart, EventCommandFinish}
	if len(job.Events) != len(wantOrder) {
		t.Fatalf("events = %+v", job.Events)
	}
	for i, want := range wantOrder {
		if job.Events[i].Type != want {
			t.Errorf("event[%d] = %q, want %q", i, job.Events[i].Type, want)
		}
	}
}

func TestExecuteCancelledPrecheck(t *testing.T) {
	r := testRouter(t, AgentSpec{ID: "a", Mode: ModeCommand, Command: "echo"})
	// Cancel the job the moment it exists.
	sink := &precheckSink{jobs: r.Jobs}
	_, err := r.Execute(context.Background(), ExecuteRequest{
		ResolveRequest: ResolveRequest{AgentID: "a"},
		Input:          "x",
	}, sink)
	if err == nil || !strings.Contains(err.Error(), "cancelled") {
		t.Fatalf("err = %v, want cancelled", err)
	}
	job := r.Jobs.List()[0]
	if job.Status != JobStatusCancelled {
		t.Errorf("status = %q", job.Status)
	}
	last := job.Events[len(job.Events)-1]
	if last.Type != EventCancelledPrecheck {
		t.Errorf("last event = %q", last.Type)
	}
}

// precheckSink cancels the job when the first mirrored event arrives, which
// happens before the precheck runs.
type precheckSink struct{ jobs *JobStore }

func (s *precheckSink) Event(_ models.StreamEventType, fields map[string]any) {
	if id, ok := fields["job_id"].(string); ok {
		s.jobs.Cancel(id)
	}
}
func (s *precheckSink) Raw(string) {}

func TestRunSubAgentMirrorsJobEvents(t *testing.T) {
	r := testRouter(t, AgentSpec{ID: "echo", Name: "Echo", Mode: ModeCommand, Command: "echo"})
	b := &Backend{Router: r}

	sink := &orchestrator.CollectSink{}
	ctx := tools.WithTurnInfo(context.Background(), tools.TurnInfo{SessionID: "s1", TurnID: "t1", UserID: "u1"})
	ctx = orchestrator.WithSink(ctx, sink)

	out, err := b.CallTool(ctx, "run_sub_agent", `{"agent_id":"echo","input":"ping"}`)
	if err != nil {
		t.Fatalf("run_sub_agent: %v", err)
	}
	if strings.TrimSpace(out) != "ping" {
		t.Errorf("output = %q", out)
	}

	events := sink.Events()
	if len(events) == 0 {
		t.Fatal("no job events mirrored onto the calling stream")
	}
	jobID := r.Jobs.List()[0].ID
	var sawPrepare bool
	for _, ev := range events {
		if ev.Fields["job_id"] != jobID {
			t.Fatalf("mirrored event missing job id: %+v", ev)
		}
		if string(ev.Event) == EventExecutePrepare {
			sawPrepare = true
		}
	}
	if !sawPrepare {
		t.Errorf("mirrored events = %+v", events)
	}
}

func TestSanitizeExecutable(t *testing.T) {
	if _, err := sanitizeExecutable("echo"); err != nil {
		t.Errorf("echo rejected: %v", err)
	}
	if _, err := sanitizeExecutable("/usr/bin/make"); err != nil {
		t.Errorf("absolute path rejected: %v", err)
	}
	for _, bad := range []string{"", "-rf", "echo; rm -rf /", "a|b", "a b", "cmd`x`", "$(x)"} {
		if _, err := sanitizeExecutable(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

func TestResolveWorkdir(t *testing.T) {
	root := t.TempDir()
	got, err := resolveWorkdir(root, "sub/dir")
	if err != nil {
		t.Fatalf("resolveWorkdir: %v", err)
	}
	if got != filepath.Join(root, "sub", "dir") {
		t.Errorf("got %q", got)
	}
	if _, err := resolveWorkdir(root, "../outside"); err == nil {
		t.Error("escape accepted")
	}
	if got, err := resolveWorkdir(root, ""); err != nil || got != root {
		t.Errorf("default workdir = %q, %v", got, err)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	b.Write([]byte("abcdef"))
	b.Write([]byte("gh"))
	if b.String() != "abcd" || !b.truncated {
		t.Errorf("buf = %q truncated = %v", b.String(), b.truncated)
	}
}

func TestBackendListAndRun(t *testing.T) {
	r := testRouter(t, AgentSpec{ID: "echo", Name: "Echo", Mode: ModeCommand, Command: "echo"})
	b := &Backend{Router: r, Reviews: review.NewHub()}

	specs, err := b.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	want := []string{"run_sub_agent", "list_sub_agents", "suggest_sub_agent"}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("tools = %v, want %v", names, want)
		}
	}

	out, err := b.CallTool(context.Background(), "run_sub_agent", `{"agent_id":"echo","input":"ping"}`)
	if err != nil {
		t.Fatalf("run_sub_agent: %v", err)
	}
	if strings.TrimSpace(out) != "ping" {
		t.Errorf("output = %q", out)
	}

	listed, err := b.CallTool(context.Background(), "list_sub_agents", "{}")
	if err != nil {
		t.Fatalf("list_sub_agents: %v", err)
	}
	if !strings.Contains(listed, `"echo"`) {
		t.Errorf("listing = %q", listed)
	}
}

func TestSuggestCreatesReviewAndQueuesOnConfirm(t *testing.T) {
	r := testRouter(t, AgentSpec{ID: "a", Mode: ModeCommand, Command: "echo"})
	hub := review.NewHub()
	b := &Backend{Router: r, Reviews: hub}

	ctx := tools.WithTurnInfo(context.Background(), tools.TurnInfo{SessionID: "s1", TurnID: "t1"})
	out, err := b.CallTool(ctx, "suggest_sub_agent", `{"query":"cleanup","tasks":[{"title":"delete old logs"}]}`)
	if err != nil {
		t.Fatalf("suggest_sub_agent: %v", err)
	}

	var payload struct {
		Event     string             `json:"event"`
		ReviewID  string             `json:"review_id"`
		SessionID string             `json:"session_id"`
		Tasks     []models.TaskDraft `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if payload.Event != string(models.EventTaskReviewRequired) || payload.SessionID != "s1" {
		t.Errorf("payload = %+v", payload)
	}
	if len(payload.Tasks) != 1 || payload.Tasks[0].Priority != models.TaskPriorityMedium {
		t.Errorf("tasks not normalized: %+v", payload.Tasks)
	}

	if err := hub.SubmitDecision(payload.ReviewID, review.ActionConfirm, payload.Tasks, ""); err != nil {
		t.Fatalf("SubmitDecision: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if jobs := r.Jobs.List(); len(jobs) == 1 {
			if jobs[0].Task != "delete old logs" || jobs[0].SessionID != "s1" {
				t.Errorf("queued job = %+v", jobs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("confirmed task never queued")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// scriptedLLM streams a fixed reply for AI-mode runs.
type scriptedLLM struct{ reply string }

func (c *scriptedLLM) Stream(ctx context.Context, req *provider.Request) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent, 2)
	ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: c.reply}
	ch <- provider.StreamEvent{Type: provider.EventFinish, FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func TestExecuteAIMode(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	mc := &models.ModelConfig{ID: "m1", Provider: "openai", Model: "gpt-test", Enabled: true}
	if err := ms.PutModelConfig(ctx, mc); err != nil {
		t.Fatal(err)
	}
	agent := &models.Agent{ID: "writer", ModelConfigID: "m1", Enabled: true}
	if err := ms.PutAgent(ctx, agent); err != nil {
		t.Fatal(err)
	}

	orch := &orchestrator.Orchestrator{
		Store:  ms,
		Aborts: abort.NewRegistry(),
		Settings: settings.NewResolver(settings.Defaults{
			MaxIterations: 5,
			HistoryLimit:  50,
		}),
		ClientFor: func(*models.ModelConfig) (provider.Client, error) {
			return &scriptedLLM{reply: "drafted"}, nil
		},
	}
	r := testRouter(t, AgentSpec{ID: "ai-writer", Name: "AI Writer", Mode: ModeAI, AgentID: "writer"})
	r.Store = ms
	r.Orch = orch

	out, err := r.Execute(ctx, ExecuteRequest{
		ResolveRequest: ResolveRequest{AgentID: "ai-writer"},
		Input:          "write a haiku",
		UserID:         "u1",
	}, nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "drafted" {
		t.Errorf("output = %q", out)
	}

	job := r.Jobs.List()[0]
	if job.Status != JobStatusDone {
		t.Fatalf("job = %+v", job)
	}
	var sawContent bool
	for _, ev := range job.Events {
		if ev.Type == EventAIContentStream {
			sawContent = true
		}
	}
	if !sawContent {
		t.Errorf("no ai_content_stream in %+v", job.Events)
	}

	// The nested turn ran in its own session.
	msgs, err := ms.GetRecent(ctx, "subagent-"+job.ID, 10, 0)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("nested session messages = %d, %v", len(msgs), err)
	}
}
