package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/chatos/internal/abort"
	"github.com/haasonsaas/chatos/internal/compaction"
	"github.com/haasonsaas/chatos/internal/observability"
	"github.com/haasonsaas/chatos/internal/provider"
	"github.com/haasonsaas/chatos/internal/settings"
	"github.com/haasonsaas/chatos/internal/store"
	"github.com/haasonsaas/chatos/internal/tools"
	"github.com/haasonsaas/chatos/pkg/models"
)

// scriptedClient plays back one event slice (or error) per provider call.
type scriptedClient struct {
	mu       sync.Mutex
	turns    []scriptedTurn
	requests []*provider.Request
}

type scriptedTurn struct {
	events []provider.StreamEvent
	err    error
}

func (c *scriptedClient) Stream(ctx context.Context, req *provider.Request) (<-chan provider.StreamEvent, error) {
	c.mu.Lock()
	idx := len(c.requests)
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if idx >= len(c.turns) {
		return nil, fmt.Errorf("unexpected provider call %d", idx)
	}
	turn := c.turns[idx]
	if turn.err != nil {
		return nil, turn.err
	}
	ch := make(chan provider.StreamEvent, len(turn.events))
	for _, ev := range turn.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func finishEvent(reason string, calls ...models.ToolCall) provider.StreamEvent {
	return provider.StreamEvent{Type: provider.EventFinish, FinishReason: reason, ToolCalls: calls}
}

func contentEvent(text string) provider.StreamEvent {
	return provider.StreamEvent{Type: provider.EventContentDelta, Content: text}
}

type testEnv struct {
	orch   *Orchestrator
	store  *store.MemoryStore
	client *scriptedClient
	sink   *CollectSink
}

func newTestEnv(t *testing.T, turns []scriptedTurn) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.CreateSession(ctx, &models.Session{ID: "s1", Title: "New Chat", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutModelConfig(ctx, &models.ModelConfig{ID: "m1", Provider: "gpt", Model: "gpt-test", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutAgent(ctx, &models.Agent{ID: "a1", ModelConfigID: "m1", SystemPrompt: "be helpful", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	client := &scriptedClient{turns: turns}
	orch := &Orchestrator{
		Store:  st,
		Aborts: abort.NewRegistry(),
		Settings: settings.NewResolver(settings.Defaults{
			SummaryEnabled:        true,
			DynamicSummaryEnabled: true,
			SummaryMessageLimit:   100,
			SummaryMaxContext:     100000,
			SummaryKeepLastN:      2,
			SummaryTargetTokens:   700,
			MaxIterations:         25,
			HistoryLimit:          200,
		}),
		Metrics:   observability.NewMetrics(prometheus.NewRegistry()),
		Locks:     NewSessionLocks(),
		ClientFor: func(*models.ModelConfig) (provider.Client, error) { return client, nil },
	}
	return &testEnv{orch: orch, store: st, client: client, sink: &CollectSink{}}
}

func (e *testEnv) run(t *testing.T, req *TurnRequest) error {
	t.Helper()
	return e.orch.Run(context.Background(), req, e.sink)
}

func eventNames(events []CollectedEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.Raw != "" {
			out = append(out, "raw")
			continue
		}
		out = append(out, string(ev.Event))
	}
	return out
}

func TestSimpleTurnCompletes(t *testing.T) {
	env := newTestEnv(t, []scriptedTurn{
		{events: []provider.StreamEvent{
			contentEvent("Hel"),
			contentEvent("lo"),
			{Type: provider.EventUsage, Usage: &provider.Usage{PromptTokens: 10, CompletionTokens: 2}},
			finishEvent("stop"),
		}},
	})
	err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "a1", Content: "say hello"})
	if err != nil {
		t.Fatal(err)
	}

	names := eventNames(env.sink.Events())
	want := []string{"start", "chunk", "chunk", "complete"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", names, want)
	}
	last := env.sink.Events()[len(names)-1]
	if last.Fields["content"] != "Hello" {
		t.Errorf("complete content = %v", last.Fields["content"])
	}

	msgs, err := env.store.GetRecent(context.Background(), "s1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("persisted %d messages: %+v", len(msgs), msgs)
	}
	if msgs[0].Metadata["conversation_turn_id"] == "" {
		t.Error("user message missing conversation_turn_id")
	}
	if msgs[1].Content != "Hello" {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}

	// Title derivation is async; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, err := env.store.GetSession(context.Background(), "s1")
		if err != nil {
			t.Fatal(err)
		}
		if sess.Title == "say hello" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("title not derived, still %q", sess.Title)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSystemPromptAndToolsForwarded(t *testing.T) {
	env := newTestEnv(t, []scriptedTurn{
		{events: []provider.StreamEvent{contentEvent("ok"), finishEvent("stop")}},
	})
	if err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "a1", Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	req := env.client.requests[0]
	if req.System != "be helpful" || req.Model != "gpt-test" {
		t.Errorf("request = %+v", req)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "hi" {
		t.Errorf("history = %+v", req.Messages)
	}
}

func TestAgentUnavailable(t *testing.T) {
	env := newTestEnv(t, nil)
	err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "ghost", Content: "hi"})
	if !errors.Is(err, ErrAgentUnavailable) {
		t.Fatalf("err = %v", err)
	}
	events := env.sink.Events()
	if len(events) != 1 || events[0].Event != models.EventError {
		t.Fatalf("events = %v", eventNames(events))
	}
	if events[0].Fields["error"] != "Agent 不存在或已禁用" {
		t.Errorf("error text = %v", events[0].Fields["error"])
	}
}

func TestDisabledModelConfig(t *testing.T) {
	env := newTestEnv(t, nil)
	mc, _ := env.store.GetModelConfig(context.Background(), "m1")
	mc.Enabled = false
	if err := env.store.PutModelConfig(context.Background(), mc); err != nil {
		t.Fatal(err)
	}
	err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "a1", Content: "hi"})
	if !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

// echoBackend answers every tool with a fixed string.
type echoBackend struct {
	specs  []tools.Spec
	answer string
}

func (b *echoBackend) ListTools(context.Context) ([]tools.Spec, error) { return b.specs, nil }
func (b *echoBackend) CallTool(ctx context.Context, name, args string) (string, error) {
	return b.answer, nil
}
func (b *echoBackend) Close() error { return nil }

func withEchoTool(t *testing.T, env *testEnv, answer string) {
	t.Helper()
	ctx := context.Background()
	if err := env.store.PutToolGroup(ctx, &models.ToolGroup{ID: "srv", Kind: models.ToolGroupBuiltin, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	agent, _ := env.store.GetAgent(ctx, "a1")
	agent.ToolGroupIDs = []string{"srv"}
	if err := env.store.PutAgent(ctx, agent); err != nil {
		t.Fatal(err)
	}
	env.orch.Tools = &tools.Loader{
		Store: env.store,
		Builtins: map[string]tools.BuiltinFactory{
			"srv": func(*models.ToolGroup) (tools.Backend, error) {
				return &echoBackend{
					specs:  []tools.Spec{{Name: "echo"}, {Name: "suggest_sub_agent"}},
					answer: answer,
				}, nil
			},
		},
	}
}

func TestToolLoop(t *testing.T) {
	env := newTestEnv(t, []scriptedTurn{
		{events: []provider.StreamEvent{
			finishEvent("tool_calls", models.ToolCall{ID: "c1", Name: "srv_echo", Arguments: `{"q":"x"}`}),
		}},
		{events: []provider.StreamEvent{contentEvent("done"), finishEvent("stop")}},
	})
	withEchoTool(t, env, "tool says hi")

	if err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "a1", Content: "go"}); err != nil {
		t.Fatal(err)
	}

	names := eventNames(env.sink.Events())
	want := []string{"start", "tools_start", "tools_stream", "tools_end", "chunk", "complete"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", names, want)
	}

	msgs, _ := env.store.GetRecent(context.Background(), "s1", 10, 0)
	// user, assistant(tool_calls), tool, assistant(final)
	if len(msgs) != 4 {
		t.Fatalf("persisted %d messages", len(msgs))
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].ID != "c1" {
		t.Errorf("assistant tool calls = %+v", msgs[1].ToolCalls)
	}
	if msgs[2].Role != models.RoleTool || msgs[2].ToolCallID != "c1" || msgs[2].Content != "tool says hi" {
		t.Errorf("tool message = %+v", msgs[2])
	}

	// Second provider call sees the exchange.
	second := env.client.requests[1]
	if len(second.Messages) != 3 {
		t.Errorf("second call history = %d messages", len(second.Messages))
	}
}

func TestReviewPayloadReemittedRaw(t *testing.T) {
	payload := `{"event":"task_create_review_required","review_id":"r1"}`
	env := newTestEnv(t, []scriptedTurn{
		{events: []provider.StreamEvent{
			finishEvent("tool_calls",
				models.ToolCall{ID: "c1", Name: "srv_suggest_sub_agent", Arguments: `{"q":"a"}`},
				models.ToolCall{ID: "c2", Name: "srv_suggest_sub_agent", Arguments: `{"q":"b"}`},
			),
		}},
		{events: []provider.StreamEvent{finishEvent("stop")}},
	})
	withEchoTool(t, env, payload)

	if err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "a1", Content: "go"}); err != nil {
		t.Fatal(err)
	}

	var raws, streams int
	var displayCalls int
	for _, ev := range env.sink.Events() {
		switch {
		case ev.Raw == payload:
			raws++
		case ev.Event == models.EventToolsStream:
			streams++
		case ev.Event == models.EventToolsStart:
			displayCalls = len(ev.Fields["tool_calls"].([]map[string]any))
		}
	}
	// Both call ids get results, each review payload re-emitted raw.
	if streams != 2 || raws != 2 {
		t.Errorf("streams = %d, raws = %d", streams, raws)
	}
	// Display list is deduplicated to the single execution.
	if displayCalls != 1 {
		t.Errorf("display calls = %d, want 1", displayCalls)
	}
}

func TestAbortMidStream(t *testing.T) {
	env := newTestEnv(t, nil)
	// A client that aborts the session after the first delta.
	env.orch.ClientFor = func(*models.ModelConfig) (provider.Client, error) {
		return streamFunc(func(ctx context.Context, req *provider.Request) (<-chan provider.StreamEvent, error) {
			ch := make(chan provider.StreamEvent)
			go func() {
				defer close(ch)
				ch <- contentEvent("partial")
				env.orch.Aborts.Abort("s1")
				ch <- contentEvent(" more")
				ch <- finishEvent("stop")
			}()
			return ch, nil
		}), nil
	}

	err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "a1", Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	names := eventNames(env.sink.Events())
	if names[len(names)-1] != "cancelled" {
		t.Fatalf("events = %v, want trailing cancelled", names)
	}
	for _, n := range names {
		if n == "complete" {
			t.Error("cancelled turn must not complete")
		}
	}
	// The partial assistant message is not persisted.
	msgs, _ := env.store.GetRecent(context.Background(), "s1", 10, 0)
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Errorf("persisted = %+v", msgs)
	}
}

type streamFunc func(ctx context.Context, req *provider.Request) (<-chan provider.StreamEvent, error)

func (f streamFunc) Stream(ctx context.Context, req *provider.Request) (<-chan provider.StreamEvent, error) {
	return f(ctx, req)
}

func seedHistory(t *testing.T, st *store.MemoryStore, n int) {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		_, err := st.AppendMessage(context.Background(), &models.Message{
			SessionID: "s1",
			Role:      role,
			Content:   fmt.Sprintf("message %d about the ongoing work", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestOverflowCompactsAndRetries(t *testing.T) {
	overflow := errors.New("This model's maximum context length is 128000 tokens")
	env := newTestEnv(t, []scriptedTurn{
		{err: overflow},
		{events: []provider.StreamEvent{contentEvent("compressed history"), finishEvent("stop")}}, // summarizer
		{events: []provider.StreamEvent{contentEvent("answer"), finishEvent("stop")}},             // retry
	})
	seedHistory(t, env.store, 6)

	if err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "a1", Content: "latest question"}); err != nil {
		t.Fatal(err)
	}

	names := eventNames(env.sink.Events())
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, "context_summarized_start") || !strings.Contains(joined, "context_summarized_end") {
		t.Fatalf("no compaction events: %v", names)
	}
	if names[len(names)-1] != "complete" {
		t.Fatalf("turn did not complete: %v", names)
	}

	sum, err := env.store.LatestSummary(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Text != "compressed history" {
		t.Errorf("summary text = %q", sum.Text)
	}

	// The retry call carries the summary as a leading system message.
	retry := env.client.requests[2]
	if len(retry.Messages) == 0 || retry.Messages[0].Role != models.RoleSystem {
		t.Fatalf("retry history = %+v", retry.Messages)
	}
	if !strings.Contains(retry.Messages[0].Content, "compressed history") {
		t.Errorf("retry summary = %q", retry.Messages[0].Content)
	}
}

func TestSecondOverflowIsFatal(t *testing.T) {
	overflow := errors.New("context_length_exceeded")
	env := newTestEnv(t, []scriptedTurn{
		{err: overflow},
		{events: []provider.StreamEvent{contentEvent("summary"), finishEvent("stop")}},
		{err: overflow},
	})
	seedHistory(t, env.store, 6)

	err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "a1", Content: "q"})
	if err == nil || !compaction.IsContextOverflow(err) {
		t.Fatalf("err = %v", err)
	}
	names := eventNames(env.sink.Events())
	if names[len(names)-1] != "error" {
		t.Errorf("events = %v", names)
	}
}

func TestMaxIterationsExhausted(t *testing.T) {
	// Every turn asks for another tool call.
	turns := make([]scriptedTurn, 3)
	for i := range turns {
		turns[i] = scriptedTurn{events: []provider.StreamEvent{
			finishEvent("tool_calls", models.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "srv_echo", Arguments: "{}"}),
		}}
	}
	env := newTestEnv(t, turns)
	withEchoTool(t, env, "again")
	if err := env.store.PutUserSettings(context.Background(), "u1", map[string]any{"MAX_ITERATIONS": 3}); err != nil {
		t.Fatal(err)
	}

	err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "a1", Content: "loop"})
	if !errors.Is(err, ErrMaxIterations) {
		t.Fatalf("err = %v", err)
	}
	if env.client.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", env.client.callCount())
	}
}

func TestEffectiveReasoning(t *testing.T) {
	env := newTestEnv(t, []scriptedTurn{
		{events: []provider.StreamEvent{finishEvent("stop")}},
		{events: []provider.StreamEvent{finishEvent("stop")}},
	})
	// Model without reasoning support: the request flag has no effect.
	if err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "a1", Content: "a", ReasoningRequested: true}); err != nil {
		t.Fatal(err)
	}
	if env.client.requests[0].ReasoningEnabled {
		t.Error("reasoning enabled on unsupporting model")
	}

	mc, _ := env.store.GetModelConfig(context.Background(), "m1")
	mc.SupportsReasoning = true
	mc.ThinkingLevel = models.ThinkingHigh
	if err := env.store.PutModelConfig(context.Background(), mc); err != nil {
		t.Fatal(err)
	}
	if err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "a1", Content: "b", ReasoningRequested: true}); err != nil {
		t.Fatal(err)
	}
	second := env.client.requests[1]
	if !second.ReasoningEnabled || second.ReasoningEffort != "high" {
		t.Errorf("request = %+v", second)
	}
}

func TestRetryTarget(t *testing.T) {
	cases := []struct {
		name string
		eff  settings.Effective
		err  error
		want int
	}{
		{
			name: "no budget in message",
			eff:  settings.Effective{SummaryMaxContext: 100000, SummaryTargetTokens: 700},
			err:  errors.New("context_length_exceeded"),
			want: 0,
		},
		{
			name: "budget above configured window",
			eff:  settings.Effective{SummaryMaxContext: 6000, SummaryTargetTokens: 700},
			err:  errors.New("maximum context length is 128000 tokens"),
			want: 0,
		},
		{
			name: "target fits under budget",
			eff:  settings.Effective{SummaryMaxContext: 100000, SummaryTargetTokens: 700},
			err:  errors.New("maximum context length is 4096 tokens"),
			want: 700,
		},
		{
			name: "budget tighter than target",
			eff:  settings.Effective{SummaryMaxContext: 100000, SummaryTargetTokens: 8000},
			err:  errors.New("maximum context length is 4096 tokens"),
			want: 2048,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := retryTarget(tc.eff, tc.err); got != tc.want {
				t.Errorf("retryTarget = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestResponseChainSendsOnlyNewItems(t *testing.T) {
	first := finishEvent("tool_calls", models.ToolCall{ID: "c1", Name: "srv_echo", Arguments: "{}"})
	first.ResponseID = "resp-1"
	env := newTestEnv(t, []scriptedTurn{
		{events: []provider.StreamEvent{first}},
		{events: []provider.StreamEvent{contentEvent("done"), finishEvent("stop")}},
	})
	withEchoTool(t, env, "result")

	if err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "a1", Content: "go"}); err != nil {
		t.Fatal(err)
	}

	if env.client.requests[0].PreviousResponseID != "" {
		t.Errorf("first call chained: %q", env.client.requests[0].PreviousResponseID)
	}
	second := env.client.requests[1]
	if second.PreviousResponseID != "resp-1" {
		t.Fatalf("previous response id = %q", second.PreviousResponseID)
	}
	// Full history stays available for chain resets; the delta carries only
	// the tool result the chained response has not seen.
	if len(second.Messages) != 3 {
		t.Errorf("full history = %d messages", len(second.Messages))
	}
	if len(second.ChainedMessages) != 1 {
		t.Fatalf("chained delta = %d messages", len(second.ChainedMessages))
	}
	delta := second.ChainedMessages[0]
	if delta.Role != models.RoleTool || delta.ToolCallID != "c1" || delta.Content != "result" {
		t.Errorf("chained delta = %+v", delta)
	}
}

func TestTurnAndToolSpansRecorded(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	env := newTestEnv(t, []scriptedTurn{
		{events: []provider.StreamEvent{
			finishEvent("tool_calls", models.ToolCall{ID: "c1", Name: "srv_echo", Arguments: "{}"}),
		}},
		{events: []provider.StreamEvent{contentEvent("done"), finishEvent("stop")}},
	})
	withEchoTool(t, env, "ok")
	tracer, shutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "chatos-test"})
	defer shutdown(context.Background())
	env.orch.Tracer = tracer

	if err := env.run(t, &TurnRequest{SessionID: "s1", UserID: "u1", AgentID: "a1", Content: "go"}); err != nil {
		t.Fatal(err)
	}

	byName := map[string]int{}
	for _, span := range sr.Ended() {
		byName[span.Name()]++
	}
	if byName["chat.turn"] != 1 || byName["chat.tools"] != 1 {
		t.Fatalf("spans = %v", byName)
	}
	for _, span := range sr.Ended() {
		if span.Name() != "chat.turn" {
			continue
		}
		found := false
		for _, attr := range span.Attributes() {
			if string(attr.Key) == "session.id" && attr.Value.AsString() == "s1" {
				found = true
			}
		}
		if !found {
			t.Errorf("chat.turn attributes = %v", span.Attributes())
		}
	}
}
