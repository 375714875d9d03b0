package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/chatos/internal/store"
	"github.com/haasonsaas/chatos/pkg/models"
)

func TestNormalizeIDs(t *testing.T) {
	in := []string{" a ", "b", "", "   ", "a", "c", "b"}
	got := NormalizeIDs(in)
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	// Idempotent.
	again := NormalizeIDs(got)
	if len(again) != len(got) {
		t.Errorf("second pass changed the list: %v", again)
	}
}

func TestAliasFor(t *testing.T) {
	cases := map[string]string{
		"builtin_sub_agent_router": "sub_agent_router",
		"My-Server.01":             "my_server_01",
		"__weird__":                "weird",
	}
	for id, want := range cases {
		if got := aliasFor(id); got != want {
			t.Errorf("aliasFor(%q) = %q, want %q", id, got, want)
		}
	}
}

func TestDedupCalls(t *testing.T) {
	calls := []models.ToolCall{
		{ID: "c1", Name: "srv_read", Arguments: `{"path":"a"}`},
		{ID: "c2", Name: "srv_read", Arguments: `{"path":"b"}`},
		{ID: "c3", Name: "srv_read", Arguments: `{"path":"a"}`},
	}
	uniques, canonical := DedupCalls(calls)
	if len(uniques) != 2 {
		t.Fatalf("uniques = %d, want 2", len(uniques))
	}
	if canonical["c3"] != "c1" || canonical["c1"] != "c1" || canonical["c2"] != "c2" {
		t.Errorf("canonical = %v", canonical)
	}
}

func TestDedupCollapsesSuggestSubAgent(t *testing.T) {
	// Different arguments still collapse for the suggestion tool.
	calls := []models.ToolCall{
		{ID: "c1", Name: "router_suggest_sub_agent", Arguments: `{"query":"x"}`},
		{ID: "c2", Name: "router_suggest_sub_agent", Arguments: `{"query":"y"}`},
	}
	uniques, canonical := DedupCalls(calls)
	if len(uniques) != 1 {
		t.Fatalf("uniques = %d, want 1", len(uniques))
	}
	if canonical["c2"] != "c1" {
		t.Errorf("canonical[c2] = %q, want c1", canonical["c2"])
	}
}

// fakeBackend records calls and answers from a scripted table.
type fakeBackend struct {
	mu       sync.Mutex
	specs    []Spec
	answers  map[string]string
	failWith map[string]error
	calls    []string
	delay    map[string]time.Duration
	active   atomic.Int32
	peak     atomic.Int32
}

func (f *fakeBackend) ListTools(context.Context) ([]Spec, error) { return f.specs, nil }

func (f *fakeBackend) CallTool(ctx context.Context, name, args string) (string, error) {
	cur := f.active.Add(1)
	for {
		prev := f.peak.Load()
		if cur <= prev || f.peak.CompareAndSwap(prev, cur) {
			break
		}
	}
	defer f.active.Add(-1)
	if d, ok := f.delay[name]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
	if err, ok := f.failWith[name]; ok {
		return "", err
	}
	return f.answers[name], nil
}

func (f *fakeBackend) Close() error { return nil }

func loadTestRegistry(t *testing.T, backend *fakeBackend) *Registry {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()
	if err := st.PutToolGroup(ctx, &models.ToolGroup{ID: "srv", Kind: models.ToolGroupBuiltin, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	loader := &Loader{
		Store: st,
		Builtins: map[string]BuiltinFactory{
			"srv": func(*models.ToolGroup) (Backend, error) { return backend, nil },
		},
	}
	reg, err := loader.Load(ctx, "u1", []string{"srv"})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestExecuteSubmissionOrderAndContainment(t *testing.T) {
	backend := &fakeBackend{
		specs: []Spec{
			{Name: "slow"}, {Name: "fast"}, {Name: "bad"},
		},
		answers:  map[string]string{"slow": "S", "fast": "F"},
		failWith: map[string]error{"bad": fmt.Errorf("boom")},
		delay:    map[string]time.Duration{"slow": 50 * time.Millisecond},
	}
	reg := loadTestRegistry(t, backend)
	defer reg.Close()

	results := reg.Execute(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "srv_slow"},
		{ID: "c2", Name: "srv_bad"},
		{ID: "c3", Name: "srv_fast"},
	})
	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	// Submission order regardless of completion order.
	if results[0].ToolCallID != "c1" || results[1].ToolCallID != "c2" || results[2].ToolCallID != "c3" {
		t.Errorf("order = %v %v %v", results[0].ToolCallID, results[1].ToolCallID, results[2].ToolCallID)
	}
	if results[0].Content != "S" || results[2].Content != "F" {
		t.Errorf("contents = %q %q", results[0].Content, results[2].Content)
	}
	if !results[1].IsError() || !strings.Contains(results[1].Content, "boom") {
		t.Errorf("failed call not contained: %+v", results[1])
	}
}

func TestExecuteExpandsDuplicates(t *testing.T) {
	backend := &fakeBackend{
		specs:   []Spec{{Name: "read"}},
		answers: map[string]string{"read": "data"},
	}
	reg := loadTestRegistry(t, backend)
	defer reg.Close()

	results := reg.Execute(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "srv_read", Arguments: `{"p":1}`},
		{ID: "c2", Name: "srv_read", Arguments: `{"p":1}`},
	})
	if len(backend.calls) != 1 {
		t.Fatalf("backend ran %d times, want 1", len(backend.calls))
	}
	if len(results) != 2 || results[0].Content != "data" || results[1].Content != "data" {
		t.Fatalf("results = %+v", results)
	}
	if results[1].ToolCallID != "c2" {
		t.Errorf("duplicate kept id %q", results[1].ToolCallID)
	}
}

func TestExecuteBoundedFanOut(t *testing.T) {
	specs := make([]Spec, 8)
	answers := map[string]string{}
	delay := map[string]time.Duration{}
	calls := make([]models.ToolCall, 8)
	for i := range specs {
		name := fmt.Sprintf("t%d", i)
		specs[i] = Spec{Name: name}
		answers[name] = "ok"
		delay[name] = 20 * time.Millisecond
		calls[i] = models.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "srv_" + name}
	}
	backend := &fakeBackend{specs: specs, answers: answers, delay: delay}
	reg := loadTestRegistry(t, backend)
	defer reg.Close()

	reg.Execute(context.Background(), calls)
	if peak := backend.peak.Load(); peak > defaultMaxParallel {
		t.Errorf("peak concurrency %d exceeds bound %d", peak, defaultMaxParallel)
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	backend := &fakeBackend{
		specs: []Spec{{
			Name: "typed",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"count": map[string]any{"type": "integer"}},
				"required":   []any{"count"},
			},
		}},
		answers: map[string]string{"typed": "ran"},
	}
	reg := loadTestRegistry(t, backend)
	defer reg.Close()

	results := reg.Execute(context.Background(), []models.ToolCall{
		{ID: "c1", Name: "srv_typed", Arguments: `{"count":"three"}`},
		{ID: "c2", Name: "srv_typed", Arguments: `{"count":3}`},
	})
	if !results[0].IsError() || !strings.Contains(results[0].Content, "invalid arguments") {
		t.Errorf("invalid args not rejected: %+v", results[0])
	}
	if results[1].IsError() || results[1].Content != "ran" {
		t.Errorf("valid args rejected: %+v", results[1])
	}
	// The invalid call never reached the backend.
	if len(backend.calls) != 1 {
		t.Errorf("backend calls = %v", backend.calls)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	reg := loadTestRegistry(t, &fakeBackend{specs: []Spec{{Name: "x"}}})
	defer reg.Close()
	results := reg.Execute(context.Background(), []models.ToolCall{{ID: "c1", Name: "nope"}})
	if !results[0].IsError() || !strings.Contains(results[0].Content, "unknown tool") {
		t.Errorf("result = %+v", results[0])
	}
}

func TestLoadFiltersGroups(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	groups := []*models.ToolGroup{
		{ID: "mine", Kind: models.ToolGroupBuiltin, UserID: "u1", Enabled: true},
		{ID: "theirs", Kind: models.ToolGroupBuiltin, UserID: "u2", Enabled: true},
		{ID: "off", Kind: models.ToolGroupBuiltin, Enabled: false},
	}
	for _, g := range groups {
		if err := st.PutToolGroup(ctx, g); err != nil {
			t.Fatal(err)
		}
	}
	factory := func(*models.ToolGroup) (Backend, error) {
		return &fakeBackend{specs: []Spec{{Name: "go"}}}, nil
	}
	loader := &Loader{
		Store: st,
		Builtins: map[string]BuiltinFactory{
			"mine": factory, "theirs": factory, "off": factory,
		},
	}

	reg, err := loader.Load(ctx, "u1", []string{"mine", "theirs", "off", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	if reg.Len() != 1 {
		t.Fatalf("registry has %d tools, want 1", reg.Len())
	}
	defs := reg.ListTools()
	if defs[0].Name != "mine_go" {
		t.Errorf("tool name = %q, want mine_go", defs[0].Name)
	}
}

func TestLoadSynthesizesBuiltinGroup(t *testing.T) {
	// A builtin id needs no catalog row.
	loader := &Loader{
		Store: store.NewMemoryStore(),
		Builtins: map[string]BuiltinFactory{
			models.BuiltinIDPrefix + "sub_agent_router": func(*models.ToolGroup) (Backend, error) {
				return &fakeBackend{specs: []Spec{{Name: "run_sub_agent"}}}, nil
			},
		},
	}
	reg, err := loader.Load(context.Background(), "u1", []string{models.BuiltinIDPrefix + "sub_agent_router"})
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	if reg.Len() != 1 || reg.ListTools()[0].Name != "sub_agent_router_run_sub_agent" {
		t.Fatalf("tools = %+v", reg.ListTools())
	}
}
