package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/chatos/internal/abort"
	"github.com/haasonsaas/chatos/internal/observability"
	"github.com/haasonsaas/chatos/internal/orchestrator"
	"github.com/haasonsaas/chatos/internal/provider"
	"github.com/haasonsaas/chatos/internal/review"
	"github.com/haasonsaas/chatos/internal/settings"
	"github.com/haasonsaas/chatos/internal/store"
	"github.com/haasonsaas/chatos/internal/subagent"
	"github.com/haasonsaas/chatos/pkg/models"
)

type fixedClient struct{ reply string }

func (c *fixedClient) Stream(ctx context.Context, req *provider.Request) (<-chan provider.StreamEvent, error) {
	ch := make(chan provider.StreamEvent, 2)
	ch <- provider.StreamEvent{Type: provider.EventContentDelta, Content: c.reply}
	ch <- provider.StreamEvent{Type: provider.EventFinish, FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	if err := ms.PutModelConfig(ctx, &models.ModelConfig{ID: "m1", Provider: "openai", Model: "gpt-test", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if err := ms.PutAgent(ctx, &models.Agent{ID: "a1", ModelConfigID: "m1", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	aborts := abort.NewRegistry()
	orch := &orchestrator.Orchestrator{
		Store:  ms,
		Aborts: aborts,
		Settings: settings.NewResolver(settings.Defaults{
			MaxIterations: 5,
			HistoryLimit:  50,
		}),
		ClientFor: func(*models.ModelConfig) (provider.Client, error) {
			return &fixedClient{reply: "hi there"}, nil
		},
	}
	return &Server{
		Store:   ms,
		Orch:    orch,
		Aborts:  aborts,
		Reviews: review.NewHub(),
		Jobs:    subagent.NewJobStore(""),
		Metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}, ms
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndRoot(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"chatos"`) {
		t.Errorf("root = %d %s", rec.Code, rec.Body.String())
	}
}

func TestSessionCRUD(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/sessions", `{"title":"Project X","user_id":"u1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rec.Code, rec.Body.String())
	}
	var created models.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	rec = doJSON(t, h, http.MethodGet, "/api/sessions/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPut, "/api/sessions/"+created.ID, `{"title":"Renamed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename = %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/sessions?user_id=u1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Renamed") {
		t.Errorf("list = %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodDelete, "/api/sessions/"+created.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/api/sessions/"+created.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d", rec.Code)
	}
}

func TestUserSettingsWhitelist(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPut, "/api/user-settings",
		`{"user_id":"u1","values":{"NOT_A_SETTING":1}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad key accepted: %d", rec.Code)
	}

	rec = doJSON(t, h, http.MethodPut, "/api/user-settings",
		`{"user_id":"u1","values":{"MAX_ITERATIONS":3}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put = %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/api/user-settings?user_id=u1", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "MAX_ITERATIONS") {
		t.Errorf("get = %d %s", rec.Code, rec.Body.String())
	}
}

func TestChatStreamValidation(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/agent_v3/agents/chat/stream",
		`{"session_id":"s1","agent_id":"a1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing content = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "content is required") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Errorf("validation errors must be JSON, got %q", ct)
	}
}

func TestChatStreamEmitsEvents(t *testing.T) {
	s, ms := newTestServer(t)
	h := s.Handler()
	if err := ms.CreateSession(context.Background(), &models.Session{ID: "s1", Title: "New Chat", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/agent_v3/agents/chat/stream",
		`{"session_id":"s1","agent_id":"a1","user_id":"u1","content":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream = %d %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{`"event":"start"`, `"event":"chunk"`, `"event":"complete"`, "hi there"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
	frames := strings.Split(strings.TrimSpace(body), "\n\n")
	if last := frames[len(frames)-1]; last != "data: [DONE]" {
		t.Errorf("last frame = %q", last)
	}
}

func TestChatStreamUnknownAgentIsSSEError(t *testing.T) {
	s, ms := newTestServer(t)
	h := s.Handler()
	if err := ms.CreateSession(context.Background(), &models.Session{ID: "s1", Title: "New Chat"}); err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, h, http.MethodPost, "/api/agent_v3/agents/chat/stream",
		`{"session_id":"s1","agent_id":"ghost","content":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("stream = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"event":"error"`) || !strings.Contains(body, "Agent") {
		t.Errorf("expected error event:\n%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("missing [DONE]:\n%s", body)
	}
}

func TestAbortEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/chat/abort", `{"session_id":"s9"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("abort = %d %s", rec.Code, rec.Body.String())
	}
	if !s.Aborts.IsAborted("s9") {
		t.Error("session not flagged")
	}
}

func TestReviewDecision(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/task-manager/reviews/ghost/decision",
		`{"action":"confirm","tasks":[{"title":"x"}]}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown review = %d", rec.Code)
	}

	rv, future := s.Reviews.Create("s1", "t1", []models.TaskDraft{{Title: "do it"}}, 0)
	rec = doJSON(t, h, http.MethodPost, "/api/task-manager/reviews/"+rv.ID+"/decision",
		`{"action":"confirm","tasks":[{"title":"do it"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("decision = %d %s", rec.Code, rec.Body.String())
	}
	select {
	case decision := <-future:
		if decision.Action != review.ActionConfirm || len(decision.Tasks) != 1 {
			t.Errorf("decision = %+v", decision)
		}
	default:
		t.Error("future not resolved")
	}

	// Cancel with empty tasks is a validation error.
	rv2, _ := s.Reviews.Create("s1", "t1", []models.TaskDraft{{Title: "y"}}, 0)
	rec = doJSON(t, h, http.MethodPost, "/api/task-manager/reviews/"+rv2.ID+"/decision",
		`{"action":"confirm"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty confirm = %d", rec.Code)
	}
}

func TestListTasksFiltersBySession(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	s.Jobs.Create("s1", "t1", "first task", "")
	s.Jobs.Create("s2", "t2", "other task", "")

	rec := doJSON(t, h, http.MethodGet, "/api/task-manager/tasks?session_id=s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("tasks = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "first task") || strings.Contains(body, "other task") {
		t.Errorf("filtering broken: %s", body)
	}
}

func TestMeasureRecordsStatusAndDuration(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	doJSON(t, h, http.MethodGet, "/health", "")
	doJSON(t, h, http.MethodGet, "/api/sessions/ghost", "")

	if got := testutil.ToFloat64(s.Metrics.HTTPRequestCounter.WithLabelValues(http.MethodGet, "/health", "200")); got != 1 {
		t.Errorf("health counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(s.Metrics.HTTPRequestCounter.WithLabelValues(http.MethodGet, "/api/sessions/ghost", "404")); got != 1 {
		t.Errorf("404 counter = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(s.Metrics.HTTPRequestDuration); got == 0 {
		t.Error("no duration samples observed")
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow-origin = %q", got)
	}
}
