// Package orchestrator runs one streamed chat turn: resolve configuration,
// persist the user message, assemble the effective history, then iterate
// provider calls and tool batches until the model completes, the user
// aborts, or the iteration budget runs out. Context overflow triggers one
// in-turn compaction and a retry of the failed iteration.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/chatos/internal/abort"
	"github.com/haasonsaas/chatos/internal/compaction"
	"github.com/haasonsaas/chatos/internal/config"
	"github.com/haasonsaas/chatos/internal/observability"
	"github.com/haasonsaas/chatos/internal/provider"
	"github.com/haasonsaas/chatos/internal/settings"
	"github.com/haasonsaas/chatos/internal/store"
	"github.com/haasonsaas/chatos/internal/tools"
	"github.com/haasonsaas/chatos/pkg/models"
)

// Client-facing resolution failures, surfaced verbatim in the error event.
var (
	ErrAgentUnavailable = errors.New("Agent 不存在或已禁用")
	ErrModelUnavailable = errors.New("模型配置不可用或未启用")
	ErrMaxIterations    = errors.New("max iterations reached")
)

// TurnRequest describes one streamed chat request.
type TurnRequest struct {
	SessionID string
	UserID    string
	AgentID   string
	Content   string
	Parts     []models.ContentPart

	// ReasoningRequested asks for a reasoning trace; it only takes effect
	// when the model supports reasoning or has a thinking level configured.
	ReasoningRequested bool

	// ToolGroupIDs are request-scoped additions to the agent's groups.
	ToolGroupIDs []string

	// ModelOverride swaps the model name while keeping the agent's provider
	// credentials (the response-style arbitrary-model endpoint).
	ModelOverride string

	Temperature float64
	MaxTokens   int
}

// Orchestrator is a value: the sub-agent router instantiates a child with a
// restricted registry and a cancellation token linked to the parent turn.
type Orchestrator struct {
	Store    store.Store
	Tools    *tools.Loader
	Aborts   *abort.Registry
	Settings *settings.Resolver
	Summary  config.SummaryConfig

	ProviderOpts provider.Options
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer

	// Locks serializes turns per session when set.
	Locks *SessionLocks

	// Registry, when set, replaces catalog loading entirely (nested runs
	// pass a restricted view); the caller owns its disposal.
	Registry *tools.Registry

	// ClientFor overrides provider selection. Tests script it.
	ClientFor func(mc *models.ModelConfig) (provider.Client, error)
}

// turnState carries the per-turn mutable pieces through the iteration loop.
type turnState struct {
	req     *TurnRequest
	agent   *models.Agent
	mc      *models.ModelConfig
	eff     settings.Effective
	client  provider.Client
	reg     *tools.Registry
	history *turnHistory
	turnID  string

	reasoning  bool
	prevRespID string
	compacted  bool

	// chainLen counts the tail messages already covered by prevRespID's
	// server-held chain. Everything past it is new input for the next call.
	chainLen int
}

// chainDelta returns the tail messages the response chain has not seen yet.
func (st *turnState) chainDelta() []*models.Message {
	if st.prevRespID == "" || st.chainLen <= 0 || st.chainLen > len(st.history.tail) {
		return nil
	}
	return st.history.tail[st.chainLen:]
}

// Run executes one turn against the sink. It returns nil on complete and on
// cancelled; resolution and stream failures are emitted as error events and
// returned.
func (o *Orchestrator) Run(ctx context.Context, req *TurnRequest, sink EventSink) error {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", req.SessionID, "agent_id", req.AgentID)

	ctx, span := o.Tracer.Start(ctx, "chat.turn",
		attribute.String("session.id", req.SessionID),
		attribute.String("agent.id", req.AgentID))
	defer span.End()

	st, err := o.resolve(ctx, req)
	if err != nil {
		return o.fail(sink, req.SessionID, err)
	}

	if o.Locks != nil {
		unlock := o.Locks.Lock(req.SessionID)
		defer unlock()
	}

	// Begin abort: clear any stale flag, then wire this turn's cancel. A
	// user abort that raced in before SetCancel fires it immediately.
	o.Aborts.Reset(req.SessionID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.Aborts.SetCancel(req.SessionID, cancel)
	defer func() {
		if !o.Aborts.IsAborted(req.SessionID) {
			o.Aborts.Clear(req.SessionID)
		}
	}()

	o.emit(sink, req.SessionID, models.EventStart, nil)

	// Builtin tools that act on the calling session read the identity from
	// the call context.
	ctx = tools.WithTurnInfo(ctx, tools.TurnInfo{
		SessionID: req.SessionID,
		TurnID:    st.turnID,
		UserID:    req.UserID,
	})
	// Tools that spawn nested work can mirror progress onto this stream.
	ctx = WithSink(ctx, sink)

	if err := o.persistUserTurn(ctx, st); err != nil {
		return o.fail(sink, req.SessionID, err)
	}

	if o.Registry != nil {
		st.reg = o.Registry
	} else if o.Tools != nil {
		groups := append(append([]string{}, st.agent.ToolGroupIDs...), req.ToolGroupIDs...)
		reg, err := o.Tools.Load(ctx, req.UserID, groups)
		if err != nil {
			return o.fail(sink, req.SessionID, err)
		}
		st.reg = reg
		defer reg.Close()
	}

	if err := o.loadHistory(ctx, st); err != nil {
		return o.fail(sink, req.SessionID, err)
	}

	// Proactive compaction before the first call.
	if st.eff.SummaryEnabled && compaction.ShouldCompact(st.history.tail, st.eff.SummaryMaxContext, st.eff.SummaryMessageLimit) {
		if err := o.compact(ctx, st, sink, 0, "proactive"); err != nil {
			logger.Warn("proactive compaction failed, continuing with full history", "error", err)
		}
	}

	return o.iterate(ctx, st, sink, logger)
}

// resolve merges model config ← agent ← user settings ← request options.
func (o *Orchestrator) resolve(ctx context.Context, req *TurnRequest) (*turnState, error) {
	agent, err := o.Store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, ErrAgentUnavailable
	}
	if !agent.Enabled || (agent.UserID != "" && agent.UserID != req.UserID) {
		return nil, ErrAgentUnavailable
	}
	mc, err := o.Store.GetModelConfig(ctx, agent.ModelConfigID)
	if err != nil {
		return nil, ErrModelUnavailable
	}
	if !mc.Enabled {
		return nil, ErrModelUnavailable
	}
	if req.ModelOverride != "" {
		override := *mc
		override.Model = req.ModelOverride
		mc = &override
	}

	raw, err := o.Store.GetUserSettings(ctx, req.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	eff := o.Settings.Resolve(settings.Filter(raw))

	clientFor := o.ClientFor
	if clientFor == nil {
		clientFor = func(mc *models.ModelConfig) (provider.Client, error) {
			return provider.ForModelConfig(mc, o.ProviderOpts)
		}
	}
	client, err := clientFor(mc)
	if err != nil {
		return nil, err
	}

	return &turnState{
		req:       req,
		agent:     agent,
		mc:        mc,
		eff:       eff,
		client:    client,
		turnID:    uuid.NewString(),
		reasoning: (mc.SupportsReasoning || mc.ThinkingLevel != "") && req.ReasoningRequested,
	}, nil
}

// persistUserTurn appends the user message and kicks off title derivation.
func (o *Orchestrator) persistUserTurn(ctx context.Context, st *turnState) error {
	msg := &models.Message{
		SessionID: st.req.SessionID,
		Role:      models.RoleUser,
		Content:   st.req.Content,
		Parts:     sanitizeParts(st.req.Parts),
		Metadata:  map[string]any{"conversation_turn_id": st.turnID},
	}
	if _, err := o.Store.AppendMessage(ctx, msg); err != nil {
		return err
	}

	// Title derivation runs off-turn; a lost race is fine, the CAS only
	// replaces default titles.
	go func() {
		title := models.DeriveTitle(st.req.Content)
		if title == "" {
			return
		}
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := o.Store.RenameSessionIfDefault(bg, st.req.SessionID, title); err != nil {
			o.logger().Warn("title derivation failed", "session_id", st.req.SessionID, "error", err)
		}
	}()
	return nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, st *turnState) error {
	h := &turnHistory{}
	sum, err := o.Store.LatestSummary(ctx, st.req.SessionID)
	switch {
	case err == nil:
		h.summaryText = sum.Text
		tail, err := o.Store.GetAfter(ctx, st.req.SessionID, sum.LastMessageAt, st.eff.HistoryLimit)
		if err != nil {
			return err
		}
		h.tail = tail
	case errors.Is(err, store.ErrNotFound):
		tail, err := o.Store.GetRecent(ctx, st.req.SessionID, st.eff.HistoryLimit, 0)
		if err != nil {
			return err
		}
		h.tail = tail
	default:
		return err
	}
	h.tail = DropDuplicateTail(EnsureToolResponses(h.tail))
	st.history = h
	st.chainLen = 0
	return nil
}

// iterate is the provider/tool loop.
func (o *Orchestrator) iterate(ctx context.Context, st *turnState, sink EventSink, logger *slog.Logger) error {
	sid := st.req.SessionID
	for iter := 0; iter < st.eff.MaxIterations; {
		if o.Aborts.IsAborted(sid) {
			return o.cancelled(sink, sid)
		}

		preq := &provider.Request{
			Model:              st.mc.Model,
			System:             st.agent.SystemPrompt,
			Messages:           st.history.providerMessages(),
			Tools:              toolDefs(st.reg),
			Temperature:        st.req.Temperature,
			MaxTokens:          maxTokens(st),
			ReasoningEnabled:   st.reasoning,
			ReasoningEffort:    string(st.mc.ThinkingLevel),
			PreviousResponseID: st.prevRespID,
			ChainedMessages:    st.chainDelta(),
		}

		events, err := st.client.Stream(ctx, preq)
		if err != nil {
			if retry, rerr := o.overflowRetry(ctx, st, sink, err); retry {
				continue
			} else if rerr != nil {
				return o.fail(sink, sid, rerr)
			}
			return o.fail(sink, sid, err)
		}

		outcome := o.drainStream(ctx, sid, events, sink)
		o.recordLLM(st, outcome)

		if outcome.aborted {
			return o.cancelled(sink, sid)
		}
		if outcome.err != nil {
			if retry, rerr := o.overflowRetry(ctx, st, sink, outcome.err); retry {
				continue
			} else if rerr != nil {
				return o.fail(sink, sid, rerr)
			}
			return o.fail(sink, sid, outcome.err)
		}
		if outcome.responseID != "" {
			st.prevRespID = outcome.responseID
		}

		if len(outcome.toolCalls) == 0 {
			msg := &models.Message{
				SessionID: sid,
				Role:      models.RoleAssistant,
				Content:   outcome.content,
				Reasoning: outcome.reasoning,
				Metadata:  map[string]any{"conversation_turn_id": st.turnID},
			}
			stored, err := o.Store.AppendMessage(ctx, msg)
			if err != nil {
				return o.fail(sink, sid, err)
			}
			fields := map[string]any{"content": outcome.content, "message_id": stored.ID}
			if outcome.reasoning != "" {
				fields["reasoning"] = outcome.reasoning
			}
			o.emit(sink, sid, models.EventComplete, fields)
			o.Metrics.TurnFinished("completed")
			return nil
		}

		if err := o.runToolBatch(ctx, st, sink, outcome); err != nil {
			if errors.Is(err, errTurnCancelled) {
				return o.cancelled(sink, sid)
			}
			return o.fail(sink, sid, err)
		}
		iter++
	}
	return o.fail(sink, sid, ErrMaxIterations)
}

// streamOutcome is what one provider stream produced.
type streamOutcome struct {
	content    string
	reasoning  string
	toolCalls  []models.ToolCall
	usage      *provider.Usage
	responseID string
	err        error
	aborted    bool
}

// drainStream forwards deltas to the sink, polling the abort flag per delta.
// On abort the remaining events are drained in the background so the pump
// goroutine can finish after the context cancel propagates.
func (o *Orchestrator) drainStream(ctx context.Context, sid string, events <-chan provider.StreamEvent, sink EventSink) streamOutcome {
	var out streamOutcome
	var content, reasoning strings.Builder
	for ev := range events {
		if o.Aborts.IsAborted(sid) {
			out.aborted = true
			go func() {
				for range events {
				}
			}()
			break
		}
		switch ev.Type {
		case provider.EventContentDelta:
			content.WriteString(ev.Content)
			o.emit(sink, sid, models.EventChunk, map[string]any{"content": ev.Content})
		case provider.EventReasoningDelta:
			reasoning.WriteString(ev.Reasoning)
			o.emit(sink, sid, models.EventThinking, map[string]any{"content": ev.Reasoning})
		case provider.EventUsage:
			out.usage = ev.Usage
		case provider.EventFinish:
			out.toolCalls = ev.ToolCalls
			out.responseID = ev.ResponseID
		case provider.EventError:
			out.err = ev.Err
		}
	}
	out.content = content.String()
	out.reasoning = reasoning.String()
	if out.err == nil && ctx.Err() != nil && o.Aborts.IsAborted(sid) {
		out.aborted = true
	}
	return out
}

var errTurnCancelled = errors.New("turn cancelled")

// runToolBatch emits the tool events, executes the batch, and persists the
// assistant/tool exchange. Returns errTurnCancelled when the abort flag was
// raised before dispatch.
func (o *Orchestrator) runToolBatch(ctx context.Context, st *turnState, sink EventSink, outcome streamOutcome) error {
	sid := st.req.SessionID

	ctx, span := o.Tracer.Start(ctx, "chat.tools",
		attribute.Int("tool.count", len(outcome.toolCalls)))
	defer span.End()

	display, _ := tools.DedupCalls(outcome.toolCalls)
	o.emit(sink, sid, models.EventToolsStart, map[string]any{"tool_calls": callPayload(display)})

	if o.Aborts.IsAborted(sid) {
		return errTurnCancelled
	}

	results := st.reg.Execute(ctx, outcome.toolCalls)
	resultFields := make([]map[string]any, 0, len(results))
	for _, res := range results {
		payload := resultPayload(res)
		resultFields = append(resultFields, payload)
		o.emit(sink, sid, models.EventToolsStream, map[string]any{"result": payload})
		if isReviewEvent(res.Content) {
			sink.Raw(res.Content)
		}
		status := "success"
		if res.IsError() {
			status = "error"
		}
		o.Metrics.RecordToolExecution(toolNameFor(outcome.toolCalls, res.ToolCallID), status)
	}
	o.emit(sink, sid, models.EventToolsEnd, map[string]any{"results": resultFields})

	assistant := &models.Message{
		SessionID: sid,
		Role:      models.RoleAssistant,
		Content:   outcome.content,
		Reasoning: outcome.reasoning,
		ToolCalls: outcome.toolCalls,
		Metadata:  map[string]any{"conversation_turn_id": st.turnID},
	}
	storedAssistant, err := o.Store.AppendMessage(ctx, assistant)
	if err != nil {
		return err
	}
	exchange := []*models.Message{storedAssistant}
	for _, res := range results {
		toolMsg := &models.Message{
			SessionID:  sid,
			Role:       models.RoleTool,
			Content:    res.Content,
			ToolCallID: res.ToolCallID,
			Metadata:   res.Metadata,
		}
		stored, err := o.Store.AppendMessage(ctx, toolMsg)
		if err != nil {
			return err
		}
		exchange = append(exchange, stored)
	}
	st.history.appendExchange(exchange...)
	if st.prevRespID != "" {
		// The chain already holds the assistant's own tool calls; only the
		// tool results are new input on the next call.
		st.chainLen = len(st.history.tail) - len(results)
	}
	return nil
}

// overflowRetry decides whether a provider failure is a context overflow
// worth compacting for. At most one compaction per turn: a second overflow
// is fatal. Returns (retry, fatalErr).
func (o *Orchestrator) overflowRetry(ctx context.Context, st *turnState, sink EventSink, cause error) (bool, error) {
	if !compaction.IsContextOverflow(cause) {
		return false, nil
	}
	if st.compacted || !st.eff.DynamicSummaryEnabled {
		return false, cause
	}
	if err := o.compact(ctx, st, sink, retryTarget(st.eff, cause), "overflow"); err != nil {
		return false, err
	}
	st.compacted = true
	// The response chain references the oversized context; start fresh.
	st.prevRespID = ""
	st.chainLen = 0
	return true, nil
}

// retryTarget derives the compaction target from the overflow message. The
// parsed budget only helps when it is tighter than the configured window;
// when the configured target already fits under it, keep the target.
func retryTarget(eff settings.Effective, cause error) int {
	budget, ok := compaction.ParseTokenBudget(cause)
	if !ok || budget >= eff.SummaryMaxContext {
		return 0
	}
	if eff.SummaryTargetTokens > 0 && eff.SummaryTargetTokens < budget {
		return eff.SummaryTargetTokens
	}
	return budget
}

// compact runs bisect compaction over the session tail and reloads the
// effective history.
func (o *Orchestrator) compact(ctx context.Context, st *turnState, sink EventSink, targetOverride int, trigger string) error {
	sid := st.req.SessionID
	o.emit(sink, sid, models.EventContextSummarizedStart, nil)

	model := o.Summary.Model
	if model == "" {
		model = st.mc.Model
	}
	target := st.eff.SummaryTargetTokens
	if targetOverride > 0 {
		target = targetOverride
	}

	comp := compaction.NewCompactor(o.Store, &compaction.ProviderSummarizer{
		Client:      st.client,
		Model:       model,
		Temperature: o.Summary.Temperature,
	}, o.logger())
	comp.OnDelta = func(text string) {
		o.emit(sink, sid, models.EventContextSummarizedDelta, map[string]any{"content": text})
	}

	// Compaction links real message ids, so it runs over the raw tail, not
	// the repaired one.
	raw, err := o.rawTail(ctx, st)
	if err != nil {
		o.Metrics.RecordCompaction(trigger, "error")
		return err
	}
	res, err := comp.Compact(ctx, sid, raw, compaction.Config{
		Model:        model,
		Temperature:  o.Summary.Temperature,
		TargetTokens: target,
		KeepLastN:    st.eff.SummaryKeepLastN,
	})
	if err != nil {
		o.Metrics.RecordCompaction(trigger, "error")
		o.emit(sink, sid, models.EventContextSummarizedEnd, map[string]any{"error": err.Error()})
		return err
	}
	o.Metrics.RecordCompaction(trigger, "success")
	if res == nil {
		o.emit(sink, sid, models.EventContextSummarizedEnd, nil)
		return nil
	}
	o.emit(sink, sid, models.EventContextSummarizedEnd, map[string]any{
		"summary_id": res.Summary.ID,
		"truncated":  res.Truncated,
	})
	return o.loadHistory(ctx, st)
}

func (o *Orchestrator) rawTail(ctx context.Context, st *turnState) ([]*models.Message, error) {
	sum, err := o.Store.LatestSummary(ctx, st.req.SessionID)
	if err == nil {
		return o.Store.GetAfter(ctx, st.req.SessionID, sum.LastMessageAt, st.eff.HistoryLimit)
	}
	if errors.Is(err, store.ErrNotFound) {
		return o.Store.GetRecent(ctx, st.req.SessionID, st.eff.HistoryLimit, 0)
	}
	return nil, err
}

func (o *Orchestrator) cancelled(sink EventSink, sid string) error {
	o.emit(sink, sid, models.EventCancelled, nil)
	o.Metrics.TurnFinished("cancelled")
	return nil
}

func (o *Orchestrator) fail(sink EventSink, sid string, err error) error {
	o.emit(sink, sid, models.EventError, map[string]any{"error": err.Error()})
	o.Metrics.TurnFinished("error")
	return err
}

// emit adds the envelope and forwards to the sink.
func (o *Orchestrator) emit(sink EventSink, sid string, event models.StreamEventType, fields map[string]any) {
	payload := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		payload[k] = v
	}
	payload["session_id"] = sid
	sink.Event(event, payload)
}

func (o *Orchestrator) recordLLM(st *turnState, outcome streamOutcome) {
	status := "success"
	if outcome.err != nil {
		status = "error"
	}
	prompt, completion := 0, 0
	if outcome.usage != nil {
		prompt = outcome.usage.PromptTokens
		completion = outcome.usage.CompletionTokens
	}
	o.Metrics.RecordLLMRequest(st.mc.Provider, st.mc.Model, status, prompt, completion)
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func toolDefs(reg *tools.Registry) []provider.ToolDef {
	if reg == nil {
		return nil
	}
	return reg.ListTools()
}

func maxTokens(st *turnState) int {
	if st.req.MaxTokens > 0 {
		return st.req.MaxTokens
	}
	return st.eff.ChatMaxTokens
}

// sanitizeParts keeps only the fields the data model knows; anything a
// client smuggles into an attachment beyond type/text/url/file_id/detail is
// dropped before persistence.
func sanitizeParts(parts []models.ContentPart) []models.ContentPart {
	if len(parts) == 0 {
		return nil
	}
	out := make([]models.ContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "text", "image":
			out = append(out, models.ContentPart{
				Type:   p.Type,
				Text:   p.Text,
				URL:    p.URL,
				FileID: p.FileID,
				Detail: p.Detail,
			})
		}
	}
	return out
}

func callPayload(calls []models.ToolCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		out = append(out, map[string]any{"id": c.ID, "name": c.Name, "arguments": c.Arguments})
	}
	return out
}

func resultPayload(res models.ToolResult) map[string]any {
	payload := map[string]any{"tool_call_id": res.ToolCallID, "content": res.Content}
	if len(res.Metadata) > 0 {
		payload["metadata"] = res.Metadata
	}
	return payload
}

func toolNameFor(calls []models.ToolCall, callID string) string {
	for _, c := range calls {
		if c.ID == callID {
			return c.Name
		}
	}
	return "unknown"
}

// isReviewEvent reports whether a tool result is a task-review payload that
// must be re-emitted raw on the stream.
func isReviewEvent(content string) bool {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var head struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal([]byte(trimmed), &head); err != nil {
		return false
	}
	switch models.StreamEventType(head.Event) {
	case models.EventTaskReviewRequired, models.EventTaskReviewResolved:
		return true
	}
	return false
}
