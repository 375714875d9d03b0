package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatos/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for testing and
// local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*models.Session
	messages    map[string][]*models.Message
	summaries   map[string][]*models.Summary
	summaryMsgs map[string][]string // summary id -> linked message ids
	agents      map[string]*models.Agent
	modelCfgs   map[string]*models.ModelConfig
	toolGroups  map[string]*models.ToolGroup
	settings    map[string]map[string]any
	jobConfigs  map[string]map[string]any
	seq         int64

	recent *recentCache
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    map[string]*models.Session{},
		messages:    map[string][]*models.Message{},
		summaries:   map[string][]*models.Summary{},
		summaryMsgs: map[string][]string{},
		agents:      map[string]*models.Agent{},
		modelCfgs:   map[string]*models.ModelConfig{},
		toolGroups:  map[string]*models.ToolGroup{},
		settings:    map[string]map[string]any{},
		jobConfigs:  map[string]map[string]any{},
		recent:      newRecentCache(recentCacheMaxSessions),
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *session
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt
	m.sessions[clone.ID] = &clone
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, userID string, limit, offset int) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if userID != "" && s.UserID != userID {
			continue
		}
		clone := *s
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return page(out, limit, offset), nil
}

func (m *MemoryStore) RenameSessionIfDefault(ctx context.Context, id, title string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if !s.HasDefaultTitle() {
		return false, nil
	}
	s.Title = title
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Title = title
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	delete(m.messages, id)
	for _, sum := range m.summaries[id] {
		delete(m.summaryMsgs, sum.ID)
	}
	delete(m.summaries, id)
	m.recent.invalidate(id)
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg == nil {
		return nil, errors.New("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[msg.SessionID]; !ok {
		return nil, ErrNotFound
	}
	clone := cloneMessage(msg)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	m.seq++
	clone.Seq = m.seq
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], clone)
	if s, ok := m.sessions[msg.SessionID]; ok {
		s.UpdatedAt = clone.CreatedAt
	}
	m.recent.invalidate(msg.SessionID)
	out := cloneMessage(clone)
	return out, nil
}

func (m *MemoryStore) GetMessagesBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.sorted(sessionID)
	return cloneMessages(page(msgs, limit, offset)), nil
}

func (m *MemoryStore) GetRecent(ctx context.Context, sessionID string, limit, offset int) ([]*models.Message, error) {
	if offset == 0 {
		if cached, ok := m.recent.get(sessionID, limit); ok {
			return cached, nil
		}
	}
	m.mu.RLock()
	msgs := m.sorted(sessionID)
	end := len(msgs) - offset
	if end < 0 {
		end = 0
	}
	start := end - limit
	if limit <= 0 || start < 0 {
		start = 0
	}
	out := cloneMessages(msgs[start:end])
	// Cache before releasing the lock so a concurrent append's invalidate
	// cannot land between the snapshot and the put.
	if offset == 0 {
		m.recent.put(sessionID, limit, out)
	}
	m.mu.RUnlock()
	return out, nil
}

func (m *MemoryStore) GetAfter(ctx context.Context, sessionID string, after time.Time, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Message
	for _, msg := range m.sorted(sessionID) {
		if !msg.CreatedAt.After(after) {
			continue
		}
		out = append(out, cloneMessage(msg))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendSummary(ctx context.Context, summary *models.Summary, messageIDs []string) error {
	if summary == nil {
		return errors.New("summary is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[summary.SessionID]; !ok {
		return ErrNotFound
	}
	clone := *summary
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	summary.ID = clone.ID
	summary.CreatedAt = clone.CreatedAt
	m.summaries[clone.SessionID] = append(m.summaries[clone.SessionID], &clone)
	m.summaryMsgs[clone.ID] = append([]string(nil), messageIDs...)
	return nil
}

func (m *MemoryStore) LatestSummary(ctx context.Context, sessionID string) (*models.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sums := m.summaries[sessionID]
	if len(sums) == 0 {
		return nil, ErrNotFound
	}
	latest := sums[0]
	for _, s := range sums[1:] {
		if s.LastMessageAt.After(latest.LastMessageAt) {
			latest = s
		}
	}
	clone := *latest
	return &clone, nil
}

// SummaryMessageIDs returns the link rows for a summary, for audit and tests.
func (m *MemoryStore) SummaryMessageIDs(summaryID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.summaryMsgs[summaryID]...)
}

func (m *MemoryStore) ListSessionsWithPendingSummary(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, msgs := range m.messages {
		if len(msgs) == 0 {
			continue
		}
		newest := msgs[0].CreatedAt
		for _, msg := range msgs {
			if msg.CreatedAt.After(newest) {
				newest = msg.CreatedAt
			}
		}
		var cursor time.Time
		for _, s := range m.summaries[id] {
			if s.LastMessageAt.After(cursor) {
				cursor = s.LastMessageAt
			}
		}
		if newest.After(cursor) {
			out = append(out, id)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) PutAgent(ctx context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *agent
	clone.ToolGroupIDs = append([]string(nil), agent.ToolGroupIDs...)
	m.agents[agent.ID] = &clone
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *a
	clone.ToolGroupIDs = append([]string(nil), a.ToolGroupIDs...)
	return &clone, nil
}

func (m *MemoryStore) ListAgents(ctx context.Context, userID string) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Agent
	for _, a := range m.agents {
		if userID != "" && a.UserID != "" && a.UserID != userID {
			continue
		}
		clone := *a
		clone.ToolGroupIDs = append([]string(nil), a.ToolGroupIDs...)
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

func (m *MemoryStore) PutModelConfig(ctx context.Context, mc *models.ModelConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *mc
	m.modelCfgs[mc.ID] = &clone
	return nil
}

func (m *MemoryStore) GetModelConfig(ctx context.Context, id string) (*models.ModelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.modelCfgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *mc
	return &clone, nil
}

func (m *MemoryStore) ListModelConfigs(ctx context.Context) ([]*models.ModelConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ModelConfig
	for _, mc := range m.modelCfgs {
		clone := *mc
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) PutToolGroup(ctx context.Context, tg *models.ToolGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *tg
	clone.Args = append([]string(nil), tg.Args...)
	m.toolGroups[tg.ID] = &clone
	return nil
}

func (m *MemoryStore) GetToolGroup(ctx context.Context, id string) (*models.ToolGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tg, ok := m.toolGroups[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *tg
	clone.Args = append([]string(nil), tg.Args...)
	return &clone, nil
}

func (m *MemoryStore) ListToolGroups(ctx context.Context, userID string) ([]*models.ToolGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ToolGroup
	for _, tg := range m.toolGroups {
		if userID != "" && tg.UserID != "" && tg.UserID != userID {
			continue
		}
		clone := *tg
		clone.Args = append([]string(nil), tg.Args...)
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetUserSettings(ctx context.Context, userID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneMap(m.settings[userID]), nil
}

func (m *MemoryStore) PutUserSettings(ctx context.Context, userID string, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[userID] = cloneMap(values)
	return nil
}

func (m *MemoryStore) GetSummaryJobConfig(ctx context.Context, userID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneMap(m.jobConfigs[userID]), nil
}

func (m *MemoryStore) PutSummaryJobConfig(ctx context.Context, userID string, values map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobConfigs[userID] = cloneMap(values)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// sorted returns session messages ordered by creation time, breaking ties
// by insertion order. Callers must hold at least a read lock.
func (m *MemoryStore) sorted(sessionID string) []*models.Message {
	msgs := append([]*models.Message(nil), m.messages[sessionID]...)
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].Seq < msgs[j].Seq
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	if len(msg.Parts) > 0 {
		clone.Parts = append([]models.ContentPart(nil), msg.Parts...)
	}
	if len(msg.ToolCalls) > 0 {
		clone.ToolCalls = append([]models.ToolCall(nil), msg.ToolCalls...)
	}
	if msg.Metadata != nil {
		clone.Metadata = cloneMap(msg.Metadata)
	}
	return &clone
}

func cloneMessages(msgs []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, cloneMessage(m))
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	clone := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			clone[k] = cloneMap(val)
		case []any:
			items := make([]any, len(val))
			copy(items, val)
			clone[k] = items
		default:
			clone[k] = v
		}
	}
	return clone
}
