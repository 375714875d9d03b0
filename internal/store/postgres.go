package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/haasonsaas/chatos/pkg/models"
)

// PostgresStore implements Store on top of Postgres (or any wire-compatible
// database such as CockroachDB).
type PostgresStore struct {
	db     *sql.DB
	recent *recentCache
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	user_id    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	session_id   TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL DEFAULT '',
	parts        JSONB,
	reasoning    TEXT NOT NULL DEFAULT '',
	tool_calls   JSONB,
	tool_call_id TEXT NOT NULL DEFAULT '',
	metadata     JSONB,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at, seq);

CREATE TABLE IF NOT EXISTS summaries (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	text             TEXT NOT NULL,
	model            TEXT NOT NULL DEFAULT '',
	temperature      DOUBLE PRECISION NOT NULL DEFAULT 0,
	target_tokens    INT NOT NULL DEFAULT 0,
	keep_last_n      INT NOT NULL DEFAULT 0,
	message_count    INT NOT NULL DEFAULT 0,
	source_tokens    INT NOT NULL DEFAULT 0,
	first_message_id TEXT NOT NULL DEFAULT '',
	last_message_id  TEXT NOT NULL DEFAULT '',
	first_message_at TIMESTAMPTZ,
	last_message_at  TIMESTAMPTZ,
	metadata         JSONB,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id, last_message_at);

CREATE TABLE IF NOT EXISTS summary_messages (
	summary_id TEXT NOT NULL REFERENCES summaries(id) ON DELETE CASCADE,
	message_id TEXT NOT NULL,
	PRIMARY KEY (summary_id, message_id)
);

CREATE TABLE IF NOT EXISTS agents (
	id                TEXT PRIMARY KEY,
	model_config_id   TEXT NOT NULL DEFAULT '',
	system_context_id TEXT NOT NULL DEFAULT '',
	system_prompt     TEXT NOT NULL DEFAULT '',
	user_id           TEXT NOT NULL DEFAULT '',
	tool_group_ids    JSONB,
	workspace         TEXT NOT NULL DEFAULT '',
	enabled           BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS model_configs (
	id                 TEXT PRIMARY KEY,
	provider           TEXT NOT NULL DEFAULT '',
	model              TEXT NOT NULL DEFAULT '',
	api_key            TEXT NOT NULL DEFAULT '',
	base_url           TEXT NOT NULL DEFAULT '',
	supports_images    BOOLEAN NOT NULL DEFAULT FALSE,
	supports_reasoning BOOLEAN NOT NULL DEFAULT FALSE,
	supports_responses BOOLEAN NOT NULL DEFAULT FALSE,
	thinking_level     TEXT NOT NULL DEFAULT '',
	enabled            BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS tool_groups (
	id      TEXT PRIMARY KEY,
	kind    TEXT NOT NULL,
	command TEXT NOT NULL DEFAULT '',
	url     TEXT NOT NULL DEFAULT '',
	args    JSONB,
	env     JSONB,
	cwd     TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	enabled BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS user_settings (
	user_id TEXT PRIMARY KEY,
	values  JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS summary_job_configs (
	user_id TEXT PRIMARY KEY,
	values  JSONB NOT NULL
);
`

// NewPostgresStore opens the database, verifies connectivity, and applies the
// schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{db: db, recent: newRecentCache(recentCacheMaxSessions)}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.Title, session.UserID, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, user_id, created_at, updated_at FROM sessions WHERE id = $1`, id).
		Scan(&session.ID, &session.Title, &session.UserID, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string, limit, offset int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, user_id, created_at, updated_at FROM sessions
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		session := &models.Session{}
		if err := rows.Scan(&session.ID, &session.Title, &session.UserID, &session.CreatedAt, &session.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RenameSessionIfDefault(ctx context.Context, id, title string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = $1, updated_at = $2
		WHERE id = $3 AND title = ANY($4)`,
		title, time.Now(), id, pq.Array(models.DefaultSessionTitles))
	if err != nil {
		return false, fmt.Errorf("rename session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET title = $1, updated_at = $2 WHERE id = $3`, title, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	s.recent.invalidate(id)
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	stored := cloneMessage(msg)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	partsJSON, err := marshalNullable(stored.Parts, len(stored.Parts) > 0)
	if err != nil {
		return nil, fmt.Errorf("marshal parts: %w", err)
	}
	callsJSON, err := marshalNullable(stored.ToolCalls, len(stored.ToolCalls) > 0)
	if err != nil {
		return nil, fmt.Errorf("marshal tool calls: %w", err)
	}
	metaJSON, err := marshalNullable(stored.Metadata, stored.Metadata != nil)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, parts, reasoning, tool_calls, tool_call_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`,
		stored.ID, stored.SessionID, stored.Role, stored.Content, partsJSON,
		stored.Reasoning, callsJSON, stored.ToolCallID, metaJSON, stored.CreatedAt).
		Scan(&stored.Seq)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`, stored.CreatedAt, stored.SessionID)
	if err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.recent.invalidate(stored.SessionID)
	return stored, nil
}

const messageColumns = `id, session_id, role, content, parts, reasoning, tool_calls, tool_call_id, metadata, created_at, seq`

func (s *PostgresStore) GetMessagesBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = $1
		ORDER BY created_at ASC, seq ASC
		LIMIT $2 OFFSET $3`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) GetRecent(ctx context.Context, sessionID string, limit, offset int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset == 0 {
		if cached, ok := s.recent.get(sessionID, limit); ok {
			return cached, nil
		}
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2 OFFSET $3`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get recent: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if offset == 0 {
		s.recent.put(sessionID, limit, msgs)
	}
	return msgs, nil
}

func (s *PostgresStore) GetAfter(ctx context.Context, sessionID string, after time.Time, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = $1 AND created_at > $2
		ORDER BY created_at ASC, seq ASC
		LIMIT $3`, sessionID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("get after: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) AppendSummary(ctx context.Context, summary *models.Summary, messageIDs []string) error {
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now()
	}
	metaJSON, err := marshalNullable(summary.Metadata, summary.Metadata != nil)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO summaries (id, session_id, text, model, temperature, target_tokens, keep_last_n,
			message_count, source_tokens, first_message_id, last_message_id,
			first_message_at, last_message_at, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		summary.ID, summary.SessionID, summary.Text, summary.Model, summary.Temperature,
		summary.TargetTokens, summary.KeepLastN, summary.MessageCount, summary.SourceTokens,
		summary.FirstMessageID, summary.LastMessageID, summary.FirstMessageAt,
		summary.LastMessageAt, metaJSON, summary.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	for _, id := range messageIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO summary_messages (summary_id, message_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, summary.ID, id); err != nil {
			return fmt.Errorf("link summary message: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) LatestSummary(ctx context.Context, sessionID string) (*models.Summary, error) {
	sum := &models.Summary{}
	var metaJSON []byte
	var firstAt, lastAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, text, model, temperature, target_tokens, keep_last_n,
			message_count, source_tokens, first_message_id, last_message_id,
			first_message_at, last_message_at, metadata, created_at
		FROM summaries WHERE session_id = $1
		ORDER BY last_message_at DESC NULLS LAST, created_at DESC
		LIMIT 1`, sessionID).
		Scan(&sum.ID, &sum.SessionID, &sum.Text, &sum.Model, &sum.Temperature,
			&sum.TargetTokens, &sum.KeepLastN, &sum.MessageCount, &sum.SourceTokens,
			&sum.FirstMessageID, &sum.LastMessageID, &firstAt, &lastAt, &metaJSON, &sum.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest summary: %w", err)
	}
	if firstAt.Valid {
		sum.FirstMessageAt = firstAt.Time
	}
	if lastAt.Valid {
		sum.LastMessageAt = lastAt.Time
	}
	if len(metaJSON) > 0 && string(metaJSON) != "null" {
		if err := json.Unmarshal(metaJSON, &sum.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal summary metadata: %w", err)
		}
	}
	return sum, nil
}

func (s *PostgresStore) ListSessionsWithPendingSummary(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.session_id
		FROM messages m
		GROUP BY m.session_id
		HAVING MAX(m.created_at) > COALESCE(
			(SELECT MAX(su.last_message_at) FROM summaries su WHERE su.session_id = m.session_id),
			'epoch'::timestamptz)
		ORDER BY m.session_id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending summaries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutAgent(ctx context.Context, agent *models.Agent) error {
	groupsJSON, err := marshalNullable(agent.ToolGroupIDs, len(agent.ToolGroupIDs) > 0)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, model_config_id, system_context_id, system_prompt, user_id, tool_group_ids, workspace, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			model_config_id = EXCLUDED.model_config_id,
			system_context_id = EXCLUDED.system_context_id,
			system_prompt = EXCLUDED.system_prompt,
			user_id = EXCLUDED.user_id,
			tool_group_ids = EXCLUDED.tool_group_ids,
			workspace = EXCLUDED.workspace,
			enabled = EXCLUDED.enabled`,
		agent.ID, agent.ModelConfigID, agent.SystemContextID, agent.SystemPrompt,
		agent.UserID, groupsJSON, agent.Workspace, agent.Enabled)
	if err != nil {
		return fmt.Errorf("put agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent := &models.Agent{}
	var groupsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, model_config_id, system_context_id, system_prompt, user_id, tool_group_ids, workspace, enabled
		FROM agents WHERE id = $1`, id).
		Scan(&agent.ID, &agent.ModelConfigID, &agent.SystemContextID, &agent.SystemPrompt,
			&agent.UserID, &groupsJSON, &agent.Workspace, &agent.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if len(groupsJSON) > 0 && string(groupsJSON) != "null" {
		if err := json.Unmarshal(groupsJSON, &agent.ToolGroupIDs); err != nil {
			return nil, fmt.Errorf("unmarshal tool group ids: %w", err)
		}
	}
	return agent, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, userID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, model_config_id, system_context_id, system_prompt, user_id, tool_group_ids, workspace, enabled
		FROM agents
		WHERE ($1 = '' OR user_id = '' OR user_id = $1)
		ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		agent := &models.Agent{}
		var groupsJSON []byte
		if err := rows.Scan(&agent.ID, &agent.ModelConfigID, &agent.SystemContextID, &agent.SystemPrompt,
			&agent.UserID, &groupsJSON, &agent.Workspace, &agent.Enabled); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if len(groupsJSON) > 0 && string(groupsJSON) != "null" {
			if err := json.Unmarshal(groupsJSON, &agent.ToolGroupIDs); err != nil {
				return nil, fmt.Errorf("unmarshal tool group ids: %w", err)
			}
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PutModelConfig(ctx context.Context, mc *models.ModelConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_configs (id, provider, model, api_key, base_url, supports_images, supports_reasoning, supports_responses, thinking_level, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			api_key = EXCLUDED.api_key,
			base_url = EXCLUDED.base_url,
			supports_images = EXCLUDED.supports_images,
			supports_reasoning = EXCLUDED.supports_reasoning,
			supports_responses = EXCLUDED.supports_responses,
			thinking_level = EXCLUDED.thinking_level,
			enabled = EXCLUDED.enabled`,
		mc.ID, mc.Provider, mc.Model, mc.APIKey, mc.BaseURL,
		mc.SupportsImages, mc.SupportsReasoning, mc.SupportsResponses, mc.ThinkingLevel, mc.Enabled)
	if err != nil {
		return fmt.Errorf("put model config: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetModelConfig(ctx context.Context, id string) (*models.ModelConfig, error) {
	mc := &models.ModelConfig{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, provider, model, api_key, base_url, supports_images, supports_reasoning, supports_responses, thinking_level, enabled
		FROM model_configs WHERE id = $1`, id).
		Scan(&mc.ID, &mc.Provider, &mc.Model, &mc.APIKey, &mc.BaseURL,
			&mc.SupportsImages, &mc.SupportsReasoning, &mc.SupportsResponses, &mc.ThinkingLevel, &mc.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get model config: %w", err)
	}
	return mc, nil
}

func (s *PostgresStore) ListModelConfigs(ctx context.Context) ([]*models.ModelConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, model, api_key, base_url, supports_images, supports_reasoning, supports_responses, thinking_level, enabled
		FROM model_configs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list model configs: %w", err)
	}
	defer rows.Close()

	var out []*models.ModelConfig
	for rows.Next() {
		mc := &models.ModelConfig{}
		if err := rows.Scan(&mc.ID, &mc.Provider, &mc.Model, &mc.APIKey, &mc.BaseURL,
			&mc.SupportsImages, &mc.SupportsReasoning, &mc.SupportsResponses, &mc.ThinkingLevel, &mc.Enabled); err != nil {
			return nil, fmt.Errorf("scan model config: %w", err)
		}
		out = append(out, mc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutToolGroup(ctx context.Context, tg *models.ToolGroup) error {
	argsJSON, err := marshalNullable(tg.Args, len(tg.Args) > 0)
	if err != nil {
		return err
	}
	envJSON, err := marshalNullable(tg.Env, len(tg.Env) > 0)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_groups (id, kind, command, url, args, env, cwd, user_id, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			command = EXCLUDED.command,
			url = EXCLUDED.url,
			args = EXCLUDED.args,
			env = EXCLUDED.env,
			cwd = EXCLUDED.cwd,
			user_id = EXCLUDED.user_id,
			enabled = EXCLUDED.enabled`,
		tg.ID, tg.Kind, tg.Command, tg.URL, argsJSON, envJSON, tg.Cwd, tg.UserID, tg.Enabled)
	if err != nil {
		return fmt.Errorf("put tool group: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetToolGroup(ctx context.Context, id string) (*models.ToolGroup, error) {
	tg := &models.ToolGroup{}
	var argsJSON, envJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, command, url, args, env, cwd, user_id, enabled
		FROM tool_groups WHERE id = $1`, id).
		Scan(&tg.ID, &tg.Kind, &tg.Command, &tg.URL, &argsJSON, &envJSON, &tg.Cwd, &tg.UserID, &tg.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool group: %w", err)
	}
	if err := unmarshalNullable(argsJSON, &tg.Args); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	if err := unmarshalNullable(envJSON, &tg.Env); err != nil {
		return nil, fmt.Errorf("unmarshal env: %w", err)
	}
	return tg, nil
}

func (s *PostgresStore) ListToolGroups(ctx context.Context, userID string) ([]*models.ToolGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, command, url, args, env, cwd, user_id, enabled
		FROM tool_groups
		WHERE ($1 = '' OR user_id = '' OR user_id = $1)
		ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tool groups: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolGroup
	for rows.Next() {
		tg := &models.ToolGroup{}
		var argsJSON, envJSON []byte
		if err := rows.Scan(&tg.ID, &tg.Kind, &tg.Command, &tg.URL, &argsJSON, &envJSON, &tg.Cwd, &tg.UserID, &tg.Enabled); err != nil {
			return nil, fmt.Errorf("scan tool group: %w", err)
		}
		if err := unmarshalNullable(argsJSON, &tg.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
		if err := unmarshalNullable(envJSON, &tg.Env); err != nil {
			return nil, fmt.Errorf("unmarshal env: %w", err)
		}
		out = append(out, tg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetUserSettings(ctx context.Context, userID string) (map[string]any, error) {
	return s.getValues(ctx, "user_settings", userID)
}

func (s *PostgresStore) PutUserSettings(ctx context.Context, userID string, values map[string]any) error {
	return s.putValues(ctx, "user_settings", userID, values)
}

func (s *PostgresStore) GetSummaryJobConfig(ctx context.Context, userID string) (map[string]any, error) {
	return s.getValues(ctx, "summary_job_configs", userID)
}

func (s *PostgresStore) PutSummaryJobConfig(ctx context.Context, userID string, values map[string]any) error {
	return s.putValues(ctx, "summary_job_configs", userID, values)
}

func (s *PostgresStore) getValues(ctx context.Context, table, userID string) (map[string]any, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT values FROM `+table+` WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", table, err)
	}
	return out, nil
}

func (s *PostgresStore) putValues(ctx context.Context, table, userID string, values map[string]any) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", table, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (user_id, values) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET values = EXCLUDED.values`, userID, raw)
	if err != nil {
		return fmt.Errorf("put %s: %w", table, err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]*models.Message, error) {
	var out []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var partsJSON, callsJSON, metaJSON []byte
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &partsJSON,
			&msg.Reasoning, &callsJSON, &msg.ToolCallID, &metaJSON, &msg.CreatedAt, &msg.Seq); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := unmarshalNullable(partsJSON, &msg.Parts); err != nil {
			return nil, fmt.Errorf("unmarshal parts: %w", err)
		}
		if err := unmarshalNullable(callsJSON, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
		if err := unmarshalNullable(metaJSON, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func marshalNullable(v any, present bool) (any, error) {
	if !present {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func unmarshalNullable(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
