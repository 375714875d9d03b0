package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/chatos/pkg/models"
)

// ChangeLogStore wraps another Store and appends every mutation to a JSONL
// file. It is the fallback durability layer when no database is attached:
// state can be replayed into a fresh memory store on startup.
type ChangeLogStore struct {
	Store

	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	logger *slog.Logger
}

type changeRecord struct {
	Op   string          `json:"op"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// NewChangeLogStore opens (or creates) the JSONL file at path, replays its
// records into inner, and returns the wrapping store.
func NewChangeLogStore(inner Store, path string, logger *slog.Logger) (*ChangeLogStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create changelog dir: %w", err)
	}
	s := &ChangeLogStore{Store: inner, logger: logger}
	if err := s.replay(path); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open changelog: %w", err)
	}
	s.file = file
	s.enc = json.NewEncoder(file)
	return s, nil
}

func (s *ChangeLogStore) replay(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read changelog: %w", err)
	}
	ctx := context.Background()
	dec := json.NewDecoder(bytes.NewReader(data))
	n := 0
	for dec.More() {
		var rec changeRecord
		if err := dec.Decode(&rec); err != nil {
			// A torn final line from a crashed process is expected.
			s.logger.Warn("changelog truncated, stopping replay", "records", n, "error", err)
			break
		}
		if err := s.apply(ctx, rec); err != nil {
			s.logger.Warn("changelog record skipped", "op", rec.Op, "error", err)
		}
		n++
	}
	if n > 0 {
		s.logger.Info("changelog replayed", "path", path, "records", n)
	}
	return nil
}

func (s *ChangeLogStore) apply(ctx context.Context, rec changeRecord) error {
	switch rec.Op {
	case "create_session":
		var session models.Session
		if err := json.Unmarshal(rec.Data, &session); err != nil {
			return err
		}
		return s.Store.CreateSession(ctx, &session)
	case "rename_session":
		var p struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		}
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			return err
		}
		return s.Store.UpdateSessionTitle(ctx, p.ID, p.Title)
	case "delete_session":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			return err
		}
		return s.Store.DeleteSession(ctx, p.ID)
	case "append_message":
		var msg models.Message
		if err := json.Unmarshal(rec.Data, &msg); err != nil {
			return err
		}
		_, err := s.Store.AppendMessage(ctx, &msg)
		return err
	case "append_summary":
		var p struct {
			Summary    models.Summary `json:"summary"`
			MessageIDs []string       `json:"message_ids"`
		}
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			return err
		}
		return s.Store.AppendSummary(ctx, &p.Summary, p.MessageIDs)
	case "put_agent":
		var agent models.Agent
		if err := json.Unmarshal(rec.Data, &agent); err != nil {
			return err
		}
		return s.Store.PutAgent(ctx, &agent)
	case "delete_agent":
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			return err
		}
		return s.Store.DeleteAgent(ctx, p.ID)
	case "put_model_config":
		var mc models.ModelConfig
		if err := json.Unmarshal(rec.Data, &mc); err != nil {
			return err
		}
		return s.Store.PutModelConfig(ctx, &mc)
	case "put_tool_group":
		var tg models.ToolGroup
		if err := json.Unmarshal(rec.Data, &tg); err != nil {
			return err
		}
		return s.Store.PutToolGroup(ctx, &tg)
	case "put_user_settings":
		var p struct {
			UserID string         `json:"user_id"`
			Values map[string]any `json:"values"`
		}
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			return err
		}
		return s.Store.PutUserSettings(ctx, p.UserID, p.Values)
	case "put_summary_job_config":
		var p struct {
			UserID string         `json:"user_id"`
			Values map[string]any `json:"values"`
		}
		if err := json.Unmarshal(rec.Data, &p); err != nil {
			return err
		}
		return s.Store.PutSummaryJobConfig(ctx, p.UserID, p.Values)
	default:
		return fmt.Errorf("unknown op %q", rec.Op)
	}
}

func (s *ChangeLogStore) record(op string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Warn("changelog marshal failed", "op", op, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return
	}
	if err := s.enc.Encode(changeRecord{Op: op, At: time.Now(), Data: raw}); err != nil {
		s.logger.Warn("changelog write failed", "op", op, "error", err)
	}
}

func (s *ChangeLogStore) CreateSession(ctx context.Context, session *models.Session) error {
	if err := s.Store.CreateSession(ctx, session); err != nil {
		return err
	}
	s.record("create_session", session)
	return nil
}

func (s *ChangeLogStore) RenameSessionIfDefault(ctx context.Context, id, title string) (bool, error) {
	renamed, err := s.Store.RenameSessionIfDefault(ctx, id, title)
	if err == nil && renamed {
		s.record("rename_session", map[string]string{"id": id, "title": title})
	}
	return renamed, err
}

func (s *ChangeLogStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	if err := s.Store.UpdateSessionTitle(ctx, id, title); err != nil {
		return err
	}
	s.record("rename_session", map[string]string{"id": id, "title": title})
	return nil
}

func (s *ChangeLogStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.Store.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.record("delete_session", map[string]string{"id": id})
	return nil
}

func (s *ChangeLogStore) AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	stored, err := s.Store.AppendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	s.record("append_message", stored)
	return stored, nil
}

func (s *ChangeLogStore) AppendSummary(ctx context.Context, summary *models.Summary, messageIDs []string) error {
	if err := s.Store.AppendSummary(ctx, summary, messageIDs); err != nil {
		return err
	}
	s.record("append_summary", map[string]any{"summary": summary, "message_ids": messageIDs})
	return nil
}

func (s *ChangeLogStore) PutAgent(ctx context.Context, agent *models.Agent) error {
	if err := s.Store.PutAgent(ctx, agent); err != nil {
		return err
	}
	s.record("put_agent", agent)
	return nil
}

func (s *ChangeLogStore) DeleteAgent(ctx context.Context, id string) error {
	if err := s.Store.DeleteAgent(ctx, id); err != nil {
		return err
	}
	s.record("delete_agent", map[string]string{"id": id})
	return nil
}

func (s *ChangeLogStore) PutModelConfig(ctx context.Context, mc *models.ModelConfig) error {
	if err := s.Store.PutModelConfig(ctx, mc); err != nil {
		return err
	}
	s.record("put_model_config", mc)
	return nil
}

func (s *ChangeLogStore) PutToolGroup(ctx context.Context, tg *models.ToolGroup) error {
	if err := s.Store.PutToolGroup(ctx, tg); err != nil {
		return err
	}
	s.record("put_tool_group", tg)
	return nil
}

func (s *ChangeLogStore) PutUserSettings(ctx context.Context, userID string, values map[string]any) error {
	if err := s.Store.PutUserSettings(ctx, userID, values); err != nil {
		return err
	}
	s.record("put_user_settings", map[string]any{"user_id": userID, "values": values})
	return nil
}

func (s *ChangeLogStore) PutSummaryJobConfig(ctx context.Context, userID string, values map[string]any) error {
	if err := s.Store.PutSummaryJobConfig(ctx, userID, values); err != nil {
		return err
	}
	s.record("put_summary_job_config", map[string]any{"user_id": userID, "values": values})
	return nil
}

func (s *ChangeLogStore) Close() error {
	s.mu.Lock()
	if s.file != nil {
		s.file.Close()
		s.file = nil
		s.enc = nil
	}
	s.mu.Unlock()
	return s.Store.Close()
}
