// Package store persists conversation messages, summaries, and the
// configuration catalog. Two backends are provided: an in-memory store for
// tests and local runs, and a Postgres store for deployments. When no
// database is attached the memory store can be wrapped with a JSONL change
// log so state survives inspection and replay.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/chatos/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the repository surface used by the orchestrator, the background
// summary worker, and the CRUD handlers.
type Store interface {
	// Sessions.
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, userID string, limit, offset int) ([]*models.Session, error)
	// RenameSessionIfDefault sets the title only while the current title is
	// still a default ("New Chat"/"Untitled"/empty). Returns whether the
	// rename won the compare-and-set.
	RenameSessionIfDefault(ctx context.Context, id, title string) (bool, error)
	UpdateSessionTitle(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error

	// Messages. AppendMessage assigns ID and CreatedAt when unset and
	// returns the stored copy. Ordering is by creation time, falling back
	// on insertion order for same-timestamp inserts.
	AppendMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	GetMessagesBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.Message, error)
	// GetRecent returns the newest limit messages (after skipping offset
	// newest), in ascending order.
	GetRecent(ctx context.Context, sessionID string, limit, offset int) ([]*models.Message, error)
	// GetAfter returns messages strictly newer than the cursor.
	GetAfter(ctx context.Context, sessionID string, after time.Time, limit int) ([]*models.Message, error)

	// Summaries. AppendSummary writes the record and its message link rows
	// atomically.
	AppendSummary(ctx context.Context, summary *models.Summary, messageIDs []string) error
	LatestSummary(ctx context.Context, sessionID string) (*models.Summary, error)
	// ListSessionsWithPendingSummary returns sessions whose newest message
	// is newer than their newest summary cursor, bounded.
	ListSessionsWithPendingSummary(ctx context.Context, limit int) ([]string, error)

	// Catalog.
	PutAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, userID string) ([]*models.Agent, error)
	DeleteAgent(ctx context.Context, id string) error
	PutModelConfig(ctx context.Context, mc *models.ModelConfig) error
	GetModelConfig(ctx context.Context, id string) (*models.ModelConfig, error)
	ListModelConfigs(ctx context.Context) ([]*models.ModelConfig, error)
	PutToolGroup(ctx context.Context, tg *models.ToolGroup) error
	GetToolGroup(ctx context.Context, id string) (*models.ToolGroup, error)
	ListToolGroups(ctx context.Context, userID string) ([]*models.ToolGroup, error)

	// User-scoped settings and summary-job overrides, stored as whitelisted
	// maps.
	GetUserSettings(ctx context.Context, userID string) (map[string]any, error)
	PutUserSettings(ctx context.Context, userID string, values map[string]any) error
	GetSummaryJobConfig(ctx context.Context, userID string) (map[string]any, error)
	PutSummaryJobConfig(ctx context.Context, userID string, values map[string]any) error

	Close() error
}
