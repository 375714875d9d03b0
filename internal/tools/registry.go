// Package tools discovers tools from HTTP, stdio JSON-RPC, and builtin
// backends and executes batches of tool calls with bounded parallelism.
//
// Tool groups come from the catalog; each enabled group contributes its
// tools under the name `<alias>_<name>`, where the alias is derived from
// the group id. Execution deduplicates identical calls within a batch and
// returns results in submission order.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/chatos/internal/provider"
	"github.com/haasonsaas/chatos/internal/store"
	"github.com/haasonsaas/chatos/pkg/models"
)

// Spec describes one tool as declared by its backend, before aliasing.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Backend lists and invokes the tools of one group.
type Backend interface {
	ListTools(ctx context.Context) ([]Spec, error)
	CallTool(ctx context.Context, name string, arguments string) (string, error)
	Close() error
}

// BuiltinFactory constructs the in-process backend for a builtin group id.
type BuiltinFactory func(group *models.ToolGroup) (Backend, error)

// Loader builds per-turn registries from the catalog.
type Loader struct {
	Store    store.Store
	Builtins map[string]BuiltinFactory
	Logger   *slog.Logger

	// MaxParallel bounds tool fan-out per batch; 0 means the default.
	MaxParallel int
}

// NormalizeIDs trims the selected group ids, drops whitespace-only entries,
// and removes duplicates keeping the first occurrence. Applying it twice
// yields the same list.
func NormalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// aliasFor derives the short tool-name prefix from a group id. The builtin
// marker is stripped and the rest is lowered to [a-z0-9_].
func aliasFor(groupID string) string {
	id := strings.TrimPrefix(groupID, models.BuiltinIDPrefix)
	var sb strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(id) {
		ok := r >= 'a' && r <= 'z' || r >= '0' && r <= '9'
		if !ok {
			r = '_'
		}
		if r == '_' {
			if lastUnderscore {
				continue
			}
			lastUnderscore = true
		} else {
			lastUnderscore = false
		}
		sb.WriteRune(r)
	}
	return strings.Trim(sb.String(), "_")
}

// boundTool is one registered tool: its aliased name, the backend that
// serves it, and the compiled argument schema when the declaration had one.
type boundTool struct {
	fullName string
	rawName  string
	spec     Spec
	backend  Backend
	schema   *jsonschema.Schema
}

// Registry holds the tools resolved for one turn. Close disposes every
// backend, including stdio children.
type Registry struct {
	logger      *slog.Logger
	tools       map[string]*boundTool
	order       []string
	backends    []Backend
	maxParallel int
}

// Load resolves the selected tool groups for a user into a registry.
// Unknown, disabled, and foreign-user groups are skipped with a log line;
// a group whose backend fails to start is skipped the same way so one bad
// server does not take down the turn.
func (l *Loader) Load(ctx context.Context, userID string, selected []string) (*Registry, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := &Registry{
		logger:      logger,
		tools:       make(map[string]*boundTool),
		maxParallel: l.MaxParallel,
	}
	if reg.maxParallel <= 0 {
		reg.maxParallel = defaultMaxParallel
	}

	for _, id := range NormalizeIDs(selected) {
		group, err := l.lookupGroup(ctx, id)
		if err != nil {
			logger.Warn("tool group unavailable", "group", id, "error", err)
			continue
		}
		if !group.Enabled {
			continue
		}
		if group.UserID != "" && group.UserID != userID {
			continue
		}

		backend, err := l.openBackend(group)
		if err != nil {
			logger.Warn("tool backend failed to open", "group", id, "error", err)
			continue
		}
		specs, err := backend.ListTools(ctx)
		if err != nil {
			logger.Warn("tool listing failed", "group", id, "error", err)
			backend.Close()
			continue
		}
		reg.backends = append(reg.backends, backend)

		alias := aliasFor(group.ID)
		for _, spec := range specs {
			full := alias + "_" + spec.Name
			if _, dup := reg.tools[full]; dup {
				logger.Warn("duplicate tool name, keeping first", "tool", full)
				continue
			}
			reg.tools[full] = &boundTool{
				fullName: full,
				rawName:  spec.Name,
				spec:     spec,
				backend:  backend,
				schema:   compileParams(full, spec.Parameters, logger),
			}
			reg.order = append(reg.order, full)
		}
	}
	return reg, nil
}

func (l *Loader) lookupGroup(ctx context.Context, id string) (*models.ToolGroup, error) {
	group, err := l.Store.GetToolGroup(ctx, id)
	if err == nil {
		return group, nil
	}
	// Builtins need no catalog row.
	if strings.HasPrefix(id, models.BuiltinIDPrefix) {
		if _, ok := l.Builtins[id]; ok {
			return &models.ToolGroup{ID: id, Kind: models.ToolGroupBuiltin, Enabled: true}, nil
		}
	}
	return nil, err
}

func (l *Loader) openBackend(group *models.ToolGroup) (Backend, error) {
	switch group.Kind {
	case models.ToolGroupHTTP:
		return NewHTTPBackend(group), nil
	case models.ToolGroupStdio:
		return NewStdioBackend(group, l.Logger), nil
	case models.ToolGroupBuiltin:
		factory, ok := l.Builtins[group.ID]
		if !ok {
			return nil, fmt.Errorf("no builtin registered for %s", group.ID)
		}
		return factory(group)
	default:
		return nil, fmt.Errorf("unknown tool group kind %q", group.Kind)
	}
}

// ListTools returns the provider-facing declarations in registration order.
func (r *Registry) ListTools() []provider.ToolDef {
	defs := make([]provider.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, provider.ToolDef{
			Name:        t.fullName,
			Description: t.spec.Description,
			Parameters:  t.spec.Parameters,
		})
	}
	return defs
}

// Len reports the number of registered tools.
func (r *Registry) Len() int { return len(r.order) }

// Restrict returns a view of the registry containing only tools whose name
// starts with one of the given prefixes. The view shares backends with the
// parent; closing it is a no-op, the parent owns disposal.
func (r *Registry) Restrict(prefixes []string) *Registry {
	out := &Registry{
		logger:      r.logger,
		tools:       make(map[string]*boundTool),
		maxParallel: r.maxParallel,
	}
	for _, name := range r.order {
		for _, p := range prefixes {
			if strings.HasPrefix(name, p) {
				out.tools[name] = r.tools[name]
				out.order = append(out.order, name)
				break
			}
		}
	}
	return out
}

// Close disposes every backend. Safe to call once per registry at turn end.
func (r *Registry) Close() {
	for _, b := range r.backends {
		if err := b.Close(); err != nil {
			r.logger.Warn("tool backend close failed", "error", err)
		}
	}
	r.backends = nil
}

var (
	schemaCache sync.Map // schema JSON → *jsonschema.Schema
)

// compileParams compiles the declared parameter schema. Compilation failures
// fail open (no validation) so a sloppy schema does not disable the tool.
func compileParams(name string, params map[string]any, logger *slog.Logger) *jsonschema.Schema {
	if len(params) == 0 {
		return nil
	}
	raw, err := jsonMarshal(params)
	if err != nil {
		return nil
	}
	if cached, ok := schemaCache.Load(raw); ok {
		return cached.(*jsonschema.Schema)
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", raw)
	if err != nil {
		logger.Warn("tool schema does not compile, skipping validation", "tool", name, "error", err)
		return nil
	}
	schemaCache.Store(raw, compiled)
	return compiled
}
