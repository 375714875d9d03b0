// Package subagent implements the builtin sub-agent router: a catalog of
// routable agents loaded from a state-root registry, resolution by id, LLM
// choice, or a rules scorer, and execution either as a subprocess or as a
// nested orchestrator turn with a restricted tool set.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// ExecutionMode selects how an agent runs.
type ExecutionMode string

const (
	// ModeCommand spawns a subprocess under the workspace root.
	ModeCommand ExecutionMode = "command"
	// ModeAI runs a nested turn against a catalog agent.
	ModeAI ExecutionMode = "ai"
)

// AgentSpec is one routable agent as declared in the registry file.
type AgentSpec struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Skills      []string `json:"skills,omitempty"`

	Mode ExecutionMode `json:"mode"`

	// Command mode.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Workdir string            `json:"workdir,omitempty"`

	// AI mode: the catalog agent to run and the tool-name prefixes the
	// nested turn is allowed to see.
	AgentID      string   `json:"agent_id,omitempty"`
	ToolPrefixes []string `json:"tool_prefixes,omitempty"`

	Disabled bool `json:"disabled,omitempty"`
}

// SkillSpec names a capability and the agents that provide it.
type SkillSpec struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	AgentIDs    []string `json:"agent_ids,omitempty"`
}

// registryFile is the on-disk shape of subagents.json.
type registryFile struct {
	Agents []AgentSpec `json:"agents"`
	Skills []SkillSpec `json:"skills,omitempty"`
}

const (
	registryName = "subagents.json"
	gitCacheDir  = "git-cache"
)

// Catalog holds the agent registry under a state root directory.
type Catalog struct {
	root string

	mu     sync.RWMutex
	agents []AgentSpec
	skills []SkillSpec
}

// NewCatalog binds a catalog to the state root; Load reads the registry.
func NewCatalog(stateRoot string) *Catalog {
	return &Catalog{root: stateRoot}
}

// Load reads subagents.json from the state root. A missing file yields an
// empty catalog, not an error.
func (c *Catalog) Load() error {
	data, err := os.ReadFile(filepath.Join(c.root, registryName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var reg registryFile
	if err := json.Unmarshal(data, &reg); err != nil {
		return fmt.Errorf("parse %s: %w", registryName, err)
	}
	c.mu.Lock()
	c.agents = reg.Agents
	c.skills = reg.Skills
	c.mu.Unlock()
	return nil
}

// Agents returns the enabled agents in registry order.
func (c *Catalog) Agents() []AgentSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AgentSpec, 0, len(c.agents))
	for _, a := range c.agents {
		if a.Disabled {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Skills returns the declared skills.
func (c *Catalog) Skills() []SkillSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SkillSpec, len(c.skills))
	copy(out, c.skills)
	return out
}

// Get looks up an enabled agent by id.
func (c *Catalog) Get(id string) (AgentSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.agents {
		if a.ID == id && !a.Disabled {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// Replace swaps the in-memory registry and persists it to the state root.
func (c *Catalog) Replace(agents []AgentSpec, skills []SkillSpec) error {
	c.mu.Lock()
	c.agents = agents
	c.skills = skills
	c.mu.Unlock()
	return c.save()
}

func (c *Catalog) save() error {
	c.mu.RLock()
	reg := registryFile{Agents: c.agents, Skills: c.skills}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(c.root, registryName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(c.root, registryName))
}

// ImportFromGit clones (or refreshes) a registry repository into the state
// root's git cache and loads its subagents.json into the catalog.
func (c *Catalog) ImportFromGit(ctx context.Context, repoURL string) error {
	name := repoDirName(repoURL)
	if name == "" {
		return fmt.Errorf("cannot derive directory name from %q", repoURL)
	}
	dir := filepath.Join(c.root, gitCacheDir, name)

	var cmd *exec.Cmd
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		cmd = exec.CommandContext(ctx, "git", "-C", dir, "pull", "--ff-only")
	} else {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return err
		}
		cmd = exec.CommandContext(ctx, "git", "clone", "--depth", "1", repoURL, dir)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git: %w: %s", err, strings.TrimSpace(string(out)))
	}

	data, err := os.ReadFile(filepath.Join(dir, registryName))
	if err != nil {
		return fmt.Errorf("imported repository has no %s: %w", registryName, err)
	}
	var reg registryFile
	if err := json.Unmarshal(data, &reg); err != nil {
		return fmt.Errorf("parse imported %s: %w", registryName, err)
	}
	return c.Replace(reg.Agents, reg.Skills)
}

// repoDirName derives the cache directory name from a git URL.
func repoDirName(repoURL string) string {
	s := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// RouterDocs returns the routing documents (agents.md, agent-skills.md) from
// the most recently modified repository in the git cache. Missing cache or
// docs yield empty strings.
func (c *Catalog) RouterDocs() (agentsDoc, skillsDoc string) {
	cache := filepath.Join(c.root, gitCacheDir)
	entries, err := os.ReadDir(cache)
	if err != nil {
		return "", ""
	}
	var newest string
	var newestMod int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = filepath.Join(cache, e.Name())
			newestMod = mod
		}
	}
	if newest == "" {
		return "", ""
	}
	if data, err := os.ReadFile(filepath.Join(newest, "agents.md")); err == nil {
		agentsDoc = string(data)
	}
	if data, err := os.ReadFile(filepath.Join(newest, "agent-skills.md")); err == nil {
		skillsDoc = string(data)
	}
	return agentsDoc, skillsDoc
}
