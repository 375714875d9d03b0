package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoAgents is returned when resolution runs against an empty catalog.
var ErrNoAgents = errors.New("sub-agent catalog is empty")

// ResolveRequest narrows the catalog down to one agent. Fields are applied
// in order: explicit id, command id, then query/category/skills matching.
type ResolveRequest struct {
	AgentID   string   `json:"agent_id,omitempty"`
	CommandID string   `json:"command_id,omitempty"`
	Category  string   `json:"category,omitempty"`
	Query     string   `json:"query,omitempty"`
	Skills    []string `json:"skills,omitempty"`
}

// ChooseFunc asks a model to pick an agent id. It receives a system prompt
// and the routing question and returns the chosen text.
type ChooseFunc func(ctx context.Context, system, prompt string) (string, error)

// Resolve picks the agent for a request. Lookup by id wins; otherwise the
// LLM chooser (grounded with the cached routing docs) is consulted, then a
// rules-based scorer, then the first available agent.
func (r *Router) Resolve(ctx context.Context, req ResolveRequest) (AgentSpec, error) {
	if req.AgentID != "" {
		if spec, ok := r.Catalog.Get(req.AgentID); ok {
			return spec, nil
		}
		return AgentSpec{}, fmt.Errorf("unknown sub-agent %q", req.AgentID)
	}
	if req.CommandID != "" {
		if spec, ok := r.Catalog.Get(req.CommandID); ok {
			return spec, nil
		}
	}

	agents := r.Catalog.Agents()
	if len(agents) == 0 {
		return AgentSpec{}, ErrNoAgents
	}

	if r.Choose != nil && req.Query != "" {
		if spec, ok := r.resolveByLLM(ctx, req, agents); ok {
			return spec, nil
		}
	}
	if spec, ok := scoreAgents(req, agents); ok {
		return spec, nil
	}
	return agents[0], nil
}

// resolveByLLM asks the chooser to name one agent id. Any failure or an
// answer outside the catalog falls through to the scorer.
func (r *Router) resolveByLLM(ctx context.Context, req ResolveRequest, agents []AgentSpec) (AgentSpec, bool) {
	agentsDoc, skillsDoc := r.Catalog.RouterDocs()

	var sb strings.Builder
	sb.WriteString("Available agents:\n")
	for _, a := range agents {
		line, _ := json.Marshal(map[string]any{
			"id":          a.ID,
			"name":        a.Name,
			"description": a.Description,
			"category":    a.Category,
			"skills":      a.Skills,
		})
		sb.Write(line)
		sb.WriteByte('\n')
	}
	if agentsDoc != "" {
		sb.WriteString("\nAgent docs:\n" + agentsDoc + "\n")
	}
	if skillsDoc != "" {
		sb.WriteString("\nSkill docs:\n" + skillsDoc + "\n")
	}
	sb.WriteString("\nTask: " + req.Query + "\n")
	if req.Category != "" {
		sb.WriteString("Category hint: " + req.Category + "\n")
	}
	if len(req.Skills) > 0 {
		sb.WriteString("Required skills: " + strings.Join(req.Skills, ", ") + "\n")
	}
	sb.WriteString("\nAnswer with the id of the single best agent, nothing else.")

	system := "You route tasks to sub-agents. Reply with exactly one agent id from the list."
	answer, err := r.Choose(ctx, system, sb.String())
	if err != nil {
		r.logger().Warn("llm agent selection failed, falling back to scorer", "error", err)
		return AgentSpec{}, false
	}
	answer = strings.Trim(strings.TrimSpace(answer), "`\"'")
	if spec, ok := r.Catalog.Get(answer); ok {
		return spec, true
	}
	// Models sometimes wrap the id in prose; accept a unique substring hit.
	var hit AgentSpec
	hits := 0
	for _, a := range agents {
		if strings.Contains(answer, a.ID) {
			hit = a
			hits++
		}
	}
	if hits == 1 {
		return hit, true
	}
	return AgentSpec{}, false
}

// scoreAgents ranks agents by keyword overlap between the request and the
// agent's name, description, category, and skills. Category match and each
// requested skill weigh more than free-text hits.
func scoreAgents(req ResolveRequest, agents []AgentSpec) (AgentSpec, bool) {
	words := queryWords(req.Query)
	var best AgentSpec
	bestScore := 0
	for _, a := range agents {
		score := 0
		if req.Category != "" && strings.EqualFold(a.Category, req.Category) {
			score += 5
		}
		for _, want := range req.Skills {
			for _, have := range a.Skills {
				if strings.EqualFold(want, have) {
					score += 3
				}
			}
		}
		haystack := strings.ToLower(a.ID + " " + a.Name + " " + a.Description + " " + strings.Join(a.Skills, " "))
		for _, w := range words {
			if strings.Contains(haystack, w) {
				score++
			}
		}
		if score > bestScore {
			best = a
			bestScore = score
		}
	}
	return best, bestScore > 0
}

func queryWords(q string) []string {
	fields := strings.Fields(strings.ToLower(q))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?()[]{}\"'")
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}
