package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/chatos/internal/orchestrator"
	"github.com/haasonsaas/chatos/internal/store"
	"github.com/haasonsaas/chatos/pkg/models"
)

const (
	defaultCommandTimeout = 5 * time.Minute
	maxOutputBytes        = 256 * 1024
	cancelPollInterval    = 100 * time.Millisecond
)

// ErrJobCancelled is returned when a job's cancel flag was set.
var ErrJobCancelled = errors.New("sub-agent job cancelled")

// Router executes sub-agent jobs: resolve the agent, then run it in command
// mode (subprocess) or AI mode (nested orchestrator turn).
type Router struct {
	Catalog *Catalog
	Jobs    *JobStore
	Store   store.Store

	// Orch is the template for AI-mode nested turns; nil disables AI mode.
	Orch *orchestrator.Orchestrator

	// Choose, when set, lets a model pick the agent during resolution.
	Choose ChooseFunc

	// WorkspaceRoot confines command-mode working directories.
	WorkspaceRoot string

	// CommandTimeout bounds command-mode runs; 0 means the default (5m).
	CommandTimeout time.Duration

	Logger *slog.Logger
}

func (r *Router) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// ExecuteRequest is one run_sub_agent invocation.
type ExecuteRequest struct {
	ResolveRequest

	// Input is the task text handed to the resolved agent.
	Input string `json:"input"`

	// SessionID/UserID correlate the job with the requesting turn.
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Execute runs one sub-agent job to completion and returns its output. Every
// transition lands in the job's event log; sink, when non-nil, mirrors the
// log to the parent stream.
func (r *Router) Execute(ctx context.Context, req ExecuteRequest, sink orchestrator.EventSink) (string, error) {
	job := r.Jobs.Create(req.SessionID, req.RunID, req.Input, jsonPayload(req))
	if sink != nil {
		r.Jobs.AttachSink(job.ID, sink)
		defer r.Jobs.DetachSink(job.ID)
	}
	out, err := r.execute(ctx, job.ID, req)
	switch {
	case err == nil:
		r.Jobs.SetStatus(job.ID, JobStatusDone, func(j *Job) { j.Result = out })
	case errors.Is(err, ErrJobCancelled) || errors.Is(err, context.Canceled):
		r.Jobs.SetStatus(job.ID, JobStatusCancelled, func(j *Job) { j.Error = err.Error() })
	default:
		r.Jobs.SetStatus(job.ID, JobStatusError, func(j *Job) { j.Error = err.Error() })
	}
	return out, err
}

func (r *Router) execute(ctx context.Context, jobID string, req ExecuteRequest) (string, error) {
	r.Jobs.Append(jobID, EventExecutePrepare, map[string]any{"task": req.Input})
	if r.Jobs.Cancelled(jobID) {
		r.Jobs.Append(jobID, EventCancelledPrecheck, nil)
		return "", ErrJobCancelled
	}

	spec, err := r.Resolve(ctx, req.ResolveRequest)
	if err != nil {
		return "", err
	}
	r.Jobs.SetStatus(jobID, JobStatusRunning, func(j *Job) {
		j.AgentID = spec.ID
		j.CommandID = req.CommandID
	})

	// Link the job's cancel flag into this run's context. The parent abort
	// token cancels ctx directly; a targeted job cancel is polled.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopWatch := r.watchCancel(ctx, jobID, cancel)
	defer stopWatch()

	switch spec.Mode {
	case ModeCommand:
		return r.runCommand(ctx, jobID, spec, req)
	case ModeAI:
		return r.runAI(ctx, jobID, spec, req)
	default:
		return "", fmt.Errorf("sub-agent %s has unknown mode %q", spec.ID, spec.Mode)
	}
}

// watchCancel polls the job's cancel flag and fires cancel when it flips.
func (r *Router) watchCancel(ctx context.Context, jobID string, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if r.Jobs.Cancelled(jobID) {
					cancel()
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// runCommand spawns the agent's subprocess with a confined working directory
// and a bounded environment, capturing up to 256 KiB of combined output.
func (r *Router) runCommand(ctx context.Context, jobID string, spec AgentSpec, req ExecuteRequest) (string, error) {
	command, err := sanitizeExecutable(spec.Command)
	if err != nil {
		return "", fmt.Errorf("sub-agent %s: %w", spec.ID, err)
	}
	cwd, err := resolveWorkdir(r.WorkspaceRoot, spec.Workdir)
	if err != nil {
		return "", fmt.Errorf("sub-agent %s: %w", spec.ID, err)
	}
	env := boundedEnv(spec.Env)
	r.Jobs.Append(jobID, EventEnvReady, map[string]any{"cwd": cwd})
	r.Jobs.Append(jobID, EventModeSelected, map[string]any{"mode": string(ModeCommand), "agent_id": spec.ID})

	timeout := r.CommandTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, spec.Args...), req.Input)
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = cwd
	cmd.Env = env
	out := &cappedBuffer{limit: maxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	r.Jobs.Append(jobID, EventCommandStart, map[string]any{"command": command, "args": args})
	start := time.Now()
	runErr := cmd.Run()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	r.Jobs.Append(jobID, EventCommandFinish, map[string]any{
		"exit_code":   exitCode,
		"duration_ms": time.Since(start).Milliseconds(),
		"truncated":   out.truncated,
	})

	if ctx.Err() != nil {
		if r.Jobs.Cancelled(jobID) {
			return out.String(), ErrJobCancelled
		}
		return out.String(), fmt.Errorf("sub-agent command timed out after %s", timeout)
	}
	if runErr != nil {
		return out.String(), fmt.Errorf("sub-agent command failed: %w: %s", runErr, tail(out.String(), 500))
	}
	return out.String(), nil
}

// runAI runs a nested orchestrator turn in a private session, restricted to
// the spec's tool-name prefixes.
func (r *Router) runAI(ctx context.Context, jobID string, spec AgentSpec, req ExecuteRequest) (string, error) {
	if r.Orch == nil || r.Store == nil {
		return "", errors.New("ai mode is not configured")
	}
	if spec.AgentID == "" {
		return "", fmt.Errorf("sub-agent %s declares ai mode without an agent_id", spec.ID)
	}
	agent, err := r.Store.GetAgent(ctx, spec.AgentID)
	if err != nil {
		return "", fmt.Errorf("sub-agent %s: %w", spec.ID, err)
	}
	r.Jobs.Append(jobID, EventEnvReady, map[string]any{"agent_id": spec.AgentID})
	r.Jobs.Append(jobID, EventModeSelected, map[string]any{"mode": string(ModeAI), "agent_id": spec.ID})

	session := &models.Session{
		ID:     "subagent-" + jobID,
		Title:  models.DeriveTitle(req.Input),
		UserID: req.UserID,
	}
	if err := r.Store.CreateSession(ctx, session); err != nil {
		return "", fmt.Errorf("create sub-agent session: %w", err)
	}

	child := *r.Orch
	child.Locks = nil // private session, no contention
	if child.Registry == nil && child.Tools != nil && len(spec.ToolPrefixes) > 0 {
		full, err := child.Tools.Load(ctx, req.UserID, agent.ToolGroupIDs)
		if err != nil {
			return "", err
		}
		defer full.Close()
		child.Registry = full.Restrict(spec.ToolPrefixes)
	}

	sink := &nestedSink{jobs: r.Jobs, jobID: jobID}
	err = child.Run(ctx, &orchestrator.TurnRequest{
		SessionID: session.ID,
		UserID:    req.UserID,
		AgentID:   spec.AgentID,
		Content:   req.Input,
	}, sink)
	if err != nil {
		return "", err
	}
	if sink.cancelled {
		return "", ErrJobCancelled
	}
	return sink.result, nil
}

// nestedSink mirrors the child turn's events into the job log and captures
// the final assistant content.
type nestedSink struct {
	jobs  *JobStore
	jobID string

	mu        sync.Mutex
	result    string
	cancelled bool
}

func (s *nestedSink) Event(event models.StreamEventType, fields map[string]any) {
	var logged string
	switch event {
	case models.EventChunk:
		logged = EventAIContentStream
	case models.EventThinking:
		logged = EventAIReasoningStream
	case models.EventToolsStart:
		logged = EventAIToolsStart
	case models.EventToolsStream:
		logged = EventAIToolsStream
	case models.EventToolsEnd:
		logged = EventAIToolsEnd
	case models.EventComplete:
		s.mu.Lock()
		if content, ok := fields["content"].(string); ok {
			s.result = content
		}
		s.mu.Unlock()
		return
	case models.EventCancelled:
		s.mu.Lock()
		s.cancelled = true
		s.mu.Unlock()
		return
	default:
		return
	}
	s.jobs.Append(s.jobID, logged, fields)
}

func (s *nestedSink) Raw(string) {}

// cappedBuffer keeps the first limit bytes and drops the rest.
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - len(b.buf); remaining > 0 {
		if len(p) > remaining {
			b.buf = append(b.buf, p[:remaining]...)
			b.truncated = true
		} else {
			b.buf = append(b.buf, p...)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return string(b.buf) }

var bareCommandRe = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)

// sanitizeExecutable rejects commands that could smuggle shell syntax or
// options. Accepts a bare program name or an absolute/relative path with
// safe characters only.
func sanitizeExecutable(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", errors.New("command is required")
	}
	if strings.HasPrefix(value, "-") {
		return "", fmt.Errorf("command %q looks like an option", value)
	}
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			return "", errors.New("command contains control characters")
		}
	}
	if strings.ContainsAny(value, "|&;<>()$`\\\"' \t\n*?[]{}!#~") {
		return "", fmt.Errorf("command %q contains shell metacharacters", value)
	}
	if !strings.ContainsRune(value, '/') && !bareCommandRe.MatchString(value) {
		return "", fmt.Errorf("command %q is not a valid program name", value)
	}
	return value, nil
}

// resolveWorkdir resolves the agent's working directory. Relative paths are
// joined under the workspace root and may not escape it.
func resolveWorkdir(workspaceRoot, workdir string) (string, error) {
	if workdir == "" {
		if workspaceRoot != "" {
			return workspaceRoot, nil
		}
		return os.Getwd()
	}
	if filepath.IsAbs(workdir) {
		return filepath.Clean(workdir), nil
	}
	if workspaceRoot == "" {
		return "", errors.New("relative workdir requires a workspace root")
	}
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", err
	}
	joined := filepath.Clean(filepath.Join(root, workdir))
	rel, err := filepath.Rel(root, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("workdir %q escapes the workspace root", workdir)
	}
	return joined, nil
}

// boundedEnv builds a minimal environment: a safe subset of the parent's
// variables plus the agent's declared ones.
func boundedEnv(extra map[string]string) []string {
	keep := []string{"PATH", "HOME", "LANG", "TERM", "TMPDIR"}
	env := make([]string, 0, len(keep)+len(extra))
	for _, key := range keep {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func jsonPayload(req ExecuteRequest) string {
	data, err := jsonMarshal(req)
	if err != nil {
		return ""
	}
	return data
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
