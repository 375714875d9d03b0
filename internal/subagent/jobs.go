package subagent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatos/internal/orchestrator"
	"github.com/haasonsaas/chatos/pkg/models"
)

// JobStatus is the lifecycle state of a sub-agent job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusDone      JobStatus = "done"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job event types, appended in execution order.
const (
	EventExecutePrepare    = "execute_prepare"
	EventEnvReady          = "env_ready"
	EventModeSelected      = "execute_mode_selected"
	EventCommandStart      = "command_start"
	EventCommandFinish     = "command_finish"
	EventAIContentStream   = "ai_content_stream"
	EventAIReasoningStream = "ai_reasoning_stream"
	EventAIToolsStart      = "ai_tools_start"
	EventAIToolsStream     = "ai_tools_stream"
	EventAIToolsEnd        = "ai_tools_end"
	EventCancelledPrecheck = "execute_cancelled_precheck"
)

// JobEvent is one entry in a job's append-only log.
type JobEvent struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Job is one sub-agent execution record.
type Job struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	Task      string    `json:"task"`
	AgentID   string    `json:"agent_id,omitempty"`
	CommandID string    `json:"command_id,omitempty"`
	Payload   string    `json:"payload,omitempty"`
	Status    JobStatus `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Events []JobEvent `json:"events,omitempty"`

	cancelled atomic.Bool
}

// clone copies the job for callers; the event slice is shared read-only.
func (j *Job) clone() *Job {
	out := &Job{
		ID: j.ID, SessionID: j.SessionID, RunID: j.RunID,
		Task: j.Task, AgentID: j.AgentID, CommandID: j.CommandID,
		Payload: j.Payload, Status: j.Status, Result: j.Result, Error: j.Error,
		CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
	out.Events = make([]JobEvent, len(j.Events))
	copy(out.Events, j.Events)
	out.cancelled.Store(j.cancelled.Load())
	return out
}

// traceMu serializes appends to the router trace file across all stores.
var traceMu sync.Mutex

// JobStore keeps sub-agent jobs, their event logs, and their stream sinks in
// memory. When TracePath is set every event is also appended to a JSONL file.
type JobStore struct {
	// TracePath, when non-empty, receives one JSON line per job event.
	TracePath string

	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
	sinks map[string]orchestrator.EventSink
}

func NewJobStore(tracePath string) *JobStore {
	return &JobStore{
		TracePath: tracePath,
		jobs:      map[string]*Job{},
		sinks:     map[string]orchestrator.EventSink{},
	}
}

// Create registers a queued job and returns its id.
func (s *JobStore) Create(sessionID, runID, task, payload string) *Job {
	now := time.Now()
	job := &Job{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		RunID:     runID,
		Task:      task,
		Payload:   payload,
		Status:    JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.mu.Unlock()
	return job.clone()
}

// AttachSink mirrors the job's events to a parent stream sink.
func (s *JobStore) AttachSink(jobID string, sink orchestrator.EventSink) {
	s.mu.Lock()
	s.sinks[jobID] = sink
	s.mu.Unlock()
}

// DetachSink removes the job's sink.
func (s *JobStore) DetachSink(jobID string) {
	s.mu.Lock()
	delete(s.sinks, jobID)
	s.mu.Unlock()
}

// Append records one event, mirrors it to the attached sink, and traces it
// to disk when a trace path is configured.
func (s *JobStore) Append(jobID, eventType string, data map[string]any) {
	now := time.Now()
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	var sink orchestrator.EventSink
	if ok {
		job.Events = append(job.Events, JobEvent{Type: eventType, Data: data, CreatedAt: now})
		job.UpdatedAt = now
		sink = s.sinks[jobID]
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if sink != nil {
		fields := map[string]any{"job_id": jobID}
		for k, v := range data {
			fields[k] = v
		}
		sink.Event(models.StreamEventType(eventType), fields)
	}
	if s.TracePath != "" {
		s.trace(jobID, eventType, data, now)
	}
}

// SetStatus transitions the job, recording resolved ids, result, or error.
func (s *JobStore) SetStatus(jobID string, status JobStatus, mutate func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return
	}
	job.Status = status
	job.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(job)
	}
}

// Cancel flips the job's cancel flag. The executor checks it before and
// during the run.
func (s *JobStore) Cancel(jobID string) bool {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	job.cancelled.Store(true)
	return true
}

// Cancelled reports the job's cancel flag.
func (s *JobStore) Cancelled(jobID string) bool {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	return ok && job.cancelled.Load()
}

// Get returns a copy of the job.
func (s *JobStore) Get(jobID string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// List returns all jobs in creation order.
func (s *JobStore) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].clone())
	}
	return out
}

// trace appends one JSON line to the trace file under the process-wide lock.
func (s *JobStore) trace(jobID, eventType string, data map[string]any, at time.Time) {
	record, err := json.Marshal(map[string]any{
		"job_id": jobID,
		"type":   eventType,
		"data":   data,
		"at":     at.Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	traceMu.Lock()
	defer traceMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.TracePath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(s.TracePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(record, '\n'))
}
