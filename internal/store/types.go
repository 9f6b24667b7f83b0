package store

import (
	"encoding/json"
	"time"

	"github.com/hireloop/hireloop/pkg/schema"
)

// Instance is the persisted representation of one workflow execution
// for a single job/candidate pair.
type Instance struct {
	ID           string                    `json:"id"`
	JobID        string                    `json:"job_id"`
	CandidateID  string                    `json:"candidate_id"`
	Definition   schema.PipelineDefinition `json:"definition"`
	Status       schema.WorkflowStatus     `json:"status"`
	CurrentStage int                       `json:"current_stage"`
	Version      int64                     `json:"version"`
	Context      map[string]any            `json:"context,omitempty"`
	Stages       []StageRecord             `json:"stages"`
	Error        json.RawMessage           `json:"error,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	StartedAt    *time.Time                `json:"started_at,omitempty"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// StageRecord is one entry in an instance's ordered stage history.
type StageRecord struct {
	Name        string             `json:"name"`
	Agent       string             `json:"agent"`
	Status      schema.StageStatus `json:"status"`
	Attempts    int                `json:"attempts"`
	Result      json.RawMessage    `json:"result,omitempty"`
	Error       string             `json:"error,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	DurationMs  int64              `json:"duration_ms,omitempty"`
}

// ProgressEvent is an immutable entry in the append-only progress log.
type ProgressEvent struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Stage      string          `json:"stage,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// DecisionRequest represents a stage awaiting human input.
type DecisionRequest struct {
	ID         string     `json:"id"`
	WorkflowID string     `json:"workflow_id"`
	Stage      string     `json:"stage"`
	Prompt     string     `json:"prompt"`
	Allowed    []string   `json:"allowed"`
	Status     string     `json:"status"` // pending, resolved, cancelled
	Response   string     `json:"response,omitempty"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// ScheduledLaunch is a cron-triggered recurring pipeline start for a job.
type ScheduledLaunch struct {
	ID             string                    `json:"id"`
	JobID          string                    `json:"job_id"`
	CronExpression string                    `json:"cron_expression"`
	Definition     schema.PipelineDefinition `json:"definition"`
	Enabled        bool                      `json:"enabled"`
	LastRunAt      *time.Time                `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time                `json:"next_run_at,omitempty"`
	LastRunStatus  string                    `json:"last_run_status,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
}

// --- Filter and update types ---

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	Status      *schema.WorkflowStatus `json:"status,omitempty"`
	JobID       string                 `json:"job_id,omitempty"`
	CandidateID string                 `json:"candidate_id,omitempty"`
	Since       *time.Time             `json:"since,omitempty"`
	Limit       int                    `json:"limit,omitempty"`
	Offset      int                    `json:"offset,omitempty"`
}

// DecisionFilter specifies criteria for listing decision requests.
type DecisionFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ScheduledLaunchFilter specifies criteria for listing scheduled launches.
type ScheduledLaunchFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	JobID   string `json:"job_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// ScheduledLaunchUpdate specifies mutable fields of a scheduled launch.
type ScheduledLaunchUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}
