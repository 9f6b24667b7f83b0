package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hireloop/hireloop/internal/agents"
	"github.com/hireloop/hireloop/internal/expressions"
	"github.com/hireloop/hireloop/internal/logging"
	"github.com/hireloop/hireloop/internal/store"
	"github.com/hireloop/hireloop/pkg/schema"
)

// decisionsContextKey is where resolved decision responses accumulate in the
// workflow context, keyed by stage name.
const decisionsContextKey = "decisions"

// Machine drives a single workflow instance through its stages. It owns no
// cross-instance state; the Orchestrator guarantees at most one in-flight
// Advance/Resume/Cancel per instance id.
type Machine struct {
	store    store.Store
	registry *agents.Registry
	events   EventAppender
	wfFSM    *WorkflowFSM
	stageFSM *StageFSM
	cel      *expressions.CELEngine
	logger   *slog.Logger
}

// NewMachine creates a state machine backed by the given store and registry.
// Events (including FSM transition events) are emitted via appender, which
// normally persists to the store and fans out to the progress hub.
func NewMachine(st store.Store, registry *agents.Registry, appender EventAppender, cel *expressions.CELEngine, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:    st,
		registry: registry,
		events:   appender,
		wfFSM:    NewWorkflowFSM(appender),
		stageFSM: NewStageFSM(appender),
		cel:      cel,
		logger:   logger,
	}
}

// Advance runs the instance forward until it completes, fails, pauses for a
// human, or is cancelled. Calling Advance on a terminal or paused instance is
// a no-op.
func (m *Machine) Advance(ctx context.Context, inst *store.Instance) error {
	if inst.Status.Terminal() || inst.Status == schema.WorkflowStatusPaused {
		return nil
	}

	if inst.Status == schema.WorkflowStatusPending {
		if err := m.startInstance(ctx, inst); err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return nil
		}
	}

	for inst.Status == schema.WorkflowStatusRunning {
		if err := ctx.Err(); err != nil {
			return err
		}

		if inst.CurrentStage >= len(inst.Definition.Stages) {
			return m.completeInstance(ctx, inst)
		}

		stageDef := inst.Definition.Stages[inst.CurrentStage]
		rec := &inst.Stages[inst.CurrentStage]

		// Already-terminal current stage: advance the index without
		// re-invoking the agent. An approval gate whose decision is still
		// unresolved re-pauses instead.
		if rec.Status == schema.StageStatusCompleted || rec.Status == schema.StageStatusSkipped {
			if rec.Status == schema.StageStatusCompleted && stageDef.Approval && !m.decisionResolved(inst, stageDef.Name) {
				if err := m.pauseForApproval(ctx, inst, stageDef.Name); err != nil {
					return err
				}
				return nil
			}
			inst.CurrentStage++
			if err := m.save(ctx, inst); err != nil {
				return err
			}
			continue
		}

		if stageDef.Condition != "" {
			run, err := m.cel.EvaluateBool(ctx, stageDef.Condition, map[string]any{
				"context":  inst.Context,
				"workflow": workflowVars(inst),
			})
			if err != nil {
				// A broken condition is a configuration error: Fatal, never a
				// crash. The stage enters running so failStage has a valid
				// transition to failed.
				if tErr := m.stageFSM.Transition(ctx, inst.ID, rec.Name, rec.Status, schema.StageStatusRunning); tErr != nil {
					return tErr
				}
				rec.Status = schema.StageStatusRunning
				return m.failStage(ctx, inst, rec, schema.NewErrorf(schema.ErrCodeValidation,
					"condition for stage %q: %s", stageDef.Name, err.Error()).WithStage(stageDef.Name).WithCause(err))
			}
			if !run {
				if err := m.skipStage(ctx, inst, rec); err != nil {
					return err
				}
				continue
			}
		}

		if err := m.runStage(ctx, inst, stageDef, rec); err != nil {
			return err
		}
	}

	return nil
}

// Resume applies a human decision response and re-enters Advance.
// Valid only while the instance is paused; a response outside the allowed set
// is rejected without mutating any state.
func (m *Machine) Resume(ctx context.Context, inst *store.Instance, response, resolvedBy string) error {
	if inst.Status != schema.WorkflowStatusPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow %s is %s, not awaiting a decision", inst.ID, inst.Status)
	}

	pending, err := m.store.ListDecisions(ctx, store.DecisionFilter{WorkflowID: inst.ID, Status: "pending"})
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s has no pending decision", inst.ID)
	}
	dec := pending[0]

	allowed := &schema.DecisionPrompt{Prompt: dec.Prompt, Allowed: dec.Allowed}
	if !allowed.AllowsResponse(response) {
		return schema.NewErrorf(schema.ErrCodeInvalidDecision,
			"response %q not in allowed set %v", response, dec.Allowed).WithStage(dec.Stage)
	}

	now := time.Now().UTC()
	m.mergeDecision(inst, dec.Stage, map[string]any{
		"response":    response,
		"resolved_by": resolvedBy,
		"resolved_at": now.Format(time.RFC3339),
	})

	// A stage suspended by NeedsHumanDecision completes with the response as
	// its result. Approval-gate stages are already completed.
	rec := m.stageRecord(inst, dec.Stage)
	if rec != nil && rec.Status == schema.StageStatusSuspended {
		if err := m.stageFSM.Transition(ctx, inst.ID, rec.Name, schema.StageStatusSuspended, schema.StageStatusRunning); err != nil {
			return err
		}
		if err := m.stageFSM.Transition(ctx, inst.ID, rec.Name, schema.StageStatusRunning, schema.StageStatusCompleted); err != nil {
			return err
		}
		rec.Status = schema.StageStatusCompleted
		rec.CompletedAt = &now
		if rec.StartedAt != nil {
			rec.DurationMs = now.Sub(*rec.StartedAt).Milliseconds()
		}
		rec.Result, _ = json.Marshal(map[string]any{"response": response})
	}

	if err := m.wfFSM.Transition(ctx, inst.ID, schema.WorkflowStatusPaused, schema.WorkflowStatusRunning); err != nil {
		return err
	}
	inst.Status = schema.WorkflowStatusRunning

	// The saved instance (status flip plus the decision entry in the context)
	// is the authoritative record of the resolution. Saving before resolving
	// the decision row means a version conflict leaves the workflow paused
	// with its decision still pending, so Resume can simply be retried.
	if err := m.save(ctx, inst); err != nil {
		return err
	}
	if err := m.store.ResolveDecision(ctx, dec.ID, response, resolvedBy); err != nil {
		m.logger.WarnContext(ctx, "resolve decision record",
			"workflow_id", inst.ID, "decision_id", dec.ID, "error", err)
	}

	m.appendEvent(ctx, inst.ID, dec.Stage, schema.EventDecisionResolved, map[string]any{
		"decision_id": dec.ID,
		"response":    response,
		"resolved_by": resolvedBy,
	})

	m.logger.InfoContext(ctx, "workflow resumed",
		"workflow_id", inst.ID, "stage", dec.Stage, "response", response)

	return m.Advance(ctx, inst)
}

// Cancel transitions the instance to cancelled from any non-terminal status,
// skips all non-terminal stages, and cancels pending decisions. Cancelling an
// already-terminal instance is a no-op.
func (m *Machine) Cancel(ctx context.Context, inst *store.Instance) error {
	if inst.Status.Terminal() {
		return nil
	}

	stageStates := make(map[string]schema.StageStatus, len(inst.Stages))
	for _, rec := range inst.Stages {
		stageStates[rec.Name] = rec.Status
	}

	if err := CancelInstance(ctx, m.wfFSM, m.stageFSM, inst.ID, inst.Status, stageStates); err != nil {
		return err
	}

	now := time.Now().UTC()
	for i := range inst.Stages {
		if !inst.Stages[i].Status.Terminal() {
			inst.Stages[i].Status = schema.StageStatusSkipped
			inst.Stages[i].CompletedAt = &now
		}
	}

	pending, err := m.store.ListDecisions(ctx, store.DecisionFilter{WorkflowID: inst.ID, Status: "pending"})
	if err == nil {
		for _, dec := range pending {
			if cErr := m.store.CancelDecision(ctx, dec.ID); cErr != nil {
				m.logger.WarnContext(ctx, "cancel pending decision",
					"workflow_id", inst.ID, "decision_id", dec.ID, "error", cErr)
			}
		}
	}

	inst.Status = schema.WorkflowStatusCancelled
	inst.CompletedAt = &now
	if err := m.save(ctx, inst); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "workflow cancelled", "workflow_id", inst.ID)
	return nil
}

// --- stage execution ---

func (m *Machine) startInstance(ctx context.Context, inst *store.Instance) error {
	now := time.Now().UTC()

	if len(inst.Definition.Stages) == 0 {
		// Zero defined stages: the workflow completes immediately.
		if err := m.wfFSM.Transition(ctx, inst.ID, schema.WorkflowStatusPending, schema.WorkflowStatusRunning); err != nil {
			return err
		}
		if err := m.wfFSM.Transition(ctx, inst.ID, schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted); err != nil {
			return err
		}
		inst.Status = schema.WorkflowStatusCompleted
		inst.StartedAt = &now
		inst.CompletedAt = &now
		return m.save(ctx, inst)
	}

	if err := m.wfFSM.Transition(ctx, inst.ID, schema.WorkflowStatusPending, schema.WorkflowStatusRunning); err != nil {
		return err
	}
	inst.Status = schema.WorkflowStatusRunning
	inst.StartedAt = &now
	return m.save(ctx, inst)
}

func (m *Machine) completeInstance(ctx context.Context, inst *store.Instance) error {
	if err := m.wfFSM.Transition(ctx, inst.ID, schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	inst.Status = schema.WorkflowStatusCompleted
	inst.CompletedAt = &now
	if err := m.save(ctx, inst); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "workflow completed", "workflow_id", inst.ID)
	return nil
}

func (m *Machine) skipStage(ctx context.Context, inst *store.Instance, rec *store.StageRecord) error {
	if err := m.stageFSM.Transition(ctx, inst.ID, rec.Name, rec.Status, schema.StageStatusSkipped); err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.Status = schema.StageStatusSkipped
	rec.CompletedAt = &now
	inst.CurrentStage++
	return m.save(ctx, inst)
}

// runStage executes one stage to a terminal or suspended state, applying the
// retry policy. On return the instance reflects the outcome and is persisted.
func (m *Machine) runStage(ctx context.Context, inst *store.Instance, stageDef schema.StageDefinition, rec *store.StageRecord) error {
	agent, err := m.registry.Get(stageDef.Agent)
	if err != nil {
		// Unknown agent is a configuration error: Fatal, never a crash.
		if tErr := m.stageFSM.Transition(ctx, inst.ID, rec.Name, rec.Status, schema.StageStatusRunning); tErr != nil {
			return tErr
		}
		rec.Status = schema.StageStatusRunning
		return m.failStage(ctx, inst, rec, schema.NewErrorf(schema.ErrCodeUnknownAgent,
			"agent %q not registered", stageDef.Agent).WithStage(rec.Name))
	}

	now := time.Now().UTC()
	rec.StartedAt = &now
	if err := m.stageFSM.Transition(ctx, inst.ID, rec.Name, rec.Status, schema.StageStatusRunning); err != nil {
		return err
	}
	rec.Status = schema.StageStatusRunning
	if err := m.save(ctx, inst); err != nil {
		return err
	}

	maxAttempts := 1
	if stageDef.Retry != nil && stageDef.Retry.Max > 0 {
		maxAttempts = stageDef.Retry.Max + 1
	}

	for attempt := 0; ; attempt++ {
		rec.Attempts = attempt + 1

		result := m.invoke(ctx, agent, inst, stageDef)

		switch result.Outcome {
		case schema.OutcomeSuccess:
			return m.completeStage(ctx, inst, stageDef, rec, result)

		case schema.OutcomeNeedsDecision:
			return m.suspendStage(ctx, inst, rec, result.Decision)

		case schema.OutcomeFatal:
			return m.failStage(ctx, inst, rec, schema.NewError(schema.ErrCodeStageFailed, result.Reason).WithStage(rec.Name))

		case schema.OutcomeRetryable:
			if rec.Attempts >= maxAttempts {
				return m.failStage(ctx, inst, rec, schema.NewErrorf(schema.ErrCodeRetryExhausted,
					"retries exhausted after %d attempts: %s", rec.Attempts, result.Reason).WithStage(rec.Name))
			}
			if err := m.stageFSM.Transition(ctx, inst.ID, rec.Name, schema.StageStatusRunning, schema.StageStatusRetrying); err != nil {
				return err
			}
			rec.Status = schema.StageStatusRetrying
			rec.Error = result.Reason
			if err := m.save(ctx, inst); err != nil {
				return err
			}

			delay := ComputeBackoff(stageDef.Retry, attempt)
			m.logger.WarnContext(ctx, "stage retrying",
				"workflow_id", inst.ID, "stage", rec.Name,
				"attempt", rec.Attempts, "backoff", delay.String(), "reason", result.Reason)
			if err := WaitForBackoff(ctx, delay); err != nil {
				return err
			}

			if err := m.stageFSM.Transition(ctx, inst.ID, rec.Name, schema.StageStatusRetrying, schema.StageStatusRunning); err != nil {
				return err
			}
			rec.Status = schema.StageStatusRunning

		default:
			return m.failStage(ctx, inst, rec, schema.NewErrorf(schema.ErrCodeExecution,
				"agent %q returned unknown outcome %q", stageDef.Agent, result.Outcome).WithStage(rec.Name))
		}
	}
}

// invoke runs the agent once with the stage timeout applied, converting
// infrastructure errors and deadline hits into AgentResult outcomes.
func (m *Machine) invoke(ctx context.Context, agent agents.Agent, inst *store.Instance, stageDef schema.StageDefinition) schema.AgentResult {
	execCtx := logging.WithIDs(ctx, inst.ID, stageDef.Name, inst.CandidateID)
	if stageDef.Timeout != "" {
		if d, err := time.ParseDuration(stageDef.Timeout); err == nil && d > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	result, err := agent.Execute(execCtx, agents.ExecInput{
		WorkflowID:  inst.ID,
		JobID:       inst.JobID,
		CandidateID: inst.CandidateID,
		Stage:       stageDef.Name,
		Params:      stageDef.Params,
		Context:     inst.Context,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return schema.Retryable("stage timed out after " + stageDef.Timeout)
		}
		if IsRetryableError(err) {
			return schema.Retryable(err.Error())
		}
		return schema.Fatal(err.Error())
	}
	return result
}

func (m *Machine) completeStage(ctx context.Context, inst *store.Instance, stageDef schema.StageDefinition, rec *store.StageRecord, result schema.AgentResult) error {
	if inst.Context == nil {
		inst.Context = make(map[string]any)
	}
	for k, v := range result.Patch {
		inst.Context[k] = v
	}

	now := time.Now().UTC()
	rec.CompletedAt = &now
	if rec.StartedAt != nil {
		rec.DurationMs = now.Sub(*rec.StartedAt).Milliseconds()
	}
	if result.Patch != nil {
		rec.Result, _ = json.Marshal(result.Patch)
	}
	if err := m.stageFSM.Transition(ctx, inst.ID, rec.Name, schema.StageStatusRunning, schema.StageStatusCompleted); err != nil {
		return err
	}
	rec.Status = schema.StageStatusCompleted
	rec.Error = ""

	if stageDef.Approval {
		return m.pauseForApproval(ctx, inst, rec.Name)
	}

	inst.CurrentStage++
	if err := m.save(ctx, inst); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "stage completed",
		"workflow_id", inst.ID, "stage", rec.Name, "attempts", rec.Attempts)
	return nil
}

// suspendStage parks the current stage awaiting a human decision and pauses
// the workflow.
func (m *Machine) suspendStage(ctx context.Context, inst *store.Instance, rec *store.StageRecord, prompt *schema.DecisionPrompt) error {
	if prompt == nil {
		prompt = &schema.DecisionPrompt{Prompt: "decision required", Allowed: schema.ApprovalResponses}
	}
	if err := m.stageFSM.Transition(ctx, inst.ID, rec.Name, schema.StageStatusRunning, schema.StageStatusSuspended); err != nil {
		return err
	}
	rec.Status = schema.StageStatusSuspended

	if _, err := m.requestDecision(ctx, inst, rec.Name, prompt); err != nil {
		return err
	}

	if err := m.wfFSM.Transition(ctx, inst.ID, schema.WorkflowStatusRunning, schema.WorkflowStatusPaused); err != nil {
		return err
	}
	inst.Status = schema.WorkflowStatusPaused
	if err := m.save(ctx, inst); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "workflow paused for human decision",
		"workflow_id", inst.ID, "stage", rec.Name)
	return nil
}

// pauseForApproval pauses a workflow after an approval-gated stage completed.
func (m *Machine) pauseForApproval(ctx context.Context, inst *store.Instance, stage string) error {
	prompt := &schema.DecisionPrompt{
		Prompt:  "Approve stage " + stage + " to continue",
		Allowed: schema.ApprovalResponses,
	}
	if _, err := m.requestDecision(ctx, inst, stage, prompt); err != nil {
		return err
	}
	if err := m.wfFSM.Transition(ctx, inst.ID, schema.WorkflowStatusRunning, schema.WorkflowStatusPaused); err != nil {
		return err
	}
	inst.Status = schema.WorkflowStatusPaused
	if err := m.save(ctx, inst); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "workflow paused for approval",
		"workflow_id", inst.ID, "stage", stage)
	return nil
}

// requestDecision creates a pending decision request, or returns the existing
// one for the same stage (idempotent).
func (m *Machine) requestDecision(ctx context.Context, inst *store.Instance, stage string, prompt *schema.DecisionPrompt) (*store.DecisionRequest, error) {
	pending, err := m.store.ListDecisions(ctx, store.DecisionFilter{WorkflowID: inst.ID, Status: "pending"})
	if err != nil {
		return nil, err
	}
	for _, dec := range pending {
		if dec.Stage == stage {
			return dec, nil
		}
	}

	dec := &store.DecisionRequest{
		ID:         uuid.New().String(),
		WorkflowID: inst.ID,
		Stage:      stage,
		Prompt:     prompt.Prompt,
		Allowed:    prompt.Allowed,
	}
	if err := m.store.CreateDecision(ctx, dec); err != nil {
		return nil, err
	}

	m.appendEvent(ctx, inst.ID, stage, schema.EventDecisionRequested, map[string]any{
		"decision_id": dec.ID,
		"prompt":      dec.Prompt,
		"allowed":     dec.Allowed,
	})
	return dec, nil
}

// failStage marks the stage and the workflow failed, recording the reason
// verbatim on the stage record for operator visibility.
func (m *Machine) failStage(ctx context.Context, inst *store.Instance, rec *store.StageRecord, cause *schema.PipelineError) error {
	now := time.Now().UTC()
	rec.Error = cause.Message
	rec.CompletedAt = &now
	if rec.StartedAt != nil {
		rec.DurationMs = now.Sub(*rec.StartedAt).Milliseconds()
	}
	if err := m.stageFSM.Transition(ctx, inst.ID, rec.Name, rec.Status, schema.StageStatusFailed); err != nil {
		return err
	}
	rec.Status = schema.StageStatusFailed

	if err := m.wfFSM.Transition(ctx, inst.ID, inst.Status, schema.WorkflowStatusFailed); err != nil {
		return err
	}
	inst.Status = schema.WorkflowStatusFailed
	inst.CompletedAt = &now
	inst.Error, _ = json.Marshal(cause)

	if err := m.save(ctx, inst); err != nil {
		return err
	}

	m.logger.ErrorContext(ctx, "workflow failed",
		"workflow_id", inst.ID, "stage", rec.Name, "code", cause.Code, "reason", cause.Message)
	return nil
}

// --- helpers ---

func (m *Machine) save(ctx context.Context, inst *store.Instance) error {
	return m.store.SaveInstance(ctx, inst, inst.Version)
}

func (m *Machine) appendEvent(ctx context.Context, workflowID, stage, eventType string, payload map[string]any) {
	event := &store.ProgressEvent{
		WorkflowID: workflowID,
		Stage:      stage,
		Type:       eventType,
	}
	if payload != nil {
		event.Payload, _ = json.Marshal(payload)
	}
	if err := m.events.AppendEvent(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "append event",
			"workflow_id", workflowID, "event_type", eventType, "error", err)
	}
}

func (m *Machine) mergeDecision(inst *store.Instance, stage string, entry map[string]any) {
	if inst.Context == nil {
		inst.Context = make(map[string]any)
	}
	decisions, _ := inst.Context[decisionsContextKey].(map[string]any)
	if decisions == nil {
		decisions = make(map[string]any)
	}
	decisions[stage] = entry
	inst.Context[decisionsContextKey] = decisions
}

func (m *Machine) decisionResolved(inst *store.Instance, stage string) bool {
	decisions, _ := inst.Context[decisionsContextKey].(map[string]any)
	_, ok := decisions[stage]
	return ok
}

func (m *Machine) stageRecord(inst *store.Instance, stage string) *store.StageRecord {
	for i := range inst.Stages {
		if inst.Stages[i].Name == stage {
			return &inst.Stages[i]
		}
	}
	return nil
}

func workflowVars(inst *store.Instance) map[string]any {
	return map[string]any{
		"id":           inst.ID,
		"job_id":       inst.JobID,
		"candidate_id": inst.CandidateID,
	}
}
