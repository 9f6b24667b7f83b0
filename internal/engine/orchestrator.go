package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hireloop/hireloop/internal/agents"
	"github.com/hireloop/hireloop/internal/expressions"
	"github.com/hireloop/hireloop/internal/logging"
	"github.com/hireloop/hireloop/internal/store"
	"github.com/hireloop/hireloop/internal/streaming"
	"github.com/hireloop/hireloop/internal/validation"
	"github.com/hireloop/hireloop/pkg/schema"
)

// OrchestratorConfig tunes the runtime.
type OrchestratorConfig struct {
	// Workers caps how many instances advance concurrently.
	Workers int
}

// Runtime is the workflow control surface consumed by the outer API layers.
type Runtime interface {
	Start(ctx context.Context, jobID, candidateID string, def schema.PipelineDefinition, initial map[string]any) (string, error)
	Status(ctx context.Context, workflowID string) (*Snapshot, error)
	SubmitDecision(ctx context.Context, workflowID, response, resolvedBy string) error
	Cancel(ctx context.Context, workflowID string) error
	Decisions(ctx context.Context, workflowID, status string) ([]*store.DecisionRequest, error)
}

var _ Runtime = (*Orchestrator)(nil)

// Orchestrator owns the concurrent execution of workflow instances. It
// guarantees at most one in-flight advance per instance id via a per-instance
// lock, and exposes the start/status/decide/cancel surface the outer API
// layers build on.
type Orchestrator struct {
	store     store.Store
	registry  *agents.Registry
	hub       streaming.ProgressHub
	machine   *Machine
	validator *validation.PipelineValidator
	pool      *WorkerPool
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*instanceLock
}

// Snapshot is the externally visible view of one workflow instance. It always
// reflects the last durably committed state.
type Snapshot struct {
	Instance         *store.Instance          `json:"instance"`
	Progress         int                      `json:"progress"` // percent of terminal stages, 0-100
	PendingDecisions []*store.DecisionRequest `json:"pending_decisions,omitempty"`
}

// NewOrchestrator wires the runtime together.
func NewOrchestrator(st store.Store, registry *agents.Registry, hub streaming.ProgressHub, cfg OrchestratorConfig, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = streaming.NewMemoryHub()
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewPipelineValidator(registry)
	if err != nil {
		return nil, err
	}

	appender := &publishingAppender{store: st, hub: hub, logger: logger}
	return &Orchestrator{
		store:     st,
		registry:  registry,
		hub:       hub,
		machine:   NewMachine(st, registry, appender, cel, logger),
		validator: validator,
		pool:      NewWorkerPool(cfg.Workers),
		logger:    logger,
	}, nil
}

// Start validates the definition, creates a new pending instance, and
// schedules its first advance on the worker pool. Returns the workflow id.
func (o *Orchestrator) Start(ctx context.Context, jobID, candidateID string, def schema.PipelineDefinition, initial map[string]any) (string, error) {
	if err := o.validator.ValidateDefinition(&def); err != nil {
		return "", err
	}

	inst := &store.Instance{
		ID:          uuid.New().String(),
		JobID:       jobID,
		CandidateID: candidateID,
		Definition:  def,
		Status:      schema.WorkflowStatusPending,
		Context:     initial,
		Stages:      newStageRecords(def),
	}
	if err := o.store.CreateInstance(ctx, inst); err != nil {
		return "", err
	}

	o.logger.InfoContext(ctx, "workflow started",
		"workflow_id", inst.ID, "job_id", jobID, "candidate_id", candidateID,
		"stages", len(def.Stages))

	if err := o.pool.Submit(ctx, func(runCtx context.Context) error {
		return o.withInstance(runCtx, inst.ID, o.machine.Advance)
	}); err != nil {
		return "", err
	}

	return inst.ID, nil
}

// Status returns a snapshot of the instance plus its pending decisions.
func (o *Orchestrator) Status(ctx context.Context, workflowID string) (*Snapshot, error) {
	inst, err := o.store.GetInstance(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Instance: inst, Progress: progressPercent(inst)}
	if inst.Status == schema.WorkflowStatusPaused {
		pending, err := o.store.ListDecisions(ctx, store.DecisionFilter{WorkflowID: workflowID, Status: "pending"})
		if err == nil {
			snap.PendingDecisions = pending
		}
	}
	return snap, nil
}

// SubmitDecision resolves the pending human decision for a paused workflow
// and resumes it. Runs synchronously under the instance lock so the caller
// observes the post-resume state on return.
func (o *Orchestrator) SubmitDecision(ctx context.Context, workflowID, response, resolvedBy string) error {
	return o.withInstance(ctx, workflowID, func(runCtx context.Context, inst *store.Instance) error {
		return o.machine.Resume(runCtx, inst, response, resolvedBy)
	})
}

// Cancel transitions the workflow to cancelled. Idempotent: cancelling a
// terminal workflow is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, workflowID string) error {
	return o.withInstance(ctx, workflowID, o.machine.Cancel)
}

// Decisions lists decision requests for a workflow, optionally by status.
func (o *Orchestrator) Decisions(ctx context.Context, workflowID, status string) ([]*store.DecisionRequest, error) {
	return o.store.ListDecisions(ctx, store.DecisionFilter{WorkflowID: workflowID, Status: status})
}

// Events returns the persisted progress log for a workflow with sequence > since.
func (o *Orchestrator) Events(ctx context.Context, workflowID string, since int64) ([]*store.ProgressEvent, error) {
	return o.store.GetEvents(ctx, workflowID, since)
}

// Subscribe returns an ordered feed of progress updates for one workflow.
// The channel closes after a terminal event (completed, failed, cancelled)
// is delivered, or when cancel is called.
func (o *Orchestrator) Subscribe(ctx context.Context, workflowID string) (<-chan streaming.ProgressUpdate, func(), error) {
	src, cancelSub, err := o.hub.Subscribe(ctx, streaming.UpdateFilter{WorkflowID: workflowID})
	if err != nil {
		return nil, nil, err
	}

	out := make(chan streaming.ProgressUpdate, 64)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case update, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- update:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
				if isTerminalEvent(update.EventType) {
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelSub()
			close(done)
		})
	}
	return out, cancel, nil
}

// Recover re-schedules instances that were mid-flight when the process
// stopped. Paused instances stay paused; pending and running instances are
// advanced again from their persisted checkpoint.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []schema.WorkflowStatus{schema.WorkflowStatusPending, schema.WorkflowStatusRunning} {
		s := status
		instances, err := o.store.ListInstances(ctx, store.InstanceFilter{Status: &s})
		if err != nil {
			return recovered, err
		}
		for _, inst := range instances {
			id := inst.ID
			if err := o.pool.Submit(ctx, func(runCtx context.Context) error {
				return o.withInstance(runCtx, id, o.machine.Advance)
			}); err != nil {
				return recovered, err
			}
			recovered++
		}
	}
	if recovered > 0 {
		o.logger.InfoContext(ctx, "recovered in-flight workflows", "count", recovered)
	}
	return recovered, nil
}

// Shutdown stops accepting work and waits for in-flight advances to finish.
func (o *Orchestrator) Shutdown() {
	o.pool.Shutdown()
}

// Metrics returns worker pool metrics.
func (o *Orchestrator) Metrics() PoolMetrics {
	return o.pool.Metrics()
}

// withInstance loads the instance fresh under its per-instance lock and runs
// fn. The lock spans the load and the durable persist inside fn, which is
// what guarantees at most one in-flight advance per instance id.
func (o *Orchestrator) withInstance(ctx context.Context, workflowID string, fn func(context.Context, *store.Instance) error) error {
	lock := o.acquireLock(workflowID)
	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		o.releaseLock(workflowID, lock)
	}()

	ctx = logging.WithWorkflowID(ctx, workflowID)
	inst, err := o.store.GetInstance(ctx, workflowID)
	if err != nil {
		return err
	}

	err = fn(ctx, inst)
	if err != nil {
		o.logger.ErrorContext(ctx, "workflow operation failed",
			"workflow_id", workflowID, "error", err)
	}
	return err
}

// instanceLock is a refcounted per-workflow mutex. The refcount keeps the map
// entry alive while any caller holds or waits on the mutex, so concurrent
// operations on one workflow always contend on the same mutex; the entry is
// pruned once the last holder releases it.
type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func (o *Orchestrator) acquireLock(workflowID string) *instanceLock {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[workflowID]
	if !ok {
		if o.locks == nil {
			o.locks = make(map[string]*instanceLock)
		}
		lock = &instanceLock{}
		o.locks[workflowID] = lock
	}
	lock.refs++
	return lock
}

func (o *Orchestrator) releaseLock(workflowID string, lock *instanceLock) {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(o.locks, workflowID)
	}
}

// newStageRecords seeds one pending record per defined stage.
func newStageRecords(def schema.PipelineDefinition) []store.StageRecord {
	records := make([]store.StageRecord, len(def.Stages))
	for i, stage := range def.Stages {
		records[i] = store.StageRecord{
			Name:   stage.Name,
			Agent:  stage.Agent,
			Status: schema.StageStatusPending,
		}
	}
	return records
}

// progressPercent reports how much of the pipeline has reached a terminal
// stage status, 0-100.
func progressPercent(inst *store.Instance) int {
	if inst.Status == schema.WorkflowStatusCompleted {
		return 100
	}
	if len(inst.Stages) == 0 {
		return 0
	}
	done := 0
	for _, rec := range inst.Stages {
		if rec.Status.Terminal() {
			done++
		}
	}
	return done * 100 / len(inst.Stages)
}

func isTerminalEvent(eventType string) bool {
	switch eventType {
	case schema.EventWorkflowCompleted, schema.EventWorkflowFailed, schema.EventWorkflowCancelled:
		return true
	default:
		return false
	}
}

// publishingAppender persists progress events and fans them out to the hub.
// Hub publication is fire-and-forget: a publish failure never fails the
// state machine.
type publishingAppender struct {
	store  store.Store
	hub    streaming.ProgressHub
	logger *slog.Logger
}

func (a *publishingAppender) AppendEvent(ctx context.Context, event *store.ProgressEvent) error {
	if err := a.store.AppendEvent(ctx, event); err != nil {
		return err
	}

	update := streaming.ProgressUpdate{
		WorkflowID: event.WorkflowID,
		Stage:      event.Stage,
		EventType:  event.Type,
		Sequence:   event.Sequence,
	}
	if len(event.Payload) > 0 {
		var payload any
		if err := json.Unmarshal(event.Payload, &payload); err == nil {
			update.Payload = payload
		}
	}
	if err := a.hub.Publish(ctx, update); err != nil {
		a.logger.WarnContext(ctx, "publish progress update",
			"workflow_id", event.WorkflowID, "event_type", event.Type, "error", err)
	}
	return nil
}
