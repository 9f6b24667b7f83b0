package engine

import (
	"context"
	"sync"

	"github.com/hireloop/hireloop/internal/store"
	"github.com/hireloop/hireloop/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store; used by FSMs to emit progress events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.ProgressEvent) error
}

// --- Workflow FSM ---

type workflowHookKey struct {
	from, to schema.WorkflowStatus
}

// WorkflowFSM manages workflow lifecycle state transitions.
type WorkflowFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[workflowHookKey][]TransitionHook
	after    map[workflowHookKey][]TransitionHook
}

// NewWorkflowFSM creates a new WorkflowFSM that emits events via the given appender.
func NewWorkflowFSM(appender EventAppender) *WorkflowFSM {
	return &WorkflowFSM{
		appender: appender,
		before:   make(map[workflowHookKey][]TransitionHook),
		after:    make(map[workflowHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a workflow transition.
func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a workflow transition.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a workflow state transition.
// It emits the corresponding event via the appender.
// The caller (Machine) is responsible for persisting the new state to the store.
func (f *WorkflowFSM) Transition(ctx context.Context, workflowID string, from, to schema.WorkflowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidWorkflowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	key := workflowHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := workflowEventType(from, to)
	if eventType != "" {
		event := &store.ProgressEvent{
			WorkflowID: workflowID,
			Type:       eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit workflow event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	allowed, ok := ValidWorkflowTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func workflowEventType(from, to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		if from == schema.WorkflowStatusPaused {
			return schema.EventWorkflowResumed
		}
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusPaused:
		return schema.EventWorkflowPaused
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	default:
		return ""
	}
}

// --- Stage FSM ---

type stageHookKey struct {
	from, to schema.StageStatus
}

// StageFSM manages stage lifecycle state transitions.
type StageFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[stageHookKey][]TransitionHook
	after    map[stageHookKey][]TransitionHook
}

// NewStageFSM creates a new StageFSM that emits events via the given appender.
func NewStageFSM(appender EventAppender) *StageFSM {
	return &StageFSM{
		appender: appender,
		before:   make(map[stageHookKey][]TransitionHook),
		after:    make(map[stageHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a stage transition.
func (f *StageFSM) OnBefore(from, to schema.StageStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stageHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a stage transition.
func (f *StageFSM) OnAfter(from, to schema.StageStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stageHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a stage state transition.
// It emits the corresponding event via the appender.
func (f *StageFSM) Transition(ctx context.Context, workflowID, stage string, from, to schema.StageStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStageTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid stage transition: %s -> %s", from, to).
			WithStage(stage).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	key := stageHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	eventType := stageEventType(to)
	if eventType != "" {
		event := &store.ProgressEvent{
			WorkflowID: workflowID,
			Stage:      stage,
			Type:       eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit stage event: %s", err.Error()).
				WithStage(stage).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidStageTransition(from, to schema.StageStatus) bool {
	allowed, ok := ValidStageTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stageEventType(to schema.StageStatus) string {
	switch to {
	case schema.StageStatusRunning:
		return schema.EventStageStarted
	case schema.StageStatusCompleted:
		return schema.EventStageCompleted
	case schema.StageStatusFailed:
		return schema.EventStageFailed
	case schema.StageStatusSkipped:
		return schema.EventStageSkipped
	case schema.StageStatusRetrying:
		return schema.EventStageRetrying
	case schema.StageStatusSuspended:
		return schema.EventStageSuspended
	default:
		return ""
	}
}

// --- Cancel Cascade ---

// CancelInstance transitions a workflow to cancelled and skips all non-terminal stages.
// stageStates maps stage name -> current StageStatus for every stage in the pipeline.
func CancelInstance(ctx context.Context, wfFSM *WorkflowFSM, stageFSM *StageFSM, workflowID string, currentStatus schema.WorkflowStatus, stageStates map[string]schema.StageStatus) error {
	if err := wfFSM.Transition(ctx, workflowID, currentStatus, schema.WorkflowStatusCancelled); err != nil {
		return err
	}

	for stage, status := range stageStates {
		if status.Terminal() {
			continue
		}
		if isValidStageTransition(status, schema.StageStatusSkipped) {
			if err := stageFSM.Transition(ctx, workflowID, stage, status, schema.StageStatusSkipped); err != nil {
				return err
			}
		}
	}
	return nil
}

// --- Transition tables ---

// ValidWorkflowTransitions defines the allowed state transitions for workflows.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:   {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusPaused, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusPaused:    {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
	schema.WorkflowStatusCancelled: {},
}

// ValidStageTransitions defines the allowed state transitions for stages.
var ValidStageTransitions = map[schema.StageStatus][]schema.StageStatus{
	schema.StageStatusPending:   {schema.StageStatusRunning, schema.StageStatusSkipped},
	schema.StageStatusRunning:   {schema.StageStatusCompleted, schema.StageStatusFailed, schema.StageStatusRetrying, schema.StageStatusSuspended},
	schema.StageStatusRetrying:  {schema.StageStatusRunning, schema.StageStatusFailed},
	schema.StageStatusSuspended: {schema.StageStatusRunning, schema.StageStatusFailed, schema.StageStatusSkipped},
	schema.StageStatusCompleted: {},
	schema.StageStatusFailed:    {},
	schema.StageStatusSkipped:   {},
}
