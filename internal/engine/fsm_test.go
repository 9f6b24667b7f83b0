package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/hireloop/internal/store"
	"github.com/hireloop/hireloop/pkg/schema"
)

// mockAppender records appended events for assertions.
type mockAppender struct {
	mu     sync.Mutex
	events []*store.ProgressEvent
	err    error
}

func (m *mockAppender) AppendEvent(ctx context.Context, event *store.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockAppender) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func TestWorkflowFSM_ValidTransitions(t *testing.T) {
	cases := []struct {
		from, to schema.WorkflowStatus
		event    string
	}{
		{schema.WorkflowStatusPending, schema.WorkflowStatusRunning, schema.EventWorkflowStarted},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusPaused, schema.EventWorkflowPaused},
		{schema.WorkflowStatusPaused, schema.WorkflowStatusRunning, schema.EventWorkflowResumed},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted, schema.EventWorkflowCompleted},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusFailed, schema.EventWorkflowFailed},
		{schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled, schema.EventWorkflowCancelled},
		{schema.WorkflowStatusPending, schema.WorkflowStatusCancelled, schema.EventWorkflowCancelled},
		{schema.WorkflowStatusPaused, schema.WorkflowStatusCancelled, schema.EventWorkflowCancelled},
		{schema.WorkflowStatusPaused, schema.WorkflowStatusFailed, schema.EventWorkflowFailed},
	}

	for _, tc := range cases {
		appender := &mockAppender{}
		fsm := NewWorkflowFSM(appender)

		err := fsm.Transition(context.Background(), "wf-1", tc.from, tc.to)
		require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		require.Len(t, appender.events, 1)
		assert.Equal(t, tc.event, appender.events[0].Type)
		assert.Equal(t, "wf-1", appender.events[0].WorkflowID)
	}
}

func TestWorkflowFSM_InvalidTransition(t *testing.T) {
	appender := &mockAppender{}
	fsm := NewWorkflowFSM(appender)

	err := fsm.Transition(context.Background(), "wf-1", schema.WorkflowStatusPending, schema.WorkflowStatusCompleted)
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, perr.Code)
	assert.Empty(t, appender.events)
}

func TestWorkflowFSM_TerminalStatesRejectAllTransitions(t *testing.T) {
	terminals := []schema.WorkflowStatus{
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusCancelled,
	}
	targets := []schema.WorkflowStatus{
		schema.WorkflowStatusPending,
		schema.WorkflowStatusRunning,
		schema.WorkflowStatusPaused,
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusCancelled,
	}

	fsm := NewWorkflowFSM(&mockAppender{})
	for _, from := range terminals {
		for _, to := range targets {
			err := fsm.Transition(context.Background(), "wf-1", from, to)
			assert.Error(t, err, "%s -> %s should be rejected", from, to)
		}
	}
}

func TestWorkflowFSM_AppendFailureReturnsStoreError(t *testing.T) {
	appender := &mockAppender{err: errors.New("disk full")}
	fsm := NewWorkflowFSM(appender)

	err := fsm.Transition(context.Background(), "wf-1", schema.WorkflowStatusPending, schema.WorkflowStatusRunning)
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeStore, perr.Code)
}

func TestWorkflowFSM_Hooks(t *testing.T) {
	appender := &mockAppender{}
	fsm := NewWorkflowFSM(appender)

	var order []string
	fsm.OnBefore(schema.WorkflowStatusPending, schema.WorkflowStatusRunning, func(from, to string) error {
		order = append(order, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.WorkflowStatusPending, schema.WorkflowStatusRunning, func(from, to string) error {
		order = append(order, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "wf-1", schema.WorkflowStatusPending, schema.WorkflowStatusRunning))
	assert.Equal(t, []string{"before:pending->running", "after:pending->running"}, order)
}

func TestWorkflowFSM_BeforeHookErrorAbortsTransition(t *testing.T) {
	appender := &mockAppender{}
	fsm := NewWorkflowFSM(appender)

	fsm.OnBefore(schema.WorkflowStatusPending, schema.WorkflowStatusRunning, func(from, to string) error {
		return errors.New("not yet")
	})

	err := fsm.Transition(context.Background(), "wf-1", schema.WorkflowStatusPending, schema.WorkflowStatusRunning)
	assert.Error(t, err)
	assert.Empty(t, appender.events, "no event should be emitted when a before hook fails")
}

func TestStageFSM_ValidTransitions(t *testing.T) {
	cases := []struct {
		from, to schema.StageStatus
		event    string
	}{
		{schema.StageStatusPending, schema.StageStatusRunning, schema.EventStageStarted},
		{schema.StageStatusPending, schema.StageStatusSkipped, schema.EventStageSkipped},
		{schema.StageStatusRunning, schema.StageStatusCompleted, schema.EventStageCompleted},
		{schema.StageStatusRunning, schema.StageStatusFailed, schema.EventStageFailed},
		{schema.StageStatusRunning, schema.StageStatusRetrying, schema.EventStageRetrying},
		{schema.StageStatusRunning, schema.StageStatusSuspended, schema.EventStageSuspended},
		{schema.StageStatusRetrying, schema.StageStatusRunning, schema.EventStageStarted},
		{schema.StageStatusSuspended, schema.StageStatusRunning, schema.EventStageStarted},
		{schema.StageStatusSuspended, schema.StageStatusSkipped, schema.EventStageSkipped},
	}

	for _, tc := range cases {
		appender := &mockAppender{}
		fsm := NewStageFSM(appender)

		err := fsm.Transition(context.Background(), "wf-1", "screen", tc.from, tc.to)
		require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		require.Len(t, appender.events, 1)
		assert.Equal(t, tc.event, appender.events[0].Type)
		assert.Equal(t, "screen", appender.events[0].Stage)
	}
}

func TestStageFSM_InvalidTransition(t *testing.T) {
	fsm := NewStageFSM(&mockAppender{})

	err := fsm.Transition(context.Background(), "wf-1", "screen", schema.StageStatusPending, schema.StageStatusCompleted)
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, perr.Code)
	assert.Equal(t, "screen", perr.Stage)
}

func TestStageFSM_TerminalStatesRejectAllTransitions(t *testing.T) {
	terminals := []schema.StageStatus{
		schema.StageStatusCompleted,
		schema.StageStatusFailed,
		schema.StageStatusSkipped,
	}

	fsm := NewStageFSM(&mockAppender{})
	for _, from := range terminals {
		err := fsm.Transition(context.Background(), "wf-1", "screen", from, schema.StageStatusRunning)
		assert.Error(t, err, "%s -> running should be rejected", from)
	}
}

func TestCancelInstance_CascadesToStages(t *testing.T) {
	appender := &mockAppender{}
	wfFSM := NewWorkflowFSM(appender)
	stageFSM := NewStageFSM(appender)

	stageStates := map[string]schema.StageStatus{
		"screen":   schema.StageStatusCompleted,
		"evaluate": schema.StageStatusSuspended,
		"schedule": schema.StageStatusPending,
		"notify":   schema.StageStatusPending,
	}

	err := CancelInstance(context.Background(), wfFSM, stageFSM, "wf-1", schema.WorkflowStatusPaused, stageStates)
	require.NoError(t, err)

	types := appender.types()
	assert.Contains(t, types, schema.EventWorkflowCancelled)

	// Completed stages stay put; the three non-terminal stages get skipped.
	skipped := 0
	for _, typ := range types {
		if typ == schema.EventStageSkipped {
			skipped++
		}
	}
	assert.Equal(t, 3, skipped)
}

func TestCancelInstance_TerminalWorkflowRejected(t *testing.T) {
	appender := &mockAppender{}
	wfFSM := NewWorkflowFSM(appender)
	stageFSM := NewStageFSM(appender)

	err := CancelInstance(context.Background(), wfFSM, stageFSM, "wf-1", schema.WorkflowStatusCompleted, nil)
	assert.Error(t, err)
	assert.Empty(t, appender.events)
}
