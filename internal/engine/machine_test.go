package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/hireloop/internal/agents"
	"github.com/hireloop/hireloop/internal/expressions"
	"github.com/hireloop/hireloop/internal/store"
	"github.com/hireloop/hireloop/pkg/schema"
)

// mockStore is an in-memory Store with the same optimistic-versioning
// semantics as the libsql implementation.
type mockStore struct {
	mu        sync.Mutex
	instances map[string]*store.Instance
	events    []*store.ProgressEvent
	decisions []*store.DecisionRequest
	launches  map[string]*store.ScheduledLaunch
	seq       map[string]int64
}

func newMockStore() *mockStore {
	return &mockStore{
		instances: make(map[string]*store.Instance),
		launches:  make(map[string]*store.ScheduledLaunch),
		seq:       make(map[string]int64),
	}
}

func cloneInstance(inst *store.Instance) *store.Instance {
	raw, _ := json.Marshal(inst)
	out := &store.Instance{}
	_ = json.Unmarshal(raw, out)
	return out
}

func (m *mockStore) CreateInstance(ctx context.Context, inst *store.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[inst.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %s already exists", inst.ID)
	}
	m.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (m *mockStore) GetInstance(ctx context.Context, id string) (*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance %s not found", id)
	}
	return cloneInstance(inst), nil
}

func (m *mockStore) SaveInstance(ctx context.Context, inst *store.Instance, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.instances[inst.ID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "instance %s not found", inst.ID)
	}
	if stored.Version != expectedVersion {
		return schema.NewErrorf(schema.ErrCodeVersionConflict,
			"instance %s: stale write (expected version %d, stored %d)", inst.ID, expectedVersion, stored.Version)
	}
	inst.Version = expectedVersion + 1
	m.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (m *mockStore) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Instance
	for _, inst := range m.instances {
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.JobID != "" && inst.JobID != filter.JobID {
			continue
		}
		out = append(out, cloneInstance(inst))
	}
	return out, nil
}

func (m *mockStore) AppendEvent(ctx context.Context, event *store.ProgressEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[event.WorkflowID]++
	event.Sequence = m.seq[event.WorkflowID]
	event.Timestamp = time.Now().UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *mockStore) GetEvents(ctx context.Context, workflowID string, since int64) ([]*store.ProgressEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ProgressEvent
	for _, e := range m.events {
		if e.WorkflowID == workflowID && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) CreateDecision(ctx context.Context, dec *store.DecisionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dec.Status = "pending"
	dec.CreatedAt = time.Now().UTC()
	m.decisions = append(m.decisions, dec)
	return nil
}

func (m *mockStore) GetDecision(ctx context.Context, id string) (*store.DecisionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dec := range m.decisions {
		if dec.ID == id {
			return dec, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "decision %s not found", id)
}

func (m *mockStore) ResolveDecision(ctx context.Context, id, response, resolvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dec := range m.decisions {
		if dec.ID == id && dec.Status == "pending" {
			now := time.Now().UTC()
			dec.Status = "resolved"
			dec.Response = response
			dec.ResolvedBy = resolvedBy
			dec.ResolvedAt = &now
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "pending decision %s not found", id)
}

func (m *mockStore) CancelDecision(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dec := range m.decisions {
		if dec.ID == id && dec.Status == "pending" {
			dec.Status = "cancelled"
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "pending decision %s not found", id)
}

func (m *mockStore) ListDecisions(ctx context.Context, filter store.DecisionFilter) ([]*store.DecisionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.DecisionRequest
	for _, dec := range m.decisions {
		if filter.WorkflowID != "" && dec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && dec.Status != filter.Status {
			continue
		}
		out = append(out, dec)
	}
	return out, nil
}

func (m *mockStore) CreateScheduledLaunch(ctx context.Context, launch *store.ScheduledLaunch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.launches[launch.ID] = launch
	return nil
}

func (m *mockStore) UpdateScheduledLaunch(ctx context.Context, id string, update store.ScheduledLaunchUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	launch, ok := m.launches[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled launch %s not found", id)
	}
	if update.Enabled != nil {
		launch.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		launch.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		launch.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		launch.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockStore) ListScheduledLaunches(ctx context.Context, filter store.ScheduledLaunchFilter) ([]*store.ScheduledLaunch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ScheduledLaunch
	for _, launch := range m.launches {
		if filter.Enabled != nil && launch.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, launch)
	}
	return out, nil
}

func (m *mockStore) DeleteScheduledLaunch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.launches, id)
	return nil
}

func (m *mockStore) Migrate(ctx context.Context) error { return nil }
func (m *mockStore) Close() error                      { return nil }

func (m *mockStore) eventTypes(workflowID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.WorkflowID == workflowID {
			out = append(out, e.Type)
		}
	}
	return out
}

// stubAgent runs a scripted function and counts invocations.
type stubAgent struct {
	mu    sync.Mutex
	name  string
	fn    func(call int, in agents.ExecInput) (schema.AgentResult, error)
	calls int
}

func (a *stubAgent) Name() string { return a.name }

func (a *stubAgent) Execute(ctx context.Context, in agents.ExecInput) (schema.AgentResult, error) {
	a.mu.Lock()
	call := a.calls
	a.calls++
	a.mu.Unlock()
	return a.fn(call, in)
}

func (a *stubAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func succeedingAgent(name string, patch map[string]any) *stubAgent {
	return &stubAgent{name: name, fn: func(int, agents.ExecInput) (schema.AgentResult, error) {
		return schema.Success(patch), nil
	}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(t *testing.T, st *mockStore, agentList ...agents.Agent) *Machine {
	t.Helper()
	registry := agents.NewRegistry()
	for _, a := range agentList {
		require.NoError(t, registry.Register(a))
	}
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewMachine(st, registry, st, cel, testLogger())
}

func newPendingInstance(t *testing.T, st *mockStore, def schema.PipelineDefinition, initial map[string]any) *store.Instance {
	t.Helper()
	inst := &store.Instance{
		ID:          uuid.New().String(),
		JobID:       "job-1",
		CandidateID: "cand-1",
		Definition:  def,
		Status:      schema.WorkflowStatusPending,
		Context:     initial,
		Stages:      newStageRecords(def),
	}
	require.NoError(t, st.CreateInstance(context.Background(), inst))
	return inst
}

func stage(name, agent string) schema.StageDefinition {
	return schema.StageDefinition{Name: name, Agent: agent}
}

func TestMachine_Advance_RunsPipelineToCompletion(t *testing.T) {
	st := newMockStore()
	screen := succeedingAgent("screen", map[string]any{"resume_text": "ten years of Go"})
	evaluate := succeedingAgent("evaluate", map[string]any{"evaluation": map[string]any{"score": 8.5}})
	m := newTestMachine(t, st, screen, evaluate)

	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{stage("screen", "screen"), stage("evaluate", "evaluate")},
	}, nil)

	require.NoError(t, m.Advance(context.Background(), inst))

	assert.Equal(t, schema.WorkflowStatusCompleted, inst.Status)
	assert.NotNil(t, inst.StartedAt)
	assert.NotNil(t, inst.CompletedAt)
	assert.Equal(t, 2, inst.CurrentStage)

	// Each agent ran exactly once and its patch was merged.
	assert.Equal(t, 1, screen.callCount())
	assert.Equal(t, 1, evaluate.callCount())
	assert.Equal(t, "ten years of Go", inst.Context["resume_text"])
	assert.Contains(t, inst.Context, "evaluation")

	for _, rec := range inst.Stages {
		assert.Equal(t, schema.StageStatusCompleted, rec.Status)
		assert.Equal(t, 1, rec.Attempts)
		assert.NotEmpty(t, rec.Result)
	}

	// Persisted state matches the in-memory instance.
	stored, err := st.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, stored.Status)
	assert.Equal(t, inst.Version, stored.Version)

	types := st.eventTypes(inst.ID)
	assert.Equal(t, schema.EventWorkflowStarted, types[0])
	assert.Equal(t, schema.EventWorkflowCompleted, types[len(types)-1])
	assert.Contains(t, types, schema.EventStageStarted)
	assert.Contains(t, types, schema.EventStageCompleted)
}

func TestMachine_Advance_ZeroStagesCompletesImmediately(t *testing.T) {
	st := newMockStore()
	m := newTestMachine(t, st)
	inst := newPendingInstance(t, st, schema.PipelineDefinition{}, nil)

	require.NoError(t, m.Advance(context.Background(), inst))

	assert.Equal(t, schema.WorkflowStatusCompleted, inst.Status)
	assert.NotNil(t, inst.CompletedAt)
}

func TestMachine_Advance_TerminalIsNoOp(t *testing.T) {
	st := newMockStore()
	agent := succeedingAgent("screen", nil)
	m := newTestMachine(t, st, agent)
	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{stage("screen", "screen")},
	}, nil)

	require.NoError(t, m.Advance(context.Background(), inst))
	require.Equal(t, schema.WorkflowStatusCompleted, inst.Status)

	require.NoError(t, m.Advance(context.Background(), inst))
	assert.Equal(t, 1, agent.callCount())
}

func TestMachine_Advance_SkipsAlreadyCompletedStage(t *testing.T) {
	st := newMockStore()
	first := succeedingAgent("screen", nil)
	second := succeedingAgent("evaluate", nil)
	m := newTestMachine(t, st, first, second)

	def := schema.PipelineDefinition{
		Stages: []schema.StageDefinition{stage("screen", "screen"), stage("evaluate", "evaluate")},
	}
	now := time.Now().UTC()
	inst := &store.Instance{
		ID:         uuid.New().String(),
		JobID:      "job-1",
		Definition: def,
		Status:     schema.WorkflowStatusRunning,
		StartedAt:  &now,
		Stages:     newStageRecords(def),
	}
	inst.Stages[0].Status = schema.StageStatusCompleted
	require.NoError(t, st.CreateInstance(context.Background(), inst))

	require.NoError(t, m.Advance(context.Background(), inst))

	// Re-entering after a crash must not re-invoke the completed stage.
	assert.Equal(t, 0, first.callCount())
	assert.Equal(t, 1, second.callCount())
	assert.Equal(t, schema.WorkflowStatusCompleted, inst.Status)
}

func TestMachine_Advance_UnknownAgentFailsWorkflow(t *testing.T) {
	st := newMockStore()
	m := newTestMachine(t, st)
	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{stage("screen", "missing")},
	}, nil)

	require.NoError(t, m.Advance(context.Background(), inst))

	assert.Equal(t, schema.WorkflowStatusFailed, inst.Status)
	assert.Equal(t, schema.StageStatusFailed, inst.Stages[0].Status)
	assert.Contains(t, string(inst.Error), schema.ErrCodeUnknownAgent)
	assert.Contains(t, inst.Stages[0].Error, "not registered")
}

func TestMachine_Advance_ConditionSkipsStage(t *testing.T) {
	st := newMockStore()
	evaluate := succeedingAgent("evaluate", map[string]any{
		"evaluation": map[string]any{"recommendation": "fast_track"},
	})
	review := &stubAgent{name: "review", fn: func(int, agents.ExecInput) (schema.AgentResult, error) {
		return schema.NeedsDecision("review", schema.ApprovalResponses), nil
	}}
	m := newTestMachine(t, st, evaluate, review)

	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{
			stage("evaluate", "evaluate"),
			{
				Name:      "review",
				Agent:     "review",
				Condition: `context.evaluation.recommendation == "review_required"`,
			},
		},
	}, nil)

	require.NoError(t, m.Advance(context.Background(), inst))

	assert.Equal(t, schema.WorkflowStatusCompleted, inst.Status)
	assert.Equal(t, schema.StageStatusSkipped, inst.Stages[1].Status)
	assert.Equal(t, 0, review.callCount())
	assert.Contains(t, st.eventTypes(inst.ID), schema.EventStageSkipped)
}

func TestMachine_Advance_ConditionTrueRunsStage(t *testing.T) {
	st := newMockStore()
	notify := succeedingAgent("notify", nil)
	m := newTestMachine(t, st, notify)

	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{
			{Name: "notify", Agent: "notify", Condition: `context.send == true`},
		},
	}, map[string]any{"send": true})

	require.NoError(t, m.Advance(context.Background(), inst))

	assert.Equal(t, schema.WorkflowStatusCompleted, inst.Status)
	assert.Equal(t, 1, notify.callCount())
}

func TestMachine_Advance_FatalOutcomeFailsWorkflow(t *testing.T) {
	st := newMockStore()
	agent := &stubAgent{name: "screen", fn: func(int, agents.ExecInput) (schema.AgentResult, error) {
		return schema.Fatal("resume text is empty"), nil
	}}
	m := newTestMachine(t, st, agent)
	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{stage("screen", "screen")},
	}, nil)

	require.NoError(t, m.Advance(context.Background(), inst))

	assert.Equal(t, schema.WorkflowStatusFailed, inst.Status)
	assert.Equal(t, schema.StageStatusFailed, inst.Stages[0].Status)
	assert.Equal(t, "resume text is empty", inst.Stages[0].Error)
	assert.Contains(t, string(inst.Error), schema.ErrCodeStageFailed)
	assert.Contains(t, st.eventTypes(inst.ID), schema.EventWorkflowFailed)
}

func TestMachine_Advance_RetryExhaustion(t *testing.T) {
	st := newMockStore()
	agent := &stubAgent{name: "notify", fn: func(int, agents.ExecInput) (schema.AgentResult, error) {
		return schema.Retryable("smtp connection refused"), nil
	}}
	m := newTestMachine(t, st, agent)

	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{
			{Name: "notify", Agent: "notify", Retry: &schema.RetryPolicy{Max: 2, Backoff: "none"}},
		},
	}, nil)

	require.NoError(t, m.Advance(context.Background(), inst))

	// Max 2 retries = 3 total attempts, then the workflow fails.
	assert.Equal(t, 3, agent.callCount())
	assert.Equal(t, 3, inst.Stages[0].Attempts)
	assert.Equal(t, schema.WorkflowStatusFailed, inst.Status)
	assert.Equal(t, schema.StageStatusFailed, inst.Stages[0].Status)
	assert.Contains(t, string(inst.Error), schema.ErrCodeRetryExhausted)
	assert.Contains(t, inst.Stages[0].Error, "smtp connection refused")

	types := st.eventTypes(inst.ID)
	retrying := 0
	for _, typ := range types {
		if typ == schema.EventStageRetrying {
			retrying++
		}
	}
	assert.Equal(t, 2, retrying)
}

func TestMachine_Advance_RetrySucceedsOnSecondAttempt(t *testing.T) {
	st := newMockStore()
	agent := &stubAgent{name: "notify", fn: func(call int, _ agents.ExecInput) (schema.AgentResult, error) {
		if call == 0 {
			return schema.AgentResult{}, errors.New("connection refused")
		}
		return schema.Success(map[string]any{"sent": true}), nil
	}}
	m := newTestMachine(t, st, agent)

	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{
			{Name: "notify", Agent: "notify", Retry: &schema.RetryPolicy{Max: 2, Backoff: "constant", Delay: "1ms"}},
		},
	}, nil)

	require.NoError(t, m.Advance(context.Background(), inst))

	assert.Equal(t, schema.WorkflowStatusCompleted, inst.Status)
	assert.Equal(t, 2, inst.Stages[0].Attempts)
	assert.Empty(t, inst.Stages[0].Error)
}

func TestMachine_Advance_StageTimeout(t *testing.T) {
	st := newMockStore()
	agent := &stubAgent{name: "schedule", fn: func(_ int, in agents.ExecInput) (schema.AgentResult, error) {
		return schema.AgentResult{}, context.DeadlineExceeded
	}}
	m := newTestMachine(t, st, agent)

	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{
			{Name: "schedule", Agent: "schedule", Timeout: "20ms"},
		},
	}, nil)

	require.NoError(t, m.Advance(context.Background(), inst))

	// No retry policy: the single timed-out attempt exhausts the stage.
	assert.Equal(t, schema.WorkflowStatusFailed, inst.Status)
	assert.Contains(t, inst.Stages[0].Error, "timed out after 20ms")
}

func TestMachine_HumanDecisionFlow(t *testing.T) {
	st := newMockStore()
	evaluate := succeedingAgent("evaluate", map[string]any{
		"evaluation": map[string]any{"score": 5.2, "summary": "Borderline candidate"},
	})
	schedule := succeedingAgent("schedule", map[string]any{"interview": map[string]any{"meeting_id": "INT-abc12345"}})
	review := &stubAgent{name: "review", fn: func(_ int, in agents.ExecInput) (schema.AgentResult, error) {
		return schema.NeedsDecision("Borderline candidate", schema.ApprovalResponses), nil
	}}
	m := newTestMachine(t, st, evaluate, review, schedule)

	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{
			stage("evaluate", "evaluate"),
			stage("review", "review"),
			stage("schedule", "schedule"),
		},
	}, nil)

	ctx := context.Background()
	require.NoError(t, m.Advance(ctx, inst))

	// Paused at the review stage with exactly one pending decision.
	assert.Equal(t, schema.WorkflowStatusPaused, inst.Status)
	assert.Equal(t, schema.StageStatusSuspended, inst.Stages[1].Status)
	assert.Equal(t, 0, schedule.callCount())

	pending, err := st.ListDecisions(ctx, store.DecisionFilter{WorkflowID: inst.ID, Status: "pending"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "review", pending[0].Stage)
	assert.Equal(t, "Borderline candidate", pending[0].Prompt)
	assert.Equal(t, schema.ApprovalResponses, pending[0].Allowed)

	// Advancing while paused must not re-run anything or duplicate decisions.
	require.NoError(t, m.Advance(ctx, inst))
	pending, err = st.ListDecisions(ctx, store.DecisionFilter{WorkflowID: inst.ID, Status: "pending"})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, m.Resume(ctx, inst, "approve", "alex@example.com"))

	assert.Equal(t, schema.WorkflowStatusCompleted, inst.Status)
	assert.Equal(t, schema.StageStatusCompleted, inst.Stages[1].Status)
	assert.Equal(t, 1, schedule.callCount())

	// The response is recorded as the suspended stage's result and in the context.
	var result map[string]any
	require.NoError(t, json.Unmarshal(inst.Stages[1].Result, &result))
	assert.Equal(t, "approve", result["response"])

	decisions, ok := inst.Context["decisions"].(map[string]any)
	require.True(t, ok)
	entry, ok := decisions["review"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "approve", entry["response"])
	assert.Equal(t, "alex@example.com", entry["resolved_by"])

	types := st.eventTypes(inst.ID)
	assert.Contains(t, types, schema.EventDecisionRequested)
	assert.Contains(t, types, schema.EventDecisionResolved)
	assert.Contains(t, types, schema.EventWorkflowResumed)
}

func TestMachine_Resume_InvalidResponseRejectedWithoutMutation(t *testing.T) {
	st := newMockStore()
	review := &stubAgent{name: "review", fn: func(int, agents.ExecInput) (schema.AgentResult, error) {
		return schema.NeedsDecision("review", schema.ApprovalResponses), nil
	}}
	m := newTestMachine(t, st, review)

	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{stage("review", "review")},
	}, nil)

	ctx := context.Background()
	require.NoError(t, m.Advance(ctx, inst))
	require.Equal(t, schema.WorkflowStatusPaused, inst.Status)
	versionBefore := inst.Version

	err := m.Resume(ctx, inst, "maybe", "alex@example.com")
	require.Error(t, err)
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeInvalidDecision, perr.Code)

	// Nothing changed: still paused, decision still pending, no version bump.
	stored, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPaused, stored.Status)
	assert.Equal(t, versionBefore, stored.Version)
	assert.NotContains(t, stored.Context, "decisions")

	pending, err := st.ListDecisions(ctx, store.DecisionFilter{WorkflowID: inst.ID, Status: "pending"})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestMachine_Resume_StaleVersionLeavesDecisionPending(t *testing.T) {
	st := newMockStore()
	review := &stubAgent{name: "review", fn: func(_ int, _ agents.ExecInput) (schema.AgentResult, error) {
		return schema.NeedsDecision("Borderline candidate", schema.ApprovalResponses), nil
	}}
	m := newTestMachine(t, st, review)

	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{stage("review", "review")},
	}, nil)

	ctx := context.Background()
	require.NoError(t, m.Advance(ctx, inst))
	require.Equal(t, schema.WorkflowStatusPaused, inst.Status)

	// A concurrent writer bumps the stored version, so this Resume's save
	// is a stale write.
	st.mu.Lock()
	st.instances[inst.ID].Version++
	st.mu.Unlock()

	err := m.Resume(ctx, inst, "approve", "alex@example.com")
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeVersionConflict, perr.Code)

	// The decision must survive the conflict: the workflow is still paused
	// in the store and Resume can be retried against a fresh read.
	stored, err := st.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPaused, stored.Status)

	pending, err := st.ListDecisions(ctx, store.DecisionFilter{WorkflowID: inst.ID, Status: "pending"})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, m.Resume(ctx, stored, "approve", "alex@example.com"))
	assert.Equal(t, schema.WorkflowStatusCompleted, stored.Status)

	pending, err = st.ListDecisions(ctx, store.DecisionFilter{WorkflowID: inst.ID, Status: "pending"})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMachine_Resume_NotPaused(t *testing.T) {
	st := newMockStore()
	m := newTestMachine(t, st)
	inst := newPendingInstance(t, st, schema.PipelineDefinition{}, nil)

	err := m.Resume(context.Background(), inst, "approve", "alex@example.com")
	var perr *schema.PipelineError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, perr.Code)
}

func TestMachine_Resume_RejectStillAdvances(t *testing.T) {
	st := newMockStore()
	review := &stubAgent{name: "review", fn: func(int, agents.ExecInput) (schema.AgentResult, error) {
		return schema.NeedsDecision("review", schema.ApprovalResponses), nil
	}}
	notify := &stubAgent{name: "notify", fn: func(_ int, in agents.ExecInput) (schema.AgentResult, error) {
		decision, _ := in.ContextValue("decisions.review.response")
		return schema.Success(map[string]any{"notified": decision}), nil
	}}
	m := newTestMachine(t, st, review, notify)

	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{
			stage("review", "review"),
			{
				Name:      "notify",
				Agent:     "notify",
				Condition: `context.decisions.review.response == "reject"`,
			},
		},
	}, nil)

	ctx := context.Background()
	require.NoError(t, m.Advance(ctx, inst))
	require.NoError(t, m.Resume(ctx, inst, "reject", "alex@example.com"))

	// A rejection is a valid resolution: later stages see it in the context.
	assert.Equal(t, schema.WorkflowStatusCompleted, inst.Status)
	assert.Equal(t, 1, notify.callCount())
	assert.Equal(t, "reject", inst.Context["notified"])
}

func TestMachine_ApprovalGatePausesAfterSuccess(t *testing.T) {
	st := newMockStore()
	schedule := succeedingAgent("schedule", map[string]any{"interview": map[string]any{"status": "confirmed"}})
	notify := succeedingAgent("notify", nil)
	m := newTestMachine(t, st, schedule, notify)

	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{
			{Name: "schedule", Agent: "schedule", Approval: true},
			stage("notify", "notify"),
		},
	}, nil)

	ctx := context.Background()
	require.NoError(t, m.Advance(ctx, inst))

	// The stage itself completed; the workflow pauses before advancing.
	assert.Equal(t, schema.WorkflowStatusPaused, inst.Status)
	assert.Equal(t, schema.StageStatusCompleted, inst.Stages[0].Status)
	assert.Equal(t, 0, notify.callCount())

	pending, err := st.ListDecisions(ctx, store.DecisionFilter{WorkflowID: inst.ID, Status: "pending"})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Approve stage schedule to continue", pending[0].Prompt)

	require.NoError(t, m.Resume(ctx, inst, "approve", "alex@example.com"))

	assert.Equal(t, schema.WorkflowStatusCompleted, inst.Status)
	assert.Equal(t, 1, notify.callCount())
}

func TestMachine_Cancel(t *testing.T) {
	st := newMockStore()
	review := &stubAgent{name: "review", fn: func(int, agents.ExecInput) (schema.AgentResult, error) {
		return schema.NeedsDecision("review", schema.ApprovalResponses), nil
	}}
	notify := succeedingAgent("notify", nil)
	m := newTestMachine(t, st, review, notify)

	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{stage("review", "review"), stage("notify", "notify")},
	}, nil)

	ctx := context.Background()
	require.NoError(t, m.Advance(ctx, inst))
	require.Equal(t, schema.WorkflowStatusPaused, inst.Status)

	require.NoError(t, m.Cancel(ctx, inst))

	assert.Equal(t, schema.WorkflowStatusCancelled, inst.Status)
	assert.NotNil(t, inst.CompletedAt)
	assert.Equal(t, schema.StageStatusSkipped, inst.Stages[0].Status)
	assert.Equal(t, schema.StageStatusSkipped, inst.Stages[1].Status)

	// The pending decision is cancelled alongside the workflow.
	pending, err := st.ListDecisions(ctx, store.DecisionFilter{WorkflowID: inst.ID, Status: "pending"})
	require.NoError(t, err)
	assert.Empty(t, pending)

	cancelled, err := st.ListDecisions(ctx, store.DecisionFilter{WorkflowID: inst.ID, Status: "cancelled"})
	require.NoError(t, err)
	assert.Len(t, cancelled, 1)

	assert.Contains(t, st.eventTypes(inst.ID), schema.EventWorkflowCancelled)
}

func TestMachine_Cancel_TerminalIsNoOp(t *testing.T) {
	st := newMockStore()
	agent := succeedingAgent("screen", nil)
	m := newTestMachine(t, st, agent)
	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{stage("screen", "screen")},
	}, nil)

	ctx := context.Background()
	require.NoError(t, m.Advance(ctx, inst))
	require.Equal(t, schema.WorkflowStatusCompleted, inst.Status)

	require.NoError(t, m.Cancel(ctx, inst))
	assert.Equal(t, schema.WorkflowStatusCompleted, inst.Status)
}

func TestMachine_Advance_BadConditionFailsStage(t *testing.T) {
	st := newMockStore()
	agent := succeedingAgent("screen", nil)
	m := newTestMachine(t, st, agent)

	inst := newPendingInstance(t, st, schema.PipelineDefinition{
		Stages: []schema.StageDefinition{
			{Name: "screen", Agent: "screen", Condition: `context.score +`},
		},
	}, nil)

	require.NoError(t, m.Advance(context.Background(), inst))

	assert.Equal(t, schema.WorkflowStatusFailed, inst.Status)
	assert.Equal(t, schema.StageStatusFailed, inst.Stages[0].Status)
	assert.Equal(t, 0, agent.callCount())
	assert.Contains(t, string(inst.Error), schema.ErrCodeValidation)

	// The terminal state must be durable, not just in-memory: a recovery
	// pass that re-reads the instance sees failed and leaves it alone.
	stored, err := st.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusFailed, stored.Status)
	assert.Equal(t, schema.StageStatusFailed, stored.Stages[0].Status)
}

func TestMachine_Advance_LongPipelineContextAccumulates(t *testing.T) {
	st := newMockStore()
	var agentList []agents.Agent
	var stages []schema.StageDefinition
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("step_%d", i)
		agentList = append(agentList, succeedingAgent(name, map[string]any{name: true}))
		stages = append(stages, stage(name, name))
	}
	m := newTestMachine(t, st, agentList...)
	inst := newPendingInstance(t, st, schema.PipelineDefinition{Stages: stages}, nil)

	require.NoError(t, m.Advance(context.Background(), inst))

	assert.Equal(t, schema.WorkflowStatusCompleted, inst.Status)
	for i := 0; i < 5; i++ {
		assert.Equal(t, true, inst.Context[fmt.Sprintf("step_%d", i)])
	}
}
