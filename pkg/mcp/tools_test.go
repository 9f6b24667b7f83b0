package mcp

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/hireloop/internal/engine"
	"github.com/hireloop/hireloop/internal/match"
	"github.com/hireloop/hireloop/internal/store"
	"github.com/hireloop/hireloop/pkg/schema"
)

// --- Mock runtime ---

type startCall struct {
	jobID       string
	candidateID string
	stages      int
}

type decideCall struct {
	workflowID string
	response   string
	resolvedBy string
}

type mockRuntime struct {
	startID  string
	startErr error
	started  []startCall

	snap      *engine.Snapshot
	statusErr error

	decideErr error
	decided   []decideCall

	cancelErr error
	cancelled []string

	decisions      []*store.DecisionRequest
	decisionsErr   error
	decisionStatus string
}

func (m *mockRuntime) Start(_ context.Context, jobID, candidateID string, def schema.PipelineDefinition, _ map[string]any) (string, error) {
	if m.startErr != nil {
		return "", m.startErr
	}
	m.started = append(m.started, startCall{jobID: jobID, candidateID: candidateID, stages: len(def.Stages)})
	return m.startID, nil
}

func (m *mockRuntime) Status(_ context.Context, _ string) (*engine.Snapshot, error) {
	return m.snap, m.statusErr
}

func (m *mockRuntime) SubmitDecision(_ context.Context, workflowID, response, resolvedBy string) error {
	if m.decideErr != nil {
		return m.decideErr
	}
	m.decided = append(m.decided, decideCall{workflowID: workflowID, response: response, resolvedBy: resolvedBy})
	return nil
}

func (m *mockRuntime) Cancel(_ context.Context, workflowID string) error {
	if m.cancelErr != nil {
		return m.cancelErr
	}
	m.cancelled = append(m.cancelled, workflowID)
	return nil
}

func (m *mockRuntime) Decisions(_ context.Context, _ string, status string) ([]*store.DecisionRequest, error) {
	m.decisionStatus = status
	return m.decisions, m.decisionsErr
}

// --- Stub calendar collaborators ---

type stubDirectory struct {
	interviewers []match.Interviewer
	err          error
}

func (d *stubDirectory) Interviewers(_ context.Context, _ string) ([]match.Interviewer, error) {
	return d.interviewers, d.err
}

type stubAvailability struct {
	candidate match.Candidate
	err       error
}

func (a *stubAvailability) Availability(_ context.Context, _ string) (match.Candidate, error) {
	return a.candidate, a.err
}

type stubFreeBusy struct {
	busy map[string][]match.Interval
}

func (f *stubFreeBusy) FreeBusy(_ context.Context, interviewerID string, _ match.Interval) ([]match.Interval, error) {
	return f.busy[interviewerID], nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func pipelineArg() map[string]any {
	return map[string]any{
		"stages": []any{
			map[string]any{"name": "screen", "agent": "screen"},
			map[string]any{"name": "evaluate", "agent": "evaluate"},
		},
	}
}

// --- Tests ---

func TestStartTool(t *testing.T) {
	rt := &mockRuntime{startID: "wf-123"}
	s := NewHireloopServer(HireloopServerDeps{Orchestrator: rt})

	req := buildRequest("hiring.start", map[string]any{
		"job_id":       "job-1",
		"candidate_id": "cand-1",
		"pipeline":     pipelineArg(),
	})

	result, err := s.handleStart(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, rt.started, 1)
	assert.Equal(t, "job-1", rt.started[0].jobID)
	assert.Equal(t, "cand-1", rt.started[0].candidateID)
	assert.Equal(t, 2, rt.started[0].stages)

	text := extractText(t, result)
	assert.Contains(t, text, "wf-123")
}

func TestStartToolMissingParams(t *testing.T) {
	s := NewHireloopServer(HireloopServerDeps{Orchestrator: &mockRuntime{}})

	// Missing job_id.
	req := buildRequest("hiring.start", map[string]any{"candidate_id": "c", "pipeline": pipelineArg()})
	result, err := s.handleStart(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Missing pipeline.
	req = buildRequest("hiring.start", map[string]any{"job_id": "j", "candidate_id": "c"})
	result, err = s.handleStart(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStartToolRuntimeError(t *testing.T) {
	rt := &mockRuntime{startErr: schema.NewError(schema.ErrCodeUnknownAgent, `agent "missing" not registered`)}
	s := NewHireloopServer(HireloopServerDeps{Orchestrator: rt})

	req := buildRequest("hiring.start", map[string]any{
		"job_id":       "job-1",
		"candidate_id": "cand-1",
		"pipeline":     pipelineArg(),
	})

	result, err := s.handleStart(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusTool(t *testing.T) {
	rt := &mockRuntime{
		snap: &engine.Snapshot{
			Instance: &store.Instance{ID: "wf-123", Status: schema.WorkflowStatusPaused},
			Progress: 50,
			PendingDecisions: []*store.DecisionRequest{
				{ID: "dec-1", WorkflowID: "wf-123", Stage: "review", Status: "pending"},
			},
		},
	}
	s := NewHireloopServer(HireloopServerDeps{Orchestrator: rt})

	req := buildRequest("hiring.status", map[string]any{"workflow_id": "wf-123"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "wf-123")
	assert.Contains(t, text, "paused_for_human")
	assert.Contains(t, text, "dec-1")
}

func TestStatusToolNotFound(t *testing.T) {
	rt := &mockRuntime{statusErr: schema.NewError(schema.ErrCodeNotFound, "workflow not found")}
	s := NewHireloopServer(HireloopServerDeps{Orchestrator: rt})

	req := buildRequest("hiring.status", map[string]any{"workflow_id": "nope"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDecideTool(t *testing.T) {
	rt := &mockRuntime{
		snap: &engine.Snapshot{
			Instance: &store.Instance{ID: "wf-123", Status: schema.WorkflowStatusCompleted},
			Progress: 100,
		},
	}
	s := NewHireloopServer(HireloopServerDeps{Orchestrator: rt})

	req := buildRequest("hiring.decide", map[string]any{
		"workflow_id": "wf-123",
		"response":    "approve",
		"resolved_by": "recruiter@company.com",
	})

	result, err := s.handleDecide(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, rt.decided, 1)
	assert.Equal(t, "approve", rt.decided[0].response)
	assert.Equal(t, "recruiter@company.com", rt.decided[0].resolvedBy)

	text := extractText(t, result)
	assert.Contains(t, text, "completed")
}

func TestDecideToolInvalidResponse(t *testing.T) {
	rt := &mockRuntime{decideErr: schema.NewError(schema.ErrCodeInvalidDecision, `response "maybe" not allowed`)}
	s := NewHireloopServer(HireloopServerDeps{Orchestrator: rt})

	req := buildRequest("hiring.decide", map[string]any{
		"workflow_id": "wf-123",
		"response":    "maybe",
		"resolved_by": "recruiter@company.com",
	})

	result, err := s.handleDecide(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, rt.decided)
}

func TestCancelTool(t *testing.T) {
	rt := &mockRuntime{}
	s := NewHireloopServer(HireloopServerDeps{Orchestrator: rt})

	req := buildRequest("hiring.cancel", map[string]any{"workflow_id": "wf-123"})
	result, err := s.handleCancel(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"wf-123"}, rt.cancelled)
}

func TestDecisionsTool(t *testing.T) {
	rt := &mockRuntime{
		decisions: []*store.DecisionRequest{
			{ID: "dec-1", WorkflowID: "wf-123", Stage: "review", Prompt: "Review candidate", Status: "pending"},
		},
	}
	s := NewHireloopServer(HireloopServerDeps{Orchestrator: rt})

	req := buildRequest("hiring.decisions", map[string]any{
		"workflow_id": "wf-123",
		"status":      "pending",
	})

	result, err := s.handleDecisions(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "pending", rt.decisionStatus)

	text := extractText(t, result)
	assert.Contains(t, text, "dec-1")
	assert.Contains(t, text, "Review candidate")
}

func TestPreviewSlotsTool(t *testing.T) {
	now := time.Now().UTC()
	s := NewHireloopServer(HireloopServerDeps{
		Orchestrator: &mockRuntime{},
		Directory: &stubDirectory{interviewers: []match.Interviewer{
			{ID: "int-1"},
		}},
		Availability: &stubAvailability{candidate: match.Candidate{
			ID:   "cand-1",
			Free: []match.Interval{{Start: now, End: now.Add(21 * 24 * time.Hour)}},
		}},
		FreeBusy: &stubFreeBusy{},
	})

	req := buildRequest("hiring.preview_slots", map[string]any{
		"job_id":       "job-1",
		"candidate_id": "cand-1",
		"limit":        "3",
	})

	result, err := s.handlePreviewSlots(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "int-1")
	assert.Contains(t, text, `"slots"`)
}

func TestPreviewSlotsToolNoInterviewers(t *testing.T) {
	s := NewHireloopServer(HireloopServerDeps{
		Orchestrator: &mockRuntime{},
		Directory:    &stubDirectory{},
		Availability: &stubAvailability{},
		FreeBusy:     &stubFreeBusy{},
	})

	req := buildRequest("hiring.preview_slots", map[string]any{
		"job_id":       "job-1",
		"candidate_id": "cand-1",
	})

	result, err := s.handlePreviewSlots(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestParseIntParam(t *testing.T) {
	req := buildRequest("hiring.preview_slots", map[string]any{
		"duration_minutes": "45",
		"horizon_days":     "not a number",
		"limit":            "-2",
	})

	assert.Equal(t, 45, parseIntParam(req, "duration_minutes", 60))
	assert.Equal(t, 7, parseIntParam(req, "horizon_days", 7))
	assert.Equal(t, 5, parseIntParam(req, "limit", 5))
	assert.Equal(t, 10, parseIntParam(req, "missing", 10))
}
