package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hireloop/hireloop/internal/match"
	"github.com/hireloop/hireloop/pkg/schema"
)

// handleStart launches a hiring pipeline for a candidate.
func (s *HireloopServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	candidateID, err := req.RequireString("candidate_id")
	if err != nil {
		return mcp.NewToolResultError("candidate_id is required"), nil
	}

	pipelineRaw := mcp.ParseStringMap(req, "pipeline", nil)
	if pipelineRaw == nil {
		return mcp.NewToolResultError("pipeline is required"), nil
	}

	// Round-trip through JSON to get a typed PipelineDefinition.
	defBytes, marshalErr := json.Marshal(pipelineRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid pipeline: %v", marshalErr)), nil
	}
	var def schema.PipelineDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid pipeline: %v", unmarshalErr)), nil
	}

	initial := mcp.ParseStringMap(req, "context", nil)

	workflowID, startErr := s.orchestrator.Start(ctx, jobID, candidateID, def, initial)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start pipeline: %v", startErr)), nil
	}

	return marshalResult(map[string]any{
		"workflow_id":  workflowID,
		"job_id":       jobID,
		"candidate_id": candidateID,
		"stages":       len(def.Stages),
	})
}

// handleStatus returns the current state of a workflow.
func (s *HireloopServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	snap, statusErr := s.orchestrator.Status(ctx, workflowID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(snap)
}

// handleDecide resolves a pending decision and resumes the workflow. The
// resume runs synchronously, so the returned status reflects the post-resume
// state.
func (s *HireloopServer) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	response, err := req.RequireString("response")
	if err != nil {
		return mcp.NewToolResultError("response is required"), nil
	}
	resolvedBy, err := req.RequireString("resolved_by")
	if err != nil {
		return mcp.NewToolResultError("resolved_by is required"), nil
	}

	if decideErr := s.orchestrator.SubmitDecision(ctx, workflowID, response, resolvedBy); decideErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decision failed: %v", decideErr)), nil
	}

	snap, statusErr := s.orchestrator.Status(ctx, workflowID)
	if statusErr != nil {
		return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID})
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"response":    response,
		"status":      snap.Instance.Status,
		"progress":    snap.Progress,
	})
}

// handleCancel cancels a workflow.
func (s *HireloopServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if cancelErr := s.orchestrator.Cancel(ctx, workflowID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID})
}

// handleDecisions lists decision requests for a workflow.
func (s *HireloopServer) handleDecisions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	status := req.GetString("status", "")

	decisions, listErr := s.orchestrator.Decisions(ctx, workflowID, status)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
	}

	return marshalResult(map[string]any{"decisions": decisions})
}

// handlePreviewSlots runs the availability matcher without booking.
func (s *HireloopServer) handlePreviewSlots(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	candidateID, err := req.RequireString("candidate_id")
	if err != nil {
		return mcp.NewToolResultError("candidate_id is required"), nil
	}

	duration := parseIntParam(req, "duration_minutes", 60)
	horizonDays := parseIntParam(req, "horizon_days", 7)
	limit := parseIntParam(req, "limit", 5)
	policy := req.GetString("policy", "")

	candidate, availErr := s.availability.Availability(ctx, candidateID)
	if availErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("candidate availability lookup failed: %v", availErr)), nil
	}
	interviewers, dirErr := s.directory.Interviewers(ctx, jobID)
	if dirErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("interviewer lookup failed: %v", dirErr)), nil
	}
	if len(interviewers) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("no interviewers configured for job %s", jobID)), nil
	}

	horizon := match.BusinessHorizon(time.Now().UTC(), horizonDays)
	for i := range interviewers {
		busy, fbErr := s.freeBusy.FreeBusy(ctx, interviewers[i].ID, horizon)
		if fbErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("calendar lookup failed for %s: %v", interviewers[i].ID, fbErr)), nil
		}
		interviewers[i].Busy = busy
	}

	matchReq := match.Request{
		Candidate:    candidate,
		Interviewers: interviewers,
		Duration:     time.Duration(duration) * time.Minute,
		Horizon:      horizon,
		Policy:       match.Policy(policy),
		SkipWeekends: true,
	}

	var slots []map[string]any
	for slot := range match.Slots(matchReq) {
		slots = append(slots, map[string]any{
			"interviewer_id": slot.InterviewerID,
			"start":          slot.Start.Format(time.RFC3339),
			"end":            slot.End.Format(time.RFC3339),
		})
		if len(slots) >= limit {
			break
		}
	}

	return marshalResult(map[string]any{
		"job_id":       jobID,
		"candidate_id": candidateID,
		"slots":        slots,
	})
}

// --- Internal helpers ---

// parseIntParam reads a numeric string tool argument with a default.
func parseIntParam(req mcp.CallToolRequest, key string, defaultVal int) int {
	raw := req.GetString(key, "")
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
