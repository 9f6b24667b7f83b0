package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hireloop/hireloop/internal/match"
	"github.com/hireloop/hireloop/pkg/schema"
)

// FreeBusySource reads an interviewer's busy intervals inside a window from
// the external calendar.
type FreeBusySource interface {
	FreeBusy(ctx context.Context, interviewerID string, window match.Interval) ([]match.Interval, error)
}

// Directory lists the interviewers eligible for a job, without busy data.
type Directory interface {
	Interviewers(ctx context.Context, jobID string) ([]match.Interviewer, error)
}

// AvailabilitySource reads the candidate's declared free intervals.
type AvailabilitySource interface {
	Availability(ctx context.Context, candidateID string) (match.Candidate, error)
}

// Booker turns a proposed slot into a real calendar booking. A last-moment
// calendar conflict must surface as a PipelineError with
// schema.ErrCodeBookingConflict so the stage can re-match.
type Booker interface {
	Book(ctx context.Context, slot match.Slot) (BookingRef, error)
}

// BookingRef is the external calendar's handle for a confirmed booking.
type BookingRef struct {
	BookingID string `json:"booking_id"`
}

type scheduleParams struct {
	DurationMinutes    int      `json:"duration_minutes,omitempty"`    // default 60
	HorizonDays        int      `json:"horizon_days,omitempty"`        // default 7 business-anchored days
	Policy             string   `json:"policy,omitempty"`              // earliest_first | skill_match_first
	RequiredSkills     []string `json:"required_skills,omitempty"`
	ScoreExpr          string   `json:"score_expr,omitempty"`
	GranularityMinutes int      `json:"granularity_minutes,omitempty"` // default 15
	MaxRebookAttempts  int      `json:"max_rebook_attempts,omitempty"` // default 2
}

func (p *scheduleParams) applyDefaults() {
	if p.DurationMinutes <= 0 {
		p.DurationMinutes = 60
	}
	if p.HorizonDays <= 0 {
		p.HorizonDays = 7
	}
	if p.GranularityMinutes <= 0 {
		p.GranularityMinutes = 15
	}
	if p.MaxRebookAttempts <= 0 {
		p.MaxRebookAttempts = 2
	}
}

// ScheduleAgent proposes and books an interview slot. It runs the
// availability matcher over the candidate's declared windows and each
// interviewer's calendar, books the best slot, and re-matches with
// exclusions for a bounded number of attempts when the calendar rejects a
// proposal. Exhausting re-matching, or finding no feasible slot at all,
// escalates to a human decision rather than failing the workflow.
type ScheduleAgent struct {
	directory    Directory
	freeBusy     FreeBusySource
	availability AvailabilitySource
	booker       Booker
	now          func() time.Time
}

// NewScheduleAgent creates a ScheduleAgent with its calendar collaborators.
func NewScheduleAgent(directory Directory, freeBusy FreeBusySource, availability AvailabilitySource, booker Booker) *ScheduleAgent {
	return &ScheduleAgent{
		directory:    directory,
		freeBusy:     freeBusy,
		availability: availability,
		booker:       booker,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (a *ScheduleAgent) Name() string { return "schedule" }

func (a *ScheduleAgent) Execute(ctx context.Context, in ExecInput) (schema.AgentResult, error) {
	var params scheduleParams
	if len(in.Params) > 0 {
		if err := json.Unmarshal(in.Params, &params); err != nil {
			return schema.Fatal("invalid schedule params: " + err.Error()), nil
		}
	}
	params.applyDefaults()

	candidate, err := a.availability.Availability(ctx, in.CandidateID)
	if err != nil {
		return schema.AgentResult{}, err
	}
	interviewers, err := a.directory.Interviewers(ctx, in.JobID)
	if err != nil {
		return schema.AgentResult{}, err
	}
	if len(interviewers) == 0 {
		return schema.Fatal("no interviewers configured for job " + in.JobID), nil
	}

	horizon := match.BusinessHorizon(a.now(), params.HorizonDays)
	for i := range interviewers {
		busy, err := a.freeBusy.FreeBusy(ctx, interviewers[i].ID, horizon)
		if err != nil {
			return schema.AgentResult{}, err
		}
		interviewers[i].Busy = busy
	}

	req := match.Request{
		Candidate:      candidate,
		Interviewers:   interviewers,
		Duration:       time.Duration(params.DurationMinutes) * time.Minute,
		Horizon:        horizon,
		Granularity:    time.Duration(params.GranularityMinutes) * time.Minute,
		Policy:         match.Policy(params.Policy),
		RequiredSkills: params.RequiredSkills,
		ScoreExpr:      params.ScoreExpr,
		Exclude:        match.NewExclusionSet(),
		SkipWeekends:   true,
	}

	slot, ok := match.First(req)
	if !ok {
		// Empty is a valid negative result: widen the horizon once before
		// asking a human to schedule manually.
		req.Horizon = match.BusinessHorizon(a.now(), params.HorizonDays*2)
		slot, ok = match.First(req)
	}
	if !ok {
		return schema.NeedsDecision(
			fmt.Sprintf("No feasible interview slot for candidate %s within %d days; schedule manually?",
				in.CandidateID, params.HorizonDays*2),
			[]string{"schedule_manually", "skip_interview"},
		), nil
	}

	conflicted := make(map[string]int)
	excluded := 0
	for attempt := 0; ; attempt++ {
		ref, err := a.booker.Book(ctx, slot)
		if err == nil {
			return schema.Success(interviewPatch(slot, ref)), nil
		}

		var perr *schema.PipelineError
		if !errors.As(err, &perr) || perr.Code != schema.ErrCodeBookingConflict {
			return schema.AgentResult{}, err
		}

		if attempt >= params.MaxRebookAttempts {
			return schema.NeedsDecision(
				fmt.Sprintf("Booking conflicted %d times for candidate %s; last slot %s with %s. Schedule manually?",
					attempt+1, in.CandidateID, slot.Start.Format(time.RFC3339), slot.InterviewerID),
				[]string{"schedule_manually", "skip_interview"},
			), nil
		}

		// Re-match without the conflicted slot. An interviewer conflicting
		// twice is dropped entirely, but only while at least one other
		// interviewer remains in play.
		req.Exclude.ExcludeSlot(slot)
		conflicted[slot.InterviewerID]++
		if conflicted[slot.InterviewerID] >= 2 && excluded < len(interviewers)-1 {
			req.Exclude.ExcludeInterviewer(slot.InterviewerID)
			excluded++
		}

		slot, ok = match.First(req)
		if !ok {
			return schema.NeedsDecision(
				fmt.Sprintf("All alternative slots exhausted after a booking conflict for candidate %s; schedule manually?",
					in.CandidateID),
				[]string{"schedule_manually", "skip_interview"},
			), nil
		}
	}
}

func interviewPatch(slot match.Slot, ref BookingRef) map[string]any {
	interviewID := uuid.New().String()
	return map[string]any{
		"interview": map[string]any{
			"interview_id":   interviewID,
			"booking_id":     ref.BookingID,
			"interviewer_id": slot.InterviewerID,
			"start":          slot.Start.Format(time.RFC3339),
			"end":            slot.End.Format(time.RFC3339),
			"meeting_link":   "https://meet.company.com/interview/" + interviewID,
			"meeting_id":     "INT-" + interviewID[:8],
			"status":         string(match.SlotConfirmed),
		},
	}
}
