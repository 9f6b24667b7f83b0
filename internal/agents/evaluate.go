package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hireloop/hireloop/pkg/schema"
)

// Recommendation vocabulary produced by the evaluate stage.
const (
	RecommendFastTrack      = "fast_track"
	RecommendInterview      = "interview"
	RecommendReviewRequired = "review_required"
	RecommendReject         = "reject"
)

// Scorer computes a 0-10 fit score for a candidate against a job. The actual
// model call is an external concern.
type Scorer interface {
	Score(ctx context.Context, jobID, candidateID, resumeText string) (float64, error)
}

type evaluateParams struct {
	FastTrackThreshold float64 `json:"fast_track_threshold,omitempty"` // default 8.0
	MinimumPassScore   float64 `json:"minimum_pass_score,omitempty"`   // default 6.0
	AutoRejectScore    float64 `json:"auto_reject_score,omitempty"`    // default 3.0
}

func (p *evaluateParams) applyDefaults() {
	if p.FastTrackThreshold == 0 {
		p.FastTrackThreshold = 8.0
	}
	if p.MinimumPassScore == 0 {
		p.MinimumPassScore = 6.0
	}
	if p.AutoRejectScore == 0 {
		p.AutoRejectScore = 3.0
	}
}

// EvaluateAgent scores the screened resume and maps the score onto a
// recommendation. Borderline and rejected candidates are surfaced for human
// review by a later review stage, not here.
type EvaluateAgent struct {
	scorer Scorer
}

// NewEvaluateAgent creates an EvaluateAgent backed by the given scorer.
func NewEvaluateAgent(scorer Scorer) *EvaluateAgent {
	return &EvaluateAgent{scorer: scorer}
}

func (a *EvaluateAgent) Name() string { return "evaluate" }

func (a *EvaluateAgent) Execute(ctx context.Context, in ExecInput) (schema.AgentResult, error) {
	var params evaluateParams
	if len(in.Params) > 0 {
		if err := json.Unmarshal(in.Params, &params); err != nil {
			return schema.Fatal("invalid evaluate params: " + err.Error()), nil
		}
	}
	params.applyDefaults()

	resume, _ := in.ContextValue("resume_text")
	resumeText, _ := resume.(string)
	if resumeText == "" {
		return schema.Fatal("no resume text in context; screen stage must run first"), nil
	}

	score, err := a.scorer.Score(ctx, in.JobID, in.CandidateID, resumeText)
	if err != nil {
		return schema.AgentResult{}, err
	}

	recommendation := RecommendReviewRequired
	switch {
	case score >= params.FastTrackThreshold:
		recommendation = RecommendFastTrack
	case score >= params.MinimumPassScore:
		recommendation = RecommendInterview
	case score <= params.AutoRejectScore:
		recommendation = RecommendReject
	}

	matchPercentage := int(score * 10)
	if matchPercentage > 100 {
		matchPercentage = 100
	}

	return schema.Success(map[string]any{
		"evaluation": map[string]any{
			"score":            score,
			"recommendation":   recommendation,
			"match_percentage": matchPercentage,
			"summary": fmt.Sprintf("Candidate scored %.2f/10 with %d%% job match. Recommendation: %s.",
				score, matchPercentage, recommendation),
		},
	}), nil
}

// ReviewAgent asks a human to confirm borderline or rejected evaluations.
// Pipelines gate its stage with a condition on the evaluation recommendation
// so clear-cut candidates skip it.
type ReviewAgent struct{}

// NewReviewAgent creates a ReviewAgent.
func NewReviewAgent() *ReviewAgent { return &ReviewAgent{} }

func (a *ReviewAgent) Name() string { return "review" }

func (a *ReviewAgent) Execute(ctx context.Context, in ExecInput) (schema.AgentResult, error) {
	prompt := "Review candidate evaluation before proceeding"
	if summary, ok := in.ContextValue("evaluation.summary"); ok {
		if s, ok := summary.(string); ok && s != "" {
			prompt = s
		}
	}
	return schema.NeedsDecision(prompt, schema.ApprovalResponses), nil
}
