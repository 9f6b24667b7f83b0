package agents

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/hireloop/hireloop/pkg/schema"
)

// Extractor produces the plain resume text for a candidate. Parsing the
// underlying document is an external concern.
type Extractor interface {
	Extract(ctx context.Context, candidateID string) (string, error)
}

type screenParams struct {
	MinLength int `json:"min_length,omitempty"`
}

// ScreenAgent pulls the candidate's resume text into the workflow context and
// rejects submissions with no usable content.
type ScreenAgent struct {
	extractor Extractor
}

// NewScreenAgent creates a ScreenAgent backed by the given extractor.
func NewScreenAgent(extractor Extractor) *ScreenAgent {
	return &ScreenAgent{extractor: extractor}
}

func (a *ScreenAgent) Name() string { return "screen" }

func (a *ScreenAgent) Execute(ctx context.Context, in ExecInput) (schema.AgentResult, error) {
	var params screenParams
	if len(in.Params) > 0 {
		if err := json.Unmarshal(in.Params, &params); err != nil {
			return schema.Fatal("invalid screen params: " + err.Error()), nil
		}
	}

	text, err := a.extractor.Extract(ctx, in.CandidateID)
	if err != nil {
		return schema.AgentResult{}, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return schema.Fatal("resume text is empty"), nil
	}
	if params.MinLength > 0 && len(text) < params.MinLength {
		return schema.Fatal("resume text shorter than required minimum"), nil
	}

	return schema.Success(map[string]any{
		"resume_text": text,
		"screened_at": time.Now().UTC().Format(time.RFC3339),
	}), nil
}
