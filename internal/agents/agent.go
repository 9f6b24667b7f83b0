package agents

import (
	"context"
	"encoding/json"

	"github.com/hireloop/hireloop/pkg/schema"
)

// ExecInput carries everything an agent needs to run one stage.
type ExecInput struct {
	WorkflowID  string
	JobID       string
	CandidateID string
	Stage       string
	Params      json.RawMessage
	Context     map[string]any
}

// Agent is a pluggable stage executor. Implementations must be safe for
// concurrent use: the orchestrator may run the same agent for many
// instances at once.
//
// An agent reports problems through the AgentResult outcome, not the error
// return. The error return is reserved for infrastructure failures
// (e.g. the agent itself could not run); the engine treats those as retryable.
type Agent interface {
	Name() string
	Execute(ctx context.Context, input ExecInput) (schema.AgentResult, error)
}

// ContextValue reads a dotted path from the exec context, e.g. "candidate.skills".
func (in ExecInput) ContextValue(path string) (any, bool) {
	return lookupPath(in.Context, path)
}

func lookupPath(m map[string]any, path string) (any, bool) {
	var cur any = m
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			key := path[start:i]
			start = i + 1
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, false
			}
			cur, ok = obj[key]
			if !ok {
				return nil, false
			}
		}
	}
	return cur, true
}
