package schema

// Outcome enumerates the kinds of results an agent can return.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeRetryable     Outcome = "retryable"
	OutcomeFatal         Outcome = "fatal"
	OutcomeNeedsDecision Outcome = "needs_decision"
)

// AgentResult is the tagged variant every agent execution produces.
// Exactly one of Patch, Reason or Decision is meaningful, selected by Outcome.
type AgentResult struct {
	Outcome  Outcome         `json:"outcome"`
	Patch    map[string]any  `json:"patch,omitempty"`    // context patch, Success only
	Reason   string          `json:"reason,omitempty"`   // Retryable and Fatal
	Decision *DecisionPrompt `json:"decision,omitempty"` // NeedsDecision only
}

// DecisionPrompt describes the human decision an agent is requesting.
type DecisionPrompt struct {
	Prompt  string   `json:"prompt"`
	Allowed []string `json:"allowed"`
}

// Success builds a successful result carrying a context patch.
func Success(patch map[string]any) AgentResult {
	return AgentResult{Outcome: OutcomeSuccess, Patch: patch}
}

// Retryable builds a transient-failure result.
func Retryable(reason string) AgentResult {
	return AgentResult{Outcome: OutcomeRetryable, Reason: reason}
}

// Fatal builds a permanent-failure result.
func Fatal(reason string) AgentResult {
	return AgentResult{Outcome: OutcomeFatal, Reason: reason}
}

// NeedsDecision builds a result that suspends the workflow for a human.
func NeedsDecision(prompt string, allowed []string) AgentResult {
	return AgentResult{Outcome: OutcomeNeedsDecision, Decision: &DecisionPrompt{Prompt: prompt, Allowed: allowed}}
}

// AllowsResponse reports whether the response is in the prompt's allowed set.
func (d *DecisionPrompt) AllowsResponse(response string) bool {
	for _, a := range d.Allowed {
		if a == response {
			return true
		}
	}
	return false
}
