package schema

import "encoding/json"

// PipelineDefinition is the JSON-serializable hiring pipeline format.
// A pipeline is an ordered list of stages executed strictly in sequence.
type PipelineDefinition struct {
	Stages   []StageDefinition `json:"stages"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// StageDefinition describes a single stage in a hiring pipeline.
type StageDefinition struct {
	Name      string          `json:"name"`
	Agent     string          `json:"agent"`                // agent name (e.g. "evaluate", "schedule")
	Params    json.RawMessage `json:"params,omitempty"`     // agent-specific parameters
	Condition string          `json:"condition,omitempty"`  // CEL expression, evaluated before execution
	Approval  bool            `json:"approval,omitempty"`   // require a human decision before advancing
	Retry     *RetryPolicy    `json:"retry,omitempty"`
	Timeout   string          `json:"timeout,omitempty"`    // stage-level timeout (e.g. "30s", "5m")
}

// RetryPolicy configures retry behavior for a stage.
type RetryPolicy struct {
	Max      int    `json:"max"`                 // max retry attempts after the first
	Backoff  string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"` // cap on the computed delay
}

// ApprovalResponses are the allowed answers for a stage-level approval gate.
var ApprovalResponses = []string{"approve", "reject"}
