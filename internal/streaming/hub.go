package streaming

import "context"

// ProgressUpdate is a real-time event emitted as a workflow instance moves
// through its pipeline. Fan-out is fire-and-forget: a slow or absent
// subscriber never blocks the state machine.
type ProgressUpdate struct {
	WorkflowID string `json:"workflow_id"`
	Stage      string `json:"stage,omitempty"`
	EventType  string `json:"event_type"`
	Sequence   int64  `json:"sequence,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

// UpdateFilter specifies which updates a subscriber wants to receive.
type UpdateFilter struct {
	WorkflowID string   `json:"workflow_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// ProgressHub provides pub/sub for real-time workflow progress.
type ProgressHub interface {
	Publish(ctx context.Context, update ProgressUpdate) error
	Subscribe(ctx context.Context, filter UpdateFilter) (<-chan ProgressUpdate, func(), error)
}
