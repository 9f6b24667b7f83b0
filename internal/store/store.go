package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// SaveInstance persists the instance if and only if the stored version
	// still equals expectedVersion. On success the stored and in-memory
	// version become expectedVersion+1; a stale write fails with
	// ErrCodeVersionConflict and mutates nothing.
	SaveInstance(ctx context.Context, inst *Instance, expectedVersion int64) error
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)

	// Progress log (append-only)
	AppendEvent(ctx context.Context, event *ProgressEvent) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*ProgressEvent, error)

	// Decision requests
	CreateDecision(ctx context.Context, dec *DecisionRequest) error
	GetDecision(ctx context.Context, id string) (*DecisionRequest, error)
	ResolveDecision(ctx context.Context, id, response, resolvedBy string) error
	CancelDecision(ctx context.Context, id string) error
	ListDecisions(ctx context.Context, filter DecisionFilter) ([]*DecisionRequest, error)

	// Scheduled launches
	CreateScheduledLaunch(ctx context.Context, launch *ScheduledLaunch) error
	UpdateScheduledLaunch(ctx context.Context, id string, update ScheduledLaunchUpdate) error
	ListScheduledLaunches(ctx context.Context, filter ScheduledLaunchFilter) ([]*ScheduledLaunch, error)
	DeleteScheduledLaunch(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
