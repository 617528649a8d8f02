package store

import (
	"context"

	"github.com/rendis/flowpilot/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Graphs. SaveGraph stores def as the next version of def.ID and returns
	// the record; GetGraph with version 0 returns the latest version.
	SaveGraph(ctx context.Context, def *schema.GraphDefinition) (*GraphRecord, error)
	GetGraph(ctx context.Context, id string, version int) (*GraphRecord, error)
	ListGraphs(ctx context.Context) ([]*GraphRecord, error)

	// Instances
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
	FindWaiting(ctx context.Context, waitToken string) (*Instance, error)

	// SaveCheckpoint atomically applies cp if the stored version equals
	// cp.ExpectedVersion, and bumps it. Otherwise it returns ErrVersionConflict
	// and changes nothing.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	// RequestCancel flags an instance for cancellation without touching its
	// version. The flag is honoured by the next tick or by Cancel.
	RequestCancel(ctx context.Context, id, reason string) error

	// Step records and deliveries
	ListSteps(ctx context.Context, instanceID string) ([]*StepRecord, error)
	GetDelivery(ctx context.Context, instanceID, eventID string) (*Delivery, error)
	// FindDelivery looks a delivery up by the wait token it was addressed to.
	FindDelivery(ctx context.Context, waitToken, eventID string) (*Delivery, error)

	// Audit log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
