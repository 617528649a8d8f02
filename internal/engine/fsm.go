package engine

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// TransitionHook is called after an instance status transition was emitted.
type TransitionHook func(instanceID string, from, to schema.InstanceStatus)

// EventAppender is satisfied by the Store and the audit log; used to emit
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// InstanceFSM owns the instance lifecycle table. Check is consulted before a
// checkpoint is written; Emit records the transition once it is durable.
type InstanceFSM struct {
	mu       sync.Mutex
	appender EventAppender
	after    []TransitionHook
}

// NewInstanceFSM creates an InstanceFSM that emits events via the given appender.
func NewInstanceFSM(appender EventAppender) *InstanceFSM {
	return &InstanceFSM{appender: appender}
}

// OnAfter registers a hook called after every emitted transition.
func (f *InstanceFSM) OnAfter(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, hook)
}

// Check validates a transition without side effects.
func (f *InstanceFSM) Check(instanceID string, from, to schema.InstanceStatus) error {
	if isValidInstanceTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid instance transition: %s -> %s", from, to).
		WithDetails(map[string]any{"instance_id": instanceID, "from": string(from), "to": string(to)})
}

// Emit appends the event for a committed transition and runs the hooks.
// running -> running emits nothing.
func (f *InstanceFSM) Emit(ctx context.Context, instanceID, nodeID string, from, to schema.InstanceStatus, payload map[string]any) error {
	eventType := instanceEventType(from, to)
	if eventType == "" {
		return nil
	}
	event := &store.Event{InstanceID: instanceID, NodeID: nodeID, Type: eventType}
	if len(payload) > 0 {
		raw, err := marshalPayload(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "encode %s payload: %s", eventType, err.Error()).WithCause(err)
		}
		event.Payload = raw
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit instance event: %s", err.Error()).WithCause(err)
	}

	f.mu.Lock()
	hooks := append([]TransitionHook(nil), f.after...)
	f.mu.Unlock()
	for _, hook := range hooks {
		hook(instanceID, from, to)
	}
	return nil
}

func isValidInstanceTransition(from, to schema.InstanceStatus) bool {
	allowed, ok := ValidInstanceTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func instanceEventType(from, to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceStatusRunning:
		if from == schema.InstanceStatusWaitingForEvent {
			return schema.EventInstanceResumed
		}
		if from == "" {
			return schema.EventInstanceStarted
		}
		return ""
	case schema.InstanceStatusWaitingForEvent:
		return schema.EventInstanceSuspended
	case schema.InstanceStatusCompleted:
		return schema.EventInstanceCompleted
	case schema.InstanceStatusFailed:
		return schema.EventInstanceFailed
	default:
		return ""
	}
}

// ValidInstanceTransitions defines the allowed state transitions for
// instances. The empty status is the not-yet-created instance. A resumed
// instance whose received handle is a dead end completes directly.
var ValidInstanceTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	"": {schema.InstanceStatusRunning},
	schema.InstanceStatusRunning: {
		schema.InstanceStatusRunning,
		schema.InstanceStatusWaitingForEvent,
		schema.InstanceStatusCompleted,
		schema.InstanceStatusFailed,
	},
	schema.InstanceStatusWaitingForEvent: {
		schema.InstanceStatusRunning,
		schema.InstanceStatusCompleted,
		schema.InstanceStatusFailed,
	},
	schema.InstanceStatusCompleted: {},
	schema.InstanceStatusFailed:    {},
}

func marshalPayload(payload map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
