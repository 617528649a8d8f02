package streaming

import "context"

// StreamEvent is a real-time event emitted while an instance runs. It mirrors
// an entry of the instance's audit log.
type StreamEvent struct {
	InstanceID string `json:"instance_id"`
	NodeID     string `json:"node_id,omitempty"`
	EventType  string `json:"event_type"`
	Sequence   int64  `json:"sequence"`
	Payload    any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	InstanceID string   `json:"instance_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time instance events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
