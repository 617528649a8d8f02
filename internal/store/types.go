package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/rendis/flowpilot/pkg/schema"
)

// ErrVersionConflict is returned by SaveCheckpoint when the stored instance
// version no longer matches the expected one: another tick already advanced it.
var ErrVersionConflict = errors.New("store: instance version conflict")

// ErrWaitTokenInUse is returned by SaveCheckpoint when another waiting
// instance already holds the checkpoint's wait token.
var ErrWaitTokenInUse = errors.New("store: wait token held by another instance")

// GraphRecord is one saved version of a graph definition.
type GraphRecord struct {
	ID         string                 `json:"id"`
	Version    int                    `json:"version"`
	Name       string                 `json:"name,omitempty"`
	Definition schema.GraphDefinition `json:"definition"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Instance is the persisted execution instance and its checkpoint.
type Instance struct {
	ID              string                `json:"id"`
	GraphID         string                `json:"graph_id"`
	GraphVersion    int                   `json:"graph_version"`
	Status          schema.InstanceStatus `json:"status"`
	CurrentNodeID   string                `json:"current_node_id,omitempty"`
	Variables       map[string]any        `json:"variables"`
	StepCount       int                   `json:"step_count"`
	WaitToken       string                `json:"wait_token,omitempty"`
	Version         int64                 `json:"version"`
	Failure         *schema.FailureReason `json:"failure,omitempty"`
	CancelRequested bool                  `json:"cancel_requested,omitempty"`
	CancelReason    string                `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
}

// Clone returns a deep-enough copy for handing out of an in-memory store.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Variables = cloneMap(i.Variables)
	if i.Failure != nil {
		f := *i.Failure
		cp.Failure = &f
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// StepRecord is the write-ahead record of one executed node. Records of an
// instance are numbered 1..n by Sequence and never rewritten.
type StepRecord struct {
	InstanceID  string                `json:"instance_id"`
	Sequence    int                   `json:"sequence"`
	NodeID      string                `json:"node_id"`
	NodeKind    schema.NodeKind       `json:"node_kind"`
	Handle      string                `json:"handle,omitempty"`
	Outcome     schema.StepOutcome    `json:"outcome"`
	Warnings    []schema.Warning      `json:"warnings,omitempty"`
	Diagnostics map[string]any        `json:"diagnostics,omitempty"`
	Error       *schema.FailureReason `json:"error,omitempty"`
	Timestamp   time.Time             `json:"timestamp"`
}

// Delivery records an event applied to an instance. (InstanceID, EventID) is unique.
type Delivery struct {
	InstanceID  string         `json:"instance_id"`
	EventID     string         `json:"event_id"`
	WaitToken   string         `json:"wait_token"`
	Payload     map[string]any `json:"payload,omitempty"`
	DeliveredAt time.Time      `json:"delivered_at"`
}

// Event is an immutable entry in an instance's audit log.
type Event struct {
	ID         int64           `json:"id"`
	InstanceID string          `json:"instance_id"`
	NodeID     string          `json:"node_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// Checkpoint is everything one tick persists atomically: the new instance
// state guarded by ExpectedVersion, the step records written since the last
// checkpoint and, on resumption, the delivery being applied.
type Checkpoint struct {
	Instance        *Instance
	ExpectedVersion int64
	Steps           []*StepRecord
	Delivery        *Delivery
}

// InstanceFilter narrows ListInstances.
type InstanceFilter struct {
	GraphID       string
	Status        schema.InstanceStatus
	UpdatedBefore *time.Time
	Limit         int
	Offset        int
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		cp := make(map[string]any, len(m))
		for k, v := range m {
			cp[k] = v
		}
		return cp
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return m
	}
	return out
}

// roundTrip copies src into dst through JSON, so stored values have the same
// shape they would have after a trip through a durable store.
func roundTrip(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
