package engine

import (
	"context"
	"log/slog"

	"github.com/goccy/go-json"

	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/streaming"
)

// AuditLog appends instance events to the store and mirrors each appended
// event to the streaming hub. The hub is optional.
type AuditLog struct {
	store  EventAppender
	hub    streaming.EventHub
	logger *slog.Logger
}

// NewAuditLog creates an AuditLog. hub may be nil.
func NewAuditLog(s EventAppender, hub streaming.EventHub, logger *slog.Logger) *AuditLog {
	if logger == nil {
		logger = logging.Default()
	}
	return &AuditLog{store: s, hub: hub, logger: logger}
}

// AppendEvent persists event, then publishes it. A publish failure is logged
// and never fails the append.
func (a *AuditLog) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := a.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	if a.hub == nil {
		return nil
	}

	var payload any
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			payload = string(event.Payload)
		}
	}
	if err := a.hub.Publish(ctx, streaming.StreamEvent{
		InstanceID: event.InstanceID,
		NodeID:     event.NodeID,
		EventType:  event.Type,
		Sequence:   event.Sequence,
		Payload:    payload,
	}); err != nil {
		logging.LogWith(ctx, a.logger).Debug("stream publish failed", "event_type", event.Type, "error", err)
	}
	return nil
}
