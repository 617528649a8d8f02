package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// DefaultPoolSize is the default number of instances ticking concurrently.
const DefaultPoolSize = 10

// DeliveryStatus is the answer to an event delivery.
type DeliveryStatus string

const (
	DeliveryAccepted           DeliveryStatus = "accepted"
	DeliveryDuplicate          DeliveryStatus = "duplicate"
	DeliveryNoMatchingInstance DeliveryStatus = "no_matching_instance"
)

// DeliveryResult describes an accepted or rejected event.
type DeliveryResult struct {
	Status     DeliveryStatus `json:"status"`
	InstanceID string         `json:"instance_id,omitempty"`
	EventID    string         `json:"event_id"`
}

// DispatcherConfig holds dispatcher settings.
type DispatcherConfig struct {
	PoolSize int
	Logger   *slog.Logger
}

// Dispatcher is the entry point used by every surface. It starts instances,
// routes events to waiting instances and runs ticks on a worker pool keyed by
// instance id, so one process never runs two ticks for the same instance.
type Dispatcher struct {
	engine *Engine
	store  store.Store
	pool   *WorkerPool
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher over e.
func NewDispatcher(e *Engine, cfg DispatcherConfig) *Dispatcher {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Logger == nil {
		cfg.Logger = e.logger
	}
	return &Dispatcher{
		engine: e,
		store:  e.store,
		pool:   NewWorkerPool(cfg.PoolSize),
		logger: cfg.Logger,
	}
}

// Engine returns the underlying engine.
func (d *Dispatcher) Engine() *Engine { return d.engine }

// StartInstance creates an instance of the latest version of graphID and
// schedules its first tick. It returns once the instance is persisted.
func (d *Dispatcher) StartInstance(ctx context.Context, graphID string, seed map[string]any) (string, error) {
	inst, err := d.engine.Create(ctx, graphID, seed)
	if err != nil {
		return "", err
	}
	if err := d.schedule(ctx, inst.ID); err != nil {
		// The instance is durable; the recovery sweep picks it up.
		logging.LogWith(logging.WithInstanceID(ctx, inst.ID), d.logger).Warn("first tick not scheduled", "error", err)
	}
	return inst.ID, nil
}

// DeliverEvent applies an event to the instance waiting on waitToken and
// schedules the continuation. Delivering the same (waitToken, eventID) again
// is reported as a duplicate and changes nothing. An empty eventID gets a
// generated one, which makes the delivery non-idempotent.
func (d *Dispatcher) DeliverEvent(ctx context.Context, waitToken, eventID string, payload map[string]any) (*DeliveryResult, error) {
	if waitToken == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "wait token is required")
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}
	res := &DeliveryResult{EventID: eventID}
	log := d.logger.With("wait_token", waitToken, "event_id", eventID)

	inst, err := d.store.FindWaiting(ctx, waitToken)
	if err != nil {
		if !schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		if prev, derr := d.store.FindDelivery(ctx, waitToken, eventID); derr == nil {
			res.Status = DeliveryDuplicate
			res.InstanceID = prev.InstanceID
			d.recordDuplicate(ctx, prev.InstanceID, eventID)
			return res, nil
		}
		log.Info("event has no matching instance")
		res.Status = DeliveryNoMatchingInstance
		return res, nil
	}
	res.InstanceID = inst.ID

	if _, err := d.engine.Resume(ctx, inst.ID, eventID, payload); err != nil {
		switch {
		case schema.IsCode(err, schema.ErrCodeConflict):
			res.Status = DeliveryDuplicate
			d.recordDuplicate(ctx, inst.ID, eventID)
			return res, nil
		case schema.IsCode(err, schema.ErrCodeNoMatchingInstance), schema.IsCode(err, schema.ErrCodeDuplicateDispatch):
			// Another event resumed the instance first.
			log.Info("instance left the waiting state before the event applied", "instance_id", inst.ID)
			res.Status = DeliveryNoMatchingInstance
			return res, nil
		default:
			return nil, err
		}
	}

	res.Status = DeliveryAccepted
	if err := d.schedule(ctx, inst.ID); err != nil && !errors.Is(err, ErrInFlight) {
		log.Warn("continuation not scheduled", "instance_id", inst.ID, "error", err)
	}
	return res, nil
}

// GetInstance returns an instance with its step history.
func (d *Dispatcher) GetInstance(ctx context.Context, id string) (*InstanceView, error) {
	return d.engine.GetInstance(ctx, id)
}

// CancelInstance cancels an instance. A running instance with no local tick
// in flight is ticked so the request is observed promptly.
func (d *Dispatcher) CancelInstance(ctx context.Context, id, reason string) (*CancelResult, error) {
	res, err := d.engine.Cancel(ctx, id, reason)
	if err != nil {
		return nil, err
	}
	if res.Outcome == CancelRequested && !d.pool.InFlight(id) {
		if err := d.schedule(ctx, id); err != nil && !errors.Is(err, ErrInFlight) {
			return res, err
		}
	}
	return res, nil
}

// Redispatch schedules a tick for a running instance, unless one is already
// in flight in this process. It reports whether a tick was scheduled.
func (d *Dispatcher) Redispatch(ctx context.Context, id string) (bool, error) {
	err := d.schedule(ctx, id)
	if errors.Is(err, ErrInFlight) {
		return false, nil
	}
	return err == nil, err
}

// InFlight reports whether a tick for id is queued or running here.
func (d *Dispatcher) InFlight(id string) bool { return d.pool.InFlight(id) }

// Wait blocks until every scheduled tick has finished.
func (d *Dispatcher) Wait() { d.pool.Wait() }

// Metrics returns worker pool counters.
func (d *Dispatcher) Metrics() PoolMetrics { return d.pool.Metrics() }

// Shutdown stops accepting work and waits for in-flight ticks until ctx is
// done, then aborts them. An aborted tick writes no checkpoint for the node
// it was running.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	return d.pool.Shutdown(ctx)
}

func (d *Dispatcher) schedule(ctx context.Context, id string) error {
	return d.pool.Submit(ctx, id, func(poolCtx context.Context) error {
		tctx := logging.WithInstanceID(poolCtx, id)
		log := logging.LogWith(tctx, d.logger)
		inst, err := d.engine.Tick(tctx, id)
		switch {
		case err == nil:
			log.Debug("tick done", "status", inst.Status, "step_count", inst.StepCount)
			return nil
		case schema.IsCode(err, schema.ErrCodeDuplicateDispatch):
			log.Debug("tick skipped", "reason", err.Error())
			return nil
		case errors.Is(err, context.Canceled):
			log.Warn("tick aborted by shutdown")
			return err
		default:
			log.Error("tick failed", "error", err)
			return err
		}
	})
}

func (d *Dispatcher) recordDuplicate(ctx context.Context, instanceID, eventID string) {
	logging.LogWith(logging.WithInstanceID(ctx, instanceID), d.logger).Info("duplicate event ignored", "event_id", eventID)
	d.engine.appendAudit(ctx, &store.Event{InstanceID: instanceID, Type: schema.EventDuplicateDelivery},
		map[string]any{"event_id": eventID})
}
