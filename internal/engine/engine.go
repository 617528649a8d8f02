package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/graph"
	"github.com/rendis/flowpilot/internal/logging"
	"github.com/rendis/flowpilot/internal/nodes"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// DefaultLoopGuard is the default ceiling on nodes executed by one tick.
const DefaultLoopGuard = 500

// GraphValidator checks a definition before it is saved.
type GraphValidator interface {
	Validate(def *schema.GraphDefinition) *schema.ValidationResult
}

// Config holds engine settings. Zero values take defaults.
type Config struct {
	LoopGuard int
	Logger    *slog.Logger
	// Audit receives instance events; defaults to the store.
	Audit EventAppender
}

// InstanceView is the read-only inspection shape of an instance.
type InstanceView struct {
	*store.Instance
	History []*store.StepRecord `json:"history"`
}

// CancelOutcome reports what Cancel did.
type CancelOutcome string

const (
	// CancelApplied means the instance is now failed with CANCELLED.
	CancelApplied CancelOutcome = "cancelled"
	// CancelRequested means a tick owns the instance and will observe the
	// request at its next node boundary.
	CancelRequested CancelOutcome = "requested"
	// CancelNoop means the instance had already finished.
	CancelNoop CancelOutcome = "already_terminal"
)

// CancelResult is returned by Cancel.
type CancelResult struct {
	Instance *store.Instance `json:"instance"`
	Outcome  CancelOutcome   `json:"outcome"`
}

type graphKey struct {
	id      string
	version int
}

// Engine drives instances through their graphs. One call to Tick runs an
// instance until it suspends, finishes, or trips the loop guard. Every node
// is checkpointed with an optimistic version check, so two ticks racing on
// one instance cannot both advance it.
type Engine struct {
	store     store.Store
	registry  *nodes.Registry
	validator GraphValidator
	fsm       *InstanceFSM
	audit     EventAppender
	loopGuard int
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	graphs map[graphKey]*graph.Graph
}

// New creates an Engine. validator may be nil, in which case graphs are only
// compiled before saving.
func New(s store.Store, registry *nodes.Registry, validator GraphValidator, cfg Config) *Engine {
	if cfg.LoopGuard <= 0 {
		cfg.LoopGuard = DefaultLoopGuard
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	audit := cfg.Audit
	if audit == nil {
		audit = s
	}
	return &Engine{
		store:     s,
		registry:  registry,
		validator: validator,
		fsm:       NewInstanceFSM(audit),
		audit:     audit,
		loopGuard: cfg.LoopGuard,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
		graphs:    make(map[graphKey]*graph.Graph),
	}
}

// FSM exposes the lifecycle FSM so callers can register transition hooks.
func (e *Engine) FSM() *InstanceFSM { return e.fsm }

// --- Graphs ---

// Validate runs the save-time checks without saving.
func (e *Engine) Validate(def *schema.GraphDefinition) *schema.ValidationResult {
	if e.validator != nil {
		return e.validator.Validate(def)
	}
	res := &schema.ValidationResult{}
	if _, err := graph.Compile(def); err != nil {
		res.AddError("/", schema.ErrCodeStructural, err.Error())
	}
	return res
}

// SaveGraph validates def and stores it as the next version of def.ID.
// The validation result is returned either way so warnings reach the caller.
func (e *Engine) SaveGraph(ctx context.Context, def *schema.GraphDefinition) (*store.GraphRecord, *schema.ValidationResult, error) {
	if def == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "graph definition is required")
	}
	res := e.Validate(def)
	if !res.Valid() {
		return nil, res, res.ToError()
	}
	rec, err := e.store.SaveGraph(ctx, def)
	if err != nil {
		return nil, res, storeError("save graph", err)
	}
	e.logger.Info("graph saved", "graph_id", rec.ID, "version", rec.Version, "warnings", len(res.Warnings))
	return rec, res, nil
}

// GetGraph returns a saved version; version 0 is the latest.
func (e *Engine) GetGraph(ctx context.Context, id string, version int) (*store.GraphRecord, error) {
	return e.store.GetGraph(ctx, id, version)
}

// ListGraphs returns the latest version of every graph.
func (e *Engine) ListGraphs(ctx context.Context) ([]*store.GraphRecord, error) {
	return e.store.ListGraphs(ctx)
}

func (e *Engine) loadGraph(ctx context.Context, id string, version int) (*graph.Graph, error) {
	if version > 0 {
		e.mu.RLock()
		g, ok := e.graphs[graphKey{id, version}]
		e.mu.RUnlock()
		if ok {
			return g, nil
		}
	}

	rec, err := e.store.GetGraph(ctx, id, version)
	if err != nil {
		return nil, err
	}
	key := graphKey{rec.ID, rec.Version}
	e.mu.RLock()
	g, ok := e.graphs[key]
	e.mu.RUnlock()
	if ok {
		return g, nil
	}

	def := rec.Definition
	def.Version = rec.Version
	g, err = graph.Compile(&def)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.graphs[key] = g
	e.mu.Unlock()
	return g, nil
}

// --- Instances ---

// Create starts a new instance of the latest version of graphID. The
// snapshot is seeded from declared defaults, then from seed. The instance is
// created running at the entry node; nothing executes until Tick.
func (e *Engine) Create(ctx context.Context, graphID string, seed map[string]any) (*store.Instance, error) {
	for k := range seed {
		if schema.IsReservedKey(k) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"seed variable %q uses the reserved prefix %q", k, schema.ReservedVariablePrefix)
		}
	}
	g, err := e.loadGraph(ctx, graphID, 0)
	if err != nil {
		return nil, err
	}

	vars := expressions.NewVariables(g.Variables, seed)
	inst := &store.Instance{
		ID:            uuid.NewString(),
		GraphID:       g.ID,
		GraphVersion:  g.Version,
		Status:        schema.InstanceStatusRunning,
		CurrentNodeID: g.Entry,
		Variables:     vars.Snapshot(),
		Version:       1,
		CreatedAt:     e.now(),
	}
	if err := e.fsm.Check(inst.ID, "", inst.Status); err != nil {
		return nil, err
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, storeError("create instance", err)
	}

	ctx = logging.WithGraphID(logging.WithInstanceID(ctx, inst.ID), g.ID)
	logging.LogWith(ctx, e.logger).Info("instance created", "graph_version", g.Version, "entry", g.Entry)
	e.emit(ctx, inst.ID, g.Entry, "", inst.Status, map[string]any{
		"graph_id":      g.ID,
		"graph_version": g.Version,
	})
	return inst, nil
}

// GetInstance returns the instance with its step history.
func (e *Engine) GetInstance(ctx context.Context, id string) (*InstanceView, error) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, id)
	if err != nil {
		return nil, storeError("list steps", err)
	}
	if steps == nil {
		steps = []*store.StepRecord{}
	}
	return &InstanceView{Instance: inst, History: steps}, nil
}

// ListInstances returns instances matching filter.
func (e *Engine) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	return e.store.ListInstances(ctx, filter)
}

// Events returns the audit log of an instance after sequence since.
func (e *Engine) Events(ctx context.Context, id string, since int64) ([]*store.Event, error) {
	return e.store.GetEvents(ctx, id, since)
}

// Tick runs a running instance until it suspends, finishes or trips the loop
// guard. A tick on an instance that is not running, or that loses a
// checkpoint race, returns a DUPLICATE_DISPATCH error and changes nothing.
// If ctx is cancelled mid-node the tick stops without a checkpoint.
func (e *Engine) Tick(ctx context.Context, instanceID string) (*store.Instance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != schema.InstanceStatusRunning {
		return inst, schema.NewErrorf(schema.ErrCodeDuplicateDispatch,
			"instance %s is %s, not running", inst.ID, inst.Status).
			WithDetails(map[string]any{"status": string(inst.Status)})
	}
	g, err := e.loadGraph(ctx, inst.GraphID, inst.GraphVersion)
	if err != nil {
		return inst, err
	}
	return e.run(ctx, inst, g)
}

func (e *Engine) run(ctx context.Context, inst *store.Instance, g *graph.Graph) (*store.Instance, error) {
	ctx = logging.WithGraphID(logging.WithInstanceID(ctx, inst.ID), g.ID)
	log := logging.LogWith(ctx, e.logger)
	log.Debug("tick started", "node", inst.CurrentNodeID, "version", inst.Version, "step_count", inst.StepCount)

	if inst.CancelRequested {
		return e.fail(ctx, inst, cancelReason(inst.CurrentNodeID, inst.CancelReason))
	}

	vars := expressions.FromSnapshot(inst.Variables)
	for steps := 0; ; steps++ {
		if steps >= e.loopGuard {
			log.Warn("loop guard tripped", "node", inst.CurrentNodeID, "ceiling", e.loopGuard)
			return e.fail(ctx, inst, &schema.FailureReason{
				Code:    schema.ErrCodeLoopGuardTripped,
				Message: fmt.Sprintf("tick exceeded %d steps", e.loopGuard),
				NodeID:  inst.CurrentNodeID,
				Details: map[string]any{"ceiling": e.loopGuard},
			})
		}

		node, ok := g.Node(inst.CurrentNodeID)
		if !ok {
			return e.fail(ctx, inst, &schema.FailureReason{
				Code:    schema.ErrCodeExecutor,
				Message: fmt.Sprintf("node %q not found in graph %s v%d", inst.CurrentNodeID, g.ID, g.Version),
				NodeID:  inst.CurrentNodeID,
			})
		}

		next, err := e.step(ctx, inst, g, node, vars)
		if err != nil {
			return inst, err
		}
		inst = next
		if inst.Status != schema.InstanceStatusRunning {
			log.Debug("tick finished", "status", inst.Status, "step_count", inst.StepCount)
			return inst, nil
		}
	}
}

// step executes one node and checkpoints the result. It returns the new
// committed instance state.
func (e *Engine) step(ctx context.Context, inst *store.Instance, g *graph.Graph, node *graph.Node, vars *expressions.Variables) (*store.Instance, error) {
	nctx := logging.WithNodeID(ctx, node.ID)
	log := logging.LogWith(nctx, e.logger)
	started := e.now()

	resolver := expressions.NewResolver(vars, g.Defaults())
	var res *nodes.Result
	exec, err := e.registry.Get(node.Kind)
	if err == nil {
		cfg := exec.Resolve(node.Config, resolver)
		res, err = exec.Execute(nctx, nodes.Input{
			InstanceID: inst.ID,
			NodeID:     node.ID,
			Config:     cfg,
			Vars:       vars.Snapshot(),
		})
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Warn("tick aborted mid-node; no checkpoint written", "error", ctxErr)
		return nil, ctxErr
	}
	if res == nil {
		res = &nodes.Result{}
	}

	warnings := resolver.Warnings()
	for _, w := range warnings {
		log.Warn("missing variable", "key", w.Key, "message", w.Message)
	}

	next := inst.Clone()
	next.StepCount++
	rec := &store.StepRecord{
		InstanceID:  inst.ID,
		Sequence:    next.StepCount,
		NodeID:      node.ID,
		NodeKind:    node.Kind,
		Warnings:    warnings,
		Diagnostics: res.Diagnostics,
		Timestamp:   started,
	}

	follow := false
	switch {
	case err != nil:
		reason := schema.ReasonFromError(err)
		if reason.NodeID == "" {
			reason.NodeID = node.ID
		}
		rec.Error = reason
		if node.DeclaresHandle(schema.HandleError) {
			rec.Handle = schema.HandleError
			follow = true
			log.Info("executor error routed to error handle", "error", reason.Message)
		} else {
			rec.Outcome = schema.StepOutcomeFailed
			next.Status = schema.InstanceStatusFailed
			next.Failure = reason
		}
	case res.Terminal != nil:
		next.Status = res.Terminal.Status
		rec.Outcome = schema.StepOutcomeCompleted
		if next.Status == schema.InstanceStatusFailed {
			rec.Outcome = schema.StepOutcomeFailed
			msg := res.Terminal.Reason
			if msg == "" {
				msg = "terminal node reached"
			}
			next.Failure = &schema.FailureReason{Code: schema.ErrCodeTerminalFailure, Message: msg, NodeID: node.ID}
		}
	case res.Suspend:
		vars.Merge(res.Variables)
		rec.Outcome = schema.StepOutcomeSuspended
		next.Status = schema.InstanceStatusWaitingForEvent
		next.WaitToken = res.WaitToken
	default:
		vars.Merge(res.Variables)
		rec.Handle = res.Handle
		follow = true
	}

	// Cancellation is observed at the node boundary, before an edge is
	// followed or the instance parks.
	if follow || next.Status == schema.InstanceStatusWaitingForEvent {
		if requested, reason := e.cancelRequested(nctx, inst); requested {
			log.Info("cancellation observed at node boundary")
			follow = false
			if rec.Outcome == "" {
				rec.Outcome = schema.StepOutcomeAdvanced
			}
			next.Status = schema.InstanceStatusFailed
			next.WaitToken = ""
			next.Failure = cancelReason(node.ID, reason)
		}
	}

	if follow {
		rec.Outcome = schema.StepOutcomeAdvanced
		if to, ok := g.Next(node.ID, rec.Handle); ok {
			next.CurrentNodeID = to
		} else {
			log.Info("dead end: no edge for handle", "handle", rec.Handle)
			rec.Outcome = schema.StepOutcomeCompleted
			next.Status = schema.InstanceStatusCompleted
		}
	}

	next.Variables = vars.Snapshot()
	if next.Status.Terminal() {
		t := e.now()
		next.CompletedAt = &t
	}
	if err := e.fsm.Check(inst.ID, inst.Status, next.Status); err != nil {
		return nil, err
	}

	cp := &store.Checkpoint{Instance: next, ExpectedVersion: inst.Version, Steps: []*store.StepRecord{rec}}
	err = e.store.SaveCheckpoint(ctx, cp)
	if errors.Is(err, store.ErrWaitTokenInUse) {
		reason := &schema.FailureReason{
			Code:    schema.ErrCodeExecutor,
			Message: fmt.Sprintf("wait token %q is held by another waiting instance", next.WaitToken),
			NodeID:  node.ID,
		}
		log.Warn("wait token collision", "wait_token", next.WaitToken)
		rec.Outcome = schema.StepOutcomeFailed
		rec.Error = reason
		next.Status = schema.InstanceStatusFailed
		next.WaitToken = ""
		next.Failure = reason
		t := e.now()
		next.CompletedAt = &t
		err = e.store.SaveCheckpoint(ctx, cp)
	}
	if err != nil {
		return nil, e.checkpointError(nctx, inst.ID, err)
	}

	log.Debug("step committed", "sequence", rec.Sequence, "handle", rec.Handle, "outcome", rec.Outcome,
		"duration_ms", e.now().Sub(started).Milliseconds())
	e.emitStep(nctx, rec)
	e.emit(nctx, inst.ID, node.ID, inst.Status, next.Status, transitionPayload(next))
	return next, nil
}

// Resume applies an event to a waiting instance: the payload is merged under
// the reserved _event keys, a resumed step is recorded for the wait node and
// the instance moves to the successor of its received handle. The delivery
// is committed in the same checkpoint, so an event id is applied at most
// once per instance. Resume does not run the successor; call Tick for that.
func (e *Engine) Resume(ctx context.Context, instanceID, eventID string, payload map[string]any) (*store.Instance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.GetDelivery(ctx, inst.ID, eventID); err == nil {
		return inst, duplicateDelivery(inst.ID, eventID)
	}
	if inst.Status != schema.InstanceStatusWaitingForEvent {
		return inst, schema.NewErrorf(schema.ErrCodeNoMatchingInstance,
			"instance %s is %s, not waiting for an event", inst.ID, inst.Status)
	}
	g, err := e.loadGraph(ctx, inst.GraphID, inst.GraphVersion)
	if err != nil {
		return inst, err
	}

	ctx = logging.WithNodeID(logging.WithGraphID(logging.WithInstanceID(ctx, inst.ID), g.ID), inst.CurrentNodeID)
	log := logging.LogWith(ctx, e.logger)
	now := e.now()

	delivery := &store.Delivery{
		InstanceID:  inst.ID,
		EventID:     eventID,
		WaitToken:   inst.WaitToken,
		Payload:     payload,
		DeliveredAt: now,
	}
	next := inst.Clone()
	next.WaitToken = ""
	var steps []*store.StepRecord

	if inst.CancelRequested {
		next.Status = schema.InstanceStatusFailed
		next.Failure = cancelReason(inst.CurrentNodeID, inst.CancelReason)
		next.CompletedAt = &now
	} else {
		vars := expressions.FromSnapshot(inst.Variables)
		vars.Merge(expressions.EventBindings(eventID, payload))
		next.Variables = vars.Snapshot()
		next.StepCount++
		rec := &store.StepRecord{
			InstanceID: inst.ID,
			Sequence:   next.StepCount,
			NodeID:     inst.CurrentNodeID,
			NodeKind:   schema.NodeKindWaitForEvent,
			Handle:     schema.HandleReceived,
			Outcome:    schema.StepOutcomeResumed,
			Diagnostics: map[string]any{
				"event_id":   eventID,
				"wait_token": inst.WaitToken,
			},
			Timestamp: now,
		}
		steps = append(steps, rec)
		next.Status = schema.InstanceStatusRunning
		if to, ok := g.Next(inst.CurrentNodeID, schema.HandleReceived); ok {
			next.CurrentNodeID = to
		} else {
			log.Info("dead end: no edge for handle", "handle", schema.HandleReceived)
			next.Status = schema.InstanceStatusCompleted
			next.CompletedAt = &now
		}
	}
	if err := e.fsm.Check(inst.ID, inst.Status, next.Status); err != nil {
		return inst, err
	}

	err = e.store.SaveCheckpoint(ctx, &store.Checkpoint{
		Instance:        next,
		ExpectedVersion: inst.Version,
		Steps:           steps,
		Delivery:        delivery,
	})
	if errors.Is(err, store.ErrVersionConflict) {
		if _, derr := e.store.GetDelivery(ctx, inst.ID, eventID); derr == nil {
			return inst, duplicateDelivery(inst.ID, eventID)
		}
	}
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeConflict) {
			return inst, duplicateDelivery(inst.ID, eventID)
		}
		return inst, e.checkpointError(ctx, inst.ID, err)
	}

	log.Info("instance resumed", "event_id", eventID, "status", next.Status)
	for _, rec := range steps {
		e.emitStep(ctx, rec)
	}
	payloadEvt := transitionPayload(next)
	payloadEvt["event_id"] = eventID
	e.emit(ctx, inst.ID, inst.CurrentNodeID, inst.Status, next.Status, payloadEvt)
	return next, nil
}

// Cancel requests cancellation. A waiting instance fails with CANCELLED at
// once; a running one is flagged and fails when the tick that owns it (or the
// next one) reaches a node boundary. A finished instance is left alone.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) (*CancelResult, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return &CancelResult{Instance: inst, Outcome: CancelNoop}, nil
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	if err := e.store.RequestCancel(ctx, inst.ID, reason); err != nil {
		return nil, storeError("request cancel", err)
	}
	inst.CancelRequested = true
	inst.CancelReason = reason

	ctx = logging.WithInstanceID(ctx, inst.ID)
	logging.LogWith(ctx, e.logger).Info("cancellation requested", "reason", reason, "status", inst.Status)
	e.appendAudit(ctx, &store.Event{InstanceID: inst.ID, Type: schema.EventCancelRequested}, map[string]any{"reason": reason})

	if inst.Status == schema.InstanceStatusWaitingForEvent {
		failed, err := e.fail(ctx, inst, cancelReason(inst.CurrentNodeID, reason))
		if err == nil {
			return &CancelResult{Instance: failed, Outcome: CancelApplied}, nil
		}
		if !schema.IsCode(err, schema.ErrCodeDuplicateDispatch) {
			return nil, err
		}
		// Lost the race, typically to a resume; the flag stays set.
	}

	cur, err := e.store.GetInstance(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	if cur.Status.Terminal() {
		return &CancelResult{Instance: cur, Outcome: CancelApplied}, nil
	}
	return &CancelResult{Instance: cur, Outcome: CancelRequested}, nil
}

// fail moves inst to failed with reason, without recording a step.
func (e *Engine) fail(ctx context.Context, inst *store.Instance, reason *schema.FailureReason) (*store.Instance, error) {
	next := inst.Clone()
	now := e.now()
	next.Status = schema.InstanceStatusFailed
	next.Failure = reason
	next.WaitToken = ""
	next.CompletedAt = &now
	if err := e.fsm.Check(inst.ID, inst.Status, next.Status); err != nil {
		return inst, err
	}
	if err := e.store.SaveCheckpoint(ctx, &store.Checkpoint{Instance: next, ExpectedVersion: inst.Version}); err != nil {
		return inst, e.checkpointError(ctx, inst.ID, err)
	}
	logging.LogWith(ctx, e.logger).Info("instance failed", "code", reason.Code, "reason", reason.Message, "node", reason.NodeID)
	e.emit(ctx, inst.ID, reason.NodeID, inst.Status, next.Status, transitionPayload(next))
	return next, nil
}

func (e *Engine) cancelRequested(ctx context.Context, inst *store.Instance) (bool, string) {
	if inst.CancelRequested {
		return true, inst.CancelReason
	}
	cur, err := e.store.GetInstance(ctx, inst.ID)
	if err != nil {
		logging.LogWith(ctx, e.logger).Error("read cancellation flag", "error", err)
		return false, ""
	}
	return cur.CancelRequested, cur.CancelReason
}

func (e *Engine) checkpointError(ctx context.Context, instanceID string, err error) error {
	log := logging.LogWith(ctx, e.logger)
	if errors.Is(err, store.ErrVersionConflict) {
		log.Warn("duplicate dispatch: checkpoint rejected by version check")
		e.appendAudit(ctx, &store.Event{InstanceID: instanceID, NodeID: logging.NodeID(ctx), Type: schema.EventDuplicateDispatch}, nil)
		return schema.NewErrorf(schema.ErrCodeDuplicateDispatch,
			"instance %s was advanced by another tick", instanceID).WithCause(err)
	}
	log.Error("checkpoint failed", "error", err)
	return storeError("save checkpoint", err)
}

// --- Events ---

func (e *Engine) emitStep(ctx context.Context, rec *store.StepRecord) {
	payload := map[string]any{
		"sequence": rec.Sequence,
		"kind":     string(rec.NodeKind),
		"outcome":  string(rec.Outcome),
	}
	if rec.Handle != "" {
		payload["handle"] = rec.Handle
	}
	if rec.Error != nil {
		payload["error"] = rec.Error
	}
	e.appendAudit(ctx, &store.Event{InstanceID: rec.InstanceID, NodeID: rec.NodeID, Type: schema.EventStepCompleted}, payload)
	if len(rec.Warnings) > 0 {
		e.appendAudit(ctx, &store.Event{InstanceID: rec.InstanceID, NodeID: rec.NodeID, Type: schema.EventStepWarning},
			map[string]any{"sequence": rec.Sequence, "warnings": rec.Warnings})
	}
}

func (e *Engine) emit(ctx context.Context, instanceID, nodeID string, from, to schema.InstanceStatus, payload map[string]any) {
	if err := e.fsm.Emit(ctx, instanceID, nodeID, from, to, payload); err != nil {
		logging.LogWith(ctx, e.logger).Error("emit transition event", "from", from, "to", to, "error", err)
	}
}

// appendAudit writes an event that is not a status transition. Failures are
// logged: the checkpoint is already durable.
func (e *Engine) appendAudit(ctx context.Context, event *store.Event, payload map[string]any) {
	if payload != nil {
		raw, err := marshalPayload(payload)
		if err != nil {
			logging.LogWith(ctx, e.logger).Error("encode audit payload", "event_type", event.Type, "error", err)
			return
		}
		event.Payload = raw
	}
	if err := e.audit.AppendEvent(ctx, event); err != nil {
		logging.LogWith(ctx, e.logger).Error("append audit event", "event_type", event.Type, "error", err)
	}
}

func transitionPayload(inst *store.Instance) map[string]any {
	p := map[string]any{"step_count": inst.StepCount}
	if inst.WaitToken != "" {
		p["wait_token"] = inst.WaitToken
	}
	if inst.Failure != nil {
		p["failure"] = inst.Failure
	}
	return p
}

func cancelReason(nodeID, reason string) *schema.FailureReason {
	if reason == "" {
		reason = "cancelled"
	}
	return &schema.FailureReason{Code: schema.ErrCodeCancelled, Message: reason, NodeID: nodeID}
}

func duplicateDelivery(instanceID, eventID string) error {
	return schema.NewErrorf(schema.ErrCodeConflict, "event %q already delivered to instance %s", eventID, instanceID).
		WithDetails(map[string]any{"instance_id": instanceID, "event_id": eventID})
}

func storeError(op string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
