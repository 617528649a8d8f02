package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/expressions"
	"github.com/rendis/flowpilot/internal/nodes"
	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

// --- harness ---

type harness struct {
	store    *store.MemoryStore
	registry *nodes.Registry
	engine   *Engine
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T) *nodes.Registry {
	t.Helper()
	preds, err := expressions.NewPredicates()
	require.NoError(t, err)
	reg, err := nodes.NewDefaultRegistry(nodes.HTTPConfig{
		BackoffBase:    time.Millisecond,
		DefaultTimeout: 2 * time.Second,
	}, preds, expressions.NewGoJQEngine())
	require.NoError(t, err)
	return reg
}

func newEngine(t *testing.T, st store.Store, reg *nodes.Registry, cfg Config) *Engine {
	t.Helper()
	preds, err := expressions.NewPredicates()
	require.NoError(t, err)
	val, err := validation.NewGraphValidator(preds, expressions.NewGoJQEngine())
	require.NoError(t, err)
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	return New(st, reg, val, cfg)
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	reg := newRegistry(t)
	return &harness{store: st, registry: reg, engine: newEngine(t, st, reg, cfg)}
}

func (h *harness) save(t *testing.T, def *schema.GraphDefinition) *store.GraphRecord {
	t.Helper()
	rec, res, err := h.engine.SaveGraph(context.Background(), def)
	require.NoError(t, err, "%+v", res)
	return rec
}

func (h *harness) start(t *testing.T, graphID string, seed map[string]any) *store.Instance {
	t.Helper()
	inst, err := h.engine.Create(context.Background(), graphID, seed)
	require.NoError(t, err)
	return inst
}

func (h *harness) view(t *testing.T, id string) *InstanceView {
	t.Helper()
	v, err := h.engine.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return v
}

func node(id string, kind schema.NodeKind, cfg string) schema.NodeDefinition {
	n := schema.NodeDefinition{ID: id, Kind: kind}
	if cfg != "" {
		n.Config = json.RawMessage(cfg)
	}
	return n
}

func entry(n schema.NodeDefinition) schema.NodeDefinition {
	n.IsEntry = true
	return n
}

func edge(from, handle, to string) schema.EdgeDefinition {
	return schema.EdgeDefinition{From: from, FromHandle: handle, To: to}
}

func historyNodes(v *InstanceView) []string {
	out := make([]string, len(v.History))
	for i, st := range v.History {
		out[i] = st.NodeID
	}
	return out
}

// gateExecutor wraps an executor and blocks every Execute until release is
// closed. arrived receives one value per call.
type gateExecutor struct {
	nodes.Executor
	arrived chan struct{}
	release chan struct{}
}

func newGate(inner nodes.Executor) *gateExecutor {
	return &gateExecutor{Executor: inner, arrived: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gateExecutor) Execute(ctx context.Context, in nodes.Input) (*nodes.Result, error) {
	g.arrived <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.Executor.Execute(ctx, in)
}

// --- graphs ---

func leadCheckGraph(url string) *schema.GraphDefinition {
	return &schema.GraphDefinition{
		ID: "lead-check",
		Nodes: []schema.NodeDefinition{
			entry(node("fetch", schema.NodeKindHTTPRequest, fmt.Sprintf(`{"method":"GET","url":%q}`, url+"/leads/{{lead_id}}"))),
			node("mark", schema.NodeKindSetVariable, `{"key":"status","value":"ok"}`),
			node("done", schema.NodeKindTerminal, `{"status":"completed"}`),
			node("failed", schema.NodeKindTerminal, `{"status":"failed","reason":"lookup failed for {{lead_id}}"}`),
		},
		Edges: []schema.EdgeDefinition{
			edge("fetch", schema.HandleSuccess, "mark"),
			edge("fetch", schema.HandleError, "failed"),
			edge("mark", schema.HandleDone, "done"),
		},
		Variables: []schema.VariableDefinition{{Key: "lead_id"}, {Key: "status", DefaultValue: "pending"}},
	}
}

func replyGraph() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		ID: "reply",
		Nodes: []schema.NodeDefinition{
			entry(node("greet", schema.NodeKindSetVariable, `{"key":"greeting","value":"hello {{name}}"}`)),
			node("wait", schema.NodeKindWaitForEvent, `{"correlation_key":"conv-{{conversation_id}}"}`),
			node("check", schema.NodeKindCondition, `{"left":"{{_event_reply}}","operator":"eq","right":"yes","case_insensitive":true}`),
			node("won", schema.NodeKindTerminal, `{"status":"completed"}`),
			node("lost", schema.NodeKindTerminal, `{"status":"failed","reason":"declined"}`),
		},
		Edges: []schema.EdgeDefinition{
			edge("greet", schema.HandleDone, "wait"),
			edge("wait", schema.HandleReceived, "check"),
			edge("check", schema.HandleTrue, "won"),
			edge("check", schema.HandleFalse, "lost"),
		},
		Variables: []schema.VariableDefinition{{Key: "name"}, {Key: "conversation_id"}, {Key: "greeting"}},
	}
}

func spinGraph() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		ID: "spin",
		Nodes: []schema.NodeDefinition{
			entry(node("spin", schema.NodeKindCondition, `{"left":"{{flag}}","operator":"eq","right":"stop"}`)),
			node("done", schema.NodeKindTerminal, ""),
		},
		Edges: []schema.EdgeDefinition{
			edge("spin", schema.HandleFalse, "spin"),
			edge("spin", schema.HandleTrue, "done"),
		},
		Variables: []schema.VariableDefinition{{Key: "flag", DefaultValue: "go"}},
	}
}

// --- scenarios ---

func TestEngine_EndToEnd_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/leads/L-7", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	h.save(t, leadCheckGraph(srv.URL))
	inst := h.start(t, "lead-check", map[string]any{"lead_id": "L-7"})
	assert.Equal(t, "pending", inst.Variables["status"])

	final, err := h.engine.Tick(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, final.Status)

	v := h.view(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusCompleted, v.Status)
	assert.Equal(t, "ok", v.Variables["status"])
	require.Len(t, v.History, 3)
	assert.Equal(t, []string{"fetch", "mark", "done"}, historyNodes(v))
	assert.Equal(t, schema.HandleSuccess, v.History[0].Handle)
	assert.EqualValues(t, 200, v.History[0].Diagnostics["status_code"])
	assert.Equal(t, 3, v.StepCount)
	assert.NotNil(t, v.CompletedAt)
	for i, st := range v.History {
		assert.Equal(t, i+1, st.Sequence)
	}
}

func TestEndToEnd_ServerErrorRetriedThenFailed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	h.save(t, leadCheckGraph(srv.URL))
	inst := h.start(t, "lead-check", map[string]any{"lead_id": "L-7"})

	final, err := h.engine.Tick(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusFailed, final.Status)
	assert.Equal(t, int32(3), calls.Load(), "one call plus two retries")

	v := h.view(t, inst.ID)
	assert.Equal(t, []string{"fetch", "failed"}, historyNodes(v))
	assert.Equal(t, schema.HandleError, v.History[0].Handle)
	assert.EqualValues(t, 503, v.History[0].Diagnostics["status_code"])
	assert.EqualValues(t, 3, v.History[0].Diagnostics["attempts"])
	require.NotNil(t, v.Failure)
	assert.Equal(t, schema.ErrCodeTerminalFailure, v.Failure.Code)
	assert.Equal(t, "failed", v.Failure.NodeID)
	assert.Equal(t, "lookup failed for L-7", v.Failure.Message)
	assert.Equal(t, "pending", v.Variables["status"])
}

func TestEngine_BranchDeterminism(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	h.save(t, leadCheckGraph(srv.URL))

	cases := []struct {
		code   int
		want   schema.InstanceStatus
		handle string
	}{
		{200, schema.InstanceStatusCompleted, schema.HandleSuccess},
		{204, schema.InstanceStatusCompleted, schema.HandleSuccess},
		{404, schema.InstanceStatusFailed, schema.HandleError},
		{500, schema.InstanceStatusFailed, schema.HandleError},
	}
	for round := 0; round < 3; round++ {
		for _, c := range cases {
			status.Store(int32(c.code))
			inst := h.start(t, "lead-check", map[string]any{"lead_id": fmt.Sprintf("L-%d", round)})
			final, err := h.engine.Tick(context.Background(), inst.ID)
			require.NoError(t, err)
			assert.Equal(t, c.want, final.Status, "status %d round %d", c.code, round)
			v := h.view(t, inst.ID)
			assert.Equal(t, c.handle, v.History[0].Handle, "status %d round %d", c.code, round)
		}
	}
}

func TestEngine_SuspendAndResume(t *testing.T) {
	h := newHarness(t, Config{})
	h.save(t, replyGraph())
	inst := h.start(t, "reply", map[string]any{"name": "Ada", "conversation_id": 42})

	waiting, err := h.engine.Tick(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusWaitingForEvent, waiting.Status)
	assert.Equal(t, "conv-42", waiting.WaitToken)
	assert.Equal(t, "wait", waiting.CurrentNodeID)
	assert.Equal(t, "hello Ada", waiting.Variables["greeting"])

	v := h.view(t, inst.ID)
	require.Len(t, v.History, 2)
	assert.Equal(t, schema.StepOutcomeSuspended, v.History[1].Outcome)
	assert.Empty(t, v.History[1].Handle)

	// Ticking a waiting instance is rejected and changes nothing.
	_, err = h.engine.Tick(context.Background(), inst.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDuplicateDispatch))

	resumed, err := h.engine.Resume(context.Background(), inst.ID, "evt-1", map[string]any{"reply": "YES", "channel": "whatsapp"})
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusRunning, resumed.Status)
	assert.Equal(t, "check", resumed.CurrentNodeID)
	assert.Empty(t, resumed.WaitToken)
	assert.Equal(t, "evt-1", resumed.Variables[schema.VarEventID])
	assert.Equal(t, "whatsapp", resumed.Variables["_event_channel"])

	final, err := h.engine.Tick(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, final.Status)

	v = h.view(t, inst.ID)
	assert.Equal(t, []string{"greet", "wait", "wait", "check", "won"}, historyNodes(v))
	assert.Equal(t, schema.StepOutcomeResumed, v.History[2].Outcome)
	assert.Equal(t, schema.HandleReceived, v.History[2].Handle)
	assert.Equal(t, schema.HandleTrue, v.History[3].Handle)
	assert.Equal(t, 5, v.StepCount)
}

func TestEngine_ResumeDuplicateEventIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.save(t, replyGraph())
	inst := h.start(t, "reply", map[string]any{"conversation_id": "c1"})
	_, err := h.engine.Tick(context.Background(), inst.ID)
	require.NoError(t, err)

	_, err = h.engine.Resume(context.Background(), inst.ID, "evt-1", map[string]any{"reply": "no"})
	require.NoError(t, err)
	before := h.view(t, inst.ID)

	_, err = h.engine.Resume(context.Background(), inst.ID, "evt-1", map[string]any{"reply": "yes"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	after := h.view(t, inst.ID)
	assert.Equal(t, before.StepCount, after.StepCount)
	assert.Len(t, after.History, len(before.History))
	assert.Equal(t, before.Version, after.Version)
}

func TestEngine_ConcurrentTicksOneWins(t *testing.T) {
	st := store.NewMemoryStore()
	reg := newRegistry(t)
	gate := newGate(nodes.NewSetVariableExecutor())
	reg.Replace(gate)

	a := newEngine(t, st, reg, Config{})
	b := newEngine(t, st, reg, Config{})

	def := &schema.GraphDefinition{
		ID: "race",
		Nodes: []schema.NodeDefinition{
			entry(node("set", schema.NodeKindSetVariable, `{"key":"x","value":"1"}`)),
			node("done", schema.NodeKindTerminal, ""),
		},
		Edges: []schema.EdgeDefinition{edge("set", schema.HandleDone, "done")},
	}
	_, _, err := a.SaveGraph(context.Background(), def)
	require.NoError(t, err)
	inst, err := a.Create(context.Background(), "race", nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, eng := range []*Engine{a, b} {
		wg.Add(1)
		go func(i int, eng *Engine) {
			defer wg.Done()
			_, errs[i] = eng.Tick(context.Background(), inst.ID)
		}(i, eng)
	}
	// Both ticks hold version 1 and are inside the node before either commits.
	<-gate.arrived
	<-gate.arrived
	close(gate.release)
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case schema.IsCode(err, schema.ErrCodeDuplicateDispatch):
			dup++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, dup)

	v, err := a.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, v.Status)
	assert.Equal(t, []string{"set", "done"}, historyNodes(v))
	assert.Equal(t, 2, v.StepCount)
}

func TestEngine_LoopGuardTripsAtCeiling(t *testing.T) {
	for _, ceiling := range []int{0, 25} {
		t.Run(fmt.Sprintf("ceiling=%d", ceiling), func(t *testing.T) {
			h := newHarness(t, Config{LoopGuard: ceiling})
			h.save(t, spinGraph())
			inst := h.start(t, "spin", nil)

			final, err := h.engine.Tick(context.Background(), inst.ID)
			require.NoError(t, err)

			want := ceiling
			if want == 0 {
				want = DefaultLoopGuard
			}
			assert.Equal(t, schema.InstanceStatusFailed, final.Status)
			require.NotNil(t, final.Failure)
			assert.Equal(t, schema.ErrCodeLoopGuardTripped, final.Failure.Code)
			assert.Equal(t, "spin", final.Failure.NodeID)
			assert.Equal(t, want, final.StepCount)

			v := h.view(t, inst.ID)
			assert.Len(t, v.History, want)
		})
	}
}

func TestEngine_LoopExitsBeforeCeiling(t *testing.T) {
	h := newHarness(t, Config{LoopGuard: 5})
	h.save(t, spinGraph())
	inst := h.start(t, "spin", map[string]any{"flag": "stop"})

	final, err := h.engine.Tick(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, final.Status)
	assert.Equal(t, 2, final.StepCount)
}

func TestEngine_MissingVariableContinues(t *testing.T) {
	h := newHarness(t, Config{})
	h.save(t, &schema.GraphDefinition{
		ID: "missing",
		Nodes: []schema.NodeDefinition{
			entry(node("set", schema.NodeKindSetVariable, `{"key":"copy","value":"[{{undeclared_key}}][{{undeclared_key}}]"}`)),
			node("done", schema.NodeKindTerminal, ""),
		},
		Edges: []schema.EdgeDefinition{edge("set", schema.HandleDone, "done")},
	})
	inst := h.start(t, "missing", nil)

	final, err := h.engine.Tick(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, final.Status)
	assert.Equal(t, "[][]", final.Variables["copy"])

	v := h.view(t, inst.ID)
	require.Len(t, v.History[0].Warnings, 1)
	assert.Equal(t, schema.ErrCodeMissingVariable, v.History[0].Warnings[0].Code)
	assert.Equal(t, "undeclared_key", v.History[0].Warnings[0].Key)
	assert.Empty(t, v.History[1].Warnings)
}

func TestEngine_ExecutorErrorRouting(t *testing.T) {
	def := func(handles []string) *schema.GraphDefinition {
		check := node("check", schema.NodeKindCondition, `{"left":"{{score}}","operator":"gt","right":"10"}`)
		check.OutputHandles = handles
		d := &schema.GraphDefinition{
			ID: "routing",
			Nodes: []schema.NodeDefinition{
				entry(check),
				node("high", schema.NodeKindTerminal, ""),
				node("low", schema.NodeKindTerminal, ""),
			},
			Edges: []schema.EdgeDefinition{
				edge("check", schema.HandleTrue, "high"),
				edge("check", schema.HandleFalse, "low"),
			},
			Variables: []schema.VariableDefinition{{Key: "score"}},
		}
		if len(handles) == 3 {
			d.Nodes = append(d.Nodes, node("bad_input", schema.NodeKindTerminal, `{"status":"failed","reason":"score not numeric"}`))
			d.Edges = append(d.Edges, edge("check", schema.HandleError, "bad_input"))
		}
		return d
	}

	t.Run("error handle declared", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.save(t, def([]string{schema.HandleTrue, schema.HandleFalse, schema.HandleError}))
		inst := h.start(t, "routing", map[string]any{"score": "lots"})
		_, err := h.engine.Tick(context.Background(), inst.ID)
		require.NoError(t, err)

		v := h.view(t, inst.ID)
		assert.Equal(t, []string{"check", "bad_input"}, historyNodes(v))
		assert.Equal(t, schema.HandleError, v.History[0].Handle)
		require.NotNil(t, v.History[0].Error)
		assert.Equal(t, schema.ErrCodeExecutor, v.History[0].Error.Code)
		assert.Equal(t, schema.ErrCodeTerminalFailure, v.Failure.Code)
	})

	t.Run("no error handle", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.save(t, def(nil))
		inst := h.start(t, "routing", map[string]any{"score": "lots"})
		final, err := h.engine.Tick(context.Background(), inst.ID)
		require.NoError(t, err)

		assert.Equal(t, schema.InstanceStatusFailed, final.Status)
		require.NotNil(t, final.Failure)
		assert.Equal(t, schema.ErrCodeExecutor, final.Failure.Code)
		assert.Equal(t, "check", final.Failure.NodeID)
		v := h.view(t, inst.ID)
		require.Len(t, v.History, 1)
		assert.Equal(t, schema.StepOutcomeFailed, v.History[0].Outcome)
	})
}

func TestEngine_DeadEndCompletes(t *testing.T) {
	h := newHarness(t, Config{})
	h.save(t, &schema.GraphDefinition{
		ID: "dead-end",
		Nodes: []schema.NodeDefinition{
			entry(node("check", schema.NodeKindCondition, `{"left":"{{tier}}","operator":"eq","right":"gold"}`)),
			node("vip", schema.NodeKindTerminal, ""),
		},
		Edges:     []schema.EdgeDefinition{edge("check", schema.HandleTrue, "vip")},
		Variables: []schema.VariableDefinition{{Key: "tier", DefaultValue: "silver"}},
	})
	inst := h.start(t, "dead-end", nil)

	final, err := h.engine.Tick(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, final.Status)
	assert.Nil(t, final.Failure)
	v := h.view(t, inst.ID)
	require.Len(t, v.History, 1)
	assert.Equal(t, schema.HandleFalse, v.History[0].Handle)
}

func TestEngine_WaitTokenCollisionFailsSecondInstance(t *testing.T) {
	h := newHarness(t, Config{})
	h.save(t, replyGraph())
	first := h.start(t, "reply", map[string]any{"conversation_id": "shared"})
	second := h.start(t, "reply", map[string]any{"conversation_id": "shared"})

	_, err := h.engine.Tick(context.Background(), first.ID)
	require.NoError(t, err)
	final, err := h.engine.Tick(context.Background(), second.ID)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusFailed, final.Status)
	require.NotNil(t, final.Failure)
	assert.Equal(t, schema.ErrCodeExecutor, final.Failure.Code)
	assert.Equal(t, "wait", final.Failure.NodeID)
	assert.Empty(t, final.WaitToken)

	holder, err := h.store.FindWaiting(context.Background(), "conv-shared")
	require.NoError(t, err)
	assert.Equal(t, first.ID, holder.ID)
}

func TestEngine_CancelWaitingInstance(t *testing.T) {
	h := newHarness(t, Config{})
	h.save(t, replyGraph())
	inst := h.start(t, "reply", map[string]any{"conversation_id": "c9"})
	_, err := h.engine.Tick(context.Background(), inst.ID)
	require.NoError(t, err)

	res, err := h.engine.Cancel(context.Background(), inst.ID, "lead unsubscribed")
	require.NoError(t, err)
	assert.Equal(t, CancelApplied, res.Outcome)
	assert.Equal(t, schema.InstanceStatusFailed, res.Instance.Status)
	assert.Equal(t, schema.ErrCodeCancelled, res.Instance.Failure.Code)
	assert.Equal(t, "lead unsubscribed", res.Instance.Failure.Message)

	_, err = h.store.FindWaiting(context.Background(), "conv-c9")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	again, err := h.engine.Cancel(context.Background(), inst.ID, "again")
	require.NoError(t, err)
	assert.Equal(t, CancelNoop, again.Outcome)
}

func TestEngine_CancelObservedAtNodeBoundary(t *testing.T) {
	h := newHarness(t, Config{})
	gate := newGate(nodes.NewSetVariableExecutor())
	h.registry.Replace(gate)
	h.save(t, &schema.GraphDefinition{
		ID: "slow",
		Nodes: []schema.NodeDefinition{
			entry(node("first", schema.NodeKindSetVariable, `{"key":"a","value":"1"}`)),
			node("second", schema.NodeKindSetVariable, `{"key":"b","value":"2"}`),
			node("done", schema.NodeKindTerminal, ""),
		},
		Edges: []schema.EdgeDefinition{
			edge("first", schema.HandleDone, "second"),
			edge("second", schema.HandleDone, "done"),
		},
	})
	inst := h.start(t, "slow", nil)

	type tickResult struct {
		inst *store.Instance
		err  error
	}
	done := make(chan tickResult, 1)
	go func() {
		final, err := h.engine.Tick(context.Background(), inst.ID)
		done <- tickResult{final, err}
	}()
	<-gate.arrived

	res, err := h.engine.Cancel(context.Background(), inst.ID, "stop now")
	require.NoError(t, err)
	assert.Equal(t, CancelRequested, res.Outcome)
	close(gate.release)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, schema.InstanceStatusFailed, out.inst.Status)
	assert.Equal(t, schema.ErrCodeCancelled, out.inst.Failure.Code)
	assert.Equal(t, "first", out.inst.Failure.NodeID)

	v := h.view(t, inst.ID)
	assert.Equal(t, []string{"first"}, historyNodes(v), "the in-flight node completes, no edge is followed")
	assert.Equal(t, "1", v.Variables["a"])
}

func TestEngine_CallerCancelAbortsWithoutCheckpoint(t *testing.T) {
	blocked := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(blocked) })
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	h.save(t, leadCheckGraph(srv.URL))
	inst := h.start(t, "lead-check", nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-blocked
		cancel()
	}()
	_, err := h.engine.Tick(ctx, inst.ID)
	assert.ErrorIs(t, err, context.Canceled)

	v := h.view(t, inst.ID)
	assert.Equal(t, schema.InstanceStatusRunning, v.Status)
	assert.Equal(t, "fetch", v.CurrentNodeID)
	assert.Equal(t, int64(1), v.Version)
	assert.Empty(t, v.History)
}

func TestEngine_InstancesPinGraphVersion(t *testing.T) {
	h := newHarness(t, Config{})
	v1 := h.save(t, replyGraph())
	inst := h.start(t, "reply", map[string]any{"conversation_id": "v"})
	_, err := h.engine.Tick(context.Background(), inst.ID)
	require.NoError(t, err)

	changed := replyGraph()
	changed.Nodes[3] = node("won", schema.NodeKindTerminal, `{"status":"failed","reason":"v2 behaviour"}`)
	v2 := h.save(t, changed)
	assert.Equal(t, v1.Version+1, v2.Version)

	_, err = h.engine.Resume(context.Background(), inst.ID, "e", map[string]any{"reply": "yes"})
	require.NoError(t, err)
	final, err := h.engine.Tick(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, final.Status)
	assert.Equal(t, v1.Version, final.GraphVersion)

	newer := h.start(t, "reply", nil)
	assert.Equal(t, v2.Version, newer.GraphVersion)
}

func TestEngine_SaveGraphRejectsInvalid(t *testing.T) {
	h := newHarness(t, Config{})
	def := replyGraph()
	def.Edges = append(def.Edges, edge("check", schema.HandleTrue, "lost"))

	rec, res, err := h.engine.SaveGraph(context.Background(), def)
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStructural))
	assert.False(t, res.Valid())

	_, err = h.engine.GetGraph(context.Background(), "reply", 0)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestEngine_CreateRejectsReservedSeedKeys(t *testing.T) {
	h := newHarness(t, Config{})
	h.save(t, replyGraph())
	_, err := h.engine.Create(context.Background(), "reply", map[string]any{"_event_id": "x"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = h.engine.Create(context.Background(), "nope", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestEngine_AuditLog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	h := newHarness(t, Config{})
	h.save(t, leadCheckGraph(srv.URL))
	inst := h.start(t, "lead-check", map[string]any{"lead_id": "x"})
	_, err := h.engine.Tick(context.Background(), inst.ID)
	require.NoError(t, err)

	events, err := h.engine.Events(context.Background(), inst.ID, 0)
	require.NoError(t, err)
	require.NoError(t, store.VerifySequence(inst.ID, events))

	var types []string
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{
		schema.EventInstanceStarted,
		schema.EventStepCompleted,
		schema.EventStepCompleted,
		schema.EventStepCompleted,
		schema.EventInstanceCompleted,
	}, types)
}
