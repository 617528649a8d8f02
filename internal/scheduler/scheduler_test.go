package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/pkg/schema"
)

// mockDispatcher tracks StartInstance and Redispatch calls.
type mockDispatcher struct {
	mu           sync.Mutex
	started      []startCall
	redispatches []string
	inFlight     map[string]bool
	startErr     error
	block        chan struct{}
}

type startCall struct {
	GraphID string
	Seed    map[string]any
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{inFlight: make(map[string]bool)}
}

func (d *mockDispatcher) StartInstance(_ context.Context, graphID string, seed map[string]any) (string, error) {
	if d.block != nil {
		<-d.block
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return "", d.startErr
	}
	d.started = append(d.started, startCall{GraphID: graphID, Seed: seed})
	return "inst-" + graphID, nil
}

func (d *mockDispatcher) Redispatch(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.redispatches = append(d.redispatches, id)
	return true, nil
}

func (d *mockDispatcher) InFlight(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight[id]
}

func (d *mockDispatcher) startCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.started)
}

func (d *mockDispatcher) redispatched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.redispatches...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seed(t *testing.T, s *store.MemoryStore, id string, status schema.InstanceStatus) {
	t.Helper()
	require.NoError(t, s.CreateInstance(context.Background(), &store.Instance{
		ID:        id,
		GraphID:   "g",
		Status:    status,
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}))
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := NewScheduler(store.NewMemoryStore(), newMockDispatcher(), Config{}, quietLogger())
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Descriptor.
	next, err = sched.CalculateNextRun("@every 1m", from)
	require.NoError(t, err)
	assert.Equal(t, from.Add(time.Minute), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestSweepRedispatchesStaleRunning(t *testing.T) {
	ms := store.NewMemoryStore()
	d := newMockDispatcher()
	sched := NewScheduler(ms, d, Config{StaleAfter: time.Minute}, quietLogger())

	seed(t, ms, "stale", schema.InstanceStatusRunning)
	seed(t, ms, "busy", schema.InstanceStatusRunning)
	seed(t, ms, "parked", schema.InstanceStatusWaitingForEvent)
	seed(t, ms, "done", schema.InstanceStatusCompleted)
	d.inFlight["busy"] = true

	// Nothing is stale yet.
	n, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	sched.now = func() time.Time { return time.Now().UTC().Add(5 * time.Minute) }
	n, err = sched.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"stale"}, d.redispatched())
}

type failingLister struct{}

func (failingLister) ListInstances(context.Context, store.InstanceFilter) ([]*store.Instance, error) {
	return nil, errors.New("db down")
}

func TestSweepListError(t *testing.T) {
	sched := NewScheduler(failingLister{}, newMockDispatcher(), Config{}, quietLogger())
	_, err := sched.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestFireStartsInstanceWithSeedCopy(t *testing.T) {
	d := newMockDispatcher()
	trigger := Trigger{Name: "nightly", Cron: "0 3 * * *", GraphID: "follow-up", Variables: map[string]any{"segment": "cold"}}
	sched := NewScheduler(store.NewMemoryStore(), d, Config{Triggers: []Trigger{trigger}}, quietLogger())

	sched.fire(context.Background(), trigger)
	sched.fire(context.Background(), trigger)

	require.Equal(t, 2, d.startCount())
	assert.Equal(t, "follow-up", d.started[0].GraphID)
	assert.Equal(t, "cold", d.started[0].Seed["segment"])

	d.started[0].Seed["segment"] = "mutated"
	assert.Equal(t, "cold", trigger.Variables["segment"])
}

func TestFireSkipsWhileStillFiring(t *testing.T) {
	d := newMockDispatcher()
	d.block = make(chan struct{})
	trigger := Trigger{Name: "t", Cron: "* * * * *", GraphID: "g"}
	sched := NewScheduler(store.NewMemoryStore(), d, Config{}, quietLogger())

	done := make(chan struct{})
	go func() {
		sched.fire(context.Background(), trigger)
		close(done)
	}()
	require.Eventually(t, func() bool {
		sched.inflightMu.Lock()
		defer sched.inflightMu.Unlock()
		_, ok := sched.inflight["t"]
		return ok
	}, time.Second, 5*time.Millisecond)

	sched.fire(context.Background(), trigger) // skipped, does not block
	close(d.block)
	<-done

	assert.Equal(t, 1, d.startCount())
}

func TestFireLogsStartError(t *testing.T) {
	d := newMockDispatcher()
	d.startErr = schema.NewError(schema.ErrCodeNotFound, "graph not found")
	sched := NewScheduler(store.NewMemoryStore(), d, Config{}, quietLogger())

	sched.fire(context.Background(), Trigger{Name: "t", Cron: "* * * * *", GraphID: "missing"})
	assert.Equal(t, 0, d.startCount())

	// The trigger is released after a failure.
	d.startErr = nil
	sched.fire(context.Background(), Trigger{Name: "t", Cron: "* * * * *", GraphID: "g"})
	assert.Equal(t, 1, d.startCount())
}

func TestValidateTriggers(t *testing.T) {
	tests := []struct {
		name     string
		triggers []Trigger
		wantErr  string
	}{
		{"valid", []Trigger{{Name: "a", Cron: "*/5 * * * *", GraphID: "g"}, {Name: "b", Cron: "@hourly", GraphID: "g"}}, ""},
		{"missing name", []Trigger{{Cron: "* * * * *", GraphID: "g"}}, "name is required"},
		{"duplicate", []Trigger{{Name: "a", Cron: "* * * * *", GraphID: "g"}, {Name: "a", Cron: "* * * * *", GraphID: "g"}}, "duplicate name"},
		{"missing graph", []Trigger{{Name: "a", Cron: "* * * * *"}}, "graph_id is required"},
		{"bad cron", []Trigger{{Name: "a", Cron: "every day", GraphID: "g"}}, "parse cron expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTriggers(tt.triggers)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStartStop(t *testing.T) {
	ms := store.NewMemoryStore()
	d := newMockDispatcher()
	sched := NewScheduler(ms, d, Config{StaleAfter: time.Minute}, quietLogger())
	sched.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	seed(t, ms, "orphan", schema.InstanceStatusRunning)

	require.NoError(t, sched.Start(context.Background()))
	// Startup sweep runs before Start returns.
	assert.Equal(t, []string{"orphan"}, d.redispatched())

	err := sched.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop())
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	sched := NewScheduler(store.NewMemoryStore(), newMockDispatcher(), Config{RecoverySchedule: "soon"}, quietLogger())
	require.Error(t, sched.Start(context.Background()))

	sched = NewScheduler(store.NewMemoryStore(), newMockDispatcher(),
		Config{Triggers: []Trigger{{Name: "x", Cron: "bad", GraphID: "g"}}}, quietLogger())
	require.Error(t, sched.Start(context.Background()))
	require.NoError(t, sched.Stop())
}
