package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowpilot/pkg/schema"
)

// MemoryStore is an in-process Store. Values are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	graphs     map[string][]*GraphRecord
	instances  map[string]*Instance
	steps      map[string][]*StepRecord
	deliveries map[string]*Delivery
	events     map[string][]*Event
	nextEvent  int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		graphs:     make(map[string][]*GraphRecord),
		instances:  make(map[string]*Instance),
		steps:      make(map[string][]*StepRecord),
		deliveries: make(map[string]*Delivery),
		events:     make(map[string][]*Event),
	}
}

func deliveryKey(instanceID, eventID string) string { return instanceID + "\x00" + eventID }

func (m *MemoryStore) SaveGraph(_ context.Context, def *schema.GraphDefinition) (*GraphRecord, error) {
	if def == nil || def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	version := len(m.graphs[def.ID]) + 1
	rec := &GraphRecord{ID: def.ID, Version: version, Name: def.Name, CreatedAt: time.Now().UTC()}
	if err := roundTrip(def, &rec.Definition); err != nil {
		return nil, err
	}
	rec.Definition.Version = version
	m.graphs[def.ID] = append(m.graphs[def.ID], rec)
	return copyGraph(rec), nil
}

func (m *MemoryStore) GetGraph(_ context.Context, id string, version int) (*GraphRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.graphs[id]
	if len(versions) == 0 {
		return nil, storeNotFound("graph", id)
	}
	if version <= 0 {
		return copyGraph(versions[len(versions)-1]), nil
	}
	if version > len(versions) {
		return nil, storeNotFound("graph", fmt.Sprintf("%s@v%d", id, version))
	}
	return copyGraph(versions[version-1]), nil
}

func (m *MemoryStore) ListGraphs(_ context.Context) ([]*GraphRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*GraphRecord, 0, len(m.graphs))
	for _, versions := range m.graphs {
		out = append(out, copyGraph(versions[len(versions)-1]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateInstance(_ context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[inst.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q already exists", inst.ID)
	}
	if inst.Version == 0 {
		inst.Version = 1
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = inst.CreatedAt
	m.instances[inst.ID] = inst.Clone()
	return nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, storeNotFound("instance", id)
	}
	return inst.Clone(), nil
}

func (m *MemoryStore) FindWaiting(_ context.Context, waitToken string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, inst := range m.instances {
		if inst.WaitToken == waitToken && inst.Status == schema.InstanceStatusWaitingForEvent {
			return inst.Clone(), nil
		}
	}
	return nil, storeNotFound("waiting instance", waitToken)
}

func (m *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Instance
	for _, inst := range m.instances {
		if filter.GraphID != "" && inst.GraphID != filter.GraphID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.UpdatedBefore != nil && !inst.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst := cp.Instance
	cur, ok := m.instances[inst.ID]
	if !ok {
		return storeNotFound("instance", inst.ID)
	}
	if cur.Version != cp.ExpectedVersion {
		return ErrVersionConflict
	}
	if inst.WaitToken != "" {
		for id, other := range m.instances {
			if id != inst.ID && other.WaitToken == inst.WaitToken {
				return ErrWaitTokenInUse
			}
		}
	}
	if d := cp.Delivery; d != nil {
		if _, dup := m.deliveries[deliveryKey(d.InstanceID, d.EventID)]; dup {
			return schema.NewErrorf(schema.ErrCodeConflict, "event %q already delivered to %s", d.EventID, d.InstanceID)
		}
	}

	for _, st := range cp.Steps {
		cpy := *st
		cpy.Timestamp = timeOrNow(st.Timestamp)
		cpy.Diagnostics = cloneMap(st.Diagnostics)
		m.steps[inst.ID] = append(m.steps[inst.ID], &cpy)
	}
	if d := cp.Delivery; d != nil {
		cpy := *d
		cpy.DeliveredAt = timeOrNow(d.DeliveredAt)
		cpy.Payload = cloneMap(d.Payload)
		m.deliveries[deliveryKey(d.InstanceID, d.EventID)] = &cpy
	}

	next := inst.Clone()
	next.Version = cp.ExpectedVersion + 1
	next.UpdatedAt = time.Now().UTC()
	next.CreatedAt = cur.CreatedAt
	// Cancellation flags are owned by RequestCancel.
	next.CancelRequested = cur.CancelRequested
	next.CancelReason = cur.CancelReason
	m.instances[inst.ID] = next

	inst.Version = next.Version
	inst.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *MemoryStore) RequestCancel(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return storeNotFound("instance", id)
	}
	inst.CancelRequested = true
	inst.CancelReason = reason
	return nil
}

func (m *MemoryStore) ListSteps(_ context.Context, instanceID string) ([]*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	steps := m.steps[instanceID]
	out := make([]*StepRecord, len(steps))
	for i, st := range steps {
		cpy := *st
		out[i] = &cpy
	}
	return out, nil
}

func (m *MemoryStore) GetDelivery(_ context.Context, instanceID, eventID string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[deliveryKey(instanceID, eventID)]
	if !ok {
		return nil, storeNotFound("delivery", instanceID+"/"+eventID)
	}
	cpy := *d
	return &cpy, nil
}

func (m *MemoryStore) FindDelivery(_ context.Context, waitToken, eventID string) (*Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.deliveries {
		if d.WaitToken == waitToken && d.EventID == eventID {
			cpy := *d
			return &cpy, nil
		}
	}
	return nil, storeNotFound("delivery", waitToken+"/"+eventID)
}

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextEvent++
	event.ID = m.nextEvent
	event.Sequence = int64(len(m.events[event.InstanceID]) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cpy := *event
	m.events[event.InstanceID] = append(m.events[event.InstanceID], &cpy)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, instanceID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for _, e := range m.events[instanceID] {
		if e.Sequence > since {
			cpy := *e
			out = append(out, &cpy)
		}
	}
	return out, nil
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func copyGraph(rec *GraphRecord) *GraphRecord {
	cpy := *rec
	_ = roundTrip(rec.Definition, &cpy.Definition)
	return &cpy
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var _ Store = (*MemoryStore)(nil)
