package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/flowpilot/pkg/schema"
)

// RedisStore implements Store on Redis. Instances are JSON documents guarded
// by WATCH/MULTI; cancellation flags live in a separate hash so that a cancel
// request never invalidates an in-flight checkpoint.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL (redis://host:port/db) and pings it.
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if prefix == "" {
		prefix = "flowpilot:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) key(parts ...string) string {
	k := r.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func (r *RedisStore) Close() error { return r.client.Close() }

// Migrate is a no-op: Redis has no schema.
func (r *RedisStore) Migrate(context.Context) error { return nil }

// --- Graphs ---

func (r *RedisStore) SaveGraph(ctx context.Context, def *schema.GraphDefinition) (*GraphRecord, error) {
	if def == nil || def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph id is required")
	}
	version, err := r.client.Incr(ctx, r.key("graph", def.ID, "seq")).Result()
	if err != nil {
		return nil, fmt.Errorf("next graph version: %w", err)
	}
	rec := &GraphRecord{ID: def.ID, Version: int(version), Name: def.Name, Definition: *def, CreatedAt: time.Now().UTC()}
	rec.Definition.Version = rec.Version
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key("graph", def.ID, strconv.Itoa(rec.Version)), data, 0)
		pipe.SAdd(ctx, r.key("graphs"), def.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("save graph: %w", err)
	}
	return rec, nil
}

func (r *RedisStore) GetGraph(ctx context.Context, id string, version int) (*GraphRecord, error) {
	if version <= 0 {
		latest, err := r.client.Get(ctx, r.key("graph", id, "seq")).Int()
		if errors.Is(err, redis.Nil) {
			return nil, storeNotFound("graph", id)
		}
		if err != nil {
			return nil, err
		}
		version = latest
	}
	data, err := r.client.Get(ctx, r.key("graph", id, strconv.Itoa(version))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("graph", fmt.Sprintf("%s@v%d", id, version))
	}
	if err != nil {
		return nil, err
	}
	rec := &GraphRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("unmarshal graph %s: %w", id, err)
	}
	return rec, nil
}

func (r *RedisStore) ListGraphs(ctx context.Context) ([]*GraphRecord, error) {
	ids, err := r.client.SMembers(ctx, r.key("graphs")).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*GraphRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetGraph(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// --- Instances ---

func (r *RedisStore) instanceKey(id string) string { return r.key("instance", id) }

func (r *RedisStore) CreateInstance(ctx context.Context, inst *Instance) error {
	if inst.Version == 0 {
		inst.Version = 1
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = inst.CreatedAt
	data, err := encodeInstance(inst)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.instanceKey(inst.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q already exists", inst.ID)
	}
	return r.client.SAdd(ctx, r.key("instances"), inst.ID).Err()
}

func (r *RedisStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	data, err := r.client.Get(ctx, r.instanceKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	inst, err := decodeInstance(data)
	if err != nil {
		return nil, err
	}
	return inst, r.applyCancel(ctx, inst)
}

func (r *RedisStore) applyCancel(ctx context.Context, inst *Instance) error {
	flags, err := r.client.HGetAll(ctx, r.key("instance", inst.ID, "cancel")).Result()
	if err != nil {
		return err
	}
	if flags["requested"] == "1" {
		inst.CancelRequested = true
		inst.CancelReason = flags["reason"]
	}
	return nil
}

func (r *RedisStore) FindWaiting(ctx context.Context, waitToken string) (*Instance, error) {
	id, err := r.client.Get(ctx, r.key("waittoken", waitToken)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("waiting instance", waitToken)
	}
	if err != nil {
		return nil, err
	}
	inst, err := r.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.Status != schema.InstanceStatusWaitingForEvent || inst.WaitToken != waitToken {
		return nil, storeNotFound("waiting instance", waitToken)
	}
	return inst, nil
}

func (r *RedisStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	ids, err := r.client.SMembers(ctx, r.key("instances")).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.instanceKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var out []*Instance
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		inst, err := decodeInstance([]byte(s))
		if err != nil {
			return nil, err
		}
		if filter.GraphID != "" && inst.GraphID != filter.GraphID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.UpdatedBefore != nil && !inst.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	out = paginate(out, filter.Limit, filter.Offset)
	for _, inst := range out {
		if err := r.applyCancel(ctx, inst); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SaveCheckpoint watches the instance key: a concurrent writer makes the
// transaction fail, which is reported as ErrVersionConflict.
func (r *RedisStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	inst := cp.Instance
	key := r.instanceKey(inst.ID)
	now := time.Now().UTC()
	watched := []string{key}
	if inst.WaitToken != "" {
		watched = append(watched, r.key("waittoken", inst.WaitToken))
	}

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return storeNotFound("instance", inst.ID)
		}
		if err != nil {
			return err
		}
		cur, err := decodeInstance(data)
		if err != nil {
			return err
		}
		if cur.Version != cp.ExpectedVersion {
			return ErrVersionConflict
		}

		if inst.WaitToken != "" {
			holder, err := tx.Get(ctx, r.key("waittoken", inst.WaitToken)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if holder != "" && holder != inst.ID {
				return ErrWaitTokenInUse
			}
		}
		if d := cp.Delivery; d != nil {
			n, err := tx.Exists(ctx, r.key("delivery", d.InstanceID, d.EventID)).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return schema.NewErrorf(schema.ErrCodeConflict, "event %q already delivered to %s", d.EventID, d.InstanceID)
			}
		}

		next := inst.Clone()
		next.Version = cp.ExpectedVersion + 1
		next.CreatedAt = cur.CreatedAt
		next.UpdatedAt = now
		nextData, err := encodeInstance(next)
		if err != nil {
			return err
		}
		steps := make([]any, 0, len(cp.Steps))
		for _, st := range cp.Steps {
			cpy := *st
			cpy.Timestamp = timeOrNow(st.Timestamp)
			b, err := json.Marshal(&cpy)
			if err != nil {
				return fmt.Errorf("marshal step: %w", err)
			}
			steps = append(steps, b)
		}
		var delivery []byte
		if d := cp.Delivery; d != nil {
			cpy := *d
			cpy.DeliveredAt = timeOrNow(d.DeliveredAt)
			if delivery, err = json.Marshal(&cpy); err != nil {
				return fmt.Errorf("marshal delivery: %w", err)
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nextData, 0)
			if len(steps) > 0 {
				pipe.RPush(ctx, r.key("instance", inst.ID, "steps"), steps...)
			}
			if delivery != nil {
				pipe.Set(ctx, r.key("delivery", cp.Delivery.InstanceID, cp.Delivery.EventID), delivery, 0)
				pipe.Set(ctx, r.key("delivery-by-token", cp.Delivery.WaitToken, cp.Delivery.EventID), cp.Delivery.InstanceID, 0)
			}
			if cur.WaitToken != "" && cur.WaitToken != next.WaitToken {
				pipe.Del(ctx, r.key("waittoken", cur.WaitToken))
			}
			if next.WaitToken != "" {
				pipe.Set(ctx, r.key("waittoken", next.WaitToken), inst.ID, 0)
			}
			return nil
		})
		return err
	}, watched...)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	inst.Version = cp.ExpectedVersion + 1
	inst.UpdatedAt = now
	return nil
}

func (r *RedisStore) RequestCancel(ctx context.Context, id, reason string) error {
	n, err := r.client.Exists(ctx, r.instanceKey(id)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound("instance", id)
	}
	return r.client.HSet(ctx, r.key("instance", id, "cancel"), "requested", "1", "reason", reason).Err()
}

// --- Steps, deliveries, events ---

func (r *RedisStore) ListSteps(ctx context.Context, instanceID string) ([]*StepRecord, error) {
	vals, err := r.client.LRange(ctx, r.key("instance", instanceID, "steps"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*StepRecord, 0, len(vals))
	for _, v := range vals {
		st := &StepRecord{}
		if err := json.Unmarshal([]byte(v), st); err != nil {
			return nil, fmt.Errorf("unmarshal step: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}

func (r *RedisStore) GetDelivery(ctx context.Context, instanceID, eventID string) (*Delivery, error) {
	data, err := r.client.Get(ctx, r.key("delivery", instanceID, eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("delivery", instanceID+"/"+eventID)
	}
	if err != nil {
		return nil, err
	}
	d := &Delivery{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("unmarshal delivery: %w", err)
	}
	return d, nil
}

func (r *RedisStore) FindDelivery(ctx context.Context, waitToken, eventID string) (*Delivery, error) {
	id, err := r.client.Get(ctx, r.key("delivery-by-token", waitToken, eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storeNotFound("delivery", waitToken+"/"+eventID)
	}
	if err != nil {
		return nil, err
	}
	return r.GetDelivery(ctx, id, eventID)
}

func (r *RedisStore) AppendEvent(ctx context.Context, event *Event) error {
	seq, err := r.client.Incr(ctx, r.key("instance", event.InstanceID, "eventseq")).Result()
	if err != nil {
		return fmt.Errorf("next event sequence: %w", err)
	}
	id, err := r.client.Incr(ctx, r.key("events", "seq")).Result()
	if err != nil {
		return fmt.Errorf("next event id: %w", err)
	}
	event.Sequence = seq
	event.ID = id
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.RPush(ctx, r.key("instance", event.InstanceID, "events"), data).Err()
}

func (r *RedisStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	vals, err := r.client.LRange(ctx, r.key("instance", instanceID, "events"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, v := range vals {
		e := &Event{}
		if err := json.Unmarshal([]byte(v), e); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		if e.Sequence > since {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// encodeInstance serializes inst without its cancellation flags, which are
// stored separately.
func encodeInstance(inst *Instance) ([]byte, error) {
	cpy := *inst
	cpy.CancelRequested = false
	cpy.CancelReason = ""
	data, err := json.Marshal(&cpy)
	if err != nil {
		return nil, fmt.Errorf("marshal instance: %w", err)
	}
	return data, nil
}

func decodeInstance(data []byte) (*Instance, error) {
	inst := &Instance{}
	if err := json.Unmarshal(data, inst); err != nil {
		return nil, fmt.Errorf("unmarshal instance: %w", err)
	}
	if inst.Variables == nil {
		inst.Variables = map[string]any{}
	}
	return inst, nil
}

var _ Store = (*RedisStore)(nil)
