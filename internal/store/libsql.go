package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowpilot/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies the embedded migrations that this database has not seen.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	ms, err := loadMigrations(migrationFS)
	if err != nil {
		return migrateError("load", err)
	}
	return s.migrate(ctx, ms)
}

// --- Graphs ---

func (s *LibSQLStore) SaveGraph(ctx context.Context, def *schema.GraphDefinition) (*GraphRecord, error) {
	if def == nil || def.ID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin save graph: %w", err)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM graphs WHERE id = ?`, def.ID,
	).Scan(&version); err != nil {
		return nil, fmt.Errorf("next graph version: %w", err)
	}

	rec := &GraphRecord{ID: def.ID, Version: version, Name: def.Name, Definition: *def, CreatedAt: time.Now().UTC()}
	rec.Definition.Version = version
	body, err := json.Marshal(rec.Definition)
	if err != nil {
		return nil, fmt.Errorf("marshal graph definition: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO graphs (id, version, name, definition, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Version, nullStr(rec.Name), string(body), rec.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert graph: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit graph: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) GetGraph(ctx context.Context, id string, version int) (*GraphRecord, error) {
	query := `SELECT id, version, name, definition, created_at FROM graphs WHERE id = ? AND version = ?`
	args := []any{id, version}
	if version <= 0 {
		query = `SELECT id, version, name, definition, created_at FROM graphs WHERE id = ? ORDER BY version DESC LIMIT 1`
		args = []any{id}
	}
	rec, err := scanGraph(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		if version > 0 {
			return nil, storeNotFound("graph", fmt.Sprintf("%s@v%d", id, version))
		}
		return nil, storeNotFound("graph", id)
	}
	return rec, err
}

func (s *LibSQLStore) ListGraphs(ctx context.Context) ([]*GraphRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id, g.version, g.name, g.definition, g.created_at FROM graphs g
		 JOIN (SELECT id, MAX(version) AS version FROM graphs GROUP BY id) latest
		   ON latest.id = g.id AND latest.version = g.version
		 ORDER BY g.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*GraphRecord
	for rows.Next() {
		rec, err := scanGraph(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGraph(row rowScanner) (*GraphRecord, error) {
	rec := &GraphRecord{}
	var name sql.NullString
	var body string
	if err := row.Scan(&rec.ID, &rec.Version, &name, &body, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Name = name.String
	if err := json.Unmarshal([]byte(body), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal graph %s: %w", rec.ID, err)
	}
	return rec, nil
}

// --- Instances ---

const instanceColumns = `id, graph_id, graph_version, status, current_node_id, variables, step_count,
	wait_token, version, failure, cancel_requested, cancel_reason, created_at, updated_at, completed_at`

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	if inst.Version == 0 {
		inst.Version = 1
	}
	inst.CreatedAt = timeOrNow(inst.CreatedAt)
	inst.UpdatedAt = inst.CreatedAt
	vars, err := marshalMapOrDefault(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	failure, err := marshalOrNil(inst.Failure)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.GraphID, inst.GraphVersion, string(inst.Status), nullStr(inst.CurrentNodeID),
		string(vars), inst.StepCount, nullStr(inst.WaitToken), inst.Version, failure,
		boolInt(inst.CancelRequested), nullStr(inst.CancelReason), inst.CreatedAt, inst.UpdatedAt, nullTime(inst.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("instance", id)
	}
	return inst, err
}

func (s *LibSQLStore) FindWaiting(ctx context.Context, waitToken string) (*Instance, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE wait_token = ? AND status = ?`,
		waitToken, string(schema.InstanceStatusWaitingForEvent)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("waiting instance", waitToken)
	}
	return inst, err
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var (
		where []string
		args  []any
	)
	if filter.GraphID != "" {
		where = append(where, "graph_id = ?")
		args = append(args, filter.GraphID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.UpdatedBefore != nil {
		where = append(where, "updated_at < ?")
		args = append(args, *filter.UpdatedBefore)
	}

	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var (
		status                         string
		currentNode, waitToken, reason sql.NullString
		failure                        sql.NullString
		vars                           string
		completedAt                    sql.NullTime
	)
	if err := row.Scan(&inst.ID, &inst.GraphID, &inst.GraphVersion, &status, &currentNode, &vars,
		&inst.StepCount, &waitToken, &inst.Version, &failure, &inst.CancelRequested, &reason,
		&inst.CreatedAt, &inst.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	inst.CurrentNodeID = currentNode.String
	inst.WaitToken = waitToken.String
	inst.CancelReason = reason.String
	if completedAt.Valid {
		t := completedAt.Time
		inst.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(vars), &inst.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables of %s: %w", inst.ID, err)
	}
	if inst.Variables == nil {
		inst.Variables = map[string]any{}
	}
	if failure.Valid && failure.String != "" {
		inst.Failure = &schema.FailureReason{}
		if err := json.Unmarshal([]byte(failure.String), inst.Failure); err != nil {
			return nil, fmt.Errorf("unmarshal failure of %s: %w", inst.ID, err)
		}
	}
	return inst, nil
}

// --- Checkpoints ---

// SaveCheckpoint claims the row with a compare-and-set on version, then writes
// the step records, the delivery and the new instance state in one transaction.
func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	inst := cp.Instance
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE instances SET version = version + 1 WHERE id = ? AND version = ?`,
		inst.ID, cp.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("claim instance: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM instances WHERE id = ?`, inst.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return storeNotFound("instance", inst.ID)
		}
		if err != nil {
			return err
		}
		return ErrVersionConflict
	}

	if inst.WaitToken != "" {
		var holder string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM instances WHERE wait_token = ? AND id <> ?`, inst.WaitToken, inst.ID,
		).Scan(&holder)
		if err == nil {
			return ErrWaitTokenInUse
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check wait token: %w", err)
		}
	}

	for _, step := range cp.Steps {
		if err := insertStep(ctx, tx, step); err != nil {
			return err
		}
	}

	if d := cp.Delivery; d != nil {
		var seen int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM deliveries WHERE instance_id = ? AND event_id = ?`, d.InstanceID, d.EventID,
		).Scan(&seen)
		if err == nil {
			return schema.NewErrorf(schema.ErrCodeConflict, "event %q already delivered to %s", d.EventID, d.InstanceID)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check delivery: %w", err)
		}
		payload, err := marshalOrNil(d.Payload)
		if err != nil {
			return fmt.Errorf("marshal delivery payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO deliveries (instance_id, event_id, wait_token, payload, delivered_at) VALUES (?, ?, ?, ?, ?)`,
			d.InstanceID, d.EventID, d.WaitToken, payload, timeOrNow(d.DeliveredAt),
		); err != nil {
			return fmt.Errorf("insert delivery: %w", err)
		}
	}

	vars, err := marshalMapOrDefault(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	failure, err := marshalOrNil(inst.Failure)
	if err != nil {
		return fmt.Errorf("marshal failure: %w", err)
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE instances SET status = ?, current_node_id = ?, variables = ?, step_count = ?,
		   wait_token = ?, failure = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		string(inst.Status), nullStr(inst.CurrentNodeID), string(vars), inst.StepCount,
		nullStr(inst.WaitToken), failure, now, nullTime(inst.CompletedAt), inst.ID,
	); err != nil {
		return fmt.Errorf("update instance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	inst.Version = cp.ExpectedVersion + 1
	inst.UpdatedAt = now
	return nil
}

func insertStep(ctx context.Context, tx *sql.Tx, step *StepRecord) error {
	warnings, err := marshalOrNil(step.Warnings)
	if err != nil {
		return fmt.Errorf("marshal warnings: %w", err)
	}
	diag, err := marshalOrNil(step.Diagnostics)
	if err != nil {
		return fmt.Errorf("marshal diagnostics: %w", err)
	}
	stepErr, err := marshalOrNil(step.Error)
	if err != nil {
		return fmt.Errorf("marshal step error: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_records (instance_id, sequence, node_id, node_kind, handle, outcome, warnings, diagnostics, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.InstanceID, step.Sequence, step.NodeID, string(step.NodeKind), nullStr(step.Handle),
		string(step.Outcome), warnings, diag, stepErr, timeOrNow(step.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert step %d: %w", step.Sequence, err)
	}
	return nil
}

func (s *LibSQLStore) RequestCancel(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET cancel_requested = 1, cancel_reason = ? WHERE id = ?`, nullStr(reason), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

// --- Steps & deliveries ---

func (s *LibSQLStore) ListSteps(ctx context.Context, instanceID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, sequence, node_id, node_kind, handle, outcome, warnings, diagnostics, error, created_at
		 FROM step_records WHERE instance_id = ? ORDER BY sequence ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StepRecord
	for rows.Next() {
		st := &StepRecord{}
		var (
			kind, outcome                string
			handle, warnings, diag, serr sql.NullString
		)
		if err := rows.Scan(&st.InstanceID, &st.Sequence, &st.NodeID, &kind, &handle, &outcome,
			&warnings, &diag, &serr, &st.Timestamp); err != nil {
			return nil, err
		}
		st.NodeKind = schema.NodeKind(kind)
		st.Outcome = schema.StepOutcome(outcome)
		st.Handle = handle.String
		if err := unmarshalNullable(warnings, &st.Warnings); err != nil {
			return nil, err
		}
		if err := unmarshalNullable(diag, &st.Diagnostics); err != nil {
			return nil, err
		}
		if serr.Valid && serr.String != "" {
			st.Error = &schema.FailureReason{}
			if err := json.Unmarshal([]byte(serr.String), st.Error); err != nil {
				return nil, err
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

const deliveryColumns = `instance_id, event_id, wait_token, payload, delivered_at`

func (s *LibSQLStore) GetDelivery(ctx context.Context, instanceID, eventID string) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE instance_id = ? AND event_id = ?`,
		instanceID, eventID)
	return scanDelivery(row, instanceID+"/"+eventID)
}

func (s *LibSQLStore) FindDelivery(ctx context.Context, waitToken, eventID string) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE wait_token = ? AND event_id = ? ORDER BY delivered_at DESC LIMIT 1`,
		waitToken, eventID)
	return scanDelivery(row, waitToken+"/"+eventID)
}

func scanDelivery(row rowScanner, key string) (*Delivery, error) {
	d := &Delivery{}
	var payload sql.NullString
	err := row.Scan(&d.InstanceID, &d.EventID, &d.WaitToken, &payload, &d.DeliveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("delivery", key)
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalNullable(payload, &d.Payload); err != nil {
		return nil, err
	}
	return d, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func marshalOrNil(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case *schema.FailureReason:
		if val == nil {
			return nil, nil
		}
	case []schema.Warning:
		if len(val) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(val) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalNullable(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
