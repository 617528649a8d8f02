package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/flowpilot/pkg/schema"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// coreTables must exist once every migration has applied.
var coreTables = []string{"graphs", "instances", "step_records", "deliveries", "events"}

// schemaMigration is one NNN_name.sql script.
type schemaMigration struct {
	version int
	name    string
	script  string
}

func (m schemaMigration) String() string { return fmt.Sprintf("%03d_%s", m.version, m.name) }

// loadMigrations reads migrations/NNN_name.sql from fsys in version order.
func loadMigrations(fsys fs.FS) ([]schemaMigration, error) {
	paths, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]schemaMigration, 0, len(paths))
	seen := make(map[int]string, len(paths))
	for _, p := range paths {
		base := strings.TrimSuffix(path.Base(p), ".sql")
		num, name, ok := strings.Cut(base, "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil || version <= 0 || name == "" {
			return nil, fmt.Errorf("migration %s: file name must be NNN_name.sql", p)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", p, version, prev)
		}
		seen[version] = p
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", p, err)
		}
		out = append(out, schemaMigration{version: version, name: name, script: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// migrate applies every pending migration, each in its own transaction
// together with its flowpilot_schema row, then checks the core tables.
func (s *LibSQLStore) migrate(ctx context.Context, ms []schemaMigration) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS flowpilot_schema (
		version    INTEGER PRIMARY KEY,
		name       TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return migrateError("create flowpilot_schema", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range ms {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return s.checkCoreTables(ctx)
}

func (s *LibSQLStore) applyMigration(ctx context.Context, m schemaMigration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return migrateError("begin "+m.String(), err)
	}
	defer tx.Rollback()

	for i, stmt := range splitStatements(m.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return migrateError(fmt.Sprintf("%s statement %d", m, i+1), err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO flowpilot_schema (version, name) VALUES (?, ?)`, m.version, m.name,
	); err != nil {
		return migrateError("record "+m.String(), err)
	}
	if err := tx.Commit(); err != nil {
		return migrateError("commit "+m.String(), err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration, 0 on a fresh database.
func (s *LibSQLStore) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM flowpilot_schema`,
	).Scan(&v); err != nil {
		return 0, migrateError("read flowpilot_schema", err)
	}
	return v, nil
}

func (s *LibSQLStore) checkCoreTables(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return migrateError("list tables", err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return migrateError("list tables", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return migrateError("list tables", err)
	}

	var missing []string
	for _, t := range coreTables {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeStore, "migrate: schema is missing tables %s", strings.Join(missing, ", "))
	}
	return nil
}

func migrateError(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "migrate: %s: %v", op, err).WithCause(err)
}

// splitStatements drops "--" comment lines and splits the rest on semicolons.
func splitStatements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var stmts []string
	for _, raw := range strings.Split(b.String(), ";") {
		if s := strings.TrimSpace(raw); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
