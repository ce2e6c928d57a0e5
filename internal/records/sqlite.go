package records

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/gbp/internal/settings"
	"git.home.luguber.info/inful/gbp/internal/types"
)

func init() {
	open := func(s *settings.Settings) (RecordDB, error) {
		return NewSQLite(filepath.Join(s.StoragePath, "gbp.sqlite3"))
	}
	Register("sqlite", open)
	// "sql" is the documented name for the persistent backend.
	Register("sql", open)
}

// SQLite is the sqlite-backed RecordDB. Timestamps are stored as unix
// microseconds; NULL means unset.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the record database. Use ":memory:" for an
// ephemeral database in tests.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open record database: %w", err)
	}
	store := &SQLite{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize record schema: %w", err)
	}
	return store, nil
}

func (s *SQLite) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS builds (
		machine TEXT NOT NULL,
		build_id TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		logs TEXT NOT NULL DEFAULT '',
		keep INTEGER NOT NULL DEFAULT 0,
		submitted INTEGER,
		completed INTEGER,
		built INTEGER,
		PRIMARY KEY (machine, build_id)
	);
	CREATE INDEX IF NOT EXISTS idx_builds_machine ON builds(machine);
	CREATE INDEX IF NOT EXISTS idx_builds_built ON builds(machine, built);
	`
	_, err := s.db.Exec(schema)
	return err
}

func toMicros(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMicro()
}

func fromMicros(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMicro(v.Int64).UTC()
	return &t
}

func (s *SQLite) Save(ctx context.Context, r types.BuildRecord) (types.BuildRecord, error) {
	if r.Submitted == nil {
		now := time.Now().UTC()
		r.Submitted = &now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO builds (machine, build_id, note, logs, keep, submitted, completed, built)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(machine, build_id) DO UPDATE SET
			note = excluded.note,
			logs = excluded.logs,
			keep = excluded.keep,
			submitted = excluded.submitted,
			completed = excluded.completed,
			built = excluded.built`,
		r.Machine, r.BuildID, r.Note, r.Logs, r.Keep,
		toMicros(r.Submitted), toMicros(r.Completed), toMicros(r.Built),
	)
	if err != nil {
		return types.BuildRecord{}, fmt.Errorf("save record %s: %w", r.Build, err)
	}
	return r, nil
}

const recordColumns = "machine, build_id, note, logs, keep, submitted, completed, built"

func scanRecord(row interface{ Scan(...any) error }) (types.BuildRecord, error) {
	var r types.BuildRecord
	var submitted, completed, built sql.NullInt64
	err := row.Scan(&r.Machine, &r.BuildID, &r.Note, &r.Logs, &r.Keep, &submitted, &completed, &built)
	if err != nil {
		return types.BuildRecord{}, err
	}
	r.Submitted = fromMicros(submitted)
	r.Completed = fromMicros(completed)
	r.Built = fromMicros(built)
	return r, nil
}

func (s *SQLite) Get(ctx context.Context, b types.Build) (types.BuildRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM builds WHERE machine = ? AND build_id = ?",
		b.Machine, b.BuildID,
	)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return types.BuildRecord{}, ErrNotFound
	}
	if err != nil {
		return types.BuildRecord{}, fmt.Errorf("get record %s: %w", b, err)
	}
	return r, nil
}

func (s *SQLite) Exists(ctx context.Context, b types.Build) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM builds WHERE machine = ? AND build_id = ?",
		b.Machine, b.BuildID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check record %s: %w", b, err)
	}
	return true, nil
}

func (s *SQLite) Delete(ctx context.Context, b types.Build) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM builds WHERE machine = ? AND build_id = ?",
		b.Machine, b.BuildID,
	); err != nil {
		return fmt.Errorf("delete record %s: %w", b, err)
	}
	return nil
}

func (s *SQLite) queryRecords(ctx context.Context, query string, args ...any) ([]types.BuildRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []types.BuildRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (s *SQLite) ForMachine(ctx context.Context, machine string) ([]types.BuildRecord, error) {
	return s.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM builds WHERE machine = ? ORDER BY built DESC NULLS LAST, submitted DESC",
		machine,
	)
}

func (s *SQLite) Previous(ctx context.Context, r types.BuildRecord, completedOnly bool) (types.BuildRecord, error) {
	all, err := s.queryRecords(ctx, "SELECT "+recordColumns+" FROM builds WHERE machine = ?", r.Machine)
	if err != nil {
		return types.BuildRecord{}, err
	}
	return previousOf(all, r, completedOnly)
}

func (s *SQLite) Next(ctx context.Context, r types.BuildRecord, completedOnly bool) (types.BuildRecord, error) {
	all, err := s.queryRecords(ctx, "SELECT "+recordColumns+" FROM builds WHERE machine = ?", r.Machine)
	if err != nil {
		return types.BuildRecord{}, err
	}
	return nextOf(all, r, completedOnly)
}

func (s *SQLite) Latest(ctx context.Context, machine string, completedOnly bool) (types.BuildRecord, error) {
	all, err := s.queryRecords(ctx, "SELECT "+recordColumns+" FROM builds WHERE machine = ?", machine)
	if err != nil {
		return types.BuildRecord{}, err
	}
	return latestOf(all, completedOnly)
}

func (s *SQLite) ListMachines(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT machine FROM builds ORDER BY machine")
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	var machines []string
	for rows.Next() {
		var machine string
		if err := rows.Scan(&machine); err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		machines = append(machines, machine)
	}
	return machines, rows.Err()
}

func (s *SQLite) Search(ctx context.Context, machine string, field SearchField, key string) ([]types.BuildRecord, error) {
	var column string
	switch field {
	case SearchLogs:
		column = "logs"
	case SearchNote:
		column = "note"
	default:
		return nil, &NotSearchableError{Field: field}
	}

	// Escape LIKE wildcards in the user's key; the match is a plain
	// case-insensitive substring.
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.ToLower(key))
	out, err := s.queryRecords(ctx,
		"SELECT "+recordColumns+" FROM builds WHERE machine = ? AND lower("+column+`) LIKE ? ESCAPE '\'`+
			" ORDER BY built DESC NULLS LAST, submitted DESC",
		machine, "%"+escaped+"%",
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) Count(ctx context.Context, machine string) (int, error) {
	var (
		count int
		err   error
	)
	if machine == "" {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM builds").Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM builds WHERE machine = ?", machine).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return count, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
