package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/natsbeat/internal/model"
	"github.com/t77yq/natsbeat/internal/schedule"
	"github.com/t77yq/natsbeat/internal/scheduler"
)

// SQLiteStore keeps dynamic periodic task definitions and dispatch history in
// a SQLite database. It is the scheduler's dynamic schedule source.
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time

	mu          sync.Mutex
	fingerprint string
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		logger: logger.Named("store"),
		db:     db,
		now:    time.Now,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS periodic_tasks (
			name TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			type TEXT NOT NULL,
			schedule TEXT NOT NULL,
			args TEXT,
			kwargs TEXT,
			priority INTEGER,
			expires INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			max_calls INTEGER NOT NULL DEFAULT 0,
			last_run_at DATETIME,
			total_run_count INTEGER NOT NULL DEFAULT 0,
			last_updated DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS dispatch_history (
			id TEXT PRIMARY KEY,
			entry TEXT NOT NULL,
			task TEXT NOT NULL,
			dispatched_at DATETIME NOT NULL,
			error TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_dispatch_history_entry ON dispatch_history(entry);
		CREATE INDEX IF NOT EXISTS idx_dispatch_history_dispatched_at ON dispatch_history(dispatched_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Hooks exposes the store as a scheduler schedule source.
func (s *SQLiteStore) Hooks() scheduler.SourceHooks {
	return scheduler.SourceHooks{
		Fetch:        s.Fetch,
		HasChanged:   s.HasChanged,
		SaveRunState: s.SaveRunState,
	}
}

// Upsert creates or replaces the definition of def.Name. Persisted run-state
// is kept.
func (s *SQLiteStore) Upsert(ctx context.Context, def model.PeriodicTask) error {
	if def.Name == "" || def.Task == "" {
		return fmt.Errorf("%w: name and task are required", ErrInvalidTask)
	}
	if def.Type == "" {
		def.Type = schedule.KindInterval
	}
	if _, err := schedule.Parse(def.Type, def.Schedule); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}

	args, err := encodeJSON(def.Args)
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}
	kwargs, err := encodeJSON(def.Kwargs)
	if err != nil {
		return fmt.Errorf("failed to encode kwargs: %w", err)
	}

	var priority sql.NullInt64
	if def.Priority != nil {
		priority = sql.NullInt64{Int64: int64(*def.Priority), Valid: true}
	}
	enabled := def.Enabled == nil || *def.Enabled

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO periodic_tasks (
			name, task, type, schedule, args, kwargs, priority, expires, enabled, max_calls, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			task = excluded.task,
			type = excluded.type,
			schedule = excluded.schedule,
			args = excluded.args,
			kwargs = excluded.kwargs,
			priority = excluded.priority,
			expires = excluded.expires,
			enabled = excluded.enabled,
			max_calls = excluded.max_calls,
			last_updated = excluded.last_updated`,
		def.Name,
		def.Task,
		def.Type,
		def.Schedule,
		args,
		kwargs,
		priority,
		int64(def.Expires),
		enabled,
		def.MaxCalls,
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert periodic task: %w", err)
	}

	s.logger.Info("Stored periodic task",
		zap.String("name", def.Name),
		zap.String("task", def.Task),
		zap.String("schedule", def.Schedule))
	return nil
}

// Delete removes the named definition.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM periodic_tasks WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("failed to delete periodic task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	s.logger.Info("Deleted periodic task", zap.String("name", name))
	return nil
}

// Get returns the named definition.
func (s *SQLiteStore) Get(ctx context.Context, name string) (model.PeriodicTask, error) {
	row := s.db.QueryRowContext(ctx, selectPeriodicTasks+" WHERE name = ?", name)
	def, err := scanPeriodicTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PeriodicTask{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return def, err
}

// List returns all definitions ordered by name.
func (s *SQLiteStore) List(ctx context.Context) ([]model.PeriodicTask, error) {
	rows, err := s.db.QueryContext(ctx, selectPeriodicTasks+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list periodic tasks: %w", err)
	}
	defer rows.Close()

	var defs []model.PeriodicTask
	for rows.Next() {
		def, err := scanPeriodicTask(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return defs, nil
}

// Fetch returns every definition keyed by name, including persisted run-state.
func (s *SQLiteStore) Fetch(ctx context.Context) (map[string]model.PeriodicTask, error) {
	fp, err := s.currentFingerprint(ctx)
	if err != nil {
		return nil, err
	}

	defs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]model.PeriodicTask, len(defs))
	for _, def := range defs {
		out[def.Name] = def
	}

	s.mu.Lock()
	s.fingerprint = fp
	s.mu.Unlock()
	return out, nil
}

// HasChanged reports whether definitions were added, removed or edited since
// the last Fetch or HasChanged call. Run-state updates do not count.
func (s *SQLiteStore) HasChanged(ctx context.Context) (bool, error) {
	fp, err := s.currentFingerprint(ctx)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if fp == s.fingerprint {
		return false, nil
	}
	s.fingerprint = fp
	return true, nil
}

func (s *SQLiteStore) currentFingerprint(ctx context.Context) (string, error) {
	var count int
	var newest sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MAX(last_updated) FROM periodic_tasks").Scan(&count, &newest)
	if err != nil {
		return "", fmt.Errorf("failed to read change marker: %w", err)
	}
	return fmt.Sprintf("%d|%s", count, newest.String), nil
}

// SaveRunState writes the run-state of each entry that has a stored
// definition. Static and default entries are skipped.
func (s *SQLiteStore) SaveRunState(ctx context.Context, states []model.RunState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"UPDATE periodic_tasks SET last_run_at = ?, total_run_count = ? WHERE name = ?")
	if err != nil {
		return fmt.Errorf("failed to prepare run state update: %w", err)
	}
	defer stmt.Close()

	for _, st := range states {
		if _, err := stmt.ExecContext(ctx, st.LastRunAt.UTC(), st.TotalRunCount, st.Name); err != nil {
			return fmt.Errorf("failed to save run state of %s: %w", st.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run state: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectPeriodicTasks = `
	SELECT
		name, task, type, schedule, args, kwargs, priority, expires,
		enabled, max_calls, last_run_at, total_run_count, last_updated
	FROM periodic_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeriodicTask(row rowScanner) (model.PeriodicTask, error) {
	var def model.PeriodicTask
	var args, kwargs sql.NullString
	var priority sql.NullInt64
	var expires int64
	var enabled bool
	var lastRunAt sql.NullTime
	var lastUpdated time.Time

	err := row.Scan(
		&def.Name,
		&def.Task,
		&def.Type,
		&def.Schedule,
		&args,
		&kwargs,
		&priority,
		&expires,
		&enabled,
		&def.MaxCalls,
		&lastRunAt,
		&def.TotalRunCount,
		&lastUpdated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return def, err
		}
		return def, fmt.Errorf("failed to scan periodic task: %w", err)
	}

	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &def.Args); err != nil {
			return def, fmt.Errorf("failed to decode args of %s: %w", def.Name, err)
		}
	}
	if kwargs.Valid && kwargs.String != "" {
		if err := json.Unmarshal([]byte(kwargs.String), &def.Kwargs); err != nil {
			return def, fmt.Errorf("failed to decode kwargs of %s: %w", def.Name, err)
		}
	}
	if priority.Valid {
		p := int(priority.Int64)
		def.Priority = &p
	}
	def.Expires = model.Duration(expires)
	def.Enabled = &enabled
	if lastRunAt.Valid {
		def.LastRunAt = &lastRunAt.Time
	}
	def.LastUpdated = &lastUpdated

	return def, nil
}

func encodeJSON(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case []any:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if len(x) == 0 {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
