package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/natsbeat/internal/model"
)

// RecordDispatch stores one dispatch attempt.
func (s *SQLiteStore) RecordDispatch(ctx context.Context, record model.DispatchRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_history (
			id, entry, task, dispatched_at, error
		) VALUES (?, ?, ?, ?, ?)`,
		record.ID,
		record.Entry,
		record.Task,
		record.DispatchedAt.UTC(),
		sql.NullString{String: record.Error, Valid: record.Error != ""},
	)
	if err != nil {
		return fmt.Errorf("failed to store dispatch history: %w", err)
	}
	return nil
}

// ListDispatches returns dispatch history, newest first. An empty entry
// lists every entry.
func (s *SQLiteStore) ListDispatches(ctx context.Context, entry string, offset, limit int) ([]model.DispatchRecord, error) {
	query := "SELECT id, entry, task, dispatched_at, error FROM dispatch_history"
	args := make([]any, 0, 3)

	if entry != "" {
		query += " WHERE entry = ?"
		args = append(args, entry)
	}

	query += " ORDER BY dispatched_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dispatch history: %w", err)
	}
	defer rows.Close()

	var records []model.DispatchRecord
	for rows.Next() {
		var record model.DispatchRecord
		var errorStr sql.NullString

		err := rows.Scan(
			&record.ID,
			&record.Entry,
			&record.Task,
			&record.DispatchedAt,
			&errorStr,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatch history: %w", err)
		}

		if errorStr.Valid {
			record.Error = errorStr.String
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return records, nil
}

// DeleteDispatchesBefore deletes history older than before and returns the
// number of rows removed.
func (s *SQLiteStore) DeleteDispatchesBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM dispatch_history WHERE dispatched_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete dispatch history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old dispatch history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}
