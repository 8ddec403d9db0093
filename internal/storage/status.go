package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mpataki/devflow/internal/models"
	"go.uber.org/zap"
)

// GetStatus returns the pointer record. A record that was never written comes
// back with version 0 and an empty value.
func (q *Queries) GetStatus(ctx context.Context, key models.StatusKey) (models.StatusRecord, error) {
	rec := models.StatusRecord{Key: key}
	var value sql.NullString
	err := q.q.QueryRowContext(ctx,
		`SELECT value, version, updated_at FROM status_records WHERE key = ?`, key,
	).Scan(&value, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	rec.Value = value.String
	return rec, nil
}

// CompareAndSwapStatus writes value only if the stored version still equals
// expected. Expected version 0 creates the record. A lost race returns
// ErrConflict and leaves the record untouched.
func (s *Storage) CompareAndSwapStatus(ctx context.Context, key models.StatusKey, expected int64, value string) (models.StatusRecord, error) {
	rec, err := s.Queries.compareAndSwapStatus(ctx, key, expected, value)
	if errors.Is(err, models.ErrConflict) {
		s.log.Debug("status write lost race",
			zap.String("key", string(key)), zap.Int64("expected", expected))
	}
	return rec, err
}

func (q *Queries) compareAndSwapStatus(ctx context.Context, key models.StatusKey, expected int64, value string) (models.StatusRecord, error) {
	updatedAt := time.Now().UTC()

	var result sql.Result
	var err error
	if expected == 0 {
		result, err = q.q.ExecContext(ctx,
			`INSERT INTO status_records (key, value, version, updated_at) VALUES (?, ?, 1, ?)
			 ON CONFLICT(key) DO NOTHING`,
			key, nullString(value), updatedAt,
		)
	} else {
		result, err = q.q.ExecContext(ctx,
			`UPDATE status_records SET value = ?, version = version + 1, updated_at = ?
			 WHERE key = ? AND version = ?`,
			nullString(value), updatedAt, key, expected,
		)
	}
	if err != nil {
		return models.StatusRecord{}, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return models.StatusRecord{}, err
	}
	if n == 0 {
		return models.StatusRecord{}, models.ErrConflict
	}

	return models.StatusRecord{
		Key:       key,
		Value:     value,
		Version:   expected + 1,
		UpdatedAt: updatedAt,
	}, nil
}
