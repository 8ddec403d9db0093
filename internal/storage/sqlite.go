package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/devflow/internal/models"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every read and write. Outside WithTx each call commits on its
// own; inside WithTx all calls share one transaction.
type Queries struct {
	q querier
}

type Storage struct {
	*Queries
	db  *sql.DB
	log *zap.Logger
}

// Write transactions take the database lock up front (_txlock=immediate) so two
// processes never deadlock upgrading a read lock; busy_timeout makes the loser
// wait instead of failing immediately.
const dsnParams = "?_pragma=journal_mode(WAL)" +
	"&_pragma=foreign_keys(1)" +
	"&_pragma=busy_timeout(5000)" +
	"&_txlock=immediate" +
	"&_time_format=sqlite"

func New(dbPath string, log *zap.Logger) (*Storage, error) {
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dbPath+dsnParams)
	if err != nil {
		return nil, err
	}

	s := &Storage{Queries: &Queries{q: db}, db: db, log: log.Named("storage")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate %s: %w", dbPath, err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a single transaction. Any error from fn rolls back
// every write fn made.
func (s *Storage) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Queries{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_definitions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		latest_version INTEGER NOT NULL DEFAULT 0,
		default_version_id TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_versions (
		id TEXT PRIMARY KEY,
		definition_id TEXT NOT NULL REFERENCES workflow_definitions(id),
		number INTEGER NOT NULL,
		allow_cycles INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(definition_id, number)
	);

	CREATE TABLE IF NOT EXISTS stages (
		id TEXT PRIMARY KEY,
		version_id TEXT NOT NULL REFERENCES workflow_versions(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		order_index INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		checklist TEXT NOT NULL DEFAULT '[]',
		deliverables TEXT NOT NULL DEFAULT '[]',
		UNIQUE(version_id, order_index),
		UNIQUE(version_id, name)
	);

	CREATE TABLE IF NOT EXISTS transitions (
		id TEXT PRIMARY KEY,
		version_id TEXT NOT NULL REFERENCES workflow_versions(id) ON DELETE CASCADE,
		from_stage_id TEXT NOT NULL REFERENCES stages(id) ON DELETE CASCADE,
		to_stage_id TEXT NOT NULL REFERENCES stages(id) ON DELETE CASCADE,
		condition_expr TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS flow_sessions (
		id TEXT PRIMARY KEY,
		workflow_version_id TEXT NOT NULL REFERENCES workflow_versions(id),
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		task_id TEXT,
		context TEXT NOT NULL DEFAULT '{}',
		abort_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS stage_instances (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES flow_sessions(id) ON DELETE CASCADE,
		stage_id TEXT NOT NULL REFERENCES stages(id),
		transition_id TEXT,
		seq INTEGER NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		completed_items TEXT NOT NULL DEFAULT '[]',
		notes TEXT NOT NULL DEFAULT '[]',
		UNIQUE(session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS status_records (
		key TEXT PRIMARY KEY,
		value TEXT,
		version INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		linked_session_id TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_stage_instances_one_active
		ON stage_instances(session_id) WHERE status = 'active';
	CREATE INDEX IF NOT EXISTS idx_versions_definition ON workflow_versions(definition_id);
	CREATE INDEX IF NOT EXISTS idx_stages_version ON stages(version_id);
	CREATE INDEX IF NOT EXISTS idx_transitions_version ON transitions(version_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON flow_sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_version ON flow_sessions(workflow_version_id);
	CREATE INDEX IF NOT EXISTS idx_stage_instances_session ON stage_instances(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// resolvePrefix expands a unique id prefix for the given table.
func (q *Queries) resolvePrefix(ctx context.Context, table, kind, prefix string) (string, error) {
	if prefix == "" {
		return "", models.NotFoundError(kind, prefix)
	}
	rows, err := q.q.QueryContext(ctx,
		`SELECT id FROM `+table+` WHERE id LIKE ? ESCAPE '\' ORDER BY id LIMIT 2`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(ids) {
	case 0:
		return "", models.NotFoundError(kind, prefix)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("%s id prefix %q is ambiguous", kind, prefix)
	}
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
