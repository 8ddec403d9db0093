package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mpataki/devflow/internal/models"
)

// Tasks are owned by an external tracker; this table is the local stand-in so
// the CLI works on its own.

func (q *Queries) CreateTask(ctx context.Context, task *models.Task) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO tasks (id, title, linked_session_id, created_at) VALUES (?, ?, ?, ?)`,
		task.ID, task.Title, nullString(task.LinkedSessionID), task.CreatedAt,
	)
	return err
}

func (q *Queries) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	var linked sql.NullString
	err := q.q.QueryRowContext(ctx,
		`SELECT id, title, linked_session_id, created_at FROM tasks WHERE id = ?`, id,
	).Scan(&task.ID, &task.Title, &linked, &task.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError("task", id)
	}
	if err != nil {
		return nil, err
	}
	task.LinkedSessionID = linked.String
	return &task, nil
}

func (q *Queries) ListTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, title, linked_session_id, created_at FROM tasks ORDER BY created_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		var task models.Task
		var linked sql.NullString
		if err := rows.Scan(&task.ID, &task.Title, &linked, &task.CreatedAt); err != nil {
			return nil, err
		}
		task.LinkedSessionID = linked.String
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

func (q *Queries) SetLinkedSession(ctx context.Context, taskID, sessionID string) error {
	result, err := q.q.ExecContext(ctx,
		`UPDATE tasks SET linked_session_id = ? WHERE id = ?`, nullString(sessionID), taskID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.NotFoundError("task", taskID)
	}
	return nil
}

func (q *Queries) ResolveTaskID(ctx context.Context, prefix string) (string, error) {
	return q.resolvePrefix(ctx, "tasks", "task", prefix)
}
