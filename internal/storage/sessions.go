package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mpataki/devflow/internal/models"
)

func (q *Queries) CreateSession(ctx context.Context, sess *models.FlowSession) error {
	contextJSON, err := encodeContext(sess.Context)
	if err != nil {
		return err
	}

	_, err = q.q.ExecContext(ctx,
		`INSERT INTO flow_sessions (id, workflow_version_id, name, status, task_id, context, abort_reason, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.WorkflowVersionID, sess.Name, sess.Status, nullString(sess.TaskID),
		contextJSON, sess.AbortReason, sess.CreatedAt, sess.UpdatedAt, nullTime(sess.CompletedAt),
	)
	return err
}

const sessionColumns = `id, workflow_version_id, name, status, task_id, context, abort_reason, created_at, updated_at, completed_at`

func scanSession(row interface{ Scan(...any) error }) (*models.FlowSession, error) {
	var sess models.FlowSession
	var taskID sql.NullString
	var contextJSON string
	var completedAt sql.NullTime

	err := row.Scan(
		&sess.ID, &sess.WorkflowVersionID, &sess.Name, &sess.Status, &taskID,
		&contextJSON, &sess.AbortReason, &sess.CreatedAt, &sess.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.TaskID = taskID.String
	sess.CompletedAt = timePtr(completedAt)
	if err := json.Unmarshal([]byte(contextJSON), &sess.Context); err != nil {
		return nil, fmt.Errorf("session %s: bad context: %w", sess.ID, err)
	}
	if sess.Context == nil {
		sess.Context = map[string]any{}
	}
	return &sess, nil
}

func (q *Queries) GetSession(ctx context.Context, id string) (*models.FlowSession, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM flow_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError("session", id)
	}
	return sess, err
}

// UpdateSession writes the mutable session fields. The workflow version is
// never rewritten.
func (q *Queries) UpdateSession(ctx context.Context, sess *models.FlowSession) error {
	contextJSON, err := encodeContext(sess.Context)
	if err != nil {
		return err
	}

	result, err := q.q.ExecContext(ctx,
		`UPDATE flow_sessions SET name = ?, status = ?, task_id = ?, context = ?, abort_reason = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		sess.Name, sess.Status, nullString(sess.TaskID), contextJSON, sess.AbortReason,
		sess.UpdatedAt, nullTime(sess.CompletedAt), sess.ID,
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.NotFoundError("session", sess.ID)
	}
	return nil
}

type SessionFilter struct {
	Status models.SessionStatus
	TaskID string
	Limit  int
}

func (q *Queries) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.FlowSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM flow_sessions WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*models.FlowSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (q *Queries) ResolveSessionID(ctx context.Context, prefix string) (string, error) {
	return q.resolvePrefix(ctx, "flow_sessions", "session", prefix)
}

// InsertStageInstance assigns the next sequence number and rejects writes that
// would break the session invariants: no instances for finished sessions and
// never a second active instance.
func (q *Queries) InsertStageInstance(ctx context.Context, si *models.StageInstance) error {
	var status models.SessionStatus
	err := q.q.QueryRowContext(ctx,
		`SELECT status FROM flow_sessions WHERE id = ?`, si.SessionID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotFoundError("session", si.SessionID)
	}
	if err != nil {
		return err
	}
	if status.Terminal() {
		return &models.StateError{
			SessionID: si.SessionID,
			Current:   status,
			Attempted: "start a stage",
			Kind:      models.ErrInvalidTransition,
		}
	}

	if si.Status == models.StageInstanceActive {
		active, err := q.FindActiveStageInstance(ctx, si.SessionID)
		if err != nil {
			return err
		}
		if active != nil {
			return fmt.Errorf("session %s, stage instance %s: %w", si.SessionID, active.ID, models.ErrActiveStageExists)
		}
	}

	err = q.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM stage_instances WHERE session_id = ?`, si.SessionID,
	).Scan(&si.Seq)
	if err != nil {
		return err
	}

	items, err := encodeJSON(nonNilStrings(si.CompletedItems))
	if err != nil {
		return err
	}
	notes, err := encodeJSON(nonNilStrings(si.Notes))
	if err != nil {
		return err
	}

	_, err = q.q.ExecContext(ctx,
		`INSERT INTO stage_instances (id, session_id, stage_id, transition_id, seq, status, started_at, completed_at, completed_items, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		si.ID, si.SessionID, si.StageID, nullString(si.TransitionID), si.Seq, si.Status,
		si.StartedAt, nullTime(si.CompletedAt), items, notes,
	)
	if isUniqueViolation(err) && si.Status == models.StageInstanceActive {
		return fmt.Errorf("session %s: %w", si.SessionID, models.ErrActiveStageExists)
	}
	return err
}

func (q *Queries) UpdateStageInstance(ctx context.Context, si *models.StageInstance) error {
	items, err := encodeJSON(nonNilStrings(si.CompletedItems))
	if err != nil {
		return err
	}
	notes, err := encodeJSON(nonNilStrings(si.Notes))
	if err != nil {
		return err
	}

	result, err := q.q.ExecContext(ctx,
		`UPDATE stage_instances SET status = ?, completed_at = ?, completed_items = ?, notes = ? WHERE id = ?`,
		si.Status, nullTime(si.CompletedAt), items, notes, si.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("session %s: %w", si.SessionID, models.ErrActiveStageExists)
	}
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.NotFoundError("stage instance", si.ID)
	}
	return nil
}

const stageInstanceColumns = `id, session_id, stage_id, transition_id, seq, status, started_at, completed_at, completed_items, notes`

func scanStageInstance(row interface{ Scan(...any) error }) (*models.StageInstance, error) {
	var si models.StageInstance
	var transitionID sql.NullString
	var completedAt sql.NullTime
	var items, notes string

	err := row.Scan(
		&si.ID, &si.SessionID, &si.StageID, &transitionID, &si.Seq, &si.Status,
		&si.StartedAt, &completedAt, &items, &notes,
	)
	if err != nil {
		return nil, err
	}

	si.TransitionID = transitionID.String
	si.CompletedAt = timePtr(completedAt)
	if err := json.Unmarshal([]byte(items), &si.CompletedItems); err != nil {
		return nil, fmt.Errorf("stage instance %s: bad completed items: %w", si.ID, err)
	}
	if err := json.Unmarshal([]byte(notes), &si.Notes); err != nil {
		return nil, fmt.Errorf("stage instance %s: bad notes: %w", si.ID, err)
	}
	return &si, nil
}

// FindActiveStageInstance returns the session's single active instance, or
// nil when there is none.
func (q *Queries) FindActiveStageInstance(ctx context.Context, sessionID string) (*models.StageInstance, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+stageInstanceColumns+` FROM stage_instances WHERE session_id = ? AND status = ?`,
		sessionID, models.StageInstanceActive,
	)
	si, err := scanStageInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return si, err
}

// ListStageInstances returns the execution history in the order it happened.
func (q *Queries) ListStageInstances(ctx context.Context, sessionID string) ([]*models.StageInstance, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+stageInstanceColumns+` FROM stage_instances WHERE session_id = ? ORDER BY started_at, seq`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*models.StageInstance
	for rows.Next() {
		si, err := scanStageInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, si)
	}
	return instances, rows.Err()
}

func encodeContext(c map[string]any) (string, error) {
	if c == nil {
		return "{}", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode session context: %w", err)
	}
	return string(data), nil
}
