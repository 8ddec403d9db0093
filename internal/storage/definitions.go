package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mpataki/devflow/internal/models"
)

func (q *Queries) CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, name, type, description, latest_version, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		def.ID, def.Name, def.Type, def.Description, def.CreatedAt,
	)
	if isUniqueViolation(err) {
		return &models.ValidationError{
			Subject:    "workflow definition",
			Violations: []string{fmt.Sprintf("name %q is already taken", def.Name)},
		}
	}
	return err
}

const definitionColumns = `id, name, type, description, latest_version, default_version_id, created_at`

func scanDefinition(row interface{ Scan(...any) error }) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	var defaultVersion sql.NullString
	err := row.Scan(
		&def.ID, &def.Name, &def.Type, &def.Description,
		&def.LatestVersion, &defaultVersion, &def.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	def.DefaultVersionID = defaultVersion.String
	return &def, nil
}

func (q *Queries) GetDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE id = ?`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError("workflow definition", id)
	}
	return def, err
}

func (q *Queries) GetDefinitionByName(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions WHERE name = ?`, name)
	def, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError("workflow definition", name)
	}
	return def, err
}

func (q *Queries) ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*models.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// NextVersionNumber bumps the definition's version counter. Concurrent
// publishers serialize on this single-row update.
func (q *Queries) NextVersionNumber(ctx context.Context, definitionID string) (int, error) {
	result, err := q.q.ExecContext(ctx,
		`UPDATE workflow_definitions SET latest_version = latest_version + 1 WHERE id = ?`,
		definitionID,
	)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, models.NotFoundError("workflow definition", definitionID)
	}

	var number int
	err = q.q.QueryRowContext(ctx,
		`SELECT latest_version FROM workflow_definitions WHERE id = ?`, definitionID,
	).Scan(&number)
	return number, err
}

// InsertVersion writes a version with all of its stages and transitions.
func (q *Queries) InsertVersion(ctx context.Context, v *models.WorkflowVersion) error {
	_, err := q.q.ExecContext(ctx,
		`INSERT INTO workflow_versions (id, definition_id, number, allow_cycles, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.DefinitionID, v.Number, v.AllowCycles, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}

	for _, st := range v.Stages {
		checklist, err := encodeJSON(nonNilItems(st.Checklist))
		if err != nil {
			return err
		}
		deliverables, err := encodeJSON(nonNilStrings(st.Deliverables))
		if err != nil {
			return err
		}
		_, err = q.q.ExecContext(ctx,
			`INSERT INTO stages (id, version_id, name, order_index, description, checklist, deliverables)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.ID, v.ID, st.Name, st.Order, st.Description, checklist, deliverables,
		)
		if err != nil {
			return fmt.Errorf("failed to insert stage %q: %w", st.Name, err)
		}
	}

	for _, t := range v.Transitions {
		_, err := q.q.ExecContext(ctx,
			`INSERT INTO transitions (id, version_id, from_stage_id, to_stage_id, condition_expr, priority)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, v.ID, t.FromStageID, t.ToStageID, t.Condition, t.Priority,
		)
		if err != nil {
			return fmt.Errorf("failed to insert transition: %w", err)
		}
	}

	return nil
}

func (q *Queries) GetVersion(ctx context.Context, id string) (*models.WorkflowVersion, error) {
	var v models.WorkflowVersion
	err := q.q.QueryRowContext(ctx,
		`SELECT id, definition_id, number, allow_cycles, created_at FROM workflow_versions WHERE id = ?`, id,
	).Scan(&v.ID, &v.DefinitionID, &v.Number, &v.AllowCycles, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundError("workflow version", id)
	}
	if err != nil {
		return nil, err
	}

	if v.Stages, err = q.listStages(ctx, id); err != nil {
		return nil, err
	}
	if v.Transitions, err = q.listTransitions(ctx, id); err != nil {
		return nil, err
	}
	return &v, nil
}

func (q *Queries) listStages(ctx context.Context, versionID string) ([]models.Stage, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, version_id, name, order_index, description, checklist, deliverables
		 FROM stages WHERE version_id = ? ORDER BY order_index`, versionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []models.Stage
	for rows.Next() {
		var st models.Stage
		var checklist, deliverables string
		if err := rows.Scan(&st.ID, &st.VersionID, &st.Name, &st.Order, &st.Description, &checklist, &deliverables); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(checklist), &st.Checklist); err != nil {
			return nil, fmt.Errorf("stage %s: bad checklist: %w", st.ID, err)
		}
		if err := json.Unmarshal([]byte(deliverables), &st.Deliverables); err != nil {
			return nil, fmt.Errorf("stage %s: bad deliverables: %w", st.ID, err)
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

func (q *Queries) listTransitions(ctx context.Context, versionID string) ([]models.Transition, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, version_id, from_stage_id, to_stage_id, condition_expr, priority
		 FROM transitions WHERE version_id = ? ORDER BY priority, id`, versionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []models.Transition
	for rows.Next() {
		var t models.Transition
		if err := rows.Scan(&t.ID, &t.VersionID, &t.FromStageID, &t.ToStageID, &t.Condition, &t.Priority); err != nil {
			return nil, err
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// ListVersions returns version headers (without stages) newest first.
func (q *Queries) ListVersions(ctx context.Context, definitionID string) ([]*models.WorkflowVersion, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, definition_id, number, allow_cycles, created_at
		 FROM workflow_versions WHERE definition_id = ? ORDER BY number DESC`, definitionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*models.WorkflowVersion
	for rows.Next() {
		var v models.WorkflowVersion
		if err := rows.Scan(&v.ID, &v.DefinitionID, &v.Number, &v.AllowCycles, &v.CreatedAt); err != nil {
			return nil, err
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

func (q *Queries) SetDefaultVersion(ctx context.Context, definitionID, versionID string) error {
	_, err := q.q.ExecContext(ctx,
		`UPDATE workflow_definitions SET default_version_id = ? WHERE id = ?`,
		versionID, definitionID,
	)
	return err
}

func (q *Queries) CountSessionsForVersion(ctx context.Context, versionID string) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM flow_sessions WHERE workflow_version_id = ?`, versionID,
	).Scan(&n)
	return n, err
}

// DeleteVersion removes a version and, by cascade, its stages and transitions.
// Callers must check CountSessionsForVersion first.
func (q *Queries) DeleteVersion(ctx context.Context, versionID string) error {
	if _, err := q.q.ExecContext(ctx,
		`UPDATE workflow_definitions SET default_version_id = NULL WHERE default_version_id = ?`, versionID,
	); err != nil {
		return err
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM transitions WHERE version_id = ?`, versionID); err != nil {
		return err
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM stages WHERE version_id = ?`, versionID); err != nil {
		return err
	}
	result, err := q.q.ExecContext(ctx, `DELETE FROM workflow_versions WHERE id = ?`, versionID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.NotFoundError("workflow version", versionID)
	}
	return nil
}

func nonNilItems(items []models.ChecklistItem) []models.ChecklistItem {
	if items == nil {
		return []models.ChecklistItem{}
	}
	return items
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
