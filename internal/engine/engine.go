// Package engine drives sessions through the stages of their pinned workflow
// version. Every mutating operation runs in a single storage transaction, so a
// failure leaves the previous state untouched and a session never has two
// active stage instances.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/devflow/internal/models"
	"github.com/mpataki/devflow/internal/storage"
	"github.com/mpataki/devflow/internal/transition"
	"go.uber.org/zap"
)

// VersionGetter loads published workflow versions. definition.Store caches them.
type VersionGetter interface {
	GetVersion(ctx context.Context, versionID string) (*models.WorkflowVersion, error)
}

// TaskStore is the part of the task tracker the engine touches.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	SetLinkedSession(ctx context.Context, taskID, sessionID string) error
}

// StatusStore holds the current-session pointer, which the engine releases
// when the session it names finishes.
type StatusStore interface {
	GetStatus(ctx context.Context, key models.StatusKey) (models.StatusRecord, error)
	CompareAndSwapStatus(ctx context.Context, key models.StatusKey, expected int64, value string) (models.StatusRecord, error)
}

type Engine struct {
	storage  *storage.Storage
	versions VersionGetter
	tasks    TaskStore
	status   StatusStore
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithTaskStore(tasks TaskStore) Option {
	return func(e *Engine) { e.tasks = tasks }
}

func WithStatusStore(status StatusStore) Option {
	return func(e *Engine) { e.status = status }
}

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log.Named("engine") }
}

func New(store *storage.Storage, versions VersionGetter, opts ...Option) *Engine {
	e := &Engine{
		storage:  store,
		versions: versions,
		log:      zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type CreateOptions struct {
	Name   string
	TaskID string
}

// AdvanceResult describes one step of a session.
type AdvanceResult struct {
	Session   *models.FlowSession
	Completed *models.StageInstance
	// Next is the newly active instance, nil when the session completed.
	Next *models.StageInstance
	// Candidates lists every stage the evaluator offered, best first. Next runs
	// the first one; the rest are repeated in Alternatives.
	Candidates       []models.Stage
	Alternatives     []models.Stage
	SessionCompleted bool
}

// CreateSession starts a session on the version's order-0 stage.
func (e *Engine) CreateSession(ctx context.Context, versionID string, opts CreateOptions) (*models.FlowSession, error) {
	v, err := e.versions.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	first, ok := v.FirstStage()
	if !ok {
		return nil, fmt.Errorf("version %s has no stages: %w", versionID, models.ErrInvalidVersion)
	}

	var task *models.Task
	if opts.TaskID != "" {
		if e.tasks == nil {
			return nil, errors.New("cannot link a task: no task store configured")
		}
		if task, err = e.tasks.GetTask(ctx, opts.TaskID); err != nil {
			return nil, err
		}
	}

	name := opts.Name
	if name == "" && task != nil {
		name = task.Title
	}

	now := e.now()
	sess := &models.FlowSession{
		ID:                uuid.NewString(),
		WorkflowVersionID: v.ID,
		Name:              name,
		Status:            models.SessionStatusActive,
		TaskID:            opts.TaskID,
		Context:           map[string]any{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	si := &models.StageInstance{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		StageID:   first.ID,
		Status:    models.StageInstanceActive,
		StartedAt: now,
	}

	err = e.storage.WithTx(ctx, func(q *storage.Queries) error {
		if err := q.CreateSession(ctx, sess); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return q.InsertStageInstance(ctx, si)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("session created",
		zap.String("session", sess.ID),
		zap.String("version", v.ID),
		zap.String("stage", first.Name),
	)

	if task != nil {
		if err := e.tasks.SetLinkedSession(ctx, task.ID, sess.ID); err != nil {
			return sess, fmt.Errorf("session %s created but linking task %s failed: %w", sess.ID, task.ID, err)
		}
	}
	return sess, nil
}

// Advance completes the active stage and moves to the best next stage. When no
// transition leads anywhere the session completes.
//
// Required checklist items gate unconditional transitions only; conditional
// ones may still fire. A stage with no candidates, including a terminal stage,
// also refuses to complete while required items are open: Advance returns
// ErrChecklistIncomplete and the session stays where it was instead of
// completing. Whether the checklist should gate terminal completion at all is
// still an open product question.
func (e *Engine) Advance(ctx context.Context, sessionID string, completed []string) (*AdvanceResult, error) {
	v, err := e.sessionVersion(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var result *AdvanceResult
	err = e.storage.WithTx(ctx, func(q *storage.Queries) error {
		sess, err := q.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != models.SessionStatusActive {
			return &models.StateError{SessionID: sess.ID, Current: sess.Status, Attempted: "advance", Kind: models.ErrNotActive}
		}

		active, stage, err := activeStage(ctx, q, v, sess.ID)
		if err != nil {
			return err
		}
		if err := checkItems(stage, completed); err != nil {
			return err
		}
		items := mergeItems(active.CompletedItems, completed)

		candidates, err := transition.Candidates(v, stage.ID, items, sess.Context)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			if missing := transition.MissingItems(stage, items); len(missing) > 0 {
				return fmt.Errorf("stage %q is missing %s: %w", stage.Name, strings.Join(missing, ", "), models.ErrChecklistIncomplete)
			}
		}

		now := e.now()
		active.Status = models.StageInstanceCompleted
		active.CompletedAt = &now
		active.CompletedItems = items
		if err := q.UpdateStageInstance(ctx, active); err != nil {
			return err
		}

		result = &AdvanceResult{Session: sess, Completed: active}
		sess.UpdatedAt = now

		if len(candidates) == 0 {
			sess.Status = models.SessionStatusCompleted
			sess.CompletedAt = &now
			result.SessionCompleted = true
			return q.UpdateSession(ctx, sess)
		}

		next := &models.StageInstance{
			ID:           uuid.NewString(),
			SessionID:    sess.ID,
			StageID:      candidates[0].Stage.ID,
			TransitionID: candidates[0].Transition.ID,
			Status:       models.StageInstanceActive,
			StartedAt:    now,
		}
		if err := q.InsertStageInstance(ctx, next); err != nil {
			return err
		}
		result.Next = next
		for i, c := range candidates {
			result.Candidates = append(result.Candidates, c.Stage)
			if i > 0 {
				result.Alternatives = append(result.Alternatives, c.Stage)
			}
		}
		return q.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}

	if result.SessionCompleted {
		e.log.Info("session completed", zap.String("session", sessionID))
		e.releaseCurrent(ctx, sessionID)
	} else {
		e.log.Info("session advanced",
			zap.String("session", sessionID),
			zap.String("from", result.Completed.StageID),
			zap.String("to", result.Next.StageID),
			zap.Int("alternatives", len(result.Alternatives)),
		)
	}
	return result, nil
}

func (e *Engine) Pause(ctx context.Context, sessionID string) (*models.FlowSession, error) {
	return e.toggle(ctx, sessionID, models.SessionStatusActive, models.SessionStatusPaused, "pause")
}

func (e *Engine) Resume(ctx context.Context, sessionID string) (*models.FlowSession, error) {
	return e.toggle(ctx, sessionID, models.SessionStatusPaused, models.SessionStatusActive, "resume")
}

func (e *Engine) toggle(ctx context.Context, sessionID string, from, to models.SessionStatus, verb string) (*models.FlowSession, error) {
	var sess *models.FlowSession
	err := e.storage.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if sess, err = q.GetSession(ctx, sessionID); err != nil {
			return err
		}
		if sess.Status != from {
			return &models.StateError{SessionID: sess.ID, Current: sess.Status, Attempted: verb, Kind: models.ErrInvalidTransition}
		}
		sess.Status = to
		sess.UpdatedAt = e.now()
		return q.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("session "+string(to), zap.String("session", sessionID))
	return sess, nil
}

// Abort ends an active or paused session. Its active stage instance, if any,
// is marked skipped.
func (e *Engine) Abort(ctx context.Context, sessionID, reason string) (*models.FlowSession, error) {
	var sess *models.FlowSession
	err := e.storage.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if sess, err = q.GetSession(ctx, sessionID); err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return &models.StateError{SessionID: sess.ID, Current: sess.Status, Attempted: "abort", Kind: models.ErrInvalidTransition}
		}

		now := e.now()
		active, err := q.FindActiveStageInstance(ctx, sess.ID)
		if err != nil {
			return err
		}
		if active != nil {
			active.Status = models.StageInstanceSkipped
			active.CompletedAt = &now
			if reason != "" {
				active.Notes = append(active.Notes, "aborted: "+reason)
			}
			if err := q.UpdateStageInstance(ctx, active); err != nil {
				return err
			}
		}

		sess.Status = models.SessionStatusAborted
		sess.AbortReason = reason
		sess.UpdatedAt = now
		sess.CompletedAt = &now
		return q.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("session aborted", zap.String("session", sessionID), zap.String("reason", reason))
	e.releaseCurrent(ctx, sessionID)
	return sess, nil
}

// Progress returns the share of the version's stages the session has
// completed at least once, as a percentage. It counts distinct stages rather
// than completed stage instances, so revisiting a stage in a cyclic version
// never pushes progress past 100.
func (e *Engine) Progress(ctx context.Context, sessionID string) (float64, error) {
	sess, err := e.storage.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	v, err := e.versions.GetVersion(ctx, sess.WorkflowVersionID)
	if err != nil {
		return 0, err
	}
	instances, err := e.storage.ListStageInstances(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return progress(v, instances), nil
}

func progress(v *models.WorkflowVersion, instances []*models.StageInstance) float64 {
	if len(v.Stages) == 0 {
		return 0
	}
	done := make(map[string]bool)
	for _, si := range instances {
		if si.Status == models.StageInstanceCompleted {
			done[si.StageID] = true
		}
	}
	return float64(len(done)) * 100 / float64(len(v.Stages))
}

func (e *Engine) GetSession(ctx context.Context, sessionID string) (*models.FlowSession, error) {
	return e.storage.GetSession(ctx, sessionID)
}

func (e *Engine) ListSessions(ctx context.Context, filter storage.SessionFilter) ([]*models.FlowSession, error) {
	return e.storage.ListSessions(ctx, filter)
}

// ListStageInstances returns the session's history, oldest first.
func (e *Engine) ListStageInstances(ctx context.Context, sessionID string) ([]*models.StageInstance, error) {
	if _, err := e.storage.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.storage.ListStageInstances(ctx, sessionID)
}

// ResolveSessionID expands a unique id prefix.
func (e *Engine) ResolveSessionID(ctx context.Context, prefix string) (string, error) {
	return e.storage.ResolveSessionID(ctx, prefix)
}

// CheckItems records checklist progress on the active stage without advancing.
func (e *Engine) CheckItems(ctx context.Context, sessionID string, items []string) (*models.StageInstance, error) {
	v, err := e.sessionVersion(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var active *models.StageInstance
	err = e.storage.WithTx(ctx, func(q *storage.Queries) error {
		sess, err := q.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != models.SessionStatusActive {
			return &models.StateError{SessionID: sess.ID, Current: sess.Status, Attempted: "check items", Kind: models.ErrNotActive}
		}

		var stage models.Stage
		if active, stage, err = activeStage(ctx, q, v, sess.ID); err != nil {
			return err
		}
		if err := checkItems(stage, items); err != nil {
			return err
		}
		active.CompletedItems = mergeItems(active.CompletedItems, items)
		if err := q.UpdateStageInstance(ctx, active); err != nil {
			return err
		}
		sess.UpdatedAt = e.now()
		return q.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug("checklist updated", zap.String("session", sessionID), zap.Strings("items", items))
	return active, nil
}

// UpdateContext merges values into the session context. A nil value removes
// the key.
func (e *Engine) UpdateContext(ctx context.Context, sessionID string, values map[string]any) (*models.FlowSession, error) {
	var sess *models.FlowSession
	err := e.storage.WithTx(ctx, func(q *storage.Queries) error {
		var err error
		if sess, err = q.GetSession(ctx, sessionID); err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return &models.StateError{SessionID: sess.ID, Current: sess.Status, Attempted: "update context", Kind: models.ErrInvalidTransition}
		}
		for k, val := range values {
			if val == nil {
				delete(sess.Context, k)
				continue
			}
			sess.Context[k] = val
		}
		sess.UpdatedAt = e.now()
		return q.UpdateSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (e *Engine) AddNote(ctx context.Context, sessionID, note string) (*models.StageInstance, error) {
	var active *models.StageInstance
	err := e.storage.WithTx(ctx, func(q *storage.Queries) error {
		sess, err := q.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return &models.StateError{SessionID: sess.ID, Current: sess.Status, Attempted: "add a note", Kind: models.ErrInvalidTransition}
		}
		if active, err = q.FindActiveStageInstance(ctx, sess.ID); err != nil {
			return err
		}
		if active == nil {
			return fmt.Errorf("session %s: %w", sess.ID, models.ErrNoActiveStage)
		}
		active.Notes = append(active.Notes, note)
		return q.UpdateStageInstance(ctx, active)
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

// Snapshot is a read-only view of a session for display.
type Snapshot struct {
	Session  *models.FlowSession
	Version  *models.WorkflowVersion
	History  []*models.StageInstance
	Active   *models.StageInstance // nil once the session has finished
	Stage    *models.Stage
	Missing  []string
	Next     []models.Stage
	Progress float64
}

func (e *Engine) Status(ctx context.Context, sessionID string) (*Snapshot, error) {
	sess, err := e.storage.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	v, err := e.versions.GetVersion(ctx, sess.WorkflowVersionID)
	if err != nil {
		return nil, err
	}
	history, err := e.storage.ListStageInstances(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Session:  sess,
		Version:  v,
		History:  history,
		Progress: progress(v, history),
	}
	for _, si := range history {
		if si.Status != models.StageInstanceActive {
			continue
		}
		stage, ok := v.Stage(si.StageID)
		if !ok {
			return nil, fmt.Errorf("stage instance %s: %w", si.ID, models.NotFoundError("stage", si.StageID))
		}
		snap.Active = si
		snap.Stage = &stage
		snap.Missing = transition.MissingItems(stage, si.CompletedItems)
		if snap.Next, err = transition.NextStages(v, stage.ID, si.CompletedItems, sess.Context); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

// sessionVersion loads the version a session is pinned to. The pin never
// changes, so it is safe to read before the transaction that uses it.
func (e *Engine) sessionVersion(ctx context.Context, sessionID string) (*models.WorkflowVersion, error) {
	sess, err := e.storage.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return e.versions.GetVersion(ctx, sess.WorkflowVersionID)
}

// releaseCurrent clears the current-session pointer if it still names the
// session. Losing the race means another writer already moved it.
func (e *Engine) releaseCurrent(ctx context.Context, sessionID string) {
	if e.status == nil {
		return
	}
	rec, err := e.status.GetStatus(ctx, models.StatusCurrentSession)
	if err != nil {
		e.log.Warn("failed to read current session", zap.Error(err))
		return
	}
	if rec.Value != sessionID {
		return
	}
	_, err = e.status.CompareAndSwapStatus(ctx, models.StatusCurrentSession, rec.Version, "")
	switch {
	case errors.Is(err, models.ErrConflict):
		e.log.Debug("current session moved before release", zap.String("session", sessionID))
	case err != nil:
		e.log.Warn("failed to release current session", zap.String("session", sessionID), zap.Error(err))
	}
}

func activeStage(ctx context.Context, q *storage.Queries, v *models.WorkflowVersion, sessionID string) (*models.StageInstance, models.Stage, error) {
	active, err := q.FindActiveStageInstance(ctx, sessionID)
	if err != nil {
		return nil, models.Stage{}, err
	}
	if active == nil {
		return nil, models.Stage{}, fmt.Errorf("session %s: %w", sessionID, models.ErrNoActiveStage)
	}
	stage, ok := v.Stage(active.StageID)
	if !ok {
		return nil, models.Stage{}, fmt.Errorf("stage instance %s: %w", active.ID, models.NotFoundError("stage", active.StageID))
	}
	return active, stage, nil
}

func checkItems(stage models.Stage, items []string) error {
	verr := &models.ValidationError{Subject: "checklist"}
	for _, id := range items {
		if !stage.HasItem(id) {
			verr.Add("item %q is not on the checklist of stage %q", id, stage.Name)
		}
	}
	return verr.Err()
}

// mergeItems appends the ids of add missing from have, keeping first-seen order.
func mergeItems(have, add []string) []string {
	seen := make(map[string]bool, len(have)+len(add))
	out := make([]string, 0, len(have)+len(add))
	for _, list := range [][]string{have, add} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
