package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/devflow/internal/definition"
	"github.com/mpataki/devflow/internal/models"
	"github.com/mpataki/devflow/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	db     *storage.Storage
	defs   *definition.Store
	engine *Engine
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "devflow.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	defs := definition.New(db, nil)
	return &fixture{
		db:     db,
		defs:   defs,
		engine: New(db, defs, WithTaskStore(db), WithStatusStore(db)),
	}
}

func (f *fixture) publish(t *testing.T, spec definition.VersionSpec) *models.WorkflowVersion {
	t.Helper()
	ctx := context.Background()
	def, err := f.defs.CreateDefinition(ctx, "wf-"+uuid.NewString()[:8], "", "")
	require.NoError(t, err)
	v, err := f.defs.PublishVersion(ctx, def.ID, spec)
	require.NoError(t, err)
	return v
}

// storySpecCoding: story(0) -> spec(1) -> coding(2), story gated on "ac".
func storySpecCoding() definition.VersionSpec {
	return definition.VersionSpec{
		Stages: []definition.StageSpec{
			{Name: "story", Order: 0, Checklist: []models.ChecklistItem{
				{ID: "ac", Label: "Acceptance criteria written"},
				{ID: "estimate", Label: "Estimated", Optional: true},
			}},
			{Name: "spec", Order: 1},
			{Name: "coding", Order: 2},
		},
		Transitions: []definition.TransitionSpec{
			{From: "story", To: "spec"},
			{From: "spec", To: "coding"},
		},
	}
}

func stageName(t *testing.T, v *models.WorkflowVersion, si *models.StageInstance) string {
	t.Helper()
	require.NotNil(t, si)
	st, ok := v.Stage(si.StageID)
	require.True(t, ok)
	return st.Name
}

func assertSingleActive(t *testing.T, f *fixture, sessionID string) {
	t.Helper()
	instances, err := f.db.ListStageInstances(context.Background(), sessionID)
	require.NoError(t, err)
	active := 0
	for _, si := range instances {
		if si.Status == models.StageInstanceActive {
			active++
		}
	}
	assert.LessOrEqual(t, active, 1, "session %s has %d active stage instances", sessionID, active)
}

func TestStorySpecCodingScenario(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, storySpecCoding())

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{Name: "login page"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, sess.Status)

	history, err := f.engine.ListStageInstances(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "story", stageName(t, v, history[0]))
	assert.Empty(t, history[0].TransitionID)

	res, err := f.engine.Advance(ctx, sess.ID, []string{"ac"})
	require.NoError(t, err)
	assert.False(t, res.SessionCompleted)
	assert.Equal(t, "spec", stageName(t, v, res.Next))
	assert.Equal(t, []string{"ac"}, res.Completed.CompletedItems)
	assertSingleActive(t, f, sess.ID)

	res, err = f.engine.Advance(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "coding", stageName(t, v, res.Next))
	assertSingleActive(t, f, sess.ID)

	res, err = f.engine.Advance(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.True(t, res.SessionCompleted)
	assert.Nil(t, res.Next)
	assert.Empty(t, res.Candidates)
	assertSingleActive(t, f, sess.ID)

	got, err := f.engine.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)

	history, err = f.engine.ListStageInstances(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, name := range []string{"story", "spec", "coding"} {
		assert.Equal(t, name, stageName(t, v, history[i]))
		assert.Equal(t, models.StageInstanceCompleted, history[i].Status)
		assert.Equal(t, i+1, history[i].Seq)
	}
	// Each later instance records the transition that reached it.
	assert.Equal(t, v.Outgoing(history[0].StageID)[0].ID, history[1].TransitionID)

	pct, err := f.engine.Progress(ctx, sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, pct, 0.001)

	_, err = f.engine.Advance(ctx, sess.ID, nil)
	assert.True(t, errors.Is(err, models.ErrNotActive))
}

func TestCreateSessionZeroStages(t *testing.T) {
	f := setup(t)
	v := f.publish(t, definition.VersionSpec{})

	_, err := f.engine.CreateSession(context.Background(), v.ID, CreateOptions{})
	assert.True(t, errors.Is(err, models.ErrInvalidVersion))

	sessions, err := f.engine.ListSessions(context.Background(), storage.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCreateSessionUnknownVersion(t *testing.T) {
	f := setup(t)
	_, err := f.engine.CreateSession(context.Background(), "missing", CreateOptions{})
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestAdvanceChecklistIncompleteChangesNothing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, storySpecCoding())

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)

	_, err = f.engine.Advance(ctx, sess.ID, []string{"estimate"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrChecklistIncomplete))
	assert.Contains(t, err.Error(), "ac")

	history, err := f.engine.ListStageInstances(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StageInstanceActive, history[0].Status)
	assert.Empty(t, history[0].CompletedItems, "a failed advance must not record items")

	got, err := f.engine.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, got.Status)
}

func TestAdvanceTerminalStageIsGated(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, definition.VersionSpec{
		Stages: []definition.StageSpec{
			{Name: "release", Order: 0, Checklist: []models.ChecklistItem{{ID: "tagged"}}},
		},
	})

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)

	_, err = f.engine.Advance(ctx, sess.ID, nil)
	assert.True(t, errors.Is(err, models.ErrChecklistIncomplete))

	res, err := f.engine.Advance(ctx, sess.ID, []string{"tagged"})
	require.NoError(t, err)
	assert.True(t, res.SessionCompleted)
}

func TestAdvanceRejectsUnknownItems(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, storySpecCoding())

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)

	_, err = f.engine.Advance(ctx, sess.ID, []string{"ac", "bogus", "nope"})
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Violations, 2)
}

func TestCheckItemsThenAdvance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, storySpecCoding())

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)

	si, err := f.engine.CheckItems(ctx, sess.ID, []string{"ac"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ac"}, si.CompletedItems)

	si, err = f.engine.CheckItems(ctx, sess.ID, []string{"estimate", "ac"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ac", "estimate"}, si.CompletedItems)

	snap, err := f.engine.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, snap.Missing)
	require.Len(t, snap.Next, 1)
	assert.Equal(t, "spec", snap.Next[0].Name)

	res, err := f.engine.Advance(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "spec", stageName(t, v, res.Next))
	assert.Equal(t, []string{"ac", "estimate"}, res.Completed.CompletedItems)
}

func TestConditionalBranchAndAlternatives(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, definition.VersionSpec{
		AllowCycles: true,
		Stages: []definition.StageSpec{
			{Name: "build", Order: 0},
			{Name: "review", Order: 1},
			{Name: "ship", Order: 2},
			{Name: "docs", Order: 3},
		},
		Transitions: []definition.TransitionSpec{
			{From: "build", To: "review"},
			{From: "review", To: "build", Condition: `verdict == "changes"`, Priority: 0},
			{From: "review", To: "ship", Condition: `verdict == "approved"`, Priority: 0},
			{From: "review", To: "docs", Priority: 5},
		},
	})

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)
	_, err = f.engine.Advance(ctx, sess.ID, nil)
	require.NoError(t, err)

	_, err = f.engine.UpdateContext(ctx, sess.ID, map[string]any{"verdict": "changes"})
	require.NoError(t, err)

	res, err := f.engine.Advance(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "build", stageName(t, v, res.Next))
	require.Len(t, res.Alternatives, 1)
	assert.Equal(t, "docs", res.Alternatives[0].Name)

	// Revisiting build does not count twice towards progress.
	pct, err := f.engine.Progress(ctx, sess.ID)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, pct, 0.001)

	_, err = f.engine.Advance(ctx, sess.ID, nil)
	require.NoError(t, err)
	updated, err := f.engine.UpdateContext(ctx, sess.ID, map[string]any{"verdict": "approved", "reviewer": "sam"})
	require.NoError(t, err)
	assert.Equal(t, "sam", updated.Context["reviewer"])

	res, err = f.engine.Advance(ctx, sess.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "ship", stageName(t, v, res.Next))
	assertSingleActive(t, f, sess.ID)

	updated, err = f.engine.UpdateContext(ctx, sess.ID, map[string]any{"reviewer": nil})
	require.NoError(t, err)
	assert.NotContains(t, updated.Context, "reviewer")
	assert.Equal(t, "approved", updated.Context["verdict"])
}

func TestPauseResume(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, storySpecCoding())

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)

	_, err = f.engine.Resume(ctx, sess.ID)
	var stateErr *models.StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, models.SessionStatusActive, stateErr.Current)
	assert.Equal(t, "resume", stateErr.Attempted)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	paused, err := f.engine.Pause(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusPaused, paused.Status)

	_, err = f.engine.Advance(ctx, sess.ID, []string{"ac"})
	assert.True(t, errors.Is(err, models.ErrNotActive))

	_, err = f.engine.Pause(ctx, sess.ID)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	resumed, err := f.engine.Resume(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusActive, resumed.Status)

	_, err = f.engine.Advance(ctx, sess.ID, []string{"ac"})
	require.NoError(t, err)
}

func TestAbort(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, storySpecCoding())

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)
	_, err = f.engine.Pause(ctx, sess.ID)
	require.NoError(t, err)

	aborted, err := f.engine.Abort(ctx, sess.ID, "requirements dropped")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusAborted, aborted.Status)
	assert.Equal(t, "requirements dropped", aborted.AbortReason)
	assertSingleActive(t, f, sess.ID)

	history, err := f.engine.ListStageInstances(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.StageInstanceSkipped, history[0].Status)
	assert.Contains(t, history[0].Notes, "aborted: requirements dropped")

	_, err = f.engine.Abort(ctx, sess.ID, "again")
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	_, err = f.engine.Resume(ctx, sess.ID)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	_, err = f.engine.AddNote(ctx, sess.ID, "late")
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	// Terminal sessions never gain stage instances, even through the repository.
	err = f.db.InsertStageInstance(ctx, &models.StageInstance{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		StageID:   history[0].StageID,
		Status:    models.StageInstanceActive,
		StartedAt: time.Now().UTC(),
	})
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
}

func TestAbortCompletedSessionFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, definition.VersionSpec{Stages: []definition.StageSpec{{Name: "only", Order: 0}}})

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)
	res, err := f.engine.Advance(ctx, sess.ID, nil)
	require.NoError(t, err)
	require.True(t, res.SessionCompleted)

	_, err = f.engine.Abort(ctx, sess.ID, "too late")
	var stateErr *models.StateError
	require.True(t, errors.As(err, &stateErr))
	assert.Equal(t, models.SessionStatusCompleted, stateErr.Current)
}

func TestRepositoryRejectsSecondActiveInstance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, storySpecCoding())

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)

	err = f.db.InsertStageInstance(ctx, &models.StageInstance{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		StageID:   v.Stages[1].ID,
		Status:    models.StageInstanceActive,
		StartedAt: time.Now().UTC(),
	})
	assert.True(t, errors.Is(err, models.ErrActiveStageExists))
	assertSingleActive(t, f, sess.ID)
}

func TestProgressIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, storySpecCoding())

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)

	pct, err := f.engine.Progress(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, pct)

	_, err = f.engine.Advance(ctx, sess.ID, []string{"ac"})
	require.NoError(t, err)

	first, err := f.engine.Progress(ctx, sess.ID)
	require.NoError(t, err)
	second, err := f.engine.Progress(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.InDelta(t, 100.0/3, first, 0.001)
}

func TestCreateSessionLinksTask(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, storySpecCoding())

	task := &models.Task{ID: uuid.NewString(), Title: "Add login", CreatedAt: time.Now().UTC()}
	require.NoError(t, f.db.CreateTask(ctx, task))

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{TaskID: task.ID})
	require.NoError(t, err)
	assert.Equal(t, task.ID, sess.TaskID)
	assert.Equal(t, "Add login", sess.Name)

	got, err := f.db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.LinkedSessionID)

	_, err = f.engine.CreateSession(ctx, v.ID, CreateOptions{TaskID: "missing"})
	assert.True(t, errors.Is(err, models.ErrNotFound))

	sessions, err := f.engine.ListSessions(ctx, storage.SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestFinishingReleasesCurrentSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, definition.VersionSpec{Stages: []definition.StageSpec{{Name: "only", Order: 0}}})

	current, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)
	other, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)

	_, err = f.db.CompareAndSwapStatus(ctx, models.StatusCurrentSession, 0, current.ID)
	require.NoError(t, err)

	// Finishing a session that is not current leaves the pointer alone.
	_, err = f.engine.Abort(ctx, other.ID, "")
	require.NoError(t, err)
	rec, err := f.db.GetStatus(ctx, models.StatusCurrentSession)
	require.NoError(t, err)
	assert.Equal(t, current.ID, rec.Value)

	_, err = f.engine.Advance(ctx, current.ID, nil)
	require.NoError(t, err)
	rec, err = f.db.GetStatus(ctx, models.StatusCurrentSession)
	require.NoError(t, err)
	assert.Empty(t, rec.Value)
	assert.Equal(t, int64(2), rec.Version)
}

func TestAddNote(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, storySpecCoding())

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)

	_, err = f.engine.AddNote(ctx, sess.ID, "talked to design")
	require.NoError(t, err)
	si, err := f.engine.AddNote(ctx, sess.ID, "see PR 12")
	require.NoError(t, err)
	assert.Equal(t, []string{"talked to design", "see PR 12"}, si.Notes)
}

func TestConcurrentAdvanceKeepsOneActive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	v := f.publish(t, definition.VersionSpec{
		Stages: []definition.StageSpec{
			{Name: "a", Order: 0}, {Name: "b", Order: 1}, {Name: "c", Order: 2},
		},
		Transitions: []definition.TransitionSpec{{From: "a", To: "b"}, {From: "b", To: "c"}},
	})

	sess, err := f.engine.CreateSession(ctx, v.ID, CreateOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var succeeded int
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Advance(ctx, sess.ID, nil)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			assert.True(t, errors.Is(err, models.ErrNotActive), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assertSingleActive(t, f, sess.ID)

	got, err := f.engine.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
}

func TestMergeItems(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, mergeItems([]string{"a", "b"}, []string{"b", "c", "a"}))
	assert.Empty(t, mergeItems(nil, nil))
}
