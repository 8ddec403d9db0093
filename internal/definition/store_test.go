package definition

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/devflow/internal/models"
	"github.com/mpataki/devflow/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*Store, *storage.Storage) {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "devflow.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, nil), db
}

func linearSpec(names ...string) VersionSpec {
	var spec VersionSpec
	for i, name := range names {
		spec.Stages = append(spec.Stages, StageSpec{Name: name, Order: i})
		if i > 0 {
			spec.Transitions = append(spec.Transitions, TransitionSpec{From: names[i-1], To: name})
		}
	}
	return spec
}

func TestValidateAcceptsLinearFlow(t *testing.T) {
	assert.NoError(t, Validate(linearSpec("story", "spec", "coding")))
}

func TestValidateAcceptsEmptyVersion(t *testing.T) {
	assert.NoError(t, Validate(VersionSpec{}))
}

func TestValidateReportsEveryViolation(t *testing.T) {
	spec := VersionSpec{
		Stages: []StageSpec{
			{Name: "a", Order: 0, Checklist: []models.ChecklistItem{{ID: "x"}, {ID: "x"}, {ID: ""}}},
			{Name: "a", Order: 2},
			{Name: "", Order: 2},
		},
		Transitions: []TransitionSpec{
			{From: "a", To: "ghost"},
			{From: "a", To: "a", Condition: "verdict = 1"},
			{From: "a", To: "a", Condition: "ok", Priority: -1},
		},
	}

	err := Validate(spec)
	require.Error(t, err)

	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))

	joined := err.Error()
	assert.Contains(t, joined, `stage name "a" is used more than once`)
	assert.Contains(t, joined, "stage #3 has no name")
	assert.Contains(t, joined, "share order index 2")
	assert.Contains(t, joined, `checklist item "x" is listed more than once`)
	assert.Contains(t, joined, "checklist item #3 has no id")
	assert.Contains(t, joined, "order index 1 is missing")
	assert.Contains(t, joined, `unknown to-stage "ghost"`)
	assert.Contains(t, joined, "priority must not be negative")
	assert.Contains(t, joined, "expected")
	assert.GreaterOrEqual(t, len(verr.Violations), 8)
}

func TestValidateRejectsGapInOrder(t *testing.T) {
	spec := VersionSpec{Stages: []StageSpec{{Name: "a", Order: 0}, {Name: "b", Order: 5}}}

	err := Validate(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order index 1 is missing")
	assert.Contains(t, err.Error(), `stage "b" has order index 5 outside 0..1`)
}

func TestValidateCycles(t *testing.T) {
	spec := linearSpec("draft", "review", "ship")
	spec.Transitions = append(spec.Transitions, TransitionSpec{
		From: "review", To: "draft", Condition: `verdict == "changes"`,
	})

	err := Validate(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle draft -> review -> draft")

	spec.AllowCycles = true
	assert.NoError(t, Validate(spec))
}

func TestValidateSelfLoop(t *testing.T) {
	spec := linearSpec("a", "b")
	spec.Transitions = append(spec.Transitions, TransitionSpec{From: "b", To: "b", Condition: "retry"})

	err := Validate(spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle b -> b")
}

func TestPublishVersion(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	def, err := store.CreateDefinition(ctx, "feature", "development", "ship a feature")
	require.NoError(t, err)

	spec := linearSpec("story", "spec", "coding")
	spec.Stages[0].Checklist = []models.ChecklistItem{{ID: "ac", Label: "Acceptance criteria"}}
	spec.Stages[2].Deliverables = []string{"pull request"}

	v1, err := store.PublishVersion(ctx, def.ID, spec)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Number)
	require.Len(t, v1.Stages, 3)
	require.Len(t, v1.Transitions, 2)

	got, err := store.storage.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"story", "spec", "coding"}, stageNames(got))
	assert.Equal(t, []models.ChecklistItem{{ID: "ac", Label: "Acceptance criteria"}}, got.Stages[0].Checklist)
	assert.Equal(t, []string{"pull request"}, got.Stages[2].Deliverables)

	story, _ := got.StageByName("story")
	spc, _ := got.StageByName("spec")
	out := got.Outgoing(story.ID)
	require.Len(t, out, 1)
	assert.Equal(t, spc.ID, out[0].ToStageID)

	// The first version becomes the default.
	def, err = store.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, def.DefaultVersionID)

	v2, err := store.PublishVersion(ctx, def.ID, linearSpec("story", "coding"))
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Number)

	def, err = store.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, def.DefaultVersionID, "later versions only become default when asked")

	// Publishing v2 left v1 untouched.
	again, err := store.storage.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"story", "spec", "coding"}, stageNames(again))

	versions, err := store.ListVersions(ctx, def.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Number)
}

func TestPublishVersionMakeDefault(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	def, err := store.CreateDefinition(ctx, "bugfix", "", "")
	require.NoError(t, err)

	_, err = store.PublishVersion(ctx, def.ID, linearSpec("triage"))
	require.NoError(t, err)

	spec := linearSpec("triage", "fix")
	spec.MakeDefault = true
	v2, err := store.PublishVersion(ctx, def.ID, spec)
	require.NoError(t, err)

	v, err := store.DefaultVersion(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, v.ID)
}

func TestPublishVersionInvalidWritesNothing(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	def, err := store.CreateDefinition(ctx, "loopy", "", "")
	require.NoError(t, err)

	spec := linearSpec("a", "b")
	spec.Transitions = append(spec.Transitions, TransitionSpec{From: "b", To: "a"})
	_, err = store.PublishVersion(ctx, def.ID, spec)

	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))

	versions, err := store.ListVersions(ctx, def.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)

	_, err = store.DefaultVersion(ctx, def.ID)
	assert.True(t, errors.Is(err, models.ErrInvalidVersion))
}

func TestPublishVersionUnknownDefinition(t *testing.T) {
	store, _ := setupStore(t)

	_, err := store.PublishVersion(context.Background(), "missing", linearSpec("a"))
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestCreateDefinitionDuplicateName(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	_, err := store.CreateDefinition(ctx, "feature", "", "")
	require.NoError(t, err)

	_, err = store.CreateDefinition(ctx, "feature", "", "")
	var verr *models.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = store.CreateDefinition(ctx, "  ", "", "")
	assert.True(t, errors.As(err, &verr))
}

func TestSetDefaultVersionRejectsForeignVersion(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	a, err := store.CreateDefinition(ctx, "a", "", "")
	require.NoError(t, err)
	b, err := store.CreateDefinition(ctx, "b", "", "")
	require.NoError(t, err)

	vb, err := store.PublishVersion(ctx, b.ID, linearSpec("x"))
	require.NoError(t, err)

	err = store.SetDefaultVersion(ctx, a.ID, vb.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestDeleteVersion(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	def, err := store.CreateDefinition(ctx, "feature", "", "")
	require.NoError(t, err)
	unused, err := store.PublishVersion(ctx, def.ID, linearSpec("a", "b"))
	require.NoError(t, err)
	used, err := store.PublishVersion(ctx, def.ID, linearSpec("a"))
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, db.CreateSession(ctx, &models.FlowSession{
		ID:                uuid.NewString(),
		WorkflowVersionID: used.ID,
		Status:            models.SessionStatusActive,
		Context:           map[string]any{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}))

	err = store.DeleteVersion(ctx, used.ID)
	assert.True(t, errors.Is(err, models.ErrVersionInUse))

	require.NoError(t, store.DeleteVersion(ctx, unused.ID))

	_, err = store.GetVersion(ctx, unused.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound), "deleted versions must not be served from cache")

	def, err = store.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Empty(t, def.DefaultVersionID)
}

func TestGetVersionCaches(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	def, err := store.CreateDefinition(ctx, "feature", "", "")
	require.NoError(t, err)
	v, err := store.PublishVersion(ctx, def.ID, linearSpec("a"))
	require.NoError(t, err)

	first, err := store.GetVersion(ctx, v.ID)
	require.NoError(t, err)

	// A fresh store reads through to the database, then serves the same pointer.
	fresh := New(db, nil)
	loaded, err := fresh.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, v.ID, loaded.ID)

	second, err := fresh.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Same(t, loaded, second)
	assert.Same(t, v, first)
}

func stageNames(v *models.WorkflowVersion) []string {
	names := make([]string, 0, len(v.Stages))
	for _, st := range v.Stages {
		names = append(names, st.Name)
	}
	return names
}
