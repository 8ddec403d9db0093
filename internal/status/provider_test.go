package status

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/mpataki/devflow/internal/models"
	"github.com/mpataki/devflow/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStorage(t *testing.T) *storage.Storage {
	t.Helper()
	db, err := storage.New(filepath.Join(t.TempDir(), "devflow.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func setupRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, opts...), mr
}

// backends runs fn once per Store implementation. Sessions and tasks always
// live in SQLite.
func backends(t *testing.T, fn func(t *testing.T, db *storage.Storage, store Store)) {
	t.Run("sqlite", func(t *testing.T) {
		db := setupStorage(t)
		fn(t, db, db)
	})
	t.Run("redis", func(t *testing.T) {
		store, _ := setupRedisStore(t)
		fn(t, setupStorage(t), store)
	})
}

func seedSession(t *testing.T, db *storage.Storage, taskID string) *models.FlowSession {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	def := &models.WorkflowDefinition{ID: uuid.NewString(), Name: "wf-" + uuid.NewString(), CreatedAt: now}
	require.NoError(t, db.CreateDefinition(ctx, def))
	v := &models.WorkflowVersion{ID: uuid.NewString(), DefinitionID: def.ID, Number: 1, CreatedAt: now}
	require.NoError(t, db.InsertVersion(ctx, v))

	sess := &models.FlowSession{
		ID:                uuid.NewString(),
		WorkflowVersionID: v.ID,
		Status:            models.SessionStatusActive,
		TaskID:            taskID,
		Context:           map[string]any{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, db.CreateSession(ctx, sess))
	return sess
}

func seedTask(t *testing.T, db *storage.Storage, title string) *models.Task {
	t.Helper()
	task := &models.Task{ID: uuid.NewString(), Title: title, CreatedAt: time.Now().UTC()}
	require.NoError(t, db.CreateTask(context.Background(), task))
	return task
}

func TestCompareAndSwap(t *testing.T) {
	backends(t, func(t *testing.T, _ *storage.Storage, store Store) {
		ctx := context.Background()

		rec, err := store.GetStatus(ctx, models.StatusCurrentTask)
		require.NoError(t, err)
		assert.Zero(t, rec.Version)
		assert.Empty(t, rec.Value)

		rec, err = store.CompareAndSwapStatus(ctx, models.StatusCurrentTask, 0, "t1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.Version)

		_, err = store.CompareAndSwapStatus(ctx, models.StatusCurrentTask, 0, "t2")
		assert.True(t, errors.Is(err, models.ErrConflict))

		_, err = store.CompareAndSwapStatus(ctx, models.StatusCurrentTask, 5, "t2")
		assert.True(t, errors.Is(err, models.ErrConflict))

		rec, err = store.CompareAndSwapStatus(ctx, models.StatusCurrentTask, 1, "")
		require.NoError(t, err)
		assert.Equal(t, int64(2), rec.Version)

		got, err := store.GetStatus(ctx, models.StatusCurrentTask)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Empty(t, got.Value)

		// Keys are independent.
		other, err := store.GetStatus(ctx, models.StatusCurrentSession)
		require.NoError(t, err)
		assert.Zero(t, other.Version)
	})
}

func TestConcurrentSetExactlyOneWins(t *testing.T) {
	backends(t, func(t *testing.T, db *storage.Storage, store Store) {
		ctx := context.Background()
		tasks := NewTaskProvider(store, db)
		a := seedTask(t, db, "a")
		b := seedTask(t, db, "b")

		_, err := tasks.Set(ctx, a.ID, 0)
		require.NoError(t, err)
		read, err := tasks.Current(ctx)
		require.NoError(t, err)

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, 2)
		for i, id := range []string{a.ID, b.ID} {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				<-start
				_, errs[i] = tasks.Set(ctx, id, read.Version)
			}(i, id)
		}
		close(start)
		wg.Wait()

		var ok, conflicts int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, models.ErrConflict):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 1, conflicts)

		final, err := tasks.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, read.Version+1, final.Version)
	})
}

func TestConcurrentSessionSetExactlyOneWins(t *testing.T) {
	backends(t, func(t *testing.T, db *storage.Storage, store Store) {
		ctx := context.Background()
		tasks := NewTaskProvider(store, db)
		sessions := NewSessionProvider(store, db, tasks)

		t1 := seedTask(t, db, "login")
		t2 := seedTask(t, db, "search")
		s1 := seedSession(t, db, t1.ID)
		s2 := seedSession(t, db, t2.ID)

		read, err := sessions.Current(ctx)
		require.NoError(t, err)

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, 2)
		for i, id := range []string{s1.ID, s2.ID} {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				<-start
				_, errs[i] = sessions.Set(ctx, id, read.Version)
			}(i, id)
		}
		close(start)
		wg.Wait()

		winner := -1
		for i, err := range errs {
			switch {
			case err == nil:
				require.Equal(t, -1, winner, "both writers succeeded")
				winner = i
			case errors.Is(err, models.ErrConflict):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		require.NotEqual(t, -1, winner, "no writer succeeded")

		wantSession := []string{s1.ID, s2.ID}[winner]
		wantTask := []string{t1.ID, t2.ID}[winner]

		current, err := sessions.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, wantSession, current.Value)
		assert.Equal(t, read.Version+1, current.Version)

		task, err := tasks.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, wantTask, task.Value, "only the winner pulls its task into focus")
		assert.Equal(t, int64(1), task.Version)
	})
}

func TestSessionPullsTaskButNotReverse(t *testing.T) {
	backends(t, func(t *testing.T, db *storage.Storage, store Store) {
		ctx := context.Background()
		tasks := NewTaskProvider(store, db)
		sessions := NewSessionProvider(store, db, tasks)

		t1 := seedTask(t, db, "t1")
		t2 := seedTask(t, db, "t2")
		s1 := seedSession(t, db, t1.ID)

		_, err := sessions.Set(ctx, s1.ID, 0)
		require.NoError(t, err)

		curTask, err := tasks.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, t1.ID, curTask.Value)

		_, err = tasks.Set(ctx, t2.ID, curTask.Version)
		require.NoError(t, err)

		curSession, err := sessions.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, s1.ID, curSession.Value)

		curTask, err = tasks.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, t2.ID, curTask.Value)
	})
}

func TestSessionWithoutTaskLeavesTaskAlone(t *testing.T) {
	db := setupStorage(t)
	ctx := context.Background()
	tasks := NewTaskProvider(db, db)
	sessions := NewSessionProvider(db, db, tasks)

	t1 := seedTask(t, db, "t1")
	_, err := tasks.Activate(ctx, t1.ID)
	require.NoError(t, err)

	s := seedSession(t, db, "")
	_, err = sessions.Activate(ctx, s.ID)
	require.NoError(t, err)

	cur, err := tasks.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, t1.ID, cur.Value)
}

func TestSetValidatesTarget(t *testing.T) {
	db := setupStorage(t)
	ctx := context.Background()
	tasks := NewTaskProvider(db, db)
	sessions := NewSessionProvider(db, db, tasks)

	_, err := sessions.Set(ctx, "missing", 0)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	_, err = tasks.Set(ctx, "missing", 0)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	s := seedSession(t, db, "")
	s.Status = models.SessionStatusCompleted
	require.NoError(t, db.UpdateSession(ctx, s))
	_, err = sessions.Activate(ctx, s.ID)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	rec, err := sessions.Current(ctx)
	require.NoError(t, err)
	assert.Zero(t, rec.Version, "rejected sets must not write")
}

func TestActivateRetriesAfterConflict(t *testing.T) {
	db := setupStorage(t)
	ctx := context.Background()
	store := &racingStore{Store: db, races: 2}
	tasks := NewTaskProvider(store, db)
	task := seedTask(t, db, "t")

	rec, err := tasks.Activate(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, rec.Value)
	assert.Equal(t, 3, store.calls)
}

func TestActivateGivesUp(t *testing.T) {
	db := setupStorage(t)
	ctx := context.Background()
	store := &racingStore{Store: db, races: 10}
	tasks := NewTaskProvider(store, db, WithRetries(3))
	task := seedTask(t, db, "t")

	_, err := tasks.Activate(ctx, task.ID)
	assert.True(t, errors.Is(err, models.ErrConflict))
	assert.Equal(t, 3, store.calls)
}

func TestActivateIsNoOpWhenAlreadyCurrent(t *testing.T) {
	db := setupStorage(t)
	ctx := context.Background()
	tasks := NewTaskProvider(db, db)
	task := seedTask(t, db, "t")

	first, err := tasks.Activate(ctx, task.ID)
	require.NoError(t, err)
	second, err := tasks.Activate(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
}

func TestRedisStorePrefix(t *testing.T) {
	store, mr := setupRedisStore(t, WithPrefix("proj"))
	ctx := context.Background()

	_, err := store.CompareAndSwapStatus(ctx, models.StatusCurrentSession, 0, "s1")
	require.NoError(t, err)

	assert.True(t, mr.Exists("proj:status:current_session"))
	assert.Equal(t, "s1", mr.HGet("proj:status:current_session", "value"))
	assert.Equal(t, "1", mr.HGet("proj:status:current_session", "version"))
}

func TestRedisStoreBadVersion(t *testing.T) {
	store, mr := setupRedisStore(t)
	mr.HSet("devflow:status:current_task", "version", "abc")

	_, err := store.GetStatus(context.Background(), models.StatusCurrentTask)
	assert.Error(t, err)
}

// racingStore loses the first races swaps as if another writer got there first.
type racingStore struct {
	Store
	races int
	calls int
}

func (s *racingStore) CompareAndSwapStatus(ctx context.Context, key models.StatusKey, expected int64, value string) (models.StatusRecord, error) {
	s.calls++
	if s.calls <= s.races {
		return models.StatusRecord{}, models.ErrConflict
	}
	return s.Store.CompareAndSwapStatus(ctx, key, expected, value)
}
