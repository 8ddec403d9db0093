// Package status owns the two global pointers, current task and current
// session. Each pointer is one versioned record changed only by
// compare-and-swap, so concurrent CLI invocations never block each other: the
// loser of a race gets models.ErrConflict and re-reads.
package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/mpataki/devflow/internal/models"
	"go.uber.org/zap"
)

// Store is a versioned record store. Version 0 means the record does not
// exist yet. storage.Storage and RedisStore implement it.
type Store interface {
	GetStatus(ctx context.Context, key models.StatusKey) (models.StatusRecord, error)
	CompareAndSwapStatus(ctx context.Context, key models.StatusKey, expected int64, value string) (models.StatusRecord, error)
}

type SessionReader interface {
	GetSession(ctx context.Context, id string) (*models.FlowSession, error)
}

type TaskReader interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
}

const DefaultRetries = 3

type ProviderOption func(*pointer)

// WithRetries bounds the read-and-swap attempts Activate makes.
func WithRetries(n int) ProviderOption {
	return func(p *pointer) {
		if n > 0 {
			p.retries = n
		}
	}
}

func WithLogger(log *zap.Logger) ProviderOption {
	return func(p *pointer) { p.log = log.Named("status") }
}

type pointer struct {
	store   Store
	key     models.StatusKey
	retries int
	log     *zap.Logger
}

func newPointer(store Store, key models.StatusKey, opts []ProviderOption) pointer {
	p := pointer{store: store, key: key, retries: DefaultRetries, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Current returns the pointer record. An empty Value means nothing is current.
func (p *pointer) Current(ctx context.Context) (models.StatusRecord, error) {
	return p.store.GetStatus(ctx, p.key)
}

func (p *pointer) swap(ctx context.Context, id string, expected int64) (models.StatusRecord, error) {
	rec, err := p.store.CompareAndSwapStatus(ctx, p.key, expected, id)
	if err != nil {
		return rec, err
	}
	p.log.Info("pointer moved",
		zap.String("key", string(p.key)),
		zap.String("value", id),
		zap.Int64("version", rec.Version),
	)
	return rec, nil
}

// activate re-reads and swaps until it wins or runs out of attempts.
func (p *pointer) activate(ctx context.Context, id string) (models.StatusRecord, error) {
	for attempt := 1; attempt <= p.retries; attempt++ {
		cur, err := p.Current(ctx)
		if err != nil {
			return cur, err
		}
		if cur.Value == id && cur.Version > 0 {
			return cur, nil
		}

		rec, err := p.swap(ctx, id, cur.Version)
		if !errors.Is(err, models.ErrConflict) {
			return rec, err
		}
		p.log.Debug("retrying pointer swap", zap.String("key", string(p.key)), zap.Int("attempt", attempt))
	}
	return models.StatusRecord{}, fmt.Errorf("%s: gave up after %d attempts: %w", p.key, p.retries, models.ErrConflict)
}

// TaskProvider manages the current task. Moving it never touches the current
// session: a task may be focused before any session exists for it.
type TaskProvider struct {
	pointer
	tasks TaskReader
}

func NewTaskProvider(store Store, tasks TaskReader, opts ...ProviderOption) *TaskProvider {
	return &TaskProvider{pointer: newPointer(store, models.StatusCurrentTask, opts), tasks: tasks}
}

// Set makes taskID current if the record is still at version expected.
func (p *TaskProvider) Set(ctx context.Context, taskID string, expected int64) (models.StatusRecord, error) {
	if _, err := p.tasks.GetTask(ctx, taskID); err != nil {
		return models.StatusRecord{}, err
	}
	return p.swap(ctx, taskID, expected)
}

func (p *TaskProvider) Clear(ctx context.Context, expected int64) (models.StatusRecord, error) {
	return p.swap(ctx, "", expected)
}

// Activate makes taskID current regardless of the version the caller last saw.
func (p *TaskProvider) Activate(ctx context.Context, taskID string) (models.StatusRecord, error) {
	if _, err := p.tasks.GetTask(ctx, taskID); err != nil {
		return models.StatusRecord{}, err
	}
	return p.activate(ctx, taskID)
}

// SessionProvider manages the current session. Making a session current also
// makes its linked task current.
type SessionProvider struct {
	pointer
	sessions SessionReader
	tasks    *TaskProvider
}

func NewSessionProvider(store Store, sessions SessionReader, tasks *TaskProvider, opts ...ProviderOption) *SessionProvider {
	return &SessionProvider{
		pointer:  newPointer(store, models.StatusCurrentSession, opts),
		sessions: sessions,
		tasks:    tasks,
	}
}

func (p *SessionProvider) Set(ctx context.Context, sessionID string, expected int64) (models.StatusRecord, error) {
	sess, err := p.selectable(ctx, sessionID)
	if err != nil {
		return models.StatusRecord{}, err
	}
	rec, err := p.swap(ctx, sessionID, expected)
	if err != nil {
		return rec, err
	}
	return rec, p.followTask(ctx, sess)
}

func (p *SessionProvider) Clear(ctx context.Context, expected int64) (models.StatusRecord, error) {
	return p.swap(ctx, "", expected)
}

func (p *SessionProvider) Activate(ctx context.Context, sessionID string) (models.StatusRecord, error) {
	sess, err := p.selectable(ctx, sessionID)
	if err != nil {
		return models.StatusRecord{}, err
	}
	rec, err := p.activate(ctx, sessionID)
	if err != nil {
		return rec, err
	}
	return rec, p.followTask(ctx, sess)
}

// selectable loads the session and refuses finished ones.
func (p *SessionProvider) selectable(ctx context.Context, sessionID string) (*models.FlowSession, error) {
	sess, err := p.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, &models.StateError{
			SessionID: sess.ID,
			Current:   sess.Status,
			Attempted: "make current",
			Kind:      models.ErrInvalidTransition,
		}
	}
	return sess, nil
}

func (p *SessionProvider) followTask(ctx context.Context, sess *models.FlowSession) error {
	if sess.TaskID == "" || p.tasks == nil {
		return nil
	}
	if _, err := p.tasks.Activate(ctx, sess.TaskID); err != nil {
		return fmt.Errorf("session %s is current but its task %s is not: %w", sess.ID, sess.TaskID, err)
	}
	return nil
}
