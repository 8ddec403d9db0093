// Package definition owns workflow definitions and their immutable versions.
package definition

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/devflow/internal/models"
	"github.com/mpataki/devflow/internal/storage"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// StageSpec describes a stage to publish. Transitions refer to stages by name.
type StageSpec struct {
	Name         string
	Order        int
	Description  string
	Checklist    []models.ChecklistItem
	Deliverables []string
}

type TransitionSpec struct {
	From      string
	To        string
	Condition string
	Priority  int
}

type VersionSpec struct {
	Stages      []StageSpec
	Transitions []TransitionSpec
	// AllowCycles lets the graph loop back on itself. Without it a cycle is a
	// validation error, which guarantees every session terminates.
	AllowCycles bool
	// MakeDefault flags the new version as the one sessions start from. The
	// first version of a definition always becomes the default.
	MakeDefault bool
}

type Store struct {
	storage  *storage.Storage
	versions *cache.Cache
	log      *zap.Logger
}

func New(store *storage.Storage, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		storage: store,
		// Published versions never change, so entries never need invalidating;
		// the cleanup interval only bounds memory in long-lived processes.
		versions: cache.New(30*time.Minute, 10*time.Minute),
		log:      log.Named("definitions"),
	}
}

func (s *Store) CreateDefinition(ctx context.Context, name, typ, description string) (*models.WorkflowDefinition, error) {
	verr := &models.ValidationError{Subject: "workflow definition"}
	if strings.TrimSpace(name) == "" {
		verr.Add("name is required")
	}
	if err := verr.Err(); err != nil {
		return nil, err
	}

	def := &models.WorkflowDefinition{
		ID:          uuid.NewString(),
		Name:        name,
		Type:        typ,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.storage.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}

	s.log.Info("definition created", zap.String("definition", def.ID), zap.String("name", name))
	return def, nil
}

// PublishVersion validates spec and stores it as the next version of the
// definition. Earlier versions are never modified.
func (s *Store) PublishVersion(ctx context.Context, definitionID string, spec VersionSpec) (*models.WorkflowVersion, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}

	v := &models.WorkflowVersion{
		ID:           uuid.NewString(),
		DefinitionID: definitionID,
		AllowCycles:  spec.AllowCycles,
		CreatedAt:    time.Now().UTC(),
	}

	stageIDs := make(map[string]string, len(spec.Stages))
	for _, st := range spec.Stages {
		id := uuid.NewString()
		stageIDs[st.Name] = id
		v.Stages = append(v.Stages, models.Stage{
			ID:           id,
			VersionID:    v.ID,
			Name:         st.Name,
			Order:        st.Order,
			Description:  st.Description,
			Checklist:    st.Checklist,
			Deliverables: st.Deliverables,
		})
	}
	sortStages(v.Stages)

	for _, t := range spec.Transitions {
		v.Transitions = append(v.Transitions, models.Transition{
			ID:          uuid.NewString(),
			VersionID:   v.ID,
			FromStageID: stageIDs[t.From],
			ToStageID:   stageIDs[t.To],
			Condition:   strings.TrimSpace(t.Condition),
			Priority:    t.Priority,
		})
	}

	err := s.storage.WithTx(ctx, func(q *storage.Queries) error {
		def, err := q.GetDefinition(ctx, definitionID)
		if err != nil {
			return err
		}

		number, err := q.NextVersionNumber(ctx, definitionID)
		if err != nil {
			return err
		}
		v.Number = number

		if err := q.InsertVersion(ctx, v); err != nil {
			return err
		}

		if spec.MakeDefault || def.DefaultVersionID == "" {
			return q.SetDefaultVersion(ctx, definitionID, v.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.versions.SetDefault(v.ID, v)
	s.log.Info("version published",
		zap.String("definition", definitionID),
		zap.String("version", v.ID),
		zap.Int("number", v.Number),
		zap.Int("stages", len(v.Stages)),
		zap.Int("transitions", len(v.Transitions)),
	)
	return v, nil
}

// GetVersion returns the immutable stage graph of a version. The result is
// shared between callers and must not be modified.
func (s *Store) GetVersion(ctx context.Context, versionID string) (*models.WorkflowVersion, error) {
	if cached, ok := s.versions.Get(versionID); ok {
		return cached.(*models.WorkflowVersion), nil
	}

	v, err := s.storage.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	s.versions.SetDefault(versionID, v)
	return v, nil
}

func (s *Store) GetDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return s.storage.GetDefinition(ctx, id)
}

func (s *Store) GetDefinitionByName(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	return s.storage.GetDefinitionByName(ctx, name)
}

func (s *Store) ListDefinitions(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return s.storage.ListDefinitions(ctx)
}

func (s *Store) ListVersions(ctx context.Context, definitionID string) ([]*models.WorkflowVersion, error) {
	return s.storage.ListVersions(ctx, definitionID)
}

// DefaultVersion returns the version new sessions of the definition start from.
func (s *Store) DefaultVersion(ctx context.Context, definitionID string) (*models.WorkflowVersion, error) {
	def, err := s.storage.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if def.DefaultVersionID == "" {
		return nil, fmt.Errorf("workflow %q has no published version: %w", def.Name, models.ErrInvalidVersion)
	}
	return s.GetVersion(ctx, def.DefaultVersionID)
}

func (s *Store) SetDefaultVersion(ctx context.Context, definitionID, versionID string) error {
	return s.storage.WithTx(ctx, func(q *storage.Queries) error {
		v, err := q.GetVersion(ctx, versionID)
		if err != nil {
			return err
		}
		if v.DefinitionID != definitionID {
			return fmt.Errorf("version %s belongs to another definition: %w", versionID, models.ErrNotFound)
		}
		return q.SetDefaultVersion(ctx, definitionID, versionID)
	})
}

// DeleteVersion removes a version that no session has ever used.
func (s *Store) DeleteVersion(ctx context.Context, versionID string) error {
	err := s.storage.WithTx(ctx, func(q *storage.Queries) error {
		n, err := q.CountSessionsForVersion(ctx, versionID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("version %s has %d sessions: %w", versionID, n, models.ErrVersionInUse)
		}
		return q.DeleteVersion(ctx, versionID)
	})
	if err != nil {
		return err
	}

	s.versions.Delete(versionID)
	s.log.Info("version deleted", zap.String("version", versionID))
	return nil
}

func sortStages(stages []models.Stage) {
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Order < stages[j].Order
	})
}
