// Package transition decides which stage a session moves to next. It is pure:
// the same version, stage, checklist state and context always produce the same
// ordered result, so sessions can be replayed and tested without a database.
package transition

import (
	"fmt"
	"sort"

	"github.com/mpataki/devflow/internal/condition"
	"github.com/mpataki/devflow/internal/models"
)

// Candidate is a reachable next stage and the transition that reaches it.
type Candidate struct {
	Stage      models.Stage
	Transition models.Transition
}

// NextStages returns the candidate next stages in preference order. An empty
// result means the current stage has nowhere to go.
func NextStages(v *models.WorkflowVersion, currentStageID string, completed []string, ctx map[string]any) ([]models.Stage, error) {
	candidates, err := Candidates(v, currentStageID, completed, ctx)
	if err != nil {
		return nil, err
	}
	stages := make([]models.Stage, 0, len(candidates))
	for _, c := range candidates {
		stages = append(stages, c.Stage)
	}
	return stages, nil
}

// Candidates is NextStages with the transition that produced each stage.
//
// Unconditional transitions only fire once every required checklist item of
// the current stage is complete. Conditional transitions fire whenever their
// predicate holds, which is how workflows express overrides and skips.
func Candidates(v *models.WorkflowVersion, currentStageID string, completed []string, ctx map[string]any) ([]Candidate, error) {
	current, ok := v.Stage(currentStageID)
	if !ok {
		return nil, fmt.Errorf("stage %s is not part of version %s: %w", currentStageID, v.ID, models.ErrNotFound)
	}

	gated := len(MissingItems(current, completed)) > 0

	var candidates []Candidate
	for _, t := range v.Outgoing(current.ID) {
		if t.Unconditional() {
			if gated {
				continue
			}
		} else {
			expr, err := condition.Compile(t.Condition)
			if err != nil {
				return nil, fmt.Errorf("transition %s: %w", t.ID, err)
			}
			if !expr.Eval(ctx) {
				continue
			}
		}

		target, ok := v.Stage(t.ToStageID)
		if !ok {
			return nil, fmt.Errorf("transition %s targets unknown stage %s: %w", t.ID, t.ToStageID, models.ErrNotFound)
		}
		candidates = append(candidates, Candidate{Stage: target, Transition: t})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Transition.Priority != b.Transition.Priority {
			return a.Transition.Priority < b.Transition.Priority
		}
		if a.Stage.Order != b.Stage.Order {
			return a.Stage.Order < b.Stage.Order
		}
		return a.Transition.ID < b.Transition.ID
	})

	// Keep each target once, at its best position.
	seen := make(map[string]bool, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		if seen[c.Stage.ID] {
			continue
		}
		seen[c.Stage.ID] = true
		out = append(out, c)
	}
	return out, nil
}

// MissingItems lists the required checklist items of stage not in completed.
func MissingItems(stage models.Stage, completed []string) []string {
	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}
	var missing []string
	for _, id := range stage.RequiredItems() {
		if !done[id] {
			missing = append(missing, id)
		}
	}
	return missing
}
