package models

import "time"

type WorkflowDefinition struct {
	ID               string
	Name             string
	Type             string
	Description      string
	DefaultVersionID string
	LatestVersion    int
	CreatedAt        time.Time
}

// WorkflowVersion is an immutable snapshot of a definition's stage graph.
// Stages are kept sorted by Order.
type WorkflowVersion struct {
	ID           string
	DefinitionID string
	Number       int
	AllowCycles  bool
	CreatedAt    time.Time
	Stages       []Stage
	Transitions  []Transition
}

type ChecklistItem struct {
	ID       string `json:"id" yaml:"id"`
	Label    string `json:"label" yaml:"label"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type Stage struct {
	ID           string
	VersionID    string
	Name         string
	Order        int
	Description  string
	Checklist    []ChecklistItem
	Deliverables []string
}

// RequiredItems returns the ids of checklist items that gate unconditional advance.
func (s Stage) RequiredItems() []string {
	var ids []string
	for _, item := range s.Checklist {
		if !item.Optional {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

func (s Stage) HasItem(id string) bool {
	for _, item := range s.Checklist {
		if item.ID == id {
			return true
		}
	}
	return false
}

type Transition struct {
	ID          string
	VersionID   string
	FromStageID string
	ToStageID   string
	Condition   string
	Priority    int
}

func (t Transition) Unconditional() bool {
	return t.Condition == ""
}

func (v *WorkflowVersion) Stage(id string) (Stage, bool) {
	for _, s := range v.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

func (v *WorkflowVersion) StageByName(name string) (Stage, bool) {
	for _, s := range v.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// FirstStage returns the stage with order index 0.
func (v *WorkflowVersion) FirstStage() (Stage, bool) {
	for _, s := range v.Stages {
		if s.Order == 0 {
			return s, true
		}
	}
	return Stage{}, false
}

func (v *WorkflowVersion) Outgoing(stageID string) []Transition {
	var out []Transition
	for _, t := range v.Transitions {
		if t.FromStageID == stageID {
			out = append(out, t)
		}
	}
	return out
}
