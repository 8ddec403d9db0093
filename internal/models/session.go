package models

import "time"

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusPaused    SessionStatus = "paused"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusAborted   SessionStatus = "aborted"
)

// Terminal reports whether no further stage instances may be created.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusAborted
}

type FlowSession struct {
	ID                string
	WorkflowVersionID string
	Name              string
	Status            SessionStatus
	TaskID            string
	Context           map[string]any
	AbortReason       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

type StageInstanceStatus string

const (
	StageInstanceActive    StageInstanceStatus = "active"
	StageInstanceCompleted StageInstanceStatus = "completed"
	StageInstanceSkipped   StageInstanceStatus = "skipped"
)

type StageInstance struct {
	ID             string
	SessionID      string
	StageID        string
	TransitionID   string // empty for the first stage of a session
	Seq            int
	Status         StageInstanceStatus
	StartedAt      time.Time
	CompletedAt    *time.Time
	CompletedItems []string
	Notes          []string
}

// HasCompleted reports whether the checklist item was recorded as done.
func (si *StageInstance) HasCompleted(itemID string) bool {
	for _, id := range si.CompletedItems {
		if id == itemID {
			return true
		}
	}
	return false
}

// Task is the slice of an external task record the core reads and writes.
type Task struct {
	ID              string
	Title           string
	LinkedSessionID string
	CreatedAt       time.Time
}
