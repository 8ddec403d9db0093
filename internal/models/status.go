package models

import "time"

type StatusKey string

const (
	StatusCurrentTask    StatusKey = "current_task"
	StatusCurrentSession StatusKey = "current_session"
)

// StatusRecord is a single durable pointer. Version 0 means the record has
// never been written; every successful write increments it.
type StatusRecord struct {
	Key       StatusKey
	Value     string // empty means null
	Version   int64
	UpdatedAt time.Time
}
