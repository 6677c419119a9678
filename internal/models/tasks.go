package models

import (
	"errors"
	"time"
)

type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
)

// IsTerminal reports whether no further transition is allowed from the state
func (s TaskState) IsTerminal() bool {
	return s == TaskStateSucceeded || s == TaskStateFailed
}

func (s TaskState) Valid() bool {
	switch s {
	case TaskStatePending, TaskStateRunning, TaskStateSucceeded, TaskStateFailed:
		return true
	default:
		return false
	}
}

type TaskID string

// Task is a point-in-time snapshot of one submitted crawl run
type Task struct {
	ID         TaskID     `json:"task_id"`
	State      TaskState  `json:"state"`
	Progress   int        `json:"progress"`
	Targets    []string   `json:"user_ids"`
	Result     *RunResult `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a copy that shares no mutable memory with t
func (t Task) Clone() Task {
	c := t
	c.Targets = append([]string(nil), t.Targets...)
	if t.Result != nil {
		r := *t.Result
		r.Targets = append([]string(nil), t.Result.Targets...)
		c.Result = &r
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		c.FinishedAt = &ts
	}
	return c
}

// RunResult summarises a successful crawl run
type RunResult struct {
	Message  string        `json:"message"`
	Targets  []string      `json:"user_ids"`
	Duration time.Duration `json:"duration"`
	Output   string        `json:"output,omitempty"`
}

var (
	ErrAlreadyActive     = errors.New("a crawl task is already running")
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrRunTimeout        = errors.New("crawl run timed out")
)
