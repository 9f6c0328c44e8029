// Package task defines the schedulable unit of work and its failure taxonomy.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks in the scheduler queue. Lower values run first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a name to a Priority. Unknown names yield PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Status is the scheduler-side lifecycle of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions can follow s.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Work is the payload of a task. It must observe ctx and return promptly
// once ctx is done.
type Work func(ctx context.Context) (any, error)

// Task is a unit of scheduled work. Once handed to the scheduler it is owned
// by it until resolved; callers interact only through the returned handle.
type Task struct {
	ID               string
	SessionID        string
	Priority         Priority
	Work             Work
	Timeout          time.Duration
	RetriesRemaining int
}

// New returns a task with a generated ID.
func New(priority Priority, timeout time.Duration, retries int, work Work) *Task {
	return &Task{
		ID:               uuid.NewString(),
		Priority:         priority,
		Work:             work,
		Timeout:          timeout,
		RetriesRemaining: retries,
	}
}

// Validate checks that the task can be admitted.
func (t *Task) Validate() error {
	if t == nil {
		return errors.New("task is nil")
	}
	if t.Work == nil {
		return errors.New("task work is required")
	}
	if t.Priority < PriorityHigh || t.Priority > PriorityLow {
		return fmt.Errorf("task priority %d out of range", int(t.Priority))
	}
	if t.RetriesRemaining < 0 {
		return errors.New("task retries must be >= 0")
	}
	return nil
}
