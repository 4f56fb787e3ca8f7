package models

import (
	"fmt"
	"time"

	"github.com/desertthunder/favsync/internal/shared"
)

// TaskStatus is the lifecycle state of a [Task].
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
	StatusPaused    TaskStatus = "paused"
)

// ActiveStatuses are the states listed as active work.
var ActiveStatuses = []TaskStatus{StatusPending, StatusRunning, StatusPaused}

var allowedTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusPaused:    true,
		StatusCancelled: true,
	},
	StatusPaused: {
		StatusPending:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusFailed: {
		StatusPending: true, // automatic or explicit retry
	},
	StatusCompleted: {},
	StatusCancelled: {},
}

// IsKnownStatus reports whether status is part of the transition table.
func IsKnownStatus(status TaskStatus) bool {
	_, ok := allowedTransitions[status]
	return ok
}

// IsTerminal reports whether no further work happens in this state without a retry.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from → to is legal.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// TransitionTask moves task to the given status and stamps the matching timestamps.
//
// Entering running sets StartedAt, entering a terminal state sets CompletedAt, and
// returning to pending from failed clears both so the next attempt is timed afresh.
func TransitionTask(task *Task, to TaskStatus, now time.Time) error {
	from := task.Status
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %q -> %q (task_id=%s)", shared.ErrInvalidTransition, from, to, task.ID)
	}

	switch {
	case to == StatusRunning:
		task.StartedAt = &now
		task.CompletedAt = nil
	case to.IsTerminal():
		task.CompletedAt = &now
	case from == StatusFailed && to == StatusPending:
		task.StartedAt = nil
		task.CompletedAt = nil
	}

	task.Status = to
	task.UpdatedAt = now
	return nil
}
