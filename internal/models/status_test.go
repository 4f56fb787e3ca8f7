package models

import (
	"errors"
	"testing"
	"time"

	"github.com/desertthunder/favsync/internal/shared"
)

func TestCanTransition(t *testing.T) {
	tt := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusPaused, true},
		{StatusPending, StatusCancelled, true},
		{StatusPaused, StatusPending, true},
		{StatusPaused, StatusCancelled, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusFailed, StatusPending, true},

		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusPending, false},
		{StatusCancelled, StatusPending, false},
		{StatusFailed, StatusRunning, false},
		{StatusPaused, StatusRunning, false},
		{StatusRunning, StatusPaused, false},
		{StatusRunning, StatusPending, false},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusPending, false},
		{TaskStatus("bogus"), StatusPending, false},
	}

	for _, tc := range tt {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			if got := CanTransition(tc.from, tc.to); got != tc.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestTransitionTask(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("running stamps started", func(t *testing.T) {
		task := &Task{ID: "t1", Status: StatusPending}
		if err := TransitionTask(task, StatusRunning, now); err != nil {
			t.Fatalf("TransitionTask() error = %v", err)
		}
		if task.StartedAt == nil || !task.StartedAt.Equal(now) {
			t.Errorf("StartedAt = %v, want %v", task.StartedAt, now)
		}
		if !task.UpdatedAt.Equal(now) {
			t.Errorf("UpdatedAt = %v, want %v", task.UpdatedAt, now)
		}
	})

	t.Run("terminal stamps completed", func(t *testing.T) {
		task := &Task{ID: "t1", Status: StatusRunning}
		if err := TransitionTask(task, StatusFailed, now); err != nil {
			t.Fatalf("TransitionTask() error = %v", err)
		}
		if task.CompletedAt == nil {
			t.Error("CompletedAt should be set")
		}
	})

	t.Run("retry clears timestamps", func(t *testing.T) {
		started := now.Add(-time.Minute)
		task := &Task{ID: "t1", Status: StatusFailed, StartedAt: &started, CompletedAt: &now}
		if err := TransitionTask(task, StatusPending, now); err != nil {
			t.Fatalf("TransitionTask() error = %v", err)
		}
		if task.StartedAt != nil || task.CompletedAt != nil {
			t.Errorf("timestamps not cleared: started=%v completed=%v", task.StartedAt, task.CompletedAt)
		}
	})

	t.Run("illegal transition leaves task untouched", func(t *testing.T) {
		task := &Task{ID: "t1", Status: StatusCompleted}
		err := TransitionTask(task, StatusRunning, now)
		if !errors.Is(err, shared.ErrInvalidTransition) {
			t.Fatalf("TransitionTask() error = %v, want ErrInvalidTransition", err)
		}
		if task.Status != StatusCompleted {
			t.Errorf("status changed to %s", task.Status)
		}
		if task.StartedAt != nil {
			t.Error("StartedAt should not be set on rejected transition")
		}
	})
}
