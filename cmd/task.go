package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
	"github.com/desertthunder/favsync/internal/ui"
	"github.com/urfave/cli/v3"
)

// TaskStatus prints one task.
func (r *Runner) TaskStatus(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(); err != nil {
		return err
	}
	id, err := r.resolveTaskID(cmd.StringArg("id"))
	if err != nil {
		return err
	}

	view, err := r.queue.Status(id)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return r.writeJSON(view, true)
	}
	r.writePlain("%s", ui.TaskDetail(view))
	return nil
}

// TaskList prints tasks matching the filters.
func (r *Runner) TaskList(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(); err != nil {
		return err
	}

	criteria := map[string]any{"limit": cmd.Int("limit")}
	if status := cmd.String("status"); status != "" {
		if !models.IsKnownStatus(models.TaskStatus(status)) {
			return fmt.Errorf("%w: unknown status %q", shared.ErrInvalidFlag, status)
		}
		criteria["status"] = models.TaskStatus(status)
	}
	if cmd.Bool("active") {
		criteria["status"] = models.ActiveStatuses
	}
	if taskType := cmd.String("type"); taskType != "" {
		if !models.TaskType(taskType).IsKnown() {
			return fmt.Errorf("%w: unknown type %q", shared.ErrInvalidFlag, taskType)
		}
		criteria["type"] = models.TaskType(taskType)
	}

	list, err := r.queue.List(criteria)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	views := make([]models.TaskStatusView, 0, len(list))
	for _, t := range list {
		views = append(views, t.View(now))
	}

	if cmd.Bool("json") {
		return r.writeJSON(views, true)
	}
	if len(views) == 0 {
		r.writePlain("%s\n", ui.Muted("No tasks"))
		return nil
	}
	r.writePlain("%s\n", ui.TaskTable(views))
	return nil
}

// TaskCancel cancels a pending or paused task.
func (r *Runner) TaskCancel(ctx context.Context, cmd *cli.Command) error {
	return r.transition(cmd, "cancelled", func(id string) error { return r.queue.Cancel(id) })
}

// TaskPause holds a pending task.
func (r *Runner) TaskPause(ctx context.Context, cmd *cli.Command) error {
	return r.transition(cmd, "paused", func(id string) error { return r.queue.Pause(id) })
}

// TaskResume returns a paused task to the queue.
func (r *Runner) TaskResume(ctx context.Context, cmd *cli.Command) error {
	return r.transition(cmd, "resumed", func(id string) error { return r.queue.Resume(id) })
}

// TaskRetry requeues a failed task.
func (r *Runner) TaskRetry(ctx context.Context, cmd *cli.Command) error {
	return r.transition(cmd, "requeued", func(id string) error { return r.queue.Retry(id) })
}

// TaskDelete removes a task that is not running.
func (r *Runner) TaskDelete(ctx context.Context, cmd *cli.Command) error {
	return r.transition(cmd, "deleted", func(id string) error { return r.queue.Delete(id) })
}

func (r *Runner) transition(cmd *cli.Command, verb string, apply func(id string) error) error {
	if err := r.open(); err != nil {
		return err
	}
	id, err := r.resolveTaskID(cmd.StringArg("id"))
	if err != nil {
		return err
	}
	if err := apply(id); err != nil {
		return err
	}
	r.writePlain("%s\n", ui.Success(fmt.Sprintf("Task %s %s", id, verb)))
	return nil
}

// TaskQueue prints the queue depth.
func (r *Runner) TaskQueue(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(); err != nil {
		return err
	}
	info, err := r.queue.Info()
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return r.writeJSON(info, true)
	}

	r.writePlain("%s\n", ui.Title("Queue"))
	r.writePlain("%-9s %d\n", "Pending:", info.PendingCount)
	r.writePlain("%-9s %d\n", "Running:", info.RunningCount)
	r.writePlain("%-9s %d\n", "Paused:", info.PausedCount)
	for _, t := range sortedKeys(info.PendingByType) {
		r.writePlain("  %-16s %d\n", t, info.PendingByType[models.TaskType(t)])
	}
	return nil
}

// TaskStats prints task counts by status and by type.
func (r *Runner) TaskStats(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(); err != nil {
		return err
	}
	stats, err := r.queue.Stats()
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return r.writeJSON(stats, true)
	}

	r.writePlain("%s\n", ui.Title(fmt.Sprintf("Tasks: %d", stats.Total)))
	r.writePlain("By status:\n")
	for _, s := range sortedKeys(stats.ByStatus) {
		r.writePlain("  %-16s %d\n", ui.Status(models.TaskStatus(s)), stats.ByStatus[models.TaskStatus(s)])
	}
	r.writePlain("By type:\n")
	for _, t := range sortedKeys(stats.ByType) {
		r.writePlain("  %-16s %d\n", t, stats.ByType[models.TaskType(t)])
	}
	return nil
}

// TaskCleanup deletes finished tasks older than the retention window.
func (r *Runner) TaskCleanup(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(); err != nil {
		return err
	}
	days := cmd.Int("days")
	if days <= 0 {
		days = r.config.Executor.CleanupAfterDays
	}
	if days <= 0 {
		return fmt.Errorf("%w: retention must be positive", shared.ErrInvalidFlag)
	}

	n, err := r.queue.Cleanup(time.Duration(days) * 24 * time.Hour)
	if err != nil {
		return err
	}
	r.writePlain("%s\n", ui.Success(fmt.Sprintf("Removed %d tasks finished more than %d days ago", n, days)))
	return nil
}

// resolveTaskID accepts a full id or a unique prefix such as the one shown by task list.
func (r *Runner) resolveTaskID(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: task id", shared.ErrMissingArgument)
	}
	if _, err := r.queue.Get(id); err == nil {
		return id, nil
	} else if !errors.Is(err, shared.ErrNotFound) {
		return "", err
	}

	all, err := r.queue.List(nil)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, t := range all {
		if strings.HasPrefix(t.ID, id) {
			matches = append(matches, t.ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: task %s", shared.ErrNotFound, id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %q matches %d tasks", shared.ErrInvalidArgument, id, len(matches))
	}
}

func sortedKeys[K ~string, V any](m map[K]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}
