package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
	"github.com/desertthunder/favsync/internal/ui"
	"github.com/urfave/cli/v3"
)

const waitPollInterval = 500 * time.Millisecond

// Sync submits a sync_favorites task.
func (r *Runner) Sync(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(); err != nil {
		return err
	}

	params := models.SyncParams{
		CollectionID: cmd.String("collection"),
		Resume:       cmd.Bool("resume"),
		SkipCovers:   cmd.Bool("skip-covers"),
		ForceCovers:  cmd.Bool("force-covers"),
	}
	if params.SkipCovers && params.ForceCovers {
		return fmt.Errorf("%w: --skip-covers and --force-covers are exclusive", shared.ErrInvalidFlag)
	}

	if params.Resume {
		cp, err := r.engine.Checkpoint()
		if err != nil {
			return err
		}
		if !cp.IsResumable() {
			return fmt.Errorf("%w: checkpoint %s is %s", shared.ErrNotResumable, cp.TaskID, cp.Status)
		}
	}

	id, err := r.queue.SubmitSync(params, cmd.Int("priority"))
	if err != nil {
		return err
	}
	return r.follow(ctx, id, cmd.Bool("wait"))
}

// SyncStatus prints the progress recorded in the outstanding checkpoint.
func (r *Runner) SyncStatus(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(); err != nil {
		return err
	}

	cp, err := r.engine.Checkpoint()
	if errors.Is(err, shared.ErrCheckpointNotFound) {
		r.writePlain("%s\n", ui.Muted("No sync checkpoint"))
		return nil
	} else if err != nil {
		return err
	}

	info := cp.Progress()
	if cmd.Bool("json") {
		return r.writeJSON(info, true)
	}

	r.writePlain("%s\n", ui.Title("Sync "+info.TaskID))
	r.writePlain("%-10s %s\n", "Status:", info.Status)
	r.writePlain("%-10s %s\n", "Progress:", ui.ProgressBar(info.Percentage, 0))
	r.writePlain("%-10s %d total, %d to fetch, %d fetched, %d processed, %d downloaded, %d failed\n",
		"Folders:", info.Total, info.ToFetch, info.Fetched, info.Processed, info.Downloaded, info.Failed)
	if info.CurrentCollection != "" {
		r.writePlain("%-10s %s, page %d\n", "Current:", info.CurrentCollection, info.CurrentPage)
	}
	r.writePlain("%-10s %s\n", "Updated:", info.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if info.Resumable {
		r.writePlain("%s\n", ui.Muted("Resume with 'favsync sync --resume'"))
	}
	r.writePlain("%s", ui.SyncSummary(info.Stats))
	return nil
}

// SyncClean removes the checkpoint and its page cache.
func (r *Runner) SyncClean(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(); err != nil {
		return err
	}
	if err := r.engine.Clean(cmd.Bool("all")); err != nil {
		return err
	}
	r.writePlain("%s\n", ui.Success("Sync checkpoint removed"))
	return nil
}

// follow reports a submitted task, and with wait set runs the executor in this process until
// the task reaches a terminal status.
//
// When another process is already executing a task the executor is not started here and the
// task is only polled.
func (r *Runner) follow(ctx context.Context, id string, wait bool) error {
	if !wait {
		r.writePlain("%s\n", ui.Success("Task queued: "+id))
		r.writePlain("%s\n", ui.Muted("Run 'favsync worker' to execute it, or 'favsync task status "+id+"' to check on it"))
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	info, err := r.queue.Info()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	if info.RunningCount == 0 {
		go func() { done <- r.executor.Run(runCtx) }()
	} else {
		r.logger.Info("another worker is busy, waiting for it to reach the task", "task_id", id)
		done <- nil
	}

	task, err := r.queue.Wait(ctx, id, waitPollInterval)
	cancel()
	if runErr := <-done; runErr != nil {
		r.logger.Warn("executor stopped with error", "error", runErr)
	}
	if err != nil {
		return err
	}

	r.writePlain("%s", ui.TaskDetail(task.View(time.Now().UTC())))
	if task.Status != models.StatusCompleted {
		message := ""
		if task.Result != nil {
			message = task.Result.ErrorMessage
		}
		return fmt.Errorf("task %s %s: %s", task.ID, task.Status, message)
	}
	return nil
}
