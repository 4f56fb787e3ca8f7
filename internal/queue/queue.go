// Package queue stores background tasks and runs them one at a time.
//
// [Queue] is the durable side: it creates tasks, applies the status transition table and
// answers pollers. [Executor] is the single worker loop that claims the next pending task,
// dispatches it to the [Handler] registered for its type and records the outcome.
//
// Request handlers and CLI commands only ever enqueue or read; task bodies run on the
// executor goroutine.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

// Store persists tasks. Implemented by repositories.TaskRepository.
type Store interface {
	Create(task *models.Task) error
	Get(id string) (*models.Task, error)
	UpdateIfStatus(task *models.Task, expected models.TaskStatus) (bool, error)
	Claim(task *models.Task) (bool, error)
	UpdateProgress(id string, progress models.TaskProgress) error
	Heartbeat(id, workerID string, at time.Time) error
	Delete(id string) error
	NextPending() (*models.Task, error)
	List(criteria map[string]any) ([]*models.Task, error)
	CountByStatus() (map[models.TaskStatus]int, error)
	CountByType(status models.TaskStatus) (map[models.TaskType]int, error)
	DeleteFinishedBefore(cutoff time.Time) (int64, error)
}

// Reporter receives progress from a running handler.
type Reporter interface {
	Report(current, total int, message string)
}

// Handler runs the body of one task type.
type Handler interface {
	Handle(ctx context.Context, task *models.Task, reporter Reporter) (*models.TaskResult, error)
}

// HandlerFunc adapts a function to [Handler].
type HandlerFunc func(ctx context.Context, task *models.Task, reporter Reporter) (*models.TaskResult, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task *models.Task, reporter Reporter) (*models.TaskResult, error) {
	return f(ctx, task, reporter)
}

// casAttempts bounds the read-modify-write loop of a status change racing the executor.
const casAttempts = 3

// Queue is the task queue over a [Store].
type Queue struct {
	store       Store
	maxRetries  int
	wake        chan struct{}
	cancelHooks map[models.TaskType]CancelHook
	logger      *log.Logger
	now         func() time.Time
}

// CancelHook releases what a task left behind when it is cancelled before running again.
type CancelHook func(task *models.Task) error

// New creates a Queue. maxRetries is the retry budget given to tasks built by the Submit helpers.
func New(store Store, maxRetries int, logger *log.Logger) *Queue {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	if maxRetries < 0 {
		maxRetries = models.DefaultMaxRetries
	}
	return &Queue{
		store:       store,
		maxRetries:  maxRetries,
		wake:        make(chan struct{}, 1),
		cancelHooks: make(map[models.TaskType]CancelHook),
		logger:      shared.WithLogger(logger, "component", "queue"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Wake returns the channel signalled when a task becomes runnable.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Submit validates and stores a pending task and returns its id.
func (q *Queue) Submit(task *models.Task) (string, error) {
	if task.Status == "" {
		task.Status = models.StatusPending
	}
	if task.Status != models.StatusPending {
		return "", fmt.Errorf("%w: new tasks must be pending, got %q", shared.ErrInvalidInput, task.Status)
	}
	if err := q.store.Create(task); err != nil {
		return "", err
	}

	q.logger.Info("Task submitted", "task_id", task.ID, "type", task.Type, "priority", task.Priority)
	q.notify()
	return task.ID, nil
}

// SubmitSync enqueues a favorites sync. An empty CollectionID syncs every collection.
func (q *Queue) SubmitSync(params models.SyncParams, priority int) (string, error) {
	title := "Sync all favorites"
	if params.CollectionID != "" {
		title = "Sync favorites " + params.CollectionID
	}
	if params.Resume {
		title = "Resume favorites sync"
	}
	return q.Submit(q.newTask(models.TaskSyncFavorites, title, models.TaskParams{Sync: &params}, priority))
}

// SubmitDownload enqueues a single video download.
func (q *Queue) SubmitDownload(params models.DownloadParams, priority int) (string, error) {
	title := "Download " + params.BVID
	return q.Submit(q.newTask(models.TaskVideoDownload, title, models.TaskParams{Download: &params}, priority))
}

// SubmitBatchDownload enqueues a batch download.
func (q *Queue) SubmitBatchDownload(params models.BatchDownloadParams, priority int) (string, error) {
	title := fmt.Sprintf("Download %d videos", len(params.BVIDs))
	if params.CollectionID != "" {
		title = "Download collection " + params.CollectionID
	}
	return q.Submit(q.newTask(models.TaskBatchDownload, title, models.TaskParams{Batch: &params}, priority))
}

func (q *Queue) newTask(taskType models.TaskType, title string, params models.TaskParams, priority int) *models.Task {
	task := models.NewTask(taskType, title, params)
	task.Priority = priority
	task.MaxRetries = q.maxRetries
	return task
}

// Get returns a task by id.
func (q *Queue) Get(id string) (*models.Task, error) {
	return q.store.Get(id)
}

// Status returns the poller view of a task.
func (q *Queue) Status(id string) (models.TaskStatusView, error) {
	task, err := q.store.Get(id)
	if err != nil {
		return models.TaskStatusView{}, err
	}
	return task.View(q.now()), nil
}

// OnCancel installs the hook Cancel runs for tasks of taskType. Install hooks before the
// queue is shared.
func (q *Queue) OnCancel(taskType models.TaskType, hook CancelHook) {
	q.cancelHooks[taskType] = hook
}

// Cancel stops a pending or paused task. Running tasks are not interrupted.
//
// The cancel stands even when the task type's hook fails; the failure is logged.
func (q *Queue) Cancel(id string) error {
	if err := q.userTransition(id, models.StatusCancelled, nil, models.StatusPending, models.StatusPaused); err != nil {
		return err
	}

	task, err := q.store.Get(id)
	if err != nil {
		q.logger.Warn("Cancelled task vanished before cleanup", "task_id", id, "error", err)
		return nil
	}
	if hook := q.cancelHooks[task.Type]; hook != nil {
		if err := hook(task); err != nil {
			q.logger.Warn("Cancel cleanup failed", "task_id", id, "type", task.Type, "error", err)
		}
	}
	return nil
}

// Pause holds a pending task back from the executor.
func (q *Queue) Pause(id string) error {
	return q.userTransition(id, models.StatusPaused, nil, models.StatusPending)
}

// Resume returns a paused task to the queue.
func (q *Queue) Resume(id string) error {
	if err := q.userTransition(id, models.StatusPending, nil, models.StatusPaused); err != nil {
		return err
	}
	q.notify()
	return nil
}

// Retry requeues a failed task.
//
// An explicit retry always runs: when the automatic budget is spent, max_retries is raised to
// the new retry count.
func (q *Queue) Retry(id string) error {
	err := q.userTransition(id, models.StatusPending, func(task *models.Task) {
		task.RetryCount++
		if task.RetryCount > task.MaxRetries {
			task.MaxRetries = task.RetryCount
		}
		task.Result = nil
		task.Progress = models.TaskProgress{}
	}, models.StatusFailed)
	if err != nil {
		return err
	}
	q.notify()
	return nil
}

// Delete removes a task whatever its status.
func (q *Queue) Delete(id string) error {
	return q.store.Delete(id)
}

// userTransition applies a status change requested by a user, only from the listed states.
func (q *Queue) userTransition(id string, to models.TaskStatus, mutate func(*models.Task), from ...models.TaskStatus) error {
	for range casAttempts {
		task, err := q.store.Get(id)
		if err != nil {
			return err
		}

		current := task.Status
		if !slices.Contains(from, current) {
			return fmt.Errorf("%w: %q -> %q (task_id=%s)", shared.ErrInvalidTransition, current, to, id)
		}

		if err := models.TransitionTask(task, to, q.now()); err != nil {
			return err
		}
		if mutate != nil {
			mutate(task)
		}

		ok, err := q.store.UpdateIfStatus(task, current)
		if err != nil {
			return err
		}
		if ok {
			q.logger.Info("Task status changed", "task_id", id, "from", current, "to", to)
			return nil
		}
	}
	return fmt.Errorf("%w: task %s changed concurrently", shared.ErrInvalidTransition, id)
}

// List returns tasks matching criteria, newest first. See repositories.TaskRepository.List.
func (q *Queue) List(criteria map[string]any) ([]*models.Task, error) {
	return q.store.List(criteria)
}

// ListActive returns pending, running and paused tasks.
func (q *Queue) ListActive() ([]*models.Task, error) {
	return q.store.List(map[string]any{"status": models.ActiveStatuses})
}

// Info summarizes the queue.
func (q *Queue) Info() (models.QueueInfo, error) {
	counts, err := q.store.CountByStatus()
	if err != nil {
		return models.QueueInfo{}, err
	}
	byType, err := q.store.CountByType(models.StatusPending)
	if err != nil {
		return models.QueueInfo{}, err
	}
	return models.QueueInfo{
		PendingCount:  counts[models.StatusPending],
		RunningCount:  counts[models.StatusRunning],
		PausedCount:   counts[models.StatusPaused],
		PendingByType: byType,
	}, nil
}

// Stats counts every stored task by status and by type.
func (q *Queue) Stats() (models.TaskStats, error) {
	byStatus, err := q.store.CountByStatus()
	if err != nil {
		return models.TaskStats{}, err
	}
	byType, err := q.store.CountByType("")
	if err != nil {
		return models.TaskStats{}, err
	}

	stats := models.TaskStats{ByStatus: byStatus, ByType: byType}
	for _, n := range byStatus {
		stats.Total += n
	}
	return stats, nil
}

// Cleanup deletes finished tasks that completed more than olderThan ago.
func (q *Queue) Cleanup(olderThan time.Duration) (int64, error) {
	n, err := q.store.DeleteFinishedBefore(q.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Info("Old tasks removed", "count", n)
	}
	return n, nil
}

// Wait polls a task until it reaches a terminal status.
func (q *Queue) Wait(ctx context.Context, id string, interval time.Duration) (*models.Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := q.store.Get(id)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// DequeueNext claims the next pending task for workerID and returns it running, or nil when
// nothing can run.
//
// Nothing is claimed while another task is running.
func (q *Queue) DequeueNext(workerID string) (*models.Task, error) {
	for range casAttempts {
		task, err := q.store.NextPending()
		if errors.Is(err, shared.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		if err := models.TransitionTask(task, models.StatusRunning, q.now()); err != nil {
			return nil, err
		}
		task.Progress = models.TaskProgress{}
		claimedAt := q.now()
		task.WorkerID = workerID
		task.HeartbeatAt = &claimedAt

		ok, err := q.store.Claim(task)
		if err != nil {
			return nil, err
		}
		if ok {
			return task, nil
		}

		counts, err := q.store.CountByStatus()
		if err != nil {
			return nil, err
		}
		if counts[models.StatusRunning] > 0 {
			return nil, nil
		}
	}
	return nil, nil
}

// Complete records a successful run.
func (q *Queue) Complete(task *models.Task, result *models.TaskResult) error {
	if result == nil {
		result = &models.TaskResult{}
	}
	result.Success = true

	if err := models.TransitionTask(task, models.StatusCompleted, q.now()); err != nil {
		return err
	}
	task.Result = result
	if task.Progress.Total > 0 {
		task.Progress.Current = task.Progress.Total
	}
	task.Progress.Percentage = 100
	return q.finish(task)
}

// Fail records a failed run and requeues the task when its retry budget allows.
//
// The failed state and the requeue are written together, so pollers only see failed once the
// budget is spent.
//
// Errors that would fail again the same way, such as a corrupt checkpoint, are never requeued.
func (q *Queue) Fail(task *models.Task, result *models.TaskResult, cause error) (requeued bool, err error) {
	if result == nil {
		result = &models.TaskResult{}
	}
	result.Success = false
	result.ErrorMessage = cause.Error()
	result.ErrorCode = ErrorCode(cause)

	if err := models.TransitionTask(task, models.StatusFailed, q.now()); err != nil {
		return false, err
	}
	task.Result = result

	if task.CanRetry() && retryable(cause) {
		task.RetryCount++
		if err := models.TransitionTask(task, models.StatusPending, q.now()); err != nil {
			return false, err
		}
		requeued = true
	}

	if err := q.finish(task); err != nil {
		return false, err
	}
	if requeued {
		q.logger.Warn("Task failed, requeued", "task_id", task.ID, "retry", task.RetryCount, "max_retries", task.MaxRetries, "error", cause)
		q.notify()
	} else {
		q.logger.Error("Task failed", "task_id", task.ID, "retries", task.RetryCount, "error", cause)
	}
	return requeued, nil
}

// finish writes the outcome of a running task. A task cancelled while running keeps its
// cancelled state.
func (q *Queue) finish(task *models.Task) error {
	ok, err := q.store.UpdateIfStatus(task, models.StatusRunning)
	if err != nil {
		return err
	}
	if !ok {
		q.logger.Warn("Task left running state before it finished", "task_id", task.ID)
	}
	return nil
}

// retryable reports whether another attempt could succeed. A corrupt checkpoint, a run that
// cannot be resumed and a folder the provider does not know fail the same way every time.
func retryable(err error) bool {
	switch {
	case errors.Is(err, shared.ErrCheckpointCorrupt),
		errors.Is(err, shared.ErrNotResumable),
		errors.Is(err, shared.ErrCollectionNotFound):
		return false
	}
	return true
}

// Heartbeat stamps task as alive on behalf of the executor that claimed it.
func (q *Queue) Heartbeat(task *models.Task) error {
	return q.store.Heartbeat(task.ID, task.WorkerID, q.now())
}

// ReportProgress writes the progress of a running task.
func (q *Queue) ReportProgress(id string, progress models.TaskProgress) error {
	return q.store.UpdateProgress(id, progress)
}

// RecoverInterrupted fails running tasks whose executor has not written a heartbeat for
// staleAfter, then applies the retry policy. Tasks owned by a live executor are left alone.
func (q *Queue) RecoverInterrupted(staleAfter time.Duration) (int, error) {
	running, err := q.store.List(map[string]any{"status": models.StatusRunning})
	if err != nil {
		return 0, err
	}

	cutoff := q.now().Add(-staleAfter)
	recovered := 0
	for _, task := range running {
		if !task.IsStale(cutoff) {
			continue
		}
		q.logger.Warn("Recovering task from a silent executor", "task_id", task.ID, "worker", task.WorkerID, "heartbeat", task.HeartbeatAt)
		if _, err := q.Fail(task, task.Result, errInterrupted); err != nil {
			return recovered, fmt.Errorf("failed to recover task %s: %w", task.ID, err)
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.Warn("Recovered interrupted tasks", "count", recovered)
	}
	return recovered, nil
}

var errInterrupted = errors.New("interrupted: executor stopped before the task finished")

// ErrorCode maps an error to the short code stored with a failed task.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errInterrupted):
		return "interrupted"
	case errors.Is(err, errPanic):
		return "panic"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, shared.ErrNoHandler):
		return "no_handler"
	case errors.Is(err, shared.ErrCollectionNotFound):
		return "collection_not_found"
	case errors.Is(err, shared.ErrCheckpointCorrupt):
		return "checkpoint_corrupt"
	case errors.Is(err, shared.ErrCheckpointNotFound), errors.Is(err, shared.ErrNotResumable):
		return "not_resumable"
	case errors.Is(err, shared.ErrMissingCredentials):
		return "missing_credentials"
	case errors.Is(err, shared.ErrProviderRateLimited):
		return "rate_limited"
	case errors.Is(err, shared.ErrDependencyMissing):
		return "dependency_missing"
	case errors.Is(err, shared.ErrDownloadFailed):
		return "download_failed"
	case errors.Is(err, shared.ErrAPIRequest), errors.Is(err, shared.ErrUnexpectedResponse),
		errors.Is(err, shared.ErrServiceUnavailable):
		return "provider_error"
	case errors.Is(err, shared.ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal"
	}
}
