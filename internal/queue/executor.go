package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

// DefaultPollInterval is the idle sleep between empty queue polls.
const DefaultPollInterval = 2 * time.Second

const (
	// DefaultHeartbeatInterval is how often a running task is stamped as alive.
	DefaultHeartbeatInterval = 10 * time.Second
	// DefaultStaleAfter is how long a running task may go without a heartbeat before another
	// executor treats its owner as dead.
	DefaultStaleAfter = time.Minute
)

var errPanic = errors.New("handler panicked")

// Executor runs queued tasks one at a time.
//
// Several executors, in one process or many, may share a database. Claims are exclusive and a
// running task is only taken over once its owner stops writing heartbeats.
type Executor struct {
	queue      *Queue
	handlers   map[models.TaskType]Handler
	interval   time.Duration
	heartbeat  time.Duration
	staleAfter time.Duration
	workerID   string
	running    atomic.Bool
	current  atomic.Value // string id of the task being executed
	logger   *log.Logger
}

// NewExecutor creates an Executor over q.
func NewExecutor(q *Queue, interval time.Duration, logger *log.Logger) *Executor {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	workerID := newWorkerID()
	e := &Executor{
		queue:      q,
		handlers:   make(map[models.TaskType]Handler),
		interval:   interval,
		heartbeat:  DefaultHeartbeatInterval,
		staleAfter: DefaultStaleAfter,
		workerID:   workerID,
		logger:     shared.WithLogger(logger, "component", "executor", "worker", workerID),
	}
	e.current.Store("")
	return e
}

// SetLiveness changes the heartbeat period and the silence after which another executor's
// running task is recovered. staleAfter should span several heartbeats. Call before Run.
func (e *Executor) SetLiveness(heartbeat, staleAfter time.Duration) {
	if heartbeat > 0 {
		e.heartbeat = heartbeat
	}
	if staleAfter > 0 {
		e.staleAfter = staleAfter
	}
}

// WorkerID identifies this executor in the rows it claims.
func (e *Executor) WorkerID() string {
	return e.workerID
}

func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), shared.GenerateID()[:8])
}

// Register sets the handler for a task type. Registration must happen before Run.
func (e *Executor) Register(taskType models.TaskType, h Handler) {
	e.handlers[taskType] = h
}

// Queue returns the queue the executor drains.
func (e *Executor) Queue() *Queue {
	return e.queue
}

// Running reports whether the loop is active.
func (e *Executor) Running() bool {
	return e.running.Load()
}

// Current returns the id of the task being executed, or an empty string.
func (e *Executor) Current() string {
	return e.current.Load().(string)
}

// Run executes tasks until ctx is cancelled.
//
// Tasks whose executor stopped sending heartbeats are recovered on start and whenever the queue
// is idle. A second concurrent Run on the same Executor returns [shared.ErrExecutorRunning].
func (e *Executor) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return shared.ErrExecutorRunning
	}
	defer e.running.Store(false)

	e.recoverStale()

	e.logger.Info("Executor started", "poll_interval", e.interval)
	defer e.logger.Info("Executor stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		ran, err := e.RunOnce(ctx)
		if err != nil {
			e.logger.Error("Executor poll failed", "error", err)
		}
		if ran {
			continue
		}
		e.recoverStale()

		select {
		case <-ctx.Done():
			return nil
		case <-e.queue.Wake():
		case <-time.After(e.interval):
		}
	}
}

func (e *Executor) recoverStale() {
	if _, err := e.queue.RecoverInterrupted(e.staleAfter); err != nil {
		e.logger.Error("Failed to recover interrupted tasks", "error", err)
	}
}

// RunOnce claims and executes the next pending task. It reports false when nothing was claimed.
func (e *Executor) RunOnce(ctx context.Context) (bool, error) {
	task, err := e.queue.DequeueNext(e.workerID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	e.execute(ctx, task)
	return true, nil
}

func (e *Executor) execute(ctx context.Context, task *models.Task) {
	logger := shared.WithLogger(e.logger, "task_id", task.ID, "type", task.Type)
	e.current.Store(task.ID)
	defer e.current.Store("")

	logger.Info("Task started", "title", task.Title, "attempt", task.RetryCount+1)
	start := time.Now()

	stopBeat := e.keepAlive(task, logger)
	result, err := e.invoke(ctx, task, &taskReporter{queue: e.queue, task: task, logger: logger})
	stopBeat()
	if err != nil {
		if _, ferr := e.queue.Fail(task, result, err); ferr != nil {
			logger.Error("Failed to record task failure", "error", ferr)
		}
		return
	}

	if err := e.queue.Complete(task, result); err != nil {
		logger.Error("Failed to record task completion", "error", err)
		return
	}
	logger.Info("Task completed", "duration", time.Since(start).Round(time.Millisecond))
}

// keepAlive writes heartbeats for task until the returned function is called.
func (e *Executor) keepAlive(task *models.Task, logger *log.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(e.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := e.queue.Heartbeat(task); err != nil {
					logger.Warn("Heartbeat not stored", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// invoke runs the handler, turning a panic into an error.
func (e *Executor) invoke(ctx context.Context, task *models.Task, reporter Reporter) (result *models.TaskResult, err error) {
	handler, ok := e.handlers[task.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrNoHandler, task.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Handler panicked", "task_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			result = nil
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()

	return handler.Handle(ctx, task, reporter)
}

// taskReporter writes handler progress to the task row.
type taskReporter struct {
	queue  *Queue
	task   *models.Task
	logger *log.Logger
}

func (r *taskReporter) Report(current, total int, message string) {
	progress := models.NewProgress(current, total, message)
	r.task.Progress = progress
	if err := r.queue.ReportProgress(r.task.ID, progress); err != nil {
		r.logger.Debug("Progress not stored", "error", err)
	}
}
