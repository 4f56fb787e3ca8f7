package models

import (
	"math"
	"time"
)

// TaskType identifies which handler runs a [Task].
type TaskType string

const (
	TaskSyncFavorites TaskType = "sync_favorites"
	TaskVideoDownload TaskType = "video_download"
	TaskBatchDownload TaskType = "batch_download"
)

// TaskTypes lists every known task type in display order.
var TaskTypes = []TaskType{TaskSyncFavorites, TaskVideoDownload, TaskBatchDownload}

// IsKnown reports whether t is one of [TaskTypes].
func (t TaskType) IsKnown() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DefaultMaxRetries applies when a task is submitted without an explicit retry budget.
const DefaultMaxRetries = 3

// SyncParams configures a favorites sync.
type SyncParams struct {
	CollectionID string `json:"collection_id,omitempty"` // empty syncs every collection
	Resume       bool   `json:"resume,omitempty"`        // adopt the outstanding checkpoint
	SkipCovers   bool   `json:"skip_covers,omitempty"`
	ForceCovers  bool   `json:"force_covers,omitempty"`
}

// DownloadParams configures a single video download.
type DownloadParams struct {
	BVID      string `json:"bvid"`
	Format    string `json:"format,omitempty"`
	OutputDir string `json:"output_dir,omitempty"`
	AudioOnly bool   `json:"audio_only,omitempty"`
}

// BatchDownloadParams configures a batch download, either from an explicit list or a whole collection.
type BatchDownloadParams struct {
	BVIDs        []string `json:"bvids,omitempty"`
	CollectionID string   `json:"collection_id,omitempty"`
	Format       string   `json:"format,omitempty"`
	OutputDir    string   `json:"output_dir,omitempty"`
	AudioOnly    bool     `json:"audio_only,omitempty"`
	SkipExisting bool     `json:"skip_existing,omitempty"`
}

// TaskParams holds the parameters of exactly one task type.
type TaskParams struct {
	Sync     *SyncParams          `json:"sync,omitempty"`
	Download *DownloadParams      `json:"download,omitempty"`
	Batch    *BatchDownloadParams `json:"batch,omitempty"`
}

// Validate checks that exactly the member matching taskType is set.
func (p TaskParams) Validate(taskType TaskType) error {
	set := 0
	for _, present := range []bool{p.Sync != nil, p.Download != nil, p.Batch != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		return invalid("task parameters hold more than one type")
	}

	switch taskType {
	case TaskSyncFavorites:
		if set == 1 && p.Sync == nil {
			return invalid("%s task requires sync parameters", taskType)
		}
	case TaskVideoDownload:
		if p.Download == nil {
			return invalid("%s task requires download parameters", taskType)
		}
		if p.Download.BVID == "" {
			return invalid("download requires a bvid")
		}
	case TaskBatchDownload:
		if p.Batch == nil {
			return invalid("%s task requires batch parameters", taskType)
		}
		if len(p.Batch.BVIDs) == 0 && p.Batch.CollectionID == "" {
			return invalid("batch download requires bvids or a collection id")
		}
	default:
		return invalid("unknown task type %q", taskType)
	}
	return nil
}

// TaskProgress is the incremental progress a handler reports while running.
type TaskProgress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message,omitempty"`
}

// NewProgress builds a [TaskProgress] with the percentage derived from current and total.
func NewProgress(current, total int, message string) TaskProgress {
	p := TaskProgress{Current: current, Total: total, Message: message}
	if total > 0 {
		pct := float64(current) / float64(total) * 100
		p.Percentage = math.Round(math.Min(pct, 100)*10) / 10
	}
	return p
}

// DownloadOutcome is the per-video result of a download task.
type DownloadOutcome struct {
	BVID  string   `json:"bvid"`
	Files []string `json:"files,omitempty"`
	Error string   `json:"error,omitempty"`
}

// TaskResult is attached to a task when its handler returns.
type TaskResult struct {
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"error_message,omitempty"`
	ErrorCode    string            `json:"error_code,omitempty"`
	OutputFiles  []string          `json:"output_files,omitempty"`
	Sync         *SyncStats        `json:"sync,omitempty"`
	Downloads    []DownloadOutcome `json:"downloads,omitempty"`
}

// Task is a durable unit of background work.
type Task struct {
	ID          string
	Sequence    int
	Type        TaskType
	Title       string
	Status      TaskStatus
	Priority    int
	Progress    TaskProgress
	Result      *TaskResult
	Params      TaskParams
	RetryCount  int
	MaxRetries  int
	Timeout     time.Duration // advisory, never enforced by the executor
	WorkerID    string        // executor that claimed the task, kept after it finishes
	HeartbeatAt *time.Time    // last liveness stamp written by that executor while running
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// NewTask returns a pending task ready to be submitted.
func NewTask(taskType TaskType, title string, params TaskParams) *Task {
	return &Task{
		Type:       taskType,
		Title:      title,
		Status:     StatusPending,
		Params:     params,
		MaxRetries: DefaultMaxRetries,
	}
}

// Validate implements [Model].
func (t *Task) Validate() error {
	if !t.Type.IsKnown() {
		return invalid("unknown task type %q", t.Type)
	}
	if !IsKnownStatus(t.Status) {
		return invalid("unknown task status %q", t.Status)
	}
	if t.MaxRetries < 0 || t.RetryCount < 0 {
		return invalid("retry counters must not be negative")
	}
	if t.Timeout < 0 {
		return invalid("timeout must not be negative")
	}
	return t.Params.Validate(t.Type)
}

// CanRetry reports whether the automatic retry budget allows another attempt.
func (t *Task) CanRetry() bool {
	return t.RetryCount < t.MaxRetries
}

// IsStale reports whether a running task's executor has not signalled liveness since cutoff.
// A running task that never recorded a heartbeat is stale.
func (t *Task) IsStale(cutoff time.Time) bool {
	if t.Status != StatusRunning {
		return false
	}
	return t.HeartbeatAt == nil || !t.HeartbeatAt.After(cutoff)
}

// TaskStatusView is the read model handed to pollers.
type TaskStatusView struct {
	ID          string       `json:"id"`
	Type        TaskType     `json:"type"`
	Title       string       `json:"title"`
	Status      TaskStatus   `json:"status"`
	Priority    int          `json:"priority"`
	Progress    TaskProgress `json:"progress"`
	Result      *TaskResult  `json:"result,omitempty"`
	Params      TaskParams   `json:"parameters"`
	RetryCount  int          `json:"retry_count"`
	MaxRetries  int          `json:"max_retries"`
	TimeoutSecs int          `json:"timeout_seconds,omitempty"`
	Overdue     bool         `json:"overdue,omitempty"`
	Elapsed     string       `json:"elapsed,omitempty"`
	WorkerID    string       `json:"worker_id,omitempty"`
	HeartbeatAt *time.Time   `json:"heartbeat_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// View builds the [TaskStatusView] as of now.
//
// Overdue is set when a running task has exceeded its advisory timeout.
func (t *Task) View(now time.Time) TaskStatusView {
	view := TaskStatusView{
		ID:          t.ID,
		Type:        t.Type,
		Title:       t.Title,
		Status:      t.Status,
		Priority:    t.Priority,
		Progress:    t.Progress,
		Result:      t.Result,
		Params:      t.Params,
		RetryCount:  t.RetryCount,
		MaxRetries:  t.MaxRetries,
		TimeoutSecs: int(t.Timeout / time.Second),
		WorkerID:    t.WorkerID,
		HeartbeatAt: t.HeartbeatAt,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		UpdatedAt:   t.UpdatedAt,
	}

	if t.StartedAt != nil {
		end := now
		if t.CompletedAt != nil {
			end = *t.CompletedAt
		}
		elapsed := end.Sub(*t.StartedAt)
		view.Elapsed = elapsed.Round(time.Second).String()
		view.Overdue = t.Status == StatusRunning && t.Timeout > 0 && elapsed > t.Timeout
	}
	return view
}

// QueueInfo summarizes the queue for pollers.
type QueueInfo struct {
	PendingCount  int              `json:"pending_count"`
	RunningCount  int              `json:"running_count"`
	PausedCount   int              `json:"paused_count"`
	PendingByType map[TaskType]int `json:"pending_by_type"`
}

// TaskStats counts all stored tasks by status and by type.
type TaskStats struct {
	Total    int                `json:"total"`
	ByStatus map[TaskStatus]int `json:"by_status"`
	ByType   map[TaskType]int   `json:"by_type"`
}
