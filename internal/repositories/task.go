package repositories

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

// TaskRepository persists background tasks.
//
// Progress, result and parameters are stored as JSON columns. Status changes that can race
// with the executor go through [TaskRepository.UpdateIfStatus], a compare-and-set on status.
type TaskRepository struct {
	db *sql.DB
}

// NewTaskRepository creates a new TaskRepository with the given database connection
func NewTaskRepository(db *sql.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

const taskColumns = `
	id, sequence, type, title, status, priority, progress, result, parameters,
	retry_count, max_retries, timeout_seconds, worker_id, heartbeat_at,
	created_at, started_at, completed_at, updated_at`

// Create inserts a new task with generated ID and sequence
func (r *TaskRepository) Create(task *models.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	sequence, err := NextSequence(r.db, "tasks")
	if err != nil {
		return fmt.Errorf("failed to generate sequence: %w", err)
	}

	ts := now()
	task.ID = shared.GenerateID()
	task.Sequence = sequence
	task.CreatedAt = ts
	task.UpdatedAt = ts

	progress, result, params, err := encodeTaskPayloads(task)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.Exec(query,
		task.ID,
		task.Sequence,
		string(task.Type),
		task.Title,
		string(task.Status),
		task.Priority,
		progress,
		result,
		params,
		task.RetryCount,
		task.MaxRetries,
		int(task.Timeout/time.Second),
		task.WorkerID,
		nullTime(task.HeartbeatAt),
		task.CreatedAt,
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	return nil
}

// Get retrieves a task by ID
func (r *TaskRepository) Get(id string) (*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	return r.scanOne(r.db.QueryRow(query, id))
}

// Update writes every mutable field of the task unconditionally
func (r *TaskRepository) Update(task *models.Task) error {
	result, err := r.update(task, "", false)
	if err != nil {
		return err
	}
	return checkAffected(result, fmt.Errorf("%w: task %s", shared.ErrNotFound, task.ID))
}

// UpdateIfStatus writes the task only while its stored status still equals expected.
//
// Returns false when another writer changed the status first.
func (r *TaskRepository) UpdateIfStatus(task *models.Task, expected models.TaskStatus) (bool, error) {
	return r.conditionalUpdate(task, expected, false)
}

// Claim writes a task taken from the pending queue, but only while it is still pending and no
// other task is running. The check and the write are a single statement.
func (r *TaskRepository) Claim(task *models.Task) (bool, error) {
	return r.conditionalUpdate(task, models.StatusPending, true)
}

func (r *TaskRepository) conditionalUpdate(task *models.Task, expected models.TaskStatus, idle bool) (bool, error) {
	result, err := r.update(task, expected, idle)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return rows > 0, nil
}

func (r *TaskRepository) update(task *models.Task, expected models.TaskStatus, idle bool) (sql.Result, error) {
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	task.UpdatedAt = now()

	progress, result, params, err := encodeTaskPayloads(task)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE tasks
		SET title = ?, status = ?, priority = ?, progress = ?, result = ?, parameters = ?,
			retry_count = ?, max_retries = ?, timeout_seconds = ?, worker_id = ?, heartbeat_at = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`
	args := []any{
		task.Title,
		string(task.Status),
		task.Priority,
		progress,
		result,
		params,
		task.RetryCount,
		task.MaxRetries,
		int(task.Timeout / time.Second),
		task.WorkerID,
		nullTime(task.HeartbeatAt),
		nullTime(task.StartedAt),
		nullTime(task.CompletedAt),
		task.UpdatedAt.UTC(),
		task.ID,
	}

	if expected != "" {
		query += " AND status = ?"
		args = append(args, string(expected))
	}
	if idle {
		query += " AND NOT EXISTS (SELECT 1 FROM tasks AS busy WHERE busy.status = ?)"
		args = append(args, string(models.StatusRunning))
	}

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return res, nil
}

// UpdateProgress writes only the progress column of a running task.
func (r *TaskRepository) UpdateProgress(id string, progress models.TaskProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}

	result, err := r.db.Exec(
		`UPDATE tasks SET progress = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(data), now(), id, string(models.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return checkAffected(result, fmt.Errorf("%w: running task %s", shared.ErrNotFound, id))
}

// Heartbeat stamps a running task as alive, but only for the executor that claimed it.
//
// Returns [shared.ErrNotFound] once the task stopped running or changed owner.
func (r *TaskRepository) Heartbeat(id, workerID string, at time.Time) error {
	result, err := r.db.Exec(
		`UPDATE tasks SET heartbeat_at = ? WHERE id = ? AND status = ? AND worker_id = ?`,
		at.UTC(), id, string(models.StatusRunning), workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to record task heartbeat: %w", err)
	}
	return checkAffected(result, fmt.Errorf("%w: task %s running on %s", shared.ErrNotFound, id, workerID))
}

// Delete removes a task permanently
func (r *TaskRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return checkAffected(result, fmt.Errorf("%w: task %s", shared.ErrNotFound, id))
}

// NextPending returns the pending task that should run next: highest priority, then oldest.
func (r *TaskRepository) NextPending() (*models.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC, sequence ASC
		LIMIT 1
	`
	return r.scanOne(r.db.QueryRow(query, string(models.StatusPending)))
}

// List retrieves tasks matching the given criteria, newest first.
//
// Supported criteria: "status" ([models.TaskStatus] or []models.TaskStatus), "type"
// ([models.TaskType]), "limit" (int).
func (r *TaskRepository) List(criteria map[string]any) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1 = 1`
	args := []any{}

	var statuses []models.TaskStatus
	switch s := criteria["status"].(type) {
	case models.TaskStatus:
		if s != "" {
			statuses = []models.TaskStatus{s}
		}
	case []models.TaskStatus:
		statuses = s
	}
	if len(statuses) > 0 {
		query += " AND status IN (?" + strings.Repeat(", ?", len(statuses)-1) + ")"
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}

	if taskType, ok := criteria["type"].(models.TaskType); ok && taskType != "" {
		query += " AND type = ?"
		args = append(args, string(taskType))
	}

	query += " ORDER BY sequence DESC"

	if limit, ok := criteria["limit"].(int); ok && limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return tasks, nil
}

// CountByStatus returns the number of tasks in each status.
func (r *TaskRepository) CountByStatus() (map[models.TaskStatus]int, error) {
	counts := make(map[models.TaskStatus]int)
	err := r.countGrouped(`SELECT status, COUNT(*) FROM tasks GROUP BY status`, nil, func(key string, n int) {
		counts[models.TaskStatus(key)] = n
	})
	return counts, err
}

// CountByType returns the number of tasks of each type, optionally restricted to one status.
func (r *TaskRepository) CountByType(status models.TaskStatus) (map[models.TaskType]int, error) {
	query := `SELECT type, COUNT(*) FROM tasks`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` GROUP BY type`

	counts := make(map[models.TaskType]int)
	err := r.countGrouped(query, args, func(key string, n int) {
		counts[models.TaskType(key)] = n
	})
	return counts, err
}

func (r *TaskRepository) countGrouped(query string, args []any, set func(string, int)) error {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan task count: %w", err)
		}
		set(key, n)
	}
	return rows.Err()
}

// DeleteFinishedBefore removes completed, failed and cancelled tasks that finished before cutoff.
func (r *TaskRepository) DeleteFinishedBefore(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(`
		DELETE FROM tasks
		WHERE status IN (?, ?, ?) AND COALESCE(completed_at, updated_at) < ?`,
		string(models.StatusCompleted), string(models.StatusFailed), string(models.StatusCancelled), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old tasks: %w", err)
	}
	return result.RowsAffected()
}

// scanOne scans a single [sql.Row] into a [models.Task]
func (r *TaskRepository) scanOne(row *sql.Row) (*models.Task, error) {
	task, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: task", shared.ErrNotFound)
	}
	return task, err
}

func (r *TaskRepository) scan(row scanner) (*models.Task, error) {
	var (
		t           models.Task
		taskType    string
		status      string
		progress    string
		result      sql.NullString
		params      string
		timeout     int
		heartbeatAt sql.NullTime
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)

	err := row.Scan(
		&t.ID, &t.Sequence, &taskType, &t.Title, &status, &t.Priority, &progress, &result, &params,
		&t.RetryCount, &t.MaxRetries, &timeout, &t.WorkerID, &heartbeatAt,
		&t.CreatedAt, &startedAt, &completedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.Type = models.TaskType(taskType)
	t.Status = models.TaskStatus(status)
	t.Timeout = time.Duration(timeout) * time.Second
	t.HeartbeatAt = timePtr(heartbeatAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)

	if err := json.Unmarshal([]byte(progress), &t.Progress); err != nil {
		return nil, fmt.Errorf("failed to decode progress of task %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, fmt.Errorf("failed to decode parameters of task %s: %w", t.ID, err)
	}
	if result.Valid && result.String != "" {
		t.Result = &models.TaskResult{}
		if err := json.Unmarshal([]byte(result.String), t.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result of task %s: %w", t.ID, err)
		}
	}

	return &t, nil
}

func encodeTaskPayloads(task *models.Task) (progress string, result any, params string, err error) {
	p, err := json.Marshal(task.Progress)
	if err != nil {
		return "", nil, "", fmt.Errorf("failed to encode progress: %w", err)
	}

	a, err := json.Marshal(task.Params)
	if err != nil {
		return "", nil, "", fmt.Errorf("failed to encode parameters: %w", err)
	}

	if task.Result != nil {
		r, err := json.Marshal(task.Result)
		if err != nil {
			return "", nil, "", fmt.Errorf("failed to encode result: %w", err)
		}
		result = string(r)
	}

	return string(p), result, string(a), nil
}
