package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/queue"
	"github.com/desertthunder/favsync/internal/shared"
)

const maxBodyBytes = 1 << 20

// ExecutorState reports what the worker loop is doing. Implemented by queue.Executor.
type ExecutorState interface {
	Running() bool
	Current() string
}

// TaskAPI exposes the task queue over JSON.
//
// Handlers only enqueue, read and change task status. Task bodies run on the executor.
type TaskAPI struct {
	queue    *queue.Queue
	executor ExecutorState
	logger   *log.Logger
	now      func() time.Time
}

// NewTaskAPI creates the task API. executor may be nil when no worker runs in this process.
func NewTaskAPI(q *queue.Queue, executor ExecutorState, logger *log.Logger) *TaskAPI {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &TaskAPI{
		queue:    q,
		executor: executor,
		logger:   shared.WithLogger(logger, "component", "api"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Mount registers every route on r.
func (a *TaskAPI) Mount(r Router) {
	r.HandleFunc(http.MethodGet, "/healthz", a.health)
	r.HandleFunc(http.MethodPost, "/api/sync", a.submitSync)
	r.HandleFunc(http.MethodPost, "/api/downloads", a.submitDownload)
	r.HandleFunc(http.MethodPost, "/api/downloads/batch", a.submitBatch)
	r.HandleFunc(http.MethodGet, "/api/tasks", a.listTasks)
	r.HandleFunc(http.MethodGet, "/api/tasks/{id}", a.getTask)
	r.HandleFunc(http.MethodDelete, "/api/tasks/{id}", a.deleteTask)
	r.HandleFunc(http.MethodPost, "/api/tasks/{id}/{action}", a.taskAction)
	r.HandleFunc(http.MethodGet, "/api/queue", a.queueInfo)
}

type syncRequest struct {
	models.SyncParams
	Priority int `json:"priority"`
}

type downloadRequest struct {
	models.DownloadParams
	Priority int `json:"priority"`
}

type batchRequest struct {
	models.BatchDownloadParams
	Priority int `json:"priority"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

type queueResponse struct {
	Queue    models.QueueInfo `json:"queue"`
	Stats    models.TaskStats `json:"stats"`
	Executor *executorView    `json:"executor,omitempty"`
}

type executorView struct {
	Running     bool   `json:"running"`
	CurrentTask string `json:"current_task,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *TaskAPI) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *TaskAPI) submitSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := a.queue.SubmitSync(req.SyncParams, req.Priority)
	a.respondSubmitted(w, id, err)
}

func (a *TaskAPI) submitDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := a.queue.SubmitDownload(req.DownloadParams, req.Priority)
	a.respondSubmitted(w, id, err)
}

func (a *TaskAPI) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := a.queue.SubmitBatchDownload(req.BatchDownloadParams, req.Priority)
	a.respondSubmitted(w, id, err)
}

func (a *TaskAPI) respondSubmitted(w http.ResponseWriter, id string, err error) {
	if err != nil {
		a.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{TaskID: id})
}

func (a *TaskAPI) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	criteria := map[string]any{}

	if status := q.Get("status"); status != "" {
		if !models.IsKnownStatus(models.TaskStatus(status)) {
			writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("unknown status %q", status))
			return
		}
		criteria["status"] = models.TaskStatus(status)
	}
	if taskType := q.Get("type"); taskType != "" {
		if !models.TaskType(taskType).IsKnown() {
			writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("unknown type %q", taskType))
			return
		}
		criteria["type"] = models.TaskType(taskType)
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
			return
		}
		criteria["limit"] = n
	}

	var (
		tasks []*models.Task
		err   error
	)
	if q.Get("active") == "true" {
		tasks, err = a.queue.ListActive()
	} else {
		tasks, err = a.queue.List(criteria)
	}
	if err != nil {
		a.writeQueueError(w, err)
		return
	}

	now := a.now()
	views := make([]models.TaskStatusView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, t.View(now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": views, "count": len(views)})
}

func (a *TaskAPI) getTask(w http.ResponseWriter, r *http.Request) {
	view, err := a.queue.Status(r.PathValue("id"))
	if err != nil {
		a.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *TaskAPI) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := a.queue.Delete(r.PathValue("id")); err != nil {
		a.writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *TaskAPI) taskAction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var err error
	switch action := r.PathValue("action"); action {
	case "cancel":
		err = a.queue.Cancel(id)
	case "pause":
		err = a.queue.Pause(id)
	case "resume":
		err = a.queue.Resume(id)
	case "retry":
		err = a.queue.Retry(id)
	default:
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		a.writeQueueError(w, err)
		return
	}

	view, err := a.queue.Status(id)
	if err != nil {
		a.writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *TaskAPI) queueInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.queue.Info()
	if err != nil {
		a.writeQueueError(w, err)
		return
	}
	stats, err := a.queue.Stats()
	if err != nil {
		a.writeQueueError(w, err)
		return
	}

	resp := queueResponse{Queue: info, Stats: stats}
	if a.executor != nil {
		resp.Executor = &executorView{Running: a.executor.Running(), CurrentTask: a.executor.Current()}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeQueueError maps queue errors to status codes.
func (a *TaskAPI) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, shared.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	default:
		a.logger.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
