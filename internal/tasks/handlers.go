package tasks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/queue"
	"github.com/desertthunder/favsync/internal/services"
	"github.com/desertthunder/favsync/internal/shared"
)

// VideoDownloader fetches the media of one video. Implemented by services.YtDlp.
type VideoDownloader interface {
	Download(ctx context.Context, req services.DownloadRequest, progress func(float64)) ([]string, error)
}

// HandlerOptions holds the defaults applied to download tasks.
type HandlerOptions struct {
	VideosDir  string
	Format     string
	BatchDelay time.Duration // pause between videos of a batch
}

// Handlers binds the task types to the sync engine and the downloader.
type Handlers struct {
	engine     *SyncEngine
	downloader VideoDownloader
	catalog    Catalog
	opts       HandlerOptions
	logger     *log.Logger
}

// NewHandlers creates the task handlers. downloader may be nil when downloads are not configured.
func NewHandlers(engine *SyncEngine, downloader VideoDownloader, catalog Catalog, opts HandlerOptions, logger *log.Logger) *Handlers {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Handlers{
		engine:     engine,
		downloader: downloader,
		catalog:    catalog,
		opts:       opts,
		logger:     shared.WithLogger(logger, "component", "handlers"),
	}
}

// Register installs every handler on e, and the sync cancel hook on its queue.
func (h *Handlers) Register(e *queue.Executor) {
	e.Register(models.TaskSyncFavorites, queue.HandlerFunc(h.Sync))
	e.Register(models.TaskVideoDownload, queue.HandlerFunc(h.Download))
	e.Register(models.TaskBatchDownload, queue.HandlerFunc(h.BatchDownload))
	e.Queue().OnCancel(models.TaskSyncFavorites, h.CancelSync)
}

// CancelSync abandons the checkpoint of a sync task cancelled while it waited, typically an
// automatic retry after a failed run.
func (h *Handlers) CancelSync(task *models.Task) error {
	_, err := h.engine.Cancel(task.ID)
	return err
}

// Sync runs a favorites sync and forwards engine progress to the task row.
func (h *Handlers) Sync(ctx context.Context, task *models.Task, reporter queue.Reporter) (*models.TaskResult, error) {
	var params models.SyncParams
	if task.Params.Sync != nil {
		params = *task.Params.Sync
	}

	progress := make(chan ProgressUpdate, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for update := range progress {
			reporter.Report(update.Step, update.Total, update.Message)
		}
	}()

	stats, err := h.engine.Run(ctx, task.ID, params, progress)
	close(progress)
	wg.Wait()

	return &models.TaskResult{Sync: &stats}, err
}

// Download fetches a single video.
func (h *Handlers) Download(ctx context.Context, task *models.Task, reporter queue.Reporter) (*models.TaskResult, error) {
	if task.Params.Download == nil {
		return nil, fmt.Errorf("%w: missing download parameters", shared.ErrInvalidInput)
	}
	if h.downloader == nil {
		return nil, fmt.Errorf("%w: video downloader is not configured", shared.ErrDependencyMissing)
	}
	p := task.Params.Download

	req := services.DownloadRequest{
		BVID:      p.BVID,
		Format:    h.format(p.Format),
		OutputDir: h.outputDir(p.OutputDir),
		AudioOnly: p.AudioOnly,
	}
	files, err := h.downloader.Download(ctx, req, percentReporter(reporter, 1, 1, p.BVID))

	outcome := models.DownloadOutcome{BVID: p.BVID, Files: files}
	if err != nil {
		outcome.Error = err.Error()
	}
	return &models.TaskResult{OutputFiles: files, Downloads: []models.DownloadOutcome{outcome}}, err
}

// BatchDownload fetches each video in turn and keeps going past individual failures.
//
// The task fails only when every video failed.
func (h *Handlers) BatchDownload(ctx context.Context, task *models.Task, reporter queue.Reporter) (*models.TaskResult, error) {
	if task.Params.Batch == nil {
		return nil, fmt.Errorf("%w: missing batch parameters", shared.ErrInvalidInput)
	}
	if h.downloader == nil {
		return nil, fmt.Errorf("%w: video downloader is not configured", shared.ErrDependencyMissing)
	}
	p := task.Params.Batch

	bvids, err := h.batchTargets(p)
	if err != nil {
		return nil, err
	}

	result := &models.TaskResult{Downloads: []models.DownloadOutcome{}}
	if len(bvids) == 0 {
		reporter.Report(0, 0, "Nothing to download")
		return result, nil
	}

	limit := rate.Inf
	if h.opts.BatchDelay > 0 {
		limit = rate.Every(h.opts.BatchDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	outputDir := h.outputDir(p.OutputDir)
	total := len(bvids)
	failed := 0

	for i, bvid := range bvids {
		step := i + 1
		logger := shared.WithLogger(h.logger, "task_id", task.ID, "bvid", bvid)

		if p.SkipExisting {
			if existing := existingFiles(outputDir, bvid); len(existing) > 0 {
				logger.Debug("Skipping downloaded video", "files", len(existing))
				result.Downloads = append(result.Downloads, models.DownloadOutcome{BVID: bvid, Files: existing})
				result.OutputFiles = append(result.OutputFiles, existing...)
				reporter.Report(step, total, fmt.Sprintf("[%d/%d] %s already downloaded", step, total, bvid))
				continue
			}
		}

		if err := limiter.Wait(ctx); err != nil {
			return result, err
		}

		req := services.DownloadRequest{BVID: bvid, Format: h.format(p.Format), OutputDir: outputDir, AudioOnly: p.AudioOnly}
		files, err := h.downloader.Download(ctx, req, percentReporter(reporter, step, total, bvid))
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		outcome := models.DownloadOutcome{BVID: bvid, Files: files}
		if err != nil {
			failed++
			outcome.Error = err.Error()
			logger.Warn("Download failed", "error", err)
		}
		result.Downloads = append(result.Downloads, outcome)
		result.OutputFiles = append(result.OutputFiles, files...)
		reporter.Report(step, total, fmt.Sprintf("[%d/%d] %s done", step, total, bvid))
	}

	if failed == total {
		return result, fmt.Errorf("%w: all %d downloads failed", shared.ErrDownloadFailed, total)
	}
	if failed > 0 {
		h.logger.Warn("Batch finished with failures", "task_id", task.ID, "failed", failed, "total", total)
	}
	return result, nil
}

// batchTargets resolves the explicit bvid list or the available videos of a collection.
func (h *Handlers) batchTargets(p *models.BatchDownloadParams) ([]string, error) {
	if len(p.BVIDs) > 0 {
		var bvids []string
		for _, bvid := range p.BVIDs {
			if bvid != "" && !slices.Contains(bvids, bvid) {
				bvids = append(bvids, bvid)
			}
		}
		return bvids, nil
	}

	col, err := h.catalog.GetCollectionByRemoteID(p.CollectionID)
	if errors.Is(err, shared.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has not been synced", shared.ErrCollectionNotFound, p.CollectionID)
	}
	if err != nil {
		return nil, err
	}

	videos, err := h.catalog.ListCollectionVideos(col.ID)
	if err != nil {
		return nil, err
	}

	bvids := make([]string, 0, len(videos))
	for _, v := range videos {
		if !v.IsDeleted {
			bvids = append(bvids, v.BVID)
		}
	}
	return bvids, nil
}

func (h *Handlers) outputDir(dir string) string {
	if dir != "" {
		return dir
	}
	return h.opts.VideosDir
}

func (h *Handlers) format(format string) string {
	if format != "" {
		return format
	}
	return h.opts.Format
}

// percentReporter forwards whole-percent changes of one download.
func percentReporter(reporter queue.Reporter, step, total int, bvid string) func(float64) {
	last := -1
	return func(pct float64) {
		if int(pct) == last {
			return
		}
		last = int(pct)
		update := downloadUpdate(step, total, bvid, pct)
		if total == 1 {
			reporter.Report(last, 100, update.Message)
			return
		}
		reporter.Report(step-1, total, update.Message)
	}
}

// existingFiles returns files in dir whose name starts with bvid.
func existingFiles(dir, bvid string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, bvid+"*"))
	if err != nil {
		return nil
	}
	return matches
}
