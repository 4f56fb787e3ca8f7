package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/desertthunder/favsync/internal/checkpoint"
	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

// Provider is the paged favorites listing of the remote service.
type Provider interface {
	FetchCollectionList(ctx context.Context) ([]models.RemoteCollection, error)
	FetchPage(ctx context.Context, collectionID string, page int) (*models.RemotePage, error)
}

// CoverDownloader stores a video's cover image locally and returns its path.
type CoverDownloader interface {
	DownloadCover(ctx context.Context, bvid, coverURL string) (string, error)
}

// SyncOptions configures a [SyncEngine].
type SyncOptions struct {
	DataDir        string        // checkpoint file and page cache root
	MaxPages       int           // soft limit of pages fetched per collection
	RequestDelay   time.Duration // minimum spacing between provider requests
	DownloadCovers bool          // run the cover phase unless a task opts out
}

// SyncEngine mirrors the remote favorites into the catalog in resumable phases.
//
// Every durable step is followed by a checkpoint save, so an interrupted run can be resumed
// from the last saved state without fetching a cached page again.
type SyncEngine struct {
	provider   Provider
	catalog    Catalog
	reconciler *Reconciler
	covers     CoverDownloader
	store      *checkpoint.Store
	opts       SyncOptions
	limiter    *rate.Limiter
	logger     *log.Logger
	now        func() time.Time
}

// NewSyncEngine creates a SyncEngine. covers may be nil to disable the cover phase.
func NewSyncEngine(provider Provider, catalog Catalog, covers CoverDownloader, opts SyncOptions, logger *log.Logger) *SyncEngine {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 100
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	limit := rate.Inf
	if opts.RequestDelay > 0 {
		limit = rate.Every(opts.RequestDelay)
	}

	return &SyncEngine{
		provider:   provider,
		catalog:    catalog,
		reconciler: NewReconciler(catalog),
		covers:     covers,
		store:      checkpoint.NewStore(opts.DataDir),
		opts:       opts,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     shared.WithLogger(logger, "component", "sync"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// sendProgress sends a progress update through the channel without blocking.
func (e *SyncEngine) sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

// Run executes a sync for taskID and returns the accumulated stats.
//
// The outstanding checkpoint is resumed when params.Resume is set or when it belongs to taskID;
// otherwise a new run starts and a stale checkpoint is replaced. Stats are returned even when
// the run fails.
func (e *SyncEngine) Run(ctx context.Context, taskID string, params models.SyncParams, progress chan<- ProgressUpdate) (models.SyncStats, error) {
	cp, resumed, err := e.prepare(taskID, params)
	if err != nil {
		stats := models.NewSyncStats()
		stats.AddError("%v", err)
		return stats, err
	}

	run := &syncRun{
		engine:   e,
		cp:       cp,
		cache:    checkpoint.NewPageCache(e.opts.DataDir, cp.TaskID),
		params:   params,
		progress: progress,
		logger:   shared.WithLogger(e.logger, "task_id", cp.TaskID),
	}

	if resumed {
		run.logger.Info("Resuming sync", "status", cp.Status, "remaining", len(cp.ToFetch)+len(cp.Fetched))
	} else {
		run.logger.Info("Starting sync", "collection", params.CollectionID)
	}
	e.sendProgress(progress, initializeUpdate(resumed, cp.TaskID))

	if err := run.execute(ctx); err != nil {
		return run.fail(ctx, err), err
	}
	return cp.Stats, nil
}

// prepare decides between resuming the stored checkpoint and starting a new one.
func (e *SyncEngine) prepare(taskID string, params models.SyncParams) (*checkpoint.Checkpoint, bool, error) {
	existing, err := e.store.Load()
	switch {
	case errors.Is(err, shared.ErrCheckpointNotFound):
		existing = nil
	case err != nil:
		return nil, false, err
	}

	if existing == nil {
		if params.Resume {
			return nil, false, fmt.Errorf("%w: nothing to resume", shared.ErrCheckpointNotFound)
		}
		return checkpoint.New(taskID, e.now()), false, nil
	}

	if params.Resume || existing.TaskID == taskID {
		if existing.Reopen() {
			return existing, true, nil
		}
		if params.Resume {
			return nil, false, fmt.Errorf("%w: checkpoint %s is %s", shared.ErrNotResumable, existing.TaskID, existing.Status)
		}
	}

	e.logger.Warn("Replacing stale checkpoint", "task_id", existing.TaskID, "status", existing.Status)
	return checkpoint.New(taskID, e.now()), false, nil
}

// Checkpoint returns the outstanding checkpoint.
func (e *SyncEngine) Checkpoint() (*checkpoint.Checkpoint, error) {
	return e.store.Load()
}

// Cancel marks the outstanding checkpoint cancelled when taskID owns it, so neither a retry
// nor --resume picks it up again. It reports whether a checkpoint was cancelled.
func (e *SyncEngine) Cancel(taskID string) (bool, error) {
	cp, err := e.store.Load()
	switch {
	case errors.Is(err, shared.ErrCheckpointNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	if cp.TaskID != taskID || cp.Status == checkpoint.StatusCompleted || cp.Status == checkpoint.StatusCancelled {
		return false, nil
	}

	cp.Cancel()
	if err := e.store.Save(cp); err != nil {
		return false, err
	}
	e.logger.Info("Sync checkpoint cancelled", "task_id", taskID)
	return true, nil
}

// Clean removes the outstanding checkpoint and its page cache. With all set, every page cache
// under the data directory is removed too.
func (e *SyncEngine) Clean(all bool) error {
	cp, err := e.store.Load()
	switch {
	case err == nil:
		if err := checkpoint.NewPageCache(e.opts.DataDir, cp.TaskID).Remove(); err != nil {
			return err
		}
	case errors.Is(err, shared.ErrCheckpointNotFound), errors.Is(err, shared.ErrCheckpointCorrupt):
	default:
		return err
	}

	if err := e.store.Delete(); err != nil {
		return err
	}

	if !all {
		return nil
	}

	dirs, err := filepath.Glob(filepath.Join(e.opts.DataDir, "sync_data_*"))
	if err != nil {
		return fmt.Errorf("failed to list page caches: %w", err)
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}

func (e *SyncEngine) wait(ctx context.Context) error {
	return e.limiter.Wait(ctx)
}

// persistError marks a failed checkpoint write, which ends the run.
type persistError struct {
	err error
}

func (e *persistError) Error() string { return "checkpoint not saved: " + e.err.Error() }
func (e *persistError) Unwrap() error { return e.err }

// syncRun holds the state of a single Run call.
type syncRun struct {
	engine   *SyncEngine
	cp       *checkpoint.Checkpoint
	cache    *checkpoint.PageCache
	params   models.SyncParams
	progress chan<- ProgressUpdate
	logger   *log.Logger
}

func (r *syncRun) save() error {
	if err := r.engine.store.Save(r.cp); err != nil {
		return &persistError{err: err}
	}
	return nil
}

// fatal reports whether err must end the run instead of failing one collection.
func (r *syncRun) fatal(ctx context.Context, err error) bool {
	var pe *persistError
	return errors.As(err, &pe) || ctx.Err() != nil
}

func (r *syncRun) execute(ctx context.Context) error {
	cp := r.cp

	if cp.Status == checkpoint.StatusInitializing {
		if err := r.initialize(ctx); err != nil {
			return err
		}
	}

	if cp.Status == checkpoint.StatusFetching {
		if err := r.fetchAll(ctx); err != nil {
			return err
		}
		cp.Status = checkpoint.StatusProcessing
		if err := r.save(); err != nil {
			return err
		}
	}

	if cp.Status == checkpoint.StatusProcessing {
		if err := r.processAll(ctx); err != nil {
			return err
		}
		if r.coversEnabled() {
			cp.Status = checkpoint.StatusDownloading
			if err := r.save(); err != nil {
				return err
			}
		}
	}

	if cp.Status == checkpoint.StatusDownloading && r.coversEnabled() {
		if err := r.downloadAll(ctx); err != nil {
			return err
		}
	}

	cp.Status = checkpoint.StatusCompleted
	if err := r.engine.store.Delete(); err != nil {
		r.logger.Warn("Completed checkpoint left behind", "error", err)
	}

	r.logger.Info("Sync complete",
		"added", cp.Stats.VideosAdded,
		"updated", cp.Stats.VideosUpdated,
		"deleted", cp.Stats.VideosDeleted,
		"restored", cp.Stats.VideosRestored,
		"covers", cp.Stats.CoversDownloaded,
		"errors", len(cp.Stats.Errors),
	)
	r.engine.sendProgress(r.progress, completeUpdate(cp.Stats))
	return nil
}

// fail records err in the checkpoint and returns the partial stats.
//
// A cancelled context leaves the phase untouched so the run stays resumable.
func (r *syncRun) fail(ctx context.Context, err error) models.SyncStats {
	if ctx.Err() != nil {
		r.cp.Stats.AddError("sync interrupted: %v", err)
		r.logger.Warn("Sync interrupted", "status", r.cp.Status, "error", err)
	} else {
		r.cp.Fail()
		r.cp.Stats.AddError("sync failed: %v", err)
		r.logger.Error("Sync failed", "phase", r.cp.FailedPhase, "error", err)
	}

	if saveErr := r.engine.store.Save(r.cp); saveErr != nil {
		r.logger.Error("Failed to save checkpoint after failure", "error", saveErr)
	}
	return r.cp.Stats
}

func (r *syncRun) initialize(ctx context.Context) error {
	if err := r.engine.wait(ctx); err != nil {
		return err
	}

	collections, err := r.engine.provider.FetchCollectionList(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch collection list: %w", err)
	}

	if id := r.params.CollectionID; id != "" {
		var selected []models.RemoteCollection
		for _, col := range collections {
			if col.ID == id {
				selected = append(selected, col)
			}
		}
		if len(selected) == 0 {
			return fmt.Errorf("%w: %s", shared.ErrCollectionNotFound, id)
		}
		collections = selected
	}

	if err := r.cp.Seed(collections); err != nil {
		return err
	}
	r.cp.Status = checkpoint.StatusFetching
	if err := r.save(); err != nil {
		return err
	}

	r.logger.Info("Collections queued", "count", r.cp.TotalCollections)
	r.engine.sendProgress(r.progress, collectionListUpdate(r.cp.TotalCollections))
	return nil
}

func (r *syncRun) fetchAll(ctx context.Context) error {
	cp := r.cp
	total := cp.TotalCollections
	step := func() int { return total - len(cp.ToFetch) }

	if cp.Current != nil {
		col := *cp.Current
		r.logger.Info("Continuing fetch", "collection", col.Title, "page", cp.CurrentPage)
		if err := r.fetchCollection(ctx, col, step()); err != nil {
			if r.fatal(ctx, err) {
				return err
			}
			if err := r.collectionFailed(col, err); err != nil {
				return err
			}
			r.engine.sendProgress(r.progress, fetchFailedUpdate(step(), total, col, err))
		}
	}

	for len(cp.ToFetch) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		col := cp.ToFetch[0]
		if err := cp.BeginFetch(col.ID); err != nil {
			return err
		}
		if err := r.save(); err != nil {
			return err
		}

		if err := r.fetchCollection(ctx, col, step()); err != nil {
			if r.fatal(ctx, err) {
				return err
			}
			if err := r.collectionFailed(col, err); err != nil {
				return err
			}
			r.engine.sendProgress(r.progress, fetchFailedUpdate(step(), total, col, err))
		}
	}
	return nil
}

// fetchCollection pages through one collection, replaying cached pages before calling the provider.
func (r *syncRun) fetchCollection(ctx context.Context, col models.RemoteCollection, step int) error {
	maxPages := r.engine.opts.MaxPages

	for page := 1; ; page++ {
		snapshot, cached, err := r.cache.Load(col.ID, page)
		if err != nil {
			return err
		}

		if !cached {
			if err := r.engine.wait(ctx); err != nil {
				return err
			}
			snapshot, err = r.engine.provider.FetchPage(ctx, col.ID, page)
			if err != nil {
				return fmt.Errorf("page %d: %w", page, err)
			}
			if len(snapshot.Items) == 0 {
				break
			}
			if err := r.cache.Save(col.ID, page, *snapshot); err != nil {
				return err
			}
			if err := r.cp.AdvancePage(); err != nil {
				return err
			}
			if err := r.save(); err != nil {
				return err
			}
			r.logger.Debug("Fetched page", "collection", col.ID, "page", page, "items", len(snapshot.Items))
		}

		r.engine.sendProgress(r.progress, fetchPageUpdate(step, r.cp.TotalCollections, col, page, cached))

		if !snapshot.HasMore {
			break
		}
		if page >= maxPages {
			r.logger.Warn("Page limit reached, remaining pages skipped", "collection", col.Title, "max_pages", maxPages)
			break
		}
	}

	if err := r.cp.FinishFetch(); err != nil {
		return err
	}
	return r.save()
}

func (r *syncRun) collectionFailed(col models.RemoteCollection, cause error) error {
	r.logger.Error("Collection failed", "collection", col.Title, "id", col.ID, "error", cause)
	if err := r.cp.MarkFailed(col.ID, cause, r.engine.now()); err != nil {
		return err
	}
	r.cp.Stats.AddError("collection %s (%s): %v", col.Title, col.ID, cause)
	return r.save()
}

func (r *syncRun) processAll(ctx context.Context) error {
	cp := r.cp
	total := len(cp.Fetched) + len(cp.Processed)

	for len(cp.Fetched) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		col := cp.Fetched[0]
		step := len(cp.Processed) + 1
		diff, err := r.processCollection(col)
		if err != nil {
			if r.fatal(ctx, err) {
				return err
			}
			if err := r.collectionFailed(col, err); err != nil {
				return err
			}
			r.engine.sendProgress(r.progress, reconcileFailedUpdate(step, total, col, err))
			continue
		}

		diff.ApplyTo(&cp.Stats)
		cp.Stats.CollectionsProcessed++
		if err := cp.MarkProcessed(col.ID); err != nil {
			return err
		}
		if err := r.save(); err != nil {
			return err
		}

		r.logger.Info("Collection reconciled", "collection", col.Title, "diff", diff.String(), "errors", len(diff.Errors))
		r.engine.sendProgress(r.progress, reconcileUpdate(step, total, col, diff))
	}
	return nil
}

func (r *syncRun) processCollection(remote models.RemoteCollection) (*Diff, error) {
	pages, err := r.cache.AllPages(remote.ID)
	if err != nil {
		return nil, err
	}

	var items []models.RemoteItem
	for _, p := range pages {
		items = append(items, p.Items...)
	}
	partial := len(pages) > 0 && pages[len(pages)-1].HasMore

	collection, err := r.engine.catalog.UpsertCollection(remote)
	if err != nil {
		return nil, err
	}

	now := r.engine.now()
	reconcile := r.engine.reconciler.Reconcile
	if partial {
		r.logger.Warn("Snapshot truncated by page limit, removals skipped", "collection", remote.Title)
		reconcile = r.engine.reconciler.ReconcilePartial
	}

	diff, err := reconcile(collection, items, now)
	if err != nil {
		return nil, err
	}

	if err := r.engine.catalog.MarkCollectionSynced(collection.ID, now); err != nil {
		return nil, err
	}
	return diff, nil
}

func (r *syncRun) coversEnabled() bool {
	if r.engine.covers == nil || r.params.SkipCovers {
		return false
	}
	return r.engine.opts.DownloadCovers || r.params.ForceCovers
}

func (r *syncRun) downloadAll(ctx context.Context) error {
	cp := r.cp
	total := len(cp.Processed) + len(cp.Downloaded)

	for len(cp.Processed) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		col := cp.Processed[0]
		step := len(cp.Downloaded) + 1
		n, err := r.downloadCovers(ctx, col)
		cp.Stats.CoversDownloaded += n
		if err != nil {
			if r.fatal(ctx, err) {
				return err
			}
			if err := r.collectionFailed(col, err); err != nil {
				return err
			}
			continue
		}

		if err := cp.MarkDownloaded(col.ID); err != nil {
			return err
		}
		if err := r.save(); err != nil {
			return err
		}
		r.engine.sendProgress(r.progress, coverUpdate(step, total, col, n))
	}
	return nil
}

// downloadCovers fetches missing or outdated covers of a collection's videos. A failed cover
// is recorded in the stats and skipped.
func (r *syncRun) downloadCovers(ctx context.Context, remote models.RemoteCollection) (int, error) {
	collection, err := r.engine.catalog.GetCollectionByRemoteID(remote.ID)
	if err != nil {
		return 0, err
	}
	videos, err := r.engine.catalog.ListCollectionVideos(collection.ID)
	if err != nil {
		return 0, err
	}

	downloaded := 0
	for _, video := range videos {
		if !video.NeedsCover(r.params.ForceCovers) {
			continue
		}
		if err := r.engine.wait(ctx); err != nil {
			return downloaded, err
		}

		path, err := r.engine.covers.DownloadCover(ctx, video.BVID, video.CoverURL)
		if err != nil {
			if ctx.Err() != nil {
				return downloaded, ctx.Err()
			}
			r.cp.Stats.AddError("cover %s: %v", video.BVID, err)
			r.logger.Warn("Cover download failed", "bvid", video.BVID, "error", err)
			continue
		}
		if err := r.engine.catalog.SetLocalCover(video.ID, path, video.CoverURL); err != nil {
			r.cp.Stats.AddError("cover %s: %v", video.BVID, err)
			continue
		}
		downloaded++
	}
	return downloaded, nil
}
