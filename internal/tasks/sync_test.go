package tasks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/desertthunder/favsync/internal/checkpoint"
	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/repositories"
	"github.com/desertthunder/favsync/internal/shared"
	tu "github.com/desertthunder/favsync/internal/testing"
)

func testCollections() []models.RemoteCollection {
	return []models.RemoteCollection{
		{ID: "C1", Title: "Music", MediaCount: 3},
		{ID: "C2", Title: "Games", MediaCount: 1},
	}
}

func testPages() map[string][]models.RemotePage {
	return map[string][]models.RemotePage{
		"C1": {
			{Items: []models.RemoteItem{tu.Item("BV1", "one"), tu.Item("BV2", "two")}, HasMore: true},
			{Items: []models.RemoteItem{tu.Item("BV3", "three")}},
		},
		"C2": {
			{Items: []models.RemoteItem{tu.Item("BV4", "four")}},
		},
	}
}

type fakeCovers struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (c *fakeCovers) DownloadCover(ctx context.Context, bvid, coverURL string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, bvid)
	if c.fail[bvid] {
		return "", errors.New("cover server error")
	}
	return filepath.Join("covers", bvid+".jpg"), nil
}

func (c *fakeCovers) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// cancelingProvider cancels the run the first time the given collection is fetched.
type cancelingProvider struct {
	*tu.FakeProvider
	collection string
	cancel     context.CancelFunc
	fired      bool
}

func (p *cancelingProvider) FetchPage(ctx context.Context, collectionID string, page int) (*models.RemotePage, error) {
	if collectionID == p.collection && !p.fired {
		p.fired = true
		p.cancel()
		return nil, ctx.Err()
	}
	return p.FakeProvider.FetchPage(ctx, collectionID, page)
}

type syncFixture struct {
	dataDir  string
	catalog  *repositories.Catalog
	videos   *repositories.VideoRepository
	provider *tu.FakeProvider
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	db := tu.NewTestDB(t)
	return &syncFixture{
		dataDir:  t.TempDir(),
		catalog:  repositories.NewCatalog(db),
		videos:   repositories.NewVideoRepository(db),
		provider: tu.NewFakeProvider(testCollections(), testPages()),
	}
}

func (f *syncFixture) engine(provider Provider, covers CoverDownloader, opts SyncOptions) *SyncEngine {
	opts.DataDir = f.dataDir
	return NewSyncEngine(provider, f.catalog, covers, opts, nil)
}

func (f *syncFixture) run(t *testing.T, e *SyncEngine, taskID string, params models.SyncParams) models.SyncStats {
	t.Helper()
	stats, err := e.Run(context.Background(), taskID, params, nil)
	if err != nil {
		t.Fatalf("Run(%s) failed: %v", taskID, err)
	}
	return stats
}

func TestSyncEngineRun(t *testing.T) {
	t.Run("full run mirrors every collection", func(t *testing.T) {
		f := newSyncFixture(t)
		e := f.engine(f.provider, nil, SyncOptions{})

		progress := make(chan ProgressUpdate, 64)
		stats, err := e.Run(context.Background(), "task-1", models.SyncParams{}, progress)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		close(progress)

		if stats.CollectionsProcessed != 2 || stats.VideosAdded != 4 {
			t.Errorf("stats = %+v, want 2 collections and 4 videos", stats)
		}
		if len(stats.Errors) != 0 {
			t.Errorf("errors = %v", stats.Errors)
		}

		tu.AssertNoFile(t, filepath.Join(f.dataDir, checkpoint.FileName))
		tu.AssertFileExists(t, filepath.Join(f.dataDir, "sync_data_task-1", "C1", "page_2.json"))

		var last ProgressUpdate
		for update := range progress {
			last = update
		}
		if last.Phase != Complete {
			t.Errorf("last phase = %s, want complete", last.Phase)
		}
	})

	t.Run("second run reports no changes", func(t *testing.T) {
		f := newSyncFixture(t)
		e := f.engine(f.provider, nil, SyncOptions{})

		f.run(t, e, "task-1", models.SyncParams{})
		stats := f.run(t, e, "task-2", models.SyncParams{})
		if stats.VideosAdded+stats.VideosUpdated+stats.VideosDeleted+stats.VideosRestored != 0 {
			t.Errorf("second run stats = %+v, want no changes", stats)
		}
	})

	t.Run("removed favorite is deleted on the next run", func(t *testing.T) {
		f := newSyncFixture(t)
		e := f.engine(f.provider, nil, SyncOptions{})
		f.run(t, e, "task-1", models.SyncParams{})

		f.provider.Pages["C2"] = []models.RemotePage{{Items: []models.RemoteItem{tu.Item("BV5", "five")}}}
		stats := f.run(t, e, "task-2", models.SyncParams{})

		if stats.VideosAdded != 1 || stats.VideosDeleted != 1 {
			t.Fatalf("stats = %+v, want +1 -1", stats)
		}
		if got := stats.DeletedVideos[0]; got.BVID != "BV4" || got.CollectionID != "C2" {
			t.Errorf("deleted = %+v", got)
		}
		v, err := f.videos.GetByBVID("BV4")
		if err != nil {
			t.Fatalf("GetByBVID failed: %v", err)
		}
		if !v.IsDeleted {
			t.Error("BV4 not marked deleted")
		}
	})

	t.Run("failed collection does not stop the run", func(t *testing.T) {
		f := newSyncFixture(t)
		f.provider.PageErrs["C1"] = errors.New("HTTP 412")
		e := f.engine(f.provider, nil, SyncOptions{})

		stats := f.run(t, e, "task-1", models.SyncParams{})
		if stats.CollectionsProcessed != 1 || stats.VideosAdded != 1 {
			t.Errorf("stats = %+v, want only C2 processed", stats)
		}
		if len(stats.Errors) != 1 || !strings.Contains(stats.Errors[0], "C1") {
			t.Errorf("errors = %v, want one naming C1", stats.Errors)
		}
	})

	t.Run("single collection filter", func(t *testing.T) {
		f := newSyncFixture(t)
		e := f.engine(f.provider, nil, SyncOptions{})

		stats := f.run(t, e, "task-1", models.SyncParams{CollectionID: "C2"})
		if stats.CollectionsProcessed != 1 || stats.VideosAdded != 1 {
			t.Errorf("stats = %+v", stats)
		}
		if n := f.provider.Calls("C1", 1); n != 0 {
			t.Errorf("C1 fetched %d times, want 0", n)
		}

		_, err := e.Run(context.Background(), "task-2", models.SyncParams{CollectionID: "C404"}, nil)
		if !errors.Is(err, shared.ErrCollectionNotFound) {
			t.Errorf("unknown collection error = %v", err)
		}
	})

	t.Run("page limit keeps unseen videos", func(t *testing.T) {
		f := newSyncFixture(t)
		f.run(t, f.engine(f.provider, nil, SyncOptions{}), "task-1", models.SyncParams{})

		limited := f.engine(f.provider, nil, SyncOptions{MaxPages: 1})
		stats := f.run(t, limited, "task-2", models.SyncParams{})
		if stats.VideosDeleted != 0 {
			t.Errorf("deleted = %d, a truncated snapshot must not delete", stats.VideosDeleted)
		}
		if n := f.provider.Calls("C1", 2); n != 1 {
			t.Errorf("page 2 fetched %d times, want only by the first run", n)
		}
	})

	t.Run("collection list failure is fatal", func(t *testing.T) {
		f := newSyncFixture(t)
		f.provider.ListErr = shared.ErrServiceUnavailable
		e := f.engine(f.provider, nil, SyncOptions{})

		stats, err := e.Run(context.Background(), "task-1", models.SyncParams{}, nil)
		if !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Fatalf("err = %v", err)
		}
		if len(stats.Errors) == 0 {
			t.Error("stats carry no error")
		}

		cp, err := e.Checkpoint()
		if err != nil {
			t.Fatalf("Checkpoint failed: %v", err)
		}
		if cp.Status != checkpoint.StatusFailed || cp.Reopen() {
			t.Errorf("checkpoint = %s, want failed and not reopenable", cp.Status)
		}
	})
}

func TestSyncEngineResume(t *testing.T) {
	t.Run("interrupted run resumes without refetching", func(t *testing.T) {
		f := newSyncFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		provider := &cancelingProvider{FakeProvider: f.provider, collection: "C2", cancel: cancel}
		e := f.engine(provider, nil, SyncOptions{})

		if _, err := e.Run(ctx, "task-1", models.SyncParams{}, nil); !errors.Is(err, context.Canceled) {
			t.Fatalf("first run err = %v, want context.Canceled", err)
		}

		cp, err := e.Checkpoint()
		if err != nil {
			t.Fatalf("checkpoint missing after interruption: %v", err)
		}
		if cp.Status != checkpoint.StatusFetching || !cp.IsResumable() {
			t.Fatalf("checkpoint = %s, want resumable fetching", cp.Status)
		}
		if len(cp.Fetched) != 1 || cp.Fetched[0].ID != "C1" {
			t.Errorf("fetched = %+v, want C1", cp.Fetched)
		}

		stats := f.run(t, e, "task-1", models.SyncParams{})
		if stats.CollectionsProcessed != 2 || stats.VideosAdded != 4 {
			t.Errorf("stats = %+v", stats)
		}
		for page := 1; page <= 2; page++ {
			if n := f.provider.Calls("C1", page); n != 1 {
				t.Errorf("C1 page %d fetched %d times, want 1", page, n)
			}
		}
		if n := f.provider.ListCalls(); n != 1 {
			t.Errorf("collection list fetched %d times, want 1", n)
		}
		if !provider.fired {
			t.Error("interruption never happened")
		}
	})

	t.Run("resume flag adopts another task's checkpoint", func(t *testing.T) {
		f := newSyncFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		provider := &cancelingProvider{FakeProvider: f.provider, collection: "C2", cancel: cancel}
		e := f.engine(provider, nil, SyncOptions{})
		_, _ = e.Run(ctx, "task-1", models.SyncParams{}, nil)

		f.run(t, e, "task-2", models.SyncParams{Resume: true})
		if n := f.provider.Calls("C1", 1); n != 1 {
			t.Errorf("C1 page 1 fetched %d times, want 1", n)
		}
		tu.AssertDirExists(t, filepath.Join(f.dataDir, "sync_data_task-1"))
		tu.AssertNoFile(t, filepath.Join(f.dataDir, "sync_data_task-2"))
	})

	t.Run("resume without checkpoint", func(t *testing.T) {
		f := newSyncFixture(t)
		e := f.engine(f.provider, nil, SyncOptions{})

		_, err := e.Run(context.Background(), "task-1", models.SyncParams{Resume: true}, nil)
		if !errors.Is(err, shared.ErrCheckpointNotFound) {
			t.Errorf("err = %v, want ErrCheckpointNotFound", err)
		}
	})

	t.Run("resume refuses a finished checkpoint", func(t *testing.T) {
		f := newSyncFixture(t)
		store := checkpoint.NewStore(f.dataDir)
		cp := checkpoint.New("old", syncTime)
		if err := store.Save(cp); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		e := f.engine(f.provider, nil, SyncOptions{})
		_, err := e.Run(context.Background(), "task-1", models.SyncParams{Resume: true}, nil)
		if !errors.Is(err, shared.ErrNotResumable) {
			t.Errorf("err = %v, want ErrNotResumable", err)
		}
	})

	t.Run("stale checkpoint is replaced", func(t *testing.T) {
		f := newSyncFixture(t)
		store := checkpoint.NewStore(f.dataDir)
		cp := checkpoint.New("old", syncTime)
		if err := cp.Seed(testCollections()); err != nil {
			t.Fatalf("Seed failed: %v", err)
		}
		cp.Status = checkpoint.StatusFetching
		if err := store.Save(cp); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		e := f.engine(f.provider, nil, SyncOptions{})
		stats := f.run(t, e, "task-1", models.SyncParams{})
		if stats.VideosAdded != 4 {
			t.Errorf("stats = %+v", stats)
		}
		if n := f.provider.ListCalls(); n != 1 {
			t.Errorf("list calls = %d, a fresh run lists collections", n)
		}
		tu.AssertNoFile(t, store.Path())
	})

	t.Run("corrupt checkpoint is fatal", func(t *testing.T) {
		f := newSyncFixture(t)
		path := filepath.Join(f.dataDir, checkpoint.FileName)
		if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
			t.Fatalf("failed to write checkpoint: %v", err)
		}

		e := f.engine(f.provider, nil, SyncOptions{})
		_, err := e.Run(context.Background(), "task-1", models.SyncParams{}, nil)
		if !errors.Is(err, shared.ErrCheckpointCorrupt) {
			t.Errorf("err = %v, want ErrCheckpointCorrupt", err)
		}
		if n := f.provider.ListCalls(); n != 0 {
			t.Errorf("provider called %d times", n)
		}
	})

	t.Run("clean removes checkpoint and pages", func(t *testing.T) {
		f := newSyncFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		provider := &cancelingProvider{FakeProvider: f.provider, collection: "C2", cancel: cancel}
		e := f.engine(provider, nil, SyncOptions{})
		_, _ = e.Run(ctx, "task-1", models.SyncParams{}, nil)

		if err := e.Clean(false); err != nil {
			t.Fatalf("Clean failed: %v", err)
		}
		tu.AssertNoFile(t, filepath.Join(f.dataDir, checkpoint.FileName))
		tu.AssertNoFile(t, filepath.Join(f.dataDir, "sync_data_task-1"))
	})

	t.Run("cancel abandons the owned checkpoint", func(t *testing.T) {
		f := newSyncFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		provider := &cancelingProvider{FakeProvider: f.provider, collection: "C2", cancel: cancel}
		e := f.engine(provider, nil, SyncOptions{})
		_, _ = e.Run(ctx, "task-1", models.SyncParams{}, nil)

		if ok, err := e.Cancel("task-2"); err != nil || ok {
			t.Fatalf("Cancel(task-2) = %v, %v, want no-op for another task", ok, err)
		}
		if ok, err := e.Cancel("task-1"); err != nil || !ok {
			t.Fatalf("Cancel(task-1) = %v, %v", ok, err)
		}

		cp, err := e.Checkpoint()
		if err != nil {
			t.Fatalf("Checkpoint failed: %v", err)
		}
		if cp.Status != checkpoint.StatusCancelled {
			t.Errorf("status = %s, want cancelled", cp.Status)
		}
		if ok, _ := e.Cancel("task-1"); ok {
			t.Error("second Cancel reported a change")
		}

		_, err = e.Run(context.Background(), "task-3", models.SyncParams{Resume: true}, nil)
		if !errors.Is(err, shared.ErrNotResumable) {
			t.Errorf("resume err = %v, want ErrNotResumable", err)
		}

		stats := f.run(t, e, "task-1", models.SyncParams{})
		if n := f.provider.ListCalls(); n != 2 {
			t.Errorf("list calls = %d, the owner starts over after a cancel", n)
		}
		if stats.VideosAdded != 4 {
			t.Errorf("stats = %+v", stats)
		}
	})

	t.Run("processing resumes with the unreconciled collection only", func(t *testing.T) {
		f := newSyncFixture(t)
		e := f.engine(f.provider, nil, SyncOptions{})
		e.now = func() time.Time { return syncTime }
		f.run(t, e, "task-0", models.SyncParams{})

		// C1's cached snapshot would drop BV1..BV3 if it were reconciled again.
		cache := checkpoint.NewPageCache(f.dataDir, "task-1")
		cachePages(t, cache, "C1", models.RemotePage{Items: []models.RemoteItem{tu.Item("BV9", "nine")}})
		cachePages(t, cache, "C2", models.RemotePage{Items: []models.RemoteItem{tu.Item("BV4", "four"), tu.Item("BV5", "five")}})

		cp := checkpoint.New("task-1", syncTime)
		if err := cp.Seed(testCollections()); err != nil {
			t.Fatalf("Seed failed: %v", err)
		}
		for _, id := range []string{"C1", "C2"} {
			if err := cp.BeginFetch(id); err != nil {
				t.Fatalf("BeginFetch(%s) failed: %v", id, err)
			}
			if err := cp.FinishFetch(); err != nil {
				t.Fatalf("FinishFetch(%s) failed: %v", id, err)
			}
		}
		if err := cp.MarkProcessed("C1"); err != nil {
			t.Fatalf("MarkProcessed failed: %v", err)
		}
		cp.Status = checkpoint.StatusProcessing
		if err := checkpoint.NewStore(f.dataDir).Save(cp); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		listCalls, pageCalls := f.provider.ListCalls(), f.provider.TotalCalls()
		e.now = func() time.Time { return syncTime.Add(time.Hour) }
		stats := f.run(t, e, "task-1", models.SyncParams{})

		if n := f.provider.ListCalls() - listCalls; n != 0 {
			t.Errorf("collection list fetched %d more times, want 0", n)
		}
		if n := f.provider.TotalCalls() - pageCalls; n != 0 {
			t.Errorf("pages fetched %d more times, want 0", n)
		}
		if stats.CollectionsProcessed != 1 || stats.VideosAdded != 1 || stats.VideosDeleted != 0 {
			t.Errorf("stats = %+v, want only C2 reconciled with +1", stats)
		}

		for _, bvid := range []string{"BV1", "BV2", "BV3"} {
			v, err := f.videos.GetByBVID(bvid)
			if err != nil {
				t.Fatalf("GetByBVID(%s) failed: %v", bvid, err)
			}
			if v.IsDeleted {
				t.Errorf("%s deleted, C1 was already processed", bvid)
			}
		}
		if _, err := f.videos.GetByBVID("BV9"); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("BV9 lookup err = %v, C1's cache must not be applied", err)
		}
		if _, err := f.videos.GetByBVID("BV5"); err != nil {
			t.Errorf("BV5 missing after C2 was reconciled: %v", err)
		}

		c1, err := f.catalog.GetCollectionByRemoteID("C1")
		if err != nil {
			t.Fatalf("GetCollectionByRemoteID(C1) failed: %v", err)
		}
		if c1.LastSynced == nil || !c1.LastSynced.Equal(syncTime) {
			t.Errorf("C1 last synced = %v, want untouched %v", c1.LastSynced, syncTime)
		}
		c2, err := f.catalog.GetCollectionByRemoteID("C2")
		if err != nil {
			t.Fatalf("GetCollectionByRemoteID(C2) failed: %v", err)
		}
		if c2.LastSynced == nil || !c2.LastSynced.Equal(syncTime.Add(time.Hour)) {
			t.Errorf("C2 last synced = %v, want the resumed run's time", c2.LastSynced)
		}
		tu.AssertNoFile(t, filepath.Join(f.dataDir, checkpoint.FileName))
	})

	t.Run("fetch resumes at the saved page", func(t *testing.T) {
		f := newSyncFixture(t)
		f.provider.Pages["C1"] = []models.RemotePage{
			{Items: []models.RemoteItem{tu.Item("BV1", "one")}, HasMore: true},
			{Items: []models.RemoteItem{tu.Item("BV2", "two")}, HasMore: true},
			{Items: []models.RemoteItem{tu.Item("BV3", "three")}},
		}

		cache := checkpoint.NewPageCache(f.dataDir, "task-1")
		cachePages(t, cache, "C1", f.provider.Pages["C1"][:2]...)

		cp := checkpoint.New("task-1", syncTime)
		if err := cp.Seed(testCollections()); err != nil {
			t.Fatalf("Seed failed: %v", err)
		}
		if err := cp.BeginFetch("C1"); err != nil {
			t.Fatalf("BeginFetch failed: %v", err)
		}
		for range 2 {
			if err := cp.AdvancePage(); err != nil {
				t.Fatalf("AdvancePage failed: %v", err)
			}
		}
		cp.Status = checkpoint.StatusFetching
		if err := checkpoint.NewStore(f.dataDir).Save(cp); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		e := f.engine(f.provider, nil, SyncOptions{})
		stats := f.run(t, e, "task-1", models.SyncParams{})

		for page, want := range map[int]int{1: 0, 2: 0, 3: 1} {
			if n := f.provider.Calls("C1", page); n != want {
				t.Errorf("C1 page %d fetched %d times, want %d", page, n, want)
			}
		}
		if n := f.provider.Calls("C2", 1); n != 1 {
			t.Errorf("C2 page 1 fetched %d times, want 1", n)
		}
		if n := f.provider.ListCalls(); n != 0 {
			t.Errorf("collection list fetched %d times, want 0", n)
		}
		if stats.CollectionsProcessed != 2 || stats.VideosAdded != 4 {
			t.Errorf("stats = %+v, want both collections with all four videos", stats)
		}
	})
}

func cachePages(t *testing.T, cache *checkpoint.PageCache, collectionID string, pages ...models.RemotePage) {
	t.Helper()
	for i, p := range pages {
		if err := cache.Save(collectionID, i+1, p); err != nil {
			t.Fatalf("failed to cache %s page %d: %v", collectionID, i+1, err)
		}
	}
}

func TestSyncEngineCovers(t *testing.T) {
	t.Run("downloads missing covers once", func(t *testing.T) {
		f := newSyncFixture(t)
		covers := &fakeCovers{}
		e := f.engine(f.provider, covers, SyncOptions{DownloadCovers: true})

		stats := f.run(t, e, "task-1", models.SyncParams{})
		if stats.CoversDownloaded != 4 {
			t.Errorf("covers = %d, want 4", stats.CoversDownloaded)
		}

		v, err := f.videos.GetByBVID("BV1")
		if err != nil {
			t.Fatalf("GetByBVID failed: %v", err)
		}
		if v.LocalCoverPath == "" || v.LocalCoverURL != v.CoverURL {
			t.Errorf("local cover not recorded: %+v", v)
		}

		stats = f.run(t, e, "task-2", models.SyncParams{})
		if stats.CoversDownloaded != 0 || covers.count() != 4 {
			t.Errorf("second run downloaded %d covers", stats.CoversDownloaded)
		}
	})

	t.Run("failed cover is recorded and skipped", func(t *testing.T) {
		f := newSyncFixture(t)
		covers := &fakeCovers{fail: map[string]bool{"BV2": true}}
		e := f.engine(f.provider, covers, SyncOptions{DownloadCovers: true})

		stats := f.run(t, e, "task-1", models.SyncParams{})
		if stats.CoversDownloaded != 3 {
			t.Errorf("covers = %d, want 3", stats.CoversDownloaded)
		}
		if len(stats.Errors) != 1 || !strings.Contains(stats.Errors[0], "BV2") {
			t.Errorf("errors = %v", stats.Errors)
		}
	})

	tests := []struct {
		name    string
		enabled bool
		params  models.SyncParams
		want    int
	}{
		{name: "disabled by config", enabled: false, want: 0},
		{name: "skipped by task", enabled: true, params: models.SyncParams{SkipCovers: true}, want: 0},
		{name: "forced by task", enabled: false, params: models.SyncParams{ForceCovers: true}, want: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSyncFixture(t)
			covers := &fakeCovers{}
			e := f.engine(f.provider, covers, SyncOptions{DownloadCovers: tt.enabled})

			f.run(t, e, "task-1", tt.params)
			if got := covers.count(); got != tt.want {
				t.Errorf("downloads = %d, want %d", got, tt.want)
			}
		})
	}
}
