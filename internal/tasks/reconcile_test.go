package tasks

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/repositories"
	"github.com/desertthunder/favsync/internal/shared"
	tu "github.com/desertthunder/favsync/internal/testing"
)

var syncTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type reconcileFixture struct {
	db      *sql.DB
	catalog *repositories.Catalog
	r       *Reconciler
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	db := tu.NewTestDB(t)
	catalog := repositories.NewCatalog(db)
	return &reconcileFixture{db: db, catalog: catalog, r: NewReconciler(catalog)}
}

func (f *reconcileFixture) collection(t *testing.T, remoteID string) *models.Collection {
	t.Helper()
	col, err := f.catalog.UpsertCollection(models.RemoteCollection{ID: remoteID, Title: "folder " + remoteID})
	if err != nil {
		t.Fatalf("failed to create collection: %v", err)
	}
	return col
}

func (f *reconcileFixture) video(t *testing.T, bvid string) *models.Video {
	t.Helper()
	v, err := f.catalog.GetVideoByBVID(bvid)
	if err != nil {
		t.Fatalf("failed to load video %s: %v", bvid, err)
	}
	return v
}

func (f *reconcileFixture) deletions(t *testing.T, bvid string) []*models.DeletionLog {
	t.Helper()
	logs, err := repositories.NewDeletionLogRepository(f.db).List(map[string]any{"bvid": bvid})
	if err != nil {
		t.Fatalf("failed to list deletion logs: %v", err)
	}
	return logs
}

func (f *reconcileFixture) reconcile(t *testing.T, col *models.Collection, items ...models.RemoteItem) *Diff {
	t.Helper()
	diff, err := f.r.Reconcile(col, items, syncTime)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	return diff
}

func unavailable(bvid string) models.RemoteItem {
	item := tu.Item(bvid, models.UnavailableTitle)
	item.Attr = 9
	item.Upper = models.RemoteUploader{}
	return item
}

func TestReconcile(t *testing.T) {
	t.Run("adds new videos with membership and uploader", func(t *testing.T) {
		f := newReconcileFixture(t)
		col := f.collection(t, "C1")

		diff := f.reconcile(t, col, tu.Item("BV1", "first"), tu.Item("BV2", "second"))
		if diff.Added != 2 || diff.Updated != 0 {
			t.Errorf("diff = %s, want +2 ~0", diff)
		}

		memberships, err := f.catalog.ListMemberships(col.ID)
		if err != nil {
			t.Fatalf("ListMemberships failed: %v", err)
		}
		if len(memberships) != 2 {
			t.Errorf("memberships = %d, want 2", len(memberships))
		}

		uploader, err := repositories.NewVideoRepository(f.db).GetUploader(1001)
		if err != nil {
			t.Fatalf("uploader not stored: %v", err)
		}
		if uploader.Name != "uploader" {
			t.Errorf("uploader name = %q", uploader.Name)
		}
	})

	t.Run("second identical pass is empty", func(t *testing.T) {
		f := newReconcileFixture(t)
		col := f.collection(t, "C1")
		items := []models.RemoteItem{tu.Item("BV1", "first"), tu.Item("BV2", "second")}

		f.reconcile(t, col, items...)
		diff := f.reconcile(t, col, items...)
		if !diff.Empty() {
			t.Errorf("second pass diff = %s, want empty", diff)
		}
		if f.video(t, "BV1").LastSeen == nil {
			t.Error("last_seen not refreshed")
		}
	})

	t.Run("metadata change counts as update", func(t *testing.T) {
		f := newReconcileFixture(t)
		col := f.collection(t, "C1")
		f.reconcile(t, col, tu.Item("BV1", "old title"))

		diff := f.reconcile(t, col, tu.Item("BV1", "new title"))
		if diff.Updated != 1 || diff.Added != 0 {
			t.Errorf("diff = %s, want ~1", diff)
		}
		if got := f.video(t, "BV1").Title; got != "new title" {
			t.Errorf("title = %q", got)
		}
	})

	t.Run("removal keeps video held by another collection", func(t *testing.T) {
		f := newReconcileFixture(t)
		c1 := f.collection(t, "C1")
		c2 := f.collection(t, "C2")
		f.reconcile(t, c1, tu.Item("BV1", "shared"), tu.Item("BV2", "only c1"))
		f.reconcile(t, c2, tu.Item("BV1", "shared"))

		diff := f.reconcile(t, c1, tu.Item("BV2", "only c1"))
		if len(diff.Deleted) != 1 || diff.Deleted[0].BVID != "BV1" {
			t.Fatalf("deleted = %+v, want BV1", diff.Deleted)
		}
		if diff.Deleted[0].CollectionID != "C1" {
			t.Errorf("change collection = %q, want remote id C1", diff.Deleted[0].CollectionID)
		}
		if f.video(t, "BV1").IsDeleted {
			t.Error("BV1 marked deleted while C2 still holds it")
		}

		logs := f.deletions(t, "BV1")
		if len(logs) != 1 || logs[0].Reason != models.ReasonRemovedFromSource || logs[0].CollectionID != "C1" {
			t.Errorf("deletion logs = %+v", logs)
		}

		f.reconcile(t, c2)
		v := f.video(t, "BV1")
		if !v.IsDeleted || v.DeletedAt == nil {
			t.Error("BV1 not marked deleted after leaving every collection")
		}
		if n, _ := f.catalog.CountMemberships(v.ID); n != 0 {
			t.Errorf("memberships = %d, want 0", n)
		}
	})

	t.Run("sentinel marks unavailable and keeps title", func(t *testing.T) {
		f := newReconcileFixture(t)
		col := f.collection(t, "C1")
		f.reconcile(t, col, tu.Item("BV1", "real title"))

		diff := f.reconcile(t, col, unavailable("BV1"))
		if len(diff.Deleted) != 1 || diff.Updated != 0 {
			t.Fatalf("diff = %s, want one deletion and no update", diff)
		}
		if diff.Deleted[0].Reason != models.ReasonMarkedUnavailable {
			t.Errorf("reason = %q", diff.Deleted[0].Reason)
		}

		v := f.video(t, "BV1")
		if !v.IsDeleted {
			t.Error("video not marked deleted")
		}
		if v.Title != "real title" {
			t.Errorf("title = %q, want the known title kept", v.Title)
		}
		if v.Attr != 9 {
			t.Errorf("attr = %d, want 9", v.Attr)
		}
		if n, _ := f.catalog.CountMemberships(v.ID); n != 1 {
			t.Errorf("memberships = %d, sentinel items keep their membership", n)
		}
		if logs := f.deletions(t, "BV1"); len(logs) != 1 {
			t.Errorf("deletion logs = %d, want 1", len(logs))
		}

		again := f.reconcile(t, col, unavailable("BV1"))
		if !again.Empty() {
			t.Errorf("repeat sentinel diff = %s, want empty", again)
		}

		restored := f.reconcile(t, col, tu.Item("BV1", "real title"))
		if len(restored.Restored) != 1 || restored.Updated != 0 {
			t.Fatalf("restore diff = %s, want one restoration", restored)
		}
		if v := f.video(t, "BV1"); v.IsDeleted || v.DeletedAt != nil {
			t.Error("video still marked deleted after restore")
		}
	})

	t.Run("new sentinel item is created deleted", func(t *testing.T) {
		f := newReconcileFixture(t)
		col := f.collection(t, "C1")

		diff := f.reconcile(t, col, unavailable("BV9"))
		if diff.Added != 1 || len(diff.Deleted) != 0 {
			t.Errorf("diff = %s, want +1", diff)
		}
		if v := f.video(t, "BV9"); !v.IsDeleted || v.Title != models.UnavailableTitle {
			t.Errorf("video = %+v", v)
		}
	})

	t.Run("partial snapshot skips removals", func(t *testing.T) {
		f := newReconcileFixture(t)
		col := f.collection(t, "C1")
		f.reconcile(t, col, tu.Item("BV1", "a"), tu.Item("BV2", "b"))

		diff, err := f.r.ReconcilePartial(col, []models.RemoteItem{tu.Item("BV1", "a")}, syncTime)
		if err != nil {
			t.Fatalf("ReconcilePartial failed: %v", err)
		}
		if len(diff.Deleted) != 0 {
			t.Errorf("deleted = %d, want 0", len(diff.Deleted))
		}
		if n, _ := f.catalog.CountMemberships(f.video(t, "BV2").ID); n != 1 {
			t.Errorf("BV2 membership removed by a partial snapshot")
		}
	})

	t.Run("duplicate and missing bvids", func(t *testing.T) {
		f := newReconcileFixture(t)
		col := f.collection(t, "C1")

		diff := f.reconcile(t, col, tu.Item("BV1", "a"), tu.Item("BV1", "a again"), tu.Item("", "no id"))
		if diff.Added != 1 {
			t.Errorf("added = %d, want 1", diff.Added)
		}
		if len(diff.Errors) != 1 {
			t.Errorf("errors = %v, want one for the missing bvid", diff.Errors)
		}
	})
}

// racingCatalog hides an existing video from the first lookup, as if another writer created it
// between the lookup and the insert.
type racingCatalog struct {
	*repositories.Catalog
	hidden map[string]bool
}

func (c *racingCatalog) GetVideoByBVID(bvid string) (*models.Video, error) {
	if c.hidden[bvid] {
		delete(c.hidden, bvid)
		return nil, shared.ErrNotFound
	}
	return c.Catalog.GetVideoByBVID(bvid)
}

func TestReconcileCreateCollision(t *testing.T) {
	f := newReconcileFixture(t)
	col := f.collection(t, "C1")
	f.reconcile(t, col, tu.Item("BV1", "first"))

	racing := &racingCatalog{Catalog: f.catalog, hidden: map[string]bool{"BV1": true}}
	diff, err := NewReconciler(racing).Reconcile(col, []models.RemoteItem{tu.Item("BV1", "renamed")}, syncTime)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if diff.Added != 0 || diff.Updated != 1 {
		t.Errorf("diff = %s, want the collision handled as an update", diff)
	}
	if len(diff.Errors) != 0 {
		t.Errorf("errors = %v", diff.Errors)
	}
	if got := f.video(t, "BV1").Title; got != "renamed" {
		t.Errorf("title = %q", got)
	}
}

func TestDiffApplyTo(t *testing.T) {
	stats := models.NewSyncStats()
	diff := &Diff{
		CollectionID: "C1",
		Added:        2,
		Updated:      1,
		Deleted:      []models.VideoChange{{BVID: "BV1"}},
		Restored:     []models.VideoChange{{BVID: "BV2"}, {BVID: "BV3"}},
	}
	diff.addError("BV4", errors.New("boom"))
	diff.ApplyTo(&stats)

	if stats.VideosAdded != 2 || stats.VideosUpdated != 1 || stats.VideosDeleted != 1 || stats.VideosRestored != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if len(stats.DeletedVideos) != 1 || len(stats.RestoredVideos) != 2 {
		t.Errorf("change lists not carried over: %+v", stats)
	}
	if len(stats.Errors) != 1 {
		t.Errorf("errors = %v", stats.Errors)
	}
	if got := diff.String(); got != "+2 ~1 -1 ^2" {
		t.Errorf("String() = %q", got)
	}
}
