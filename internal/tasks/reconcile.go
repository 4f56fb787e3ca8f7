package tasks

import (
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

// Catalog is the slice of the catalog store the sync engine reads and mutates.
//
// Implemented by repositories.Catalog.
type Catalog interface {
	UpsertCollection(remote models.RemoteCollection) (*models.Collection, error)
	GetCollectionByRemoteID(remoteID string) (*models.Collection, error)
	MarkCollectionSynced(collectionID string, at time.Time) error

	GetVideo(id string) (*models.Video, error)
	GetVideoByBVID(bvid string) (*models.Video, error)
	CreateVideo(video *models.Video) error
	UpdateVideo(video *models.Video) error
	TouchVideo(videoID string, seen time.Time) error
	UpsertUploader(uploader *models.Uploader) error
	SetLocalCover(videoID, path, sourceURL string) error
	ListCollectionVideos(collectionID string) ([]*models.Video, error)

	ListMemberships(collectionID string) ([]*models.Membership, error)
	UpsertMembership(m *models.Membership) error
	RemoveMembership(collectionID, videoID string) error
	CountMemberships(videoID string) (int, error)

	LogDeletion(entry *models.DeletionLog) error
}

// Diff is the outcome of reconciling one collection.
type Diff struct {
	CollectionID string
	Added        int
	Updated      int
	Deleted      []models.VideoChange
	Restored     []models.VideoChange
	Errors       []string
}

// Empty reports whether the reconciliation changed nothing.
func (d *Diff) Empty() bool {
	return d.Added == 0 && d.Updated == 0 && len(d.Deleted) == 0 && len(d.Restored) == 0
}

// ApplyTo adds the diff to the run's stats.
func (d *Diff) ApplyTo(stats *models.SyncStats) {
	stats.VideosAdded += d.Added
	stats.VideosUpdated += d.Updated
	for _, change := range d.Deleted {
		stats.RecordDeleted(change)
	}
	for _, change := range d.Restored {
		stats.RecordRestored(change)
	}
	stats.Errors = append(stats.Errors, d.Errors...)
}

func (d *Diff) String() string {
	return fmt.Sprintf("+%d ~%d -%d ^%d", d.Added, d.Updated, len(d.Deleted), len(d.Restored))
}

func (d *Diff) addError(bvid string, err error) {
	d.Errors = append(d.Errors, fmt.Sprintf("collection %s: video %s: %v", d.CollectionID, bvid, err))
}

type transition int

const (
	noTransition transition = iota
	becameUnavailable
	becameAvailable
)

// Reconciler turns a fetched collection snapshot into catalog mutations.
//
// Two deletion paths exist and are kept apart: an item carrying the provider's unavailable
// sentinel only flips the video's availability and keeps its membership, while an item missing
// from the snapshot loses its membership and is marked unavailable only when no other
// collection still holds it.
type Reconciler struct {
	catalog Catalog
}

// NewReconciler creates a Reconciler over catalog.
func NewReconciler(catalog Catalog) *Reconciler {
	return &Reconciler{catalog: catalog}
}

// Reconcile diffs items against the catalog's memberships of col and applies the result.
//
// Errors for a single video are collected in [Diff.Errors] and the video is skipped. The
// returned error is reserved for failures that affect the whole collection.
func (r *Reconciler) Reconcile(col *models.Collection, items []models.RemoteItem, now time.Time) (*Diff, error) {
	return r.reconcile(col, items, now, true)
}

// ReconcilePartial applies items like [Reconciler.Reconcile] but keeps memberships missing from
// items, for snapshots cut short by the page limit.
func (r *Reconciler) ReconcilePartial(col *models.Collection, items []models.RemoteItem, now time.Time) (*Diff, error) {
	return r.reconcile(col, items, now, false)
}

func (r *Reconciler) reconcile(col *models.Collection, items []models.RemoteItem, now time.Time, removals bool) (*Diff, error) {
	diff := &Diff{CollectionID: col.RemoteID}

	memberships, err := r.catalog.ListMemberships(col.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load memberships of %s: %w", col.RemoteID, err)
	}

	remoteIDs := make(map[string]bool, len(items))
	for _, item := range items {
		if item.BVID == "" {
			diff.addError("(none)", fmt.Errorf("%w: item %d has no bvid", shared.ErrUnexpectedResponse, item.ID))
			continue
		}
		if remoteIDs[item.BVID] {
			continue
		}
		remoteIDs[item.BVID] = true

		if err := r.applyItem(col, item, now, diff); err != nil {
			diff.addError(item.BVID, err)
		}
	}

	if !removals {
		return diff, nil
	}

	for _, m := range memberships {
		if remoteIDs[m.BVID] {
			continue
		}
		if err := r.removeMember(col, m, now, diff); err != nil {
			diff.addError(m.BVID, err)
		}
	}

	return diff, nil
}

func (r *Reconciler) applyItem(col *models.Collection, item models.RemoteItem, now time.Time, diff *Diff) error {
	unavailable := item.IsUnavailable()

	if !unavailable && item.Upper.Mid > 0 {
		uploader := &models.Uploader{MID: item.Upper.Mid, Name: item.Upper.Name, FaceURL: item.Upper.Face}
		if err := r.catalog.UpsertUploader(uploader); err != nil {
			return err
		}
	}

	video, err := r.catalog.GetVideoByBVID(item.BVID)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		var created bool
		video, created, err = r.create(item, now)
		if err != nil {
			return err
		}
		if created {
			diff.Added++
		} else if err := r.update(col, video, item, now, diff); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if err := r.update(col, video, item, now, diff); err != nil {
			return err
		}
	}

	return r.catalog.UpsertMembership(&models.Membership{
		CollectionID: col.ID,
		VideoID:      video.ID,
		FavTime:      item.FavoritedAt(),
		LastSeen:     now,
	})
}

// create inserts a new video. When another writer created the bvid first, the existing row is
// returned with created set to false.
func (r *Reconciler) create(item models.RemoteItem, now time.Time) (video *models.Video, created bool, err error) {
	video = &models.Video{BVID: item.BVID}
	copyMetadata(video, item)
	video.LastSeen = &now
	if item.IsUnavailable() {
		video.IsDeleted = true
		video.DeletedAt = &now
	}

	err = r.catalog.CreateVideo(video)
	if err == nil {
		return video, true, nil
	}
	if !errors.Is(err, shared.ErrDuplicate) {
		return nil, false, err
	}

	existing, err := r.catalog.GetVideoByBVID(item.BVID)
	if err != nil {
		return nil, false, fmt.Errorf("re-query after duplicate: %w", err)
	}
	return existing, false, nil
}

func (r *Reconciler) update(col *models.Collection, video *models.Video, item models.RemoteItem, now time.Time, diff *Diff) error {
	changed := false
	if !item.IsUnavailable() {
		before := *video
		copyMetadata(video, item)
		changed = metadataChanged(&before, video)
	} else if video.Attr != item.Attr {
		video.Attr = item.Attr
		changed = true
	}

	// availability transitions are counted as deletions or restorations, not updates
	switch r.availability(video, item.IsUnavailable(), now) {
	case becameUnavailable:
		change := videoChange(col, video, models.ReasonMarkedUnavailable, now)
		if err := r.save(video, now); err != nil {
			return err
		}
		if err := r.logDeletion(video, change); err != nil {
			return err
		}
		diff.Deleted = append(diff.Deleted, change)
		return nil
	case becameAvailable:
		if err := r.save(video, now); err != nil {
			return err
		}
		diff.Restored = append(diff.Restored, videoChange(col, video, "", now))
		return nil
	}

	if !changed {
		return r.catalog.TouchVideo(video.ID, now)
	}
	if err := r.save(video, now); err != nil {
		return err
	}
	diff.Updated++
	return nil
}

// availability flips the deletion flags when the sentinel state differs from the stored state.
func (r *Reconciler) availability(video *models.Video, unavailable bool, now time.Time) transition {
	switch {
	case unavailable && !video.IsDeleted:
		video.IsDeleted = true
		video.DeletedAt = &now
		return becameUnavailable
	case !unavailable && video.IsDeleted:
		video.IsDeleted = false
		video.DeletedAt = nil
		return becameAvailable
	default:
		return noTransition
	}
}

func (r *Reconciler) removeMember(col *models.Collection, m *models.Membership, now time.Time, diff *Diff) error {
	if err := r.catalog.RemoveMembership(col.ID, m.VideoID); err != nil {
		return err
	}

	video, err := r.catalog.GetVideo(m.VideoID)
	if err != nil {
		return err
	}

	remaining, err := r.catalog.CountMemberships(video.ID)
	if err != nil {
		return err
	}
	if remaining == 0 && !video.IsDeleted {
		video.IsDeleted = true
		video.DeletedAt = &now
		if err := r.catalog.UpdateVideo(video); err != nil {
			return err
		}
	}

	change := videoChange(col, video, models.ReasonRemovedFromSource, now)
	if err := r.logDeletion(video, change); err != nil {
		return err
	}
	diff.Deleted = append(diff.Deleted, change)
	return nil
}

func (r *Reconciler) save(video *models.Video, now time.Time) error {
	video.LastSeen = &now
	return r.catalog.UpdateVideo(video)
}

func (r *Reconciler) logDeletion(video *models.Video, change models.VideoChange) error {
	return r.catalog.LogDeletion(&models.DeletionLog{
		VideoID:         video.ID,
		BVID:            video.BVID,
		Title:           change.Title,
		UploaderName:    change.UploaderName,
		CollectionID:    change.CollectionID,
		CollectionTitle: change.CollectionTitle,
		Reason:          change.Reason,
		DeletedAt:       change.At,
	})
}

func videoChange(col *models.Collection, video *models.Video, reason string, at time.Time) models.VideoChange {
	return models.VideoChange{
		BVID:            video.BVID,
		Title:           video.Title,
		UploaderName:    video.UploaderName,
		CollectionID:    col.RemoteID,
		CollectionTitle: col.Title,
		Reason:          reason,
		At:              at,
	}
}

// copyMetadata writes the provider's metadata into video. The sentinel title never replaces a
// known title.
func copyMetadata(video *models.Video, item models.RemoteItem) {
	if item.Title != models.UnavailableTitle || video.Title == "" {
		video.Title = item.Title
	}
	video.RemoteID = item.ID
	video.Intro = item.Intro
	video.CoverURL = item.Cover
	video.UploaderMID = item.Upper.Mid
	video.UploaderName = item.Upper.Name
	video.Duration = item.Duration
	video.PageCount = item.Page
	video.Attr = item.Attr
	video.PublishedAt = item.PublishedAt()
}

func metadataChanged(a, b *models.Video) bool {
	return a.Title != b.Title ||
		a.RemoteID != b.RemoteID ||
		a.Intro != b.Intro ||
		a.CoverURL != b.CoverURL ||
		a.UploaderMID != b.UploaderMID ||
		a.UploaderName != b.UploaderName ||
		a.Duration != b.Duration ||
		a.PageCount != b.PageCount ||
		a.Attr != b.Attr ||
		!sameTime(a.PublishedAt, b.PublishedAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
