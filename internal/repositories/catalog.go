package repositories

import (
	"database/sql"
	"time"

	"github.com/desertthunder/favsync/internal/models"
)

// Catalog implements tasks.Catalog on top of the catalog repositories.
//
// All repositories share the caller's *sql.DB; Catalog never opens or closes it.
type Catalog struct {
	collections *CollectionRepository
	videos      *VideoRepository
	memberships *MembershipRepository
	deletions   *DeletionLogRepository
}

// NewCatalog creates a Catalog over db.
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{
		collections: NewCollectionRepository(db),
		videos:      NewVideoRepository(db),
		memberships: NewMembershipRepository(db),
		deletions:   NewDeletionLogRepository(db),
	}
}

// UpsertCollection creates or refreshes the collection for a remote folder.
func (c *Catalog) UpsertCollection(remote models.RemoteCollection) (*models.Collection, error) {
	return c.collections.Upsert(remote)
}

// GetCollectionByRemoteID looks up a mirrored collection by provider id.
func (c *Catalog) GetCollectionByRemoteID(remoteID string) (*models.Collection, error) {
	return c.collections.GetByRemoteID(remoteID)
}

// MarkCollectionSynced stamps last_synced on the collection.
func (c *Catalog) MarkCollectionSynced(collectionID string, at time.Time) error {
	return c.collections.MarkSynced(collectionID, at)
}

// GetVideo looks up a video by catalog id.
func (c *Catalog) GetVideo(id string) (*models.Video, error) {
	return c.videos.Get(id)
}

// GetVideoByBVID looks up a video by bvid; a miss wraps shared.ErrNotFound.
func (c *Catalog) GetVideoByBVID(bvid string) (*models.Video, error) {
	return c.videos.GetByBVID(bvid)
}

// CreateVideo inserts a video; a bvid collision wraps shared.ErrDuplicate.
func (c *Catalog) CreateVideo(video *models.Video) error {
	return c.videos.Create(video)
}

// UpdateVideo writes a changed video.
func (c *Catalog) UpdateVideo(video *models.Video) error {
	return c.videos.Update(video)
}

// TouchVideo refreshes last_seen only.
func (c *Catalog) TouchVideo(videoID string, seen time.Time) error {
	return c.videos.Touch(videoID, seen)
}

// UpsertUploader inserts or refreshes an uploader.
func (c *Catalog) UpsertUploader(uploader *models.Uploader) error {
	return c.videos.UpsertUploader(uploader)
}

// ListMemberships returns a collection's memberships.
func (c *Catalog) ListMemberships(collectionID string) ([]*models.Membership, error) {
	return c.memberships.ListByCollection(collectionID)
}

// UpsertMembership inserts or refreshes a membership row.
func (c *Catalog) UpsertMembership(m *models.Membership) error {
	return c.memberships.Upsert(m)
}

// RemoveMembership deletes a membership row.
func (c *Catalog) RemoveMembership(collectionID, videoID string) error {
	return c.memberships.Delete(collectionID, videoID)
}

// CountMemberships returns how many collections reference a video.
func (c *Catalog) CountMemberships(videoID string) (int, error) {
	return c.memberships.CountByVideo(videoID)
}

// LogDeletion appends to the deletion audit trail.
func (c *Catalog) LogDeletion(entry *models.DeletionLog) error {
	return c.deletions.Create(entry)
}

// ListCollectionVideos returns the videos that are members of a collection.
func (c *Catalog) ListCollectionVideos(collectionID string) ([]*models.Video, error) {
	return c.videos.List(map[string]any{"collection_id": collectionID})
}

// SetLocalCover records a downloaded cover.
func (c *Catalog) SetLocalCover(videoID, path, sourceURL string) error {
	return c.videos.SetLocalCover(videoID, path, sourceURL)
}
