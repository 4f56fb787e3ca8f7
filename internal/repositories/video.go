package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

// VideoRepository persists catalog videos and their uploaders.
//
// Videos are keyed globally by bvid; a bvid collision on insert is reported as [shared.ErrDuplicate].
type VideoRepository struct {
	db *sql.DB
}

// NewVideoRepository creates a new VideoRepository with the given database connection
func NewVideoRepository(db *sql.DB) *VideoRepository {
	return &VideoRepository{db: db}
}

const videoColumns = `
	v.id, v.bvid, v.remote_id, v.title, v.intro, v.cover_url, v.local_cover_path,
	v.local_cover_url, v.uploader_mid, v.uploader_name, v.duration, v.page_count,
	v.attr, v.published_at, v.is_deleted, v.deleted_at, v.last_seen, v.created_at, v.updated_at`

// Create inserts a new video with a generated ID
func (r *VideoRepository) Create(video *models.Video) error {
	if err := video.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	ts := now()
	video.ID = shared.GenerateID()
	video.CreatedAt = ts
	video.UpdatedAt = ts

	query := `
		INSERT INTO videos (
			id, bvid, remote_id, title, intro, cover_url, local_cover_path,
			local_cover_url, uploader_mid, uploader_name, duration, page_count,
			attr, published_at, is_deleted, deleted_at, last_seen, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		video.ID,
		video.BVID,
		video.RemoteID,
		video.Title,
		video.Intro,
		video.CoverURL,
		video.LocalCoverPath,
		video.LocalCoverURL,
		video.UploaderMID,
		video.UploaderName,
		video.Duration,
		video.PageCount,
		video.Attr,
		nullTime(video.PublishedAt),
		video.IsDeleted,
		nullTime(video.DeletedAt),
		nullTime(video.LastSeen),
		video.CreatedAt,
		video.UpdatedAt,
	)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return fmt.Errorf("%w: video %s", shared.ErrDuplicate, video.BVID)
		}
		return fmt.Errorf("failed to insert video: %w", err)
	}

	return nil
}

// Get retrieves a video by ID
func (r *VideoRepository) Get(id string) (*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos v WHERE v.id = ?`
	return r.scanOne(r.db.QueryRow(query, id))
}

// GetByBVID retrieves a video by its global bvid
func (r *VideoRepository) GetByBVID(bvid string) (*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos v WHERE v.bvid = ?`
	return r.scanOne(r.db.QueryRow(query, bvid))
}

// Update modifies an existing video
func (r *VideoRepository) Update(video *models.Video) error {
	if err := video.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	video.UpdatedAt = now()

	query := `
		UPDATE videos
		SET remote_id = ?, title = ?, intro = ?, cover_url = ?, local_cover_path = ?,
			local_cover_url = ?, uploader_mid = ?, uploader_name = ?, duration = ?,
			page_count = ?, attr = ?, published_at = ?, is_deleted = ?, deleted_at = ?,
			last_seen = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.Exec(query,
		video.RemoteID,
		video.Title,
		video.Intro,
		video.CoverURL,
		video.LocalCoverPath,
		video.LocalCoverURL,
		video.UploaderMID,
		video.UploaderName,
		video.Duration,
		video.PageCount,
		video.Attr,
		nullTime(video.PublishedAt),
		video.IsDeleted,
		nullTime(video.DeletedAt),
		nullTime(video.LastSeen),
		video.UpdatedAt,
		video.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update video: %w", err)
	}

	return checkAffected(result, fmt.Errorf("%w: video %s", shared.ErrNotFound, video.ID))
}

// Touch refreshes the last-seen stamp without counting as a content change.
func (r *VideoRepository) Touch(id string, seen time.Time) error {
	_, err := r.db.Exec(`UPDATE videos SET last_seen = ? WHERE id = ?`, seen.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch video: %w", err)
	}
	return nil
}

// SetLocalCover records the downloaded cover path and the URL it was fetched from.
func (r *VideoRepository) SetLocalCover(id, path, sourceURL string) error {
	result, err := r.db.Exec(
		`UPDATE videos SET local_cover_path = ?, local_cover_url = ?, updated_at = ? WHERE id = ?`,
		path, sourceURL, now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set local cover: %w", err)
	}
	return checkAffected(result, fmt.Errorf("%w: video %s", shared.ErrNotFound, id))
}

// List retrieves videos matching the given criteria.
//
// Supported criteria: "collection_id" (string), "is_deleted" (bool), "uploader_mid" (int64).
func (r *VideoRepository) List(criteria map[string]any) ([]*models.Video, error) {
	query := `SELECT ` + videoColumns + ` FROM videos v`
	args := []any{}

	if collectionID, ok := criteria["collection_id"].(string); ok && collectionID != "" {
		query += ` JOIN collection_videos cv ON cv.video_id = v.id AND cv.collection_id = ?`
		args = append(args, collectionID)
	}

	query += ` WHERE 1 = 1`

	if deleted, ok := criteria["is_deleted"].(bool); ok {
		query += " AND v.is_deleted = ?"
		args = append(args, deleted)
	}

	if mid, ok := criteria["uploader_mid"].(int64); ok && mid > 0 {
		query += " AND v.uploader_mid = ?"
		args = append(args, mid)
	}

	query += " ORDER BY v.created_at, v.bvid"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query videos: %w", err)
	}
	defer rows.Close()

	var videos []*models.Video
	for rows.Next() {
		video, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, video)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return videos, nil
}

// UpsertUploader inserts the uploader or refreshes its name and avatar.
func (r *VideoRepository) UpsertUploader(uploader *models.Uploader) error {
	if err := uploader.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	ts := now()
	query := `
		INSERT INTO uploaders (mid, name, face_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (mid) DO UPDATE SET
			name = excluded.name,
			face_url = excluded.face_url,
			updated_at = excluded.updated_at
		WHERE uploaders.name != excluded.name OR uploaders.face_url != excluded.face_url
	`

	if _, err := r.db.Exec(query, uploader.MID, uploader.Name, uploader.FaceURL, ts, ts); err != nil {
		return fmt.Errorf("failed to upsert uploader: %w", err)
	}
	return nil
}

// GetUploader retrieves an uploader by mid
func (r *VideoRepository) GetUploader(mid int64) (*models.Uploader, error) {
	var u models.Uploader
	err := r.db.QueryRow(
		`SELECT mid, name, face_url, created_at, updated_at FROM uploaders WHERE mid = ?`, mid,
	).Scan(&u.MID, &u.Name, &u.FaceURL, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: uploader %d", shared.ErrNotFound, mid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan uploader: %w", err)
	}
	return &u, nil
}

// scanOne scans a single [sql.Row] into a [models.Video]
func (r *VideoRepository) scanOne(row *sql.Row) (*models.Video, error) {
	video, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: video", shared.ErrNotFound)
	}
	return video, err
}

func (r *VideoRepository) scan(row scanner) (*models.Video, error) {
	var (
		v           models.Video
		publishedAt sql.NullTime
		deletedAt   sql.NullTime
		lastSeen    sql.NullTime
	)

	err := row.Scan(
		&v.ID, &v.BVID, &v.RemoteID, &v.Title, &v.Intro, &v.CoverURL, &v.LocalCoverPath,
		&v.LocalCoverURL, &v.UploaderMID, &v.UploaderName, &v.Duration, &v.PageCount,
		&v.Attr, &publishedAt, &v.IsDeleted, &deletedAt, &lastSeen, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan video: %w", err)
	}

	v.PublishedAt = timePtr(publishedAt)
	v.DeletedAt = timePtr(deletedAt)
	v.LastSeen = timePtr(lastSeen)
	return &v, nil
}
