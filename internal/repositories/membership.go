package repositories

import (
	"database/sql"
	"fmt"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

// MembershipRepository persists the collection/video relation.
//
// The (collection_id, video_id) pair is unique; [MembershipRepository.Upsert] refreshes an existing row.
type MembershipRepository struct {
	db *sql.DB
}

// NewMembershipRepository creates a new MembershipRepository with the given database connection
func NewMembershipRepository(db *sql.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

// Upsert inserts the membership or refreshes fav_time and last_seen, keeping first_seen.
func (r *MembershipRepository) Upsert(m *models.Membership) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	ts := now()
	if m.FirstSeen.IsZero() {
		m.FirstSeen = ts
	}
	if m.LastSeen.IsZero() {
		m.LastSeen = ts
	}

	query := `
		INSERT INTO collection_videos (collection_id, video_id, fav_time, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection_id, video_id) DO UPDATE SET
			fav_time = excluded.fav_time,
			last_seen = excluded.last_seen
	`

	_, err := r.db.Exec(query, m.CollectionID, m.VideoID, nullTime(m.FavTime), m.FirstSeen.UTC(), m.LastSeen.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert membership: %w", err)
	}
	return nil
}

// ListByCollection returns the memberships of a collection with each video's bvid.
func (r *MembershipRepository) ListByCollection(collectionID string) ([]*models.Membership, error) {
	query := `
		SELECT cv.collection_id, cv.video_id, v.bvid, cv.fav_time, cv.first_seen, cv.last_seen
		FROM collection_videos cv
		JOIN videos v ON v.id = cv.video_id
		WHERE cv.collection_id = ?
		ORDER BY cv.first_seen, v.bvid
	`

	rows, err := r.db.Query(query, collectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	var memberships []*models.Membership
	for rows.Next() {
		var (
			m       models.Membership
			favTime sql.NullTime
		)
		if err := rows.Scan(&m.CollectionID, &m.VideoID, &m.BVID, &favTime, &m.FirstSeen, &m.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		m.FavTime = timePtr(favTime)
		memberships = append(memberships, &m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return memberships, nil
}

// Delete removes a single membership row.
func (r *MembershipRepository) Delete(collectionID, videoID string) error {
	result, err := r.db.Exec(
		`DELETE FROM collection_videos WHERE collection_id = ? AND video_id = ?`,
		collectionID, videoID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}
	return checkAffected(result, fmt.Errorf("%w: membership %s/%s", shared.ErrNotFound, collectionID, videoID))
}

// CountByVideo returns how many collections reference the video.
func (r *MembershipRepository) CountByVideo(videoID string) (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM collection_videos WHERE video_id = ?`, videoID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count memberships: %w", err)
	}
	return count, nil
}
