package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

// DeletionLogRepository appends and queries the deletion audit trail.
type DeletionLogRepository struct {
	db *sql.DB
}

// NewDeletionLogRepository creates a new DeletionLogRepository with the given database connection
func NewDeletionLogRepository(db *sql.DB) *DeletionLogRepository {
	return &DeletionLogRepository{db: db}
}

// Create appends a deletion record with a generated ID
func (r *DeletionLogRepository) Create(entry *models.DeletionLog) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	entry.ID = shared.GenerateID()
	if entry.DeletedAt.IsZero() {
		entry.DeletedAt = now()
	}

	query := `
		INSERT INTO deletion_logs (
			id, video_id, bvid, title, uploader_name, collection_id,
			collection_title, reason, deleted_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		entry.ID,
		entry.VideoID,
		entry.BVID,
		entry.Title,
		entry.UploaderName,
		entry.CollectionID,
		entry.CollectionTitle,
		entry.Reason,
		entry.DeletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert deletion log: %w", err)
	}
	return nil
}

// List retrieves deletion records newest first.
//
// Supported criteria: "collection_id" (string), "bvid" (string), "reason" (string),
// "since" (time.Time), "limit" (int).
func (r *DeletionLogRepository) List(criteria map[string]any) ([]*models.DeletionLog, error) {
	query := `
		SELECT id, video_id, bvid, title, uploader_name, collection_id,
			collection_title, reason, deleted_at
		FROM deletion_logs
		WHERE 1 = 1
	`
	args := []any{}

	if collectionID, ok := criteria["collection_id"].(string); ok && collectionID != "" {
		query += " AND collection_id = ?"
		args = append(args, collectionID)
	}

	if bvid, ok := criteria["bvid"].(string); ok && bvid != "" {
		query += " AND bvid = ?"
		args = append(args, bvid)
	}

	if reason, ok := criteria["reason"].(string); ok && reason != "" {
		query += " AND reason = ?"
		args = append(args, reason)
	}

	if since, ok := criteria["since"].(time.Time); ok && !since.IsZero() {
		query += " AND deleted_at >= ?"
		args = append(args, since.UTC())
	}

	query += " ORDER BY deleted_at DESC, bvid"

	if limit, ok := criteria["limit"].(int); ok && limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deletion logs: %w", err)
	}
	defer rows.Close()

	var entries []*models.DeletionLog
	for rows.Next() {
		var d models.DeletionLog
		err := rows.Scan(
			&d.ID, &d.VideoID, &d.BVID, &d.Title, &d.UploaderName, &d.CollectionID,
			&d.CollectionTitle, &d.Reason, &d.DeletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deletion log: %w", err)
		}
		entries = append(entries, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return entries, nil
}
