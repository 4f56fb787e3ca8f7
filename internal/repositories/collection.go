package repositories

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

// CollectionRepository persists mirrored favorites folders.
type CollectionRepository struct {
	db *sql.DB
}

// NewCollectionRepository creates a new CollectionRepository with the given database connection
func NewCollectionRepository(db *sql.DB) *CollectionRepository {
	return &CollectionRepository{db: db}
}

const collectionColumns = `id, remote_id, title, intro, cover_url, media_count, last_synced, created_at, updated_at`

// Create inserts a new collection with a generated ID
func (r *CollectionRepository) Create(collection *models.Collection) error {
	if err := collection.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	ts := now()
	collection.ID = shared.GenerateID()
	collection.CreatedAt = ts
	collection.UpdatedAt = ts

	query := `
		INSERT INTO collections (` + collectionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		collection.ID,
		collection.RemoteID,
		collection.Title,
		collection.Intro,
		collection.CoverURL,
		collection.MediaCount,
		nullTime(collection.LastSynced),
		collection.CreatedAt,
		collection.UpdatedAt,
	)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return fmt.Errorf("%w: collection %s", shared.ErrDuplicate, collection.RemoteID)
		}
		return fmt.Errorf("failed to insert collection: %w", err)
	}

	return nil
}

// Get retrieves a collection by ID
func (r *CollectionRepository) Get(id string) (*models.Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections WHERE id = ?`
	return r.scanOne(r.db.QueryRow(query, id))
}

// GetByRemoteID retrieves a collection by the provider's folder id
func (r *CollectionRepository) GetByRemoteID(remoteID string) (*models.Collection, error) {
	query := `SELECT ` + collectionColumns + ` FROM collections WHERE remote_id = ?`
	return r.scanOne(r.db.QueryRow(query, remoteID))
}

// Update modifies an existing collection's metadata
func (r *CollectionRepository) Update(collection *models.Collection) error {
	if err := collection.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	collection.UpdatedAt = now()

	query := `
		UPDATE collections
		SET title = ?, intro = ?, cover_url = ?, media_count = ?, last_synced = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.Exec(query,
		collection.Title,
		collection.Intro,
		collection.CoverURL,
		collection.MediaCount,
		nullTime(collection.LastSynced),
		collection.UpdatedAt,
		collection.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update collection: %w", err)
	}

	return checkAffected(result, fmt.Errorf("%w: collection %s", shared.ErrNotFound, collection.ID))
}

// Upsert creates the collection or refreshes the metadata of the row with the same remote id.
func (r *CollectionRepository) Upsert(remote models.RemoteCollection) (*models.Collection, error) {
	existing, err := r.GetByRemoteID(remote.ID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		collection := &models.Collection{
			RemoteID:   remote.ID,
			Title:      remote.Title,
			Intro:      remote.Intro,
			CoverURL:   remote.Cover,
			MediaCount: remote.MediaCount,
		}
		if err := r.Create(collection); err != nil {
			return nil, err
		}
		return collection, nil
	}

	if existing.Title == remote.Title && existing.Intro == remote.Intro &&
		existing.CoverURL == remote.Cover && existing.MediaCount == remote.MediaCount {
		return existing, nil
	}

	existing.Title = remote.Title
	existing.Intro = remote.Intro
	existing.CoverURL = remote.Cover
	existing.MediaCount = remote.MediaCount
	if err := r.Update(existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// MarkSynced stamps the collection's last successful reconciliation time.
func (r *CollectionRepository) MarkSynced(id string, at time.Time) error {
	result, err := r.db.Exec(
		`UPDATE collections SET last_synced = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), now(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark collection synced: %w", err)
	}
	return checkAffected(result, fmt.Errorf("%w: collection %s", shared.ErrNotFound, id))
}

// List retrieves all collections ordered by title
func (r *CollectionRepository) List() ([]*models.Collection, error) {
	rows, err := r.db.Query(`SELECT ` + collectionColumns + ` FROM collections ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("failed to query collections: %w", err)
	}
	defer rows.Close()

	var collections []*models.Collection
	for rows.Next() {
		collection, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		collections = append(collections, collection)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return collections, nil
}

// scanOne scans a single [sql.Row] into a [models.Collection]
func (r *CollectionRepository) scanOne(row *sql.Row) (*models.Collection, error) {
	collection, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: collection", shared.ErrNotFound)
	}
	return collection, err
}

func (r *CollectionRepository) scan(row scanner) (*models.Collection, error) {
	var (
		c          models.Collection
		lastSynced sql.NullTime
	)

	err := row.Scan(
		&c.ID, &c.RemoteID, &c.Title, &c.Intro, &c.CoverURL,
		&c.MediaCount, &lastSynced, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan collection: %w", err)
	}

	c.LastSynced = timePtr(lastSynced)
	return &c, nil
}
