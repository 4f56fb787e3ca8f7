package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

// PageCache stores the pages fetched by one sync run.
//
// Layout: <data_dir>/sync_data_<task_id>/<collection_id>/page_<n>.json. Pages are written
// once, in increasing order without gaps, so the first missing page ends a collection.
type PageCache struct {
	dir string
}

// NewPageCache returns the cache namespace of taskID under dataDir.
func NewPageCache(dataDir, taskID string) *PageCache {
	return &PageCache{dir: filepath.Join(dataDir, "sync_data_"+taskID)}
}

// Dir returns the namespace directory.
func (c *PageCache) Dir() string {
	return c.dir
}

func (c *PageCache) pagePath(collectionID string, page int) (string, error) {
	if collectionID == "" || collectionID == "." || collectionID == ".." ||
		strings.ContainsAny(collectionID, `/\`) {
		return "", fmt.Errorf("%w: collection id %q", shared.ErrInvalidInput, collectionID)
	}
	if page < 1 {
		return "", fmt.Errorf("%w: page %d", shared.ErrInvalidInput, page)
	}
	return filepath.Join(c.dir, collectionID, fmt.Sprintf("page_%d.json", page)), nil
}

// Save writes one page snapshot.
func (c *PageCache) Save(collectionID string, page int, snapshot models.RemotePage) error {
	path, err := c.pagePath(collectionID, page)
	if err != nil {
		return err
	}
	if snapshot.Items == nil {
		snapshot.Items = []models.RemoteItem{}
	}
	if err := shared.WriteJSON(path, snapshot); err != nil {
		return fmt.Errorf("failed to cache page %d of %s: %w", page, collectionID, err)
	}
	return nil
}

// Load reads one page snapshot; found is false when the page was never cached.
func (c *PageCache) Load(collectionID string, page int) (snapshot *models.RemotePage, found bool, err error) {
	path, err := c.pagePath(collectionID, page)
	if err != nil {
		return nil, false, err
	}

	var p models.RemotePage
	if err := shared.ReadJSON(path, &p); err != nil {
		if shared.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cached page %d of %s: %w", page, collectionID, err)
	}
	return &p, true, nil
}

// Has reports whether a page is cached.
func (c *PageCache) Has(collectionID string, page int) bool {
	path, err := c.pagePath(collectionID, page)
	if err != nil {
		return false
	}
	return shared.FileExists(path)
}

// AllPages returns the cached pages of a collection from page 1 up to the first missing page.
func (c *PageCache) AllPages(collectionID string) ([]models.RemotePage, error) {
	var pages []models.RemotePage
	for page := 1; ; page++ {
		snapshot, found, err := c.Load(collectionID, page)
		if err != nil {
			return nil, err
		}
		if !found {
			return pages, nil
		}
		pages = append(pages, *snapshot)
	}
}

// AllItems flattens the cached pages of a collection in fetch order.
func (c *PageCache) AllItems(collectionID string) ([]models.RemoteItem, error) {
	pages, err := c.AllPages(collectionID)
	if err != nil {
		return nil, err
	}
	var items []models.RemoteItem
	for _, p := range pages {
		items = append(items, p.Items...)
	}
	return items, nil
}

// Remove deletes the whole namespace.
func (c *PageCache) Remove() error {
	if err := os.RemoveAll(c.dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove page cache: %w", err)
	}
	return nil
}

// Exists reports whether the namespace directory is present.
func (c *PageCache) Exists() bool {
	info, err := os.Stat(c.dir)
	return err == nil && info.IsDir()
}
