// Provider abstraction and download request types
package services

import (
	"context"

	"github.com/desertthunder/favsync/internal/models"
)

// Service defines the interface for favorites providers that list folders and their pages.
type Service interface {
	// Authenticate installs session credentials and verifies them with the provider.
	// Returns an error if the session is not logged in.
	Authenticate(ctx context.Context, credentials map[string]string) error

	// FetchCollectionList retrieves every favorites folder of the configured user.
	FetchCollectionList(ctx context.Context) ([]models.RemoteCollection, error)

	// FetchPage retrieves one 1-based page of a folder.
	// An empty page means the folder has no more items.
	FetchPage(ctx context.Context, collectionID string, page int) (*models.RemotePage, error)

	// Name returns the name of the service (e.g., "Bilibili")
	Name() string
}

// DownloadRequest describes one media download.
type DownloadRequest struct {
	BVID      string
	Format    string // yt-dlp format selector, empty for the configured default
	OutputDir string // empty for the configured videos directory
	AudioOnly bool
}

// VideoURL returns the watch page of a bvid.
func VideoURL(bvid string) string {
	return "https://www.bilibili.com/video/" + bvid
}
