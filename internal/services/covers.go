package services

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/desertthunder/favsync/internal/shared"
)

const defaultCoverTimeout = 10 * time.Second

// CoverService downloads video cover images into a local directory.
//
// Covers are stored as <dir>/<bvid>.jpg and replaced atomically.
type CoverService struct {
	api     *APIService
	dir     string
	timeout time.Duration
}

// NewCoverService creates a CoverService writing to dir.
func NewCoverService(dir string, timeout time.Duration, userAgent string, client *http.Client) *CoverService {
	if timeout <= 0 {
		timeout = defaultCoverTimeout
	}
	api := NewAPIService("", client)
	api.SetHeader("Referer", bilibiliReferer)
	api.SetHeader("User-Agent", userAgent)
	return &CoverService{api: api, dir: dir, timeout: timeout}
}

// Dir returns the covers directory.
func (c *CoverService) Dir() string {
	return c.dir
}

// DownloadCover fetches coverURL and returns the local path it was written to.
func (c *CoverService) DownloadCover(ctx context.Context, bvid, coverURL string) (string, error) {
	if bvid == "" || strings.ContainsAny(bvid, `/\.`) {
		return "", fmt.Errorf("%w: bvid %q", shared.ErrInvalidInput, bvid)
	}
	source := NormalizeCoverURL(coverURL)
	if source == "" {
		return "", fmt.Errorf("%w: %s has no cover url", shared.ErrInvalidInput, bvid)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.Get(ctx, source)
	if err != nil {
		return "", fmt.Errorf("%w: cover %s: %v", shared.ErrDownloadFailed, bvid, err)
	}
	if !resp.OK() {
		return "", fmt.Errorf("%w: cover %s: status %d", shared.ErrDownloadFailed, bvid, resp.StatusCode)
	}
	if len(resp.Body) == 0 {
		return "", fmt.Errorf("%w: cover %s: empty body", shared.ErrDownloadFailed, bvid)
	}

	path := filepath.Join(c.dir, bvid+".jpg")
	if err := shared.WriteBytes(path, resp.Body); err != nil {
		return "", err
	}
	return path, nil
}

// NormalizeCoverURL turns protocol-relative cover URLs into https URLs.
func NormalizeCoverURL(raw string) string {
	u := strings.TrimSpace(raw)
	switch {
	case u == "":
		return ""
	case strings.HasPrefix(u, "//"):
		return "https:" + u
	default:
		return u
	}
}
