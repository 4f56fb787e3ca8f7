// package testing contains shared testing utilities
package testing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

// NewTestDB creates an in-memory SQLite database with migrations applied.
//
// The pool is limited to one connection so every statement sees the same in-memory database.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := shared.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	shared.ConfigureDatabase(db, 1, 1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		t.Fatalf("failed to enable foreign keys: %v", err)
	}

	if err := shared.RunMigrations(db); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

// FakeProvider is an in-memory favorites provider.
//
// Pages are 1-based. Calls are counted per collection/page so tests can assert that cached
// pages are never fetched twice.
type FakeProvider struct {
	mu          sync.Mutex
	Collections []models.RemoteCollection
	Pages       map[string][]models.RemotePage
	ListErr     error
	PageErrs    map[string]error // collection id -> error returned for every page
	calls       map[string]int
	listCalls   int
}

// NewFakeProvider builds a provider serving the given collections and pages.
func NewFakeProvider(collections []models.RemoteCollection, pages map[string][]models.RemotePage) *FakeProvider {
	return &FakeProvider{
		Collections: collections,
		Pages:       pages,
		PageErrs:    map[string]error{},
		calls:       map[string]int{},
	}
}

// FetchCollectionList returns the configured collections.
func (p *FakeProvider) FetchCollectionList(ctx context.Context) ([]models.RemoteCollection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	if p.ListErr != nil {
		return nil, p.ListErr
	}
	return append([]models.RemoteCollection(nil), p.Collections...), nil
}

// FetchPage returns the configured page, or an empty final page past the end.
func (p *FakeProvider) FetchPage(ctx context.Context, collectionID string, page int) (*models.RemotePage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[pageKey(collectionID, page)]++
	if err := p.PageErrs[collectionID]; err != nil {
		return nil, err
	}
	pages := p.Pages[collectionID]
	if page < 1 || page > len(pages) {
		return &models.RemotePage{}, nil
	}
	result := pages[page-1]
	return &result, nil
}

// Calls returns how often the given page was fetched.
func (p *FakeProvider) Calls(collectionID string, page int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[pageKey(collectionID, page)]
}

// TotalCalls returns the number of page fetches across all collections.
func (p *FakeProvider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// ListCalls returns how often the collection list was fetched.
func (p *FakeProvider) ListCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listCalls
}

func pageKey(collectionID string, page int) string {
	return fmt.Sprintf("%s#%d", collectionID, page)
}

// Item builds a minimal available [models.RemoteItem].
func Item(bvid, title string) models.RemoteItem {
	return models.RemoteItem{
		BVID:     bvid,
		Title:    title,
		Cover:    "https://i0.hdslb.com/bfs/archive/" + bvid + ".jpg",
		Duration: 120,
		Upper:    models.RemoteUploader{Mid: 1001, Name: "uploader"},
		FavTime:  1700000000,
	}
}

// FWriter always returns an error on Write
type FWriter struct{}

func (f *FWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// FCloser is a response body whose Read always fails
type FCloser struct{}

func (f *FCloser) Read(p []byte) (n int, err error) {
	return 0, errors.New("read failed")
}

func (f *FCloser) Close() error {
	return nil
}

// MockRoundTripper allows custom HTTP responses for testing
type MockRoundTripper struct {
	response *http.Response
	err      error
}

func NewMockRoundTripper(r *http.Response, e error) *MockRoundTripper {
	return &MockRoundTripper{response: r, err: e}
}

func (m *MockRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	return m.response, m.err
}

func AssertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("File does not exist: %s", path)
	}
}

func AssertNoFile(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err == nil {
		t.Errorf("File should not exist: %s", path)
	}
}

func AssertDirExists(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		t.Errorf("Directory does not exist: %s", path)
		return
	}
	if !info.IsDir() {
		t.Errorf("Path is not a directory: %s", path)
	}
}

func MustReadFile(t *testing.T, path string) string {
	t.Helper()
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(content)
}
