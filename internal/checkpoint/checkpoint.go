// Package checkpoint persists the progress of a favorites sync so an interrupted run can resume.
//
// A [Checkpoint] tracks every collection of a run through four stage sets (to fetch, fetched,
// processed, downloaded) plus a failed list. A collection id lives in exactly one of them, or is
// the collection currently being fetched. The stage sets are only changed through the transition
// methods, which reject moves that would break that rule.
//
// [Store] keeps one checkpoint per install in a JSON file that is replaced atomically on every
// save. [PageCache] keeps the raw pages fetched by a run under a directory named by its task id,
// so a resumed run replays them instead of calling the provider again.
package checkpoint

import (
	"fmt"
	"slices"
	"time"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

// Status is the phase a sync run was in when the checkpoint was last saved.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusFetching     Status = "fetching"
	StatusProcessing   Status = "processing"
	StatusDownloading  Status = "downloading"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// FailedCollection records a collection that was dropped from the run.
type FailedCollection struct {
	Collection models.RemoteCollection `json:"collection"`
	Error      string                  `json:"error"`
	FailedAt   time.Time               `json:"failed_at"`
}

// Checkpoint is the durable state of one sync run.
type Checkpoint struct {
	TaskID           string                    `json:"task_id"`
	Status           Status                    `json:"status"`
	FailedPhase      Status                    `json:"failed_phase,omitempty"`
	TotalCollections int                       `json:"total_collections"`
	ToFetch          []models.RemoteCollection `json:"collections_to_process"`
	Fetched          []models.RemoteCollection `json:"fetched_collections"`
	Current          *models.RemoteCollection  `json:"current_collection"`
	CurrentPage      int                       `json:"current_page"`
	Processed        []models.RemoteCollection `json:"processed_collections"`
	Downloaded       []models.RemoteCollection `json:"downloaded_collections"`
	Failed           []FailedCollection        `json:"failed_collections"`
	Stats            models.SyncStats          `json:"stats"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// New returns an initializing checkpoint for taskID.
func New(taskID string, now time.Time) *Checkpoint {
	return &Checkpoint{
		TaskID:     taskID,
		Status:     StatusInitializing,
		ToFetch:    []models.RemoteCollection{},
		Fetched:    []models.RemoteCollection{},
		Processed:  []models.RemoteCollection{},
		Downloaded: []models.RemoteCollection{},
		Failed:     []FailedCollection{},
		Stats:      models.NewSyncStats(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsResumable reports whether a later run can pick this checkpoint up.
func (c *Checkpoint) IsResumable() bool {
	switch c.Status {
	case StatusFetching, StatusProcessing, StatusDownloading:
	default:
		return false
	}
	return c.Current != nil || len(c.ToFetch) > 0 || len(c.Fetched) > 0 ||
		len(c.Processed) > 0 || len(c.Downloaded) > 0
}

// Fail marks the run failed, remembering the phase it stopped in.
func (c *Checkpoint) Fail() {
	if c.Status != StatusFailed {
		c.FailedPhase = c.Status
	}
	c.Status = StatusFailed
}

// Cancel abandons the run. A cancelled checkpoint is kept for inspection but never resumed.
func (c *Checkpoint) Cancel() {
	c.Status = StatusCancelled
	c.FailedPhase = ""
}

// Reopen puts a failed run back into the phase it failed in so it can be resumed.
//
// It reports false when the run failed before fetching started or has no work left.
func (c *Checkpoint) Reopen() bool {
	if c.Status != StatusFailed {
		return c.IsResumable()
	}
	switch c.FailedPhase {
	case StatusFetching, StatusProcessing, StatusDownloading:
	default:
		return false
	}
	c.Status = c.FailedPhase
	if !c.IsResumable() {
		c.Status = StatusFailed
		return false
	}
	c.FailedPhase = ""
	return true
}

// Seed queues the full collection list of the run. Duplicate ids are dropped.
func (c *Checkpoint) Seed(collections []models.RemoteCollection) error {
	if c.tracked() > 0 {
		return fmt.Errorf("%w: checkpoint %s is already seeded", shared.ErrStageViolation, c.TaskID)
	}

	seen := make(map[string]bool, len(collections))
	c.ToFetch = make([]models.RemoteCollection, 0, len(collections))
	for _, col := range collections {
		if seen[col.ID] {
			continue
		}
		seen[col.ID] = true
		c.ToFetch = append(c.ToFetch, col)
	}
	c.TotalCollections = len(c.ToFetch)
	return nil
}

// BeginFetch makes the collection the fetch cursor, starting at page 1.
//
// Calling it again for the current collection keeps the saved page.
func (c *Checkpoint) BeginFetch(id string) error {
	if c.Current != nil {
		if c.Current.ID == id {
			return nil
		}
		return fmt.Errorf("%w: collection %s is still being fetched", shared.ErrStageViolation, c.Current.ID)
	}

	col, ok := take(&c.ToFetch, id)
	if !ok {
		return fmt.Errorf("%w: collection %s is not queued for fetching", shared.ErrStageViolation, id)
	}
	c.Current = &col
	c.CurrentPage = 1
	return nil
}

// AdvancePage moves the cursor past a page that is now in the page cache.
func (c *Checkpoint) AdvancePage() error {
	if c.Current == nil {
		return fmt.Errorf("%w: no collection is being fetched", shared.ErrStageViolation)
	}
	c.CurrentPage++
	return nil
}

// FinishFetch moves the current collection to the fetched set.
func (c *Checkpoint) FinishFetch() error {
	if c.Current == nil {
		return fmt.Errorf("%w: no collection is being fetched", shared.ErrStageViolation)
	}
	c.Fetched = append(c.Fetched, *c.Current)
	c.Current = nil
	c.CurrentPage = 0
	return nil
}

// MarkProcessed moves a fetched collection to the processed set.
func (c *Checkpoint) MarkProcessed(id string) error {
	col, ok := take(&c.Fetched, id)
	if !ok {
		return fmt.Errorf("%w: collection %s has not been fetched", shared.ErrStageViolation, id)
	}
	c.Processed = append(c.Processed, col)
	return nil
}

// MarkDownloaded moves a processed collection to the downloaded set.
func (c *Checkpoint) MarkDownloaded(id string) error {
	col, ok := take(&c.Processed, id)
	if !ok {
		return fmt.Errorf("%w: collection %s has not been processed", shared.ErrStageViolation, id)
	}
	c.Downloaded = append(c.Downloaded, col)
	return nil
}

// MarkFailed moves the collection from whichever stage holds it into the failed list.
func (c *Checkpoint) MarkFailed(id string, cause error, at time.Time) error {
	var (
		col models.RemoteCollection
		ok  bool
	)

	if c.Current != nil && c.Current.ID == id {
		col, ok = *c.Current, true
		c.Current = nil
		c.CurrentPage = 0
	}
	for _, set := range []*[]models.RemoteCollection{&c.ToFetch, &c.Fetched, &c.Processed, &c.Downloaded} {
		if ok {
			break
		}
		col, ok = take(set, id)
	}
	if !ok {
		return fmt.Errorf("%w: collection %s is not part of the run", shared.ErrStageViolation, id)
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	c.Failed = append(c.Failed, FailedCollection{Collection: col, Error: msg, FailedAt: at})
	return nil
}

// Validate checks that no collection id is tracked twice and that none went missing.
func (c *Checkpoint) Validate() error {
	seen := make(map[string]string)
	add := func(id, stage string) error {
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("%w: collection %s is both %s and %s", shared.ErrStageViolation, id, prev, stage)
		}
		seen[id] = stage
		return nil
	}

	if c.Current != nil {
		if err := add(c.Current.ID, "current"); err != nil {
			return err
		}
	}
	stages := []struct {
		name string
		set  []models.RemoteCollection
	}{
		{"to_fetch", c.ToFetch},
		{"fetched", c.Fetched},
		{"processed", c.Processed},
		{"downloaded", c.Downloaded},
	}
	for _, stage := range stages {
		for _, col := range stage.set {
			if err := add(col.ID, stage.name); err != nil {
				return err
			}
		}
	}
	for _, f := range c.Failed {
		if err := add(f.Collection.ID, "failed"); err != nil {
			return err
		}
	}

	if len(seen) != c.TotalCollections {
		return fmt.Errorf("%w: tracking %d collections, run has %d", shared.ErrStageViolation, len(seen), c.TotalCollections)
	}
	return nil
}

// FailedIDs returns the ids in the failed list.
func (c *Checkpoint) FailedIDs() []string {
	ids := make([]string, 0, len(c.Failed))
	for _, f := range c.Failed {
		ids = append(ids, f.Collection.ID)
	}
	return ids
}

// ProgressInfo summarizes a checkpoint for status output.
type ProgressInfo struct {
	TaskID            string           `json:"task_id"`
	Status            Status           `json:"status"`
	Total             int              `json:"total"`
	ToFetch           int              `json:"to_fetch"`
	Fetched           int              `json:"fetched"`
	Processed         int              `json:"processed"`
	Downloaded        int              `json:"downloaded"`
	Failed            int              `json:"failed"`
	CurrentCollection string           `json:"current_collection,omitempty"`
	CurrentPage       int              `json:"current_page,omitempty"`
	Percentage        float64          `json:"percentage"`
	Resumable         bool             `json:"resumable"`
	Stats             models.SyncStats `json:"stats"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Progress reports how far the run got. A collection counts as done once it is processed,
// downloaded or failed.
func (c *Checkpoint) Progress() ProgressInfo {
	info := ProgressInfo{
		TaskID:      c.TaskID,
		Status:      c.Status,
		Total:       c.TotalCollections,
		ToFetch:     len(c.ToFetch),
		Fetched:     len(c.Fetched),
		Processed:   len(c.Processed),
		Downloaded:  len(c.Downloaded),
		Failed:      len(c.Failed),
		CurrentPage: c.CurrentPage,
		Resumable:   c.IsResumable(),
		Stats:       c.Stats,
		UpdatedAt:   c.UpdatedAt,
	}
	if c.Current != nil {
		info.CurrentCollection = c.Current.Title
		if info.CurrentCollection == "" {
			info.CurrentCollection = c.Current.ID
		}
	}
	if c.Status == StatusCompleted {
		info.Percentage = 100
	} else if c.TotalCollections > 0 {
		done := info.Processed + info.Downloaded + info.Failed
		info.Percentage = models.NewProgress(done, c.TotalCollections, "").Percentage
	}
	return info
}

func (c *Checkpoint) tracked() int {
	n := len(c.ToFetch) + len(c.Fetched) + len(c.Processed) + len(c.Downloaded) + len(c.Failed)
	if c.Current != nil {
		n++
	}
	return n
}

// take removes the collection with id from set, preserving order.
func take(set *[]models.RemoteCollection, id string) (models.RemoteCollection, bool) {
	i := slices.IndexFunc(*set, func(c models.RemoteCollection) bool { return c.ID == id })
	if i < 0 {
		return models.RemoteCollection{}, false
	}
	col := (*set)[i]
	*set = slices.Delete(*set, i, i+1)
	return col, true
}
