package models

import (
	"fmt"
	"time"
)

// VideoChange summarizes a deleted or restored video for sync reports.
type VideoChange struct {
	BVID            string    `json:"bvid"`
	Title           string    `json:"title"`
	UploaderName    string    `json:"uploader_name,omitempty"`
	CollectionID    string    `json:"collection_id"`
	CollectionTitle string    `json:"collection_title,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	At              time.Time `json:"at"`
}

// SyncStats accumulates the outcome of a sync run.
//
// Stats are returned even when the run fails so callers can tell partial work from none.
type SyncStats struct {
	CollectionsProcessed int           `json:"collections_processed"`
	VideosAdded          int           `json:"videos_added"`
	VideosUpdated        int           `json:"videos_updated"`
	VideosDeleted        int           `json:"videos_deleted"`
	VideosRestored       int           `json:"videos_restored"`
	CoversDownloaded     int           `json:"covers_downloaded"`
	Errors               []string      `json:"errors"`
	DeletedVideos        []VideoChange `json:"deleted_videos"`
	RestoredVideos       []VideoChange `json:"restored_videos"`
}

// NewSyncStats returns stats with non-nil lists so they serialize as empty arrays.
func NewSyncStats() SyncStats {
	return SyncStats{
		Errors:         []string{},
		DeletedVideos:  []VideoChange{},
		RestoredVideos: []VideoChange{},
	}
}

// AddError appends a formatted error string.
func (s *SyncStats) AddError(format string, args ...any) {
	s.Errors = append(s.Errors, fmt.Sprintf(format, args...))
}

// RecordDeleted counts a deletion and keeps its summary.
func (s *SyncStats) RecordDeleted(change VideoChange) {
	s.VideosDeleted++
	s.DeletedVideos = append(s.DeletedVideos, change)
}

// RecordRestored counts a restoration and keeps its summary.
func (s *SyncStats) RecordRestored(change VideoChange) {
	s.VideosRestored++
	s.RestoredVideos = append(s.RestoredVideos, change)
}
