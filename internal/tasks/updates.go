package tasks

import (
	"fmt"

	"github.com/desertthunder/favsync/internal/models"
)

// ProgressUpdate represents a progress event during a long-running operation.
//
// Used to send real-time updates to the CLI or the task executor for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data
}

// Operation phase enumeration
type Phase int

const (
	Initialize Phase = iota
	FetchCollections
	FetchPages
	Reconcile
	DownloadCovers
	Complete
	DownloadVideo
)

func (p Phase) String() string {
	switch p {
	case Initialize:
		return "initialize"
	case FetchCollections:
		return "fetch_collections"
	case FetchPages:
		return "fetch_pages"
	case Reconcile:
		return "reconcile"
	case DownloadCovers:
		return "download_covers"
	case Complete:
		return "complete"
	case DownloadVideo:
		return "download_video"
	default:
		return ""
	}
}

func initializeUpdate(resumed bool, taskID string) ProgressUpdate {
	msg := "Starting a new sync run..."
	if resumed {
		msg = fmt.Sprintf("Resuming sync run %s...", taskID)
	}
	return ProgressUpdate{Phase: Initialize, Step: 0, Total: 1, Message: msg}
}

func collectionListUpdate(count int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchCollections,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Found %d collections", count),
	}
}

func fetchPageUpdate(step, total int, col models.RemoteCollection, page int, cached bool) ProgressUpdate {
	source := "fetched"
	if cached {
		source = "cached"
	}
	return ProgressUpdate{
		Phase:   FetchPages,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] %s: page %d (%s)", step, total, col.Title, page, source),
	}
}

func fetchFailedUpdate(step, total int, col models.RemoteCollection, err error) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchPages,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✗ %s: %v", step, total, col.Title, err),
	}
}

func reconcileUpdate(step, total int, col models.RemoteCollection, diff *Diff) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Reconcile,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✓ %s (%s)", step, total, col.Title, diff),
		Data:    diff,
	}
}

func reconcileFailedUpdate(step, total int, col models.RemoteCollection, err error) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Reconcile,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✗ %s: %v", step, total, col.Title, err),
	}
}

func coverUpdate(step, total int, col models.RemoteCollection, downloaded int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   DownloadCovers,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] %s: %d covers downloaded", step, total, col.Title, downloaded),
	}
}

func completeUpdate(stats models.SyncStats) ProgressUpdate {
	return ProgressUpdate{
		Phase: Complete,
		Step:  1,
		Total: 1,
		Message: fmt.Sprintf("Sync complete: %d added, %d updated, %d deleted, %d restored",
			stats.VideosAdded, stats.VideosUpdated, stats.VideosDeleted, stats.VideosRestored),
		Data: stats,
	}
}

func downloadUpdate(step, total int, bvid string, percent float64) ProgressUpdate {
	return ProgressUpdate{
		Phase:   DownloadVideo,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] %s %.1f%%", step, total, bvid, percent),
		Data:    percent,
	}
}
