package ui

import (
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/favsync/internal/models"
)

func TestProgressBar(t *testing.T) {
	tests := []struct {
		pct    float64
		suffix string
		filled int
	}{
		{pct: 0, suffix: "  0.0%", filled: 0},
		{pct: 50, suffix: " 50.0%", filled: 5},
		{pct: 100, suffix: "100.0%", filled: 10},
		{pct: 150, suffix: "100.0%", filled: 10},
		{pct: -3, suffix: "  0.0%", filled: 0},
	}

	for _, tt := range tests {
		got := ProgressBar(tt.pct, 10)
		if !strings.HasSuffix(got, tt.suffix) {
			t.Errorf("ProgressBar(%v) = %q, want suffix %q", tt.pct, got, tt.suffix)
		}
		if n := strings.Count(got, "█"); n != tt.filled {
			t.Errorf("ProgressBar(%v) filled %d cells, want %d", tt.pct, n, tt.filled)
		}
		if n := strings.Count(got, "█") + strings.Count(got, "░"); n != 10 {
			t.Errorf("ProgressBar(%v) has width %d, want 10", tt.pct, n)
		}
	}
}

func TestTaskTable(t *testing.T) {
	views := []models.TaskStatusView{
		{
			ID:         "0123456789abcdef",
			Type:       models.TaskSyncFavorites,
			Title:      "Sync all favorites",
			Status:     models.StatusRunning,
			Progress:   models.TaskProgress{Percentage: 42},
			MaxRetries: 3,
			CreatedAt:  time.Now(),
		},
		{
			ID:     "short",
			Type:   models.TaskVideoDownload,
			Title:  "Download BV1",
			Status: models.StatusFailed,
		},
	}

	out := TaskTable(views)
	for _, want := range []string{"STATUS", "01234567", "sync_favorites", "running", "42%", "0/3", "short", "failed", "Download BV1"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0123456789abcdef") {
		t.Error("expected shortened task id")
	}
}

func TestTaskDetail(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	view := models.TaskStatusView{
		ID:        "abc",
		Type:      models.TaskSyncFavorites,
		Status:    models.StatusFailed,
		StartedAt: &started,
		Elapsed:   "1m0s",
		Result: &models.TaskResult{
			ErrorCode:    "rate_limited",
			ErrorMessage: "provider rate limited",
			Sync: &models.SyncStats{
				VideosAdded:   2,
				DeletedVideos: []models.VideoChange{{BVID: "BV9", Title: "gone", Reason: "no longer present in source list"}},
				Errors:        []string{"C2: timeout"},
			},
		},
	}

	out := TaskDetail(view)
	for _, want := range []string{"abc", "failed", "[rate_limited] provider rate limited", "2 added", "BV9 gone", "C2: timeout", "1m0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("detail missing %q:\n%s", want, out)
		}
	}
}
