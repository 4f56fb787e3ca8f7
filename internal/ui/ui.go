package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/desertthunder/favsync/internal/models"
)

const defaultBarWidth = 24

// Title renders a section heading.
func Title(s string) string { return styles.title.Render(s) }

// Success renders a confirmation line.
func Success(s string) string { return styles.ok.Render("✓ " + s) }

// Failure renders an error line.
func Failure(s string) string { return styles.err.Render("✗ " + s) }

// Warning renders a warning line.
func Warning(s string) string { return styles.warn.Render("⚠ " + s) }

// Muted renders secondary text such as hints.
func Muted(s string) string { return styles.help.Render(s) }

// Status renders a task status in its color.
func Status(s models.TaskStatus) string {
	return styles.status(s).Render(string(s))
}

// ProgressBar renders pct (0-100) as a fixed-width bar followed by the percentage.
func ProgressBar(pct float64, width int) string {
	if width <= 0 {
		width = defaultBarWidth
	}
	pct = min(max(pct, 0), 100)
	filled := int(pct / 100 * float64(width))

	bar := styles.ok.Render(strings.Repeat("█", filled)) + styles.help.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %5.1f%%", bar, pct)
}

// TaskTable renders task views as a bordered table.
func TaskTable(views []models.TaskStatusView) string {
	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			shortID(v.ID),
			string(v.Type),
			string(v.Status),
			strconv.Itoa(v.Priority),
			fmt.Sprintf("%.0f%%", v.Progress.Percentage),
			fmt.Sprintf("%d/%d", v.RetryCount, v.MaxRetries),
			v.CreatedAt.Local().Format("01-02 15:04"),
			v.Title,
		})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(styles.help).
		Headers("ID", "TYPE", "STATUS", "PRI", "PROGRESS", "RETRIES", "CREATED", "TITLE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			base := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return base.Bold(true)
			}
			if col == 2 && row >= 0 && row < len(views) {
				return styles.status(views[row].Status).Padding(0, 1)
			}
			return base
		})
	return t.String()
}

// TaskDetail renders one task view as labelled lines.
func TaskDetail(v models.TaskStatusView) string {
	var b strings.Builder
	line := func(label, value string) {
		fmt.Fprintf(&b, "%-10s %s\n", label+":", value)
	}

	line("ID", v.ID)
	line("Type", string(v.Type))
	line("Title", v.Title)
	line("Status", Status(v.Status))
	line("Priority", strconv.Itoa(v.Priority))
	line("Progress", ProgressBar(v.Progress.Percentage, 0))
	if v.Progress.Message != "" {
		line("Step", v.Progress.Message)
	}
	line("Retries", fmt.Sprintf("%d/%d", v.RetryCount, v.MaxRetries))
	line("Created", v.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if v.Elapsed != "" {
		elapsed := v.Elapsed
		if v.Overdue {
			elapsed += " " + Warning("overdue")
		}
		line("Elapsed", elapsed)
	}
	if r := v.Result; r != nil {
		if r.ErrorMessage != "" {
			line("Error", styles.err.Render(fmt.Sprintf("[%s] %s", r.ErrorCode, r.ErrorMessage)))
		}
		if r.Sync != nil {
			b.WriteString(SyncSummary(*r.Sync))
		}
		for _, f := range r.OutputFiles {
			line("Output", f)
		}
	}
	return b.String()
}

// SyncSummary renders the counters of a sync run.
func SyncSummary(stats models.SyncStats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d collections, %d added, %d updated, %d deleted, %d restored, %d covers\n",
		styles.ok.Render("Sync:"),
		stats.CollectionsProcessed, stats.VideosAdded, stats.VideosUpdated,
		stats.VideosDeleted, stats.VideosRestored, stats.CoversDownloaded)

	for _, c := range stats.DeletedVideos {
		fmt.Fprintf(&b, "  %s %s %s (%s)\n", styles.err.Render("-"), c.BVID, c.Title, c.Reason)
	}
	for _, c := range stats.RestoredVideos {
		fmt.Fprintf(&b, "  %s %s %s\n", styles.ok.Render("+"), c.BVID, c.Title)
	}
	for _, e := range stats.Errors {
		fmt.Fprintf(&b, "  %s\n", Warning(e))
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
