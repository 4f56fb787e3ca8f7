// package formatter provides functions to export deletion logs to various formats (CSV, Markdown, plain text)
package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
)

// Format names accepted by [Export] and [WriteDeletionReport].
const (
	FormatCSV      = "csv"
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

const timeLayout = "2006-01-02 15:04:05"

// ExportToCSV converts deletion logs to CSV format with columns: Deleted At, BVID, Title, Uploader, Collection, Reason
func ExportToCSV(logs []*models.DeletionLog) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"Deleted At", "BVID", "Title", "Uploader", "Collection", "Reason"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, entry := range logs {
		record := []string{
			entry.DeletedAt.UTC().Format(time.RFC3339),
			entry.BVID,
			entry.Title,
			entry.UploaderName,
			collectionName(entry),
			entry.Reason,
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// ExportToMarkdown converts deletion logs to a Markdown report grouped by collection
func ExportToMarkdown(logs []*models.DeletionLog, title string) ([]byte, error) {
	var buf bytes.Buffer

	if title == "" {
		title = "Deleted Videos"
	}
	fmt.Fprintf(&buf, "# %s\n\n", title)
	fmt.Fprintf(&buf, "**Entries**: %d\n\n", len(logs))

	if len(logs) == 0 {
		buf.WriteString("No deletions recorded.\n")
		return buf.Bytes(), nil
	}

	var order []string
	groups := map[string][]*models.DeletionLog{}
	for _, entry := range logs {
		name := collectionName(entry)
		if _, ok := groups[name]; !ok {
			order = append(order, name)
		}
		groups[name] = append(groups[name], entry)
	}

	for _, name := range order {
		fmt.Fprintf(&buf, "## %s\n\n", name)
		buf.WriteString("| Deleted At | BVID | Title | Uploader | Reason |\n")
		buf.WriteString("|---|---|---|---|---|\n")
		for _, entry := range groups[name] {
			fmt.Fprintf(&buf, "| %s | [%s](https://www.bilibili.com/video/%s) | %s | %s | %s |\n",
				entry.DeletedAt.UTC().Format(timeLayout),
				entry.BVID, entry.BVID,
				escapeCell(entry.Title),
				escapeCell(entry.UploaderName),
				escapeCell(entry.Reason),
			)
		}
		buf.WriteString("\n")
	}

	return buf.Bytes(), nil
}

// ExportToText converts deletion logs to plain text format
func ExportToText(logs []*models.DeletionLog) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "Deleted videos: %d\n\n", len(logs))
	for i, entry := range logs {
		fmt.Fprintf(&buf, "%d. %s %s (%s) [%s] %s\n",
			i+1, entry.DeletedAt.UTC().Format(timeLayout), entry.BVID, entry.Title, collectionName(entry), entry.Reason)
	}

	return buf.Bytes(), nil
}

// Export renders logs in the named format.
func Export(logs []*models.DeletionLog, format, title string) ([]byte, error) {
	switch strings.ToLower(format) {
	case FormatCSV:
		return ExportToCSV(logs)
	case FormatMarkdown, "md":
		return ExportToMarkdown(logs, title)
	case FormatText, "txt", "":
		return ExportToText(logs)
	default:
		return nil, fmt.Errorf("%w: unknown format %q", shared.ErrInvalidFlag, format)
	}
}

// WriteDeletionReport renders logs and writes them to path atomically.
//
// An empty path defaults to deletions_<date>.<ext> in the working directory.
func WriteDeletionReport(logs []*models.DeletionLog, format, path string, now time.Time) (string, error) {
	data, err := Export(logs, format, "")
	if err != nil {
		return "", err
	}

	if path == "" {
		path = fmt.Sprintf("deletions_%s.%s", now.UTC().Format("20060102"), extension(format))
	}
	if err := shared.WriteBytes(filepath.Clean(path), data); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

func extension(format string) string {
	switch strings.ToLower(format) {
	case FormatCSV:
		return "csv"
	case FormatMarkdown, "md":
		return "md"
	default:
		return "txt"
	}
}

func collectionName(entry *models.DeletionLog) string {
	if entry.CollectionTitle != "" {
		return entry.CollectionTitle
	}
	if entry.CollectionID != "" {
		return entry.CollectionID
	}
	return "(no collection)"
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
