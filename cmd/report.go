package main

import (
	"context"
	"fmt"
	"time"

	"github.com/desertthunder/favsync/internal/formatter"
	"github.com/desertthunder/favsync/internal/shared"
	"github.com/desertthunder/favsync/internal/ui"
	"github.com/urfave/cli/v3"
)

// ReportDeletions exports the deletion log as CSV, Markdown or text.
func (r *Runner) ReportDeletions(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(); err != nil {
		return err
	}

	criteria := map[string]any{
		"collection_id": cmd.String("collection"),
		"limit":         cmd.Int("limit"),
	}
	if since := cmd.String("since"); since != "" {
		t, err := time.ParseInLocation(time.DateOnly, since, time.Local)
		if err != nil {
			return fmt.Errorf("%w: --since must be YYYY-MM-DD", shared.ErrInvalidFlag)
		}
		criteria["since"] = t
	}

	logs, err := r.deletions.List(criteria)
	if err != nil {
		return err
	}

	format := cmd.String("format")
	if cmd.Bool("stdout") {
		data, err := formatter.Export(logs, format, "")
		if err != nil {
			return err
		}
		return r.writePlain("%s", data)
	}

	path, err := formatter.WriteDeletionReport(logs, format, cmd.String("output"), time.Now())
	if err != nil {
		return err
	}
	r.writePlain("%s\n", ui.Success(fmt.Sprintf("Wrote %d deletions to %s", len(logs), path)))
	return nil
}
