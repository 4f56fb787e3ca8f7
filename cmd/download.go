package main

import (
	"context"
	"fmt"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
	"github.com/urfave/cli/v3"
)

// DownloadVideo submits a video_download task.
func (r *Runner) DownloadVideo(ctx context.Context, cmd *cli.Command) error {
	bvid := cmd.StringArg("bvid")
	if bvid == "" {
		return fmt.Errorf("%w: bvid", shared.ErrMissingArgument)
	}
	if err := r.open(); err != nil {
		return err
	}

	id, err := r.queue.SubmitDownload(models.DownloadParams{
		BVID:      bvid,
		Format:    cmd.String("format"),
		OutputDir: cmd.String("output"),
		AudioOnly: cmd.Bool("audio-only"),
	}, cmd.Int("priority"))
	if err != nil {
		return err
	}
	return r.follow(ctx, id, cmd.Bool("wait"))
}

// DownloadBatch submits a batch_download task for the given BV ids or a whole folder.
func (r *Runner) DownloadBatch(ctx context.Context, cmd *cli.Command) error {
	params := models.BatchDownloadParams{
		BVIDs:        cmd.Args().Slice(),
		CollectionID: cmd.String("collection"),
		Format:       cmd.String("format"),
		OutputDir:    cmd.String("output"),
		AudioOnly:    cmd.Bool("audio-only"),
		SkipExisting: cmd.Bool("skip-existing"),
	}
	if len(params.BVIDs) == 0 && params.CollectionID == "" {
		return fmt.Errorf("%w: bvids or --collection", shared.ErrMissingArgument)
	}
	if err := r.open(); err != nil {
		return err
	}

	id, err := r.queue.SubmitBatchDownload(params, cmd.Int("priority"))
	if err != nil {
		return err
	}
	return r.follow(ctx, id, cmd.Bool("wait"))
}
