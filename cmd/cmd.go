// submodule cmd contains command definitions
package main

import (
	"time"

	"github.com/urfave/cli/v3"
)

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:  "json",
		Usage: "Output raw JSON",
	}
}

func priorityFlag() cli.Flag {
	return &cli.IntFlag{
		Name:    "priority",
		Aliases: []string{"p"},
		Usage:   "Task priority, higher runs first",
	}
}

func waitFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "wait",
		Aliases: []string{"w"},
		Usage:   "Run the task in this process and wait for it to finish",
	}
}

func taskIDArg() []cli.Argument {
	return []cli.Argument{&cli.StringArg{Name: "id"}}
}

// setupCommand handles setup operations for database and authentication.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "setup",
		Usage: "Setup and configuration commands",
		Commands: []*cli.Command{
			{
				Name:   "database",
				Usage:  "Create the config file if needed, initialize the database and run migrations",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "rollback",
						Usage: "Revert the newest migration, before downgrading favsync",
					},
				},
				Action: r.SetupDatabase,
			},
			{
				Name:    "bilibili",
				Aliases: []string{"bili"},
				Usage:   "Store Bilibili session cookies taken from a browser request",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "curl",
						Usage: "cURL command from browser DevTools (Copy as cURL)",
					},
					&cli.StringFlag{
						Name:  "curl-file",
						Usage: "Path to .sh file containing cURL command",
					},
					&cli.BoolFlag{
						Name:  "no-verify",
						Usage: "Save the cookies without checking them against the nav endpoint",
					},
				},
				Action: r.SetupBilibili,
			},
		},
	}
}

// syncCommand submits favorites syncs and inspects the sync checkpoint.
func syncCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Sync favorites into the local catalog",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "collection",
				Usage: "Remote folder id to sync; all folders when empty",
			},
			&cli.BoolFlag{
				Name:  "resume",
				Usage: "Resume the outstanding checkpoint",
			},
			&cli.BoolFlag{
				Name:  "skip-covers",
				Usage: "Skip the cover download phase",
			},
			&cli.BoolFlag{
				Name:  "force-covers",
				Usage: "Download covers even when disabled in config",
			},
			priorityFlag(),
			waitFlag(),
		},
		Action: r.Sync,
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show the progress of the outstanding checkpoint",
				Flags:  []cli.Flag{jsonFlag()},
				Action: r.SyncStatus,
			},
			{
				Name:  "clean",
				Usage: "Remove the checkpoint and its page cache",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "all",
						Usage: "Also remove page caches of older runs",
					},
				},
				Action: r.SyncClean,
			},
		},
	}
}

// taskCommand inspects and controls queued tasks.
func taskCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:    "task",
		Aliases: []string{"tasks"},
		Usage:   "Inspect and control background tasks",
		Commands: []*cli.Command{
			{
				Name:      "status",
				Usage:     "Show one task",
				Arguments: taskIDArg(),
				Flags:     []cli.Flag{jsonFlag()},
				Action:    r.TaskStatus,
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "List tasks, newest first",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "status",
						Usage: "Only tasks with this status",
					},
					&cli.StringFlag{
						Name:  "type",
						Usage: "Only tasks of this type",
					},
					&cli.BoolFlag{
						Name:  "active",
						Usage: "Only pending, running and paused tasks",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of tasks to show",
						Value: 20,
					},
					jsonFlag(),
				},
				Action: r.TaskList,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a pending or paused task",
				Arguments: taskIDArg(),
				Action:    r.TaskCancel,
			},
			{
				Name:      "pause",
				Usage:     "Hold a pending task",
				Arguments: taskIDArg(),
				Action:    r.TaskPause,
			},
			{
				Name:      "resume",
				Usage:     "Return a paused task to the queue",
				Arguments: taskIDArg(),
				Action:    r.TaskResume,
			},
			{
				Name:      "retry",
				Usage:     "Requeue a failed task",
				Arguments: taskIDArg(),
				Action:    r.TaskRetry,
			},
			{
				Name:      "delete",
				Aliases:   []string{"rm"},
				Usage:     "Delete a task that is not running",
				Arguments: taskIDArg(),
				Action:    r.TaskDelete,
			},
			{
				Name:   "queue",
				Usage:  "Show queue depth",
				Flags:  []cli.Flag{jsonFlag()},
				Action: r.TaskQueue,
			},
			{
				Name:   "stats",
				Usage:  "Count tasks by status and type",
				Flags:  []cli.Flag{jsonFlag()},
				Action: r.TaskStats,
			},
			{
				Name:  "cleanup",
				Usage: "Delete finished tasks older than the retention window",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "days",
						Usage: "Retention in days (default: executor.cleanup_after_days)",
					},
				},
				Action: r.TaskCleanup,
			},
		},
	}
}

// downloadCommand enqueues yt-dlp downloads.
func downloadCommand(r *Runner) *cli.Command {
	mediaFlags := func() []cli.Flag {
		return []cli.Flag{
			&cli.StringFlag{
				Name:  "format",
				Usage: "yt-dlp format selector (default: download.format)",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output directory (default: download.videos_dir)",
			},
			&cli.BoolFlag{
				Name:  "audio-only",
				Usage: "Download the audio stream only",
			},
			priorityFlag(),
			waitFlag(),
		}
	}

	return &cli.Command{
		Name:    "download",
		Aliases: []string{"dl"},
		Usage:   "Download videos with yt-dlp",
		Commands: []*cli.Command{
			{
				Name:      "video",
				Usage:     "Download one video by BV id",
				Arguments: []cli.Argument{&cli.StringArg{Name: "bvid"}},
				Flags:     mediaFlags(),
				Action:    r.DownloadVideo,
			},
			{
				Name:      "batch",
				Usage:     "Download several videos, or every available video of a folder",
				ArgsUsage: "[bvid...]",
				Flags: append(mediaFlags(),
					&cli.StringFlag{
						Name:  "collection",
						Usage: "Remote folder id whose videos are downloaded",
					},
					&cli.BoolFlag{
						Name:  "skip-existing",
						Usage: "Skip videos already present in the output directory",
					},
				),
				Action: r.DownloadBatch,
			},
		},
	}
}

// workerCommand runs the executor loop until interrupted.
func workerCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Execute queued tasks until interrupted",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "cleanup-every",
				Usage: "Interval of the old task cleanup job, zero disables it",
				Value: 24 * time.Hour,
			},
		},
		Action: r.Worker,
	}
}

// serveCommand runs the HTTP task API together with the executor.
func serveCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the task API and execute queued tasks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Listen host (default: server.host)",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Listen port (default: server.port)",
			},
			&cli.BoolFlag{
				Name:  "no-worker",
				Usage: "Only enqueue; leave execution to a separate worker process",
			},
		},
		Action: r.Serve,
	}
}

// reportCommand exports catalog reports.
func reportCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Export reports from the catalog",
		Commands: []*cli.Command{
			{
				Name:  "deletions",
				Usage: "Export the deletion log",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "format",
						Aliases: []string{"f"},
						Usage:   "Report format: csv, markdown or text",
						Value:   "markdown",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path (default: deletions_<date>.<ext>)",
					},
					&cli.BoolFlag{
						Name:  "stdout",
						Usage: "Print the report instead of writing a file",
					},
					&cli.StringFlag{
						Name:  "collection",
						Usage: "Only deletions from this remote folder id",
					},
					&cli.StringFlag{
						Name:  "since",
						Usage: "Only deletions on or after this date (YYYY-MM-DD)",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of entries",
					},
				},
				Action: r.ReportDeletions,
			},
		},
	}
}

// apiCommand handles direct calls against the Bilibili API with the configured session
func apiCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Direct calls to the Bilibili API",
		Commands: []*cli.Command{
			{
				Name:  "get",
				Usage: "GET a path with the session cookies, prints the raw response",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name: "path",
					},
				},
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "pretty",
						Usage: "Pretty-print output",
						Value: true,
					},
				},
				Action: r.APIGet,
			},
			{
				Name:   "whoami",
				Usage:  "Show the account the session cookies belong to",
				Flags:  []cli.Flag{jsonFlag()},
				Action: r.APIWhoami,
			},
		},
	}
}
