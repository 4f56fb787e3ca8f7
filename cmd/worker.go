package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/desertthunder/favsync/internal/server"
	"github.com/desertthunder/favsync/internal/services"
	"github.com/desertthunder/favsync/internal/shared"
)

// Worker runs the executor until SIGINT or SIGTERM, with the old task cleanup on a schedule.
func (r *Runner) Worker(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.checkDownloader()

	scheduler, err := r.scheduleCleanup(cmd.Duration("cleanup-every"))
	if err != nil {
		return err
	}
	if scheduler != nil {
		defer scheduler.Stop()
	}

	return r.executor.Run(ctx)
}

// Serve runs the task API and, unless --no-worker is set, the executor in the same process.
func (r *Runner) Serve(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(); err != nil {
		return err
	}

	host := cmd.String("host")
	if host == "" {
		host = r.config.Server.Host
	}
	port := cmd.Int("port")
	if port == 0 {
		port = r.config.Server.Port
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	withWorker := !cmd.Bool("no-worker")

	router := server.NewBasicRouter()
	router.Use(server.RequestLogger(r.logger), server.Recoverer(r.logger))
	var state server.ExecutorState
	if withWorker {
		state = r.executor
	}
	server.NewTaskAPI(r.queue, state, r.logger).Mount(router)

	if withWorker {
		r.checkDownloader()
		scheduler, err := r.scheduleCleanup(24 * time.Hour)
		if err != nil {
			return err
		}
		if scheduler != nil {
			defer scheduler.Stop()
		}
	}

	srv := server.New(host, port, router, r.logger)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	if withWorker {
		g.Go(func() error { return r.executor.Run(ctx) })
	}

	r.writePlain("Task API listening on http://%s\n", srv.Addr())
	return g.Wait()
}

// scheduleCleanup starts the periodic removal of finished tasks. It returns nil when every or
// the configured retention is not positive.
func (r *Runner) scheduleCleanup(every time.Duration) (*gocron.Scheduler, error) {
	days := r.config.Executor.CleanupAfterDays
	if every <= 0 || days <= 0 {
		return nil, nil
	}
	retention := time.Duration(days) * 24 * time.Hour

	scheduler := gocron.NewScheduler(time.UTC)
	scheduler.SingletonModeAll()
	_, err := scheduler.Every(every).Do(func() {
		if _, err := r.queue.Cleanup(retention); err != nil {
			r.logger.Error("scheduled task cleanup failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule task cleanup: %w", err)
	}

	scheduler.StartAsync()
	r.logger.Info("task cleanup scheduled", "every", every, "retention_days", days)
	return scheduler, nil
}

// checkDownloader warns early when download tasks would fail for a missing yt-dlp binary.
func (r *Runner) checkDownloader() {
	ytdlp := services.NewYtDlp(r.config.Download.YtDlpPath, r.config.Download.Format, r.logger)
	if err := ytdlp.CheckInstalled(); errors.Is(err, shared.ErrDependencyMissing) {
		r.logger.Warn("yt-dlp not found, download tasks will fail", "path", r.config.Download.YtDlpPath)
	}
}
