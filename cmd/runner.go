package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/favsync/internal/queue"
	"github.com/desertthunder/favsync/internal/repositories"
	"github.com/desertthunder/favsync/internal/services"
	"github.com/desertthunder/favsync/internal/shared"
	"github.com/desertthunder/favsync/internal/tasks"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
//
// The database and everything built on it are opened on first use by [Runner.open], so commands
// like setup run without a catalog.
type Runner struct {
	config     *shared.Config
	configPath string
	httpClient *http.Client
	logger     *log.Logger
	logOutput  io.Writer
	output     io.Writer
	logFile    io.Closer

	db        *sql.DB
	ownsDB    bool
	queue     *queue.Queue
	executor  *queue.Executor
	catalog   *repositories.Catalog
	deletions *repositories.DeletionLogRepository
	bilibili  *services.BilibiliService
	engine    *tasks.SyncEngine
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	ConfigPath string
	HTTPClient *http.Client
	Logger     *log.Logger
	LogOutput  io.Writer // the writer Logger was built on, kept when a log file is added
	Output     io.Writer
	DB         *sql.DB // already migrated; the Runner does not close it
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(opts.LogOutput)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	return &Runner{
		config:     opts.Config,
		configPath: opts.ConfigPath,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		logOutput:  opts.LogOutput,
		output:     opts.Output,
		db:         opts.DB,
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, syncCommand, taskCommand, downloadCommand, workerCommand, serveCommand, reportCommand, apiCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// Before loads the configuration named by the --config flag and applies its log settings.
//
// A missing file keeps the defaults so setup can create it.
func (r *Runner) Before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if path := cmd.String("config"); path != "" {
		r.configPath = path
	}

	if r.configPath != "" {
		config, err := shared.LoadConfig(r.configPath)
		switch {
		case err == nil:
			r.config = config
		case errors.Is(err, os.ErrNotExist):
			r.logger.Debug("config file not found, using defaults", "path", r.configPath)
		default:
			return ctx, err
		}
	}

	if cmd.Bool("verbose") {
		r.config.Log.Level = "debug"
	}

	closer, err := shared.ConfigureLogger(r.logger, r.logOutput, r.config.Log)
	if err != nil {
		return ctx, err
	}
	r.logFile = closer
	return ctx, nil
}

// After releases the database and the log file.
func (r *Runner) After(ctx context.Context, cmd *cli.Command) error {
	return r.Close()
}

// Close releases what [Runner.open] and [Runner.Before] acquired.
func (r *Runner) Close() error {
	var errs []error
	if r.db != nil && r.ownsDB {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	if r.logFile != nil {
		errs = append(errs, r.logFile.Close())
		r.logFile = nil
	}
	return errors.Join(errs...)
}

// open connects the catalog and builds the queue, services and sync engine on first use.
func (r *Runner) open() error {
	if r.queue != nil {
		return nil
	}
	if err := r.config.Validate(); err != nil {
		return err
	}

	if r.db == nil {
		db, err := shared.NewDatabase(r.config.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		shared.ConfigureDatabase(db, r.config.Database.MaxOpenConns, r.config.Database.MaxIdleConns)
		if err := shared.RunMigrations(db); err != nil {
			db.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		r.db, r.ownsDB = db, true
	}

	cfg := r.config
	r.catalog = repositories.NewCatalog(r.db)
	r.deletions = repositories.NewDeletionLogRepository(r.db)
	r.queue = queue.New(repositories.NewTaskRepository(r.db), cfg.Executor.MaxRetries, r.logger)

	r.bilibili = services.NewBilibiliService(cfg.Credentials.Bilibili, cfg.Sync.PageSize, cfg.Sync.RequestDelay(), r.httpClient, r.logger)
	covers := services.NewCoverService(cfg.Sync.CoversDir, cfg.Sync.DownloadTimeout(), cfg.Credentials.Bilibili.UserAgent, r.httpClient)
	r.engine = tasks.NewSyncEngine(r.bilibili, r.catalog, covers, tasks.SyncOptions{
		DataDir:        cfg.Sync.DataDir,
		MaxPages:       cfg.Sync.MaxPages,
		RequestDelay:   cfg.Sync.RequestDelay(),
		DownloadCovers: cfg.Sync.DownloadCovers,
	}, r.logger)

	downloader := services.NewYtDlp(cfg.Download.YtDlpPath, cfg.Download.Format, r.logger)
	handlers := tasks.NewHandlers(r.engine, downloader, r.catalog, tasks.HandlerOptions{
		VideosDir:  cfg.Download.VideosDir,
		Format:     cfg.Download.Format,
		BatchDelay: cfg.Sync.RequestDelay(),
	}, r.logger)

	r.executor = queue.NewExecutor(r.queue, cfg.Executor.PollInterval(), r.logger)
	r.executor.SetLiveness(cfg.Executor.HeartbeatInterval(), cfg.Executor.StaleAfter())
	handlers.Register(r.executor)
	return nil
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	var output []byte
	var err error

	if pretty {
		output, err = json.MarshalIndent(data, "", "  ")
	} else {
		output, err = json.Marshal(data)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
