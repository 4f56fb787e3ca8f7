package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/desertthunder/favsync/internal/services"
	"github.com/desertthunder/favsync/internal/shared"
	"github.com/desertthunder/favsync/internal/ui"
	"github.com/urfave/cli/v3"
)

// SetupDatabase creates the config file when missing, then initializes the database and runs migrations.
func (r *Runner) SetupDatabase(ctx context.Context, cmd *cli.Command) error {
	if _, err := os.Stat(r.configPath); err != nil {
		r.logger.Info("config file not found, creating from template", "path", r.configPath)
		if err := shared.CreateConfigFile(r.configPath); err != nil {
			r.logger.Warn("failed to create config file, using defaults", "error", err)
		} else if config, err := shared.LoadConfig(r.configPath); err != nil {
			r.logger.Warn("failed to load created config, using defaults", "error", err)
		} else {
			r.config = config
			r.logger.Info("config file created", "path", r.configPath)
		}
	}

	r.logger.Info("initializing database", "path", r.config.Database.Path)
	if err := r.open(); err != nil {
		return err
	}

	if cmd.Bool("rollback") {
		mig, err := shared.RollbackMigration(r.db)
		if err != nil {
			return err
		}
		r.writePlain("%s\n", ui.Warning(fmt.Sprintf("Rolled back %04d_%s; any other favsync command re-applies it", mig.Version, mig.Name)))
	}

	states, err := shared.MigrationStatus(r.db)
	if err != nil {
		return fmt.Errorf("failed to read migration status: %w", err)
	}

	r.writePlain("%s\n", ui.Success("Database ready: "+r.config.Database.Path))
	for _, s := range states {
		applied := ui.Muted("pending")
		if s.AppliedAt != nil {
			applied = s.AppliedAt.Local().Format("2006-01-02 15:04:05")
		}
		r.writePlain("  %04d %-16s %s\n", s.Version, s.Name, applied)
	}
	return nil
}

// SetupBilibili reads session cookies from a browser "Copy as cURL" request and saves them to the config file.
//
// Unless --no-verify is set the cookies are checked against the nav endpoint first, which also
// fills in the user id when the cookie did not carry it.
func (r *Runner) SetupBilibili(ctx context.Context, cmd *cli.Command) error {
	curlCmd := cmd.String("curl")
	curlFile := cmd.String("curl-file")

	if curlCmd == "" && curlFile == "" {
		return fmt.Errorf("%w: either --curl or --curl-file must be provided", shared.ErrMissingArgument)
	}

	if curlCmd != "" && curlFile != "" {
		return fmt.Errorf("%w: cannot specify both --curl and --curl-file", shared.ErrInvalidArgument)
	}

	var curlHeaders *shared.CurlHeaders
	var err error

	if curlFile != "" {
		curlHeaders, err = shared.ParseCurlFile(curlFile)
		if err != nil {
			return fmt.Errorf("failed to parse cURL file: %w", err)
		}
		r.logger.Info("parsed cURL from file", "file", curlFile)
	} else {
		curlHeaders, err = shared.ParseCurlCommand(curlCmd)
		if err != nil {
			return fmt.Errorf("failed to parse cURL command: %w", err)
		}
		r.logger.Info("parsed cURL command")
	}

	creds, err := curlHeaders.BilibiliCredentials()
	if err != nil {
		return err
	}

	current := r.config.Credentials.Bilibili
	creds.BaseURL = current.BaseURL
	if creds.UserAgent == "" {
		creds.UserAgent = current.UserAgent
	}

	if !cmd.Bool("no-verify") {
		svc := services.NewBilibiliService(creds, r.config.Sync.PageSize, 0, r.httpClient, r.logger)
		account, err := svc.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("session check failed: %w", err)
		}
		if creds.UserID == "" {
			creds.UserID = strconv.FormatInt(account.Mid, 10)
		}
		r.writePlain("%s\n", ui.Success(fmt.Sprintf("Logged in as %s (%d)", account.Name, account.Mid)))
	}

	r.config.Credentials.Bilibili = creds
	if err := shared.SaveConfig(r.configPath, r.config); err != nil {
		return err
	}
	r.logger.Info("credentials saved", "path", r.configPath)

	r.writePlain("%s\n", ui.Success("Bilibili credentials saved to "+r.configPath))
	r.writePlainln("Next steps:")
	r.writePlain("1. Run 'favsync setup database' if the catalog does not exist yet\n")
	r.writePlain("2. Run 'favsync sync --wait' to mirror your favorites\n")
	return nil
}
