package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/desertthunder/favsync/internal/shared"
	"github.com/desertthunder/favsync/internal/ui"
	"github.com/urfave/cli/v3"
)

// APIGet makes a direct GET request against the Bilibili API with the configured session.
func (r *Runner) APIGet(ctx context.Context, cmd *cli.Command) error {
	path := cmd.StringArg("path")
	if path == "" {
		return fmt.Errorf("%w: path", shared.ErrMissingArgument)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if err := r.open(); err != nil {
		return err
	}

	r.logger.Info("GET request", "path", path)

	resp, err := r.bilibili.Raw(ctx, path)
	if err != nil {
		return err
	}

	if !resp.OK() {
		return fmt.Errorf("%w: status %d, body: %s", shared.ErrAPIRequest, resp.StatusCode, string(resp.Body))
	}

	if resp.IsJSON {
		return r.writeJSON(resp.JSONData, cmd.Bool("pretty"))
	}

	r.output.Write(resp.Body)
	r.output.Write([]byte("\n"))
	return nil
}

// APIWhoami prints the account the session cookies belong to.
func (r *Runner) APIWhoami(ctx context.Context, cmd *cli.Command) error {
	if err := r.open(); err != nil {
		return err
	}

	account, err := r.bilibili.Whoami(ctx)
	if err != nil {
		return err
	}
	if cmd.Bool("json") {
		return r.writeJSON(map[string]any{"mid": account.Mid, "name": account.Name}, true)
	}
	r.writePlain("%s\n", ui.Success(fmt.Sprintf("%s (%d)", account.Name, account.Mid)))
	return nil
}
