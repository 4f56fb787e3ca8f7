package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/desertthunder/favsync/internal/models"
	"github.com/desertthunder/favsync/internal/shared"
	tu "github.com/desertthunder/favsync/internal/testing"
)

func newTestRunner(t *testing.T, baseURL string) (*Runner, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()

	config := shared.DefaultConfig()
	config.Credentials.Bilibili.SessData = "sess"
	config.Credentials.Bilibili.UserID = "42"
	config.Credentials.Bilibili.BaseURL = baseURL
	config.Sync.DataDir = filepath.Join(dir, "data")
	config.Sync.CoversDir = filepath.Join(dir, "covers")
	config.Sync.RequestDelayMS = 0
	config.Sync.DownloadCovers = false
	config.Executor.PollIntervalMS = 20
	config.Log.Level = "error"

	output := &bytes.Buffer{}
	runner := NewRunner(RunnerOpts{
		Config:     config,
		ConfigPath: filepath.Join(dir, "config.toml"),
		Logger:     shared.NewLogger(io.Discard),
		LogOutput:  io.Discard,
		Output:     output,
		DB:         tu.NewTestDB(t),
	})
	return runner, output
}

func runApp(r *Runner, args ...string) error {
	argv := append([]string{"favsync", "--config", r.configPath}, args...)
	return newApp(r).Run(context.Background(), argv)
}

// fakeFavorites serves one folder whose items can be swapped between syncs.
type fakeFavorites struct {
	mu    sync.Mutex
	items []string
}

func (f *fakeFavorites) setItems(bvids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = bvids
}

func (f *fakeFavorites) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/x/web-interface/nav":
		fmt.Fprint(w, `{"code":0,"message":"0","data":{"isLogin":true,"mid":42,"uname":"tester"}}`)
	case "/x/v3/fav/folder/created/list-all":
		fmt.Fprintf(w, `{"code":0,"message":"0","data":{"count":1,"list":[{"id":100,"fid":1,"mid":42,"title":"Music","media_count":%d}]}}`, len(f.items))
	case "/x/v3/fav/resource/list":
		medias := make([]string, 0, len(f.items))
		for i, bvid := range f.items {
			medias = append(medias, fmt.Sprintf(
				`{"id":%d,"type":2,"bvid":%q,"title":"Video %s","upper":{"mid":9,"name":"singer"},"attr":0,"fav_time":1700000000}`,
				i+1, bvid, bvid))
		}
		fmt.Fprintf(w, `{"code":0,"message":"0","data":{"info":{"id":100,"title":"Music"},"medias":[%s],"has_more":false}}`,
			strings.Join(medias, ","))
	default:
		http.NotFound(w, r)
	}
}

func TestRunner(t *testing.T) {
	t.Run("NewRunner", func(t *testing.T) {
		t.Run("with all dependencies provided", func(t *testing.T) {
			config := shared.DefaultConfig()
			logger := shared.NewLogger(nil)
			output := &bytes.Buffer{}
			httpClient := &http.Client{}
			db := tu.NewTestDB(t)

			runner := NewRunner(RunnerOpts{
				Config:     config,
				ConfigPath: "/test/path/config.toml",
				Logger:     logger,
				Output:     output,
				HTTPClient: httpClient,
				DB:         db,
			})

			if runner.config != config {
				t.Error("expected config to be set")
			}
			if runner.configPath != "/test/path/config.toml" {
				t.Errorf("expected configPath to be set, got %s", runner.configPath)
			}
			if runner.logger != logger {
				t.Error("expected logger to be set")
			}
			if runner.output != output {
				t.Error("expected output to be set")
			}
			if runner.httpClient != httpClient {
				t.Error("expected httpClient to be set")
			}
			if runner.db != db || runner.ownsDB {
				t.Error("expected borrowed database to be set")
			}
		})

		t.Run("with nil options uses defaults", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{})

			if runner.config == nil {
				t.Error("expected default config to be set")
			}
			if runner.logger == nil {
				t.Error("expected default logger to be set")
			}
			if runner.output != os.Stdout {
				t.Error("expected output to default to os.Stdout")
			}
			if runner.httpClient != http.DefaultClient {
				t.Error("expected httpClient to default to http.DefaultClient")
			}
			if runner.logOutput != os.Stderr {
				t.Error("expected log output to default to os.Stderr")
			}
		})

		t.Run("log file keeps the injected log output", func(t *testing.T) {
			runner, _ := newTestRunner(t, "http://127.0.0.1:0")
			var logs bytes.Buffer
			runner.logger = shared.NewLogger(&logs)
			runner.logOutput = &logs
			path := filepath.Join(t.TempDir(), "favsync.log")
			runner.config.Log.Level = "info"
			runner.config.Log.File = path

			if err := runApp(runner, "setup", "database"); err != nil {
				t.Fatalf("setup database failed: %v", err)
			}

			if !strings.Contains(logs.String(), "initializing database") {
				t.Errorf("injected log output = %q, want the setup entry", logs.String())
			}
			if content := tu.MustReadFile(t, path); !strings.Contains(content, "initializing database") {
				t.Errorf("log file = %q, want the setup entry", content)
			}
		})
	})

	t.Run("writeJSON", func(t *testing.T) {
		t.Run("writes formatted JSON successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			if err := runner.writeJSON(map[string]string{"key": "value"}, true); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			result := output.String()
			if !strings.Contains(result, `"key": "value"`) {
				t.Errorf("expected formatted JSON, got %s", result)
			}
			if !strings.HasSuffix(result, "\n") {
				t.Error("expected output to end with newline")
			}
		})

		t.Run("writes compact JSON successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			if err := runner.writeJSON(map[string]string{"key": "value"}, false); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			expected := `{"key":"value"}` + "\n"
			if result := output.String(); result != expected {
				t.Errorf("expected %q, got %q", expected, result)
			}
		})

		t.Run("handles marshal error with non-serializable data", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &bytes.Buffer{}})

			err := runner.writeJSON(make(chan int), false)
			if err == nil || !strings.Contains(err.Error(), "failed to marshal JSON") {
				t.Errorf("expected marshal error, got %v", err)
			}
		})

		t.Run("handles write failure", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &tu.FWriter{}})

			err := runner.writeJSON(map[string]string{"key": "value"}, false)
			if err == nil || !strings.Contains(err.Error(), "failed to write output") {
				t.Errorf("expected write error, got %v", err)
			}
		})
	})

	t.Run("writePlain", func(t *testing.T) {
		t.Run("writes plain text successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			if err := runner.writePlain("hello %s", "world"); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if result := output.String(); result != "hello world" {
				t.Errorf("expected 'hello world', got %q", result)
			}
		})

		t.Run("handles write failure", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &tu.FWriter{}})

			err := runner.writePlain("test")
			if err == nil || !strings.Contains(err.Error(), "failed to write output") {
				t.Errorf("expected write error, got %v", err)
			}
		})
	})

	t.Run("register", func(t *testing.T) {
		runner := NewRunner(RunnerOpts{})
		commands := runner.register()

		seen := map[string]bool{}
		for i, cmd := range commands {
			if cmd == nil {
				t.Fatalf("command at index %d is nil", i)
			}
			if seen[cmd.Name] {
				t.Errorf("command %s registered twice", cmd.Name)
			}
			seen[cmd.Name] = true
		}
		for _, name := range []string{"setup", "sync", "task", "download", "worker", "serve", "report"} {
			if !seen[name] {
				t.Errorf("expected command %s", name)
			}
		}
	})
}

func TestCommands(t *testing.T) {
	t.Run("sync queues a task", func(t *testing.T) {
		runner, output := newTestRunner(t, "")

		if err := runApp(runner, "sync", "--collection", "100", "--skip-covers", "--priority", "4"); err != nil {
			t.Fatalf("sync failed: %v", err)
		}
		if !strings.Contains(output.String(), "Task queued") {
			t.Errorf("expected confirmation, got %q", output.String())
		}

		tasks, err := runner.queue.List(nil)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(tasks) != 1 {
			t.Fatalf("expected 1 task, got %d", len(tasks))
		}
		task := tasks[0]
		if task.Type != models.TaskSyncFavorites || task.Priority != 4 {
			t.Errorf("unexpected task %+v", task)
		}
		if p := task.Params.Sync; p == nil || p.CollectionID != "100" || !p.SkipCovers {
			t.Errorf("unexpected params %+v", task.Params.Sync)
		}
	})

	t.Run("sync rejects conflicting cover flags", func(t *testing.T) {
		runner, _ := newTestRunner(t, "")
		if err := runApp(runner, "sync", "--skip-covers", "--force-covers"); !errors.Is(err, shared.ErrInvalidFlag) {
			t.Errorf("expected ErrInvalidFlag, got %v", err)
		}
	})

	t.Run("sync resume without checkpoint", func(t *testing.T) {
		runner, _ := newTestRunner(t, "")
		if err := runApp(runner, "sync", "--resume"); !errors.Is(err, shared.ErrCheckpointNotFound) {
			t.Errorf("expected ErrCheckpointNotFound, got %v", err)
		}
	})

	t.Run("sync status without checkpoint", func(t *testing.T) {
		runner, output := newTestRunner(t, "")
		if err := runApp(runner, "sync", "status"); err != nil {
			t.Fatalf("sync status failed: %v", err)
		}
		if !strings.Contains(output.String(), "No sync checkpoint") {
			t.Errorf("unexpected output %q", output.String())
		}
	})

	t.Run("task lifecycle by id prefix", func(t *testing.T) {
		runner, output := newTestRunner(t, "")
		if err := runApp(runner, "download", "video", "--audio-only", "BV1xx"); err != nil {
			t.Fatalf("download video failed: %v", err)
		}
		tasks, _ := runner.queue.List(nil)
		if len(tasks) != 1 {
			t.Fatalf("expected 1 task, got %d", len(tasks))
		}
		id := tasks[0].ID

		steps := []struct {
			action string
			status models.TaskStatus
		}{
			{action: "pause", status: models.StatusPaused},
			{action: "resume", status: models.StatusPending},
			{action: "cancel", status: models.StatusCancelled},
		}
		for _, step := range steps {
			if err := runApp(runner, "task", step.action, id[:8]); err != nil {
				t.Fatalf("%s failed: %v", step.action, err)
			}
			task, _ := runner.queue.Get(id)
			if task.Status != step.status {
				t.Fatalf("%s: expected %s, got %s", step.action, step.status, task.Status)
			}
		}

		if err := runApp(runner, "task", "pause", id); !errors.Is(err, shared.ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}

		output.Reset()
		if err := runApp(runner, "task", "list", "--json"); err != nil {
			t.Fatalf("task list failed: %v", err)
		}
		var views []models.TaskStatusView
		if err := json.Unmarshal(output.Bytes(), &views); err != nil {
			t.Fatalf("failed to decode list %q: %v", output.String(), err)
		}
		if len(views) != 1 || views[0].Params.Download == nil || !views[0].Params.Download.AudioOnly {
			t.Errorf("unexpected views %+v", views)
		}

		if err := runApp(runner, "task", "delete", id); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if err := runApp(runner, "task", "status", id); !errors.Is(err, shared.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("task list rejects unknown status", func(t *testing.T) {
		runner, _ := newTestRunner(t, "")
		if err := runApp(runner, "task", "list", "--status", "bogus"); !errors.Is(err, shared.ErrInvalidFlag) {
			t.Errorf("expected ErrInvalidFlag, got %v", err)
		}
	})

	t.Run("download batch needs targets", func(t *testing.T) {
		runner, _ := newTestRunner(t, "")
		if err := runApp(runner, "download", "batch"); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
		if err := runApp(runner, "download", "batch", "--skip-existing", "BV1", "BV2"); err != nil {
			t.Fatalf("download batch failed: %v", err)
		}
		tasks, _ := runner.queue.List(nil)
		if len(tasks) != 1 || len(tasks[0].Params.Batch.BVIDs) != 2 {
			t.Errorf("unexpected batch task %+v", tasks)
		}
	})

	t.Run("sync waits and reports deletions", func(t *testing.T) {
		favorites := &fakeFavorites{}
		favorites.setItems("BV1xx", "BV2xx")
		server := httptest.NewServer(favorites)
		t.Cleanup(server.Close)

		runner, output := newTestRunner(t, server.URL)
		runner.httpClient = server.Client()

		if err := runApp(runner, "sync", "--wait"); err != nil {
			t.Fatalf("first sync failed: %v\n%s", err, output.String())
		}

		favorites.setItems("BV1xx")
		if err := runApp(runner, "sync", "--wait"); err != nil {
			t.Fatalf("second sync failed: %v\n%s", err, output.String())
		}

		stats, err := runner.queue.Stats()
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats.ByStatus[models.StatusCompleted] != 2 {
			t.Errorf("expected 2 completed syncs, got %+v", stats.ByStatus)
		}

		output.Reset()
		if err := runApp(runner, "report", "deletions", "--format", "csv", "--stdout"); err != nil {
			t.Fatalf("report failed: %v", err)
		}
		report := output.String()
		if !strings.Contains(report, "BV2xx") || strings.Contains(report, "BV1xx") {
			t.Errorf("expected only BV2xx in report, got %q", report)
		}

		reportPath := filepath.Join(t.TempDir(), "deletions.md")
		if err := runApp(runner, "report", "deletions", "--output", reportPath, "--collection", "100"); err != nil {
			t.Fatalf("report to file failed: %v", err)
		}
		if content := tu.MustReadFile(t, reportPath); !strings.Contains(content, "## Music") {
			t.Errorf("unexpected markdown report %q", content)
		}

		output.Reset()
		if err := runApp(runner, "sync", "status", "--json"); err != nil {
			t.Fatalf("sync status failed: %v", err)
		}
		if !strings.Contains(output.String(), "No sync checkpoint") {
			t.Errorf("expected the completed run to remove its checkpoint, got %q", output.String())
		}
	})

	t.Run("setup bilibili verifies and saves cookies", func(t *testing.T) {
		server := httptest.NewServer(&fakeFavorites{})
		t.Cleanup(server.Close)

		runner, output := newTestRunner(t, server.URL)
		runner.httpClient = server.Client()

		curl := `curl 'https://api.bilibili.com/x/v3/fav/folder/created/list-all' -H 'user-agent: Browser/1.0' -b 'SESSDATA=fresh; bili_jct=csrf'`
		if err := runApp(runner, "setup", "bilibili", "--curl", curl); err != nil {
			t.Fatalf("setup bilibili failed: %v", err)
		}
		if !strings.Contains(output.String(), "Logged in as tester (42)") {
			t.Errorf("unexpected output %q", output.String())
		}

		saved, err := shared.LoadConfig(runner.configPath)
		if err != nil {
			t.Fatalf("failed to load saved config: %v", err)
		}
		creds := saved.Credentials.Bilibili
		if creds.SessData != "fresh" || creds.BiliJct != "csrf" || creds.UserID != "42" {
			t.Errorf("unexpected saved credentials %+v", creds)
		}
		if creds.UserAgent != "Browser/1.0" || creds.BaseURL != server.URL {
			t.Errorf("expected user agent and base URL to be kept, got %+v", creds)
		}
	})

	t.Run("setup database reports and rolls back migrations", func(t *testing.T) {
		runner, output := newTestRunner(t, "")

		if err := runApp(runner, "setup", "database", "--rollback"); err != nil {
			t.Fatalf("setup database failed: %v", err)
		}
		result := output.String()
		if !strings.Contains(result, "Rolled back 0002_task_heartbeat") {
			t.Errorf("expected rollback notice, got %q", result)
		}
		if !strings.Contains(result, "0000 create_catalog") || !strings.Contains(result, "pending") {
			t.Errorf("expected migration status listing, got %q", result)
		}
		if _, err := runner.db.Exec("SELECT heartbeat_at FROM tasks"); err == nil {
			t.Error("expected heartbeat column to be rolled back")
		}
	})

	t.Run("setup bilibili needs a curl source", func(t *testing.T) {
		runner, _ := newTestRunner(t, "")
		if err := runApp(runner, "setup", "bilibili"); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
	})
}
