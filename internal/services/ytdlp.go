package services

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/desertthunder/favsync/internal/shared"
)

const (
	defaultYtDlpPath = "yt-dlp"
	defaultFormat    = "bv*+ba/b"
	audioFormat      = "ba/b"
	filePrefix       = "favsync-file:"
	outputTemplate   = "%(id)s - %(title).80B.%(ext)s"
	maxKeptOutput    = 8192
)

var percentPattern = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)

// YtDlp runs the yt-dlp binary to fetch media for a bvid.
type YtDlp struct {
	path   string
	format string
	logger *log.Logger
}

// NewYtDlp creates a runner. Empty path and format fall back to "yt-dlp" and best video+audio.
func NewYtDlp(path, format string, logger *log.Logger) *YtDlp {
	if path == "" {
		path = defaultYtDlpPath
	}
	if format == "" {
		format = defaultFormat
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &YtDlp{path: path, format: format, logger: shared.WithLogger(logger, "component", "yt-dlp")}
}

// CheckInstalled reports [shared.ErrDependencyMissing] when the binary cannot be found.
func (y *YtDlp) CheckInstalled() error {
	if _, err := exec.LookPath(y.path); err != nil {
		return fmt.Errorf("%w: %s: %v", shared.ErrDependencyMissing, y.path, err)
	}
	return nil
}

// Download fetches one video and returns the files yt-dlp produced.
//
// progress receives percentages parsed from yt-dlp output as they arrive and may be nil.
func (y *YtDlp) Download(ctx context.Context, req DownloadRequest, progress func(float64)) ([]string, error) {
	if req.BVID == "" {
		return nil, fmt.Errorf("%w: bvid is required", shared.ErrInvalidInput)
	}
	if req.OutputDir == "" {
		return nil, fmt.Errorf("%w: output directory is required", shared.ErrInvalidInput)
	}
	if err := y.CheckInstalled(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	args := y.args(req)
	y.logger.Debug("Running yt-dlp", "bvid", req.BVID, "args", strings.Join(args, " "))

	var files []string
	err := y.run(ctx, args, func(line string) {
		if path, ok := strings.CutPrefix(line, filePrefix); ok {
			files = append(files, strings.TrimSpace(path))
			return
		}
		if progress == nil || !strings.HasPrefix(line, "[download]") {
			return
		}
		if pct, ok := ParsePercent(line); ok {
			progress(pct)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return files, ctx.Err()
		}
		return files, fmt.Errorf("%w: %s: %v", shared.ErrDownloadFailed, req.BVID, err)
	}
	return files, nil
}

func (y *YtDlp) args(req DownloadRequest) []string {
	format := req.Format
	switch {
	case format != "":
	case req.AudioOnly:
		format = audioFormat
	default:
		format = y.format
	}

	return []string{
		"--newline",
		"--no-playlist",
		"--restrict-filenames",
		"-P", req.OutputDir,
		"-o", outputTemplate,
		"-f", format,
		"--print", "after_move:" + filePrefix + "%(filepath)s",
		"--no-simulate",
		VideoURL(req.BVID),
	}
}

// run executes the binary, feeding every stdout and stderr line to onLine.
func (y *YtDlp) run(ctx context.Context, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, y.path, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("setup stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start yt-dlp: %w", err)
	}

	var errBuf strings.Builder
	var mu sync.Mutex
	var wg sync.WaitGroup

	read := func(r io.Reader, keep bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			if keep {
				appendLimited(&errBuf, line)
			}
			onLine(line)
			mu.Unlock()
		}
	}

	wg.Add(2)
	go read(stdoutPipe, false)
	go read(stderrPipe, true)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w\n%s", err, strings.TrimSpace(errBuf.String()))
	}
	return nil
}

// ParsePercent extracts the first percentage in a yt-dlp progress line.
func ParsePercent(line string) (float64, bool) {
	m := percentPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || v < 0 || v > 100 {
		return 0, false
	}
	return v, true
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(b *strings.Builder, line string) {
	if b.Len() >= maxKeptOutput {
		return
	}
	toWrite := line + "\n"
	if remain := maxKeptOutput - b.Len(); len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}
