package shared

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Credentials CredentialsConfig `toml:"credentials"`
	Database    DatabaseConfig    `toml:"database"`
	Sync        SyncConfig        `toml:"sync"`
	Executor    ExecutorConfig    `toml:"executor"`
	Download    DownloadConfig    `toml:"download"`
	Server      ServerConfig      `toml:"server"`
	Log         LogConfig         `toml:"log"`
}

// CredentialsConfig contains service-specific credentials.
type CredentialsConfig struct {
	Bilibili BilibiliConfig `toml:"bilibili"`
}

// BilibiliConfig contains the session cookies and endpoint used for favorites requests.
type BilibiliConfig struct {
	SessData  string `toml:"sessdata"`
	BiliJct   string `toml:"bili_jct"`
	UserID    string `toml:"user_id"`
	UserAgent string `toml:"user_agent"`
	BaseURL   string `toml:"base_url"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Path         string `toml:"path"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// SyncConfig controls the favorites sync pipeline.
type SyncConfig struct {
	DataDir          string `toml:"data_dir"`
	CoversDir        string `toml:"covers_dir"`
	MaxPages         int    `toml:"max_pages"`
	PageSize         int    `toml:"page_size"`
	RequestDelayMS   int    `toml:"request_delay_ms"`
	DownloadCovers   bool   `toml:"download_covers"`
	DownloadTimeoutS int    `toml:"download_timeout_s"`
}

// ExecutorConfig controls the background task executor.
type ExecutorConfig struct {
	PollIntervalMS      int `toml:"poll_interval_ms"`
	MaxRetries          int `toml:"max_retries"`
	CleanupAfterDays    int `toml:"cleanup_after_days"`
	HeartbeatIntervalMS int `toml:"heartbeat_interval_ms"`
	StaleAfterS         int `toml:"stale_after_s"`
}

// DownloadConfig contains yt-dlp settings for media downloads.
type DownloadConfig struct {
	VideosDir string `toml:"videos_dir"`
	YtDlpPath string `toml:"ytdlp_path"`
	Format    string `toml:"format"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LogConfig contains log level and optional rotating log file settings.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
}

// RequestDelay returns the minimum spacing between provider requests.
func (c SyncConfig) RequestDelay() time.Duration {
	return time.Duration(c.RequestDelayMS) * time.Millisecond
}

// DownloadTimeout returns the per-cover download timeout.
func (c SyncConfig) DownloadTimeout() time.Duration {
	return time.Duration(c.DownloadTimeoutS) * time.Second
}

// PollInterval returns the idle sleep between empty queue polls.
func (c ExecutorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// HeartbeatInterval returns the period between liveness stamps on a running task.
func (c ExecutorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// StaleAfter returns how long a running task may stay silent before it is recovered.
func (c ExecutorConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterS) * time.Second
}

// Validate checks the values that would otherwise break the sync or executor loops.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is required", ErrInvalidConfig)
	}
	if c.Sync.DataDir == "" {
		return fmt.Errorf("%w: sync.data_dir is required", ErrInvalidConfig)
	}
	if c.Sync.MaxPages <= 0 {
		return fmt.Errorf("%w: sync.max_pages must be positive", ErrInvalidConfig)
	}
	if c.Sync.RequestDelayMS < 0 {
		return fmt.Errorf("%w: sync.request_delay_ms must not be negative", ErrInvalidConfig)
	}
	if c.Executor.PollIntervalMS <= 0 {
		return fmt.Errorf("%w: executor.poll_interval_ms must be positive", ErrInvalidConfig)
	}
	if c.Executor.HeartbeatIntervalMS > 0 && c.Executor.StaleAfterS > 0 &&
		c.Executor.StaleAfter() <= 2*c.Executor.HeartbeatInterval() {
		return fmt.Errorf("%w: executor.stale_after_s must exceed two heartbeat intervals", ErrInvalidConfig)
	}
	if c.Executor.MaxRetries < 0 {
		return fmt.Errorf("%w: executor.max_retries must not be negative", ErrInvalidConfig)
	}
	return nil
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
//
// Keys missing from the file keep their values from [DefaultConfig].
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SaveConfig writes c to path as TOML. The file holds session cookies so it is kept owner-readable only.
func SaveConfig(path string, c *Config) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := WriteBytes(path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to restrict config file: %w", err)
	}
	return nil
}
