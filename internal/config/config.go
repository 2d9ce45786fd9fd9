package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const DefaultPath = "taskyard.toml"

type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Compute  ComputeConfig  `toml:"compute"`
	Triggers TriggersConfig `toml:"triggers"`
	Store    StoreConfig    `toml:"store"`
	Server   ServerConfig   `toml:"server"`
	Raw      map[string]any `toml:"-"`
	Path     string         `toml:"-"`
}

type EngineConfig struct {
	TickRate         int    `toml:"tick_rate"`
	FrameRate        int    `toml:"frame_rate"`
	CatchupMaxTicks  int    `toml:"catchup_max_ticks"`
	EventPollTicks   int    `toml:"event_poll_ticks"`
	CompletionBuffer int    `toml:"completion_buffer"`
	Layout           string `toml:"layout"`
	Verbose          bool   `toml:"verbose"`
}

type ComputeConfig struct {
	Endpoint       string `toml:"endpoint"`
	Model          string `toml:"model"`
	AuthTokenEnv   string `toml:"auth_token_env"`
	TimeoutMS      int    `toml:"timeout_ms"`
	Retries        int    `toml:"retries"`
	RetryBackoffMS int    `toml:"retry_backoff_ms"`
	// StationTypes limits the HTTP processor to these types; the rest echo.
	StationTypes []string `toml:"station_types"`
}

type TriggersConfig struct {
	BaseURL       string `toml:"base_url"`
	AuthTokenEnv  string `toml:"auth_token_env"`
	PollTimeoutMS int    `toml:"poll_timeout_ms"`
}

type StoreConfig struct {
	DBPath        string `toml:"db_path"`
	TickLogDir    string `toml:"tick_log_dir"`
	TickLogEvery  int    `toml:"tick_log_every"`
	ExportRoot    string `toml:"export_root"`
	ExportMaxSize int    `toml:"export_max_bytes"`
}

type ServerConfig struct {
	Addr          string `toml:"addr"`
	StreamBuffer  int    `toml:"stream_buffer"`
	SnapshotEvery int    `toml:"snapshot_every"`
}

// Load reads a TOML config. An empty path means DefaultPath, and a missing
// default file yields a zero Config.
func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = DefaultPath
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if path == "" && errors.Is(err, fs.ErrNotExist) {
			return Config{Raw: map[string]any{}}, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	cfg, err := Parse(string(bytes))
	if err != nil {
		return Config{}, err
	}
	cfg.Path = resolved
	return cfg, nil
}

func Parse(data string) (Config, error) {
	var cfg Config
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(data, &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	return cfg, nil
}

// Token returns the value of the environment variable named by env.
func Token(env string) string {
	env = strings.TrimSpace(env)
	if env == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(env))
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	trimmed := strings.TrimPrefix(path, "~")
	trimmed = strings.TrimPrefix(trimmed, "\\")
	trimmed = strings.TrimPrefix(trimmed, "/")
	return filepath.Join(home, trimmed), nil
}
