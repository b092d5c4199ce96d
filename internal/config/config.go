package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Duration is a time.Duration that marshals to and from JSON strings
// like "2s" or "5m".
type Duration time.Duration

// UnmarshalJSON accepts either a duration string ("30s") or a number of
// seconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(data, &secs); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MonitorConfig tunes the change-aggregation engine.
type MonitorConfig struct {
	// SettleWindow is how long a path must be quiet before its pending
	// notification settles as a single change.
	SettleWindow Duration `json:"settle_window"`
	// BatchSize flushes the accumulation as soon as this many records
	// are pending.
	BatchSize int `json:"batch_size"`
	// BatchInterval flushes a non-empty accumulation after this much
	// time regardless of count.
	BatchInterval Duration `json:"batch_interval"`
	// ExcludeDirs are directory names excluded wherever they appear in
	// a path.
	ExcludeDirs []string `json:"exclude_directories"`
	// AllowedExtensions, when non-empty, restricts monitoring to these
	// extensions.
	AllowedExtensions []string `json:"allowed_extensions"`
	// IgnorePatterns are globs matched against basename and full path.
	IgnorePatterns []string `json:"ignore_patterns"`
}

// GitConfig tunes the auto-commit manager.
type GitConfig struct {
	Enabled bool `json:"enabled"`
	// AutoPush pushes after each auto-commit when the branch is ahead.
	AutoPush bool `json:"auto_push"`
	// CommitThreshold triggers a commit once this many distinct files
	// are pending.
	CommitThreshold int `json:"commit_threshold"`
	// MaxCommitFrequency triggers a commit once this much time has
	// passed since the last one, if anything is pending.
	MaxCommitFrequency Duration `json:"max_commit_frequency"`
	Remote             string   `json:"remote"`
	AuthorName         string   `json:"author_name"`
	AuthorEmail        string   `json:"author_email"`
}

// AIConfig tunes commit-message generation.
type AIConfig struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	// APIKeyEnv names the environment variable holding the API key.
	// When the variable is unset, the rule-based fallback is used.
	APIKeyEnv string `json:"api_key_env"`
}

// Config holds all daemon configuration.
type Config struct {
	DataDir    string `json:"data_dir"`
	SocketPath string `json:"socket_path"`
	DBPath     string `json:"db_path"`
	// WatchPath is the root of the directory tree to monitor.
	WatchPath string `json:"watch_path"`

	Monitor MonitorConfig `json:"monitor"`
	Git     GitConfig     `json:"git"`
	AI      AIConfig      `json:"ai"`
}

// DefaultDataDir returns the default data directory (~/.hadi).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".hadi")
}

// Default returns a Config with documented defaults.
func Default() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		DataDir:    dataDir,
		SocketPath: filepath.Join(dataDir, "hadi.sock"),
		DBPath:     filepath.Join(dataDir, "hadi.db"),
		WatchPath:  ".",
		Monitor: MonitorConfig{
			SettleWindow:  Duration(2 * time.Second),
			BatchSize:     10,
			BatchInterval: Duration(30 * time.Second),
			ExcludeDirs: []string{
				".git",
				".hg",
				"node_modules",
				"__pycache__",
				"vendor",
				".idea",
				".vscode",
				"build",
				"dist",
				"target",
			},
			AllowedExtensions: nil, // all extensions
			IgnorePatterns:    []string{"*.log"},
		},
		Git: GitConfig{
			Enabled:            true,
			AutoPush:           true,
			CommitThreshold:    5,
			MaxCommitFrequency: Duration(5 * time.Minute),
			Remote:             "origin",
			AuthorName:         "hadi",
			AuthorEmail:        "hadi@localhost",
		},
		AI: AIConfig{
			Model:       "claude-sonnet-4-5",
			MaxTokens:   200,
			Temperature: 0.3,
			APIKeyEnv:   "ANTHROPIC_API_KEY",
		},
	}
}

// Load reads configuration from a JSON file, falling back to defaults
// for a missing file or any unset field. A malformed file is an error;
// nonsense values are clamped back to defaults by Validate.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file is fine, use defaults.
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	// Re-derive paths if DataDir was overridden but socket/db were not.
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(cfg.DataDir, "hadi.sock")
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "hadi.db")
	}

	cfg.Validate()
	return cfg, nil
}

// Validate clamps invalid values back to their defaults. Invalid
// configuration never fails startup.
func (c *Config) Validate() {
	def := Default()
	if c.Monitor.SettleWindow <= 0 {
		c.Monitor.SettleWindow = def.Monitor.SettleWindow
	}
	if c.Monitor.BatchSize <= 0 {
		c.Monitor.BatchSize = def.Monitor.BatchSize
	}
	if c.Monitor.BatchInterval <= 0 {
		c.Monitor.BatchInterval = def.Monitor.BatchInterval
	}
	if c.Git.CommitThreshold <= 0 {
		c.Git.CommitThreshold = def.Git.CommitThreshold
	}
	if c.Git.MaxCommitFrequency <= 0 {
		c.Git.MaxCommitFrequency = def.Git.MaxCommitFrequency
	}
	if c.Git.Remote == "" {
		c.Git.Remote = def.Git.Remote
	}
	if c.AI.MaxTokens <= 0 {
		c.AI.MaxTokens = def.AI.MaxTokens
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 1 {
		c.AI.Temperature = def.AI.Temperature
	}
	if c.WatchPath == "" {
		c.WatchPath = "."
	}
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// EnsureDataDir creates the data directory if it does not exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}

// ConfigPath returns the default path to the config file.
func ConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.json")
}
