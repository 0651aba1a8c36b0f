package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"chromafits/internal/fsutil"
)

const (
	defaultConfigPath = "~/.config/chromafits/config.json"
	defaultParallel   = 2
	defaultCapacity   = 25
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Tool       Tool       `json:"tool"`
	Cache      Cache      `json:"cache"`
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Server     Server     `json:"server"`
}

// Tool locates and constrains the external compositing script.
type Tool struct {
	Path         string        `json:"path"`          // executable name or absolute path
	Timeout      time.Duration `json:"timeout_ns"`    // per-generation wall clock limit
	KillGrace    time.Duration `json:"kill_grace_ns"` // delay between SIGTERM and SIGKILL
	TempDir      string        `json:"temp_dir"`
	KeepTempDirs bool          `json:"keep_temp_dirs"`
}

// Cache configures the generated-image cache.
type Cache struct {
	Dir           string `json:"dir"`
	Capacity      int    `json:"capacity"`
	ThumbnailSize uint   `json:"thumbnail_size"`
	Watch         bool   `json:"watch"` // drop entries whose files vanish while running
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default locations outside the cache.
type Paths struct {
	DatabasePath  string `json:"database_path"` // presets + command history
	DefaultOutput string `json:"default_output"`
}

// Server configures the collaborator-facing HTTP API.
type Server struct {
	Port int `json:"port"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("CHROMAFITS_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := fsutil.ExpandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	if cfg.Cache.Capacity < 1 {
		cfg.Cache.Capacity = defaultCapacity
	}
	if cfg.Processing.ParallelJobs < 1 {
		cfg.Processing.ParallelJobs = defaultParallel
	}

	return cfg, nil
}

func defaultConfig() *Config {
	dataDir := filepath.Join(userConfigDir(), "chromafits")
	return &Config{
		Tool: Tool{
			Path:      "astscript-color-faint-gray",
			Timeout:   30 * time.Minute,
			KillGrace: 5 * time.Second,
			TempDir:   os.TempDir(),
		},
		Cache: Cache{
			Dir:           filepath.Join(dataDir, "cache"),
			Capacity:      defaultCapacity,
			ThumbnailSize: 150,
			Watch:         true,
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     filepath.Join(dataDir, "logs"),
		},
		Paths: Paths{
			DatabasePath:  filepath.Join(dataDir, "chromafits.db"),
			DefaultOutput: ".",
		},
		Server: Server{
			Port: 8750,
		},
	}
}

func userConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir
	}
	return os.TempDir()
}
