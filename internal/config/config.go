// Package config loads and saves application configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	OpenList    OpenListConfig    `yaml:"openlist"`
	Paths       PathsConfig       `yaml:"paths"`
	PathMapping map[string]string `yaml:"path_mapping"`
	Strm        StrmConfig        `yaml:"strm"`
	QoS         QoSConfig         `yaml:"qos"`
	Incremental IncrementalConfig `yaml:"incremental"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Emby        EmbyConfig        `yaml:"emby"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// OpenListConfig holds remote listing API settings.
type OpenListConfig struct {
	Host    string `yaml:"host"`
	Token   string `yaml:"token"`
	Timeout int    `yaml:"timeout"` // seconds
}

// PathsConfig holds source folders and the local output root.
type PathsConfig struct {
	Source []string `yaml:"source"`
	Output string   `yaml:"output"`
}

// StrmConfig holds placeholder-file generation settings.
type StrmConfig struct {
	Extensions    []string `yaml:"extensions"`
	KeepStructure bool     `yaml:"keep_structure"`
	URLEncode     bool     `yaml:"url_encode"`
}

// QoSConfig holds rate limiting settings for remote calls.
type QoSConfig struct {
	QPS           float64 `yaml:"qps"`
	MaxConcurrent int     `yaml:"max_concurrent"`
	IntervalMs    int     `yaml:"interval_ms"`
}

// IncrementalConfig holds change-detection settings.
type IncrementalConfig struct {
	Enabled     bool   `yaml:"enabled"`
	CheckMethod string `yaml:"check_method"` // mtime | size | both
}

// ScheduleConfig holds periodic scan settings.
type ScheduleConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalMinutes int  `yaml:"interval_minutes"`
	OnStartup       bool `yaml:"on_startup"`
}

// EmbyConfig holds media-server refresh settings.
type EmbyConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	APIKey       string `yaml:"api_key"`
	LibraryID    string `yaml:"library_id"` // empty refreshes all libraries
	NotifyOnScan bool   `yaml:"notify_on_scan"`
}

// WebhookConfig holds outbound notification settings.
type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"` // empty subscribes to all scan events
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"base_path"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"`
	FilePath       string `yaml:"file_path"`
	FileMaxSizeMB  int    `yaml:"file_max_size_mb"`
	FileMaxFiles   int    `yaml:"file_max_files"`
	FileMaxAgeDays int    `yaml:"file_max_age_days"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		OpenList: OpenListConfig{
			Host:    "http://openlist:5244",
			Timeout: 30,
		},
		Paths: PathsConfig{
			Source: []string{},
			Output: "/strm",
		},
		PathMapping: map[string]string{},
		Strm: StrmConfig{
			Extensions: []string{
				".mp4", ".mkv", ".avi", ".ts", ".wmv",
				".rmvb", ".mov", ".flv", ".m2ts", ".webm",
			},
			KeepStructure: true,
			URLEncode:     true,
		},
		QoS: QoSConfig{
			QPS:           5,
			MaxConcurrent: 3,
			IntervalMs:    200,
		},
		Incremental: IncrementalConfig{
			Enabled:     true,
			CheckMethod: "mtime",
		},
		Schedule: ScheduleConfig{
			IntervalMinutes: 360,
		},
		Emby: EmbyConfig{
			NotifyOnScan: true,
		},
		Server: ServerConfig{
			Port: 9527,
		},
		Database: DatabaseConfig{
			Path: "/data/strmsync.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration back to a YAML file, creating the parent
// directory if needed. The on-disk layout is not a stable contract.
func (c *Config) Save(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("SS_OPENLIST_HOST"); v != "" {
		c.OpenList.Host = v
	}
	if v := os.Getenv("SS_OPENLIST_TOKEN"); v != "" {
		c.OpenList.Token = v
	}
	if v := os.Getenv("SS_OUTPUT_PATH"); v != "" {
		c.Paths.Output = v
	}
	if v := os.Getenv("SS_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("SS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Paths.Output == "" {
		return fmt.Errorf("output path is required")
	}
	c.OpenList.Host = strings.TrimRight(c.OpenList.Host, "/")
	if c.OpenList.Host == "" {
		return fmt.Errorf("openlist host is required")
	}
	if c.OpenList.Timeout <= 0 {
		c.OpenList.Timeout = 30
	}
	if c.QoS.QPS <= 0 {
		return fmt.Errorf("qos qps must be positive, got %v", c.QoS.QPS)
	}
	if c.QoS.MaxConcurrent < 1 {
		return fmt.Errorf("qos max_concurrent must be at least 1, got %d", c.QoS.MaxConcurrent)
	}
	if c.QoS.IntervalMs < 0 {
		return fmt.Errorf("qos interval_ms must not be negative, got %d", c.QoS.IntervalMs)
	}
	switch c.Incremental.CheckMethod {
	case "mtime", "size", "both":
	default:
		return fmt.Errorf("incremental check_method must be mtime, size or both, got %q", c.Incremental.CheckMethod)
	}
	c.Server.BasePath = strings.TrimRight(c.Server.BasePath, "/")
	return nil
}
