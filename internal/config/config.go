// Package config loads projectsync settings from a config file, the
// environment and an optional .env file.
//
// Precedence, highest first: PROJECTSYNC_* environment variables (after
// .env has been loaded into the environment), the config file, defaults.
// Nested keys map to environment names by replacing "." with "_", so
// sync.schedule is PROJECTSYNC_SYNC_SCHEDULE.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/geooffice/projectsync/internal/reconcile"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROJECTSYNC"

// Config is the complete application configuration.
type Config struct {
	// FileServer is the root of the shared file server.
	FileServer string `mapstructure:"file_server"`

	// DatabasePath locates the catalog, relative to FileServer unless
	// absolute.
	DatabasePath string `mapstructure:"database_path"`

	// ProjectDir and TemplateProjectDir seed the catalog settings row
	// when set. Both are relative to FileServer.
	ProjectDir         string `mapstructure:"project_dir"`
	TemplateProjectDir string `mapstructure:"template_project_dir"`

	Log       LogConfig        `mapstructure:"log"`
	Sync      SyncConfig       `mapstructure:"sync"`
	Policy    reconcile.Policy `mapstructure:"policy"`
	Scan      ScanConfig       `mapstructure:"scan"`
	Dashboard DashboardConfig  `mapstructure:"dashboard"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`

	// File enables a rotating log file in addition to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SyncConfig configures when passes run.
type SyncConfig struct {
	Debounce       time.Duration `mapstructure:"debounce"`
	Schedule       string        `mapstructure:"schedule"`
	RemoteSchedule string        `mapstructure:"remote_schedule"`
	Coalesce       bool          `mapstructure:"coalesce"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
}

// ScanConfig configures the tree scanner.
type ScanConfig struct {
	Ignore []string `mapstructure:"ignore"`
}

// DashboardConfig configures the optional HTTP dashboard.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		DatabasePath: "projects.db",
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Sync: SyncConfig{
			Debounce:       2 * time.Second,
			Schedule:       "@every 15m",
			RemoteSchedule: "@every 1m",
			Coalesce:       true,
			StopTimeout:    60 * time.Second,
		},
		Policy: reconcile.DefaultPolicy(),
		Scan: ScanConfig{
			Ignore: []string{},
		},
		Dashboard: DashboardConfig{
			Port: 8080,
		},
	}
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config directory: %w", err)
	}
	return filepath.Join(dir, "projectsync", "config.toml"), nil
}

// Load reads configuration from path, the environment and ./.env.
//
// An empty path uses DefaultPath, and a missing default file is not an
// error. A missing explicit path is. The result is validated.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := newViper()
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("toml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
		if explicit || !missing {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newViper returns a viper instance with defaults and env binding.
func newViper() *viper.Viper {
	v := viper.New()

	d := Default()
	v.SetDefault("file_server", d.FileServer)
	v.SetDefault("database_path", d.DatabasePath)
	v.SetDefault("project_dir", d.ProjectDir)
	v.SetDefault("template_project_dir", d.TemplateProjectDir)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)

	v.SetDefault("sync.debounce", d.Sync.Debounce)
	v.SetDefault("sync.schedule", d.Sync.Schedule)
	v.SetDefault("sync.remote_schedule", d.Sync.RemoteSchedule)
	v.SetDefault("sync.coalesce", d.Sync.Coalesce)
	v.SetDefault("sync.stop_timeout", d.Sync.StopTimeout)

	v.SetDefault("policy.mark_missing_deleted", d.Policy.MarkMissingDeleted)
	v.SetDefault("policy.adopt_unknown_tokens", d.Policy.AdoptUnknownTokens)
	v.SetDefault("policy.restore_from_catalog", d.Policy.RestoreFromCatalog)

	v.SetDefault("scan.ignore", d.Scan.Ignore)

	v.SetDefault("dashboard.enabled", d.Dashboard.Enabled)
	v.SetDefault("dashboard.port", d.Dashboard.Port)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// DatabaseFile returns the resolved catalog location.
func (c *Config) DatabaseFile() string {
	if filepath.IsAbs(c.DatabasePath) {
		return c.DatabasePath
	}
	return filepath.Join(c.FileServer, c.DatabasePath)
}

// Validate checks the configuration. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.FileServer) == "" {
		problems = append(problems, "file_server is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		problems = append(problems, "database_path is required")
	}
	if filepath.IsAbs(c.ProjectDir) {
		problems = append(problems, "project_dir must be relative to file_server")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Log.MaxSizeMB < 0 || c.Log.MaxBackups < 0 || c.Log.MaxAgeDays < 0 {
		problems = append(problems, "log rotation limits cannot be negative")
	}

	if c.Sync.Debounce <= 0 {
		problems = append(problems, "sync.debounce must be positive")
	}
	if c.Sync.StopTimeout <= 0 {
		problems = append(problems, "sync.stop_timeout must be positive")
	}
	for key, spec := range map[string]string{
		"sync.schedule":        c.Sync.Schedule,
		"sync.remote_schedule": c.Sync.RemoteSchedule,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", key, err))
		}
	}

	for _, pattern := range c.Scan.Ignore {
		if !doublestar.ValidatePattern(pattern) {
			problems = append(problems, fmt.Sprintf("scan.ignore: invalid pattern %q", pattern))
		}
	}

	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		problems = append(problems, fmt.Sprintf("dashboard.port out of range: %d", c.Dashboard.Port))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// WriteDefault writes cfg as a TOML config file, creating parent
// directories. An existing file is replaced.
func WriteDefault(path string, cfg *Config) error {
	if cfg == nil {
		cfg = Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString("# projectsync configuration\n\n"); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(cfg.document()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return f.Close()
}

// document renders the configuration in file form. Durations are written
// as strings so the file stays readable.
func (c *Config) document() map[string]interface{} {
	ignore := c.Scan.Ignore
	if ignore == nil {
		ignore = []string{}
	}
	return map[string]interface{}{
		"file_server":          c.FileServer,
		"database_path":        c.DatabasePath,
		"project_dir":          c.ProjectDir,
		"template_project_dir": c.TemplateProjectDir,
		"log": map[string]interface{}{
			"level":        c.Log.Level,
			"format":       c.Log.Format,
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"compress":     c.Log.Compress,
		},
		"sync": map[string]interface{}{
			"debounce":        c.Sync.Debounce.String(),
			"schedule":        c.Sync.Schedule,
			"remote_schedule": c.Sync.RemoteSchedule,
			"coalesce":        c.Sync.Coalesce,
			"stop_timeout":    c.Sync.StopTimeout.String(),
		},
		"policy": map[string]interface{}{
			"mark_missing_deleted": c.Policy.MarkMissingDeleted,
			"adopt_unknown_tokens": c.Policy.AdoptUnknownTokens,
			"restore_from_catalog": c.Policy.RestoreFromCatalog,
		},
		"scan": map[string]interface{}{
			"ignore": ignore,
		},
		"dashboard": map[string]interface{}{
			"enabled": c.Dashboard.Enabled,
			"port":    c.Dashboard.Port,
		},
	}
}
