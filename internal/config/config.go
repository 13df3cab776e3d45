// Package config loads marksync settings.
//
// Sources, lowest precedence first:
//   - built-in defaults
//   - the YAML file (~/.marksync/config.yaml, or an explicit path)
//   - environment variables prefixed MSYNC_ (MSYNC_GIST_ID, MSYNC_LOG_FILE, ...)
//
// GITHUB_TOKEN is honored when MSYNC_TOKEN is unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marksync/marksync/internal/remote"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "MSYNC"

// ErrExists is returned by WriteDefault when the file is already there.
var ErrExists = errors.New("config file already exists")

// Config is the effective configuration.
type Config struct {
	Token          string          `mapstructure:"token"`
	TokenFile      string          `mapstructure:"token_file"`
	Filename       string          `mapstructure:"filename"`
	GistID         string          `mapstructure:"gist_id"`
	Description    string          `mapstructure:"description"`
	Public         bool            `mapstructure:"public"`
	APIURL         string          `mapstructure:"api_url"`
	PageSize       int             `mapstructure:"page_size"`
	AutoSync       bool            `mapstructure:"auto_sync"`
	Debounce       time.Duration   `mapstructure:"debounce"`
	PollInterval   time.Duration   `mapstructure:"poll_interval"`
	StartupRetries int             `mapstructure:"startup_retries"`
	StartupBackoff time.Duration   `mapstructure:"startup_backoff"`
	CachePath      string          `mapstructure:"cache_path"`
	Log            LogConfig       `mapstructure:"log"`
	Dashboard      DashboardConfig `mapstructure:"dashboard"`

	// Source is the file the config was read from, "" for defaults only.
	Source string `mapstructure:"-"`
}

// LogConfig controls where log output goes.
type LogConfig struct {
	// File, when set, receives logs through a size-rotated writer.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DashboardConfig controls the status server started by the daemon.
type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

// Dir returns ~/.marksync.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".marksync"
	}
	return filepath.Join(home, ".marksync")
}

// DefaultPath returns the path of the user config file.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		TokenFile:      filepath.Join(Dir(), "token"),
		Filename:       remote.DefaultFilename,
		Description:    "Bookmarks synced by marksync",
		APIURL:         remote.DefaultAPIURL,
		PageSize:       remote.MaxPageSize,
		AutoSync:       true,
		Debounce:       time.Second,
		PollInterval:   10 * time.Second,
		StartupRetries: 3,
		StartupBackoff: time.Second,
		CachePath:      filepath.Join(Dir(), "cache.db"),
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Dashboard: DashboardConfig{Port: 8080},
	}
}

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("token", d.Token)
	v.SetDefault("token_file", d.TokenFile)
	v.SetDefault("filename", d.Filename)
	v.SetDefault("gist_id", d.GistID)
	v.SetDefault("description", d.Description)
	v.SetDefault("public", d.Public)
	v.SetDefault("api_url", d.APIURL)
	v.SetDefault("page_size", d.PageSize)
	v.SetDefault("auto_sync", d.AutoSync)
	v.SetDefault("debounce", d.Debounce)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("startup_retries", d.StartupRetries)
	v.SetDefault("startup_backoff", d.StartupBackoff)
	v.SetDefault("cache_path", d.CachePath)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("dashboard.port", d.Dashboard.Port)
}

// Load reads the configuration. An empty path means DefaultPath, which may be
// absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("token", EnvPrefix+"_TOKEN", "GITHUB_TOKEN"); err != nil {
		return nil, fmt.Errorf("failed to bind token environment: %w", err)
	}

	source := ""
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		source = path
	} else if explicit {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.Source = source

	cfg.Token = strings.TrimSpace(cfg.Token)
	cfg.TokenFile = expandHome(cfg.TokenFile)
	cfg.CachePath = expandHome(cfg.CachePath)
	cfg.Log.File = expandHome(cfg.Log.File)
	if cfg.PageSize > remote.MaxPageSize {
		cfg.PageSize = remote.MaxPageSize
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Filename) == "":
		return fmt.Errorf("invalid config: filename cannot be empty")
	case strings.ContainsAny(c.Filename, `/\`):
		return fmt.Errorf("invalid config: filename %q cannot contain a path separator", c.Filename)
	case c.Debounce <= 0:
		return fmt.Errorf("invalid config: debounce must be positive, got %s", c.Debounce)
	case c.PollInterval <= 0:
		return fmt.Errorf("invalid config: poll_interval must be positive, got %s", c.PollInterval)
	case c.StartupBackoff <= 0:
		return fmt.Errorf("invalid config: startup_backoff must be positive, got %s", c.StartupBackoff)
	case c.StartupRetries < 0:
		return fmt.Errorf("invalid config: startup_retries cannot be negative")
	case c.PageSize <= 0:
		return fmt.Errorf("invalid config: page_size must be positive, got %d", c.PageSize)
	case c.Dashboard.Port < 0 || c.Dashboard.Port > 65535:
		return fmt.Errorf("invalid config: dashboard.port %d out of range", c.Dashboard.Port)
	case c.APIURL == "":
		return fmt.Errorf("invalid config: api_url cannot be empty")
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

// document is the YAML shape of Config. Durations are written as strings so the
// file stays editable.
type document struct {
	Token          string          `yaml:"token,omitempty"`
	TokenFile      string          `yaml:"token_file"`
	Filename       string          `yaml:"filename"`
	GistID         string          `yaml:"gist_id"`
	Description    string          `yaml:"description"`
	Public         bool            `yaml:"public"`
	APIURL         string          `yaml:"api_url"`
	PageSize       int             `yaml:"page_size"`
	AutoSync       bool            `yaml:"auto_sync"`
	Debounce       string          `yaml:"debounce"`
	PollInterval   string          `yaml:"poll_interval"`
	StartupRetries int             `yaml:"startup_retries"`
	StartupBackoff string          `yaml:"startup_backoff"`
	CachePath      string          `yaml:"cache_path"`
	Log            logDocument     `yaml:"log"`
	Dashboard      dashboardConfig `yaml:"dashboard"`
}

type logDocument struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type dashboardConfig struct {
	Port int `yaml:"port"`
}

// Redacted is printed in place of the token.
const Redacted = "********"

// Marshal renders c as YAML. With redact set the token is masked.
func (c *Config) Marshal(redact bool) ([]byte, error) {
	token := c.Token
	if redact && token != "" {
		token = Redacted
	}
	doc := document{
		Token:          token,
		TokenFile:      c.TokenFile,
		Filename:       c.Filename,
		GistID:         c.GistID,
		Description:    c.Description,
		Public:         c.Public,
		APIURL:         c.APIURL,
		PageSize:       c.PageSize,
		AutoSync:       c.AutoSync,
		Debounce:       c.Debounce.String(),
		PollInterval:   c.PollInterval.String(),
		StartupRetries: c.StartupRetries,
		StartupBackoff: c.StartupBackoff.String(),
		CachePath:      c.CachePath,
		Log: logDocument{
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
		},
		Dashboard: dashboardConfig{Port: c.Dashboard.Port},
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}

// WriteDefault writes the default configuration to path. An existing file is
// kept unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	body, err := DefaultConfig().Marshal(true)
	if err != nil {
		return err
	}
	header := "# marksync configuration\n# Environment variables prefixed MSYNC_ override these values.\n"
	if err := os.WriteFile(path, append([]byte(header), body...), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
