// Package config loads scopectl settings from defaults, an optional YAML
// file and SCOPECTL_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"github.com/gurisko/scopectl/internal/cache"
	"github.com/gurisko/scopectl/internal/layout"
	"github.com/gurisko/scopectl/internal/paths"
	"github.com/gurisko/scopectl/internal/scanner"
)

// EnvPrefix is prepended to every environment override, e.g.
// SCOPECTL_CACHE_TTL for cache.ttl
const EnvPrefix = "SCOPECTL"

// Store backends
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	UserRoot           string   `mapstructure:"user_root"`
	BuiltinRoot        string   `mapstructure:"builtin_root"`
	ConfigDirName      string   `mapstructure:"config_dir_name"`
	Projects           []string `mapstructure:"projects"`
	IncludeWorkingRepo bool     `mapstructure:"include_working_repo"`
	// Author is recorded on every change entry
	Author string `mapstructure:"author"`

	Scan   ScanConfig   `mapstructure:"scan"`
	Cache  CacheConfig  `mapstructure:"cache"`
	Store  StoreConfig  `mapstructure:"store"`
	Watch  WatchConfig  `mapstructure:"watch"`
	Log    LogConfig    `mapstructure:"log"`
	Daemon DaemonConfig `mapstructure:"daemon"`
}

type ScanConfig struct {
	MaxDepth         int      `mapstructure:"max_depth"`
	Exclude          []string `mapstructure:"exclude"`
	UserExclude      []string `mapstructure:"user_exclude"`
	RespectGitignore bool     `mapstructure:"respect_gitignore"`
}

type CacheConfig struct {
	TTL              time.Duration `mapstructure:"ttl"`
	RefreshThreshold time.Duration `mapstructure:"refresh_threshold"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DaemonConfig struct {
	SocketPath   string `mapstructure:"socket_path"`
	PIDFile      string `mapstructure:"pid_file"`
	RegistryPath string `mapstructure:"registry_path"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		UserRoot:           paths.DefaultUserRoot(),
		ConfigDirName:      layout.DefaultConfigDirName,
		IncludeWorkingRepo: true,
		Author:             defaultAuthor(),
		Scan: ScanConfig{
			MaxDepth:         12,
			Exclude:          scanner.DefaultExcludes,
			UserExclude:      scanner.DefaultUserExcludes,
			RespectGitignore: true,
		},
		Cache: CacheConfig{
			TTL:              cache.DefaultTTL,
			RefreshThreshold: cache.DefaultRefreshThreshold,
		},
		Store: StoreConfig{
			Backend: BackendSQLite,
			Path:    paths.DefaultStorePath(),
		},
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 500 * time.Millisecond,
		},
		Log: LogConfig{Level: "info"},
		Daemon: DaemonConfig{
			SocketPath:   paths.DefaultSocketPath(),
			PIDFile:      paths.DefaultPIDPath(),
			RegistryPath: paths.DefaultRegistryPath(),
		},
	}
}

func defaultAuthor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return "scopectl"
}

// Load reads configuration. An explicit path must exist; otherwise the
// default config file is used when present.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
	} else if _, err := os.Stat(paths.DefaultConfigFile()); err == nil {
		path = paths.DefaultConfigFile()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("user_root", d.UserRoot)
	v.SetDefault("builtin_root", d.BuiltinRoot)
	v.SetDefault("config_dir_name", d.ConfigDirName)
	v.SetDefault("projects", d.Projects)
	v.SetDefault("include_working_repo", d.IncludeWorkingRepo)
	v.SetDefault("author", d.Author)
	v.SetDefault("scan.max_depth", d.Scan.MaxDepth)
	v.SetDefault("scan.exclude", d.Scan.Exclude)
	v.SetDefault("scan.user_exclude", d.Scan.UserExclude)
	v.SetDefault("scan.respect_gitignore", d.Scan.RespectGitignore)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.refresh_threshold", d.Cache.RefreshThreshold)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("watch.enabled", d.Watch.Enabled)
	v.SetDefault("watch.debounce", d.Watch.Debounce)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("daemon.socket_path", d.Daemon.SocketPath)
	v.SetDefault("daemon.pid_file", d.Daemon.PIDFile)
	v.SetDefault("daemon.registry_path", d.Daemon.RegistryPath)
}

// Validate checks values viper cannot constrain
func (c *Config) Validate() error {
	if c.ConfigDirName == "" || strings.ContainsRune(c.ConfigDirName, '/') {
		return fmt.Errorf("%w: config_dir_name must be a single path segment, got %q", ErrInvalid, c.ConfigDirName)
	}
	if c.Scan.MaxDepth < 0 {
		return fmt.Errorf("%w: scan.max_depth must not be negative", ErrInvalid)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("%w: cache.ttl must be positive", ErrInvalid)
	}
	if c.Cache.RefreshThreshold < 0 || c.Cache.RefreshThreshold >= c.Cache.TTL {
		return fmt.Errorf("%w: cache.refresh_threshold must be below cache.ttl", ErrInvalid)
	}
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for the sqlite backend", ErrInvalid)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown store.backend %q", ErrInvalid, c.Store.Backend)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalid, err)
	}
	return nil
}

// NewLogger returns the root logger for the configured level
func (c *Config) NewLogger() *log.Logger {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           level,
		ReportTimestamp: true,
		Prefix:          "scopectl",
	})
}
