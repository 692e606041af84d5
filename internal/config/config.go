// Package config loads inkwell configuration.
//
// Configuration precedence, highest first:
//  1. Environment variables (INKWELL_*)
//  2. .inkwell/config.toml in the workspace (found by walking up from CWD)
//  3. ~/.config/inkwell/config.toml
//  4. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// WorkspaceDirName is the per-workspace state directory.
const WorkspaceDirName = ".inkwell"

// Config is the loaded configuration service. Load constructs it once
// at startup; everything that needs settings receives it explicitly.
type Config struct {
	v *viper.Viper
}

// Load reads configuration from disk and the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	// Locate config.toml explicitly so we never pick up stray files.
	// Precedence: workspace .inkwell/config.toml > ~/.config/inkwell/config.toml
	configFileSet := false

	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, WorkspaceDirName, "config.toml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "inkwell", "config.toml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// Environment variables take precedence over the config file,
	// e.g. INKWELL_SERVER_URL, INKWELL_SYNC_INTERVAL.
	v.SetEnvPrefix("INKWELL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return &Config{v: v}, nil
}

// Defaults returns a Config carrying only the built-in defaults, with no
// file or environment lookup. Used by tests and tools that run outside a
// workspace.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	return &Config{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "")
	v.SetDefault("server.push_timeout", "30s")
	v.SetDefault("server.upload_timeout", "60s")

	v.SetDefault("sync.interval", "1m")
	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.retry_policy", "fibonacci") // fibonacci | exponential
	v.SetDefault("sync.delete_policy", "delete-wins")
	v.SetDefault("sync.reminder_after", "24h")
	v.SetDefault("sync.reminder_snooze", "8h")

	v.SetDefault("watch.debounce", "100ms")

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.port", 8337)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// GetString returns a string config value.
func (c *Config) GetString(key string) string {
	return c.v.GetString(key)
}

// GetInt returns an integer config value.
func (c *Config) GetInt(key string) int {
	return c.v.GetInt(key)
}

// GetBool returns a boolean config value.
func (c *Config) GetBool(key string) bool {
	return c.v.GetBool(key)
}

// GetDuration returns a duration config value.
func (c *Config) GetDuration(key string) time.Duration {
	return c.v.GetDuration(key)
}

// Set overrides a config value at runtime (flag binding).
func (c *Config) Set(key string, value interface{}) {
	c.v.Set(key, value)
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func (c *Config) ConfigFileUsed() string {
	return c.v.ConfigFileUsed()
}

// FindWorkspaceDir walks up from the current directory looking for an
// .inkwell directory. Returns "" if none is found.
func FindWorkspaceDir() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, WorkspaceDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
	}
	return ""
}

// fileConfig mirrors the on-disk TOML layout for WriteDefault.
type fileConfig struct {
	Server  serverSection  `toml:"server"`
	Sync    syncSection    `toml:"sync"`
	Watch   watchSection   `toml:"watch"`
	Monitor monitorSection `toml:"monitor"`
	Log     logSection     `toml:"log"`
}

type serverSection struct {
	URL           string `toml:"url"`
	PushTimeout   string `toml:"push_timeout"`
	UploadTimeout string `toml:"upload_timeout"`
}

type syncSection struct {
	Interval       string `toml:"interval"`
	BatchSize      int    `toml:"batch_size"`
	RetryPolicy    string `toml:"retry_policy"`
	DeletePolicy   string `toml:"delete_policy"`
	ReminderAfter  string `toml:"reminder_after"`
	ReminderSnooze string `toml:"reminder_snooze"`
}

type watchSection struct {
	Debounce string `toml:"debounce"`
}

type monitorSection struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

type logSection struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// WriteDefault writes a config.toml with default values into dir.
// It refuses to overwrite an existing file.
func WriteDefault(dir string, serverURL string) (string, error) {
	path := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config already exists at %s", path)
	}

	cfg := fileConfig{
		Server: serverSection{
			URL:           serverURL,
			PushTimeout:   "30s",
			UploadTimeout: "60s",
		},
		Sync: syncSection{
			Interval:       "1m",
			BatchSize:      50,
			RetryPolicy:    "fibonacci",
			DeletePolicy:   "delete-wins",
			ReminderAfter:  "24h",
			ReminderSnooze: "8h",
		},
		Watch:   watchSection{Debounce: "100ms"},
		Monitor: monitorSection{Enabled: false, Port: 8337},
		Log:     logSection{File: "", MaxSizeMB: 10, MaxBackups: 3},
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create config: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}
	return path, nil
}
