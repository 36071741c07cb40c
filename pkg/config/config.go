// Package config provides configuration management for the sophon installer
// CLI. It handles loading, validating, and saving application settings,
// including API endpoints, transfer tuning, and logging preferences. The
// package supports YAML configuration files and provides sensible defaults
// while allowing customization through a configuration file.
package config

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/fsutil"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	// API endpoint configuration
	API APIConfig `yaml:"api"`

	// General settings
	Settings Settings `yaml:"settings"`
}

// APIConfig describes where build and patch metadata is fetched from.
type APIConfig struct {
	// BaseURL is the root of the sophon build API.
	BaseURL string `yaml:"base_url"`

	// BranchesURL overrides the host used for the game branches listing.
	// If empty, BaseURL is used.
	BranchesURL string `yaml:"branches_url,omitempty"`

	// LauncherID identifies the launcher when listing game branches.
	LauncherID string `yaml:"launcher_id,omitempty"`

	// UserAgent is sent on every API and chunk request.
	UserAgent string `yaml:"user_agent,omitempty"`
}

// Settings represents general application settings.
type Settings struct {
	// Transfer settings
	DownloaderThreads int `yaml:"downloader_threads"`
	AssemblerThreads  int `yaml:"assembler_threads,omitempty"`
	MaxRetries        int `yaml:"max_retries"`

	// Network settings
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// SkipVerify disables hashing files that already exist at the
	// destination; size alone decides whether they are rebuilt.
	SkipVerify bool `yaml:"skip_verify,omitempty"`

	// KeepChunkCache leaves the chunk cache in place after a successful
	// install so a later update can reuse it.
	KeepChunkCache bool `yaml:"keep_chunk_cache,omitempty"`

	// Output settings
	LogLevel string `yaml:"log_level"` // panic, fatal, error, warn, info, debug, trace
}

// Default configuration values.
const (
	// DefaultLauncherID is used when no launcher ID is configured.
	DefaultLauncherID = "VYTpXlbWo8"

	// YAMLIndent is the number of spaces to use for YAML indentation.
	YAMLIndent = 2
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	opts := sophon.DefaultOptions()

	return &Config{
		API: APIConfig{
			LauncherID: DefaultLauncherID,
		},
		Settings: Settings{
			DownloaderThreads: opts.DownloaderThreads,
			AssemblerThreads:  opts.AssemblerThreads,
			MaxRetries:        opts.MaxRetries,
			RequestTimeout:    opts.RequestTimeout,
			ConnectTimeout:    opts.ConnectTimeout,
			LogLevel:          "info",
		},
	}
}

// LoadConfig loads configuration from a file. A missing file yields the
// defaults rather than an error.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.ErrEmptyConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid config path: %s", path)
	}

	file, err := os.Open(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, errors.Wrapf(err, "failed to open config file: %s", path)
	}
	defer func() { _ = file.Close() }()

	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads configuration from an io.Reader.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config data")
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(errors.ErrConfigParse, err.Error())
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// SaveConfig saves configuration to a file, replacing it atomically.
func (c *Config) SaveConfig(path string) error {
	if path == "" {
		return errors.ErrEmptyConfigPath
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "invalid config path: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(absPath), fsutil.DirModeDefault); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	tempPath := absPath + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fsutil.FileModeDefault)
	if err != nil {
		return errors.Wrap(err, "failed to create config file")
	}

	encoder := yaml.NewEncoder(file)
	encoder.SetIndent(YAMLIndent)

	if err := encoder.Encode(c); err != nil {
		_ = file.Close()
		_ = os.Remove(tempPath)
		return errors.Wrap(err, "failed to encode config")
	}

	_ = encoder.Close()
	_ = file.Close()

	if err := os.Rename(tempPath, absPath); err != nil {
		_ = os.Remove(tempPath)
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}

// applyDefaults fills in zero values with the defaults.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.API.LauncherID == "" {
		c.API.LauncherID = defaults.API.LauncherID
	}
	if c.Settings.DownloaderThreads == 0 {
		c.Settings.DownloaderThreads = defaults.Settings.DownloaderThreads
	}
	if c.Settings.AssemblerThreads == 0 {
		c.Settings.AssemblerThreads = defaults.Settings.AssemblerThreads
	}
	if c.Settings.MaxRetries == 0 {
		c.Settings.MaxRetries = defaults.Settings.MaxRetries
	}
	if c.Settings.RequestTimeout == 0 {
		c.Settings.RequestTimeout = defaults.Settings.RequestTimeout
	}
	if c.Settings.ConnectTimeout == 0 {
		c.Settings.ConnectTimeout = defaults.Settings.ConnectTimeout
	}
	if c.Settings.LogLevel == "" {
		c.Settings.LogLevel = defaults.Settings.LogLevel
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Settings.DownloaderThreads < 0 {
		return errors.Wrapf(errors.ErrConfigValidation, "downloader_threads must not be negative: %d", c.Settings.DownloaderThreads)
	}
	if c.Settings.AssemblerThreads < 0 {
		return errors.Wrapf(errors.ErrConfigValidation, "assembler_threads must not be negative: %d", c.Settings.AssemblerThreads)
	}
	if c.Settings.MaxRetries < 0 {
		return errors.Wrapf(errors.ErrConfigValidation, "max_retries must not be negative: %d", c.Settings.MaxRetries)
	}
	if c.Settings.RequestTimeout < 0 {
		return errors.Wrapf(errors.ErrConfigValidation, "request_timeout must not be negative: %s", c.Settings.RequestTimeout)
	}
	if c.Settings.ConnectTimeout < 0 {
		return errors.Wrapf(errors.ErrConfigValidation, "connect_timeout must not be negative: %s", c.Settings.ConnectTimeout)
	}
	return nil
}

// Options translates the settings into installer options.
func (c *Config) Options() sophon.Options {
	return sophon.Options{
		DownloaderThreads: c.Settings.DownloaderThreads,
		AssemblerThreads:  c.Settings.AssemblerThreads,
		MaxRetries:        c.Settings.MaxRetries,
		RequestTimeout:    c.Settings.RequestTimeout,
		ConnectTimeout:    c.Settings.ConnectTimeout,
		UserAgent:         c.API.UserAgent,
		VerifyExisting:    !c.Settings.SkipVerify,
		KeepChunkCache:    c.Settings.KeepChunkCache,
	}
}
