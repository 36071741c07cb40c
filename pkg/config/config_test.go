package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Settings.LogLevel)
	assert.Equal(t, 8, cfg.Settings.DownloaderThreads)
	assert.Equal(t, 5, cfg.Settings.MaxRetries)
	assert.Equal(t, 120*time.Second, cfg.Settings.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.Settings.ConnectTimeout)
	assert.Equal(t, DefaultLauncherID, cfg.API.LauncherID)
}

func TestLoadConfig(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.yaml")

	configContent := `api:
  base_url: https://sg-public-api.example.com
  user_agent: sophon-test/1.0
settings:
  downloader_threads: 4
  log_level: debug
  keep_chunk_cache: true`

	err := os.WriteFile(configPath, []byte(configContent), fsutil.FileModeDefault)
	require.NoError(t, err)

	cfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "https://sg-public-api.example.com", cfg.API.BaseURL)
	assert.Equal(t, "sophon-test/1.0", cfg.API.UserAgent)
	assert.Equal(t, 4, cfg.Settings.DownloaderThreads)
	assert.Equal(t, "debug", cfg.Settings.LogLevel)
	assert.True(t, cfg.Settings.KeepChunkCache)

	// Unset values fall back to the defaults.
	assert.Equal(t, 5, cfg.Settings.MaxRetries)
	assert.Equal(t, 120*time.Second, cfg.Settings.RequestTimeout)
	assert.Equal(t, DefaultLauncherID, cfg.API.LauncherID)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	_, err := LoadConfigFromReader(strings.NewReader("settings: [broken"))
	assert.ErrorIs(t, err, errors.ErrConfigParse)
}

func TestLoadConfigRejectsNegativeThreads(t *testing.T) {
	_, err := LoadConfigFromReader(strings.NewReader("settings:\n  downloader_threads: -1"))
	assert.ErrorIs(t, err, errors.ErrConfigValidation)
}

func TestSaveConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.BaseURL = "https://sg-public-api.example.com"
	cfg.Settings.LogLevel = "debug"
	cfg.Settings.SkipVerify = true

	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "test-config.yaml")

	err := cfg.SaveConfig(configPath)
	require.NoError(t, err)

	loadedCfg, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, cfg, loadedCfg)
}

func TestOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.UserAgent = "sophon-test/1.0"
	cfg.Settings.SkipVerify = true
	cfg.Settings.KeepChunkCache = true

	opts := cfg.Options()
	assert.Equal(t, 8, opts.DownloaderThreads)
	assert.Equal(t, "sophon-test/1.0", opts.UserAgent)
	assert.False(t, opts.VerifyExisting)
	assert.True(t, opts.KeepChunkCache)
}
