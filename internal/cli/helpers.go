package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/config"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/fsutil"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/logger"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/branches"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
)

// These variables will be set by the main package
var (
	ConfigPath *string
	Verbose    *bool
	NoColor    *bool
)

// loadConfig loads the configuration, applies CLI flag overrides and
// initializes logging. This is a bridge function the commands use.
func loadConfig() (*config.Config, error) {
	configPath := ""
	if ConfigPath != nil {
		configPath = *ConfigPath
	}

	if configPath == "" {
		defaultPath, pathErr := config.GetDefaultConfigPath()
		if pathErr != nil {
			return nil, fmt.Errorf("failed to get default config path: %w", pathErr)
		}
		configPath = defaultPath
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Override config with CLI flags if provided
	if Verbose != nil && *Verbose {
		cfg.Settings.LogLevel = "debug"
	}

	noColor := NoColor != nil && *NoColor
	logger.InitLogger(cfg.Settings.LogLevel, noColor)

	return cfg, nil
}

// newClient builds the launcher API client from the configuration.
func newClient(cfg *config.Config) (*branches.Client, error) {
	if cfg.API.BaseURL == "" {
		return nil, errors.Wrap(errors.ErrConfigValidation, "api.base_url is not configured")
	}
	return branches.NewClient(cfg.API.BaseURL, cfg.Settings.RequestTimeout, cfg.API.UserAgent), nil
}

// resolveBranch looks up the newest branch of a game through the branches
// listing.
func resolveBranch(ctx context.Context, client *branches.Client, cfg *config.Config, gameID string) (*branches.GameBranchInfo, error) {
	listing, err := client.GetGameBranches(ctx, cfg.API.BranchesURL, cfg.API.LauncherID)
	if err != nil {
		return nil, fmt.Errorf("failed to list game branches: %w", err)
	}
	return listing.Latest(gameID)
}

// The installed build's manifest is kept next to the game files so updates
// can diff against it without re-hashing the whole tree.
const manifestStateName = ".sophon/manifest"

func manifestStatePath(dest string) string {
	return filepath.Join(dest, filepath.FromSlash(manifestStateName))
}

// saveInstalledManifest records the manifest of the build now on disk.
func saveInstalledManifest(dest string, m *manifest.Manifest) error {
	data, err := manifest.Encode(m)
	if err != nil {
		return err
	}
	path := manifestStatePath(dest)
	if err := fsutil.EnsureFileDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, fsutil.FileModeDefault); err != nil {
		return errors.Wrapf(errors.ErrFilesystem, "failed to save installed manifest: %v", err)
	}
	return nil
}

// loadInstalledManifest reads the manifest recorded by the last install.
// A missing state file returns os.ErrNotExist.
func loadInstalledManifest(dest string) (*manifest.Manifest, error) {
	data, err := os.ReadFile(manifestStatePath(dest))
	if err != nil {
		return nil, err
	}
	m, err := manifest.Decode(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
