package config

import (
	"os"
	"path/filepath"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
)

// GetDefaultConfigPath returns the platform default location of the config
// file, e.g. ~/.config/sophon/config.yaml on Linux.
func GetDefaultConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to determine user config directory")
	}
	return filepath.Join(dir, "sophon", "config.yaml"), nil
}
