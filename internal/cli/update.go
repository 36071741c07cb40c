package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	version "github.com/hashicorp/go-version"
	"github.com/spf13/cobra"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/logger"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
	"github.com/sirupsen/logrus"
)

// NewUpdateCmd creates the update command.
func NewUpdateCmd() *cobra.Command {
	var (
		matchingField string
		fromVersion   string
		threads       int
		keepCache     bool
		skipVerify    bool
	)

	cmd := &cobra.Command{
		Use:   "update GAME_ID DIRECTORY",
		Short: "Update an installed game build in place",
		Long: `Update an installed build to the latest one. When the API offers a
patch from the installed version, only changed chunks are downloaded and
unchanged data is extracted from the files already on disk. Otherwise the
new build is installed over the old one, still reusing matching files.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(cmd.Context(), args[0], args[1], matchingField, fromVersion, threads, keepCache, skipVerify)
		},
	}

	cmd.Flags().StringVar(&matchingField, "matching-field", DefaultMatchingField, "Manifest category to update (game or a voiceover language)")
	cmd.Flags().StringVar(&fromVersion, "from", "", "Installed version (default: read from the recorded manifest)")
	cmd.Flags().IntVar(&threads, "threads", 0, "Number of parallel downloads (0=config)")
	cmd.Flags().BoolVar(&keepCache, "keep-chunk-cache", false, "Keep the chunk cache after a successful update")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "Trust existing files by size instead of hashing them")

	return cmd
}

func runUpdate(ctx context.Context, gameID, dest, matchingField, fromVersion string, threads int, keepCache, skipVerify bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	absDest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	old, err := loadInstalledManifest(absDest)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no installed build recorded in %s, run install first", dest)
		}
		return err
	}
	installed, err := installedVersion(old, fromVersion)
	if err != nil {
		return err
	}

	info, err := resolveBranch(ctx, client, cfg, gameID)
	if err != nil {
		return err
	}
	build, err := client.GetBuild(ctx, &info.Main)
	if err != nil {
		return err
	}
	entry, ok := build.EntryFor(matchingField)
	if !ok {
		return fmt.Errorf("build %s has no %q manifest", build.Tag, matchingField)
	}
	if build.Tag == installed.Original() {
		fmt.Printf("Build %s is already installed\n", build.Tag)
		return nil
	}

	target, err := sophon.FetchBuildManifest(ctx, client, entry)
	if err != nil {
		return err
	}
	opts := installOptions(cfg, threads, keepCache, skipVerify)

	var updater *sophon.Updater
	diffs, err := client.GetPatchBuild(ctx, &info.Main)
	if err == nil {
		if diffEntry, ok := diffs.EntryFor(matchingField, installed); ok {
			updater, err = sophon.Update(ctx, client, diffEntry, old, absDest, opts)
			if err != nil {
				return err
			}
		}
	} else {
		logger.Warn("No patch build available, falling back to a full update", logrus.Fields{
			"installed": installed.Original(),
			"error":     err.Error(),
		})
	}
	if updater == nil {
		updater, err = sophon.UpdateManifests(ctx, target, old, entry.ChunkDownload.ChunkDownloadInfo(), absDest, opts)
		if err != nil {
			return err
		}
	}
	if err := waitWithProgress(ctx, updater); err != nil {
		return err
	}

	if err := saveInstalledManifest(absDest, target); err != nil {
		return err
	}
	fmt.Printf("Updated %s to build %s (%s)\n", installed.Original(), build.Tag, build.BuildID)
	return nil
}

// installedVersion resolves the version the update starts from, preferring
// an explicit --from over the recorded manifest tag.
func installedVersion(old *manifest.Manifest, fromVersion string) (*version.Version, error) {
	raw := fromVersion
	if raw == "" {
		raw = old.Tag
	}
	if raw == "" {
		return nil, fmt.Errorf("installed version is unknown, pass --from")
	}
	v, err := version.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid installed version %q: %w", raw, err)
	}
	return v, nil
}
