package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/config"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon"
)

// NewInstallCmd creates the install command.
func NewInstallCmd() *cobra.Command {
	var (
		matchingField string
		predownload   bool
		threads       int
		keepCache     bool
		skipVerify    bool
	)

	cmd := &cobra.Command{
		Use:   "install GAME_ID DIRECTORY",
		Short: "Install the latest game build",
		Long: `Install the latest build of a game into a directory.
The manifest is resolved through the launcher API, missing chunks are
downloaded and files are assembled in place. Interrupted installs resume
from the chunk cache on the next run.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd.Context(), args[0], args[1], matchingField, predownload, threads, keepCache, skipVerify)
		},
	}

	cmd.Flags().StringVar(&matchingField, "matching-field", DefaultMatchingField, "Manifest category to install (game or a voiceover language)")
	cmd.Flags().BoolVar(&predownload, "predownload", false, "Only download chunks, do not assemble any file")
	cmd.Flags().IntVar(&threads, "threads", 0, "Number of parallel downloads (0=config)")
	cmd.Flags().BoolVar(&keepCache, "keep-chunk-cache", false, "Keep the chunk cache after a successful install")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "Trust existing files by size instead of hashing them")

	return cmd
}

func runInstall(ctx context.Context, gameID, dest, matchingField string, predownload bool, threads int, keepCache, skipVerify bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	info, err := resolveBranch(ctx, client, cfg, gameID)
	if err != nil {
		return err
	}
	pkg := &info.Main
	if predownload {
		if info.PreDownload == nil {
			return fmt.Errorf("game %s has no predownload branch", gameID)
		}
		pkg = info.PreDownload
	}

	build, err := client.GetBuild(ctx, pkg)
	if err != nil {
		return err
	}
	entry, ok := build.EntryFor(matchingField)
	if !ok {
		return fmt.Errorf("build %s has no %q manifest", build.Tag, matchingField)
	}

	m, err := sophon.FetchBuildManifest(ctx, client, entry)
	if err != nil {
		return err
	}

	absDest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	opts := installOptions(cfg, threads, keepCache, skipVerify)

	var updater *sophon.Updater
	if predownload {
		updater, err = sophon.PredownloadManifest(ctx, m, entry.ChunkDownload.ChunkDownloadInfo(), absDest, opts)
	} else {
		updater, err = sophon.InstallManifest(ctx, m, entry.ChunkDownload.ChunkDownloadInfo(), absDest, opts)
	}
	if err != nil {
		return err
	}
	if err := waitWithProgress(ctx, updater); err != nil {
		return err
	}

	if predownload {
		fmt.Printf("Predownloaded build %s (%s)\n", build.Tag, build.BuildID)
		return nil
	}
	if err := saveInstalledManifest(absDest, m); err != nil {
		return err
	}
	fmt.Printf("Installed build %s (%s)\n", build.Tag, build.BuildID)
	return nil
}

// installOptions applies flag overrides on top of the configured options.
func installOptions(cfg *config.Config, threads int, keepCache, skipVerify bool) sophon.Options {
	opts := cfg.Options()
	if threads > 0 {
		opts.DownloaderThreads = threads
	}
	if keepCache {
		opts.KeepChunkCache = true
	}
	if skipVerify {
		opts.VerifyExisting = false
	}
	return opts
}
