package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/chunkstore"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/driver"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/planner"
)

// NewPlanCmd creates the plan command.
func NewPlanCmd() *cobra.Command {
	var (
		matchingField string
		skipVerify    bool
	)

	cmd := &cobra.Command{
		Use:   "plan GAME_ID DIRECTORY",
		Short: "Show what an install or update would do",
		Long: `Resolve the latest build and report the work an install into the
directory would need, without downloading any chunk. Files already present
and chunks already cached are taken into account.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), args[0], args[1], matchingField, skipVerify)
		},
	}

	cmd.Flags().StringVar(&matchingField, "matching-field", DefaultMatchingField, "Manifest category to plan for (game or a voiceover language)")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "Trust existing files by size instead of hashing them")

	return cmd
}

func runPlan(ctx context.Context, gameID, dest, matchingField string, skipVerify bool) error {
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
	build, err := client.GetBuild(ctx, &info.Main)
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
	d, err := driver.NewOS(absDest)
	if err != nil {
		return err
	}
	store, err := chunkstore.New(filepath.Join(absDest, chunkstore.DirName), false)
	if err != nil {
		return err
	}

	// An installed build turns the plan into an update plan with local
	// chunk extraction.
	old, err := loadInstalledManifest(absDest)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	plan, err := planner.Build(m, old, planner.Options{
		Store:          store,
		Dest:           d,
		VerifyExisting: !skipVerify,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Build %s (%s), %d files, %s on disk\n",
		build.Tag, build.BuildID, m.TotalFiles(), formatBytes(m.TotalBytesDecompressed()))
	if plan.Empty() {
		fmt.Println("Nothing to do, the directory is up to date")
		return nil
	}

	local := 0
	for _, source := range plan.Sources {
		if source.Local != nil {
			local++
		}
	}
	deletes, renames := 0, 0
	for _, step := range plan.Steps {
		switch step.Kind {
		case planner.StepDeleteFile:
			deletes++
		case planner.StepRenameFile:
			renames++
		}
	}

	fmt.Printf("Files to assemble:   %d\n", plan.AssembleFiles)
	fmt.Printf("Chunks to download:  %d (%s)\n", plan.FetchCount()-local, formatBytes(plan.DownloadBytes))
	if local > 0 {
		fmt.Printf("Chunks reused from installed files: %d\n", local)
	}
	if renames > 0 {
		fmt.Printf("Files to rename:     %d\n", renames)
	}
	if deletes > 0 {
		fmt.Printf("Files to delete:     %d\n", deletes)
	}
	return nil
}
