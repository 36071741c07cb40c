package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/progress"
)

// waitWithProgress blocks until the run finishes, redrawing a one-line
// progress report. Ctx cancellation (ctrl-c) cancels the run and waits for
// it to unwind.
func waitWithProgress(ctx context.Context, updater *sophon.Updater) error {
	done := make(chan error, 1)
	go func() { done <- updater.Wait() }()

	ticker := time.NewTicker(ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			printProgress(updater.Snapshot())
			fmt.Println()
			return err
		case <-ctx.Done():
			updater.Cancel()
			err := <-done
			fmt.Println()
			return err
		case <-ticker.C:
			printProgress(updater.Snapshot())
		}
	}
}

func printProgress(p progress.Progress) {
	if p.TotalFiles > 0 {
		fmt.Printf("\r%-11s %s / %s, %d/%d files",
			p.State, formatBytes(p.DoneBytes), formatBytes(p.TotalBytes), p.DoneFiles, p.TotalFiles)
		return
	}
	fmt.Printf("\r%-11s %s / %s",
		p.State, formatBytes(p.DoneBytes), formatBytes(p.TotalBytes))
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n uint64) string {
	if n < BytesPerUnit {
		return fmt.Sprintf("%d B", n)
	}
	value := float64(n)
	for _, unit := range []string{"KiB", "MiB", "GiB", "TiB"} {
		value /= BytesPerUnit
		if value < BytesPerUnit {
			return fmt.Sprintf("%.1f %s", value, unit)
		}
	}
	return fmt.Sprintf("%.1f PiB", value/BytesPerUnit)
}
