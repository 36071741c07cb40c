package sophon

import (
	"context"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/branches"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/driver"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/planner"
)

// InstallManifest installs a decoded manifest into dest, an absolute
// directory. The returned Updater reports progress until the tree matches
// the manifest.
func InstallManifest(ctx context.Context, m *manifest.Manifest, dl manifest.DownloadInfo, dest string, opts Options) (*Updater, error) {
	return installManifest(ctx, m, dl, dest, opts, false)
}

// PredownloadManifest fetches and stores every missing chunk of the
// manifest without assembling any file, so a later install needs no
// network. .chunks/ is kept regardless of KeepChunkCache.
func PredownloadManifest(ctx context.Context, m *manifest.Manifest, dl manifest.DownloadInfo, dest string, opts Options) (*Updater, error) {
	return installManifest(ctx, m, dl, dest, opts, true)
}

func installManifest(ctx context.Context, m *manifest.Manifest, dl manifest.DownloadInfo, dest string, opts Options, chunksOnly bool) (*Updater, error) {
	d, err := validateRun(m, nil, dl, dest)
	if err != nil {
		return nil, err
	}
	buildPlan := func(popts planner.Options) (*planner.Plan, error) {
		return planner.Build(m, nil, popts)
	}
	return start(ctx, d, dl, manifest.IndexChunks(m.Chunks), buildPlan, chunksOnly, opts), nil
}

// UpdateManifests updates an installed old build in place to the target
// manifest. Chunks still present inside verified old files are extracted
// locally instead of downloaded, and files absent from the target are
// deleted after every assembly succeeded.
func UpdateManifests(ctx context.Context, target, old *manifest.Manifest, dl manifest.DownloadInfo, dest string, opts Options) (*Updater, error) {
	d, err := validateRun(target, old, dl, dest)
	if err != nil {
		return nil, err
	}
	index := manifest.IndexChunks(target.Chunks)
	for id, chunk := range manifest.IndexChunks(old.Chunks) {
		if _, ok := index[id]; !ok {
			index[id] = chunk
		}
	}
	buildPlan := func(popts planner.Options) (*planner.Plan, error) {
		return planner.Build(target, old, popts)
	}
	return start(ctx, d, dl, index, buildPlan, false, opts), nil
}

// UpdateDiff applies a diff manifest on top of the installed old build.
func UpdateDiff(ctx context.Context, diff *manifest.DiffManifest, old *manifest.Manifest, dl manifest.DownloadInfo, dest string, opts Options) (*Updater, error) {
	if err := diff.Validate(); err != nil {
		return nil, err
	}
	if err := dl.Validate(); err != nil {
		return nil, err
	}
	d, err := driver.NewOS(dest)
	if err != nil {
		return nil, err
	}

	index := manifest.IndexChunks(diff.Chunks)
	if old != nil {
		for id, chunk := range manifest.IndexChunks(old.Chunks) {
			if _, ok := index[id]; !ok {
				index[id] = chunk
			}
		}
	}
	buildPlan := func(popts planner.Options) (*planner.Plan, error) {
		return planner.BuildFromDiff(diff, old, popts)
	}
	return start(ctx, d, dl, index, buildPlan, false, opts), nil
}

// Install resolves a build entry through the vendor API and installs it:
// the manifest blob is fetched, validated against the envelope stats and
// handed to InstallManifest.
func Install(ctx context.Context, client *branches.Client, entry *branches.DownloadEntry, dest string, opts Options) (*Updater, error) {
	m, err := FetchBuildManifest(ctx, client, entry)
	if err != nil {
		return nil, err
	}
	return InstallManifest(ctx, m, entry.ChunkDownload.ChunkDownloadInfo(), dest, opts)
}

// Predownload is Install without the assembly phase.
func Predownload(ctx context.Context, client *branches.Client, entry *branches.DownloadEntry, dest string, opts Options) (*Updater, error) {
	m, err := FetchBuildManifest(ctx, client, entry)
	if err != nil {
		return nil, err
	}
	return PredownloadManifest(ctx, m, entry.ChunkDownload.ChunkDownloadInfo(), dest, opts)
}

// Update resolves a diff entry through the vendor API and applies it on top
// of the installed build described by old.
func Update(ctx context.Context, client *branches.Client, entry *branches.DiffEntry, old *manifest.Manifest, dest string, opts Options) (*Updater, error) {
	diff, err := client.FetchDiffManifest(ctx, &entry.Manifest, &entry.ManifestDownload)
	if err != nil {
		return nil, err
	}
	return UpdateDiff(ctx, diff, old, entry.DiffDownload.ChunkDownloadInfo(), dest, opts)
}

// FetchBuildManifest downloads and decodes the manifest a build entry
// points at and validates it against the envelope stats.
func FetchBuildManifest(ctx context.Context, client *branches.Client, entry *branches.DownloadEntry) (*manifest.Manifest, error) {
	m, err := client.FetchManifest(ctx, &entry.Manifest, &entry.ManifestDownload)
	if err != nil {
		return nil, err
	}
	// The manifest's chunk table is deduplicated, so it is checked against
	// the deduplicated stats, not the per-file ones.
	if err := entry.DeduplicatedStats.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func validateRun(target, old *manifest.Manifest, dl manifest.DownloadInfo, dest string) (*driver.OS, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if old != nil {
		if err := old.Validate(); err != nil {
			return nil, err
		}
	}
	if err := dl.Validate(); err != nil {
		return nil, err
	}
	return driver.NewOS(dest)
}
