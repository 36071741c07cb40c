// Package planner diffs a target manifest against local state and emits the
// ordered plan of fetches, assemblies, renames and deletions that
// materialises the target tree.
package planner

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/errors"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/logger"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
)

// Options configure plan construction.
type Options struct {
	// Store is probed so already-cached chunks are not fetched again.
	Store ChunkProber
	// Dest is consulted to skip files already present and to verify
	// prior-build extraction sources. May be nil for a fresh directory.
	Dest Destination
	// VerifyExisting controls whether present destination files are
	// checksummed before being skipped; when false a size match suffices.
	VerifyExisting bool
	// ChunksOnly plans fetches but no assemblies (pre-download).
	ChunksOnly bool
}

// Build plans the installation of the target manifest. When old is non-nil
// the plan is an in-place update: chunks still present inside verified
// prior-build files are extracted locally rather than fetched, and files
// present in old but absent from new are deleted after all assemblies.
func Build(target *manifest.Manifest, old *manifest.Manifest, opts Options) (*Plan, error) {
	b := &builder{opts: opts, declared: manifest.IndexChunks(target.Chunks)}
	if old != nil {
		b.old = newOldBuildIndex(old, nil, opts.Dest)
	}

	var deletions []string
	if old != nil {
		targetPaths := make(map[string]struct{}, len(target.Files))
		for i := range target.Files {
			targetPaths[target.Files[i].Path] = struct{}{}
		}
		for i := range old.Files {
			if _, keep := targetPaths[old.Files[i].Path]; !keep {
				deletions = append(deletions, old.Files[i].Path)
			}
		}
	}

	return b.plan(target.Files, target.Chunks, nil, deletions)
}

// BuildFromDiff plans an update from a diff manifest. The installed build's
// manifest provides extraction sources; declared renames are hoisted to the
// front of the plan and declared deletions run after all assemblies.
func BuildFromDiff(diff *manifest.DiffManifest, old *manifest.Manifest, opts Options) (*Plan, error) {
	renamed := make(map[string]string, len(diff.Renames))
	for _, ren := range diff.Renames {
		renamed[ren.From] = ren.To
	}

	b := &builder{opts: opts, declared: manifest.IndexChunks(diff.Chunks)}
	if old != nil {
		b.old = newOldBuildIndex(old, renamed, opts.Dest)
	}

	assembled := make(map[string]struct{}, len(diff.Files))
	for i := range diff.Files {
		assembled[diff.Files[i].Path] = struct{}{}
	}
	var deletions []string
	for _, p := range diff.Deletions {
		if _, overwritten := assembled[p]; !overwritten {
			deletions = append(deletions, p)
		}
	}

	return b.plan(diff.Files, diff.Chunks, diff.Renames, deletions)
}

type builder struct {
	opts     Options
	declared map[manifest.ChunkID]manifest.Chunk
	old      *oldBuildIndex
}

func (b *builder) plan(files []manifest.FileEntry, declaredOrder []manifest.Chunk, renames []manifest.Rename, deletions []string) (*Plan, error) {
	plan := &Plan{
		Chunks:  make(map[manifest.ChunkID]manifest.Chunk),
		Sources: make(map[manifest.ChunkID]Source),
	}

	// Renames are hoisted before anything that could write their targets.
	for _, ren := range renames {
		plan.Steps = append(plan.Steps, Step{Kind: StepRenameFile, From: ren.From, To: ren.To})
	}

	assemble, err := b.filesToAssemble(files)
	if err != nil {
		return nil, err
	}

	// Resolve a source for every chunk the assemblies still need.
	needed := make(map[manifest.ChunkID]struct{})
	firstRef := make([]manifest.ChunkID, 0)
	for i := range assemble {
		for _, ref := range assemble[i].Chunks {
			if _, seen := needed[ref.ID]; seen {
				continue
			}
			if b.opts.Store != nil && b.opts.Store.Probe(ref.ID) {
				continue
			}
			needed[ref.ID] = struct{}{}
			firstRef = append(firstRef, ref.ID)
		}
	}

	for _, id := range firstRef {
		source, chunk, err := b.resolve(id)
		if err != nil {
			return nil, err
		}
		plan.Sources[id] = source
		plan.Chunks[id] = chunk
	}

	// Fetches follow the manifest-declared chunk order for CDN locality;
	// extraction-only chunks undeclared in this manifest go last, in first
	// reference order.
	emitted := make(map[manifest.ChunkID]int, len(needed))
	emit := func(id manifest.ChunkID) {
		emitted[id] = len(emitted)
		plan.Steps = append(plan.Steps, Step{Kind: StepFetchChunk, ChunkID: id})
		if plan.Sources[id].Local == nil {
			plan.DownloadBytes += plan.Chunks[id].CompressedSize
		}
	}
	for _, chunk := range declaredOrder {
		if _, ok := needed[chunk.ID]; ok {
			emit(chunk.ID)
			delete(needed, chunk.ID)
		}
	}
	for _, id := range firstRef {
		if _, ok := needed[id]; ok {
			emit(id)
			delete(needed, id)
		}
	}

	if !b.opts.ChunksOnly {
		// Assemblies are ordered by their first missing chunk's emission so
		// the working set of chunk files stays small.
		sort.SliceStable(assemble, func(i, j int) bool {
			return assemblyRank(&assemble[i], emitted) < assemblyRank(&assemble[j], emitted)
		})
		for i := range assemble {
			plan.Steps = append(plan.Steps, Step{Kind: StepAssembleFile, File: assemble[i]})
		}
		plan.AssembleFiles = len(assemble)

		for _, p := range deletions {
			plan.Steps = append(plan.Steps, Step{Kind: StepDeleteFile, Path: p})
		}
	}

	logger.Debug("plan built", logrus.Fields{
		"fetches":    len(emitted),
		"assemblies": plan.AssembleFiles,
		"deletions":  len(deletions),
		"renames":    len(renames),
		"bytes":      plan.DownloadBytes,
	})
	return plan, nil
}

func assemblyRank(file *manifest.FileEntry, emitted map[manifest.ChunkID]int) int {
	for _, ref := range file.Chunks {
		if rank, ok := emitted[ref.ID]; ok {
			return rank
		}
	}
	return -1 // fully satisfied already, assemble first
}

func (b *builder) filesToAssemble(files []manifest.FileEntry) ([]manifest.FileEntry, error) {
	assemble := make([]manifest.FileEntry, 0, len(files))
	for i := range files {
		file := files[i]
		if b.opts.Dest != nil {
			md5hex := file.MD5
			if !b.opts.VerifyExisting {
				md5hex = ""
			}
			ok, err := b.opts.Dest.CheckFile(file.Path, file.Size, md5hex)
			if err != nil {
				return nil, errors.Wrapf(err, "could not probe %s", file.Path)
			}
			if ok {
				continue
			}
		}
		assemble = append(assemble, file)
	}
	return assemble, nil
}

// resolve picks the source for a chunk: a verified prior-build region when
// available, otherwise a remote fetch of the declared descriptor.
func (b *builder) resolve(id manifest.ChunkID) (Source, manifest.Chunk, error) {
	if b.old != nil {
		if region, chunk, ok := b.old.lookup(id); ok {
			return Source{Local: region}, chunk, nil
		}
	}
	if chunk, ok := b.declared[id]; ok {
		return Source{}, chunk, nil
	}
	return Source{}, manifest.Chunk{}, fmt.Errorf("%w: %s", errors.ErrUnresolvableChunk, id)
}

// oldBuildIndex maps chunk ids to regions of installed prior-build files.
// A region is only handed out once its containing file passed a whole-file
// checksum, so extraction can never read stale bytes undetected.
type oldBuildIndex struct {
	dest     Destination
	regions  map[manifest.ChunkID]LocalRegion
	chunks   map[manifest.ChunkID]manifest.Chunk
	files    map[string]manifest.FileEntry
	verified map[string]bool
}

func newOldBuildIndex(old *manifest.Manifest, renamed map[string]string, dest Destination) *oldBuildIndex {
	idx := &oldBuildIndex{
		dest:     dest,
		regions:  make(map[manifest.ChunkID]LocalRegion),
		chunks:   manifest.IndexChunks(old.Chunks),
		files:    make(map[string]manifest.FileEntry),
		verified: make(map[string]bool),
	}
	for i := range old.Files {
		file := old.Files[i]
		path := file.Path
		if to, ok := renamed[path]; ok {
			path = to
		}
		idx.files[path] = file
		for _, ref := range file.Chunks {
			chunk, declared := idx.chunks[ref.ID]
			// Only whole-chunk regions are extractable.
			if !declared || ref.Length != chunk.DecompressedSize {
				continue
			}
			if _, have := idx.regions[ref.ID]; !have {
				idx.regions[ref.ID] = LocalRegion{Path: path, Offset: ref.Offset, Length: ref.Length}
			}
		}
	}
	return idx
}

func (idx *oldBuildIndex) lookup(id manifest.ChunkID) (*LocalRegion, manifest.Chunk, bool) {
	region, ok := idx.regions[id]
	if !ok || idx.dest == nil {
		return nil, manifest.Chunk{}, false
	}

	verified, cached := idx.verified[region.Path]
	if !cached {
		file := idx.files[region.Path]
		ok, err := idx.dest.CheckFile(region.Path, file.Size, file.MD5)
		if err != nil {
			logger.Debug("extraction source probe failed", logrus.Fields{"path": region.Path, "error": err})
			ok = false
		}
		verified = ok
		idx.verified[region.Path] = verified
	}
	if !verified {
		return nil, manifest.Chunk{}, false
	}
	return &region, idx.chunks[id], true
}
