package planner

import (
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
)

// StepKind discriminates plan steps.
type StepKind int

// Plan step kinds.
const (
	StepFetchChunk StepKind = iota
	StepAssembleFile
	StepDeleteFile
	StepRenameFile
)

func (k StepKind) String() string {
	switch k {
	case StepFetchChunk:
		return "fetch"
	case StepAssembleFile:
		return "assemble"
	case StepDeleteFile:
		return "delete"
	case StepRenameFile:
		return "rename"
	default:
		return "unknown"
	}
}

// Step is one concrete plan action. Exactly the fields for its kind are set.
type Step struct {
	Kind StepKind

	ChunkID manifest.ChunkID   // StepFetchChunk
	File    manifest.FileEntry // StepAssembleFile
	Path    string             // StepDeleteFile
	From    string             // StepRenameFile
	To      string             // StepRenameFile
}

// LocalRegion locates a chunk's decompressed bytes inside an installed
// prior-build file.
type LocalRegion struct {
	Path   string
	Offset uint64
	Length uint64
}

// Source says where a planned chunk fetch gets its bytes. A nil Local means
// a remote download.
type Source struct {
	Local *LocalRegion
}

// Plan is the ordered, statically validated sequence of steps produced by
// Build or BuildFromDiff. For every assemble step, all chunks the file
// references appear earlier as fetch steps or were already stored.
type Plan struct {
	Steps   []Step
	Chunks  map[manifest.ChunkID]manifest.Chunk // descriptors for all fetch steps
	Sources map[manifest.ChunkID]Source

	// DownloadBytes is the compressed volume of all remote fetch steps.
	DownloadBytes uint64
	// AssembleFiles is the number of assemble steps.
	AssembleFiles int
}

// FetchCount returns the number of fetch steps.
func (p *Plan) FetchCount() int {
	n := 0
	for _, step := range p.Steps {
		if step.Kind == StepFetchChunk {
			n++
		}
	}
	return n
}

// Empty reports whether the plan contains no steps at all.
func (p *Plan) Empty() bool { return len(p.Steps) == 0 }
