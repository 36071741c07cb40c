//go:generate mockgen -destination=./mocks/planner.go -package mocks . ChunkProber,Destination
package planner

import "github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"

// ChunkProber is the subset of the chunk store the planner consults.
type ChunkProber interface {
	Probe(id manifest.ChunkID) bool
}

// Destination is the subset of the filesystem driver the planner consults
// to decide which target files can be skipped and which prior-build files
// are trustworthy extraction sources.
type Destination interface {
	CheckFile(path string, size uint64, md5hex string) (bool, error)
}
