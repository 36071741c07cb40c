package fetcher

import (
	"os"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/driver"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/manifest"
)

// Store is the chunk sink the pool writes verified chunks into. Partial
// files hold the raw compressed stream of an interrupted download and feed
// the Range resume path.
type Store interface {
	Probe(id manifest.ChunkID) bool
	Insert(id manifest.ChunkID, data []byte) error
	PartialSize(id manifest.ChunkID) int64
	AppendPartial(id manifest.ChunkID) (*os.File, error)
	ReadPartial(id manifest.ChunkID) ([]byte, error)
	DiscardPartial(id manifest.ChunkID)
}

// Opener reads installed prior-build files for local chunk extraction.
type Opener interface {
	Open(path string) (driver.ReadSeekCloser, error)
}
