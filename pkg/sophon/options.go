// Package sophon drives chunked installs and updates end to end: it plans
// the work for a target manifest, runs the download and assembly pools over
// a shared chunk store, and reports progress until the destination tree
// matches the manifest.
package sophon

import (
	"time"

	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/assembler"
	"github.com/an-anime-team/anime-game-core-sub001/pkg/sophon/fetcher"
)

// Options configure a run. DefaultOptions is the baseline; zero fields of a
// hand-built Options are filled with the same defaults, except the booleans
// which are taken as given.
type Options struct {
	// DownloaderThreads sizes the fetcher pool.
	DownloaderThreads int
	// AssemblerThreads sizes the assembly pool. Zero derives it from the
	// downloader pool size.
	AssemblerThreads int
	// MaxRetries bounds download attempts per chunk.
	MaxRetries int
	// RequestTimeout bounds one chunk request end to end.
	RequestTimeout time.Duration
	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration
	// UserAgent is sent on every request.
	UserAgent string
	// VerifyExisting checksums destination files before skipping them.
	// When false a size match suffices.
	VerifyExisting bool
	// KeepChunkCache leaves .chunks/ in place after a clean finish.
	KeepChunkCache bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		DownloaderThreads: fetcher.DefaultWorkers,
		AssemblerThreads:  assembler.DefaultWorkers(fetcher.DefaultWorkers),
		MaxRetries:        fetcher.DefaultMaxRetries,
		RequestTimeout:    fetcher.DefaultTimeout,
		ConnectTimeout:    fetcher.DefaultConnectTimeout,
		VerifyExisting:    true,
	}
}

func (o Options) normalized() Options {
	if o.DownloaderThreads <= 0 {
		o.DownloaderThreads = fetcher.DefaultWorkers
	}
	if o.AssemblerThreads <= 0 {
		o.AssemblerThreads = assembler.DefaultWorkers(o.DownloaderThreads)
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = fetcher.DefaultMaxRetries
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = fetcher.DefaultTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = fetcher.DefaultConnectTimeout
	}
	return o
}
