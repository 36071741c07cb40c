package cli

import "time"

// Default values for CLI flags and output formatting.
const (
	// DefaultMatchingField selects the main game manifest; voiceover packs
	// use their language code instead.
	DefaultMatchingField = "game"
	// ProgressInterval is how often the progress line is redrawn.
	ProgressInterval = 500 * time.Millisecond
	// BytesPerUnit is the divisor between byte size units.
	BytesPerUnit = 1024
)
