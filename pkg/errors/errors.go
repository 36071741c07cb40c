// Package errors defines the error taxonomy shared by the installer core.
// Terminal outcomes are matched against these sentinels with errors.Is; all
// additional context is attached by wrapping.
package errors

import "fmt"

// Common error types.
var (
	// Manifest errors.
	ErrMalformedManifest      = fmt.Errorf("malformed manifest")
	ErrDuplicateFilePath      = fmt.Errorf("duplicate file path in manifest")
	ErrUndeclaredChunk        = fmt.Errorf("chunk referenced but not declared")
	ErrManifestStatsMismatch  = fmt.Errorf("manifest totals do not match envelope stats")
	ErrUnsupportedEncryption  = fmt.Errorf("unsupported encryption scheme")
	ErrUnsupportedCompression = fmt.Errorf("unsupported compression scheme")

	// Planning errors.
	ErrUnresolvableChunk = fmt.Errorf("chunk is not obtainable from any source")

	// Transfer errors.
	ErrDownloadFailed   = fmt.Errorf("download failed")
	ErrChecksumMismatch = fmt.Errorf("checksum mismatch")
	ErrChunkMissing     = fmt.Errorf("chunk not present in store")

	// Filesystem errors.
	ErrInvalidPath = fmt.Errorf("invalid path")
	ErrFilesystem  = fmt.Errorf("filesystem error")

	// Lifecycle errors.
	ErrCancelled = fmt.Errorf("operation cancelled")

	// Configuration errors.
	ErrEmptyConfigPath  = fmt.Errorf("config path is empty")
	ErrConfigParse      = fmt.Errorf("failed to parse config file")
	ErrConfigValidation = fmt.Errorf("config validation failed")
)

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with additional formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
