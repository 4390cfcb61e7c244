package packer

import (
	"github.com/getcaravan/caravan/schemas"
)

const (
	// DefaultMaxRequestsPerFile is the provider's per-batch request ceiling.
	DefaultMaxRequestsPerFile = 50000

	// DefaultMaxFileSizeBytes keeps emitted files comfortably below the
	// provider's 200MB upload ceiling.
	DefaultMaxFileSizeBytes = 150 << 20

	// providerFileSizeCeiling is the hard upload limit the provider enforces.
	providerFileSizeCeiling = 200 * 1000 * 1000

	// DefaultTextTokenCap excludes manufacturers whose scraped text is too
	// large to process.
	DefaultTextTokenCap = 200000

	// DefaultFilePrefix names emitted files when the caller does not.
	DefaultFilePrefix = "requests"
)

// PackOptions controls one packing run.
type PackOptions struct {
	// OutputDir is the parent directory run directories are created under.
	OutputDir string

	// FilePrefix is the middle segment of emitted file names.
	FilePrefix string

	// MaxFiles stops the run after this many files; 0 means unlimited. The
	// station packs with MaxFiles=1 so each tick stages at most one batch.
	MaxFiles int

	// MaxRequestsPerFile caps lines per file.
	MaxRequestsPerFile int

	// MaxTokensPerFile caps the summed input token estimate per file;
	// 0 means unlimited. The station passes the owning key's queue limit.
	MaxTokensPerFile int64

	// MaxFileSizeBytes caps the encoded file size, newlines included.
	MaxFileSizeBytes int64

	// TextTokenCap excludes manufacturers whose scraped text exceeds it.
	TextTokenCap int64
}

func (o *PackOptions) checkAndSetDefaults() {
	if o.FilePrefix == "" {
		o.FilePrefix = DefaultFilePrefix
	}
	if o.MaxRequestsPerFile <= 0 {
		o.MaxRequestsPerFile = DefaultMaxRequestsPerFile
	}
	if o.MaxFileSizeBytes <= 0 {
		o.MaxFileSizeBytes = DefaultMaxFileSizeBytes
	}
	if o.MaxFileSizeBytes > providerFileSizeCeiling {
		o.MaxFileSizeBytes = providerFileSizeCeiling
	}
	if o.TextTokenCap <= 0 {
		o.TextTokenCap = DefaultTextTokenCap
	}
}

// FileManifest describes one emitted file. Path and CustomIDs are runtime
// fields for the station; only the accounting columns land in
// batch_metadata.json.
type FileManifest struct {
	File          string `json:"file"`
	Manufacturers int    `json:"manufacturers"`
	Requests      int    `json:"requests"`
	Tokens        int64  `json:"tokens"`

	Path      string   `json:"-"`
	CustomIDs []string `json:"-"`
}

// MissingRequest records custom IDs referenced by a deferred document but
// absent from the request store. The manufacturer is skipped; the event is
// surfaced for operator review instead of silently retried.
type MissingRequest struct {
	Etld1     string   `json:"etld1"`
	CustomIDs []string `json:"custom_ids"`
}

// ValidationError records a manufacturer whose stored state is inconsistent.
type ValidationError struct {
	Etld1  string            `json:"etld1"`
	Field  schemas.FieldName `json:"field,omitempty"`
	Reason string            `json:"reason"`
}

// PackResult summarizes one packing run.
type PackResult struct {
	// RunDir is the timestamped directory holding the emitted files, empty
	// when the run produced nothing.
	RunDir string

	Files            []FileManifest
	Missing          []MissingRequest
	ValidationErrors []ValidationError

	// Skipped counts manufacturers passed over this run for any reason.
	Skipped int
}

// Empty reports whether the run produced no files.
func (r *PackResult) Empty() bool {
	return len(r.Files) == 0
}
