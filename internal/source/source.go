// Package source provides the catalog-source boundary: fetching the
// bulk-data manifest and streaming its records.
package source

import (
	"context"
	"fmt"

	"github.com/example/cardbinder/internal/schema"
)

// Manifest describes one downloadable bulk dataset.
type Manifest struct {
	// DownloadURI locates the dataset. For the HTTP catalog this is a
	// URL; for the file catalog it is a local path.
	DownloadURI string `json:"download_uri"`

	// Size is the declared record count, when the source reports one.
	// Zero or negative means the count is unknown and progress is
	// reported as indeterminate.
	Size int64 `json:"size,omitempty"`
}

// Catalog is the boundary contract an ingestion run consumes.
//
// Implementations must tolerate network interruption; transient
// failures are retried internally and surface as TransientError only
// after the retry budget is exhausted.
type Catalog interface {
	// FetchManifest resolves the current bulk dataset.
	FetchManifest(ctx context.Context) (*Manifest, error)

	// StreamRecords opens a lazy record stream over the dataset.
	// The caller owns the returned stream and must Close it.
	StreamRecords(ctx context.Context, downloadURI string) (RecordStream, error)
}

// RecordStream yields catalog records one at a time.
//
// Next returns io.EOF when the stream is exhausted. A record that is
// syntactically readable but invalid is reported as *schema.ParseError;
// the stream remains usable and the caller decides whether to skip or
// abort. Any other error is fatal to the stream.
type RecordStream interface {
	Next() (*schema.Card, error)
	Close() error
}

// TransientError marks a network or timeout failure that persisted past
// the retry budget. It escalates the run to failed.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}
