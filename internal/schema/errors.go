package schema

import "fmt"

// ParseError marks a record that could not be decoded or validated.
//
// Parse errors are per-record: the ingestion layer counts and skips them
// rather than aborting the run.
type ParseError struct {
	// Index is the zero-based position of the record in the stream,
	// or -1 when unknown.
	Index int
	Err   error
}

func (e *ParseError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("invalid record at index %d: %v", e.Index, e.Err)
	}
	return fmt.Sprintf("invalid record: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
