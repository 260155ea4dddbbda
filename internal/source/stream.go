package source

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/example/cardbinder/internal/schema"
)

// jsonStream decodes a large JSON array of card objects incrementally.
// The array is never buffered in full; records are decoded one token
// group at a time as the caller pulls them.
type jsonStream struct {
	rc    io.ReadCloser
	dec   *json.Decoder
	index int
	done  bool
}

// newJSONStream wraps a reader positioned at the start of a JSON array.
func newJSONStream(rc io.ReadCloser) (*jsonStream, error) {
	dec := json.NewDecoder(rc)

	tok, err := dec.Token()
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to read record stream: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		_ = rc.Close()
		return nil, fmt.Errorf("expected JSON array of records, got %v", tok)
	}

	return &jsonStream{rc: rc, dec: dec}, nil
}

// Next decodes the next record.
//
// Records that decode but fail validation, and records whose fields have
// the wrong JSON types, yield *schema.ParseError and leave the stream
// usable. A syntax error in the surrounding array is fatal.
func (s *jsonStream) Next() (*schema.Card, error) {
	if s.done {
		return nil, io.EOF
	}

	if !s.dec.More() {
		s.done = true
		if _, err := s.dec.Token(); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read end of record stream: %w", err)
		}
		return nil, io.EOF
	}

	index := s.index
	s.index++

	var card schema.Card
	if err := s.dec.Decode(&card); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// The decoder has consumed the offending value; the
			// stream can continue with the next record.
			return nil, &schema.ParseError{Index: index, Err: err}
		}
		s.done = true
		return nil, fmt.Errorf("corrupt record stream at index %d: %w", index, err)
	}

	if err := card.Validate(); err != nil {
		return nil, &schema.ParseError{Index: index, Err: err}
	}
	card.SetDefaults()

	return &card, nil
}

// Close releases the underlying reader.
func (s *jsonStream) Close() error {
	return s.rc.Close()
}
