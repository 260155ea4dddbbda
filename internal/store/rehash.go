package store

import (
	"context"
	"fmt"

	"github.com/example/cardbinder/internal/fingerprint"
)

// RehashResult summarizes a full fingerprint recomputation.
type RehashResult struct {
	Total   int
	Changed int
	Errors  int
}

// RehashAll recomputes the content hash of every stored card from its
// persisted state and rewrites any hash that no longer matches.
//
// This exists for fingerprint algorithm changes: after covered fields
// are added or canonicalization rules change, stored hashes would
// otherwise spuriously mismatch (forcing a full rewrite on the next
// sync) or spuriously match (masking real changes).
//
// The progress callback, if non-nil, is invoked after every card.
func (s *Store) RehashAll(ctx context.Context, progress func(done, total int)) (*RehashResult, error) {
	ids, err := s.CardIDs(ctx)
	if err != nil {
		return nil, err
	}

	result := &RehashResult{Total: len(ids)}

	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		card, err := s.GetCard(ctx, id)
		if err != nil {
			result.Errors++
			continue
		}

		digest := fingerprint.Card(card)

		var stored string
		if err := s.conn.QueryRowContext(ctx,
			`SELECT content_hash FROM cards WHERE id = ?`, id).Scan(&stored); err != nil {
			result.Errors++
			continue
		}

		if stored != digest {
			if _, err := s.conn.ExecContext(ctx,
				`UPDATE cards SET content_hash = ? WHERE id = ?`, digest, id); err != nil {
				return result, fmt.Errorf("failed to rewrite hash for %s: %w", id, err)
			}
			result.Changed++
		}

		if progress != nil {
			progress(i+1, len(ids))
		}
	}

	return result, nil
}
