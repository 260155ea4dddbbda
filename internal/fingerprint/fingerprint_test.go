package fingerprint

import (
	"testing"

	"github.com/example/cardbinder/internal/schema"
)

func testCard() *schema.Card {
	return &schema.Card{
		ID:              "a3fb1e9c-0000-4000-8000-000000000001",
		OracleID:        "b1c2d3e4-0000-4000-8000-000000000002",
		Name:            "Lightning Bolt",
		Lang:            "en",
		ReleasedAt:      "1993-08-05",
		Layout:          "normal",
		ManaCost:        "{R}",
		CMC:             1,
		TypeLine:        "Instant",
		OracleText:      "Lightning Bolt deals 3 damage to any target.",
		Colors:          []string{"R"},
		ColorIdentity:   []string{"R"},
		Keywords:        []string{},
		MultiverseIDs:   []int64{209, 163},
		Legalities:      map[string]string{"modern": "legal", "standard": "not_legal"},
		CollectorNumber: "161",
		Rarity:          "common",
		BorderColor:     "black",
		Frame:           "1993",
		Finishes:        []string{"nonfoil"},
		SetCode:         "lea",
		SetName:         "Limited Edition Alpha",
		SetType:         "core",
		Artist:          "Christopher Rush",
		Prices:          map[string]string{"usd": "149.99"},
	}
}

// TestCard_Deterministic verifies that hashing the same record twice
// yields the same digest.
func TestCard_Deterministic(t *testing.T) {
	a := Card(testCard())
	b := Card(testCard())
	if a != b {
		t.Errorf("same record hashed differently: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(a))
	}
}

// TestCard_OrderIndependent verifies that reordering multi-valued
// fields does not change the digest.
func TestCard_OrderIndependent(t *testing.T) {
	a := testCard()
	a.ColorIdentity = []string{"B", "R"}
	a.Keywords = []string{"Haste", "Deathtouch"}
	a.MultiverseIDs = []int64{209, 163}

	b := testCard()
	b.ColorIdentity = []string{"R", "B"}
	b.Keywords = []string{"Deathtouch", "Haste"}
	b.MultiverseIDs = []int64{163, 209}

	if Card(a) != Card(b) {
		t.Error("reordered multi-valued fields changed the digest")
	}
}

// TestCard_FieldChange verifies that a changed scalar changes the digest.
func TestCard_FieldChange(t *testing.T) {
	a := testCard()
	b := testCard()
	b.OracleText = "Lightning Bolt deals 4 damage to any target."

	if Card(a) == Card(b) {
		t.Error("changed oracle text did not change the digest")
	}
}

// TestCard_FloatCanonical verifies that numerically equal costs hash
// the same regardless of the source's formatting.
func TestCard_FloatCanonical(t *testing.T) {
	a, err := schema.ParseCard([]byte(`{"id":"x1","name":"Test","cmc":2}`))
	if err != nil {
		t.Fatalf("ParseCard() failed: %v", err)
	}
	b, err := schema.ParseCard([]byte(`{"id":"x1","name":"Test","cmc":2.0}`))
	if err != nil {
		t.Fatalf("ParseCard() failed: %v", err)
	}

	if Card(a) != Card(b) {
		t.Error("2 and 2.0 hashed differently")
	}
}

// TestCard_EmptyCollections verifies that nil and empty collections
// hash identically.
func TestCard_EmptyCollections(t *testing.T) {
	a := testCard()
	a.Keywords = nil
	a.Legalities = nil

	b := testCard()
	b.Keywords = []string{}
	b.Legalities = map[string]string{}

	if Card(a) != Card(b) {
		t.Error("nil and empty collections hashed differently")
	}
}

// TestCard_MapValueChange verifies that map-valued attributes
// participate in the digest.
func TestCard_MapValueChange(t *testing.T) {
	a := testCard()
	b := testCard()
	b.Legalities = map[string]string{"modern": "banned", "standard": "not_legal"}

	if Card(a) == Card(b) {
		t.Error("changed legality did not change the digest")
	}
}
