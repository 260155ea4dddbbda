// Package schema provides the typed model for external catalog records.
package schema

import (
	"encoding/json"
	"fmt"
)

// Card is one catalog entry as delivered by the bulk-data source.
//
// The external JSON carries many more fields than we persist; the struct
// declares exactly the subset the store writes, with explicit optional
// sub-structures for every known attribute group. Unknown fields are
// ignored at decode time.
type Card struct {
	// ===== Identity =====
	ID       string `json:"id"`
	OracleID string `json:"oracle_id,omitempty"`
	Name     string `json:"name"`
	Lang     string `json:"lang,omitempty"`

	// ===== Release & links =====
	ReleasedAt  string `json:"released_at,omitempty"`
	URI         string `json:"uri,omitempty"`
	ScryfallURI string `json:"scryfall_uri,omitempty"`
	Layout      string `json:"layout,omitempty"`

	// ===== Images =====
	ImageStatus string            `json:"image_status,omitempty"`
	ImageURIs   map[string]string `json:"image_uris,omitempty"`

	// ===== Gameplay =====
	ManaCost   string   `json:"mana_cost,omitempty"`
	CMC        float64  `json:"cmc,omitempty"`
	TypeLine   string   `json:"type_line,omitempty"`
	OracleText string   `json:"oracle_text,omitempty"`
	FlavorText string   `json:"flavor_text,omitempty"`
	Power      string   `json:"power,omitempty"`
	Toughness  string   `json:"toughness,omitempty"`
	Loyalty    string   `json:"loyalty,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`

	// ===== Colors =====
	Colors        []string `json:"colors,omitempty"`
	ColorIdentity []string `json:"color_identity,omitempty"`

	// ===== Alternate identifiers =====
	MultiverseIDs []int64 `json:"multiverse_ids,omitempty"`

	// ===== Format legality (format name -> status) =====
	Legalities map[string]string `json:"legalities,omitempty"`

	// ===== Print =====
	CollectorNumber string   `json:"collector_number,omitempty"`
	Rarity          string   `json:"rarity,omitempty"`
	Digital         bool     `json:"digital,omitempty"`
	FullArt         bool     `json:"full_art,omitempty"`
	Textless        bool     `json:"textless,omitempty"`
	Booster         bool     `json:"booster,omitempty"`
	StorySpotlight  bool     `json:"story_spotlight,omitempty"`
	BorderColor     string   `json:"border_color,omitempty"`
	Frame           string   `json:"frame,omitempty"`
	SecurityStamp   string   `json:"security_stamp,omitempty"`
	Finishes        []string `json:"finishes,omitempty"`

	// ===== Set (reference entity, keyed by code) =====
	SetCode        string `json:"set,omitempty"`
	SetName        string `json:"set_name,omitempty"`
	SetType        string `json:"set_type,omitempty"`
	SetScryfallURI string `json:"scryfall_set_uri,omitempty"`
	SetIconURI     string `json:"icon_svg_uri,omitempty"`

	// ===== Artist (reference entity, keyed by name) =====
	Artist string `json:"artist,omitempty"`

	// ===== Nested URI/price groups (stored as JSON text) =====
	Prices       map[string]string `json:"prices,omitempty"`
	PurchaseURIs map[string]string `json:"purchase_uris,omitempty"`
	RelatedURIs  map[string]string `json:"related_uris,omitempty"`
}

// Validate checks that the card carries the fields the store requires.
func (c *Card) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (c *Card) SetDefaults() {
	if c.Lang == "" {
		c.Lang = "en"
	}
}

// ParseCard decodes and validates a single card from raw JSON.
func ParseCard(data []byte) (*Card, error) {
	var card Card
	if err := json.Unmarshal(data, &card); err != nil {
		return nil, &ParseError{Index: -1, Err: err}
	}
	if err := card.Validate(); err != nil {
		return nil, &ParseError{Index: -1, Err: err}
	}
	card.SetDefaults()
	return &card, nil
}
