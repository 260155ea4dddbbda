package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/cardbinder/internal/fingerprint"
	"github.com/example/cardbinder/internal/schema"
)

// ApplyResult reports what an upsert did to the stored item.
type ApplyResult int

const (
	// ApplyUnchanged means the stored content hash already matched and
	// no write was performed.
	ApplyUnchanged ApplyResult = iota

	// ApplyInserted means a new card row was created.
	ApplyInserted

	// ApplyUpdated means an existing card row was overwritten.
	ApplyUpdated
)

// String returns the result name for logging.
func (r ApplyResult) String() string {
	switch r {
	case ApplyInserted:
		return "inserted"
	case ApplyUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// ApplyCard inserts or updates one card and all of its child rows.
//
// The card's fingerprint is compared against the stored content_hash
// first; when they match, nothing is written and ApplyUnchanged is
// returned. Otherwise the scalar columns are overwritten, every
// child-row group is deleted and reinserted, and the new hash is stored,
// all inside a single transaction. Set and artist reference rows are
// created lazily in the same transaction; uniqueness under concurrent
// first-sightings is enforced by the schema, not by locking.
//
// A failure affects this card only; the transaction is rolled back and
// the error is returned for the caller to tally.
func (s *Store) ApplyCard(ctx context.Context, c *schema.Card) (ApplyResult, error) {
	if err := c.Validate(); err != nil {
		return ApplyUnchanged, fmt.Errorf("invalid card: %w", err)
	}

	digest := fingerprint.Card(c)

	var stored string
	err := s.conn.QueryRowContext(ctx,
		`SELECT content_hash FROM cards WHERE id = ?`, c.ID).Scan(&stored)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ApplyUnchanged, fmt.Errorf("failed to read stored hash for %s: %w", c.ID, err)
	}

	if exists && stored == digest {
		return ApplyUnchanged, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return ApplyUnchanged, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureSet(ctx, tx, c); err != nil {
		return ApplyUnchanged, err
	}

	artistID, err := ensureArtist(ctx, tx, c.Artist)
	if err != nil {
		return ApplyUnchanged, err
	}

	if err := upsertCardRow(ctx, tx, c, artistID, digest); err != nil {
		return ApplyUnchanged, err
	}

	if err := replaceChildRows(ctx, tx, c); err != nil {
		return ApplyUnchanged, err
	}

	if err := tx.Commit(); err != nil {
		return ApplyUnchanged, fmt.Errorf("failed to commit card %s: %w", c.ID, err)
	}

	if exists {
		return ApplyUpdated, nil
	}
	return ApplyInserted, nil
}

// ensureSet lazily creates the set reference row on first sighting.
// Existing rows are never modified; sets are append-only.
func ensureSet(ctx context.Context, tx *sql.Tx, c *schema.Card) error {
	if c.SetCode == "" {
		return nil
	}

	_, err := tx.ExecContext(ctx, `
	INSERT INTO sets (code, name, set_type, released_at, digital, scryfall_uri, icon_svg_uri)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(code) DO NOTHING
	`, c.SetCode, c.SetName, nullString(c.SetType), nullString(c.ReleasedAt),
		boolToInt(c.Digital), nullString(c.SetScryfallURI), nullString(c.SetIconURI))
	if err != nil {
		return fmt.Errorf("failed to upsert set %s: %w", c.SetCode, err)
	}
	return nil
}

// ensureArtist lazily creates the artist reference row and returns its ID.
func ensureArtist(ctx context.Context, tx *sql.Tx, name string) (sql.NullInt64, error) {
	if name == "" {
		return sql.NullInt64{}, nil
	}

	_, err := tx.ExecContext(ctx, `
	INSERT INTO artists (name) VALUES (?)
	ON CONFLICT(name) DO NOTHING
	`, name)
	if err != nil {
		return sql.NullInt64{}, fmt.Errorf("failed to upsert artist %q: %w", name, err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM artists WHERE name = ?`, name).Scan(&id); err != nil {
		return sql.NullInt64{}, fmt.Errorf("failed to resolve artist %q: %w", name, err)
	}

	return sql.NullInt64{Int64: id, Valid: true}, nil
}

// upsertCardRow writes the scalar columns and the new content hash.
func upsertCardRow(ctx context.Context, tx *sql.Tx, c *schema.Card, artistID sql.NullInt64, digest string) error {
	imageURIs, err := marshalJSONColumn(c.ImageURIs)
	if err != nil {
		return fmt.Errorf("failed to marshal image_uris for %s: %w", c.ID, err)
	}
	prices, err := marshalJSONColumn(c.Prices)
	if err != nil {
		return fmt.Errorf("failed to marshal prices for %s: %w", c.ID, err)
	}
	purchaseURIs, err := marshalJSONColumn(c.PurchaseURIs)
	if err != nil {
		return fmt.Errorf("failed to marshal purchase_uris for %s: %w", c.ID, err)
	}
	relatedURIs, err := marshalJSONColumn(c.RelatedURIs)
	if err != nil {
		return fmt.Errorf("failed to marshal related_uris for %s: %w", c.ID, err)
	}

	query := `
	INSERT INTO cards (
		id, oracle_id, name, lang, released_at, uri, scryfall_uri, layout,
		image_status, image_uris, mana_cost, cmc, type_line, oracle_text,
		flavor_text, power, toughness, loyalty, collector_number, rarity,
		digital, full_art, textless, booster, story_spotlight,
		border_color, frame, security_stamp, prices, purchase_uris,
		related_uris, set_code, set_name, set_type, artist_id, content_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		oracle_id = excluded.oracle_id,
		name = excluded.name,
		lang = excluded.lang,
		released_at = excluded.released_at,
		uri = excluded.uri,
		scryfall_uri = excluded.scryfall_uri,
		layout = excluded.layout,
		image_status = excluded.image_status,
		image_uris = excluded.image_uris,
		mana_cost = excluded.mana_cost,
		cmc = excluded.cmc,
		type_line = excluded.type_line,
		oracle_text = excluded.oracle_text,
		flavor_text = excluded.flavor_text,
		power = excluded.power,
		toughness = excluded.toughness,
		loyalty = excluded.loyalty,
		collector_number = excluded.collector_number,
		rarity = excluded.rarity,
		digital = excluded.digital,
		full_art = excluded.full_art,
		textless = excluded.textless,
		booster = excluded.booster,
		story_spotlight = excluded.story_spotlight,
		border_color = excluded.border_color,
		frame = excluded.frame,
		security_stamp = excluded.security_stamp,
		prices = excluded.prices,
		purchase_uris = excluded.purchase_uris,
		related_uris = excluded.related_uris,
		set_code = excluded.set_code,
		set_name = excluded.set_name,
		set_type = excluded.set_type,
		artist_id = excluded.artist_id,
		content_hash = excluded.content_hash
	`

	_, err = tx.ExecContext(ctx, query,
		c.ID,
		nullString(c.OracleID),
		c.Name,
		c.Lang,
		nullString(c.ReleasedAt),
		nullString(c.URI),
		nullString(c.ScryfallURI),
		nullString(c.Layout),
		nullString(c.ImageStatus),
		imageURIs,
		nullString(c.ManaCost),
		c.CMC,
		nullString(c.TypeLine),
		nullString(c.OracleText),
		nullString(c.FlavorText),
		nullString(c.Power),
		nullString(c.Toughness),
		nullString(c.Loyalty),
		nullString(c.CollectorNumber),
		nullString(c.Rarity),
		boolToInt(c.Digital),
		boolToInt(c.FullArt),
		boolToInt(c.Textless),
		boolToInt(c.Booster),
		boolToInt(c.StorySpotlight),
		nullString(c.BorderColor),
		nullString(c.Frame),
		nullString(c.SecurityStamp),
		prices,
		purchaseURIs,
		relatedURIs,
		nullString(c.SetCode),
		nullString(c.SetName),
		nullString(c.SetType),
		artistID,
		digest,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert card %s: %w", c.ID, err)
	}

	return nil
}

// replaceChildRows deletes and reinserts every child-row group for the
// card. Full replacement guarantees no stale rows survive when an
// attribute shrinks.
func replaceChildRows(ctx context.Context, tx *sql.Tx, c *schema.Card) error {
	childTables := []string{
		"card_colors", "card_color_identity", "card_keywords",
		"card_finishes", "card_multiverse_ids", "card_legalities",
	}
	for _, table := range childTables {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE card_id = ?", c.ID); err != nil {
			return fmt.Errorf("failed to clear %s for %s: %w", table, c.ID, err)
		}
	}

	if err := insertValues(ctx, tx, "card_colors", "color", c.ID, c.Colors); err != nil {
		return err
	}
	if err := insertValues(ctx, tx, "card_color_identity", "color", c.ID, c.ColorIdentity); err != nil {
		return err
	}
	if err := insertValues(ctx, tx, "card_keywords", "keyword", c.ID, c.Keywords); err != nil {
		return err
	}
	if err := insertValues(ctx, tx, "card_finishes", "finish", c.ID, c.Finishes); err != nil {
		return err
	}

	for _, id := range c.MultiverseIDs {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO card_multiverse_ids (card_id, multiverse_id) VALUES (?, ?)
		ON CONFLICT(card_id, multiverse_id) DO NOTHING
		`, c.ID, id); err != nil {
			return fmt.Errorf("failed to insert multiverse id for %s: %w", c.ID, err)
		}
	}

	for format, status := range c.Legalities {
		if _, err := tx.ExecContext(ctx, `
		INSERT INTO card_legalities (card_id, format, status) VALUES (?, ?, ?)
		ON CONFLICT(card_id, format) DO UPDATE SET status = excluded.status
		`, c.ID, format, status); err != nil {
			return fmt.Errorf("failed to insert legality for %s: %w", c.ID, err)
		}
	}

	return nil
}

// insertValues inserts one child row per value into a (card_id, value) table.
func insertValues(ctx context.Context, tx *sql.Tx, table, column, cardID string, values []string) error {
	for _, v := range values {
		query := fmt.Sprintf(
			"INSERT INTO %s (card_id, %s) VALUES (?, ?) ON CONFLICT(card_id, %s) DO NOTHING",
			table, column, column)
		if _, err := tx.ExecContext(ctx, query, cardID, v); err != nil {
			return fmt.Errorf("failed to insert into %s for %s: %w", table, cardID, err)
		}
	}
	return nil
}

// GetCard reconstructs a card from its stored row and child tables.
// Returns sql.ErrNoRows if the card is not found.
func (s *Store) GetCard(ctx context.Context, id string) (*schema.Card, error) {
	query := `
	SELECT c.id, c.oracle_id, c.name, c.lang, c.released_at, c.uri,
	       c.scryfall_uri, c.layout, c.image_status, c.image_uris,
	       c.mana_cost, c.cmc, c.type_line, c.oracle_text, c.flavor_text,
	       c.power, c.toughness, c.loyalty, c.collector_number, c.rarity,
	       c.digital, c.full_art, c.textless, c.booster, c.story_spotlight,
	       c.border_color, c.frame, c.security_stamp, c.prices,
	       c.purchase_uris, c.related_uris, c.set_code, c.set_name,
	       c.set_type, a.name, s.scryfall_uri, s.icon_svg_uri
	FROM cards c
	LEFT JOIN artists a ON a.id = c.artist_id
	LEFT JOIN sets s ON s.code = c.set_code
	WHERE c.id = ?
	`

	row := s.conn.QueryRowContext(ctx, query, id)

	var c schema.Card
	var oracleID, releasedAt, uri, scryfallURI, layout, imageStatus sql.NullString
	var manaCost, typeLine, oracleText, flavorText sql.NullString
	var power, toughness, loyalty, collectorNumber, rarity sql.NullString
	var borderColor, frame, securityStamp sql.NullString
	var setCode, setName, setType, artist, setScryfallURI, setIconURI sql.NullString
	var imageURIs, prices, purchaseURIs, relatedURIs sql.NullString
	var digital, fullArt, textless, booster, storySpotlight int

	err := row.Scan(
		&c.ID, &oracleID, &c.Name, &c.Lang, &releasedAt, &uri,
		&scryfallURI, &layout, &imageStatus, &imageURIs,
		&manaCost, &c.CMC, &typeLine, &oracleText, &flavorText,
		&power, &toughness, &loyalty, &collectorNumber, &rarity,
		&digital, &fullArt, &textless, &booster, &storySpotlight,
		&borderColor, &frame, &securityStamp, &prices,
		&purchaseURIs, &relatedURIs, &setCode, &setName,
		&setType, &artist, &setScryfallURI, &setIconURI,
	)
	if err != nil {
		return nil, err
	}

	c.OracleID = oracleID.String
	c.ReleasedAt = releasedAt.String
	c.URI = uri.String
	c.ScryfallURI = scryfallURI.String
	c.Layout = layout.String
	c.ImageStatus = imageStatus.String
	c.ManaCost = manaCost.String
	c.TypeLine = typeLine.String
	c.OracleText = oracleText.String
	c.FlavorText = flavorText.String
	c.Power = power.String
	c.Toughness = toughness.String
	c.Loyalty = loyalty.String
	c.CollectorNumber = collectorNumber.String
	c.Rarity = rarity.String
	c.BorderColor = borderColor.String
	c.Frame = frame.String
	c.SecurityStamp = securityStamp.String
	c.SetCode = setCode.String
	c.SetName = setName.String
	c.SetType = setType.String
	c.Artist = artist.String
	c.SetScryfallURI = setScryfallURI.String
	c.SetIconURI = setIconURI.String
	c.Digital = digital != 0
	c.FullArt = fullArt != 0
	c.Textless = textless != 0
	c.Booster = booster != 0
	c.StorySpotlight = storySpotlight != 0

	if c.ImageURIs, err = unmarshalJSONColumn(imageURIs); err != nil {
		return nil, fmt.Errorf("failed to parse image_uris for %s: %w", id, err)
	}
	if c.Prices, err = unmarshalJSONColumn(prices); err != nil {
		return nil, fmt.Errorf("failed to parse prices for %s: %w", id, err)
	}
	if c.PurchaseURIs, err = unmarshalJSONColumn(purchaseURIs); err != nil {
		return nil, fmt.Errorf("failed to parse purchase_uris for %s: %w", id, err)
	}
	if c.RelatedURIs, err = unmarshalJSONColumn(relatedURIs); err != nil {
		return nil, fmt.Errorf("failed to parse related_uris for %s: %w", id, err)
	}

	if err := s.loadChildRows(ctx, &c); err != nil {
		return nil, err
	}

	return &c, nil
}

// loadChildRows populates the card's multi-valued attributes.
func (s *Store) loadChildRows(ctx context.Context, c *schema.Card) error {
	var err error
	if c.Colors, err = s.childValues(ctx, "card_colors", "color", c.ID); err != nil {
		return err
	}
	if c.ColorIdentity, err = s.childValues(ctx, "card_color_identity", "color", c.ID); err != nil {
		return err
	}
	if c.Keywords, err = s.childValues(ctx, "card_keywords", "keyword", c.ID); err != nil {
		return err
	}
	if c.Finishes, err = s.childValues(ctx, "card_finishes", "finish", c.ID); err != nil {
		return err
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT multiverse_id FROM card_multiverse_ids WHERE card_id = ? ORDER BY multiverse_id`, c.ID)
	if err != nil {
		return fmt.Errorf("failed to query multiverse ids for %s: %w", c.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("failed to scan multiverse id: %w", err)
		}
		c.MultiverseIDs = append(c.MultiverseIDs, id)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating multiverse ids: %w", err)
	}

	legRows, err := s.conn.QueryContext(ctx,
		`SELECT format, status FROM card_legalities WHERE card_id = ?`, c.ID)
	if err != nil {
		return fmt.Errorf("failed to query legalities for %s: %w", c.ID, err)
	}
	defer legRows.Close()
	for legRows.Next() {
		var format, status string
		if err := legRows.Scan(&format, &status); err != nil {
			return fmt.Errorf("failed to scan legality: %w", err)
		}
		if c.Legalities == nil {
			c.Legalities = make(map[string]string)
		}
		c.Legalities[format] = status
	}
	if err := legRows.Err(); err != nil {
		return fmt.Errorf("error iterating legalities: %w", err)
	}

	return nil
}

// childValues reads all values of one (card_id, value) child table.
func (s *Store) childValues(ctx context.Context, table, column, cardID string) ([]string, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE card_id = ? ORDER BY %s", column, table, column)
	rows, err := s.conn.QueryContext(ctx, query, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s for %s: %w", table, cardID, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan %s value: %w", table, err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}

	return values, nil
}

// CardIDs returns every stored card ID in insertion-stable order.
func (s *Store) CardIDs(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT id FROM cards ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query card ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan card id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating card ids: %w", err)
	}

	return ids, nil
}

// marshalJSONColumn serializes a map for a JSON text column.
// Empty maps are stored as NULL.
func marshalJSONColumn(m map[string]string) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalJSONColumn parses a JSON text column back into a map.
func unmarshalJSONColumn(ns sql.NullString) (map[string]string, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// nullString converts an empty string to SQL NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// boolToInt converts a bool to the 0/1 SQLite representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
