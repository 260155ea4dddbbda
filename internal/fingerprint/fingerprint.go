// Package fingerprint computes stable content digests for catalog records.
//
// The digest covers exactly the fields the store writes, so an unchanged
// digest means an upsert can be skipped. Two semantically identical
// records must hash identically even when the source reorders
// multi-valued attributes or reformats numbers, so every multi-valued
// field is sorted and floats are canonicalized before hashing.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/example/cardbinder/internal/schema"
)

// Card returns the hex-encoded SHA-256 digest of a card's writable fields.
//
// The function is pure: it performs no I/O and never fails. Empty and nil
// collections hash identically, and zero-valued scalars are omitted so a
// field absent from the source matches a field stored as its zero value.
func Card(c *schema.Card) string {
	fields := map[string]interface{}{}

	putString(fields, "id", c.ID)
	putString(fields, "oracle_id", c.OracleID)
	putString(fields, "name", c.Name)
	putString(fields, "lang", c.Lang)
	putString(fields, "released_at", c.ReleasedAt)
	putString(fields, "uri", c.URI)
	putString(fields, "scryfall_uri", c.ScryfallURI)
	putString(fields, "layout", c.Layout)
	putString(fields, "image_status", c.ImageStatus)
	putString(fields, "mana_cost", c.ManaCost)
	putString(fields, "type_line", c.TypeLine)
	putString(fields, "oracle_text", c.OracleText)
	putString(fields, "flavor_text", c.FlavorText)
	putString(fields, "power", c.Power)
	putString(fields, "toughness", c.Toughness)
	putString(fields, "loyalty", c.Loyalty)
	putString(fields, "collector_number", c.CollectorNumber)
	putString(fields, "rarity", c.Rarity)
	putString(fields, "border_color", c.BorderColor)
	putString(fields, "frame", c.Frame)
	putString(fields, "security_stamp", c.SecurityStamp)
	putString(fields, "set", c.SetCode)
	putString(fields, "set_name", c.SetName)
	putString(fields, "set_type", c.SetType)
	putString(fields, "scryfall_set_uri", c.SetScryfallURI)
	putString(fields, "icon_svg_uri", c.SetIconURI)
	putString(fields, "artist", c.Artist)

	// Canonical float formatting: 1.0 and 1 must hash the same.
	if c.CMC != 0 {
		fields["cmc"] = strconv.FormatFloat(c.CMC, 'g', -1, 64)
	}

	putBool(fields, "digital", c.Digital)
	putBool(fields, "full_art", c.FullArt)
	putBool(fields, "textless", c.Textless)
	putBool(fields, "booster", c.Booster)
	putBool(fields, "story_spotlight", c.StorySpotlight)

	putStrings(fields, "colors", c.Colors)
	putStrings(fields, "color_identity", c.ColorIdentity)
	putStrings(fields, "keywords", c.Keywords)
	putStrings(fields, "finishes", c.Finishes)

	if len(c.MultiverseIDs) > 0 {
		ids := make([]int64, len(c.MultiverseIDs))
		copy(ids, c.MultiverseIDs)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		fields["multiverse_ids"] = ids
	}

	putMap(fields, "legalities", c.Legalities)
	putMap(fields, "prices", c.Prices)
	putMap(fields, "image_uris", c.ImageURIs)
	putMap(fields, "purchase_uris", c.PurchaseURIs)
	putMap(fields, "related_uris", c.RelatedURIs)

	// json.Marshal emits map keys in sorted order, which makes the
	// serialized form canonical.
	data, err := json.Marshal(fields)
	if err != nil {
		// Only unmarshalable types reach this; the field map holds
		// strings, bools, and slices, so it cannot happen.
		panic("fingerprint: marshal failed: " + err.Error())
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func putString(fields map[string]interface{}, key, value string) {
	if value != "" {
		fields[key] = value
	}
}

func putBool(fields map[string]interface{}, key string, value bool) {
	if value {
		fields[key] = value
	}
}

func putStrings(fields map[string]interface{}, key string, values []string) {
	if len(values) == 0 {
		return
	}
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)
	fields[key] = sorted
}

func putMap(fields map[string]interface{}, key string, value map[string]string) {
	if len(value) > 0 {
		fields[key] = value
	}
}
