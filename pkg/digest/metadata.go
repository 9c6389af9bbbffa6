package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strconv"

	"github.com/BookFusion/calibre-plugin/pkg/library"
)

// Metadata computes the metadata fingerprint used to decide whether a
// remote record is stale. Fields are hashed UTF-8-encoded in a fixed
// order, each present value framed as value||NUL; absent optional
// fields are skipped entirely rather than hashed as "". The order:
//
//	title, summary, language, isbn, issued_on (YYYY-MM-DD),
//	series (title then index, per series), authors, tags,
//	bookshelves, cover bytes.
//
// bookshelves come from a configurable custom field, so the caller
// resolves them; cover may be nil when the book has no cover.
func Metadata(snap *library.MetadataSnapshot, bookshelves []string, cover []byte) string {
	h := sha256.New()

	field(h, snap.Title)
	optional(h, snap.Summary)
	optional(h, snap.Language)
	optional(h, snap.ISBN)
	if snap.HasIssuedOn() {
		field(h, snap.IssuedOn.Format("2006-01-02"))
	}
	for _, s := range snap.Series {
		field(h, s.Title)
		if s.Index != nil {
			field(h, FormatSeriesIndex(*s.Index))
		}
	}
	for _, author := range snap.Authors {
		field(h, author)
	}
	for _, tag := range snap.Tags {
		field(h, tag)
	}
	for _, shelf := range bookshelves {
		field(h, shelf)
	}
	if len(cover) > 0 {
		h.Write(cover)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// FormatSeriesIndex renders a series position the way it is both hashed
// and sent on the wire: decimal with the shortest representation that
// round-trips ("1", not "1.0").
func FormatSeriesIndex(index float64) string {
	return strconv.FormatFloat(index, 'f', -1, 64)
}

func field(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

func optional(h hash.Hash, value string) {
	if value == "" {
		return
	}
	field(h, value)
}
