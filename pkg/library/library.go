package library

import (
	"context"
	"time"
)

// IdentifierKeyRemoteID is the reserved identifier key under which the
// BookFusion record id is stored once a book has been uploaded.
const IdentifierKeyRemoteID = "bookfusion"

// BookID identifies a book within the local library. IDs are owned by
// the library; the sync engine never mints them.
type BookID int64

// Series is one series membership. Index is nil when the library has no
// position for the book within the series.
type Series struct {
	Title string
	Index *float64
}

// MetadataSnapshot is the mutable metadata read once per task. Field
// order matters downstream: the metadata digest hashes these fields in
// a fixed order to detect remote staleness.
type MetadataSnapshot struct {
	Title       string
	Summary     string
	Authors     []string
	Tags        []string
	Language    string
	ISBN        string
	IssuedOn    time.Time
	Series      []Series
	Identifiers map[string]string
	// Custom holds multi-value custom fields keyed by label, e.g. the
	// configured bookshelves column.
	Custom map[string][]string
}

// HasIssuedOn reports whether the publication date is meaningful.
// Calibre stores an all-zero sentinel (0101-01-01) for unknown dates;
// that sentinel is treated as absent, same as a zero time.
func (m *MetadataSnapshot) HasIssuedOn() bool {
	return !m.IssuedOn.IsZero() && m.IssuedOn.Year() > 101
}

// View is the read-mostly capability the sync engine consumes. All
// implementations must be safe for concurrent reads; WriteIdentifier is
// only ever called for a book owned by a single worker.
type View interface {
	ListBookIDs(ctx context.Context) ([]BookID, error)
	Formats(ctx context.Context, id BookID) ([]string, error)
	FormatPath(ctx context.Context, id BookID, format string) (string, error)
	Metadata(ctx context.Context, id BookID) (*MetadataSnapshot, error)
	// CoverPath returns "" when the book has no cover.
	CoverPath(ctx context.Context, id BookID) (string, error)
	WriteIdentifier(ctx context.Context, id BookID, key, value string) error
}
