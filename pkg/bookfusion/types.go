package bookfusion

// Limits are the account quotas fetched before a run. Filesize and
// TotalBooks of 0 mean unlimited. Message, when present, must be shown
// to the user before truncating a run to TotalBooks.
type Limits struct {
	Filesize   int64  `json:"filesize"`
	TotalBooks int    `json:"total_books"`
	Message    string `json:"message"`
}

// Record is the remote side of a synced book.
type Record struct {
	ID             string `json:"id"`
	MetadataDigest string `json:"metadata_digest"`
}

// UploadSession is the transient state of a two-phase upload: a
// one-time destination issued by init-upload plus the form params the
// storage host expects. Params carry the key that finalize binds to a
// catalog record.
type UploadSession struct {
	URL    string            `json:"url"`
	Params map[string]string `json:"params"`
}

// Key returns the storage key finalize needs to bind the uploaded blob.
func (s *UploadSession) Key() string {
	return s.Params["key"]
}

// SeriesField is one series membership as sent on the wire. Index is
// empty when the library has no position.
type SeriesField struct {
	Title string
	Index string
}

// Metadata is the full mutable metadata of a book as the service
// accepts it. IssuedOn is pre-formatted (YYYY-MM-DD) or empty; Cover is
// the raw image bytes or nil.
type Metadata struct {
	Title       string
	Summary     string
	Language    string
	ISBN        string
	IssuedOn    string
	Series      []SeriesField
	Authors     []string
	Tags        []string
	Bookshelves []string
	Cover       []byte
}
