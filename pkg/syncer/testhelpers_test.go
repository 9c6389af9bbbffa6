package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/BookFusion/calibre-plugin/pkg/bookfusion"
	"github.com/BookFusion/calibre-plugin/pkg/errcodes"
	"github.com/BookFusion/calibre-plugin/pkg/library"
	"github.com/stretchr/testify/require"
)

// fakeBook is one book's local state inside a fakeView.
type fakeBook struct {
	formats   []string
	paths     map[string]string
	snap      *library.MetadataSnapshot
	coverPath string
}

type fakeView struct {
	mu      sync.Mutex
	books   map[library.BookID]*fakeBook
	written map[library.BookID]map[string]string
}

func newFakeView() *fakeView {
	return &fakeView{
		books:   map[library.BookID]*fakeBook{},
		written: map[library.BookID]map[string]string{},
	}
}

// addBook registers a supported book backed by a real temp file.
func (v *fakeView) addBook(t *testing.T, id library.BookID, snap *library.MetadataSnapshot) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "book.epub")
	require.NoError(t, os.WriteFile(path, []byte("content of book "+snap.Title), 0644))
	v.books[id] = &fakeBook{
		formats: []string{"EPUB"},
		paths:   map[string]string{"EPUB": path},
		snap:    snap,
	}
	return path
}

// addUnsupportedBook registers a book with no eligible format.
func (v *fakeView) addUnsupportedBook(id library.BookID) {
	v.books[id] = &fakeBook{
		formats: []string{"XYZ"},
		paths:   map[string]string{},
		snap:    &library.MetadataSnapshot{Title: "unsupported"},
	}
}

func (v *fakeView) ListBookIDs(context.Context) ([]library.BookID, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]library.BookID, 0, len(v.books))
	for id := range v.books {
		ids = append(ids, id)
	}
	return ids, nil
}

func (v *fakeView) Formats(_ context.Context, id library.BookID) ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.books[id].formats, nil
}

func (v *fakeView) FormatPath(_ context.Context, id library.BookID, format string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.books[id].paths[format], nil
}

func (v *fakeView) Metadata(_ context.Context, id library.BookID) (*library.MetadataSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.books[id].snap, nil
}

func (v *fakeView) CoverPath(_ context.Context, id library.BookID) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.books[id].coverPath, nil
}

func (v *fakeView) WriteIdentifier(_ context.Context, id library.BookID, key, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.written[id] == nil {
		v.written[id] = map[string]string{}
	}
	v.written[id][key] = value
	return nil
}

func (v *fakeView) writtenIdentifier(id library.BookID, key string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.written[id][key]
}

type updateCall struct {
	remoteID string
	metadata *bookfusion.Metadata
	filePath string
}

type finalizeCall struct {
	key      string
	digest   string
	metadata *bookfusion.Metadata
}

// fakeCatalog scripts remote behavior via optional function fields and
// records every call for assertions. Zero value behavior: unlimited
// quotas, nothing found, uploads succeed.
type fakeCatalog struct {
	mu    sync.Mutex
	calls map[string]int

	limitsFn         func() (*bookfusion.Limits, error)
	lookupByIDFn     func(remoteID string) (*bookfusion.Record, error)
	lookupByISBNFn   func(isbn string) (*bookfusion.Record, error)
	lookupByDigestFn func(digest string) (*bookfusion.Record, error)
	initUploadFn     func() (*bookfusion.UploadSession, error)
	transferFn       func() error
	finalizeFn       func() (*bookfusion.Record, error)
	updateFn         func() (*bookfusion.Record, error)

	transfers []string
	updates   []updateCall
	finalizes []finalizeCall
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{calls: map[string]int{}}
}

func (c *fakeCatalog) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

func (c *fakeCatalog) record(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[name]++
}

func (c *fakeCatalog) writeCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls["init"] + c.calls["transfer"] + c.calls["finalize"] + c.calls["update"]
}

func (c *fakeCatalog) Limits(context.Context) (*bookfusion.Limits, error) {
	c.record("limits")
	if c.limitsFn != nil {
		return c.limitsFn()
	}
	return &bookfusion.Limits{}, nil
}

func (c *fakeCatalog) LookupByID(_ context.Context, remoteID string) (*bookfusion.Record, error) {
	c.record("lookup_id")
	if c.lookupByIDFn != nil {
		return c.lookupByIDFn(remoteID)
	}
	return nil, nil
}

func (c *fakeCatalog) LookupByISBN(_ context.Context, isbn string) (*bookfusion.Record, error) {
	c.record("lookup_isbn")
	if c.lookupByISBNFn != nil {
		return c.lookupByISBNFn(isbn)
	}
	return nil, nil
}

func (c *fakeCatalog) LookupByDigest(_ context.Context, digest string) (*bookfusion.Record, error) {
	c.record("lookup_digest")
	if c.lookupByDigestFn != nil {
		return c.lookupByDigestFn(digest)
	}
	return nil, nil
}

func (c *fakeCatalog) InitUpload(_ context.Context, _, _ string) (*bookfusion.UploadSession, error) {
	c.record("init")
	if c.initUploadFn != nil {
		return c.initUploadFn()
	}
	return &bookfusion.UploadSession{
		URL:    "https://storage.example.com/upload",
		Params: map[string]string{"key": "uploads/abc"},
	}, nil
}

func (c *fakeCatalog) Transfer(_ context.Context, _ *bookfusion.UploadSession, filePath string, progress func(sent, total int64)) error {
	c.record("transfer")
	if progress != nil {
		progress(10, 20)
		progress(20, 20)
	}
	c.mu.Lock()
	c.transfers = append(c.transfers, filePath)
	c.mu.Unlock()
	if c.transferFn != nil {
		return c.transferFn()
	}
	return nil
}

func (c *fakeCatalog) Finalize(_ context.Context, session *bookfusion.UploadSession, digest string, metadata *bookfusion.Metadata) (*bookfusion.Record, error) {
	c.record("finalize")
	c.mu.Lock()
	c.finalizes = append(c.finalizes, finalizeCall{key: session.Key(), digest: digest, metadata: metadata})
	c.mu.Unlock()
	if c.finalizeFn != nil {
		return c.finalizeFn()
	}
	return &bookfusion.Record{ID: "remote-new"}, nil
}

func (c *fakeCatalog) Update(_ context.Context, remoteID string, metadata *bookfusion.Metadata, filePath string, _ func(sent, total int64)) (*bookfusion.Record, error) {
	c.record("update")
	c.mu.Lock()
	c.updates = append(c.updates, updateCall{remoteID: remoteID, metadata: metadata, filePath: filePath})
	c.mu.Unlock()
	if c.updateFn != nil {
		return c.updateFn()
	}
	return nil, nil
}

// collector gathers emitted events for assertions.
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) Emit(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collector) all() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) outcomes() map[library.BookID]string {
	out := map[library.BookID]string{}
	for _, ev := range c.all() {
		switch e := ev.(type) {
		case Uploaded:
			out[e.BookID] = "uploaded"
		case Updated:
			out[e.BookID] = "updated"
		case Skipped:
			out[e.BookID] = "skipped"
		case Failed:
			out[e.BookID] = "failed"
		}
	}
	return out
}

func (c *collector) abortMessages() []string {
	var out []string
	for _, ev := range c.all() {
		if a, ok := ev.(Aborted); ok {
			out = append(out, a.Message)
		}
	}
	return out
}

// transientErr is what the client produces for retryable transport
// failures.
func transientErr() error {
	return errcodes.TransientNetwork(errors.New("connection refused"))
}
