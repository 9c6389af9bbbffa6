package syncer

import (
	"context"
	"testing"

	"github.com/BookFusion/calibre-plugin/pkg/bookfusion"
	"github.com/BookFusion/calibre-plugin/pkg/digest"
	"github.com/BookFusion/calibre-plugin/pkg/errcodes"
	"github.com/BookFusion/calibre-plugin/pkg/library"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(view *fakeView, catalog *fakeCatalog, col *collector, id library.BookID) *task {
	return &task{
		id:             id,
		view:           view,
		catalog:        catalog,
		updateMetadata: true,
		emit:           col.Emit,
	}
}

func testSnapshot(isbn string) *library.MetadataSnapshot {
	return &library.MetadataSnapshot{
		Title:       "Dune",
		Authors:     []string{"Frank Herbert"},
		ISBN:        isbn,
		Identifiers: map[string]string{},
	}
}

func TestTaskSkipsWhenRemoteIsCurrent(t *testing.T) {
	t.Parallel()

	view := newFakeView()
	snap := testSnapshot("9780441172719")
	snap.Identifiers["isbn"] = snap.ISBN
	view.addBook(t, 1, snap)

	catalog := newFakeCatalog()
	catalog.lookupByISBNFn = func(string) (*bookfusion.Record, error) {
		return &bookfusion.Record{ID: "remote-1", MetadataDigest: digest.Metadata(snap, nil, nil)}, nil
	}

	col := &collector{}
	require.NoError(t, newTestTask(view, catalog, col, 1).run(context.Background()))

	assert.Equal(t, map[library.BookID]string{1: "skipped"}, col.outcomes())
	assert.Equal(t, 0, catalog.writeCalls(), "a current remote copy must cause zero write calls")
	assert.Equal(t, "remote-1", view.writtenIdentifier(1, library.IdentifierKeyRemoteID))
}

func TestTaskUpdatesWhenDigestDiffers(t *testing.T) {
	t.Parallel()

	view := newFakeView()
	snap := testSnapshot("9780441172719")
	snap.Identifiers["isbn"] = snap.ISBN
	view.addBook(t, 1, snap)

	catalog := newFakeCatalog()
	catalog.lookupByISBNFn = func(string) (*bookfusion.Record, error) {
		return &bookfusion.Record{ID: "remote-1", MetadataDigest: "stale"}, nil
	}

	col := &collector{}
	require.NoError(t, newTestTask(view, catalog, col, 1).run(context.Background()))

	assert.Equal(t, map[library.BookID]string{1: "updated"}, col.outcomes())
	require.Len(t, catalog.updates, 1)
	assert.Equal(t, "remote-1", catalog.updates[0].remoteID)
	assert.Empty(t, catalog.updates[0].filePath, "metadata-only update must not carry the file")
	assert.Equal(t, "Dune", catalog.updates[0].metadata.Title)
	assert.Equal(t, "remote-1", view.writtenIdentifier(1, library.IdentifierKeyRemoteID))
}

func TestTaskSkipsStaleMetadataWhenUpdatesDisabled(t *testing.T) {
	t.Parallel()

	view := newFakeView()
	snap := testSnapshot("9780441172719")
	snap.Identifiers["isbn"] = snap.ISBN
	view.addBook(t, 1, snap)

	catalog := newFakeCatalog()
	catalog.lookupByISBNFn = func(string) (*bookfusion.Record, error) {
		return &bookfusion.Record{ID: "remote-1", MetadataDigest: "stale"}, nil
	}

	col := &collector{}
	task := newTestTask(view, catalog, col, 1)
	task.updateMetadata = false
	require.NoError(t, task.run(context.Background()))

	assert.Equal(t, map[library.BookID]string{1: "skipped"}, col.outcomes())
	assert.Equal(t, 0, catalog.writeCalls())
}

func TestTaskUploadsWhenNotFound(t *testing.T) {
	t.Parallel()

	view := newFakeView()
	snap := testSnapshot("")
	path := view.addBook(t, 1, snap)

	catalog := newFakeCatalog()
	col := &collector{}
	require.NoError(t, newTestTask(view, catalog, col, 1).run(context.Background()))

	assert.Equal(t, map[library.BookID]string{1: "uploaded"}, col.outcomes())
	assert.Equal(t, 1, catalog.count("init"))
	assert.Equal(t, []string{path}, catalog.transfers)
	require.Len(t, catalog.finalizes, 1)

	want, err := digest.Content(path)
	require.NoError(t, err)
	assert.Equal(t, want, catalog.finalizes[0].digest)
	assert.Equal(t, "uploads/abc", catalog.finalizes[0].key)
	assert.Equal(t, "Dune", catalog.finalizes[0].metadata.Title)

	// The remote id is persisted from the finalize response.
	assert.Equal(t, "remote-new", view.writtenIdentifier(1, library.IdentifierKeyRemoteID))

	// Upload progress was surfaced.
	var progressed bool
	for _, ev := range col.all() {
		if _, ok := ev.(UploadProgress); ok {
			progressed = true
		}
	}
	assert.True(t, progressed)
}

func TestTaskForcedReuploadAttachesFile(t *testing.T) {
	t.Parallel()

	view := newFakeView()
	snap := testSnapshot("9780441172719")
	snap.Identifiers["isbn"] = snap.ISBN
	path := view.addBook(t, 1, snap)

	catalog := newFakeCatalog()
	// Remote copy is fully current; a forced run must still update.
	catalog.lookupByISBNFn = func(string) (*bookfusion.Record, error) {
		return &bookfusion.Record{ID: "remote-1", MetadataDigest: digest.Metadata(snap, nil, nil)}, nil
	}

	col := &collector{}
	task := newTestTask(view, catalog, col, 1)
	task.reupload = true
	require.NoError(t, task.run(context.Background()))

	assert.Equal(t, map[library.BookID]string{1: "updated"}, col.outcomes())
	require.Len(t, catalog.updates, 1)
	assert.Equal(t, path, catalog.updates[0].filePath, "forced reupload must carry the file bytes")
}

func TestTaskLookupPriority(t *testing.T) {
	t.Parallel()

	t.Run("stored remote id wins", func(t *testing.T) {
		t.Parallel()

		view := newFakeView()
		snap := testSnapshot("9780441172719")
		snap.Identifiers["isbn"] = snap.ISBN
		snap.Identifiers[library.IdentifierKeyRemoteID] = "remote-1"
		view.addBook(t, 1, snap)

		catalog := newFakeCatalog()
		catalog.lookupByIDFn = func(remoteID string) (*bookfusion.Record, error) {
			return &bookfusion.Record{ID: remoteID, MetadataDigest: digest.Metadata(snap, nil, nil)}, nil
		}

		col := &collector{}
		require.NoError(t, newTestTask(view, catalog, col, 1).run(context.Background()))

		assert.Equal(t, 1, catalog.count("lookup_id"))
		assert.Equal(t, 0, catalog.count("lookup_isbn"))
		assert.Equal(t, 0, catalog.count("lookup_digest"))
	})

	t.Run("falls through id, isbn, digest", func(t *testing.T) {
		t.Parallel()

		view := newFakeView()
		snap := testSnapshot("9780441172719")
		snap.Identifiers["isbn"] = snap.ISBN
		snap.Identifiers[library.IdentifierKeyRemoteID] = "gone"
		view.addBook(t, 1, snap)

		catalog := newFakeCatalog()
		col := &collector{}
		require.NoError(t, newTestTask(view, catalog, col, 1).run(context.Background()))

		assert.Equal(t, 1, catalog.count("lookup_id"))
		assert.Equal(t, 1, catalog.count("lookup_isbn"))
		assert.Equal(t, 1, catalog.count("lookup_digest"))
		assert.Equal(t, map[library.BookID]string{1: "uploaded"}, col.outcomes())
	})
}

func TestTaskRetriesTransientExactlyThreeTimes(t *testing.T) {
	t.Parallel()

	view := newFakeView()
	view.addBook(t, 1, testSnapshot(""))

	catalog := newFakeCatalog()
	catalog.lookupByDigestFn = func(string) (*bookfusion.Record, error) {
		return nil, transientErr()
	}

	col := &collector{}
	err := newTestTask(view, catalog, col, 1).run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcodes.KindTransient, errcodes.KindOf(err))
	assert.Equal(t, 3, catalog.count("lookup_digest"), "a persistently failing step must be attempted exactly 3 times")
	assert.Empty(t, col.outcomes(), "an aborting task emits no terminal outcome")
}

func TestTaskRecoversWithinRetryBudget(t *testing.T) {
	t.Parallel()

	view := newFakeView()
	view.addBook(t, 1, testSnapshot(""))

	catalog := newFakeCatalog()
	failures := 2
	catalog.initUploadFn = func() (*bookfusion.UploadSession, error) {
		if failures > 0 {
			failures--
			return nil, transientErr()
		}
		return &bookfusion.UploadSession{URL: "u", Params: map[string]string{"key": "k"}}, nil
	}

	col := &collector{}
	require.NoError(t, newTestTask(view, catalog, col, 1).run(context.Background()))

	assert.Equal(t, 3, catalog.count("init"))
	assert.Equal(t, map[library.BookID]string{1: "uploaded"}, col.outcomes())
}

func TestTaskValidationErrorFailsBookOnly(t *testing.T) {
	t.Parallel()

	view := newFakeView()
	view.addBook(t, 1, testSnapshot(""))

	catalog := newFakeCatalog()
	catalog.finalizeFn = func() (*bookfusion.Record, error) {
		return nil, errcodes.ValidationError("title can't be blank")
	}

	col := &collector{}
	require.NoError(t, newTestTask(view, catalog, col, 1).run(context.Background()))

	assert.Equal(t, 1, catalog.count("finalize"), "validation errors are not retried")
	events := col.all()
	require.NotEmpty(t, events)
	failed, ok := events[len(events)-1].(Failed)
	require.True(t, ok)
	assert.Equal(t, "title can't be blank", failed.Message)
}

func TestTaskAuthErrorPropagates(t *testing.T) {
	t.Parallel()

	view := newFakeView()
	snap := testSnapshot("9780441172719")
	snap.Identifiers["isbn"] = snap.ISBN
	view.addBook(t, 1, snap)

	catalog := newFakeCatalog()
	catalog.lookupByISBNFn = func(string) (*bookfusion.Record, error) {
		return nil, errcodes.AuthenticationError()
	}

	col := &collector{}
	err := newTestTask(view, catalog, col, 1).run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcodes.KindAuthentication, errcodes.KindOf(err))
	assert.Equal(t, 1, catalog.count("lookup_isbn"), "auth errors are not retried")
}

func TestTaskUnsupportedFormatFailsWithoutNetwork(t *testing.T) {
	t.Parallel()

	view := newFakeView()
	view.addUnsupportedBook(1)

	catalog := newFakeCatalog()
	col := &collector{}
	require.NoError(t, newTestTask(view, catalog, col, 1).run(context.Background()))

	events := col.all()
	require.Len(t, events, 1)
	failed, ok := events[0].(Failed)
	require.True(t, ok)
	assert.Equal(t, "unsupported format", failed.Message)
	assert.Equal(t, 0, catalog.count("lookup_id")+catalog.count("lookup_isbn")+catalog.count("lookup_digest")+catalog.writeCalls())
}

func TestTaskCanceledIsSilent(t *testing.T) {
	t.Parallel()

	view := newFakeView()
	snap := testSnapshot("9780441172719")
	snap.Identifiers["isbn"] = snap.ISBN
	view.addBook(t, 1, snap)

	ctx, cancel := context.WithCancel(context.Background())
	catalog := newFakeCatalog()
	catalog.lookupByISBNFn = func(string) (*bookfusion.Record, error) {
		cancel()
		return nil, errcodes.Canceled()
	}

	col := &collector{}
	err := newTestTask(view, catalog, col, 1).run(ctx)
	require.Error(t, err)
	assert.True(t, errcodes.IsCanceled(err))
	assert.Empty(t, col.all(), "cancellation suppresses event emission")
}
