package syncer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/BookFusion/calibre-plugin/pkg/bookfusion"
	"github.com/BookFusion/calibre-plugin/pkg/digest"
	"github.com/BookFusion/calibre-plugin/pkg/errcodes"
	"github.com/BookFusion/calibre-plugin/pkg/library"
	"github.com/robinjoseph08/golib/logger"
)

// Catalog is the remote capability a task drives. *bookfusion.Client
// implements it; tests substitute fakes.
type Catalog interface {
	Limits(ctx context.Context) (*bookfusion.Limits, error)
	LookupByID(ctx context.Context, remoteID string) (*bookfusion.Record, error)
	LookupByISBN(ctx context.Context, isbn string) (*bookfusion.Record, error)
	LookupByDigest(ctx context.Context, digest string) (*bookfusion.Record, error)
	InitUpload(ctx context.Context, filename, digest string) (*bookfusion.UploadSession, error)
	Transfer(ctx context.Context, session *bookfusion.UploadSession, filePath string, progress func(sent, total int64)) error
	Finalize(ctx context.Context, session *bookfusion.UploadSession, digest string, metadata *bookfusion.Metadata) (*bookfusion.Record, error)
	Update(ctx context.Context, remoteID string, metadata *bookfusion.Metadata, filePath string, progress func(sent, total int64)) (*bookfusion.Record, error)
}

// task drives one book through check → (skip | update | upload) →
// terminal outcome. Per-book errors resolve the task; fatal errors are
// returned to the coordinator, which aborts the run.
type task struct {
	id      library.BookID
	view    library.View
	catalog Catalog

	updateMetadata   bool
	reupload         bool
	bookshelvesField string
	retryDelay       time.Duration

	emit func(Event)

	// Cached for the task's lifetime; computed at most once.
	contentDigest string
}

// run executes the task. A nil return means a terminal event was
// emitted (or the outcome was silently canceled); a non-nil return is a
// run-wide abort carrying the classified error.
func (t *task) run(ctx context.Context) error {
	log := logger.FromContext(ctx).Data(logger.Data{"book_id": t.id})

	file, err := library.ResolveFormatFile(ctx, t.view, t.id)
	if err != nil {
		return t.resolve(ctx, err, log)
	}

	snap, err := t.view.Metadata(ctx, t.id)
	if err != nil {
		return t.resolve(ctx, errcodes.Unexpected(err), log)
	}

	cover, err := t.readCover(ctx)
	if err != nil {
		return t.resolve(ctx, errcodes.Unexpected(err), log)
	}

	bookshelves := snap.Custom[t.bookshelvesField]

	record, err := t.check(ctx, snap, file)
	if err != nil {
		return t.resolve(ctx, err, log)
	}

	if record != nil && record.ID != "" {
		// Idempotent write-back; makes future runs skip the ISBN/digest
		// lookup paths.
		if err := t.view.WriteIdentifier(ctx, t.id, library.IdentifierKeyRemoteID, record.ID); err != nil {
			return t.resolve(ctx, errcodes.Unexpected(err), log)
		}
	}

	localDigest := digest.Metadata(snap, bookshelves, cover)

	if record != nil {
		if !t.reupload {
			if localDigest == record.MetadataDigest {
				log.Info("in sync, skipping", logger.Data{"metadata_digest": localDigest})
				t.emit(Skipped{BookID: t.id})
				return nil
			}
			if !t.updateMetadata {
				// Metadata updates are switched off; the file is already
				// there, so there is nothing to send.
				log.Info("metadata stale but updates disabled, skipping")
				t.emit(Skipped{BookID: t.id})
				return nil
			}
		}
		return t.update(ctx, record, snap, bookshelves, cover, file, log)
	}

	return t.upload(ctx, snap, bookshelves, cover, file, log)
}

// check resolves the lookup key by priority: stored remote id, then
// ISBN, then content digest. The digest is computed lazily since it
// reads the whole file.
func (t *task) check(ctx context.Context, snap *library.MetadataSnapshot, file *library.FormatFile) (*bookfusion.Record, error) {
	if remoteID := snap.Identifiers[library.IdentifierKeyRemoteID]; remoteID != "" {
		var record *bookfusion.Record
		err := retryStep(ctx, t.retryDelay, func() error {
			var err error
			record, err = t.catalog.LookupByID(ctx, remoteID)
			return err
		})
		if err != nil || record != nil {
			return record, err
		}
	}

	if snap.ISBN != "" {
		var record *bookfusion.Record
		err := retryStep(ctx, t.retryDelay, func() error {
			var err error
			record, err = t.catalog.LookupByISBN(ctx, snap.ISBN)
			return err
		})
		if err != nil || record != nil {
			return record, err
		}
	}

	contentDigest, err := t.fileDigest(file)
	if err != nil {
		return nil, errcodes.Unexpected(err)
	}

	var record *bookfusion.Record
	err = retryStep(ctx, t.retryDelay, func() error {
		var err error
		record, err = t.catalog.LookupByDigest(ctx, contentDigest)
		return err
	})
	return record, err
}

func (t *task) update(ctx context.Context, record *bookfusion.Record, snap *library.MetadataSnapshot, bookshelves []string, cover []byte, file *library.FormatFile, log logger.Logger) error {
	metadata := buildMetadata(snap, bookshelves, cover)

	filePath := ""
	if t.reupload {
		// Forced re-upload always carries the file bytes, even when the
		// metadata digest is unchanged.
		filePath = file.Path
	}

	var updated *bookfusion.Record
	err := retryStep(ctx, t.retryDelay, func() error {
		var err error
		updated, err = t.catalog.Update(ctx, record.ID, metadata, filePath, t.progress)
		return err
	})
	if err != nil {
		return t.resolve(ctx, err, log)
	}

	if updated != nil && updated.ID != "" && updated.ID != record.ID {
		if err := t.view.WriteIdentifier(ctx, t.id, library.IdentifierKeyRemoteID, updated.ID); err != nil {
			return t.resolve(ctx, errcodes.Unexpected(err), log)
		}
	}

	log.Info("updated", logger.Data{"remote_id": record.ID, "reupload": t.reupload})
	t.emit(Updated{BookID: t.id})
	return nil
}

func (t *task) upload(ctx context.Context, snap *library.MetadataSnapshot, bookshelves []string, cover []byte, file *library.FormatFile, log logger.Logger) error {
	contentDigest, err := t.fileDigest(file)
	if err != nil {
		return t.resolve(ctx, errcodes.Unexpected(err), log)
	}

	var session *bookfusion.UploadSession
	err = retryStep(ctx, t.retryDelay, func() error {
		var err error
		session, err = t.catalog.InitUpload(ctx, filepath.Base(file.Path), contentDigest)
		return err
	})
	if err != nil {
		return t.resolve(ctx, err, log)
	}

	err = retryStep(ctx, t.retryDelay, func() error {
		return t.catalog.Transfer(ctx, session, file.Path, t.progress)
	})
	if err != nil {
		return t.resolve(ctx, err, log)
	}

	metadata := buildMetadata(snap, bookshelves, cover)

	var record *bookfusion.Record
	err = retryStep(ctx, t.retryDelay, func() error {
		var err error
		record, err = t.catalog.Finalize(ctx, session, contentDigest, metadata)
		return err
	})
	if err != nil {
		return t.resolve(ctx, err, log)
	}

	// The remote id is persisted before the outcome is reported so a
	// crash between the two can't lose it.
	if record != nil && record.ID != "" {
		if err := t.view.WriteIdentifier(ctx, t.id, library.IdentifierKeyRemoteID, record.ID); err != nil {
			return t.resolve(ctx, errcodes.Unexpected(err), log)
		}
	}

	log.Info("uploaded", logger.Data{"digest": contentDigest})
	t.emit(Uploaded{BookID: t.id})
	return nil
}

// resolve turns a classified error into the task's outcome: per-book
// kinds emit Failed and consume the error, cancellation is silent, and
// everything else propagates to abort the run.
func (t *task) resolve(ctx context.Context, err error, log logger.Logger) error {
	switch errcodes.KindOf(err) {
	case errcodes.KindUnsupported, errcodes.KindTooLarge, errcodes.KindValidation:
		log.Warn("book failed", logger.Data{"reason": err.Error()})
		t.emit(Failed{BookID: t.id, Message: err.Error()})
		return nil
	case errcodes.KindCanceled:
		return errcodes.Canceled()
	default:
		if ctx.Err() != nil {
			return errcodes.Canceled()
		}
		log.Err(err).Error("book sync aborted run")
		return err
	}
}

// fileDigest computes the content digest at most once per task.
func (t *task) fileDigest(file *library.FormatFile) (string, error) {
	if t.contentDigest != "" {
		return t.contentDigest, nil
	}
	d, err := digest.Content(file.Path)
	if err != nil {
		return "", err
	}
	t.contentDigest = d
	return d, nil
}

func (t *task) readCover(ctx context.Context) ([]byte, error) {
	path, err := t.view.CoverPath(ctx, t.id)
	if err != nil || path == "" {
		return nil, err
	}
	cover, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// The database says there is a cover but the file is gone;
			// sync the book without one.
			return nil, nil
		}
		return nil, err
	}
	return cover, nil
}

func (t *task) progress(sent, total int64) {
	t.emit(UploadProgress{BookID: t.id, Sent: sent, Total: total})
}

// buildMetadata renders a snapshot into the wire shape. Formatting here
// must agree with digest.Metadata: same fields, same order, same
// absent-field omission.
func buildMetadata(snap *library.MetadataSnapshot, bookshelves []string, cover []byte) *bookfusion.Metadata {
	m := &bookfusion.Metadata{
		Title:       snap.Title,
		Summary:     snap.Summary,
		Language:    snap.Language,
		ISBN:        snap.ISBN,
		Authors:     snap.Authors,
		Tags:        snap.Tags,
		Bookshelves: bookshelves,
		Cover:       cover,
	}
	if snap.HasIssuedOn() {
		m.IssuedOn = snap.IssuedOn.Format("2006-01-02")
	}
	for _, s := range snap.Series {
		field := bookfusion.SeriesField{Title: s.Title}
		if s.Index != nil {
			field.Index = digest.FormatSeriesIndex(*s.Index)
		}
		m.Series = append(m.Series, field)
	}
	return m
}

