package calibre

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/BookFusion/calibre-plugin/pkg/library"
	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

// View reads book metadata out of a Calibre library. It is read-mostly
// and safe for concurrent use; the only write is WriteIdentifier, which
// the sync engine calls for at most one worker per book.
type View struct {
	db          *bun.DB
	libraryPath string
}

var _ library.View = (*View)(nil)

func NewView(db *bun.DB, libraryPath string) *View {
	return &View{db: db, libraryPath: libraryPath}
}

func (v *View) ListBookIDs(ctx context.Context) ([]library.BookID, error) {
	var ids []library.BookID
	err := withBusyRetry(ctx, func() error {
		ids = ids[:0]
		return v.db.NewRaw("SELECT id FROM books ORDER BY id").Scan(ctx, &ids)
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ids, nil
}

// Formats lists the format tags available for a book, in Calibre's
// storage order.
func (v *View) Formats(ctx context.Context, id library.BookID) ([]string, error) {
	var formats []string
	err := withBusyRetry(ctx, func() error {
		formats = formats[:0]
		return v.db.NewRaw("SELECT format FROM data WHERE book = ? ORDER BY id", int64(id)).Scan(ctx, &formats)
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return formats, nil
}

// FormatPath resolves the on-disk path of a book's file for a format:
// <library>/<book path>/<name>.<ext>.
func (v *View) FormatPath(ctx context.Context, id library.BookID, format string) (string, error) {
	var row struct {
		Path string
		Name string
	}
	err := withBusyRetry(ctx, func() error {
		return v.db.NewRaw(
			"SELECT b.path AS path, d.name AS name FROM books b JOIN data d ON d.book = b.id WHERE b.id = ? AND d.format = ?",
			int64(id), format,
		).Scan(ctx, &row)
	})
	if err != nil {
		return "", errors.WithStack(err)
	}
	filename := row.Name + "." + strings.ToLower(format)
	return filepath.Join(v.libraryPath, filepath.FromSlash(row.Path), filename), nil
}

func (v *View) Metadata(ctx context.Context, id library.BookID) (*library.MetadataSnapshot, error) {
	var book struct {
		Title       string
		Pubdate     sql.NullString
		SeriesIndex float64 `bun:"series_index"`
	}
	err := withBusyRetry(ctx, func() error {
		return v.db.NewRaw(
			"SELECT title, pubdate, series_index FROM books WHERE id = ?", int64(id),
		).Scan(ctx, &book)
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	snap := &library.MetadataSnapshot{
		Title:       book.Title,
		Identifiers: map[string]string{},
		Custom:      map[string][]string{},
	}
	if book.Pubdate.Valid {
		snap.IssuedOn = parseCalibreTime(book.Pubdate.String)
	}

	if err := withBusyRetry(ctx, func() error {
		var summary sql.NullString
		err := v.db.NewRaw("SELECT text FROM comments WHERE book = ?", int64(id)).Scan(ctx, &summary)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		snap.Summary = summary.String
		return nil
	}); err != nil {
		return nil, errors.WithStack(err)
	}

	if err := withBusyRetry(ctx, func() error {
		snap.Authors = snap.Authors[:0]
		return v.db.NewRaw(
			"SELECT a.name FROM books_authors_link l JOIN authors a ON a.id = l.author WHERE l.book = ? ORDER BY l.id",
			int64(id),
		).Scan(ctx, &snap.Authors)
	}); err != nil {
		return nil, errors.WithStack(err)
	}

	if err := withBusyRetry(ctx, func() error {
		snap.Tags = snap.Tags[:0]
		return v.db.NewRaw(
			"SELECT t.name FROM books_tags_link l JOIN tags t ON t.id = l.tag WHERE l.book = ? ORDER BY t.name",
			int64(id),
		).Scan(ctx, &snap.Tags)
	}); err != nil {
		return nil, errors.WithStack(err)
	}

	if err := withBusyRetry(ctx, func() error {
		var codes []string
		err := v.db.NewRaw(
			"SELECT lc.lang_code FROM books_languages_link l JOIN languages lc ON lc.id = l.lang_code WHERE l.book = ? ORDER BY l.item_order",
			int64(id),
		).Scan(ctx, &codes)
		if err != nil {
			return err
		}
		if len(codes) > 0 {
			snap.Language = codes[0]
		}
		return nil
	}); err != nil {
		return nil, errors.WithStack(err)
	}

	if err := withBusyRetry(ctx, func() error {
		var rows []struct {
			Type string
			Val  string
		}
		err := v.db.NewRaw("SELECT type, val FROM identifiers WHERE book = ?", int64(id)).Scan(ctx, &rows)
		if err != nil {
			return err
		}
		for _, row := range rows {
			snap.Identifiers[row.Type] = row.Val
		}
		return nil
	}); err != nil {
		return nil, errors.WithStack(err)
	}
	snap.ISBN = snap.Identifiers["isbn"]

	if err := withBusyRetry(ctx, func() error {
		var names []string
		err := v.db.NewRaw(
			"SELECT s.name FROM books_series_link l JOIN series s ON s.id = l.series WHERE l.book = ? ORDER BY l.id",
			int64(id),
		).Scan(ctx, &names)
		if err != nil {
			return err
		}
		snap.Series = snap.Series[:0]
		for _, name := range names {
			index := book.SeriesIndex
			snap.Series = append(snap.Series, library.Series{Title: name, Index: &index})
		}
		return nil
	}); err != nil {
		return nil, errors.WithStack(err)
	}

	if err := v.loadCustomColumns(ctx, id, snap); err != nil {
		return nil, err
	}

	return snap, nil
}

// loadCustomColumns reads the text-typed custom columns (normal and
// multiple) into the snapshot. These back the configurable bookshelves
// field.
func (v *View) loadCustomColumns(ctx context.Context, id library.BookID, snap *library.MetadataSnapshot) error {
	var columns []struct {
		ID         int64
		Label      string
		Datatype   string
		Normalized bool
	}
	if err := withBusyRetry(ctx, func() error {
		columns = columns[:0]
		return v.db.NewRaw(
			"SELECT id, label, datatype, normalized FROM custom_columns WHERE datatype IN ('text', 'enumeration')",
		).Scan(ctx, &columns)
	}); err != nil {
		// Old libraries may predate custom columns entirely.
		if strings.Contains(err.Error(), "no such table") {
			return nil
		}
		return errors.WithStack(err)
	}

	for _, col := range columns {
		var query string
		if col.Normalized {
			query = fmt.Sprintf(
				"SELECT c.value FROM books_custom_column_%d_link l JOIN custom_column_%d c ON c.id = l.value WHERE l.book = ? ORDER BY c.value",
				col.ID, col.ID,
			)
		} else {
			query = fmt.Sprintf("SELECT value FROM custom_column_%d WHERE book = ?", col.ID)
		}

		var values []string
		if err := withBusyRetry(ctx, func() error {
			values = values[:0]
			return v.db.NewRaw(query, int64(id)).Scan(ctx, &values)
		}); err != nil {
			return errors.WithStack(err)
		}
		if len(values) > 0 {
			snap.Custom[col.Label] = values
		}
	}

	return nil
}

// CoverPath returns the cover.jpg path when the book has one.
func (v *View) CoverPath(ctx context.Context, id library.BookID) (string, error) {
	var row struct {
		Path     string
		HasCover bool `bun:"has_cover"`
	}
	err := withBusyRetry(ctx, func() error {
		return v.db.NewRaw("SELECT path, has_cover FROM books WHERE id = ?", int64(id)).Scan(ctx, &row)
	})
	if err != nil {
		return "", errors.WithStack(err)
	}
	if !row.HasCover {
		return "", nil
	}
	return filepath.Join(v.libraryPath, filepath.FromSlash(row.Path), "cover.jpg"), nil
}

// WriteIdentifier upserts one identifier row. Used to persist the
// remote record id under the reserved key; repeating the write with the
// same value is harmless.
func (v *View) WriteIdentifier(ctx context.Context, id library.BookID, key, value string) error {
	return withBusyRetry(ctx, func() error {
		res, err := v.db.ExecContext(ctx,
			"UPDATE identifiers SET val = ? WHERE book = ? AND type = ?",
			value, int64(id), key,
		)
		if err != nil {
			return errors.WithStack(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errors.WithStack(err)
		}
		if affected > 0 {
			return nil
		}
		_, err = v.db.ExecContext(ctx,
			"INSERT INTO identifiers (book, type, val) VALUES (?, ?, ?)",
			int64(id), key, value,
		)
		return errors.WithStack(err)
	})
}

var calibreTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05-07:00",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseCalibreTime(value string) time.Time {
	for _, layout := range calibreTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
