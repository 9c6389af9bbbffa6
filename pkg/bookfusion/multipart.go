package bookfusion

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
)

// The metadata[...] field names below are the wire contract the service
// parses. They must not be renamed.
const (
	fieldTitle       = "metadata[title]"
	fieldSummary     = "metadata[summary]"
	fieldLanguage    = "metadata[language]"
	fieldISBN        = "metadata[isbn]"
	fieldIssuedOn    = "metadata[issued_on]"
	fieldSeriesTitle = "metadata[series][][title]"
	fieldSeriesIndex = "metadata[series][][index]"
	fieldAuthor      = "metadata[author_list][]"
	fieldTag         = "metadata[tag_list][]"
	fieldBookshelf   = "metadata[bookshelves][]"
	fieldCover       = "metadata[cover]"
	fieldFile        = "file"
)

// writeMetadata writes the metadata fields of a finalize/update request.
// Absent optional fields are omitted rather than sent empty, mirroring
// how the metadata digest is computed.
func writeMetadata(w *multipart.Writer, m *Metadata) error {
	if err := w.WriteField(fieldTitle, m.Title); err != nil {
		return errors.WithStack(err)
	}
	if err := writeOptionalField(w, fieldSummary, m.Summary); err != nil {
		return err
	}
	if err := writeOptionalField(w, fieldLanguage, m.Language); err != nil {
		return err
	}
	if err := writeOptionalField(w, fieldISBN, m.ISBN); err != nil {
		return err
	}
	if err := writeOptionalField(w, fieldIssuedOn, m.IssuedOn); err != nil {
		return err
	}
	for _, s := range m.Series {
		if err := w.WriteField(fieldSeriesTitle, s.Title); err != nil {
			return errors.WithStack(err)
		}
		if err := writeOptionalField(w, fieldSeriesIndex, s.Index); err != nil {
			return err
		}
	}
	for _, author := range m.Authors {
		if err := w.WriteField(fieldAuthor, author); err != nil {
			return errors.WithStack(err)
		}
	}
	for _, tag := range m.Tags {
		if err := w.WriteField(fieldTag, tag); err != nil {
			return errors.WithStack(err)
		}
	}
	for _, shelf := range m.Bookshelves {
		if err := w.WriteField(fieldBookshelf, shelf); err != nil {
			return errors.WithStack(err)
		}
	}
	if len(m.Cover) > 0 {
		if err := writeCover(w, m.Cover); err != nil {
			return err
		}
	}
	return nil
}

func writeOptionalField(w *multipart.Writer, name, value string) error {
	if value == "" {
		return nil
	}
	return errors.WithStack(w.WriteField(name, value))
}

// writeCover attaches the cover bytes with a detected content type so
// the service can store the image without sniffing it again.
func writeCover(w *multipart.Writer, cover []byte) error {
	mtype := mimetype.Detect(cover)
	filename := "cover" + mtype.Extension()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, fieldCover, filename))
	h.Set("Content-Type", mtype.String())

	part, err := w.CreatePart(h)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = part.Write(cover)
	return errors.WithStack(err)
}

// writeFile streams the book file into the form. The progress callback
// sees cumulative file bytes written against the file's total size.
func writeFile(w *multipart.Writer, fieldName, path string, progress func(sent, total int64)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return errors.WithStack(err)
	}

	part, err := w.CreateFormFile(fieldName, filepath.Base(path))
	if err != nil {
		return errors.WithStack(err)
	}

	var src io.Reader = f
	if progress != nil {
		src = &progressReader{r: f, total: info.Size(), progress: progress}
	}
	_, err = io.Copy(part, src)
	return errors.WithStack(err)
}

type progressReader struct {
	r        io.Reader
	sent     int64
	total    int64
	progress func(sent, total int64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.sent += int64(n)
		pr.progress(pr.sent, pr.total)
	}
	return n, err
}
