package library

import (
	"context"

	"github.com/BookFusion/calibre-plugin/pkg/errcodes"
)

// SupportedFormats is the allow-list of formats the service accepts.
var SupportedFormats = []string{
	"AZW", "AZW3", "AZW4", "CBZ", "CBR", "CBC", "CHM", "DJVU", "DOCX", "EPUB",
	"FB2", "FBZ", "HTML", "HTMLZ", "LIT", "LRF", "MOBI", "ODT", "PDF", "PRC",
	"PDB", "PML", "RB", "RTF", "SNB", "TCR", "TXT", "TXTZ",
}

// PreferredFormats are picked over whatever happens to be listed first.
var PreferredFormats = []string{"EPUB", "MOBI"}

// FormatFile is the local file chosen for upload.
type FormatFile struct {
	Path   string
	Format string
}

// ResolveFormatFile selects the file to sync for a book: a preferred
// format when available, otherwise the first listed, and only if the
// result is in the supported allow-list. Books without an eligible file
// resolve to an Unsupported error without touching the network.
func ResolveFormatFile(ctx context.Context, view View, id BookID) (*FormatFile, error) {
	formats, err := view.Formats(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(formats) == 0 {
		return nil, errcodes.Unsupported()
	}

	format := formats[0]
	for _, preferred := range PreferredFormats {
		if contains(formats, preferred) {
			format = preferred
			break
		}
	}

	if !contains(SupportedFormats, format) {
		return nil, errcodes.Unsupported()
	}

	path, err := view.FormatPath(ctx, id, format)
	if err != nil {
		return nil, err
	}

	return &FormatFile{Path: path, Format: format}, nil
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
