// Package digest computes the two fingerprints the BookFusion service
// compares byte-for-byte against previously stored values: a content
// digest over file bytes and a metadata digest over the mutable
// metadata fields. The framing of both is a compatibility contract;
// changing it would invalidate every digest the service has stored.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

const contentBlockSize = 64 * 1024

// Content computes the content fingerprint of a file:
// sha256(decimal-size || NUL || file bytes), streamed in 64 KiB blocks.
// The size prefix keeps a truncated file from colliding with its
// original.
func Content(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", errors.WithStack(err)
	}

	h := sha256.New()
	h.Write([]byte(strconv.FormatInt(info.Size(), 10)))
	h.Write([]byte{0})

	buf := make([]byte, contentBlockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", errors.WithStack(err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
