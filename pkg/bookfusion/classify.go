package bookfusion

import (
	"context"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/BookFusion/calibre-plugin/pkg/errcodes"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// classifyTransportError maps a failed request (no HTTP response at
// all) into the taxonomy. This is the single place transport failures
// are interpreted; every operation goes through it.
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return errcodes.Canceled()
	}
	if isTransient(err) {
		return errcodes.TransientNetwork(err)
	}
	return errcodes.Unexpected(err)
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	// A connection closed mid-response surfaces as an unexpected EOF.
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return false
}

// classifyStatus maps a non-2xx HTTP response into the taxonomy. 404 is
// not an error on lookup paths; lookups handle it before calling this.
func classifyStatus(resp *http.Response, body []byte) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return errcodes.AuthenticationError()
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return errcodes.ValidationError(validationMessage(body))
	case resp.StatusCode >= 500:
		// The service being down is as transient as the network being down.
		return errcodes.TransientNetwork(errors.Errorf("server error %d", resp.StatusCode))
	default:
		return errcodes.Unexpected(errors.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// validationMessage extracts the user-facing message of a 422 body:
// {"error": "..."}.
func validationMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return "the service rejected the book"
	}
	return payload.Error
}
