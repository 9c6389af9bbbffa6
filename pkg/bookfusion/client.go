// Package bookfusion is the client for the BookFusion catalog API. It
// owns the wire contract (multipart field naming, auth, endpoints) and
// the classification of every call's outcome into the errcodes
// taxonomy; callers never look at HTTP status codes themselves.
package bookfusion

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BookFusion/calibre-plugin/pkg/errcodes"
	"github.com/BookFusion/calibre-plugin/pkg/version"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://www.bookfusion.com/calibre-api/v1"

const requestTimeout = 5 * time.Minute

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// transferClient posts to the storage host issued by init-upload;
	// it never carries API credentials.
	transferClient *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		httpClient:     &http.Client{Timeout: requestTimeout},
		transferClient: &http.Client{Timeout: requestTimeout},
	}
}

// Limits fetches the account quotas. An authentication failure here
// aborts the run before any book is touched.
func (c *Client) Limits(ctx context.Context) (*Limits, error) {
	body, found, err := c.get(ctx, "/limits", nil)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errcodes.Unexpected(errors.New("limits endpoint missing"))
	}
	limits := &Limits{}
	if err := json.Unmarshal(body, limits); err != nil {
		return nil, errcodes.Unexpected(err)
	}
	return limits, nil
}

// LookupByID fetches the record behind a stored remote id. Returns
// (nil, nil) when the record no longer exists.
func (c *Client) LookupByID(ctx context.Context, remoteID string) (*Record, error) {
	body, found, err := c.get(ctx, "/books/"+url.PathEscape(remoteID), nil)
	if err != nil || !found {
		return nil, err
	}
	return decodeRecord(body)
}

// LookupByISBN searches the catalog by ISBN and returns the first
// match, or (nil, nil) when there is none.
func (c *Client) LookupByISBN(ctx context.Context, isbn string) (*Record, error) {
	body, found, err := c.get(ctx, "/books", url.Values{"isbn": {isbn}})
	if err != nil || !found {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, errcodes.Unexpected(err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// LookupByDigest resolves a content digest to the record that owns the
// identical bytes, or (nil, nil).
func (c *Client) LookupByDigest(ctx context.Context, digest string) (*Record, error) {
	body, found, err := c.get(ctx, "/uploads/"+url.PathEscape(digest), nil)
	if err != nil || !found {
		return nil, err
	}
	return decodeRecord(body)
}

// InitUpload asks the service for a one-time upload destination keyed
// by the file's content digest.
func (c *Client) InitUpload(ctx context.Context, filename, digest string) (*UploadSession, error) {
	form := url.Values{"filename": {filename}, "digest": {digest}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/uploads/init", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errcodes.Unexpected(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authorize(req)

	body, err := c.do(ctx, c.httpClient, req, false)
	if err != nil {
		return nil, err
	}
	session := &UploadSession{}
	if err := json.Unmarshal(body, session); err != nil {
		return nil, errcodes.Unexpected(err)
	}
	return session, nil
}

// Transfer streams the raw file to the storage destination issued by
// init-upload. The destination is usually a different host than the
// API, so no credentials are attached.
func (c *Client) Transfer(ctx context.Context, session *UploadSession, filePath string, progress func(sent, total int64)) error {
	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			for name, value := range session.Params {
				if err := w.WriteField(name, value); err != nil {
					return errors.WithStack(err)
				}
			}
			if err := writeFile(w, fieldFile, filePath, progress); err != nil {
				return err
			}
			return errors.WithStack(w.Close())
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, session.URL, pr)
	if err != nil {
		return errcodes.Unexpected(err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	_, err = c.do(ctx, c.transferClient, req, false)
	return err
}

// Finalize binds an uploaded blob to a catalog record: the storage key
// from init-upload, the content digest, and the full metadata including
// the cover. The response carries the new remote id.
func (c *Client) Finalize(ctx context.Context, session *UploadSession, digest string, metadata *Metadata) (*Record, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	if err := w.WriteField("key", session.Key()); err != nil {
		return nil, errcodes.Unexpected(err)
	}
	if err := w.WriteField("digest", digest); err != nil {
		return nil, errcodes.Unexpected(err)
	}
	if err := writeMetadata(w, metadata); err != nil {
		return nil, errcodes.Unexpected(err)
	}
	if err := w.Close(); err != nil {
		return nil, errcodes.Unexpected(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/uploads/finalize", buf)
	if err != nil {
		return nil, errcodes.Unexpected(err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.authorize(req)

	body, err := c.do(ctx, c.httpClient, req, false)
	if err != nil {
		return nil, err
	}
	return decodeRecord(body)
}

// Update rewrites a record's metadata. filePath is non-empty only for
// forced re-uploads, which attach the file bytes to the same request.
func (c *Client) Update(ctx context.Context, remoteID string, metadata *Metadata, filePath string, progress func(sent, total int64)) (*Record, error) {
	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			if err := writeMetadata(w, metadata); err != nil {
				return err
			}
			if filePath != "" {
				if err := writeFile(w, fieldFile, filePath, progress); err != nil {
					return err
				}
			}
			return errors.WithStack(w.Close())
		}()
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/books/"+url.PathEscape(remoteID), pr)
	if err != nil {
		return nil, errcodes.Unexpected(err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.authorize(req)

	body, err := c.do(ctx, c.httpClient, req, false)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	return decodeRecord(body)
}

// get performs an authorized GET. The second return value is false when
// the resource does not exist; lookups treat that as "no record", not
// an error.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, bool, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, errcodes.Unexpected(err)
	}
	c.authorize(req)

	body, err := c.do(ctx, c.httpClient, req, true)
	if err != nil {
		return nil, false, err
	}
	if body == nil {
		return nil, false, nil
	}
	return body, true, nil
}

// do executes one request and applies the outcome classification. With
// allowNotFound, a 404 returns (nil, nil) instead of an error.
func (c *Client) do(ctx context.Context, hc *http.Client, req *http.Request, allowNotFound bool) ([]byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}
	if allowNotFound && resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	return nil, classifyStatus(resp, body)
}

// authorize attaches the API key the way the service expects: basic
// auth with the key as username and an empty password.
func (c *Client) authorize(req *http.Request) {
	req.SetBasicAuth(c.apiKey, "")
	req.Header.Set("User-Agent", version.UserAgent())
}

func decodeRecord(body []byte) (*Record, error) {
	record := &Record{}
	if err := json.Unmarshal(body, record); err != nil {
		return nil, errcodes.Unexpected(err)
	}
	return record, nil
}
