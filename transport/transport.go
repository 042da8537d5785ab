// Package transport defines the HTTP boundary shared by the bucket and
// inbox clients: an interface over *http.Client (so tests substitute an
// in-memory doer instead of a live network), and the small set of helpers
// every wire call needs — bearer auth, Retry-After parsing, and HTTP status
// -> protoerr mapping (spec §6-§7).
//
// This mirrors the teacher's split between a transport interface and its
// concrete implementation (see _examples/opd-ai-toxcore/transport), simply
// retargeted from UDP packet transport to HTTPS request/response.
package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/graffiti-protocol/graffiti-go/protoerr"
)

// HTTPDoer is the minimal surface the bucket/inbox clients depend on.
// *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultClient returns an *http.Client with a conservative timeout,
// suitable as the default HTTPDoer.
func DefaultClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// SetBearer attaches a bearer token to req, when non-empty.
func SetBearer(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// RetryAfter parses a Retry-After response header (seconds form only, which
// is what every inbox/bucket implementation in this protocol emits) into a
// wait-until time relative to now.
func RetryAfter(resp *http.Response, now time.Time) (time.Time, bool) {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return time.Time{}, false
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return time.Time{}, false
	}
	return now.Add(time.Duration(secs) * time.Second), true
}

// ErrorFromStatus maps an HTTP response status to the taxonomy in protoerr,
// per spec §6's status table. A 2xx status yields a nil error.
func ErrorFromStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if err, ok := protoerr.FromHTTPStatus(resp.StatusCode); ok {
		return err
	}
	return fmt.Errorf("transport: unexpected status %d", resp.StatusCode)
}

// EncodePathSegment percent-encodes an opaque key/id for use as a single
// path segment, as required by every {enc(...)} placeholder in spec §6's
// wire grammar.
func EncodePathSegment(s string) string {
	return url.PathEscape(s)
}
