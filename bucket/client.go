// Package bucket implements the storage bucket client (component G): an
// HTTPS client for put/get/delete/export against one actor's opaque
// key/bytes store (spec §4.G, wire grammar §6).
package bucket

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/fxamacker/cbor/v2"

	"github.com/graffiti-protocol/graffiti-go/internal/logging"
	"github.com/graffiti-protocol/graffiti-go/protoerr"
	"github.com/graffiti-protocol/graffiti-go/transport"
)

// Client talks to a single storage bucket endpoint.
type Client struct {
	endpoint string
	doer     transport.HTTPDoer
}

// NewClient builds a bucket client for endpoint using doer (typically
// transport.DefaultClient()).
func NewClient(endpoint string, doer transport.HTTPDoer) *Client {
	return &Client{endpoint: endpoint, doer: doer}
}

// exportPage is the binary-encoded response of GET /export.
type exportPage struct {
	Keys   []string `cbor:"keys"`
	Cursor *string  `cbor:"cursor,omitempty"`
}

func (c *Client) valueURL(key string) string {
	return c.endpoint + "/value/" + transport.EncodePathSegment(key)
}

// Put stores bytes under key, authenticated with token.
func (c *Client) Put(ctx context.Context, key string, data []byte, token string) error {
	log := logging.NewLogger("bucket", "Put")
	log.WithFields(map[string]interface{}{"key": key, "size": len(data)}).Debug("putting bucket value")

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.valueURL(key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	transport.SetBearer(req, token)

	resp, err := c.doer.Do(req)
	if err != nil {
		log.WithError(err, "transport_error", "put").Warn("bucket put failed")
		return err
	}
	defer resp.Body.Close()

	if err := transport.ErrorFromStatus(resp); err != nil {
		log.WithError(err, "status_error", "put").Warn("bucket put rejected")
		return err
	}
	return nil
}

// Delete removes the value stored at key, authenticated with token.
func (c *Client) Delete(ctx context.Context, key string, token string) error {
	log := logging.NewLogger("bucket", "Delete")
	log.WithField("key", key).Debug("deleting bucket value")

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.valueURL(key), nil)
	if err != nil {
		return err
	}
	transport.SetBearer(req, token)

	resp, err := c.doer.Do(req)
	if err != nil {
		log.WithError(err, "transport_error", "delete").Warn("bucket delete failed")
		return err
	}
	defer resp.Body.Close()

	return transport.ErrorFromStatus(resp)
}

// Get retrieves the value stored at key, refusing to read more than
// maxBytes. If maxBytes <= 0, no limit is enforced.
//
// When the response declares a Content-Length, a mismatched length (too
// large, or the stream ending early) is an error before any truncation is
// silently accepted. Without a usable Content-Length, Get falls back to
// counting bytes as they stream and aborts once the running total would
// exceed maxBytes.
func (c *Client) Get(ctx context.Context, key string, maxBytes int64) ([]byte, error) {
	log := logging.NewLogger("bucket", "Get")
	log.WithField("key", key).Debug("getting bucket value")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.valueURL(key), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		log.WithError(err, "transport_error", "get").Warn("bucket get failed")
		return nil, err
	}
	defer resp.Body.Close()

	if err := transport.ErrorFromStatus(resp); err != nil {
		return nil, err
	}

	if maxBytes > 0 && resp.ContentLength >= 0 {
		if resp.ContentLength > maxBytes {
			return nil, fmt.Errorf("%w: content-length %d exceeds max %d", protoerr.TooLarge, resp.ContentLength, maxBytes)
		}
		buf := make([]byte, resp.ContentLength)
		if _, err := io.ReadFull(resp.Body, buf); err != nil {
			return nil, fmt.Errorf("bucket: truncated response body: %w", err)
		}
		return buf, nil
	}

	var limit io.Reader = resp.Body
	if maxBytes > 0 {
		limit = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(limit)
	if err != nil {
		return nil, err
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: streamed body exceeds max %d bytes", protoerr.TooLarge, maxBytes)
	}

	return data, nil
}

// Export lists every key owned by this bucket, auto-following the
// server's paging cursor.
func (c *Client) Export(ctx context.Context, token string) ([]string, error) {
	log := logging.NewLogger("bucket", "Export")
	log.Debug("exporting bucket keys")

	var keys []string
	cursor := ""

	for {
		url := c.endpoint + "/export"
		if cursor != "" {
			url += "?cursor=" + transport.EncodePathSegment(cursor)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		transport.SetBearer(req, token)

		resp, err := c.doer.Do(req)
		if err != nil {
			log.WithError(err, "transport_error", "export").Warn("bucket export failed")
			return nil, err
		}

		if err := transport.ErrorFromStatus(resp); err != nil {
			resp.Body.Close()
			return nil, err
		}

		var page exportPage
		err = cbor.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("bucket: malformed export page: %w", err)
		}

		keys = append(keys, page.Keys...)

		if page.Cursor == nil || *page.Cursor == "" {
			break
		}
		cursor = *page.Cursor
	}

	return keys, nil
}
