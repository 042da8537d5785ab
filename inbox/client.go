package inbox

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/time/rate"

	"github.com/graffiti-protocol/graffiti-go/internal/logging"
	"github.com/graffiti-protocol/graffiti-go/transport"
)

// Client talks to a single inbox endpoint: send/label/get plus the
// resumable query/export stream (spec §4.F).
type Client struct {
	endpoint string
	doer     transport.HTTPDoer
	cache    Cache
	locks    *lockTable
	limiter  *rate.Limiter
}

// Option configures a Client constructed by NewClient.
type Option func(*Client)

// WithRateLimiter overrides the client's outgoing request pacer. The
// default permits 10 requests/second with a burst of 10, a client-side
// courtesy throttle independent of server-directed Retry-After backoff
// (which is honored separately via each query's persisted wait_until).
func WithRateLimiter(limiter *rate.Limiter) Option {
	return func(c *Client) { c.limiter = limiter }
}

// NewClient builds an inbox client for endpoint, backed by cache for
// message/query state (use NewMemCache for an ephemeral cache or
// OpenBoltCache for one that survives a restart).
func NewClient(endpoint string, doer transport.HTTPDoer, cache Cache, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		doer:     doer,
		cache:    cache,
		locks:    newLockTable(),
		limiter:  rate.NewLimiter(rate.Limit(10), 10),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the inbox's service endpoint URL.
func (c *Client) Endpoint() string { return c.endpoint }

func (c *Client) do(ctx context.Context, method, url string, body []byte, token string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/cbor")
	transport.SetBearer(req, token)

	return c.doer.Do(req)
}

type sendResponse struct {
	ID string `cbor:"id"`
}

// Send delivers msg to this inbox via PUT /send, returning the
// server-assigned message id.
func (c *Client) Send(ctx context.Context, msg Message) (string, error) {
	log := logging.NewLogger("inbox", "Send")
	log.WithField("endpoint", c.endpoint).Debug("sending message")

	body, err := msg.Encode()
	if err != nil {
		return "", err
	}

	resp, err := c.do(ctx, http.MethodPut, c.endpoint+"/send", body, "")
	if err != nil {
		log.WithError(err, "transport_error", "send").Warn("send failed")
		return "", err
	}
	defer resp.Body.Close()

	if err := transport.ErrorFromStatus(resp); err != nil {
		return "", err
	}

	var out sendResponse
	if err := cbor.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("inbox: malformed send response: %w", err)
	}

	log.WithField("id", out.ID).Info("message sent")
	return out.ID, nil
}

type labelRequest struct {
	L int `cbor:"l"`
}

// Label sets a message's server-side label, authenticated with token, and
// updates the local cache copy (if present) so later offline reads see
// the new label without another round trip.
func (c *Client) Label(ctx context.Context, id string, label Label, token string) error {
	log := logging.NewLogger("inbox", "Label")
	log.WithFields(map[string]interface{}{"id": id, "label": label}).Debug("labeling message")

	body, err := cbor.Marshal(labelRequest{L: int(label)})
	if err != nil {
		return err
	}

	resp, err := c.do(ctx, http.MethodPut, c.endpoint+"/label/"+transport.EncodePathSegment(id), body, token)
	if err != nil {
		log.WithError(err, "transport_error", "label").Warn("label failed")
		return err
	}
	defer resp.Body.Close()

	if err := transport.ErrorFromStatus(resp); err != nil {
		return err
	}

	key := messageCacheKey(c.endpoint, id)
	if lm, ok, err := c.cache.GetMessage(key); err == nil && ok {
		lm.Label = label
		_ = c.cache.PutMessage(key, lm)
	}

	return nil
}

// Get retrieves a labeled message, consulting the cache first.
func (c *Client) Get(ctx context.Context, id string, token string) (LabeledMessage, error) {
	log := logging.NewLogger("inbox", "Get")
	log.WithField("id", id).Debug("getting message")

	key := messageCacheKey(c.endpoint, id)
	if lm, ok, err := c.cache.GetMessage(key); err == nil && ok {
		log.Debug("message cache hit")
		return lm, nil
	}

	resp, err := c.do(ctx, http.MethodGet, c.endpoint+"/message/"+transport.EncodePathSegment(id), nil, token)
	if err != nil {
		log.WithError(err, "transport_error", "get").Warn("get failed")
		return LabeledMessage{}, err
	}
	defer resp.Body.Close()

	if err := transport.ErrorFromStatus(resp); err != nil {
		return LabeledMessage{}, err
	}

	var wire labeledMessageWire
	if err := wireDecMode.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return LabeledMessage{}, fmt.Errorf("inbox: malformed message response: %w", err)
	}
	lm := LabeledMessage{
		ID:      wire.ID,
		Message: Message{Tags: wire.M.T, Object: wire.M.O.toObject(), Meta: wire.M.M},
		Label:   Label(wire.L),
	}

	_ = c.cache.PutMessage(key, lm)
	return lm, nil
}
