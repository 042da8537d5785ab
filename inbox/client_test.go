package inbox

import (
	"context"
	"net/http"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graffiti-protocol/graffiti-go/object"
)

func sampleSendMessage() Message {
	return Message{
		Tags:   [][]byte{[]byte("tag")},
		Object: object.Object{URL: "graffiti:a:b", Actor: "did:web:a.test", Value: map[string]interface{}{"m": "hi"}, Channels: []string{"c1"}},
		Meta:   []byte{},
	}
}

func TestSendReturnsID(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodPut, req.Method)
		assert.Contains(t, req.URL.String(), "/send")
		b, _ := cbor.Marshal(sendResponse{ID: "msg-1"})
		return respond(200, b, nil), nil
	}}
	c := NewClient("https://inbox.test", doer, NewMemCache())

	id, err := c.Send(context.Background(), sampleSendMessage())
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
}

func TestLabelUpdatesCache(t *testing.T) {
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodPut, req.Method)
		assert.Contains(t, req.URL.String(), "/label/msg-1")
		return respond(200, nil, nil), nil
	}}
	cache := NewMemCache()
	c := NewClient("https://inbox.test", doer, cache)

	lm := LabeledMessage{ID: "msg-1", Message: sampleSendMessage(), Label: LabelUnlabeled}
	require.NoError(t, cache.PutMessage(messageCacheKey(c.Endpoint(), "msg-1"), lm))

	require.NoError(t, c.Label(context.Background(), "msg-1", LabelValid, "token"))

	cached, ok, err := cache.GetMessage(messageCacheKey(c.Endpoint(), "msg-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, LabelValid, cached.Label)
}

func TestGetCacheFirst(t *testing.T) {
	calls := 0
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		calls++
		wire := labeledMessageWire{ID: "msg-1", M: messageWire{T: [][]byte{[]byte("t")}, O: toWire(sampleSendMessage().Object), M: []byte{}}, L: int(LabelValid)}
		b, _ := cbor.Marshal(wire)
		return respond(200, b, nil), nil
	}}
	c := NewClient("https://inbox.test", doer, NewMemCache())

	lm1, err := c.Get(context.Background(), "msg-1", "")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", lm1.ID)
	assert.Equal(t, 1, calls)

	lm2, err := c.Get(context.Background(), "msg-1", "")
	require.NoError(t, err)
	assert.Equal(t, lm1.ID, lm2.ID)
	assert.Equal(t, 1, calls, "second Get should be served from cache")
}
