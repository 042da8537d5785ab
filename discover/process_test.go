package discover

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graffiti-protocol/graffiti-go/identity"
	"github.com/graffiti-protocol/graffiti-go/inbox"
	"github.com/graffiti-protocol/graffiti-go/object"
)

const (
	senderActor  = "did:web:a.test"
	bucketEP     = "https://bucket.a.test"
	inboxEP      = "https://inbox.test"
)

// routedDoer dispatches by URL path substring, standing in for both a
// bucket endpoint (GET /value/{key}) and an inbox endpoint (GET
// /message/{id}, PUT /label/{id}) in one fake transport.
type routedDoer struct {
	mu          sync.Mutex
	values      map[string][]byte
	messages    map[string]inbox.LabeledMessage
	queryResult []inbox.LabeledMessage
	labels      []struct {
		id    string
		label inbox.Label
	}
}

func newRoutedDoer() *routedDoer {
	return &routedDoer{values: map[string][]byte{}, messages: map[string]inbox.LabeledMessage{}}
}

type fakePage struct {
	Results []cbor.RawMessage `cbor:"results"`
	HasMore bool               `cbor:"hasMore"`
	Cursor  string             `cbor:"cursor"`
}

func encodeFakePageLocked(lms []inbox.LabeledMessage) []byte {
	page := fakePage{Cursor: "done"}
	for _, lm := range lms {
		b, err := lm.Encode()
		if err != nil {
			panic(err)
		}
		page.Results = append(page.Results, cbor.RawMessage(b))
	}
	b, err := cbor.Marshal(page)
	if err != nil {
		panic(err)
	}
	return b
}

func respond(status int, body []byte) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: http.Header{}, ContentLength: int64(len(body))}
}

func (d *routedDoer) Do(req *http.Request) (*http.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := req.URL.Path
	switch {
	case req.Method == http.MethodPost && strings.Contains(path, "/query"):
		b := encodeFakePageLocked(d.queryResult)
		return respond(200, b), nil

	case req.Method == http.MethodPut && strings.Contains(path, "/send"):
		b, err := cbor.Marshal(struct {
			ID string `cbor:"id"`
		}{ID: "sent-id"})
		if err != nil {
			return nil, err
		}
		return respond(200, b), nil

	case strings.Contains(path, "/value/"):
		key := path[strings.LastIndex(path, "/")+1:]
		b, ok := d.values[key]
		if !ok {
			return respond(404, nil), nil
		}
		return respond(200, b), nil

	case req.Method == http.MethodPut && strings.Contains(path, "/label/"):
		id := path[strings.LastIndex(path, "/")+1:]
		var body struct {
			L int `cbor:"l"`
		}
		data, _ := io.ReadAll(req.Body)
		_ = cbor.Unmarshal(data, &body)
		d.labels = append(d.labels, struct {
			id    string
			label inbox.Label
		}{id: id, label: inbox.Label(body.L)})
		return respond(200, nil), nil

	case req.Method == http.MethodGet && strings.Contains(path, "/message/"):
		id := path[strings.LastIndex(path, "/")+1:]
		lm, ok := d.messages[id]
		if !ok {
			return respond(404, nil), nil
		}
		b, err := lm.Encode()
		if err != nil {
			return nil, err
		}
		return respond(200, b), nil
	}

	return respond(404, nil), nil
}

func buildEngine(doer *routedDoer) *Engine {
	resolver := identity.NewStaticResolver(map[string]identity.Document{
		senderActor: {
			Actor: senderActor,
			Services: []identity.Service{
				{Type: identity.ServiceTypeStorageBucket, Endpoint: bucketEP},
			},
		},
	})
	return NewEngine(resolver, doer, 0)
}

func withURLTagTest(tags [][]byte, url string) [][]byte {
	out := make([][]byte, len(tags), len(tags)+1)
	copy(out, tags)
	return append(out, []byte(url))
}

func TestProcessMessageValidLabelYieldsDirectly(t *testing.T) {
	doer := newRoutedDoer()
	e := buildEngine(doer)

	res, err := object.Encode(object.PartialObject{Value: map[string]interface{}{"m": "hi"}, Channels: []string{"c1"}}, senderActor)
	require.NoError(t, err)

	lm := inbox.LabeledMessage{ID: "1", Message: inbox.Message{Tags: withURLTagTest(res.Tags, res.Object.URL), Object: res.Object}, Label: inbox.LabelValid}
	ep := Endpoint{Client: inbox.NewClient(inboxEP, doer, inbox.NewMemCache()), Token: "tok"}

	item, yielded := e.processMessage(context.Background(), ep, lm, "")
	require.True(t, yielded)
	assert.Equal(t, res.Object.URL, item.URL)
	assert.False(t, item.Tombstone)
	assert.Empty(t, doer.labels, "a server-vouched valid message should never be relabeled")
}

func TestProcessMessageUnlabeledValidatesAndRelabelsValid(t *testing.T) {
	doer := newRoutedDoer()
	e := buildEngine(doer)

	res, err := object.Encode(object.PartialObject{Value: map[string]interface{}{"m": "hi"}, Channels: []string{"c1"}}, senderActor)
	require.NoError(t, err)
	doer.values["k1"] = res.ObjectBytes

	meta, err := inbox.EncodeMetadata(inbox.Metadata{Key: "k1"})
	require.NoError(t, err)

	lm := inbox.LabeledMessage{
		ID:      "1",
		Message: inbox.Message{Tags: withURLTagTest(res.Tags, res.Object.URL), Object: res.Object, Meta: meta},
		Label:   inbox.LabelUnlabeled,
	}
	ep := Endpoint{Client: inbox.NewClient(inboxEP, doer, inbox.NewMemCache()), Token: "tok"}

	item, yielded := e.processMessage(context.Background(), ep, lm, "")
	require.True(t, yielded)
	assert.Equal(t, res.Object.URL, item.URL)
	require.Len(t, doer.labels, 1)
	assert.Equal(t, "1", doer.labels[0].id)
	assert.Equal(t, inbox.LabelValid, doer.labels[0].label)
}

func TestProcessMessageUnlabeledInvalidBytesRelabelsInvalid(t *testing.T) {
	doer := newRoutedDoer()
	e := buildEngine(doer)

	res, err := object.Encode(object.PartialObject{Value: map[string]interface{}{"m": "hi"}, Channels: []string{"c1"}}, senderActor)
	require.NoError(t, err)
	tampered := append([]byte(nil), res.ObjectBytes...)
	tampered[len(tampered)-1] ^= 0xff
	doer.values["k1"] = tampered

	meta, err := inbox.EncodeMetadata(inbox.Metadata{Key: "k1"})
	require.NoError(t, err)

	lm := inbox.LabeledMessage{
		ID:      "1",
		Message: inbox.Message{Tags: withURLTagTest(res.Tags, res.Object.URL), Object: res.Object, Meta: meta},
		Label:   inbox.LabelUnlabeled,
	}
	ep := Endpoint{Client: inbox.NewClient(inboxEP, doer, inbox.NewMemCache()), Token: "tok"}

	_, yielded := e.processMessage(context.Background(), ep, lm, "")
	assert.False(t, yielded)
	require.Len(t, doer.labels, 1)
	assert.Equal(t, inbox.LabelInvalid, doer.labels[0].label)
}

func TestProcessMessageUnlabeledTombstoneCascadesTrash(t *testing.T) {
	doer := newRoutedDoer()
	e := buildEngine(doer)

	res, err := object.Encode(object.PartialObject{Value: map[string]interface{}{"m": "hi"}, Channels: []string{"c1"}}, senderActor)
	require.NoError(t, err)
	// No bucket value under "gone": the prior object was deleted.

	priorMeta, err := inbox.EncodeMetadata(inbox.Metadata{Key: "was-here"})
	require.NoError(t, err)
	priorLM := inbox.LabeledMessage{
		ID:      "prior-1",
		Message: inbox.Message{Tags: withURLTagTest(res.Tags, res.Object.URL), Object: res.Object, Meta: priorMeta},
		Label:   inbox.LabelValid,
	}
	doer.messages["prior-1"] = priorLM

	tombMeta, err := inbox.EncodeMetadata(inbox.Metadata{Key: "gone", Prior: strPtr("prior-1")})
	require.NoError(t, err)
	tombLM := inbox.LabeledMessage{
		ID:      "tomb-1",
		Message: inbox.Message{Tags: withURLTagTest(res.Tags, res.Object.URL), Object: res.Object, Meta: tombMeta},
		Label:   inbox.LabelUnlabeled,
	}

	ep := Endpoint{Client: inbox.NewClient(inboxEP, doer, inbox.NewMemCache()), Token: "tok"}

	item, yielded := e.processMessage(context.Background(), ep, tombLM, "")
	require.True(t, yielded)
	assert.True(t, item.Tombstone)
	assert.Equal(t, res.Object.URL, item.URL)

	require.Len(t, doer.labels, 2)
	assert.ElementsMatch(t, []string{"tomb-1", "prior-1"}, []string{doer.labels[0].id, doer.labels[1].id})
	assert.Equal(t, inbox.LabelTrash, doer.labels[0].label)
	assert.Equal(t, inbox.LabelTrash, doer.labels[1].label)
}

func strPtr(s string) *string { return &s }
