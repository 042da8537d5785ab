package inbox

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graffiti-protocol/graffiti-go/protoerr"
)

type fakeDoer struct {
	mu       sync.Mutex
	fetchCnt int32
	handle   func(req *http.Request) (*http.Response, error)
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&f.fetchCnt, 1)
	return f.handle(req)
}

func respond(status int, body []byte, headers http.Header) *http.Response {
	if headers == nil {
		headers = http.Header{}
	}
	return &http.Response{
		StatusCode:    status,
		Body:          io.NopCloser(bytes.NewReader(body)),
		Header:        headers,
		ContentLength: int64(len(body)),
	}
}

func sampleMessage(id string, url string) labeledMessageWire {
	return labeledMessageWire{
		ID: id,
		M: messageWire{
			T: [][]byte{[]byte("tag")},
			O: objectWire{URL: url, Actor: "did:web:a.test", Value: map[string]interface{}{"m": "hi"}, Channels: []string{"c1"}},
			M: []byte{},
		},
		L: int(LabelValid),
	}
}

// pagedServer serves one page of results per call, then an empty final page.
func pagedServer(t *testing.T, pages [][]labeledMessageWire) *fakeDoer {
	t.Helper()
	var calls int32
	return &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		idx := int(atomic.AddInt32(&calls, 1)) - 1
		if idx >= len(pages) {
			page := pageWire{HasMore: false, Cursor: "done"}
			b, _ := cbor.Marshal(page)
			return respond(200, b, nil), nil
		}
		page := pageWire{Results: pages[idx], HasMore: idx < len(pages)-1, Cursor: "c" + string(rune('0'+idx))}
		b, err := cbor.Marshal(page)
		require.NoError(t, err)
		return respond(200, b, nil), nil
	}}
}

func TestQueryYieldsAllPages(t *testing.T) {
	doer := pagedServer(t, [][]labeledMessageWire{
		{sampleMessage("1", "graffiti:a:b"), sampleMessage("2", "graffiti:a:c")},
		{sampleMessage("3", "graffiti:a:d")},
	})
	c := NewClient("https://inbox.test", doer, NewMemCache())

	stream, err := c.Query(context.Background(), [][]byte{[]byte("tag")}, nil, "")
	require.NoError(t, err)

	var ids []string
	for {
		lm, ok, err := stream.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		ids = append(ids, lm.ID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestConcurrentQuerySingleWriterPerQuery(t *testing.T) {
	doer := pagedServer(t, [][]labeledMessageWire{
		{sampleMessage("1", "graffiti:a:b")},
	})
	cache := NewMemCache()
	c := NewClient("https://inbox.test", doer, cache)

	s1, err := c.Query(context.Background(), [][]byte{[]byte("tag")}, nil, "")
	require.NoError(t, err)
	s2, err := c.Query(context.Background(), [][]byte{[]byte("tag")}, nil, "")
	require.NoError(t, err)
	require.Equal(t, s1.cacheKey, s2.cacheKey)

	var wg sync.WaitGroup
	results := make([][]string, 2)
	for i, s := range []*Stream{s1, s2} {
		wg.Add(1)
		go func(i int, s *Stream) {
			defer wg.Done()
			for {
				lm, ok, err := s.Next(context.Background())
				require.NoError(t, err)
				if !ok {
					return
				}
				results[i] = append(results[i], lm.ID)
			}
		}(i, s)
	}
	wg.Wait()

	assert.Equal(t, []string{"1"}, results[0])
	assert.Equal(t, []string{"1"}, results[1])
	// Two readers, empty cache: exactly one fetch for the single page. The
	// other reader replays it from cache under the lock, and HasMore=false
	// marks the shared entry done, so neither reader fetches again.
	assert.Equal(t, int32(1), atomic.LoadInt32(&doer.fetchCnt))
}

func TestContinueQueryExpiredCursorSurfaces(t *testing.T) {
	doer := pagedServer(t, nil)
	c := NewClient("https://inbox.test", doer, NewMemCache())

	_, err := c.ContinueQuery(context.Background(), Cursor{CacheKey: "missing", Version: "v1"}, "")
	assert.ErrorIs(t, err, protoerr.CursorExpired)
}

func TestContinueQueryResumesWithoutDuplication(t *testing.T) {
	doer := pagedServer(t, [][]labeledMessageWire{
		{sampleMessage("1", "graffiti:a:b")},
		{sampleMessage("2", "graffiti:a:c")},
	})
	cache := NewMemCache()
	c := NewClient("https://inbox.test", doer, cache)

	stream, err := c.Query(context.Background(), [][]byte{[]byte("tag")}, nil, "")
	require.NoError(t, err)

	lm, ok, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", lm.ID)

	cur := stream.Cursor()
	serialized, err := cur.Serialize()
	require.NoError(t, err)

	parsed, err := ParseCursor(serialized)
	require.NoError(t, err)

	resumed, err := c.ContinueQuery(context.Background(), parsed, "")
	require.NoError(t, err)

	lm2, ok, err := resumed.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", lm2.ID)

	_, ok, err = resumed.Next(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateLimitRetryAfterHonored(t *testing.T) {
	var first int32
	doer := &fakeDoer{handle: func(req *http.Request) (*http.Response, error) {
		if atomic.CompareAndSwapInt32(&first, 0, 1) {
			h := http.Header{}
			h.Set("Retry-After", "1")
			return respondPage(t, pageWire{
				Results: []labeledMessageWire{sampleMessage("1", "graffiti:a:b")},
				HasMore: true, Cursor: "c1",
			}, h), nil
		}
		return respondPage(t, pageWire{
			Results: []labeledMessageWire{sampleMessage("2", "graffiti:a:c")},
			HasMore: false, Cursor: "c2",
		}, nil), nil
	}}
	c := NewClient("https://inbox.test", doer, NewMemCache())

	stream, err := c.Export(context.Background(), "")
	require.NoError(t, err)

	lm1, ok, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", lm1.ID)

	start := time.Now()
	lm2, ok, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", lm2.ID)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func mustPage(t *testing.T, p pageWire) []byte {
	t.Helper()
	b, err := cbor.Marshal(p)
	require.NoError(t, err)
	return b
}

func respondPage(t *testing.T, p pageWire, headers http.Header) *http.Response {
	return respond(200, mustPage(t, p), headers)
}
