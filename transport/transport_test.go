package transport

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryAfterParses(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"5"}}}
	now := time.Unix(1000, 0)

	waitUntil, ok := RetryAfter(resp, now)
	assert.True(t, ok)
	assert.Equal(t, now.Add(5*time.Second), waitUntil)
}

func TestRetryAfterMissing(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	_, ok := RetryAfter(resp, time.Now())
	assert.False(t, ok)
}

func TestErrorFromStatus(t *testing.T) {
	cases := map[int]bool{200: false, 404: true, 410: true, 500: true}
	for status, wantErr := range cases {
		err := ErrorFromStatus(&http.Response{StatusCode: status})
		if wantErr {
			assert.Error(t, err)
		} else {
			assert.NoError(t, err)
		}
	}
}
