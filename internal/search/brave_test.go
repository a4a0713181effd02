package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const braveFixture = `{
  "web": {
    "results": [
      {"title": "Paris - Wikipedia", "url": "https://en.wikipedia.org/wiki/Paris", "description": "Capital of France."},
      {"title": "Paris | Britannica", "url": "https://www.britannica.com/place/Paris", "description": "City and capital of France."}
    ]
  }
}`

func TestBraveSearch(t *testing.T) {
	var gotToken, gotQuery, gotCount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Subscription-Token")
		gotQuery = r.URL.Query().Get("q")
		gotCount = r.URL.Query().Get("count")
		w.Header().Set("X-RateLimit-Remaining", "10, 1000")
		_, _ = w.Write([]byte(braveFixture))
	}))
	defer srv.Close()

	b := NewBraveWithClient("test-key-search", srv.Client(), srv.URL)
	require.True(t, b.Available())

	results, err := b.Search(context.Background(), "capital of France", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "test-key-search", gotToken)
	assert.Equal(t, "capital of France", gotQuery)
	assert.Equal(t, "5", gotCount)
	assert.Equal(t, "Paris - Wikipedia", results[0].Title)
	assert.Equal(t, "https://en.wikipedia.org/wiki/Paris", results[0].URL)
}

func TestBraveRetriesOn429(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("X-RateLimit-Reset", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", "10, 1000")
		_, _ = w.Write([]byte(braveFixture))
	}))
	defer srv.Close()

	b := NewBraveWithClient("test-key-retry", srv.Client(), srv.URL)
	results, err := b.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Len(t, results, 2)
}

func TestBraveUnavailableWithoutKey(t *testing.T) {
	b := NewBrave("")
	assert.False(t, b.Available())

	_, err := b.Search(context.Background(), "q", 5)
	assert.Error(t, err)
}

func TestBraveCapsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "10, 1000")
		_, _ = w.Write([]byte(braveFixture))
	}))
	defer srv.Close()

	b := NewBraveWithClient("test-key-cap", srv.Client(), srv.URL)
	results, err := b.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
