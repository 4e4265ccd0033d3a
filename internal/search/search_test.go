package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vmrs-cli/internal/resilience"
	"github.com/sells-group/vmrs-cli/pkg/jina"
	"github.com/sells-group/vmrs-cli/pkg/perplexity"
)

func fakeClient(s Searcher, clock *resilience.FakeClock) *Client {
	return NewClient(s, Options{
		Timeout: time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:    4,
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     time.Minute,
			Multiplier:     2,
			Clock:          clock,
		},
	})
}

func TestJina_ConcatenatesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jina.SearchResponse{Code: 200, Data: []jina.SearchResult{ //nolint:errcheck
			{Title: "Rear brake caliper", URL: "https://a.example", Content: "Air disc caliper, rear axle", Usage: jina.SearchUsage{Tokens: 10}},
			{Title: "GHI789", URL: "https://b.example", Description: "Caliper assembly"},
		}})
	}))
	defer srv.Close()

	s := NewJina(jina.NewClient("k", jina.WithSearchBaseURL(srv.URL)), 0)
	res, err := s.Search(context.Background(), "Brake Caliper Rear GHI789")
	require.NoError(t, err)
	assert.Equal(t, "jina", res.Provider)
	assert.Contains(t, res.Text, "Air disc caliper, rear axle")
	assert.Contains(t, res.Text, "Caliper assembly")
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, res.Sources)
	assert.Equal(t, 10, res.Tokens)
}

func TestJina_TruncatesText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jina.SearchResponse{Code: 200, Data: []jina.SearchResult{{Title: "ábcdefghij", Content: "klmnop"}}}) //nolint:errcheck
	}))
	defer srv.Close()

	res, err := NewJina(jina.NewClient("k", jina.WithSearchBaseURL(srv.URL)), 4).Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "ábcd", res.Text)
}

func TestClassify(t *testing.T) {
	err := classify(&jina.StatusError{StatusCode: 503})
	assert.True(t, resilience.IsTransient(err))

	err = classify(&perplexity.StatusError{StatusCode: 401})
	assert.True(t, resilience.IsPermanent(err))

	plain := errors.New("boom")
	assert.Equal(t, plain, classify(plain))
}

func TestClient_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(jina.SearchResponse{Code: 200, Data: []jina.SearchResult{{Title: "ok"}}}) //nolint:errcheck
	}))
	defer srv.Close()

	clock := resilience.NewFakeClock(time.Now())
	c := fakeClient(NewJina(jina.NewClient("k", jina.WithSearchBaseURL(srv.URL)), 0), clock)
	res, trace, err := c.Search(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 3, trace.Attempts.Count)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, clock.Sleeps())
}

func TestClient_ExhaustsOnUnavailableSearch(t *testing.T) {
	clock := resilience.NewFakeClock(time.Now())
	s := &Static{Fallback: func(string) (string, error) {
		return "", resilience.NewTransientError(errors.New("unavailable"), 503)
	}}
	_, trace, err := fakeClient(s, clock).Search(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, 4, trace.Attempts.Count)
	assert.Equal(t, 4, s.Calls())
}

func TestClient_PermanentNotRetried(t *testing.T) {
	clock := resilience.NewFakeClock(time.Now())
	s := &Static{Fallback: func(string) (string, error) {
		return "", classify(&jina.StatusError{StatusCode: 400})
	}}
	_, trace, err := fakeClient(s, clock).Search(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, 1, trace.Attempts.Count)
}

func TestStatic(t *testing.T) {
	s := &Static{Answers: map[string]string{"a": "answer"}}
	res, err := s.Search(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "answer", res.Text)

	res, err = s.Search(context.Background(), "b")
	require.NoError(t, err)
	assert.Empty(t, res.Text)
	assert.Equal(t, 2, s.Calls())
}

func TestPerplexity_UsesChoiceText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","choices":[{"index":0,"message":{"role":"assistant","content":"Rear air disc brake caliper"}}],"citations":["https://example.com/k123"],"usage":{"prompt_tokens":7,"completion_tokens":5}}`))
	}))
	defer srv.Close()

	s := NewPerplexity(perplexity.NewClient("k", perplexity.WithBaseURL(srv.URL)), "", 100)
	res, err := s.Search(context.Background(), "GHI789")
	require.NoError(t, err)
	assert.Equal(t, "Rear air disc brake caliper", res.Text)
	assert.Equal(t, 12, res.Tokens)
	assert.Equal(t, []string{"https://example.com/k123"}, res.Sources)
}
