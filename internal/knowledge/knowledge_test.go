package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingRetriever struct {
	calls int
	docs  []Document
}

func (c *countingRetriever) Retrieve(ctx context.Context, query string, limit int) ([]Document, error) {
	c.calls++
	return c.docs, nil
}

func TestHTTPRetriever(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/retrieve", r.URL.Path)
		var req retrieveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "pandas groupby", req.Query)
		json.NewEncoder(w).Encode(retrieveResponse{Documents: []Document{
			{Title: "groupby basics", Content: "df.groupby(...)", Score: 0.9},
		}})
	}))
	defer srv.Close()

	r := NewHTTPRetriever(srv.URL, time.Second, zap.NewNop())
	docs, err := r.Retrieve(context.Background(), "pandas groupby", 3)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "groupby basics", docs[0].Title)
}

func TestHTTPRetrieverServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewHTTPRetriever(srv.URL, time.Second, zap.NewNop())
	_, err := r.Retrieve(context.Background(), "q", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestCachedRetrieverNamespacing(t *testing.T) {
	inner := &countingRetriever{docs: []Document{{Title: "doc"}}}
	c := NewCachedRetriever(inner, time.Minute)
	ctx := context.Background()

	_, err := c.RetrieveNamespaced(ctx, "run-a", "q", 3)
	require.NoError(t, err)
	_, err = c.RetrieveNamespaced(ctx, "run-a", "q", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls, "second identical lookup served from cache")

	_, err = c.RetrieveNamespaced(ctx, "run-b", "q", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls, "different namespace misses")

	c.Forget("run-a")
	_, err = c.RetrieveNamespaced(ctx, "run-a", "q", 3)
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls, "forgotten namespace refetches")
}

func TestRenderDocs(t *testing.T) {
	out := RenderDocs([]Document{
		{Title: "A", Content: "alpha", Source: "https://docs.example/a"},
		{Title: "B", Content: "beta"},
	})
	assert.Contains(t, out, "[Doc 1] A")
	assert.Contains(t, out, "[Doc 2] B")
	assert.Contains(t, out, "docs.example")

	assert.Contains(t, RenderDocs(nil), "No relevant knowledge")
}
