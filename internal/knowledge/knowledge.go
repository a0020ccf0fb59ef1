// Package knowledge provides federated knowledge retrieval for the research
// loop and the code expert. Retrieval is advisory: failures degrade to an
// empty result, never to a failed session.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Document is one retrieved knowledge fragment.
type Document struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Retriever is the retrieval contract the loop consumes.
type Retriever interface {
	Retrieve(ctx context.Context, query string, limit int) ([]Document, error)
}

// HTTPRetriever queries a federated knowledge service over HTTP.
type HTTPRetriever struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPRetriever creates a retriever against baseURL.
func NewHTTPRetriever(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPRetriever {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPRetriever{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type retrieveRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type retrieveResponse struct {
	Documents []Document `json:"documents"`
}

// Retrieve queries the service. A non-2xx response is an error; the caller
// decides whether to degrade.
func (r *HTTPRetriever) Retrieve(ctx context.Context, query string, limit int) ([]Document, error) {
	body, err := json.Marshal(retrieveRequest{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("marshal retrieve request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build retrieve request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("knowledge service returned %d", resp.StatusCode)
	}

	var out retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode retrieve response: %w", err)
	}
	return out.Documents, nil
}

type cacheEntry struct {
	docs    []Document
	expires time.Time
}

// CachedRetriever memoizes retrievals per namespace so repeated lookups within
// one run (the loop and the code expert often ask the same question) cost one
// upstream call.
type CachedRetriever struct {
	inner Retriever
	ttl   time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewCachedRetriever wraps inner with a TTL cache.
func NewCachedRetriever(inner Retriever, ttl time.Duration) *CachedRetriever {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedRetriever{inner: inner, ttl: ttl, cache: make(map[string]cacheEntry)}
}

// RetrieveNamespaced looks up query under a namespace (typically the run ID).
func (c *CachedRetriever) RetrieveNamespaced(ctx context.Context, namespace, query string, limit int) ([]Document, error) {
	key := fmt.Sprintf("%s|%d|%s", namespace, limit, query)

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.docs, nil
	}
	c.mu.Unlock()

	docs, err := c.inner.Retrieve(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache[key] = cacheEntry{docs: docs, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return docs, nil
}

// Retrieve satisfies Retriever using the empty namespace.
func (c *CachedRetriever) Retrieve(ctx context.Context, query string, limit int) ([]Document, error) {
	return c.RetrieveNamespaced(ctx, "", query, limit)
}

// Forget drops every cached entry under the namespace.
func (c *CachedRetriever) Forget(namespace string) {
	prefix := namespace + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.cache {
		if strings.HasPrefix(key, prefix) {
			delete(c.cache, key)
		}
	}
}

// RenderDocs formats documents for inclusion in a prompt.
func RenderDocs(docs []Document) string {
	if len(docs) == 0 {
		return "No relevant knowledge documents were found."
	}
	var b strings.Builder
	for i, doc := range docs {
		fmt.Fprintf(&b, "[Doc %d] %s\n%s\n", i+1, doc.Title, strings.TrimSpace(doc.Content))
		if doc.Source != "" {
			fmt.Fprintf(&b, "(source: %s)\n", doc.Source)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
