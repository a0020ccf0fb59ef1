package tools

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"identical", "https://example.com/page", "https://example.com/page", 1, 1},
		{"query variant", "https://example.com/page?a=1", "https://example.com/page?a=2", 0.85, 0.99},
		{"different host", "https://example.com/page", "https://other.com/page", 0, 0},
		{"different path", "https://example.com/alpha/one", "https://example.com/beta/two/three", 0, 0.6},
		{"case-insensitive host", "https://Example.COM/page", "https://example.com/page", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := urlSimilarity(tt.a, tt.b)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
		})
	}
}

func TestVisitedTrackerRevisitCap(t *testing.T) {
	tr := NewVisitedTracker(0.85, 2)

	// Two fetches of near-identical URLs share one counter and both pass.
	entry, err := tr.Check("https://example.com/page?a=1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Count)

	entry, err = tr.Check("https://example.com/page?a=2", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Count)
	assert.Equal(t, 1, tr.Len())

	// The third similar fetch is rejected without touching the counter.
	tr.RecordDigest("https://example.com/page?a=1", "GDP figures for 2023")
	rejected, err := tr.Check("https://example.com/page?a=3", 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateURL))
	assert.Equal(t, 2, rejected.Count)
	assert.Equal(t, "GDP figures for 2023", rejected.Digest)

	// A different host is unaffected by the cap.
	_, err = tr.Check("https://other.org/page?a=1", 3)
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Len())
}

func TestVisitedTrackerDistinctPaths(t *testing.T) {
	tr := NewVisitedTracker(0.85, 2)
	for i, u := range []string{
		"https://example.com/economy/report",
		"https://example.com/politics/summary",
		"https://example.com/science/findings",
	} {
		_, err := tr.Check(u, i)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, tr.Len())
}

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"同一个", "同一个", 0},
		{"同一个", "同两个", 1},
	}
	for _, tt := range tests {
		got := levenshteinDistance([]rune(tt.a), []rune(tt.b))
		assert.Equal(t, tt.want, got, "%q vs %q", tt.a, tt.b)
	}
}
