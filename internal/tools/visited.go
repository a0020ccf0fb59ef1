package tools

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// VisitedURL tracks one crawled resource for the anti-loop guard. Session
// scoped; never persisted.
type VisitedURL struct {
	URL         string
	Count       int
	LastVisited time.Time
	StepIndex   int
	// Digest is a short summary of the last observation, returned to the
	// model instead of re-fetching on rejection.
	Digest string
}

// VisitedTracker enforces the URL dedup/anti-loop invariant: similar URLs on
// the same host share a revisit counter, and once the counter reaches the cap
// further similar requests are rejected without network I/O.
type VisitedTracker struct {
	mu        sync.Mutex
	visited   []*VisitedURL
	threshold float64
	cap       int
}

// NewVisitedTracker creates a tracker with the given similarity threshold and
// revisit cap.
func NewVisitedTracker(threshold float64, revisitCap int) *VisitedTracker {
	if threshold <= 0 {
		threshold = 0.85
	}
	if revisitCap < 1 {
		revisitCap = 2
	}
	return &VisitedTracker{threshold: threshold, cap: revisitCap}
}

// Check decides whether rawURL may be fetched. On approval the matched entry's
// counter is incremented (or a new entry recorded at count 1). On rejection
// the matched entry is returned so the caller can surface its cached digest.
func (v *VisitedTracker) Check(rawURL string, stepIndex int) (*VisitedURL, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var best *VisitedURL
	bestScore := 0.0
	for _, entry := range v.visited {
		score := urlSimilarity(rawURL, entry.URL)
		if score >= v.threshold && score > bestScore {
			best = entry
			bestScore = score
		}
	}

	if best == nil {
		entry := &VisitedURL{URL: rawURL, Count: 1, LastVisited: time.Now(), StepIndex: stepIndex}
		v.visited = append(v.visited, entry)
		return entry, nil
	}
	if best.Count >= v.cap {
		return best, fmt.Errorf("%w: %q matches already-visited %q (visited %d times)",
			ErrDuplicateURL, rawURL, best.URL, best.Count)
	}
	best.Count++
	best.LastVisited = time.Now()
	best.StepIndex = stepIndex
	return best, nil
}

// RecordDigest stores a short observation summary on the entry matching
// rawURL, for reuse when a later similar request is rejected.
func (v *VisitedTracker) RecordDigest(rawURL, digest string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, entry := range v.visited {
		if entry.URL == rawURL {
			entry.Digest = digest
			return
		}
	}
}

// Len returns the number of distinct tracked URLs.
func (v *VisitedTracker) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.visited)
}

// urlSimilarity scores two URLs in [0,1]: 0 for different hosts, otherwise
// one minus the normalized edit distance of their path+query parts. Identical
// URLs score 1.
func urlSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return 0
	}
	if !strings.EqualFold(ua.Hostname(), ub.Hostname()) {
		return 0
	}
	pa := pathAndQuery(ua)
	pb := pathAndQuery(ub)
	if pa == pb {
		return 1
	}
	ra, rb := []rune(pa), []rune(pb)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshteinDistance(ra, rb)
	return 1 - float64(dist)/float64(maxLen)
}

func pathAndQuery(u *url.URL) string {
	s := u.EscapedPath()
	if u.RawQuery != "" {
		s += "?" + u.RawQuery
	}
	return s
}
