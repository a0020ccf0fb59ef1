// Package citations post-processes a synthesized report: matching in-text
// citation markers to the source list and filtering unused sources.
package citations

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/research"
	"github.com/CK991357/gemini-chat-sub000/internal/util"
)

// citationGroupPattern matches inline markers like [3] and grouped variants
// like [1,2] or [1，3] (ASCII or CJK comma, up to five numbers per group).
// Compiled once at package level.
var citationGroupPattern = regexp.MustCompile(`\[(\d{1,3}(?:\s*[,，、]\s*\d{1,3}){0,4})\]`)

var groupSeparatorPattern = regexp.MustCompile(`\s*[,，、]\s*`)

// preferred high-quality domains used when backfilling sparse citations
var preferredDomainSuffixes = []string{".gov", ".edu", ".org"}

// ExtractCitedIndices returns the distinct 1-based citation numbers referenced
// by the report text, in first-appearance order.
func ExtractCitedIndices(report string) []int {
	seen := make(map[int]bool)
	var out []int
	for _, m := range citationGroupPattern.FindAllStringSubmatch(report, -1) {
		for _, tok := range groupSeparatorPattern.Split(m[1], -1) {
			n, err := strconv.Atoi(strings.TrimSpace(tok))
			if err != nil {
				continue
			}
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// FilterUsedSources returns the sources actually used by the report: every
// source whose 1-based index appears as an in-text marker, plus sources whose
// title keywords overlap the report text. When explicit coverage is sparse,
// unused sources are backfilled (preferring .gov/.edu/.org domains) until
// minSources survive; the filter never returns more sources than exist.
func FilterUsedSources(allSources []research.SourceRef, report string, minSources int) []research.SourceRef {
	if len(allSources) == 0 {
		return nil
	}

	used := make(map[int]bool)
	for _, n := range ExtractCitedIndices(report) {
		if n >= 1 && n <= len(allSources) {
			used[n-1] = true
		}
	}

	// Secondary signal: title keyword overlap with the report body.
	lowerReport := strings.ToLower(report)
	for i, src := range allSources {
		if used[i] || src.Title == "" {
			continue
		}
		if titleMentioned(lowerReport, src.Title) {
			used[i] = true
		}
	}

	// Backfill from unused high-quality sources until the minimum survives.
	if len(used) < minSources {
		for _, i := range backfillOrder(allSources, used) {
			if len(used) >= minSources {
				break
			}
			used[i] = true
		}
	}

	indices := make([]int, 0, len(used))
	for i := range used {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	out := make([]research.SourceRef, 0, len(indices))
	for rank, i := range indices {
		src := allSources[i]
		src.UsedInReport = true
		src.EnhancedIndex = rank + 1
		out = append(out, src)
	}
	return out
}

// titleMentioned reports whether at least half of a title's significant
// keywords (minimum two) appear in the report.
func titleMentioned(lowerReport, title string) bool {
	var keywords []string
	for _, tok := range util.Tokenize(title) {
		if len(tok) >= 4 {
			keywords = append(keywords, tok)
		}
	}
	if len(keywords) < 2 {
		return false
	}
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lowerReport, kw) {
			hits++
		}
	}
	return hits*2 >= len(keywords)
}

// backfillOrder ranks unused source indices: preferred domains first, then
// original order.
func backfillOrder(sources []research.SourceRef, used map[int]bool) []int {
	var preferred, rest []int
	for i, src := range sources {
		if used[i] {
			continue
		}
		if hasPreferredDomain(src.URL) {
			preferred = append(preferred, i)
		} else {
			rest = append(rest, i)
		}
	}
	return append(preferred, rest...)
}

func hasPreferredDomain(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, suffix := range preferredDomainSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// MapCitations resolves every in-text marker against the original pre-filter
// source array and renders the citation appendix. Out-of-range markers are
// reported as warnings and dropped; the function never fails and never emits
// an index outside [1, len(sources)].
func MapCitations(report string, sources []research.SourceRef, logger *zap.Logger) (string, []string) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var warnings []string
	var resolved []int
	seen := make(map[int]bool)
	for _, n := range ExtractCitedIndices(report) {
		if n < 1 || n > len(sources) {
			warnings = append(warnings, fmt.Sprintf("citation marker [%d] out of range (1-%d)", n, len(sources)))
			continue
		}
		if !seen[n] {
			seen[n] = true
			resolved = append(resolved, n)
		}
	}
	sort.Ints(resolved)

	if len(warnings) > 0 {
		logger.Warn("Dropped out-of-range citation markers",
			zap.Int("count", len(warnings)),
			zap.Int("sources", len(sources)),
		)
	}
	if len(resolved) == 0 {
		return "", warnings
	}

	var sb strings.Builder
	sb.WriteString("## Citations\n\n")
	for _, n := range resolved {
		src := sources[n-1]
		title := src.Title
		if title == "" {
			title = src.URL
		}
		sb.WriteString(fmt.Sprintf("[%d] %s", n, title))
		if src.URL != "" && title != src.URL {
			sb.WriteString(fmt.Sprintf(" - %s", src.URL))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n"), warnings
}

// RenderBibliography renders the filtered source list as a references section,
// kept independent from the citation appendix so the two may diverge.
func RenderBibliography(sources []research.SourceRef) string {
	if len(sources) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## References\n\n")
	for i, src := range sources {
		title := src.Title
		if title == "" {
			title = src.URL
		}
		sb.WriteString(fmt.Sprintf("%d. %s", i+1, title))
		if src.URL != "" && title != src.URL {
			sb.WriteString(fmt.Sprintf(" - %s", src.URL))
		}
		if src.Description != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", util.TruncateString(src.Description, 120, true)))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
