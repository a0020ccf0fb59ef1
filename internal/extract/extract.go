// Package extract provides best-effort structural extraction from HTML and
// markdown payloads. This is deliberately a heuristic regex layer, not a
// conformant parser; callers treat results as advisory.
package extract

import (
	"regexp"
	"strings"
)

// Structure is the result of HTML structural extraction.
type Structure struct {
	Title      string
	Paragraphs []string
	Tables     []string
	Images     []string
	CodeBlocks []string
}

// Extractor is the HTML structural extraction contract the tool layer consumes.
type Extractor interface {
	ExtractStructure(html string) Structure
}

// RegexExtractor implements Extractor with hand-rolled patterns.
type RegexExtractor struct{}

var (
	titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	h1Pattern    = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	paraPattern  = regexp.MustCompile(`(?is)<p[^>]*>(.*?)</p>`)
	tablePattern = regexp.MustCompile(`(?is)<table[^>]*>.*?</table>`)
	imgPattern   = regexp.MustCompile(`(?i)<img[^>]+src=["']([^"']+)["']`)
	codePattern  = regexp.MustCompile(`(?is)<(?:pre|code)[^>]*>(.*?)</(?:pre|code)>`)
	tagPattern   = regexp.MustCompile(`(?s)<[^>]*>`)
	spacePattern = regexp.MustCompile(`\s+`)
)

// ExtractStructure pulls the title, paragraphs, tables, images, and code
// blocks out of an HTML payload.
func (RegexExtractor) ExtractStructure(html string) Structure {
	var s Structure

	if m := titlePattern.FindStringSubmatch(html); m != nil {
		s.Title = cleanText(m[1])
	} else if m := h1Pattern.FindStringSubmatch(html); m != nil {
		s.Title = cleanText(m[1])
	}

	for _, m := range paraPattern.FindAllStringSubmatch(html, -1) {
		if text := cleanText(m[1]); len(text) > 0 {
			s.Paragraphs = append(s.Paragraphs, text)
		}
	}
	for _, m := range tablePattern.FindAllString(html, -1) {
		s.Tables = append(s.Tables, tableToMarkdown(m))
	}
	for _, m := range imgPattern.FindAllStringSubmatch(html, -1) {
		s.Images = append(s.Images, m[1])
	}
	for _, m := range codePattern.FindAllStringSubmatch(html, -1) {
		if code := strings.TrimSpace(decodeEntities(m[1])); code != "" {
			s.CodeBlocks = append(s.CodeBlocks, code)
		}
	}
	return s
}

var (
	rowPattern  = regexp.MustCompile(`(?is)<tr[^>]*>(.*?)</tr>`)
	cellPattern = regexp.MustCompile(`(?is)<t[hd][^>]*>(.*?)</t[hd]>`)
)

// tableToMarkdown renders an HTML table as a markdown table, first row as header.
func tableToMarkdown(table string) string {
	var b strings.Builder
	rows := rowPattern.FindAllStringSubmatch(table, -1)
	for i, row := range rows {
		cells := cellPattern.FindAllStringSubmatch(row[1], -1)
		if len(cells) == 0 {
			continue
		}
		parts := make([]string, 0, len(cells))
		for _, c := range cells {
			parts = append(parts, cleanText(c[1]))
		}
		b.WriteString("| " + strings.Join(parts, " | ") + " |\n")
		if i == 0 {
			seps := make([]string, len(parts))
			for j := range seps {
				seps[j] = "---"
			}
			b.WriteString("| " + strings.Join(seps, " | ") + " |\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func cleanText(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = decodeEntities(s)
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

var entityReplacer = strings.NewReplacer(
	"&amp;", "&", "&lt;", "<", "&gt;", ">",
	"&quot;", `"`, "&#39;", "'", "&nbsp;", " ",
)

func decodeEntities(s string) string {
	return entityReplacer.Replace(s)
}

// Markdown structural detection, used by the data bus when reducing oversize
// payloads: tables and lists carry most of the signal of a crawled page.

var (
	mdTablePattern = regexp.MustCompile(`(?m)^\|.*\|\s*$`)
	mdListPattern  = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+.+$`)
	mdHeadPattern  = regexp.MustCompile(`(?m)^#{1,6}\s+.+$`)
)

// MarkdownOutline returns the headings, table rows, and list items of a
// markdown payload, preserving document order section by section.
func MarkdownOutline(md string) string {
	var keep []string
	for _, line := range strings.Split(md, "\n") {
		switch {
		case mdHeadPattern.MatchString(line),
			mdTablePattern.MatchString(line),
			mdListPattern.MatchString(line):
			keep = append(keep, line)
		}
	}
	return strings.Join(keep, "\n")
}

// HasMarkdownStructure reports whether md contains table or list markup worth
// extracting instead of blind truncation.
func HasMarkdownStructure(md string) bool {
	return mdTablePattern.MatchString(md) || mdListPattern.MatchString(md)
}
