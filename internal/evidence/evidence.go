// Package evidence assembles the synthesis input from the session transcript
// and the data bus. It decides, per step, how much of the original payload the
// report writer gets to see.
package evidence

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/databus"
	"github.com/CK991357/gemini-chat-sub000/internal/extract"
	"github.com/CK991357/gemini-chat-sub000/internal/research"
	"github.com/CK991357/gemini-chat-sub000/internal/util"
)

// Strategy names how a step's payload is represented in the package.
type Strategy string

const (
	// FullOriginal passes the verbatim payload through.
	FullOriginal Strategy = "full_original"
	// EnhancedSummary pairs a bounded excerpt with extracted data points.
	EnhancedSummary Strategy = "enhanced_summary"
	// StructuredOnly keeps only the structural outline of the payload.
	StructuredOnly Strategy = "structured_only"
	// Hybrid keeps the outline plus the data points.
	Hybrid Strategy = "hybrid"
)

// Item is one step's contribution to the evidence package.
type Item struct {
	StepIndex   int
	SubQuestion string
	ToolName    string
	Strategy    Strategy
	Content     string
	DataPoints  []string
	Sources     []research.SourceRef
}

// Package is the ordered evidence handed to synthesis.
type Package struct {
	Items   []Item
	Sources []research.SourceRef
}

// Collector builds evidence packages. It reads the bus but never mutates it.
type Collector struct {
	bus          *databus.Bus
	verbatimMax  int
	excerptLimit int
	logger       *zap.Logger
}

// NewCollector creates a collector. verbatimMax bounds how large a payload may
// be passed through unreduced; larger payloads get a summary strategy.
func NewCollector(bus *databus.Bus, verbatimMax int, logger *zap.Logger) *Collector {
	if verbatimMax <= 0 {
		verbatimMax = 2000
	}
	return &Collector{bus: bus, verbatimMax: verbatimMax, excerptLimit: verbatimMax / 2, logger: logger}
}

// Build walks the transcript in step order, keeps the usable steps, and picks
// a representation strategy per payload. Failed steps, rejected calls, and
// empty observations contribute nothing.
func (c *Collector) Build(runID string, steps []research.Step, plan *research.Plan, mode research.Mode) *Package {
	pkg := &Package{}
	seen := make(map[string]struct{})

	ordered := make([]research.Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	for _, step := range ordered {
		if !usable(step) {
			continue
		}
		content, contentType := c.payloadFor(runID, step)
		if strings.TrimSpace(content) == "" {
			continue
		}

		item := Item{
			StepIndex:   step.Index,
			SubQuestion: planQuestionFor(plan, len(pkg.Items)),
			ToolName:    step.Action.ToolName,
			Sources:     step.Sources,
		}
		item.Strategy, item.Content, item.DataPoints = c.represent(content, contentType, mode)
		pkg.Items = append(pkg.Items, item)

		for _, src := range step.Sources {
			if src.URL == "" {
				continue
			}
			if _, dup := seen[src.URL]; dup {
				continue
			}
			seen[src.URL] = struct{}{}
			pkg.Sources = append(pkg.Sources, src)
		}
	}

	c.logger.Debug("evidence package built",
		zap.String("run_id", runID),
		zap.Int("items", len(pkg.Items)),
		zap.Int("sources", len(pkg.Sources)))
	return pkg
}

// usable reports whether a step carries evidence worth synthesizing.
func usable(step research.Step) bool {
	if !step.Success {
		return false
	}
	if step.Action.Kind != research.ActionToolCall && step.Action.Kind != research.ActionKnowledgeRetrieval {
		return false
	}
	return strings.TrimSpace(step.Observation) != ""
}

// payloadFor prefers the verbatim bus payload over the bounded observation.
func (c *Collector) payloadFor(runID string, step research.Step) (string, string) {
	if entry := c.bus.Get(runID, step.Index); entry != nil {
		content := entry.OriginalData
		if content == "" {
			content = entry.RawData
		}
		return content, entry.Metadata.ContentType
	}
	return step.Observation, "text"
}

// represent picks the strategy for one payload. Deep mode favors keeping more
// verbatim material; standard mode reduces earlier.
func (c *Collector) represent(content, contentType string, mode research.Mode) (Strategy, string, []string) {
	limit := c.verbatimMax
	if mode == research.ModeDeep {
		limit *= 2
	}
	points := ExtractDataPoints(content, 12)

	if len(content) <= limit {
		return FullOriginal, content, points
	}
	if extract.HasMarkdownStructure(content) {
		outline := extract.MarkdownOutline(content)
		if len(points) > 0 {
			return Hybrid, outline, points
		}
		return StructuredOnly, outline, nil
	}
	return EnhancedSummary, util.TruncateString(content, c.excerptLimit, true), points
}

// Render flattens the package into the synthesis prompt section. Items appear
// in step order with their data points inlined.
func (p *Package) Render() string {
	if len(p.Items) == 0 {
		return "No usable evidence was collected."
	}
	var b strings.Builder
	for _, item := range p.Items {
		fmt.Fprintf(&b, "### Evidence from step %d", item.StepIndex+1)
		if item.ToolName != "" {
			fmt.Fprintf(&b, " (%s)", item.ToolName)
		}
		b.WriteString("\n")
		if item.SubQuestion != "" {
			fmt.Fprintf(&b, "Sub-question: %s\n", item.SubQuestion)
		}
		b.WriteString(item.Content)
		b.WriteString("\n")
		if len(item.DataPoints) > 0 {
			b.WriteString("Key data points:\n")
			for _, dp := range item.DataPoints {
				fmt.Fprintf(&b, "- %s\n", dp)
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func planQuestionFor(plan *research.Plan, ordinal int) string {
	if plan == nil || ordinal >= len(plan.Steps) {
		return ""
	}
	return plan.Steps[ordinal].SubQuestion
}

var (
	percentPattern    = regexp.MustCompile(`-?\d+(?:\.\d+)?\s*[%％]`)
	currencyPattern   = regexp.MustCompile(`[$€£¥]\s?\d[\d,]*(?:\.\d+)?(?:\s*(?:billion|million|trillion|万|亿))?`)
	yearPattern       = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	bigNumberPattern  = regexp.MustCompile(`\b\d{1,3}(?:,\d{3})+(?:\.\d+)?\b`)
	superlativeTokens = []string{
		"largest", "smallest", "highest", "lowest", "fastest", "first", "record",
		"最大", "最小", "最高", "最低", "最快", "首次", "创纪录",
	}
)

// ExtractDataPoints pulls the sentences most likely to carry hard figures:
// percentages, currency amounts, large numbers, years, and superlative claims.
// At most limit points are returned, in document order, deduplicated.
func ExtractDataPoints(content string, limit int) []string {
	var points []string
	seen := make(map[string]struct{})

	add := func(sentence string) {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" || len(sentence) > 400 {
			return
		}
		if _, dup := seen[sentence]; dup {
			return
		}
		seen[sentence] = struct{}{}
		points = append(points, sentence)
	}

	for _, sentence := range splitSentences(content) {
		if len(points) >= limit {
			break
		}
		switch {
		case percentPattern.MatchString(sentence),
			currencyPattern.MatchString(sentence),
			bigNumberPattern.MatchString(sentence):
			add(sentence)
		case yearPattern.MatchString(sentence) && containsAny(sentence, superlativeTokens):
			add(sentence)
		case containsAny(sentence, superlativeTokens):
			add(sentence)
		}
	}
	if len(points) > limit {
		points = points[:limit]
	}
	return points
}

// splitSentences breaks content on sentence terminators, keeping decimal
// points like "4.5" intact.
func splitSentences(content string) []string {
	var sentences []string
	runes := []rune(content)
	var cur []rune
	for i, r := range runes {
		cur = append(cur, r)
		switch r {
		case '.', '!', '?', '。', '！', '？', '；', '\n':
			if r == '.' && i > 0 && i+1 < len(runes) &&
				isDigit(runes[i-1]) && isDigit(runes[i+1]) {
				continue
			}
			sentences = append(sentences, string(cur))
			cur = cur[:0]
		}
	}
	if len(cur) > 0 {
		sentences = append(sentences, string(cur))
	}
	return sentences
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func containsAny(s string, tokens []string) bool {
	lower := strings.ToLower(s)
	for _, tok := range tokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}
