// Package parser turns raw model text into a typed decision. The model is
// instructed to emit "思考: <text>" followed by either "行动: <tool>" plus
// "行动输入: <json>", or "最终答案: <text>". Model output is noisy: code
// fences, smart quotes, fullwidth punctuation, trailing commas, and truncated
// JSON all occur in practice and must be tolerated.
package parser

import (
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/metrics"
)

// Kind discriminates the decision union.
type Kind string

const (
	KindToolCall           Kind = "tool_call"
	KindFinalAnswer        Kind = "final_answer"
	KindError              Kind = "error"
	KindKnowledgeRetrieval Kind = "knowledge_retrieval"
	KindOutlineRequest     Kind = "outline_request"
)

// Decision is the closed union of parser outcomes. Exactly the fields for the
// active Kind are populated; the orchestrator switches exhaustively on Kind.
type Decision struct {
	Kind       Kind
	ToolName   string
	Parameters map[string]interface{}
	Thought    string
	Answer     string
	Message    string
}

// Pseudo-tools routed to their own decision kinds.
const (
	knowledgeTool = "knowledge_retrieval"
	outlineTool   = "generate_outline"
)

var (
	thoughtPattern = regexp.MustCompile(`(?s)思考\s*[:：]\s*(.*?)\s*(?:\n\s*\n|行动\s*[:：]|最终答案\s*[:：]|$)`)
	actionPattern  = regexp.MustCompile(`行动\s*[:：]\s*([A-Za-z_][\w.\-]*)`)
	inputPattern   = regexp.MustCompile(`(?s)行动输入\s*[:：]\s*(.*)$`)
	finalPattern   = regexp.MustCompile(`(?s)最终答案\s*[:：]\s*(.*)$`)

	// heading-based report shape: "# Title" followed by at least one "## Section"
	reportShapePattern = regexp.MustCompile(`(?m)^#\s+\S.*\n(?s).*^##\s+\S`)
)

// completion language that promotes an unparsable output to a final answer
var completionKeywords = []string{
	"complete", "final", "conclusion", "finished",
	"完成", "最终", "结论", "总结",
}

// Parser parses model output against a tool-name allowlist. Parse is a pure
// function of its input text.
type Parser struct {
	allowedTools map[string]bool
	logger       *zap.Logger
}

// New creates a parser. allowedTools is the registry's tool-name list used by
// the lenient stage; the strict stage accepts any well-formed tool name.
func New(allowedTools []string, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowed := make(map[string]bool, len(allowedTools))
	for _, t := range allowedTools {
		allowed[t] = true
	}
	return &Parser{allowedTools: allowed, logger: logger}
}

// Parse applies the staged strategy: strict extraction, lenient allowlist
// matching, final-answer promotion, then a corrective error. First success wins.
func (p *Parser) Parse(modelText string) Decision {
	text := stripCodeFences(strings.TrimSpace(modelText))
	thought := extractThought(text)

	// Explicit final answer beats everything.
	if m := finalPattern.FindStringSubmatch(text); m != nil {
		answer := strings.TrimSpace(m[1])
		if answer != "" {
			return Decision{Kind: KindFinalAnswer, Answer: answer, Thought: thought}
		}
	}

	// Stage 1: strict 行动/行动输入 pair with JSON normalization.
	if d, ok := p.parseStrict(text, thought); ok {
		return d
	}

	// Stage 2: lenient allowlist scan with best-effort JSON repair.
	if d, ok := p.parseLenient(text, thought); ok {
		metrics.ParseRepairs.WithLabelValues("lenient").Inc()
		return d
	}

	// Stage 3: heuristic promotion to a final answer.
	if d, ok := promoteFinalAnswer(text, thought); ok {
		metrics.ParseRepairs.WithLabelValues("promotion").Inc()
		return d
	}

	// Stage 4: corrective error fed back into the transcript so the model can
	// self-correct on the next turn.
	metrics.ParseFailures.Inc()
	p.logger.Debug("Unparsable model output", zap.Int("length", len(modelText)))
	return Decision{
		Kind:    KindError,
		Thought: thought,
		Message: correctiveInstruction(),
	}
}

func (p *Parser) parseStrict(text, thought string) (Decision, bool) {
	am := actionPattern.FindStringSubmatchIndex(text)
	if am == nil {
		return Decision{}, false
	}
	toolName := text[am[2]:am[3]]

	im := inputPattern.FindStringSubmatch(text[am[1]:])
	if im == nil {
		// An action without input only works for parameterless pseudo-tools.
		if toolName == knowledgeTool || toolName == outlineTool {
			return routeToolDecision(toolName, map[string]interface{}{}, thought), true
		}
		return Decision{}, false
	}

	raw := extractJSONBlock(im[1])
	if raw == "" {
		return Decision{}, false
	}
	params, err := parseWithRepair(raw)
	if err != nil {
		// Unrepairable 行动输入: never invent defaults for unknown parameters.
		return Decision{}, false
	}
	return routeToolDecision(toolName, params, thought), true
}

func (p *Parser) parseLenient(text, thought string) (Decision, bool) {
	// Find any allowlisted tool name mentioned in the text, then pair it with
	// the nearest JSON-looking block after the mention.
	for tool := range p.allowedTools {
		idx := strings.Index(text, tool)
		if idx < 0 {
			continue
		}
		raw := extractJSONBlock(text[idx+len(tool):])
		if raw == "" {
			continue
		}
		params, err := parseWithRepair(raw)
		if err != nil {
			continue
		}
		return routeToolDecision(tool, params, thought), true
	}
	return Decision{}, false
}

func routeToolDecision(toolName string, params map[string]interface{}, thought string) Decision {
	switch toolName {
	case knowledgeTool:
		return Decision{Kind: KindKnowledgeRetrieval, ToolName: toolName, Parameters: params, Thought: thought}
	case outlineTool:
		return Decision{Kind: KindOutlineRequest, ToolName: toolName, Parameters: params, Thought: thought}
	default:
		return Decision{Kind: KindToolCall, ToolName: toolName, Parameters: params, Thought: thought}
	}
}

func promoteFinalAnswer(text, thought string) (Decision, bool) {
	lowerThought := strings.ToLower(thought)
	hasCompletion := false
	for _, kw := range completionKeywords {
		if strings.Contains(lowerThought, kw) {
			hasCompletion = true
			break
		}
	}
	if !hasCompletion {
		return Decision{}, false
	}
	// The trailing text after the thought must look like a heading-based report.
	body := text
	if i := strings.Index(text, thought); i >= 0 {
		body = text[i+len(thought):]
	}
	body = strings.TrimSpace(body)
	if !reportShapePattern.MatchString(body) {
		return Decision{}, false
	}
	return Decision{Kind: KindFinalAnswer, Answer: body, Thought: thought}, true
}

func extractThought(text string) string {
	if m := thoughtPattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func correctiveInstruction() string {
	return "输出格式错误。请严格使用以下格式之一：\n\n" +
		"思考: <你的推理>\n行动: <工具名称>\n行动输入: {\"参数\": \"值\"}\n\n" +
		"或者：\n\n思考: <你的推理>\n最终答案: <完整报告>\n\n" +
		"行动输入必须是合法的 JSON 对象，使用英文标点。"
}

// stripCodeFences removes markdown code fences wrapping the whole payload or a
// JSON block within it, keeping fence contents.
func stripCodeFences(s string) string {
	fence := regexp.MustCompile("(?s)```(?:json|markdown|text)?\\s*\\n?(.*?)```")
	return fence.ReplaceAllString(s, "$1")
}
