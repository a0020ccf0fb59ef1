package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/knowledge"
	"github.com/CK991357/gemini-chat-sub000/internal/llm"
	"github.com/CK991357/gemini-chat-sub000/internal/metrics"
)

// DocRetriever fetches tool-usage documentation scoped to a namespace. It is
// the narrow slice of the knowledge cache the code expert needs.
type DocRetriever interface {
	RetrieveNamespaced(ctx context.Context, namespace, query string, limit int) ([]knowledge.Document, error)
}

// CodeExpert is a composite tool: it asks the model for code scoped to a
// task, statically validates it, repairs it once on failure, and falls back
// to a deterministic generator when the model cannot produce valid code. The
// validated code then runs through the wrapped execution tool.
type CodeExpert struct {
	llm            llm.Client
	model          string
	execTool       Tool
	docs           DocRetriever
	repairAttempts int
	logger         *zap.Logger
}

// NewCodeExpert wires the expert around the execution tool and the model used
// for generation. docs may be nil when no knowledge service is configured;
// generation then runs unscoped. repairAttempts bounds how many correction
// calls are made before the deterministic fallback takes over.
func NewCodeExpert(client llm.Client, model string, execTool Tool, docs DocRetriever, repairAttempts int, logger *zap.Logger) *CodeExpert {
	if repairAttempts < 0 {
		repairAttempts = 1
	}
	return &CodeExpert{
		llm:            client,
		model:          model,
		execTool:       execTool,
		docs:           docs,
		repairAttempts: repairAttempts,
		logger:         logger,
	}
}

func (c *CodeExpert) Name() string { return "code_expert" }

// Invoke generates, validates, and executes code for the task in
// params["task"]. Tool-usage documentation is retrieved for the wrapped
// execution tool and scopes the generation so the model works against real
// API surfaces instead of guessing; params["knowledge"] can supply extra
// caller-provided context on top.
func (c *CodeExpert) Invoke(ctx context.Context, params map[string]interface{}, tc Context) (*Result, error) {
	task, _ := params["task"].(string)
	if strings.TrimSpace(task) == "" {
		return &Result{Success: false, Output: "code_expert requires a non-empty task parameter"}, nil
	}
	docs := c.retrieveDocs(ctx, task)
	if extra, _ := params["knowledge"].(string); extra != "" {
		if docs != "" {
			docs += "\n\n"
		}
		docs += extra
	}

	code, genErr := c.generate(ctx, task, docs, "")
	var valErr error
	if genErr == nil {
		valErr = c.validate(code)
	}
	fallbackUsed := false

	if genErr != nil || valErr != nil {
		reason := "model unavailable"
		if valErr != nil {
			reason = valErr.Error()
		}
		repaired := false
		for attempt := 0; attempt < c.repairAttempts; attempt++ {
			candidate, repairErr := c.generate(ctx, task, docs, reason)
			if repairErr != nil {
				continue
			}
			if verr := c.validate(candidate); verr != nil {
				reason = verr.Error()
				continue
			}
			code = candidate
			repaired = true
			break
		}
		if !repaired {
			code = c.fallbackCode(task)
			fallbackUsed = true
			metrics.CodeFallbacks.Inc()
			c.logger.Warn("code generation fell back to deterministic analyzer",
				zap.String("task", task), zap.String("reason", reason))
		}
	}

	execParams := map[string]interface{}{"code": code}
	if lang, ok := params["language"]; ok {
		execParams["language"] = lang
	}
	result, err := c.execTool.Invoke(ctx, execParams, tc)
	if err != nil {
		return &Result{Success: false, Output: fmt.Sprintf("code execution failed: %v", err)}, nil
	}
	if result == nil {
		return &Result{Success: false, Output: "code execution returned no result"}, nil
	}
	if fallbackUsed {
		result.Output = strings.TrimRight(result.Output, "\n") + "\n[fallback_used: the analysis code was produced by the deterministic generator]"
	}
	return result, nil
}

// retrieveDocs asks the knowledge service for usage documentation of the
// wrapped execution tool. A missing retriever or a retrieval failure degrades
// to unscoped generation rather than failing the call.
func (c *CodeExpert) retrieveDocs(ctx context.Context, task string) string {
	if c.docs == nil {
		return ""
	}
	docs, err := c.docs.RetrieveNamespaced(ctx, c.execTool.Name(), task, 3)
	if err != nil {
		c.logger.Warn("tool documentation retrieval failed, generating unscoped",
			zap.String("tool", c.execTool.Name()), zap.Error(err))
		return ""
	}
	if len(docs) == 0 {
		return ""
	}
	return knowledge.RenderDocs(docs)
}

const codeGenSystem = "You are a code generation assistant. Produce a single runnable script that completes the task. " +
	"Use only the standard library. Print the final results with explicit output statements. " +
	"Respond with the code only, inside one fenced code block."

// generate makes one model call for the task. A non-empty repairReason turns
// the call into a correction request carrying the validation failure.
func (c *CodeExpert) generate(ctx context.Context, task, docs, repairReason string) (string, error) {
	var user strings.Builder
	user.WriteString("Task:\n")
	user.WriteString(task)
	if docs != "" {
		user.WriteString("\n\nRelevant API documentation:\n")
		user.WriteString(docs)
	}
	if repairReason != "" {
		fmt.Fprintf(&user, "\n\nYour previous attempt was rejected: %s\nEmit a corrected version.", repairReason)
	}

	resp, err := c.llm.CompleteChat(ctx, llm.ChatRequest{
		Model: c.model,
		Messages: []llm.Message{
			{Role: "system", Content: codeGenSystem},
			{Role: "user", Content: user.String()},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	return extractCode(resp.Content()), nil
}

var codeFencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\n(.*?)```")

func extractCode(text string) string {
	if m := codeFencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

var outputStmtPattern = regexp.MustCompile(`(?m)\b(print|console\.log|fmt\.Print|echo|puts|System\.out)\b`)

// validate runs the static checks the execution environment cannot recover
// from: bracket balance, fullwidth punctuation outside string literals, and
// the presence of at least one output statement.
func (c *CodeExpert) validate(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("empty code")
	}
	if err := checkBracketBalance(code); err != nil {
		return err
	}
	if r := fullwidthOutsideStrings(code); r != 0 {
		return fmt.Errorf("fullwidth punctuation %q outside a string literal", r)
	}
	if !outputStmtPattern.MatchString(code) {
		return fmt.Errorf("no output statement; results would be silently discarded")
	}
	return nil
}

func checkBracketBalance(code string) error {
	pairs := map[rune]rune{')': '(', ']': '[', '}': '{'}
	var stack []rune
	var inStr rune
	var prev rune
	for _, r := range code {
		if inStr != 0 {
			if r == inStr && prev != '\\' {
				inStr = 0
			}
			prev = r
			continue
		}
		switch r {
		case '"', '\'', '`':
			inStr = r
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != pairs[r] {
				return fmt.Errorf("unbalanced bracket %q", r)
			}
			stack = stack[:len(stack)-1]
		}
		prev = r
	}
	if len(stack) != 0 {
		return fmt.Errorf("unclosed bracket %q", stack[len(stack)-1])
	}
	return nil
}

var fullwidthRunes = map[rune]struct{}{
	'（': {}, '）': {}, '｛': {}, '｝': {}, '【': {}, '】': {},
	'：': {}, '，': {}, '；': {}, '“': {}, '”': {}, '‘': {}, '’': {},
}

func fullwidthOutsideStrings(code string) rune {
	var inStr rune
	var prev rune
	for _, r := range code {
		if inStr != 0 {
			if r == inStr && prev != '\\' {
				inStr = 0
			}
			prev = r
			continue
		}
		switch r {
		case '"', '\'', '`':
			inStr = r
		default:
			if _, bad := fullwidthRunes[r]; bad {
				return r
			}
		}
		prev = r
	}
	return 0
}

// fallbackCode produces a straight-line analysis script from task keywords.
// It always validates; it computes less than model-generated code but never
// fails the pipeline.
func (c *CodeExpert) fallbackCode(task string) string {
	var ops []string
	lower := strings.ToLower(task)
	if strings.Contains(lower, "mean") || strings.Contains(lower, "average") || strings.Contains(lower, "平均") {
		ops = append(ops, `print("mean:", sum(numbers) / len(numbers) if numbers else "n/a")`)
	}
	if strings.Contains(lower, "median") || strings.Contains(lower, "中位") {
		ops = append(ops, `print("median:", sorted(numbers)[len(numbers) // 2] if numbers else "n/a")`)
	}
	if strings.Contains(lower, "max") || strings.Contains(lower, "最大") || strings.Contains(lower, "highest") {
		ops = append(ops, `print("max:", max(numbers) if numbers else "n/a")`)
	}
	if strings.Contains(lower, "min") || strings.Contains(lower, "最小") || strings.Contains(lower, "lowest") {
		ops = append(ops, `print("min:", min(numbers) if numbers else "n/a")`)
	}
	if strings.Contains(lower, "count") || strings.Contains(lower, "数量") {
		ops = append(ops, `print("count:", len(numbers))`)
	}
	if len(ops) == 0 {
		ops = append(ops,
			`print("count:", len(numbers))`,
			`print("sum:", sum(numbers))`,
			`print("mean:", sum(numbers) / len(numbers) if numbers else "n/a")`)
	}

	var b strings.Builder
	b.WriteString("import re\n\n")
	fmt.Fprintf(&b, "task = %q\n", task)
	b.WriteString(`numbers = [float(x) for x in re.findall(r"-?\d+(?:\.\d+)?", task)]` + "\n")
	for _, op := range ops {
		b.WriteString(op + "\n")
	}
	return b.String()
}
