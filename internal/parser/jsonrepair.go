package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// extractJSONBlock returns the first brace-delimited block in s, scanning with
// string awareness. A block truncated by the model (missing closers) is
// returned as-is from the opening brace; repair closes it later.
func extractJSONBlock(s string) string {
	start := strings.IndexAny(s, "{｛")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	runes := []rune(s[start:])
	for i, r := range runes {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString:
			if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
		case r == '"':
			inString = true
		case r == '{' || r == '｛':
			depth++
		case r == '}' || r == '｝':
			depth--
			if depth == 0 {
				return string(runes[:i+1])
			}
		}
	}
	// Truncated output: return the unbalanced remainder for repair.
	return string(runes)
}

// parseWithRepair attempts a strict parse, then a normalized-and-repaired
// parse. It never invents content: repair only fixes punctuation, trailing
// commas, bare keys, and unbalanced delimiters.
func parseWithRepair(raw string) (map[string]interface{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty action input")
	}

	if params, err := parseObject(raw); err == nil {
		return params, nil
	}

	repaired := normalizePunctuation(raw)
	repaired = stripTrailingCommas(repaired)
	repaired = quoteBareKeys(repaired)
	repaired = closeUnbalanced(repaired)

	params, err := parseObject(repaired)
	if err != nil {
		return nil, fmt.Errorf("action input not repairable: %w", err)
	}
	return params, nil
}

func parseObject(s string) (map[string]interface{}, error) {
	var params map[string]interface{}
	if err := json.Unmarshal([]byte(s), &params); err != nil {
		return nil, err
	}
	if params == nil {
		return nil, fmt.Errorf("action input is not a JSON object")
	}
	return params, nil
}

// fullwidth and smart punctuation the model substitutes for JSON structure
var punctReplacements = []struct{ old, repl string }{
	{"｛", "{"}, {"｝", "}"},
	{"【", "["}, {"】", "]"},
	{"：", ":"}, {"，", ","},
	{"“", `"`}, {"”", `"`},
	{"‘", `'`}, {"’", `'`},
	{"　", " "},
	{"（", "("}, {"）", ")"},
}

func normalizePunctuation(s string) string {
	for _, pr := range punctReplacements {
		s = strings.ReplaceAll(s, pr.old, pr.repl)
	}
	return s
}

var trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)

func stripTrailingCommas(s string) string {
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

var bareKeyPattern = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)

func quoteBareKeys(s string) string {
	return bareKeyPattern.ReplaceAllString(s, `$1"$2"$3`)
}

// closeUnbalanced terminates an open string literal and appends the closers
// needed to balance braces and brackets, in nesting order.
func closeUnbalanced(s string) string {
	var stack []rune
	inString := false
	escaped := false
	for _, r := range s {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString:
			if r == '\\' {
				escaped = true
			} else if r == '"' {
				inString = false
			}
		case r == '"':
			inString = true
		case r == '{' || r == '[':
			stack = append(stack, r)
		case r == '}':
			if len(stack) > 0 && stack[len(stack)-1] == '{' {
				stack = stack[:len(stack)-1]
			}
		case r == ']':
			if len(stack) > 0 && stack[len(stack)-1] == '[' {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	// Drop a dangling trailing comma introduced by truncation.
	trimmed := strings.TrimRight(b.String(), " \t\n")
	if strings.HasSuffix(trimmed, ",") {
		trimmed = strings.TrimSuffix(trimmed, ",")
		b.Reset()
		b.WriteString(trimmed)
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// DecodeJSON extracts the first JSON object in text (fenced or inline),
// repairs it when malformed, and unmarshals it into v. Callers use it for
// structured model outputs like research plans.
func DecodeJSON(text string, v interface{}) error {
	block := extractJSONBlock(stripCodeFences(text))
	if block == "" {
		return fmt.Errorf("no JSON object found")
	}
	if err := json.Unmarshal([]byte(block), v); err == nil {
		return nil
	}

	repaired := normalizePunctuation(block)
	repaired = stripTrailingCommas(repaired)
	repaired = quoteBareKeys(repaired)
	repaired = closeUnbalanced(repaired)
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("JSON not repairable: %w", err)
	}
	return nil
}
