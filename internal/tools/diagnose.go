package tools

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	missingModulePattern = regexp.MustCompile(`(?i)(no module named|module not found|cannot find module)\s*['"]?([\w.\-]+)`)
	undefinedPattern     = regexp.MustCompile(`(?i)(name ['"]?([\w.]+)['"]? is not defined|undefined:?\s*([\w.]+))`)
)

// DiagnoseFailure maps a raw tool failure message to a one-line hint appended
// to the observation, so the model gets a concrete repair direction instead of
// a bare traceback.
func DiagnoseFailure(toolName, message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "syntaxerror") || strings.Contains(lower, "syntax error"):
		return "The code has a syntax error. Check for unbalanced brackets, stray punctuation, or a missing colon, then resubmit the corrected code."
	case strings.Contains(lower, "indentationerror") || strings.Contains(lower, "unexpected indent"):
		return "The code has inconsistent indentation. Re-emit it using spaces only, with a uniform indent per block."
	case missingModulePattern.MatchString(message):
		m := missingModulePattern.FindStringSubmatch(message)
		return fmt.Sprintf("The module %q is not available in the execution environment. Rewrite the code using only the standard library.", m[2])
	case undefinedPattern.MatchString(message):
		m := undefinedPattern.FindStringSubmatch(message)
		name := m[2]
		if name == "" {
			name = m[3]
		}
		return fmt.Sprintf("The name %q is used before it is defined. Define it or fix the spelling before resubmitting.", name)
	case strings.Contains(lower, "typeerror") || strings.Contains(lower, "type error"):
		return "A value has the wrong type for the operation applied to it. Convert the operands explicitly and resubmit."
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline"):
		return "The call timed out. Try a narrower request or a different source."
	default:
		return ""
	}
}
