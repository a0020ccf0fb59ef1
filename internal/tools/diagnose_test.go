package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiagnoseFailure(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    string
	}{
		{"syntax", "SyntaxError: invalid syntax (line 3)", "syntax error"},
		{"indentation", "IndentationError: unexpected indent", "indentation"},
		{"missing module", "ModuleNotFoundError: No module named 'pandas'", `"pandas"`},
		{"undefined name", "NameError: name 'resutl' is not defined", `"resutl"`},
		{"type error", "TypeError: unsupported operand type(s)", "wrong type"},
		{"timeout", "request timeout after 60s", "timed out"},
		{"unrecognized", "something completely different", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DiagnoseFailure("code_interpreter", tt.message)
			if tt.want == "" {
				assert.Empty(t, got)
			} else {
				assert.Contains(t, got, tt.want)
			}
		})
	}
}
