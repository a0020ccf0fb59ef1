package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/research"
)

// HTTPTool proxies invocations to an external tool service. Each registered
// tool name maps to one endpoint on the service.
type HTTPTool struct {
	name    string
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPTool creates a proxy for one named tool.
func NewHTTPTool(name, baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPTool{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

func (t *HTTPTool) Name() string { return t.name }

type httpToolRequest struct {
	Parameters map[string]interface{} `json:"parameters"`
	Mode       string                 `json:"mode,omitempty"`
}

type httpToolResponse struct {
	Success bool                 `json:"success"`
	Output  string               `json:"output"`
	Error   string               `json:"error,omitempty"`
	Sources []research.SourceRef `json:"sources,omitempty"`
}

// Invoke posts the call to the tool service. Transport failures surface as
// errors; tool-level failures come back as an unsuccessful Result.
func (t *HTTPTool) Invoke(ctx context.Context, params map[string]interface{}, tc Context) (*Result, error) {
	body, err := json.Marshal(httpToolRequest{Parameters: params, Mode: tc.Mode})
	if err != nil {
		return nil, fmt.Errorf("marshal tool request: %w", err)
	}

	url := fmt.Sprintf("%s/tools/%s", t.baseURL, t.name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool service returned %d for %s", resp.StatusCode, t.name)
	}

	var out httpToolResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tool response: %w", err)
	}
	if !out.Success && out.Error != "" && out.Output == "" {
		out.Output = out.Error
	}
	return &Result{Success: out.Success, Output: out.Output, Sources: out.Sources}, nil
}
