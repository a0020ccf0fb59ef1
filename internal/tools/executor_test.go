package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/config"
	"github.com/CK991357/gemini-chat-sub000/internal/databus"
	"github.com/CK991357/gemini-chat-sub000/internal/events"
	"github.com/CK991357/gemini-chat-sub000/internal/research"
)

func newTestExecutor(t *testing.T, reg *Registry) (*Executor, *databus.Bus, *events.Manager) {
	t.Helper()
	logger := zap.NewNop()
	bus := databus.New(100, 20000, logger)
	em := events.NewManager(64, logger)
	cfg := config.Defaults().Research
	return NewExecutor("run-1", reg, bus, em, cfg, logger), bus, em
}

func echoTool(name string) Tool {
	return ToolFunc{ToolName: name, Fn: func(ctx context.Context, params map[string]interface{}, tc Context) (*Result, error) {
		q, _ := params["query"].(string)
		if q == "" {
			q, _ = params["url"].(string)
		}
		return &Result{
			Success: true,
			Output:  "content for " + q,
			Sources: []research.SourceRef{{Title: "Source", URL: "https://example.com/src"}},
		}, nil
	}}
}

func TestExecuteSuccessStoresPayload(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("web_search"))
	ex, bus, _ := newTestExecutor(t, reg)

	obs, err := ex.Execute(context.Background(), 0, "web_search", map[string]interface{}{"query": "golang"}, Context{})
	require.NoError(t, err)
	assert.True(t, obs.Success)
	assert.Equal(t, CallSucceeded, obs.State)
	assert.Contains(t, obs.Text, "content for golang")
	require.Len(t, obs.Sources, 1)

	entry := bus.Get("run-1", 0)
	require.NotNil(t, entry)
	assert.Equal(t, "content for golang", entry.RawData)
	assert.Equal(t, "web_search", entry.Metadata.ToolName)
}

func TestExecuteUnknownToolIsObservationNotError(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("web_search"))
	ex, _, _ := newTestExecutor(t, reg)

	obs, err := ex.Execute(context.Background(), 0, "nonexistent", nil, Context{})
	require.NoError(t, err)
	assert.False(t, obs.Success)
	assert.Equal(t, CallFailed, obs.State)
	assert.Contains(t, obs.Text, "UNKNOWN_TOOL")
	assert.Contains(t, obs.Text, "web_search")
}

func TestExecuteDuplicateURLRejection(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("web_crawler"))
	ex, _, _ := newTestExecutor(t, reg)
	ctx := context.Background()

	obs, err := ex.Execute(ctx, 0, "web_crawler", map[string]interface{}{"url": "https://example.com/page?a=1"}, Context{})
	require.NoError(t, err)
	assert.True(t, obs.Success)

	obs, err = ex.Execute(ctx, 1, "web_crawler", map[string]interface{}{"url": "https://example.com/page?a=2"}, Context{})
	require.NoError(t, err)
	assert.True(t, obs.Success)

	obs, err = ex.Execute(ctx, 2, "web_crawler", map[string]interface{}{"url": "https://example.com/page?a=3"}, Context{})
	require.NoError(t, err)
	assert.False(t, obs.Success)
	assert.Equal(t, CallRejected, obs.State)
	assert.Contains(t, obs.Text, "DUPLICATE_URL")
	// The rejection carries the digest of the earlier fetch so the model
	// does not lose what the page already provided.
	assert.Contains(t, obs.Text, "content for https://example.com/page")
}

func TestExecuteToolErrorBecomesFailedObservation(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ToolFunc{ToolName: "code_interpreter", Fn: func(ctx context.Context, params map[string]interface{}, tc Context) (*Result, error) {
		return &Result{Success: false, Output: "SyntaxError: invalid syntax on line 3"}, nil
	}})
	ex, _, _ := newTestExecutor(t, reg)

	obs, err := ex.Execute(context.Background(), 0, "code_interpreter", map[string]interface{}{"code": "prin(}"}, Context{})
	require.NoError(t, err)
	assert.False(t, obs.Success)
	assert.Equal(t, CallFailed, obs.State)
	assert.Contains(t, obs.Diagnosis, "syntax error")
}

func TestExecuteCancelledContext(t *testing.T) {
	reg := NewRegistry()
	reg.Register(echoTool("web_search"))
	ex, _, _ := newTestExecutor(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ex.Execute(ctx, 0, "web_search", map[string]interface{}{"query": "q"}, Context{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyImageArtifact(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ToolFunc{ToolName: "image_gen", Fn: func(ctx context.Context, params map[string]interface{}, tc Context) (*Result, error) {
		return &Result{Success: true, Output: `{"type":"image","url":"https://cdn.example.com/chart.png","title":"GDP chart"}`}, nil
	}})
	ex, bus, em := newTestExecutor(t, reg)

	var published []events.Event
	em.OnEvent(func(e events.Event) { published = append(published, e) })

	obs, err := ex.Execute(context.Background(), 0, "image_gen", map[string]interface{}{"prompt": "chart"}, Context{})
	require.NoError(t, err)
	assert.True(t, obs.Success)
	assert.Contains(t, obs.Text, "Image generated successfully")
	assert.NotContains(t, obs.Text, "cdn.example.com")

	var sawImage bool
	for _, e := range published {
		if e.Type == events.ImageGenerated {
			sawImage = true
			assert.Equal(t, "https://cdn.example.com/chart.png", e.Data["url"])
		}
	}
	assert.True(t, sawImage)

	// The verbatim payload is still on the bus for downstream use.
	entry := bus.Get("run-1", 0)
	require.NotNil(t, entry)
	assert.Contains(t, entry.RawData, "cdn.example.com")
	assert.Equal(t, "image", entry.Metadata.ContentType)
}

func TestClassifyFileArtifact(t *testing.T) {
	reg := NewRegistry()
	reg.Register(ToolFunc{ToolName: "doc_gen", Fn: func(ctx context.Context, params map[string]interface{}, tc Context) (*Result, error) {
		return &Result{Success: true, Output: `{"type":"excel","filename":"summary.xlsx","url":"https://files.example.com/summary.xlsx"}`}, nil
	}})
	ex, _, _ := newTestExecutor(t, reg)

	obs, err := ex.Execute(context.Background(), 0, "doc_gen", nil, Context{})
	require.NoError(t, err)
	assert.True(t, obs.Success)
	assert.Contains(t, obs.Text, "EXCEL file generated successfully")
	assert.Contains(t, obs.Text, "summary.xlsx")
}

func TestObservationTruncatedWithNotice(t *testing.T) {
	long := strings.Repeat("evidence paragraph with findings. ", 500)
	reg := NewRegistry()
	reg.Register(ToolFunc{ToolName: "web_crawler", Fn: func(ctx context.Context, params map[string]interface{}, tc Context) (*Result, error) {
		return &Result{Success: true, Output: long}, nil
	}})
	ex, bus, _ := newTestExecutor(t, reg)

	obs, err := ex.Execute(context.Background(), 0, "web_crawler", map[string]interface{}{"query": "x"}, Context{})
	require.NoError(t, err)
	assert.True(t, obs.Success)
	assert.Less(t, len(obs.Text), len(long))
	assert.Contains(t, obs.Text, "[truncated: showing")

	entry := bus.Get("run-1", 0)
	require.NotNil(t, entry)
	// RawData may be reduced by the bus's own ceiling, but it never carries
	// the observation truncation notice.
	assert.NotContains(t, entry.Metadata.ToolName, "truncated")
}
