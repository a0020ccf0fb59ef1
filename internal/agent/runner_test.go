package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/config"
	"github.com/CK991357/gemini-chat-sub000/internal/databus"
	"github.com/CK991357/gemini-chat-sub000/internal/events"
	"github.com/CK991357/gemini-chat-sub000/internal/llm"
	"github.com/CK991357/gemini-chat-sub000/internal/research"
	"github.com/CK991357/gemini-chat-sub000/internal/tools"
)

type scriptedTurn struct {
	text   string
	tokens int
	err    error
}

type scriptedLLM struct {
	turns []scriptedTurn
	calls int
}

func (s *scriptedLLM) CompleteChat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	turn := scriptedTurn{}
	if s.calls < len(s.turns) {
		turn = s.turns[s.calls]
	}
	s.calls++
	if turn.err != nil {
		return nil, turn.err
	}
	resp := &llm.ChatResponse{
		Choices: []llm.Choice{{Message: llm.Message{Role: "assistant", Content: turn.text}}},
	}
	if turn.tokens > 0 {
		resp.Usage = &llm.Usage{TotalTokens: turn.tokens}
	}
	return resp, nil
}

const planJSON = `{
  "steps": [
    {"step": 1, "sub_question": "what was the GDP growth rate in 2023", "initial_queries": ["GDP 2023"], "depth_required": "medium", "temporal_sensitivity": "high"},
    {"step": 2, "sub_question": "what drove the growth", "initial_queries": ["GDP growth drivers"], "depth_required": "medium", "temporal_sensitivity": "medium"}
  ],
  "estimated_iterations": 3,
  "risk_assessment": "low",
  "temporal_awareness": {"overall_sensitivity": "high", "current_date": "2026-08-31"}
}`

func searchTool(output string, sources ...research.SourceRef) tools.Tool {
	return tools.ToolFunc{ToolName: "web_search", Fn: func(ctx context.Context, params map[string]interface{}, tc tools.Context) (*tools.Result, error) {
		return &tools.Result{Success: true, Output: output, Sources: sources}, nil
	}}
}

func newTestRunner(t *testing.T, client llm.Client, toolList ...tools.Tool) *Runner {
	t.Helper()
	logger := zap.NewNop()
	registry := tools.NewRegistry()
	for _, tool := range toolList {
		registry.Register(tool)
	}
	bus := databus.New(100, 20000, logger)
	em := events.NewManager(64, logger)
	return NewRunner(client, "test-model", registry, bus, em, nil, config.Defaults().Research, logger)
}

func TestConductResearchAnsweredViaFinalAnswer(t *testing.T) {
	src := research.SourceRef{Title: "Statistics Bureau release", URL: "https://stats.example.gov/gdp"}
	client := &scriptedLLM{turns: []scriptedTurn{
		{text: planJSON, tokens: 200},
		{text: "思考: 需要先查找官方数据\n行动: web_search\n行动输入: {\"query\": \"GDP growth 2023\"}", tokens: 150},
		{text: "思考: 证据充分, 可以作答\n最终答案: # GDP 研究报告\n\n## 研究发现\n\nGDP grew 5.2% in 2023 [1].", tokens: 300},
	}}
	r := newTestRunner(t, client, searchTool("GDP grew 5.2 percent in 2023 according to the statistics bureau", src))

	result := r.ConductResearch(context.Background(), "2023年GDP增长情况", research.ModeStandard)

	require.NotNil(t, result)
	assert.Equal(t, research.StatusAnswered, result.Status)
	assert.True(t, result.Success)
	assert.False(t, result.Degraded)
	assert.Contains(t, result.Report, "GDP grew 5.2%")
	assert.Contains(t, result.Report, "## References")
	assert.Contains(t, result.Citations, "## Citations")
	assert.Contains(t, result.Citations, "Statistics Bureau release")
	assert.Equal(t, 650, result.TokensUsed)
	assert.Equal(t, 2, result.Iterations)
	require.NotNil(t, result.Plan)
	assert.False(t, result.Plan.Fallback)
	assert.NotEmpty(t, result.RunID)
}

func TestConductResearchNoGainTermination(t *testing.T) {
	repeat := "思考: 继续查找\n行动: web_search\n行动输入: {\"query\": \"same thing\"}"
	client := &scriptedLLM{turns: []scriptedTurn{
		{text: planJSON},
		{text: repeat},
		{text: repeat},
		{text: repeat},
		// Synthesis call.
		{text: "# 报告\n\n## 发现\n\n没有新的信息。"},
	}}
	r := newTestRunner(t, client, searchTool("identical observation content every time"))

	result := r.ConductResearch(context.Background(), "unanswerable question", research.ModeStandard)

	assert.Equal(t, research.StatusNoGain, result.Status)
	assert.False(t, result.Success)
	assert.True(t, result.Degraded)
	assert.Contains(t, result.Reason, "no new information")
	assert.Contains(t, result.Report, "# 报告")
}

func TestConductResearchMaxIterations(t *testing.T) {
	// Every turn calls the tool; observations alternate so gain stays high.
	turns := []scriptedTurn{{text: planJSON}}
	for i := 0; i < 8; i++ {
		turns = append(turns, scriptedTurn{text: "思考: 继续\n行动: var_search\n行动输入: {\"query\": \"q\"}"})
	}
	turns = append(turns, scriptedTurn{text: "# 报告\n\n## 发现\n\n部分结论。"})
	client := &scriptedLLM{turns: turns}

	i := 0
	varTool := tools.ToolFunc{ToolName: "var_search", Fn: func(ctx context.Context, params map[string]interface{}, tc tools.Context) (*tools.Result, error) {
		i++
		outputs := []string{
			"alpha beta gamma", "delta epsilon zeta", "eta theta iota",
			"kappa lambda mu", "nu xi omicron", "pi rho sigma",
			"tau upsilon phi", "chi psi omega",
		}
		return &tools.Result{Success: true, Output: outputs[(i-1)%len(outputs)]}, nil
	}}
	r := newTestRunner(t, client, varTool)

	result := r.ConductResearch(context.Background(), "endless question", research.ModeStandard)

	assert.Equal(t, research.StatusMaxIterations, result.Status)
	assert.True(t, result.Degraded)
	assert.Equal(t, config.Defaults().Research.MaxIterations, result.Iterations)
}

func TestConductResearchFallbackPlanOnBadPlanOutput(t *testing.T) {
	client := &scriptedLLM{turns: []scriptedTurn{
		{text: "I cannot produce a plan right now."},
		{text: "思考: 研究完成\n最终答案: # 报告\n\n## 结论\n\n简短结论。"},
	}}
	r := newTestRunner(t, client, searchTool("x"))

	result := r.ConductResearch(context.Background(), "some question", research.ModeStandard)

	require.NotNil(t, result.Plan)
	assert.True(t, result.Plan.Fallback)
	assert.NotEmpty(t, result.Plan.Steps)
	assert.Equal(t, research.StatusAnswered, result.Status)
}

func TestConductResearchCorrectiveFeedbackOnParseError(t *testing.T) {
	client := &scriptedLLM{turns: []scriptedTurn{
		{text: planJSON},
		{text: "here is some totally malformed output"},
		{text: "思考: 研究完成\n最终答案: # 报告\n\n## 结论\n\n结论内容。"},
	}}
	r := newTestRunner(t, client, searchTool("x"))

	result := r.ConductResearch(context.Background(), "q", research.ModeStandard)

	require.GreaterOrEqual(t, len(result.Steps), 2)
	first := result.Steps[0]
	assert.Equal(t, research.ActionError, first.Action.Kind)
	assert.False(t, first.Success)
	assert.Contains(t, first.Observation, "输出格式错误")
	assert.Equal(t, research.StatusAnswered, result.Status)
}

func TestConductResearchCancellation(t *testing.T) {
	client := &scriptedLLM{turns: []scriptedTurn{
		{text: planJSON},
	}}
	r := newTestRunner(t, client, searchTool("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := r.ConductResearch(ctx, "q", research.ModeStandard)

	assert.Equal(t, research.StatusCancelled, result.Status)
	assert.False(t, result.Success)
	assert.True(t, result.Degraded)
	assert.NotEmpty(t, result.Report, "cancelled sessions still get a partial report")
}

func TestConductResearchModelFailure(t *testing.T) {
	client := &scriptedLLM{turns: []scriptedTurn{
		{text: planJSON},
		{err: errors.New("connection refused")},
	}}
	r := newTestRunner(t, client, searchTool("x"))

	result := r.ConductResearch(context.Background(), "q", research.ModeStandard)

	assert.Equal(t, research.StatusFailed, result.Status)
	assert.False(t, result.Success)
	assert.Contains(t, result.Reason, "model service unavailable")
}

func TestConductResearchEmptyQuery(t *testing.T) {
	client := &scriptedLLM{}
	r := newTestRunner(t, client)

	result := r.ConductResearch(context.Background(), "   ", research.ModeStandard)

	assert.Equal(t, research.StatusFailed, result.Status)
	assert.Contains(t, result.Reason, "empty")
	assert.Zero(t, client.calls)
}

func TestConductResearchEmitsLifecycleEvents(t *testing.T) {
	client := &scriptedLLM{turns: []scriptedTurn{
		{text: planJSON},
		{text: "思考: 查找\n行动: web_search\n行动输入: {\"query\": \"q\"}"},
		{text: "思考: 完成\n最终答案: # 报告\n\n## 结论\n\n结论。"},
	}}
	logger := zap.NewNop()
	registry := tools.NewRegistry()
	registry.Register(searchTool("some evidence text"))
	bus := databus.New(100, 20000, logger)
	em := events.NewManager(64, logger)
	r := NewRunner(client, "test-model", registry, bus, em, nil, config.Defaults().Research, logger)

	var types []events.Type
	em.OnEvent(func(e events.Event) { types = append(types, e.Type) })

	result := r.ConductResearch(context.Background(), "q", research.ModeStandard)
	require.Equal(t, research.StatusAnswered, result.Status)

	seen := make(map[events.Type]bool)
	for _, typ := range types {
		seen[typ] = true
	}
	for _, want := range []events.Type{
		events.ResearchStart, events.ResearchPlan,
		events.AgentThinkStart, events.AgentThinkEnd,
		events.ToolStart, events.ToolEnd,
		events.ResearchProgress, events.ResearchEnd,
	} {
		assert.True(t, seen[want], "missing event %s", want)
	}
	assert.Equal(t, events.ResearchEnd, types[len(types)-1])
}

func TestConductResearchOutlineRequest(t *testing.T) {
	client := &scriptedLLM{turns: []scriptedTurn{
		{text: planJSON},
		{text: "思考: 先列提纲\n行动: generate_outline\n行动输入: {}"},
		{text: "思考: 完成\n最终答案: # 报告\n\n## 结论\n\n结论。"},
	}}
	r := newTestRunner(t, client, searchTool("x"))

	result := r.ConductResearch(context.Background(), "q", research.ModeStandard)

	require.GreaterOrEqual(t, len(result.Steps), 2)
	outlineStep := result.Steps[0]
	assert.Equal(t, research.ActionOutlineRequest, outlineStep.Action.Kind)
	assert.True(t, outlineStep.Success)
	assert.Contains(t, outlineStep.Observation, "提纲")
}
