package evidence

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/databus"
	"github.com/CK991357/gemini-chat-sub000/internal/research"
)

func seedBus(t *testing.T) *databus.Bus {
	t.Helper()
	return databus.New(100, 50000, zap.NewNop())
}

func toolStep(index int, observation string, sources ...research.SourceRef) research.Step {
	return research.Step{
		Index:       index,
		Action:      research.Action{Kind: research.ActionToolCall, ToolName: "web_search"},
		Observation: observation,
		Sources:     sources,
		Success:     true,
	}
}

func TestBuildFiltersUnusableSteps(t *testing.T) {
	bus := seedBus(t)
	c := NewCollector(bus, 2000, zap.NewNop())

	steps := []research.Step{
		toolStep(0, "useful finding about GDP"),
		{Index: 1, Action: research.Action{Kind: research.ActionToolCall}, Observation: "boom", Success: false},
		{Index: 2, Action: research.Action{Kind: research.ActionFinalAnswer}, Observation: "the report", Success: true},
		{Index: 3, Action: research.Action{Kind: research.ActionToolCall}, Observation: "   ", Success: true},
		toolStep(4, "second finding"),
	}
	pkg := c.Build("run-1", steps, nil, research.ModeStandard)

	require.Len(t, pkg.Items, 2)
	assert.Equal(t, 0, pkg.Items[0].StepIndex)
	assert.Equal(t, 4, pkg.Items[1].StepIndex)
}

func TestBuildPrefersBusPayloadOverObservation(t *testing.T) {
	bus := seedBus(t)
	full := "Full payload. GDP grew 5.2% in 2023. " + strings.Repeat("Additional detail. ", 20)
	bus.Store("run-1", 0, full, databus.Metadata{ToolName: "web_crawler", ContentType: "text"}, nil)

	c := NewCollector(bus, 5000, zap.NewNop())
	pkg := c.Build("run-1", []research.Step{toolStep(0, "truncated observation")}, nil, research.ModeStandard)

	require.Len(t, pkg.Items, 1)
	assert.Equal(t, FullOriginal, pkg.Items[0].Strategy)
	assert.Contains(t, pkg.Items[0].Content, "Additional detail")
	assert.NotEqual(t, "truncated observation", pkg.Items[0].Content)
}

func TestBuildStrategies(t *testing.T) {
	bus := seedBus(t)
	c := NewCollector(bus, 200, zap.NewNop())

	small := "Short text. Inflation reached 3.1% in 2024."
	largePlain := strings.Repeat("Plain filler sentence with no structure. ", 30) + "Revenue hit $4.5 billion."
	largeMarkdown := "# Economy Report\n\n## Output\n" + strings.Repeat("filler paragraph text here. ", 30) +
		"\n\n| Year | Growth |\n| 2023 | 5.2% |\n"

	bus.Store("r", 0, small, databus.Metadata{ContentType: "text"}, nil)
	bus.Store("r", 1, largePlain, databus.Metadata{ContentType: "text"}, nil)
	bus.Store("r", 2, largeMarkdown, databus.Metadata{ContentType: "markdown"}, nil)

	pkg := c.Build("r", []research.Step{
		toolStep(0, "obs"), toolStep(1, "obs"), toolStep(2, "obs"),
	}, nil, research.ModeStandard)

	require.Len(t, pkg.Items, 3)
	assert.Equal(t, FullOriginal, pkg.Items[0].Strategy)
	assert.Equal(t, EnhancedSummary, pkg.Items[1].Strategy)
	assert.NotEmpty(t, pkg.Items[1].DataPoints)
	assert.Equal(t, Hybrid, pkg.Items[2].Strategy)
	assert.Contains(t, pkg.Items[2].Content, "Economy Report")
}

func TestDeepModeKeepsMoreVerbatim(t *testing.T) {
	bus := seedBus(t)
	c := NewCollector(bus, 200, zap.NewNop())
	payload := strings.Repeat("detail sentence. ", 20) // ~340 chars, over 200, under 400
	bus.Store("r", 0, payload, databus.Metadata{ContentType: "text"}, nil)
	steps := []research.Step{toolStep(0, "obs")}

	standard := c.Build("r", steps, nil, research.ModeStandard)
	deep := c.Build("r", steps, nil, research.ModeDeep)

	assert.Equal(t, EnhancedSummary, standard.Items[0].Strategy)
	assert.Equal(t, FullOriginal, deep.Items[0].Strategy)
}

func TestBuildDeduplicatesSources(t *testing.T) {
	bus := seedBus(t)
	c := NewCollector(bus, 2000, zap.NewNop())
	a := research.SourceRef{Title: "A", URL: "https://a.example/x"}
	b := research.SourceRef{Title: "B", URL: "https://b.example/y"}

	pkg := c.Build("r", []research.Step{
		toolStep(0, "first", a, b),
		toolStep(1, "second", a),
	}, nil, research.ModeStandard)

	require.Len(t, pkg.Sources, 2)
	assert.Equal(t, "https://a.example/x", pkg.Sources[0].URL)
	assert.Equal(t, "https://b.example/y", pkg.Sources[1].URL)
}

func TestRenderOrdersByStepAndInlinesDataPoints(t *testing.T) {
	bus := seedBus(t)
	c := NewCollector(bus, 2000, zap.NewNop())
	plan := &research.Plan{Steps: []research.PlanStep{
		{Step: 1, SubQuestion: "What was GDP growth?"},
		{Step: 2, SubQuestion: "What drove it?"},
	}}

	pkg := c.Build("r", []research.Step{
		toolStep(0, "GDP grew 5.2% in 2023."),
		toolStep(1, "Exports were the largest driver."),
	}, plan, research.ModeStandard)

	out := pkg.Render()
	first := strings.Index(out, "Evidence from step 1")
	second := strings.Index(out, "Evidence from step 2")
	require.GreaterOrEqual(t, first, 0)
	require.Greater(t, second, first)
	assert.Contains(t, out, "What was GDP growth?")
	assert.Contains(t, out, "Key data points:")
}

func TestRenderEmptyPackage(t *testing.T) {
	pkg := &Package{}
	assert.Contains(t, pkg.Render(), "No usable evidence")
}

func TestExtractDataPoints(t *testing.T) {
	content := "GDP grew 5.2% in 2023. The economy is large. " +
		"Revenue reached $4.5 billion last year. " +
		"It was the largest expansion since 1990. " +
		"Population passed 1,400,000 residents. " +
		"Nothing numeric here at all."
	points := ExtractDataPoints(content, 10)
	require.NotEmpty(t, points)
	joined := strings.Join(points, "\n")
	assert.Contains(t, joined, "5.2%")
	assert.Contains(t, joined, "$4.5 billion")
	assert.Contains(t, joined, "largest expansion")
	assert.Contains(t, joined, "1,400,000")
	assert.NotContains(t, joined, "Nothing numeric")

	limited := ExtractDataPoints(content, 2)
	assert.Len(t, limited, 2)
}
