package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/CK991357/gemini-chat-sub000/internal/research"
)

// PromptContext carries everything the iteration prompt needs.
type PromptContext struct {
	Query        string
	Mode         research.Mode
	Plan         *research.Plan
	Steps        []research.Step
	ToolNames    []string
	BusSummary   string
	Iteration    int
	MaxIteration int
	CurrentDate  time.Time
}

const outputProtocol = `你必须严格按照以下格式之一输出。

继续研究时:
思考: <你对当前进展和下一步的分析>
行动: <工具名称>
行动输入: <严格的 JSON 对象>

研究完成时:
最终答案: <完整的 Markdown 研究报告>

规则:
- 行动输入必须是单个合法的 JSON 对象, 使用半角标点。
- 需要背景知识时, 使用工具 knowledge_retrieval。
- 需要报告提纲时, 使用工具 generate_outline。
- 不要输出任何格式之外的内容。`

// BuildPlanningPrompt asks the model for a structured research plan.
func BuildPlanningPrompt(query string, mode research.Mode, now time.Time) (system, user string) {
	system = `You are a research planning assistant. Break the user's question into ordered sub-questions and respond with exactly one JSON object, no prose, of the form:
{
  "steps": [
    {"step": 1, "sub_question": "...", "initial_queries": ["..."], "depth_required": "shallow|medium|deep", "temporal_sensitivity": "low|medium|high"}
  ],
  "estimated_iterations": <int>,
  "risk_assessment": "...",
  "temporal_awareness": {"overall_sensitivity": "low|medium|high", "current_date": "YYYY-MM-DD"}
}`
	depth := "3 to 5"
	if mode == research.ModeDeep {
		depth = "4 to 6"
	}
	user = fmt.Sprintf("Current date: %s\nResearch question: %s\nProduce %s sub-questions.",
		now.Format("2006-01-02"), query, depth)
	return system, user
}

// BuildIterationPrompt renders the loop prompt: protocol, plan, transcript,
// and the data-bus digest.
func BuildIterationPrompt(pc PromptContext) (system, user string) {
	var sys strings.Builder
	sys.WriteString("你是一个深度研究助手, 通过调用工具逐步完成研究。\n\n")
	sys.WriteString("可用工具: ")
	sys.WriteString(strings.Join(pc.ToolNames, ", "))
	sys.WriteString("\n\n")
	sys.WriteString(outputProtocol)

	var u strings.Builder
	fmt.Fprintf(&u, "研究问题: %s\n", pc.Query)
	fmt.Fprintf(&u, "当前日期: %s\n", pc.CurrentDate.Format("2006-01-02"))
	fmt.Fprintf(&u, "当前迭代: %d / %d\n\n", pc.Iteration+1, pc.MaxIteration)

	if pc.Plan != nil && len(pc.Plan.Steps) > 0 {
		u.WriteString("研究计划:\n")
		for _, ps := range pc.Plan.Steps {
			fmt.Fprintf(&u, "%d. %s (depth: %s)\n", ps.Step, ps.SubQuestion, ps.DepthRequired)
		}
		if pc.Plan.Temporal.OverallSensitivity == research.SensitivityHigh {
			u.WriteString("注意: 该问题时效性强, 优先使用最新来源。\n")
		}
		u.WriteString("\n")
	}

	if len(pc.Steps) > 0 {
		u.WriteString("已完成的步骤:\n")
		for _, step := range pc.Steps {
			fmt.Fprintf(&u, "--- 步骤 %d ---\n", step.Index+1)
			if step.Action.Thought != "" {
				fmt.Fprintf(&u, "思考: %s\n", step.Action.Thought)
			}
			if step.Action.ToolName != "" {
				fmt.Fprintf(&u, "行动: %s\n", step.Action.ToolName)
			}
			fmt.Fprintf(&u, "观察: %s\n", step.Observation)
		}
		u.WriteString("\n")
	}

	if pc.BusSummary != "" {
		u.WriteString("已收集的数据摘要:\n")
		u.WriteString(pc.BusSummary)
		u.WriteString("\n\n")
	}

	u.WriteString("请决定下一步行动。")
	return sys.String(), u.String()
}

// BuildSynthesisPrompt renders the final report request over the evidence
// package.
func BuildSynthesisPrompt(query string, plan *research.Plan, evidenceText string, minSources int) (system, user string) {
	system = `You are a research report writer. Using only the evidence provided, write a complete Markdown report:
- Start with a "# " title and organize the body under "## " sections.
- Ground every claim in the evidence; never invent facts or sources.
- Cite evidence inline with bracketed source numbers like [1] or [1, 3] where the numbers refer to the numbered source list you were given.
- End without a reference list; references are appended separately.`

	var u strings.Builder
	fmt.Fprintf(&u, "Research question: %s\n\n", query)
	if plan != nil && len(plan.Steps) > 0 {
		u.WriteString("The research plan was:\n")
		for _, ps := range plan.Steps {
			fmt.Fprintf(&u, "%d. %s\n", ps.Step, ps.SubQuestion)
		}
		u.WriteString("\n")
	}
	u.WriteString("Collected evidence:\n\n")
	u.WriteString(evidenceText)
	fmt.Fprintf(&u, "\n\nWrite the report now. Cite at least %d distinct sources when the evidence supports it.", minSources)
	return system, u.String()
}
