package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/CK991357/gemini-chat-sub000/internal/evidence"
	"github.com/CK991357/gemini-chat-sub000/internal/research"
)

// normalizePlan fills the fields the model may omit so downstream code never
// sees a half-specified plan.
func normalizePlan(plan *research.Plan, now time.Time) {
	for i := range plan.Steps {
		if plan.Steps[i].Step == 0 {
			plan.Steps[i].Step = i + 1
		}
		if plan.Steps[i].DepthRequired == "" {
			plan.Steps[i].DepthRequired = research.DepthMedium
		}
		if plan.Steps[i].TemporalSensitivity == "" {
			plan.Steps[i].TemporalSensitivity = research.SensitivityMedium
		}
	}
	if plan.EstimatedIterations <= 0 {
		plan.EstimatedIterations = len(plan.Steps) + 1
	}
	if plan.Temporal.OverallSensitivity == "" {
		plan.Temporal.OverallSensitivity = research.SensitivityMedium
	}
	if plan.Temporal.CurrentDate == "" {
		plan.Temporal.CurrentDate = now.Format("2006-01-02")
	}
}

// fallbackPlan is the generic plan used when planning output is unusable. It
// keeps the loop running with broad sub-questions instead of failing the
// session.
func fallbackPlan(query string, mode research.Mode, now time.Time) *research.Plan {
	questions := []string{
		fmt.Sprintf("%s 的背景和定义是什么?", query),
		fmt.Sprintf("%s 的最新数据和现状如何?", query),
		fmt.Sprintf("%s 的主要影响因素有哪些?", query),
	}
	if mode == research.ModeDeep {
		questions = append(questions,
			fmt.Sprintf("%s 的不同观点和争议是什么?", query),
			fmt.Sprintf("%s 的未来趋势如何?", query))
	}

	steps := make([]research.PlanStep, len(questions))
	for i, q := range questions {
		steps[i] = research.PlanStep{
			Step:                i + 1,
			SubQuestion:         q,
			InitialQueries:      []string{query},
			DepthRequired:       research.DepthMedium,
			TemporalSensitivity: research.SensitivityMedium,
		}
	}
	return &research.Plan{
		Steps:               steps,
		EstimatedIterations: len(steps) + 1,
		RiskAssessment:      "fallback plan: planning output was unusable",
		Temporal: research.TemporalAwareness{
			OverallSensitivity: research.SensitivityMedium,
			CurrentDate:        now.Format("2006-01-02"),
		},
		Fallback: true,
	}
}

// fallbackReport renders a deterministic report directly from the evidence
// package. No model involvement; used when synthesis is unavailable or the
// session was cancelled.
func fallbackReport(sess *Session, pkg *evidence.Package) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", sess.Query)
	b.WriteString("## 概述\n\n")
	fmt.Fprintf(&b, "本报告基于 %d 个研究步骤中收集到的证据自动整理。\n\n", len(sess.Steps))

	if len(pkg.Items) == 0 {
		b.WriteString("## 研究发现\n\n未能收集到可用的证据。\n")
		return strings.TrimRight(b.String(), "\n")
	}

	for _, item := range pkg.Items {
		heading := item.SubQuestion
		if heading == "" {
			heading = fmt.Sprintf("研究发现 %d", item.StepIndex+1)
		}
		fmt.Fprintf(&b, "## %s\n\n", heading)
		b.WriteString(strings.TrimSpace(item.Content))
		b.WriteString("\n\n")
		if len(item.DataPoints) > 0 {
			b.WriteString("关键数据:\n")
			for _, dp := range item.DataPoints {
				fmt.Fprintf(&b, "- %s\n", dp)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// numberedSourceList renders the collected sources in the numbering the
// synthesis prompt tells the model to cite against.
func numberedSourceList(sources []research.SourceRef) string {
	if len(sources) == 0 {
		return ""
	}
	var b strings.Builder
	for i, src := range sources {
		title := src.Title
		if title == "" {
			title = src.URL
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, title)
		if src.URL != "" && src.URL != title {
			fmt.Fprintf(&b, " (%s)", src.URL)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
