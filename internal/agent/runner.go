// Package agent implements the bounded plan, act, observe research loop.
package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/citations"
	"github.com/CK991357/gemini-chat-sub000/internal/config"
	"github.com/CK991357/gemini-chat-sub000/internal/databus"
	"github.com/CK991357/gemini-chat-sub000/internal/events"
	"github.com/CK991357/gemini-chat-sub000/internal/evidence"
	"github.com/CK991357/gemini-chat-sub000/internal/knowledge"
	"github.com/CK991357/gemini-chat-sub000/internal/llm"
	"github.com/CK991357/gemini-chat-sub000/internal/metrics"
	"github.com/CK991357/gemini-chat-sub000/internal/parser"
	"github.com/CK991357/gemini-chat-sub000/internal/research"
	"github.com/CK991357/gemini-chat-sub000/internal/tools"
	"github.com/CK991357/gemini-chat-sub000/internal/tracing"
)

// Runner drives research sessions. One Runner serves many concurrent
// sessions; everything per-run lives on the Session and the per-run executor.
type Runner struct {
	llm       llm.Client
	model     string
	registry  *tools.Registry
	bus       *databus.Bus
	events    *events.Manager
	collector *evidence.Collector
	retriever *knowledge.CachedRetriever
	cfg       config.Research
	logger    *zap.Logger
}

// NewRunner wires the loop's collaborators. retriever may be nil when no
// knowledge service is configured.
func NewRunner(client llm.Client, model string, registry *tools.Registry, bus *databus.Bus, em *events.Manager, retriever *knowledge.CachedRetriever, cfg config.Research, logger *zap.Logger) *Runner {
	return &Runner{
		llm:       client,
		model:     model,
		registry:  registry,
		bus:       bus,
		events:    em,
		collector: evidence.NewCollector(bus, cfg.ObservationMaxLen, logger),
		retriever: retriever,
		cfg:       cfg,
		logger:    logger,
	}
}

// ConductResearch runs one full session and always returns a structured
// result; failures are carried in the result, never as a Go error.
func (r *Runner) ConductResearch(ctx context.Context, query string, mode research.Mode) *research.Result {
	return r.Run(ctx, NewSession(query, mode))
}

// Run drives an already-created session, so callers that need the run ID
// before completion (the HTTP layer) can create the session themselves.
func (r *Runner) Run(ctx context.Context, sess *Session) *research.Result {
	logger := r.logger.With(zap.String("run_id", sess.RunID))

	if strings.TrimSpace(sess.Query) == "" {
		return sess.result(research.StatusFailed, "", "", "empty research query", false)
	}

	metrics.SessionsStarted.WithLabelValues(string(sess.Mode)).Inc()
	ctx, span := tracing.StartSession(ctx, sess.RunID, string(sess.Mode))
	defer span.End()

	r.events.Publish(sess.RunID, events.ResearchStart, map[string]interface{}{
		"query": sess.Query,
		"mode":  string(sess.Mode),
	})
	logger.Info("research session started",
		zap.String("mode", string(sess.Mode)),
		zap.Int("max_iterations", r.cfg.MaxIterations))

	planCtx, planSpan := tracing.StartPhase(ctx, "plan", 0)
	sess.Plan = r.buildPlan(planCtx, sess, logger)
	planSpan.End()
	r.events.Publish(sess.RunID, events.ResearchPlan, map[string]interface{}{
		"steps":    len(sess.Plan.Steps),
		"fallback": sess.Plan.Fallback,
	})

	executor := tools.NewExecutor(sess.RunID, r.registry, r.bus, r.events, r.cfg, logger)
	allow := append(r.registry.Names(), "knowledge_retrieval", "generate_outline")
	par := parser.New(allow, logger)
	gain := NewGainTracker(r.cfg.GainThreshold)

	noGainLimit := r.cfg.NoGainThreshold
	if sess.Mode == research.ModeDeep {
		noGainLimit = r.cfg.DeepNoGainThreshold
	}

	for iter := 0; iter < r.cfg.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return r.finishCancelled(sess, logger)
		}

		iterCtx, iterSpan := tracing.StartPhase(ctx, "iterate", iter)
		decision, cancelled := r.decide(iterCtx, sess, par, iter, logger)
		if cancelled {
			iterSpan.End()
			return r.finishCancelled(sess, logger)
		}
		if decision == nil {
			iterSpan.End()
			return r.finalize(sess, sess.result(research.StatusFailed, "", "",
				"model service unavailable", false), logger)
		}

		action := research.Action{
			Kind:       research.ActionKind(decision.Kind),
			ToolName:   decision.ToolName,
			Parameters: decision.Parameters,
			Thought:    decision.Thought,
		}

		var observation string
		var sources []research.SourceRef
		var success bool

		switch decision.Kind {
		case parser.KindFinalAnswer:
			sess.AppendStep(action, "final answer produced", nil, true)
			iterSpan.End()
			return r.finishWithReport(sess, decision.Answer, research.StatusAnswered, "", false, logger)

		case parser.KindError:
			observation = decision.Message
			success = false

		case parser.KindKnowledgeRetrieval:
			observation, success = r.retrieveKnowledge(iterCtx, sess, decision.Parameters, logger)

		case parser.KindOutlineRequest:
			observation = r.buildOutline(sess)
			success = true

		case parser.KindToolCall:
			tctx, toolSpan := tracing.StartToolCall(iterCtx, decision.ToolName)
			obs, err := executor.Execute(tctx, len(sess.Steps), decision.ToolName, decision.Parameters,
				tools.Context{Mode: string(sess.Mode), ResearchMode: sess.Mode})
			toolSpan.End()
			if err != nil {
				iterSpan.End()
				return r.finishCancelled(sess, logger)
			}
			observation = obs.Text
			if obs.Diagnosis != "" {
				observation += "\n提示: " + obs.Diagnosis
			}
			sources = obs.Sources
			success = obs.Success
		}

		sess.AppendStep(action, observation, sources, success)
		iterSpan.End()

		ratio := gain.Observe(observation)
		completion := planCompletion(sess.Plan, sess.Steps)
		r.events.Publish(sess.RunID, events.ResearchProgress, map[string]interface{}{
			"iteration":       iter + 1,
			"gain":            ratio,
			"plan_completion": completion,
		})
		logger.Debug("iteration complete",
			zap.Int("iteration", iter+1),
			zap.String("action", string(decision.Kind)),
			zap.Float64("gain", ratio),
			zap.Float64("plan_completion", completion))

		if completion >= r.cfg.CompletionThreshold && gain.ConsecutiveNoGain() >= 1 {
			return r.finishWithSynthesis(ctx, sess,
				research.StatusAnswered, "plan coverage reached with no further information gain", false, logger)
		}
		if gain.ConsecutiveNoGain() >= noGainLimit {
			return r.finishWithSynthesis(ctx, sess,
				research.StatusNoGain, "consecutive observations added no new information", true, logger)
		}
	}

	return r.finishWithSynthesis(ctx, sess,
		research.StatusMaxIterations, "iteration limit reached", true, logger)
}

// decide makes one model call and parses it. The bool reports cancellation;
// a nil decision with false means the model service failed.
func (r *Runner) decide(ctx context.Context, sess *Session, par *parser.Parser, iter int, logger *zap.Logger) (*parser.Decision, bool) {
	system, user := BuildIterationPrompt(PromptContext{
		Query:        sess.Query,
		Mode:         sess.Mode,
		Plan:         sess.Plan,
		Steps:        sess.Steps,
		ToolNames:    append(r.registry.Names(), "knowledge_retrieval", "generate_outline"),
		BusSummary:   r.bus.SummaryForPrompt(sess.RunID),
		Iteration:    iter,
		MaxIteration: r.cfg.MaxIterations,
		CurrentDate:  time.Now(),
	})

	r.events.Publish(sess.RunID, events.AgentThinkStart, map[string]interface{}{"iteration": iter + 1})
	resp, err := r.llm.CompleteChat(ctx, llm.ChatRequest{
		Model:       r.model,
		Temperature: 0.7,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	r.events.Publish(sess.RunID, events.AgentThinkEnd, map[string]interface{}{"iteration": iter + 1})

	if err != nil {
		if ctx.Err() != nil {
			return nil, true
		}
		logger.Error("model call failed", zap.Int("iteration", iter+1), zap.Error(err))
		return nil, false
	}
	sess.TokensUsed += resp.TotalTokens()

	decision := par.Parse(resp.Content())
	return &decision, false
}

// buildPlan asks the model for a plan and falls back to a generic one when
// the model cannot produce a usable plan.
func (r *Runner) buildPlan(ctx context.Context, sess *Session, logger *zap.Logger) *research.Plan {
	system, user := BuildPlanningPrompt(sess.Query, sess.Mode, time.Now())
	resp, err := r.llm.CompleteChat(ctx, llm.ChatRequest{
		Model:       r.model,
		Temperature: 0.3,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err == nil {
		sess.TokensUsed += resp.TotalTokens()
		var plan research.Plan
		if perr := parser.DecodeJSON(resp.Content(), &plan); perr == nil && len(plan.Steps) > 0 {
			normalizePlan(&plan, time.Now())
			return &plan
		} else if perr != nil {
			logger.Warn("plan output unparsable, using fallback plan", zap.Error(perr))
		}
	} else {
		logger.Warn("planning call failed, using fallback plan", zap.Error(err))
	}
	return fallbackPlan(sess.Query, sess.Mode, time.Now())
}

// retrieveKnowledge serves a knowledge_retrieval decision. Retrieval failures
// degrade to a failed observation, never to a failed session.
func (r *Runner) retrieveKnowledge(ctx context.Context, sess *Session, params map[string]interface{}, logger *zap.Logger) (string, bool) {
	q, _ := params["query"].(string)
	if q == "" {
		q, _ = params["topic"].(string)
	}
	if q == "" {
		q = sess.Query
	}
	if r.retriever == nil {
		return "knowledge retrieval is not configured; continue with the other tools", false
	}
	docs, err := r.retriever.RetrieveNamespaced(ctx, sess.RunID, q, 5)
	if err != nil {
		logger.Warn("knowledge retrieval failed", zap.String("query", q), zap.Error(err))
		return fmt.Sprintf("knowledge retrieval failed: %v; continue with the other tools", err), false
	}
	return knowledge.RenderDocs(docs), true
}

// buildOutline produces a deterministic report outline from the plan and what
// has been collected so far.
func (r *Runner) buildOutline(sess *Session) string {
	var b strings.Builder
	b.WriteString("建议的报告提纲:\n\n")
	fmt.Fprintf(&b, "# %s\n\n", sess.Query)
	b.WriteString("## 概述\n")
	if sess.Plan != nil {
		for _, ps := range sess.Plan.Steps {
			fmt.Fprintf(&b, "## %s\n", ps.SubQuestion)
		}
	}
	b.WriteString("## 结论\n")
	if summary := r.bus.SummaryForPrompt(sess.RunID); summary != "" {
		b.WriteString("\n已有数据:\n")
		b.WriteString(summary)
	}
	return b.String()
}

// finishWithSynthesis asks the model to write the report over the evidence
// package, degrading to the deterministic report when the model fails.
func (r *Runner) finishWithSynthesis(ctx context.Context, sess *Session, status research.Status, reason string, degraded bool, logger *zap.Logger) *research.Result {
	sctx, span := tracing.StartPhase(ctx, "synthesize", len(sess.Steps))
	defer span.End()

	pkg := r.collector.Build(sess.RunID, sess.Steps, sess.Plan, sess.Mode)
	evidenceText := pkg.Render()
	if list := numberedSourceList(sess.Sources); list != "" {
		evidenceText += "\n\nNumbered sources:\n" + list
	}

	var report string
	system, user := BuildSynthesisPrompt(sess.Query, sess.Plan, evidenceText, r.cfg.MinReportSources)
	resp, err := r.llm.CompleteChat(sctx, llm.ChatRequest{
		Model:       r.model,
		Temperature: 0.3,
		Messages: []llm.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil || strings.TrimSpace(resp.Content()) == "" {
		if err != nil {
			logger.Warn("synthesis call failed, writing deterministic report", zap.Error(err))
		}
		report = fallbackReport(sess, pkg)
		degraded = true
		if reason == "" {
			reason = "synthesis model unavailable"
		}
	} else {
		sess.TokensUsed += resp.TotalTokens()
		report = resp.Content()
	}

	return r.finishWithReport(sess, report, status, reason, degraded, logger)
}

// finishWithReport filters sources against the report, appends the citation
// appendix and references, and finalizes the result.
func (r *Runner) finishWithReport(sess *Session, report string, status research.Status, reason string, degraded bool, logger *zap.Logger) *research.Result {
	filtered := citations.FilterUsedSources(sess.Sources, report, r.cfg.MinReportSources)
	appendix, warnings := citations.MapCitations(report, sess.Sources, logger)
	for _, w := range warnings {
		logger.Warn("citation marker dropped", zap.String("warning", w))
	}

	full := strings.TrimSpace(report)
	if bib := citations.RenderBibliography(filtered); bib != "" {
		full += "\n\n" + bib
	}
	return r.finalize(sess, sess.result(status, full, appendix, reason, degraded), logger)
}

// finishCancelled assembles the partial result for a cancelled session
// without any further model calls.
func (r *Runner) finishCancelled(sess *Session, logger *zap.Logger) *research.Result {
	logger.Info("research session cancelled", zap.Int("steps", len(sess.Steps)))
	pkg := r.collector.Build(sess.RunID, sess.Steps, sess.Plan, sess.Mode)
	report := fallbackReport(sess, pkg)
	return r.finishWithReport(sess, report, research.StatusCancelled,
		"cancelled by caller before completion", true, logger)
}

// finalize records session metrics, publishes the end event, and releases the
// run's transient state.
func (r *Runner) finalize(sess *Session, result *research.Result, logger *zap.Logger) *research.Result {
	metrics.SessionsCompleted.WithLabelValues(string(sess.Mode), string(result.Status)).Inc()
	metrics.SessionDuration.WithLabelValues(string(sess.Mode)).Observe(time.Since(sess.StartedAt).Seconds())
	metrics.IterationsPerSession.Observe(float64(result.Iterations))
	metrics.SessionTokensUsed.Observe(float64(result.TokensUsed))

	r.events.Publish(sess.RunID, events.ResearchEnd, map[string]interface{}{
		"status":     string(result.Status),
		"success":    result.Success,
		"iterations": result.Iterations,
		"degraded":   result.Degraded,
	})

	r.bus.DropRun(sess.RunID)
	if r.retriever != nil {
		r.retriever.Forget(sess.RunID)
	}

	logger.Info("research session finished",
		zap.String("status", string(result.Status)),
		zap.Bool("degraded", result.Degraded),
		zap.Int("iterations", result.Iterations),
		zap.Int("tokens_used", result.TokensUsed),
		zap.Int("sources", len(result.Sources)))
	return result
}
