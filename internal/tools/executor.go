package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/CK991357/gemini-chat-sub000/internal/config"
	"github.com/CK991357/gemini-chat-sub000/internal/databus"
	"github.com/CK991357/gemini-chat-sub000/internal/events"
	"github.com/CK991357/gemini-chat-sub000/internal/metrics"
	"github.com/CK991357/gemini-chat-sub000/internal/research"
	"github.com/CK991357/gemini-chat-sub000/internal/util"
)

// CallState tracks one invocation through its lifecycle. Each call moves
// forward only; a terminal state is never revisited.
type CallState string

const (
	CallPending    CallState = "pending"
	CallRejected   CallState = "rejected"
	CallDispatched CallState = "dispatched"
	CallSucceeded  CallState = "succeeded"
	CallFailed     CallState = "failed"
)

// Observation is what the loop feeds back to the model after a tool call.
// Failures are carried here as text, never as Go errors, so the model can
// react to them.
type Observation struct {
	Text      string
	Success   bool
	State     CallState
	Sources   []research.SourceRef
	Diagnosis string
	Duration  time.Duration
}

// Executor dispatches tool calls for a single run. It owns the revisit guard,
// the rate limiter, and result classification; the loop only sees
// observations.
type Executor struct {
	runID    string
	registry *Registry
	visited  *VisitedTracker
	limiter  *rate.Limiter
	bus      *databus.Bus
	events   *events.Manager
	cfg      config.Research
	logger   *zap.Logger
}

// NewExecutor creates a per-run executor. The registry and bus are shared
// across runs; the visited tracker and limiter are not.
func NewExecutor(runID string, registry *Registry, bus *databus.Bus, em *events.Manager, cfg config.Research, logger *zap.Logger) *Executor {
	return &Executor{
		runID:    runID,
		registry: registry,
		visited:  NewVisitedTracker(cfg.URLSimilarityThreshold, cfg.URLRevisitCap),
		limiter:  rate.NewLimiter(rate.Limit(cfg.ToolRatePerSecond), cfg.ToolRateBurst),
		bus:      bus,
		events:   em,
		cfg:      cfg,
		logger:   logger.With(zap.String("run_id", runID)),
	}
}

// Visited exposes the run's revisit guard, mainly for tests.
func (e *Executor) Visited() *VisitedTracker { return e.visited }

// Execute runs one tool call and returns the observation for the transcript.
// The only error it returns is the context's, so the loop can distinguish
// cancellation from tool failure.
func (e *Executor) Execute(ctx context.Context, stepIndex int, toolName string, params map[string]interface{}, tc Context) (*Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Revisit guard runs before any waiting or network I/O.
	crawlURL := crawlTarget(toolName, params)
	if crawlURL != "" {
		entry, err := e.visited.Check(crawlURL, stepIndex)
		if err != nil {
			metrics.DuplicateURLRejections.Inc()
			metrics.ToolCalls.WithLabelValues(toolName, "rejected").Inc()
			e.logger.Info("crawl rejected by revisit guard",
				zap.String("url", crawlURL),
				zap.String("matched", entry.URL),
				zap.Int("visit_count", entry.Count))
			return &Observation{
				Text:    rejectionObservation(crawlURL, entry),
				Success: false,
				State:   CallRejected,
			}, nil
		}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	tool, ok := e.registry.Get(toolName)
	if !ok {
		metrics.ToolCalls.WithLabelValues(toolName, "unknown").Inc()
		return &Observation{
			Text: fmt.Sprintf("%s: tool %q is not available. Available tools: %s",
				ErrUnknownTool.Error(), toolName, strings.Join(e.registry.Names(), ", ")),
			Success: false,
			State:   CallFailed,
		}, nil
	}

	e.events.Publish(e.runID, events.ToolStart, map[string]interface{}{
		"tool":       toolName,
		"step_index": stepIndex,
	})

	callCtx := ctx
	var cancel context.CancelFunc
	if e.cfg.ToolTimeoutSeconds > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(e.cfg.ToolTimeoutSeconds)*time.Second)
		defer cancel()
	}

	start := time.Now()
	result, err := tool.Invoke(callCtx, params, tc)
	elapsed := time.Since(start)
	metrics.ToolCallDuration.WithLabelValues(toolName).Observe(elapsed.Seconds())

	obs := e.buildObservation(stepIndex, toolName, result, err, elapsed)
	if ctx.Err() != nil {
		// Parent cancellation wins over whatever the tool returned.
		return nil, ctx.Err()
	}

	if crawlURL != "" && obs.Success {
		e.visited.RecordDigest(crawlURL, util.TruncateString(obs.Text, 300, true))
	}

	status := "success"
	if !obs.Success {
		status = "failure"
	}
	metrics.ToolCalls.WithLabelValues(toolName, status).Inc()

	e.events.Publish(e.runID, events.ToolEnd, map[string]interface{}{
		"tool":        toolName,
		"step_index":  stepIndex,
		"success":     obs.Success,
		"duration_ms": elapsed.Milliseconds(),
	})
	return obs, nil
}

// buildObservation turns a tool's raw result into the classified, bounded
// observation text and stores the verbatim payload on the data bus.
func (e *Executor) buildObservation(stepIndex int, toolName string, result *Result, err error, elapsed time.Duration) *Observation {
	if err != nil {
		text := fmt.Sprintf("tool %s failed: %v", toolName, err)
		if errors.Is(err, context.DeadlineExceeded) {
			text = fmt.Sprintf("%s: tool %s exceeded its %ds deadline", ErrToolTimeout.Error(), toolName, e.cfg.ToolTimeoutSeconds)
		}
		return &Observation{
			Text:      text,
			Success:   false,
			State:     CallFailed,
			Diagnosis: DiagnoseFailure(toolName, err.Error()),
			Duration:  elapsed,
		}
	}
	if result == nil {
		return &Observation{
			Text:     fmt.Sprintf("tool %s returned no result", toolName),
			Success:  false,
			State:    CallFailed,
			Duration: elapsed,
		}
	}
	if !result.Success {
		return &Observation{
			Text:      fmt.Sprintf("tool %s reported failure: %s", toolName, util.TruncateString(result.Output, e.cfg.ObservationMaxLen, true)),
			Success:   false,
			State:     CallFailed,
			Sources:   result.Sources,
			Diagnosis: DiagnoseFailure(toolName, result.Output),
			Duration:  elapsed,
		}
	}

	text, contentType := e.classifyAndEmit(stepIndex, toolName, result.Output)

	e.bus.Store(e.runID, stepIndex, result.Output, databus.Metadata{
		ToolName:    toolName,
		ContentType: contentType,
		Timestamp:   time.Now(),
		SourceCount: len(result.Sources),
	}, result.Sources)

	return &Observation{
		Text:     text,
		Success:  true,
		State:    CallSucceeded,
		Sources:  result.Sources,
		Duration: elapsed,
	}
}

// crawlTarget returns the URL a call is about to fetch, or "" when the call
// is not a crawl. Any tool taking a top-level url parameter is treated as a
// crawl so the guard stays tool-agnostic.
func crawlTarget(toolName string, params map[string]interface{}) string {
	raw, ok := params["url"]
	if !ok {
		return ""
	}
	s, ok := raw.(string)
	if !ok || !strings.HasPrefix(s, "http") {
		return ""
	}
	_ = toolName
	return s
}

func rejectionObservation(requested string, entry *VisitedURL) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %q is too similar to already-visited %q (visited %d times). Do not fetch it again; choose a different source.",
		ErrDuplicateURL.Error(), requested, entry.URL, entry.Count)
	if entry.Digest != "" {
		fmt.Fprintf(&b, "\nSummary of what that page already provided: %s", entry.Digest)
	}
	return b.String()
}
