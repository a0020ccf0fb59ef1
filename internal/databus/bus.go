// Package databus implements the bounded auxiliary store of full-fidelity
// tool output, decoupled from the always-retained step transcript.
package databus

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/CK991357/gemini-chat-sub000/internal/extract"
	"github.com/CK991357/gemini-chat-sub000/internal/metrics"
	"github.com/CK991357/gemini-chat-sub000/internal/research"
	"github.com/CK991357/gemini-chat-sub000/internal/util"
)

// Metadata describes one stored payload.
type Metadata struct {
	ToolName    string    `json:"tool_name"`
	ContentType string    `json:"content_type"`
	Timestamp   time.Time `json:"timestamp"`
	SourceCount int       `json:"source_count"`
}

// Entry is one step's stored tool output. RawData may be a structural
// reduction; OriginalData is always the verbatim payload, so callers needing
// fidelity read OriginalData.
type Entry struct {
	StepIndex    int                  `json:"step_index"`
	RawData      string               `json:"raw_data"`
	OriginalData string               `json:"original_data"`
	Metadata     Metadata             `json:"metadata"`
	Sources      []research.SourceRef `json:"sources,omitempty"`
}

// Bus is a process-wide store shared by concurrent sessions. Every entry is
// namespaced by run ID; one run's eviction never touches another run's data.
type Bus struct {
	mu        sync.RWMutex
	runs      map[string]map[int]*Entry
	retention int
	ceiling   int
	logger    *zap.Logger
}

// New creates a bus keeping at most retention entries per run, reducing
// payloads above ceiling bytes to a structural extraction.
func New(retention, ceiling int, logger *zap.Logger) *Bus {
	if retention <= 0 {
		retention = 100
	}
	if ceiling <= 0 {
		ceiling = 20000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		runs:      make(map[string]map[int]*Entry),
		retention: retention,
		ceiling:   ceiling,
		logger:    logger,
	}
}

// Store records a step's raw tool output, applying the size policy and the
// per-run retention policy.
func (b *Bus) Store(runID string, stepIndex int, rawData string, meta Metadata, sources []research.SourceRef) {
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now().UTC()
	}
	meta.SourceCount = len(sources)

	entry := &Entry{
		StepIndex:    stepIndex,
		RawData:      rawData,
		OriginalData: rawData,
		Metadata:     meta,
		Sources:      sources,
	}
	if len(rawData) > b.ceiling {
		entry.RawData = b.reduce(rawData)
		b.logger.Debug("Reduced oversize payload",
			zap.String("run_id", runID),
			zap.Int("step", stepIndex),
			zap.Int("original_bytes", len(rawData)),
			zap.Int("reduced_bytes", len(entry.RawData)),
		)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.runs[runID]
	if entries == nil {
		entries = make(map[int]*Entry)
		b.runs[runID] = entries
	}
	entries[stepIndex] = entry

	// Retention: drop oldest numeric step keys beyond the window.
	for len(entries) > b.retention {
		oldest := stepIndex
		for k := range entries {
			if k < oldest {
				oldest = k
			}
		}
		delete(entries, oldest)
		metrics.DataBusEvictions.Inc()
	}
	metrics.DataBusBytes.Set(float64(b.totalBytesLocked()))
}

// reduce keeps the structural skeleton of an oversize payload: markdown
// tables and lists when present, an explicit-notice truncation otherwise.
func (b *Bus) reduce(raw string) string {
	if extract.HasMarkdownStructure(raw) {
		outline := extract.MarkdownOutline(raw)
		if outline != "" {
			if len(outline) > b.ceiling {
				outline = util.TruncateWithNotice(outline, b.ceiling)
			}
			return fmt.Sprintf("[structural extraction of %d-character payload]\n%s", len(raw), outline)
		}
	}
	return util.TruncateWithNotice(raw, b.ceiling)
}

// Get returns the entry for a step, or nil when absent or evicted.
func (b *Bus) Get(runID string, stepIndex int) *Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := b.runs[runID]
	if entries == nil {
		return nil
	}
	return entries[stepIndex]
}

// Size returns the number of retained entries for a run.
func (b *Bus) Size(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.runs[runID])
}

// StepIndices returns the retained step indices for a run in ascending order.
func (b *Bus) StepIndices(runID string) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := b.runs[runID]
	keys := make([]int, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// SummaryForPrompt renders a short per-entry digest for injection into the
// next decision prompt, so the model knows what full data is available
// without re-reading it all.
func (b *Bus) SummaryForPrompt(runID string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := b.runs[runID]
	if len(entries) == 0 {
		return ""
	}
	keys := make([]int, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var sb strings.Builder
	sb.WriteString("Collected data available for synthesis:\n")
	for _, k := range keys {
		e := entries[k]
		preview := util.TruncateString(strings.ReplaceAll(e.OriginalData, "\n", " "), 200, true)
		sb.WriteString(fmt.Sprintf("- step %d [%s/%s, %d chars, %d sources]: %s\n",
			e.StepIndex, e.Metadata.ToolName, e.Metadata.ContentType,
			len(e.OriginalData), e.Metadata.SourceCount, preview))
	}
	return sb.String()
}

// DropRun releases all entries of a finished run.
func (b *Bus) DropRun(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, runID)
	metrics.DataBusBytes.Set(float64(b.totalBytesLocked()))
}

func (b *Bus) totalBytesLocked() int {
	total := 0
	for _, entries := range b.runs {
		for _, e := range entries {
			total += len(e.OriginalData) + len(e.RawData)
		}
	}
	return total
}
