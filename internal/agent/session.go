package agent

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CK991357/gemini-chat-sub000/internal/research"
)

// Session is the per-run state of one research conversation. All state lives
// here; nothing about a run is global.
type Session struct {
	RunID      string
	Query      string
	Mode       research.Mode
	StartedAt  time.Time
	Plan       *research.Plan
	Steps      []research.Step
	Sources    []research.SourceRef
	TokensUsed int
}

// NewSession creates a session with a fresh run ID.
func NewSession(query string, mode research.Mode) *Session {
	if mode != research.ModeDeep {
		mode = research.ModeStandard
	}
	return &Session{
		RunID:     uuid.New().String(),
		Query:     query,
		Mode:      mode,
		StartedAt: time.Now().UTC(),
	}
}

// AppendStep records one completed step on the transcript. Steps are
// append-only; indices are assigned in order.
func (s *Session) AppendStep(action research.Action, observation string, sources []research.SourceRef, success bool) research.Step {
	step := research.Step{
		Index:       len(s.Steps),
		Action:      action,
		Observation: observation,
		Sources:     sources,
		Success:     success,
	}
	s.Steps = append(s.Steps, step)
	s.mergeSources(sources)
	return step
}

// mergeSources folds step sources into the global pool, deduplicated so the
// same page reported by several steps gets one reference number. URL is the
// primary key; sources without a URL are keyed by normalized title.
func (s *Session) mergeSources(sources []research.SourceRef) {
	seen := make(map[string]struct{}, len(s.Sources))
	for _, src := range s.Sources {
		seen[sourceKey(src)] = struct{}{}
	}
	for _, src := range sources {
		key := sourceKey(src)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		s.Sources = append(s.Sources, src)
	}
}

func sourceKey(src research.SourceRef) string {
	if src.URL != "" {
		return src.URL
	}
	return strings.ToLower(strings.TrimSpace(src.Title))
}

// result assembles the wholesale-serializable outcome.
func (s *Session) result(status research.Status, report, citationsText, reason string, degraded bool) *research.Result {
	return &research.Result{
		RunID:      s.RunID,
		Query:      s.Query,
		Mode:       s.Mode,
		Status:     status,
		Success:    status == research.StatusAnswered,
		Report:     report,
		Citations:  citationsText,
		Degraded:   degraded,
		Reason:     reason,
		Plan:       s.Plan,
		Steps:      s.Steps,
		Sources:    s.Sources,
		Iterations: len(s.Steps),
		TokensUsed: s.TokensUsed,
		StartedAt:  s.StartedAt,
		FinishedAt: time.Now().UTC(),
	}
}
