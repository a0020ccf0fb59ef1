package events

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Type names a lifecycle event emitted by the research core.
type Type string

const (
	ResearchStart      Type = "on_research_start"
	ResearchPlan       Type = "on_research_plan_generated"
	ResearchProgress   Type = "on_research_progress"
	ToolStart          Type = "on_tool_start"
	ToolEnd            Type = "on_tool_end"
	AgentThinkStart    Type = "on_agent_think_start"
	AgentThinkEnd      Type = "on_agent_think_end"
	ImageGenerated     Type = "on_image_generated"
	FileGenerated      Type = "on_file_generated"
	ResearchEnd        Type = "on_research_end"
)

// Event is one lifecycle notification, namespaced by run ID.
type Event struct {
	RunID     string                 `json:"run_id"`
	Type      Type                   `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Handler consumes events synchronously inside Publish. Panics are isolated.
type Handler func(Event)

// Manager provides in-memory pub/sub for research lifecycle events. Publish
// never blocks on a subscriber: slow channel subscribers are dropped and
// handler panics are recovered. There is no package-level instance; callers
// inject a Manager wherever events are emitted.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	handlers    []Handler
	// per-run ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int
	logger   *zap.Logger
}

// NewManager creates an event manager with the given replay capacity per run.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		logger:      logger,
	}
}

// Subscribe adds a subscriber channel for a run; caller must drain and call
// Unsubscribe when done.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// OnEvent registers a synchronous handler for all runs.
func (m *Manager) OnEvent(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Publish delivers an event to every subscriber of the run (non-blocking) and
// every registered handler (panic-isolated).
func (m *Manager) Publish(runID string, typ Type, data map[string]interface{}) {
	evt := Event{
		RunID:     runID,
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}

	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := m.subscribers[runID]
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
	for _, h := range handlers {
		m.invoke(h, evt)
	}
}

func (m *Manager) invoke(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("Event handler panicked",
				zap.String("run_id", evt.RunID),
				zap.String("event_type", string(evt.Type)),
				zap.Any("panic", r),
			)
		}
	}()
	h(evt)
}

// ReplaySince returns events with Seq > since (best-effort within ring
// capacity). The lock is held across the ring read; Publish mutates the ring
// under the write lock.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history of a finished run.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, runID)
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

// Sequence numbers start at 1 so clients can always resume with
// Last-Event-ID, including from the first event of a run.
func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity), nextSeq: 1} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.start + i) % len(r.buf)
		ev := r.buf[idx]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
