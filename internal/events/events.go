// Package events provides in-memory pub/sub for execution lifecycle events.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published by the orchestrator.
const (
	TypeExecutionStarted   = "execution_started"
	TypeExecutionCompleted = "execution_completed"
	TypeExecutionPaused    = "execution_paused"
	TypeExecutionResumed   = "execution_resumed"
	TypeExecutionCancelled = "execution_cancelled"
	TypeStepStarted        = "step_started"
	TypeStepCompleted      = "step_completed"
	TypeStepFailed         = "step_failed"
	TypeStepRetrying       = "step_retrying"
	TypeHandoffEmitted     = "handoff_emitted"
)

// Event is a minimal execution event used for observation and streaming.
type Event struct {
	ExecutionID string    `json:"executionId"`
	Type        string    `json:"type"`
	StepID      string    `json:"stepId,omitempty"`
	AgentID     string    `json:"agentId,omitempty"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Seq         uint64    `json:"seq"`
}

// Manager provides in-memory pub/sub keyed by execution id.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-execution ring buffer for replay support
	history  map[string]*ring
	capacity int
}

var (
	defaultMgr      *Manager
	once            sync.Once
	defaultCapacity = 256
)

// Get returns the global event manager, initializing it lazily.
func Get() *Manager {
	once.Do(func() {
		defaultMgr = NewManager(defaultCapacity)
	})
	return defaultMgr
}

// NewManager constructs a manager with the given replay capacity per execution.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for an execution; caller must drain and
// call Unsubscribe.
func (m *Manager) Subscribe(executionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[executionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[executionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(executionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[executionID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, executionID)
		}
	}
}

// Publish sends an event to all subscribers of the execution (non-blocking).
func (m *Manager) Publish(executionID string, evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.ExecutionID = executionID

	m.mu.Lock()
	rg := m.history[executionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[executionID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := m.subscribers[executionID]
	m.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(executionID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[executionID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops replay history for an execution once it is no longer needed.
func (m *Manager) Forget(executionID string) {
	m.mu.Lock()
	delete(m.history, executionID)
	m.mu.Unlock()
}

// Marshal returns JSON for event payloads in streams or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

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
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
