// Package streaming is the progress emitter: in-memory pub/sub of research
// task events with a per-task replay ring, optionally mirrored to Redis
// Streams for cross-process consumers.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/McLeuker/mcleukerai-sub000/internal/metrics"
)

// Event is one progress update on a research task. Phase is authoritative
// for consumer UI state; unknown fields must be ignored by consumers.
type Event struct {
	TaskID      string  `json:"task_id"`
	Phase       string  `json:"phase"`
	Message     string  `json:"message,omitempty"`
	Content     string  `json:"content,omitempty"` // partial answer text during generation
	SourceCount int     `json:"source_count,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	Coverage    float64 `json:"coverage,omitempty"`
	Credits     int     `json:"credits,omitempty"`
	Final       bool    `json:"final,omitempty"` // sentinel close event
	Error       string  `json:"error,omitempty"`

	// InsufficientCredits marks a budget rejection so clients can route the
	// user to a top-up flow instead of a generic failure screen.
	InsufficientCredits bool      `json:"insufficient_credits,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
	Seq                 uint64    `json:"seq"`
}

// Marshal returns the JSON payload for SSE frames and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// mirrorQueueCap bounds the mirror backlog; events past it are dropped
// rather than stalling Publish.
const mirrorQueueCap = 512

// Manager provides per-task pub/sub with bounded replay history.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
	mirror      Mirror
	mirrorCh    chan mirrorItem
	mirrorOnce  sync.Once
}

// Mirror receives every published event; used for the Redis Streams copy.
// Appends run on a dedicated goroutine, so Publish never blocks on the
// mirror; a slow mirror loses events instead of stalling the stream.
type Mirror interface {
	Append(taskID string, evt Event)
}

type mirrorItem struct {
	taskID string
	evt    Event
}

// NewManager creates a streaming manager with the given replay capacity.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 256
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		mirrorCh:    make(chan mirrorItem, mirrorQueueCap),
	}
}

// SetMirror attaches an event mirror; nil detaches.
func (m *Manager) SetMirror(mirror Mirror) {
	m.mu.Lock()
	m.mirror = mirror
	m.mu.Unlock()
	if mirror != nil {
		m.mirrorOnce.Do(func() { go m.mirrorLoop() })
	}
}

// mirrorLoop drains the mirror queue for the life of the process.
func (m *Manager) mirrorLoop() {
	for item := range m.mirrorCh {
		m.mu.RLock()
		mirror := m.mirror
		m.mu.RUnlock()
		if mirror != nil {
			mirror.Append(item.taskID, item.evt)
		}
	}
}

// Subscribe adds a subscriber channel for a task; the caller must drain it
// and call Unsubscribe.
func (m *Manager) Subscribe(taskID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[taskID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[taskID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes and closes the subscriber channel.
func (m *Manager) Unsubscribe(taskID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[taskID]; ok {
		if _, present := subs[ch]; present {
			delete(subs, ch)
			close(ch)
			metrics.StreamSubscribers.Dec()
		}
		if len(subs) == 0 {
			delete(m.subscribers, taskID)
		}
	}
}

// Publish assigns a sequence number, records the event in the replay ring,
// and fans it out non-blocking; slow subscribers drop events rather than
// stalling the research loop.
func (m *Manager) Publish(taskID string, evt Event) {
	evt.TaskID = taskID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.mu.Lock()
	rg := m.history[taskID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[taskID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	// Fan out while holding the lock so a concurrent Unsubscribe cannot
	// close a channel mid-send. Sends never block.
	for ch := range m.subscribers[taskID] {
		select {
		case ch <- evt:
		default:
		}
	}
	mirrored := m.mirror != nil
	m.mu.Unlock()

	if mirrored {
		select {
		case m.mirrorCh <- mirrorItem{taskID: taskID, evt: evt}:
		default:
		}
	}
}

// ReplaySince returns events with Seq > since, best-effort within ring
// capacity; powers Last-Event-ID resumption.
func (m *Manager) ReplaySince(taskID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[taskID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the replay history for a task; called once the terminal
// event has had a grace period to reach reconnecting clients.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	delete(m.history, taskID)
	m.mu.Unlock()
}

// ring is a fixed-capacity replay buffer.
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
