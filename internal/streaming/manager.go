package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event types published for an analysis run.
const (
	EventProgress       = "progress"
	EventPhaseStarted   = "phase_started"
	EventPhaseCompleted = "phase_completed"
	EventQueuedHeavy    = "queued_for_heavy"
	EventCompleted      = "completed"
	EventCancelled      = "cancelled"
	EventError          = "error"
)

// Event is a progress event delivered over SSE and WebSocket.
type Event struct {
	ProjectID string                 `json:"project_id"`
	Type      string                 `json:"type"`
	Status    string                 `json:"status,omitempty"`
	Phase     string                 `json:"phase,omitempty"`
	Percent   float64                `json:"percent"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Terminal reports whether the event ends a run's stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventCancelled, EventError:
		return true
	}
	return false
}

// Manager provides in-memory pub/sub for progress events, with a per-project
// ring buffer for Last-Event-ID replay. When a Redis client is attached every
// event is also appended to a capped Redis stream so other instances and
// restarted processes can replay it.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int

	redis  *redis.Client
	prefix string
	logger *zap.Logger
}

const defaultCapacity = 256

// NewManager creates a manager. rdb may be nil.
func NewManager(rdb *redis.Client, capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		redis:       rdb,
		prefix:      "consistency:progress:",
		logger:      logger,
	}
}

func (m *Manager) streamKey(projectID string) string { return m.prefix + projectID }

// Subscribe adds a subscriber channel for a project; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(projectID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[projectID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[projectID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(projectID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[projectID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, projectID)
		}
	}
}

// Publish assigns the next sequence number and sends the event to all
// subscribers of the project without blocking. Slow subscribers drop events
// and recover them through ReplaySince.
func (m *Manager) Publish(projectID string, evt Event) Event {
	evt.ProjectID = projectID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[projectID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[projectID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	// non-blocking sends under the lock; Unsubscribe closes channels
	for ch := range m.subscribers[projectID] {
		select {
		case ch <- evt:
		default:
		}
	}
	m.mu.Unlock()

	if m.redis != nil {
		m.appendStream(evt)
	}
	return evt
}

func (m *Manager) appendStream(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: m.streamKey(evt.ProjectID),
		MaxLen: int64(m.capacity),
		Approx: true,
		Values: map[string]interface{}{
			"seq":     strconv.FormatUint(evt.Seq, 10),
			"payload": string(evt.Marshal()),
		},
	}).Err()
	if err != nil {
		m.logger.Warn("Failed to append progress event to redis stream",
			zap.String("project_id", evt.ProjectID),
			zap.Uint64("seq", evt.Seq),
			zap.Error(err),
		)
	}
}

// ReplaySince returns events with Seq > since, best-effort within ring
// capacity. The in-memory ring wins; the Redis stream is read only when this
// process has no history for the project.
func (m *Manager) ReplaySince(projectID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[projectID]
	var out []Event
	if rg != nil {
		out = rg.since(since)
	}
	m.mu.RUnlock()
	if rg != nil || m.redis == nil {
		return out
	}
	evs, err := m.replayStream(context.Background(), projectID, since)
	if err != nil {
		m.logger.Warn("Failed to replay progress events from redis stream",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		return nil
	}
	return evs
}

func (m *Manager) replayStream(ctx context.Context, projectID string, since uint64) ([]Event, error) {
	msgs, err := m.redis.XRange(ctx, m.streamKey(projectID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.Seq > since {
			out = append(out, e)
		}
	}
	return out, nil
}

// Forget drops the in-memory history of a project.
func (m *Manager) Forget(projectID string) {
	m.mu.Lock()
	delete(m.history, projectID)
	m.mu.Unlock()
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
