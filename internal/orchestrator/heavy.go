package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/Kocoro-lab/consistency-engine/internal/metrics"
)

// heavyScheduler admits projects to a fixed number of heavy slots in FIFO order.
type heavyScheduler struct {
	mu    sync.Mutex
	slots int
	inUse int
	queue []*heavyTicket
}

type heavyTicket struct {
	projectID  string
	enqueuedAt time.Time
	ready      chan struct{}
	granted    bool
}

func newHeavyScheduler(slots int) *heavyScheduler {
	if slots < 1 {
		slots = 1
	}
	return &heavyScheduler{slots: slots}
}

// enqueue appends a ticket and grants it at once when a slot is free.
func (h *heavyScheduler) enqueue(projectID string) *heavyTicket {
	t := &heavyTicket{projectID: projectID, enqueuedAt: time.Now(), ready: make(chan struct{})}
	h.mu.Lock()
	h.queue = append(h.queue, t)
	h.grantLocked()
	h.mu.Unlock()
	return t
}

// wait blocks until the ticket holds a slot. On ctx expiry the ticket leaves
// the queue, or gives its slot back if it was granted meanwhile.
func (h *heavyScheduler) wait(ctx context.Context, t *heavyTicket) error {
	select {
	case <-t.ready:
		metrics.HeavyWait.Observe(time.Since(t.enqueuedAt).Seconds())
		return nil
	case <-ctx.Done():
	}
	h.mu.Lock()
	granted := t.granted
	if !granted {
		h.dropLocked(t)
	}
	h.mu.Unlock()
	if granted {
		h.release()
	}
	return ctx.Err()
}

// release frees a slot and admits the next waiter.
func (h *heavyScheduler) release() {
	h.mu.Lock()
	if h.inUse > 0 {
		h.inUse--
	}
	h.grantLocked()
	h.mu.Unlock()
}

// remove takes a waiting project out of the queue. It reports false when the
// project was not waiting.
func (h *heavyScheduler) remove(projectID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range h.queue {
		if t.projectID == projectID {
			h.dropLocked(t)
			return true
		}
	}
	return false
}

// position returns the 1-based queue position, or 0 when not waiting.
func (h *heavyScheduler) position(projectID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, t := range h.queue {
		if t.projectID == projectID {
			return i + 1
		}
	}
	return 0
}

func (h *heavyScheduler) stats() (inUse, waiting int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse, len(h.queue)
}

func (h *heavyScheduler) dropLocked(t *heavyTicket) {
	for i, q := range h.queue {
		if q == t {
			h.queue = append(h.queue[:i], h.queue[i+1:]...)
			break
		}
	}
	metrics.HeavyQueueDepth.Set(float64(len(h.queue)))
}

func (h *heavyScheduler) grantLocked() {
	for h.inUse < h.slots && len(h.queue) > 0 {
		t := h.queue[0]
		h.queue = h.queue[1:]
		t.granted = true
		h.inUse++
		close(t.ready)
	}
	metrics.HeavyQueueDepth.Set(float64(len(h.queue)))
	metrics.HeavySlotsInUse.Set(float64(h.inUse))
}
