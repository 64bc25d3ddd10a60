// Package hub fans frames out from a single publisher to any number of
// independently paced subscribers.
//
// Frames live in a fixed-size ring indexed by a monotonically increasing
// sequence number. Each Subscription only remembers the sequence it wants
// next, so subscribers never block the publisher or each other: a subscriber
// that falls more than a ring's worth behind jumps forward to the oldest
// retained frame.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/pkg/types"
)

var (
	// ErrClosed is returned once the hub is closed and a subscriber has
	// drained every retained frame.
	ErrClosed = errors.New("hub closed")

	// ErrLagged is matched by *LagError under LagReport.
	ErrLagged = errors.New("subscriber lagged")
)

// LagPolicy decides what Next does when a subscriber has fallen behind the ring.
type LagPolicy int

const (
	// LagSkip silently resumes at the oldest retained frame.
	LagSkip LagPolicy = iota
	// LagReport resumes at the oldest retained frame and returns a *LagError
	// first. The caller should call Next again.
	LagReport
)

// ParseLagPolicy parses "skip" or "report".
func ParseLagPolicy(s string) (LagPolicy, error) {
	switch s {
	case "skip", "":
		return LagSkip, nil
	case "report":
		return LagReport, nil
	default:
		return LagSkip, fmt.Errorf("invalid lag policy: %s", s)
	}
}

func (p LagPolicy) String() string {
	if p == LagReport {
		return "report"
	}
	return "skip"
}

// LagError reports how many frames a subscriber missed.
type LagError struct {
	Missed uint64
}

func (e *LagError) Error() string {
	return fmt.Sprintf("subscriber lagged: %d frames skipped", e.Missed)
}

func (e *LagError) Is(target error) bool {
	return target == ErrLagged
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Capacity    int    `json:"capacity"`
	Published   uint64 `json:"published"`
	Retained    int    `json:"retained"`
	Subscribers int    `json:"subscribers"`
	Skipped     uint64 `json:"skipped"`
	Closed      bool   `json:"closed"`
}

// Hub is a bounded broadcast buffer of frames. Publish is only called from
// one goroutine; every other method is safe for concurrent use.
type Hub struct {
	mu        sync.RWMutex
	ring      []types.Frame
	published uint64        // sequence number of the next frame to publish
	notify    chan struct{} // closed and replaced on every publish and on Close
	closed    bool
	cause     error

	subsMu  sync.Mutex
	subs    map[string]*Subscription
	skipped uint64

	policy  LagPolicy
	metrics *metrics.Metrics
}

// New creates a hub retaining up to capacity frames. A capacity below one is
// raised to one. m may be nil.
func New(capacity int, policy LagPolicy, m *metrics.Metrics) *Hub {
	if capacity < 1 {
		capacity = 1
	}
	if m == nil {
		m = metrics.New()
	}
	m.HubCapacity.Store(uint64(capacity))

	return &Hub{
		ring:    make([]types.Frame, capacity),
		notify:  make(chan struct{}),
		subs:    make(map[string]*Subscription),
		policy:  policy,
		metrics: m,
	}
}

// Capacity returns the ring size.
func (h *Hub) Capacity() int {
	return len(h.ring)
}

// Publish stores f, evicting the oldest frame when the ring is full, and
// wakes every waiting subscriber. It never blocks on subscribers.
func (h *Hub) Publish(f types.Frame) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}

	h.ring[h.published%uint64(len(h.ring))] = f
	h.published++
	close(h.notify)
	h.notify = make(chan struct{})
	retained := h.retainedLocked()
	h.mu.Unlock()

	h.metrics.FramesPublished.Add(1)
	h.metrics.HubRetained.Store(uint64(retained))
	return nil
}

// Close stops publishing. Subscribers still receive the retained frames
// they have not read, then ErrClosed. cause is reported by Err.
func (h *Hub) Close(cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	h.cause = cause
	close(h.notify)
}

// Err returns the cause passed to Close, or nil while the hub is open.
func (h *Hub) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cause
}

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Subscribe registers a new subscription whose first frame is the next one
// published after this call.
func (h *Hub) Subscribe() *Subscription {
	h.mu.RLock()
	next := h.published
	h.mu.RUnlock()

	s := &Subscription{
		id:   uuid.NewString(),
		hub:  h,
		next: next,
	}

	h.subsMu.Lock()
	h.subs[s.id] = s
	count := len(h.subs)
	h.subsMu.Unlock()

	logger.Debug("Hub", "Subscription %s attached at seq %d (subscribers: %d)", s.id, next, count)
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.subsMu.Lock()
	_, ok := h.subs[s.id]
	delete(h.subs, s.id)
	count := len(h.subs)
	h.subsMu.Unlock()

	if ok {
		logger.Debug("Hub", "Subscription %s detached (subscribers: %d)", s.id, count)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.subsMu.Lock()
	defer h.subsMu.Unlock()
	return len(h.subs)
}

// Stats returns a snapshot of the hub.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	st := Stats{
		Capacity:  len(h.ring),
		Published: h.published,
		Retained:  h.retainedLocked(),
		Closed:    h.closed,
	}
	h.mu.RUnlock()

	h.subsMu.Lock()
	st.Subscribers = len(h.subs)
	st.Skipped = h.skipped
	h.subsMu.Unlock()
	return st
}

func (h *Hub) retainedLocked() int {
	if h.published < uint64(len(h.ring)) {
		return int(h.published)
	}
	return len(h.ring)
}

// oldestLocked returns the sequence number of the oldest retained frame.
func (h *Hub) oldestLocked() uint64 {
	return h.published - uint64(h.retainedLocked())
}

func (h *Hub) recordSkip(n uint64) {
	h.subsMu.Lock()
	h.skipped += n
	h.subsMu.Unlock()
	h.metrics.FramesSkipped.Add(n)
}
