package hub

import (
	"context"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/pkg/types"
)

// Subscription is one viewer's cursor into the hub. Next must not be called
// from more than one goroutine at a time.
type Subscription struct {
	id   string
	hub  *Hub
	next uint64 // sequence number of the frame this subscriber wants next
}

// ID returns the subscription identifier used in logs.
func (s *Subscription) ID() string {
	return s.id
}

// Next blocks until a frame is available, ctx is done, or the hub is closed
// and drained. Frames are returned in publish order without duplicates.
func (s *Subscription) Next(ctx context.Context) (types.Frame, error) {
	h := s.hub
	for {
		h.mu.RLock()
		if s.next < h.published {
			var missed uint64
			if oldest := h.oldestLocked(); s.next < oldest {
				missed = oldest - s.next
				s.next = oldest
			}

			if missed > 0 && h.policy == LagReport {
				h.mu.RUnlock()
				s.lagged(missed)
				return types.Frame{}, &LagError{Missed: missed}
			}

			f := h.ring[s.next%uint64(len(h.ring))]
			s.next++
			h.mu.RUnlock()

			if missed > 0 {
				s.lagged(missed)
			}
			return f, nil
		}

		if h.closed {
			h.mu.RUnlock()
			return types.Frame{}, ErrClosed
		}
		wait := h.notify
		h.mu.RUnlock()

		select {
		case <-ctx.Done():
			return types.Frame{}, ctx.Err()
		case <-wait:
		}
	}
}

// Close releases the subscription's registry slot. It is safe to call more
// than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

func (s *Subscription) lagged(missed uint64) {
	s.hub.recordSkip(missed)
	logger.Debug("Hub", "Subscription %s lagged, skipped %d frames", s.id, missed)
}
