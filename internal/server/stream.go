package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/hub"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/pkg/types"
)

// nextFrame waits for the subscription's next frame. When the placeholder
// is enabled and nothing arrives in time, the placeholder is returned
// instead so the viewer's connection stays alive.
func (s *Server) nextFrame(ctx context.Context, sub *hub.Subscription) (types.Frame, error) {
	for {
		wait, cancel := ctx, context.CancelFunc(func() {})
		if !s.placeholder.IsZero() {
			wait, cancel = context.WithTimeout(ctx, s.cfg.PlaceholderAfter)
		}
		frame, err := sub.Next(wait)
		cancel()

		switch {
		case err == nil:
			return frame, nil
		case errors.Is(err, hub.ErrLagged):
			logger.Debug("HTTP", "Viewer %s: %v", sub.ID(), err)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return s.placeholder, nil
		default:
			return types.Frame{}, err
		}
	}
}

// handleStream writes the source as multipart/x-mixed-replace. The opening
// boundary goes out with the headers; each frame then carries its own
// trailing boundary.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.source.Subscribe()
	defer sub.Close()
	s.metrics.ClientConnected()
	defer s.metrics.ClientDisconnected()

	w.Header().Set("Content-Type", types.StreamContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := s.write(w, rc, []byte(types.BoundaryLine)); err != nil {
		logger.Debug("MJPEG", "Viewer %s disconnected before the first frame: %v", sub.ID(), err)
		return
	}
	flusher.Flush()

	logger.Info("MJPEG", "Viewer %s connected from %s", sub.ID(), r.RemoteAddr)
	sent := 0
	defer func() {
		logger.Info("MJPEG", "Viewer %s disconnected (frames sent: %d)", sub.ID(), sent)
	}()

	for {
		frame, err := s.nextFrame(r.Context(), sub)
		if err != nil {
			if errors.Is(err, hub.ErrClosed) {
				logger.Debug("MJPEG", "Source ended, closing viewer %s", sub.ID())
			}
			return
		}

		if err := s.write(w, rc, frame.Bytes()); err != nil {
			logger.Debug("MJPEG", "Client disconnected during frame write: %v", err)
			return
		}
		flusher.Flush()
		sent++
	}
}

// write sends data under the configured write deadline.
func (s *Server) write(w http.ResponseWriter, rc *http.ResponseController, data []byte) error {
	// Not every ResponseWriter supports deadlines; those writes just block.
	_ = rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))

	n, err := w.Write(data)
	s.metrics.BytesSent.Add(uint64(n))
	return err
}
