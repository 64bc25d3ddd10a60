package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/hub"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/logger"
)

// handleWebSocket sends each frame's JPEG payload as one binary message.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket", "Upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	sub := s.source.Subscribe()
	defer sub.Close()
	s.metrics.ClientConnected()
	defer s.metrics.ClientDisconnected()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Viewers never send anything we use; reading only detects them leaving.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	logger.Info("WebSocket", "Viewer %s connected from %s", sub.ID(), r.RemoteAddr)
	sent := 0
	defer func() {
		logger.Info("WebSocket", "Viewer %s disconnected (frames sent: %d)", sub.ID(), sent)
	}()

	for {
		frame, err := s.nextFrame(ctx, sub)
		if err != nil {
			if errors.Is(err, hub.ErrClosed) {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended")
				_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			}
			return
		}

		_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := ws.WriteMessage(websocket.BinaryMessage, frame.Payload()); err != nil {
			logger.Debug("WebSocket", "Write to viewer %s failed: %v", sub.ID(), err)
			return
		}
		s.metrics.BytesSent.Add(uint64(frame.Len()))
		sent++
	}
}
