// Package server exposes a relay source over HTTP: a multipart MJPEG
// endpoint, WebSocket and WebRTC viewers, and status, health and metrics
// endpoints.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/source"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/pkg/types"
)

// Server serves one source to any number of viewers.
type Server struct {
	cfg         Config
	source      source.Transcoder
	metrics     *metrics.Metrics
	placeholder types.Frame // zero when disabled
	upgrader    websocket.Upgrader
	webrtc      *webrtcServer
	startedAt   time.Time
}

// NewServer returns a server relaying src. Zero config fields take their
// defaults, except PlaceholderAfter where zero disables the placeholder.
func NewServer(src source.Transcoder, cfg Config) *Server {
	def := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxWebRTCClients <= 0 {
		cfg.MaxWebRTCClients = def.MaxWebRTCClients
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}

	s := &Server{
		cfg:     cfg,
		source:  src,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
	}

	if cfg.PlaceholderAfter > 0 {
		frame, err := placeholderFrame(src.Stats().Input)
		if err != nil {
			logger.Warn("HTTP", "Placeholder frame disabled: %v", err)
		} else {
			s.placeholder = frame
		}
	}

	s.webrtc = newWebRTCServer(cfg.STUNServers, cfg.MaxWebRTCClients, s)
	return s
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/viewer", s.handleViewer).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/webrtc/offer", s.handleWebRTCOffer).Methods(http.MethodPost)

	return r
}

// Close disconnects every WebRTC viewer. HTTP and WebSocket viewers end
// with their connections or with the source.
func (s *Server) Close() error {
	return s.webrtc.Close()
}

func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(viewerHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.source.Done():
		payload := map[string]any{"status": "terminated"}
		if err := s.source.Err(); err != nil {
			payload["error"] = err.Error()
		}
		writeJSONWithStatus(w, payload, http.StatusServiceUnavailable)
	default:
		writeJSON(w, map[string]any{
			"status":         "ok",
			"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		})
	}
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload["sdp"] == nil || payload["type"] == nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.webrtc.HandleOffer(body)
	if err != nil {
		logger.Warn("WebRTC", "Offer from %s rejected: %v", r.RemoteAddr, err)
		status := http.StatusInternalServerError
		if errors.Is(err, errTooManyClients) {
			status = http.StatusServiceUnavailable
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
