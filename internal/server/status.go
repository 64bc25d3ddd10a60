package server

import (
	"net/http"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/logger"
)

const (
	contentTypeJSON     = "application/json"
	contentTypeProtobuf = "application/protobuf"
)

// wantsProtobuf reports whether the client asked for a binary payload.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, contentTypeProtobuf) ||
		strings.Contains(accept, "application/x-protobuf")
}

// statusPayload is the status document in the shape shared by both encodings.
func (s *Server) statusPayload() map[string]any {
	st := s.source.Stats()

	src := map[string]any{
		"input":          st.Input,
		"fps":            st.FPS,
		"pid":            st.PID,
		"running":        st.Running,
		"frames_read":    st.FramesRead,
		"frames_corrupt": st.FramesCorrupt,
		"started_at":     st.StartedAt.UTC().Format(time.RFC3339Nano),
		"last_frame_at":  st.LastFrameAt.UTC().Format(time.RFC3339Nano),
	}
	if st.Err != "" {
		src["error"] = st.Err
	}

	return map[string]any{
		"source": src,
		"hub": map[string]any{
			"capacity":    st.Hub.Capacity,
			"published":   st.Hub.Published,
			"retained":    st.Hub.Retained,
			"subscribers": st.Hub.Subscribers,
			"skipped":     st.Hub.Skipped,
			"closed":      st.Hub.Closed,
		},
		"viewers": map[string]any{
			"active": s.metrics.ActiveClients.Load(),
			"total":  s.metrics.TotalClients.Load(),
			"webrtc": s.webrtc.ClientCount(),
		},
		"bytes_sent": s.metrics.BytesSent.Load(),
		"timestamp":  float64(time.Now().Unix()),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	msg, err := structpb.NewStruct(s.statusPayload())
	if err != nil {
		logger.Error("HTTP", "Failed to build status: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}

	contentType := contentTypeJSON
	var data []byte
	if wantsProtobuf(r) {
		contentType = contentTypeProtobuf
		data, err = proto.Marshal(msg)
	} else {
		data, err = protojson.Marshal(msg)
	}
	if err != nil {
		logger.Error("HTTP", "Failed to encode status: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}
