package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/hub"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/logger"
)

const (
	// framesChannel is the label of the data channel viewers open in their offer.
	framesChannel = "frames"

	// Each frame is sent as a text message holding its length followed by
	// binary chunks, since browsers cap data channel messages well below
	// typical JPEG sizes.
	chunkSize = 16 * 1024

	// Frames are skipped while this much data is still queued for a peer.
	maxBufferedAmount = 1 << 20
)

var errTooManyClients = errors.New("maximum clients reached")

type webrtcClient struct {
	id            string
	peerConn      *webrtc.PeerConnection
	ctx           context.Context
	cancel        context.CancelFunc
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

// webrtcServer manages viewers receiving frames over a WebRTC data channel.
type webrtcServer struct {
	clients    map[string]*webrtcClient
	clientsMu  sync.RWMutex
	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	relay      *Server
}

func newWebRTCServer(stunServers []string, maxClients int, relay *Server) *webrtcServer {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		if url == "" {
			continue
		}
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	return &webrtcServer{
		clients:    make(map[string]*webrtcClient),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		relay:      relay,
	}
}

// HandleOffer answers an SDP offer. The answer carries every gathered ICE
// candidate, so no trickle exchange follows.
func (s *webrtcServer) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	if s.ClientCount() >= s.maxClients {
		return nil, errTooManyClients
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &webrtcClient{
		id:       uuid.NewString(),
		peerConn: peerConn,
		ctx:      ctx,
		cancel:   cancel,
	}

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Client %s connection state: %s", client.id, state.String())
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemoveClient(client.id)
		}
	})

	peerConn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != framesChannel {
			logger.Warn("WebRTC", "Client %s opened unexpected channel %q", client.id, dc.Label())
			return
		}
		dc.OnOpen(func() {
			go s.sendFrames(client, dc)
		})
	})

	s.clientsMu.Lock()
	s.clients[client.id] = client
	s.clientsMu.Unlock()

	fail := func(err error) ([]byte, error) {
		s.RemoveClient(client.id)
		return nil, err
	}

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("failed to set remote description: %w", err))
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create answer: %w", err))
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("failed to set local description: %w", err))
	}
	<-gatherComplete
	logger.Debug("WebRTC", "ICE gathering complete for client %s", client.id)

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return fail(errors.New("no local description available"))
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		return fail(fmt.Errorf("failed to marshal answer: %w", err))
	}

	logger.Info("WebRTC", "Client %s negotiated", client.id)
	return answerJSON, nil
}

// sendFrames relays the source to one open data channel until the peer or
// the source goes away.
func (s *webrtcServer) sendFrames(client *webrtcClient, dc *webrtc.DataChannel) {
	sub := s.relay.source.Subscribe()
	defer sub.Close()
	s.relay.metrics.ClientConnected()
	defer s.relay.metrics.ClientDisconnected()
	defer s.RemoveClient(client.id)

	logger.Info("WebRTC", "Client %s receiving frames", client.id)

	for {
		frame, err := s.relay.nextFrame(client.ctx, sub)
		if err != nil {
			if errors.Is(err, hub.ErrClosed) {
				logger.Debug("WebRTC", "Source ended, closing client %s", client.id)
			}
			return
		}

		if dc.BufferedAmount() > maxBufferedAmount {
			client.framesDropped.Add(1)
			continue
		}

		if err := sendChunked(dc, frame.Payload()); err != nil {
			logger.Debug("WebRTC", "Send to client %s failed: %v", client.id, err)
			return
		}
		client.framesSent.Add(1)
		s.relay.metrics.BytesSent.Add(uint64(frame.Len()))
	}
}

func sendChunked(dc *webrtc.DataChannel, payload []byte) error {
	if err := dc.SendText(strconv.Itoa(len(payload))); err != nil {
		return err
	}
	for len(payload) > 0 {
		n := min(chunkSize, len(payload))
		if err := dc.Send(payload[:n]); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// RemoveClient closes and forgets a client. Unknown IDs are ignored.
func (s *webrtcServer) RemoveClient(clientID string) {
	s.clientsMu.Lock()
	client, exists := s.clients[clientID]
	delete(s.clients, clientID)
	s.clientsMu.Unlock()

	if !exists {
		return
	}

	client.cancel()
	if err := client.peerConn.Close(); err != nil {
		logger.Debug("WebRTC", "Closing client %s: %v", clientID, err)
	}
	logger.Info("WebRTC", "Client %s disconnected (sent: %d, dropped: %d)",
		clientID, client.framesSent.Load(), client.framesDropped.Load())
}

// ClientCount returns the number of negotiated clients.
func (s *webrtcServer) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client.
func (s *webrtcServer) Close() error {
	s.clientsMu.RLock()
	ids := make([]string, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	s.clientsMu.RUnlock()

	for _, id := range ids {
		s.RemoveClient(id)
	}
	return nil
}
