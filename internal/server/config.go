package server

import (
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/metrics"
)

// Config defines the runtime configuration for the relay's HTTP layer.
type Config struct {
	// PlaceholderAfter is how long a viewer waits for a frame before a
	// placeholder is sent to keep the connection alive. Zero disables it.
	PlaceholderAfter time.Duration
	WriteTimeout     time.Duration
	STUNServers      []string
	MaxWebRTCClients int
	Metrics          *metrics.Metrics
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		PlaceholderAfter: 5 * time.Second,
		WriteTimeout:     10 * time.Second,
		STUNServers:      []string{"stun:stun.l.google.com:19302"},
		MaxWebRTCClients: 10,
	}
}
