package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

const helpString = `Relay a video source to many HTTP viewers as multipart MJPEG

Usage: mjpeg-relay [OPTION]... STREAM

STREAM is any input ffmpeg accepts (file, RTSP/HTTP URL, device).

Viewers:
  GET  /, /stream          multipart/x-mixed-replace MJPEG
  GET  /ws                 WebSocket, one binary JPEG per message
  POST /api/webrtc/offer   WebRTC data channel "frames"
  GET  /viewer             browser page for all of the above
  GET  /api/status, /health, /metrics

Options:`

// usage prints the help text followed by every flag.
func usage() {
	color.New(color.FgCyan, color.Bold).Fprintln(os.Stderr, "mjpeg-relay")
	fmt.Fprintln(os.Stderr, helpString)
	flag.PrintDefaults()
}
