package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/hub"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/server"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/source"
)

// Command-line flags
var (
	bufferSeconds    = flag.UintP("buffer", "b", 5, "Seconds of frames to keep for slow viewers")
	fps              = flag.UintP("fps", "f", 10, "Frames per second to transcode to")
	listenAddr       = flag.StringP("listen-addr", "l", "127.0.0.1", "Address to listen on")
	port             = flag.Uint16P("port", "p", 3000, "Port to listen on")
	ffmpegPath       = flag.String("ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	inputArgs        = flag.StringArray("input-arg", nil, "Extra ffmpeg option placed before -i (repeatable)")
	stallTimeout     = flag.Duration("stall-timeout", 0, "Kill the transcoder after this long without a frame (0 disables)")
	lagPolicy        = flag.String("lag-policy", "skip", "What lagging viewers see (skip, report)")
	placeholderAfter = flag.Duration("placeholder-after", 5*time.Second, "Send a placeholder frame to idle viewers after this long (0 disables)")
	stunServers      = flag.StringSlice("stun", []string{"stun:stun.l.google.com:19302"}, "STUN server URLs for WebRTC viewers")
	maxWebRTC        = flag.Int("max-webrtc-clients", 10, "Maximum WebRTC viewers")
	logLevel         = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor         = flag.Bool("log-color", true, "Enable colored log output")
	showHelp         = flag.BoolP("help", "h", false, "Print usage information and exit")
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showHelp {
		usage()
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	input := flag.Arg(0)

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, *logColor)

	policy, err := hub.ParseLagPolicy(*lagPolicy)
	if err != nil {
		log.Fatalf("Invalid lag policy: %v", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(*listenAddr, strconv.Itoa(int(*port))))
	if err != nil {
		log.Fatalf("Invalid listen address: %v", err)
	}

	m := metrics.New()

	srcCfg := source.DefaultConfig()
	srcCfg.Input = input
	srcCfg.FPS = *fps
	srcCfg.BufferSeconds = *bufferSeconds
	srcCfg.FFmpegPath = *ffmpegPath
	srcCfg.InputArgs = *inputArgs
	srcCfg.LagPolicy = policy
	srcCfg.StallTimeout = *stallTimeout
	srcCfg.Metrics = m
	if err := srcCfg.Validate(); err != nil {
		log.Fatalf("Invalid buffer: %v (lower --fps or --buffer)", err)
	}

	src, err := source.New(srcCfg)
	if err != nil {
		log.Fatalf("Failed to start transcoder: %v", err)
	}

	srvCfg := server.DefaultConfig()
	srvCfg.PlaceholderAfter = *placeholderAfter
	srvCfg.STUNServers = *stunServers
	srvCfg.MaxWebRTCClients = *maxWebRTC
	srvCfg.Metrics = m
	srv := server.NewServer(src, srvCfg)

	httpServer := &http.Server{
		Addr:              addr.String(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Main", "Relaying %s at %d fps with a %ds buffer", source.RedactInput(input), *fps, *bufferSeconds)
	logger.Info("Main", "Log level: %s", level)
	logger.Info("Main", "Listening on %s", addr)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	go func() {
		<-src.Done()
		logger.Warn("Main", "Source terminated: %v", src.Err())
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Main", "Received %s, shutting down...", sig)
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = src.Stop()
			log.Fatalf("server error: %v", err)
		}
	}

	if err := src.Stop(); err != nil {
		logger.Warn("Main", "Stopping transcoder: %v", err)
	}
	if err := srv.Close(); err != nil {
		logger.Warn("Main", "Closing WebRTC viewers: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("Main", "HTTP shutdown: %v", err)
	}

	logger.Info("Main", "Relay stopped")
}
