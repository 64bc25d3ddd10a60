// Package source owns the transcoder feeding the relay and the loop that
// publishes its frames into a hub.
package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/hub"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/internal/mjpeg"
)

var (
	// ErrPipe means the transcoder's stdout could not be obtained.
	ErrPipe = errors.New("pipe error")
	// ErrSpawn means the transcoder process could not be started.
	ErrSpawn = errors.New("spawn error")
	// ErrStalled ends a source whose transcoder produced no frame within the stall timeout.
	ErrStalled = errors.New("transcoder stalled")
	// ErrStopped ends a source after Stop.
	ErrStopped = errors.New("source stopped")
)

// Transcoder is anything that produces a live frame sequence viewers can
// subscribe to.
type Transcoder interface {
	Subscribe() *hub.Subscription
	Stop() error
	Done() <-chan struct{}
	Err() error
	Stats() Stats
}

// Stats is a point-in-time view of a source.
type Stats struct {
	Input         string    `json:"input"`
	FPS           uint      `json:"fps"`
	PID           int       `json:"pid"`
	Running       bool      `json:"running"`
	FramesRead    uint64    `json:"frames_read"`
	FramesCorrupt uint64    `json:"frames_corrupt"`
	LastFrameAt   time.Time `json:"last_frame_at"`
	StartedAt     time.Time `json:"started_at"`
	Err           string    `json:"error,omitempty"`
	Hub           hub.Stats `json:"hub"`
}

// Source relays one transcoder's output into a hub. The publishing loop
// starts on construction and runs until the stream ends, fails or Stop is
// called. Dropping a Source without Stop leaves the transcoder running.
type Source struct {
	cfg     Config
	input   string // cfg.Input without credentials
	cmd     *exec.Cmd // nil for reader-backed sources
	stream  io.Reader
	hub     *hub.Hub
	metrics *metrics.Metrics

	startedAt     time.Time
	lastFrame     atomic.Int64 // unix nanos
	framesRead    atomic.Uint64
	framesCorrupt atomic.Uint64
	stopped       atomic.Bool
	stalled       atomic.Bool

	done     chan struct{}
	err      error // set before done is closed
	stopOnce sync.Once
}

var _ Transcoder = (*Source)(nil)

// NewSource starts ffmpeg on input and relays its frames through a hub
// holding fps × bufferSeconds frames.
func NewSource(input string, fps, bufferSeconds uint) (*Source, error) {
	cfg := DefaultConfig()
	cfg.Input = input
	cfg.FPS = fps
	cfg.BufferSeconds = bufferSeconds
	return New(cfg)
}

// New starts ffmpeg as described by cfg.
func New(cfg Config) (*Source, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newCommandSource(cfg.FFmpegPath, Args(cfg), cfg)
}

func newCommandSource(name string, args []string, cfg Config) (*Source, error) {
	cfg = cfg.withDefaults()
	cmd := exec.Command(name, args...)
	cmd.Stderr = &stderrLogger{}
	return spawn(cmd, cfg)
}

func spawn(cmd *exec.Cmd, cfg Config) (*Source, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipe, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	s := newSource(cfg, stdout)
	logger.Info("Source", "Started %s (pid %d) for %s at %d fps",
		cmd.Path, cmd.Process.Pid, s.input, cfg.FPS)
	if logger.Enabled(logger.DEBUG) {
		args := make([]string, len(cmd.Args))
		for i, a := range cmd.Args {
			args[i] = RedactInput(a)
		}
		logger.Debug("Source", "Transcoder args: %s", strings.Join(args, " "))
	}

	s.cmd = cmd
	s.start()
	return s, nil
}

// NewReaderSource runs the publishing loop over an existing byte stream in
// mpjpeg framing, for instance a pipe from another process.
func NewReaderSource(r io.Reader, cfg Config) *Source {
	cfg = cfg.withDefaults()
	s := newSource(cfg, r)
	s.start()
	return s
}

func newSource(cfg Config, r io.Reader) *Source {
	return &Source{
		cfg:       cfg,
		input:     RedactInput(cfg.Input),
		stream:    r,
		hub:       hub.New(cfg.Capacity(), cfg.LagPolicy, cfg.Metrics),
		metrics:   cfg.Metrics,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

func (s *Source) start() {
	s.lastFrame.Store(time.Now().UnixNano())
	s.metrics.SourceRunning.Store(1)

	go s.run()
	if s.cfg.StallTimeout > 0 {
		go s.watchdog()
	}
}

// Subscribe attaches a new viewer. Its first frame is the next one published.
func (s *Source) Subscribe() *hub.Subscription {
	return s.hub.Subscribe()
}

// Hub exposes the underlying hub.
func (s *Source) Hub() *hub.Hub {
	return s.hub
}

// Done is closed when the publishing loop has terminated.
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Err returns why the publishing loop terminated, or nil while it runs.
func (s *Source) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Stop kills the transcoder and closes the hub. Viewers drain what is
// buffered and then see the end of the stream.
func (s *Source) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.hub.Close(ErrStopped)
		err = s.abort()
		logger.Info("Source", "Stopped %s", s.input)
	})
	return err
}

// abort unblocks the publishing loop by killing the transcoder or closing
// the stream.
func (s *Source) abort() error {
	if s.cmd != nil && s.cmd.Process != nil {
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return nil
	}
	if c, ok := s.stream.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Stats returns a snapshot of the source and its hub.
func (s *Source) Stats() Stats {
	st := Stats{
		Input:         s.input,
		FPS:           s.cfg.FPS,
		FramesRead:    s.framesRead.Load(),
		FramesCorrupt: s.framesCorrupt.Load(),
		StartedAt:     s.startedAt,
		LastFrameAt:   time.Unix(0, s.lastFrame.Load()),
		Hub:           s.hub.Stats(),
	}
	if s.cmd != nil && s.cmd.Process != nil {
		st.PID = s.cmd.Process.Pid
	}
	if err := s.Err(); err != nil {
		st.Err = err.Error()
	} else {
		st.Running = true
	}
	return st
}

func (s *Source) run() {
	err := s.publishLoop()

	switch {
	case s.stopped.Load():
		err = ErrStopped
	case s.stalled.Load():
		err = ErrStalled
	}

	s.err = err
	s.hub.Close(err)
	s.metrics.SourceRunning.Store(0)
	close(s.done)

	if errors.Is(err, ErrStopped) {
		logger.Info("Source", "Publishing loop for %s ended: %v", s.input, err)
	} else {
		logger.Error("Source", "Publishing loop for %s ended: %v", s.input, err)
	}

	s.reap()
}

func (s *Source) publishLoop() error {
	reader := mjpeg.NewReader(s.stream, s.cfg.MaxFrameSize)

	if err := reader.DiscardBoundary(); err != nil {
		if !mjpeg.IsCorrupt(err) {
			s.metrics.ReadErrors.Add(1)
			return err
		}
		logger.Warn("Source", "Stream did not open with a boundary: %v", err)
	}

	var corrupted uint64
	for {
		frame, err := reader.Next()
		if n := reader.Corrupted() - corrupted; n > 0 {
			corrupted += n
			s.framesCorrupt.Add(n)
			s.metrics.FramesCorrupt.Add(n)
			logger.Debug("Reader", "Skipped %d corrupt unit(s) from %s", n, s.input)
		}
		if err != nil {
			s.metrics.ReadErrors.Add(1)
			return err
		}

		s.framesRead.Add(1)
		s.metrics.FramesRead.Add(1)
		s.lastFrame.Store(time.Now().UnixNano())

		if err := s.hub.Publish(frame); err != nil {
			return err
		}
	}
}

func (s *Source) watchdog() {
	interval := s.cfg.StallTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastFrame.Load()))
			if idle < s.cfg.StallTimeout {
				continue
			}
			logger.Warn("Source", "No frame from %s for %v, killing transcoder", s.input, idle.Round(time.Millisecond))
			s.stalled.Store(true)
			s.metrics.StallKills.Add(1)
			if err := s.abort(); err != nil {
				logger.Error("Source", "Failed to abort stalled transcoder: %v", err)
			}
			return
		}
	}
}

// reap collects the transcoder's exit status once its output has ended.
func (s *Source) reap() {
	if s.cmd == nil {
		return
	}
	if err := s.cmd.Wait(); err != nil {
		logger.Debug("Source", "Transcoder exited: %v", err)
		return
	}
	logger.Debug("Source", "Transcoder exited cleanly")
}

// stderrLogger forwards the transcoder's diagnostics line by line.
type stderrLogger struct {
	buf []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.buf[:i])); line != "" {
			logger.Warn("ffmpeg", "%s", line)
		}
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > 4096 {
		logger.Warn("ffmpeg", "%s", strings.TrimSpace(string(w.buf)))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}
