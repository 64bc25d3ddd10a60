// Package mjpeg decodes the multipart JPEG stream written by ffmpeg's mpjpeg
// muxer into canonical frames.
package mjpeg

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/mjpeg-relay/pkg/types"
)

const (
	contentTypePrefix   = "Content-type:"
	contentLengthPrefix = "Content-length:"
	boundaryPrefix      = "--" + types.Boundary

	// DefaultMaxFrameSize caps the declared Content-length of a single unit.
	DefaultMaxFrameSize = 32 << 20

	readBufferSize = 64 * 1024
)

// ErrCorrupt marks a single malformed unit. The stream itself is still usable.
var ErrCorrupt = errors.New("corrupt frame")

// IsCorrupt reports whether err only concerns one malformed unit.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// Reader turns an ordered byte stream into frames. It is not safe for
// concurrent use and cannot be restarted once the stream fails.
type Reader struct {
	r            *bufio.Reader
	maxFrameSize int
	corrupted    uint64
}

// NewReader wraps r. A maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{
		r:            bufio.NewReaderSize(r, readBufferSize),
		maxFrameSize: maxFrameSize,
	}
}

// Corrupted returns how many malformed units Next has skipped. Every line
// scanned while looking for the next header belongs to the same unit.
func (r *Reader) Corrupted() uint64 {
	return r.corrupted
}

// DiscardBoundary consumes the opening boundary the muxer writes before the
// first frame.
func (r *Reader) DiscardBoundary() error {
	line, tooLong, err := r.readLine()
	if err != nil {
		return errors.Wrap(err, "read opening boundary")
	}
	if tooLong || !strings.HasPrefix(line, boundaryPrefix) {
		return corrupt("opening boundary", line)
	}
	return nil
}

// ReadFrame reads one unit. A malformed unit yields an error matching
// ErrCorrupt and leaves the reader positioned to scan for the next header;
// any other error means the stream is broken.
func (r *Reader) ReadFrame() (types.Frame, error) {
	line, tooLong, err := r.readLine()
	if err != nil {
		return types.Frame{}, errors.Wrap(err, "read content-type header")
	}
	if tooLong || !strings.HasPrefix(line, contentTypePrefix) {
		return types.Frame{}, corrupt("content-type header", line)
	}

	line, tooLong, err = r.readLine()
	if err != nil {
		return types.Frame{}, errors.Wrap(err, "read content-length header")
	}
	if tooLong || !strings.HasPrefix(line, contentLengthPrefix) {
		return types.Frame{}, corrupt("content-length header", line)
	}
	length, err := parseLength(line)
	if err != nil {
		return types.Frame{}, err
	}
	if length > r.maxFrameSize {
		return types.Frame{}, corrupt("content-length header", "length "+strconv.Itoa(length)+" exceeds limit")
	}

	line, tooLong, err = r.readLine()
	if err != nil {
		return types.Frame{}, errors.Wrap(err, "read header terminator")
	}
	if tooLong || strings.TrimSpace(line) != "" {
		return types.Frame{}, corrupt("header terminator", line)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return types.Frame{}, errors.Wrapf(err, "read %d byte payload", length)
	}

	line, tooLong, err = r.readLine()
	if err != nil {
		return types.Frame{}, errors.Wrap(err, "read payload terminator")
	}
	if tooLong || strings.TrimSpace(line) != "" {
		return types.Frame{}, corrupt("payload terminator", line)
	}

	line, tooLong, err = r.readLine()
	if err != nil {
		return types.Frame{}, errors.Wrap(err, "read boundary")
	}
	if tooLong || !strings.HasPrefix(line, boundaryPrefix) {
		return types.Frame{}, corrupt("boundary", line)
	}

	return types.NewFrame(payload), nil
}

// Next returns the next well-formed frame, skipping corrupt units. It only
// fails when the underlying stream does.
func (r *Reader) Next() (types.Frame, error) {
	resyncing := false
	for {
		f, err := r.ReadFrame()
		if IsCorrupt(err) {
			if !resyncing {
				r.corrupted++
				resyncing = true
			}
			continue
		}
		return f, err
	}
}

// readLine returns one line including its terminator. Lines longer than the
// read buffer are consumed and reported as tooLong instead of being buffered.
func (r *Reader) readLine() (line string, tooLong bool, err error) {
	for {
		chunk, err := r.r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			tooLong = true
			continue
		}
		if err != nil {
			return "", false, err
		}
		if tooLong {
			return "", true, nil
		}
		return string(chunk), false, nil
	}
}

func parseLength(line string) (int, error) {
	fields := strings.Fields(strings.TrimPrefix(line, contentLengthPrefix))
	if len(fields) == 0 {
		return 0, corrupt("content-length header", "missing value")
	}
	n, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil || n < 0 {
		return 0, corrupt("content-length header", "invalid value "+strconv.Quote(fields[len(fields)-1]))
	}
	return n, nil
}

func corrupt(state, detail string) error {
	return errors.WithMessagef(ErrCorrupt, "%s: %q", state, strings.TrimRight(detail, "\r\n"))
}
