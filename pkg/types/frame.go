package types

import "strconv"

// Wire constants shared by the frame reader and the HTTP layer
const (
	Boundary          = "ffmpeg"
	BoundaryLine      = "--" + Boundary + "\r\n"
	StreamContentType = "multipart/x-mixed-replace; boundary=" + Boundary
	JPEGContentType   = "image/jpeg"
)

// Frame is one canonically serialized multipart JPEG unit:
//
//	Content-type: image/jpeg\r\n
//	Content-length: <L>\r\n
//	\r\n
//	<L payload bytes>\r\n
//	--ffmpeg\r\n
//
// A Frame is never mutated after creation, so the same value is shared by
// every subscriber without copying.
type Frame struct {
	data   []byte
	offset int // start of payload within data
	length int // payload length
}

// NewFrame serializes payload into the canonical wire shape.
// The payload is copied.
func NewFrame(payload []byte) Frame {
	header := "Content-type: " + JPEGContentType + "\r\nContent-length: " +
		strconv.Itoa(len(payload)) + "\r\n\r\n"
	trailer := "\r\n" + BoundaryLine

	buf := make([]byte, 0, len(header)+len(payload)+len(trailer))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	buf = append(buf, trailer...)

	return Frame{
		data:   buf,
		offset: len(header),
		length: len(payload),
	}
}

// Bytes returns the full wire representation. Callers must not modify it.
func (f Frame) Bytes() []byte {
	return f.data
}

// Payload returns the JPEG bytes without multipart framing. Callers must not modify it.
func (f Frame) Payload() []byte {
	return f.data[f.offset : f.offset+f.length]
}

// Len returns the payload length declared in the Content-length header.
func (f Frame) Len() int {
	return f.length
}

// IsZero reports whether the frame holds no data.
func (f Frame) IsZero() bool {
	return f.data == nil
}
