package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Frame kinds carried on the wire
const (
	KindHangup Kind = 0x00 // Call ended, empty payload
	KindID     Kind = 0x01 // Call identifier (16 bytes for AudioSocket)
	KindAudio  Kind = 0x10 // Signed linear 16-bit PCM, little-endian, mono
	KindError  Kind = 0xFF // Implementation-defined diagnostic payload
)

// Frame structure sizes
const (
	HeaderSize     = 3     // 1 (kind) + 2 (length)
	MaxPayloadSize = 65535 // Largest value of the 16-bit length field
)

// ErrPayloadTooLarge is returned when a payload does not fit the 16-bit length field.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum frame size")

// ErrWriterClosed is returned by WriteFrame after the Writer has been closed.
var ErrWriterClosed = errors.New("frame writer closed")

// Kind identifies the type of a frame
type Kind uint8

// Frame is a single protocol unit
// Layout: [Kind:1][Length:2][Payload:Length]
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Encode serializes a frame into its wire representation
func Encode(kind Kind, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (maximum %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// Feed appends incoming bytes to buffer and extracts every complete frame.
// Bytes belonging to a frame that has not fully arrived are returned in
// remaining and must be passed back on the next call.
func Feed(buffer, incoming []byte) (frames []Frame, remaining []byte) {
	buffer = append(buffer, incoming...)

	offset := 0
	for len(buffer)-offset >= HeaderSize {
		length := int(binary.BigEndian.Uint16(buffer[offset+1 : offset+3]))
		if len(buffer)-offset < HeaderSize+length {
			break
		}

		payload := make([]byte, length)
		copy(payload, buffer[offset+HeaderSize:offset+HeaderSize+length])

		frames = append(frames, Frame{
			Kind:    Kind(buffer[offset]),
			Payload: payload,
		})
		offset += HeaderSize + length
	}

	// Compact so the backing array does not grow without bound on long calls
	remaining = append(buffer[:0], buffer[offset:]...)
	return frames, remaining
}

// Decoder incrementally decodes frames from a chunked byte stream
type Decoder struct {
	buf []byte
}

// NewDecoder creates a decoder with an empty buffer
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, 4096)}
}

// Write feeds transport bytes and returns the frames they complete
func (d *Decoder) Write(p []byte) []Frame {
	var frames []Frame
	frames, d.buf = Feed(d.buf, p)
	return frames
}

// Buffered returns the number of bytes waiting for the rest of their frame
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops any partially received frame
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}

// Writer writes whole frames to an underlying stream.
// It is safe for concurrent use; each frame is written with a single Write call.
type Writer struct {
	w      io.Writer
	closed bool
	mu     sync.Mutex
}

// NewWriter wraps w for frame output
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame encodes and writes a single frame
func (fw *Writer) WriteFrame(kind Kind, payload []byte) error {
	data, err := Encode(kind, payload)
	if err != nil {
		return err
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.closed {
		return ErrWriterClosed
	}

	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", kind, err)
	}
	return nil
}

// Close stops further writes. A frame already being written completes first.
// The underlying stream is not closed.
func (fw *Writer) Close() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.closed = true
}

// Known reports whether the kind is one the call pipeline acts on
func (k Kind) Known() bool {
	switch k {
	case KindHangup, KindID, KindAudio, KindError:
		return true
	default:
		return false
	}
}

// String returns a human-readable name for the kind
func (k Kind) String() string {
	switch k {
	case KindHangup:
		return "Hangup"
	case KindID:
		return "ID"
	case KindAudio:
		return "Audio"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(k))
	}
}

// String returns a human-readable representation of the frame
func (f Frame) String() string {
	return fmt.Sprintf("Frame{Kind:%s, Len:%d}", f.Kind, len(f.Payload))
}
