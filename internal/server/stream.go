package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skypro1111/audiosocket-agent/internal/pipeline"
)

// Transport names reported by the streams
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// CallServer runs one call over a stream. pipeline.Handler implements it.
type CallServer interface {
	Serve(ctx context.Context, stream pipeline.Stream) error
}

// connStream adapts a TCP connection to pipeline.Stream
type connStream struct {
	net.Conn
}

func (c *connStream) RemoteAddr() string { return c.Conn.RemoteAddr().String() }
func (c *connStream) Transport() string  { return TransportTCP }

// wsStream adapts a WebSocket connection to pipeline.Stream. Inbound binary
// messages are concatenated into one byte stream, so a frame may span
// messages. Every Write is sent as one binary message.
type wsStream struct {
	conn       *websocket.Conn
	remoteAddr string

	reader io.Reader // current inbound message

	writeMu      sync.Mutex
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSStream(conn *websocket.Conn, remoteAddr string, writeTimeout time.Duration) *wsStream {
	return &wsStream{
		conn:         conn,
		remoteAddr:   remoteAddr,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// Read returns bytes from the current binary message, advancing to the next
// one when it is exhausted. Text messages are skipped. A close handshake or a
// locally closed stream reads as io.EOF.
func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			msgType, r, err := s.conn.NextReader()
			if err != nil {
				return 0, s.readError(err)
			}
			if msgType != websocket.BinaryMessage {
				continue
			}
			s.reader = r
		}

		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			return n, s.readError(err)
		}
		return n, nil
	}
}

func (s *wsStream) readError(err error) error {
	select {
	case <-s.closed:
		return io.EOF
	default:
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return io.EOF
	}
	return err
}

// Write sends p as a single binary message
func (s *wsStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return 0, net.ErrClosed
	default:
	}

	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal close message and closes the connection. It is safe
// to call more than once.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) RemoteAddr() string { return s.remoteAddr }
func (s *wsStream) Transport() string  { return TransportWebSocket }
