package pipeline

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skypro1111/audiosocket-agent/internal/protocol"
	"github.com/skypro1111/audiosocket-agent/internal/session"
	"github.com/skypro1111/audiosocket-agent/internal/vad"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTranscriber struct {
	fn    func(ctx context.Context, pcm []byte) (string, error)
	calls atomic.Int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	f.calls.Add(1)
	return f.fn(ctx, pcm)
}

type fakeGenerator struct {
	fn        func(ctx context.Context, text string, history []session.Entry) (string, error)
	calls     atomic.Int32
	mu        sync.Mutex
	histories [][]session.Entry
}

func (f *fakeGenerator) Generate(ctx context.Context, text string, history []session.Entry) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.histories = append(f.histories, history)
	f.mu.Unlock()
	return f.fn(ctx, text, history)
}

type fakeSynthesizer struct {
	fn    func(ctx context.Context, text string) ([]byte, error)
	calls atomic.Int32
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.calls.Add(1)
	return f.fn(ctx, text)
}

// scriptedClassifier marks frames starting with 'S' as speech
var scriptedClassifier = vad.ClassifierFunc(func(frame []byte) (bool, error) {
	return len(frame) > 0 && frame[0] == 'S', nil
})

func speechFrame(fill byte) []byte {
	f := make([]byte, 640)
	for i := range f {
		f[i] = fill
	}
	f[0] = 'S'
	return f
}

func silenceFrame() []byte {
	return make([]byte, 640)
}

// pipeStream adapts one end of net.Pipe to Stream
type pipeStream struct {
	net.Conn
}

func (p *pipeStream) RemoteAddr() string { return "pipe" }
func (p *pipeStream) Transport() string  { return "test" }

type harness struct {
	handler  *Handler
	sessions *session.Manager
	results  chan callResult
	tr       *fakeTranscriber
	gen      *fakeGenerator
	syn      *fakeSynthesizer
}

type callResult struct {
	callID string
	result TurnResult
}

func newHarness(t *testing.T, tr *fakeTranscriber, gen *fakeGenerator, syn *fakeSynthesizer) *harness {
	t.Helper()

	pool, err := NewPool(4, nil)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	stages, err := NewStages(StagesConfig{
		Transcriber: tr,
		Generator:   gen,
		Synthesizer: syn,
		Pool:        pool,
		Timeout:     5 * time.Second,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewStages failed: %v", err)
	}

	sessions := session.NewManager(testLogger(), session.ManagerConfig{HistoryTurns: 20}, nil)
	t.Cleanup(sessions.Stop)

	results := make(chan callResult, 16)

	config := DefaultConfig()
	config.ReplyPacing = time.Millisecond

	handler, err := NewHandler(HandlerConfig{
		Config:     config,
		Stages:     stages,
		Classifier: scriptedClassifier,
		Sessions:   sessions,
		Logger:     testLogger(),
		Observer: func(callID string, r TurnResult) {
			results <- callResult{callID: callID, result: r}
		},
	})
	if err != nil {
		t.Fatalf("NewHandler failed: %v", err)
	}

	return &harness{handler: handler, sessions: sessions, results: results, tr: tr, gen: gen, syn: syn}
}

func (h *harness) nextResult(t *testing.T) callResult {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a turn result")
		return callResult{}
	}
}

// testCall is the caller side of a connection served by the handler
type testCall struct {
	t      *testing.T
	conn   net.Conn
	frames chan protocol.Frame
	served chan error
}

func (h *harness) dial(t *testing.T) *testCall {
	t.Helper()

	server, client := net.Pipe()
	c := &testCall{
		t:      t,
		conn:   client,
		frames: make(chan protocol.Frame, 1024),
		served: make(chan error, 1),
	}

	go func() {
		c.served <- h.handler.Serve(context.Background(), &pipeStream{Conn: server})
	}()

	go func() {
		defer close(c.frames)
		dec := protocol.NewDecoder()
		buf := make([]byte, 4096)
		for {
			n, err := client.Read(buf)
			for _, f := range dec.Write(buf[:n]) {
				c.frames <- f
			}
			if err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() { client.Close() })
	return c
}

func (c *testCall) send(kind protocol.Kind, payload []byte) {
	c.t.Helper()
	data, err := protocol.Encode(kind, payload)
	if err != nil {
		c.t.Fatalf("Encode failed: %v", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("Write failed: %v", err)
	}
}

func (c *testCall) sendAudio(frames ...[]byte) {
	c.t.Helper()
	for _, f := range frames {
		c.send(protocol.KindAudio, f)
	}
}

// speak sends one speech episode followed by enough silence to end it
func (c *testCall) speak(fill byte, speechFrames int) {
	c.t.Helper()
	for range speechFrames {
		c.sendAudio(speechFrame(fill))
	}
	for range 50 {
		c.sendAudio(silenceFrame())
	}
}

func (c *testCall) hangup() {
	c.t.Helper()
	c.send(protocol.KindHangup, nil)
}

func (c *testCall) waitServed() error {
	c.t.Helper()
	select {
	case err := <-c.served:
		return err
	case <-time.After(5 * time.Second):
		c.t.Fatal("Timed out waiting for Serve to return")
		return nil
	}
}

// collect reads n outbound frames
func (c *testCall) collect(n int) []protocol.Frame {
	c.t.Helper()
	var out []protocol.Frame
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case f, ok := <-c.frames:
			if !ok {
				c.t.Fatalf("Connection closed after %d of %d frames", len(out), n)
			}
			out = append(out, f)
		case <-timeout:
			c.t.Fatalf("Timed out after %d of %d frames", len(out), n)
		}
	}
	return out
}

func echoTranscriber() *fakeTranscriber {
	return &fakeTranscriber{fn: func(ctx context.Context, pcm []byte) (string, error) {
		return "caller " + string(pcm[1]), nil
	}}
}

func echoGenerator() *fakeGenerator {
	return &fakeGenerator{fn: func(ctx context.Context, text string, history []session.Entry) (string, error) {
		return "reply to " + text, nil
	}}
}

func fixedSynthesizer(n int) *fakeSynthesizer {
	return &fakeSynthesizer{fn: func(ctx context.Context, text string) ([]byte, error) {
		return make([]byte, n), nil
	}}
}
