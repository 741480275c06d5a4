package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/audiosocket-agent/internal/protocol"
	"github.com/skypro1111/audiosocket-agent/internal/session"
)

var testCallID = []byte{0xde, 0xad, 0xbe, 0xef, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		expectErr bool
	}{
		{name: "default", modify: func(c *Config) {}},
		{name: "frame size mismatch", modify: func(c *Config) { c.FrameSize = 320 }, expectErr: true},
		{name: "odd frame size", modify: func(c *Config) { c.FrameSize = 641 }, expectErr: true},
		{name: "zero chunk size", modify: func(c *Config) { c.ReplyChunkSize = 0 }, expectErr: true},
		{name: "negative pacing", modify: func(c *Config) { c.ReplyPacing = -time.Millisecond }, expectErr: true},
		{name: "negative queue", modify: func(c *Config) { c.TurnQueue = -1 }, expectErr: true},
		{name: "bad vad", modify: func(c *Config) { c.VAD.TriggerRatio = 2 }, expectErr: true},
		{name: "8kHz frames", modify: func(c *Config) { c.SampleRate = 8000; c.FrameSize = 320 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestCallEndToEnd(t *testing.T) {
	var gotUtterance []byte
	tr := &fakeTranscriber{fn: func(ctx context.Context, pcm []byte) (string, error) {
		gotUtterance = pcm
		return "what time is it", nil
	}}
	gen := &fakeGenerator{fn: func(ctx context.Context, text string, history []session.Entry) (string, error) {
		return "It is noon.", nil
	}}
	replyAudio := bytes.Repeat([]byte{1, 2}, (3*640+100)/2)
	syn := &fakeSynthesizer{fn: func(ctx context.Context, text string) ([]byte, error) {
		return replyAudio, nil
	}}

	h := newHarness(t, tr, gen, syn)
	c := h.dial(t)

	c.send(protocol.KindID, testCallID)
	for i := range 150 {
		c.sendAudio(speechFrame(byte(i)))
	}
	for range 60 {
		c.sendAudio(silenceFrame())
	}

	r := h.nextResult(t)
	if r.result.Outcome != OutcomeCompleted {
		t.Fatalf("Expected completed turn, got %s (%v)", r.result.Outcome, r.result.Err)
	}
	if r.callID != "deadbeef000102030405060708090a0b" {
		t.Errorf("Expected hex call id, got %s", r.callID)
	}

	// 150 speech frames plus the 50 silent frames that ended the utterance
	if len(gotUtterance) != 200*640 {
		t.Errorf("Expected utterance of %d bytes, got %d", 200*640, len(gotUtterance))
	}

	frames := c.collect(4)
	var streamed []byte
	for i, f := range frames {
		if f.Kind != protocol.KindAudio {
			t.Errorf("Frame %d: expected Audio, got %s", i, f.Kind)
		}
		if i < 3 && len(f.Payload) != 640 {
			t.Errorf("Frame %d: expected 640 bytes, got %d", i, len(f.Payload))
		}
		streamed = append(streamed, f.Payload...)
	}
	if !bytes.Equal(streamed, replyAudio) {
		t.Error("Streamed reply does not match synthesized audio")
	}

	s, ok := h.sessions.Get(r.callID)
	if !ok {
		t.Fatal("Expected call session to be registered")
	}
	info := s.GetSessionInfo()
	if info.State != StateWaitAudio.String() {
		t.Errorf("Expected state WaitAudio after the turn, got %s", info.State)
	}
	if info.Ingest == nil {
		t.Fatal("Expected ingest stats on a live call")
	}
	if info.Ingest.VAD.Utterances != 1 {
		t.Errorf("Expected 1 utterance in VAD stats, got %d", info.Ingest.VAD.Utterances)
	}
	if info.Ingest.Assembler.TotalFrames < 200 || info.Ingest.VAD.TotalFrames < 200 {
		t.Errorf("Expected at least 200 assembled and classified frames, got %d/%d",
			info.Ingest.Assembler.TotalFrames, info.Ingest.VAD.TotalFrames)
	}
	history := s.History()
	if len(history) != 2 || history[0].Text != "what time is it" || history[1].Text != "It is noon." {
		t.Errorf("Unexpected history %+v", history)
	}

	c.hangup()
	if err := c.waitServed(); err != nil {
		t.Errorf("Expected clean hangup, got %v", err)
	}
	if h.sessions.GetActiveSessionCount() != 0 {
		t.Error("Expected session to be discarded after hangup")
	}
	if tr.calls.Load() != 1 || gen.calls.Load() != 1 || syn.calls.Load() != 1 {
		t.Errorf("Expected one call per stage, got %d/%d/%d", tr.calls.Load(), gen.calls.Load(), syn.calls.Load())
	}
}

func TestEmptyTranscriptShortCircuits(t *testing.T) {
	tests := []struct {
		name string
		fn   func(ctx context.Context, pcm []byte) (string, error)
	}{
		{name: "empty", fn: func(context.Context, []byte) (string, error) { return "", nil }},
		{name: "whitespace", fn: func(context.Context, []byte) (string, error) { return "  \n\t", nil }},
		{name: "failure", fn: func(context.Context, []byte) (string, error) { return "", errors.New("stt down") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := echoGenerator()
			syn := fixedSynthesizer(640)
			h := newHarness(t, &fakeTranscriber{fn: tt.fn}, gen, syn)
			c := h.dial(t)

			c.speak('A', 20)

			r := h.nextResult(t)
			if r.result.Outcome != OutcomeEmptyTranscript {
				t.Errorf("Expected empty_transcript, got %s", r.result.Outcome)
			}
			if gen.calls.Load() != 0 || syn.calls.Load() != 0 {
				t.Errorf("Expected no dialogue or synthesis calls, got %d/%d", gen.calls.Load(), syn.calls.Load())
			}

			s, _ := h.sessions.Get(r.callID)
			if len(s.History()) != 0 {
				t.Error("Expected no history for an abandoned turn")
			}

			c.hangup()
			c.waitServed()
		})
	}
}

func TestStageFailureKeepsCallOpen(t *testing.T) {
	var n int
	var mu sync.Mutex
	gen := &fakeGenerator{fn: func(ctx context.Context, text string, history []session.Entry) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		if n == 1 {
			return "", errors.New("rate limited")
		}
		return "second try works", nil
	}}

	h := newHarness(t, echoTranscriber(), gen, fixedSynthesizer(640))
	c := h.dial(t)

	c.speak('A', 20)
	r := h.nextResult(t)
	if r.result.Outcome != OutcomeDialogueFailed {
		t.Fatalf("Expected dialogue_failed, got %s", r.result.Outcome)
	}
	if !errors.Is(r.result.Err, ErrDialogue) {
		t.Errorf("Expected ErrDialogue, got %v", r.result.Err)
	}

	c.speak('B', 20)
	r = h.nextResult(t)
	if r.result.Outcome != OutcomeCompleted {
		t.Fatalf("Expected completed turn after a failure, got %s", r.result.Outcome)
	}

	frames := c.collect(1)
	if frames[0].Kind != protocol.KindAudio {
		t.Errorf("Expected Audio reply, got %s", frames[0].Kind)
	}

	s, _ := h.sessions.Get(r.callID)
	history := s.History()
	if len(history) != 2 || history[0].Text != "caller B" {
		t.Errorf("Expected only the successful turn in history, got %+v", history)
	}

	c.hangup()
	if err := c.waitServed(); err != nil {
		t.Errorf("Unexpected Serve error: %v", err)
	}
}

func TestEmptyReplyAndEmptyAudio(t *testing.T) {
	t.Run("empty reply", func(t *testing.T) {
		gen := &fakeGenerator{fn: func(context.Context, string, []session.Entry) (string, error) { return " ", nil }}
		syn := fixedSynthesizer(640)
		h := newHarness(t, echoTranscriber(), gen, syn)
		c := h.dial(t)

		c.speak('A', 20)
		r := h.nextResult(t)
		if r.result.Outcome != OutcomeEmptyReply || !errors.Is(r.result.Err, ErrEmptyReply) {
			t.Errorf("Expected empty_reply, got %s (%v)", r.result.Outcome, r.result.Err)
		}
		if syn.calls.Load() != 0 {
			t.Error("Expected no synthesis for an empty reply")
		}
		c.hangup()
		c.waitServed()
	})

	t.Run("empty audio", func(t *testing.T) {
		syn := &fakeSynthesizer{fn: func(context.Context, string) ([]byte, error) { return nil, errors.New("tts down") }}
		h := newHarness(t, echoTranscriber(), echoGenerator(), syn)
		c := h.dial(t)

		c.speak('A', 20)
		r := h.nextResult(t)
		if r.result.Outcome != OutcomeEmptyAudio {
			t.Errorf("Expected empty_audio, got %s", r.result.Outcome)
		}
		// The exchange itself succeeded, so it stays in history
		s, _ := h.sessions.Get(r.callID)
		if len(s.History()) != 2 {
			t.Errorf("Expected 2 history entries, got %d", len(s.History()))
		}
		c.hangup()
		c.waitServed()
	})
}

func TestHangupCancelsInFlightWork(t *testing.T) {
	entered := make(chan struct{})
	cancelled := make(chan struct{})
	tr := &fakeTranscriber{fn: func(ctx context.Context, pcm []byte) (string, error) {
		close(entered)
		<-ctx.Done()
		close(cancelled)
		return "", ctx.Err()
	}}
	gen := echoGenerator()
	h := newHarness(t, tr, gen, fixedSynthesizer(640))
	c := h.dial(t)

	c.speak('A', 20)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Transcription never started")
	}

	c.hangup()
	if err := c.waitServed(); err != nil {
		t.Errorf("Unexpected Serve error: %v", err)
	}

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected in-flight transcription to be cancelled")
	}

	r := h.nextResult(t)
	if r.result.Outcome != OutcomeCancelled {
		t.Errorf("Expected cancelled turn, got %s", r.result.Outcome)
	}
	if gen.calls.Load() != 0 {
		t.Error("Expected no dialogue call after hangup")
	}

	// Nothing but EOF may follow on the caller side
	for f := range c.frames {
		t.Errorf("Unexpected frame after hangup: %s", f)
	}
}

func TestDisconnectEndsCall(t *testing.T) {
	h := newHarness(t, echoTranscriber(), echoGenerator(), fixedSynthesizer(640))
	c := h.dial(t)

	c.send(protocol.KindID, testCallID)
	c.sendAudio(speechFrame('A'), speechFrame('A'))
	c.conn.Write([]byte{byte(protocol.KindAudio), 0x02}) // truncated header
	c.conn.Close()

	if err := c.waitServed(); err != nil {
		t.Errorf("Expected clean disconnect, got %v", err)
	}
	if h.sessions.GetActiveSessionCount() != 0 {
		t.Error("Expected session to be discarded after disconnect")
	}
}

func TestFramesOfOtherKinds(t *testing.T) {
	h := newHarness(t, echoTranscriber(), echoGenerator(), fixedSynthesizer(640))
	c := h.dial(t)

	// Audio before ID creates a local session which the ID then renames
	c.sendAudio(speechFrame('A'))
	c.send(protocol.KindError, []byte("codec mismatch"))
	c.send(protocol.Kind(0x42), []byte{1, 2, 3})
	c.send(protocol.KindID, testCallID)

	c.speak('Z', 20)
	r := h.nextResult(t)
	if r.result.Outcome != OutcomeCompleted {
		t.Fatalf("Expected completed turn, got %s", r.result.Outcome)
	}
	if r.callID != "deadbeef000102030405060708090a0b" {
		t.Errorf("Expected renamed call id, got %s", r.callID)
	}
	c.collect(1)

	c.hangup()
	if err := c.waitServed(); err != nil {
		t.Errorf("Unexpected Serve error: %v", err)
	}
}

func TestPartialAudioPayloads(t *testing.T) {
	tr := echoTranscriber()
	h := newHarness(t, tr, echoGenerator(), fixedSynthesizer(640))
	c := h.dial(t)

	// Re-slice the stream into 1000-byte payloads
	var stream []byte
	for range 20 {
		stream = append(stream, speechFrame('P')...)
	}
	for range 50 {
		stream = append(stream, silenceFrame()...)
	}
	for start := 0; start < len(stream); start += 1000 {
		c.sendAudio(stream[start:min(start+1000, len(stream))])
	}

	r := h.nextResult(t)
	if r.result.Outcome != OutcomeCompleted {
		t.Fatalf("Expected completed turn, got %s", r.result.Outcome)
	}
	if len(r.result.Turn.Utterance) != 70*640 {
		t.Errorf("Expected %d byte utterance, got %d", 70*640, len(r.result.Turn.Utterance))
	}
	c.collect(1)

	c.hangup()
	c.waitServed()
}

func TestTurnsRunInOrder(t *testing.T) {
	release := make(chan struct{})
	var first sync.Once
	tr := &fakeTranscriber{fn: func(ctx context.Context, pcm []byte) (string, error) {
		first.Do(func() { <-release })
		return "caller " + string(pcm[1]), nil
	}}
	gen := echoGenerator()
	h := newHarness(t, tr, gen, fixedSynthesizer(640))
	c := h.dial(t)

	// Second utterance arrives while the first turn is still transcribing
	c.speak('A', 20)
	c.speak('B', 20)
	close(release)

	r1 := h.nextResult(t)
	r2 := h.nextResult(t)
	if r1.result.Turn.Transcript != "caller A" || r2.result.Turn.Transcript != "caller B" {
		t.Errorf("Expected turns in endpoint order, got %q then %q", r1.result.Turn.Transcript, r2.result.Turn.Transcript)
	}
	c.collect(2)

	gen.mu.Lock()
	secondHistory := gen.histories[1]
	gen.mu.Unlock()
	if len(secondHistory) != 2 || secondHistory[0].Text != "caller A" {
		t.Errorf("Expected second turn to see the first in history, got %+v", secondHistory)
	}

	c.hangup()
	c.waitServed()
}

func TestSessionIsolation(t *testing.T) {
	h := newHarness(t, echoTranscriber(), echoGenerator(), fixedSynthesizer(640))

	calls := map[string]*testCall{}
	var wg sync.WaitGroup
	for i, fill := range []byte{'A', 'B'} {
		c := h.dial(t)
		id := bytes.Repeat([]byte{byte(i + 1)}, 16)
		calls[fmt.Sprintf("%x", id)] = c

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.send(protocol.KindID, id)
			c.speak(fill, 30)
		}()
	}
	wg.Wait()

	h.nextResult(t)
	h.nextResult(t)

	for id, c := range calls {
		s, ok := h.sessions.Get(id)
		if !ok {
			t.Fatalf("Session %s not found", id)
		}
		history := s.History()
		if len(history) != 2 {
			t.Fatalf("Session %s: expected 2 history entries, got %d", id, len(history))
		}

		want := "caller A"
		if strings.HasPrefix(id, "02") {
			want = "caller B"
		}
		if history[0].Text != want || history[1].Text != "reply to "+want {
			t.Errorf("Session %s: history leaked across calls: %+v", id, history)
		}

		c.collect(1)
		c.hangup()
		c.waitServed()
	}
}

func TestQueueOverflowDropsUtterance(t *testing.T) {
	release := make(chan struct{})
	tr := &fakeTranscriber{fn: func(ctx context.Context, pcm []byte) (string, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return "", nil
	}}

	h := newHarness(t, tr, echoGenerator(), fixedSynthesizer(640))
	c := h.dial(t)

	// One running turn plus a full queue; the last utterance is dropped
	queue := h.handler.Config().TurnQueue
	for range queue + 2 {
		c.speak('Q', 10)
	}
	close(release)

	for range queue + 1 {
		h.nextResult(t)
	}

	select {
	case r := <-h.results:
		t.Errorf("Expected the overflow utterance to be dropped, got %s", r.result.Outcome)
	case <-time.After(100 * time.Millisecond):
	}

	c.hangup()
	c.waitServed()
}
