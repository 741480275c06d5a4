package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skypro1111/audiosocket-agent/internal/session"
)

func newTestStages(t *testing.T, tr Transcriber, gen Generator, syn Synthesizer, timeout time.Duration) *Stages {
	t.Helper()
	pool, _ := NewPool(2, nil)
	s, err := NewStages(StagesConfig{
		Transcriber: tr,
		Generator:   gen,
		Synthesizer: syn,
		Pool:        pool,
		Timeout:     timeout,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatalf("NewStages failed: %v", err)
	}
	return s
}

func TestNewStagesValidation(t *testing.T) {
	pool, _ := NewPool(1, nil)

	if _, err := NewStages(StagesConfig{Pool: pool}); err == nil {
		t.Error("Expected error without collaborators")
	}
	if _, err := NewStages(StagesConfig{
		Transcriber: echoTranscriber(),
		Generator:   echoGenerator(),
		Synthesizer: fixedSynthesizer(2),
	}); err == nil {
		t.Error("Expected error without pool")
	}
}

func TestTranscribeDegradesToEmpty(t *testing.T) {
	tests := []struct {
		name string
		fn   func(ctx context.Context, pcm []byte) (string, error)
		want string
	}{
		{name: "success", fn: func(context.Context, []byte) (string, error) { return "  hello there ", nil }, want: "hello there"},
		{name: "error", fn: func(context.Context, []byte) (string, error) { return "partial", errors.New("boom") }, want: ""},
		{name: "timeout", fn: func(ctx context.Context, _ []byte) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStages(t, &fakeTranscriber{fn: tt.fn}, echoGenerator(), fixedSynthesizer(2), 50*time.Millisecond)
			if got := s.Transcribe(context.Background(), testLogger(), []byte{0, 0}); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestGenerateErrors(t *testing.T) {
	errUpstream := errors.New("503 from upstream")

	tests := []struct {
		name    string
		fn      func(ctx context.Context, text string, history []session.Entry) (string, error)
		want    string
		wantErr error
	}{
		{name: "success", fn: func(context.Context, string, []session.Entry) (string, error) { return " Sure. ", nil }, want: "Sure."},
		{name: "backend error", fn: func(context.Context, string, []session.Entry) (string, error) { return "", errUpstream }, wantErr: ErrDialogue},
		{name: "empty reply", fn: func(context.Context, string, []session.Entry) (string, error) { return "\n", nil }, wantErr: ErrEmptyReply},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStages(t, echoTranscriber(), &fakeGenerator{fn: tt.fn}, fixedSynthesizer(2), 0)
			got, err := s.Generate(context.Background(), testLogger(), "hi", nil)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}

	// Backend errors stay inspectable through the wrapper
	s := newTestStages(t, echoTranscriber(), &fakeGenerator{fn: func(context.Context, string, []session.Entry) (string, error) {
		return "", errUpstream
	}}, fixedSynthesizer(2), 0)
	_, err := s.Generate(context.Background(), testLogger(), "hi", nil)
	if !errors.Is(err, errUpstream) {
		t.Errorf("Expected wrapped upstream error, got %v", err)
	}
	if errors.Is(err, ErrEmptyReply) {
		t.Error("Backend failure must be distinct from an empty reply")
	}
}

func TestGeneratePassesHistory(t *testing.T) {
	gen := echoGenerator()
	s := newTestStages(t, echoTranscriber(), gen, fixedSynthesizer(2), 0)

	history := []session.Entry{
		{Speaker: session.SpeakerUser, Text: "hello"},
		{Speaker: session.SpeakerAgent, Text: "hi"},
	}
	if _, err := s.Generate(context.Background(), testLogger(), "again", history); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(gen.histories) != 1 || len(gen.histories[0]) != 2 {
		t.Fatalf("Expected history to reach the generator, got %+v", gen.histories)
	}
}

func TestSynthesizeDegradesToEmpty(t *testing.T) {
	failing := &fakeSynthesizer{fn: func(context.Context, string) ([]byte, error) {
		return []byte{1, 2, 3, 4}, errors.New("voice not found")
	}}
	s := newTestStages(t, echoTranscriber(), echoGenerator(), failing, 0)

	if pcm := s.Synthesize(context.Background(), testLogger(), "hello"); len(pcm) != 0 {
		t.Errorf("Expected empty audio on failure, got %d bytes", len(pcm))
	}

	s = newTestStages(t, echoTranscriber(), echoGenerator(), fixedSynthesizer(1280), 0)
	if pcm := s.Synthesize(context.Background(), testLogger(), "hello"); len(pcm) != 1280 {
		t.Errorf("Expected 1280 bytes, got %d", len(pcm))
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateWaitAudio, "WaitAudio"},
		{StateTranscribing, "Transcribing"},
		{StateGeneratingReply, "GeneratingReply"},
		{StateSynthesizing, "Synthesizing"},
		{StateStreamingReply, "StreamingReply"},
		{StateClosed, "Closed"},
		{State(42), "Unknown(42)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("Expected %s, got %s", tt.want, got)
		}
	}

	var box stateBox
	box.set(StateTranscribing)
	box.v.Store(int32(StateClosed))
	if box.set(StateWaitAudio) {
		t.Error("Expected Closed to be terminal")
	}
	if box.load() != StateClosed {
		t.Errorf("Expected Closed, got %s", box.load())
	}
}
