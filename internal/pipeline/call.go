package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/audiosocket-agent/internal/audio"
	"github.com/skypro1111/audiosocket-agent/internal/protocol"
	"github.com/skypro1111/audiosocket-agent/internal/session"
	"github.com/skypro1111/audiosocket-agent/internal/vad"
)

// Turn outcomes
const (
	OutcomeCompleted       = "completed"
	OutcomeEmptyTranscript = "empty_transcript"
	OutcomeDialogueFailed  = "dialogue_failed"
	OutcomeEmptyReply      = "empty_reply"
	OutcomeEmptyAudio      = "empty_audio"
	OutcomeStreamFailed    = "stream_failed"
	OutcomeCancelled       = "cancelled"
)

// Turn is one utterance carried through the pipeline
type Turn struct {
	Utterance  []byte
	Transcript string
	ReplyText  string
	ReplyAudio []byte
	FramesSent int
}

// TurnResult reports how a turn ended
type TurnResult struct {
	Turn     Turn
	Outcome  string
	Err      error
	Duration time.Duration
}

type turnRequest struct {
	session   *session.Session
	logger    *slog.Logger
	utterance []byte
}

// call is the per-connection orchestrator. The read goroutine owns the
// decoder, assembler, segmenter and session fields; the turn goroutine only
// sees what arrives on the queue.
type call struct {
	h      *Handler
	stream Stream
	ctx    context.Context
	cancel context.CancelFunc

	// logger is base plus the call_id attribute once known
	base   *slog.Logger
	logger *slog.Logger

	writer    *protocol.Writer
	decoder   *protocol.Decoder
	assembler *audio.FrameAssembler
	segmenter *vad.Segmenter
	session   *session.Session

	queue chan turnRequest
	state stateBox
	wg    sync.WaitGroup
}

func (h *Handler) newCall(ctx context.Context, stream Stream) (*call, error) {
	callCtx, cancel := context.WithCancel(ctx)

	logger := h.logger.With(
		slog.String("remote_addr", stream.RemoteAddr()),
		slog.String("transport", stream.Transport()),
	)

	assembler, err := audio.NewFrameAssembler(h.config.FrameSize)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create frame assembler: %w", err)
	}

	classify := vad.ClassifierFunc(func(frame []byte) (bool, error) {
		isSpeech, err := h.classifier.IsSpeech(frame)
		h.metrics.RecordVADFrame(err == nil && isSpeech)
		return isSpeech, err
	})

	segmenter, err := vad.NewSegmenter(h.config.VAD, classify, logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create VAD segmenter: %w", err)
	}

	c := &call{
		h:         h,
		stream:    stream,
		ctx:       callCtx,
		cancel:    cancel,
		base:      logger,
		logger:    logger,
		writer:    protocol.NewWriter(stream),
		decoder:   protocol.NewDecoder(),
		assembler: assembler,
		segmenter: segmenter,
		queue:     make(chan turnRequest, h.config.TurnQueue),
	}

	// A blocked Read only returns once the stream is closed
	go func() {
		<-callCtx.Done()
		stream.Close()
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.turnLoop()
	}()

	return c, nil
}

func (c *call) callID() string {
	if c.session == nil {
		return ""
	}
	return c.session.ID()
}

// State returns the current orchestrator state
func (c *call) State() State {
	return c.state.load()
}

func (c *call) setState(sess *session.Session, s State) {
	if c.state.set(s) && sess != nil {
		sess.SetState(s.String())
	}
}

// handleFrame applies one decoded frame. done reports the end of the call.
func (c *call) handleFrame(frame protocol.Frame) (bool, string) {
	c.h.metrics.RecordFrameReceived(frame.Kind.String())

	switch frame.Kind {
	case protocol.KindHangup:
		c.logger.Info("Hangup received")
		return true, "hangup"

	case protocol.KindID:
		id := hex.EncodeToString(frame.Payload)
		if err := c.identify(id); err != nil {
			c.logger.Error("Failed to register call", slog.String("error", err.Error()))
			return true, "rejected"
		}

	case protocol.KindAudio:
		if c.session == nil {
			if err := c.identify(""); err != nil {
				c.logger.Error("Failed to register call", slog.String("error", err.Error()))
				return true, "rejected"
			}
		}
		c.handleAudio(frame.Payload)

	case protocol.KindError:
		c.logger.Warn("Error frame received",
			slog.String("payload_hex", hex.EncodeToString(frame.Payload)),
			slog.Int("payload_size", len(frame.Payload)),
		)

	default:
		c.h.metrics.RecordFrameDropped("unknown_kind")
		c.logger.Debug("Dropping frame of unknown kind",
			slog.String("kind", frame.Kind.String()),
			slog.Int("payload_size", len(frame.Payload)),
		)
	}

	return false, ""
}

// identify creates the session, or renames the lazily created one when the
// call ID arrives after audio. An empty id asks for a generated one.
func (c *call) identify(id string) error {
	sessions := c.h.sessions

	if c.session != nil {
		if id == "" || id == c.session.ID() {
			return nil
		}
		if err := sessions.Rename(c.session.ID(), id); err != nil {
			c.logger.Warn("Keeping local call id", slog.String("error", err.Error()))
			return nil
		}
		c.logger = c.base.With(slog.String("call_id", id))
		return nil
	}

	s, err := sessions.Create(id, c.stream.RemoteAddr(), c.stream.Transport(), c.cancel)
	if errors.Is(err, session.ErrDuplicateID) {
		c.logger.Warn("Call id already active, using a local id", slog.String("requested_id", id))
		s, err = sessions.Create("", c.stream.RemoteAddr(), c.stream.Transport(), c.cancel)
	}
	if err != nil {
		return err
	}

	c.session = s
	s.SetIngestSource(c.ingestStats)
	c.logger = c.base.With(slog.String("call_id", s.ID()))
	c.setState(s, StateWaitAudio)
	return nil
}

// ingestStats reports the assembler and segmenter of this call
func (c *call) ingestStats() session.IngestStats {
	return session.IngestStats{
		Assembler: c.assembler.GetStats(),
		VAD:       c.segmenter.GetStats(),
		VADState:  c.segmenter.State(),
	}
}

func (c *call) handleAudio(payload []byte) {
	c.session.Touch()
	c.session.RecordFrames(1, 0)

	for _, frame := range c.assembler.Write(payload) {
		utterance, ok := c.segmenter.Push(frame)
		if !ok {
			continue
		}

		duration := audio.Duration(len(utterance), c.h.config.SampleRate)
		c.h.metrics.RecordUtterance(duration.Seconds())
		c.session.RecordUtterance()
		c.logger.Info("Utterance detected",
			slog.Int("audio_bytes", len(utterance)),
			slog.Duration("audio_duration", duration),
		)

		c.submit(utterance)
	}
}

// submit queues an utterance behind the active turn without blocking reads
func (c *call) submit(utterance []byte) {
	select {
	case c.queue <- turnRequest{session: c.session, logger: c.logger, utterance: utterance}:
	default:
		c.h.metrics.RecordTurnDropped()
		c.logger.Warn("Turn queue full, dropping utterance",
			slog.Int("queue_capacity", cap(c.queue)),
			slog.Int("audio_bytes", len(utterance)),
		)
	}
}

// turnLoop runs queued turns one at a time in endpoint order
func (c *call) turnLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.queue:
			if c.ctx.Err() != nil {
				return
			}
			result := c.runTurn(req)
			c.finishTurn(req, result)
		}
	}
}

func (c *call) runTurn(req turnRequest) (result TurnResult) {
	start := time.Now()
	result.Turn.Utterance = req.utterance
	stages := c.h.stages
	sess := req.session
	logger := req.logger

	defer func() {
		result.Duration = time.Since(start)
		c.setState(sess, StateWaitAudio)
	}()

	c.setState(sess, StateTranscribing)
	result.Turn.Transcript = stages.Transcribe(c.ctx, logger, req.utterance)
	if c.ctx.Err() != nil {
		result.Outcome = OutcomeCancelled
		return result
	}
	if result.Turn.Transcript == "" {
		result.Outcome = OutcomeEmptyTranscript
		return result
	}

	c.setState(sess, StateGeneratingReply)
	reply, err := stages.Generate(c.ctx, logger, result.Turn.Transcript, sess.History())
	if c.ctx.Err() != nil {
		result.Outcome = OutcomeCancelled
		return result
	}
	if err != nil {
		result.Err = err
		if errors.Is(err, ErrEmptyReply) {
			result.Outcome = OutcomeEmptyReply
		} else {
			result.Outcome = OutcomeDialogueFailed
		}
		return result
	}
	result.Turn.ReplyText = reply
	sess.AppendTurn(result.Turn.Transcript, reply)

	c.setState(sess, StateSynthesizing)
	result.Turn.ReplyAudio = stages.Synthesize(c.ctx, logger, reply)
	if c.ctx.Err() != nil {
		result.Outcome = OutcomeCancelled
		return result
	}
	if len(result.Turn.ReplyAudio) == 0 {
		result.Outcome = OutcomeEmptyAudio
		return result
	}

	c.setState(sess, StateStreamingReply)
	sent, err := c.h.chunker.Stream(c.ctx, result.Turn.ReplyAudio, func(chunk []byte) error {
		if err := c.writer.WriteFrame(protocol.KindAudio, chunk); err != nil {
			return err
		}
		c.h.metrics.RecordFrameSent()
		return nil
	})
	result.Turn.FramesSent = sent
	sess.RecordFrames(0, sent)
	c.h.metrics.RecordReplyFrames(sent)

	switch {
	case c.ctx.Err() != nil:
		result.Outcome = OutcomeCancelled
	case err != nil:
		result.Err = err
		result.Outcome = OutcomeStreamFailed
	default:
		result.Outcome = OutcomeCompleted
	}
	return result
}

func (c *call) finishTurn(req turnRequest, result TurnResult) {
	c.h.metrics.RecordTurn(result.Outcome)

	attrs := []any{
		slog.String("outcome", result.Outcome),
		slog.String("transcript", result.Turn.Transcript),
		slog.Int("reply_frames", result.Turn.FramesSent),
		slog.Duration("duration", result.Duration),
	}
	if result.Err != nil {
		attrs = append(attrs, slog.String("error", result.Err.Error()))
	}

	switch result.Outcome {
	case OutcomeCompleted:
		req.logger.Info("Turn completed", attrs...)
	case OutcomeCancelled:
		req.logger.Debug("Turn cancelled", attrs...)
	case OutcomeEmptyTranscript:
		req.session.RecordAbandoned()
		req.logger.Info("Turn abandoned, no speech recognized", attrs...)
	default:
		req.session.RecordAbandoned()
		req.logger.Warn("Turn abandoned", attrs...)
	}

	if c.h.observer != nil {
		c.h.observer(req.session.ID(), result)
	}
}

// close tears the call down. In-flight stage work is cancelled, no frame is
// written afterwards, and partial speech is discarded.
func (c *call) close(reason string) {
	c.cancel()
	c.writer.Close()
	c.state.v.Store(int32(StateClosed))

	c.wg.Wait()

	c.segmenter.Discard()
	c.assembler.Reset()
	c.decoder.Reset()

	if c.session != nil {
		c.session.SetState(StateClosed.String())
		c.h.sessions.Remove(c.session.ID(), reason)
	}

	c.stream.Close()

	c.logger.Info("Call ended", slog.String("reason", reason))
}
