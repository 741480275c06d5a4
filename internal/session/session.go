package session

import (
	"context"
	"sync"
	"time"

	"github.com/skypro1111/audiosocket-agent/internal/audio"
	"github.com/skypro1111/audiosocket-agent/internal/vad"
)

// Speaker identifies who produced a history entry
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Entry is one line of conversation history
type Entry struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	Time    time.Time `json:"time"`
}

// Session is the per-call conversation state. It is owned by one call and
// never shared with another.
type Session struct {
	id           string
	remoteAddr   string
	transport    string
	startTime    time.Time
	lastActivity time.Time
	state        string

	// History keeps at most maxTurns user/agent pairs
	history  []Entry
	maxTurns int

	// Statistics
	framesReceived uint64
	framesSent     uint64
	utterances     uint64
	turnsCompleted uint64
	turnsAbandoned uint64
	historyTrimmed uint64

	cancel context.CancelFunc
	ingest func() IngestStats

	mu sync.RWMutex
}

// IngestStats describes how the call's inbound audio is being segmented
type IngestStats struct {
	Assembler audio.AssemblerStats `json:"assembler"`
	VAD       vad.SegmenterStats   `json:"vad"`
	VADState  vad.State            `json:"vad_state"`
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID             string        `json:"id"`
	RemoteAddr     string        `json:"remote_addr"`
	Transport      string        `json:"transport"`
	State          string        `json:"state"`
	StartTime      time.Time     `json:"start_time"`
	LastActivity   time.Time     `json:"last_activity"`
	Duration       time.Duration `json:"duration"`
	FramesReceived uint64        `json:"frames_received"`
	FramesSent     uint64        `json:"frames_sent"`
	Utterances     uint64        `json:"utterances"`
	TurnsCompleted uint64        `json:"turns_completed"`
	TurnsAbandoned uint64        `json:"turns_abandoned"`
	HistoryEntries int           `json:"history_entries"`
	HistoryTrimmed uint64        `json:"history_trimmed_turns"`
	Ingest         *IngestStats  `json:"ingest,omitempty"`
}

// New creates a session. maxTurns <= 0 keeps the whole history.
// cancel, if set, is called by Close.
func New(id, remoteAddr, transport string, maxTurns int, cancel context.CancelFunc) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		remoteAddr:   remoteAddr,
		transport:    transport,
		startTime:    now,
		lastActivity: now,
		maxTurns:     maxTurns,
		cancel:       cancel,
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

func (s *Session) setID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

// StartTime returns when the session was created
func (s *Session) StartTime() time.Time {
	return s.startTime
}

// Touch records activity on the call
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the time of the last recorded activity
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// SetState records the orchestrator state for monitoring
func (s *Session) SetState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// AppendTurn appends the user and agent entries of a completed turn as one
// unit, dropping the oldest turn when the history window is full
func (s *Session) AppendTurn(userText, agentText string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.history = append(s.history,
		Entry{Speaker: SpeakerUser, Text: userText, Time: now},
		Entry{Speaker: SpeakerAgent, Text: agentText, Time: now},
	)
	s.turnsCompleted++

	if s.maxTurns > 0 && len(s.history) > 2*s.maxTurns {
		drop := len(s.history) - 2*s.maxTurns
		s.history = append(s.history[:0:0], s.history[drop:]...)
		s.historyTrimmed += uint64(drop / 2)
	}
}

// History returns a copy of the conversation history in turn order
func (s *Session) History() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]Entry, len(s.history))
	copy(history, s.history)
	return history
}

// RecordFrames adds received and sent protocol frames
func (s *Session) RecordFrames(received, sent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framesReceived += uint64(received)
	s.framesSent += uint64(sent)
}

// RecordUtterance counts an utterance emitted by the segmenter
func (s *Session) RecordUtterance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utterances++
}

// RecordAbandoned counts a turn that ended without a reply
func (s *Session) RecordAbandoned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnsAbandoned++
}

// SetIngestSource attaches the reporter for the call's audio ingestion
// statistics. It is read on every GetSessionInfo.
func (s *Session) SetIngestSource(fn func() IngestStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingest = fn
}

// Close cancels the call context and clears the history
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.history = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// GetSessionInfo returns session information for monitoring
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	info := SessionInfo{
		ID:             s.id,
		RemoteAddr:     s.remoteAddr,
		Transport:      s.transport,
		State:          s.state,
		StartTime:      s.startTime,
		LastActivity:   s.lastActivity,
		Duration:       time.Since(s.startTime),
		FramesReceived: s.framesReceived,
		FramesSent:     s.framesSent,
		Utterances:     s.utterances,
		TurnsCompleted: s.turnsCompleted,
		TurnsAbandoned: s.turnsAbandoned,
		HistoryEntries: len(s.history),
		HistoryTrimmed: s.historyTrimmed,
	}
	ingest := s.ingest
	s.mu.RUnlock()

	// The reporter takes the segmenter and assembler locks; call it unlocked
	if ingest != nil {
		stats := ingest()
		info.Ingest = &stats
	}
	return info
}
