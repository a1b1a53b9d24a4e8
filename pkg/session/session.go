// Package session tracks per-peer pipeline state: the audio turn buffer,
// the in-flight request, and the peer's position in the turn state machine.
package session

import (
	"log/slog"
	"time"

	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/turn"
)

// State is a peer's position in the pipeline state machine.
type State int

const (
	// Idle: no buffered audio, nothing in flight.
	Idle State = iota

	// Buffering: audio frames are accumulating toward a turn.
	Buffering

	// AwaitingTranscript: a flushed turn is at the STT worker.
	AwaitingTranscript

	// AwaitingAnswer: an addressed transcript is at the RAG+LLM worker.
	AwaitingAnswer

	// AwaitingSpeech: an answer is at the TTS worker.
	AwaitingSpeech
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Buffering:
		return "buffering"
	case AwaitingTranscript:
		return "awaiting_transcript"
	case AwaitingAnswer:
		return "awaiting_answer"
	case AwaitingSpeech:
		return "awaiting_speech"
	default:
		return "unknown"
	}
}

// Pending reports whether a request is in flight for this state.
func (s State) Pending() bool {
	return s == AwaitingTranscript || s == AwaitingAnswer || s == AwaitingSpeech
}

// Session is the pipeline state for one connected peer.
//
// Sessions are mutated only by the orchestrator's serialized event loop;
// they carry no locking of their own.
type Session struct {
	PeerID string

	// Audio accumulates toward the next turn. While a request is pending,
	// new frames keep buffering but never trigger a new turn-end.
	Audio *turn.Buffer

	State State

	// PendingRequestID is the correlation id of the in-flight request,
	// or "" if none. At most one request per peer is ever outstanding.
	PendingRequestID string

	// PendingSince is when the in-flight request was dispatched.
	PendingSince time.Time

	// Joined is when the session was created.
	Joined time.Time
}

// New creates a session for a peer.
func New(peerID string, logger *slog.Logger) *Session {
	return &Session{
		PeerID: peerID,
		Audio:  turn.NewBuffer(logger),
		State:  Idle,
		Joined: time.Now(),
	}
}

// LastActivity returns the most recent audio arrival for this peer,
// falling back to the join time if no frame has arrived yet.
func (s *Session) LastActivity() time.Time {
	if t := s.Audio.LastActivity(); !t.IsZero() {
		return t
	}
	return s.Joined
}

// ClearPending resets the in-flight request marker.
func (s *Session) ClearPending() {
	s.PendingRequestID = ""
	s.PendingSince = time.Time{}
}
