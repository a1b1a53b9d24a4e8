// Package turn accumulates a peer's audio frames and decides when a
// contiguous run of speech constitutes a complete utterance.
//
// A turn ends when no frame has arrived for the configured silence window,
// or when the buffered audio exceeds the maximum turn duration. The duration
// cap keeps a peer who never pauses from growing the buffer without bound.
package turn

import (
	"log/slog"
	"time"
)

// Buffer collects ordered PCM frames for a single peer.
//
// Buffer is not safe for concurrent use: it is owned by the orchestrator's
// serialized event loop, which is the only mutator of per-peer state.
type Buffer struct {
	frames  [][]byte
	size    int
	started time.Time
	last    time.Time

	logger *slog.Logger
}

// NewBuffer creates an empty turn buffer.
func NewBuffer(logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{logger: logger}
}

// Push appends a frame and records the arrival time. The buffer takes
// ownership of the slice: callers that reuse their read buffer must copy
// before pushing (the orchestrator does this once, at its ingest boundary).
// Zero-length frames are dropped with a warning; they never terminate the
// turn. Returns true if the frame was accepted.
func (b *Buffer) Push(frame []byte, now time.Time) bool {
	if len(frame) == 0 {
		b.logger.Warn("dropping empty audio frame")
		return false
	}

	if len(b.frames) == 0 {
		b.started = now
	}
	b.frames = append(b.frames, frame)
	b.size += len(frame)
	b.last = now
	return true
}

// ShouldFlush reports whether the buffered audio forms a complete turn:
// either the silence window has elapsed since the last frame, or the
// accumulated turn has hit the duration cap.
func (b *Buffer) ShouldFlush(now time.Time, silenceWindow, maxTurn time.Duration) bool {
	if len(b.frames) == 0 {
		return false
	}
	if now.Sub(b.last) >= silenceWindow {
		return true
	}
	return now.Sub(b.started) >= maxTurn
}

// Flush returns the buffered frames as one ordered payload and clears the
// buffer. Returns nil if nothing is buffered.
func (b *Buffer) Flush() []byte {
	if len(b.frames) == 0 {
		return nil
	}
	out := make([]byte, 0, b.size)
	for _, f := range b.frames {
		out = append(out, f...)
	}
	b.frames = nil
	b.size = 0
	return out
}

// Len returns the number of buffered audio bytes.
func (b *Buffer) Len() int { return b.size }

// Empty reports whether no frames are buffered.
func (b *Buffer) Empty() bool { return len(b.frames) == 0 }

// LastActivity returns the arrival time of the most recent frame.
// The zero time means no frame has ever arrived.
func (b *Buffer) LastActivity() time.Time { return b.last }
