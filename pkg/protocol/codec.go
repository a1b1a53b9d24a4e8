package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Framing constants.
const (
	// binarySentinel leads every binary frame. JSON control lines always
	// start with '{', so the first byte of a record tells the two apart.
	binarySentinel = 0x00

	// maxBinaryFrame bounds a single audio frame. 32MB is ~3 minutes of
	// 48kHz PCM16, far beyond any turn the buffer will flush.
	maxBinaryFrame = 32 << 20

	// maxControlLine bounds a single JSON control line.
	maxControlLine = 1 << 20
)

var (
	// ErrFrameTooLarge is returned when a binary frame exceeds maxBinaryFrame.
	ErrFrameTooLarge = errors.New("protocol: binary frame too large")

	// errLineTooLong marks a control line over maxControlLine. The reader
	// discards such lines and moves on; it never surfaces this to callers.
	errLineTooLong = errors.New("protocol: control line too long")
)

// Writer frames messages onto a byte-oriented stream. Control fields go out
// as one JSON object per line; an audio payload follows as a sentinel byte,
// a uint32 little-endian length, and the raw bytes.
//
// Writer is safe for concurrent use; a message and its binary frame are
// always written back to back.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter creates a Writer on top of w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteMessage frames and flushes a single message.
func (w *Writer) WriteMessage(m *Message) error {
	if len(m.Audio) > maxBinaryFrame {
		return ErrFrameTooLarge
	}
	m.Binary = len(m.Audio) > 0

	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("protocol: marshal message: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(line); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}

	if m.Binary {
		var hdr [5]byte
		hdr[0] = binarySentinel
		binary.LittleEndian.PutUint32(hdr[1:], uint32(len(m.Audio)))
		if _, err := w.w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.w.Write(m.Audio); err != nil {
			return err
		}
	}

	return w.w.Flush()
}

// Reader parses framed messages from a byte-oriented stream.
//
// Lines that are not valid protocol JSON are logged and skipped, never
// returned as errors: workers interleave their own log output on the same
// pipe and the reader must survive it.
type Reader struct {
	r      *bufio.Reader
	logger *slog.Logger
}

// NewReader creates a Reader on top of r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:      bufio.NewReader(r),
		logger: slog.Default().With("component", "protocol.reader"),
	}
}

// NewReaderWithLogger creates a Reader with a custom logger.
func NewReaderWithLogger(r io.Reader, logger *slog.Logger) *Reader {
	pr := NewReader(r)
	if logger != nil {
		pr.logger = logger.With("component", "protocol.reader")
	}
	return pr
}

// ReadMessage returns the next well-formed message, skipping garbage.
// It returns io.EOF when the stream ends.
func (r *Reader) ReadMessage() (*Message, error) {
	for {
		first, err := r.r.Peek(1)
		if err != nil {
			return nil, err
		}

		if first[0] == binarySentinel {
			// Orphan binary frame with no preceding header. Consume and
			// drop it so the stream stays aligned.
			audio, err := r.readBinaryFrame()
			if err != nil {
				return nil, err
			}
			r.logger.Warn("dropping binary frame with no header", "bytes", len(audio))
			continue
		}

		line, err := r.readLine()
		if errors.Is(err, errLineTooLong) {
			// Runaway log line from a worker, not a protocol record.
			// The stream is already realigned at the next newline.
			r.logger.Warn("skipping oversized line")
			continue
		}
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil || msg.Kind == "" {
			r.logger.Warn("skipping unparsable line", "line", truncate(line, 120))
			continue
		}

		if msg.Binary {
			audio, err := r.readBinaryFrame()
			if err != nil {
				return nil, fmt.Errorf("protocol: read %s audio: %w", msg.Kind, err)
			}
			msg.Audio = audio
		}

		return &msg, nil
	}
}

// readLine reads one newline-terminated record, enforcing maxControlLine.
// An oversized line is consumed through its terminating newline and reported
// as errLineTooLong, leaving the stream aligned on the next record.
func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if err == nil {
			return buf, nil
		}
		if err == bufio.ErrBufferFull {
			if len(buf) > maxControlLine {
				if derr := r.discardLine(); derr != nil {
					return nil, derr
				}
				return nil, errLineTooLong
			}
			continue
		}
		if err == io.EOF && len(buf) > 0 {
			return buf, nil
		}
		return nil, err
	}
}

// discardLine consumes input through the next newline or EOF.
func (r *Reader) discardLine() error {
	for {
		_, err := r.r.ReadSlice('\n')
		switch {
		case err == nil, err == io.EOF:
			return nil
		case err == bufio.ErrBufferFull:
			continue
		default:
			return err
		}
	}
}

// readBinaryFrame consumes a sentinel-prefixed length-delimited frame.
func (r *Reader) readBinaryFrame() ([]byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != binarySentinel {
		return nil, fmt.Errorf("protocol: expected binary sentinel, got 0x%02x", hdr[0])
	}
	size := binary.LittleEndian.Uint32(hdr[1:])
	if size > maxBinaryFrame {
		return nil, ErrFrameTooLarge
	}
	audio := make([]byte, size)
	if _, err := io.ReadFull(r.r, audio); err != nil {
		return nil, err
	}
	return audio, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
