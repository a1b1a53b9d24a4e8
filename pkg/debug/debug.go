// Package debug writes pipeline audio to WAV files for offline inspection.
// A Dumper taps flushed turns and synthesized replies; disabled when no
// directory is configured.
package debug

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// Dumper writes each tapped PCM16 buffer as its own WAV file under Dir.
// A nil Dumper is a no-op, so callers never need to branch.
type Dumper struct {
	dir        string
	sampleRate int
	channels   int
	logger     *slog.Logger
	seq        atomic.Uint64
}

// NewDumper creates a dumper rooted at dir, creating it if needed.
func NewDumper(dir string, sampleRate, channels int, logger *slog.Logger) (*Dumper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("debug: create dump dir: %w", err)
	}
	return &Dumper{
		dir:        dir,
		sampleRate: sampleRate,
		channels:   channels,
		logger:     logger.With("component", "debug"),
	}, nil
}

// Dump writes one PCM16 buffer to <dir>/<stage>-<peer>-<seq>.wav.
// Failures are logged, never surfaced, so a full disk cannot stall the
// pipeline.
func (d *Dumper) Dump(peerID, stage string, pcm []byte) {
	if d == nil || len(pcm) == 0 {
		return
	}
	n := d.seq.Add(1)
	name := fmt.Sprintf("%s-%s-%06d.wav", stage, sanitize(peerID), n)
	path := filepath.Join(d.dir, name)

	start := time.Now()
	if err := writeWAV(path, pcm, d.sampleRate, d.channels); err != nil {
		d.logger.Warn("audio dump failed", "path", path, "error", err)
		return
	}
	d.logger.Debug("audio dumped", "path", path, "bytes", len(pcm), "took", time.Since(start))
}

// sanitize keeps peer ids filesystem-safe.
func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// writeWAV writes a minimal PCM16 RIFF/WAVE file.
func writeWAV(path string, pcm []byte, sampleRate, channels int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	const bitsPerSample = 16
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(36+len(pcm)))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], bitsPerSample)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(len(pcm)))

	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(pcm); err != nil {
		f.Close()
		return err
	}
	// The close error matters: it is where a full disk surfaces.
	return f.Close()
}
