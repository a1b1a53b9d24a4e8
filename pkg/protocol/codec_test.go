package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	transcript, _ := NewTranscriptResult("c-1", "hey agent what time is it")
	chunk := NewAudioChunk("c-2", "peer-a", []byte{0xDE, 0xAD, 0xBE, 0xEF})
	result := NewSynthesisResult("c-3", bytes.Repeat([]byte{0x7F}, 9600))

	for _, m := range []*Message{transcript, chunk, result} {
		if err := w.WriteMessage(m); err != nil {
			t.Fatalf("WriteMessage(%s) error = %v", m.Kind, err)
		}
	}

	r := NewReader(&buf)

	got, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if got.Kind != KindTranscriptResult || got.CorrelationID != "c-1" {
		t.Errorf("first message = %v/%v", got.Kind, got.CorrelationID)
	}

	got, err = r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if got.Kind != KindAudioChunk {
		t.Fatalf("second message kind = %v", got.Kind)
	}
	if !bytes.Equal(got.Audio, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Errorf("audio payload = % x", got.Audio)
	}
	if got.PeerID != "peer-a" {
		t.Errorf("peer id = %q", got.PeerID)
	}

	got, err = r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if got.Kind != KindSynthesisResult || len(got.Audio) != 9600 {
		t.Errorf("third message = %v, %d audio bytes", got.Kind, len(got.Audio))
	}

	if _, err := r.ReadMessage(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReaderSkipsGarbageLines(t *testing.T) {
	// Workers interleave their own logging with protocol records;
	// the reader must skip anything that is not valid protocol JSON.
	var buf bytes.Buffer
	buf.WriteString("[DEBUG] 2024-01-01 loading model...\n")
	buf.WriteString("\n")
	buf.WriteString(">partial transcript marker\n")

	w := NewWriter(&buf)
	msg, _ := NewTranscriptResult("c-5", "hello there")
	if err := w.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	buf.WriteString("{\"not\": \"a protocol message\"}\n")

	r := NewReader(&buf)
	got, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if got.Kind != KindTranscriptResult {
		t.Errorf("kind = %v, want %v", got.Kind, KindTranscriptResult)
	}
	tr, err := got.GetTranscript()
	if err != nil {
		t.Fatalf("GetTranscript() error = %v", err)
	}
	if tr.Text != "hello there" {
		t.Errorf("text = %q", tr.Text)
	}

	// The trailing non-protocol JSON object has no kind; skipped too.
	if _, err := r.ReadMessage(); err != io.EOF {
		t.Errorf("expected EOF after garbage, got %v", err)
	}
}

func TestReaderSkipsOversizedLine(t *testing.T) {
	// A runaway worker log line far beyond the control line cap must be
	// discarded, not kill the reader: records after it still arrive.
	var buf bytes.Buffer
	buf.WriteString(strings.Repeat("x", 2<<20))
	buf.WriteString("\n")

	w := NewWriter(&buf)
	msg, _ := NewTranscriptResult("c-9", "still alive")
	if err := w.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	r := NewReader(&buf)
	got, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if got.Kind != KindTranscriptResult {
		t.Errorf("kind = %v, want %v", got.Kind, KindTranscriptResult)
	}
	tr, err := got.GetTranscript()
	if err != nil {
		t.Fatalf("GetTranscript() error = %v", err)
	}
	if tr.Text != "still alive" {
		t.Errorf("text = %q", tr.Text)
	}

	if _, err := r.ReadMessage(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestReaderDropsOrphanBinaryFrame(t *testing.T) {
	var buf bytes.Buffer

	// A binary frame with no preceding header must be consumed and
	// dropped without desynchronizing the stream.
	buf.Write([]byte{0x00, 0x03, 0x00, 0x00, 0x00, 0xAA, 0xBB, 0xCC})

	w := NewWriter(&buf)
	msg, _ := NewPing("after-orphan")
	if err := w.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	r := NewReader(&buf)
	got, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if got.Kind != KindPing {
		t.Errorf("kind = %v, want ping", got.Kind)
	}
}

func TestWriterRejectsOversizedFrame(t *testing.T) {
	w := NewWriter(io.Discard)
	msg := NewSynthesisResult("c-big", make([]byte, maxBinaryFrame+1))
	if err := w.WriteMessage(msg); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("WriteMessage() error = %v, want ErrFrameTooLarge", err)
	}
}

func TestCodecOverPipe(t *testing.T) {
	// Same framing must work across a real pipe in both directions.
	pr, pw := io.Pipe()
	w := NewWriter(pw)
	r := NewReader(pr)

	done := make(chan error, 1)
	go func() {
		msg := NewAudioChunk("c-pipe", "peer-p", bytes.Repeat([]byte{1, 2}, 4800))
		done <- w.WriteMessage(msg)
	}()

	got, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if got.CorrelationID != "c-pipe" || len(got.Audio) != 9600 {
		t.Errorf("got cid=%q audio=%d", got.CorrelationID, len(got.Audio))
	}
	pw.Close()
}
