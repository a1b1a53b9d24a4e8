package protocol

import (
	"testing"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		cid     string
		data    interface{}
		wantErr bool
	}{
		{
			name: "transcript result",
			kind: KindTranscriptResult,
			cid:  "c-1",
			data: TranscriptResult{Text: "hey agent hello"},
		},
		{
			name: "generation request",
			kind: KindGenerationRequest,
			cid:  "c-2",
			data: GenerationRequest{Question: "what time is it"},
		},
		{
			name: "nil data",
			kind: KindPing,
			data: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.kind, tt.cid, tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if msg.Kind != tt.kind {
				t.Errorf("NewMessage() kind = %v, want %v", msg.Kind, tt.kind)
			}
			if msg.CorrelationID != tt.cid {
				t.Errorf("NewMessage() cid = %v, want %v", msg.CorrelationID, tt.cid)
			}
			if msg.Timestamp == 0 {
				t.Error("NewMessage() timestamp should be set")
			}
		})
	}
}

func TestTypedGetters(t *testing.T) {
	msg, err := NewGenerationRequest("c-7", "peer-a", "what's in the document?")
	if err != nil {
		t.Fatalf("NewGenerationRequest() error = %v", err)
	}
	if msg.PeerID != "peer-a" {
		t.Errorf("PeerID = %q, want %q", msg.PeerID, "peer-a")
	}

	req, err := msg.GetGenerationRequest()
	if err != nil {
		t.Fatalf("GetGenerationRequest() error = %v", err)
	}
	if req.Question != "what's in the document?" {
		t.Errorf("Question = %q", req.Question)
	}

	// Getter must refuse a mismatched kind.
	if _, err := msg.GetTranscript(); err == nil {
		t.Error("GetTranscript() on a generation request should fail")
	}
}

func TestErrorEvent(t *testing.T) {
	msg, err := NewErrorEvent("c-9", CodeSynthesisFailure, "worker exited")
	if err != nil {
		t.Fatalf("NewErrorEvent() error = %v", err)
	}

	ev, err := msg.GetError()
	if err != nil {
		t.Fatalf("GetError() error = %v", err)
	}
	if ev.Code != CodeSynthesisFailure {
		t.Errorf("Code = %q, want %q", ev.Code, CodeSynthesisFailure)
	}
	if !msg.IsTerminal() {
		t.Error("error_event should be terminal")
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindTranscriptResult, true},
		{KindGenerationResult, true},
		{KindSynthesisResult, true},
		{KindErrorEvent, true},
		{KindAudioChunk, false},
		{KindGenerationRequest, false},
		{KindSynthesisRequest, false},
		{KindPing, false},
		{KindPong, false},
	}

	for _, tt := range tests {
		if got := (&Message{Kind: tt.kind}).IsTerminal(); got != tt.want {
			t.Errorf("IsTerminal(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestAudioConstructors(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}

	chunk := NewAudioChunk("c-3", "peer-b", pcm)
	if chunk.Kind != KindAudioChunk || !chunk.Binary {
		t.Errorf("NewAudioChunk() kind=%v binary=%v", chunk.Kind, chunk.Binary)
	}
	if string(chunk.Audio) != string(pcm) {
		t.Error("NewAudioChunk() audio payload mismatch")
	}

	result := NewSynthesisResult("c-4", pcm)
	if result.Kind != KindSynthesisResult || !result.Binary {
		t.Errorf("NewSynthesisResult() kind=%v binary=%v", result.Kind, result.Binary)
	}
}

func TestPingPong(t *testing.T) {
	ping, err := NewPing("nonce-1")
	if err != nil {
		t.Fatalf("NewPing() error = %v", err)
	}
	pd, err := ping.GetPing()
	if err != nil {
		t.Fatalf("GetPing() error = %v", err)
	}
	if pd.ID != "nonce-1" {
		t.Errorf("ping nonce = %q, want %q", pd.ID, "nonce-1")
	}

	pong, err := NewPong(pd.ID)
	if err != nil {
		t.Fatalf("NewPong() error = %v", err)
	}
	pp, err := pong.GetPing()
	if err != nil {
		t.Fatalf("GetPing() on pong error = %v", err)
	}
	if pp.ID != "nonce-1" {
		t.Errorf("pong nonce = %q, want %q", pp.ID, "nonce-1")
	}
}
