// Package protocol defines the message types and line framing used between
// the pipeline orchestrator and its worker processes (STT, RAG+LLM, TTS).
// The same framing is used in both directions over each worker's stdio pipes.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the type of pipeline message.
type Kind string

const (
	// Orchestrator → worker
	KindAudioChunk        Kind = "audio_chunk"        // Flushed turn audio for transcription
	KindGenerationRequest Kind = "generation_request" // Question text for retrieval + generation
	KindSynthesisRequest  Kind = "synthesis_request"  // Answer text for speech synthesis

	// Worker → orchestrator
	KindTranscriptResult Kind = "transcript_result"
	KindGenerationResult Kind = "generation_result"
	KindSynthesisResult  Kind = "synthesis_result"
	KindErrorEvent       Kind = "error_event"

	// Bidirectional health check
	KindPing Kind = "ping"
	KindPong Kind = "pong"
)

// Well-known worker roles. The orchestrator and supervisor address worker
// processes only by these logical names.
const (
	RoleSTT    = "stt"
	RoleRAGLLM = "rag_llm"
	RoleTTS    = "tts"
)

// Error codes carried by an ErrorEvent.
const (
	CodeTranscriptionFailure = "transcription_failure"
	CodeGenerationFailure    = "generation_failure"
	CodeSynthesisFailure     = "synthesis_failure"
	CodeWorkerUnavailable    = "worker_unavailable"
	CodeRequestTimeout       = "request_timeout"
)

// Message is the base wrapper for all pipeline messages.
// Control fields travel as one JSON object per line; Audio travels in a
// separate length-prefixed binary frame immediately after the JSON line
// (flagged by Binary) so raw PCM never needs base64.
type Message struct {
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"cid,omitempty"`
	PeerID        string          `json:"peer,omitempty"`
	Timestamp     int64           `json:"ts,omitempty"` // Unix milliseconds
	Binary        bool            `json:"binary,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`

	// Audio is the binary payload for audio-bearing kinds. Never serialized
	// into the JSON line.
	Audio []byte `json:"-"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(kind Kind, correlationID string, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s data: %w", kind, err)
		}
	}

	return &Message{
		Kind:          kind,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UnixMilli(),
		Data:          rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct.
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// IsTerminal reports whether the message resolves an outstanding request.
func (m *Message) IsTerminal() bool {
	switch m.Kind {
	case KindTranscriptResult, KindGenerationResult, KindSynthesisResult, KindErrorEvent:
		return true
	}
	return false
}

// =============================================================================
// Payload types
// =============================================================================

// TranscriptResult carries the text recognized from one turn of audio.
type TranscriptResult struct {
	Text string `json:"text"`
}

// GenerationRequest asks the RAG+LLM worker to answer a question.
// Retrieval and context construction happen inside the worker.
type GenerationRequest struct {
	Question string `json:"question"`
}

// GenerationResult carries the generated answer.
type GenerationResult struct {
	Answer string `json:"answer"`
}

// SynthesisRequest asks the TTS worker to speak the given text.
type SynthesisRequest struct {
	Text string `json:"text"`
}

// ErrorEvent reports a terminal failure for a correlation id.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// PingData carries the health-check nonce a pong must echo.
type PingData struct {
	ID string `json:"id"`
}

// =============================================================================
// Constructors
// =============================================================================

// NewAudioChunk creates an audio_chunk message carrying raw PCM.
func NewAudioChunk(correlationID, peerID string, pcm []byte) *Message {
	return &Message{
		Kind:          KindAudioChunk,
		CorrelationID: correlationID,
		PeerID:        peerID,
		Timestamp:     time.Now().UnixMilli(),
		Binary:        true,
		Audio:         pcm,
	}
}

// NewTranscriptResult creates a transcript_result message.
func NewTranscriptResult(correlationID, text string) (*Message, error) {
	return NewMessage(KindTranscriptResult, correlationID, TranscriptResult{Text: text})
}

// NewGenerationRequest creates a generation_request message.
func NewGenerationRequest(correlationID, peerID, question string) (*Message, error) {
	msg, err := NewMessage(KindGenerationRequest, correlationID, GenerationRequest{Question: question})
	if err != nil {
		return nil, err
	}
	msg.PeerID = peerID
	return msg, nil
}

// NewGenerationResult creates a generation_result message.
func NewGenerationResult(correlationID, answer string) (*Message, error) {
	return NewMessage(KindGenerationResult, correlationID, GenerationResult{Answer: answer})
}

// NewSynthesisRequest creates a synthesis_request message.
func NewSynthesisRequest(correlationID, text string) (*Message, error) {
	return NewMessage(KindSynthesisRequest, correlationID, SynthesisRequest{Text: text})
}

// NewSynthesisResult creates a synthesis_result message carrying raw audio.
func NewSynthesisResult(correlationID string, audio []byte) *Message {
	return &Message{
		Kind:          KindSynthesisResult,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UnixMilli(),
		Binary:        true,
		Audio:         audio,
	}
}

// NewErrorEvent creates an error_event message for a correlation id.
func NewErrorEvent(correlationID, code, message string) (*Message, error) {
	return NewMessage(KindErrorEvent, correlationID, ErrorEvent{Code: code, Message: message})
}

// NewPing creates a ping message with the given nonce.
func NewPing(id string) (*Message, error) {
	return NewMessage(KindPing, "", PingData{ID: id})
}

// NewPong creates a pong message echoing a ping nonce.
func NewPong(id string) (*Message, error) {
	return NewMessage(KindPong, "", PingData{ID: id})
}

// =============================================================================
// Typed getters
// =============================================================================

// GetTranscript extracts a TranscriptResult payload.
func (m *Message) GetTranscript() (*TranscriptResult, error) {
	if m.Kind != KindTranscriptResult {
		return nil, fmt.Errorf("protocol: message is %s, not %s", m.Kind, KindTranscriptResult)
	}
	var tr TranscriptResult
	if err := m.ParseData(&tr); err != nil {
		return nil, err
	}
	return &tr, nil
}

// GetGenerationRequest extracts a GenerationRequest payload.
func (m *Message) GetGenerationRequest() (*GenerationRequest, error) {
	if m.Kind != KindGenerationRequest {
		return nil, fmt.Errorf("protocol: message is %s, not %s", m.Kind, KindGenerationRequest)
	}
	var gr GenerationRequest
	if err := m.ParseData(&gr); err != nil {
		return nil, err
	}
	return &gr, nil
}

// GetGenerationResult extracts a GenerationResult payload.
func (m *Message) GetGenerationResult() (*GenerationResult, error) {
	if m.Kind != KindGenerationResult {
		return nil, fmt.Errorf("protocol: message is %s, not %s", m.Kind, KindGenerationResult)
	}
	var gr GenerationResult
	if err := m.ParseData(&gr); err != nil {
		return nil, err
	}
	return &gr, nil
}

// GetSynthesisRequest extracts a SynthesisRequest payload.
func (m *Message) GetSynthesisRequest() (*SynthesisRequest, error) {
	if m.Kind != KindSynthesisRequest {
		return nil, fmt.Errorf("protocol: message is %s, not %s", m.Kind, KindSynthesisRequest)
	}
	var sr SynthesisRequest
	if err := m.ParseData(&sr); err != nil {
		return nil, err
	}
	return &sr, nil
}

// GetError extracts an ErrorEvent payload.
func (m *Message) GetError() (*ErrorEvent, error) {
	if m.Kind != KindErrorEvent {
		return nil, fmt.Errorf("protocol: message is %s, not %s", m.Kind, KindErrorEvent)
	}
	var ev ErrorEvent
	if err := m.ParseData(&ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetPing extracts a PingData payload from a ping or pong.
func (m *Message) GetPing() (*PingData, error) {
	if m.Kind != KindPing && m.Kind != KindPong {
		return nil, fmt.Errorf("protocol: message is %s, not ping/pong", m.Kind)
	}
	var pd PingData
	if err := m.ParseData(&pd); err != nil {
		return nil, err
	}
	return &pd, nil
}
