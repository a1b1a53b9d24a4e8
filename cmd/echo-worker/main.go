// echo-worker: reference pipeline worker for development and testing.
// Speaks the worker protocol on stdin/stdout and answers every request with
// canned results, so the full pipeline can run without Python services.
//
// Run one per role:
//
//	GENIE_STT_CMD="echo-worker -role stt" \
//	GENIE_RAG_CMD="echo-worker -role rag_llm" \
//	GENIE_TTS_CMD="echo-worker -role tts" genie
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/internal/log"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/protocol"
)

var (
	role       = flag.String("role", "stt", "Worker role: stt, rag_llm, or tts")
	transcript = flag.String("transcript", "hey agent hello", "Transcript returned for every audio chunk")
	delay      = flag.Duration("delay", 0, "Artificial processing delay per request")
)

func main() {
	flag.Parse()
	log.Init("info")
	logger := log.Component("echo-worker").With("role", *role)

	r := protocol.NewReaderWithLogger(os.Stdin, logger)
	w := protocol.NewWriter(os.Stdout)

	logger.Info("worker ready")

	for {
		msg, err := r.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("stdin closed, exiting")
				return
			}
			logger.Error("read failed", "error", err)
			os.Exit(1)
		}

		reply, err := respond(msg)
		if err != nil {
			logger.Error("bad request", "kind", msg.Kind, "error", err)
			continue
		}
		if reply == nil {
			continue
		}
		if *delay > 0 && msg.Kind != protocol.KindPing {
			time.Sleep(*delay)
		}
		if err := w.WriteMessage(reply); err != nil {
			logger.Error("write failed", "error", err)
			os.Exit(1)
		}
	}
}

// respond builds the canned reply for one request.
func respond(msg *protocol.Message) (*protocol.Message, error) {
	switch msg.Kind {
	case protocol.KindPing:
		ping, err := msg.GetPing()
		if err != nil {
			return nil, err
		}
		return protocol.NewPong(ping.ID)

	case protocol.KindAudioChunk:
		if *role != protocol.RoleSTT {
			return nil, fmt.Errorf("audio chunk sent to role %q", *role)
		}
		return protocol.NewTranscriptResult(msg.CorrelationID, *transcript)

	case protocol.KindGenerationRequest:
		if *role != protocol.RoleRAGLLM {
			return nil, fmt.Errorf("generation request sent to role %q", *role)
		}
		req, err := msg.GetGenerationRequest()
		if err != nil {
			return nil, err
		}
		return protocol.NewGenerationResult(msg.CorrelationID, "You said: "+req.Question)

	case protocol.KindSynthesisRequest:
		if *role != protocol.RoleTTS {
			return nil, fmt.Errorf("synthesis request sent to role %q", *role)
		}
		req, err := msg.GetSynthesisRequest()
		if err != nil {
			return nil, err
		}
		// 100ms of silence per 10 characters, so longer answers produce
		// longer "speech".
		n := (len(req.Text)/10 + 1) * 9600
		return protocol.NewSynthesisResult(msg.CorrelationID, make([]byte, n)), nil

	default:
		return nil, fmt.Errorf("unexpected kind %q", msg.Kind)
	}
}
