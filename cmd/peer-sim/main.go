// peer-sim: command-line peer for exercising a running genie service.
// Streams PCM16 audio frames over the peer websocket, pauses to end the
// turn, and prints whatever comes back.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/internal/config"
	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/internal/log"
)

var (
	server  = flag.String("server", "ws://localhost:8090", "Genie server URL")
	peerID  = flag.String("peer", "sim", "Peer id to connect as")
	file    = flag.String("file", "", "Raw PCM16 file to stream (tone generated if empty)")
	talkFor = flag.Duration("talk", 2*time.Second, "How long to stream audio")
	frameMS = flag.Int("frame-ms", 20, "Frame size in milliseconds")
	wait    = flag.Duration("wait", 10*time.Second, "How long to wait for the reply")
)

func main() {
	flag.Parse()
	log.Init("info")
	logger := log.Component("peer-sim")

	url := fmt.Sprintf("%s/ws/peer/%s?codec=pcm", *server, *peerID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		logger.Error("dial failed", "url", url, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("connected", "url", url)

	// Print everything the server sends.
	done := make(chan struct{})
	gotAudio := make(chan int, 16)
	go func() {
		defer close(done)
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch mt {
			case websocket.TextMessage:
				var msg map[string]interface{}
				if err := json.Unmarshal(data, &msg); err == nil {
					logger.Info("server message", "payload", msg)
				}
			case websocket.BinaryMessage:
				logger.Info("reply audio", "bytes", len(data),
					"duration", time.Duration(len(data)/config.BytesPerMilli)*time.Millisecond)
				gotAudio <- len(data)
			}
		}
	}()

	frames, err := loadFrames(*file, *talkFor, *frameMS)
	if err != nil {
		logger.Error("audio load failed", "error", err)
		os.Exit(1)
	}

	logger.Info("streaming", "frames", len(frames), "frame_ms", *frameMS)
	ticker := time.NewTicker(time.Duration(*frameMS) * time.Millisecond)
	defer ticker.Stop()
	for _, frame := range frames {
		<-ticker.C
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			logger.Error("write failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("turn finished, waiting for reply", "timeout", *wait)
	select {
	case n := <-gotAudio:
		logger.Info("done", "reply_bytes", n)
	case <-done:
		logger.Warn("connection closed before reply")
	case <-time.After(*wait):
		logger.Warn("no reply within timeout")
	}
}

// loadFrames slices a PCM16 file, or a generated 440Hz tone, into frames.
func loadFrames(path string, talk time.Duration, frameMS int) ([][]byte, error) {
	frameBytes := frameMS * config.BytesPerMilli

	var pcm []byte
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		pcm = data
	} else {
		total := int(talk.Milliseconds()) * config.BytesPerMilli
		pcm = make([]byte, total)
		for i := 0; i < total/2; i++ {
			s := int16(3000 * math.Sin(2*math.Pi*440*float64(i)/float64(config.SampleRate)))
			pcm[i*2] = byte(s)
			pcm[i*2+1] = byte(s >> 8)
		}
	}

	var frames [][]byte
	for off := 0; off+frameBytes <= len(pcm); off += frameBytes {
		frames = append(frames, pcm[off:off+frameBytes])
	}
	return frames, nil
}
