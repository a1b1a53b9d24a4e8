// Package config provides configuration for the conversational agent service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/protocol"
)

// Audio format constants. The pipeline carries 48kHz mono PCM16 end to end,
// matching what the transcription and synthesis workers expect.
const (
	SampleRate    = 48000
	Channels      = 1
	BytesPerMilli = SampleRate * 2 / 1000
)

// Config holds all tunable parameters for the pipeline.
// Parameters are organized by stage for clarity.
type Config struct {
	// Server
	Port  int
	Debug bool

	// Turn detection
	SilenceWindow   time.Duration // No-frame gap that ends a turn (default: 700ms)
	MaxTurnDuration time.Duration // Hard cap on a single turn (default: 15s)

	// Wake-word gating
	WakePhrases []string // Phrases that address the agent (default: "hey agent", "hello agent")

	// Requests
	RequestTimeout     time.Duration // Deadline for a generation/synthesis request (default: 30s)
	IdleSessionTimeout time.Duration // Evict a silent peer with nothing pending (default: 5m)

	// Worker supervision
	Workers           map[string][]string // Role -> argv to launch the worker
	HeartbeatInterval time.Duration       // Ping cadence per worker (default: 10s)
	HeartbeatTimeout  time.Duration       // Missed-pong window before Degraded (default: 5s)
	MaxRestarts       int                 // Restart attempts before Terminated (default: 5)
	RestartBackoff    time.Duration       // Initial restart delay (default: 500ms)
	RestartBackoffMax time.Duration       // Backoff cap (default: 30s)

	// Worker I/O
	SendQueueSize int           // Bounded outbound queue per worker (default: 64)
	WriteTimeout  time.Duration // Max block on a backpressured audio write (default: 5s)

	// User-visible fallback on a failed turn
	FallbackUtterance string

	// Debug audio dumps (WAV files of flushed turns and synthesized replies)
	DumpAudioDir string
}

// Worker role names, re-exported from the protocol package for convenience.
const (
	RoleSTT    = protocol.RoleSTT
	RoleRAGLLM = protocol.RoleRAGLLM
	RoleTTS    = protocol.RoleTTS
)

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Port: 8090,

		SilenceWindow:   700 * time.Millisecond,
		MaxTurnDuration: 15 * time.Second,

		WakePhrases: []string{"hey agent", "hello agent"},

		RequestTimeout:     30 * time.Second,
		IdleSessionTimeout: 5 * time.Minute,

		Workers: map[string][]string{
			RoleSTT:    {"python3", "services/speech_to_text/transcribe_local.py"},
			RoleRAGLLM: {"python3", "services/text_generation/rag_service.py"},
			RoleTTS:    {"python3", "services/text_to_speech/text_to_speech.py"},
		},
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		MaxRestarts:       5,
		RestartBackoff:    500 * time.Millisecond,
		RestartBackoffMax: 30 * time.Second,

		SendQueueSize: 64,
		WriteTimeout:  5 * time.Second,

		FallbackUtterance: "Sorry, I couldn't process that.",
	}
}

// FromEnv returns the default Config with environment overrides applied.
// Recognized variables:
//
//	GENIE_PORT, GENIE_SILENCE_MS, GENIE_MAX_TURN_MS, GENIE_REQUEST_TIMEOUT_MS,
//	GENIE_WAKE_PHRASES (comma separated), GENIE_STT_CMD, GENIE_RAG_CMD,
//	GENIE_TTS_CMD (space separated argv), GENIE_DUMP_AUDIO_DIR
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("GENIE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if d, ok := envMillis("GENIE_SILENCE_MS"); ok {
		cfg.SilenceWindow = d
	}
	if d, ok := envMillis("GENIE_MAX_TURN_MS"); ok {
		cfg.MaxTurnDuration = d
	}
	if d, ok := envMillis("GENIE_REQUEST_TIMEOUT_MS"); ok {
		cfg.RequestTimeout = d
	}
	if v := os.Getenv("GENIE_WAKE_PHRASES"); v != "" {
		var phrases []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				phrases = append(phrases, p)
			}
		}
		if len(phrases) > 0 {
			cfg.WakePhrases = phrases
		}
	}
	for role, env := range map[string]string{
		RoleSTT:    "GENIE_STT_CMD",
		RoleRAGLLM: "GENIE_RAG_CMD",
		RoleTTS:    "GENIE_TTS_CMD",
	} {
		if v := os.Getenv(env); v != "" {
			cfg.Workers[role] = strings.Fields(v)
		}
	}
	if v := os.Getenv("GENIE_DUMP_AUDIO_DIR"); v != "" {
		cfg.DumpAudioDir = v
	}

	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.SilenceWindow <= 0 {
		return errors.New("config: silence window must be positive")
	}
	if c.MaxTurnDuration <= c.SilenceWindow {
		return errors.New("config: max turn duration must exceed the silence window")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("config: request timeout must be positive")
	}
	if len(c.WakePhrases) == 0 {
		return errors.New("config: at least one wake phrase required")
	}
	for _, role := range []string{RoleSTT, RoleRAGLLM, RoleTTS} {
		argv, ok := c.Workers[role]
		if !ok || len(argv) == 0 {
			return fmt.Errorf("config: no command configured for worker %q", role)
		}
	}
	if c.HeartbeatTimeout >= c.HeartbeatInterval {
		return errors.New("config: heartbeat timeout must be shorter than the interval")
	}
	if c.SendQueueSize <= 0 {
		return errors.New("config: send queue size must be positive")
	}
	return nil
}

func envMillis(name string) (time.Duration, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}
