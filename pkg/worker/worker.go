// Package worker supervises the long-lived external processes that perform
// the pipeline stages: speech-to-text, retrieval+generation, and
// text-to-speech.
//
// Each worker is a subprocess speaking the line protocol over its stdin and
// stdout. The Supervisor owns every process handle; callers address workers
// only by role name, so crash-and-restart cycles are invisible to them.
package worker

import (
	"errors"
	"fmt"
	"time"

	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/protocol"
)

// Status is the health state of a logical worker.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusDegraded   Status = "degraded"
	StatusTerminated Status = "terminated"
)

// Sentinel errors.
var (
	// ErrWorkerUnavailable is returned when a send targets a worker that is
	// not running and will not be restarted.
	ErrWorkerUnavailable = errors.New("worker: unavailable")

	// ErrUnknownRole is returned for a role the supervisor was never
	// configured with.
	ErrUnknownRole = errors.New("worker: unknown role")

	// ErrBackpressure is returned when an audio write could not be queued
	// within the write timeout.
	ErrBackpressure = errors.New("worker: send queue full")
)

// Event is emitted by the supervisor: either a protocol message received
// from a worker (Msg != nil) or a lifecycle transition (Msg == nil).
type Event struct {
	Role   string
	Msg    *protocol.Message
	Status Status
	Err    error
}

// Dispatcher is the narrow interface the orchestrator uses to talk to
// workers. The Supervisor is the production implementation; tests substitute
// a mock.
type Dispatcher interface {
	// Send queues a message for the named worker. Audio-bearing messages
	// block under backpressure (up to the write timeout) and are never
	// silently dropped; control messages may displace the oldest queued
	// control message instead.
	Send(role string, msg *protocol.Message) error

	// Events returns the stream of worker output and lifecycle changes.
	Events() <-chan Event
}

// Info is a read-only snapshot of one worker's state for status endpoints.
type Info struct {
	Role         string    `json:"role"`
	Status       Status    `json:"status"`
	RestartCount int       `json:"restart_count"`
	LastExitCode int       `json:"last_exit_code"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}

// Options configures a Supervisor.
type Options struct {
	// Commands maps role name to the argv used to launch that worker.
	Commands map[string][]string

	// HeartbeatInterval is how often each worker is pinged.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long to wait for a pong before the worker is
	// marked degraded and restarted.
	HeartbeatTimeout time.Duration

	// MaxRestarts bounds restart attempts before a worker is permanently
	// terminated. The counter resets whenever the worker proves alive.
	MaxRestarts int

	// RestartBackoff is the initial delay between restarts; it doubles per
	// consecutive failure up to RestartBackoffMax.
	RestartBackoff    time.Duration
	RestartBackoffMax time.Duration

	// SendQueueSize bounds each worker's outbound queues.
	SendQueueSize int

	// WriteTimeout is the longest an audio send may block on a full queue.
	WriteTimeout time.Duration
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if len(o.Commands) == 0 {
		return errors.New("worker: no commands configured")
	}
	for role, argv := range o.Commands {
		if len(argv) == 0 {
			return fmt.Errorf("worker: empty command for role %q", role)
		}
	}
	if o.SendQueueSize <= 0 {
		return errors.New("worker: send queue size must be positive")
	}
	return nil
}

// withDefaults fills unset durations with safe values.
func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.HeartbeatTimeout <= 0 || o.HeartbeatTimeout >= o.HeartbeatInterval {
		o.HeartbeatTimeout = o.HeartbeatInterval / 2
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 5
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = 500 * time.Millisecond
	}
	if o.RestartBackoffMax <= 0 {
		o.RestartBackoffMax = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}
