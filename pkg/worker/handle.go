package worker

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/protocol"
)

// handle is one incarnation of a worker process. The supervisor replaces the
// whole handle on restart; nothing outside this package ever holds one.
type handle struct {
	role string
	cmd  *exec.Cmd

	writer *protocol.Writer
	stdin  io.Closer

	// Audio and control messages queue separately so that a full queue can
	// shed old control messages without ever touching buffered audio.
	audioQ chan *protocol.Message
	ctrlQ  chan *protocol.Message

	// done is closed once the process has exited and been reaped.
	done     chan struct{}
	exitCode atomic.Int64

	// lastPong is the unix-nano arrival time of the latest pong.
	lastPong atomic.Int64

	events chan<- Event
	logger *slog.Logger
}

// startHandle launches the worker process and its I/O pumps.
func startHandle(role string, argv []string, queueSize int, events chan<- Event, logger *slog.Logger) (*handle, error) {
	cmd := exec.Command(argv[0], argv[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	// stdout carries the protocol; worker logs belong on stderr.
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &handle{
		role:   role,
		cmd:    cmd,
		writer: protocol.NewWriter(stdin),
		stdin:  stdin,
		audioQ: make(chan *protocol.Message, queueSize),
		ctrlQ:  make(chan *protocol.Message, queueSize),
		done:   make(chan struct{}),
		events: events,
		logger: logger.With("role", role, "pid", cmd.Process.Pid),
	}
	h.exitCode.Store(-1)

	go h.readPump(stdout)
	go h.writePump()

	return h, nil
}

// readPump decodes worker output and forwards it as events. It owns process
// reaping: when the stream ends the process is waited on and done is closed.
func (h *handle) readPump(stdout io.Reader) {
	reader := protocol.NewReaderWithLogger(stdout, h.logger)

	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			if err != io.EOF {
				h.logger.Warn("worker stream read failed", "error", err)
			}
			break
		}

		if msg.Kind == protocol.KindPong {
			h.lastPong.Store(time.Now().UnixNano())
			continue
		}

		h.events <- Event{Role: h.role, Msg: msg}
	}

	err := h.cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	h.exitCode.Store(int64(code))
	h.logger.Info("worker process exited", "exit_code", code)
	close(h.done)
}

// writePump serializes queued messages onto the worker's stdin.
func (h *handle) writePump() {
	for {
		var msg *protocol.Message
		select {
		case msg = <-h.audioQ:
		case msg = <-h.ctrlQ:
		case <-h.done:
			return
		}

		if err := h.writer.WriteMessage(msg); err != nil {
			// The reader will observe the broken pipe and reap the
			// process; just surface the failed write.
			h.logger.Warn("worker write failed", "kind", msg.Kind, "error", err)
			return
		}
	}
}

// send queues a message for the worker.
//
// Audio-bearing messages block until space frees or writeTimeout elapses;
// that blocking is the backpressure the turn buffer's flush call feels.
// Control messages never block: a full queue sheds its oldest control
// message with a warning instead.
func (h *handle) send(msg *protocol.Message, writeTimeout time.Duration) error {
	if !h.alive() {
		return ErrWorkerUnavailable
	}
	if len(msg.Audio) > 0 {
		select {
		case h.audioQ <- msg:
			return nil
		case <-h.done:
			return ErrWorkerUnavailable
		default:
		}
		timer := time.NewTimer(writeTimeout)
		defer timer.Stop()
		select {
		case h.audioQ <- msg:
			return nil
		case <-h.done:
			return ErrWorkerUnavailable
		case <-timer.C:
			return ErrBackpressure
		}
	}

	select {
	case h.ctrlQ <- msg:
		return nil
	case <-h.done:
		return ErrWorkerUnavailable
	default:
	}

	select {
	case old := <-h.ctrlQ:
		h.logger.Warn("send queue full, dropping oldest control message",
			"dropped_kind", old.Kind, "dropped_cid", old.CorrelationID)
	default:
	}

	select {
	case h.ctrlQ <- msg:
		return nil
	case <-h.done:
		return ErrWorkerUnavailable
	default:
		return ErrBackpressure
	}
}

// alive reports whether the process is still running.
func (h *handle) alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// stop kills the process and waits for it to be reaped.
func (h *handle) stop() {
	h.stdin.Close()
	if h.alive() {
		h.cmd.Process.Kill()
	}
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		h.logger.Warn("worker did not exit after kill")
	}
}
