package worker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/protocol"
)

// Supervisor keeps one live, communicating process per configured role,
// restarting crashed or unresponsive workers with exponential backoff.
//
// Callers interact through Send and Events only; process handles never
// escape, so a restart is invisible except for the lifecycle events it
// emits.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*workerState
	closed  bool

	events chan Event
	wg     sync.WaitGroup
}

// workerState is the supervisor's bookkeeping for one logical role.
type workerState struct {
	role     string
	handle   *handle
	status   Status
	restarts int
	lastExit int
	started  time.Time
	stop     chan struct{}
}

// NewSupervisor creates a supervisor for the configured roles.
// No processes start until EnsureRunning or Start is called.
func NewSupervisor(opts Options, logger *slog.Logger) (*Supervisor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		opts:    opts.withDefaults(),
		logger:  logger.With("component", "supervisor"),
		workers: make(map[string]*workerState),
		events:  make(chan Event, 256),
	}, nil
}

// Start launches every configured worker.
func (s *Supervisor) Start() error {
	for role := range s.opts.Commands {
		if err := s.EnsureRunning(role); err != nil {
			return err
		}
	}
	return nil
}

// EnsureRunning starts the worker for a role if it is absent or terminated.
// It is idempotent while the worker is starting or ready.
func (s *Supervisor) EnsureRunning(role string) error {
	argv, ok := s.opts.Commands[role]
	if !ok {
		return ErrUnknownRole
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ws, ok := s.workers[role]; ok && ws.status != StatusTerminated {
		return nil
	}

	ws := &workerState{
		role:   role,
		status: StatusStarting,
		stop:   make(chan struct{}),
	}
	s.workers[role] = ws

	s.wg.Add(1)
	go s.monitor(ws, argv)
	return nil
}

// Send queues a message for the named worker.
func (s *Supervisor) Send(role string, msg *protocol.Message) error {
	s.mu.Lock()
	ws, ok := s.workers[role]
	var h *handle
	if ok {
		h = ws.handle
	}
	s.mu.Unlock()

	if !ok || h == nil || !h.alive() {
		return ErrWorkerUnavailable
	}
	return h.send(msg, s.opts.WriteTimeout)
}

// Events returns the stream of worker output and lifecycle transitions.
// The orchestrator must consume it continuously.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Status returns the health of one role.
func (s *Supervisor) Status(role string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workers[role]
	if !ok {
		return StatusTerminated
	}
	return ws.status
}

// Snapshot returns per-role diagnostics for status endpoints.
func (s *Supervisor) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.workers))
	for _, ws := range s.workers {
		out = append(out, Info{
			Role:         ws.role,
			Status:       ws.status,
			RestartCount: ws.restarts,
			LastExitCode: ws.lastExit,
			StartedAt:    ws.started,
		})
	}
	return out
}

// Shutdown stops all workers and waits for their monitors to finish.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for _, ws := range s.workers {
		select {
		case <-ws.stop:
		default:
			close(ws.stop)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// monitor owns one role's restart loop: spawn, heartbeat, restart on
// failure with exponential backoff, give up after MaxRestarts consecutive
// failures.
func (s *Supervisor) monitor(ws *workerState, argv []string) {
	defer s.wg.Done()

	for {
		h, err := startHandle(ws.role, argv, s.opts.SendQueueSize, s.events, s.logger)
		if err != nil {
			s.logger.Error("worker spawn failed", "role", ws.role, "error", err)
			if !s.backoffOrTerminate(ws) {
				return
			}
			continue
		}

		s.setHandle(ws, h, StatusReady)
		s.emitLifecycle(ws, StatusReady, nil)

		stopped := s.watch(ws, h)
		h.stop()

		s.mu.Lock()
		ws.lastExit = int(h.exitCode.Load())
		s.mu.Unlock()

		if stopped {
			return
		}
		if !s.backoffOrTerminate(ws) {
			return
		}
		s.emitLifecycle(ws, StatusStarting, nil)
	}
}

// watch heartbeats one live handle. It returns true only when the monitor
// should stop because shutdown was requested; false means the worker died
// or went unresponsive and wants a restart.
func (s *Supervisor) watch(ws *workerState, h *handle) bool {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.stop:
			return true

		case <-h.done:
			s.logger.Warn("worker exited unexpectedly", "role", ws.role)
			s.setStatus(ws, StatusDegraded)
			s.emitLifecycle(ws, StatusDegraded, nil)
			return false

		case <-ticker.C:
			ping, err := protocol.NewPing(uuid.NewString())
			if err != nil {
				continue
			}
			sentAt := time.Now()
			if err := h.send(ping, s.opts.WriteTimeout); err != nil {
				s.logger.Warn("heartbeat send failed", "role", ws.role, "error", err)
			}

			timer := time.NewTimer(s.opts.HeartbeatTimeout)
			select {
			case <-ws.stop:
				timer.Stop()
				return true
			case <-h.done:
				timer.Stop()
				s.setStatus(ws, StatusDegraded)
				s.emitLifecycle(ws, StatusDegraded, nil)
				return false
			case <-timer.C:
			}

			if h.lastPong.Load() < sentAt.UnixNano() {
				s.logger.Warn("worker missed heartbeat", "role", ws.role)
				s.setStatus(ws, StatusDegraded)
				s.emitLifecycle(ws, StatusDegraded, nil)
				return false
			}

			// Proof of life clears the consecutive-failure budget.
			s.mu.Lock()
			ws.restarts = 0
			s.mu.Unlock()
		}
	}
}

// backoffOrTerminate sleeps the exponential backoff for the next restart.
// Returns false once the retry budget is exhausted and the worker has been
// marked permanently terminated.
func (s *Supervisor) backoffOrTerminate(ws *workerState) bool {
	s.mu.Lock()
	ws.restarts++
	attempt := ws.restarts
	s.mu.Unlock()

	if attempt > s.opts.MaxRestarts {
		s.logger.Error("worker exceeded restart budget", "role", ws.role, "attempts", attempt-1)
		s.setStatus(ws, StatusTerminated)
		s.emitLifecycle(ws, StatusTerminated, ErrWorkerUnavailable)
		return false
	}

	delay := s.opts.RestartBackoff << (attempt - 1)
	if delay > s.opts.RestartBackoffMax {
		delay = s.opts.RestartBackoffMax
	}
	s.logger.Info("restarting worker", "role", ws.role, "attempt", attempt, "backoff", delay)

	select {
	case <-ws.stop:
		return false
	case <-time.After(delay):
		return true
	}
}

func (s *Supervisor) setHandle(ws *workerState, h *handle, status Status) {
	s.mu.Lock()
	ws.handle = h
	ws.status = status
	ws.started = time.Now()
	s.mu.Unlock()
}

func (s *Supervisor) setStatus(ws *workerState, status Status) {
	s.mu.Lock()
	ws.status = status
	s.mu.Unlock()
}

// emitLifecycle delivers a status transition to the event stream. Unlike
// worker output, lifecycle transitions are never dropped: the consumer's
// view of worker health must stay accurate, so this blocks until the event
// is taken or the worker is stopped.
func (s *Supervisor) emitLifecycle(ws *workerState, status Status, err error) {
	select {
	case s.events <- Event{Role: ws.role, Status: status, Err: err}:
	case <-ws.stop:
	}
}

// Compile-time check that Supervisor satisfies Dispatcher.
var _ Dispatcher = (*Supervisor)(nil)
