package worker

import (
	"sync"

	"github.com/SysEngTeam20/rag-enabled-ubiq-genie/pkg/protocol"
)

// Mock implements Dispatcher for testing. Sends are recorded and can be
// answered by pushing events through Emit, so orchestrator tests can script
// entire worker conversations without spawning processes.
type Mock struct {
	// SendFunc is called when Send is invoked. If nil, the send is only
	// recorded and succeeds.
	SendFunc func(role string, msg *protocol.Message) error

	mu    sync.Mutex
	sends []MockSend

	events chan Event
}

// MockSend records one Send invocation.
type MockSend struct {
	Role string
	Msg  *protocol.Message
}

// NewMock creates a mock dispatcher.
func NewMock() *Mock {
	return &Mock{
		events: make(chan Event, 64),
	}
}

// Send records the call and invokes SendFunc if set.
func (m *Mock) Send(role string, msg *protocol.Message) error {
	m.mu.Lock()
	m.sends = append(m.sends, MockSend{Role: role, Msg: msg})
	m.mu.Unlock()

	if m.SendFunc != nil {
		return m.SendFunc(role, msg)
	}
	return nil
}

// Events returns the scripted event stream.
func (m *Mock) Events() <-chan Event {
	return m.events
}

// Emit pushes a worker protocol message into the event stream.
func (m *Mock) Emit(role string, msg *protocol.Message) {
	m.events <- Event{Role: role, Msg: msg}
}

// EmitLifecycle pushes a lifecycle transition into the event stream.
func (m *Mock) EmitLifecycle(role string, status Status, err error) {
	m.events <- Event{Role: role, Status: status, Err: err}
}

// Sends returns all recorded Send calls.
func (m *Mock) Sends() []MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSend, len(m.sends))
	copy(out, m.sends)
	return out
}

// SendCount returns the number of sends recorded for a role. An empty role
// counts every send.
func (m *Mock) SendCount(role string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sends {
		if role == "" || s.Role == role {
			count++
		}
	}
	return count
}

// LastSend returns the most recent send for a role, or nil.
func (m *Mock) LastSend(role string) *MockSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sends) - 1; i >= 0; i-- {
		if role == "" || m.sends[i].Role == role {
			s := m.sends[i]
			return &s
		}
	}
	return nil
}

// Reset clears all recorded sends.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sends = nil
}

// Verify Mock implements Dispatcher at compile time.
var _ Dispatcher = (*Mock)(nil)
