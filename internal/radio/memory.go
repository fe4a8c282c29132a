package radio

import (
	"sync"

	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// MemoryTransport is an in-process loopback transport. Tests script the
// peer side by injecting frames or by installing a Handler that answers
// each send like a field device would.
type MemoryTransport struct {
	mu    sync.Mutex
	state State
	sent  []*iohc.Frame
	rx    chan *iohc.Frame

	// Handler, when set, is invoked for every accepted send; returned
	// frames are queued as inbound traffic.
	Handler func(*iohc.Frame) []*iohc.Frame
}

// NewMemoryTransport creates a loopback transport in RX state
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		state: StateRX,
		rx:    make(chan *iohc.Frame, 64),
	}
}

// Send records the frame and runs the scripted peer
func (m *MemoryTransport) Send(f *iohc.Frame) error {
	m.mu.Lock()
	if m.state != StateRX {
		m.mu.Unlock()
		return ErrBusy
	}
	m.sent = append(m.sent, f)
	handler := m.Handler
	m.mu.Unlock()

	if handler != nil {
		for _, reply := range handler(f) {
			m.Inject(reply)
		}
	}
	return nil
}

// SetHandler installs the scripted peer, safe while the transport is in use
func (m *MemoryTransport) SetHandler(fn func(*iohc.Frame) []*iohc.Frame) {
	m.mu.Lock()
	m.Handler = fn
	m.mu.Unlock()
}

// State returns the simulated radio state
func (m *MemoryTransport) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState changes the simulated radio state
func (m *MemoryTransport) SetState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Frames returns the inbound frame stream
func (m *MemoryTransport) Frames() <-chan *iohc.Frame {
	return m.rx
}

// Inject queues an inbound frame as if received off the air
func (m *MemoryTransport) Inject(f *iohc.Frame) {
	m.rx <- f
}

// Sent returns a copy of every frame accepted so far
func (m *MemoryTransport) Sent() []*iohc.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*iohc.Frame(nil), m.sent...)
}

// Reset clears the sent log
func (m *MemoryTransport) Reset() {
	m.mu.Lock()
	m.sent = nil
	m.mu.Unlock()
}

// Close shuts the inbound stream
func (m *MemoryTransport) Close() error {
	close(m.rx)
	return nil
}
