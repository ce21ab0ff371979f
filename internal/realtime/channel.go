package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/mariankugiel/patient-web-app-sub002/internal/bus"
	"github.com/mariankugiel/patient-web-app-sub002/internal/status"
)

// ErrNotConnected is returned by Send while no connection is open.
var ErrNotConnected = errors.New("realtime channel not connected")

// Channel is the push transport. Inbound envelopes are published on the bus
// under bus.KindEnvelope; Subscribe returns a handle on that stream.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, env Envelope) error
	Subscribe(bufSize int) *bus.Subscription
	Status() status.State
}

// Memory is an in-process Channel. Inject delivers envelopes as if they
// came from the server and Sent records outbound ones. The daemon uses it
// when no push URL is configured.
type Memory struct {
	bus     *bus.Bus
	machine *status.Machine

	mu      sync.Mutex
	sent    []Envelope
	sendErr error
}

// NewMemory creates a disconnected in-process channel.
func NewMemory(b *bus.Bus) *Memory {
	return &Memory{bus: b, machine: status.NewMachine(b)}
}

func (m *Memory) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.machine.Current() == status.Connected {
		return nil
	}
	if err := m.machine.Transition(status.Connecting); err != nil {
		return err
	}
	return m.machine.Transition(status.Connected)
}

func (m *Memory) Disconnect() error {
	return m.machine.Transition(status.Disconnected)
}

func (m *Memory) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.machine.Current() != status.Connected {
		return ErrNotConnected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, env)
	return nil
}

func (m *Memory) Subscribe(bufSize int) *bus.Subscription {
	return m.bus.Subscribe(bus.KindEnvelope, bufSize)
}

func (m *Memory) Status() status.State {
	return m.machine.Current()
}

// Inject publishes env to subscribers as an inbound envelope.
func (m *Memory) Inject(env Envelope) {
	m.bus.Publish(bus.Event{Kind: bus.KindEnvelope, Payload: env})
}

// Sent returns the envelopes passed to Send so far.
func (m *Memory) Sent() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.sent...)
}

// FailSends makes every later Send return err. A nil err restores delivery.
func (m *Memory) FailSends(err error) {
	m.mu.Lock()
	m.sendErr = err
	m.mu.Unlock()
}
