// Package socket wraps a raw duplex byte stream in a small state machine that
// reports its lifecycle through callbacks.
//
// A Manager starts in StateCreated. Ready moves it to StateReady and starts a
// reader goroutine; every successful read is handed to OnData. The manager
// ends in StateClosed after an explicit Close, end-of-stream, or a read/write
// failure. Exactly one of OnClose or OnError fires, once, and nothing fires
// after it.
package socket

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// BufferSize is the size of each read issued by the reader goroutine.
const BufferSize = 16 * 1024

var (
	ErrNotReady = errors.New("socket not ready")
	ErrClosed   = errors.New("socket closed")
)

// State is the lifecycle state of a Manager.
type State int32

const (
	StateCreated State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handlers are the lifecycle callbacks of a Manager. Any of them may be nil.
// OnData, OnError and OnClose run on the reader goroutine and must not block
// it for long; they typically forward bytes to a peer.
type Handlers struct {
	OnReady func(m *Manager)
	OnData  func(m *Manager, data []byte)
	OnError func(m *Manager, msg string, err error)
	OnClose func(m *Manager)
}

// Manager drives one socket through Created → Ready → Closed.
type Manager struct {
	name string
	conn io.ReadWriteCloser
	h    Handlers

	mu      sync.Mutex
	state   State
	failure error // set when a write fails, reported by the reader

	writeMu  sync.Mutex
	doneOnce sync.Once
	done     chan struct{}
}

// New wraps conn. No callback fires until Ready or Close is called.
func New(conn io.ReadWriteCloser, name string, h Handlers) *Manager {
	return &Manager{
		name: name,
		conn: conn,
		h:    h,
		done: make(chan struct{}),
	}
}

func (m *Manager) String() string { return m.name }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Done is closed after the terminal callback has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Ready activates the socket: OnReady fires, then the reader starts.
func (m *Manager) Ready() error {
	m.mu.Lock()
	switch m.state {
	case StateReady:
		m.mu.Unlock()
		return fmt.Errorf("%s: already ready", m.name)
	case StateClosed:
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", m.name, ErrClosed)
	}
	m.state = StateReady
	m.mu.Unlock()

	if m.h.OnReady != nil {
		m.h.OnReady(m)
	}
	go m.readLoop()
	return nil
}

// Write sends data to the socket. It is only valid in StateReady; a failed
// write tears the socket down and is reported through OnError.
func (m *Manager) Write(data []byte) (int, error) {
	switch m.State() {
	case StateCreated:
		return 0, fmt.Errorf("%s: %w", m.name, ErrNotReady)
	case StateClosed:
		return 0, fmt.Errorf("%s: %w", m.name, ErrClosed)
	}

	m.writeMu.Lock()
	n, err := m.conn.Write(data)
	m.writeMu.Unlock()
	if err != nil {
		m.mu.Lock()
		if m.state == StateClosed {
			m.mu.Unlock()
			return n, fmt.Errorf("%s: %w", m.name, ErrClosed)
		}
		m.state = StateClosed
		m.failure = err
		m.mu.Unlock()
		m.conn.Close()
		return n, fmt.Errorf("%s: write failed: %w", m.name, err)
	}
	return n, nil
}

// Close shuts the socket down cleanly. It is safe to call more than once and
// from inside any callback. When the reader is running, OnClose fires on the
// reader goroutine once it has observed the close.
func (m *Manager) Close() error {
	m.mu.Lock()
	prev := m.state
	m.state = StateClosed
	m.mu.Unlock()

	switch prev {
	case StateClosed:
		return nil
	case StateCreated:
		err := m.conn.Close()
		m.finish(nil)
		return err
	default:
		return m.conn.Close()
	}
}

func (m *Manager) readLoop() {
	buf := make([]byte, BufferSize)
	for {
		n, err := m.conn.Read(buf)

		if n > 0 && m.State() == StateReady {
			data := make([]byte, n)
			copy(data, buf[:n])
			if m.h.OnData != nil {
				m.h.OnData(m, data)
			}
		}

		if err != nil {
			m.mu.Lock()
			requested := m.state == StateClosed
			failure := m.failure
			m.state = StateClosed
			m.mu.Unlock()
			m.conn.Close()

			switch {
			case failure != nil:
				m.finish(failure)
			case requested || errors.Is(err, io.EOF):
				m.finish(nil)
			default:
				m.finish(err)
			}
			return
		}
	}
}

func (m *Manager) finish(err error) {
	m.doneOnce.Do(func() {
		if err == nil {
			if m.h.OnClose != nil {
				m.h.OnClose(m)
			}
		} else if m.h.OnError != nil {
			m.h.OnError(m, fmt.Sprintf("%s: connection error", m.name), err)
		}
		close(m.done)
	})
}
