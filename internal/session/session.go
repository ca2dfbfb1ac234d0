// Package session ties one command channel to its correlator, tunnel table
// and local forwarders, and routes inbound packets between them.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/tunnelctl/internal/command"
	"github.com/1ureka/tunnelctl/internal/forward"
	"github.com/1ureka/tunnelctl/internal/protocol"
	"github.com/1ureka/tunnelctl/internal/tunnel"
	"github.com/1ureka/tunnelctl/internal/util"
)

var (
	ErrClosed            = errors.New("session closed")
	ErrProtocolViolation = tunnel.ErrProtocolViolation
)

// State is the lifecycle of a session.
type State int

const (
	StateNew State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Options tune a session.
type Options struct {
	BufferSize   int    // tunnel read size, 0 for the default
	AgentName    string // User-Agent name for fetches
	AgentVersion string
}

// Session is the controller side of one command channel.
type Session struct {
	ID      uint32
	Name    string
	Created time.Time

	sender command.Sender
	corr   *command.Correlator
	table  *tunnel.Table
	fwd    *forward.Forwarder

	mu        sync.Mutex
	state     State
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a session in StateNew sending its packets through sender.
func New(id uint32, name string, sender command.Sender, opts Options) *Session {
	if opts.AgentName == "" {
		opts.AgentName = "tunnelctl"
	}
	if opts.AgentVersion == "" {
		opts.AgentVersion = "dev"
	}

	s := &Session{
		ID:      id,
		Name:    name,
		Created: time.Now(),
		sender:  sender,
		done:    make(chan struct{}),
	}
	s.corr = command.NewCorrelator(sender, nil)
	s.table = tunnel.NewTable(s.corr, opts.BufferSize)
	s.fwd = forward.New(s.table, opts.AgentName, opts.AgentVersion)
	return s
}

func (s *Session) String() string {
	return fmt.Sprintf("%s [%s]", s.Name, s.State())
}

// Tunnels returns the session's tunnel table.
func (s *Session) Tunnels() *tunnel.Table { return s.table }

// Forwarder returns the session's listeners and fetcher.
func (s *Session) Forwarder() *forward.Forwarder { return s.fwd }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the session to state. A closed session stays closed.
func (s *Session) SetState(state State) {
	if state == StateClosed {
		s.Close()
		return
	}
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = state
	}
	s.mu.Unlock()
}

// Done is closed when the session is.
func (s *Session) Done() <-chan struct{} { return s.done }

// Dispatch routes one inbound packet. Responses complete the matching
// request; tunnel requests go to the tunnel table; a PING request is
// answered. Anything else is a protocol violation, which the caller should
// treat as fatal to the session.
func (s *Session) Dispatch(pkt *protocol.Packet) error {
	if s.State() == StateClosed {
		return ErrClosed
	}

	if !pkt.IsRequest {
		if !s.corr.HandleResponse(pkt) {
			util.LogWarning("[session %d] unexpected response: %s", s.ID, pkt)
		}
		return nil
	}

	switch pkt.CommandID {
	case protocol.CommandTunnelData, protocol.CommandTunnelClose:
		return s.table.DispatchIncoming(pkt)
	case protocol.CommandPing:
		resp := &protocol.Packet{RequestID: pkt.RequestID, CommandID: protocol.CommandPing, Data: pkt.Data}
		if err := s.sender.Send(resp); err != nil {
			return fmt.Errorf("[session %d] answer ping: %w", s.ID, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unexpected %s request", ErrProtocolViolation, pkt.CommandID)
	}
}

// Ping sends a PING carrying data and waits for the echo.
func (s *Session) Ping(ctx context.Context, data []byte) (time.Duration, error) {
	if s.State() == StateClosed {
		return 0, ErrClosed
	}

	type result struct {
		rtt time.Duration
		err error
	}
	ch := make(chan result, 1)
	start := time.Now()

	pkt := &protocol.Packet{IsRequest: true, RequestID: s.corr.NextRequestID(), CommandID: protocol.CommandPing, Data: data}
	err := s.corr.SendRequest(pkt, func(_, resp *protocol.Packet) {
		rtt := time.Since(start)
		switch {
		case resp.CommandID == protocol.CommandError:
			ch <- result{err: &tunnel.RemoteError{Status: resp.Status, Reason: resp.Reason}}
		case resp.CommandID != protocol.CommandPing:
			ch <- result{err: fmt.Errorf("%w: %s in response to PING", ErrProtocolViolation, resp.CommandID)}
		case string(resp.Data) != string(data):
			ch <- result{err: fmt.Errorf("ping: echo mismatch")}
		default:
			ch <- result{rtt: rtt}
		}
	})
	if err != nil {
		return 0, err
	}

	select {
	case r := <-ch:
		return r.rtt, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, ErrClosed
	}
}

// Close stops the listeners, closes every tunnel and forgets outstanding
// requests. It is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.fwd.Close()
		s.table.Close()
		if n := s.corr.Abandon(); n > 0 {
			util.LogDebug("[session %d] abandoned %d pending requests", s.ID, n)
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
		util.LogInfo("Session %d (%s) closed", s.ID, s.Name)
	})
}
