// Package tunnel owns the local-facing halves of the virtual connections
// multiplexed over the command channel.
//
// Each tunnel is a unix socket pair. The table keeps one half and runs a
// reader that turns every read into a fire-and-forget TUNNEL_DATA request;
// the other half is handed to whoever opened the tunnel. Inbound data is
// queued per tunnel and written by that tunnel's own writer, so a slow
// application never holds up the dispatcher.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prep/socketpair"

	"github.com/1ureka/tunnelctl/internal/command"
	"github.com/1ureka/tunnelctl/internal/protocol"
	"github.com/1ureka/tunnelctl/internal/util"
)

// Tuning constants.
const (
	DefaultBufferSize = 16 * 1024       // bytes per TUNNEL_DATA payload
	drainTimeout      = 2 * time.Second // how long a close waits for queued bytes
	inboxSize         = 128             // inbound payloads queued per tunnel
)

var (
	ErrUnknownTunnel     = errors.New("unknown tunnel")
	ErrDuplicateTunnel   = errors.New("tunnel id already in use")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrTableClosed       = errors.New("tunnel table closed")
)

// RemoteError is a COMMAND_ERROR returned by the peer.
type RemoteError struct {
	Status uint16
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote refused: %s (status 0x%04x)", e.Reason, e.Status)
}

// Requester is the slice of the correlator the table needs.
type Requester interface {
	NextRequestID() uint32
	SendRequest(pkt *protocol.Packet, onResponse command.ResponseFunc) error
}

// OpenFunc receives the caller-side half of a new tunnel, or the reason none
// was opened. It runs on the goroutine delivering the CONNECT response and
// must return quickly.
type OpenFunc func(conn net.Conn, tunnelID uint32, err error)

// Info is a point-in-time view of one tunnel.
type Info struct {
	ID            uint32
	Host          string
	Port          uint16
	Opened        time.Time
	BytesSent     int64
	BytesReceived int64
}

type entry struct {
	id     uint32
	host   string
	port   uint16
	conn   net.Conn // table-owned half
	handed net.Conn // caller half, closed on a local close so the reader reaches EOF
	inbox  chan []byte
	quit   chan struct{} // closed once the entry leaves the table
	done   chan struct{} // closed when the reader exits
	wdone  chan struct{} // closed when the writer exits
	opened time.Time
	sent   atomic.Int64
	recvd  atomic.Int64

	stopOnce sync.Once
	release  sync.Once
}

func (e *entry) stop() {
	e.stopOnce.Do(func() { close(e.quit) })
}

// Table maps tunnel ids to their table-owned halves. It is the only structure
// touched by both tunnel readers and the inbound dispatcher, so every
// insert/lookup/remove happens under mu.
type Table struct {
	req     Requester
	bufSize int

	mu      sync.Mutex
	tunnels map[uint32]*entry
	closed  bool
}

// NewTable creates an empty table sending its requests through req.
// A non-positive bufSize selects DefaultBufferSize.
func NewTable(req Requester, bufSize int) *Table {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Table{
		req:     req,
		bufSize: bufSize,
		tunnels: make(map[uint32]*entry),
	}
}

// OpenTunnel asks the peer to connect to host:port. onOpen is called once the
// peer answers: with the caller-side half and tunnel id on success, or with a
// *RemoteError when the peer refused. If the request cannot be sent at all the
// error is returned and onOpen never runs.
func (t *Table) OpenTunnel(host string, port uint16, onOpen OpenFunc) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrTableClosed
	}

	pkt := protocol.NewConnect(t.req.NextRequestID(), host, port)
	return t.req.SendRequest(pkt, func(_, resp *protocol.Packet) {
		conn, id, err := t.accept(host, port, resp)
		onOpen(conn, id, err)
	})
}

// accept turns a CONNECT response into a registered tunnel.
func (t *Table) accept(host string, port uint16, resp *protocol.Packet) (net.Conn, uint32, error) {
	switch resp.CommandID {
	case protocol.CommandError:
		util.LogWarning("Connect to %s:%d failed: %s", host, port, resp.Reason)
		return nil, 0, &RemoteError{Status: resp.Status, Reason: resp.Reason}
	case protocol.CommandTunnelConnect:
	default:
		return nil, 0, fmt.Errorf("%w: %s in response to TUNNEL_CONNECT", ErrProtocolViolation, resp.CommandID)
	}

	id := resp.TunnelID
	owned, handed, err := socketpair.New("unix")
	if err != nil {
		t.sendClose(id, "Socket pair failed")
		return nil, 0, fmt.Errorf("tunnel %d: create socket pair: %w", id, err)
	}

	e := &entry{
		id:     id,
		host:   host,
		port:   port,
		conn:   owned,
		handed: handed,
		inbox:  make(chan []byte, inboxSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		wdone:  make(chan struct{}),
		opened: time.Now(),
	}

	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		owned.Close()
		handed.Close()
		t.sendClose(id, "Controller shutting down")
		return nil, 0, fmt.Errorf("tunnel %d: %w", id, ErrTableClosed)
	case t.tunnels[id] != nil:
		t.mu.Unlock()
		owned.Close()
		handed.Close()
		util.LogError("[tunnel %d] peer reused a live tunnel id for %s:%d", id, host, port)
		return nil, 0, fmt.Errorf("tunnel %d: %w", id, ErrDuplicateTunnel)
	}
	t.tunnels[id] = e
	t.mu.Unlock()

	util.Stats.AddConn()
	util.LogDebug("[tunnel %d] opened to %s:%d", id, host, port)

	go t.readLoop(e)
	go t.writeLoop(e)
	return handed, id, nil
}

// readLoop forwards everything read from the table-owned half as TUNNEL_DATA,
// in read order. It runs until EOF, so bytes the application wrote before
// closing its half are still sent. Closing e.conn stops it early.
func (t *Table) readLoop(e *entry) {
	defer close(e.done)

	buf := make([]byte, t.bufSize)
	for {
		n, err := e.conn.Read(buf)

		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			pkt := protocol.NewData(t.req.NextRequestID(), e.id, payload)
			if sendErr := t.req.SendRequest(pkt, nil); sendErr != nil {
				err = sendErr
			} else {
				e.sent.Add(int64(n))
				util.Stats.AddSent(n)
			}
		}

		if err != nil {
			// Only the goroutine that removes the entry tears it down.
			if t.remove(e) {
				if errors.Is(err, io.EOF) {
					util.LogDebug("[tunnel %d] local side closed", e.id)
				} else {
					util.LogWarning("[tunnel %d] read error: %v", e.id, err)
				}
				e.stop()
				e.conn.SetWriteDeadline(time.Now().Add(drainTimeout))
				<-e.wdone
				e.conn.Close()
				t.released(e)
				t.sendClose(e.id, "Socket closed")
			}
			return
		}
	}
}

// writeLoop writes queued inbound payloads to the table-owned half. Once the
// tunnel leaves the table it flushes what is already queued and exits; the
// write deadline set by the closer bounds that flush.
func (t *Table) writeLoop(e *entry) {
	defer close(e.wdone)
	for {
		select {
		case data := <-e.inbox:
			if !t.deliver(e, data) {
				return
			}
		case <-e.quit:
			for {
				select {
				case data := <-e.inbox:
					if !t.deliver(e, data) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (t *Table) deliver(e *entry, data []byte) bool {
	if _, err := e.conn.Write(data); err != nil {
		util.LogDebug("[tunnel %d] dropped %d bytes: %v", e.id, len(data), err)
		return false
	}
	e.recvd.Add(int64(len(data)))
	util.Stats.AddRecv(len(data))
	return true
}

// DispatchIncoming applies a tunnel-addressed request from the peer. Data or
// close for an unknown tunnel is logged and dropped. Any other command is a
// protocol violation and is returned as an error wrapping ErrProtocolViolation.
func (t *Table) DispatchIncoming(pkt *protocol.Packet) error {
	switch pkt.CommandID {
	case protocol.CommandTunnelData:
		e := t.lookup(pkt.TunnelID)
		if e == nil {
			util.LogWarning("Received data for an unknown tunnel: %d", pkt.TunnelID)
			return nil
		}
		select {
		case <-e.quit:
			// Closed concurrently: the data is dropped.
			util.LogDebug("[tunnel %d] dropped %d bytes after close", e.id, len(pkt.Data))
		case e.inbox <- pkt.Data:
		default:
			// The application stopped reading. Only this tunnel pays for it.
			if t.remove(e) {
				util.LogWarning("[tunnel %d] application not reading, closing tunnel", e.id)
				go t.shutdown(e, true, "Receive queue full")
			}
		}
		return nil

	case protocol.CommandTunnelClose:
		if t.lookup(pkt.TunnelID) == nil {
			util.LogWarning("Received close for an unknown tunnel: %d", pkt.TunnelID)
			return nil
		}
		util.LogDebug("[tunnel %d] closed by peer: %s", pkt.TunnelID, pkt.Reason)
		if err := t.CloseTunnel(pkt.TunnelID, false); err != nil && !errors.Is(err, ErrUnknownTunnel) {
			return err
		}
		return nil

	case protocol.CommandPing, protocol.CommandTunnelConnect, protocol.CommandError:
		return fmt.Errorf("%w: %s addressed to tunnel %d", ErrProtocolViolation, pkt.CommandID, pkt.TunnelID)

	default:
		return fmt.Errorf("%w: unknown command %s", ErrProtocolViolation, pkt.CommandID)
	}
}

// CloseTunnel removes the tunnel. With notifyRemote the close is local: the
// caller half is closed, the reader sends whatever the application already
// wrote, and a fire-and-forget TUNNEL_CLOSE follows. Without it the peer has
// already closed: queued inbound data is still written to the application
// in the background and the tunnel is then torn down without notifying.
// Closing an absent tunnel is logged and reported as ErrUnknownTunnel.
func (t *Table) CloseTunnel(tunnelID uint32, notifyRemote bool) error {
	t.mu.Lock()
	e, ok := t.tunnels[tunnelID]
	if ok {
		delete(t.tunnels, tunnelID)
	}
	t.mu.Unlock()

	if !ok {
		util.LogDebug("Tried to close a tunnel that doesn't exist: tunnel %d", tunnelID)
		return fmt.Errorf("close tunnel %d: %w", tunnelID, ErrUnknownTunnel)
	}

	t.shutdown(e, notifyRemote, "Socket closed")
	return nil
}

// shutdown tears down an entry already removed from the table.
func (t *Table) shutdown(e *entry, notifyRemote bool, reason string) {
	e.stop()
	e.conn.SetWriteDeadline(time.Now().Add(drainTimeout))

	if !notifyRemote {
		go func() {
			<-e.wdone
			e.conn.Close()
			<-e.done
			t.released(e)
			util.LogDebug("[tunnel %d] closed by peer", e.id)
		}()
		return
	}

	e.handed.Close()
	select {
	case <-e.done:
	case <-time.After(drainTimeout):
		util.LogDebug("[tunnel %d] reader still busy after %s", e.id, drainTimeout)
	}
	e.conn.Close()
	<-e.wdone
	t.released(e)
	t.sendClose(e.id, reason)
	util.LogDebug("[tunnel %d] closed", e.id)
}

// Dial opens a tunnel and waits for the peer's answer. If ctx ends first the
// tunnel, should it still arrive, is closed.
func (t *Table) Dial(ctx context.Context, host string, port uint16) (net.Conn, uint32, error) {
	type result struct {
		conn net.Conn
		id   uint32
		err  error
	}
	ch := make(chan result, 1)

	var mu sync.Mutex
	abandoned := false

	err := t.OpenTunnel(host, port, func(conn net.Conn, id uint32, err error) {
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			if conn != nil {
				conn.Close()
			}
			return
		}
		ch <- result{conn, id, err}
	})
	if err != nil {
		return nil, 0, err
	}

	select {
	case r := <-ch:
		return r.conn, r.id, r.err
	case <-ctx.Done():
		mu.Lock()
		abandoned = true
		mu.Unlock()
		select {
		case r := <-ch:
			if r.conn != nil {
				r.conn.Close()
			}
		default:
		}
		return nil, 0, ctx.Err()
	}
}

// List returns the open tunnels ordered by id.
func (t *Table) List() []Info {
	t.mu.Lock()
	infos := make([]Info, 0, len(t.tunnels))
	for _, e := range t.tunnels {
		infos = append(infos, Info{
			ID:            e.id,
			Host:          e.host,
			Port:          e.port,
			Opened:        e.opened,
			BytesSent:     e.sent.Load(),
			BytesReceived: e.recvd.Load(),
		})
	}
	t.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Len returns the number of open tunnels.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tunnels)
}

// Close tears down every tunnel, notifying the peer, and refuses new ones.
func (t *Table) Close() {
	t.mu.Lock()
	t.closed = true
	ids := make([]uint32, 0, len(t.tunnels))
	for id := range t.tunnels {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.CloseTunnel(id, true)
	}
}

func (t *Table) lookup(id uint32) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tunnels[id]
}

// remove deletes e if it is still the entry registered under its id.
func (t *Table) remove(e *entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tunnels[e.id] != e {
		return false
	}
	delete(t.tunnels, e.id)
	return true
}

func (t *Table) released(e *entry) {
	e.release.Do(util.Stats.RemoveConn)
}

func (t *Table) sendClose(id uint32, reason string) {
	pkt := protocol.NewClose(t.req.NextRequestID(), id, reason)
	if err := t.req.SendRequest(pkt, nil); err != nil {
		util.LogWarning("[tunnel %d] failed to send close: %v", id, err)
	}
}
