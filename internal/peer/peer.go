// Package peer implements the remote end of the command channel: it dials
// targets on TUNNEL_CONNECT and bridges their bytes back as TUNNEL_DATA.
package peer

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/tunnelctl/internal/command"
	"github.com/1ureka/tunnelctl/internal/protocol"
	"github.com/1ureka/tunnelctl/internal/util"
)

// DialFunc opens a connection to a tunnel target.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options tune a Peer.
type Options struct {
	DialTimeout time.Duration // default 10s
	BufferSize  int           // default 16 KiB
	Dial        DialFunc      // default net.Dialer
}

// Peer serves one controller.
type Peer struct {
	corr    *command.Correlator
	sender  command.Sender
	opts    Options
	tunnels atomic.Uint32

	mu     sync.Mutex
	conns  map[uint32]net.Conn
	closed bool
}

// New creates a peer answering through sender.
func New(sender command.Sender, opts Options) *Peer {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 16 * 1024
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}
	return &Peer{
		corr:   command.NewCorrelator(sender, command.NewIDGen()),
		sender: sender,
		opts:   opts,
		conns:  make(map[uint32]net.Conn),
	}
}

// Handle processes one packet from the controller. Unknown commands are
// answered with COMMAND_ERROR.
func (p *Peer) Handle(pkt *protocol.Packet) error {
	if !pkt.IsRequest {
		if !p.corr.HandleResponse(pkt) {
			util.LogDebug("Ignoring response %s", pkt)
		}
		return nil
	}

	switch pkt.CommandID {
	case protocol.CommandPing:
		return p.sender.Send(&protocol.Packet{RequestID: pkt.RequestID, CommandID: protocol.CommandPing, Data: pkt.Data})

	case protocol.CommandTunnelConnect:
		go p.connect(pkt)
		return nil

	case protocol.CommandTunnelData:
		conn := p.lookup(pkt.TunnelID)
		if conn == nil {
			util.LogDebug("[tunnel %d] data for unknown tunnel dropped", pkt.TunnelID)
			return nil
		}
		if _, err := conn.Write(pkt.Data); err != nil {
			util.LogDebug("[tunnel %d] write failed: %v", pkt.TunnelID, err)
			if p.remove(pkt.TunnelID, conn) {
				conn.Close()
				p.sendClose(pkt.TunnelID, "Write failed")
			}
			return nil
		}
		util.Stats.AddRecv(len(pkt.Data))
		return nil

	case protocol.CommandTunnelClose:
		if conn := p.lookup(pkt.TunnelID); conn != nil && p.remove(pkt.TunnelID, conn) {
			util.LogDebug("[tunnel %d] closed by controller: %s", pkt.TunnelID, pkt.Reason)
			conn.Close()
		}
		return nil

	default:
		return p.sender.Send(protocol.NewError(pkt.RequestID, protocol.StatusNotImplemented, "Unknown command: "+pkt.CommandID.String()))
	}
}

func (p *Peer) connect(req *protocol.Packet) {
	addr := net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port)))
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.DialTimeout)
	conn, err := p.opts.Dial(ctx, "tcp", addr)
	cancel()
	if err != nil {
		util.LogWarning("Connect to %s failed: %v", addr, err)
		if sendErr := p.sender.Send(protocol.NewError(req.RequestID, protocol.StatusConnectFailed, err.Error())); sendErr != nil {
			util.LogWarning("Couldn't report connect failure: %v", sendErr)
		}
		return
	}

	id := p.tunnels.Add(1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		p.sender.Send(protocol.NewError(req.RequestID, protocol.StatusConnectFailed, "Peer shutting down"))
		return
	}
	p.conns[id] = conn
	p.mu.Unlock()

	// Registered before answering so data following the response finds it.
	resp := &protocol.Packet{RequestID: req.RequestID, CommandID: protocol.CommandTunnelConnect, TunnelID: id}
	if err := p.sender.Send(resp); err != nil {
		util.LogWarning("[tunnel %d] couldn't answer connect: %v", id, err)
		p.remove(id, conn)
		conn.Close()
		return
	}
	util.LogInfo("[tunnel %d] connected to %s", id, addr)
	util.Stats.AddConn()

	go p.readLoop(id, conn)
}

func (p *Peer) readLoop(id uint32, conn net.Conn) {
	defer util.Stats.RemoveConn()

	buf := make([]byte, p.opts.BufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if sendErr := p.corr.SendRequest(protocol.NewData(p.corr.NextRequestID(), id, data), nil); sendErr != nil {
				err = sendErr
			} else {
				util.Stats.AddSent(n)
			}
		}
		if err != nil {
			if p.remove(id, conn) {
				if !errors.Is(err, io.EOF) {
					util.LogDebug("[tunnel %d] read error: %v", id, err)
				}
				conn.Close()
				p.sendClose(id, "Socket closed")
			}
			return
		}
	}
}

// Len returns the number of open tunnels.
func (p *Peer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close drops every tunnel without notifying the controller.
func (p *Peer) Close() {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[uint32]net.Conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	p.corr.Abandon()
}

func (p *Peer) lookup(id uint32) net.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[id]
}

func (p *Peer) remove(id uint32, conn net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[id] != conn {
		return false
	}
	delete(p.conns, id)
	return true
}

func (p *Peer) sendClose(id uint32, reason string) {
	if err := p.corr.SendRequest(protocol.NewClose(p.corr.NextRequestID(), id, reason), nil); err != nil {
		util.LogDebug("[tunnel %d] couldn't send close: %v", id, err)
	}
}
