// Package protocol defines the command packet format exchanged with the remote peer.
package protocol

import "fmt"

// CommandID identifies the kind of a command packet.
type CommandID uint16

// Command kinds. The set is closed: Decode rejects anything else.
const (
	CommandPing          CommandID = 0x0000
	CommandTunnelConnect CommandID = 0x1000
	CommandTunnelData    CommandID = 0x1001
	CommandTunnelClose   CommandID = 0x1002
	CommandError         CommandID = 0xFFFF
)

func (c CommandID) String() string {
	switch c {
	case CommandPing:
		return "PING"
	case CommandTunnelConnect:
		return "TUNNEL_CONNECT"
	case CommandTunnelData:
		return "TUNNEL_DATA"
	case CommandTunnelClose:
		return "TUNNEL_CLOSE"
	case CommandError:
		return "COMMAND_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04x)", uint16(c))
	}
}

// Known reports whether c is one of the defined command kinds.
func (c CommandID) Known() bool {
	switch c {
	case CommandPing, CommandTunnelConnect, CommandTunnelData, CommandTunnelClose, CommandError:
		return true
	}
	return false
}

// IsTunnel reports whether c addresses an existing tunnel.
func (c CommandID) IsTunnel() bool {
	return c == CommandTunnelData || c == CommandTunnelClose
}

// Status codes carried by COMMAND_ERROR.
const (
	StatusSuccess        uint16 = 0x0000
	StatusNotImplemented uint16 = 0x0001
	StatusBadRequest     uint16 = 0x0002
	StatusConnectFailed  uint16 = 0x0003
)

// HeaderSize is the fixed header size: Flags(1) + RequestID(4) + CommandID(2).
const HeaderSize = 7

const flagRequest uint8 = 0x01

// Packet is a single request or response exchanged over the command channel.
// Which body fields are meaningful depends on CommandID and IsRequest.
type Packet struct {
	IsRequest bool
	RequestID uint32
	CommandID CommandID

	TunnelID uint32 // TUNNEL_DATA, TUNNEL_CLOSE, TUNNEL_CONNECT response
	Options  uint32 // TUNNEL_CONNECT request
	Host     string // TUNNEL_CONNECT request
	Port     uint16 // TUNNEL_CONNECT request
	Data     []byte // TUNNEL_DATA, PING
	Reason   string // TUNNEL_CLOSE, COMMAND_ERROR
	Status   uint16 // COMMAND_ERROR
}

func (p *Packet) String() string {
	kind := "response"
	if p.IsRequest {
		kind = "request"
	}
	switch p.CommandID {
	case CommandTunnelConnect:
		if p.IsRequest {
			return fmt.Sprintf("%s %s #%d %s:%d", p.CommandID, kind, p.RequestID, p.Host, p.Port)
		}
		return fmt.Sprintf("%s %s #%d tunnel=%d", p.CommandID, kind, p.RequestID, p.TunnelID)
	case CommandTunnelData:
		return fmt.Sprintf("%s %s #%d tunnel=%d len=%d", p.CommandID, kind, p.RequestID, p.TunnelID, len(p.Data))
	case CommandTunnelClose:
		return fmt.Sprintf("%s %s #%d tunnel=%d reason=%q", p.CommandID, kind, p.RequestID, p.TunnelID, p.Reason)
	case CommandError:
		return fmt.Sprintf("%s #%d status=0x%04x reason=%q", p.CommandID, p.RequestID, p.Status, p.Reason)
	default:
		return fmt.Sprintf("%s %s #%d", p.CommandID, kind, p.RequestID)
	}
}

// NewConnect builds a TUNNEL_CONNECT request.
func NewConnect(requestID uint32, host string, port uint16) *Packet {
	return &Packet{IsRequest: true, RequestID: requestID, CommandID: CommandTunnelConnect, Host: host, Port: port}
}

// NewData builds a TUNNEL_DATA request.
func NewData(requestID, tunnelID uint32, data []byte) *Packet {
	return &Packet{IsRequest: true, RequestID: requestID, CommandID: CommandTunnelData, TunnelID: tunnelID, Data: data}
}

// NewClose builds a TUNNEL_CLOSE request.
func NewClose(requestID, tunnelID uint32, reason string) *Packet {
	return &Packet{IsRequest: true, RequestID: requestID, CommandID: CommandTunnelClose, TunnelID: tunnelID, Reason: reason}
}

// NewError builds a COMMAND_ERROR response to the given request.
func NewError(requestID uint32, status uint16, reason string) *Packet {
	return &Packet{RequestID: requestID, CommandID: CommandError, Status: status, Reason: reason}
}
