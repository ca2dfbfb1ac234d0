// Package channel carries encoded command packets between the controller
// and a peer. One message on the underlying transport holds exactly one
// packet, and messages are delivered in the order they were sent.
package channel

import (
	"errors"

	"github.com/1ureka/tunnelctl/internal/protocol"
)

var ErrClosed = errors.New("channel closed")

// Handler consumes one inbound packet. Returning an error ends Serve.
type Handler func(pkt *protocol.Packet) error

// Carrier is a bidirectional packet channel.
type Carrier interface {
	// Send encodes and transmits pkt. Safe for concurrent use.
	Send(pkt *protocol.Packet) error
	// Serve delivers inbound packets to handle, one at a time and in order,
	// until the channel closes or handle returns an error.
	Serve(handle Handler) error
	Close() error
	Done() <-chan struct{}
	String() string
}
