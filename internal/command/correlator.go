// Package command correlates requests sent over the command channel with the
// responses the remote peer eventually delivers.
package command

import (
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/tunnelctl/internal/protocol"
)

// ErrDuplicateRequest is returned when a request id is already awaiting a response.
var ErrDuplicateRequest = errors.New("request id already pending")

// Sender hands a packet to the underlying command channel for delivery.
// How the packet reaches the peer is the implementation's business.
type Sender interface {
	Send(pkt *protocol.Packet) error
}

// SenderFunc adapts a plain function to Sender.
type SenderFunc func(pkt *protocol.Packet) error

func (f SenderFunc) Send(pkt *protocol.Packet) error { return f(pkt) }

// ResponseFunc is invoked once with the original request and its response.
// A nil ResponseFunc marks a fire-and-forget request.
type ResponseFunc func(request, response *protocol.Packet)

type pendingRequest struct {
	request    *protocol.Packet
	onResponse ResponseFunc
}

// Correlator sends requests through a Sender and routes responses back to the
// callback registered for their request id. If the channel never delivers a
// response the callback never fires; liveness is the channel's concern.
type Correlator struct {
	sender Sender
	ids    *IDGen

	mu      sync.Mutex
	pending map[uint32]pendingRequest
}

// NewCorrelator creates a correlator over sender. A nil ids uses the
// process-wide RequestIDs generator.
func NewCorrelator(sender Sender, ids *IDGen) *Correlator {
	if ids == nil {
		ids = RequestIDs
	}
	return &Correlator{
		sender:  sender,
		ids:     ids,
		pending: make(map[uint32]pendingRequest),
	}
}

// NextRequestID returns a fresh request id.
func (c *Correlator) NextRequestID() uint32 {
	return c.ids.Next()
}

// SendRequest delivers pkt to the channel. When onResponse is non-nil it is
// registered under pkt.RequestID before the packet leaves, so a fast response
// cannot overtake the registration.
func (c *Correlator) SendRequest(pkt *protocol.Packet, onResponse ResponseFunc) error {
	if !pkt.IsRequest {
		return fmt.Errorf("send %s: not a request", pkt.CommandID)
	}

	if onResponse != nil {
		c.mu.Lock()
		if _, exists := c.pending[pkt.RequestID]; exists {
			c.mu.Unlock()
			return fmt.Errorf("send %s #%d: %w", pkt.CommandID, pkt.RequestID, ErrDuplicateRequest)
		}
		c.pending[pkt.RequestID] = pendingRequest{request: pkt, onResponse: onResponse}
		c.mu.Unlock()
	}

	if err := c.sender.Send(pkt); err != nil {
		if onResponse != nil {
			c.mu.Lock()
			delete(c.pending, pkt.RequestID)
			c.mu.Unlock()
		}
		return fmt.Errorf("send %s #%d: %w", pkt.CommandID, pkt.RequestID, err)
	}
	return nil
}

// HandleResponse delivers a response to its waiting callback. It returns false
// if nothing was waiting for pkt.RequestID. The callback runs on the caller's
// goroutine and is removed before it runs, so it fires at most once.
func (c *Correlator) HandleResponse(pkt *protocol.Packet) bool {
	c.mu.Lock()
	p, ok := c.pending[pkt.RequestID]
	if ok {
		delete(c.pending, pkt.RequestID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.onResponse(p.request, pkt)
	return true
}

// Pending returns the number of requests still awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Abandon forgets every outstanding request; their callbacks never fire.
func (c *Correlator) Abandon() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	c.pending = make(map[uint32]pendingRequest)
	return n
}
