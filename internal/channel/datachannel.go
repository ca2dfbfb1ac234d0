package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tunnelctl/internal/protocol"
	"github.com/1ureka/tunnelctl/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing packet channel capacity
)

// rawChannel is the part of *webrtc.DataChannel the carrier uses.
type rawChannel interface {
	Send(data []byte) error
	OnMessage(f func(msg webrtc.DataChannelMessage))
	OnOpen(f func())
	OnClose(f func())
	ReadyState() webrtc.DataChannelState
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
	Close() error
}

var _ rawChannel = (*webrtc.DataChannel)(nil)

// DataChannel is a Carrier over an ordered WebRTC DataChannel. A single
// writer goroutine serializes sends and pauses while the SCTP buffer is above
// the high-water mark.
type DataChannel struct {
	raw     rawChannel
	closeFn func() error // closes whatever owns raw (e.g. the PeerConnection)

	inbox       chan []byte
	drainSignal chan struct{}
	openSignal  chan struct{}
	openOnce    sync.Once
	closeOnce   sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	sendErr error
}

// NewDataChannel wraps raw. closeFn, if non-nil, runs on Close after the
// channel itself is closed.
func NewDataChannel(raw rawChannel, closeFn func() error) *DataChannel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &DataChannel{
		raw:         raw,
		closeFn:     closeFn,
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		openSignal:  make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}

	raw.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	raw.OnBufferedAmountLow(func() {
		select {
		case c.drainSignal <- struct{}{}:
		default:
		}
	})
	raw.OnOpen(c.markOpen)
	raw.OnClose(func() {
		util.LogInfo("DataChannel closed")
		cancel()
	})
	if raw.ReadyState() == webrtc.DataChannelStateOpen {
		c.markOpen()
	}

	go c.loop()
	return c
}

func (c *DataChannel) markOpen() {
	c.openOnce.Do(func() { close(c.openSignal) })
}

func (c *DataChannel) String() string { return "datachannel" }

// Ready is closed once the DataChannel is open.
func (c *DataChannel) Ready() <-chan struct{} { return c.openSignal }

// Done is closed when the channel is shut down.
func (c *DataChannel) Done() <-chan struct{} { return c.ctx.Done() }

// Send queues pkt for the writer. It blocks while the queue is full.
func (c *DataChannel) Send(pkt *protocol.Packet) error {
	data, err := protocol.Encode(pkt)
	if err != nil {
		return err
	}

	c.mu.Lock()
	sendErr := c.sendErr
	c.mu.Unlock()
	if sendErr != nil {
		return sendErr
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}

	select {
	case c.inbox <- data:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	}
}

// loop is the single writer. It waits for the channel to open, then drains
// the inbox with backpressure.
func (c *DataChannel) loop() {
	select {
	case <-c.openSignal:
	case <-c.ctx.Done():
		return
	}

	for {
		select {
		case data := <-c.inbox:
			if c.raw.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-c.drainSignal:
				case <-c.ctx.Done():
					return
				}
			}
			if err := c.raw.Send(data); err != nil {
				util.LogError("DataChannel send failed: %v", err)
				c.mu.Lock()
				c.sendErr = fmt.Errorf("datachannel: %w", err)
				c.mu.Unlock()
				c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Serve delivers inbound messages to handle until the channel closes or
// handle fails. Messages arrive on the WebRTC stack's goroutine, so handle
// runs there.
func (c *DataChannel) Serve(handle Handler) error {
	var (
		mu       sync.Mutex
		serveErr error
	)
	fail := func(err error) {
		mu.Lock()
		if serveErr == nil {
			serveErr = err
		}
		mu.Unlock()
		c.Close()
	}

	c.raw.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		if msg.IsString {
			util.LogDebug("DataChannel: ignoring text message")
			return
		}
		pkt, err := protocol.Decode(msg.Data)
		if err != nil {
			fail(fmt.Errorf("datachannel: %w", err))
			return
		}
		if err := handle(pkt); err != nil {
			fail(err)
		}
	})

	<-c.ctx.Done()
	mu.Lock()
	defer mu.Unlock()
	return serveErr
}

// Close shuts the DataChannel and its owner, then marks the carrier done.
// It is idempotent.
func (c *DataChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.raw.Close()
		if c.closeFn != nil {
			err = errors.Join(err, c.closeFn())
		}
		c.cancel()
	})
	return err
}
