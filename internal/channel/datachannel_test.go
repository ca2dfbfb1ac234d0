package channel

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tunnelctl/internal/protocol"
)

// fakeRaw records sends and lets the test drive the DataChannel callbacks.
type fakeRaw struct {
	mu        sync.Mutex
	sent      [][]byte
	buffered  uint64
	state     webrtc.DataChannelState
	onMessage func(webrtc.DataChannelMessage)
	onOpen    func()
	onClose   func()
	onLow     func()
	closed    bool
	sendErr   error
}

func (f *fakeRaw) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeRaw) OnMessage(fn func(webrtc.DataChannelMessage)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}
func (f *fakeRaw) OnOpen(fn func())  { f.onOpen = fn }
func (f *fakeRaw) OnClose(fn func()) { f.onClose = fn }
func (f *fakeRaw) ReadyState() webrtc.DataChannelState {
	return f.state
}
func (f *fakeRaw) BufferedAmount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered
}
func (f *fakeRaw) SetBufferedAmountLowThreshold(uint64) {}
func (f *fakeRaw) OnBufferedAmountLow(fn func())        { f.onLow = fn }
func (f *fakeRaw) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRaw) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeRaw) deliver(data []byte) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	fn(webrtc.DataChannelMessage{Data: data})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDataChannelWaitsForOpen(t *testing.T) {
	raw := &fakeRaw{state: webrtc.DataChannelStateConnecting}
	dc := NewDataChannel(raw, nil)
	defer dc.Close()

	for i := uint32(1); i <= 3; i++ {
		if err := dc.Send(protocol.NewData(i, 1, []byte{byte(i)})); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if n := raw.sentCount(); n != 0 {
		t.Fatalf("%d packets sent before open", n)
	}

	raw.onOpen()
	waitFor(t, "queued packets", func() bool { return raw.sentCount() == 3 })

	raw.mu.Lock()
	defer raw.mu.Unlock()
	for i, data := range raw.sent {
		pkt, err := protocol.Decode(data)
		if err != nil {
			t.Fatal(err)
		}
		if pkt.RequestID != uint32(i+1) {
			t.Errorf("packet %d has request id %d; order lost", i, pkt.RequestID)
		}
	}
}

func TestDataChannelBackpressure(t *testing.T) {
	raw := &fakeRaw{state: webrtc.DataChannelStateOpen, buffered: highWaterMark + 1}
	dc := NewDataChannel(raw, nil)
	defer dc.Close()

	dc.Send(protocol.NewData(1, 1, []byte("held")))
	time.Sleep(20 * time.Millisecond)
	if n := raw.sentCount(); n != 0 {
		t.Fatalf("sent %d packets above the high-water mark", n)
	}

	raw.mu.Lock()
	raw.buffered = 0
	raw.mu.Unlock()
	raw.onLow()
	waitFor(t, "drain", func() bool { return raw.sentCount() == 1 })
}

func TestDataChannelServe(t *testing.T) {
	raw := &fakeRaw{state: webrtc.DataChannelStateOpen}
	closedOwner := false
	dc := NewDataChannel(raw, func() error { closedOwner = true; return nil })

	got := make(chan *protocol.Packet, 1)
	served := make(chan error, 1)
	go func() {
		served <- dc.Serve(func(pkt *protocol.Packet) error {
			got <- pkt
			return nil
		})
	}()
	waitFor(t, "OnMessage registration", func() bool {
		raw.mu.Lock()
		defer raw.mu.Unlock()
		return raw.onMessage != nil
	})

	data, _ := protocol.Encode(protocol.NewClose(5, 9, "bye"))
	raw.deliver(data)
	if pkt := <-got; pkt.TunnelID != 9 || pkt.Reason != "bye" {
		t.Errorf("delivered %s", pkt)
	}

	// A malformed message closes the channel and ends Serve with an error.
	raw.deliver([]byte{0xff})
	select {
	case err := <-served:
		if !errors.Is(err, protocol.ErrMalformed) {
			t.Errorf("Serve = %v; want ErrMalformed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve still running")
	}
	if !closedOwner {
		t.Error("owner not closed")
	}
	if err := dc.Send(protocol.NewData(6, 9, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close = %v; want ErrClosed", err)
	}
}

func TestDataChannelSendFailure(t *testing.T) {
	boom := errors.New("sctp gone")
	raw := &fakeRaw{state: webrtc.DataChannelStateOpen, sendErr: boom}
	dc := NewDataChannel(raw, nil)

	dc.Send(protocol.NewData(1, 1, []byte("x")))
	select {
	case <-dc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("channel still open after a send failure")
	}
}
