package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tunnelctl/internal/util"
)

// DefaultSTUN is used when no STUN servers are configured.
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type signalType string

const (
	signalOffer     signalType = "offer"
	signalAnswer    signalType = "answer"
	signalCandidate signalType = "candidate"
)

// signal is the JSON exchanged over the WebSocket while negotiating.
type signal struct {
	Type      signalType `json:"type"`
	SDP       string     `json:"sdp,omitempty"`
	Candidate string     `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

func newPeerConnection(stun []string) (*webrtc.PeerConnection, error) {
	if len(stun) == 0 {
		stun = DefaultSTUN
	}
	return webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: stun}},
	})
}

// newDataChannel creates the pre-negotiated command channel. It must be
// ordered: tunnel data relies on arriving in send order.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)
	return pc.CreateDataChannel("command", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// negotiation runs the SDP/ICE exchange for one side.
type negotiation struct {
	ws *websocket.Conn
	pc *webrtc.PeerConnection
	mu sync.Mutex
}

func (n *negotiation) send(msg signal) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ws.WriteJSON(msg)
}

// trickle forwards local ICE candidates as they are gathered.
func (n *negotiation) trickle() {
	n.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// Best effort: the socket may already be gone once the channel opened.
		n.send(signal{Type: signalCandidate, Candidate: string(data)})
	})
}

// watch applies remote signals until the socket fails.
func (n *negotiation) watch() error {
	for {
		var msg signal
		if err := n.ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read signal: %w", err)
		}

		switch msg.Type {
		case signalOffer:
			if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
				return fmt.Errorf("apply offer: %w", err)
			}
			answer, err := n.pc.CreateAnswer(nil)
			if err != nil {
				return fmt.Errorf("create answer: %w", err)
			}
			if err := n.pc.SetLocalDescription(answer); err != nil {
				return fmt.Errorf("set answer: %w", err)
			}
			if err := n.send(signal{Type: signalAnswer, SDP: answer.SDP}); err != nil {
				return fmt.Errorf("send answer: %w", err)
			}

		case signalAnswer:
			if err := n.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
				return fmt.Errorf("apply answer: %w", err)
			}

		case signalCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("parse ICE candidate: %w", err)
			}
			if err := n.pc.AddICECandidate(init); err != nil {
				return fmt.Errorf("add ICE candidate: %w", err)
			}
		}
	}
}

// Offer negotiates a DataChannel as the offering side over ws and returns it
// once open. The caller closes ws afterwards.
func Offer(ctx context.Context, ws *websocket.Conn, stun []string) (*DataChannel, error) {
	return establish(ctx, ws, stun, true)
}

// Answer negotiates a DataChannel as the answering side over ws.
func Answer(ctx context.Context, ws *websocket.Conn, stun []string) (*DataChannel, error) {
	return establish(ctx, ws, stun, false)
}

func establish(ctx context.Context, ws *websocket.Conn, stun []string, offer bool) (*DataChannel, error) {
	pc, err := newPeerConnection(stun)
	if err != nil {
		return nil, fmt.Errorf("create PeerConnection: %w", err)
	}
	raw, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create DataChannel: %w", err)
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state)
	})

	dc := NewDataChannel(raw, pc.Close)
	n := &negotiation{ws: ws, pc: pc}
	n.trickle()

	errCh := make(chan error, 1)
	go func() {
		errCh <- n.watch() // ends when the caller closes ws
	}()

	if offer {
		sdp, err := pc.CreateOffer(nil)
		if err != nil {
			dc.Close()
			return nil, fmt.Errorf("create offer: %w", err)
		}
		if err := pc.SetLocalDescription(sdp); err != nil {
			dc.Close()
			return nil, fmt.Errorf("set offer: %w", err)
		}
		if err := n.send(signal{Type: signalOffer, SDP: sdp.SDP}); err != nil {
			dc.Close()
			return nil, fmt.Errorf("send offer: %w", err)
		}
	}

	select {
	case <-dc.Ready():
		util.LogInfo("WebRTC DataChannel established")
		return dc, nil
	case err := <-errCh:
		dc.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)
	case <-ctx.Done():
		dc.Close()
		return nil, ctx.Err()
	}
}
