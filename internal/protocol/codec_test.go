package protocol_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/1ureka/tunnelctl/internal/protocol"
)

// TestEncodeDecodeRoundTrip verifies that encode → decode → encode yields the
// same fields and the same bytes for every packet kind.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pkt  *protocol.Packet
	}{
		{"ping request", &protocol.Packet{IsRequest: true, RequestID: 1, CommandID: protocol.CommandPing, Data: []byte("are you there")}},
		{"ping response", &protocol.Packet{RequestID: 1, CommandID: protocol.CommandPing, Data: []byte("are you there")}},
		{"ping without payload", &protocol.Packet{IsRequest: true, RequestID: 1, CommandID: protocol.CommandPing}},
		{"connect request", protocol.NewConnect(2, "example.org", 80)},
		{"connect response", &protocol.Packet{RequestID: 2, CommandID: protocol.CommandTunnelConnect, TunnelID: 7}},
		{"data with payload", protocol.NewData(3, 7, []byte("hello world"))},
		{"data without payload", protocol.NewData(4, 7, nil)},
		{"close", protocol.NewClose(5, 7, "Socket closed")},
		{"close without reason", protocol.NewClose(6, 7, "")},
		{"error", protocol.NewError(2, protocol.StatusConnectFailed, "connection refused")},
		{"max ids", protocol.NewData(0xFFFFFFFF, 0xFFFFFFFF, []byte{0})},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := protocol.Encode(tc.pkt)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, err := protocol.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if decoded.IsRequest != tc.pkt.IsRequest {
				t.Errorf("IsRequest mismatch: got %v, want %v", decoded.IsRequest, tc.pkt.IsRequest)
			}
			if decoded.RequestID != tc.pkt.RequestID {
				t.Errorf("RequestID mismatch: got %d, want %d", decoded.RequestID, tc.pkt.RequestID)
			}
			if decoded.CommandID != tc.pkt.CommandID {
				t.Errorf("CommandID mismatch: got %s, want %s", decoded.CommandID, tc.pkt.CommandID)
			}
			if decoded.TunnelID != tc.pkt.TunnelID {
				t.Errorf("TunnelID mismatch: got %d, want %d", decoded.TunnelID, tc.pkt.TunnelID)
			}
			if decoded.Host != tc.pkt.Host || decoded.Port != tc.pkt.Port {
				t.Errorf("address mismatch: got %s:%d, want %s:%d", decoded.Host, decoded.Port, tc.pkt.Host, tc.pkt.Port)
			}
			if decoded.Reason != tc.pkt.Reason || decoded.Status != tc.pkt.Status {
				t.Errorf("reason mismatch: got %q/%d, want %q/%d", decoded.Reason, decoded.Status, tc.pkt.Reason, tc.pkt.Status)
			}
			if !bytes.Equal(decoded.Data, tc.pkt.Data) || (decoded.Data == nil) != (tc.pkt.Data == nil) {
				t.Errorf("Data mismatch: got %#v, want %#v", decoded.Data, tc.pkt.Data)
			}

			reencoded, err := protocol.Encode(decoded)
			if err != nil {
				t.Fatalf("re-Encode failed: %v", err)
			}
			if !bytes.Equal(encoded, reencoded) {
				t.Errorf("re-encoded bytes differ:\n got %x\nwant %x", reencoded, encoded)
			}
		})
	}
}

// TestDecodeRejectsMalformed verifies structural validation of incoming packets.
func TestDecodeRejectsMalformed(t *testing.T) {
	valid := func(pkt *protocol.Packet) []byte {
		b, err := protocol.Encode(pkt)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		return b
	}

	connectResp := valid(&protocol.Packet{RequestID: 9, CommandID: protocol.CommandTunnelConnect, TunnelID: 3})
	errorResp := valid(protocol.NewError(9, protocol.StatusConnectFailed, "refused"))
	closeReq := valid(protocol.NewClose(9, 3, "bye"))

	errorAsRequest := append([]byte(nil), errorResp...)
	errorAsRequest[0] = 0x01

	unknown := valid(protocol.NewData(1, 1, nil))
	unknown[5], unknown[6] = 0x0B, 0xAD

	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"one byte short of header", make([]byte, protocol.HeaderSize-1)},
		{"connect response without tunnel id", connectResp[:protocol.HeaderSize+2]},
		{"connect response with trailing bytes", append(append([]byte(nil), connectResp...), 0xFF)},
		{"error without reason", errorResp[:protocol.HeaderSize+2]},
		{"error as request", errorAsRequest},
		{"close with truncated reason", closeReq[:len(closeReq)-1]},
		{"data without tunnel id", valid(protocol.NewData(1, 1, nil))[:protocol.HeaderSize+3]},
		{"unknown command", unknown},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := protocol.Decode(tc.data)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !errors.Is(err, protocol.ErrMalformed) {
				t.Errorf("error %v does not wrap ErrMalformed", err)
			}
		})
	}
}

// TestDecodeExactHeaderSize verifies the header layout of a body-less packet.
func TestDecodeExactHeaderSize(t *testing.T) {
	encoded, err := protocol.Encode(&protocol.Packet{IsRequest: true, RequestID: 0x01020304, CommandID: protocol.CommandTunnelData, TunnelID: 5})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(encoded) != protocol.HeaderSize+4 {
		t.Fatalf("Expected encoded size %d, got %d", protocol.HeaderSize+4, len(encoded))
	}
	want := []byte{0x01, 0x01, 0x02, 0x03, 0x04, 0x10, 0x01, 0x00, 0x00, 0x00, 0x05}
	if !bytes.Equal(encoded, want) {
		t.Errorf("header mismatch: got %x, want %x", encoded, want)
	}
}

// TestEncodeRejectsInvalid verifies fields that cannot be represented.
func TestEncodeRejectsInvalid(t *testing.T) {
	testCases := []struct {
		name string
		pkt  *protocol.Packet
	}{
		{"host too long", protocol.NewConnect(1, strings.Repeat("a", 70000), 80)},
		{"error as request", &protocol.Packet{IsRequest: true, CommandID: protocol.CommandError}},
		{"unknown command", &protocol.Packet{CommandID: 0x4242}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := protocol.Encode(tc.pkt); err == nil {
				t.Fatal("Expected error, got nil")
			}
		})
	}
}

// TestEncodeLargePayload verifies that large DATA payloads survive intact.
func TestEncodeLargePayload(t *testing.T) {
	for _, size := range []int{1024, 16 * 1024, 256 * 1024} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i % 256)
			}
			encoded, err := protocol.Encode(protocol.NewData(1, 2, payload))
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			decoded, err := protocol.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if !bytes.Equal(decoded.Data, payload) {
				t.Errorf("Payload mismatch for size %d", size)
			}
		})
	}
}

// TestDecodePreservesPayload verifies that the payload is copied, not aliased
// to the input buffer.
func TestDecodePreservesPayload(t *testing.T) {
	encoded, err := protocol.Encode(protocol.NewData(10, 1, []byte("original")))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := protocol.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	encoded[len(encoded)-1] = 0xFF

	if !bytes.Equal(decoded.Data, []byte("original")) {
		t.Errorf("Payload was incorrectly aliased: got %v", decoded.Data)
	}
}

func TestCommandIDString(t *testing.T) {
	if got := protocol.CommandTunnelConnect.String(); got != "TUNNEL_CONNECT" {
		t.Errorf("String() = %s; want TUNNEL_CONNECT", got)
	}
	if got := protocol.CommandID(0x4242).String(); got != "UNKNOWN(0x4242)" {
		t.Errorf("String() = %s; want UNKNOWN(0x4242)", got)
	}
	if protocol.CommandID(0x4242).Known() {
		t.Error("0x4242 reported as known")
	}
}
