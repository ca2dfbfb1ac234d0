package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformed is wrapped by every Decode failure.
var ErrMalformed = errors.New("malformed packet")

// Encode serializes a Packet into its wire representation.
func Encode(pkt *Packet) ([]byte, error) {
	buf := make([]byte, HeaderSize, HeaderSize+16+len(pkt.Data)+len(pkt.Host)+len(pkt.Reason))
	if pkt.IsRequest {
		buf[0] = flagRequest
	}
	binary.BigEndian.PutUint32(buf[1:5], pkt.RequestID)
	binary.BigEndian.PutUint16(buf[5:7], uint16(pkt.CommandID))

	var err error
	switch pkt.CommandID {
	case CommandPing:
		buf, err = appendString(buf, string(pkt.Data))
	case CommandTunnelConnect:
		if pkt.IsRequest {
			buf = binary.BigEndian.AppendUint32(buf, pkt.Options)
			buf = binary.BigEndian.AppendUint16(buf, pkt.Port)
			buf, err = appendString(buf, pkt.Host)
		} else {
			buf = binary.BigEndian.AppendUint32(buf, pkt.TunnelID)
		}
	case CommandTunnelData:
		buf = binary.BigEndian.AppendUint32(buf, pkt.TunnelID)
		buf = append(buf, pkt.Data...)
	case CommandTunnelClose:
		buf = binary.BigEndian.AppendUint32(buf, pkt.TunnelID)
		buf, err = appendString(buf, pkt.Reason)
	case CommandError:
		if pkt.IsRequest {
			return nil, fmt.Errorf("%s cannot be sent as a request", pkt.CommandID)
		}
		buf = binary.BigEndian.AppendUint16(buf, pkt.Status)
		buf, err = appendString(buf, pkt.Reason)
	default:
		return nil, fmt.Errorf("cannot encode %s", pkt.CommandID)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", pkt.CommandID, err)
	}
	return buf, nil
}

// Decode deserializes a wire packet. A packet whose body lacks the fields
// required for its command kind is rejected.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: too short: %d bytes (need at least %d)", ErrMalformed, len(data), HeaderSize)
	}
	pkt := &Packet{
		IsRequest: data[0]&flagRequest != 0,
		RequestID: binary.BigEndian.Uint32(data[1:5]),
		CommandID: CommandID(binary.BigEndian.Uint16(data[5:7])),
	}
	r := reader{buf: data[HeaderSize:]}

	switch pkt.CommandID {
	case CommandPing:
		// An empty payload decodes as nil, matching NewData.
		if s, ok := r.str(); ok && s != "" {
			pkt.Data = []byte(s)
		}
	case CommandTunnelConnect:
		if pkt.IsRequest {
			pkt.Options, _ = r.u32()
			pkt.Port, _ = r.u16()
			pkt.Host, _ = r.str()
		} else {
			pkt.TunnelID, _ = r.u32()
		}
	case CommandTunnelData:
		pkt.TunnelID, _ = r.u32()
		if !r.failed && len(r.buf) > 0 {
			pkt.Data = make([]byte, len(r.buf))
			copy(pkt.Data, r.buf)
		}
		r.buf = nil
	case CommandTunnelClose:
		pkt.TunnelID, _ = r.u32()
		pkt.Reason, _ = r.str()
	case CommandError:
		if pkt.IsRequest {
			return nil, fmt.Errorf("%w: %s sent as a request", ErrMalformed, pkt.CommandID)
		}
		pkt.Status, _ = r.u16()
		pkt.Reason, _ = r.str()
	default:
		return nil, fmt.Errorf("%w: unknown command 0x%04x", ErrMalformed, uint16(pkt.CommandID))
	}

	if r.failed {
		return nil, fmt.Errorf("%w: truncated %s", ErrMalformed, pkt.CommandID)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s", ErrMalformed, len(r.buf), pkt.CommandID)
	}
	return pkt, nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("string field too long: %d bytes", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// reader consumes fields from a body and remembers the first short read.
type reader struct {
	buf    []byte
	failed bool
}

func (r *reader) take(n int) ([]byte, bool) {
	if r.failed || len(r.buf) < n {
		r.failed = true
		return nil, false
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b, true
}

func (r *reader) u16() (uint16, bool) {
	b, ok := r.take(2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(b), true
}

func (r *reader) u32() (uint32, bool) {
	b, ok := r.take(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}

func (r *reader) str() (string, bool) {
	n, ok := r.u16()
	if !ok {
		return "", false
	}
	b, ok := r.take(int(n))
	if !ok {
		return "", false
	}
	return string(b), true
}
