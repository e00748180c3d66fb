// Package wire implements the relay forwarder-frame framing protocol: a
// 1-byte type tag followed by a variant-specific body, parsed/built
// without ever looking past the declared variant boundaries.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotParseable is returned for any malformed or truncated wire frame:
// bad length bounds, unknown tag, or a body that violates its variant's
// min/max length.
var ErrNotParseable = errors.New("wire: not parseable")

// Kind is the 1-byte forwarder-frame type tag.
type Kind byte

const (
	KindKeepalive Kind = 0x00
	KindIPv4      Kind = 0x01
	KindPing      Kind = 0x02
	KindIPv4Frag  Kind = 0x03 // reserved: parsed, never built by this core
	KindAuthMe    Kind = 0x04
	KindInfo      Kind = 0x10
)

const (
	minFrameLen = 1
	maxFrameLen = 2048

	minIPv4Body = 20
	maxIPv4Body = 2047
	pingBodyLen = 4
)

// Frame is a parsed forwarder frame. Body is nil for no-body kinds
// (Keepalive, AuthMe, Info). For Parse, Body aliases into the input slice
// rather than copying it.
type Frame struct {
	Kind Kind
	Body []byte
}

// PingPayload is the exact 4-byte body of the client-to-server ping
// handshake defined in the relay wire protocol.
var PingPayload = [4]byte{'1', '2', '3', '4'}

// Parse decodes a single forwarder frame from bytes. It requires
// 1 ≤ len(bytes) ≤ 2048 and returns ErrNotParseable on any violation of
// the tag's body-length contract. The returned Frame's Body borrows into
// bytes; callers that retain it past the lifetime of bytes must copy.
func Parse(b []byte) (Frame, error) {
	if len(b) < minFrameLen || len(b) > maxFrameLen {
		return Frame{}, ErrNotParseable
	}

	kind := Kind(b[0])
	body := b[1:]

	switch kind {
	case KindKeepalive, KindAuthMe, KindInfo:
		if len(body) != 0 {
			return Frame{}, ErrNotParseable
		}
		return Frame{Kind: kind}, nil

	case KindIPv4:
		if len(body) < minIPv4Body || len(body) > maxIPv4Body {
			return Frame{}, ErrNotParseable
		}
		return Frame{Kind: kind, Body: body}, nil

	case KindPing:
		if len(body) != pingBodyLen {
			return Frame{}, ErrNotParseable
		}
		return Frame{Kind: kind, Body: body}, nil

	case KindIPv4Frag:
		if len(body) < ipv4FragMinLen {
			return Frame{}, ErrNotParseable
		}
		return Frame{Kind: kind, Body: body}, nil

	default:
		return Frame{}, ErrNotParseable
	}
}

// Build allocates a single owned buffer: the 1-byte tag followed by the
// frame's body bytes, if any.
func Build(f Frame) []byte {
	out := make([]byte, 1+len(f.Body))
	out[0] = byte(f.Kind)
	copy(out[1:], f.Body)
	return out
}

// Keepalive builds a no-body Keepalive frame.
func Keepalive() []byte { return Build(Frame{Kind: KindKeepalive}) }

// Ping builds the client's ping-handshake frame.
func Ping() []byte { return Build(Frame{Kind: KindPing, Body: PingPayload[:]}) }

// IPv4 builds an IPv4 forwarder frame wrapping a complete IPv4 packet.
func IPv4(packet []byte) []byte { return Build(Frame{Kind: KindIPv4, Body: packet}) }

// IPv4Frag is the field layout of the reserved fragmentation opcode. No
// producer exists in this core; ParseIPv4Frag exists so a future
// producer/consumer has the exact byte layout to hand.
type IPv4Frag struct {
	SrcIP      [4]byte
	DstIP      [4]byte
	ID         uint16
	Part       uint8
	TotalPart  uint8
	Len        uint16
	PMTU       uint16
	Data       []byte
}

const (
	fragSrcIPOff      = 0
	fragDstIPOff      = 4
	fragIDOff         = 8
	fragPartOff       = 10
	fragTotalPartOff  = 11
	fragLenOff        = 12
	fragPMTUOff       = 14
	fragDataOff       = 16
	ipv4FragMinLen    = fragDataOff
)

// ParseIPv4Frag decodes the reserved Ipv4Frag body into its documented
// fields. It is parse-only: this core never constructs fragment frames.
func ParseIPv4Frag(body []byte) (IPv4Frag, error) {
	if len(body) < ipv4FragMinLen {
		return IPv4Frag{}, fmt.Errorf("wire: ipv4frag body too short: %w", ErrNotParseable)
	}
	var f IPv4Frag
	copy(f.SrcIP[:], body[fragSrcIPOff:fragDstIPOff])
	copy(f.DstIP[:], body[fragDstIPOff:fragIDOff])
	f.ID = binary.BigEndian.Uint16(body[fragIDOff:fragPartOff])
	f.Part = body[fragPartOff]
	f.TotalPart = body[fragTotalPartOff]
	f.Len = binary.BigEndian.Uint16(body[fragLenOff:fragPMTUOff])
	f.PMTU = binary.BigEndian.Uint16(body[fragPMTUOff:fragDataOff])
	f.Data = body[fragDataOff:]
	return f, nil
}
