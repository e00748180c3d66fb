package relay

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/lanrelay/gwcore/internal/config"
	"github.com/lanrelay/gwcore/internal/xlog"
)

const ethTypeIPv4 = 0x0800

// RelaySender is the subset of Client the intercepter depends on, broken
// out as an interface so the classification logic can be tested without a
// live UDP socket.
type RelaySender interface {
	Dead() bool
	SendIPv4(packet []byte) error
}

// Counters is the gateway-wide traffic summary this package increments
// into, satisfied by *gateway.Stats without either package importing the
// other.
type Counters interface {
	IncRedirected()
	IncDropped()
}

// Intercepter is the chain of predicates applied to every captured
// Ethernet frame before it reaches the userspace stack: frames whose
// IPv4 source and destination both lie inside the configured CIDR are
// forwarded to the relay and consumed; everything else passes through.
type Intercepter struct {
	cidr     config.CIDR
	relay    RelaySender
	counters Counters
	log      *xlog.Logger

	mu sync.Mutex
	// mapSender records the source IP of every frame classified as
	// LAN-local; it holds no sender value. It is populated but
	// deliberately never consulted: inbound
	// relay frames are fanned out to every sender, not routed by this
	// map. See the reception fan-out in Client.receiveLoop.
	mapSender map[string]struct{}
}

// NewIntercepter builds an intercepter classifying frames against cidr,
// forwarding matches through relay. counters may be nil, in which case
// classified frames are neither counted as redirected nor dropped.
func NewIntercepter(cidr config.CIDR, relay RelaySender, counters Counters) *Intercepter {
	return &Intercepter{
		cidr:      cidr,
		relay:     relay,
		counters:  counters,
		log:       xlog.New("intercept"),
		mapSender: make(map[string]struct{}),
	}
}

// Process classifies frame. It returns true if the frame was consumed
// (forwarded to the relay and must NOT be delivered to the stack), false
// if the frame should pass through to the stack.
func (ic *Intercepter) Process(frame []byte) bool {
	if len(frame) < config.EthHeaderSize {
		return false
	}
	ethType := binary.BigEndian.Uint16(frame[12:14])
	if ethType != ethTypeIPv4 {
		return false
	}

	ipStart := config.EthHeaderSize
	if len(frame) < ipStart+config.IPHeaderMinSize {
		return false
	}
	ipHeader := frame[ipStart:]
	src := net.IP(ipHeader[12:16])
	dst := net.IP(ipHeader[16:20])

	if !ic.cidr.Contains(src) || !ic.cidr.Contains(dst) {
		return false
	}

	ic.mu.Lock()
	ic.mapSender[src.String()] = struct{}{}
	ic.mu.Unlock()

	if ic.relay == nil || ic.relay.Dead() {
		// Relay task is dead: intercepter becomes a no-op and the frame
		// is simply dropped rather than risk delivering LAN-local
		// traffic to the stack, which never expected it.
		ic.log.Warnf("relay dead, dropping LAN-local frame")
		if ic.counters != nil {
			ic.counters.IncDropped()
		}
		return true
	}

	packet := make([]byte, len(frame)-ipStart)
	copy(packet, frame[ipStart:])
	if err := ic.relay.SendIPv4(packet); err != nil {
		ic.log.Warnf("forward to relay failed: %v", err)
		if ic.counters != nil {
			ic.counters.IncDropped()
		}
		return true
	}
	if ic.counters != nil {
		ic.counters.IncRedirected()
	}
	return true
}
