package gateway

import (
	"fmt"
	"sync/atomic"
)

// Stats tracks gateway-wide counters. The teacher reads per-CPU eBPF
// counters for an equivalent summary line; this core has no eBPF map, so
// the same four-number summary is kept as plain atomic counters instead.
type Stats struct {
	TCPFlows   atomic.Int64
	UDPFlows   atomic.Int64
	Redirected atomic.Int64
	Dropped    atomic.Int64
}

// NewStats returns a zeroed Stats, built early enough in startup that both
// the LAN intercepter chain and the gateway's own loops can share it.
func NewStats() *Stats { return &Stats{} }

// IncRedirected counts one frame classified as LAN-local and forwarded to
// the relay instead of the userspace stack. Satisfies relay.Counters.
func (s *Stats) IncRedirected() { s.Redirected.Add(1) }

// IncDropped counts one frame or datagram dropped rather than forwarded:
// a dead relay socket, a malformed relay datagram, or any other discard
// that never reaches the stack or the relay. Satisfies relay.Counters.
func (s *Stats) IncDropped() { s.Dropped.Add(1) }

// Print logs the current counters in the same one-line summary shape the
// teacher's printStats uses.
func (s *Stats) Print() {
	fmt.Printf("gateway stats - tcp flows: %d, udp flows: %d, redirected: %d, dropped: %d\n",
		s.TCPFlows.Load(), s.UDPFlows.Load(), s.Redirected.Load(), s.Dropped.Load())
}
