// Package gateway implements the TCP and UDP loops that NAT userspace
// stack traffic out through the active proxy, per §4.7.
package gateway

import (
	"fmt"

	"github.com/lanrelay/gwcore/internal/netstack"
	"github.com/lanrelay/gwcore/internal/proxy"
)

// Gateway joins the TCP and UDP loops for one virtual interface: either
// loop's structural failure ends Run and so collapses the gateway, matching
// the try-join semantics of §4.7. Run does not stop the other loop.
type Gateway struct {
	TCP   *TCPLoop
	UDP   *UDPLoop
	Stats *Stats
}

// New builds a Gateway wired to accepted (the stack's listen-all channel)
// and demux (the stack's wildcard UDP socket), egressing through prx. stats
// is shared with callers that count traffic upstream of the gateway (e.g.
// the LAN intercepter chain), so New takes it rather than building its own.
func New(stats *Stats, accepted <-chan *netstack.TCPConn, demux *netstack.UDPDemux, prx proxy.Proxy) (*Gateway, error) {
	udpLoop, err := NewUDPLoop(demux, prx, stats)
	if err != nil {
		return nil, fmt.Errorf("gateway: build udp loop: %w", err)
	}
	return &Gateway{
		TCP:   NewTCPLoop(accepted, prx, stats),
		UDP:   udpLoop,
		Stats: stats,
	}, nil
}

// Run blocks until either loop returns, then returns that error (nil
// loops are expected to run forever; a return means a structural
// failure, e.g. the accept channel closed).
func (g *Gateway) Run() error {
	errc := make(chan error, 2)
	go func() { errc <- g.TCP.Run() }()
	go func() { errc <- g.UDP.Run() }()
	return <-errc
}
