package gateway

import (
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lanrelay/gwcore/internal/config"
	"github.com/lanrelay/gwcore/internal/netstack"
	"github.com/lanrelay/gwcore/internal/proxy"
	"github.com/lanrelay/gwcore/internal/xlog"
)

var udpIdleTimeout = time.Duration(config.FlowIdleTimeout) * time.Second

// udpFlow is one entry of the UDP flow LRU: an open proxy UDP socket, the
// console-side source it answers to, and the idle timer that requests its
// own eviction.
type udpFlow struct {
	src   net.Addr
	conn  proxy.PacketConn
	timer *time.Timer
	done  chan struct{}
}

// UDPLoop owns the stack's wildcard UDP socket and the bounded UDP flow
// table: at most config.UDPFlowCapacity concurrent flows, each evicted on
// capacity overflow (oldest first) or after FlowIdleTimeout of silence.
type UDPLoop struct {
	demux *netstack.UDPDemux
	prx   proxy.Proxy
	cache *lru.Cache[string, *udpFlow]
	stats *Stats
	log   *xlog.Logger
}

// NewUDPLoop builds a UDP loop reading inbound packets from demux and
// opening proxy flows through prx.
func NewUDPLoop(demux *netstack.UDPDemux, prx proxy.Proxy, stats *Stats) (*UDPLoop, error) {
	l := &UDPLoop{demux: demux, prx: prx, stats: stats, log: xlog.New("gateway-udp")}
	cache, err := lru.NewWithEvict[string, *udpFlow](config.UDPFlowCapacity, l.onEvict)
	if err != nil {
		return nil, err
	}
	l.cache = cache
	return l, nil
}

// Run drains the demux's inbound stream until it closes.
func (l *UDPLoop) Run() error {
	for pkt := range l.demux.Inbound() {
		l.handle(pkt)
	}
	return nil
}

func (l *UDPLoop) handle(pkt netstack.OwnedUDP) {
	key := pkt.Src.String()

	flow, ok := l.cache.Get(key)
	if !ok {
		var err error
		flow, err = l.openFlow(pkt.Src)
		if err != nil {
			l.log.Warnf("open proxy udp flow for %s failed: %v", key, err)
			return
		}
		l.cache.Add(key, flow)
		l.stats.UDPFlows.Add(1)
	}

	if err := flow.conn.SendTo(pkt.Payload, pkt.Dst.String()); err != nil {
		l.log.Warnf("udp send to %s failed: %v", pkt.Dst, err)
		return
	}
	flow.timer.Reset(udpIdleTimeout)
}

func (l *UDPLoop) openFlow(src net.Addr) (*udpFlow, error) {
	conn, err := proxy.OpenUDPTimeout(l.prx)
	if err != nil {
		return nil, err
	}
	flow := &udpFlow{src: src, conn: conn, done: make(chan struct{})}
	flow.timer = time.AfterFunc(udpIdleTimeout, func() {
		l.cache.Remove(src.String())
	})
	go l.receiveLoop(flow)
	return flow, nil
}

func (l *UDPLoop) receiveLoop(flow *udpFlow) {
	buf := make([]byte, config.FrameSize)
	for {
		select {
		case <-flow.done:
			return
		default:
		}
		n, _, err := flow.conn.RecvFrom(buf)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		if err := l.demux.WriteBack(flow.src, payload); err != nil {
			l.log.Warnf("write back to stack failed: %v", err)
		}
	}
}

// onEvict tears down a flow's receive task and proxy socket, whether the
// eviction was capacity-overflow (LRU's own policy) or an idle timeout.
func (l *UDPLoop) onEvict(_ string, flow *udpFlow) {
	flow.timer.Stop()
	close(flow.done)
	flow.conn.Close()
	l.demux.Evict(flow.src)
	l.stats.UDPFlows.Add(-1)
}
