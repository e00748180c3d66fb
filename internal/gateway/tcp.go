package gateway

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/lanrelay/gwcore/internal/config"
	"github.com/lanrelay/gwcore/internal/netstack"
	"github.com/lanrelay/gwcore/internal/proxy"
	"github.com/lanrelay/gwcore/internal/xlog"
)

// TCPLoop pulls accepted connections off the stack's listen-all socket,
// opens a matching proxy connection per §4.7, and pipes bytes both ways.
type TCPLoop struct {
	accepted <-chan *netstack.TCPConn
	prx      proxy.Proxy
	stats    *Stats
	log      *xlog.Logger
}

// NewTCPLoop builds a TCP loop reading accepted connections from accepted
// and dialing egress through prx.
func NewTCPLoop(accepted <-chan *netstack.TCPConn, prx proxy.Proxy, stats *Stats) *TCPLoop {
	return &TCPLoop{accepted: accepted, prx: prx, stats: stats, log: xlog.New("gateway-tcp")}
}

// Run drains the accept channel until it closes. An accept-channel close
// is the only condition that ends the loop; per-connection proxy-connect
// failures only abort that one flow.
func (l *TCPLoop) Run() error {
	for conn := range l.accepted {
		go l.handle(conn)
	}
	return nil
}

func (l *TCPLoop) handle(conn *netstack.TCPConn) {
	defer conn.Close()

	dest, err := netstack.OriginalDestination(conn)
	if err != nil {
		l.log.Warnf("connection with no original destination: %v", err)
		return
	}

	upstream, err := proxy.DialTCPTimeout(l.prx, dest)
	if err != nil {
		l.log.Warnf("proxy connect to %s failed: %v", dest, err)
		return
	}
	defer upstream.Close()

	l.stats.TCPFlows.Add(1)
	defer l.stats.TCPFlows.Add(-1)

	idle := time.Duration(config.FlowIdleTimeout) * time.Second
	peer := withIdleTimeout(upstream, idle)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(peer, conn)
		closeWrite(peer.Conn)
	}()
	go func() {
		defer wg.Done()
		io.Copy(conn, peer)
		closeWrite(conn)
	}()
	wg.Wait()
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	conn.Close()
}
