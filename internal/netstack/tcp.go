package netstack

import (
	"fmt"
	"net"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/lanrelay/gwcore/internal/xlog"
)

// maxInFlightHandshakes bounds the forwarder's pending-SYN backlog.
const maxInFlightHandshakes = 256

// TCPConn is an accepted userspace TCP connection. Every Read/Write first
// blocks on the Reactor's Readable/Writable gate for this connection's
// handle, so the copy loop in the gateway's TCP loop is the thing actually
// parking on and being woken by the reactor's dispatch goroutine; the
// gonet-wrapped endpoint underneath performs the byte transfer and address
// bookkeeping once the reactor says the endpoint is ready.
type TCPConn struct {
	ep      tcpip.Endpoint
	conn    net.Conn
	handle  SocketHandle
	src     *source
	reactor *Reactor
}

func (c *TCPConn) Read(b []byte) (int, error) {
	c.reactor.Readable(c.ep, c.src)
	return c.conn.Read(b)
}

func (c *TCPConn) Write(b []byte) (int, error) {
	c.reactor.Writable(c.ep, c.src)
	return c.conn.Write(b)
}

func (c *TCPConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *TCPConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *TCPConn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *TCPConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *TCPConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// CloseWrite shuts down the sending half of the connection.
func (c *TCPConn) CloseWrite() error {
	if cw, ok := c.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.conn.Close()
}

// Close unregisters the connection's handle from the reactor before
// closing the underlying endpoint.
func (c *TCPConn) Close() error {
	c.reactor.Remove(c.handle)
	return c.conn.Close()
}

// ListenTCP implements the "listen-all" accept trick: a wildcard
// tcp.Forwarder accepts every inbound handshake regardless of destination
// port, in place of gVisor exposing a real multi-port listener. Each
// completed handshake is handed back on the returned channel as a
// *TCPConn; the forwarder itself re-arms automatically for the next
// connection, so there is no separate "insert a fresh listener" step to
// manage explicitly — that bookkeeping is internal to tcp.Forwarder.
func ListenTCP(s *stack.Stack, reactor *Reactor) <-chan *TCPConn {
	accepted := make(chan *TCPConn, 64)
	log := xlog.New("netstack")

	fwd := tcp.NewForwarder(s, 0, maxInFlightHandshakes, func(r *tcp.ForwarderRequest) {
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			log.Warnf("accept failed: %s", err)
			r.Complete(true)
			return
		}
		r.Complete(false)

		handle, src := reactor.Register(&wq)
		conn := &TCPConn{
			ep:      ep,
			conn:    gonet.NewTCPConn(&wq, ep),
			handle:  handle,
			src:     src,
			reactor: reactor,
		}
		select {
		case accepted <- conn:
		default:
			log.Warnf("accept backlog full, dropping connection from %s", r.ID().RemoteAddress)
			conn.Close()
		}
	})
	s.SetTransportProtocolHandler(tcp.ProtocolNumber, fwd.HandlePacket)

	return accepted
}

// OriginalDestination reports the destination address a TCP flow was
// opened to, derived from the connection's local address as seen by the
// stack.
func OriginalDestination(c *TCPConn) (string, error) {
	addr := c.conn.LocalAddr()
	if addr == nil {
		return "", fmt.Errorf("netstack: connection has no local address")
	}
	return addr.String(), nil
}
