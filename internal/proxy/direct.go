package proxy

import (
	"context"
	"net"
)

// Direct dials native OS sockets; UDP send_to/recv_from pass through
// unchanged to the OS socket.
type Direct struct{}

// NewDirect returns a Direct proxy.
func NewDirect() *Direct { return &Direct{} }

func (d *Direct) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", addr)
}

func (d *Direct) OpenUDP(ctx context.Context) (PacketConn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	return &directUDPConn{conn: conn}, nil
}

type directUDPConn struct {
	conn *net.UDPConn
}

func (c *directUDPConn) SendTo(payload []byte, addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	_, err = c.conn.WriteToUDP(payload, raddr)
	return err
}

func (c *directUDPConn) RecvFrom(buf []byte) (int, net.Addr, error) {
	n, addr, err := c.conn.ReadFromUDP(buf)
	return n, addr, err
}

func (c *directUDPConn) Close() error { return c.conn.Close() }
