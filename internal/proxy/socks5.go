package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	xproxy "golang.org/x/net/proxy"
)

// Socks5 connects through a SOCKS5 proxy: TCP via the standard CONNECT
// command (golang.org/x/net/proxy's dialer), UDP via a hand-rolled
// ASSOCIATE exchange. No library in the retrieved corpus exposes UDP
// ASSOCIATE with an arbitrary, per-packet destination and domain-name
// detection on receive, so that half is implemented directly against
// net.Conn per RFC 1928 §7 — see DESIGN.md for the justification.
type Socks5 struct {
	serverAddr string
	auth       *xproxy.Auth
}

// NewSocks5FromURL builds a Socks5 proxy from "[user:pass@]host:port"
// (the scheme has already been stripped by Parse).
func NewSocks5FromURL(rest string) (*Socks5, error) {
	var auth *xproxy.Auth
	hostport := rest
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		userinfo := rest[:i]
		hostport = rest[i+1:]
		user, pass, _ := strings.Cut(userinfo, ":")
		auth = &xproxy.Auth{User: user, Password: pass}
	}
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return nil, fmt.Errorf("proxy: invalid socks5 address %q: %w", hostport, err)
	}
	return &Socks5{serverAddr: hostport, auth: auth}, nil
}

func (s *Socks5) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	dialer, err := xproxy.SOCKS5("tcp", s.serverAddr, s.auth, xproxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("proxy: socks5 dialer: %w", err)
	}
	if cd, ok := dialer.(xproxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return dialer.Dial("tcp", addr)
}

func (s *Socks5) OpenUDP(ctx context.Context) (PacketConn, error) {
	var d net.Dialer
	ctrl, err := d.DialContext(ctx, "tcp", s.serverAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy: socks5 control connect: %w", err)
	}

	if err := socks5Greet(ctrl, s.auth); err != nil {
		ctrl.Close()
		return nil, err
	}

	relayAddr, err := socks5Request(ctrl, socks5CmdUDPAssociate, "0.0.0.0:0")
	if err != nil {
		ctrl.Close()
		return nil, err
	}

	udpConn, err := net.DialUDP("udp", nil, relayAddr)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("proxy: socks5 udp relay dial: %w", err)
	}

	return &socks5UDPConn{ctrl: ctrl, udp: udpConn}, nil
}

const (
	socks5Version          = 0x05
	socks5MethodNoAuth      = 0x00
	socks5MethodUserPass    = 0x02
	socks5MethodNoAccept    = 0xFF
	socks5CmdConnect        = 0x01
	socks5CmdUDPAssociate   = 0x03
	socks5AtypIPv4          = 0x01
	socks5AtypDomain        = 0x03
	socks5AtypIPv6          = 0x04
)

func socks5Greet(conn net.Conn, auth *xproxy.Auth) error {
	methods := []byte{socks5MethodNoAuth}
	if auth != nil {
		methods = []byte{socks5MethodUserPass}
	}
	req := append([]byte{socks5Version, byte(len(methods))}, methods...)
	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("proxy: socks5 greeting: %w", err)
	}

	reply := make([]byte, 2)
	if _, err := readFull(conn, reply); err != nil {
		return fmt.Errorf("proxy: socks5 greeting reply: %w", err)
	}
	if reply[0] != socks5Version || reply[1] == socks5MethodNoAccept {
		return fmt.Errorf("proxy: socks5 server rejected all auth methods")
	}

	if reply[1] == socks5MethodUserPass {
		if auth == nil {
			return fmt.Errorf("proxy: socks5 server requires auth, none configured")
		}
		creds := []byte{0x01, byte(len(auth.User))}
		creds = append(creds, auth.User...)
		creds = append(creds, byte(len(auth.Password)))
		creds = append(creds, auth.Password...)
		if _, err := conn.Write(creds); err != nil {
			return fmt.Errorf("proxy: socks5 auth: %w", err)
		}
		authReply := make([]byte, 2)
		if _, err := readFull(conn, authReply); err != nil {
			return fmt.Errorf("proxy: socks5 auth reply: %w", err)
		}
		if authReply[1] != 0x00 {
			return fmt.Errorf("proxy: socks5 auth rejected")
		}
	}
	return nil
}

func socks5Request(conn net.Conn, cmd byte, addr string) (*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: socks5 request address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("proxy: socks5 request port %q: %w", portStr, err)
	}

	req := []byte{socks5Version, cmd, 0x00}
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		req = append(req, socks5AtypDomain, byte(len(host)))
		req = append(req, host...)
	case ip.To4() != nil:
		req = append(req, socks5AtypIPv4)
		req = append(req, ip.To4()...)
	default:
		req = append(req, socks5AtypIPv6)
		req = append(req, ip.To16()...)
	}
	req = append(req, byte(port>>8), byte(port))

	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("proxy: socks5 request: %w", err)
	}

	hdr := make([]byte, 4)
	if _, err := readFull(conn, hdr); err != nil {
		return nil, fmt.Errorf("proxy: socks5 reply header: %w", err)
	}
	if hdr[1] != 0x00 {
		return nil, fmt.Errorf("proxy: socks5 request failed, reply code %d", hdr[1])
	}

	boundIP, boundPort, err := readSocks5Addr(conn, hdr[3])
	if err != nil {
		return nil, err
	}
	if boundIP == nil {
		// Domain-name bound address: the core does not resolve on the
		// caller's behalf, matching §4.6's UDP recv contract.
		return nil, fmt.Errorf("proxy: socks5 returned a domain-name bound address, not supported")
	}
	return &net.UDPAddr{IP: boundIP, Port: boundPort}, nil
}

func readSocks5Addr(conn net.Conn, atyp byte) (net.IP, int, error) {
	var ip net.IP
	switch atyp {
	case socks5AtypIPv4:
		buf := make([]byte, 4)
		if _, err := readFull(conn, buf); err != nil {
			return nil, 0, err
		}
		ip = net.IP(buf)
	case socks5AtypIPv6:
		buf := make([]byte, 16)
		if _, err := readFull(conn, buf); err != nil {
			return nil, 0, err
		}
		ip = net.IP(buf)
	case socks5AtypDomain:
		lenBuf := make([]byte, 1)
		if _, err := readFull(conn, lenBuf); err != nil {
			return nil, 0, err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := readFull(conn, domain); err != nil {
			return nil, 0, err
		}
		ip = nil // domain name: caller rejects
	default:
		return nil, 0, fmt.Errorf("proxy: socks5 unknown address type %d", atyp)
	}

	portBuf := make([]byte, 2)
	if _, err := readFull(conn, portBuf); err != nil {
		return nil, 0, err
	}
	return ip, int(portBuf[0])<<8 | int(portBuf[1]), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// socks5UDPConn implements PacketConn over a SOCKS5 UDP associate relay.
// The control TCP connection must stay open for the life of the
// association; closing it tears down the relay server-side.
type socks5UDPConn struct {
	ctrl net.Conn
	udp  *net.UDPConn
}

func (c *socks5UDPConn) SendTo(payload []byte, addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}

	hdr := []byte{0x00, 0x00, 0x00}
	ip := net.ParseIP(host)
	switch {
	case ip != nil && ip.To4() != nil:
		hdr = append(hdr, socks5AtypIPv4)
		hdr = append(hdr, ip.To4()...)
	case ip != nil:
		hdr = append(hdr, socks5AtypIPv6)
		hdr = append(hdr, ip.To16()...)
	default:
		hdr = append(hdr, socks5AtypDomain, byte(len(host)))
		hdr = append(hdr, host...)
	}
	hdr = append(hdr, byte(port>>8), byte(port))

	_, err = c.udp.Write(append(hdr, payload...))
	return err
}

func (c *socks5UDPConn) RecvFrom(buf []byte) (int, net.Addr, error) {
	raw := make([]byte, len(buf)+262)
	n, from, err := c.udp.ReadFromUDP(raw)
	if err != nil {
		return 0, nil, err
	}
	if n < 4 {
		return 0, nil, fmt.Errorf("proxy: socks5 udp datagram too short")
	}
	atyp := raw[3]
	ip, _, err := readSocks5AddrFromBytes(raw[4:n], atyp)
	if err != nil {
		return 0, nil, err
	}
	if ip == nil {
		return 0, nil, fmt.Errorf("proxy: socks5 udp reply carries a domain-name address, not supported")
	}

	var headerLen int
	switch atyp {
	case socks5AtypIPv4:
		headerLen = 4 + 4 + 2
	case socks5AtypIPv6:
		headerLen = 4 + 16 + 2
	default:
		return 0, nil, fmt.Errorf("proxy: socks5 udp unexpected address type %d", atyp)
	}
	copy(buf, raw[headerLen:n])
	return n - headerLen, from, nil
}

func readSocks5AddrFromBytes(b []byte, atyp byte) (net.IP, int, error) {
	switch atyp {
	case socks5AtypIPv4:
		if len(b) < 6 {
			return nil, 0, fmt.Errorf("proxy: truncated ipv4 address")
		}
		return net.IP(b[:4]), int(b[4])<<8 | int(b[5]), nil
	case socks5AtypIPv6:
		if len(b) < 18 {
			return nil, 0, fmt.Errorf("proxy: truncated ipv6 address")
		}
		return net.IP(b[:16]), int(b[16])<<8 | int(b[17]), nil
	case socks5AtypDomain:
		return nil, 0, nil
	default:
		return nil, 0, fmt.Errorf("proxy: unknown address type %d", atyp)
	}
}

func (c *socks5UDPConn) Close() error {
	c.udp.Close()
	return c.ctrl.Close()
}
