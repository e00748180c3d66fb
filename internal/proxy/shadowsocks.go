package proxy

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"github.com/shadowsocks/go-shadowsocks2/core"
	"github.com/shadowsocks/go-shadowsocks2/socks"
)

// Shadowsocks dials directly through an encrypted Shadowsocks server
// connection using go-shadowsocks2's cipher, rather than the original's
// indirection of spinning up an embedded local SOCKS5 relay and then
// talking to it: Go's core.Cipher wraps a net.Conn/net.PacketConn
// directly, so there is no need for that extra hop.
type Shadowsocks struct {
	cipher     core.Cipher
	serverAddr string
}

// NewShadowsocksFromURL parses "ss://method:password@host:port" and its
// base64-encoded convenience form "ss://base64(method:password)@host:port".
func NewShadowsocksFromURL(rawURL string) (*Shadowsocks, error) {
	body := strings.TrimPrefix(rawURL, "ss://")
	at := strings.LastIndex(body, "@")
	if at < 0 {
		return nil, fmt.Errorf("proxy: malformed shadowsocks URL %q", rawURL)
	}
	cred, hostport := body[:at], body[at+1:]

	method, password, ok := strings.Cut(cred, ":")
	if !ok {
		decoded, err := base64.RawURLEncoding.DecodeString(cred)
		if err != nil {
			decoded, err = base64.StdEncoding.DecodeString(cred)
			if err != nil {
				return nil, fmt.Errorf("proxy: shadowsocks credentials are neither method:password nor base64: %w", err)
			}
		}
		method, password, ok = strings.Cut(string(decoded), ":")
		if !ok {
			return nil, fmt.Errorf("proxy: decoded shadowsocks credentials malformed")
		}
	}

	if _, _, err := net.SplitHostPort(hostport); err != nil {
		return nil, fmt.Errorf("proxy: invalid shadowsocks server address %q: %w", hostport, err)
	}

	cipher, err := core.PickCipher(method, nil, password)
	if err != nil {
		return nil, fmt.Errorf("proxy: shadowsocks cipher %q: %w", method, err)
	}

	return &Shadowsocks{cipher: cipher, serverAddr: hostport}, nil
}

func (s *Shadowsocks) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.serverAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy: shadowsocks connect: %w", err)
	}
	sc := s.cipher.StreamConn(conn)

	tgt := socks.ParseAddr(addr)
	if tgt == nil {
		sc.Close()
		return nil, fmt.Errorf("proxy: shadowsocks could not encode target %q", addr)
	}
	if _, err := sc.Write(tgt); err != nil {
		sc.Close()
		return nil, fmt.Errorf("proxy: shadowsocks target write: %w", err)
	}
	return sc, nil
}

func (s *Shadowsocks) OpenUDP(ctx context.Context) (PacketConn, error) {
	pc, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("proxy: shadowsocks udp listen: %w", err)
	}
	serverAddr, err := net.ResolveUDPAddr("udp", s.serverAddr)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("proxy: shadowsocks udp server address: %w", err)
	}

	return &shadowsocksUDPConn{
		pc:         s.cipher.PacketConn(pc),
		serverAddr: serverAddr,
	}, nil
}

type shadowsocksUDPConn struct {
	pc         net.PacketConn
	serverAddr net.Addr
}

func (c *shadowsocksUDPConn) SendTo(payload []byte, addr string) error {
	tgt := socks.ParseAddr(addr)
	if tgt == nil {
		return fmt.Errorf("proxy: shadowsocks could not encode target %q", addr)
	}
	packet := append(append([]byte(nil), tgt...), payload...)
	_, err := c.pc.WriteTo(packet, c.serverAddr)
	return err
}

func (c *shadowsocksUDPConn) RecvFrom(buf []byte) (int, net.Addr, error) {
	raw := make([]byte, len(buf)+socks.MaxAddrLen)
	n, from, err := c.pc.ReadFrom(raw)
	if err != nil {
		return 0, nil, err
	}
	tgt := socks.SplitAddr(raw[:n])
	if tgt == nil {
		return 0, nil, fmt.Errorf("proxy: shadowsocks udp reply missing address header")
	}
	copy(buf, raw[len(tgt):n])
	return n - len(tgt), from, nil
}

func (c *shadowsocksUDPConn) Close() error { return c.pc.Close() }
