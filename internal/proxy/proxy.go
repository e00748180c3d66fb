// Package proxy is the uniform egress contract over direct, SOCKS5, and
// Shadowsocks transports: a TCP connect surface and a UDP associate
// surface, each with a timeout wrapper imposing a 10s connect deadline.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lanrelay/gwcore/internal/config"
)

// ErrConnectTimeout is returned by the *Timeout wrappers when the
// underlying connect exceeds its deadline, distinct from whatever error
// the transport itself would have returned.
var ErrConnectTimeout = errors.New("proxy: connect timed out")

// PacketConn is the UDP associate surface: send to an arbitrary
// destination per datagram, receive from whoever replies.
type PacketConn interface {
	SendTo(payload []byte, addr string) error
	RecvFrom(buf []byte) (n int, from net.Addr, err error)
	Close() error
}

// Proxy is the unified contract every egress transport implements.
type Proxy interface {
	// DialTCP connects to addr ("host:port") and returns a duplex byte
	// stream.
	DialTCP(ctx context.Context, addr string) (net.Conn, error)
	// OpenUDP opens an associated UDP channel for arbitrary-destination
	// datagrams.
	OpenUDP(ctx context.Context) (PacketConn, error)
}

var connectTimeout = config.ProxyConnectTimeout * time.Second

// DialTCPTimeout wraps p.DialTCP with a 10s connect deadline.
func DialTCPTimeout(p Proxy, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	conn, err := p.DialTCP(ctx, addr)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectTimeout
		}
		return nil, err
	}
	return conn, nil
}

// OpenUDPTimeout wraps p.OpenUDP with a 10s connect deadline.
func OpenUDPTimeout(p Proxy) (PacketConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	pc, err := p.OpenUDP(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectTimeout
		}
		return nil, err
	}
	return pc, nil
}

// Parse dispatches a proxy URL by scheme: direct://, socks5://[user:pass@]
// host:port, or ss://.... An empty url means direct egress.
func Parse(rawURL string) (Proxy, error) {
	if rawURL == "" || rawURL == "direct://" {
		return NewDirect(), nil
	}

	scheme, rest, ok := splitScheme(rawURL)
	if !ok {
		return nil, fmt.Errorf("proxy: malformed URL %q", rawURL)
	}

	switch scheme {
	case "direct":
		return NewDirect(), nil
	case "socks5":
		return NewSocks5FromURL(rest)
	case "ss":
		return NewShadowsocksFromURL(rawURL)
	default:
		return nil, fmt.Errorf("proxy: unknown scheme %q", scheme)
	}
}

func splitScheme(rawURL string) (scheme, rest string, ok bool) {
	for i := 0; i+2 < len(rawURL); i++ {
		if rawURL[i] == ':' && rawURL[i+1] == '/' && rawURL[i+2] == '/' {
			return rawURL[:i], rawURL[i+3:], true
		}
	}
	return "", "", false
}
