// Package relay implements the relay-protocol client (keepalive, ping
// handshake, inbound fan-out) and the LAN intercepter chain that decides
// whether a captured frame is forwarded to the relay or delivered to the
// userspace stack.
package relay

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanrelay/gwcore/internal/config"
	"github.com/lanrelay/gwcore/internal/wire"
	"github.com/lanrelay/gwcore/internal/xlog"
)

// Ping-handshake failure kinds, named exactly as the original client's
// three distinct cases (the third — content mismatch — is preserved from
// original_source even though spec.md's scenario text only calls out the
// first two).
var (
	ErrServerNotWorking = errors.New("server seems not working")
	ErrWrongPingLength  = errors.New("wrong length of ping response")
	ErrWrongPingContent = errors.New("wrong content of ping response")
)

const pingReadTimeout = 5 * time.Second

// FanoutFunc delivers a decapsulated IPv4 payload to a virtual interface,
// wrapped in an Ethernet frame with the recorded destination MAC.
type FanoutFunc func(payload []byte)

// Client owns the UDP socket to the relay server: it sends Keepalives on
// an interval, services the ping handshake, and fans out inbound IPv4
// frames to every registered virtual-interface sender.
type Client struct {
	conn *net.UDPConn
	log  *xlog.Logger

	sendMu sync.Mutex // serializes sends (IPv4, keepalive); receives and Ping do not take it

	fanoutMu sync.Mutex
	fanout   []FanoutFunc

	counters Counters
	dead     atomic.Bool
}

// SetCounters wires the gateway-wide traffic counters into the client, so
// malformed relay datagrams are reflected in the same Dropped total the
// intercepter feeds. Safe to leave unset; a nil Counters is a no-op.
func (c *Client) SetCounters(counters Counters) { c.counters = counters }

// Dial opens the UDP socket to the relay server at addr ("host:port").
func Dial(addr string) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", addr, err)
	}
	return &Client{conn: conn, log: xlog.New("relay")}, nil
}

// Ping performs the client-to-server ping handshake: send the 5-byte
// sequence 0x02 '1' '2' '3' '4', require a byte-identical reply.
func (c *Client) Ping() error {
	req := wire.Ping()
	if _, err := c.conn.Write(req); err != nil {
		return fmt.Errorf("relay: ping write: %w", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(pingReadTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	buf := make([]byte, config.FrameSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		return fmt.Errorf("relay: ping read: %w", err)
	}
	switch {
	case n == 0:
		return ErrServerNotWorking
	case n != len(req):
		return ErrWrongPingLength
	case !bytes.Equal(buf[:n], req):
		return ErrWrongPingContent
	}
	return nil
}

// RegisterFanout adds f to the set of virtual-interface senders that
// receive every decapsulated inbound IPv4 payload.
func (c *Client) RegisterFanout(f FanoutFunc) {
	c.fanoutMu.Lock()
	defer c.fanoutMu.Unlock()
	c.fanout = append(c.fanout, f)
}

// Dead reports whether the relay socket has hit a fatal error; once true,
// the intercepter treats relay forwarding as a no-op.
func (c *Client) Dead() bool { return c.dead.Load() }

// SendIPv4 encapsulates packet as a forwarder IPv4 frame and writes it to
// the relay, under the send mutex.
func (c *Client) SendIPv4(packet []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := c.conn.Write(wire.IPv4(packet))
	if err != nil {
		c.dead.Store(true)
		return fmt.Errorf("relay: send ipv4: %w", err)
	}
	return nil
}

func (c *Client) sendKeepalive() error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	_, err := c.conn.Write(wire.Keepalive())
	if err != nil {
		c.dead.Store(true)
		return fmt.Errorf("relay: keepalive: %w", err)
	}
	return nil
}

// Run drives the per-client reception task: a 30s keepalive ticker and a
// blocking receive loop that fans out IPv4 frames. It returns only when
// the relay socket hits a fatal error (or stop is closed); the caller is
// expected to treat the intercepter as a no-op afterward.
func (c *Client) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(config.RelayKeepaliveInterval * time.Second)
	defer ticker.Stop()

	recvErr := make(chan error, 1)
	go c.receiveLoop(recvErr, stop)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.sendKeepalive(); err != nil {
				c.log.Errorf("fatal: %v", err)
				return
			}
		case err := <-recvErr:
			c.log.Errorf("fatal: %v", err)
			c.dead.Store(true)
			return
		}
	}
}

func (c *Client) receiveLoop(errc chan<- error, stop <-chan struct{}) {
	buf := make([]byte, config.FrameSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := c.conn.Read(buf)
		if err != nil {
			errc <- fmt.Errorf("relay: recv: %w", err)
			return
		}

		frame, err := wire.Parse(buf[:n])
		if err != nil {
			c.log.Warnf("dropping malformed relay datagram: %v", err)
			if c.counters != nil {
				c.counters.IncDropped()
			}
			continue
		}
		if frame.Kind != wire.KindIPv4 {
			continue
		}

		payload := make([]byte, len(frame.Body))
		copy(payload, frame.Body)

		c.fanoutMu.Lock()
		targets := c.fanout
		c.fanoutMu.Unlock()
		for _, f := range targets {
			f(payload)
		}
	}
}
