package netstack

import (
	"fmt"
	"net"
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/lanrelay/gwcore/internal/config"
	"github.com/lanrelay/gwcore/internal/xlog"
)

// udpConn is one forwarder-accepted UDP 4-tuple endpoint: the gonet
// wrapper performs the actual datagram I/O, gated by the reactor's
// Readable/Writable on the raw endpoint so the reactor's wake path is
// genuinely exercised rather than bypassed by gonet's internal waiting.
type udpConn struct {
	ep     tcpip.Endpoint
	conn   *gonet.UDPConn
	src    *source
	handle SocketHandle
}

// OwnedUDP is a (src endpoint, dst endpoint, payload) triple read off the
// stack's wildcard UDP socket. The payload is owned, since it crosses a
// channel boundary into the gateway's UDP loop.
type OwnedUDP struct {
	Src     net.Addr
	Dst     net.Addr
	Payload []byte
}

// UDPDemux presents gVisor's per-4-tuple udp.Forwarder endpoints as a
// single wildcard UDP socket: one shared inbound channel, and a
// src-keyed write-back map so the gateway's UDP loop can reply to the
// originating flow without knowing which forwarder request produced it.
type UDPDemux struct {
	mu      sync.Mutex
	conns   map[string]*udpConn
	inbound chan OwnedUDP
	reactor *Reactor
	log     *xlog.Logger
}

// ListenUDP installs the wildcard UDP forwarder and returns the demux.
func ListenUDP(s *stack.Stack, reactor *Reactor) *UDPDemux {
	d := &UDPDemux{
		conns:   make(map[string]*udpConn),
		inbound: make(chan OwnedUDP, config.DeviceQueueSize),
		reactor: reactor,
		log:     xlog.New("netstack"),
	}

	fwd := udp.NewForwarder(s, func(r *udp.ForwarderRequest) {
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			d.log.Warnf("udp accept failed: %s", err)
			return
		}
		gc := gonet.NewUDPConn(&wq, ep)
		key := gc.RemoteAddr().String()

		handle, src := d.reactor.Register(&wq)
		uc := &udpConn{ep: ep, conn: gc, src: src, handle: handle}

		d.mu.Lock()
		d.conns[key] = uc
		d.mu.Unlock()

		go d.readLoop(key, uc)
	})
	s.SetTransportProtocolHandler(udp.ProtocolNumber, fwd.HandlePacket)

	return d
}

func (d *UDPDemux) readLoop(key string, uc *udpConn) {
	defer func() {
		d.reactor.Remove(uc.handle)
		d.mu.Lock()
		delete(d.conns, key)
		d.mu.Unlock()
	}()

	buf := make([]byte, config.FrameSize)
	for {
		d.reactor.Readable(uc.ep, uc.src)
		n, err := uc.conn.Read(buf)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		d.inbound <- OwnedUDP{Src: uc.conn.RemoteAddr(), Dst: uc.conn.LocalAddr(), Payload: payload}
	}
}

// Inbound is the stream of OwnedUDP packets received from the stack.
func (d *UDPDemux) Inbound() <-chan OwnedUDP { return d.inbound }

// WriteBack writes payload into the stack addressed back to src, the
// originating console endpoint of a previously observed flow.
func (d *UDPDemux) WriteBack(src net.Addr, payload []byte) error {
	d.mu.Lock()
	uc, ok := d.conns[src.String()]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("netstack: no udp flow for %s", src)
	}
	d.reactor.Writable(uc.ep, uc.src)
	_, err := uc.conn.Write(payload)
	return err
}

// Evict forcibly tears down the flow keyed by src, aborting its read loop.
func (d *UDPDemux) Evict(src net.Addr) {
	d.mu.Lock()
	uc, ok := d.conns[src.String()]
	d.mu.Unlock()
	if ok {
		uc.conn.Close()
	}
}
