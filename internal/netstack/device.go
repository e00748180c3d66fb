package netstack

import (
	"context"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/lanrelay/gwcore/internal/capture"
	"github.com/lanrelay/gwcore/internal/config"
	"github.com/lanrelay/gwcore/internal/relay"
	"github.com/lanrelay/gwcore/internal/xlog"
)

const ethTypeIPv4Hi, ethTypeIPv4Lo = 0x08, 0x00

// Pump bridges the capture adapter's receive/send streams to the stack's
// channel-backed virtual NIC, running the intercepter chain on every
// inbound frame first. It owns no state the stack's own bounded device
// queues don't already provide: channel.Endpoint is itself the "max 100
// frames, never blocks" device queue described in §4.4.
type Pump struct {
	adapter *capture.Adapter
	linkEP  *channel.Endpoint
	ic      *relay.Intercepter
	log     *xlog.Logger

	srcMAC    [6]byte
	clientMAC atomic.Pointer[[6]byte]
}

// NewPump wires adapter's frames through ic before delivering pass-through
// frames to linkEP, and drains linkEP's outbound queue back to adapter,
// re-wrapping bare IP packets in an Ethernet header using srcMAC as the
// link-layer source and the most recently observed client MAC as
// destination.
func NewPump(adapter *capture.Adapter, linkEP *channel.Endpoint, ic *relay.Intercepter, srcMAC [6]byte) *Pump {
	return &Pump{adapter: adapter, linkEP: linkEP, ic: ic, log: xlog.New("netstack"), srcMAC: srcMAC}
}

// Run drives both directions until ctx is cancelled. It is meant to run in
// its own goroutine; the capture thread and this pump never touch the same
// device queue concurrently, because channel.Endpoint mediates both
// directions as a single-consumer bounded channel.
func (p *Pump) Run(ctx context.Context) {
	go p.inbound(ctx)
	p.outbound(ctx)
}

func (p *Pump) inbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-p.adapter.Receive():
			if !ok {
				p.log.Errorf("capture receive stream closed, inbound pump exiting")
				return
			}
			if len(frame) < config.EthHeaderSize {
				continue
			}
			var mac [6]byte
			copy(mac[:], frame[6:12])
			p.clientMAC.Store(&mac)

			if p.ic.Process(frame) {
				continue // consumed by the relay intercepter
			}

			ipPacket := frame[config.EthHeaderSize:]
			pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
				Payload: buffer.MakeWithData(append([]byte(nil), ipPacket...)),
			})
			p.linkEP.InjectInbound(ipv4.ProtocolNumber, pkt)
			pkt.DecRef()
		}
	}
}

// Inject re-wraps a decapsulated IPv4 payload (e.g. one just received from
// the relay) in an Ethernet frame addressed to the most recently learned
// client MAC and hands it to the capture adapter, exactly as outbound does
// for packets the stack itself produced. Registered as the relay client's
// fan-out target so relay-inbound traffic re-enters the physical link with
// a real destination MAC instead of a zeroed stub header.
func (p *Pump) Inject(payload []byte) {
	p.adapter.Send(p.wrapEthernet(payload))
}

func (p *Pump) outbound(ctx context.Context) {
	for {
		pkt := p.linkEP.ReadContext(ctx)
		if pkt == nil {
			return // ctx cancelled
		}
		ipPacket := pkt.ToView().AsSlice()
		frame := p.wrapEthernet(ipPacket)
		pkt.DecRef()
		p.adapter.Send(frame)
	}
}

func (p *Pump) wrapEthernet(ipPacket []byte) []byte {
	frame := make([]byte, config.EthHeaderSize+len(ipPacket))
	if mac := p.clientMAC.Load(); mac != nil {
		copy(frame[0:6], mac[:])
	}
	copy(frame[6:12], p.srcMAC[:])
	frame[12], frame[13] = ethTypeIPv4Hi, ethTypeIPv4Lo
	copy(frame[config.EthHeaderSize:], ipPacket)
	return frame
}
