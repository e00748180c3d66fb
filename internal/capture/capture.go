// Package capture isolates the blocking, callback-driven raw-link capture
// library on a dedicated OS thread and bridges it to the rest of the
// system with bounded channels, so the cooperative stack poll loop is
// never blocked by it.
package capture

import (
	"fmt"
	"runtime"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/lanrelay/gwcore/internal/config"
	"github.com/lanrelay/gwcore/internal/xlog"
)

const (
	snapLen     = 65536
	readTimeout = 1000 * time.Millisecond
)

// Adapter is an opened raw link, producing a receive stream of captured
// frames and accepting frames on a send sink.
type Adapter struct {
	handle *pcap.Handle
	recvCh chan []byte
	sendCh chan []byte
	done   chan struct{}
	log    *xlog.Logger
}

// Open opens name in promiscuous mode with the given BPF filter installed,
// and starts the dedicated capture thread and send-sink worker. rxCPU, if
// >= 0, pins the capture thread to that core; txCPU pins the send worker.
func Open(name, bpfFilter string, rxCPU, txCPU int) (*Adapter, error) {
	handle, err := pcap.OpenLive(name, snapLen, true, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", name, err)
	}
	if handle.LinkType() != layers.LinkTypeEthernet {
		handle.Close()
		return nil, fmt.Errorf("capture: %s is not an Ethernet link (got %s)", name, handle.LinkType())
	}
	if bpfFilter != "" {
		if err := handle.SetBPFFilter(bpfFilter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("capture: set BPF filter %q: %w", bpfFilter, err)
		}
	}

	a := &Adapter{
		handle: handle,
		recvCh: make(chan []byte, config.CaptureQueueSize),
		sendCh: make(chan []byte, config.CaptureQueueSize),
		done:   make(chan struct{}),
		log:    xlog.New("capture"),
	}

	go a.captureLoop(rxCPU)
	go a.sendLoop(txCPU)

	return a, nil
}

// Receive returns the receive stream: a lazy, infinite sequence of owned
// frames produced by the capture thread. Closed when the adapter closes.
func (a *Adapter) Receive() <-chan []byte { return a.recvCh }

// Send submits an owned frame to the send sink. It is synchronous from the
// caller's perspective only up to the bounded queue: once the queue is
// full, callers back off (blocking send) rather than silently dropping,
// per the outbound-queue high-water-mark contract.
func (a *Adapter) Send(frame []byte) {
	select {
	case a.sendCh <- frame:
	case <-a.done:
	}
}

// Close stops both loops and releases the underlying handle.
func (a *Adapter) Close() {
	select {
	case <-a.done:
		return
	default:
		close(a.done)
	}
	a.handle.Close()
}

func (a *Adapter) captureLoop(cpu int) {
	defer close(a.recvCh)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if cpu >= 0 {
		if err := SetCPUAffinity(cpu); err != nil {
			a.log.Warnf("capture thread affinity failed: %v", err)
		}
	}

	src := gopacket.NewPacketSource(a.handle, a.handle.LinkType())
	packets := src.Packets()
	for {
		select {
		case <-a.done:
			return
		case pkt, ok := <-packets:
			if !ok {
				a.log.Errorf("capture source closed, capture thread exiting")
				return
			}
			data := pkt.Data()
			owned := make([]byte, len(data))
			copy(owned, data)

			select {
			case a.recvCh <- owned:
			default:
				a.log.Warnf("receive channel full, dropping captured frame")
			}
		}
	}
}

func (a *Adapter) sendLoop(cpu int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if cpu >= 0 {
		if err := SetCPUAffinity(cpu); err != nil {
			a.log.Warnf("send thread affinity failed: %v", err)
		}
	}

	for {
		select {
		case <-a.done:
			return
		case frame := <-a.sendCh:
			if err := a.handle.WritePacketData(frame); err != nil {
				a.log.Warnf("write to link failed: %v", err)
			}
		}
	}
}
