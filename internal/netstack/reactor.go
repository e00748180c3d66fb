package netstack

import (
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"
)

// SocketHandle is an opaque identifier minted when a socket is registered
// with the reactor; stable until explicit removal, never reused while a
// registration is live.
type SocketHandle uint64

// source is the reactor's per-handle bookkeeping entry: two waker lists,
// created on registration and torn down on removal.
type source struct {
	mu      sync.Mutex
	closed  bool
	readers []chan struct{}
	writers []chan struct{}
}

func newSource() *source { return &source{} }

func (s *source) addReader() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch
	}
	s.readers = append(s.readers, ch)
	return ch
}

func (s *source) addWriter() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch
	}
	s.writers = append(s.writers, ch)
	return ch
}

// wake fires every parked reader and writer waker. Per the reactor's
// contract this may be a spurious wake with respect to any one of them;
// callers always re-check their condition (level-triggered).
func (s *source) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.readers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	for _, ch := range s.writers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// close removes the source: no reader/writer waker is ever called again,
// and any already-parked waiter is unblocked immediately (closed channel
// reads return at once) so in-flight I/O can return EOF/an I/O error.
func (s *source) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.readers {
		close(ch)
	}
	for _, ch := range s.writers {
		close(ch)
	}
	s.readers = nil
	s.writers = nil
}

// Reactor is the single driver bridging gVisor's per-endpoint waiter
// queues to parked reader/writer tasks. Each registered endpoint's waiter
// entry posts its handle to a shared, bounded event channel; exactly one
// goroutine drains that channel and wakes the corresponding source. This
// is the Go-native analog of the cooperative poll loop described in
// §4.5: instead of manually recomputing can_recv()/can_send() across the
// whole socket set every tick, we let gVisor's own readiness
// notifications drive the single dispatch loop.
type Reactor struct {
	mu      sync.Mutex
	sources map[SocketHandle]*entryRegistration
	events  chan SocketHandle
	next    atomic.Uint64
}

type entryRegistration struct {
	src   *source
	wq    *waiter.Queue
	entry *waiter.Entry
}

// NewReactor starts the reactor's single dispatch goroutine.
func NewReactor() *Reactor {
	r := &Reactor{
		sources: make(map[SocketHandle]*entryRegistration),
		events:  make(chan SocketHandle, 4096),
	}
	go r.run()
	return r
}

func (r *Reactor) run() {
	for h := range r.events {
		r.mu.Lock()
		reg, ok := r.sources[h]
		r.mu.Unlock()
		if !ok {
			continue
		}
		reg.src.wake()
	}
}

// Register mints a handle for the endpoint behind wq and returns the handle
// plus its source. The caller owns the endpoint and wq (e.g. a
// forwarder-created endpoint).
func (r *Reactor) Register(wq *waiter.Queue) (SocketHandle, *source) {
	h := SocketHandle(r.next.Add(1))
	src := newSource()

	var entry waiter.Entry
	entry = waiter.NewFunctionEntry(waiter.ReadableEvents|waiter.WritableEvents, func(waiter.EventMask) {
		select {
		case r.events <- h:
		default:
		}
	})
	wq.EventRegister(&entry)

	r.mu.Lock()
	r.sources[h] = &entryRegistration{src: src, wq: wq, entry: &entry}
	r.mu.Unlock()

	return h, src
}

// Remove unregisters handle: its waiter entry is detached from the stack
// and its source is closed, unblocking any parked reader/writer.
func (r *Reactor) Remove(h SocketHandle) {
	r.mu.Lock()
	reg, ok := r.sources[h]
	delete(r.sources, h)
	r.mu.Unlock()
	if !ok {
		return
	}
	reg.wq.EventUnregister(reg.entry)
	reg.src.close()
}

// Readable blocks until ep reports at least one readable event, or its
// source is removed. Callers must re-check ep.Readiness themselves: waking
// is level-triggered and permitted to be spurious.
func (r *Reactor) Readable(ep tcpip.Endpoint, src *source) {
	for ep.Readiness(waiter.ReadableEvents)&waiter.ReadableEvents == 0 {
		if _, ok := <-src.addReader(); !ok {
			return
		}
	}
}

// Writable blocks until ep reports at least one writable event, or its
// source is removed.
func (r *Reactor) Writable(ep tcpip.Endpoint, src *source) {
	for ep.Readiness(waiter.WritableEvents)&waiter.WritableEvents == 0 {
		if _, ok := <-src.addWriter(); !ok {
			return
		}
	}
}
