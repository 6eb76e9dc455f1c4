package plugin

import (
	"sync"
)

// memoryLink is one direction of an in-memory plugin pair: a bounded
// queue plus a closed flag shared by both endpoints.
type memoryLink struct {
	queue chan *Request
	quit  chan struct{}
	once  sync.Once
}

func newMemoryLink(size int) *memoryLink {
	return &memoryLink{
		queue: make(chan *Request, size),
		quit:  make(chan struct{}),
	}
}

func (l *memoryLink) close() {
	l.once.Do(func() {
		close(l.quit)
	})
}

func (l *memoryLink) closed() bool {
	select {
	case <-l.quit:
		return true
	default:
		return false
	}
}

// MemoryPlugin is an in-process Plugin. Two cross-wired instances form a
// loopback pair, which is how a sender and receiver are connected within
// a single process and how the state machine is exercised in tests.
type MemoryPlugin struct {
	send  *memoryLink
	recv  *memoryLink
	ready chan struct{}
	peer  *MemoryPlugin
}

// A compile time check to ensure MemoryPlugin implements the Plugin
// interface.
var _ Plugin = (*MemoryPlugin)(nil)

// NewMemoryPluginPair returns two cross-wired in-memory plugins. Each
// direction buffers up to queueSize requests before TrySend starts
// reporting backpressure.
func NewMemoryPluginPair(queueSize int) (*MemoryPlugin, *MemoryPlugin) {
	aToB := newMemoryLink(queueSize)
	bToA := newMemoryLink(queueSize)

	a := &MemoryPlugin{
		send:  aToB,
		recv:  bToA,
		ready: make(chan struct{}, 1),
	}
	b := &MemoryPlugin{
		send:  bToA,
		recv:  aToB,
		ready: make(chan struct{}, 1),
	}
	a.peer = b
	b.peer = a
	return a, b
}

// signalReady pulses the plugin's ready channel without blocking.
// Signals coalesce: a pending signal already covers the new edge.
func (p *MemoryPlugin) signalReady() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// TrySend attempts to enqueue the request toward the peer.
//
// This is part of the Plugin interface.
func (p *MemoryPlugin) TrySend(req *Request) error {
	if p.send.closed() {
		return ErrPluginClosed
	}
	select {
	case p.send.queue <- req:
		p.peer.signalReady()
		return nil
	default:
		return ErrSendNotReady
	}
}

// Receive returns the next request queued by the peer, if any.
//
// This is part of the Plugin interface.
func (p *MemoryPlugin) Receive() (*Request, error) {
	select {
	case req := <-p.recv.queue:
		// Draining frees capacity for the peer's next TrySend.
		p.peer.signalReady()
		return req, nil
	default:
	}
	if p.recv.closed() {
		return nil, ErrPluginClosed
	}
	return nil, ErrNoPacket
}

// Ready returns the wakeup channel for this endpoint.
//
// This is part of the Plugin interface.
func (p *MemoryPlugin) Ready() <-chan struct{} {
	return p.ready
}

// Close tears down both directions of the pair. The peer observes
// ErrPluginClosed once it has drained any packets still in flight.
//
// This is part of the Plugin interface.
func (p *MemoryPlugin) Close() error {
	p.send.close()
	p.recv.close()
	p.signalReady()
	p.peer.signalReady()
	return nil
}
