// Package plugin defines the bidirectional packet channel an Interledger
// sender speaks through, along with the concrete transports: an
// in-memory pair for loopback and testing, and BTP over WebSocket for
// talking to a real connector.
package plugin

import (
	"github.com/go-errors/errors"

	"github.com/brock-ff/interledger-go/ilpwire"
)

var (
	// ErrSendNotReady is returned by TrySend when the plugin cannot
	// accept the request right now. The caller should hold on to the
	// request and retry once Ready signals.
	ErrSendNotReady = errors.New("plugin not ready to send")

	// ErrNoPacket is returned by Receive when no packet is currently
	// available.
	ErrNoPacket = errors.New("no packet available")

	// ErrPluginClosed is returned once the plugin has been closed or
	// the underlying transport has ended.
	ErrPluginClosed = errors.New("plugin closed")
)

// Request pairs a correlation id with an ILP packet. The id is chosen by
// whichever side originates a Prepare and echoed back verbatim on the
// Fulfill or Reject that answers it. Plugins carry the id opaquely and
// never correlate requests themselves.
type Request struct {
	// RequestID correlates a Prepare with its eventual reply.
	RequestID uint32

	// Packet is the ILP packet being carried.
	Packet ilpwire.Packet
}

// Plugin is a bidirectional, ordered channel of (request id, packet)
// items. Both operations are non-blocking so a cooperative state machine
// can drive the plugin without ever stalling; Ready supplies the wakeup
// edge for callers that do want to block between steps.
type Plugin interface {
	// TrySend attempts to enqueue the request for transmission. It
	// returns ErrSendNotReady when the plugin is backpressured, in
	// which case the caller owns the request and must retry it later,
	// or ErrPluginClosed when the plugin can no longer send.
	TrySend(req *Request) error

	// Receive returns the next incoming request if one is available.
	// It returns ErrNoPacket when the incoming queue is currently
	// empty, and ErrPluginClosed once the transport has ended and all
	// buffered packets have been drained.
	Receive() (*Request, error)

	// Ready returns a channel that receives a signal whenever the
	// plugin may have become ready for another TrySend or Receive.
	// Signals are edge-triggered and may be coalesced.
	Ready() <-chan struct{}

	// Close tears down the plugin. Requests not yet transmitted may be
	// dropped; packets already queued for Receive can still be drained
	// before it reports ErrPluginClosed.
	Close() error
}
