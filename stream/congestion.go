package stream

import (
	"math"
	"math/bits"

	"github.com/brock-ff/interledger-go/ilpwire"
)

// Congestion control tuning. These are starting points, not protocol
// constants: the window governs how much value may be in flight, and it
// adapts AIMD-style to the path's observed behavior.
const (
	// defaultWindow is the initial in-flight budget.
	defaultWindow uint64 = 10000

	// windowIncrease is added to the window on every fulfill.
	windowIncrease uint64 = 1000

	// minWindow is the floor the window never shrinks below, so a
	// burst of rejects cannot stall the sender entirely.
	minWindow uint64 = 1
)

// CongestionController governs how much value the sender may put in a
// single packet. It combines two ceilings: an AIMD window that grows on
// fulfills and halves on temporary (T-class) rejects, and the path's
// maximum packet amount learned from F08 rejects, which only ever
// decreases.
type CongestionController struct {
	window          uint64
	maxPacketAmount uint64
}

// NewCongestionController returns a controller with the default initial
// window and an effectively unlimited packet amount.
func NewCongestionController() *CongestionController {
	return &CongestionController{
		window:          defaultWindow,
		maxPacketAmount: math.MaxUint64,
	}
}

// MaxAmount returns the largest amount the next packet may carry.
func (c *CongestionController) MaxAmount() uint64 {
	if c.maxPacketAmount < c.window {
		return c.maxPacketAmount
	}
	return c.window
}

// MaxPacketAmount returns the current path MTU estimate.
func (c *CongestionController) MaxPacketAmount() uint64 {
	return c.maxPacketAmount
}

// OnFulfill grows the window additively in response to a successful
// packet.
func (c *CongestionController) OnFulfill() {
	if c.window > math.MaxUint64-windowIncrease {
		return
	}
	c.window += windowIncrease
}

// OnReject adapts the window to a rejected packet. Temporary errors
// signal congestion or missing liquidity, so the window is halved. Final
// errors say nothing about path capacity and leave the window alone.
func (c *CongestionController) OnReject(code string) {
	if !ilpwire.IsTemporary(code) {
		return
	}
	c.window /= 2
	if c.window < minWindow {
		c.window = minWindow
	}
}

// LimitPacketAmount lowers the maximum packet amount. Attempts to raise
// it are ignored: the path MTU estimate only tightens over the lifetime
// of an operation.
func (c *CongestionController) LimitPacketAmount(max uint64) {
	if max < c.maxPacketAmount {
		log.Debugf("Lowering maximum packet amount to %d", max)
		c.maxPacketAmount = max
	}
}

// scaleByRatio computes amount * numerator / denominator with a 128-bit
// intermediate so the product cannot overflow, saturating at the maximum
// uint64. Used to project a connector's F08 limit into source units.
func scaleByRatio(amount, numerator, denominator uint64) uint64 {
	hi, lo := bits.Mul64(amount, numerator)
	if hi >= denominator {
		return math.MaxUint64
	}
	quot, _ := bits.Div64(hi, lo, denominator)
	return quot
}
