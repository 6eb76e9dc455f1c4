package stream

import (
	"math"
	"testing"
)

func TestCongestionWindowGrowth(t *testing.T) {
	c := NewCongestionController()
	if c.MaxAmount() != defaultWindow {
		t.Fatalf("initial max amount: expected %d, got %d",
			defaultWindow, c.MaxAmount())
	}

	c.OnFulfill()
	c.OnFulfill()
	expected := defaultWindow + 2*windowIncrease
	if c.MaxAmount() != expected {
		t.Fatalf("after 2 fulfills: expected %d, got %d", expected,
			c.MaxAmount())
	}
}

func TestCongestionWindowBackoff(t *testing.T) {
	c := NewCongestionController()

	c.OnReject("T04")
	if c.MaxAmount() != defaultWindow/2 {
		t.Fatalf("temporary reject should halve the window, got %d",
			c.MaxAmount())
	}

	// Final errors say nothing about congestion.
	c.OnReject("F08")
	c.OnReject("F99")
	if c.MaxAmount() != defaultWindow/2 {
		t.Fatalf("final rejects should not shrink the window, got %d",
			c.MaxAmount())
	}
}

func TestCongestionWindowFloor(t *testing.T) {
	c := NewCongestionController()
	for i := 0; i < 64; i++ {
		c.OnReject("T04")
	}
	if c.MaxAmount() < minWindow {
		t.Fatalf("window shrank below the floor: %d", c.MaxAmount())
	}
}

func TestMaxPacketAmountOnlyDecreases(t *testing.T) {
	c := NewCongestionController()
	if c.MaxPacketAmount() != math.MaxUint64 {
		t.Fatalf("initial packet amount should be unlimited")
	}

	c.LimitPacketAmount(5000)
	if c.MaxPacketAmount() != 5000 {
		t.Fatalf("expected 5000, got %d", c.MaxPacketAmount())
	}

	c.LimitPacketAmount(8000)
	if c.MaxPacketAmount() != 5000 {
		t.Fatalf("packet amount must never increase, got %d",
			c.MaxPacketAmount())
	}

	c.LimitPacketAmount(1000)
	if c.MaxAmount() != 1000 {
		t.Fatalf("max amount should be capped by the packet amount, "+
			"got %d", c.MaxAmount())
	}
}

func TestScaleByRatio(t *testing.T) {
	if got := scaleByRatio(3000, 1000, 3000); got != 1000 {
		t.Fatalf("expected 1000, got %d", got)
	}

	// The 128-bit intermediate must survive products that overflow
	// uint64.
	if got := scaleByRatio(math.MaxUint64/2, 4, 8); got != math.MaxUint64/4 {
		t.Fatalf("expected %d, got %d", uint64(math.MaxUint64/4), got)
	}

	// A quotient that overflows saturates instead of panicking.
	if got := scaleByRatio(math.MaxUint64, 2, 1); got != math.MaxUint64 {
		t.Fatalf("expected saturation, got %d", got)
	}
}
