package dealer

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vlad-ds/bilancio/internal/ledger"
)

// BucketAgents names the two market-maker agents of one maturity bucket.
type BucketAgents struct {
	Dealer  ledger.AgentID
	Outside ledger.AgentID
}

// Config is the dealer-market configuration carried in the scenario.
type Config struct {
	// Boundaries are the inclusive upper bounds (remaining days to
	// maturity) of every bucket but the last; the last bucket is
	// unbounded. [2, 5] yields Short (<=2), Mid (<=5), Long (>5).
	Boundaries []int

	// Capacity bounds each bucket's dealer inventory by face value.
	Capacity []decimal.Decimal

	// Inner is the fraction of the outside half-spread the dealer quotes
	// inside; Skew scales the inventory-utilization price adjustment.
	Inner decimal.Decimal
	Skew  decimal.Decimal

	// AnchorMid and AnchorSpread seed the outside provider's value anchor
	// (per unit face). AnchorAlpha blends realized recovery into the
	// midpoint; SpreadBeta widens the spread on realized losses.
	AnchorMid    decimal.Decimal
	AnchorSpread decimal.Decimal
	AnchorAlpha  decimal.Decimal
	SpreadBeta   decimal.Decimal

	// Lookahead is the shortfall-projection horizon in days for selecting
	// sellers and sizing buyer surplus.
	Lookahead int

	// BuySide enables buy-side requests (may be globally disabled as an
	// experiment policy).
	BuySide bool
}

// Validate checks internal consistency of the configuration.
func (c Config) Validate() error {
	if len(c.Boundaries) == 0 {
		return fmt.Errorf("dealer config: at least one bucket boundary required")
	}
	prev := 0
	for _, b := range c.Boundaries {
		if b <= prev {
			return fmt.Errorf("dealer config: boundaries must be strictly increasing, got %v", c.Boundaries)
		}
		prev = b
	}
	if len(c.Capacity) != len(c.Boundaries)+1 {
		return fmt.Errorf("dealer config: need %d capacities for %d buckets, got %d",
			len(c.Boundaries)+1, len(c.Boundaries)+1, len(c.Capacity))
	}
	for i, cap := range c.Capacity {
		if cap.Sign() <= 0 {
			return fmt.Errorf("dealer config: bucket %d capacity must be positive", i)
		}
	}
	if c.Inner.Sign() < 0 || c.Inner.GreaterThan(one) {
		return fmt.Errorf("dealer config: inner fraction must be in [0,1]")
	}
	if c.AnchorMid.Sign() <= 0 || c.AnchorSpread.Sign() < 0 {
		return fmt.Errorf("dealer config: anchor mid must be positive and spread non-negative")
	}
	if c.Lookahead < 1 {
		return fmt.Errorf("dealer config: lookahead must be at least 1 day")
	}
	return nil
}

// NumBuckets returns the bucket count implied by the boundaries.
func (c Config) NumBuckets() int {
	return len(c.Boundaries) + 1
}

// BucketFor maps a remaining time-to-maturity to its bucket index.
func (c Config) BucketFor(remaining int) int {
	for i, b := range c.Boundaries {
		if remaining <= b {
			return i
		}
	}
	return len(c.Boundaries)
}
