// Package dealer implements the bucketed market-maker subsystem: per-bucket
// bid/ask quoting (the L1 kernel), sell/buy trading rounds against dealers
// with an outside-liquidity-provider backstop, ticket rebucketing, and the
// realized-loss feedback into the outside anchor.
//
// All monetary values use shopspring/decimal; never float64 for money.
// Dealer cash and inventory live in the ledger (dealers are agents); the
// market owns only the pricing parameters, and every transfer it performs
// goes through the ledger.
package dealer

import "github.com/shopspring/decimal"

var (
	two  = decimal.NewFromInt(2)
	one  = decimal.NewFromInt(1)
	zero = decimal.Zero
)

// Quote is a per-bucket price pair together with the outside provider's own
// (always-available) prices. Prices are per unit of face value.
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal

	OutsideBid decimal.Decimal
	OutsideAsk decimal.Decimal
	Mid        decimal.Decimal
}

// AskPinned reports whether the dealer's ask is clipped to the outside
// price, meaning the dealer has no edge to offer on the buy side.
func (q Quote) AskPinned() bool {
	return q.Ask.Equal(q.OutsideAsk)
}

// L1Quote computes the dealer's bid/ask from the outside anchor (midpoint
// mid, spread width) and the dealer's inventory utilization u =
// inventory-face / capacity.
//
// The dealer quotes inside the outside spread (inner fraction of the half
// spread) skewed by utilization: more inventory pushes both quotes away
// from the midpoint, and at full utilization the ask pins to the outside
// ask, leaving the dealer no buy-side edge. Both sides are clipped so the
// dealer never crosses the outside provider's own bid/ask; the outside
// price is always the floor/ceiling.
func L1Quote(mid, spread, inner, skew, u decimal.Decimal) Quote {
	half := spread.Div(two)
	outBid := mid.Sub(half)
	outAsk := mid.Add(half)

	innerHalf := half.Mul(inner)
	skewTerm := half.Mul(skew).Mul(u)

	bid := mid.Sub(innerHalf).Sub(skewTerm)
	ask := mid.Add(innerHalf).Add(skewTerm)

	bid = clamp(bid, outBid, mid)
	ask = clamp(ask, mid, outAsk)

	return Quote{
		Bid:        bid,
		Ask:        ask,
		OutsideBid: outBid,
		OutsideAsk: outAsk,
		Mid:        mid,
	}
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
