package dealer

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/vlad-ds/bilancio/internal/event"
	"github.com/vlad-ds/bilancio/internal/ledger"
)

// bucket pairs one dealer and one outside provider with the outside
// provider's value anchor. parMid is the initial anchor, used to scale the
// realized-loss feedback.
type bucket struct {
	id       int
	agents   BucketAgents
	capacity decimal.Decimal
	mid      decimal.Decimal
	spread   decimal.Decimal
	parMid   decimal.Decimal
}

// Market is the secondary-market subsystem for one simulation run. It owns
// pricing parameters only; all positions (dealer cash, inventory, traded
// claims) live in the ledger and move through ledger transactions.
type Market struct {
	book    *ledger.Book
	cfg     Config
	buckets []*bucket
	central ledger.AgentID
	log     zerolog.Logger

	// BuyBucketOrder is the buy-side bucket preference policy hook. The
	// default prefers Short over Mid over Long; the exact tie-break when
	// several buckets qualify is deliberately pluggable.
	BuyBucketOrder func(m *Market) []int
}

// New builds a Market over the given book. agents must name one
// dealer/outside pair per bucket; the agents must already exist on the book
// with the matching kinds, funded with new money (the capital model is
// validated at scenario build time).
func New(book *ledger.Book, cfg Config, agents []BucketAgents, logger zerolog.Logger) (*Market, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(agents) != cfg.NumBuckets() {
		return nil, fmt.Errorf("dealer market: need %d bucket agent pairs, got %d", cfg.NumBuckets(), len(agents))
	}
	central, ok := book.CentralAuthority()
	if !ok {
		return nil, fmt.Errorf("dealer market: no central authority on the book")
	}

	m := &Market{
		book:    book,
		cfg:     cfg,
		central: central.ID,
		log:     logger,
	}
	for i, pair := range agents {
		d, ok := book.Agent(pair.Dealer)
		if !ok || d.Kind != ledger.KindDealer {
			return nil, fmt.Errorf("dealer market: bucket %d dealer %q missing or wrong kind", i, pair.Dealer)
		}
		o, ok := book.Agent(pair.Outside)
		if !ok || o.Kind != ledger.KindOutsideProvider {
			return nil, fmt.Errorf("dealer market: bucket %d outside provider %q missing or wrong kind", i, pair.Outside)
		}
		m.buckets = append(m.buckets, &bucket{
			id:       i,
			agents:   pair,
			capacity: cfg.Capacity[i],
			mid:      cfg.AnchorMid,
			spread:   cfg.AnchorSpread,
			parMid:   cfg.AnchorMid,
		})
	}
	m.BuyBucketOrder = func(m *Market) []int {
		order := make([]int, len(m.buckets))
		for i := range order {
			order[i] = i
		}
		return order
	}
	return m, nil
}

// Config returns the market configuration.
func (m *Market) Config() Config { return m.cfg }

// Quote returns the current bid/ask pair for a bucket. Quotes are
// recomputed from anchor and inventory on every call, so they reflect every
// trade immediately.
func (m *Market) Quote(bucketID int) Quote {
	b := m.buckets[bucketID]
	u := zero
	if b.capacity.Sign() > 0 {
		u = m.inventoryFace(b).Div(b.capacity)
	}
	return L1Quote(b.mid, b.spread, m.cfg.Inner, m.cfg.Skew, u)
}

// InventoryFace returns the total face value of tickets held by the
// bucket's dealer.
func (m *Market) InventoryFace(bucketID int) decimal.Decimal {
	return m.inventoryFace(m.buckets[bucketID])
}

func (m *Market) inventoryFace(b *bucket) decimal.Decimal {
	total := zero
	for _, t := range m.book.Holdings(b.agents.Dealer, ledger.Ticket) {
		if t.BucketID == b.id {
			total = total.Add(t.Amount)
		}
	}
	return total
}

// Round runs one trading period: rebucketing, then the sell side (agents
// projected to fall short within the lookahead horizon), then the buy side
// if enabled. Runs before maturity settlement so distressed agents can
// convert receivables to cash ahead of the dues deadline.
func (m *Market) Round(day int, elog *event.Log) error {
	if err := m.rebucket(day, elog); err != nil {
		return err
	}
	if err := m.sellRound(day, elog); err != nil {
		return err
	}
	if m.cfg.BuySide {
		if err := m.buyRound(day, elog); err != nil {
			return err
		}
	}
	return nil
}

// traders returns the tradeable population (everyone except market makers
// and the central authority) in registration order.
func (m *Market) traders() []*ledger.Agent {
	var out []*ledger.Agent
	for _, a := range m.book.Agents() {
		if a.Kind.IsMarketMaker() || a.Kind == ledger.KindCentralAuthority || a.Defaulted {
			continue
		}
		out = append(out, a)
	}
	return out
}

// duesWithin sums the agent's own obligations falling due up to and
// including the horizon day.
func (m *Market) duesWithin(agent ledger.AgentID, horizonDay int) decimal.Decimal {
	total := zero
	for _, kind := range []ledger.InstrumentKind{ledger.Payable, ledger.DeliveryObligation, ledger.Ticket} {
		for _, in := range m.book.LiabilitiesOf(agent, kind) {
			if in.DueDay <= horizonDay {
				total = total.Add(in.Amount)
			}
		}
	}
	return total
}

// soonestClaim returns the agent's soonest-maturing not-yet-due claim
// (payable or previously bought ticket), ordered by due day then id.
func (m *Market) soonestClaim(agent ledger.AgentID, day int) *ledger.Instrument {
	var best *ledger.Instrument
	for _, kind := range []ledger.InstrumentKind{ledger.Payable, ledger.Ticket} {
		for _, in := range m.book.Holdings(agent, kind) {
			if in.DueDay <= day || in.Amount.IsZero() {
				continue
			}
			if best == nil || in.DueDay < best.DueDay || (in.DueDay == best.DueDay && in.ID < best.ID) {
				best = in
			}
		}
	}
	return best
}

func (m *Market) sellRound(day int, elog *event.Log) error {
	horizon := day + m.cfg.Lookahead
	for _, a := range m.traders() {
		dues := m.duesWithin(a.ID, horizon)
		if dues.IsZero() {
			continue
		}
		liquid := m.book.LiquidBalance(a.ID)
		if liquid.GreaterThanOrEqual(dues) {
			continue
		}
		claim := m.soonestClaim(a.ID, day)
		if claim == nil {
			continue
		}
		if err := m.executeSell(day, elog, a.ID, claim); err != nil {
			return err
		}
	}
	return nil
}

// executeSell sells the claim to the bucket's dealer at its bid if the
// trade is feasible inside the dealer (capacity headroom and enough dealer
// cash); otherwise it passes through to the outside provider at the outside
// bid, which never fails.
func (m *Market) executeSell(day int, elog *event.Log, seller ledger.AgentID, claim *ledger.Instrument) error {
	b := m.buckets[m.cfg.BucketFor(claim.DueDay-day)]
	q := m.Quote(b.id)
	face := claim.Amount

	maker := b.agents.Dealer
	price := q.Bid
	venue := event.VenueDealer

	headroom := b.capacity.Sub(m.inventoryFace(b))
	dealerCash := m.book.MoneyBalance(maker, ledger.Cash)
	if face.GreaterThan(headroom) || dealerCash.LessThan(price.Mul(face)) {
		// TradeInfeasible at the dealer: retried against the outside
		// provider, never surfaced to the caller.
		maker = b.agents.Outside
		price = q.OutsideBid
		venue = event.VenueOutside
	}
	cashDue := price.Mul(face)

	if venue == event.VenueOutside {
		if err := m.topUpOutside(day, elog, maker, cashDue); err != nil {
			return err
		}
	}

	var ticketID ledger.InstrumentID
	err := m.book.Atomic(func(tx *ledger.Tx) error {
		if err := ledger.MoveMoney(tx, ledger.Cash, m.central, maker, seller, cashDue); err != nil {
			return err
		}
		switch claim.Kind {
		case ledger.Payable:
			// First purchase: the payable becomes a ticket and the
			// single-issuer tag is fixed to the original debtor.
			if err := tx.Remove(claim.ID); err != nil {
				return err
			}
			tkt, err := tx.CreateInstrument(ledger.CreateSpec{
				Kind:       ledger.Ticket,
				Issuer:     claim.Issuer,
				Holder:     maker,
				Amount:     face,
				DueDay:     claim.DueDay,
				CreatedDay: day,
				BucketID:   b.id,
				IssuerTag:  claim.Issuer,
			})
			if err != nil {
				return err
			}
			ticketID = tkt.ID
		case ledger.Ticket:
			if err := tx.Transfer(claim.ID, seller, maker); err != nil {
				return err
			}
			if claim.BucketID != b.id {
				if err := tx.SetBucket(claim.ID, b.id); err != nil {
					return err
				}
			}
			ticketID = claim.ID
		default:
			return fmt.Errorf("unsaleable claim kind %s", claim.Kind)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sell execution for %q: %w", seller, err)
	}

	elog.Append(day, event.PhaseTrading, event.KindTradeExecuted, event.Record{
		Agent:        seller,
		Counterparty: maker,
		Instrument:   ticketID,
		Amount:       face,
		Price:        price,
		Bucket:       b.id,
		Venue:        venue,
		Note:         "sell",
	})
	m.log.Debug().
		Str("seller", string(seller)).
		Str("maker", string(maker)).
		Str("venue", venue).
		Str("face", face.String()).
		Str("price", price.String()).
		Int("bucket", b.id).
		Msg("secondary market sale")
	return nil
}

func (m *Market) buyRound(day int, elog *event.Log) error {
	horizon := day + m.cfg.Lookahead
	order := m.BuyBucketOrder(m)

	for _, a := range m.traders() {
		dues := m.duesWithin(a.ID, horizon)
		surplus := m.book.LiquidBalance(a.ID).Sub(dues)
		if surplus.Sign() <= 0 {
			continue
		}
		// A buyer's horizon ends at their next own due day: cash locked
		// in a ticket maturing later would not be back in time.
		horizonDay := m.nextOwnDue(a.ID, day)

		for _, bucketID := range order {
			b := m.buckets[bucketID]
			q := m.Quote(bucketID)
			if q.AskPinned() {
				// Dealer has no edge over the outside price here.
				continue
			}
			tkt := m.cheapestInventory(b, surplus, horizonDay, q.Ask)
			if tkt == nil {
				continue
			}
			executed, err := m.executeBuy(day, elog, a.ID, b, tkt, q.Ask)
			if err != nil {
				return err
			}
			if executed {
				break
			}
		}
	}
	return nil
}

// nextOwnDue returns the buyer's earliest own obligation due day, or the
// lookahead horizon when the buyer owes nothing.
func (m *Market) nextOwnDue(agent ledger.AgentID, day int) int {
	next := day + m.cfg.Lookahead
	found := false
	for _, kind := range []ledger.InstrumentKind{ledger.Payable, ledger.DeliveryObligation, ledger.Ticket} {
		for _, in := range m.book.LiabilitiesOf(agent, kind) {
			if in.DueDay > day && (!found || in.DueDay < next) {
				next = in.DueDay
				found = true
			}
		}
	}
	return next
}

// cheapestInventory picks the dealer's lowest-serial ticket that fits the
// buyer's surplus and horizon. Serial order is the deterministic tie-break.
func (m *Market) cheapestInventory(b *bucket, surplus decimal.Decimal, horizonDay int, ask decimal.Decimal) *ledger.Instrument {
	inventory := m.book.Holdings(b.agents.Dealer, ledger.Ticket)
	sort.Slice(inventory, func(i, j int) bool { return inventory[i].Serial < inventory[j].Serial })
	for _, t := range inventory {
		if t.BucketID != b.id || t.Amount.IsZero() {
			continue
		}
		if t.DueDay > horizonDay {
			continue
		}
		if ask.Mul(t.Amount).GreaterThan(surplus) {
			continue
		}
		return t
	}
	return nil
}

// executeBuy pays the ask from the buyer's liquid value and delivers the
// ticket. Reports whether the trade executed; a buyer who cannot cover the
// ask is skipped without error so the round can try other buckets.
func (m *Market) executeBuy(day int, elog *event.Log, buyer ledger.AgentID, b *bucket, tkt *ledger.Instrument, ask decimal.Decimal) (bool, error) {
	cashDue := ask.Mul(tkt.Amount)
	err := m.book.Atomic(func(tx *ledger.Tx) error {
		if err := m.payLiquid(tx, buyer, b.agents.Dealer, cashDue); err != nil {
			return err
		}
		return tx.Transfer(tkt.ID, b.agents.Dealer, buyer)
	})
	if err != nil {
		return false, nil // insufficient liquid value; skip this purchase
	}

	elog.Append(day, event.PhaseTrading, event.KindTradeExecuted, event.Record{
		Agent:        buyer,
		Counterparty: b.agents.Dealer,
		Instrument:   tkt.ID,
		Amount:       tkt.Amount,
		Price:        ask,
		Bucket:       b.id,
		Venue:        event.VenueDealer,
		Note:         "buy",
	})
	return true, nil
}

// payLiquid covers the amount from the buyer's cash first, then deposits.
// Fails, rolling back, when the combined liquid balance falls short.
func (m *Market) payLiquid(tx *ledger.Tx, from, to ledger.AgentID, amount decimal.Decimal) error {
	remaining := amount
	cash := m.book.MoneyBalance(from, ledger.Cash)
	if cash.Sign() > 0 {
		take := decimal.Min(cash, remaining)
		if err := ledger.MoveMoney(tx, ledger.Cash, m.central, from, to, take); err != nil {
			return err
		}
		remaining = remaining.Sub(take)
	}
	if remaining.IsZero() {
		return nil
	}
	return m.payFromDeposits(tx, from, to, remaining)
}

// payFromDeposits drains the payer's deposits bank by bank to cover the
// amount, crediting the receiver at each issuing bank.
func (m *Market) payFromDeposits(tx *ledger.Tx, from, to ledger.AgentID, amount decimal.Decimal) error {
	remaining := amount
	for _, dep := range m.book.Holdings(from, ledger.BankDeposit) {
		if dep.Amount.IsZero() {
			continue
		}
		take := decimal.Min(dep.Amount, remaining)
		if err := ledger.MoveMoney(tx, ledger.BankDeposit, dep.Issuer, from, to, take); err != nil {
			return err
		}
		remaining = remaining.Sub(take)
		if remaining.IsZero() {
			return nil
		}
	}
	return fmt.Errorf("insufficient deposits: short %s", remaining)
}

// topUpOutside mints fresh cash to the outside provider when its balance
// cannot cover a passthrough purchase. The outside provider has no capacity
// bound; the draw is an explicit minting event so money-supply conservation
// stays auditable.
func (m *Market) topUpOutside(day int, elog *event.Log, outside ledger.AgentID, need decimal.Decimal) error {
	have := m.book.MoneyBalance(outside, ledger.Cash)
	if have.GreaterThanOrEqual(need) {
		return nil
	}
	short := need.Sub(have)
	err := m.book.Atomic(func(tx *ledger.Tx) error {
		_, err := tx.CreateInstrument(ledger.CreateSpec{
			Kind:   ledger.Cash,
			Issuer: m.central,
			Holder: outside,
			Amount: short,
		})
		return err
	})
	if err != nil {
		return err
	}
	elog.Append(day, event.PhaseTrading, event.KindMint, event.Record{
		Agent:  outside,
		Amount: short,
		Note:   "outside-provider backstop draw",
	})
	return nil
}

// RecordRecovery feeds a bucket's realized recovery fraction (1 − loss
// rate) back into the outside provider's anchor: losses depress the
// midpoint and widen the spread for the next period.
func (m *Market) RecordRecovery(bucketID int, fraction decimal.Decimal) {
	b := m.buckets[bucketID]
	loss := one.Sub(fraction)
	if loss.Sign() < 0 {
		loss = zero
	}

	target := fraction.Mul(b.parMid)
	b.mid = one.Sub(m.cfg.AnchorAlpha).Mul(b.mid).Add(m.cfg.AnchorAlpha.Mul(target))
	b.spread = b.spread.Add(m.cfg.SpreadBeta.Mul(loss).Mul(b.parMid))

	// Keep the outside bid non-negative.
	if b.spread.GreaterThan(b.mid.Mul(two)) {
		b.spread = b.mid.Mul(two)
	}

	m.log.Debug().
		Int("bucket", bucketID).
		Str("recovery", fraction.String()).
		Str("mid", b.mid.String()).
		Str("spread", b.spread.String()).
		Msg("anchor updated from realized settlement")
}

// Anchor returns the bucket's current outside anchor (mid, spread).
func (m *Market) Anchor(bucketID int) (decimal.Decimal, decimal.Decimal) {
	b := m.buckets[bucketID]
	return b.mid, b.spread
}

// BucketOf returns the agents of one bucket.
func (m *Market) BucketOf(bucketID int) BucketAgents {
	return m.buckets[bucketID].agents
}

// IsMakerOf reports whether the agent is the dealer or outside provider of
// any bucket.
func (m *Market) IsMakerOf(agent ledger.AgentID) bool {
	for _, b := range m.buckets {
		if b.agents.Dealer == agent || b.agents.Outside == agent {
			return true
		}
	}
	return false
}

// rebucket moves tickets whose remaining time-to-maturity has crossed a
// bucket boundary. A ticket held by a market maker moves to the destination
// bucket's corresponding maker at the destination mid (cash moves the other
// way); a trader-held ticket is only retagged. Either way the move is
// logged, because it changes which pricing governs the ticket.
func (m *Market) rebucket(day int, elog *event.Log) error {
	for _, in := range m.book.Instruments() {
		if in.Kind != ledger.Ticket {
			continue
		}
		newID := m.cfg.BucketFor(in.DueDay - day)
		if newID == in.BucketID {
			continue
		}
		oldID := in.BucketID
		holder := in.EffectiveHolder()
		from := m.buckets[oldID].agents
		to := m.buckets[newID].agents
		destMid, _ := m.Anchor(newID)
		price := destMid
		face := in.Amount

		var dst ledger.AgentID
		switch holder {
		case from.Dealer:
			dst = to.Dealer
			headroom := m.buckets[newID].capacity.Sub(m.inventoryFace(m.buckets[newID]))
			if face.GreaterThan(headroom) || m.book.MoneyBalance(dst, ledger.Cash).LessThan(price.Mul(face)) {
				dst = to.Outside
			}
		case from.Outside:
			dst = to.Outside
		default:
			// Trader-held ticket: pricing regime changes, ownership does not.
			err := m.book.Atomic(func(tx *ledger.Tx) error {
				return tx.SetBucket(in.ID, newID)
			})
			if err != nil {
				return err
			}
			elog.Append(day, event.PhaseTrading, event.KindRebucketSale, event.Record{
				Agent:      holder,
				Instrument: in.ID,
				Amount:     face,
				Bucket:     newID,
				Note:       fmt.Sprintf("retag from bucket %d", oldID),
			})
			continue
		}

		if dst == to.Outside {
			if err := m.topUpOutside(day, elog, dst, price.Mul(face)); err != nil {
				return err
			}
		}
		err := m.book.Atomic(func(tx *ledger.Tx) error {
			if err := ledger.MoveMoney(tx, ledger.Cash, m.central, dst, holder, price.Mul(face)); err != nil {
				return err
			}
			if err := tx.Transfer(in.ID, holder, dst); err != nil {
				return err
			}
			return tx.SetBucket(in.ID, newID)
		})
		if err != nil {
			return fmt.Errorf("rebucket ticket %d: %w", in.ID, err)
		}
		elog.Append(day, event.PhaseTrading, event.KindRebucketSale, event.Record{
			Agent:        holder,
			Counterparty: dst,
			Instrument:   in.ID,
			Amount:       face,
			Price:        price,
			Bucket:       newID,
			Note:         fmt.Sprintf("moved from bucket %d", oldID),
		})
	}
	return nil
}
