package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrInvariantViolation marks a broken double-entry invariant. It indicates
// a programming defect, never a valid simulated outcome; callers abort the
// run on it regardless of default-handling mode.
var ErrInvariantViolation = errors.New("invariant violation")

// ErrPolicy marks an instrument/agent-kind policy violation. The scenario
// layer surfaces it as a configuration error before the simulation starts.
var ErrPolicy = errors.New("policy violation")

// Book is the canonical ledger: it exclusively owns all agents and
// instruments. All mutation goes through Book (or a Tx wrapping it) so the
// double-entry invariant is never visible in a broken state outside an
// atomic step. Book is not safe for concurrent use; each simulation run
// owns its own instance.
type Book struct {
	agents      map[AgentID]*Agent
	agentOrder  []AgentID
	instruments map[InstrumentID]*Instrument
	nextID      InstrumentID
	nextSerial  int64
}

func NewBook() *Book {
	return &Book{
		agents:      make(map[AgentID]*Agent),
		instruments: make(map[InstrumentID]*Instrument),
		nextID:      1,
		nextSerial:  1,
	}
}

// AddAgent registers a new agent at scenario setup.
func (b *Book) AddAgent(id AgentID, kind AgentKind, name string) (*Agent, error) {
	if _, exists := b.agents[id]; exists {
		return nil, fmt.Errorf("duplicate agent id %q", id)
	}
	a := newAgent(id, kind, name)
	b.agents[id] = a
	b.agentOrder = append(b.agentOrder, id)
	return a, nil
}

// Agent returns the agent with the given id.
func (b *Book) Agent(id AgentID) (*Agent, bool) {
	a, ok := b.agents[id]
	return a, ok
}

// Agents returns all agents in registration order (deterministic).
func (b *Book) Agents() []*Agent {
	out := make([]*Agent, 0, len(b.agentOrder))
	for _, id := range b.agentOrder {
		out = append(out, b.agents[id])
	}
	return out
}

// AgentsOfKind returns agents of one kind in registration order.
func (b *Book) AgentsOfKind(kind AgentKind) []*Agent {
	var out []*Agent
	for _, id := range b.agentOrder {
		if a := b.agents[id]; a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// CentralAuthority returns the (single) central-authority agent.
func (b *Book) CentralAuthority() (*Agent, bool) {
	for _, id := range b.agentOrder {
		if a := b.agents[id]; a.Kind == KindCentralAuthority {
			return a, true
		}
	}
	return nil, false
}

// Instrument returns the instrument with the given id.
func (b *Book) Instrument(id InstrumentID) (*Instrument, bool) {
	in, ok := b.instruments[id]
	return in, ok
}

// Instruments returns all instruments ordered by ascending id.
func (b *Book) Instruments() []*Instrument {
	ids := make([]InstrumentID, 0, len(b.instruments))
	for id := range b.instruments {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Instrument, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.instruments[id])
	}
	return out
}

// NextSerial allocates a ticket serial number (monotonic, used for
// deterministic tie-breaking in the dealer market).
func (b *Book) NextSerial() int64 {
	s := b.nextSerial
	b.nextSerial++
	return s
}

// CreateSpec describes a prospective instrument for CreateInstrument.
// Unused fields stay at their zero value for kinds that do not carry them.
type CreateSpec struct {
	Kind             InstrumentKind
	Issuer           AgentID // empty for StockLot
	Holder           AgentID
	Amount           decimal.Decimal
	DueDay           int
	CreatedDay       int
	OriginalMaturity int
	BucketID         int
	IssuerTag        AgentID
}

// CreateInstrument allocates a new instrument id and updates both agents'
// registries atomically. Policy violations and negative amounts fail before
// any mutation.
func (b *Book) CreateInstrument(spec CreateSpec) (*Instrument, error) {
	if spec.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %s for new %s", ErrPolicy, spec.Amount, spec.Kind)
	}
	if spec.Kind.IsObligation() && spec.DueDay < spec.CreatedDay {
		return nil, fmt.Errorf("%w: %s due day %d before creation day %d", ErrPolicy, spec.Kind, spec.DueDay, spec.CreatedDay)
	}

	var issuer *Agent
	if spec.Issuer != "" {
		var ok bool
		issuer, ok = b.agents[spec.Issuer]
		if !ok {
			return nil, fmt.Errorf("unknown issuer %q", spec.Issuer)
		}
	}
	holder, ok := b.agents[spec.Holder]
	if !ok {
		return nil, fmt.Errorf("unknown holder %q", spec.Holder)
	}
	if err := checkPolicy(spec.Kind, issuer, holder); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPolicy, err)
	}

	in := &Instrument{
		ID:               b.nextID,
		Kind:             spec.Kind,
		Issuer:           spec.Issuer,
		Amount:           spec.Amount,
		DueDay:           spec.DueDay,
		CreatedDay:       spec.CreatedDay,
		OriginalMaturity: spec.OriginalMaturity,
		BucketID:         spec.BucketID,
		IssuerTag:        spec.IssuerTag,
	}
	switch spec.Kind {
	case Payable, DeliveryObligation:
		in.OriginalCreditor = spec.Holder
	case Ticket:
		in.Holder = spec.Holder
		in.Serial = b.NextSerial()
	default:
		in.Holder = spec.Holder
	}
	b.nextID++

	b.instruments[in.ID] = in
	holder.Assets[in.ID] = struct{}{}
	if issuer != nil {
		issuer.Liabilities[in.ID] = struct{}{}
	}
	return in, nil
}

// Transfer moves an instrument's asset-side reference from one agent to
// another. Fails with an invariant violation if the instrument is not
// currently held by from (resolved through the effective holder).
func (b *Book) Transfer(id InstrumentID, from, to AgentID) error {
	in, ok := b.instruments[id]
	if !ok {
		return fmt.Errorf("%w: transfer of unknown instrument %d", ErrInvariantViolation, id)
	}
	if in.EffectiveHolder() != from {
		return fmt.Errorf("%w: instrument %d held by %q, not %q", ErrInvariantViolation, id, in.EffectiveHolder(), from)
	}
	src, ok := b.agents[from]
	if !ok {
		return fmt.Errorf("%w: unknown agent %q", ErrInvariantViolation, from)
	}
	dst, ok := b.agents[to]
	if !ok {
		return fmt.Errorf("%w: unknown agent %q", ErrInvariantViolation, to)
	}
	if !CanHold(in.Kind, dst.Kind) {
		return fmt.Errorf("%w: agent kind %s may not hold %s", ErrPolicy, dst.Kind, in.Kind)
	}
	if !src.holdsAsset(id) {
		return fmt.Errorf("%w: instrument %d missing from holder registry of %q", ErrInvariantViolation, id, from)
	}

	delete(src.Assets, id)
	dst.Assets[id] = struct{}{}
	in.setHolder(to)
	return nil
}

// Remove deletes an instrument from the books: it comes off the effective
// holder's asset set and the issuer's liability set. Resolving through the
// effective holder matters: after a secondary-market transfer the original
// creditor no longer carries the claim.
func (b *Book) Remove(id InstrumentID) error {
	in, ok := b.instruments[id]
	if !ok {
		return fmt.Errorf("%w: removal of unknown instrument %d", ErrInvariantViolation, id)
	}
	holder, ok := b.agents[in.EffectiveHolder()]
	if !ok {
		return fmt.Errorf("%w: instrument %d has unknown holder %q", ErrInvariantViolation, id, in.EffectiveHolder())
	}
	delete(holder.Assets, id)
	if in.Kind != StockLot {
		if issuer, ok := b.agents[in.Issuer]; ok {
			delete(issuer.Liabilities, id)
		}
	}
	delete(b.instruments, id)
	return nil
}

// SetAmount rewrites an instrument's amount. Used by the settlement engine
// to drain money balances and to reduce partially settled obligations.
func (b *Book) SetAmount(id InstrumentID, amount decimal.Decimal) error {
	in, ok := b.instruments[id]
	if !ok {
		return fmt.Errorf("%w: amount change on unknown instrument %d", ErrInvariantViolation, id)
	}
	if amount.IsNegative() {
		return fmt.Errorf("%w: negative amount %s on instrument %d", ErrInvariantViolation, amount, id)
	}
	in.Amount = amount
	return nil
}

// MarkDefaulted flags the agent as defaulted. The agent stays on the books
// but is excluded from future scheduled actions.
func (b *Book) MarkDefaulted(id AgentID) error {
	a, ok := b.agents[id]
	if !ok {
		return fmt.Errorf("%w: default mark on unknown agent %q", ErrInvariantViolation, id)
	}
	a.Defaulted = true
	return nil
}

// Holdings returns the agent's asset instruments of one kind, ordered by
// ascending id (deterministic drain order for payments).
func (b *Book) Holdings(agent AgentID, kind InstrumentKind) []*Instrument {
	a, ok := b.agents[agent]
	if !ok {
		return nil
	}
	var out []*Instrument
	for id := range a.Assets {
		in := b.instruments[id]
		if in != nil && in.Kind == kind && in.EffectiveHolder() == agent {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LiabilitiesOf returns the agent's liability instruments of one kind,
// ordered by ascending id.
func (b *Book) LiabilitiesOf(agent AgentID, kind InstrumentKind) []*Instrument {
	a, ok := b.agents[agent]
	if !ok {
		return nil
	}
	var out []*Instrument
	for id := range a.Liabilities {
		in := b.instruments[id]
		if in != nil && in.Kind == kind {
			out = append(out, in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MoneyBalance sums the agent's holdings of one money kind.
func (b *Book) MoneyBalance(agent AgentID, kind InstrumentKind) decimal.Decimal {
	total := decimal.Zero
	for _, in := range b.Holdings(agent, kind) {
		total = total.Add(in.Amount)
	}
	return total
}

// LiquidBalance sums the agent's bank deposits and cash (the means of
// payment available to non-banks).
func (b *Book) LiquidBalance(agent AgentID) decimal.Decimal {
	return b.MoneyBalance(agent, BankDeposit).Add(b.MoneyBalance(agent, Cash))
}

// MoneyStock sums all money-like instruments on the books. Changes only via
// explicit minting (conservation property).
func (b *Book) MoneyStock() decimal.Decimal {
	total := decimal.Zero
	for _, in := range b.instruments {
		if in.Kind.IsMoney() {
			total = total.Add(in.Amount)
		}
	}
	return total
}
