package ledger

import "fmt"

// CheckMode controls when the full invariant walk runs.
type CheckMode uint8

const (
	CheckDisabled CheckMode = iota
	CheckOnSetup
	CheckEveryDay
)

func (m CheckMode) String() string {
	switch m {
	case CheckDisabled:
		return "disabled"
	case CheckOnSetup:
		return "on-setup"
	case CheckEveryDay:
		return "on-every-day"
	default:
		return "unknown"
	}
}

// ParseCheckMode maps the scenario-file spelling to a CheckMode.
func ParseCheckMode(s string) (CheckMode, error) {
	switch s {
	case "disabled", "off":
		return CheckDisabled, nil
	case "on-setup", "setup":
		return CheckOnSetup, nil
	case "on-every-day", "daily", "":
		return CheckEveryDay, nil
	default:
		return 0, fmt.Errorf("unknown invariant check mode %q", s)
	}
}

// CheckInvariants walks every instrument and both registries of every agent
// and verifies the double-entry invariant. The asset side is resolved
// through the effective holder, not the issuer-recorded original creditor.
// A violation is fatal: it means the simulated world is no longer
// well-defined, and callers abort the run.
//
// The walk is read-only and iterates in ascending-id order, so running it
// twice with no mutation in between yields identical results.
func (b *Book) CheckInvariants() error {
	for _, in := range b.Instruments() {
		if in.Amount.IsNegative() {
			return fmt.Errorf("%w: instrument %d (%s) has negative amount %s",
				ErrInvariantViolation, in.ID, in.Kind, in.Amount)
		}

		holderID := in.EffectiveHolder()
		holder, ok := b.agents[holderID]
		if !ok {
			return fmt.Errorf("%w: instrument %d held by unknown agent %q",
				ErrInvariantViolation, in.ID, holderID)
		}
		if !holder.holdsAsset(in.ID) {
			return fmt.Errorf("%w: instrument %d missing from asset registry of effective holder %q",
				ErrInvariantViolation, in.ID, holderID)
		}

		if in.Kind != StockLot {
			issuer, ok := b.agents[in.Issuer]
			if !ok {
				return fmt.Errorf("%w: instrument %d issued by unknown agent %q",
					ErrInvariantViolation, in.ID, in.Issuer)
			}
			if !issuer.owesLiability(in.ID) {
				return fmt.Errorf("%w: instrument %d missing from liability registry of issuer %q",
					ErrInvariantViolation, in.ID, in.Issuer)
			}
		}
	}

	// Reverse direction: no registry entry may point at a ghost, and every
	// asset entry must agree with the instrument's effective holder.
	for _, a := range b.Agents() {
		for id := range a.Assets {
			in, ok := b.instruments[id]
			if !ok {
				return fmt.Errorf("%w: agent %q asset registry references removed instrument %d",
					ErrInvariantViolation, a.ID, id)
			}
			if in.EffectiveHolder() != a.ID {
				return fmt.Errorf("%w: agent %q asset registry claims instrument %d held by %q",
					ErrInvariantViolation, a.ID, id, in.EffectiveHolder())
			}
		}
		for id := range a.Liabilities {
			in, ok := b.instruments[id]
			if !ok {
				return fmt.Errorf("%w: agent %q liability registry references removed instrument %d",
					ErrInvariantViolation, a.ID, id)
			}
			if in.Issuer != a.ID {
				return fmt.Errorf("%w: agent %q liability registry claims instrument %d issued by %q",
					ErrInvariantViolation, a.ID, id, in.Issuer)
			}
		}
	}

	return nil
}
