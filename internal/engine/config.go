package engine

import (
	"errors"
	"fmt"

	"github.com/vlad-ds/bilancio/internal/ledger"
)

// ErrSettlementDefault is the fatal failure raised under fail-fast
// default handling when a debtor cannot fully pay a matured obligation.
var ErrSettlementDefault = errors.New("settlement default")

// DefaultMode selects how a settlement shortfall is handled. This is a
// declared experiment parameter, not a fixed policy: the whole point of the
// system is to compare outcomes under each choice.
type DefaultMode uint8

const (
	// FailFast terminates the run on the first shortfall.
	FailFast DefaultMode = iota
	// ExpelAgent marks the debtor defaulted, commits any partial payment,
	// writes off the debtor's remaining obligations, and skips the
	// debtor's future scheduled actions.
	ExpelAgent
)

func (m DefaultMode) String() string {
	switch m {
	case FailFast:
		return "fail-fast"
	case ExpelAgent:
		return "expel-agent"
	default:
		return "unknown"
	}
}

// ParseDefaultMode maps the scenario-file spelling to a DefaultMode.
func ParseDefaultMode(s string) (DefaultMode, error) {
	switch s {
	case "fail-fast", "failfast", "":
		return FailFast, nil
	case "expel-agent", "expel":
		return ExpelAgent, nil
	default:
		return 0, fmt.Errorf("unknown default-handling mode %q", s)
	}
}

// StopMode selects the run's stopping rule.
type StopMode uint8

const (
	// StopFixedDays runs exactly MaxDays days.
	StopFixedDays StopMode = iota
	// StopUntilQuiet runs until QuietThreshold consecutive quiet days,
	// bounded by MaxDays.
	StopUntilQuiet
)

func ParseStopMode(s string) (StopMode, error) {
	switch s {
	case "fixed", "fixed-day-count":
		return StopFixedDays, nil
	case "quiet", "run-until-quiet", "":
		return StopUntilQuiet, nil
	default:
		return 0, fmt.Errorf("unknown stop mode %q", s)
	}
}

// Config is the run configuration handed to the engine by the scenario
// layer.
type Config struct {
	Stop           StopMode
	MaxDays        int
	QuietThreshold int
	Defaults       DefaultMode
	Check          ledger.CheckMode
}

// Validate checks the run configuration.
func (c Config) Validate() error {
	if c.MaxDays < 1 {
		return fmt.Errorf("max days must be at least 1")
	}
	if c.Stop == StopUntilQuiet && c.QuietThreshold < 1 {
		return fmt.Errorf("quiet threshold must be at least 1 under run-until-quiet")
	}
	return nil
}
