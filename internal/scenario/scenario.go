// Package scenario loads and validates the YAML scenario description and
// assembles the run's collaborators: the book, the run configuration, the
// scheduled-action list, and (optionally) the dealer market.
package scenario

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigurationError marks a malformed scenario: unknown agent kinds,
// policy violations at setup, inconsistent dealer configuration. Always
// fatal, surfaced before the simulation starts.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string { return "scenario: " + e.msg }

func errf(format string, args ...any) error {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}

// File mirrors the YAML scenario document. All monetary amounts are
// strings, parsed to exact decimals at build time; floats are never
// accepted for money.
type File struct {
	Name   string              `yaml:"name"`
	Agents []AgentDef          `yaml:"agents"`
	Run    RunDef              `yaml:"run"`
	Dealer *DealerDef          `yaml:"dealer,omitempty"`
	Setup  []ActionDef         `yaml:"setup,omitempty"`
	Days   map[int][]ActionDef `yaml:"days"`
}

// AgentDef declares one agent.
type AgentDef struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	Name string `yaml:"name,omitempty"`
}

// RunDef carries the run configuration.
type RunDef struct {
	Stop           string `yaml:"stop"` // "fixed" or "quiet"
	MaxDays        int    `yaml:"max_days"`
	QuietThreshold int    `yaml:"quiet_threshold,omitempty"`
	Defaults       string `yaml:"defaults"`         // "fail-fast" or "expel-agent"
	Checks         string `yaml:"checks,omitempty"` // "disabled", "on-setup", "on-every-day"
}

// DealerDef carries the optional dealer-market configuration. Dealer and
// outside-provider capital is minted as new money at setup, never taken
// from the traded population.
type DealerDef struct {
	Enabled      bool        `yaml:"enabled"`
	Boundaries   []int       `yaml:"boundaries"`
	Capacity     []string    `yaml:"capacity"`
	Inner        string      `yaml:"inner"`
	Skew         string      `yaml:"skew"`
	AnchorMid    string      `yaml:"anchor_mid"`
	AnchorSpread string      `yaml:"anchor_spread"`
	AnchorAlpha  string      `yaml:"anchor_alpha"`
	SpreadBeta   string      `yaml:"spread_beta"`
	Lookahead    int         `yaml:"lookahead"`
	BuySide      bool        `yaml:"buy_side"`
	Buckets      []BucketDef `yaml:"buckets"`
}

// BucketDef names one bucket's market makers and their starting cash.
type BucketDef struct {
	Dealer      string `yaml:"dealer"`
	Outside     string `yaml:"outside"`
	DealerCash  string `yaml:"dealer_cash"`
	OutsideCash string `yaml:"outside_cash"`
}

// ActionDef declares one scheduled action.
type ActionDef struct {
	Action string `yaml:"action"`
	From   string `yaml:"from,omitempty"`
	To     string `yaml:"to,omitempty"`
	Bank   string `yaml:"bank,omitempty"`
	Amount string `yaml:"amount"`
	DueIn  int    `yaml:"due_in,omitempty"`
}

// Load reads and decodes a scenario file. Structural YAML errors surface
// as ConfigurationError; semantic validation happens in Build.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a scenario document from bytes.
func Parse(raw []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errf("decode: %v", err)
	}
	if f.Name == "" {
		return nil, errf("missing scenario name")
	}
	if len(f.Agents) == 0 {
		return nil, errf("at least one agent required")
	}
	return &f, nil
}
