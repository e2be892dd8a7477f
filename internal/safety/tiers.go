// Package safety gates and executes mutating actions. Every action is checked
// against the actor's trust tier once, at this boundary; mutating actions are
// snapshotted before they run and logged after, so any of them can be rolled
// back.
package safety

import (
	"fmt"
	"strings"
)

// TrustTier is the ordinal trust level of an actor, 0 (least) to 4.
type TrustTier int

const (
	TierObserver TrustTier = iota
	TierAssistant
	TierAdvisor
	TierDelegate
	TierAutonomous
)

// MaxTier is the highest valid tier.
const MaxTier = TierAutonomous

// String returns the string representation of a tier.
func (t TrustTier) String() string {
	switch t {
	case TierObserver:
		return "observer"
	case TierAssistant:
		return "assistant"
	case TierAdvisor:
		return "advisor"
	case TierDelegate:
		return "delegate"
	case TierAutonomous:
		return "autonomous"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is in range.
func (t TrustTier) Valid() bool {
	return t >= TierObserver && t <= MaxTier
}

// Enforcement decides what happens when a tool is outside a tier's set.
type Enforcement string

const (
	EnforceHard     Enforcement = "hard"     // deny with PermissionDenied
	EnforceAdvisory Enforcement = "advisory" // allow, mark overridden, warn
)

// Allowed-set tokens matching a class of tools rather than a name.
const (
	AllowAll      = "*"
	AllowReadOnly = "@readonly"
	AllowMutating = "@mutating"
)

// TierPolicy is one row of the capability table.
type TierPolicy struct {
	Tier        TrustTier   `mapstructure:"tier" yaml:"tier" json:"tier"`
	Allowed     []string    `mapstructure:"allowed" yaml:"allowed" json:"allowed"`
	Enforcement Enforcement `mapstructure:"enforcement" yaml:"enforcement" json:"enforcement"`
}

func (p TierPolicy) allows(tool Tool) bool {
	for _, a := range p.Allowed {
		switch a {
		case AllowAll:
			return true
		case AllowReadOnly:
			if !tool.Mutating() {
				return true
			}
		case AllowMutating:
			if tool.Mutating() {
				return true
			}
		default:
			if strings.EqualFold(a, tool.Name()) {
				return true
			}
		}
	}
	return false
}

// DefaultCapabilities returns the standard capability table.
func DefaultCapabilities() []TierPolicy {
	return []TierPolicy{
		{Tier: TierObserver, Allowed: []string{AllowReadOnly}, Enforcement: EnforceHard},
		{Tier: TierAssistant, Allowed: []string{AllowReadOnly}, Enforcement: EnforceHard},
		{Tier: TierAdvisor, Allowed: []string{AllowReadOnly}, Enforcement: EnforceAdvisory},
		{Tier: TierDelegate, Allowed: []string{AllowReadOnly, AllowMutating}, Enforcement: EnforceAdvisory},
		{Tier: TierAutonomous, Allowed: []string{AllowAll}, Enforcement: EnforceHard},
	}
}

// Decision is the outcome of a capability check.
type Decision struct {
	Allowed    bool
	Overridden bool // executed outside the allowed set under advisory enforcement
	Reason     string
}

// Capabilities maps each tier to its policy.
type Capabilities struct {
	policies map[TrustTier]TierPolicy
}

// NewCapabilities builds a table. Every tier 0..MaxTier must be present.
func NewCapabilities(policies []TierPolicy) (*Capabilities, error) {
	c := &Capabilities{policies: make(map[TrustTier]TierPolicy, len(policies))}
	for _, p := range policies {
		if !p.Tier.Valid() {
			return nil, fmt.Errorf("capability table: invalid tier %d", p.Tier)
		}
		if p.Enforcement != EnforceHard && p.Enforcement != EnforceAdvisory {
			return nil, fmt.Errorf("capability table: tier %s: unknown enforcement %q", p.Tier, p.Enforcement)
		}
		if _, dup := c.policies[p.Tier]; dup {
			return nil, fmt.Errorf("capability table: duplicate tier %s", p.Tier)
		}
		c.policies[p.Tier] = p
	}
	for t := TierObserver; t <= MaxTier; t++ {
		if _, ok := c.policies[t]; !ok {
			return nil, fmt.Errorf("capability table: missing tier %s", t)
		}
	}
	return c, nil
}

// Check decides whether tier may run tool.
func (c *Capabilities) Check(tier TrustTier, tool Tool) Decision {
	p, ok := c.policies[tier]
	if !ok {
		return Decision{Reason: fmt.Sprintf("unknown trust tier %d", int(tier))}
	}
	if p.allows(tool) {
		return Decision{Allowed: true}
	}
	reason := fmt.Sprintf("tool %s is outside the %s tier", tool.Name(), tier)
	if p.Enforcement == EnforceAdvisory {
		return Decision{Allowed: true, Overridden: true, Reason: reason}
	}
	return Decision{Reason: reason}
}
