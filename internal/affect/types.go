// Package affect maintains the continuous affective state of every actor the
// core talks to. Four scalars (trust, warmth, arousal, valence) move
// asymptotically toward stimuli, decay toward a baseline between turns, and
// together select an interaction posture.
package affect

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Levels holds one value per affective scalar. It doubles as the shape of
// rates and baselines in Config.
type Levels struct {
	Trust   float64 `json:"trust" mapstructure:"trust" yaml:"trust"`
	Warmth  float64 `json:"warmth" mapstructure:"warmth" yaml:"warmth"`
	Arousal float64 `json:"arousal" mapstructure:"arousal" yaml:"arousal"`
	Valence float64 `json:"valence" mapstructure:"valence" yaml:"valence"`
}

// Clamped returns l with every value forced into [0,1].
func (l Levels) Clamped() Levels {
	return Levels{
		Trust:   clamp01(l.Trust),
		Warmth:  clamp01(l.Warmth),
		Arousal: clamp01(l.Arousal),
		Valence: clamp01(l.Valence),
	}
}

// State is the affective state of one actor.
type State struct {
	Levels
	Posture   Posture   `json:"posture"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PartialState is a stimulus. Nil fields leave the matching scalar alone.
type PartialState struct {
	Trust   *float64 `json:"trust,omitempty"`
	Warmth  *float64 `json:"warmth,omitempty"`
	Arousal *float64 `json:"arousal,omitempty"`
	Valence *float64 `json:"valence,omitempty"`
}

// Value returns a pointer to v, for building a PartialState literal.
func Value(v float64) *float64 { return &v }

// Empty reports whether the stimulus touches no scalar.
func (p PartialState) Empty() bool {
	return p.Trust == nil && p.Warmth == nil && p.Arousal == nil && p.Valence == nil
}

// Merge overlays o on p. Fields set in o win.
func (p PartialState) Merge(o PartialState) PartialState {
	if o.Trust != nil {
		p.Trust = o.Trust
	}
	if o.Warmth != nil {
		p.Warmth = o.Warmth
	}
	if o.Arousal != nil {
		p.Arousal = o.Arousal
	}
	if o.Valence != nil {
		p.Valence = o.Valence
	}
	return p
}

// Posture is the interaction stance derived from the affective scalars.
type Posture int

const (
	PostureCompanion Posture = iota
	PostureCoPilot
	PosturePeer
	PostureExpert
)

// String returns the string representation of a posture.
func (p Posture) String() string {
	switch p {
	case PostureCompanion:
		return "companion"
	case PostureCoPilot:
		return "copilot"
	case PosturePeer:
		return "peer"
	case PostureExpert:
		return "expert"
	default:
		return "unknown"
	}
}

// ParsePosture parses the output of Posture.String.
func ParsePosture(s string) (Posture, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "companion":
		return PostureCompanion, nil
	case "copilot", "co-pilot":
		return PostureCoPilot, nil
	case "peer":
		return PosturePeer, nil
	case "expert":
		return PostureExpert, nil
	}
	return PostureCompanion, fmt.Errorf("unknown posture %q", s)
}

func (p Posture) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Posture) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePosture(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func clamp01(v float64) float64 {
	if v != v { // NaN
		return 0
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
