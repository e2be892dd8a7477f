// Package perception turns user input into an affective stimulus using
// weighted lexical cues. It does no language understanding.
package perception

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/normanking/cortexcore/internal/affect"
)

// Cue is one weighted pattern and the scalar targets it pushes toward.
type Cue struct {
	Name    string
	Pattern *regexp.Regexp
	Weight  float64
	Target  affect.PartialState
}

// CueSpec is the configuration form of a Cue.
type CueSpec struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Pattern string   `mapstructure:"pattern" yaml:"pattern"`
	Weight  float64  `mapstructure:"weight" yaml:"weight"`
	Trust   *float64 `mapstructure:"trust" yaml:"trust,omitempty"`
	Warmth  *float64 `mapstructure:"warmth" yaml:"warmth,omitempty"`
	Arousal *float64 `mapstructure:"arousal" yaml:"arousal,omitempty"`
	Valence *float64 `mapstructure:"valence" yaml:"valence,omitempty"`
}

// Compile validates the cue and compiles its pattern.
func (s CueSpec) Compile() (Cue, error) {
	re, err := regexp.Compile(s.Pattern)
	if err != nil {
		return Cue{}, fmt.Errorf("cue %q: %w", s.Name, err)
	}
	if s.Weight <= 0 {
		return Cue{}, fmt.Errorf("cue %q: weight must be positive", s.Name)
	}
	target := affect.PartialState{Trust: s.Trust, Warmth: s.Warmth, Arousal: s.Arousal, Valence: s.Valence}
	if target.Empty() {
		return Cue{}, fmt.Errorf("cue %q: sets no scalar", s.Name)
	}
	return Cue{Name: s.Name, Pattern: re, Weight: s.Weight, Target: target}, nil
}

// Perception is what the Perceive step hands to the affect engine.
type Perception struct {
	Stimulus affect.PartialState `json:"stimulus"`
	Weight   float64             `json:"weight"`
	Cues     []string            `json:"cues,omitempty"`
	// Negative is set when the input reads as an objection to a previous
	// action.
	Negative bool `json:"negative,omitempty"`
}

// Perceiver scores input against a cue table.
type Perceiver struct {
	cues []Cue
}

// New creates a perceiver over cues. With no cues it uses DefaultCues.
func New(cues ...Cue) *Perceiver {
	if len(cues) == 0 {
		cues = DefaultCues()
	}
	return &Perceiver{cues: cues}
}

// FromSpecs compiles configured cues. An empty list yields the defaults.
func FromSpecs(specs []CueSpec) (*Perceiver, error) {
	cues := make([]Cue, 0, len(specs))
	for _, s := range specs {
		c, err := s.Compile()
		if err != nil {
			return nil, err
		}
		cues = append(cues, c)
	}
	return New(cues...), nil
}

// Perceive matches every cue against input. Each scalar target is the
// weight-averaged target of the cues that set it; the overall weight is the
// summed cue weight capped at 1.
func (p *Perceiver) Perceive(input string) Perception {
	lower := strings.ToLower(input)

	var (
		sums, weights [4]float64
		total         float64
		out           Perception
	)
	for _, c := range p.cues {
		if !c.Pattern.MatchString(lower) {
			continue
		}
		out.Cues = append(out.Cues, c.Name)
		total += c.Weight
		for i, v := range fields(c.Target) {
			if v != nil {
				sums[i] += *v * c.Weight
				weights[i] += c.Weight
			}
		}
		if c.Name == CueObjection {
			out.Negative = true
		}
	}
	if total == 0 {
		return out
	}

	targets := fields(affect.PartialState{})
	for i := range targets {
		if weights[i] > 0 {
			targets[i] = affect.Value(sums[i] / weights[i])
		}
	}
	out.Stimulus = affect.PartialState{Trust: targets[0], Warmth: targets[1], Arousal: targets[2], Valence: targets[3]}
	out.Weight = min(total, 1.0)
	return out
}

func fields(s affect.PartialState) [4]*float64 {
	return [4]*float64{s.Trust, s.Warmth, s.Arousal, s.Valence}
}
