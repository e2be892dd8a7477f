package perception

import (
	"regexp"

	"github.com/normanking/cortexcore/internal/affect"
)

// CueObjection marks input that objects to what was just done.
const CueObjection = "objection"

// DefaultCues returns the built-in cue table.
func DefaultCues() []Cue {
	v := affect.Value
	return []Cue{
		{
			Name:    "gratitude",
			Pattern: regexp.MustCompile(`\b(thanks|thank you|appreciate|great job|nice work|perfect)\b`),
			Weight:  0.6,
			Target:  affect.PartialState{Trust: v(0.8), Warmth: v(0.8), Valence: v(0.8)},
		},
		{
			Name:    "affection",
			Pattern: regexp.MustCompile(`\b(love|glad|happy|awesome|wonderful)\b|:\)|<3`),
			Weight:  0.4,
			Target:  affect.PartialState{Warmth: v(0.9), Valence: v(0.8)},
		},
		{
			Name:    "frustration",
			Pattern: regexp.MustCompile(`\b(frustrat\w*|annoy\w*|ugh|useless|broken|stupid|wtf)\b`),
			Weight:  0.7,
			Target:  affect.PartialState{Arousal: v(0.8), Valence: v(0.15), Warmth: v(0.3)},
		},
		{
			Name:    CueObjection,
			Pattern: regexp.MustCompile(`\b(undo|revert|roll ?back|that'?s wrong|you broke|don'?t do that|not what i asked)\b`),
			Weight:  0.8,
			Target:  affect.PartialState{Trust: v(0.2), Valence: v(0.2)},
		},
		{
			Name:    "urgency",
			Pattern: regexp.MustCompile(`\b(asap|urgent\w*|immediately|right now|hurry|quickly)\b|!!+`),
			Weight:  0.5,
			Target:  affect.PartialState{Arousal: v(0.9)},
		},
		{
			Name:    "delegation",
			Pattern: regexp.MustCompile(`\b(go ahead|just do it|take care of|handle it|you decide|do it for me)\b`),
			Weight:  0.5,
			Target:  affect.PartialState{Trust: v(0.85), Arousal: v(0.6)},
		},
		{
			Name:    "technical",
			Pattern: regexp.MustCompile(`\b(stack ?trace|segfault|goroutine|kubernetes|latency|benchmark|regex|compile\w*|deadlock)\b`),
			Weight:  0.3,
			Target:  affect.PartialState{Warmth: v(0.35), Valence: v(0.5)},
		},
		{
			Name:    "calm",
			Pattern: regexp.MustCompile(`\b(no rush|whenever|take your time|when you can)\b`),
			Weight:  0.4,
			Target:  affect.PartialState{Arousal: v(0.15)},
		},
	}
}
