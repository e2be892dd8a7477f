package affect

// Threshold is one condition of a posture rule.
type Threshold struct {
	Scalar string  // trust, warmth, arousal, valence
	Min    float64 // satisfied when value >= Min (ignored if Below)
	Below  bool    // satisfied when value < Min instead
}

func (t Threshold) satisfied(l Levels) bool {
	var v float64
	switch t.Scalar {
	case "trust":
		v = l.Trust
	case "warmth":
		v = l.Warmth
	case "arousal":
		v = l.Arousal
	case "valence":
		v = l.Valence
	default:
		return false
	}
	if t.Below {
		return v < t.Min
	}
	return v >= t.Min
}

// PostureRule scores a posture by the fraction of its thresholds that hold.
type PostureRule struct {
	Posture    Posture
	Thresholds []Threshold
}

// Score returns the fraction of satisfied thresholds in [0,1].
func (r PostureRule) Score(l Levels) float64 {
	if len(r.Thresholds) == 0 {
		return 0
	}
	n := 0
	for _, t := range r.Thresholds {
		if t.satisfied(l) {
			n++
		}
	}
	return float64(n) / float64(len(r.Thresholds))
}

// DefaultPostureRules returns the standard threshold table, listed in
// tie-break priority order.
func DefaultPostureRules() []PostureRule {
	return []PostureRule{
		{PostureCoPilot, []Threshold{
			{Scalar: "trust", Min: 0.7},
			{Scalar: "arousal", Min: 0.5},
		}},
		{PostureExpert, []Threshold{
			{Scalar: "trust", Min: 0.5},
			{Scalar: "warmth", Min: 0.5, Below: true},
			{Scalar: "valence", Min: 0.4},
		}},
		{PosturePeer, []Threshold{
			{Scalar: "warmth", Min: 0.4},
			{Scalar: "trust", Min: 0.4},
			{Scalar: "arousal", Min: 0.6, Below: true},
		}},
		{PostureCompanion, []Threshold{
			{Scalar: "warmth", Min: 0.6},
			{Scalar: "arousal", Min: 0.5, Below: true},
		}},
	}
}

// DerivePosture picks the posture with the highest score. Ties go to the rule
// listed first. If no rule scores above zero the actor is a Companion.
func DerivePosture(l Levels, rules []PostureRule) Posture {
	best := PostureCompanion
	bestScore := 0.0
	for _, r := range rules {
		if s := r.Score(l); s > bestScore {
			best, bestScore = r.Posture, s
		}
	}
	return best
}

// Style holds the generation adjustments a posture implies.
type Style struct {
	Tone        string  `json:"tone"`
	Verbosity   float64 `json:"verbosity"`    // 0 terse .. 1 expansive
	Initiative  float64 `json:"initiative"`   // willingness to propose actions
	Temperature float64 `json:"temperature"`
}

// StyleFor returns the preset style for a posture.
func StyleFor(p Posture) Style {
	switch p {
	case PostureCoPilot:
		return Style{Tone: "direct and action-oriented", Verbosity: 0.4, Initiative: 0.9, Temperature: 0.4}
	case PostureExpert:
		return Style{Tone: "precise and technical", Verbosity: 0.7, Initiative: 0.5, Temperature: 0.3}
	case PosturePeer:
		return Style{Tone: "collaborative and candid", Verbosity: 0.5, Initiative: 0.6, Temperature: 0.6}
	default:
		return Style{Tone: "warm and supportive", Verbosity: 0.6, Initiative: 0.2, Temperature: 0.7}
	}
}
