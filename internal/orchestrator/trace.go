package orchestrator

import (
	"encoding/json"
	"time"
)

// Step is a pipeline state.
type Step int

const (
	StepReceived Step = iota
	StepPerceived
	StepRetrieved
	StepRetrievalSkipped
	StepGenerated
	StepFiltered
	StepSynthesized
	StepActed
	StepActSkipped
	StepStateUpdated
	StepLogged
	StepReturned
)

var stepNames = [...]string{
	StepReceived:         "received",
	StepPerceived:        "perceived",
	StepRetrieved:        "retrieved",
	StepRetrievalSkipped: "retrieval_skipped",
	StepGenerated:        "generated",
	StepFiltered:         "filtered",
	StepSynthesized:      "synthesized",
	StepActed:            "acted",
	StepActSkipped:       "act_skipped",
	StepStateUpdated:     "state_updated",
	StepLogged:           "logged",
	StepReturned:         "returned",
}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return "unknown"
}

func (s Step) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON maps unrecognized names to an unknown step rather than
// failing, so traces written by newer versions still load.
func (s *Step) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*s = parseStep(name)
	return nil
}

// TraceEntry records one step of a turn.
type TraceEntry struct {
	Step     Step          `json:"step"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Note     string        `json:"note,omitempty"`
}

// tracer accumulates a turn's trace.
type tracer struct {
	now     func() time.Time
	last    time.Time
	entries []TraceEntry
	observe func(step string, d time.Duration)
}

func newTracer(now func() time.Time, observe func(string, time.Duration)) *tracer {
	return &tracer{now: now, last: now(), observe: observe}
}

func (t *tracer) mark(s Step, note string) {
	now := t.now()
	d := now.Sub(t.last)
	t.last = now
	t.entries = append(t.entries, TraceEntry{Step: s, At: now, Duration: d, Note: note})
	if t.observe != nil {
		t.observe(s.String(), d)
	}
}

func (t *tracer) steps() []Step {
	out := make([]Step, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Step
	}
	return out
}
