// Package degradation watches the core's dependencies and publishes the
// capability mode the pipeline runs in. Health flips pass through hysteresis
// and a per-dependency cooldown so a flapping dependency cannot thrash the
// mode.
package degradation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode is the system capability level.
type Mode int32

const (
	ModeFull    Mode = iota // everything available
	ModeAmnesia             // memory unavailable; retrieval skipped
	ModeOffline             // generation providers unavailable; cache and local only
	ModeDead                // both unavailable; fixed safe responses, no actions
)

// String returns the string representation of a mode.
func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeAmnesia:
		return "amnesia"
	case ModeOffline:
		return "offline"
	case ModeDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ParseMode parses the output of Mode.String.
func ParseMode(s string) (Mode, error) {
	for m := ModeFull; m <= ModeDead; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return ModeDead, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Role groups dependencies by the capability they back.
type Role string

const (
	RoleMemory     Role = "memory"
	RoleGeneration Role = "generation"
	RoleStorage    Role = "storage" // reported only; never changes the mode
)

// ModeFor maps capability health to a mode.
func ModeFor(memoryOK, generationOK bool) Mode {
	switch {
	case memoryOK && generationOK:
		return ModeFull
	case !memoryOK && generationOK:
		return ModeAmnesia
	case memoryOK && !generationOK:
		return ModeOffline
	default:
		return ModeDead
	}
}

// Transition records a mode change.
type Transition struct {
	From   Mode      `json:"from"`
	To     Mode      `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}
