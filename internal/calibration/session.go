package calibration

import (
	"encoding/json"
	"fmt"
)

// Mode selects how transforms are produced.
type Mode int

const (
	// Automatic collects one cloud per topic, solves from the shared ground
	// plane, saves, and stops.
	Automatic Mode = iota
	// Interactive applies operator edits live until the process is stopped.
	Interactive
)

func (m Mode) String() string {
	switch m {
	case Automatic:
		return "automatic"
	case Interactive:
		return "interactive"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// MarshalJSON encodes the mode name.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// Phase is the controller state.
type Phase int

const (
	// Collecting waits for every topic to deliver a cloud (automatic).
	Collecting Phase = iota
	// Solving fits ground planes and aligns every sensor (automatic).
	Solving
	// Adjusting applies manual edits (interactive).
	Adjusting
	// Saving writes the transform table.
	Saving
	// Done means the automatic session has saved and Run has returned.
	Done
)

func (p Phase) String() string {
	switch p {
	case Collecting:
		return "collecting"
	case Solving:
		return "solving"
	case Adjusting:
		return "adjusting"
	case Saving:
		return "saving"
	case Done:
		return "done"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// MarshalJSON encodes the phase name.
func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// Session is the controller state owned by the Run goroutine.
type Session struct {
	Mode  Mode
	Phase Phase
	// ActiveTopic is the topic interactive edits apply to. Empty until the
	// first selection.
	ActiveTopic string
	// LoadPending is set by a topic switch; the next edit event for the active
	// topic only loads its stored params.
	LoadPending bool
	// PendingFlush is set when subscribers must be sent the active topic's
	// stored params on the next tick.
	PendingFlush bool
}

func newSession(m Mode) Session {
	s := Session{Mode: m, Phase: Collecting}
	if m == Interactive {
		s.Phase = Adjusting
	}
	return s
}
