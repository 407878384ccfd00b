package charger

// Simulated is an in-memory charger collaborator for the simulator
// harness (cmd/simulate) and for engine/allocator tests. It
// has no timers of its own; phases are driven directly by the caller.
type Simulated struct {
	phases    []Phase
	preferred int
}

// NewSimulated creates a simulated charger collaborator for n batteries,
// all initially in the bulk phase.
func NewSimulated(n int) *Simulated {
	return &Simulated{phases: make([]Phase, n)}
}

func (s *Simulated) Phase(i int) Phase {
	if i < 0 || i >= len(s.phases) {
		return Bulk
	}
	return s.phases[i]
}

func (s *Simulated) SetPhase(i int, p Phase) {
	if i < 0 || i >= len(s.phases) {
		return
	}
	s.phases[i] = p
}

func (s *Simulated) SetPreferredPanelTarget(batteryIndex int) { s.preferred = batteryIndex }

// PreferredPanelTarget exposes the last value set, used by simulator
// assertions and the live websocket feed.
func (s *Simulated) PreferredPanelTarget() int { return s.preferred }
