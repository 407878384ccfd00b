// Package charger defines the charger collaborator's interface (§6):
// the allocator reads and writes a per-battery charging phase but does
// not otherwise drive the charging state machine itself.
package charger

// Phase is one of the four charging states maintained by the external
// charger collaborator. The allocator only reads/writes this signal.
type Phase uint8

const (
	Bulk Phase = iota
	Absorption
	Rest
	Float
)

func (p Phase) String() string {
	switch p {
	case Bulk:
		return "bulk"
	case Absorption:
		return "absorption"
	case Rest:
		return "rest"
	case Float:
		return "float"
	default:
		return "unknown"
	}
}

// Collaborator is the external charger state machine's interface onto
// the allocator, per §6's "Charger collaborator" and §9's note on the
// cyclic monitor/charger reference: the allocator gets read/write
// access to the phase field only, never to the charger's own timers.
type Collaborator interface {
	// Phase returns battery i's current charging phase.
	Phase(i int) Phase
	// SetPhase forces battery i's charging phase (used by allocator
	// rule D1 to force float back to bulk when SoC drops).
	SetPhase(i int, p Phase)
	// SetPreferredPanelTarget communicates the allocator's chosen
	// charge target so the charger collaborator knows which battery
	// the panel switch has been aimed at (§4.3 O4).
	SetPreferredPanelTarget(batteryIndex int)
}
