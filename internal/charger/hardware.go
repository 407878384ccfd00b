package charger

import "batterymon/drivers/ltc4015"

// Hardware adapts one LTC4015 device per battery into the Collaborator
// interface. The LTC4015 itself has no single "phase" register; Phase
// derives it from CHARGER_STATE bits (see drivers/ltc4015/registers.go),
// folding equalize/absorb into absorption, precharge/CC-CV into bulk,
// suspended/timer-terminated/C-over-X-terminated into rest, and any
// other state into float.
type Hardware struct {
	devices   []*ltc4015.Device
	preferred int
}

// NewHardware wraps one LTC4015 device per battery slot, in index order.
func NewHardware(devices []*ltc4015.Device) *Hardware {
	return &Hardware{devices: devices}
}

func (h *Hardware) Phase(i int) Phase {
	if i < 0 || i >= len(h.devices) || h.devices[i] == nil {
		return Bulk
	}
	st, err := h.devices[i].ChargerState()
	if err != nil {
		return Bulk
	}
	switch {
	case st.Has(ltc4015.StEqualizeCharge):
		return Absorption
	case st.Has(ltc4015.StAbsorbCharge):
		return Absorption
	case st.Has(ltc4015.StPrecharge), st.Has(ltc4015.StCcCvCharge):
		return Bulk
	case st.Has(ltc4015.StChargerSuspended), st.Has(ltc4015.StTimerTerm), st.Has(ltc4015.StCOverXTerm):
		return Rest
	default:
		return Float
	}
}

// SetPhase on real hardware cannot force a phase directly (the LTC4015
// state machine owns its own transitions); forcing bulk is approximated
// by clearing charger-suspend so the part resumes its own sequencing.
func (h *Hardware) SetPhase(i int, p Phase) {
	if i < 0 || i >= len(h.devices) || h.devices[i] == nil {
		return
	}
	if p == Bulk {
		_ = h.devices[i].ClearConfigBits(ltc4015.CfgSuspendCharger)
	}
}

func (h *Hardware) SetPreferredPanelTarget(batteryIndex int) { h.preferred = batteryIndex }

func (h *Hardware) PreferredPanelTarget() int { return h.preferred }
