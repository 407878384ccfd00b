package switches

import "batterymon/drivers/switchmatrix"

// Hardware adapts a drivers/switchmatrix.Device into the Collaborator
// interface.
type Hardware struct {
	dev *switchmatrix.Device
}

func NewHardware(dev *switchmatrix.Device) *Hardware { return &Hardware{dev: dev} }

func (h *Hardware) SetSwitch(battery1Based int, dest Destination) error {
	return h.dev.SetSwitch(battery1Based, switchmatrix.Destination(dest))
}

func (h *Hardware) GetSwitchControlBits() uint16 {
	bits, err := h.dev.GetSwitchControlBits()
	if err != nil {
		return 0
	}
	return bits
}

func (h *Hardware) SetSwitchControlBits(bits uint16) error {
	return h.dev.SetSwitchControlBits(bits)
}

func (h *Hardware) OverCurrentReset(iface int) error   { return h.dev.OverCurrentReset(iface) }
func (h *Hardware) OverCurrentRelease(iface int) error { return h.dev.OverCurrentRelease(iface) }
