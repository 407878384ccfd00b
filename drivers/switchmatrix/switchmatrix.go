// Package switchmatrix drives an I2C GPIO-expander-based relay/FET
// matrix that connects each of the two load rails and the panel rail
// to at most one battery at a time. One 8-bit output port per
// destination holds a one-hot battery-select pattern (bit i = battery
// i+1 connected, all-zero = disconnected); an input port reports
// per-interface over-current fault lines.
//
// The register layout follows the common PCA9555-style expander idiom
// used elsewhere in this driver set (see drivers/aht20, drivers/ltc4015):
// fixed reusable I/O buffers, register address + payload over Tx.
package switchmatrix

import (
	"errors"

	"tinygo.org/x/drivers"
)

// AddressDefault is the 7-bit I2C address used when Config.Address is 0.
const AddressDefault = 0x20

// Output port register addresses, one per destination.
const (
	regLoad1Port = 0x02
	regLoad2Port = 0x03
	regPanelPort = 0x04
	regFaultPort = 0x05 // input-only: bit i set = interface i faulted
	regResetPort = 0x06 // output: bit i pulsed high then low clears interface i's e-fuse latch
)

// Destination selects which rail an output port controls.
type Destination uint8

const (
	Load1 Destination = iota
	Load2
	Panel
)

// ErrTooManyBatteries is returned when a battery index does not fit in
// the one-hot 8-bit output port.
var ErrTooManyBatteries = errors.New("switchmatrix: battery index exceeds 8-battery port width")

// Device drives one switch-matrix expander.
type Device struct {
	i2c  drivers.I2C
	addr uint16

	w [2]byte
	r [1]byte
}

// Config configures a Device.
type Config struct {
	Address uint16
}

// New constructs a Device. It performs no I/O.
func New(i2c drivers.I2C, cfg Config) *Device {
	addr := cfg.Address
	if addr == 0 {
		addr = AddressDefault
	}
	return &Device{i2c: i2c, addr: addr}
}

func (d *Device) portFor(dest Destination) byte {
	switch dest {
	case Load1:
		return regLoad1Port
	case Load2:
		return regLoad2Port
	default:
		return regPanelPort
	}
}

// SetSwitch connects battery1Based onto dest, disconnecting any battery
// previously on that destination's port. battery1Based == 0 disconnects
// the rail entirely (O4's "pass 0 to setSwitch" semantics, see §9).
func (d *Device) SetSwitch(battery1Based int, dest Destination) error {
	if battery1Based < 0 || battery1Based > 8 {
		return ErrTooManyBatteries
	}
	var bits byte
	if battery1Based > 0 {
		bits = 1 << uint(battery1Based-1)
	}
	return d.writeByte(d.portFor(dest), bits)
}

// GetSwitchControlBits packs the two load output ports into one 16-bit
// word: bits[0:8]=Load1, bits[8:16]=Load2. Panel is reported separately
// via PanelBits since the Collaborator interface models a 16-bit
// control word for the two load rails (the common two-load reference
// geometry in §1).
func (d *Device) GetSwitchControlBits() (uint16, error) {
	l1, err := d.readByte(regLoad1Port)
	if err != nil {
		return 0, err
	}
	l2, err := d.readByte(regLoad2Port)
	if err != nil {
		return 0, err
	}
	return uint16(l1) | uint16(l2)<<8, nil
}

// SetSwitchControlBits writes both load ports from one packed word.
func (d *Device) SetSwitchControlBits(bits uint16) error {
	if err := d.writeByte(regLoad1Port, byte(bits)); err != nil {
		return err
	}
	return d.writeByte(regLoad2Port, byte(bits>>8))
}

// PanelBits reads the panel output port directly.
func (d *Device) PanelBits() (byte, error) { return d.readByte(regPanelPort) }

// FaultBits reads the over-current fault input port.
func (d *Device) FaultBits() (byte, error) { return d.readByte(regFaultPort) }

// OverCurrentFaulted reports whether interface iface's fault bit is set.
func (d *Device) OverCurrentFaulted(iface int) (bool, error) {
	bits, err := d.FaultBits()
	if err != nil {
		return false, err
	}
	return bits&(1<<uint(iface)) != 0, nil
}

// OverCurrentReset pulses interface iface's e-fuse reset line.
func (d *Device) OverCurrentReset(iface int) error {
	if iface < 0 || iface > 7 {
		return ErrTooManyBatteries
	}
	bit := byte(1 << uint(iface))
	if err := d.writeByte(regResetPort, bit); err != nil {
		return err
	}
	return d.writeByte(regResetPort, 0x00)
}

// OverCurrentRelease is a no-op on this hardware: the e-fuse latch
// clears as soon as OverCurrentReset pulses the reset line and the
// fault condition has cleared. Kept to satisfy the Collaborator
// interface's symmetric reset/release pair.
func (d *Device) OverCurrentRelease(iface int) error { return nil }

func (d *Device) writeByte(reg, val byte) error {
	d.w[0] = reg
	d.w[1] = val
	return d.i2c.Tx(d.addr, d.w[:2], nil)
}

func (d *Device) readByte(reg byte) (byte, error) {
	d.w[0] = reg
	if err := d.i2c.Tx(d.addr, d.w[:1], d.r[:1]); err != nil {
		return 0, err
	}
	return d.r[0], nil
}
