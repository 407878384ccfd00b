package switchmatrix

import (
	"testing"

	"tinygo.org/x/drivers"
)

var _ drivers.I2C = (*fakeI2C)(nil)

// fakeI2C models the expander's eight output/input ports as a byte map
// keyed by register address, mirroring the teacher's scripted-fake idiom
// for I2C peripherals (drivers/aht20's test fake).
type fakeI2C struct {
	ports map[byte]byte
}

func newFakeI2C() *fakeI2C {
	return &fakeI2C{ports: make(map[byte]byte)}
}

func (f *fakeI2C) Tx(addr uint16, w, r []byte) error {
	if len(w) == 2 {
		f.ports[w[0]] = w[1]
		return nil
	}
	if len(w) == 1 && len(r) == 1 {
		r[0] = f.ports[w[0]]
		return nil
	}
	return nil
}

func TestSetSwitchWritesOneHotBitPattern(t *testing.T) {
	fake := newFakeI2C()
	dev := New(fake, Config{})

	if err := dev.SetSwitch(3, Load2); err != nil {
		t.Fatalf("SetSwitch: %v", err)
	}
	if got := fake.ports[regLoad2Port]; got != 0x04 {
		t.Fatalf("load2 port = %#x, want 0x04 (battery 3 one-hot)", got)
	}
}

func TestSetSwitchZeroDisconnects(t *testing.T) {
	fake := newFakeI2C()
	dev := New(fake, Config{})

	_ = dev.SetSwitch(5, Panel)
	_ = dev.SetSwitch(0, Panel)

	if got := fake.ports[regPanelPort]; got != 0x00 {
		t.Fatalf("panel port = %#x, want 0x00 after disconnect", got)
	}
}

func TestSetSwitchRejectsOutOfRangeIndex(t *testing.T) {
	dev := New(newFakeI2C(), Config{})
	if err := dev.SetSwitch(9, Load1); err != ErrTooManyBatteries {
		t.Fatalf("SetSwitch(9, ...) error = %v, want ErrTooManyBatteries", err)
	}
}

func TestGetSetSwitchControlBitsPacksBothLoadPorts(t *testing.T) {
	fake := newFakeI2C()
	dev := New(fake, Config{})

	if err := dev.SetSwitchControlBits(0x0302); err != nil {
		t.Fatalf("SetSwitchControlBits: %v", err)
	}
	if fake.ports[regLoad1Port] != 0x02 || fake.ports[regLoad2Port] != 0x03 {
		t.Fatalf("load ports = %#x/%#x, want 0x02/0x03", fake.ports[regLoad1Port], fake.ports[regLoad2Port])
	}

	got, err := dev.GetSwitchControlBits()
	if err != nil {
		t.Fatalf("GetSwitchControlBits: %v", err)
	}
	if got != 0x0302 {
		t.Fatalf("GetSwitchControlBits() = %#x, want 0x0302", got)
	}
}

func TestOverCurrentResetPulsesAndClearsLine(t *testing.T) {
	fake := newFakeI2C()
	dev := New(fake, Config{})

	if err := dev.OverCurrentReset(2); err != nil {
		t.Fatalf("OverCurrentReset: %v", err)
	}
	if got := fake.ports[regResetPort]; got != 0x00 {
		t.Fatalf("reset port left at %#x after pulse, want 0x00 (returned low)", got)
	}
}

func TestOverCurrentFaultedReadsFaultPort(t *testing.T) {
	fake := newFakeI2C()
	fake.ports[regFaultPort] = 1 << 4
	dev := New(fake, Config{})

	faulted, err := dev.OverCurrentFaulted(4)
	if err != nil {
		t.Fatalf("OverCurrentFaulted: %v", err)
	}
	if !faulted {
		t.Fatalf("interface 4 should report faulted")
	}
	faulted, _ = dev.OverCurrentFaulted(3)
	if faulted {
		t.Fatalf("interface 3 should not report faulted")
	}
}
