package switches

import "testing"

func TestSimulatedSwitchRoutingPerDestination(t *testing.T) {
	s := NewSimulated()
	_ = s.SetSwitch(2, Load1)
	_ = s.SetSwitch(3, Load2)
	_ = s.SetSwitch(1, Panel)

	if got := s.Connected(Load1); got != 2 {
		t.Fatalf("Connected(Load1) = %d, want 2", got)
	}
	if got := s.Connected(Load2); got != 3 {
		t.Fatalf("Connected(Load2) = %d, want 3", got)
	}
	if got := s.Connected(Panel); got != 1 {
		t.Fatalf("Connected(Panel) = %d, want 1", got)
	}
}

func TestSimulatedSwitchOffIsZero(t *testing.T) {
	s := NewSimulated()
	_ = s.SetSwitch(2, Load1)
	_ = s.SetSwitch(0, Load1)
	if got := s.Connected(Load1); got != 0 {
		t.Fatalf("Connected(Load1) after disconnect = %d, want 0", got)
	}
}

func TestSimulatedControlBitsRoundTrip(t *testing.T) {
	s := NewSimulated()
	_ = s.SetSwitchControlBits(0x1234)
	if got := s.GetSwitchControlBits(); got != 0x1234 {
		t.Fatalf("GetSwitchControlBits() = %#x, want 0x1234", got)
	}
}

func TestSimulatedOverCurrentResetRelease(t *testing.T) {
	s := NewSimulated()
	if err := s.OverCurrentReset(1); err != nil {
		t.Fatalf("OverCurrentReset: %v", err)
	}
	if err := s.OverCurrentRelease(1); err != nil {
		t.Fatalf("OverCurrentRelease: %v", err)
	}
}

func TestDestinationString(t *testing.T) {
	cases := map[Destination]string{Load1: "load1", Load2: "load2", Panel: "panel"}
	for d, want := range cases {
		if got := d.String(); got != want {
			t.Fatalf("Destination(%d).String() = %q, want %q", d, got, want)
		}
	}
}
