package battery

import (
	"testing"

	"batterymon/internal/fx"
)

func TestNewRecordSeedsFromOCV(t *testing.T) {
	r := NewRecord(0, 100, fx.Wet, 3242, 12518)
	if r.SoC != fx.SoCMax {
		t.Fatalf("SoC = %d, want %d", r.SoC, fx.SoCMax)
	}
	if r.Health != Good || r.Op != Isolated {
		t.Fatalf("unexpected initial state: health=%v op=%v", r.Health, r.Op)
	}
}

func TestMarkMissingZeroesSoC(t *testing.T) {
	r := NewRecord(0, 100, fx.Wet, 3242, 12518)
	r.MarkMissing()
	if !r.IsMissing() || r.SoC != 0 {
		t.Fatalf("MarkMissing did not zero SoC: missing=%v soc=%d", r.IsMissing(), r.SoC)
	}
}

func TestIntegrateChargeClampsToCapacity(t *testing.T) {
	r := NewRecord(0, 10, fx.Wet, 3242, 12518)
	r.IntegrateCharge(fx.MaxCharge(10) * 2)
	if r.Charge != fx.MaxCharge(10) {
		t.Fatalf("charge = %d, want clamped to %d", r.Charge, fx.MaxCharge(10))
	}
	if r.SoC != fx.SoCMax {
		t.Fatalf("SoC = %d, want %d after overcharge clamp", r.SoC, fx.SoCMax)
	}
}
