package fx

import "testing"

func TestComputeSoCSaturatesAtFullVoltage(t *testing.T) {
	got := ComputeSoC(v100Wet, tempReference, Wet)
	if got != SoCMax {
		t.Fatalf("ComputeSoC(v100, ref, wet) = %d, want %d", got, SoCMax)
	}
}

func TestComputeSoCSaturatesAtZeroVoltage(t *testing.T) {
	got := ComputeSoC(0, tempReference, Wet)
	if got != 0 {
		t.Fatalf("ComputeSoC(0, ref, wet) = %d, want 0", got)
	}
}

func TestComputeSoCMonotoneInVoltage(t *testing.T) {
	prev := int32(-1)
	for v := int32(2800); v <= v100Wet; v += 10 {
		soc := ComputeSoC(v, tempReference, Wet)
		if soc < prev {
			t.Fatalf("ComputeSoC not monotone at voltage %d: got %d after %d", v, soc, prev)
		}
		prev = soc
	}
}

func TestComputeSoCGelAGMLowerSegment(t *testing.T) {
	above := ComputeSoC(v25GelAGM+50, tempReference, Gel)
	below := ComputeSoC(v25GelAGM-50, tempReference, Gel)
	if below > above {
		t.Fatalf("gel SoC below v25 (%d) should not exceed SoC above v25 (%d)", below, above)
	}
}

func TestSoCFromChargeMatchesInvariant(t *testing.T) {
	capacityAh := int32(100)
	chargeQ8 := int64(50) * int64(capacityAh) * 36 // Q8 SoC of exactly 50 (50/256 %)
	soc := SoCFromCharge(chargeQ8, capacityAh)
	if soc != 50 {
		t.Fatalf("SoCFromCharge = %d, want 50", soc)
	}
}

func TestClampChargeBounds(t *testing.T) {
	capacityAh := int32(100)
	max := MaxCharge(capacityAh)
	if got := ClampCharge(max+1000, capacityAh); got != max {
		t.Fatalf("ClampCharge over max = %d, want %d", got, max)
	}
	if got := ClampCharge(-10, capacityAh); got != 0 {
		t.Fatalf("ClampCharge under 0 = %d, want 0", got)
	}
}
