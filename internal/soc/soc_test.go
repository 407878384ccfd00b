package soc

import (
	"testing"

	"batterymon/internal/battery"
	"batterymon/internal/fx"
)

func TestTicksPerHourRoundsUp(t *testing.T) {
	if got := TicksPerHour(1, 1000); got != 3600 {
		t.Fatalf("TicksPerHour(1h, 1000ms) = %d, want 3600", got)
	}
	if got := TicksPerHour(1, 700); got != 5143 { // ceil(3,600,000 / 700)
		t.Fatalf("TicksPerHour(1h, 700ms) = %d, want 5143", got)
	}
}

// TestIdleTickResetsSoCAfterCurrentSteadyThreshold matches spec scenario
// 6: holding a battery's current below the idle threshold for more than
// the current-steady window refreshes SoC from OCV and resets the
// counter on the tick that crosses it.
func TestIdleTickResetsSoCAfterCurrentSteadyThreshold(t *testing.T) {
	b := battery.NewRecord(0, 100, fx.Wet, 3000, 12518)
	b.SoC = 12345 // perturb away from the OCV-implied value

	currentSteadyTicks := TicksPerHour(CurrentSteadyHours, 1000) // 3600
	isolationResetTicks := TicksPerHour(IsolationResetHours, 1000)

	idleCurrent := int32(10) // below battery.IdleCurrentThreshold (30)
	ocvVoltage := int32(3277)

	for i := int32(0); i <= currentSteadyTicks; i++ {
		IdleTick(b, idleCurrent, ocvVoltage, 12518, currentSteadyTicks, isolationResetTicks)
	}

	want := fx.ComputeSoC(ocvVoltage, 12518, fx.Wet)
	if b.SoC != want {
		t.Fatalf("SoC after idle-reset crossing = %d, want %d (OCV-derived)", b.SoC, want)
	}
	if b.CurrentSteady != 0 {
		t.Fatalf("currentSteady = %d, want 0 after reset", b.CurrentSteady)
	}
}

func TestIdleTickCurrentAboveThresholdResetsCounter(t *testing.T) {
	b := battery.NewRecord(0, 100, fx.Wet, 3277, 12518)
	b.CurrentSteady = 50

	IdleTick(b, 1000, 3277, 12518, 3600, 28800)

	if b.CurrentSteady != 0 {
		t.Fatalf("currentSteady = %d, want 0 after a non-idle current sample", b.CurrentSteady)
	}
}

func TestIdleTickIsolationTimeoutRefreshesAndResets(t *testing.T) {
	b := battery.NewRecord(0, 100, fx.Wet, 3000, 12518)
	b.SoC = 12345
	b.IsolationTime = 28800 // already at the threshold, next tick crosses it

	IdleTick(b, 10, 3277, 12518, 3600, 28800)

	want := fx.ComputeSoC(3277, 12518, fx.Wet)
	if b.SoC != want {
		t.Fatalf("SoC after isolation-timeout refresh = %d, want %d", b.SoC, want)
	}
	if b.IsolationTime != 0 {
		t.Fatalf("isolationTime = %d, want 0 after refresh", b.IsolationTime)
	}
}
