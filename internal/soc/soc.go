// Package soc implements the Coulomb-counting integrator and the
// isolation-time/current-steady idle-reset policy described in §4.3 of
// the allocation engine spec. It operates purely on battery.Record
// values; it has no collaborator dependencies of its own.
package soc

import (
	"batterymon/internal/battery"
	"batterymon/x/mathx"
)

// Thresholds, expressed in hours, converted to ticks via monitorDelay.
const (
	IsolationRefreshHours = 4 // O2: long-isolated battery refreshes SoC from OCV
	CurrentSteadyHours    = 1 // idle SoC reset: current below threshold
	IsolationResetHours   = 8 // idle SoC reset: isolation timer itself wraps
)

// TicksPerHour converts an hour threshold into a tick count given the
// monitor's tick period, rounding up so the threshold is never crossed
// early (grounded on x/mathx.CeilDiv, the teacher's tick-budget idiom).
func TicksPerHour(hours int32, monitorDelayMs int64) int32 {
	if monitorDelayMs <= 0 {
		return 0
	}
	hourMs := int64(hours) * 3600_000
	return int32(mathx.CeilDiv(uint64(hourMs), uint64(monitorDelayMs)))
}

// Integrate folds a destructively-read accumulated-charge delta into r
// and recomputes SoC (§4.3 P3). Charge integration does not need a
// fresh OCV reading.
func Integrate(r *battery.Record, deltaChargeQ8 int64) {
	r.IntegrateCharge(deltaChargeQ8)
}

// IdleTick applies the idle SoC reset rule to one non-missing battery
// for one monitor tick: tracks currentSteady/isolationTime and refreshes
// SoC from OCV when either threshold is crossed (§4.3 "Idle SoC reset").
// Thresholds are expressed in ticks (already converted via TicksPerHour).
func IdleTick(r *battery.Record, currentQ8, ocvVoltageQ8, temperatureQ8 int32, currentSteadyTicks, isolationResetTicks int32) {
	if mathx.Abs(currentQ8) < battery.IdleCurrentThreshold {
		r.CurrentSteady++
	} else {
		r.CurrentSteady = 0
	}
	if r.CurrentSteady > currentSteadyTicks {
		r.RefreshSoCFromOCV(ocvVoltageQ8, temperatureQ8)
		r.CurrentSteady = 0
	}

	r.IsolationTime++
	if r.IsolationTime > isolationResetTicks {
		r.RefreshSoCFromOCV(ocvVoltageQ8, temperatureQ8)
		r.IsolationTime = 0
	}
}
