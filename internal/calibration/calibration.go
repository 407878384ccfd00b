// Package calibration implements the offset-calibration protocol (§4.2):
// it drives the switch matrix through N_IFS+1 configurations and
// reduces the recorded currents to one offset per interface plus a
// quiescent-current estimate.
package calibration

import (
	"context"
	"time"

	"batterymon/internal/battery"
	"batterymon/internal/measure"
	"batterymon/internal/switches"
)

// Sentinels from §4.2.
const (
	CalibrationThreshold = -50
	OffsetStartValue     = 100
	QuiescentStartValue  = -100
)

// Clock abstracts the settle-delay suspension point so tests can run
// calibration without real sleeps (§5: "the per-configuration settle
// delay" is the protocol's only suspension point besides end-of-tick).
type Clock interface {
	Sleep(ctx context.Context, d time.Duration)
}

// RealClock sleeps via time.Sleep, respecting context cancellation.
type RealClock struct{}

func (RealClock) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Result is the outcome of one calibration run.
type Result struct {
	Offset    []int32 // per-interface offset, in ADC units
	Quiescent int32
}

// ProgressFunc is called once per configuration (§4.2 step e, "emit a
// progress event").
type ProgressFunc func(test, numTests int)

// Interfaces enumerates the measurement collaborator's current-reading
// accessors in a flat per-interface order: batteries first, then loads,
// then panels, matching the offset slice's indexing.
type Interfaces struct {
	NumBatteries, NumLoads, NumPanels int
}

func (n Interfaces) total() int { return n.NumBatteries + n.NumLoads + n.NumPanels }

func (n Interfaces) readCurrent(m measure.Collaborator, iface int) int32 {
	switch {
	case iface < n.NumBatteries:
		return m.GetBatteryCurrent(iface)
	case iface < n.NumBatteries+n.NumLoads:
		return m.GetLoadCurrent(iface - n.NumBatteries)
	default:
		return m.GetPanelCurrent(iface - n.NumBatteries - n.NumLoads)
	}
}

// Run executes the full N+1 configuration sweep against live battery
// records, the measurement collaborator, and the switch matrix. It
// blocks between sub-steps only at the settle delay (clk.Sleep); it
// otherwise runs to completion without suspension, per §5's "no
// cancellation path" note. heartbeat is called after each settle so
// the monitor's watchdog stays serviced during the (potentially long)
// sweep.
func Run(
	ctx context.Context,
	batteries []*battery.Record,
	m measure.Collaborator,
	sw switches.Collaborator,
	ifaces Interfaces,
	settleDelay time.Duration,
	clk Clock,
	progress ProgressFunc,
	heartbeat func(),
) Result {
	numTests := ifaces.total() + 1
	numIfaces := ifaces.total()

	saved := sw.GetSwitchControlBits() // packed load1/load2 snapshot, restored at the end

	samples := make([][]int32, numTests)
	for i := range samples {
		samples[i] = make([]int32, numIfaces)
	}

	for test := 0; test < numTests; test++ {
		_ = sw.SetSwitch(0, switches.Load1)
		_ = sw.SetSwitch(0, switches.Load2)
		_ = sw.SetSwitch(0, switches.Panel)

		switch {
		case test < ifaces.NumBatteries:
			_ = sw.SetSwitch(test+1, switches.Load2)
		case test < numTests-1:
			_ = sw.SetSwitch(test-ifaces.NumBatteries+1, switches.Load1)
		default:
			// all switches off: panel-under-no-load configuration
		}

		if clk != nil {
			clk.Sleep(ctx, settleDelay)
		}
		if heartbeat != nil {
			heartbeat()
		}

		for i := 0; i < numIfaces; i++ {
			samples[test][i] = ifaces.readCurrent(m, i)
		}
		if progress != nil {
			progress(test, numTests)
		}

		indicators := m.GetIndicators()
		for i, b := range batteries {
			if b.IsMissing() {
				continue
			}
			if !measure.Present(indicators, i) {
				b.MarkMissing()
			}
		}
	}

	offset := make([]int32, numIfaces)
	for i := 0; i < numIfaces; i++ {
		best := int32(OffsetStartValue)
		for test := 0; test < numTests; test++ {
			v := samples[test][i]
			if v > CalibrationThreshold && v < best {
				best = v
			}
		}
		if best == OffsetStartValue {
			offset[i] = 0
		} else {
			offset[i] = best
		}
		for test := 0; test < numTests; test++ {
			samples[test][i] -= offset[i]
		}
	}

	quiescent := int32(QuiescentStartValue)
	for i, b := range batteries {
		if b.IsMissing() {
			continue
		}
		for test := 0; test < numTests; test++ {
			if i >= len(samples[test]) {
				continue
			}
			v := samples[test][i]
			if v > CalibrationThreshold && v > quiescent {
				quiescent = v
			}
		}
	}
	if quiescent == QuiescentStartValue {
		quiescent = 0
	}

	_ = sw.SetSwitchControlBits(saved)

	return Result{Offset: offset, Quiescent: quiescent}
}

// FinalizeBatteries applies the post-calibration battery reset (§4.2,
// final paragraph): every non-missing battery gets its SoC re-seeded
// from OCV, its idle counters zeroed, and is returned to isolated.
// Clearing batteryUnderLoad/batteryUnderCharge and calibrateRequested
// is the engine's responsibility since those are allocator globals, not
// per-battery state.
func FinalizeBatteries(batteries []*battery.Record, m measure.Collaborator, temperatureQ8 int32) {
	for i, b := range batteries {
		if b.IsMissing() {
			continue
		}
		b.RefreshSoCFromOCV(m.GetBatteryVoltage(i), temperatureQ8)
		b.CurrentSteady = 0
		b.IsolationTime = 0
		b.Op = battery.Isolated
	}
}
