// Package allocator implements the multi-battery ranking and assignment
// algorithm (§4.3): given live battery records, policy constraints, and
// the charger's per-battery phase signal, it decides which battery is
// under charge and which is under load for the current monitor tick.
package allocator

import (
	"sort"

	"batterymon/internal/battery"
	"batterymon/internal/charger"
	"batterymon/internal/measure"
	"batterymon/internal/soc"
	"batterymon/internal/switches"
	"batterymon/x/mathx"
)

// Policy is the monitor-strategy bitfield (§3).
type Policy uint8

const (
	SeparateLoad      Policy = 1 << 0
	PreserveIsolation Policy = 1 << 1
)

func (p Policy) has(f Policy) bool { return p&f != 0 }

// Decision status bits, emitted as a diagnostic bitmap (§4.3 O5, §8).
const (
	DecisionChargerIsolatedPick   uint16 = 0x01 // C4
	DecisionChargerNonIsolated    uint16 = 0x02 // C5
	DecisionChargerHysteresisMove uint16 = 0x03 // C6 (0x01|0x02)
	DecisionChargerWeakPriority   uint16 = 0x04 // C3
	DecisionChargerCritical       uint16 = 0x08 // C2
	DecisionLoadIsolatedPick      uint16 = 0x10 // L4
	DecisionLoadDroppedIsolation  uint16 = 0x20 // L5
	DecisionLoadDroppedSeparation uint16 = 0x40 // L6
	DecisionLoadRefinement        uint16 = 0x30 // L7 (0x10|0x20)
	DecisionLoadFallbackToCharger uint16 = 0x80 // L8
	DecisionPanelUnderVoltage     uint16 = 0x100 // D3
	DecisionAllFloat              uint16 = 0x200 // D4
)

// Fixed constants the spec treats as engine-wide rather than per-config
// (§4.3 P5/O4, and the SoC hysteresis margin used by C6/L7).
const (
	WeakVoltageQ8      int32 = 2944  // 11.5 V in Q8; below this a battery is "weak"
	TemperatureLimitQ8 int32 = 11520 // 45 degC in Q8; panel switch suppressed at/above this
	SoCHysteresisQ8    int32 = 5 * 256
	PanelMarginQ8      int32 = 128 // 0.5 V in Q8, D3's "panel below every battery" margin
)

// Thresholds holds the configuration collaborator's per-tick tunables
// (§3 Configuration, §6).
type Thresholds struct {
	LowVoltage, CriticalVoltage int32
	LowSoC, CriticalSoC         int32
	FloatBulkSoC                int32
}

// State is the process-wide allocator global (§3 "Global allocator
// state"), mutated only by the monitor tick.
type State struct {
	BatteryUnderCharge int // 1-based, 0 = unallocated
	BatteryUnderLoad   int
	ChargerOff         bool
	CalibrateRequested bool
}

// Inputs bundles everything one allocator pass needs besides the battery
// records and the global State.
type Inputs struct {
	Policy         Policy
	Thresholds     Thresholds
	PanelVoltageQ8 int32
	TemperatureQ8  int32
	MonitorDelayMs int64
	AutoTrack      bool // whether allocator output is applied to the switch matrix (O4)
}

// tick carries the per-battery voltage snapshot and ranking alongside
// the inputs, so every pass below works off one consistent reading.
type tick struct {
	batteries []*battery.Record
	voltage   []int32 // indexed like batteries; only valid for non-missing entries
	ranked    []int    // non-missing indices, descending SoC (P7)
	longest   int      // P8, -1 if no non-missing battery exists
}

// Run executes one full monitor-tick pass: pre-pass, preliminary
// decisions, the single- or multi-battery branch, the post-pass, and the
// idle SoC reset rule. It returns the decisionStatus diagnostic bitmap
// (§4.3, §8).
func Run(
	batteries []*battery.Record,
	ch charger.Collaborator,
	m measure.Collaborator,
	sw switches.Collaborator,
	st *State,
	in Inputs,
) uint16 {
	var decisionStatus uint16

	clearAssignmentsForMissing(batteries, st)

	t := prePass(batteries, m, ch, in)
	numBats := len(t.ranked)

	preliminaryDecisions(&t, ch, in, st, &decisionStatus)

	isolatable := numBats > 2

	switch {
	case numBats == 0:
		st.BatteryUnderCharge = 0
		st.BatteryUnderLoad = 0
	case numBats == 1:
		only := t.ranked[0]
		st.BatteryUnderCharge = only + 1
		if st.ChargerOff {
			st.BatteryUnderCharge = 0
		}
		st.BatteryUnderLoad = only + 1
		if batteries[only].Health == battery.Weak {
			st.BatteryUnderLoad = 0
		}
	default:
		assignCharger(&t, ch, isolatable, in.Policy, st, &decisionStatus)
		assignLoad(&t, isolatable, in.Policy, st, &decisionStatus)
	}

	postPass(&t, ch, sw, st, in, &decisionStatus)
	idleReset(&t, m, in)

	return decisionStatus
}

// --- Pre-pass (P1-P8) ---

func prePass(batteries []*battery.Record, m measure.Collaborator, ch charger.Collaborator, in Inputs) tick {
	voltage := make([]int32, len(batteries))

	for i, b := range batteries {
		if b.IsMissing() {
			continue
		}
		// P3: integrate accumulated charge, recompute SoC (clamped).
		soc.Integrate(b, m.GetBatteryAccumulatedCharge(i))

		v := mathx.Abs(m.GetBatteryVoltage(i))
		voltage[i] = v

		// P4: recompute fillState.
		switch {
		case v < in.Thresholds.CriticalVoltage || b.SoC < in.Thresholds.CriticalSoC:
			b.Fill = battery.FillCritical
		case v < in.Thresholds.LowVoltage || b.SoC < in.Thresholds.LowSoC:
			b.Fill = battery.FillLow
		default:
			b.Fill = battery.FillNormal
		}

		// P5: weak-voltage override.
		if v < WeakVoltageQ8 {
			b.Health = battery.Weak
			b.Fill = battery.FillCritical
			b.SoC = 0
		}

		// P6: a battery in the charger's rest phase is restored to good
		// health.
		if ch.Phase(i) == charger.Rest {
			b.Health = battery.Good
		}
	}

	return tick{
		batteries: batteries,
		voltage:   voltage,
		ranked:    rankDescendingSoC(batteries),
		longest:   longestIsolated(batteries),
	}
}

func clearAssignmentsForMissing(batteries []*battery.Record, st *State) {
	if st.BatteryUnderCharge != 0 {
		i := st.BatteryUnderCharge - 1
		if i >= 0 && i < len(batteries) && batteries[i].IsMissing() {
			st.BatteryUnderCharge = 0
		}
	}
	if st.BatteryUnderLoad != 0 {
		i := st.BatteryUnderLoad - 1
		if i >= 0 && i < len(batteries) && batteries[i].IsMissing() {
			st.BatteryUnderLoad = 0
		}
	}
}

// rankDescendingSoC returns non-missing battery indices, stable-sorted by
// descending SoC (P7). Missing batteries are excluded entirely: nothing
// downstream ever selects one.
func rankDescendingSoC(batteries []*battery.Record) []int {
	idx := make([]int, 0, len(batteries))
	for i, b := range batteries {
		if !b.IsMissing() {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, bIdx int) bool {
		return batteries[idx[a]].SoC > batteries[idx[bIdx]].SoC
	})
	return idx
}

// longestIsolated returns the non-missing battery index with the
// greatest isolationTime, ties going to the lowest index (P8).
func longestIsolated(batteries []*battery.Record) int {
	best := -1
	for i, b := range batteries {
		if b.IsMissing() {
			continue
		}
		if best == -1 || b.IsolationTime > batteries[best].IsolationTime {
			best = i
		}
	}
	return best
}

// --- Preliminary decisions (D1-D4) ---

func preliminaryDecisions(t *tick, ch charger.Collaborator, in Inputs, st *State, decisionStatus *uint16) {
	// D1: force any float-phase battery below the float->bulk SoC
	// threshold back to bulk.
	for _, i := range t.ranked {
		b := t.batteries[i]
		if ch.Phase(i) == charger.Float && b.SoC < in.Thresholds.FloatBulkSoC {
			ch.SetPhase(i, charger.Bulk)
		}
	}

	// D2: deallocate the charger if the battery it is charging has
	// moved to float or rest.
	if st.BatteryUnderCharge != 0 {
		i := st.BatteryUnderCharge - 1
		if i >= 0 && i < len(t.batteries) {
			p := ch.Phase(i)
			if p == charger.Float || p == charger.Rest {
				st.BatteryUnderCharge = 0
			}
		}
	}

	// D3: the panel cannot source current above every battery's
	// terminal voltage (night / overcast) -> switch the charger off.
	if len(t.ranked) > 0 {
		allAbovePanel := true
		for _, i := range t.ranked {
			if t.voltage[i] < in.PanelVoltageQ8+PanelMarginQ8 {
				allAbovePanel = false
				break
			}
		}
		if allAbovePanel {
			st.ChargerOff = true
			st.BatteryUnderCharge = 0
			*decisionStatus |= DecisionPanelUnderVoltage
		} else {
			st.ChargerOff = false
		}
	}

	// D4: every non-missing battery already in float -> switch the
	// charger off.
	if len(t.ranked) > 0 {
		allFloat := true
		for _, i := range t.ranked {
			if ch.Phase(i) != charger.Float {
				allFloat = false
				break
			}
		}
		if allFloat {
			st.ChargerOff = true
			st.BatteryUnderCharge = 0
			*decisionStatus |= DecisionAllFloat
		}
	}
}

// --- Charger assignment (C1-C6) ---

func assignCharger(t *tick, ch charger.Collaborator, isolatable bool, policy Policy, st *State, decisionStatus *uint16) {
	if st.ChargerOff {
		st.BatteryUnderCharge = 0
		return
	}

	lowest := t.ranked[len(t.ranked)-1]
	lowestBat := t.batteries[lowest]

	// C1: the lowest-SoC battery is not normal -> deallocate the
	// charger (a later rule below may reassign it).
	if lowestBat.Fill != battery.FillNormal {
		st.BatteryUnderCharge = 0
	}

	// C2: the lowest-SoC battery is critical -> charge it unconditionally.
	if lowestBat.Fill == battery.FillCritical {
		st.BatteryUnderCharge = lowest + 1
		*decisionStatus |= DecisionChargerCritical
	}

	// C3: scan ascending from the lowest SoC for any weak battery and
	// prioritise it. Runs regardless of C2: a battery can be both
	// critical and weak, in which case both bits accumulate.
	for k := len(t.ranked) - 1; k >= 0; k-- {
		i := t.ranked[k]
		if t.batteries[i].Health == battery.Weak {
			st.BatteryUnderCharge = i + 1
			*decisionStatus |= DecisionChargerWeakPriority
			break
		}
	}

	if st.BatteryUnderCharge != 0 {
		// Charger assignment already settled by C2/C3; C6 below may
		// still move it.
	} else {
		candidate := -1

		// C4: isolatable systems prefer a battery that preserves
		// isolation (skip the longest-isolated battery) and is not
		// mid float/rest.
		if isolatable {
			for k := len(t.ranked) - 1; k >= 0; k-- {
				i := t.ranked[k]
				b := t.batteries[i]
				p := ch.Phase(i)
				if p == charger.Float || p == charger.Rest {
					continue
				}
				if policy.has(PreserveIsolation) && i == t.longest {
					continue
				}
				candidate = i
				break
			}
			if candidate != -1 {
				st.BatteryUnderCharge = candidate + 1
				*decisionStatus |= DecisionChargerIsolatedPick
			}
		}

		// C5: fall back to the lowest-SoC battery not in float/rest,
		// ignoring isolation preservation.
		if candidate == -1 {
			for k := len(t.ranked) - 1; k >= 0; k-- {
				i := t.ranked[k]
				p := ch.Phase(i)
				if p == charger.Float || p == charger.Rest {
					continue
				}
				candidate = i
				break
			}
			if candidate != -1 {
				st.BatteryUnderCharge = candidate + 1
				*decisionStatus |= DecisionChargerNonIsolated
			}
		}
	}

	// C6: hysteresis re-pick. If the currently-charging battery is
	// normal, look for a non-float/rest battery significantly lower in
	// SoC and move the charger there instead.
	if st.BatteryUnderCharge != 0 {
		current := st.BatteryUnderCharge - 1
		if t.batteries[current].Fill == battery.FillNormal {
			for k := len(t.ranked) - 1; k >= 0; k-- {
				i := t.ranked[k]
				if i == current {
					continue
				}
				p := ch.Phase(i)
				if p == charger.Float || p == charger.Rest {
					continue
				}
				if t.batteries[current].SoC-t.batteries[i].SoC > SoCHysteresisQ8 {
					st.BatteryUnderCharge = i + 1
					*decisionStatus |= DecisionChargerHysteresisMove
					break
				}
			}
		}
	}
}

// --- Load assignment (L1-L8) ---

func assignLoad(t *tick, isolatable bool, policy Policy, st *State, decisionStatus *uint16) {
	// L1: SEPARATE_LOAD forbids sharing the charging battery.
	if policy.has(SeparateLoad) && st.BatteryUnderLoad != 0 && st.BatteryUnderLoad == st.BatteryUnderCharge {
		st.BatteryUnderLoad = 0
	}

	if st.BatteryUnderLoad != 0 {
		b := t.batteries[st.BatteryUnderLoad-1]
		// L2: the loaded battery is weak -> deallocate.
		if b.Health == battery.Weak {
			st.BatteryUnderLoad = 0
		}
	}
	if st.BatteryUnderLoad != 0 {
		b := t.batteries[st.BatteryUnderLoad-1]
		// L3: the loaded battery is not normal -> deallocate.
		if b.Fill != battery.FillNormal {
			st.BatteryUnderLoad = 0
		}
	}

	excludeWeak := func(i int) bool { return t.batteries[i].Health == battery.Weak }
	excludeCharging := func(i int) bool {
		return policy.has(SeparateLoad) && st.BatteryUnderCharge != 0 && i == st.BatteryUnderCharge-1
	}
	excludeLongest := func(i int) bool {
		return policy.has(PreserveIsolation) && i == t.longest
	}

	pickHighest := func(skip ...func(int) bool) int {
		for _, i := range t.ranked {
			blocked := false
			for _, f := range skip {
				if f(i) {
					blocked = true
					break
				}
			}
			if !blocked {
				return i
			}
		}
		return -1
	}

	if st.BatteryUnderLoad == 0 {
		var candidate int = -1

		// L4: isolatable systems prefer a non-weak, non-charging,
		// non-longest-isolated battery.
		if isolatable {
			candidate = pickHighest(excludeWeak, excludeCharging, excludeLongest)
			if candidate != -1 {
				st.BatteryUnderLoad = candidate + 1
				*decisionStatus |= DecisionLoadIsolatedPick
			}
		}

		// L5: drop the isolation-preserving constraint.
		if candidate == -1 {
			candidate = pickHighest(excludeWeak, excludeCharging)
			if candidate != -1 {
				st.BatteryUnderLoad = candidate + 1
				*decisionStatus |= DecisionLoadDroppedIsolation
			}
		}

		// L6: drop the charger-separation constraint too; only
		// weakness still excludes a battery.
		if candidate == -1 {
			candidate = pickHighest(excludeWeak)
			if candidate != -1 {
				st.BatteryUnderLoad = candidate + 1
				*decisionStatus |= DecisionLoadDroppedSeparation
			}
		}
	}

	// L7: refinement pass. If the battery now under load isn't normal,
	// look once more for a non-weak battery, other than the charging and
	// the loaded one, whose SoC is more than the hysteresis margin below
	// the charging battery's, and move the load there. Skipped when
	// nothing is under charge, since there is then no charging battery
	// to compare against (§9).
	if st.BatteryUnderLoad != 0 && st.BatteryUnderCharge != 0 {
		loaded := t.batteries[st.BatteryUnderLoad-1]
		charging := t.batteries[st.BatteryUnderCharge-1]
		if loaded.Fill != battery.FillNormal {
			for _, i := range t.ranked {
				if excludeWeak(i) || i == st.BatteryUnderCharge-1 || i == st.BatteryUnderLoad-1 {
					continue
				}
				if charging.SoC-t.batteries[i].SoC > SoCHysteresisQ8 {
					st.BatteryUnderLoad = i + 1
					*decisionStatus |= DecisionLoadRefinement
					break
				}
			}
		}
	}

	// L8: final fallback. If the loaded battery is still critical, and
	// there is a non-weak battery under charge, share the load onto it
	// rather than leave the load unserved.
	if st.BatteryUnderLoad != 0 && t.batteries[st.BatteryUnderLoad-1].Fill == battery.FillCritical &&
		st.BatteryUnderCharge != 0 && t.batteries[st.BatteryUnderCharge-1].Health != battery.Weak {
		st.BatteryUnderLoad = st.BatteryUnderCharge
		*decisionStatus |= DecisionLoadFallbackToCharger
	}
}

// --- Post-pass (O1-O5) ---

func postPass(t *tick, ch charger.Collaborator, sw switches.Collaborator, st *State, in Inputs, decisionStatus *uint16) {
	refreshTicks := soc.TicksPerHour(soc.IsolationRefreshHours, in.MonitorDelayMs)

	// O1-O3: recompute each battery's operational state from the final
	// assignment, refresh SoC on exit from a long isolation, and re-arm
	// the isolation-time sentinel.
	for _, i := range t.ranked {
		b := t.batteries[i]
		lastOp := b.Op

		b.Op = battery.Isolated
		if i+1 == st.BatteryUnderLoad {
			b.Op = battery.Loaded
		}
		if i+1 == st.BatteryUnderCharge {
			b.Op = battery.Charging
		}

		// O2.
		if lastOp == battery.Isolated && b.Op != battery.Isolated && b.IsolationTime > refreshTicks {
			b.RefreshSoCFromOCV(t.voltage[i], in.TemperatureQ8)
			b.IsolationTime = 0
		}

		// O3. The double-duty case (same battery both loaded and
		// charging) also gets the low sentinel rather than zero.
		doubleDuty := st.BatteryUnderLoad != 0 && st.BatteryUnderLoad == st.BatteryUnderCharge && i+1 == st.BatteryUnderLoad
		if b.Op != battery.Isolated || doubleDuty {
			b.IsolationTime = battery.LowSentinelIsolation
		}
	}

	// O4: apply the final assignment to the switch matrix, when
	// auto-track is enabled. Battery indices are 1-based; 0 means
	// "connect nothing to this rail". The charger's preferred panel
	// target is recorded whenever a battery is under charge, independent
	// of whether the temperature limit actually closes the panel switch.
	if in.AutoTrack {
		_ = sw.SetSwitch(st.BatteryUnderLoad, switches.Load2)

		loadedCritical := st.BatteryUnderLoad != 0 &&
			t.batteries[st.BatteryUnderLoad-1].Fill == battery.FillCritical
		if loadedCritical {
			_ = sw.SetSwitch(0, switches.Load1)
		} else {
			_ = sw.SetSwitch(st.BatteryUnderLoad, switches.Load1)
		}

		if in.TemperatureQ8 < TemperatureLimitQ8 {
			_ = sw.SetSwitch(st.BatteryUnderCharge, switches.Panel)
		}
	}
	if st.BatteryUnderCharge != 0 {
		ch.SetPreferredPanelTarget(st.BatteryUnderCharge - 1)
	}

	// O5: decisionStatus has already accumulated its bits through the
	// charger/load assignment passes above; nothing further to add here.
	_ = decisionStatus
}

// idleReset applies the Coulomb-counter idle-reset rule (soc.IdleTick) to
// every non-missing battery once per tick, regardless of its load/charge
// assignment: the rule tracks the battery's own measured current, not
// just the isolated case, so a loaded-but-quiescent battery reaches the
// same currentSteady threshold as an isolated one.
func idleReset(t *tick, m measure.Collaborator, in Inputs) {
	currentSteadyTicks := soc.TicksPerHour(soc.CurrentSteadyHours, in.MonitorDelayMs)
	isolationResetTicks := soc.TicksPerHour(soc.IsolationResetHours, in.MonitorDelayMs)
	for _, i := range t.ranked {
		b := t.batteries[i]
		soc.IdleTick(b, m.GetBatteryCurrent(i), t.voltage[i], in.TemperatureQ8, currentSteadyTicks, isolationResetTicks)
	}
}
