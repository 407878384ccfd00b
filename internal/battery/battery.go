// Package battery holds the per-battery mutable state record and the
// enumerations used to classify it (§3 of the allocation engine spec).
package battery

import "batterymon/internal/fx"

// FillState reflects the battery's charge level, derived each tick from
// SoC and terminal voltage (§4.3 P4/P5).
type FillState uint8

const (
	FillNormal FillState = iota
	FillLow
	FillCritical
	FillFaulty
)

func (f FillState) String() string {
	switch f {
	case FillNormal:
		return "normal"
	case FillLow:
		return "low"
	case FillCritical:
		return "critical"
	case FillFaulty:
		return "faulty"
	default:
		return "unknown"
	}
}

// OpState is the battery's current role in the allocation, recomputed
// every tick in the allocator's post-pass (§4.3 O1).
type OpState uint8

const (
	Isolated OpState = iota
	Loaded
	Charging
)

func (o OpState) String() string {
	switch o {
	case Isolated:
		return "isolated"
	case Loaded:
		return "loaded"
	case Charging:
		return "charging"
	default:
		return "unknown"
	}
}

// HealthState tracks whether a battery is fit to be selected at all.
type HealthState uint8

const (
	Good HealthState = iota
	Faulty
	Missing
	Weak
)

func (h HealthState) String() string {
	switch h {
	case Good:
		return "good"
	case Faulty:
		return "faulty"
	case Missing:
		return "missing"
	case Weak:
		return "weak"
	default:
		return "unknown"
	}
}

// IdleCurrentThreshold is the Q8-amp magnitude below which a battery is
// considered to be drawing no meaningful current (30/256 A, about
// 117 mA; §4.3 idle SoC reset rule).
const IdleCurrentThreshold = 30

// LowSentinelIsolation is the isolation-time value held while a battery
// is simultaneously loaded and charged (invariant 6).
const LowSentinelIsolation = 10

// Record is one battery's complete mutable state. The engine owns N of
// these in a fixed-size slice; they are never destroyed (§3 Lifecycle).
type Record struct {
	Index int // 0-based slot index

	Capacity int32       // Ah
	Type     fx.BatteryType

	SoC    int32 // percent x256, [0, 25600]
	Charge int64 // coulombs x256, [0, capacity*3600*256]

	Fill   FillState
	Op     OpState
	Health HealthState

	CurrentSteady int32 // consecutive ticks with |current| below idle threshold
	IsolationTime int32 // ticks since opState last became isolated
}

// NewRecord creates a battery record in its initial lifecycle state:
// healthy, isolated, with SoC seeded from a first OCV reading.
func NewRecord(index int, capacityAh int32, batType fx.BatteryType, ocvVoltageQ8, temperatureQ8 int32) *Record {
	soc := fx.ComputeSoC(ocvVoltageQ8, temperatureQ8, batType)
	return &Record{
		Index:    index,
		Capacity: capacityAh,
		Type:     batType,
		SoC:      soc,
		Charge:   int64(soc) * int64(capacityAh) * 36,
		Fill:     FillNormal,
		Op:       Isolated,
		Health:   Good,
	}
}

// IsMissing reports whether this battery must be excluded from ranking
// and assignment (invariant 3).
func (r *Record) IsMissing() bool { return r.Health == Missing }

// MarkMissing sets the soft-removal state: SoC drops to zero and the
// battery becomes permanently ineligible until explicitly un-marked via
// the control surface (§6 setBatteryMissing).
func (r *Record) MarkMissing() {
	r.Health = Missing
	r.SoC = 0
}

// RefreshSoCFromOCV re-seeds SoC (and the coupled charge accumulator)
// from a fresh open-circuit voltage reading. Used by calibration (§4.2)
// and by the allocator's isolation/idle-reset rules (§4.3 O2, idle SoC
// reset).
func (r *Record) RefreshSoCFromOCV(ocvVoltageQ8, temperatureQ8 int32) {
	r.SoC = fx.ComputeSoC(ocvVoltageQ8, temperatureQ8, r.Type)
	r.Charge = fx.ClampCharge(int64(r.SoC)*int64(r.Capacity)*36, r.Capacity)
}

// IntegrateCharge folds an accumulated-charge delta (from the
// measurement collaborator's destructive read) into the record and
// recomputes SoC, clamping per invariants 1-2 (§4.3 P3).
func (r *Record) IntegrateCharge(deltaQ8 int64) {
	r.Charge = fx.ClampCharge(r.Charge+deltaQ8, r.Capacity)
	r.SoC = fx.SoCFromCharge(r.Charge, r.Capacity)
}
