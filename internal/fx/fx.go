// Package fx provides the Q8 fixed-point arithmetic used throughout the
// allocation engine. All currents, voltages, temperatures and SoC values
// are signed or unsigned integers scaled by 256; there is no floating
// point anywhere in this package or its callers.
package fx

import "batterymon/x/mathx"

// Scale is the Q8 fixed-point scale factor (8 fractional bits).
const Scale = 256

// BatteryType selects which OCV curve computeSoC uses.
type BatteryType uint8

const (
	Wet BatteryType = iota
	Gel
	AGM
)

func (t BatteryType) String() string {
	switch t {
	case Wet:
		return "wet"
	case Gel:
		return "gel"
	case AGM:
		return "agm"
	default:
		return "unknown"
	}
}

// Reference voltages and temperature, all Q8.
const (
	v100Wet       int32 = 3242
	v100GelAGM    int32 = 3280
	v50GelAGM     int32 = 3178
	v25GelAGM     int32 = 3075
	tempReference int32 = 12518 // 48.9 degC in Q8, canonical reference
)

// SoCMax is the saturating upper bound for SoC (100% x 256).
const SoCMax int32 = 25600

// ComputeSoC converts an OCV reading at the given temperature into a Q8
// state-of-charge percentage (0..25600), per the piecewise linear model
// of §4.1.
//
// voltage and temperature are Q8 values. wet batteries use a single
// linear segment; gel/agm batteries use half that slope above v25 and
// the full slope below it, the two segments meeting at v25.
func ComputeSoC(voltage, temperature int32, batType BatteryType) int32 {
	v100 := v100Wet
	if batType != Wet {
		v100 = v100GelAGM
	}

	tDiff := (tempReference - temperature) >> 2
	vFactor := int64(65536) - ((42 * int64(tDiff) * int64(tDiff)) >> 20)
	if vFactor == 0 {
		vFactor = 1
	}
	ocv := int32((int64(voltage) * 65536) / vFactor)

	soc := int64(100) * (int64(65536) - 320*int64(v100-ocv))

	if batType != Wet {
		if ocv > v25GelAGM {
			soc += 100 * 160 * int64(v50GelAGM-ocv)
		} else {
			soc += 100 * 160 * int64(v50GelAGM-v25GelAGM)
		}
	}

	return mathx.Clamp(int32(soc>>8), 0, SoCMax)
}

// SoCFromCharge derives the Q8 percentage implied by an accumulated
// charge (coulombs x 256) and a battery capacity in Ah, per invariant 1:
// SoC = charge / (capacity x 36).
func SoCFromCharge(chargeQ8 int64, capacityAh int32) int32 {
	if capacityAh <= 0 {
		return 0
	}
	soc := chargeQ8 / (int64(capacityAh) * 36)
	return mathx.Clamp(int32(soc), 0, SoCMax)
}

// MaxCharge returns the Q8-coulomb ceiling for a battery of the given
// capacity, per invariant 2: 0 <= charge <= capacity x 3600 x 256.
func MaxCharge(capacityAh int32) int64 {
	if capacityAh <= 0 {
		return 0
	}
	return int64(capacityAh) * 3600 * Scale
}

// ClampCharge saturates charge into [0, MaxCharge(capacityAh)].
func ClampCharge(chargeQ8 int64, capacityAh int32) int64 {
	max := MaxCharge(capacityAh)
	if chargeQ8 < 0 {
		return 0
	}
	if chargeQ8 > max {
		return max
	}
	return chargeQ8
}
