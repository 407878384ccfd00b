// Package measure defines the measurement collaborator's read-only
// accessor interface (§6) and its two implementations: a simulator for
// cmd/simulate and deterministic tests, and a hardware adaptor over
// drivers/aht20 and drivers/ltc4015.
package measure

// Collaborator is the measurement collaborator's interface onto the
// allocation engine. All values are Q8 fixed-point. Indicators bit
// (2i+1) reports whether battery i is physically present.
//
// GetBatteryAccumulatedCharge is destructive: each call returns the
// integral of current since the previous call (§6).
type Collaborator interface {
	GetBatteryCurrent(i int) int32
	GetBatteryVoltage(i int) int32
	GetLoadCurrent(j int) int32
	GetLoadVoltage(j int) int32
	GetPanelCurrent(k int) int32
	GetPanelVoltage(k int) int32
	GetTemperature() int32
	GetIndicators() uint32
	GetBatteryAccumulatedCharge(i int) int64
}

// IndicatorBit returns the indicator bitmask bit for battery i's
// presence signal (bit 2i+1, per §6).
func IndicatorBit(i int) uint32 { return 1 << uint(2*i+1) }

// Present reports whether battery i's presence bit is set in bits.
func Present(bits uint32, i int) bool { return bits&IndicatorBit(i) != 0 }
