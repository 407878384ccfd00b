package config

import "encoding/json"

// encode serializes a Block back to the JSON shape decode expects.
//
// tinyjson's only exercised API in the retrieval pack is the read
// path (Raw/Value/EnsureEOF decoding to map[string]any); nothing in
// the corpus shows it encoding a Go value back to JSON. Rather than
// hand-roll a second bespoke encoder for a shape decode already
// parses generically, the write side uses the standard library's
// encoding/json against a plain map built from the same field names
// decode reads, keeping the two in lockstep without guessing at an
// unexercised API.
func encode(b Block) ([]byte, error) {
	// fx.BatteryType is a uint8, so encoding/json would write the slice
	// as a base64 string; widen it to emit the number array decode reads.
	types := make([]int, len(b.BatteryType))
	for i, t := range b.BatteryType {
		types[i] = int(t)
	}
	m := map[string]any{
		"autoTrack":        b.AutoTrack,
		"monitorStrategy":  uint8(b.MonitorStrategy),
		"lowVoltage":       b.LowVoltage,
		"criticalVoltage":  b.CriticalVoltage,
		"lowSoC":           b.LowSoC,
		"criticalSoC":      b.CriticalSoC,
		"floatBulkSoC":     b.FloatBulkSoC,
		"monitorDelay":     b.MonitorDelay,
		"calibrationDelay": b.CalibrationDelay,
		"batteryType":      types,
		"batteryCapacity":  b.BatteryCapacity,
		"currentOffset":    b.CurrentOffset,
	}
	return json.MarshalIndent(m, "", "  ")
}
