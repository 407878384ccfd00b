// Package config implements the Configuration collaborator (§6): the
// persisted set of tunables that drive the allocator and calibration
// routines, plus a process-start bootstrap layer for things the
// embedded original never had to express (battery counts, bus wiring,
// broker addresses).
package config

import (
	"log"
	"os"
	"sync"

	"github.com/andreyvit/tinyjson"

	"batterymon/internal/allocator"
	"batterymon/internal/fx"
)

// Block is the live, persisted configuration. Field names mirror §3/§6
// of the allocation engine spec directly; Q8 fields keep the spec's
// scaling (volts, percent) rather than converting to float.
type Block struct {
	AutoTrack       bool
	MonitorStrategy allocator.Policy // bit0=SEPARATE_LOAD, bit1=PRESERVE_ISOLATION

	LowVoltage      int16 // Q8 volts
	CriticalVoltage int16 // Q8 volts
	LowSoC          int16 // percent x256
	CriticalSoC     int16 // percent x256
	FloatBulkSoC    int16 // percent x256

	BatteryType     []fx.BatteryType // per battery
	BatteryCapacity []int16          // Ah, per battery

	MonitorDelay     int64 // ticks (ms)
	CalibrationDelay int64 // ticks (ms)

	CurrentOffset []int16 // per measurement interface
}

// Default returns the factory configuration for a bank of n batteries,
// used when no persisted block exists yet or the persisted one fails
// to parse.
func Default(numBatteries int) Block {
	b := Block{
		AutoTrack:       true,
		MonitorStrategy: allocator.SeparateLoad | allocator.PreserveIsolation,
		LowVoltage:      3072, // 12.0 V
		CriticalVoltage: 2944, // 11.5 V
		LowSoC:          30 * 256,
		CriticalSoC:     15 * 256,
		FloatBulkSoC:    95 * 256,
		MonitorDelay:    1000,
		CalibrationDelay: 500,
	}
	b.BatteryType = make([]fx.BatteryType, numBatteries)
	b.BatteryCapacity = make([]int16, numBatteries)
	// CurrentOffset is indexed per measurement interface (batteries, then
	// loads, then panels; see calibration.Interfaces), not per battery, so
	// its length isn't known until the engine learns the interface count.
	// EnsureOffsetLen resizes it the first time that's available.
	b.CurrentOffset = make([]int16, numBatteries)
	for i := range b.BatteryCapacity {
		b.BatteryCapacity[i] = 100
	}
	return b
}

// EnsureOffsetLen grows CurrentOffset to n entries, preserving any
// values already present, so a config block created before the
// measurement interface count was known can still hold calibration
// results.
func (b *Block) EnsureOffsetLen(n int) {
	if len(b.CurrentOffset) >= n {
		return
	}
	grown := make([]int16, n)
	copy(grown, b.CurrentOffset)
	b.CurrentOffset = grown
}

// Thresholds converts the persisted Q8 fields into the allocator's
// Thresholds value.
func (b Block) Thresholds() allocator.Thresholds {
	return allocator.Thresholds{
		LowVoltage:      int32(b.LowVoltage),
		CriticalVoltage: int32(b.CriticalVoltage),
		LowSoC:          int32(b.LowSoC),
		CriticalSoC:     int32(b.CriticalSoC),
		FloatBulkSoC:    int32(b.FloatBulkSoC),
	}
}

// Store is the in-RAM, mutex-guarded holder of the live Block, backed
// by a JSON-shaped NVM file. Reads never block on I/O; writes are
// explicit via WriteConfigBlock.
type Store struct {
	mu   sync.RWMutex
	path string
	live Block
}

// Load reads the persisted block from path. A missing or corrupt file
// is not fatal (§7 NVM write/read failures are non-fatal): the store
// falls back to fallback and logs the reason.
func Load(path string, fallback Block) *Store {
	s := &Store{path: path, live: fallback}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("config: reading %s: %v (using defaults)", path, err)
		}
		return s
	}

	blk, err := decode(raw, fallback)
	if err != nil {
		log.Printf("config: parsing %s: %v (using defaults)", path, err)
		return s
	}
	s.live = blk
	return s
}

// Get returns a copy of the live configuration block.
func (s *Store) Get() Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// Set replaces the live configuration block in RAM. It does not touch
// NVM; callers persist explicitly via WriteConfigBlock.
func (s *Store) Set(b Block) {
	s.mu.Lock()
	s.live = b
	s.mu.Unlock()
}

// WriteConfigBlock persists the live configuration atomically to NVM
// (write-temp-then-rename). Failure is non-fatal: the in-RAM
// configuration remains authoritative and the caller only learns
// about it via the returned bool, matching §7's "NVM write failure"
// entry.
func (s *Store) WriteConfigBlock() bool {
	s.mu.RLock()
	b := s.live
	s.mu.RUnlock()

	raw, err := encode(b)
	if err != nil {
		log.Printf("config: encoding block: %v", err)
		return false
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		log.Printf("config: writing %s: %v", tmp, err)
		return false
	}
	if err := os.Rename(tmp, s.path); err != nil {
		log.Printf("config: renaming %s to %s: %v", tmp, s.path, err)
		return false
	}
	return true
}

// decode parses a persisted block using tinyjson the same way the
// teacher's services/config reads embedded blobs: decode to a raw
// value tree, then pull fields out of the resulting map[string]any.
// tinyjson has no typed-struct decode path, so every field is
// extracted and defaulted individually against fallback.
func decode(raw []byte, fallback Block) (Block, error) {
	r := tinyjson.Raw(raw)
	val := r.Value()
	if err := r.EnsureEOF(); err != nil {
		return fallback, err
	}

	m, ok := val.(map[string]any)
	if !ok {
		return fallback, errNotObject
	}

	b := fallback
	if v, ok := m["autoTrack"].(bool); ok {
		b.AutoTrack = v
	}
	if v, ok := numberOf(m["monitorStrategy"]); ok {
		b.MonitorStrategy = allocator.Policy(v)
	}
	if v, ok := numberOf(m["lowVoltage"]); ok {
		b.LowVoltage = int16(v)
	}
	if v, ok := numberOf(m["criticalVoltage"]); ok {
		b.CriticalVoltage = int16(v)
	}
	if v, ok := numberOf(m["lowSoC"]); ok {
		b.LowSoC = int16(v)
	}
	if v, ok := numberOf(m["criticalSoC"]); ok {
		b.CriticalSoC = int16(v)
	}
	if v, ok := numberOf(m["floatBulkSoC"]); ok {
		b.FloatBulkSoC = int16(v)
	}
	if v, ok := numberOf(m["monitorDelay"]); ok {
		b.MonitorDelay = v
	}
	if v, ok := numberOf(m["calibrationDelay"]); ok {
		b.CalibrationDelay = v
	}
	if arr, ok := m["batteryType"].([]any); ok {
		types := make([]fx.BatteryType, len(arr))
		for i, e := range arr {
			if n, ok := numberOf(e); ok {
				types[i] = fx.BatteryType(n)
			}
		}
		b.BatteryType = types
	}
	if arr, ok := m["batteryCapacity"].([]any); ok {
		caps := make([]int16, len(arr))
		for i, e := range arr {
			if n, ok := numberOf(e); ok {
				caps[i] = int16(n)
			}
		}
		b.BatteryCapacity = caps
	}
	if arr, ok := m["currentOffset"].([]any); ok {
		offs := make([]int16, len(arr))
		for i, e := range arr {
			if n, ok := numberOf(e); ok {
				offs[i] = int16(n)
			}
		}
		b.CurrentOffset = offs
	}
	return b, nil
}

// numberOf normalizes tinyjson's decoded numeric representation
// (float64, consistent with the only documented JSON-number behaviour
// in the retrieval pack) into an int64.
func numberOf(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

var errNotObject = blockError("config: persisted block is not a JSON object")

type blockError string

func (e blockError) Error() string { return string(e) }
