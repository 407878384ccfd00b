package measure

import "sync"

// SimConfig seeds a Simulated collaborator's dimensions.
type SimConfig struct {
	Batteries int
	Loads     int
	Panels    int
}

// Simulated is a deterministic, in-memory measurement collaborator. The
// simulator harness (cmd/simulate) mutates its readings directly; the
// allocation engine only ever sees it through the Collaborator
// interface. GetBatteryAccumulatedCharge is destructive, matching the
// real collaborator's delta semantics.
type Simulated struct {
	mu sync.Mutex

	batteryCurrent []int32
	batteryVoltage []int32
	loadCurrent    []int32
	loadVoltage    []int32
	panelCurrent   []int32
	panelVoltage   []int32
	temperature    int32
	indicators     uint32

	accumulated []int64 // pending charge delta per battery, Q8 coulombs
}

// NewSimulated creates a simulated collaborator with all batteries
// marked present and zeroed readings.
func NewSimulated(cfg SimConfig) *Simulated {
	s := &Simulated{
		batteryCurrent: make([]int32, cfg.Batteries),
		batteryVoltage: make([]int32, cfg.Batteries),
		loadCurrent:    make([]int32, cfg.Loads),
		loadVoltage:    make([]int32, cfg.Loads),
		panelCurrent:   make([]int32, cfg.Panels),
		panelVoltage:   make([]int32, cfg.Panels),
		accumulated:    make([]int64, cfg.Batteries),
	}
	for i := 0; i < cfg.Batteries; i++ {
		s.indicators |= IndicatorBit(i)
	}
	return s
}

func (s *Simulated) GetBatteryCurrent(i int) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return at(s.batteryCurrent, i)
}
func (s *Simulated) GetBatteryVoltage(i int) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return at(s.batteryVoltage, i)
}
func (s *Simulated) GetLoadCurrent(j int) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return at(s.loadCurrent, j)
}
func (s *Simulated) GetLoadVoltage(j int) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return at(s.loadVoltage, j)
}
func (s *Simulated) GetPanelCurrent(k int) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return at(s.panelCurrent, k)
}
func (s *Simulated) GetPanelVoltage(k int) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return at(s.panelVoltage, k)
}
func (s *Simulated) GetTemperature() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.temperature
}
func (s *Simulated) GetIndicators() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indicators
}

// GetBatteryAccumulatedCharge drains and returns the pending charge
// delta for battery i.
func (s *Simulated) GetBatteryAccumulatedCharge(i int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.accumulated) {
		return 0
	}
	v := s.accumulated[i]
	s.accumulated[i] = 0
	return v
}

// --- Setters used by the simulator harness to drive deterministic
// sequences and by tests. ---

func (s *Simulated) SetBatteryReading(i int, currentQ8, voltageQ8 int32, deltaChargeQ8 int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.batteryCurrent) {
		return
	}
	s.batteryCurrent[i] = currentQ8
	s.batteryVoltage[i] = voltageQ8
	s.accumulated[i] += deltaChargeQ8
}

func (s *Simulated) SetLoadReading(j int, currentQ8, voltageQ8 int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j < 0 || j >= len(s.loadCurrent) {
		return
	}
	s.loadCurrent[j] = currentQ8
	s.loadVoltage[j] = voltageQ8
}

func (s *Simulated) SetPanelReading(k int, currentQ8, voltageQ8 int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k < 0 || k >= len(s.panelCurrent) {
		return
	}
	s.panelCurrent[k] = currentQ8
	s.panelVoltage[k] = voltageQ8
}

func (s *Simulated) SetTemperature(tQ8 int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temperature = tQ8
}

func (s *Simulated) SetPresent(i int, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if present {
		s.indicators |= IndicatorBit(i)
	} else {
		s.indicators &^= IndicatorBit(i)
	}
}

func at(xs []int32, i int) int32 {
	if i < 0 || i >= len(xs) {
		return 0
	}
	return xs[i]
}
