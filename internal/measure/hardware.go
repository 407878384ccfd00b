package measure

import (
	"sync"

	"batterymon/drivers/aht20"
	"batterymon/drivers/ltc4015"
)

// Hardware adapts a shared LTC4015 charge-path device and an AHT20
// temperature sensor into the Collaborator interface. The switch
// matrix routes exactly one battery onto the charger at a time, so
// only the currently-connected battery's voltage/current are directly
// observable; Refresh snapshots those readings into a per-battery
// cache, and readings for isolated batteries hold their last sample
// until they are next connected (the allocator relies on isolation-time
// thresholds, not on live current, to decide when a cached voltage may
// be trusted as OCV; see §4.3 O2 and the idle SoC reset rule).
type Hardware struct {
	mu sync.Mutex

	charger *ltc4015.Device
	temp    *aht20.Device

	connectedBattery int // 1-based, 0 = none currently connected to charger

	batteryCurrent []int32
	batteryVoltage []int32
	accumulated    []int64
	present        []bool

	temperatureQ8 int32
}

// NewHardware wraps the shared charge-path device and temperature
// sensor for n batteries.
func NewHardware(charger *ltc4015.Device, temp *aht20.Device, n int) *Hardware {
	present := make([]bool, n)
	for i := range present {
		present[i] = true
	}
	return &Hardware{
		charger:        charger,
		temp:           temp,
		batteryCurrent: make([]int32, n),
		batteryVoltage: make([]int32, n),
		accumulated:    make([]int64, n),
		present:        present,
	}
}

// SetConnectedBattery tells the adaptor which battery (1-based, 0 =
// none) the switch matrix currently has routed to the charger, so
// Refresh attributes the LTC4015's VBAT/IBAT readings correctly.
func (h *Hardware) SetConnectedBattery(battery1Based int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connectedBattery = battery1Based
}

// Refresh polls the LTC4015 and AHT20 once and updates the cache; each
// call adds the connected battery's current sample to its accumulated
// charge. Battery and temperature accessors return the cached values
// between calls.
func (h *Hardware) Refresh() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.connectedBattery > 0 && h.connectedBattery <= len(h.batteryVoltage) {
		idx := h.connectedBattery - 1
		if mv, err := h.charger.Battery_mVPerCell(); err == nil {
			h.batteryVoltage[idx] = mvToQ8(mv)
		}
		if mA, err := h.charger.Ibat_mA(); err == nil {
			h.batteryCurrent[idx] = maToQ8(mA)
			h.accumulated[idx] += int64(maToQ8(mA))
		}
	}

	if h.temp != nil {
		if err := h.temp.Read(); err == nil {
			h.temperatureQ8 = deciCToQ8(h.temp.DeciCelsius())
		}
	}
	return nil
}

func (h *Hardware) GetBatteryCurrent(i int) int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return at(h.batteryCurrent, i)
}
func (h *Hardware) GetBatteryVoltage(i int) int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return at(h.batteryVoltage, i)
}

// GetLoadCurrent/GetLoadVoltage/GetPanelCurrent/GetPanelVoltage: the
// reference geometry's single shared charge path gives the panel
// readings directly off the LTC4015; load rails are not separately
// instrumented in this geometry and read as zero.
func (h *Hardware) GetLoadCurrent(j int) int32  { return 0 }
func (h *Hardware) GetLoadVoltage(j int) int32  { return 0 }
func (h *Hardware) GetPanelCurrent(k int) int32 {
	mA, err := h.charger.Iin_mA()
	if err != nil {
		return 0
	}
	return maToQ8(mA)
}
func (h *Hardware) GetPanelVoltage(k int) int32 {
	mV, err := h.charger.Vin_mV()
	if err != nil {
		return 0
	}
	return mvToQ8(mV)
}

func (h *Hardware) GetTemperature() int32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.temperatureQ8
}

func (h *Hardware) GetIndicators() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var bits uint32
	for i, ok := range h.present {
		if ok {
			bits |= IndicatorBit(i)
		}
	}
	return bits
}

func (h *Hardware) GetBatteryAccumulatedCharge(i int) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i < 0 || i >= len(h.accumulated) {
		return 0
	}
	v := h.accumulated[i]
	h.accumulated[i] = 0
	return v
}

// SetPresent lets the missing-battery control surface (§6) override the
// presence indicator directly (e.g. a technician physically removes a
// battery and the driver has no dedicated presence line).
func (h *Hardware) SetPresent(i int, present bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= 0 && i < len(h.present) {
		h.present[i] = present
	}
}

func mvToQ8(mV int32) int32 { return (mV * 256) / 1000 }
func maToQ8(mA int32) int32 { return (mA * 256) / 1000 }
func deciCToQ8(deciC int32) int32 { return (deciC * 256) / 10 }
