// Package engine owns the process-wide allocation-engine state and
// runs the monitor tick loop (§4.4, §5, §9): one goroutine that wakes
// on a ticker, runs the allocator pass, and republishes the result as
// bus events. Everything mutable lives on the *Engine value rather than
// on the goroutine's stack, so a watchdog-triggered restart of the
// monitor loop (§9) can resume without losing battery state.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"batterymon/bus"
	"batterymon/errcode"
	"batterymon/internal/allocator"
	"batterymon/internal/battery"
	"batterymon/internal/calibration"
	"batterymon/internal/charger"
	"batterymon/internal/config"
	"batterymon/internal/fx"
	"batterymon/internal/measure"
	"batterymon/internal/switches"
	"batterymon/x/timex"
)

// Bus topics for the engine's event sink and control surface (§6).
// Exported so cmd/ consumers (simulator feed, CLI, MQTT bridge) can
// subscribe/publish without restating the topic shape.
var (
	TopicSnapshot    = bus.Topic{"batterymon", "snapshot"}
	TopicDecision    = bus.Topic{"batterymon", "decision"}
	TopicCalibration = bus.Topic{"batterymon", "calibration"}
	TopicControl     = bus.Topic{"batterymon", "control"}
)

// Engine is the single-owner holder of the battery array and the
// allocator's global state (§3 "Process-wide state", §9). It is built
// once at process start and handed to the monitor loop; a watchdog
// restart recreates only the goroutine, never this value.
type Engine struct {
	mu sync.Mutex

	batteries []*battery.Record
	state     allocator.State
	store     *config.Store

	ch charger.Collaborator
	m  measure.Collaborator
	sw switches.Collaborator

	monitorDelay     time.Duration
	calibrationDelay time.Duration
	ifaces           calibration.Interfaces

	lastDecision uint16
}

// New builds an engine over numBatteries records, seeded from an
// initial OCV reading, and wires it to the given collaborators and
// persisted configuration store.
func New(store *config.Store, ch charger.Collaborator, m measure.Collaborator, sw switches.Collaborator, ifaces calibration.Interfaces) *Engine {
	blk := store.Get()
	n := len(blk.BatteryCapacity)
	blk.EnsureOffsetLen(ifaces.NumBatteries + ifaces.NumLoads + ifaces.NumPanels)
	store.Set(blk)

	e := &Engine{
		batteries:        make([]*battery.Record, n),
		store:            store,
		ch:               ch,
		m:                m,
		sw:               sw,
		monitorDelay:     time.Duration(blk.MonitorDelay) * time.Millisecond,
		calibrationDelay: time.Duration(blk.CalibrationDelay) * time.Millisecond,
		ifaces:           ifaces,
	}
	temp := m.GetTemperature()
	for i := range e.batteries {
		ocv := m.GetBatteryVoltage(i)
		e.batteries[i] = battery.NewRecord(i, int32(blk.BatteryCapacity[i]), blk.BatteryType[i], ocv, temp)
	}
	return e
}

// Snapshot is the read-only view of engine state published on every
// tick and returned to CLI/bridge observers (§4.4 step 3, §6 event
// sink): per-battery V/I/SoC/packed state, per-load and per-panel V/I,
// temperature, the switch-control and indicator bitmaps, and the
// charger/load assignment.
type Snapshot struct {
	TimestampMs        int64
	Batteries          []battery.Record
	BatteryVoltageQ8   []int32
	BatteryCurrentQ8   []int32
	LoadVoltageQ8      []int32
	LoadCurrentQ8      []int32
	PanelVoltageQ8     []int32
	PanelCurrentQ8     []int32
	TemperatureQ8      int32
	SwitchControlBits  uint16
	IndicatorBits      uint32
	BatteryUnderCharge int
	BatteryUnderLoad   int
	ChargerOff         bool
	DecisionStatus     uint16
}

// Snapshot copies out the current engine state without exposing the
// live records to callers outside the monitor goroutine.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Run is the monitor tick loop (§4.4): on each tick it runs one
// allocator pass, applies the idle reset, and republishes a snapshot
// and decisionStatus event. It returns when ctx is cancelled. heartbeat
// is invoked once per tick so an external watchdog observing it can
// detect lockup and restart the loop (§9); Engine itself survives that
// restart since all mutable state lives here, not on the goroutine
// stack.
func (e *Engine) Run(ctx context.Context, conn *bus.Connection, heartbeat func()) {
	controlSub := conn.Subscribe(TopicControl)
	defer conn.Unsubscribe(controlSub)

	ticker := time.NewTicker(e.monitorDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("engine: monitor loop stopping")
			return
		case msg := <-controlSub.Channel():
			e.handleControl(msg, conn)
		case <-ticker.C:
			e.tick(ctx, conn)
			if heartbeat != nil {
				heartbeat()
			}
		}
	}
}

func (e *Engine) tick(ctx context.Context, conn *bus.Connection) {
	e.mu.Lock()

	if e.state.CalibrateRequested {
		e.mu.Unlock()
		e.runCalibration(ctx, conn)
		e.mu.Lock()
	}

	blk := e.store.Get()
	in := allocator.Inputs{
		Policy:         blk.MonitorStrategy,
		Thresholds:     blk.Thresholds(),
		PanelVoltageQ8: e.m.GetPanelVoltage(0),
		TemperatureQ8:  e.m.GetTemperature(),
		MonitorDelayMs: blk.MonitorDelay,
		AutoTrack:      blk.AutoTrack,
	}

	status := allocator.Run(e.batteries, e.ch, e.m, e.sw, &e.state, in)
	e.lastDecision = status

	snap := e.snapshotLocked()
	e.mu.Unlock()

	conn.Publish(&bus.Message{Topic: TopicSnapshot, Payload: snap, Retained: true})
	conn.Publish(&bus.Message{Topic: TopicDecision, Payload: status, Retained: true})
}

func (e *Engine) snapshotLocked() Snapshot {
	bats := make([]battery.Record, len(e.batteries))
	batV := make([]int32, len(e.batteries))
	batI := make([]int32, len(e.batteries))
	for i, b := range e.batteries {
		bats[i] = *b
		batV[i] = e.m.GetBatteryVoltage(i)
		batI[i] = e.m.GetBatteryCurrent(i)
	}

	loadV := make([]int32, e.ifaces.NumLoads)
	loadI := make([]int32, e.ifaces.NumLoads)
	for j := range loadV {
		loadV[j] = e.m.GetLoadVoltage(j)
		loadI[j] = e.m.GetLoadCurrent(j)
	}

	panelV := make([]int32, e.ifaces.NumPanels)
	panelI := make([]int32, e.ifaces.NumPanels)
	for k := range panelV {
		panelV[k] = e.m.GetPanelVoltage(k)
		panelI[k] = e.m.GetPanelCurrent(k)
	}

	return Snapshot{
		TimestampMs:        timex.NowMs(),
		Batteries:          bats,
		BatteryVoltageQ8:   batV,
		BatteryCurrentQ8:   batI,
		LoadVoltageQ8:      loadV,
		LoadCurrentQ8:      loadI,
		PanelVoltageQ8:     panelV,
		PanelCurrentQ8:     panelI,
		TemperatureQ8:      e.m.GetTemperature(),
		SwitchControlBits:  e.sw.GetSwitchControlBits(),
		IndicatorBits:      e.m.GetIndicators(),
		BatteryUnderCharge: e.state.BatteryUnderCharge,
		BatteryUnderLoad:   e.state.BatteryUnderLoad,
		ChargerOff:         e.state.ChargerOff,
		DecisionStatus:     e.lastDecision,
	}
}

// runCalibration executes the offset-calibration protocol inline on
// the monitor goroutine (§4.2, §5: "no extra goroutine, no
// cancellation path"). It clears calibrateRequested whether or not the
// sweep's settle-delay sleeps are interrupted by ctx, matching the
// spec's "calibration always runs to completion" framing.
func (e *Engine) runCalibration(ctx context.Context, conn *bus.Connection) {
	progress := func(test, numTests int) {
		conn.Publish(&bus.Message{
			Topic:   TopicCalibration,
			Payload: map[string]any{"test": test, "numTests": numTests},
		})
	}

	result := calibration.Run(ctx, e.batteries, e.m, e.sw, e.ifaces, e.calibrationDelay, calibration.RealClock{}, progress, func() {})

	e.mu.Lock()
	blk := e.store.Get()
	if len(blk.CurrentOffset) == len(result.Offset) {
		for i, off := range result.Offset {
			blk.CurrentOffset[i] = int16(off)
		}
		e.store.Set(blk)
	}

	calibration.FinalizeBatteries(e.batteries, e.m, e.m.GetTemperature())
	e.state.BatteryUnderLoad = 0
	e.state.BatteryUnderCharge = 0
	e.state.CalibrateRequested = false
	e.mu.Unlock()

	if !e.store.WriteConfigBlock() {
		log.Printf("engine: calibration offsets computed but NVM write failed; in-RAM config remains authoritative")
	}
}

// handleControl dispatches one inbound control-surface message (§6
// "Control surface"). Payload shape: map[string]any{"op": ..., args...}.
// Replies always carry an errcode.Code, "ok" on success, so a remote
// caller (cmd/allocctl, cmd/mqtt-bridge) gets a stable reason for a
// rejected operation instead of silence.
func (e *Engine) handleControl(msg *bus.Message, conn *bus.Connection) {
	m, ok := msg.Payload.(map[string]any)
	if !ok {
		conn.Reply(msg, map[string]any{"ok": false, "code": errcode.InvalidPayload}, false)
		return
	}
	op, _ := m["op"].(string)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch op {
	case "startCalibration":
		e.state.CalibrateRequested = true
	case "setBatteryMissing":
		i, missing := intArg(m, "battery"), boolArg(m, "missing")
		if i < 0 || i >= len(e.batteries) {
			conn.Reply(msg, map[string]any{"ok": false, "code": errcode.InvalidParams}, false)
			return
		}
		if missing {
			e.batteries[i].MarkMissing()
		} else if e.batteries[i].Health == battery.Missing {
			e.batteries[i].Health = battery.Good
		}
	case "setBatterySoC":
		i, soc16 := intArg(m, "battery"), int32(intArg(m, "soc"))
		if i < 0 || i >= len(e.batteries) {
			conn.Reply(msg, map[string]any{"ok": false, "code": errcode.InvalidParams}, false)
			return
		}
		b := e.batteries[i]
		b.SoC = soc16
		b.Charge = fx.ClampCharge(int64(soc16)*int64(b.Capacity)*36, b.Capacity)
	case "resetBatterySoC":
		i := intArg(m, "battery")
		if i < 0 || i >= len(e.batteries) {
			conn.Reply(msg, map[string]any{"ok": false, "code": errcode.InvalidParams}, false)
			return
		}
		b := e.batteries[i]
		wasFull := b.SoC >= fx.SoCMax
		b.SoC = fx.SoCMax
		b.Charge = fx.MaxCharge(b.Capacity)
		if !wasFull {
			b.Fill = battery.FillFaulty
		}
	default:
		log.Printf("engine: unknown control op %q", op)
		conn.Reply(msg, map[string]any{"ok": false, "code": errcode.UnknownCapability}, false)
		return
	}

	conn.Reply(msg, map[string]any{"ok": true, "code": errcode.OK}, false)
}

func intArg(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return -1
	}
}

func boolArg(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}
