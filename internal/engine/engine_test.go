package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"batterymon/bus"
	"batterymon/errcode"
	"batterymon/internal/calibration"
	"batterymon/internal/charger"
	"batterymon/internal/config"
	"batterymon/internal/measure"
	"batterymon/internal/switches"
)

func newRig(t *testing.T, n int) (*Engine, *measure.Simulated) {
	t.Helper()

	blk := config.Default(n)
	blk.MonitorDelay = 10 // ms, fast ticks for the test
	path := filepath.Join(t.TempDir(), "block.json")
	store := config.Load(path, blk)
	store.Set(blk)

	m := measure.NewSimulated(measure.SimConfig{Batteries: n, Loads: 2, Panels: 1})
	for i := 0; i < n; i++ {
		m.SetBatteryReading(i, 0, 3277, 0) // ~12.8 V, no current
	}
	m.SetPanelReading(0, 0, 3584) // 14.0 V

	ch := charger.NewSimulated(n)
	sw := switches.NewSimulated()
	ifaces := calibration.Interfaces{NumBatteries: n, NumLoads: 2, NumPanels: 1}

	return New(store, ch, m, sw, ifaces), m
}

func TestNewSeedsBatteriesFromOCV(t *testing.T) {
	e, _ := newRig(t, 3)
	snap := e.Snapshot()
	if len(snap.Batteries) != 3 {
		t.Fatalf("got %d batteries, want 3", len(snap.Batteries))
	}
	for i, b := range snap.Batteries {
		if b.SoC <= 0 {
			t.Fatalf("battery %d SoC = %d, want seeded from OCV (> 0)", i, b.SoC)
		}
	}
}

func TestTickAssignsChargerAndLoad(t *testing.T) {
	e, _ := newRig(t, 3)
	conn := bus.NewBus(8).NewConnection("test")

	e.tick(context.Background(), conn)

	snap := e.Snapshot()
	if snap.BatteryUnderCharge == 0 && snap.BatteryUnderLoad == 0 {
		t.Fatalf("expected at least one assignment after a tick, got none")
	}
}

func TestHandleControlSetBatteryMissing(t *testing.T) {
	e, _ := newRig(t, 3)
	conn := bus.NewBus(8).NewConnection("test")

	e.handleControl(&bus.Message{Payload: map[string]any{
		"op": "setBatteryMissing", "battery": float64(1), "missing": true,
	}}, conn)

	snap := e.Snapshot()
	if snap.Batteries[1].Health.String() != "missing" {
		t.Fatalf("battery 1 health = %v, want missing", snap.Batteries[1].Health)
	}
	if snap.Batteries[1].SoC != 0 {
		t.Fatalf("missing battery SoC = %d, want 0", snap.Batteries[1].SoC)
	}
}

func TestHandleControlResetBatterySoCMarksFaultyWhenNotFull(t *testing.T) {
	e, _ := newRig(t, 2)
	conn := bus.NewBus(8).NewConnection("test")

	// The rig's 12.8 V seed computes a full SoC; bring battery 0 below
	// full first.
	e.handleControl(&bus.Message{Payload: map[string]any{
		"op": "setBatterySoC", "battery": float64(0), "soc": float64(50 * 256),
	}}, conn)
	e.handleControl(&bus.Message{Payload: map[string]any{
		"op": "resetBatterySoC", "battery": float64(0),
	}}, conn)

	snap := e.Snapshot()
	if snap.Batteries[0].SoC != 25600 {
		t.Fatalf("SoC after reset = %d, want 25600", snap.Batteries[0].SoC)
	}
	if snap.Batteries[0].Fill.String() != "faulty" {
		t.Fatalf("fill after reset = %v, want faulty (was not already full)", snap.Batteries[0].Fill)
	}
}

func TestHandleControlInvalidBatteryRepliesInvalidParams(t *testing.T) {
	e, _ := newRig(t, 2)
	conn := bus.NewBus(8).NewConnection("test")

	replyTopic := bus.Topic{"test", "reply"}
	sub := conn.Subscribe(replyTopic)
	defer conn.Unsubscribe(sub)

	e.handleControl(&bus.Message{
		Topic:   TopicControl,
		ReplyTo: replyTopic,
		Payload: map[string]any{"op": "setBatterySoC", "battery": float64(99), "soc": float64(100)},
	}, conn)

	reply := <-sub.Channel()
	payload, ok := reply.Payload.(map[string]any)
	if !ok {
		t.Fatalf("reply payload = %#v, want map[string]any", reply.Payload)
	}
	if payload["ok"] != false || payload["code"] != errcode.InvalidParams {
		t.Fatalf("reply = %+v, want ok=false code=invalid_params", payload)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	e, _ := newRig(t, 2)
	conn := bus.NewBus(8).NewConnection("test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, conn, nil)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after context cancellation")
	}
}
