// Command allocctl is an interactive console for driving the
// allocation engine's control surface (§6): it runs the engine over an
// in-memory collaborator rig and lets an operator issue control-surface
// operations (calibration, manual SoC overrides, missing-battery
// toggles) and watch the resulting snapshots, the way a bench operator
// would exercise the engine without real hardware attached.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/shlex"

	"batterymon/bus"
	"batterymon/internal/calibration"
	"batterymon/internal/charger"
	"batterymon/internal/config"
	"batterymon/internal/engine"
	"batterymon/internal/measure"
	"batterymon/internal/switches"
	"batterymon/x/strconvx"
)

// readlineWriter redirects log output through the active readline
// prompt so command output and log lines don't interleave garbled.
type readlineWriter struct{ rl *readline.Instance }

func (w *readlineWriter) Write(p []byte) (int, error) {
	if w.rl != nil {
		w.rl.Clean()
	}
	n, err := os.Stderr.Write(p)
	if w.rl != nil {
		w.rl.Refresh()
	}
	return n, err
}

func main() {
	batteries := flag.Int("batteries", 3, "number of simulated batteries")
	loads := flag.Int("loads", 2, "number of simulated loads")
	panels := flag.Int("panels", 1, "number of simulated panels")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	blk := config.Default(*batteries)
	store := config.Load("", blk)
	store.Set(blk)

	m := measure.NewSimulated(measure.SimConfig{Batteries: *batteries, Loads: *loads, Panels: *panels})
	for i := 0; i < *batteries; i++ {
		m.SetBatteryReading(i, 0, 3277, 0) // ~12.8 V, quiescent
	}
	for k := 0; k < *panels; k++ {
		m.SetPanelReading(k, 0, 3584)
	}
	ch := charger.NewSimulated(*batteries)
	sw := switches.NewSimulated()
	ifaces := calibration.Interfaces{NumBatteries: *batteries, NumLoads: *loads, NumPanels: *panels}

	eng := engine.New(store, ch, m, sw, ifaces)
	b := bus.NewBus(16)
	conn := b.NewConnection("allocctl")
	go eng.Run(ctx, conn, nil)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "allocctl> ",
		HistoryFile: historyFilePath(),
	})
	if err != nil {
		log.Fatalf("allocctl: readline init: %v", err)
	}
	defer rl.Close()

	w := &readlineWriter{rl: rl}
	log.SetOutput(w)

	fmt.Println("batterymon allocctl: type 'help' for commands, 'quit' to exit")

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			return
		}
		if err != nil {
			return // EOF
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		args, err := shlex.Split(line)
		if err != nil {
			fmt.Printf("parse error: %v\n", err)
			continue
		}
		if handleCommand(ctx, conn, eng, args) {
			return
		}
	}
}

func historyFilePath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(cacheDir, "batterymon")
	_ = os.MkdirAll(dir, 0o750)
	return filepath.Join(dir, "allocctl_history")
}

// handleCommand dispatches one tokenized command line. It returns true
// when the console should exit.
func handleCommand(ctx context.Context, conn *bus.Connection, eng *engine.Engine, args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "quit", "exit":
		return true

	case "help":
		printHelp()

	case "status":
		printSnapshot(eng.Snapshot())

	case "calibrate":
		reply, err := control(ctx, conn, map[string]any{"op": "startCalibration"})
		report("startCalibration", reply, err)

	case "missing":
		i, missing, err := parseIndexBool(args[1:])
		if err != nil {
			fmt.Println(err)
			return false
		}
		reply, err := control(ctx, conn, map[string]any{"op": "setBatteryMissing", "battery": i, "missing": missing})
		report("setBatteryMissing", reply, err)

	case "setsoc":
		if len(args) != 3 {
			fmt.Println("usage: setsoc <battery> <percent>")
			return false
		}
		i, err1 := strconvx.Atoi(args[1])
		pct, err2 := strconvx.ParseFloat(args[2], 64)
		if err1 != nil || err2 != nil {
			fmt.Println("usage: setsoc <battery> <percent>")
			return false
		}
		reply, err := control(ctx, conn, map[string]any{"op": "setBatterySoC", "battery": i, "soc": int(pct * 256)})
		report("setBatterySoC", reply, err)

	case "reset":
		if len(args) != 2 {
			fmt.Println("usage: reset <battery>")
			return false
		}
		i, err := strconvx.Atoi(args[1])
		if err != nil {
			fmt.Println("usage: reset <battery>")
			return false
		}
		reply, err := control(ctx, conn, map[string]any{"op": "resetBatterySoC", "battery": i})
		report("resetBatterySoC", reply, err)

	default:
		fmt.Printf("unknown command: %s (try 'help')\n", args[0])
	}
	return false
}

func parseIndexBool(args []string) (int, bool, error) {
	if len(args) != 2 {
		return 0, false, errors.New("usage: missing <battery> <true|false>")
	}
	i, err := strconvx.Atoi(args[0])
	if err != nil {
		return 0, false, errors.New("usage: missing <battery> <true|false>")
	}
	missing, err := strconv.ParseBool(args[1])
	if err != nil {
		return 0, false, errors.New("usage: missing <battery> <true|false>")
	}
	return i, missing, nil
}

// control round-trips one control-surface operation through the bus's
// request/reply helper, the same pattern used by the rest of the
// engine's bus.Connection consumers.
func control(ctx context.Context, conn *bus.Connection, payload map[string]any) (*bus.Message, error) {
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return conn.RequestWait(waitCtx, &bus.Message{Topic: engine.TopicControl, Payload: payload})
}

func report(op string, reply *bus.Message, err error) {
	if err != nil {
		fmt.Printf("%s: %v\n", op, err)
		return
	}
	fmt.Printf("%s: %v\n", op, reply.Payload)
}

func printSnapshot(snap engine.Snapshot) {
	fmt.Printf("charger off: %v, decision status: 0x%03x, switch bits: 0x%04x, indicators: 0x%08x\n",
		snap.ChargerOff, snap.DecisionStatus, snap.SwitchControlBits, snap.IndicatorBits)
	fmt.Printf("under charge: %d, under load: %d, temperature: %.2f degC\n",
		snap.BatteryUnderCharge, snap.BatteryUnderLoad, float64(snap.TemperatureQ8)/256)
	for _, b := range snap.Batteries {
		v, i := float64(snap.BatteryVoltageQ8[b.Index])/256, float64(snap.BatteryCurrentQ8[b.Index])/256
		fmt.Printf("  battery %d: soc=%.2f%% v=%.2fV i=%.2fA health=%s op=%s fill=%s\n",
			b.Index, float64(b.SoC)/256, v, i, b.Health, b.Op, b.Fill)
	}
	for j, v := range snap.LoadVoltageQ8 {
		fmt.Printf("  load %d: v=%.2fV i=%.2fA\n", j, float64(v)/256, float64(snap.LoadCurrentQ8[j])/256)
	}
	for k, v := range snap.PanelVoltageQ8 {
		fmt.Printf("  panel %d: v=%.2fV i=%.2fA\n", k, float64(v)/256, float64(snap.PanelCurrentQ8[k])/256)
	}
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  status                        - print the latest engine snapshot")
	fmt.Println("  calibrate                     - request an offset-calibration sweep")
	fmt.Println("  missing <battery> <bool>      - mark a battery missing/present")
	fmt.Println("  setsoc <battery> <percent>    - force a battery's SoC (manual override)")
	fmt.Println("  reset <battery>               - reset a battery's SoC to full")
	fmt.Println("  help                           - show this help")
	fmt.Println("  quit                           - exit")
}
