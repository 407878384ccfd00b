// Command simulate runs the allocation engine against an in-memory
// collaborator rig with no hardware attached, nudging the simulated
// readings with a small random walk every second, and serves a
// read-only websocket feed of engine snapshots for a browser or a
// test harness to watch.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"batterymon/bus"
	"batterymon/internal/calibration"
	"batterymon/internal/charger"
	"batterymon/internal/config"
	"batterymon/internal/engine"
	"batterymon/internal/measure"
	"batterymon/internal/switches"
)

func main() {
	addr := flag.String("addr", ":8090", "http listen address for the snapshot feed")
	batteries := flag.Int("batteries", 3, "number of simulated batteries")
	loads := flag.Int("loads", 2, "number of simulated loads")
	panels := flag.Int("panels", 1, "number of simulated panels")
	monitorMs := flag.Int64("monitor-ms", 1000, "monitor tick period in milliseconds")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blk := config.Default(*batteries)
	blk.MonitorDelay = *monitorMs
	store := config.Load("", blk) // no NVM path: in-memory only for the simulator
	store.Set(blk)

	m := measure.NewSimulated(measure.SimConfig{Batteries: *batteries, Loads: *loads, Panels: *panels})
	ch := charger.NewSimulated(*batteries)
	sw := switches.NewSimulated()
	ifaces := calibration.Interfaces{NumBatteries: *batteries, NumLoads: *loads, NumPanels: *panels}

	seedReadings(m, *batteries, *panels)

	eng := engine.New(store, ch, m, sw, ifaces)
	b := bus.NewBus(16)
	conn := b.NewConnection("simulate")

	hub := newHub()
	go hub.relay(conn.Subscribe(engine.TopicSnapshot))

	go driveReadings(ctx, m, *batteries, *panels)
	go eng.Run(ctx, conn, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("simulate: serving snapshot feed on %s/ws (%d batteries, %d loads, %d panels)", *addr, *batteries, *loads, *panels)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("simulate: %v", err)
	}
}

// seedReadings gives every battery a plausible initial open-circuit
// voltage so the engine's first tick doesn't see all-zero readings.
func seedReadings(m *measure.Simulated, numBatteries, numPanels int) {
	for i := 0; i < numBatteries; i++ {
		m.SetBatteryReading(i, 0, int32(3100+rand.Intn(200)), 0)
	}
	for k := 0; k < numPanels; k++ {
		m.SetPanelReading(k, 0, 3584) // 14.0 V, daylight
	}
	m.SetTemperature(25 * 256)
}

// driveReadings nudges the simulated current/voltage readings every
// second so the engine's charge integration and fill-state thresholds
// have something to react to. It is a crude random walk, not a
// physical model: the point is to exercise the allocation engine, not
// to reproduce battery chemistry.
func driveReadings(ctx context.Context, m *measure.Simulated, numBatteries, numPanels int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < numBatteries; i++ {
				current := int32(rand.Intn(512) - 128) // Q8 amps, signed
				voltage := m.GetBatteryVoltage(i) + int32(rand.Intn(5)-2)
				delta := int64(current) // coulombs x256 per second at this current
				m.SetBatteryReading(i, current, voltage, delta)
			}
		}
	}
}

// hub fans engine snapshots out to every connected websocket client,
// mirroring the teacher's broadcast-to-all-clients shape.
type hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]chan []byte),
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("simulate: websocket upgrade: %v", err)
		return
	}

	send := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[conn] = send
	h.mu.Unlock()

	go func() {
		defer conn.Close()
		for msg := range send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	// The feed is read-only: drain and discard anything the client
	// sends, until the connection drops, then unregister it so the
	// write pump above stops.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.unregister(conn)
			return
		}
	}
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if send, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(send)
	}
}

func (h *hub) broadcast(payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("simulate: marshaling snapshot: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn, send := range h.clients {
		select {
		case send <- raw:
		default:
			log.Printf("simulate: client %s buffer full, dropping snapshot", conn.RemoteAddr())
		}
	}
}

func (h *hub) relay(sub *bus.Subscription) {
	for msg := range sub.Channel() {
		h.broadcast(msg.Payload)
	}
}
