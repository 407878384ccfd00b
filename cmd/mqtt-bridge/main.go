// Command mqtt-bridge runs the allocation engine and forwards its event
// sink (snapshot, decisionStatus, calibration progress) onto an MQTT
// broker, and forwards inbound messages on the broker's control topic
// back onto the engine's control surface (§6). It is the wire-level
// counterpart to cmd/allocctl: the same control-surface operations, but
// addressed over MQTT instead of typed from a local console.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/joho/godotenv"

	"batterymon/bus"
	"batterymon/internal/calibration"
	"batterymon/internal/charger"
	"batterymon/internal/config"
	"batterymon/internal/engine"
	"batterymon/internal/measure"
	"batterymon/internal/switches"
	"batterymon/x/strx"
)

func main() {
	bootstrapPath := flag.String("bootstrap", "", "path to a TOML bootstrap config (defaults built in if absent)")
	blockPath := flag.String("config", "", "path to the persisted configuration block (defaults built in if absent)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("mqtt-bridge: no .env file loaded: %v", err)
	}

	boot, err := config.LoadBootstrap(*bootstrapPath)
	if err != nil {
		log.Fatalf("mqtt-bridge: loading bootstrap config: %v", err)
	}

	path := strx.Coalesce(*blockPath, boot.ConfigBlockPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	blk := config.Default(boot.Engine.Batteries)
	store := config.Load(path, blk)

	m := measure.NewSimulated(measure.SimConfig{Batteries: boot.Engine.Batteries, Loads: boot.Engine.Loads, Panels: boot.Engine.Panels})
	for i := 0; i < boot.Engine.Batteries; i++ {
		m.SetBatteryReading(i, 0, 3277, 0)
	}
	for k := 0; k < boot.Engine.Panels; k++ {
		m.SetPanelReading(k, 0, 3584)
	}
	ch := charger.NewSimulated(boot.Engine.Batteries)
	sw := switches.NewSimulated()
	ifaces := calibration.Interfaces{NumBatteries: boot.Engine.Batteries, NumLoads: boot.Engine.Loads, NumPanels: boot.Engine.Panels}

	eng := engine.New(store, ch, m, sw, ifaces)
	localBus := bus.NewBus(16)
	conn := localBus.NewConnection("mqtt-bridge")
	go eng.Run(ctx, conn, nil)

	client, err := connectMQTT(boot)
	if err != nil {
		log.Fatalf("mqtt-bridge: %v", err)
	}
	defer client.Disconnect(250)

	prefix := boot.MQTT.TopicPrefix
	forwardToMQTT(conn.Subscribe(engine.TopicSnapshot), client, prefix+"/snapshot")
	forwardToMQTT(conn.Subscribe(engine.TopicDecision), client, prefix+"/decision")
	forwardToMQTT(conn.Subscribe(engine.TopicCalibration), client, prefix+"/calibration")

	if token := client.Subscribe(prefix+"/control", 1, mqttControlHandler(conn)); token.Wait() && token.Error() != nil {
		log.Fatalf("mqtt-bridge: subscribing to %s/control: %v", prefix, token.Error())
	}

	log.Printf("mqtt-bridge: bridging engine events to %s (broker %s)", prefix, boot.MQTT.Broker)
	<-ctx.Done()
	log.Printf("mqtt-bridge: shutting down")
}

// connectMQTT builds a paho client from the bootstrap config, with
// credentials (if any) supplied via environment variables rather than
// the TOML file so they never land in a checked-in config.
func connectMQTT(boot *config.Bootstrap) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(boot.MQTT.Broker)
	opts.SetClientID(boot.MQTT.ClientID)
	if user := os.Getenv("MQTT_USERNAME"); user != "" {
		opts.SetUsername(user)
		opts.SetPassword(os.Getenv("MQTT_PASSWORD"))
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetWill(boot.MQTT.TopicPrefix+"/status", "offline", 1, true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	client.Publish(boot.MQTT.TopicPrefix+"/status", 1, true, "online")
	return client, nil
}

// forwardToMQTT relays every message received on sub as a retained JSON
// publish to topic, for as long as the bus connection stays open.
func forwardToMQTT(sub *bus.Subscription, client mqtt.Client, topic string) {
	go func() {
		for msg := range sub.Channel() {
			raw, err := json.Marshal(msg.Payload)
			if err != nil {
				log.Printf("mqtt-bridge: marshaling %s: %v", topic, err)
				continue
			}
			client.Publish(topic, 1, true, raw)
		}
	}()
}

// mqttControlHandler decodes an inbound MQTT control message and
// republishes it on the engine's local control topic, matching the
// payload shape internal/engine.handleControl expects.
func mqttControlHandler(conn *bus.Connection) mqtt.MessageHandler {
	return func(_ mqtt.Client, m mqtt.Message) {
		var payload map[string]any
		if err := json.Unmarshal(m.Payload(), &payload); err != nil {
			log.Printf("mqtt-bridge: invalid control payload: %v", err)
			return
		}
		conn.Publish(&bus.Message{Topic: engine.TopicControl, Payload: payload})
	}
}
