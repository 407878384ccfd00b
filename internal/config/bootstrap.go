package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Bootstrap holds the process-start settings the embedded original
// never had to express because its configuration was compiled in:
// how many batteries/loads/panels exist, which I2C buses back the
// hardware collaborators, and where the MQTT bridge connects.
// Read once at startup, the same way sweeney-ups-mqtt loads its
// daemon config.
type Bootstrap struct {
	Engine struct {
		Batteries int `toml:"batteries"`
		Loads     int `toml:"loads"`
		Panels    int `toml:"panels"`
	} `toml:"engine"`

	Hardware struct {
		ChargerBus      string `toml:"charger_bus"`      // I2C bus name for drivers/ltc4015
		SwitchMatrixBus string `toml:"switch_matrix_bus"` // I2C bus name for drivers/switchmatrix
		TempSensorBus   string `toml:"temp_sensor_bus"`  // I2C bus name for drivers/aht20
	} `toml:"hardware"`

	MQTT struct {
		Broker      string `toml:"broker"`
		ClientID    string `toml:"client_id"`
		TopicPrefix string `toml:"topic_prefix"`
	} `toml:"mqtt"`

	ConfigBlockPath string `toml:"config_block_path"`
}

// DefaultBootstrap mirrors the scenario fixtures in §8: three
// batteries, two loads, one panel.
func DefaultBootstrap() *Bootstrap {
	b := &Bootstrap{}
	b.Engine.Batteries = 3
	b.Engine.Loads = 2
	b.Engine.Panels = 1
	b.Hardware.ChargerBus = "i2c0"
	b.Hardware.SwitchMatrixBus = "i2c0"
	b.Hardware.TempSensorBus = "i2c0"
	b.MQTT.Broker = "tcp://localhost:1883"
	b.MQTT.ClientID = "batterymon"
	b.MQTT.TopicPrefix = "batterymon"
	b.ConfigBlockPath = "batterymon.config.json"
	return b
}

// LoadBootstrap reads the TOML bootstrap file at path, falling back to
// DefaultBootstrap if it does not exist; a malformed file is an error
// since, unlike the persisted Block, there is no safe in-RAM fallback
// for collaborator wiring.
func LoadBootstrap(path string) (*Bootstrap, error) {
	b := DefaultBootstrap()
	if path == "" {
		return b, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("config: checking bootstrap path %q: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, b); err != nil {
		return nil, fmt.Errorf("config: parsing bootstrap %q: %w", path, err)
	}
	return b, nil
}
