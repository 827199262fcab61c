package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial      SerialConfig      `yaml:"serial"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Stream      StreamConfig      `yaml:"stream"`
	Mock        MockConfig        `yaml:"mock"`
}

// SerialConfig contains the serial settings of both instruments.
type SerialConfig struct {
	ForcePort        string        `yaml:"force_port"`
	DisplacementPort string        `yaml:"displacement_port"`
	BaudRate         int           `yaml:"baud_rate"`    // Shared by both instruments
	ReadTimeout      time.Duration `yaml:"read_timeout"` // Keep small, bounds stop latency
}

// AcquisitionConfig contains test parameters.
type AcquisitionConfig struct {
	TriggerThreshold float64 `yaml:"trigger_threshold"` // Force (N) that starts recording
	TargetRate       float64 `yaml:"target_rate"`       // Samples per second
}

// StreamConfig contains live stream (websocket) parameters.
type StreamConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Listen    string        `yaml:"listen"`
	Interval  time.Duration `yaml:"interval"`   // Snapshot polling interval
	MaxPoints int           `yaml:"max_points"` // Display window sent to new clients
}

// MockConfig contains simulated test rig configuration.
type MockConfig struct {
	ContactDelay      time.Duration `yaml:"contact_delay"`      // Time before the probe touches the specimen
	Speed             float64       `yaml:"speed"`              // Crosshead speed (mm/s)
	Stiffness         float64       `yaml:"stiffness"`          // Specimen stiffness (N/mm)
	StartDisplacement float64       `yaml:"start_displacement"` // Indicator reading at rest (mm)
	NoiseLevel        float64       `yaml:"noise_level"`        // Force noise amplitude (N)
	StallAfter        time.Duration `yaml:"stall_after"`        // Instruments stop answering after this long (0 = never)
	Latency           time.Duration `yaml:"latency"`            // Simulated response latency
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			ForcePort:        "COM9", // "/dev/ttyUSB0" on Linux
			DisplacementPort: "COM8", // "/dev/ttyUSB1" on Linux
			BaudRate:         115200,
			ReadTimeout:      200 * time.Millisecond,
		},
		Acquisition: AcquisitionConfig{
			TriggerThreshold: 0.05,
			TargetRate:       5,
		},
		Stream: StreamConfig{
			Enabled:   false,
			Listen:    ":8080",
			Interval:  100 * time.Millisecond,
			MaxPoints: 100,
		},
		Mock: MockConfig{
			ContactDelay:      2 * time.Second,
			Speed:             0.5,
			Stiffness:         4.0,
			StartDisplacement: 24.35,
			NoiseLevel:        0.01,
			StallAfter:        0,
			Latency:           5 * time.Millisecond,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults fills zero values with defaults. Threshold and rate are left
// alone when negative so that session validation can reject them.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.ForcePort == "" {
		c.Serial.ForcePort = def.Serial.ForcePort
	}
	if c.Serial.DisplacementPort == "" {
		c.Serial.DisplacementPort = def.Serial.DisplacementPort
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = def.Serial.ReadTimeout
	}

	if c.Acquisition.TriggerThreshold == 0 {
		c.Acquisition.TriggerThreshold = def.Acquisition.TriggerThreshold
	}
	if c.Acquisition.TargetRate == 0 {
		c.Acquisition.TargetRate = def.Acquisition.TargetRate
	}

	if c.Stream.Listen == "" {
		c.Stream.Listen = def.Stream.Listen
	}
	if c.Stream.Interval == 0 {
		c.Stream.Interval = def.Stream.Interval
	}
	if c.Stream.MaxPoints == 0 {
		c.Stream.MaxPoints = def.Stream.MaxPoints
	}

	if c.Mock.Speed == 0 {
		c.Mock.Speed = def.Mock.Speed
	}
	if c.Mock.Stiffness == 0 {
		c.Mock.Stiffness = def.Mock.Stiffness
	}
}
