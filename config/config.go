// Package config holds every tunable of the rotor controller. A YAML file is
// unmarshalled over Default(), so it only needs the keys that differ.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/w1xm/rotor_interface/drive"
	"github.com/w1xm/rotor_interface/encoder"
	"github.com/w1xm/rotor_interface/learning"
	"github.com/w1xm/rotor_interface/motion"
	"github.com/w1xm/rotor_interface/remoteio"
	"github.com/w1xm/rotor_interface/sim"
	"gopkg.in/yaml.v2"
)

// Hardware selects how the bridge is driven and the encoder is read.
type Hardware string

const (
	// HardwareSim runs against a simulated plant.
	HardwareSim Hardware = "sim"
	// HardwareGPIO drives a BTS7960 from host PWM pins; the encoder is on GPIO lines.
	HardwareGPIO Hardware = "gpio"
	// HardwarePCA9685 drives the bridge from an I2C PWM expander; the encoder is on
	// GPIO lines.
	HardwarePCA9685 Hardware = "pca9685"
	// HardwareRemoteIO drives and reads everything through a Modbus I/O module.
	HardwareRemoteIO Hardware = "remoteio"
)

type EncoderGPIO struct {
	Chip string `yaml:"chip"`
	PinA int    `yaml:"pin_a"`
	PinB int    `yaml:"pin_b"`
}

type EasyComm struct {
	// Port is a serial device. Empty disables the EasyComm server.
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

type Influx struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	Org      string `yaml:"org"`
	Bucket   string `yaml:"bucket"`
	Hostname string `yaml:"hostname"`
}

type Config struct {
	Hardware Hardware `yaml:"hardware"`

	Encoder     encoder.Config      `yaml:"encoder"`
	EncoderGPIO EncoderGPIO         `yaml:"encoder_gpio"`
	Motion      motion.Config       `yaml:"motion"`
	Learning    learning.Config     `yaml:"learning"`
	GPIO        drive.GPIOConfig    `yaml:"gpio"`
	PCA9685     drive.PCA9685Config `yaml:"pca9685"`
	RemoteIO    remoteio.Config     `yaml:"remoteio"`
	Sim         sim.Config          `yaml:"sim"`

	// StatePath is where calibration and learned parameters are kept.
	StatePath string `yaml:"state_path"`

	HTTPListen    string   `yaml:"http_listen"`
	RotctldListen string   `yaml:"rotctld_listen"`
	EasyComm      EasyComm `yaml:"easycomm"`
	Influx        Influx   `yaml:"influx"`

	// StatusInterval paces status broadcasts and the moving/stopped edge check.
	StatusInterval time.Duration `yaml:"status_interval"`
	Verbose        bool          `yaml:"verbose"`
}

func Default() Config {
	return Config{
		Hardware: HardwareSim,
		Encoder:  encoder.DefaultConfig(),
		EncoderGPIO: EncoderGPIO{
			Chip: "gpiochip0",
			PinA: 17,
			PinB: 27,
		},
		Motion:   motion.DefaultConfig(),
		Learning: learning.DefaultConfig(),
		GPIO:     drive.DefaultGPIOConfig(),
		PCA9685:  drive.DefaultPCA9685Config(),
		RemoteIO: remoteio.Config{
			Port:     "/dev/ttyUSB0",
			BaudRate: 19200,
			SlaveID:  1,
		},
		Sim:           sim.DefaultConfig(),
		StatePath:     "rotor_state.yaml",
		HTTPListen:    ":8502",
		RotctldListen: ":4533",
		EasyComm:      EasyComm{Baud: 9600},
		Influx: Influx{
			URL:    "http://localhost:9999",
			Org:    "w1xm",
			Bucket: "rotor.raw",
		},
		StatusInterval: 50 * time.Millisecond,
	}
}

// Load reads path over Default(). An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %q: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Hardware {
	case HardwareSim, HardwareGPIO, HardwarePCA9685, HardwareRemoteIO:
	default:
		return fmt.Errorf("unknown hardware %q", c.Hardware)
	}
	if c.Encoder.PulsesPerRevolution <= 0 || c.Encoder.GearRatio <= 0 {
		return errors.New("encoder resolution must be positive")
	}
	if err := c.Motion.Validate(); err != nil {
		return fmt.Errorf("motion: %w", err)
	}
	return nil
}
