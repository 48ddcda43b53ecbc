package drive

import (
	"fmt"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/host"
)

// GPIOConfig names the host pins of a BTS7960 style bridge.
type GPIOConfig struct {
	RPWM string `yaml:"rpwm"`
	LPWM string `yaml:"lpwm"`
	// Enable drives REN and LEN together.
	Enable    string           `yaml:"enable"`
	Frequency physic.Frequency `yaml:"frequency"`
	// MaxDuty is the duty value that maps to 100%.
	MaxDuty int `yaml:"max_duty"`
}

func DefaultGPIOConfig() GPIOConfig {
	return GPIOConfig{
		RPWM:      "GPIO12",
		LPWM:      "GPIO13",
		Enable:    "GPIO16",
		Frequency: 16 * physic.KiloHertz,
		MaxDuty:   1023,
	}
}

// GPIO drives a bridge from host PWM pins.
type GPIO struct {
	cfg  GPIOConfig
	pwm  [2]gpio.PinIO
	en   gpio.PinIO
	duty [2]int
}

func OpenGPIO(cfg GPIOConfig) (*GPIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("initializing host: %w", err)
	}
	g := &GPIO{cfg: cfg}
	for i, name := range []string{cfg.RPWM, cfg.LPWM, cfg.Enable} {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("no pin %q", name)
		}
		if i < 2 {
			g.pwm[i] = p
		} else {
			g.en = p
		}
	}
	// Bridge starts braked and disabled.
	for _, p := range g.pwm {
		if err := p.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("setting %s low: %w", p, err)
		}
	}
	if err := g.en.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("setting %s low: %w", g.en, err)
	}
	return g, nil
}

func (g *GPIO) SetDuty(ch Direction, duty int) error {
	i := channelIndex(ch)
	if duty < 0 {
		duty = 0
	} else if duty > g.cfg.MaxDuty {
		duty = g.cfg.MaxDuty
	}
	if g.duty[i] == duty {
		return nil
	}
	p := g.pwm[i]
	var err error
	if duty == 0 {
		err = p.Out(gpio.Low)
	} else {
		d := gpio.Duty(int64(duty) * int64(gpio.DutyMax) / int64(g.cfg.MaxDuty))
		err = p.PWM(d, g.cfg.Frequency)
	}
	if err != nil {
		return fmt.Errorf("%s duty %d: %w", ch, duty, err)
	}
	g.duty[i] = duty
	return nil
}

func (g *GPIO) Enable(on bool) error {
	level := gpio.Low
	if on {
		level = gpio.High
	}
	return g.en.Out(level)
}

// Close brakes and disables the bridge.
func (g *GPIO) Close() error {
	if err := Apply(g, Stop, 0); err != nil {
		return err
	}
	return g.Enable(false)
}
