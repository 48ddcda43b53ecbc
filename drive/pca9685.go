package drive

import (
	"fmt"
	"time"

	"golang.org/x/exp/io/i2c"
)

const (
	pcaDefaultAddr = 0x40

	pcaRegMode1    = 0x00
	pcaRegLEDBase  = 0x06
	pcaRegPreScale = 0xfe

	pcaMax = 4095
	// pcaFullOn in the high byte of an ON register holds the output permanently high.
	pcaFullOn = 0x10
)

// PCA9685Config describes a bridge whose PWM and enable inputs hang off a PCA9685
// I2C PWM expander.
type PCA9685Config struct {
	Device string `yaml:"device"`
	Addr   int    `yaml:"addr"`
	// Ports for the CW PWM, CCW PWM and enable inputs.
	CWPort     int `yaml:"cw_port"`
	CCWPort    int `yaml:"ccw_port"`
	EnablePort int `yaml:"enable_port"`
	// PreScale sets the PWM frequency: 25MHz / (4096 * (PreScale + 1)).
	PreScale byte `yaml:"prescale"`
	MaxDuty  int  `yaml:"max_duty"`
}

func DefaultPCA9685Config() PCA9685Config {
	return PCA9685Config{
		Device:     "/dev/i2c-1",
		Addr:       pcaDefaultAddr,
		CWPort:     0,
		CCWPort:    1,
		EnablePort: 2,
		PreScale:   0x03, // ~1.5kHz, the chip's maximum
		MaxDuty:    1023,
	}
}

type PCA9685 struct {
	cfg PCA9685Config
	dev *i2c.Device
}

func OpenPCA9685(cfg PCA9685Config) (*PCA9685, error) {
	dev, err := i2c.Open(&i2c.Devfs{Dev: cfg.Device}, cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.Device, err)
	}
	p := &PCA9685{cfg: cfg, dev: dev}
	if err := p.configure(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("configuring PCA9685: %w", err)
	}
	return p, nil
}

func (p *PCA9685) configure() error {
	// Sleep, set the prescaler, then wake with auto-increment.
	if err := p.dev.WriteReg(pcaRegMode1, []byte{0x11}); err != nil {
		return err
	}
	if err := p.dev.WriteReg(pcaRegPreScale, []byte{p.cfg.PreScale}); err != nil {
		return err
	}
	if err := p.dev.WriteReg(pcaRegMode1, []byte{0x01}); err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	if err := p.dev.WriteReg(pcaRegMode1, []byte{0xa1}); err != nil {
		return err
	}
	for _, port := range []int{p.cfg.CWPort, p.cfg.CCWPort, p.cfg.EnablePort} {
		if err := p.write(port, 0); err != nil {
			return err
		}
	}
	return nil
}

// write sets an output to an OFF count in [0, pcaMax]; pcaMax+1 means fully on.
func (p *PCA9685) write(port int, off int) error {
	if port < 0 || port > 15 {
		return fmt.Errorf("port %d out of range", port)
	}
	addr := byte(pcaRegLEDBase + port*4)
	if off > pcaMax {
		return p.dev.WriteReg(addr, []byte{0, pcaFullOn, 0, 0})
	}
	return p.dev.WriteReg(addr, []byte{0, 0, byte(off & 0xff), byte(off >> 8)})
}

func (p *PCA9685) SetDuty(ch Direction, duty int) error {
	port := p.cfg.CWPort
	if ch == CCW {
		port = p.cfg.CCWPort
	}
	if duty < 0 {
		duty = 0
	} else if duty > p.cfg.MaxDuty {
		duty = p.cfg.MaxDuty
	}
	return p.write(port, duty*pcaMax/p.cfg.MaxDuty)
}

func (p *PCA9685) Enable(on bool) error {
	off := 0
	if on {
		off = pcaMax + 1
	}
	return p.write(p.cfg.EnablePort, off)
}

func (p *PCA9685) Close() error {
	Apply(p, Stop, 0)
	p.Enable(false)
	return p.dev.Close()
}
