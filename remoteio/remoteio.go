// Package remoteio drives the bridge and reads the encoder counter through a Modbus
// remote I/O module.
//
// Register map of the module:
//
//	holding registers 0, 1   CW and CCW duty
//	coil 0                   bridge enable
//	input registers 0, 1     32-bit signed quadrature count, high word first
//	discrete input 0         bridge fault
//
// The control loop never waits on the bus. Writes are cached and flushed by the poll
// loop, which also refreshes the cached count.
package remoteio

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/w1xm/rotor_interface/drive"
	imodbus "github.com/w1xm/rotor_interface/internal/modbus"
)

type Config struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud"`
	SlaveID  byte   `yaml:"slave_id"`
	// URL reaches the module through a modbus_bridge instead of a local port.
	URL          string        `yaml:"url"`
	Password     string        `yaml:"password"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Board struct {
	mu      sync.Mutex
	duty    [2]uint16
	enable  bool
	written [2]uint16
	enabled bool
	// dirty forces the next poll to write every output, e.g. after a reconnect.
	dirty bool

	count int64
	base  int64
	fault atomic.Bool
	polls atomic.Uint64
}

func New() *Board {
	return &Board{dirty: true}
}

// Run polls the module until ctx is done.
func (b *Board) Run(ctx context.Context, cfg Config) error {
	c := &imodbus.Client{
		Port:         cfg.Port,
		BaudRate:     cfg.BaudRate,
		SlaveId:      cfg.SlaveID,
		URL:          cfg.URL,
		Password:     cfg.Password,
		PollInterval: cfg.PollInterval,
		Poll:         b.Poll,
	}
	return c.Run(ctx)
}

// Poll flushes pending outputs and refreshes the inputs.
func (b *Board) Poll(c modbus.Client) (err error) {
	b.mu.Lock()
	duty, enable, dirty := b.duty, b.enable, b.dirty
	writeDuty := dirty || duty != b.written
	writeEnable := dirty || enable != b.enabled
	b.mu.Unlock()

	defer func() {
		if err != nil {
			b.mu.Lock()
			b.dirty = true
			b.mu.Unlock()
		}
	}()

	if writeDuty {
		values := make([]byte, 4)
		binary.BigEndian.PutUint16(values[0:], duty[0])
		binary.BigEndian.PutUint16(values[2:], duty[1])
		if _, err := c.WriteMultipleRegisters(0, 2, values); err != nil {
			return err
		}
	}
	if writeEnable {
		if err := imodbus.WriteCoil(c, 0, enable); err != nil {
			return err
		}
	}
	b.mu.Lock()
	b.written, b.enabled, b.dirty = duty, enable, false
	b.mu.Unlock()

	results, err := c.ReadInputRegisters(0, 2)
	if err != nil {
		return err
	}
	atomic.StoreInt64(&b.count, int64(int32(binary.BigEndian.Uint32(results))))

	inputs, err := c.ReadDiscreteInputs(0, 1)
	if err != nil {
		return err
	}
	b.fault.Store(imodbus.BytesToBits(inputs)[0])
	b.polls.Add(1)
	return nil
}

func (b *Board) SetDuty(ch drive.Direction, duty int) error {
	if duty < 0 {
		duty = 0
	} else if duty > 0xffff {
		duty = 0xffff
	}
	i := 0
	if ch == drive.CCW {
		i = 1
	}
	b.mu.Lock()
	b.duty[i] = uint16(duty)
	b.mu.Unlock()
	return nil
}

func (b *Board) Enable(on bool) error {
	b.mu.Lock()
	b.enable = on
	b.mu.Unlock()
	return nil
}

// Count returns the count from the latest poll relative to the last Reset.
func (b *Board) Count() int64 {
	return atomic.LoadInt64(&b.count) - atomic.LoadInt64(&b.base)
}

func (b *Board) Reset() {
	atomic.StoreInt64(&b.base, atomic.LoadInt64(&b.count))
}

// Fault reports the bridge fault input from the latest poll.
func (b *Board) Fault() bool {
	return b.fault.Load()
}

// Polls returns the number of completed polls.
func (b *Board) Polls() uint64 {
	return b.polls.Load()
}
