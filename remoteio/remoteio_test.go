package remoteio

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/goburrow/modbus"
	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/rotor_interface/drive"
)

// fakeModule implements the subset of modbus.Client the board uses.
type fakeModule struct {
	modbus.Client

	registers [2]uint16
	coil      bool
	count     int32
	fault     bool
	writes    int
	fail      error
}

func (f *fakeModule) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	for i := uint16(0); i < quantity; i++ {
		f.registers[address+i] = binary.BigEndian.Uint16(value[2*i:])
	}
	f.writes++
	return nil, nil
}

func (f *fakeModule) WriteSingleCoil(address, value uint16) ([]byte, error) {
	f.coil = value == 0xFF00
	f.writes++
	return nil, nil
}

func (f *fakeModule) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(f.count))
	return b, nil
}

func (f *fakeModule) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	if f.fault {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

func TestPollFlushesOutputs(t *testing.T) {
	b := New()
	m := &fakeModule{count: -1234}
	b.Enable(true)
	drive.Apply(b, drive.CCW, 300)
	if err := b.Poll(m); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([2]uint16{0, 300}, m.registers); diff != "" {
		t.Errorf("unexpected registers: got(-)/want(+):\n%s", diff)
	}
	if !m.coil {
		t.Error("enable coil not set")
	}
	if got := b.Count(); got != -1234 {
		t.Errorf("Count() = %d, want -1234", got)
	}

	// Unchanged outputs are not rewritten.
	writes := m.writes
	if err := b.Poll(m); err != nil {
		t.Fatal(err)
	}
	if m.writes != writes {
		t.Errorf("writes = %d after idle poll, want %d", m.writes, writes)
	}
}

func TestPollRewritesAfterError(t *testing.T) {
	b := New()
	m := &fakeModule{}
	drive.Apply(b, drive.CW, 200)
	m.fail = errors.New("timeout")
	if err := b.Poll(m); err == nil {
		t.Fatal("Poll succeeded with failing module")
	}
	m.fail = nil
	if err := b.Poll(m); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([2]uint16{200, 0}, m.registers); diff != "" {
		t.Errorf("unexpected registers: got(-)/want(+):\n%s", diff)
	}
}

func TestCountReset(t *testing.T) {
	b := New()
	m := &fakeModule{count: 5000}
	b.Poll(m)
	b.Reset()
	m.count = 5100
	b.Poll(m)
	if got := b.Count(); got != 100 {
		t.Errorf("Count() = %d, want 100", got)
	}
}

func TestFault(t *testing.T) {
	b := New()
	m := &fakeModule{fault: true}
	b.Poll(m)
	if !b.Fault() {
		t.Error("Fault() = false")
	}
	if got := b.Polls(); got != 1 {
		t.Errorf("Polls() = %d, want 1", got)
	}
}
