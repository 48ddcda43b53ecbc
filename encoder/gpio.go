package encoder

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/warthog618/go-gpiocdev"
)

// transitions maps prev<<2|cur of the two-bit AB state to a count step.
var transitions = [16]int64{
	0, -1, 1, 0,
	1, 0, 0, -1,
	-1, 0, 0, 1,
	0, 1, -1, 0,
}

// GPIO decodes a quadrature encoder wired to two lines of a GPIO character device,
// counting on both edges of both channels.
type GPIO struct {
	lines      *gpiocdev.Lines
	pinA, pinB int

	// mu guards a, b and state. Events that arrive before the lines are seeded
	// wait for it.
	mu    sync.Mutex
	a, b  int
	state int

	count int64
}

func OpenGPIO(chip string, pinA, pinB int) (*GPIO, error) {
	g := &GPIO{pinA: pinA, pinB: pinB}
	g.mu.Lock()
	defer g.mu.Unlock()
	lines, err := gpiocdev.RequestLines(chip, []int{pinA, pinB},
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(g.handle),
	)
	if err != nil {
		return nil, fmt.Errorf("requesting lines %d,%d on %s: %w", pinA, pinB, chip, err)
	}
	vals := make([]int, 2)
	if err := lines.Values(vals); err != nil {
		lines.Close()
		return nil, fmt.Errorf("reading lines: %w", err)
	}
	g.seed(vals[0], vals[1])
	g.lines = lines
	return g, nil
}

// seed sets the initial levels. The caller holds mu.
func (g *GPIO) seed(a, b int) {
	g.a, g.b = a, b
	g.state = a<<1 | b
}

func (g *GPIO) handle(evt gpiocdev.LineEvent) {
	level := 0
	if evt.Type == gpiocdev.LineEventRisingEdge {
		level = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setLevel(evt.Offset, level)
}

func (g *GPIO) setLevel(pin, level int) {
	switch pin {
	case g.pinA:
		g.a = level
	case g.pinB:
		g.b = level
	default:
		return
	}
	cur := g.a<<1 | g.b
	if step := transitions[g.state<<2|cur]; step != 0 {
		atomic.AddInt64(&g.count, step)
	}
	g.state = cur
}

func (g *GPIO) Count() int64 {
	return atomic.LoadInt64(&g.count)
}

func (g *GPIO) Reset() {
	atomic.StoreInt64(&g.count, 0)
}

func (g *GPIO) Close() error {
	return g.lines.Close()
}
