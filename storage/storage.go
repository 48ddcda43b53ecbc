// Package storage persists the state that has to survive a restart: calibration,
// absolute position and what the learning engine has learned.
package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/w1xm/rotor_interface/learning"
	"gopkg.in/yaml.v2"
)

// State is the whole persisted schema. Missing keys read as their defaults.
type State struct {
	LastPosition      float64         `yaml:"last_position"`
	LastTarget        float64         `yaml:"last_target"`
	AbsolutePosition  float64         `yaml:"absolute_position"`
	CalibrationOffset float64         `yaml:"calibration_offset"`
	Learning          learning.Params `yaml:"learning"`
}

func Default() State {
	return State{Learning: learning.DefaultParams()}
}

type Store interface {
	// Load returns Default() if nothing has been saved yet.
	Load() (State, error)
	Save(State) error
}

// File stores State as YAML. Saves replace the file atomically.
type File struct {
	Path string
}

func (f File) Load() (State, error) {
	s := Default()
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("reading %q: %w", f.Path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Default(), fmt.Errorf("parsing %q: %w", f.Path, err)
	}
	return s, nil
}

func (f File) Save(s State) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.Path), filepath.Base(f.Path)+".*")
	if err != nil {
		return fmt.Errorf("saving %q: %w", f.Path, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %q: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing %q: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("saving %q: %w", f.Path, err)
	}
	return nil
}

// Memory keeps State in memory, for tests and the simulator.
type Memory struct {
	mu    sync.Mutex
	state *State
	saves int
}

func (m *Memory) Load() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return Default(), nil
	}
	return *m.state, nil
}

func (m *Memory) Save(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = &s
	m.saves++
	return nil
}

// Saves returns how many times Save has been called.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Writer caches the State and saves it from its own goroutine. Update never waits
// on the store; updates that arrive while a save is in flight are coalesced into the
// next one.
type Writer struct {
	store Store

	mu    sync.Mutex
	state State

	dirty chan struct{}
}

func NewWriter(store Store, initial State) *Writer {
	return &Writer{
		store: store,
		state: initial,
		dirty: make(chan struct{}, 1),
	}
}

// Update applies f to the cached State and schedules a save.
func (w *Writer) Update(f func(*State)) {
	w.mu.Lock()
	f(&w.state)
	w.mu.Unlock()
	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Run saves after every batch of updates until ctx is done, then flushes any
// pending update.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			select {
			case <-w.dirty:
				w.save()
			default:
			}
			return nil
		case <-w.dirty:
			w.save()
		}
	}
}

func (w *Writer) save() {
	if err := w.store.Save(w.State()); err != nil {
		log.Printf("saving state: %v", err)
	}
}
