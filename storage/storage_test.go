package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/w1xm/rotor_interface/learning"
)

func TestFileMissingLoadsDefaults(t *testing.T) {
	f := File{Path: filepath.Join(t.TempDir(), "state.yaml")}
	got, err := f.Load()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Errorf("unexpected state: got(-)/want(+):\n%s", diff)
	}
	if got.Learning.InertiaFactor != 1.0 || got.Learning.BrakingDistFactor != 0.1 {
		t.Errorf("learning defaults = %+v", got.Learning)
	}
}

func TestFilePartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte("calibration_offset: -42.5\nlearning:\n  cycles: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := File{Path: path}.Load()
	if err != nil {
		t.Fatal(err)
	}
	want := Default()
	want.CalibrationOffset = -42.5
	want.Learning.Cycles = 3
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected state: got(-)/want(+):\n%s", diff)
	}
}

func TestFileCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	if err := os.WriteFile(path, []byte("learning: [1, 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := File{Path: path}.Load()
	if err == nil {
		t.Fatal("Load() of corrupt file succeeded")
	}
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Errorf("state after error: got(-)/want(+):\n%s", diff)
	}
}

func TestFileSaveReplaces(t *testing.T) {
	dir := t.TempDir()
	f := File{Path: filepath.Join(dir, "state.yaml")}
	for _, abs := range []float64{12, -170.5} {
		s := Default()
		s.AbsolutePosition = abs
		s.Learning = learning.Params{InertiaFactor: 1.5, BrakingDistFactor: 0.2, OvershootEMA: 0.3, Cycles: 10}
		if err := f.Save(s); err != nil {
			t.Fatal(err)
		}
		got, err := f.Load()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(s, got); diff != "" {
			t.Errorf("unexpected state: got(-)/want(+):\n%s", diff)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("%d files left in %s, want 1", len(entries), dir)
	}
}

func TestWriterCoalesces(t *testing.T) {
	m := &Memory{}
	w := NewWriter(m, Default())
	w.Update(func(s *State) { s.LastTarget = 90 })
	w.Update(func(s *State) { s.AbsolutePosition = 90 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if got := m.Saves(); got != 1 {
		t.Errorf("Saves() = %d, want 1", got)
	}
	got, _ := m.Load()
	want := Default()
	want.LastTarget = 90
	want.AbsolutePosition = 90
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected state: got(-)/want(+):\n%s", diff)
	}
}

func TestWriterRun(t *testing.T) {
	m := &Memory{}
	w := NewWriter(m, Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()
	w.Update(func(s *State) { s.CalibrationOffset = 5 })
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	got, _ := m.Load()
	if got.CalibrationOffset != 5 {
		t.Errorf("CalibrationOffset = %v after Run, want 5", got.CalibrationOffset)
	}
}
