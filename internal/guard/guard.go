// Package guard provides a mutual-exclusion lock whose acquisition can be bounded in time.
//
// The periodic filter and control tasks use TryLockFor so that a contended lock costs
// them at most a few milliseconds; on failure the caller skips the update for that tick.
package guard

import (
	"sync/atomic"
	"time"
)

type Mutex struct {
	ch    chan struct{}
	skips uint64
}

func New() *Mutex {
	return &Mutex{ch: make(chan struct{}, 1)}
}

// Lock blocks until the lock is held. Only command paths that may wait use it.
func (m *Mutex) Lock() {
	m.ch <- struct{}{}
}

// TryLockFor waits at most d for the lock and reports whether it was acquired.
// Failures are counted and exposed through Skips.
func (m *Mutex) TryLockFor(d time.Duration) bool {
	select {
	case m.ch <- struct{}{}:
		return true
	default:
	}
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case m.ch <- struct{}{}:
			return true
		case <-t.C:
		}
	}
	atomic.AddUint64(&m.skips, 1)
	return false
}

func (m *Mutex) Unlock() {
	select {
	case <-m.ch:
	default:
		panic("guard: unlock of unlocked mutex")
	}
}

// Skips returns the number of acquisitions that timed out.
func (m *Mutex) Skips() uint64 {
	return atomic.LoadUint64(&m.skips)
}
