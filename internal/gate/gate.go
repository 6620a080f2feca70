// Package gate provides the process-wide single-flight playback gate.
package gate

import "sync/atomic"

// Gate allows at most one announcement in flight. The zero value is an open gate.
type Gate struct {
	busy atomic.Bool
}

// New returns an open gate.
func New() *Gate {
	return &Gate{}
}

// TryAcquire atomically flips the gate from free to busy. It never blocks.
func (g *Gate) TryAcquire() bool {
	return g.busy.CompareAndSwap(false, true)
}

// Release frees the gate.
func (g *Gate) Release() {
	g.busy.Store(false)
}

// IsBusy reports whether an announcement currently holds the gate.
func (g *Gate) IsBusy() bool {
	return g.busy.Load()
}
