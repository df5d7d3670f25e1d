package conversion

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Interrupt latches SIGINT/SIGTERM instead of killing the process.
// The orchestrator consults Pending only at action boundaries, so an
// in-flight action is never cut mid-way.
type Interrupt struct {
	fired atomic.Bool
	ch    chan os.Signal
}

// TrapSignals installs the latch. Call Stop to restore default signal
// handling.
func TrapSignals() *Interrupt {
	i := &Interrupt{ch: make(chan os.Signal, 1)}
	signal.Notify(i.ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range i.ch {
			i.fired.Store(true)
		}
	}()
	return i
}

// Pending reports whether a signal arrived since the latch was armed.
func (i *Interrupt) Pending() bool {
	return i.fired.Load()
}

// Stop restores default signal handling.
func (i *Interrupt) Stop() {
	signal.Stop(i.ch)
	close(i.ch)
}
