// Package backoff provides spin-wait backoff strategies shared by the
// robust mutex and the per-slot CAS loops.
//
// Ported from the bounded yield-budget exponential backoff used by the
// original DataBlock engine's spinlocks (pylabhub's backoff_strategy.hpp):
// spin a few times, then yield the OS thread, then sleep for increasing
// intervals up to a cap.
package backoff

import (
	"runtime"
	"time"
)

const (
	spinIterations = 30
	yieldIterations = 10
	initialSleep   = 50 * time.Microsecond
	maxSleep       = 5 * time.Millisecond
)

// Exponential is a stateful backoff: call Wait() in a loop each time a CAS
// attempt fails. The first spinIterations calls each yield the processor
// eight times in a row (runtime.Gosched), the next yieldIterations calls
// yield once, and after that it sleeps with a doubling interval capped at
// maxSleep.
type Exponential struct {
	attempts int
	sleep    time.Duration
}

// Reset returns the backoff to its initial (first-phase) state. Call this
// after a successful acquisition so the next contention episode starts
// fresh.
func (b *Exponential) Reset() {
	b.attempts = 0
	b.sleep = initialSleep
}

// Wait executes the next backoff step.
func (b *Exponential) Wait() {
	b.attempts++
	switch {
	case b.attempts <= spinIterations:
		for i := 0; i < 8; i++ {
			runtime.Gosched()
		}
	case b.attempts <= spinIterations+yieldIterations:
		runtime.Gosched()
	default:
		if b.sleep == 0 {
			b.sleep = initialSleep
		}
		time.Sleep(b.sleep)
		b.sleep *= 2
		if b.sleep > maxSleep {
			b.sleep = maxSleep
		}
	}
}
