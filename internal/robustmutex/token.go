package robustmutex

import (
	"sync/atomic"

	"github.com/Qing-LAB/pylabhub-sub000/internal/backoff"
	"github.com/Qing-LAB/pylabhub-sub000/internal/platform"
)

func deadlineNanosElapsed(deadlineNanos int64) bool {
	return platform.MonotonicNowNS() >= deadlineNanos
}

// tokenCounter backs NextToken, which hands out process-unique,
// monotonically increasing tokens for
// in-process holder identity (0, 0, token), mirroring the original's
// detail::next_token() (spinlock_owner_ops.hpp): starts at 1, 0 is reserved
// for "no token".
var tokenCounter atomic.Uint64

// NextToken returns a fresh in-process token. Safe for concurrent use.
func NextToken() uint64 {
	for {
		t := tokenCounter.Add(1)
		if t != 0 {
			return t
		}
	}
}

// LockToken acquires a State in token mode: identity (0, 0, token). Used for
// in-process handoff scenarios where (pid, tid) can't disambiguate distinct
// logical holders on the same thread (e.g. async continuations). A State
// used with LockToken must never also be used with Lock/TryLockFor.
func (m *Mutex) LockToken(token uint64) {
	var bo backoff.Exponential
	for !m.state.token.CompareAndSwap(0, token) {
		bo.Wait()
	}
}

// TryLockToken attempts to acquire in token mode without blocking past the
// deadline.
func (m *Mutex) TryLockToken(token uint64, deadlineNanos int64) bool {
	var bo backoff.Exponential
	for !m.state.token.CompareAndSwap(0, token) {
		if deadlineNanosElapsed(deadlineNanos) {
			return false
		}
		bo.Wait()
	}
	return true
}

// UnlockToken releases a State held in token mode. Returns ErrNotOwner if
// the given token does not match the current holder.
func (m *Mutex) UnlockToken(token uint64) error {
	if !m.state.token.CompareAndSwap(token, 0) {
		return ErrNotOwner
	}
	m.state.generation.Add(1)
	return nil
}

// IsTokenHeld reports whether the State is currently held in token mode.
func (m *Mutex) IsTokenHeld() bool {
	return m.state.token.Load() != 0
}
