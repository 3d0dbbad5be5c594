// Package robustmutex implements a blocking, process-shared mutex whose
// storage lives inside a shared-memory segment. When the holder process
// dies without unlocking, the next Lock succeeds and reports Inconsistent
// instead of deadlocking forever.
//
// Grounded on original_source/cpp/src/include/utils/shared_memory_spinlock.hpp
// and detail/spinlock_owner_ops.hpp: a 32-byte atomic owner record (pid,
// tid, token, generation), CAS-acquired, with zombie detection performed by
// the would-be acquirer rather than by a kernel robust-mutex primitive
// (Linux futex robust lists aren't reachable from Go without cgo, so this
// package only implements the spec's mandated emulation path: "hosts that
// lack robust mutex kernels must emulate equivalent semantics via periodic
// PID-liveness sweep plus atomic hand-off").
package robustmutex

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/Qing-LAB/pylabhub-sub000/internal/backoff"
	"github.com/Qing-LAB/pylabhub-sub000/internal/platform"
)

// ErrNotOwner is returned by Unlock when the calling identity does not hold
// the lock. The spec treats this as an assertion failure of the protocol,
// not a silent no-op.
var ErrNotOwner = errors.New("robustmutex: unlock by non-owner")

// StateSize is the on-wire size of State in bytes, reserved by the header's
// segment_mutex_storage field (spec.md §4.D item 13).
const StateSize = 40

// State is the process-shared mutex storage: an owner identity (pid, tid,
// token) plus a generation counter bumped on every release, plus a
// recursion counter for same-thread re-entrant locking. A single instance
// is used in exactly one mode for its lifetime: cross-process (pid, tid,
// 0), gated on the pid field, or in-process token mode (0, 0, token),
// gated on the token field — mixing modes on the same instance is
// undefined, matching the original's SharedSpinLock vs InProcessSpinState
// split over the same physical layout.
type State struct {
	pid        atomic.Uint64
	tid        atomic.Uint64
	token      atomic.Uint64
	generation atomic.Uint64
	recursion  atomic.Uint32
	_          [4]byte
}

func init() {
	if unsafe.Sizeof(State{}) != StateSize {
		panic(fmt.Sprintf("robustmutex: State size is %d, expected %d", unsafe.Sizeof(State{}), StateSize))
	}
}

// Init must be called exactly once by the segment's creator, before any
// attacher observes the state. Attachers must never call it again.
func (s *State) Init() {
	s.pid.Store(0)
	s.tid.Store(0)
	s.token.Store(0)
	s.generation.Store(0)
	s.recursion.Store(0)
}

// Mutex is the blocking lock handle a process uses to operate on a State
// living in shared memory. One Mutex wraps one State; multiple goroutines
// within a process may share a Mutex value (it carries no per-call state of
// its own beyond the pointer).
type Mutex struct {
	state *State
}

// New wraps a State. The mutex's own zombie takeover is pid-liveness-gated
// only: State's wire size is fixed by the header's segment_mutex_storage
// field (spec.md §4.D item 13) with no room left for a held-since
// timestamp, so there is no deadline to gate on here. The reclaim grace
// window spec.md §4.C describes is enforced one layer up, against the
// held-since timestamp slotstate.Slot carries per WRITING/DRAINING slot.
func New(state *State) *Mutex {
	return &Mutex{state: state}
}

// Lock blocks until the mutex is acquired. If the previous holder's process
// is found to be dead, Lock still succeeds but returns true for the
// "inconsistent" result, signaling the caller must restore invariants
// before continuing (spec.md §4.B / §7 Inconsistent).
func (m *Mutex) Lock() (inconsistent bool, err error) {
	pid := uint64(platform.CurrentPID())
	tid := uint64(platform.CurrentTID())

	if m.tryRecursive(pid, tid) {
		return false, nil
	}

	var bo backoff.Exponential
	for {
		if m.state.pid.CompareAndSwap(0, pid) {
			m.state.tid.Store(tid)
			m.state.recursion.Store(1)
			return false, nil
		}
		if holder := m.state.pid.Load(); holder != 0 && !platform.IsProcessAlive(int32(holder)) {
			if m.state.pid.CompareAndSwap(holder, pid) {
				m.state.tid.Store(tid)
				m.state.recursion.Store(1)
				m.state.generation.Add(1)
				return true, nil
			}
		}
		bo.Wait()
	}
}

// TryLockFor attempts to acquire the mutex, giving up after deadlineNanos
// (measured against platform.MonotonicNowNS) has elapsed. A deadline of 0
// behaves as a non-blocking try.
func (m *Mutex) TryLockFor(deadlineNanos int64) (ok, inconsistent bool, err error) {
	pid := uint64(platform.CurrentPID())
	tid := uint64(platform.CurrentTID())

	if m.tryRecursive(pid, tid) {
		return true, false, nil
	}

	var bo backoff.Exponential
	for {
		if m.state.pid.CompareAndSwap(0, pid) {
			m.state.tid.Store(tid)
			m.state.recursion.Store(1)
			return true, false, nil
		}
		if holder := m.state.pid.Load(); holder != 0 && !platform.IsProcessAlive(int32(holder)) {
			if m.state.pid.CompareAndSwap(holder, pid) {
				m.state.tid.Store(tid)
				m.state.recursion.Store(1)
				m.state.generation.Add(1)
				return true, true, nil
			}
		}
		if platform.MonotonicNowNS() >= deadlineNanos {
			return false, false, nil
		}
		bo.Wait()
	}
}

func (m *Mutex) tryRecursive(pid, tid uint64) bool {
	if m.state.pid.Load() == pid && m.state.tid.Load() == tid {
		m.state.recursion.Add(1)
		return true
	}
	return false
}

// Unlock releases the mutex. Unlocking from a goroutine whose (pid, tid)
// does not match the recorded owner is a protocol violation and returns
// ErrNotOwner rather than silently succeeding.
func (m *Mutex) Unlock() error {
	pid := uint64(platform.CurrentPID())
	tid := uint64(platform.CurrentTID())

	if m.state.pid.Load() != pid || m.state.tid.Load() != tid {
		return ErrNotOwner
	}

	if m.state.recursion.Add(^uint32(0)) > 0 {
		// ^uint32(0) == -1 as two's complement; recursion_count-- and
		// still > 0 means this was a nested unlock, the lock stays held.
		return nil
	}

	m.state.tid.Store(0)
	m.state.generation.Add(1)
	m.state.pid.Store(0)
	return nil
}

// IsHeld reports whether the mutex is currently held by any identity.
func (m *Mutex) IsHeld() bool {
	return m.state.pid.Load() != 0
}

// HolderPID returns the pid of the current holder, or 0 if unheld.
func (m *Mutex) HolderPID() int32 {
	return int32(m.state.pid.Load())
}
