package ringproto

import (
	"runtime"

	"github.com/Qing-LAB/pylabhub-sub000/internal/backoff"
	"github.com/Qing-LAB/pylabhub-sub000/internal/checksum"
	"github.com/Qing-LAB/pylabhub-sub000/internal/layout"
	"github.com/Qing-LAB/pylabhub-sub000/internal/slotstate"
)

// WriteHandle is the producer's view of an acquired slot: the writable
// payload bytes, ready to be filled before Commit or Abort.
type WriteHandle struct {
	Index int
	Data  []byte
}

// AcquireWrite runs the writer algorithm of spec.md §4.E steps 1-2: under
// the segment mutex, select the target slot per policy (ring-full check
// for ordered policies), then transition it to WRITING or DRAINING. The
// mutex is released before AcquireWrite returns, matching "Release segment
// mutex; issue a handle... that exposes the slot's byte buffer."
func (r *Ring) AcquireWrite(deadlineNanos int64, id slotstate.Identity) (WriteHandle, error) {
	var bo backoff.Exponential
	var lastFull bool

	// The segment mutex records its holder as (pid, tid); pinning keeps the
	// Unlock below on the OS thread that took the lock.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		ok, _, err := r.mutex.TryLockFor(deadlineNanos)
		if err != nil {
			return WriteHandle{}, err
		}
		if !ok {
			return WriteHandle{}, ErrTimeout
		}

		pos := r.control.writePos.Load() + 1
		idx := int(pos % int64(r.capacity))

		full := r.consumerPolicy != layout.LatestOnly && r.wouldBeFull(pos)
		if !full && r.acquireSlotForWrite(idx, id) {
			r.control.writePos.Store(pos)
			r.mutex.Unlock()
			return WriteHandle{Index: idx, Data: r.data[idx]}, nil
		}
		lastFull = full
		r.mutex.Unlock()

		if r.nowNS() >= deadlineNanos {
			if lastFull {
				return WriteHandle{}, ErrRingFull
			}
			return WriteHandle{}, ErrTimeout
		}
		bo.Wait()
	}
}

// wouldBeFull implements the ring-full rule for ordered policies: writing
// at logical position pos is blocked if it would outrun the slowest
// reader's position by the full capacity (spec.md §4.E: "if advancing the
// write index would cross the slowest reader's position").
func (r *Ring) wouldBeFull(pos int64) bool {
	minRead, ok := r.heartbeats.MinReadIndex()
	if !ok {
		minRead = -1
	}
	return pos-minRead > int64(r.capacity)
}

// acquireSlotForWrite transitions the target slot to WRITING (or DRAINING
// under Latest_only with active readers), reclaiming a zombie writer or
// stuck drain first if one is found. Caller must hold the segment mutex.
func (r *Ring) acquireSlotForWrite(idx int, id slotstate.Identity) bool {
	slot := &r.slots[idx]
	snap := slot.Load()
	now := r.nowNS()

	switch snap.State {
	case slotstate.Free:
		return slot.AcquireWriteFree(id, now)

	case slotstate.Writing:
		if r.zombieWriterStuck(snap, now) {
			slot.ForceReclaimWriting()
			return slot.AcquireWriteFree(id, now)
		}
		return false

	case slotstate.Draining:
		if r.zombieWriterStuck(snap, now) {
			slot.ForceReclaimDraining()
			snap = slot.Load()
		} else {
			return false
		}
		fallthrough

	case slotstate.Committed, slotstate.Reading:
		if snap.ReaderCount == 0 {
			return slot.AcquireWriteWraparoundNoReaders(id, now)
		}
		if r.consumerPolicy == layout.LatestOnly {
			return slot.AcquireWriteWraparoundDraining(id, now)
		}
		return false // ordered policies never reach here: wouldBeFull already guarded

	default:
		return false
	}
}

// zombieWriterStuck reports whether the slot's recorded writer is both dead
// and has held WRITING/DRAINING past the reclaim grace window (spec.md §4.C
// "Zombie reclamation": "pid is not alive... AND the slot has remained in
// WRITING or DRAINING past a reclaim grace window"). A grace window of 0
// reclaims as soon as liveness fails, matching the original single-condition
// behavior for callers that configure no grace period.
func (r *Ring) zombieWriterStuck(snap slotstate.Snapshot, now int64) bool {
	if snap.WriterPID == 0 || r.alive(int32(snap.WriterPID)) {
		return false
	}
	return now-snap.WriterSinceNS >= r.reclaimGraceNanos
}

// CommitWrite publishes the slot at idx: assigns the next monotonic
// sequence, stores the committed byte length (so a reader hashes exactly
// the written range, not the whole fixed-size slot buffer), computes/stores
// the checksum if the policy is Enforced, and transitions WRITING ->
// COMMITTED (spec.md §4.E step 4 / §4.F "the digest must cover exactly the
// committed byte range").
func (r *Ring) CommitWrite(idx int, length int) error {
	seq := r.control.nextSequence.Add(1)

	checksumValid := false
	if r.checksumPolicy == layout.ChecksumEnforced && r.trailers[idx] != nil {
		*r.trailers[idx] = checksum.Compute(r.data[idx][:length])
		checksumValid = true
	}

	if !r.slots[idx].Commit(seq, uint32(length), checksumValid) {
		return ErrNotAcquired
	}
	r.control.lastCommittedIdx.Store(int64(idx))
	return nil
}

// UpdateManualChecksum computes and stores the digest for a committed
// slot under ChecksumManual policy, where the caller (not CommitWrite)
// decides when to checksum (spec.md §4.F: "Under Manual, the caller must
// explicitly request update/verify"), and records length as the byte range
// a subsequent verify must hash.
func (r *Ring) UpdateManualChecksum(idx int, length int) error {
	if r.trailers[idx] == nil {
		return ErrChecksumMismatch
	}
	*r.trailers[idx] = checksum.Compute(r.data[idx][:length])
	r.slots[idx].SetLength(uint32(length))
	return nil
}

// AbortWrite reverts the slot at idx to FREE (WRITING case) or COMMITTED
// (DRAINING case) without publishing a sequence number (spec.md §4.E step
// 5 / §4.C "sequence unchanged").
func (r *Ring) AbortWrite(idx int) error {
	if r.slots[idx].Abort() {
		return nil
	}
	if r.slots[idx].AbortDraining() {
		return nil
	}
	return ErrNotAcquired
}
