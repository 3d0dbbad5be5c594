package ringproto

import (
	"github.com/Qing-LAB/pylabhub-sub000/internal/backoff"
	"github.com/Qing-LAB/pylabhub-sub000/internal/checksum"
	"github.com/Qing-LAB/pylabhub-sub000/internal/layout"
	"github.com/Qing-LAB/pylabhub-sub000/internal/slotstate"
)

// ReadHandle is the consumer's view of an acquired slot.
type ReadHandle struct {
	Index int
	Data  []byte

	pos        int64 // logical ring position consumed (ordered policies only)
	readerSlot int   // this consumer's heartbeat slot (-1 for Latest_only)
}

// AcquireRead runs the consumer algorithm of spec.md §4.E steps 1-4: pick a
// candidate slot per policy, CAS reader_count up, verify the checksum under
// Enforced policy, and present the payload. readerSlot is the caller's
// heartbeat table slot (from heartbeat.Table.Register); pass -1 under
// Latest_only, which has no per-consumer position to track.
func (r *Ring) AcquireRead(deadlineNanos int64, readerSlot int) (ReadHandle, error) {
	var bo backoff.Exponential
	for {
		idx, pos, ok := r.pickReadCandidate(readerSlot)
		if ok && r.slots[idx].AcquireRead() {
			if r.checksumPolicy == layout.ChecksumEnforced {
				if err := r.verifyChecksum(idx); err != nil {
					r.slots[idx].ReleaseRead()
					return ReadHandle{}, err
				}
			}
			length := r.slots[idx].Load().Length
			if readerSlot >= 0 {
				r.heartbeats.SetHeldSlot(readerSlot, int64(idx))
			}
			return ReadHandle{Index: idx, Data: r.data[idx][:length], pos: pos, readerSlot: readerSlot}, nil
		}
		if r.nowNS() >= deadlineNanos {
			return ReadHandle{}, ErrTimeout
		}
		bo.Wait()
	}
}

// pickReadCandidate selects the array index (and, for ordered policies, the
// logical position) the consumer should attempt to acquire next.
func (r *Ring) pickReadCandidate(readerSlot int) (idx int, pos int64, ok bool) {
	switch r.consumerPolicy {
	case layout.LatestOnly:
		last := r.control.lastCommittedIdx.Load()
		if last < 0 {
			return 0, 0, false
		}
		return int(last), last, true

	default: // SingleReader, SyncReader
		pos = r.heartbeats.ReadIndex(readerSlot) + 1
		if pos > r.control.writePos.Load() {
			// The writer has not reached pos yet; the slot still holds pos-capacity.
			return 0, 0, false
		}
		return int(pos % int64(r.capacity)), pos, true
	}
}

// verifyChecksum hashes only the committed byte range (the length Commit or
// UpdateManualChecksum stamped onto the slot), not the full fixed-size slot
// buffer — hashing the whole buffer would hash trailing zero-padding the
// writer never touched, and any commit shorter than the buffer would fail
// verification on every read (spec.md §4.F: the digest covers exactly the
// committed byte range).
func (r *Ring) verifyChecksum(idx int) error {
	if r.trailers[idx] == nil {
		return nil
	}
	length := r.slots[idx].Load().Length
	if err := checksum.Verify(r.data[idx][:length], *r.trailers[idx]); err != nil {
		return ErrChecksumMismatch
	}
	return nil
}

// VerifyManualChecksum verifies a held slot's digest under ChecksumManual
// policy, where verification is not automatic (spec.md §4.F).
func (r *Ring) VerifyManualChecksum(h ReadHandle) error {
	return r.verifyChecksum(h.Index)
}

// ReleaseRead runs the consumer algorithm's step 5-6: decrement
// reader_count (possibly completing a DRAINING handoff to a waiting
// writer), and for ordered policies, advance the consumer's recorded
// position so the next AcquireRead moves forward and so writer
// backpressure (wouldBeFull) can see this consumer's progress.
func (r *Ring) ReleaseRead(h ReadHandle) {
	r.slots[h.Index].ReleaseRead()
	if r.consumerPolicy != layout.LatestOnly {
		r.heartbeats.SetReadIndex(h.readerSlot, h.pos)
		r.heartbeats.SetHeldSlot(h.readerSlot, -1)
	}
}

// ForceDecrementReaderCount force-decrements reader_count on the slot at idx,
// for a ring slot a reclaimed dead consumer was holding as a reader (spec.md
// §5 "Process death" / heartbeat.Table.ReclaimStale's Reclaimed.HeldSlot).
func (r *Ring) ForceDecrementReaderCount(idx int) (slotstate.State, bool) {
	return r.slots[idx].ForceDecrementReaderCount()
}
