// Package slotstate implements the per-slot lock-free reader/writer state
// machine at the heart of the DataBlock engine: the CAS transition table in
// spec.md §4.C (FREE/WRITING/COMMITTED/READING/DRAINING), published
// sequence numbers, and writer identity tracking.
//
// Grounded on feeder/shm/seqlock.go's odd/even seqlock phase discipline
// (generalized here from "writer always owns the slot alone" to the full
// multi-reader/multi-writer-candidate protocol) and on the trailing
// sequence-number publication fence in
// other_examples/.../taurusjun-quantlink-trade-system mwmr_queue.go
// (Enqueue stores seqNo after the payload write as a release fence;
// Dequeue/IsEmpty compare the reader's local tail against it).
package slotstate

import (
	"sync/atomic"
	"unsafe"
)

// State is the canonical slot state. Transition diagram in spec.md §4.C.
type State uint8

const (
	Free State = iota
	Writing
	Committed
	Reading
	Draining
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Writing:
		return "WRITING"
	case Committed:
		return "COMMITTED"
	case Reading:
		return "READING"
	case Draining:
		return "DRAINING"
	default:
		return "UNKNOWN"
	}
}

// Word packs (state, reader_count, sequence_tag) into a single 64-bit value
// so the whole tuple can be CAS'd atomically, per spec.md §4.C: "All
// transitions are CAS on a single atomic word large enough to hold the
// tuple (state, reader_count, sequence_tag)."
//
//	bits 0-2:   state (0-4)
//	bits 3-18:  reader_count (16 bits, 0-65535)
//	bits 19-63: sequence_tag (45 bits; an ABA-resistant low-order slice of
//	            the full 64-bit sequence, which is published separately —
//	            see Slot.sequence below)
type word uint64

const (
	stateBits   = 3
	readerBits  = 16
	stateMask   = (1 << stateBits) - 1
	readerShift = stateBits
	readerMask  = (1 << readerBits) - 1
	tagShift    = stateBits + readerBits
)

func pack(s State, readerCount uint32, seqTag uint64) word {
	return word(uint64(s)&stateMask) |
		word((uint64(readerCount)&readerMask)<<readerShift) |
		word(seqTag<<tagShift)
}

func (w word) state() State        { return State(uint64(w) & stateMask) }
func (w word) readerCount() uint32 { return uint32((uint64(w) >> readerShift) & readerMask) }
func (w word) seqTag() uint64      { return uint64(w) >> tagShift }

// Identity names a lock/slot holder: (pid, tid, token). Cross-process
// holders use (pid, tid, 0); in-process token-mode holders use (0, 0,
// token). See spec.md §3 "Identity".
type Identity struct {
	PID   uint64
	TID   uint64
	Token uint64
}

// Slot is the per-slot RW state record, one per ring-buffer element. It
// contains no payload bytes; those live in the adjacent slot buffer array
// (spec.md §3 item 4), addressed by the same index.
type Slot struct {
	w atomic.Uint64 // packed word: state, reader_count, seqTag

	sequence atomic.Uint64 // full monotonically increasing commit sequence

	writerPID        atomic.Uint64
	writerTID        atomic.Uint64
	writerToken      atomic.Uint64
	writerGeneration atomic.Uint64
	writerSinceNS    atomic.Int64 // monotonic timestamp the writer entered WRITING/DRAINING

	checksumValid atomic.Bool
	length        atomic.Uint32 // committed byte count, published by Commit
}

// Size is the on-wire size of Slot in bytes, used to derive the header's
// slot_size field and the rw_state array's stride.
const Size = int(unsafe.Sizeof(Slot{}))

// Init resets a slot to its zero (FREE, never committed) state. Called once
// by the segment creator over every slot; attachers must never call it.
func (s *Slot) Init() {
	s.w.Store(uint64(pack(Free, 0, 0)))
	s.sequence.Store(0)
	s.writerPID.Store(0)
	s.writerTID.Store(0)
	s.writerToken.Store(0)
	s.writerGeneration.Store(0)
	s.writerSinceNS.Store(0)
	s.checksumValid.Store(false)
	s.length.Store(0)
}

// Snapshot is a point-in-time, non-atomic-as-a-whole read of a slot's
// visible fields, for diagnostics and for consumer/producer decision logic
// that only needs to observe state (not act on the CAS boundary itself).
type Snapshot struct {
	State         State
	ReaderCount   uint32
	Sequence      uint64
	WriterPID     uint64
	WriterTID     uint64
	WriterToken   uint64
	WriterGen     uint64
	WriterSinceNS int64
	ChecksumValid bool
	Length        uint32
}

// Load returns a consistent-enough snapshot for decision making. The state
// word itself is read atomically; the auxiliary fields (sequence, writer
// identity) are read with separate atomic loads and may be one CAS step out
// of sync with the state word under concurrent mutation — callers that need
// a linearizable pairing re-check state after reading auxiliary fields
// (done internally by AcquireRead/verify paths).
func (s *Slot) Load() Snapshot {
	w := word(s.w.Load())
	return Snapshot{
		State:         w.state(),
		ReaderCount:   w.readerCount(),
		Sequence:      s.sequence.Load(),
		WriterPID:     s.writerPID.Load(),
		WriterTID:     s.writerTID.Load(),
		WriterToken:   s.writerToken.Load(),
		WriterGen:     s.writerGeneration.Load(),
		WriterSinceNS: s.writerSinceNS.Load(),
		ChecksumValid: s.checksumValid.Load(),
		Length:        s.length.Load(),
	}
}

// SetLength overwrites the committed byte length without touching state,
// for ChecksumManual policy where the caller may recompute the digest (and
// the range it covers) after Commit has already run (spec.md §4.F: "Under
// Manual, the caller must explicitly request update/verify").
func (s *Slot) SetLength(length uint32) {
	s.length.Store(length)
}

// AcquireWriteFree performs FREE -> WRITING. Caller must hold the
// segment-level mutex (spec.md §4.C: "writer only; under segment mutex").
// nowNS is stamped as the slot's writerSinceNS, the reference point
// zombieWriterStuck measures the reclaim grace window against.
func (s *Slot) AcquireWriteFree(id Identity, nowNS int64) bool {
	cur := word(s.w.Load())
	if cur.state() != Free {
		return false
	}
	next := pack(Writing, 0, cur.seqTag())
	if !s.w.CompareAndSwap(uint64(cur), uint64(next)) {
		return false
	}
	s.setWriter(id, nowNS)
	return true
}

// AcquireWriteWraparoundNoReaders performs COMMITTED -> WRITING, the
// wraparound case where the writer reclaims its own prior slot and no
// reader is attached to it.
func (s *Slot) AcquireWriteWraparoundNoReaders(id Identity, nowNS int64) bool {
	cur := word(s.w.Load())
	if cur.state() != Committed || cur.readerCount() != 0 {
		return false
	}
	next := pack(Writing, 0, cur.seqTag())
	if !s.w.CompareAndSwap(uint64(cur), uint64(next)) {
		return false
	}
	s.setWriter(id, nowNS)
	return true
}

// AcquireWriteWraparoundDraining performs COMMITTED/READING -> DRAINING: the
// writer publishes intent to reuse a slot that still has active readers. Only
// reachable under Latest_only (spec.md §4.E's "Ring-full rule" structurally
// prevents this under ordered policies).
func (s *Slot) AcquireWriteWraparoundDraining(id Identity, nowNS int64) bool {
	cur := word(s.w.Load())
	if (cur.state() != Committed && cur.state() != Reading) || cur.readerCount() == 0 {
		return false
	}
	next := pack(Draining, cur.readerCount(), cur.seqTag())
	if !s.w.CompareAndSwap(uint64(cur), uint64(next)) {
		return false
	}
	s.setWriter(id, nowNS)
	return true
}

func (s *Slot) setWriter(id Identity, nowNS int64) {
	s.writerPID.Store(id.PID)
	s.writerTID.Store(id.TID)
	s.writerToken.Store(id.Token)
	s.writerGeneration.Add(1)
	s.writerSinceNS.Store(nowNS)
	s.checksumValid.Store(false)
}

// Commit performs WRITING -> COMMITTED, publishing the next sequence number
// and the committed byte length with release semantics so every payload
// byte written before Commit is visible to a consumer that observes the new
// sequence (spec.md §5 ordering guarantee), and so a reader knows exactly
// which byte range was hashed (spec.md §4.F: "the digest must cover exactly
// the committed byte range").
func (s *Slot) Commit(sequence uint64, length uint32, checksumValid bool) bool {
	cur := word(s.w.Load())
	if cur.state() != Writing {
		return false
	}
	s.sequence.Store(sequence)
	s.length.Store(length)
	s.checksumValid.Store(checksumValid)
	next := pack(Committed, 0, sequence)
	return s.w.CompareAndSwap(uint64(cur), uint64(next))
}

// Abort performs WRITING -> FREE without publishing a sequence number.
func (s *Slot) Abort() bool {
	cur := word(s.w.Load())
	if cur.state() != Writing {
		return false
	}
	next := pack(Free, 0, cur.seqTag())
	return s.w.CompareAndSwap(uint64(cur), uint64(next))
}

// AbortDraining reverts a DRAINING slot back to COMMITTED without touching
// reader_count, for the "on abort or exception... never to a state that
// would lose the readers' view" rule in spec.md §4.E step 5, and for the
// writer_timeout transition in the table (spec.md §4.C).
func (s *Slot) AbortDraining() bool {
	cur := word(s.w.Load())
	if cur.state() != Draining {
		return false
	}
	next := pack(Committed, cur.readerCount(), cur.seqTag())
	return s.w.CompareAndSwap(uint64(cur), uint64(next))
}

// AcquireRead performs COMMITTED -> READING (rc 0->1) or READING -> READING
// (rc k->k+1), bumping reader_count under CAS with no mutex involved.
func (s *Slot) AcquireRead() bool {
	for {
		cur := word(s.w.Load())
		switch cur.state() {
		case Committed:
			if cur.readerCount() != 0 {
				return false // inconsistent snapshot; retry at call site
			}
			next := pack(Reading, 1, cur.seqTag())
			if s.w.CompareAndSwap(uint64(cur), uint64(next)) {
				return true
			}
		case Reading:
			next := pack(Reading, cur.readerCount()+1, cur.seqTag())
			if s.w.CompareAndSwap(uint64(cur), uint64(next)) {
				return true
			}
		default:
			return false
		}
	}
}

// ReleaseRead performs the reader-count decrement and, on the last reader
// leaving, either READING -> COMMITTED or DRAINING -> WRITING (handing the
// slot to the writer that published intent). A COMMITTED slot that still
// counts readers (left by AbortDraining or ForceReclaimDraining) stays
// COMMITTED. It returns the resulting state.
func (s *Slot) ReleaseRead() (State, bool) {
	for {
		cur := word(s.w.Load())
		switch cur.state() {
		case Committed:
			rc := cur.readerCount()
			if rc == 0 {
				return cur.state(), false
			}
			next := pack(Committed, rc-1, cur.seqTag())
			if s.w.CompareAndSwap(uint64(cur), uint64(next)) {
				return next.state(), true
			}
		case Reading:
			rc := cur.readerCount()
			if rc == 0 {
				return cur.state(), false
			}
			rc--
			var next word
			if rc == 0 {
				next = pack(Committed, 0, cur.seqTag())
			} else {
				next = pack(Reading, rc, cur.seqTag())
			}
			if s.w.CompareAndSwap(uint64(cur), uint64(next)) {
				return next.state(), true
			}
		case Draining:
			rc := cur.readerCount()
			if rc == 0 {
				return cur.state(), false
			}
			rc--
			var next word
			if rc == 0 {
				next = pack(Writing, 0, cur.seqTag())
			} else {
				next = pack(Draining, rc, cur.seqTag())
			}
			if s.w.CompareAndSwap(uint64(cur), uint64(next)) {
				return next.state(), true
			}
		default:
			return cur.state(), false
		}
	}
}

// ForceReclaimWriting resets a zombie-held WRITING slot back to FREE. Caller
// must hold the segment mutex and must have already confirmed the recorded
// writer's process is dead and past the reclaim grace window (spec.md §4.C
// "Zombie reclamation").
func (s *Slot) ForceReclaimWriting() bool {
	cur := word(s.w.Load())
	if cur.state() != Writing {
		return false
	}
	next := pack(Free, 0, cur.seqTag())
	return s.w.CompareAndSwap(uint64(cur), uint64(next))
}

// ForceReclaimDraining resets a zombie-held DRAINING slot back to COMMITTED,
// preserving reader_count (the readers themselves may still be alive; only
// the writer's drain intent is abandoned).
func (s *Slot) ForceReclaimDraining() bool {
	cur := word(s.w.Load())
	if cur.state() != Draining {
		return false
	}
	next := pack(Committed, cur.readerCount(), cur.seqTag())
	return s.w.CompareAndSwap(uint64(cur), uint64(next))
}

// ForceDecrementReaderCount force-decrements reader_count by one when a
// registered consumer is proven dead via the heartbeat table (spec.md §5
// "Process death" / "READING held by a dead reader"). Like ReleaseRead,
// reaching zero may complete a pending DRAINING handoff.
func (s *Slot) ForceDecrementReaderCount() (State, bool) {
	return s.ReleaseRead()
}
