// Package heartbeat implements the consumer liveness table referenced by
// spec.md §5 ("Process death... READING held by a dead reader is
// reclaimable through the heartbeat table") and §4.E step 6 ("Update the
// consumer's heartbeat entry").
//
// Slot acquisition is grounded on
// other_examples/.../Giulio2002-gdbx lock.go's acquireReaderSlot/
// releaseReaderSlot freelist scan, generalized from an in-process freelist
// to a CAS-gated scan over shared-memory entries so unrelated processes can
// register without coordinating through anything but the entries
// themselves. The occupancy bitmap is an advisory index, refreshed only by
// an explicit RebuildOccupancy call, not an incrementally-maintained
// structure shared atomically across processes — the authoritative state is
// always each entry's own pid field.
package heartbeat

import (
	"sync/atomic"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
)

// Entry is one consumer's liveness record: the owning pid (0 if free), the
// monotonic nanosecond timestamp of its last pulse, and (for Sync_reader)
// its current read position in the ring — spec.md §4.E: "Sync_reader...
// read_index = min(all reader positions)", tracked alongside liveness
// rather than in a separate structure since both are per-consumer,
// single-writer-per-entry state.
type Entry struct {
	pid         atomic.Uint64
	lastPulseNS atomic.Int64
	readIndex   atomic.Int64
	heldSlot    atomic.Int64 // ring slot index currently held as a reader, -1 if none
}

// EntrySize is the on-wire size of Entry in bytes.
const EntrySize = int(unsafe.Sizeof(Entry{}))

// Table is a fixed-capacity heartbeat table overlaid on shared memory.
type Table struct {
	entries   []Entry
	occupancy *bitset.BitSet
}

// OccupancyWords returns the number of uint64 words the occupancy bitmap
// needs for a table of the given capacity.
func OccupancyWords(capacity int) int { return (capacity + 63) / 64 }

// OccupancyBytes returns OccupancyWords(capacity) * 8.
func OccupancyBytes(capacity int) int { return OccupancyWords(capacity) * 8 }

// Overlay reinterprets entryBuf as a [capacity]Entry array and occupancyBuf
// as the occupancy bitmap's backing words, both living in the segment's
// mmap'd heartbeat region. Neither buffer may be reallocated afterward.
func Overlay(entryBuf, occupancyBuf []byte, capacity int) (*Table, error) {
	if len(entryBuf) < capacity*EntrySize {
		return nil, ErrBufferTooSmall
	}
	if len(occupancyBuf) < OccupancyBytes(capacity) {
		return nil, ErrBufferTooSmall
	}
	entries := unsafe.Slice((*Entry)(unsafe.Pointer(&entryBuf[0])), capacity)
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&occupancyBuf[0])), OccupancyWords(capacity))
	return &Table{entries: entries, occupancy: bitset.From(words)}, nil
}

// Init zeroes every entry. Called once by the segment creator.
func (t *Table) Init() {
	for i := range t.entries {
		t.entries[i].pid.Store(0)
		t.entries[i].lastPulseNS.Store(0)
		t.entries[i].readIndex.Store(-1)
		t.entries[i].heldSlot.Store(-1)
	}
	t.occupancy.ClearAll()
}

// Capacity returns the number of entries in the table.
func (t *Table) Capacity() int { return len(t.entries) }

// Register scans for a free entry and claims it for pid via CAS, returning
// the claimed slot index. Returns ok=false if the table is full.
func (t *Table) Register(pid int32, nowNS int64) (slot int, ok bool) {
	for i := range t.entries {
		if t.entries[i].pid.CompareAndSwap(0, uint64(pid)) {
			t.entries[i].lastPulseNS.Store(nowNS)
			t.entries[i].readIndex.Store(-1)
			t.entries[i].heldSlot.Store(-1)
			return i, true
		}
	}
	return -1, false
}

// Pulse refreshes the liveness timestamp for an already-registered slot.
func (t *Table) Pulse(slot int, nowNS int64) {
	t.entries[slot].lastPulseNS.Store(nowNS)
}

// SetReadIndex records a Sync_reader consumer's current ring position.
func (t *Table) SetReadIndex(slot int, idx int64) {
	t.entries[slot].readIndex.Store(idx)
}

// ReadIndex returns a consumer's last-recorded ring position, or -1 if it
// has not consumed anything yet.
func (t *Table) ReadIndex(slot int) int64 {
	return t.entries[slot].readIndex.Load()
}

// SetHeldSlot records which ring slot index a consumer currently holds as
// an active reader (-1 when it holds none), so a later ReclaimStale knows
// which ring slot's reader_count a dead consumer's zombie grip is stuck on
// (spec.md §5: "Reader zombies are detected via the heartbeat table and
// force-decremented from reader_count").
func (t *Table) SetHeldSlot(slot int, ringIdx int64) {
	t.entries[slot].heldSlot.Store(ringIdx)
}

// MinReadIndex returns the minimum read_index among every occupied,
// started (readIndex >= 0) entry, per spec.md §4.E's Sync_reader rule. ok
// is false if no consumer has started reading yet.
func (t *Table) MinReadIndex() (idx int64, ok bool) {
	for i := range t.entries {
		if t.entries[i].pid.Load() == 0 {
			continue
		}
		ri := t.entries[i].readIndex.Load()
		if ri < 0 {
			continue
		}
		if !ok || ri < idx {
			idx, ok = ri, true
		}
	}
	return idx, ok
}

// Deregister releases a slot the caller owns. Returns false if pid doesn't
// match the current occupant (already reclaimed as a zombie, say).
func (t *Table) Deregister(slot int, pid int32) bool {
	return t.entries[slot].pid.CompareAndSwap(uint64(pid), 0)
}

// Snapshot is a point-in-time copy of one entry for diagnostics.
type Snapshot struct {
	Slot        int
	PID         uint64
	LastPulseNS int64
}

// Occupied returns a snapshot of every currently-occupied entry.
func (t *Table) Occupied() []Snapshot {
	var out []Snapshot
	for i := range t.entries {
		pid := t.entries[i].pid.Load()
		if pid == 0 {
			continue
		}
		out = append(out, Snapshot{Slot: i, PID: pid, LastPulseNS: t.entries[i].lastPulseNS.Load()})
	}
	return out
}

// Reclaimed describes one consumer entry reclaimed by ReclaimStale: its pid,
// and the ring slot index (or -1) it was holding as a reader at the moment
// of reclamation.
type Reclaimed struct {
	PID      uint64
	HeldSlot int64
}

// ReclaimStale sweeps every occupied entry, and for any whose pid fails
// alive(pid) and whose last pulse is older than nowNS-livenessWindowNS,
// CASes the entry back to free. Returns one Reclaimed record per freed
// entry; callers must separately force-decrement the ring slot reader_count
// at each record's HeldSlot, if HeldSlot >= 0 (spec.md §5 "Reader zombies
// are detected via the heartbeat table and force-decremented from
// reader_count").
func (t *Table) ReclaimStale(nowNS, livenessWindowNS int64, alive func(pid int32) bool) []Reclaimed {
	var reclaimed []Reclaimed
	for i := range t.entries {
		pid := t.entries[i].pid.Load()
		if pid == 0 {
			continue
		}
		if nowNS-t.entries[i].lastPulseNS.Load() < livenessWindowNS {
			continue
		}
		if alive(int32(pid)) {
			continue
		}
		heldSlot := t.entries[i].heldSlot.Load()
		if t.entries[i].pid.CompareAndSwap(pid, 0) {
			reclaimed = append(reclaimed, Reclaimed{PID: pid, HeldSlot: heldSlot})
		}
	}
	return reclaimed
}

// RebuildOccupancy recomputes the advisory occupancy bitmap from the
// authoritative entry pids. Not safe to call concurrently with another
// RebuildOccupancy on the same table; the table does no locking of its own.
func (t *Table) RebuildOccupancy() {
	t.occupancy.ClearAll()
	for i := range t.entries {
		if t.entries[i].pid.Load() != 0 {
			t.occupancy.Set(uint(i))
		}
	}
}

// OccupancyCount returns the occupancy bitmap's last-rebuilt population
// count (call RebuildOccupancy first for a fresh value).
func (t *Table) OccupancyCount() uint {
	return t.occupancy.Count()
}
