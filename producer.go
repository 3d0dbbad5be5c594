package pylabhub

import (
	"time"

	"github.com/Qing-LAB/pylabhub-sub000/internal/platform"
)

// Producer is the single-writer handle spec.md §4.E describes: one process
// (or one goroutine pinned to it) drives AcquireWrite/Commit/Abort in
// sequence against a Segment's ring.
type Producer struct {
	seg *Segment
}

// NewProducer wraps seg for writing. A segment may have more than one
// Producer value, but the segment mutex still serialises their writes —
// spec.md never requires a single writer process, only a single writer at
// a time.
func NewProducer(seg *Segment) *Producer { return &Producer{seg: seg} }

// WriteHandle is the caller-facing acquired write slot.
type WriteHandle struct {
	Index int
	Data  []byte
}

// AcquireWrite blocks (with exponential backoff) until a slot is acquired
// or timeout elapses, per spec.md §4.E's writer algorithm.
func (p *Producer) AcquireWrite(timeout time.Duration) (WriteHandle, error) {
	deadline := platform.MonotonicNowNS() + timeout.Nanoseconds()
	h, err := p.seg.ring.AcquireWrite(deadline, currentIdentity())
	if err != nil {
		return WriteHandle{}, classifyRingError(err)
	}
	return WriteHandle{Index: h.Index, Data: h.Data}, nil
}

// Commit publishes the slot written into h: assigns the next monotonic
// sequence and, under ChecksumEnforced, computes and stores the digest over
// the first length bytes (spec.md §4.E step 4 / §4.F).
func (p *Producer) Commit(h WriteHandle, length int) error {
	return classifyRingError(p.seg.ring.CommitWrite(h.Index, length))
}

// UpdateChecksum computes and stores the digest for a committed slot under
// ChecksumManual policy (spec.md §4.F).
func (p *Producer) UpdateChecksum(h WriteHandle, length int) error {
	return classifyRingError(p.seg.ring.UpdateManualChecksum(h.Index, length))
}

// Abort releases the slot acquired in h without publishing it (spec.md
// §4.E step 5): WRITING reverts to FREE, DRAINING reverts to COMMITTED, and
// the sequence counter is left untouched either way.
func (p *Producer) Abort(h WriteHandle) error {
	return classifyRingError(p.seg.ring.AbortWrite(h.Index))
}
