package pylabhub

import (
	"time"

	"github.com/Qing-LAB/pylabhub-sub000/internal/platform"
	"github.com/Qing-LAB/pylabhub-sub000/internal/ringproto"
)

// Consumer is a registered reader handle. Single_reader and Sync_reader
// segments require registration (RegisterConsumer) before the first
// AcquireRead so the ring can track this consumer's read position for
// backpressure and zombie reclamation; Latest_only segments accept an
// unregistered Consumer (readerSlot -1) since they track no per-consumer
// position (spec.md §4.E).
type Consumer struct {
	seg        *Segment
	readerSlot int
}

// NewConsumer wraps seg for reading. Pass the slot returned by
// seg.RegisterConsumer() under Single_reader/Sync_reader, or -1 under
// Latest_only.
func NewConsumer(seg *Segment, readerSlot int) *Consumer {
	return &Consumer{seg: seg, readerSlot: readerSlot}
}

// ReadHandle is the caller-facing acquired read slot.
type ReadHandle struct {
	Index int
	Data  []byte

	inner ringproto.ReadHandle
}

// AcquireRead blocks until a readable slot is available or timeout
// elapses, per spec.md §4.E's consumer algorithm. Under Enforced checksum
// policy, a mismatch is returned as ChecksumMismatch rather than a silently
// corrupt read.
func (c *Consumer) AcquireRead(timeout time.Duration) (ReadHandle, error) {
	deadline := platform.MonotonicNowNS() + timeout.Nanoseconds()
	h, err := c.seg.ring.AcquireRead(deadline, c.readerSlot)
	if err != nil {
		return ReadHandle{}, classifyRingError(err)
	}
	return ReadHandle{Index: h.Index, Data: h.Data, inner: h}, nil
}

// Release decrements the slot's reader_count, possibly completing a
// DRAINING handoff to a waiting writer, and for ordered policies advances
// this consumer's recorded read position (spec.md §4.E steps 5-6).
func (c *Consumer) Release(h ReadHandle) {
	c.seg.ring.ReleaseRead(h.inner)
}

// VerifyChecksum verifies a held slot's digest under ChecksumManual policy,
// where verification is not automatic on acquire (spec.md §4.F).
func (c *Consumer) VerifyChecksum(h ReadHandle) error {
	return classifyRingError(c.seg.ring.VerifyManualChecksum(h.inner))
}
