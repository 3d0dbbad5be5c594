// Package pylabhub is the public surface of the DataBlock engine: a
// cross-process bounded-capacity ring buffer of fixed-size slots in named
// shared memory, coordinated by a robust process-shared mutex and per-slot
// lock-free state machines (spec.md §1).
//
// Package layout follows the teacher's (feeder) flat top-level-package
// convention for the public surface, with an internal/ tree for the parts
// of the engine nothing outside this module should import directly.
package pylabhub

import (
	"fmt"

	"github.com/Qing-LAB/pylabhub-sub000/internal/checksum"
	"github.com/Qing-LAB/pylabhub-sub000/internal/flexzone"
	"github.com/Qing-LAB/pylabhub-sub000/internal/heartbeat"
	"github.com/Qing-LAB/pylabhub-sub000/internal/layout"
	"github.com/Qing-LAB/pylabhub-sub000/internal/platform"
	"github.com/Qing-LAB/pylabhub-sub000/internal/ringproto"
	"github.com/Qing-LAB/pylabhub-sub000/internal/robustmutex"
	"github.com/Qing-LAB/pylabhub-sub000/internal/slotstate"
)

// pageAlign rounds n up to the next multiple of pageSize.
func pageAlign(n, pageSize uint32) uint32 {
	if n%pageSize == 0 {
		return n
	}
	return ((n / pageSize) + 1) * pageSize
}

// regions is the computed offset/size table for one segment's layout. The
// creator derives it from the creation options (ring_capacity,
// flex_zone_size, checksum policy, heartbeat capacity) plus the slot
// payload type size, and stores every offset and capacity it needs in the
// header; AttachSegment reads those stored fields back and does not
// recompute this table.
type regions struct {
	pageSize uint32

	flexZoneOffset uint32
	flexZoneSize   uint32

	rwStateOffset uint32
	rwStateSize   uint32

	slotBufferOffset uint32
	slotBufferStride uint32
	slotBufferTotal  uint32

	heartbeatEntriesOffset uint32
	heartbeatEntriesSize   uint32
	heartbeatOccOffset     uint32
	heartbeatOccSize       uint32

	controlOffset uint32
	controlSize   uint32

	totalSize uint32
}

func computeRegions(pageSize, ringCapacity, flexZoneSize uint32, slotPayloadSize int, checksumPolicy layout.ChecksumPolicy, heartbeatCapacity int) regions {
	var r regions
	r.pageSize = pageSize

	headerSize := pageAlign(uint32(layout.Size), pageSize)

	r.flexZoneOffset = headerSize
	r.flexZoneSize = flexZoneSize

	r.rwStateOffset = r.flexZoneOffset + r.flexZoneSize
	r.rwStateSize = ringCapacity * uint32(slotstate.Size)

	trailer := 0
	if checksumPolicy != layout.ChecksumNone {
		trailer = checksum.Size
	}
	r.slotBufferStride = uint32(slotPayloadSize + trailer)
	r.slotBufferOffset = r.rwStateOffset + r.rwStateSize
	r.slotBufferTotal = ringCapacity * r.slotBufferStride

	r.heartbeatEntriesOffset = r.slotBufferOffset + r.slotBufferTotal
	r.heartbeatEntriesSize = uint32(heartbeatCapacity * heartbeat.EntrySize)
	r.heartbeatOccOffset = r.heartbeatEntriesOffset + r.heartbeatEntriesSize
	r.heartbeatOccSize = uint32(heartbeat.OccupancyBytes(heartbeatCapacity))

	r.controlOffset = r.heartbeatOccOffset + r.heartbeatOccSize
	r.controlSize = uint32(ringproto.ControlSize)

	r.totalSize = pageAlign(r.controlOffset+r.controlSize, pageSize)
	return r
}

// Segment is an attached (or just-created) DataBlock shared-memory region:
// the mmap'd bytes plus every component overlaid on top of it.
type Segment struct {
	seg    *platform.Segment
	header *layout.Header

	flex  *flexzone.Zone
	ring  *ringproto.Ring
	hb    *heartbeat.Table
	mutex *robustmutex.Mutex

	name               string
	isCreator          bool
	consumerLivenessNS int64
}

// Name returns the segment's shared-memory name.
func (s *Segment) Name() string { return s.name }

// ConsumerPolicy returns the segment's consumer sync policy.
func (s *Segment) ConsumerPolicy() layout.ConsumerSyncPolicy { return s.header.ConsumerSyncPolicy }

// ChecksumPolicy returns the segment's checksum policy.
func (s *Segment) ChecksumPolicy() layout.ChecksumPolicy { return s.header.ChecksumPolicy }

// RingCapacity returns the segment's ring capacity.
func (s *Segment) RingCapacity() int { return s.ring.Capacity() }

// Close unmaps the segment. The creator must call Unlink separately
// (spec.md §3: "The creator process exclusively owns unlink; attachers
// must never call it").
func (s *Segment) Close() error {
	return s.seg.Close()
}

// Unlink removes the segment's name from the host's shared-memory
// namespace. Only the creator may call this; calling it twice, or calling
// it as an attacher, is protocol-undefined behaviour (spec.md §5).
func (s *Segment) Unlink() error {
	if !s.isCreator {
		return newError(ConfigInvalid, fmt.Sprintf("segment %q: Unlink called by non-creator", s.name), nil)
	}
	return platform.Unlink(s.name)
}

// FlexZone returns the segment's typed control-metadata region (spec.md
// §4.F).
func (s *Segment) FlexZone() *flexzone.Zone { return s.flex }

// RegisterConsumer claims a heartbeat table slot for a new consumer,
// required before AcquireRead under Single_reader or Sync_reader (spec.md
// §4.E step 6 / §5 "Heartbeat table updates").
func (s *Segment) RegisterConsumer() (int, error) {
	slot, ok := s.hb.Register(platform.CurrentPID(), platform.MonotonicNowNS())
	if !ok {
		return -1, newError(ConfigInvalid, "heartbeat table full", nil)
	}
	return slot, nil
}

// DeregisterConsumer releases a previously registered heartbeat slot.
func (s *Segment) DeregisterConsumer(slot int) {
	s.hb.Deregister(slot, platform.CurrentPID())
}

// Pulse refreshes a registered consumer's liveness timestamp.
func (s *Segment) Pulse(slot int) {
	s.hb.Pulse(slot, platform.MonotonicNowNS())
}

// ReclaimDeadConsumers sweeps the heartbeat table for consumers whose pulse
// is older than the consumer-liveness window and whose pid is no longer
// alive, force-decrementing any ring slot reader_count they were holding
// (spec.md §5 "READING held by a dead reader"). Returns the reclaimed pids.
func (s *Segment) ReclaimDeadConsumers() []uint64 {
	reclaimed := s.hb.ReclaimStale(platform.MonotonicNowNS(), s.consumerLivenessNS, platform.IsProcessAlive)
	pids := make([]uint64, 0, len(reclaimed))
	for _, r := range reclaimed {
		pids = append(pids, r.PID)
		if r.HeldSlot >= 0 {
			s.ring.ForceDecrementReaderCount(int(r.HeldSlot))
		}
	}
	return pids
}

// currentIdentity is the process+thread identity used for every
// segment-mutex and slot-writer acquisition (spec.md §3 "Identity": cross-
// process holders use (pid, tid, 0)).
func currentIdentity() slotstate.Identity {
	return slotstate.Identity{PID: uint64(platform.CurrentPID()), TID: uint64(platform.CurrentTID())}
}
