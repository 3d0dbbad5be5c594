package pylabhub

import (
	"reflect"

	"github.com/Qing-LAB/pylabhub-sub000/config"
	"github.com/Qing-LAB/pylabhub-sub000/internal/flexzone"
	"github.com/Qing-LAB/pylabhub-sub000/internal/heartbeat"
	"github.com/Qing-LAB/pylabhub-sub000/internal/layout"
	"github.com/Qing-LAB/pylabhub-sub000/internal/platform"
	"github.com/Qing-LAB/pylabhub-sub000/internal/ringproto"
	"github.com/Qing-LAB/pylabhub-sub000/internal/robustmutex"
	"github.com/Qing-LAB/pylabhub-sub000/schema"
)

// CreateSegment allocates a brand-new DataBlock segment sized and laid out
// per opts, stamps its header, and initialises every substructure (spec.md
// §6 "Segment creation"). The caller's flex-zone and slot payload types are
// declared as type parameters so their structural schema digests (spec.md
// §4.G) are captured at the call site, the same way an attacher later
// declares its own expected types in AttachSegment.
func CreateSegment[Flex, Slot any](opts config.CreateOptions) (*Segment, error) {
	if err := opts.Validate(); err != nil {
		return nil, newError(ConfigInvalid, "create segment", err)
	}

	consumerPolicy, err := config.ParseConsumerPolicy(opts.ConsumerPolicy)
	if err != nil {
		return nil, newError(ConfigInvalid, "create segment", err)
	}
	checksumPolicy, err := config.ParseChecksumPolicy(opts.ChecksumPolicy)
	if err != nil {
		return nil, newError(ConfigInvalid, "create segment", err)
	}

	var zeroFlex Flex
	flexTypeSize := int(reflect.TypeOf(zeroFlex).Size())
	if flexTypeSize > int(opts.FlexZoneSize)-flexzone.TrailerSize(checksumPolicy != layout.ChecksumNone) {
		return nil, newError(ConfigInvalid, "flex zone type does not fit flex_zone_size", nil)
	}

	var zeroSlot Slot
	slotPayloadSize := int(reflect.TypeOf(zeroSlot).Size())
	regions := computeRegions(opts.PageSize, opts.RingCapacity, opts.FlexZoneSize, slotPayloadSize, checksumPolicy, opts.HeartbeatCapacity)

	seg, err := platform.Create(opts.SegmentName, int(regions.totalSize), opts.Force)
	if err != nil {
		return nil, newError(PlatformError, "create segment", err)
	}

	buf := seg.Data()

	hdr, err := layout.Overlay(buf)
	if err != nil {
		seg.Close()
		return nil, newError(LayoutCorrupt, "overlay header", err)
	}
	zero(buf[:layout.Size])

	hdr.PageSize = opts.PageSize
	hdr.SlotSize = uint32(slotPayloadSize)
	hdr.SlotBufferSize = regions.slotBufferStride
	hdr.RingCapacity = opts.RingCapacity
	hdr.FlexZoneSize = regions.flexZoneSize
	hdr.FlexZoneOffset = regions.flexZoneOffset
	hdr.RWStateArrayOffset = regions.rwStateOffset
	hdr.SlotBufferArrayOffset = regions.slotBufferOffset
	hdr.HeartbeatTableOffset = regions.heartbeatEntriesOffset
	hdr.HeartbeatCapacity = uint32(opts.HeartbeatCapacity)
	hdr.HeartbeatOccOffset = regions.heartbeatOccOffset
	hdr.RingControlOffset = regions.controlOffset
	hdr.SegmentTotalSize = regions.totalSize
	hdr.ReclaimGraceWindowNS = opts.ReclaimGraceWindowNS
	hdr.ConsumerSyncPolicy = consumerPolicy
	hdr.ChecksumPolicy = checksumPolicy
	hdr.RingPolicy = layout.RingBuffer
	hdr.SharedSecret = opts.SharedSecret
	hdr.FlexZoneSchemaHash = schema.Describe[Flex]()
	hdr.SlotSchemaHash = schema.Describe[Slot]()
	hdr.SegmentMutexStorage.Init()

	flex, err := flexzone.Overlay(buf[regions.flexZoneOffset:regions.flexZoneOffset+regions.flexZoneSize], checksumPolicy != layout.ChecksumNone)
	if err != nil {
		seg.Close()
		return nil, newError(LayoutCorrupt, "overlay flex zone", err)
	}
	flex.Init()

	hb, err := heartbeat.Overlay(
		buf[regions.heartbeatEntriesOffset:regions.heartbeatEntriesOffset+regions.heartbeatEntriesSize],
		buf[regions.heartbeatOccOffset:regions.heartbeatOccOffset+regions.heartbeatOccSize],
		opts.HeartbeatCapacity,
	)
	if err != nil {
		seg.Close()
		return nil, newError(LayoutCorrupt, "overlay heartbeat table", err)
	}
	hb.Init()

	control, err := ringproto.OverlayControl(buf[regions.controlOffset : regions.controlOffset+regions.controlSize])
	if err != nil {
		seg.Close()
		return nil, newError(LayoutCorrupt, "overlay ring control", err)
	}

	mutex := robustmutex.New(&hdr.SegmentMutexStorage)

	ring, err := ringproto.Overlay(
		buf[regions.rwStateOffset:regions.rwStateOffset+regions.rwStateSize],
		buf[regions.slotBufferOffset:regions.slotBufferOffset+regions.slotBufferTotal],
		control,
		ringproto.Config{
			Capacity:          int(opts.RingCapacity),
			SlotBufferSize:    int(regions.slotBufferStride),
			ConsumerPolicy:    consumerPolicy,
			ChecksumPolicy:    checksumPolicy,
			Mutex:             mutex,
			Heartbeats:        hb,
			Alive:             platform.IsProcessAlive,
			NowNS:             platform.MonotonicNowNS,
			ReclaimGraceNanos: opts.ReclaimGraceWindowNS,
		},
	)
	if err != nil {
		seg.Close()
		return nil, newError(LayoutCorrupt, "overlay ring", err)
	}
	ring.Init()

	hdr.Finalize()

	return &Segment{
		seg:                seg,
		header:             hdr,
		flex:               flex,
		ring:               ring,
		hb:                 hb,
		mutex:              mutex,
		name:               opts.SegmentName,
		isCreator:          true,
		consumerLivenessNS: opts.ConsumerLivenessNS,
	}, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
