package pylabhub

import (
	"reflect"

	"github.com/Qing-LAB/pylabhub-sub000/internal/flexzone"
	"github.com/Qing-LAB/pylabhub-sub000/internal/heartbeat"
	"github.com/Qing-LAB/pylabhub-sub000/internal/layout"
	"github.com/Qing-LAB/pylabhub-sub000/internal/platform"
	"github.com/Qing-LAB/pylabhub-sub000/internal/ringproto"
	"github.com/Qing-LAB/pylabhub-sub000/internal/robustmutex"
	"github.com/Qing-LAB/pylabhub-sub000/schema"
)

// AttachSegment opens an existing named segment, validates its header
// (magic, version, layout checksum), and checks it was created with the
// shared secret and structural schemas the caller declares (spec.md §6
// "Segment attachment": "mismatches... cause attach to fail with a typed
// error rather than silently interoperating with a differently-shaped
// peer"). Flex and Slot must match the types CreateSegment was instantiated
// with by the segment's creator.
func AttachSegment[Flex, Slot any](name string, sharedSecret uint64, consumerLivenessNS int64) (*Segment, error) {
	seg, err := platform.Attach(name)
	if err != nil {
		return nil, newError(PlatformError, "attach segment", err)
	}

	buf := seg.Data()

	hdr, err := layout.Overlay(buf)
	if err != nil {
		seg.Close()
		return nil, newError(LayoutCorrupt, "overlay header", err)
	}

	if err := hdr.Validate(); err != nil {
		seg.Close()
		return nil, newError(LayoutCorrupt, "validate header", err)
	}
	if hdr.SharedSecret != sharedSecret {
		seg.Close()
		return nil, newError(SecretMismatch, "shared secret does not match segment", nil)
	}

	wantFlex := schema.Describe[Flex]()
	wantSlot := schema.Describe[Slot]()
	if hdr.FlexZoneSchemaHash != wantFlex {
		seg.Close()
		return nil, newError(SchemaMismatch, "flex zone schema does not match segment", nil)
	}
	if hdr.SlotSchemaHash != wantSlot {
		seg.Close()
		return nil, newError(SchemaMismatch, "slot payload schema does not match segment", nil)
	}

	var zeroSlot Slot
	slotPayloadSize := int(reflect.TypeOf(zeroSlot).Size())
	if uint32(slotPayloadSize) != hdr.SlotSize {
		seg.Close()
		return nil, newError(SchemaMismatch, "slot payload size does not match segment", nil)
	}

	flexZoneEnd := hdr.FlexZoneOffset + hdr.FlexZoneSize
	flex, err := flexzone.Overlay(buf[hdr.FlexZoneOffset:flexZoneEnd], hdr.ChecksumPolicy != layout.ChecksumNone)
	if err != nil {
		seg.Close()
		return nil, newError(LayoutCorrupt, "overlay flex zone", err)
	}

	heartbeatCapacity := int(hdr.HeartbeatCapacity)
	heartbeatEntriesSize := uint32(heartbeatCapacity * heartbeat.EntrySize)
	heartbeatOccSize := uint32(heartbeat.OccupancyBytes(heartbeatCapacity))

	hb, err := heartbeat.Overlay(
		buf[hdr.HeartbeatTableOffset:hdr.HeartbeatTableOffset+heartbeatEntriesSize],
		buf[hdr.HeartbeatOccOffset:hdr.HeartbeatOccOffset+heartbeatOccSize],
		heartbeatCapacity,
	)
	if err != nil {
		seg.Close()
		return nil, newError(LayoutCorrupt, "overlay heartbeat table", err)
	}

	control, err := ringproto.OverlayControl(buf[hdr.RingControlOffset : hdr.RingControlOffset+uint32(ringproto.ControlSize)])
	if err != nil {
		seg.Close()
		return nil, newError(LayoutCorrupt, "overlay ring control", err)
	}

	mutex := robustmutex.New(&hdr.SegmentMutexStorage)

	ring, err := ringproto.Overlay(
		buf[hdr.RWStateArrayOffset:hdr.SlotBufferArrayOffset],
		buf[hdr.SlotBufferArrayOffset:hdr.HeartbeatTableOffset],
		control,
		ringproto.Config{
			Capacity:          int(hdr.RingCapacity),
			SlotBufferSize:    int(hdr.SlotBufferSize),
			ConsumerPolicy:    hdr.ConsumerSyncPolicy,
			ChecksumPolicy:    hdr.ChecksumPolicy,
			Mutex:             mutex,
			Heartbeats:        hb,
			Alive:             platform.IsProcessAlive,
			NowNS:             platform.MonotonicNowNS,
			ReclaimGraceNanos: hdr.ReclaimGraceWindowNS,
		},
	)
	if err != nil {
		seg.Close()
		return nil, newError(LayoutCorrupt, "overlay ring", err)
	}

	return &Segment{
		seg:                seg,
		header:             hdr,
		flex:               flex,
		ring:               ring,
		hb:                 hb,
		mutex:              mutex,
		name:               name,
		isCreator:          false,
		consumerLivenessNS: consumerLivenessNS,
	}, nil
}
