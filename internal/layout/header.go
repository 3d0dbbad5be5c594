// Package layout defines the fixed, one-page segment header (spec.md §4.D):
// magic, version, region offsets, policy enums, schema hashes, and a
// checksum covering the whole header. The header is overlaid directly onto
// the first page of the mmap'd segment the same way feeder/shm/matrix.go
// overlays ShmMarketState onto its mmap'd region, via unsafe.Pointer cast
// plus an init()-time unsafe.Sizeof assertion.
package layout

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/crypto/blake2b"

	"github.com/Qing-LAB/pylabhub-sub000/internal/robustmutex"
)

// Magic identifies the on-wire format. Chosen arbitrarily; attach fails if a
// segment doesn't start with this value.
const Magic uint64 = 0x444154414200424c // "DATAB\0BL" in big-endian byte order

// CurrentVersion is the layout_version this build writes and accepts.
const CurrentVersion uint32 = 1

// ConsumerSyncPolicy selects how committed slots are routed to readers.
type ConsumerSyncPolicy uint8

const (
	LatestOnly ConsumerSyncPolicy = iota
	SingleReader
	SyncReader
)

func (p ConsumerSyncPolicy) String() string {
	switch p {
	case LatestOnly:
		return "Latest_only"
	case SingleReader:
		return "Single_reader"
	case SyncReader:
		return "Sync_reader"
	default:
		return "unknown"
	}
}

// ChecksumPolicy selects whether/how per-slot digests are maintained.
type ChecksumPolicy uint8

const (
	ChecksumNone ChecksumPolicy = iota
	ChecksumEnforced
	ChecksumManual
)

func (p ChecksumPolicy) String() string {
	switch p {
	case ChecksumNone:
		return "None"
	case ChecksumEnforced:
		return "Enforced"
	case ChecksumManual:
		return "Manual"
	default:
		return "unknown"
	}
}

// RingPolicy selects the ring buffer's slot-management discipline. Only one
// value exists today (spec.md §6 "ring_policy ∈ {RingBuffer}"); the field is
// kept as an explicit enum so a future addition doesn't change the wire
// layout.
type RingPolicy uint8

const (
	RingBuffer RingPolicy = iota
)

func (p RingPolicy) String() string {
	switch p {
	case RingBuffer:
		return "RingBuffer"
	default:
		return "unknown"
	}
}

// Header is the segment's fixed, one-page preamble. Field order and sizes
// are the normative wire layout (spec.md §4.D); reordering or resizing a
// field is a breaking format change and must bump CurrentVersion.
type Header struct {
	Magic      uint64
	Version    uint32
	HeaderSize uint32

	PageSize       uint32
	SlotSize       uint32
	SlotBufferSize uint32
	RingCapacity   uint32

	FlexZoneSize   uint32
	FlexZoneOffset uint32

	RWStateArrayOffset    uint32
	SlotBufferArrayOffset uint32
	HeartbeatTableOffset  uint32
	HeartbeatCapacity     uint32
	HeartbeatOccOffset    uint32
	RingControlOffset     uint32
	SegmentTotalSize      uint32

	ReclaimGraceWindowNS int64

	ConsumerSyncPolicy ConsumerSyncPolicy
	ChecksumPolicy     ChecksumPolicy
	RingPolicy         RingPolicy
	_                  uint8 // pad to 4-byte boundary

	SharedSecret uint64

	FlexZoneSchemaHash [32]byte
	SlotSchemaHash     [32]byte

	SegmentMutexStorage robustmutex.State

	LayoutChecksum [32]byte
}

// Size is the on-wire size of Header in bytes.
const Size = int(unsafe.Sizeof(Header{}))

func init() {
	if Size%8 != 0 {
		panic(fmt.Sprintf("layout: Header size %d is not 8-byte aligned", Size))
	}
}

// checksumPayloadSize is Size minus the trailing LayoutChecksum field.
const checksumPayloadSize = Size - 32

var (
	ErrBadMagic      = errors.New("layout: bad magic")
	ErrBadVersion    = errors.New("layout: unrecognised layout version")
	ErrBadChecksum   = errors.New("layout: layout checksum mismatch")
	ErrBufferTooSmall = errors.New("layout: buffer too small for header")
)

// Overlay reinterprets the first Size bytes of buf as a *Header, the same
// struct-overlay-on-mmap technique as feeder/shm/matrix.go's
// unsafe.Pointer(&data[0]) cast. buf must outlive the returned pointer and
// must not be reallocated (it should be the live mmap slice).
func Overlay(buf []byte) (*Header, error) {
	if len(buf) < Size {
		return nil, ErrBufferTooSmall
	}
	return (*Header)(unsafe.Pointer(&buf[0])), nil
}

// bytes returns the raw byte view of the header's checksum payload (every
// field except LayoutChecksum itself), for hashing.
func (h *Header) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(h)), checksumPayloadSize)
}

// ComputeChecksum hashes every header field preceding LayoutChecksum.
func (h *Header) ComputeChecksum() [32]byte {
	return blake2b.Sum256(h.bytes())
}

// Finalize stamps LayoutChecksum after every other field has been set. Must
// be called exactly once by the segment creator, after zeroing the whole
// header and populating every field including SegmentMutexStorage.Init().
func (h *Header) Finalize() {
	h.Magic = Magic
	h.Version = CurrentVersion
	h.HeaderSize = uint32(Size)
	h.LayoutChecksum = h.ComputeChecksum()
}

// Validate recomputes the layout checksum and checks magic/version, per
// spec.md §4.D: "At attach time the core recomputes the layout checksum and
// compares. A mismatch indicates a torn initialisation or a version-skewed
// attacher; attach fails."
func (h *Header) Validate() error {
	if h.Magic != Magic {
		return ErrBadMagic
	}
	if h.Version != CurrentVersion {
		return ErrBadVersion
	}
	if h.ComputeChecksum() != h.LayoutChecksum {
		return ErrBadChecksum
	}
	return nil
}
