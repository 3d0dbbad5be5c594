// Package flexzone implements the typed control-metadata region described
// in spec.md §4.F: "a single typed region written by the producer and
// readable without slot acquisition... Writers mutate it under the segment
// mutex; readers observe it with acquire semantics."
//
// The segment mutex only serializes writers against each other; it is
// never held by readers (spec.md §5: "only serialising lock and guards
// only the write-index selection and writer-state transition steps"). To
// give concurrent lock-free readers a torn-write-free view, the zone
// reserves an 8-byte version counter at the tail of its backing buffer and
// runs the same odd-during-write/even-after-write seqlock discipline as
// feeder/shm/matrix.go's ShmBboMessage.Seqlock field, generalized from a
// fixed struct to an arbitrary-length byte region.
package flexzone

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/Qing-LAB/pylabhub-sub000/internal/checksum"
)

const versionSize = 8

var (
	ErrBufferTooSmall = errors.New("flexzone: buffer too small for data plus trailer")
	ErrNoChecksum     = errors.New("flexzone: zone was not configured with a checksum")
)

// Zone is a typed flex-zone region overlaid on shared memory: [data bytes]
// [optional 32-byte checksum][8-byte version counter].
type Zone struct {
	data     []byte
	digest   *checksum.Digest // nil if the zone has no checksum
	version  *atomic.Uint64
}

// TrailerSize returns the number of bytes Overlay reserves beyond the
// caller's declared data size: the version counter, plus a checksum slot
// when withChecksum is true.
func TrailerSize(withChecksum bool) int {
	if withChecksum {
		return checksum.Size + versionSize
	}
	return versionSize
}

// Overlay reinterprets buf as a Zone whose data region is the first
// len(buf)-TrailerSize(withChecksum) bytes. buf must be at least that long
// and must be the live mmap slice (spec.md §6: "flex_zone_size... must fit"
// is enforced by the caller at creation time; Overlay only checks it has
// enough room for the trailer it itself needs).
func Overlay(buf []byte, withChecksum bool) (*Zone, error) {
	trailer := TrailerSize(withChecksum)
	if len(buf) < trailer {
		return nil, ErrBufferTooSmall
	}
	dataSize := len(buf) - trailer
	z := &Zone{data: buf[:dataSize]}

	offset := dataSize
	if withChecksum {
		z.digest = (*checksum.Digest)(unsafe.Pointer(&buf[offset]))
		offset += checksum.Size
	}
	z.version = (*atomic.Uint64)(unsafe.Pointer(&buf[offset]))
	return z, nil
}

// Init zeroes the data region, checksum (if present), and version counter.
// Called once by the segment creator.
func (z *Zone) Init() {
	for i := range z.data {
		z.data[i] = 0
	}
	if z.digest != nil {
		*z.digest = checksum.Digest{}
	}
	z.version.Store(0)
}

// DataSize returns the length of the typed data region, excluding trailer.
func (z *Zone) DataSize() int { return len(z.data) }

// HasChecksum reports whether this zone was configured with a checksum.
func (z *Zone) HasChecksum() bool { return z.digest != nil }

// Write runs fn with direct access to the data region, under the seqlock
// write phase. Caller must already hold the segment mutex (spec.md §4.F).
func (z *Zone) Write(fn func(data []byte)) {
	z.version.Add(1) // odd: write in progress
	fn(z.data)
	z.version.Add(1) // even: write complete, release
}

// Read copies the zone's data into dst (which must be at least DataSize()
// long), retrying if a concurrent writer was observed mid-write. It never
// blocks: under sustained writer contention it simply keeps retrying, same
// as the teacher's seqlock reader loop.
func (z *Zone) Read(dst []byte) {
	for {
		v1 := z.version.Load()
		if v1&1 != 0 {
			continue
		}
		copy(dst, z.data)
		if z.version.Load() == v1 {
			return
		}
	}
}

// UpdateChecksum computes and stores the digest over the current data
// region. Caller must hold the segment mutex and must call this from
// inside Write's fn (or immediately after Write returns) so the stored
// digest reflects a complete write.
func (z *Zone) UpdateChecksum() error {
	if z.digest == nil {
		return ErrNoChecksum
	}
	*z.digest = checksum.Compute(z.data)
	return nil
}

// VerifyChecksum recomputes the digest over the current data region and
// compares it against the stored one.
func (z *Zone) VerifyChecksum() error {
	if z.digest == nil {
		return ErrNoChecksum
	}
	return checksum.Verify(z.data, *z.digest)
}
