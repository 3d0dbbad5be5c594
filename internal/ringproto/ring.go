// Package ringproto implements the slot-selection and backpressure logic
// of spec.md §4.E on top of internal/slotstate's per-slot transitions: the
// three consumer sync policies (Latest_only, Single_reader, Sync_reader),
// the writer algorithm (select target under the segment mutex, transition,
// release, write, commit/abort), and the consumer algorithm (acquire-read,
// optional checksum verify, release).
//
// Grounded on other_examples/.../taurusjun-quantlink-trade-system
// mwmr_queue.go: a monotonic cursor (there, atomic.AddInt64 on head)
// selects the array slot while a separately-published trailing sequence
// number proves commit order — generalized here into two counters, writePos
// (the ring cursor, always advances on acquire) and the slot's own
// published Sequence (advances only on a successful Commit), so an abort
// leaves sequence ordering untouched (spec.md §4.C: "abort... sequence
// unchanged") while still deterministically picking the next array index.
package ringproto

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/Qing-LAB/pylabhub-sub000/internal/checksum"
	"github.com/Qing-LAB/pylabhub-sub000/internal/heartbeat"
	"github.com/Qing-LAB/pylabhub-sub000/internal/layout"
	"github.com/Qing-LAB/pylabhub-sub000/internal/robustmutex"
	"github.com/Qing-LAB/pylabhub-sub000/internal/slotstate"
)

var (
	ErrRingFull          = errors.New("ringproto: ring full, slowest reader not yet advanced")
	ErrTimeout           = errors.New("ringproto: deadline elapsed")
	ErrChecksumMismatch  = errors.New("ringproto: slot checksum mismatch")
	ErrNotAcquired       = errors.New("ringproto: index not currently held by caller")
)

// Control is the ring's shared mutable cursor state: the logical write
// cursor (always advances on acquire_write, committed or not) and the
// monotonic commit sequence (advances only on a successful commit).
type Control struct {
	writePos         atomic.Int64
	lastCommittedIdx atomic.Int64
	nextSequence     atomic.Uint64
}

// ControlSize is Control's on-wire size in bytes.
const ControlSize = int(unsafe.Sizeof(Control{}))

// OverlayControl reinterprets buf as a *Control.
func OverlayControl(buf []byte) (*Control, error) {
	if len(buf) < ControlSize {
		return nil, errBufferTooSmall
	}
	return (*Control)(unsafe.Pointer(&buf[0])), nil
}

var errBufferTooSmall = errors.New("ringproto: buffer too small for control block")

// Init resets a Control to its empty-ring state. Called once by the
// segment creator.
func (c *Control) Init() {
	c.writePos.Store(-1)
	c.lastCommittedIdx.Store(-1)
	c.nextSequence.Store(0)
}

// Ring binds a slot-state array, per-slot payload buffers, the segment
// mutex, the heartbeat table, and the shared Control into the full
// producer/consumer protocol for one policy.
type Ring struct {
	capacity       int
	consumerPolicy layout.ConsumerSyncPolicy
	checksumPolicy layout.ChecksumPolicy

	slots    []slotstate.Slot
	data     [][]byte          // writable payload view per slot index
	trailers []*checksum.Digest // nil per index when checksumPolicy == ChecksumNone

	control    *Control
	mutex      *robustmutex.Mutex
	heartbeats *heartbeat.Table

	alive func(pid int32) bool
	nowNS func() int64

	reclaimGraceNanos int64
}

// Config collects Ring's construction parameters.
type Config struct {
	Capacity          int
	SlotBufferSize    int
	ConsumerPolicy    layout.ConsumerSyncPolicy
	ChecksumPolicy    layout.ChecksumPolicy
	Mutex             *robustmutex.Mutex
	Heartbeats        *heartbeat.Table
	Alive             func(pid int32) bool
	NowNS             func() int64
	ReclaimGraceNanos int64
}

// Overlay reinterprets stateBuf as [Capacity]slotstate.Slot and bufferBuf as
// [Capacity]SlotBufferSize-byte payload regions (each ending in a 32-byte
// checksum trailer when cfg.ChecksumPolicy != ChecksumNone), and wires them
// together with the already-constructed mutex/heartbeat/control into a
// Ring.
func Overlay(stateBuf, bufferBuf []byte, control *Control, cfg Config) (*Ring, error) {
	if len(stateBuf) < cfg.Capacity*slotstate.Size {
		return nil, errBufferTooSmall
	}
	if len(bufferBuf) < cfg.Capacity*cfg.SlotBufferSize {
		return nil, errBufferTooSmall
	}

	slots := unsafe.Slice((*slotstate.Slot)(unsafe.Pointer(&stateBuf[0])), cfg.Capacity)

	trailerSize := 0
	if cfg.ChecksumPolicy != layout.ChecksumNone {
		trailerSize = checksum.Size
	}

	data := make([][]byte, cfg.Capacity)
	trailers := make([]*checksum.Digest, cfg.Capacity)
	for i := 0; i < cfg.Capacity; i++ {
		full := bufferBuf[i*cfg.SlotBufferSize : (i+1)*cfg.SlotBufferSize]
		dataSize := cfg.SlotBufferSize - trailerSize
		data[i] = full[:dataSize]
		if trailerSize > 0 {
			trailers[i] = (*checksum.Digest)(unsafe.Pointer(&full[dataSize]))
		}
	}

	return &Ring{
		capacity:          cfg.Capacity,
		consumerPolicy:    cfg.ConsumerPolicy,
		checksumPolicy:    cfg.ChecksumPolicy,
		slots:             slots,
		data:              data,
		trailers:          trailers,
		control:           control,
		mutex:             cfg.Mutex,
		heartbeats:        cfg.Heartbeats,
		alive:             cfg.Alive,
		nowNS:             cfg.NowNS,
		reclaimGraceNanos: cfg.ReclaimGraceNanos,
	}, nil
}

// Init zeroes every slot and payload buffer, and resets Control. Called
// once by the segment creator.
func (r *Ring) Init() {
	for i := range r.slots {
		r.slots[i].Init()
		for j := range r.data[i] {
			r.data[i][j] = 0
		}
		if r.trailers[i] != nil {
			*r.trailers[i] = checksum.Digest{}
		}
	}
	r.control.Init()
}

// Capacity returns the ring's slot count.
func (r *Ring) Capacity() int { return r.capacity }
