package pylabhub

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Qing-LAB/pylabhub-sub000/config"
	"github.com/Qing-LAB/pylabhub-sub000/internal/platform"
	"github.com/Qing-LAB/pylabhub-sub000/internal/slotstate"
)

func testOpts(t *testing.T, name string, ringCapacity uint32, consumerPolicy, checksumPolicy string) config.CreateOptions {
	t.Helper()
	platform.SetSegmentDir(t.TempDir())
	return config.CreateOptions{
		SegmentName:          name,
		ConsumerPolicy:       consumerPolicy,
		ChecksumPolicy:       checksumPolicy,
		SharedSecret:         0xfeedface,
		RingCapacity:         ringCapacity,
		PageSize:             4096,
		FlexZoneSize:         4096,
		HeartbeatCapacity:    4,
		ConsumerLivenessNS:   time.Second.Nanoseconds(),
		ReclaimGraceWindowNS: 0,
	}
}

type flex16 struct {
	A uint64
	B uint64
}

// Scenario 1 (spec.md §8): happy path round trip under Single_reader,
// Enforced checksum.
func TestHappyPathRoundTrip(t *testing.T) {
	opts := testOpts(t, "ch1", 4, "Single_reader", "Enforced")
	seg, err := CreateSegment[flex16, [64]byte](opts)
	require.NoError(t, err)
	defer seg.Unlink()
	defer seg.Close()

	readerSlot, err := seg.RegisterConsumer()
	require.NoError(t, err)
	defer seg.DeregisterConsumer(readerSlot)

	producer := NewProducer(seg)
	consumer := NewConsumer(seg, readerSlot)

	var payload [64]byte
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	h, err := producer.AcquireWrite(time.Second)
	require.NoError(t, err)
	copy(h.Data, payload[:])
	require.NoError(t, producer.Commit(h, len(payload)))

	rh, err := consumer.AcquireRead(time.Second)
	require.NoError(t, err)
	require.Equal(t, payload[:], rh.Data)
	consumer.Release(rh)
}

// Scenario 2 (spec.md §8): back-pressure. 100 slots flow through a
// capacity-8 Single_reader ring, each valued by its own sequence number;
// the consumer lags the writer so RingFull-driven stalls are exercised,
// and every value must arrive exactly once, strictly in order.
func TestBackpressureDeliversInOrderNoDuplicates(t *testing.T) {
	opts := testOpts(t, "ch2", 8, "Single_reader", "None")
	seg, err := CreateSegment[flex16, [8]byte](opts)
	require.NoError(t, err)
	defer seg.Unlink()
	defer seg.Close()

	readerSlot, err := seg.RegisterConsumer()
	require.NoError(t, err)
	defer seg.DeregisterConsumer(readerSlot)

	producer := NewProducer(seg)
	consumer := NewConsumer(seg, readerSlot)

	const n = 100
	errc := make(chan error, 1)
	go func() {
		for i := 1; i <= n; i++ {
			h, err := producer.AcquireWrite(2 * time.Second)
			if err != nil {
				errc <- err
				return
			}
			var buf [8]byte
			binary.LittleEndian.PutUint64(buf[:], uint64(i))
			copy(h.Data, buf[:])
			if err := producer.Commit(h, len(buf)); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	seen := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		rh, err := consumer.AcquireRead(2 * time.Second)
		require.NoError(t, err)
		seen = append(seen, binary.LittleEndian.Uint64(rh.Data))
		consumer.Release(rh)
	}
	require.NoError(t, <-errc)

	for i, v := range seen {
		require.Equal(t, uint64(i+1), v, "value at position %d out of order or duplicated", i)
	}
}

// Scenario 3 (spec.md §8): latest-only overwrite. A capacity-2 Latest_only
// ring commits far faster than it's read; the consumer must only ever
// observe the most recently committed value, never an intermediate one,
// and every commit must succeed (no DRAINING handoff ever fails outright).
func TestLatestOnlyOverwriteDeliversMostRecentValue(t *testing.T) {
	opts := testOpts(t, "ch3", 2, "Latest_only", "None")
	seg, err := CreateSegment[flex16, [8]byte](opts)
	require.NoError(t, err)
	defer seg.Unlink()
	defer seg.Close()

	producer := NewProducer(seg)
	consumer := NewConsumer(seg, -1)

	for i := 1; i <= 10; i++ {
		h, err := producer.AcquireWrite(time.Second)
		require.NoError(t, err)
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], uint64(i))
		copy(h.Data, buf[:])
		require.NoError(t, producer.Commit(h, len(buf)))
	}

	rh, err := consumer.AcquireRead(time.Second)
	require.NoError(t, err)
	require.Equal(t, uint64(10), binary.LittleEndian.Uint64(rh.Data))
	consumer.Release(rh)
}

// Scenario 4 (spec.md §8): schema mismatch. An attacher declaring a
// different slot payload type than the creator must be refused before any
// payload byte is observed.
func TestSchemaMismatchRefusesAttach(t *testing.T) {
	opts := testOpts(t, "ch4", 4, "Single_reader", "None")
	seg, err := CreateSegment[flex16, struct{ X uint32 }](opts)
	require.NoError(t, err)
	defer seg.Unlink()
	defer seg.Close()

	_, err = AttachSegment[flex16, struct {
		X uint32
		Y uint32
	}]("ch4", opts.SharedSecret, time.Second.Nanoseconds())
	require.Error(t, err)
	require.True(t, errors.Is(err, &Error{Kind: SchemaMismatch}))
}

// Scenario 5 (spec.md §8): zombie writer. A writer that acquires a slot
// and never commits or aborts (simulating a crashed process) must not
// block a subsequent writer forever: once liveness fails and the grace
// window elapses, the slot is reclaimed.
func TestZombieWriterIsReclaimed(t *testing.T) {
	opts := testOpts(t, "ch5", 1, "Latest_only", "None")
	seg, err := CreateSegment[flex16, [8]byte](opts)
	require.NoError(t, err)
	defer seg.Unlink()
	defer seg.Close()

	deadWriter := slotstate.Identity{PID: 999999, TID: 1}
	_, err = seg.ring.AcquireWrite(platform.MonotonicNowNS()+time.Second.Nanoseconds(), deadWriter)
	require.NoError(t, err, "dead-process writer still acquires its own slot")

	producer := NewProducer(seg)
	h, err := producer.AcquireWrite(time.Second)
	require.NoError(t, err, "live writer must reclaim the zombie-held slot")
	require.NoError(t, producer.Commit(h, 0))
}

// Scenario 6 (spec.md §8): corruption detection. Flipping one byte of a
// committed slot under Enforced checksum must surface ChecksumMismatch on
// the next read, and leave the slot released cleanly for a retry.
func TestCorruptionDetectedAsChecksumMismatch(t *testing.T) {
	opts := testOpts(t, "ch6", 4, "Latest_only", "Enforced")
	seg, err := CreateSegment[flex16, [8]byte](opts)
	require.NoError(t, err)
	defer seg.Unlink()
	defer seg.Close()

	producer := NewProducer(seg)
	consumer := NewConsumer(seg, -1)

	h, err := producer.AcquireWrite(time.Second)
	require.NoError(t, err)
	copy(h.Data, []byte("abcdefgh"))
	require.NoError(t, producer.Commit(h, 8))

	h.Data[0] ^= 0xff

	_, err = consumer.AcquireRead(time.Second)
	require.Error(t, err)
	require.True(t, errors.Is(err, &Error{Kind: ChecksumMismatch}))

	// The slot must release cleanly rather than wedge reader_count: a retry
	// against the still-corrupt payload deterministically reports the same
	// mismatch again instead of timing out or panicking.
	_, err = consumer.AcquireRead(time.Second)
	require.Error(t, err)
	require.True(t, errors.Is(err, &Error{Kind: ChecksumMismatch}))
}
