package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Qing-LAB/pylabhub-sub000"
	"github.com/Qing-LAB/pylabhub-sub000/config"
	"github.com/Qing-LAB/pylabhub-sub000/internal/platform"
)

type flex8 struct{ V uint64 }

func newTestSegment(t *testing.T, name string, ringCapacity uint32, consumerPolicy string) *pylabhub.Segment {
	t.Helper()
	platform.SetSegmentDir(t.TempDir())

	opts := config.CreateOptions{
		SegmentName:          name,
		ConsumerPolicy:       consumerPolicy,
		ChecksumPolicy:       "None",
		SharedSecret:         0x1234,
		RingCapacity:         ringCapacity,
		PageSize:             4096,
		FlexZoneSize:         4096,
		HeartbeatCapacity:    4,
		ConsumerLivenessNS:   time.Second.Nanoseconds(),
		ReclaimGraceWindowNS: 0,
	}
	seg, err := pylabhub.CreateSegment[flex8, [8]byte](opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		seg.Close()
		seg.Unlink()
	})
	return seg
}

func TestWithWriteTransactionCommitsOnSuccess(t *testing.T) {
	seg := newTestSegment(t, "tx1", 2, "Latest_only")
	producer := pylabhub.NewProducer(seg)
	consumer := pylabhub.NewConsumer(seg, -1)

	err := WithWriteTransaction(context.Background(), producer, time.Second, func(tx *WriteTx) error {
		copy(tx.Data(), []byte("hi"))
		tx.SetLength(2)
		return nil
	})
	require.NoError(t, err)

	rh, err := consumer.AcquireRead(time.Second)
	require.NoError(t, err)
	require.Equal(t, "hi", string(rh.Data))
	consumer.Release(rh)
}

func TestWithWriteTransactionAbortsOnBodyError(t *testing.T) {
	seg := newTestSegment(t, "tx2", 1, "Latest_only")
	producer := pylabhub.NewProducer(seg)

	bodyErr := errors.New("body failed")
	err := WithWriteTransaction(context.Background(), producer, time.Second, func(tx *WriteTx) error {
		return bodyErr
	})
	require.ErrorIs(t, err, bodyErr)

	// Capacity 1: if the slot wasn't actually released back to FREE, this
	// next acquire would block and time out.
	h, err := producer.AcquireWrite(100 * time.Millisecond)
	require.NoError(t, err, "aborted slot must be reacquirable")
	require.NoError(t, producer.Commit(h, 0))
}

func TestWithWriteTransactionAbortsOnExplicitAbort(t *testing.T) {
	seg := newTestSegment(t, "tx3", 1, "Latest_only")
	producer := pylabhub.NewProducer(seg)

	err := WithWriteTransaction(context.Background(), producer, time.Second, func(tx *WriteTx) error {
		tx.Abort()
		return nil
	})
	require.NoError(t, err)

	h, err := producer.AcquireWrite(100 * time.Millisecond)
	require.NoError(t, err, "explicitly aborted slot must be reacquirable")
	require.NoError(t, producer.Commit(h, 0))
}

func TestWithWriteTransactionAbortsAndRepanicsOnPanic(t *testing.T) {
	seg := newTestSegment(t, "tx4", 1, "Latest_only")
	producer := pylabhub.NewProducer(seg)

	require.PanicsWithValue(t, "boom", func() {
		_ = WithWriteTransaction(context.Background(), producer, time.Second, func(tx *WriteTx) error {
			panic("boom")
		})
	})

	h, err := producer.AcquireWrite(100 * time.Millisecond)
	require.NoError(t, err, "slot must be aborted before the panic repropagates")
	require.NoError(t, producer.Commit(h, 0))
}

func TestSlotsIteratesAndStopsOnClosing(t *testing.T) {
	seg := newTestSegment(t, "tx5", 4, "Single_reader")
	producer := pylabhub.NewProducer(seg)
	readerSlot, err := seg.RegisterConsumer()
	require.NoError(t, err)
	consumer := pylabhub.NewConsumer(seg, readerSlot)

	for i := 0; i < 3; i++ {
		h, err := producer.AcquireWrite(time.Second)
		require.NoError(t, err)
		h.Data[0] = byte(i)
		require.NoError(t, producer.Commit(h, 1))
	}

	closed := false
	var got []byte
	var sawClosed bool
	count := 0
	for rh, err := range Slots(context.Background(), consumer, time.Second, func() bool { return closed }) {
		if err != nil {
			require.ErrorIs(t, err, ErrChannelClosed)
			sawClosed = true
			break
		}
		got = append(got, rh.Data[0])
		count++
		if count == 3 {
			closed = true
		}
	}

	require.Equal(t, []byte{0, 1, 2}, got)
	require.True(t, sawClosed, "iterator must yield ErrChannelClosed once closing() reports true")
}

func TestSlotsEarlyBreakStillReleasesHandle(t *testing.T) {
	seg := newTestSegment(t, "tx6", 1, "Latest_only")
	producer := pylabhub.NewProducer(seg)
	consumer := pylabhub.NewConsumer(seg, -1)

	h, err := producer.AcquireWrite(time.Second)
	require.NoError(t, err)
	h.Data[0] = 7
	require.NoError(t, producer.Commit(h, 1))

	for range Slots(context.Background(), consumer, time.Second, nil) {
		break
	}

	// Capacity 1, Latest_only: a stuck reader would leave the slot DRAINING
	// forever and block this overwrite.
	h2, err := producer.AcquireWrite(100 * time.Millisecond)
	require.NoError(t, err, "range-over-func cleanup must have released the in-flight read handle")
	require.NoError(t, producer.Commit(h2, 1))
}
