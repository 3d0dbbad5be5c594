package slotstate

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeToCommittedToFree(t *testing.T) {
	var s Slot
	s.Init()

	writer := Identity{PID: 1, TID: 1}
	require.True(t, s.AcquireWriteFree(writer, 0))
	require.False(t, s.AcquireWriteFree(writer, 0), "second writer must not also acquire")

	require.True(t, s.Commit(1, 32, true))
	snap := s.Load()
	require.Equal(t, Committed, snap.State)
	require.Equal(t, uint64(1), snap.Sequence)
	require.True(t, snap.ChecksumValid)
	require.Equal(t, uint32(32), snap.Length)
}

func TestAbortReturnsToFree(t *testing.T) {
	var s Slot
	s.Init()

	require.True(t, s.AcquireWriteFree(Identity{PID: 1}, 0))
	require.True(t, s.Abort())
	require.Equal(t, Free, s.Load().State)
	require.Equal(t, uint64(0), s.Load().Sequence)
}

func TestReaderRefcounting(t *testing.T) {
	var s Slot
	s.Init()
	require.True(t, s.AcquireWriteFree(Identity{PID: 1}, 0))
	require.True(t, s.Commit(1, 32, true))

	require.True(t, s.AcquireRead())
	require.True(t, s.AcquireRead())
	require.Equal(t, Reading, s.Load().State)
	require.Equal(t, uint32(2), s.Load().ReaderCount)

	st, ok := s.ReleaseRead()
	require.True(t, ok)
	require.Equal(t, Reading, st)

	st, ok = s.ReleaseRead()
	require.True(t, ok)
	require.Equal(t, Committed, st)
}

func TestWraparoundNoReaders(t *testing.T) {
	var s Slot
	s.Init()
	require.True(t, s.AcquireWriteFree(Identity{PID: 1}, 0))
	require.True(t, s.Commit(1, 32, true))

	require.True(t, s.AcquireWriteWraparoundNoReaders(Identity{PID: 1}, 0))
	require.Equal(t, Writing, s.Load().State)
	require.True(t, s.Commit(2, 32, true))
}

func TestWraparoundDrainingHandoff(t *testing.T) {
	var s Slot
	s.Init()
	require.True(t, s.AcquireWriteFree(Identity{PID: 1}, 0))
	require.True(t, s.Commit(1, 32, true))
	require.True(t, s.AcquireRead())

	require.False(t, s.AcquireWriteWraparoundNoReaders(Identity{PID: 1}, 0), "reader attached, must not steal slot")
	require.True(t, s.AcquireWriteWraparoundDraining(Identity{PID: 1}, 0))
	require.Equal(t, Draining, s.Load().State)

	st, ok := s.ReleaseRead()
	require.True(t, ok)
	require.Equal(t, Writing, st, "last reader release hands slot to waiting writer")

	require.True(t, s.Commit(2, 32, true))
}

func TestWriterTimeoutAbortsDraining(t *testing.T) {
	var s Slot
	s.Init()
	require.True(t, s.AcquireWriteFree(Identity{PID: 1}, 0))
	require.True(t, s.Commit(1, 32, true))
	require.True(t, s.AcquireRead())
	require.True(t, s.AcquireWriteWraparoundDraining(Identity{PID: 1}, 0))

	require.True(t, s.AbortDraining())
	require.Equal(t, Committed, s.Load().State)
	require.Equal(t, uint32(1), s.Load().ReaderCount, "reader keeps reading after writer gives up")

	st, ok := s.ReleaseRead()
	require.True(t, ok)
	require.Equal(t, Committed, st)
}

func TestForceReclaimWriting(t *testing.T) {
	var s Slot
	s.Init()
	require.True(t, s.AcquireWriteFree(Identity{PID: 999999}, 0))
	require.True(t, s.ForceReclaimWriting())
	require.Equal(t, Free, s.Load().State)
}

func TestForceReclaimDrainingPreservesReaders(t *testing.T) {
	var s Slot
	s.Init()
	require.True(t, s.AcquireWriteFree(Identity{PID: 1}, 0))
	require.True(t, s.Commit(1, 32, true))
	require.True(t, s.AcquireRead())
	require.True(t, s.AcquireWriteWraparoundDraining(Identity{PID: 999999}, 0))

	require.True(t, s.ForceReclaimDraining())
	require.Equal(t, Committed, s.Load().State)
	require.Equal(t, uint32(1), s.Load().ReaderCount)
}

func TestForceDecrementReaderCountCompletesHandoff(t *testing.T) {
	var s Slot
	s.Init()
	require.True(t, s.AcquireWriteFree(Identity{PID: 1}, 0))
	require.True(t, s.Commit(1, 32, true))
	require.True(t, s.AcquireRead())
	require.True(t, s.AcquireWriteWraparoundDraining(Identity{PID: 1}, 0))

	st, ok := s.ForceDecrementReaderCount()
	require.True(t, ok)
	require.Equal(t, Writing, st)
}
