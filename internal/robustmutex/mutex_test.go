package robustmutex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockUnlockRoundTrip(t *testing.T) {
	var st State
	st.Init()
	m := New(&st)

	inconsistent, err := m.Lock()
	require.NoError(t, err)
	require.False(t, inconsistent)
	require.True(t, m.IsHeld())

	require.NoError(t, m.Unlock())
	require.False(t, m.IsHeld())
}

func TestRecursiveLock(t *testing.T) {
	var st State
	st.Init()
	m := New(&st)

	_, err := m.Lock()
	require.NoError(t, err)
	_, err = m.Lock()
	require.NoError(t, err)

	require.NoError(t, m.Unlock())
	require.True(t, m.IsHeld(), "still held after one of two nested unlocks")
	require.NoError(t, m.Unlock())
	require.False(t, m.IsHeld())
}

func TestUnlockByNonOwner(t *testing.T) {
	var st State
	st.Init()
	// Simulate another process holding the lock.
	st.pid.Store(999999)
	st.tid.Store(1)

	m := New(&st)
	err := m.Unlock()
	require.ErrorIs(t, err, ErrNotOwner)
}

func TestZombieReclaim(t *testing.T) {
	var st State
	st.Init()
	// pid 999999 is assumed not to exist on the test host.
	st.pid.Store(999999)
	st.tid.Store(1)

	m := New(&st)
	ok, inconsistent, err := m.TryLockFor(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, inconsistent)
}

func TestTokenModeRoundTrip(t *testing.T) {
	var st State
	st.Init()
	m := New(&st)

	tok := NextToken()
	m.LockToken(tok)
	require.True(t, m.IsTokenHeld())
	require.NoError(t, m.UnlockToken(tok))
	require.False(t, m.IsTokenHeld())

	require.ErrorIs(t, m.UnlockToken(tok), ErrNotOwner)
}
