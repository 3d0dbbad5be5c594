package layout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFinalizeAndValidateRoundTrip(t *testing.T) {
	buf := make([]byte, Size)
	h, err := Overlay(buf)
	require.NoError(t, err)

	h.PageSize = 4096
	h.SlotSize = 256
	h.SlotBufferSize = 256
	h.RingCapacity = 16
	h.ConsumerSyncPolicy = SyncReader
	h.ChecksumPolicy = ChecksumEnforced
	h.RingPolicy = RingBuffer
	h.SharedSecret = 0xdeadbeef
	h.SegmentMutexStorage.Init()
	h.Finalize()

	require.NoError(t, h.Validate())
}

func TestValidateRejectsBadMagic(t *testing.T) {
	buf := make([]byte, Size)
	h, err := Overlay(buf)
	require.NoError(t, err)
	h.Finalize()

	h.Magic = 0
	require.ErrorIs(t, h.Validate(), ErrBadMagic)
}

func TestValidateRejectsTornWrite(t *testing.T) {
	buf := make([]byte, Size)
	h, err := Overlay(buf)
	require.NoError(t, err)
	h.Finalize()

	h.RingCapacity = 999 // mutate after finalize without re-stamping checksum
	require.ErrorIs(t, h.Validate(), ErrBadChecksum)
}

func TestOverlayRejectsShortBuffer(t *testing.T) {
	_, err := Overlay(make([]byte, 4))
	require.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestPolicyStringers(t *testing.T) {
	require.Equal(t, "Latest_only", LatestOnly.String())
	require.Equal(t, "Single_reader", SingleReader.String())
	require.Equal(t, "Sync_reader", SyncReader.String())
	require.Equal(t, "None", ChecksumNone.String())
	require.Equal(t, "Enforced", ChecksumEnforced.String())
	require.Equal(t, "Manual", ChecksumManual.String())
	require.Equal(t, "RingBuffer", RingBuffer.String())
}
