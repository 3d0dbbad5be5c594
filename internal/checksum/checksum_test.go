package checksum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeVerifyRoundTrip(t *testing.T) {
	payload := []byte("hello datablock")
	d := Compute(payload)
	require.NoError(t, Verify(payload, d))
}

func TestVerifyDetectsCorruption(t *testing.T) {
	payload := []byte("hello datablock")
	d := Compute(payload)

	corrupted := append([]byte(nil), payload...)
	corrupted[0] ^= 0xff

	require.ErrorIs(t, Verify(corrupted, d), ErrMismatch)
}
