package schema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type tickV1 struct {
	TimestampNS uint64
	Price       float64
	Qty         uint32
}

type tickV2 struct {
	TimestampNS uint64
	Price       float64
	Qty         uint64 // widened field changes the BLDS, must change the hash
}

type nested struct {
	Header tickV1
	Flags  uint8
}

func TestDescribeIsStableAndDeterministic(t *testing.T) {
	a := Describe[tickV1]()
	b := Describe[tickV1]()
	require.Equal(t, a, b)
}

func TestDescribeDistinguishesLayouts(t *testing.T) {
	a := Describe[tickV1]()
	b := Describe[tickV2]()
	require.NotEqual(t, a, b)
}

func TestDescribeHandlesNestedStructs(t *testing.T) {
	d := Describe[nested]()
	require.NotZero(t, d)
}

func TestDescribeFundamentalType(t *testing.T) {
	d := Describe[uint64]()
	require.NotZero(t, d)
}
