package numnick

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 63, 64, 4095, 4096, 262143} {
		enc := Encode(n, 3)
		require.Len(t, enc, 3)
		dec, err := Decode(enc)
		require.NoError(t, err)
		require.Equal(t, n, dec)
	}
}

func TestEncodeOverflowPanics(t *testing.T) {
	require.Panics(t, func() { Encode(Capacity(2), 2) })
}

func TestDecodeInvalidCharacter(t *testing.T) {
	_, err := Decode("A!")
	require.Error(t, err)
}

func TestAllocatorAcquireReleaseRecycles(t *testing.T) {
	a := NewAllocator(2)
	n1, s1, err := a.Acquire()
	require.NoError(t, err)
	require.Equal(t, "AA", s1)
	require.True(t, a.InUse(n1))

	n2, s2, err := a.Acquire()
	require.NoError(t, err)
	require.Equal(t, "AB", s2)

	a.Release(n1)
	require.False(t, a.InUse(n1))
	require.Equal(t, 1, a.Len())

	n3, _, err := a.Acquire()
	require.NoError(t, err)
	require.Equal(t, n1, n3, "released slot should be recycled before advancing next")
	require.NotEqual(t, n2, n3)
}

func TestAllocatorExhaustion(t *testing.T) {
	a := NewAllocator(1)
	for i := 0; i < Capacity(1); i++ {
		_, _, err := a.Acquire()
		require.NoError(t, err)
	}
	_, _, err := a.Acquire()
	require.Error(t, err)
}

func TestReleaseUnusedIsNoop(t *testing.T) {
	a := NewAllocator(2)
	a.Release(5)
	require.Equal(t, 0, a.Len())
}
