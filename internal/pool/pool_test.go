package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRecord struct {
	resets int
	busy   bool
}

func (f *fakeRecord) Poison()    { f.resets++; f.busy = false }
func (f *fakeRecord) Busy() bool { return f.busy }

func newFake() *fakeRecord { return &fakeRecord{} }

func TestAcquirePrimesCapacity(t *testing.T) {
	p := New(4, newFake)
	require.Equal(t, 4, p.Cap())
	require.Equal(t, 0, p.Len())
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(2, newFake)
	r, h := p.Acquire()
	require.NotNil(t, r)
	require.Equal(t, 1, p.Len())

	require.NoError(t, p.Release(h))
	require.Equal(t, 0, p.Len())
	require.Equal(t, 1, r.resets)
}

func TestReleaseRefusesBusyRecord(t *testing.T) {
	p := New(1, newFake)
	r, h := p.Acquire()
	r.busy = true
	err := p.Release(h)
	require.Error(t, err)
	require.Equal(t, 1, p.Len(), "busy record must stay acquired")
}

func TestStaleHandleRejectedAfterRecycle(t *testing.T) {
	p := New(1, newFake)
	_, h1 := p.Acquire()
	require.NoError(t, p.Release(h1))

	_, h2 := p.Acquire()
	require.NotEqual(t, h1.gen, h2.gen)

	_, ok := p.Get(h1)
	require.False(t, ok, "stale handle from a released slot must not resolve")

	_, ok = p.Get(h2)
	require.True(t, ok)
}

func TestAcquireBeyondCapacityGrows(t *testing.T) {
	p := New(1, newFake)
	_, h1 := p.Acquire()
	_, h2 := p.Acquire()
	require.Equal(t, 2, p.Len())
	require.NoError(t, p.Release(h1))
	require.NoError(t, p.Release(h2))
}

func TestDoubleReleaseRejected(t *testing.T) {
	p := New(1, newFake)
	_, h := p.Acquire()
	require.NoError(t, p.Release(h))
	require.Error(t, p.Release(h))
}
