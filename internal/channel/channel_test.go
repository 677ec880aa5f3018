package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinPartMembership(t *testing.T) {
	c := New("#ops")
	m := c.Join("AAAAA", MemberOp)
	require.True(t, m.HasFlag(MemberOp))
	require.Equal(t, 1, c.Len())

	_, ok := c.Member("AAAAA")
	require.True(t, ok)

	require.True(t, c.Part("AAAAA"))
	require.True(t, c.IsEmpty())
	require.False(t, c.Part("AAAAA"), "parting twice should report false")
}

func TestJoinIsIdempotent(t *testing.T) {
	c := New("#ops")
	c.Join("AAAAA", MemberOp)
	m2 := c.Join("AAAAA", 0)
	require.True(t, m2.HasFlag(MemberOp), "re-joining an existing member must not clear its flags")
	require.Equal(t, 1, c.Len())
}

func TestMembersPreservesJoinOrder(t *testing.T) {
	c := New("#ops")
	c.Join("AAAAA", 0)
	c.Join("AAAAB", 0)
	c.Join("AAAAC", 0)

	members := c.Members()
	require.Equal(t, []string{"AAAAA", "AAAAB", "AAAAC"}, []string{members[0].Numnick, members[1].Numnick, members[2].Numnick})
}

func TestBurstingTracksPerServer(t *testing.T) {
	c := New("#ops")
	require.False(t, c.Bursting("HB"))
	c.SetBursting("HB", true)
	require.True(t, c.Bursting("HB"))
	c.SetBursting("HB", false)
	require.False(t, c.Bursting("HB"))
}

func TestRegistryGetOrCreateCaseFolding(t *testing.T) {
	r := NewRegistry()
	ch1, created := r.GetOrCreate("#Ops")
	require.True(t, created)

	ch2, created2 := r.GetOrCreate("#ops")
	require.False(t, created2)
	require.Same(t, ch1, ch2)
}

func TestRegistrySweepDestroysEmptyNonPermanent(t *testing.T) {
	r := NewRegistry()
	empty, _ := r.GetOrCreate("#empty")
	_ = empty

	permanent, _ := r.GetOrCreate("#perm")
	permanent.Modes |= ModePermanent

	occupied, _ := r.GetOrCreate("#occupied")
	occupied.Join("AAAAA", 0)

	destroyed := r.Sweep()
	require.Equal(t, []string{"#empty"}, destroyed)

	_, ok := r.Lookup("#perm")
	require.True(t, ok, "permanent channel must survive sweep even though empty")
	_, ok = r.Lookup("#occupied")
	require.True(t, ok)
	_, ok = r.Lookup("#empty")
	require.False(t, ok)
}
