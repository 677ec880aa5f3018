package directory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mkUser(name, numnick string, seen time.Time) *Entity {
	return &Entity{
		Status:    LocalUser,
		Name:      name,
		Numnick:   numnick,
		FirstSeen: seen,
		User:      &UserData{Channels: make(map[string]struct{})},
	}
}

func TestRegisterLookupRoundTrip(t *testing.T) {
	d := New(16)
	e := mkUser("Alice", "AAAAA", time.Unix(100, 0))
	require.NoError(t, d.Register(e))

	got, ok := d.LookupByName("alice")
	require.True(t, ok)
	require.Same(t, e, got)

	got, ok = d.LookupByNumnick("AAAAA")
	require.True(t, ok)
	require.Same(t, e, got)
}

func TestCaseFoldUniqueness(t *testing.T) {
	d := New(16)
	e1 := mkUser("Alice", "AAAAA", time.Unix(100, 0))
	require.NoError(t, d.Register(e1))

	e2 := mkUser("alice", "AAAAB", time.Unix(200, 0))
	err := d.Register(e2)
	require.Error(t, err)
	var ce *CollisionError
	require.ErrorAs(t, err, &ce)
	require.False(t, ce.KillExisting)
	require.False(t, ce.KillBoth)
}

func TestCollisionOlderWins(t *testing.T) {
	d := New(16)
	existing := mkUser("bob", "AAAAA", time.Unix(500, 0))
	require.NoError(t, d.Register(existing))

	incoming := mkUser("bob", "BBAAA", time.Unix(100, 0))
	err := d.Register(incoming)
	var ce *CollisionError
	require.ErrorAs(t, err, &ce)
	require.True(t, ce.KillExisting, "incoming has an earlier FirstSeen, so existing (younger) must be the one killed")
}

func TestCollisionIdenticalTimestampsKillsBoth(t *testing.T) {
	d := New(16)
	ts := time.Unix(500, 0)
	existing := mkUser("carl", "AAAAA", ts)
	require.NoError(t, d.Register(existing))

	incoming := mkUser("carl", "BBAAA", ts)
	err := d.Register(incoming)
	var ce *CollisionError
	require.ErrorAs(t, err, &ce)
	require.True(t, ce.KillBoth)
}

func TestNumnickCollisionIsFatal(t *testing.T) {
	d := New(16)
	require.NoError(t, d.Register(mkUser("alice", "AAAAA", time.Unix(1, 0))))
	err := d.Register(mkUser("someoneelse", "AAAAA", time.Unix(2, 0)))
	require.Error(t, err)
}

func TestUnregisterRemovesFromBothIndices(t *testing.T) {
	d := New(16)
	e := mkUser("dana", "AAAAA", time.Unix(1, 0))
	require.NoError(t, d.Register(e))
	d.Unregister(e)

	_, ok := d.LookupByName("dana")
	require.False(t, ok)
	_, ok = d.LookupByNumnick("AAAAA")
	require.False(t, ok)
}

func TestUnregisterUserRecordsWhowas(t *testing.T) {
	d := New(16)
	e := mkUser("erin", "AAAAA", time.Unix(1, 0))
	e.User.Username = "erinu"
	e.User.Host = "host.example"
	require.NoError(t, d.Register(e))
	d.Unregister(e)

	entries := d.Whowas("ERIN", 0)
	require.Len(t, entries, 1)
	require.Equal(t, "erin", entries[0].Nick)
	require.Equal(t, "erinu", entries[0].Username)
}

func TestWhowasRingEvictsOldestAcrossAllNicks(t *testing.T) {
	d := New(2)
	for i, name := range []string{"a", "b", "c"} {
		e := mkUser(name, Encode3(i), time.Unix(int64(i), 0))
		require.NoError(t, d.Register(e))
		d.Unregister(e)
	}
	require.Empty(t, d.Whowas("a", 0), "oldest entry should have been evicted once the ring filled")
	require.Len(t, d.Whowas("b", 0), 1)
	require.Len(t, d.Whowas("c", 0), 1)
}

// Encode3 is a tiny local helper producing distinct 5-char numnicks for
// table-driven tests without pulling in internal/numnick.
func Encode3(i int) string {
	return string([]byte{'A', 'A', 'A', 'A', byte('A' + i)})
}

func TestHopsToRootCountsSteps(t *testing.T) {
	me := &Entity{Status: Me, Name: "me"}
	s1 := &Entity{Status: StatusServer, Name: "s1", Upstream: me}
	s2 := &Entity{Status: StatusServer, Name: "s2", Upstream: s1}

	hops, err := HopsToRoot(s2, 10)
	require.NoError(t, err)
	require.Equal(t, 2, hops)
}

func TestHopsToRootDetectsCycle(t *testing.T) {
	a := &Entity{Name: "a"}
	b := &Entity{Name: "b", Upstream: a}
	a.Upstream = b

	_, err := HopsToRoot(a, 10)
	require.Error(t, err)
}

func TestHopsToRootExceedsMaxHops(t *testing.T) {
	me := &Entity{Status: Me, Name: "me"}
	cur := me
	for i := 0; i < 5; i++ {
		cur = &Entity{Status: StatusServer, Name: "hop", Upstream: cur}
	}
	_, err := HopsToRoot(cur, 3)
	require.Error(t, err)
}

func TestNetsplitCascadesThroughDescendants(t *testing.T) {
	d := New(16)
	me := &Entity{Status: Me, Name: "me", Numnick: "AA"}
	hub := &Entity{Status: StatusServer, Name: "hub", Numnick: "HB", Upstream: me, Server: &ServerData{}}
	require.NoError(t, d.Register(me))
	require.NoError(t, d.Register(hub))

	leaf := &Entity{Status: StatusServer, Name: "leaf", Numnick: "LF", Upstream: hub, Server: &ServerData{}}
	require.NoError(t, d.Register(leaf))
	LinkServer(leaf, hub)

	var users []*Entity
	for i := 0; i < 3; i++ {
		u := mkUser(string(rune('a'+i)), Encode3(i), time.Unix(int64(i), 0))
		u.Status = StatusUser
		u.Upstream = leaf
		require.NoError(t, d.Register(u))
		users = append(users, u)
	}

	removed := d.Netsplit(hub)
	require.Len(t, removed, 3)

	require.Equal(t, 1, d.Len(), "only Me should remain after the split")
	_, ok := d.LookupByNumnick("HB")
	require.False(t, ok)
	_, ok = d.LookupByNumnick("LF")
	require.False(t, ok)
}
