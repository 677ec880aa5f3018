package lifecycle

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ircd/internal/channel"
	"ircd/internal/config"
	"ircd/internal/connection"
	"ircd/internal/directory"
	"ircd/internal/send"
)

type fixture struct {
	dir   *directory.Directory
	chans *channel.Registry
	eng   *send.Engine
	adm   *config.Admission
	me    *directory.Entity
	ctl   *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := directory.New(16)
	chans := channel.NewRegistry()
	eng := send.NewEngine(dir, chans)

	me := &directory.Entity{
		Status:  directory.Me,
		Name:    "hub.example",
		Numnick: "AA",
		Server:  &directory.ServerData{},
	}
	require.NoError(t, dir.Register(me))

	snap, err := config.Parse([]byte(`
[local]
server_name = "hub.example"
numnick = "AA"

[[class]]
name = "default"
max_links = 100

[[client]]
host = "*"
class = "default"
`))
	require.NoError(t, err)
	adm := config.NewAdmission(snap)

	return &fixture{
		dir: dir, chans: chans, eng: eng, adm: adm, me: me,
		ctl: NewController(dir, chans, eng, adm, me),
	}
}

func (f *fixture) addLocalUser(t *testing.T, nick, numnick string) (*directory.Entity, *connection.Connection) {
	t.Helper()
	e := &directory.Entity{
		Status:    directory.LocalUser,
		Name:      nick,
		Numnick:   numnick,
		Upstream:  f.me,
		FirstSeen: time.Now(),
		User: &directory.UserData{
			Username: strings.ToLower(nick),
			Host:     "host.example",
			Channels: make(map[string]struct{}),
		},
	}
	require.NoError(t, f.dir.Register(e))
	conn := connection.New()
	f.eng.Bind(numnick, conn)
	return e, conn
}

func (f *fixture) join(e *directory.Entity, chName string) *channel.Channel {
	ch, _ := f.chans.GetOrCreate(chName)
	ch.Join(e.Numnick, 0)
	e.User.Channels[directory.CaseFold(chName)] = struct{}{}
	return ch
}

func drainAll(t *testing.T, c *connection.Connection) string {
	t.Helper()
	var out []byte
	_, _, err := c.Drain(1<<20, func(b []byte) (int, error) {
		out = append(out, b...)
		return len(b), nil
	})
	require.NoError(t, err)
	return string(out)
}

func TestExitClientFullSequence(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.addLocalUser(t, "alice", "AAAAA")
	bob, bobConn := f.addLocalUser(t, "bob", "AAAAB")
	ch := f.join(alice, "#ops")
	f.join(bob, "#ops")

	var releasedNicks []string
	f.ctl.ReleaseEntity = func(e *directory.Entity) { releasedNicks = append(releasedNicks, e.Name) }
	var closedReason string
	f.ctl.CloseConn = func(numnick, reason string) { closedReason = reason }

	f.ctl.ExitClient(alice, alice, "bye")

	out := drainAll(t, bobConn)
	require.Contains(t, out, ":alice!alice@host.example QUIT :bye\r\n")

	_, ok := f.dir.LookupByName("alice")
	require.False(t, ok, "alice must be unregistered")
	_, member := ch.Member("AAAAA")
	require.False(t, member, "alice must be detached from #ops")

	entries := f.dir.Whowas("alice", 0)
	require.Len(t, entries, 1, "whowas must record the departure after unregister")

	require.Equal(t, []string{"alice"}, releasedNicks)
	require.Equal(t, "bye", closedReason)
}

func TestExitClientSweepsEmptiedChannel(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.addLocalUser(t, "alice", "AAAAA")
	f.join(alice, "#solo")

	f.ctl.ExitClient(alice, alice, "bye")

	_, ok := f.chans.Lookup("#solo")
	require.False(t, ok, "empty non-permanent channel must be destroyed")
}

func TestExitClientSparesPermanentChannel(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.addLocalUser(t, "alice", "AAAAA")
	ch := f.join(alice, "#keep")
	ch.Modes |= channel.ModePermanent

	f.ctl.ExitClient(alice, alice, "bye")

	_, ok := f.chans.Lookup("#keep")
	require.True(t, ok, "+P channel survives emptying")
}

// Netsplit: a server link drops, every downstream user is removed
// with QUITs delivered to remaining locals sharing a channel, and empty
// channels are reclaimed.
func TestSquitCascades(t *testing.T) {
	f := newFixture(t)
	bob, bobConn := f.addLocalUser(t, "bob", "AAAAB")
	f.join(bob, "#ops")

	remote := &directory.Entity{
		Status:   directory.LocalServer,
		Name:     "leaf.example",
		Numnick:  "AB",
		Upstream: f.me,
		Server:   &directory.ServerData{HopCount: 1},
	}
	require.NoError(t, f.dir.Register(remote))
	f.eng.Bind("AB", connection.New())

	carol := &directory.Entity{
		Status:    directory.StatusUser,
		Name:      "carol",
		Numnick:   "ABAAA",
		Upstream:  remote,
		FirstSeen: time.Now(),
		User: &directory.UserData{
			Username: "carol", Host: "c.example",
			Channels: map[string]struct{}{"#ops": {}},
		},
	}
	require.NoError(t, f.dir.Register(carol))
	ch, _ := f.chans.Lookup("#ops")
	ch.Join("ABAAA", 0)

	before := f.dir.Len()
	f.ctl.Squit(f.me, remote, "read error")

	require.Equal(t, before-2, f.dir.Len(), "server and its user both removed")
	out := drainAll(t, bobConn)
	require.Contains(t, out, "QUIT", "local channel-mate sees the split QUIT")
	_, member := ch.Member("ABAAA")
	require.False(t, member)
}

// Rehash removing an O-line deopers but does not kill.
func TestRehashRemovedOLineDeopers(t *testing.T) {
	f := newFixture(t)

	withOper, err := config.Parse([]byte(`
[local]
server_name = "hub.example"
numnick = "AA"

[[class]]
name = "default"
max_links = 100

[[client]]
host = "*"
class = "default"

[[operator]]
host = "*"
user = "bob"
password = "secret"
class = "default"
`))
	require.NoError(t, err)
	f.ctl.Rehash(withOper)

	bob, bobConn := f.addLocalUser(t, "bob", "AAAAB")
	bob.User.Modes |= directory.UserOper
	oline := f.adm.Snapshot().Operators[0]
	oline.Clients++
	f.ctl.Attach("AAAAB", "10.0.0.1", oline)

	withoutOper, err := config.Parse([]byte(`
[local]
server_name = "hub.example"
numnick = "AA"

[[class]]
name = "default"
max_links = 100

[[client]]
host = "*"
class = "default"
`))
	require.NoError(t, err)
	f.ctl.Rehash(withoutOper)

	require.True(t, bob.User.Modes&directory.UserOper == 0, "bob must be deopered")
	_, stillHere := f.dir.LookupByName("bob")
	require.True(t, stillHere, "bob must not be killed")
	require.False(t, bobConn.IsDead())
	require.Equal(t, 0, oline.Clients, "removed O-line fully detached")
	require.True(t, oline.Illegal)
}

// Unchanged config across rehash is a no-op on identity and attachment
// counts.
func TestRehashUnchangedConfigIsNoop(t *testing.T) {
	f := newFixture(t)
	f.addLocalUser(t, "alice", "AAAAA")

	item := f.adm.Snapshot().Clients[0]
	item.Clients = 1
	f.ctl.Attach("AAAAA", "10.0.0.1", item)

	same, err := config.Parse([]byte(`
[local]
server_name = "hub.example"
numnick = "AA"

[[class]]
name = "default"
max_links = 100

[[client]]
host = "*"
class = "default"
`))
	require.NoError(t, err)
	f.ctl.Rehash(same)

	require.False(t, item.Illegal, "structurally identical item must not be marked illegal")
	newItem := f.adm.Snapshot().Clients[0]
	require.Equal(t, 1, newItem.Clients, "attachment count carried forward")
}
