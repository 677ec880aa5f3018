package send

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ircd/internal/channel"
	"ircd/internal/connection"
	"ircd/internal/directory"
)

type netFixture struct {
	dir   *directory.Directory
	chans *channel.Registry
	eng   *Engine
	me    *directory.Entity
	conns map[string]*connection.Connection
}

func newNetFixture(t *testing.T) *netFixture {
	t.Helper()
	dir := directory.New(8)
	chans := channel.NewRegistry()
	eng := NewEngine(dir, chans)
	me := &directory.Entity{Status: directory.Me, Name: "hub.example", Numnick: "AA", Server: &directory.ServerData{}}
	require.NoError(t, dir.Register(me))
	return &netFixture{dir: dir, chans: chans, eng: eng, me: me, conns: make(map[string]*connection.Connection)}
}

func (f *netFixture) localUser(t *testing.T, nick, numnick string) *directory.Entity {
	t.Helper()
	e := &directory.Entity{
		Status: directory.LocalUser, Name: nick, Numnick: numnick,
		Upstream: f.me, FirstSeen: time.Now(),
		User: &directory.UserData{Username: strings.ToLower(nick), Host: "h.example", Channels: make(map[string]struct{})},
	}
	require.NoError(t, f.dir.Register(e))
	c := connection.New()
	f.conns[numnick] = c
	f.eng.Bind(numnick, c)
	return e
}

func (f *netFixture) linkedServer(t *testing.T, name, numnick string) *directory.Entity {
	t.Helper()
	e := &directory.Entity{
		Status: directory.LocalServer, Name: name, Numnick: numnick,
		Upstream: f.me, Server: &directory.ServerData{HopCount: 1},
	}
	require.NoError(t, f.dir.Register(e))
	c := connection.New()
	f.conns[numnick] = c
	f.eng.Bind(numnick, c)
	return e
}

func (f *netFixture) remoteUser(t *testing.T, nick, numnick string, via *directory.Entity) *directory.Entity {
	t.Helper()
	e := &directory.Entity{
		Status: directory.StatusUser, Name: nick, Numnick: numnick,
		Upstream: via, FirstSeen: time.Now(),
		User: &directory.UserData{Username: strings.ToLower(nick), Host: "r.example", Channels: make(map[string]struct{})},
	}
	require.NoError(t, f.dir.Register(e))
	return e
}

func (f *netFixture) drain(t *testing.T, numnick string) string {
	t.Helper()
	var out []byte
	_, _, err := f.conns[numnick].Drain(1<<20, func(b []byte) (int, error) {
		out = append(out, b...)
		return len(b), nil
	})
	require.NoError(t, err)
	return string(out)
}

// One call, two dialects: locals get the textual command with a nick!user@host
// prefix, the upstream server link gets the token with a numnick prefix.
func TestChannelFanoutPerDialect(t *testing.T) {
	f := newNetFixture(t)
	alice := f.localUser(t, "alice", "AAAAA")
	bob := f.localUser(t, "bob", "AAAAB")
	link := f.linkedServer(t, "leaf.example", "AB")
	carol := f.remoteUser(t, "carol", "ABAAA", link)

	ch, _ := f.chans.GetOrCreate("#ops")
	for _, e := range []*directory.Entity{alice, bob, carol} {
		ch.Join(e.Numnick, 0)
	}

	f.eng.SendToChannelButOne(alice, "PRIVMSG", ch, alice, 0, Chan("#ops"), Trailing("hi"))

	require.Equal(t, ":alice!alice@h.example PRIVMSG #ops :hi\r\n", f.drain(t, "AAAAB"))
	require.Equal(t, ":AAAAA P #ops :hi\r\n", f.drain(t, "AB"))
	require.Empty(t, f.drain(t, "AAAAA"), "sender is excluded")
}

func TestChannelFanoutOneCopyPerUpstream(t *testing.T) {
	f := newNetFixture(t)
	alice := f.localUser(t, "alice", "AAAAA")
	link := f.linkedServer(t, "leaf.example", "AB")
	carol := f.remoteUser(t, "carol", "ABAAA", link)
	dave := f.remoteUser(t, "dave", "ABAAB", link)

	ch, _ := f.chans.GetOrCreate("#ops")
	for _, e := range []*directory.Entity{alice, carol, dave} {
		ch.Join(e.Numnick, 0)
	}

	f.eng.SendToChannelButOne(alice, "PRIVMSG", ch, alice, 0, Chan("#ops"), Trailing("hi"))
	out := f.drain(t, "AB")
	require.Equal(t, 1, strings.Count(out, "P #ops"), "two members behind one link get one copy")
}

func TestSkipFlags(t *testing.T) {
	f := newNetFixture(t)
	alice := f.localUser(t, "alice", "AAAAA")
	deaf := f.localUser(t, "deaf", "AAAAB")
	deaf.User.Modes |= directory.UserDeaf
	voiced := f.localUser(t, "voiced", "AAAAC")
	link := f.linkedServer(t, "leaf.example", "AB")
	carol := f.remoteUser(t, "carol", "ABAAA", link)

	ch, _ := f.chans.GetOrCreate("#ops")
	ch.Join(alice.Numnick, channel.MemberOp)
	ch.Join(deaf.Numnick, 0)
	ch.Join(voiced.Numnick, channel.MemberVoice)
	ch.Join(carol.Numnick, 0)
	ch.SetBursting("AB", true)

	f.eng.SendToChannelButOne(nil, "PRIVMSG", ch, nil, SkipDeaf|SkipBurst, Chan("#ops"), Trailing("x"))
	require.Empty(t, f.drain(t, "AAAAB"), "deaf member skipped under SkipDeaf")
	require.Empty(t, f.drain(t, "AB"), "bursting upstream suppressed under SkipBurst")
	require.NotEmpty(t, f.drain(t, "AAAAC"))

	// SkipNonOps: voice does not count, only the channel-op flag.
	f.eng.SendToChannelButOne(nil, "NOTICE", ch, nil, SkipNonOps, Chan("#ops"), Trailing("ops only"))
	require.NotEmpty(t, f.drain(t, "AAAAA"))
	require.Empty(t, f.drain(t, "AAAAC"), "voice must not satisfy SkipNonOps")
}

func TestCommonChannelsDeduplicates(t *testing.T) {
	f := newNetFixture(t)
	alice := f.localUser(t, "alice", "AAAAA")
	bob := f.localUser(t, "bob", "AAAAB")

	for _, name := range []string{"#one", "#two", "#three"} {
		ch, _ := f.chans.GetOrCreate(name)
		ch.Join(alice.Numnick, 0)
		ch.Join(bob.Numnick, 0)
		alice.User.Channels[directory.CaseFold(name)] = struct{}{}
		bob.User.Channels[directory.CaseFold(name)] = struct{}{}
	}

	f.eng.SendToCommonChannels(alice, "QUIT", Trailing("bye"))
	out := f.drain(t, "AAAAB")
	require.Equal(t, 1, strings.Count(out, "QUIT :bye"), "three shared channels, one delivery")
}

func TestPriorityPlacement(t *testing.T) {
	f := newNetFixture(t)
	alice := f.localUser(t, "alice", "AAAAA")
	bob := f.localUser(t, "bob", "AAAAB")

	f.eng.SendToOne(alice, "PRIVMSG", bob, EntityRef(bob), Trailing("chatter"))
	f.eng.SendPrioToOne(f.me, "KILL", bob, EntityRef(bob), Trailing("gone"))

	out := f.drain(t, "AAAAB")
	require.Less(t, strings.Index(out, "KILL"), strings.Index(out, "PRIVMSG"),
		"priority enqueue drains before earlier normal traffic")
}

func TestOpMaskNoticeFiltersBySubscription(t *testing.T) {
	f := newNetFixture(t)
	oper := f.localUser(t, "oper", "AAAAA")
	oper.User.Modes |= directory.UserOper
	other := f.localUser(t, "other", "AAAAB")
	other.User.Modes |= directory.UserOper

	f.eng.Subscribe("AAAAA", SnoLink|SnoKill)
	f.eng.Subscribe("AAAAB", SnoRehash)

	f.eng.SendOpMaskNotice(nil, SnoLink, "Lost link to leaf.example (read error)")
	require.Contains(t, f.drain(t, "AAAAA"), "*** Notice -- Lost link to leaf.example")
	require.Empty(t, f.drain(t, "AAAAB"), "mask does not intersect subscription")

	f.eng.Subscribe("AAAAB", 0)
	f.eng.SendOpMaskNotice(nil, SnoRehash, "Rehash complete")
	require.Empty(t, f.drain(t, "AAAAB"), "zero mask unsubscribes")
}

func TestSendReplyTableAndExplicit(t *testing.T) {
	f := newNetFixture(t)
	alice := f.localUser(t, "alice", "AAAAA")

	f.eng.SendReply(alice, 401, Str("hub.example"), Str("alice"), Str("ghost"))
	require.Equal(t, ":hub.example 401 alice ghost :No such nick/channel\r\n", f.drain(t, "AAAAA"))

	f.eng.SendReply(alice, 421|SndExplicit, Str(":hub.example 421 alice BOGUS :Unknown command"))
	require.Equal(t, ":hub.example 421 alice BOGUS :Unknown command\r\n", f.drain(t, "AAAAA"))
}

func TestSendToMatchButOne(t *testing.T) {
	f := newNetFixture(t)
	f.localUser(t, "alice", "AAAAA")
	bob := f.localUser(t, "bob", "AAAAB")
	bob.User.Host = "elsewhere.example"

	f.eng.SendToMatchButOne(f.me, "NOTICE", "h.example", nil, MatchHost, Str("*"), Trailing("host match"))
	require.Contains(t, f.drain(t, "AAAAA"), "host match")
	require.Empty(t, f.drain(t, "AAAAB"))
}

func TestMsgBufSharedAcrossRecipients(t *testing.T) {
	f := newNetFixture(t)
	alice := f.localUser(t, "alice", "AAAAA")
	bob := f.localUser(t, "bob", "AAAAB")
	carl := f.localUser(t, "carl", "AAAAC")

	ch, _ := f.chans.GetOrCreate("#ops")
	for _, e := range []*directory.Entity{alice, bob, carl} {
		ch.Join(e.Numnick, 0)
	}

	f.eng.SendToChannelButServers(alice, "JOIN", ch, Chan("#ops"))
	// All three queues hold a reference to the same formatted buffer; once
	// each drains, the shared buffer's refcount returns to zero.
	for _, nn := range []string{"AAAAA", "AAAAB", "AAAAC"} {
		require.Equal(t, ":alice!alice@h.example JOIN #ops\r\n", f.drain(t, nn))
	}
}
