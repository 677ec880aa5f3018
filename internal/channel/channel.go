// Package channel implements channel membership and lazy destruction. A
// Channel tracks its members by numnick rather than by entity pointer,
// consistent with the directory's exclusive ownership of entity records:
// callers resolve a member's full Entity through internal/directory when
// they need more than membership flags.
//
// Membership symmetry (user in channel.members iff channel in
// user.channels) is the caller's job: Join/Part here only mutate this
// channel's side, and the caller (the daemon's JOIN/PART handlers, the
// lifecycle controller's teardown) updates the matching
// Entity.User.Channels set in the same step.
package channel

import "time"

// MemberFlags are the per-channel mode bits a member can carry.
type MemberFlags uint8

const (
	MemberOp MemberFlags = 1 << iota
	MemberVoice
	MemberHalfop
)

// Modes are channel-wide mode bits.
type Modes uint16

const (
	ModePermanent Modes = 1 << iota
	ModeSecret
	ModeInviteOnly
	ModeModerated
	ModeNoExternalMessages
	ModeTopicLock
)

// Member is one channel membership record.
type Member struct {
	Numnick string
	Flags   MemberFlags
}

func (m *Member) HasFlag(f MemberFlags) bool { return m.Flags&f != 0 }

// Channel is a named broadcast group.
type Channel struct {
	Name    string // original-case name
	Created time.Time
	Modes   Modes
	Topic   string
	TopicBy string
	TopicAt time.Time
	Bans    []string

	members map[string]*Member // keyed by numnick
	order   []string           // numnicks in join order

	bursting map[string]struct{} // server numnicks currently bursting this channel
}

// New creates an empty Channel.
func New(name string) *Channel {
	return &Channel{
		Name:    name,
		Created: time.Now(),
		members: make(map[string]*Member),
	}
}

// Join adds numnick as a member with the given initial flags. Re-joining an
// existing member is a no-op that returns the existing Member unchanged.
func (c *Channel) Join(numnick string, flags MemberFlags) *Member {
	if m, ok := c.members[numnick]; ok {
		return m
	}
	m := &Member{Numnick: numnick, Flags: flags}
	c.members[numnick] = m
	c.order = append(c.order, numnick)
	return m
}

// Part removes numnick from the membership list. Returns false if numnick
// was not a member.
func (c *Channel) Part(numnick string) bool {
	if _, ok := c.members[numnick]; !ok {
		return false
	}
	delete(c.members, numnick)
	for i, n := range c.order {
		if n == numnick {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Member looks up a member by numnick.
func (c *Channel) Member(numnick string) (*Member, bool) {
	m, ok := c.members[numnick]
	return m, ok
}

// Members returns a stable snapshot of all members in join order.
func (c *Channel) Members() []*Member {
	out := make([]*Member, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.members[n])
	}
	return out
}

// Len reports the current member count.
func (c *Channel) Len() int { return len(c.order) }

// IsEmpty reports whether the channel currently has zero members.
func (c *Channel) IsEmpty() bool { return len(c.order) == 0 }

// Permanent reports whether the 'P' mode bit is set, exempting the
// channel from lazy destruction when empty.
func (c *Channel) Permanent() bool { return c.Modes&ModePermanent != 0 }

// SetBursting marks whether server is currently bursting this channel's
// state, consulted by the send engine's SkipBurst suppression.
func (c *Channel) SetBursting(serverNumnick string, on bool) {
	if on {
		if c.bursting == nil {
			c.bursting = make(map[string]struct{})
		}
		c.bursting[serverNumnick] = struct{}{}
		return
	}
	delete(c.bursting, serverNumnick)
}

// Bursting reports whether server is currently bursting this channel.
func (c *Channel) Bursting(serverNumnick string) bool {
	_, ok := c.bursting[serverNumnick]
	return ok
}
