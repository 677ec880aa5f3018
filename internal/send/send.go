package send

import (
	"ircd/internal/channel"
	"ircd/internal/directory"
	"ircd/internal/wire"
)

// SendRaw transmits a pre-formatted line to to with no prefix, used for
// protocol-level messages exchanged before a peer has an assigned identity
// (PING, PONG, handshake notices).
func (e *Engine) SendRaw(to *directory.Entity, line string) {
	conn, ok := e.conns[to.Numnick]
	if !ok {
		return
	}
	buf := wire.NewMsgBuf(line)
	conn.Enqueue(buf, false)
	buf.Release()
}

// SendToOne delivers verb/args to a single recipient in its dialect.
func (e *Engine) SendToOne(from *directory.Entity, verb string, to *directory.Entity, args ...Arg) {
	e.deliverOne(from, verb, to, args, false)
}

// SendPrioToOne is identical to SendToOne but enqueues onto the priority
// queue, used for KILL/SQUIT/error notices that must overtake chatter
// already queued for to.
func (e *Engine) SendPrioToOne(from *directory.Entity, verb string, to *directory.Entity, args ...Arg) {
	e.deliverOne(from, verb, to, args, true)
}

func (e *Engine) deliverOne(from *directory.Entity, verb string, to *directory.Entity, args []Arg, priority bool) {
	c := newDialectCache(from, verb, args)
	defer c.release()
	if to.Status.IsServer() {
		e.enqueue(to, c.forServer(), priority)
	} else {
		e.enqueue(to, c.forClient(), priority)
	}
}

// SendToServersBut broadcasts to every directly-linked server except
// exclude (may be nil); server dialect only.
func (e *Engine) SendToServersBut(from *directory.Entity, verb string, exclude *directory.Entity, args ...Arg) {
	c := newDialectCache(from, verb, args)
	defer c.release()
	buf := c.forServer()
	for _, srv := range e.dir.IterateServers() {
		if srv == exclude {
			continue
		}
		if srv.Upstream == nil {
			continue // Me
		}
		if _, bound := e.conns[srv.Numnick]; !bound {
			continue // only directly-linked neighbors have a live Connection
		}
		e.enqueue(srv, buf, false)
	}
}

// SendToCommonChannels delivers to every local user sharing at least one
// channel with from, deduplicated via a monotonic mark epoch so a user on
// several shared channels is only delivered to once. It never traverses server links: peers discover the event via the parallel
// server broadcast a caller issues alongside this call.
func (e *Engine) SendToCommonChannels(from *directory.Entity, verb string, args ...Arg) {
	if from.User == nil {
		return
	}
	epoch := e.nextMark()
	c := newDialectCache(from, verb, args)
	defer c.release()

	for chName := range from.User.Channels {
		ch, ok := e.chans.Lookup(chName)
		if !ok {
			continue
		}
		for _, m := range ch.Members() {
			target, ok := e.dir.LookupByNumnick(m.Numnick)
			if !ok || target.Status != directory.LocalUser {
				continue
			}
			if e.marks[target.Numnick] == epoch {
				continue
			}
			e.marks[target.Numnick] = epoch
			e.enqueue(target, c.forClient(), false)
		}
	}
}

// SendToChannelButServers delivers to every local member of channel in
// client dialect only.
func (e *Engine) SendToChannelButServers(from *directory.Entity, verb string, ch *channel.Channel, args ...Arg) {
	c := newDialectCache(from, verb, args)
	defer c.release()
	buf := c.forClient()
	for _, m := range ch.Members() {
		target, ok := e.dir.LookupByNumnick(m.Numnick)
		if !ok || !target.Status.IsLocal() {
			continue
		}
		e.enqueue(target, buf, false)
	}
}

// SendToChannelButOne is the richest fanout operation: it visits every member of ch, skipping exclude; local members receive
// client-dialect delivery (honoring SkipDeaf); remote members' upstream
// servers are deduplicated into a set and each sent at most one
// server-dialect copy (honoring SkipBurst); SkipNonOps restricts delivery
// to members holding the channel-op flag; voice does not count.
func (e *Engine) SendToChannelButOne(from *directory.Entity, verb string, ch *channel.Channel, exclude *directory.Entity, skip SkipFlags, args ...Arg) {
	c := newDialectCache(from, verb, args)
	defer c.release()

	upstreams := make(map[string]*directory.Entity)
	for _, m := range ch.Members() {
		if exclude != nil && m.Numnick == exclude.Numnick {
			continue
		}
		if skip&SkipNonOps != 0 && !m.HasFlag(channel.MemberOp) {
			continue
		}
		target, ok := e.dir.LookupByNumnick(m.Numnick)
		if !ok {
			continue
		}
		if target.Status.IsLocal() {
			if skip&SkipDeaf != 0 && target.User != nil && target.User.Modes&directory.UserDeaf != 0 {
				continue
			}
			e.enqueue(target, c.forClient(), false)
			continue
		}
		up := target.Upstream
		if up == nil {
			continue
		}
		// exclude may be the very link the event arrived on; never echo a
		// message back down the link that produced it.
		if exclude != nil && up.Numnick == exclude.Numnick {
			continue
		}
		if skip&SkipBurst != 0 && ch.Bursting(up.Numnick) {
			continue
		}
		upstreams[up.Numnick] = up
	}
	if len(upstreams) == 0 {
		return
	}
	buf := c.forServer()
	for _, up := range upstreams {
		e.enqueue(up, buf, false)
	}
}

// SendToFlagButOne delivers to every local user whose mode bits include
// flag, excluding exclude, and additionally enqueues onto every
// directly-linked server in priority order.
func (e *Engine) SendToFlagButOne(from *directory.Entity, verb string, exclude *directory.Entity, flag directory.UserModes, args ...Arg) {
	c := newDialectCache(from, verb, args)
	defer c.release()
	clientBuf := c.forClient()
	for _, u := range e.dir.IterateLocalUsers() {
		if exclude != nil && u.Numnick == exclude.Numnick {
			continue
		}
		if u.User == nil || u.User.Modes&flag == 0 {
			continue
		}
		e.enqueue(u, clientBuf, false)
	}
	serverBuf := c.forServer()
	for _, srv := range e.dir.IterateServers() {
		if srv.Upstream == nil {
			continue
		}
		if _, bound := e.conns[srv.Numnick]; !bound {
			continue
		}
		e.enqueue(srv, serverBuf, true)
	}
}

// SendToMatchButOne delivers to every local user whose server name
// (who=MatchServer) or host (who=MatchHost) matches targetMask, excluding
// exclude, and concurrently forwards to servers whose descendant users
// might match (conservatively: every directly-linked server, since this
// implementation does not track per-server user-mask summaries).
func (e *Engine) SendToMatchButOne(from *directory.Entity, verb string, targetMask string, exclude *directory.Entity, who MatchKind, args ...Arg) {
	c := newDialectCache(from, verb, args)
	defer c.release()
	clientBuf := c.forClient()
	for _, u := range e.dir.IterateLocalUsers() {
		if exclude != nil && u.Numnick == exclude.Numnick {
			continue
		}
		var subject string
		switch who {
		case MatchHost:
			if u.User != nil {
				subject = u.User.Host
			}
		default:
			if u.Upstream != nil {
				subject = u.Upstream.Name
			}
		}
		if !matchGlob(targetMask, subject) {
			continue
		}
		e.enqueue(u, clientBuf, false)
	}
	serverBuf := c.forServer()
	for _, srv := range e.dir.IterateServers() {
		if srv.Upstream == nil {
			continue
		}
		if _, bound := e.conns[srv.Numnick]; !bound {
			continue
		}
		e.enqueue(srv, serverBuf, false)
	}
}

// SendOpMaskNotice delivers a server-notice to every local operator whose
// SNO subscription intersects mask, excluding exclude.
// Recipients share one buffer (the target field is the conventional "*"),
// so the fanout still formats exactly once.
func (e *Engine) SendOpMaskNotice(exclude *directory.Entity, mask SNOMask, text string) {
	c := newDialectCache(nil, "NOTICE", []Arg{Str("*"), Trailing("*** Notice -- " + text)})
	defer c.release()
	buf := c.forClient()
	for numnick, sub := range e.snoSub {
		if exclude != nil && numnick == exclude.Numnick {
			continue
		}
		if sub&mask == 0 {
			continue
		}
		target, ok := e.dir.LookupByNumnick(numnick)
		if !ok {
			continue
		}
		e.enqueue(target, buf, false)
	}
}

// matchGlob is the same '*'/'?' IRC mask semantics internal/config uses for
// admission masks, duplicated here (rather than imported) to avoid a
// send->config dependency the engine otherwise has no reason to take.
func matchGlob(pattern, s string) bool {
	return matchGlobFold(lower(pattern), lower(s))
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func matchGlobFold(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '*':
		if matchGlobFold(pattern[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if matchGlobFold(pattern[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if s == "" {
			return false
		}
		return matchGlobFold(pattern[1:], s[1:])
	default:
		if s == "" || s[0] != pattern[0] {
			return false
		}
		return matchGlobFold(pattern[1:], s[1:])
	}
}
