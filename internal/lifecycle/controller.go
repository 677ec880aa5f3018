// Package lifecycle implements the teardown and policy-swap orchestration
// of the daemon: the fixed exit sequence (announce, detach from
// channels, unregister, history, detach conf items, release to pool), the
// netsplit cascade, and rehash with forced reattachment of live clients.
package lifecycle

import (
	"log"

	"ircd/internal/channel"
	"ircd/internal/config"
	"ircd/internal/directory"
	"ircd/internal/send"
)

// attachment records the ConfItems a locally-attached entity holds and the
// IP its per-address admission count was charged against, so teardown can
// decrement exactly what admission incremented.
type attachment struct {
	items []*config.ConfItem
	ip    string
}

// Controller coordinates the packages that each own one slice of an
// entity's state. It never owns entity records itself — the directory does
// — and it never closes sockets directly: the ReleaseEntity and CloseConn
// callbacks are supplied by the daemon layer, which owns the pools and the
// event loop.
type Controller struct {
	Dir    *directory.Directory
	Chans  *channel.Registry
	Engine *send.Engine
	Adm    *config.Admission
	Me     *directory.Entity

	// ReleaseEntity returns an entity record to the daemon's pool once the
	// teardown sequence has fully detached it. CloseConn closes and pools
	// the victim's Connection; both may be nil in tests.
	ReleaseEntity func(e *directory.Entity)
	CloseConn     func(numnick, reason string)

	attached map[string]*attachment
}

// NewController wires a Controller over the live subsystems.
func NewController(dir *directory.Directory, chans *channel.Registry, eng *send.Engine, adm *config.Admission, me *directory.Entity) *Controller {
	return &Controller{
		Dir:      dir,
		Chans:    chans,
		Engine:   eng,
		Adm:      adm,
		Me:       me,
		attached: make(map[string]*attachment),
	}
}

// Attach records that the entity identified by numnick holds items, charged
// against ip. Called by the daemon after a successful CheckClient or
// CheckServer; the matching Detach runs inside ExitClient.
func (c *Controller) Attach(numnick, ip string, items ...*config.ConfItem) {
	a, ok := c.attached[numnick]
	if !ok {
		a = &attachment{ip: ip}
		c.attached[numnick] = a
	}
	a.items = append(a.items, items...)
	if ip != "" {
		c.Adm.TrackIPConnect(ip)
	}
}

// AttachedItems returns the ConfItems currently held by numnick.
func (c *Controller) AttachedItems(numnick string) []*config.ConfItem {
	if a, ok := c.attached[numnick]; ok {
		return a.items
	}
	return nil
}

func (c *Controller) detachAll(numnick string) {
	a, ok := c.attached[numnick]
	if !ok {
		return
	}
	for _, item := range a.items {
		c.Adm.Detach(item)
	}
	if a.ip != "" {
		c.Adm.TrackIPDisconnect(a.ip)
	}
	delete(c.attached, numnick)
	for _, item := range c.Adm.ReclaimIllegal() {
		log.Printf("[lifecycle] reclaimed conf item host=%s user=%s", item.HostMask, item.UserMask)
	}
}

// ExitClient runs the fixed teardown order for a user
// entity: announce to peers and common-channel locals, detach from every
// channel (both sides of the membership), unregister (feeding whowas),
// detach conf items,
// unbind and close the connection, release the record. Server entities are
// routed to Squit instead.
func (c *Controller) ExitClient(source, victim *directory.Entity, reason string) {
	if victim.Status.IsServer() {
		c.Squit(source, victim, reason)
		return
	}

	if victim.Status == directory.LocalUser || victim.Status == directory.StatusUser {
		c.Engine.SendToCommonChannels(victim, "QUIT", send.Trailing(reason))
		var exclude *directory.Entity
		if victim.Status == directory.StatusUser {
			exclude = upstreamNeighbor(victim)
		}
		c.Engine.SendToServersBut(victim, "QUIT", exclude, send.Trailing(reason))
	}

	c.detachChannels(victim)
	c.Dir.Unregister(victim)
	c.detachAll(victim.Numnick)
	c.Engine.Unbind(victim.Numnick)
	if c.CloseConn != nil && victim.Status.IsLocal() {
		c.CloseConn(victim.Numnick, reason)
	}
	for _, name := range c.Chans.Sweep() {
		log.Printf("[lifecycle] destroyed empty channel %s", name)
	}
	if c.ReleaseEntity != nil {
		c.ReleaseEntity(victim)
	}
}

// detachChannels removes victim from every channel it belongs to, keeping
// both sides of the membership relation in step.
func (c *Controller) detachChannels(victim *directory.Entity) {
	if victim.User == nil {
		return
	}
	for chName := range victim.User.Channels {
		if ch, ok := c.Chans.Lookup(chName); ok {
			ch.Part(victim.Numnick)
		}
		delete(victim.User.Channels, chName)
	}
}

// Squit severs a server link: every entity behind it is removed in one
// netsplit pass with QUIT notifications for each downstream user, the SQUIT is broadcast to the remaining servers, and
// operators subscribed to link notices are told.
func (c *Controller) Squit(source, server *directory.Entity, reason string) {
	// Netsplit reports removed users (they need QUIT fanout); servers nested
	// behind the broken link have no fanout of their own but still must be
	// returned to the pool, so collect them before the indices are torn down.
	var nested []*directory.Entity
	for _, e := range c.Dir.IterateServers() {
		if e == server {
			continue
		}
		for cur := e; cur.Upstream != nil; cur = cur.Upstream {
			if cur.Upstream == server {
				nested = append(nested, e)
				break
			}
		}
	}
	removed := c.Dir.Netsplit(server)

	// Netsplit QUIT reason: the two sides of the broken link.
	splitReason := reason
	if splitReason == "" && server.Upstream != nil {
		splitReason = server.Upstream.Name + " " + server.Name
	}
	for _, u := range removed {
		c.Engine.SendToCommonChannels(u, "QUIT", send.Trailing(splitReason))
		c.detachChannels(u)
		c.Engine.Unbind(u.Numnick)
		if c.ReleaseEntity != nil {
			c.ReleaseEntity(u)
		}
	}

	for _, srv := range nested {
		c.Engine.Unbind(srv.Numnick)
		if c.ReleaseEntity != nil {
			c.ReleaseEntity(srv)
		}
	}

	c.Engine.SendToServersBut(c.Me, "SQUIT", server, send.Str(server.Name), send.Trailing(reason))
	c.Engine.SendOpMaskNotice(nil, send.SnoLink, "Lost link to "+server.Name+" ("+reason+")")

	c.detachAll(server.Numnick)
	c.Engine.Unbind(server.Numnick)
	if c.CloseConn != nil && server.Status == directory.LocalServer {
		c.CloseConn(server.Numnick, reason)
	}
	for _, name := range c.Chans.Sweep() {
		log.Printf("[lifecycle] destroyed empty channel %s", name)
	}
	if c.ReleaseEntity != nil {
		c.ReleaseEntity(server)
	}
}

// Rehash swaps in a freshly-parsed snapshot and re-evaluates every live
// attachment against it: clients attached to a now-illegal
// ConfItem are detached and reattached under the new policy; operators
// whose O-line vanished are deopered but not killed; illegal items
// reaching zero clients are reclaimed.
func (c *Controller) Rehash(next *config.Snapshot) {
	reclaimed := c.Adm.Rehash(next)
	for _, item := range reclaimed {
		log.Printf("[lifecycle] reclaimed conf item host=%s user=%s", item.HostMask, item.UserMask)
	}

	for _, u := range c.Dir.IterateLocalUsers() {
		a, ok := c.attached[u.Numnick]
		if !ok {
			continue
		}
		kept := a.items[:0]
		for _, item := range a.items {
			if !item.Illegal {
				// Follow the swap: the structurally identical item in the
				// new snapshot carries this attachment's count now.
				kept = append(kept, c.Adm.Resolve(item))
				continue
			}
			c.Adm.Detach(item)
			switch item.Status {
			case config.StatusOperator:
				// O-line gone: deoper, do not kill.
				if u.User != nil && u.User.Modes&(directory.UserOper|directory.UserLocalOper) != 0 {
					u.User.Modes &^= directory.UserOper | directory.UserLocalOper
					c.Engine.SendToOne(c.Me, "MODE", u, send.EntityRef(u), send.Str("-o"))
					c.Engine.SendOpMaskNotice(u, send.SnoOld, u.Name+" is no longer an operator (O-line removed)")
				}
			case config.StatusClient:
				acr, fresh, _ := c.Adm.CheckClient(config.ClientInfo{
					Username: u.User.Username,
					Host:     u.User.Host,
					IP:       a.ip,
				})
				if acr == config.Ok {
					kept = append(kept, fresh)
				} else if conn, bound := c.Engine.Conn(u.Numnick); bound {
					conn.MarkDead("no authorization after rehash")
				}
			}
		}
		a.items = kept
	}

	for _, item := range c.Adm.ReclaimIllegal() {
		log.Printf("[lifecycle] reclaimed conf item host=%s user=%s", item.HostMask, item.UserMask)
	}
	c.Engine.SendOpMaskNotice(nil, send.SnoRehash, "Rehash complete")
}

// upstreamNeighbor walks a remote entity's upstream chain to the directly-
// linked neighbor it is reachable through (the node one hop below Me), so a
// QUIT learned from that neighbor is not echoed back down the same link.
func upstreamNeighbor(e *directory.Entity) *directory.Entity {
	cur := e
	for cur.Upstream != nil && cur.Upstream.Upstream != nil {
		cur = cur.Upstream
	}
	if cur == e {
		return e.Upstream
	}
	return cur
}
