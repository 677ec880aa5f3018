package directory

import "fmt"

// CollisionError is returned by Register when the incoming entity's
// case-folded name is already live. Tie-break is by first-seen timestamp
// : the older entity wins. KillBoth covers the B3 boundary
// case of identical timestamps, where both participants are killed
// network-wide rather than arbitrarily picking a winner.
type CollisionError struct {
	Existing     *Entity
	KillExisting bool
	KillBoth     bool
}

func (e *CollisionError) Error() string {
	switch {
	case e.KillBoth:
		return fmt.Sprintf("directory: nick collision on %q with identical timestamps, killing both", e.Existing.Name)
	case e.KillExisting:
		return fmt.Sprintf("directory: nick collision on %q, incoming is older, existing killed", e.Existing.Name)
	default:
		return fmt.Sprintf("directory: nick collision on %q, existing is older, incoming rejected", e.Existing.Name)
	}
}

// Directory is the global participant registry: dual indices
// by case-folded name and by numnick, plus the subsets needed for
// iterate_servers/iterate_local_users without a linear scan.
type Directory struct {
	byName    map[string]*Entity
	byNumnick map[string]*Entity
	whowas    *whowasRing
}

// New creates an empty Directory. whowasCapacity bounds the history ring
// ; 0 disables history retention.
func New(whowasCapacity int) *Directory {
	return &Directory{
		byName:    make(map[string]*Entity),
		byNumnick: make(map[string]*Entity),
		whowas:    newWhowasRing(whowasCapacity),
	}
}

// Register inserts e into both indices. It returns a *CollisionError
// (wrapped by errors.As-compatible assignment) if the case-folded name is
// already live; the caller decides who gets
// killed based on the error's fields. Numnick collisions are a distinct,
// always-fatal error: the allocator (internal/numnick) guarantees numnick
// uniqueness, so a collision there means a caller bug, not network policy.
func (d *Directory) Register(e *Entity) error {
	key := CaseFold(e.Name)
	if existing, ok := d.byName[key]; ok {
		switch {
		case e.FirstSeen.Equal(existing.FirstSeen):
			return &CollisionError{Existing: existing, KillBoth: true}
		case e.FirstSeen.Before(existing.FirstSeen):
			return &CollisionError{Existing: existing, KillExisting: true}
		default:
			return &CollisionError{Existing: existing}
		}
	}
	if _, ok := d.byNumnick[e.Numnick]; ok {
		return fmt.Errorf("directory: numnick %q already registered", e.Numnick)
	}
	d.byName[key] = e
	d.byNumnick[e.Numnick] = e
	return nil
}

// Unregister removes e from both indices. If e is a User or LocalUser, it is
// appended to whowas history; the entry becomes visible to Whowas only after
// this call returns.
func (d *Directory) Unregister(e *Entity) {
	key := CaseFold(e.Name)
	if cur, ok := d.byName[key]; ok && cur == e {
		delete(d.byName, key)
	}
	delete(d.byNumnick, e.Numnick)
	if e.Status == StatusUser || e.Status == LocalUser {
		d.whowas.record(e)
	}
}

// Rename moves e to newName in the name index without disturbing its
// numnick entry or recording a whowas departure (a nick change is not a
// departure). Returns a *CollisionError under the same tie-break rules as
// Register if newName is already held by a different live entity.
func (d *Directory) Rename(e *Entity, newName string) error {
	newKey := CaseFold(newName)
	if existing, ok := d.byName[newKey]; ok && existing != e {
		switch {
		case e.FirstSeen.Equal(existing.FirstSeen):
			return &CollisionError{Existing: existing, KillBoth: true}
		case e.FirstSeen.Before(existing.FirstSeen):
			return &CollisionError{Existing: existing, KillExisting: true}
		default:
			return &CollisionError{Existing: existing}
		}
	}
	oldKey := CaseFold(e.Name)
	if cur, ok := d.byName[oldKey]; ok && cur == e {
		delete(d.byName, oldKey)
	}
	e.Name = newName
	d.byName[newKey] = e
	return nil
}

// LookupByName returns the live entity registered under name, case-folded.
func (d *Directory) LookupByName(name string) (*Entity, bool) {
	e, ok := d.byName[CaseFold(name)]
	return e, ok
}

// LookupByNumnick returns the live entity registered under numnick id.
func (d *Directory) LookupByNumnick(id string) (*Entity, bool) {
	e, ok := d.byNumnick[id]
	return e, ok
}

// IterateServers returns a stable snapshot slice of every server-kind
// entity. Safe to mutate the directory while ranging over the result,
// since this is a copy, not a live view.
func (d *Directory) IterateServers() []*Entity {
	out := make([]*Entity, 0, len(d.byNumnick)/4+1)
	for _, e := range d.byNumnick {
		if e.Status.IsServer() {
			out = append(out, e)
		}
	}
	return out
}

// IterateLocalUsers returns a stable snapshot of every LocalUser entity.
func (d *Directory) IterateLocalUsers() []*Entity {
	out := make([]*Entity, 0, len(d.byNumnick)/4+1)
	for _, e := range d.byNumnick {
		if e.Status == LocalUser {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many entities are currently registered.
func (d *Directory) Len() int {
	return len(d.byNumnick)
}

// LinkServer attaches child under upstream: sets child.Upstream and appends
// child's numnick to upstream's Children list. Both entities must already be
// registered.
func LinkServer(child, upstream *Entity) {
	child.Upstream = upstream
	if upstream.Server != nil {
		upstream.Server.Children = append(upstream.Server.Children, child.Numnick)
	}
}

// HopsToRoot walks e's Upstream chain and returns the number of hops to the
// entity whose Upstream is nil (Me), or an error if the chain exceeds
// maxHops or revisits a node.
func HopsToRoot(e *Entity, maxHops int) (int, error) {
	seen := make(map[*Entity]struct{})
	hops := 0
	cur := e
	for cur.Upstream != nil {
		if _, ok := seen[cur]; ok {
			return 0, fmt.Errorf("directory: upstream cycle detected at %q", cur.Name)
		}
		seen[cur] = struct{}{}
		cur = cur.Upstream
		hops++
		if hops > maxHops {
			return 0, fmt.Errorf("directory: upstream chain from %q exceeds max hops %d", e.Name, maxHops)
		}
	}
	return hops, nil
}

// Netsplit removes server and every entity whose upstream chain transitively
// passes through it, in a single pass. It returns the removed
// user entities in an implementation-defined order, so the caller (lifecycle
// controller) can generate QUIT notifications for each one; server entities
// removed as part of the cascade are not included (SQUIT, not QUIT, covers
// those and the controller already knows the topology it is severing).
func (d *Directory) Netsplit(server *Entity) []*Entity {
	cut := make(map[*Entity]struct{})
	cut[server] = struct{}{}

	// Fixed-point over upstream pointers: repeat until no new entity is
	// added to the cut set, since a server's children may themselves have
	// children several layers deep.
	changed := true
	for changed {
		changed = false
		for _, e := range d.byNumnick {
			if _, already := cut[e]; already {
				continue
			}
			if e.Upstream != nil {
				if _, upstreamCut := cut[e.Upstream]; upstreamCut {
					cut[e] = struct{}{}
					changed = true
				}
			}
		}
	}

	var removedUsers []*Entity
	for e := range cut {
		if e == server {
			continue
		}
		if e.Status == StatusUser {
			removedUsers = append(removedUsers, e)
		}
	}
	for e := range cut {
		d.Unregister(e)
	}
	return removedUsers
}

// WhowasEntry is one bounded-history record.
type WhowasEntry struct {
	Nick     string
	Username string
	Host     string
	Realname string
	Recorded int64 // unix time of departure, stamped by the caller
}

// Whowas returns up to count most-recent entries for nick, newest first.
// count<=0 returns all retained entries.
func (d *Directory) Whowas(nick string, count int) []WhowasEntry {
	return d.whowas.lookup(CaseFold(nick), count)
}
