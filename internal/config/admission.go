package config

import (
	"golang.org/x/time/rate"
)

// ClientInfo is the effective (user, host, IP) triple computed for an
// incoming client connection, plus whatever of
// realname is known at the time of the check (sent with USER, which arrives
// before admission runs in the common case).
type ClientInfo struct {
	Username string
	Host     string
	IP       string
	Realname string
}

// ServerInfo is the equivalent input for check_server: the
// connecting server's claimed name, its IP, the password it presented, and
// how many children it is about to introduce (checked against hub-limit).
type ServerInfo struct {
	ServerName string
	IP         string
	Password   string
	ChildCount int
}

// Admission wraps a live Snapshot with the mutable, cross-rehash state that
// must survive a config reload unchanged: per-IP connection counts and the
// connect-frequency token buckets keyed by ConfItem.
type Admission struct {
	snapshot *Snapshot
	ipCounts map[string]int

	connectLimiters map[*ConfItem]*rate.Limiter

	// illegalPending holds ConfItems marked CONF_ILLEGAL by a rehash while
	// still attached (Clients>0) at the time of the swap. They no longer
	// appear in any list on the active snapshot, so ReclaimIllegal tracks
	// them here until their last client detaches.
	illegalPending []*ConfItem
}

// NewAdmission wraps snapshot for live admission decisions.
func NewAdmission(snapshot *Snapshot) *Admission {
	return &Admission{
		snapshot:        snapshot,
		ipCounts:        make(map[string]int),
		connectLimiters: make(map[*ConfItem]*rate.Limiter),
	}
}

// Snapshot returns the currently active policy snapshot.
func (a *Admission) Snapshot() *Snapshot { return a.snapshot }

// TrackIPConnect/TrackIPDisconnect maintain the live per-IP connection
// count used by the TooManyFromIP check; callers must pair every successful
// CheckClient with exactly one TrackIPConnect, and call TrackIPDisconnect
// once when that connection later closes.
func (a *Admission) TrackIPConnect(ip string) { a.ipCounts[ip]++ }
func (a *Admission) TrackIPDisconnect(ip string) {
	if a.ipCounts[ip] <= 1 {
		delete(a.ipCounts, ip)
		return
	}
	a.ipCounts[ip]--
}

// CheckClient runs the client admission pipeline: deny list first, then
// the Client conf items in file order, first successful attach wins.
func (a *Admission) CheckClient(info ClientInfo) (ACR, *ConfItem, string) {
	for _, d := range a.snapshot.Deny {
		userOK := d.UserMask == "" || matchMask(d.UserMask, info.Username)
		hostOK := d.HostMask == "" || matchMask(d.HostMask, info.Host)
		if userOK && hostOK && (d.UserMask != "" || d.HostMask != "") {
			return NoAuthorization, nil, d.Message
		}
		if d.IPMask != "" && matchIP(d.IPMask, info.IP) {
			return NoAuthorization, nil, d.Message
		}
		if d.RealnameMask != "" && matchMask(d.RealnameMask, info.Realname) {
			return NoAuthorization, nil, d.Message
		}
	}

	lastFailure := NoAuthorization
	for _, item := range a.snapshot.Clients {
		if item.Illegal {
			continue
		}
		// cidr_bits turns the item's host field into an IP subnet base,
		// matched against the connecting address rather than the hostname.
		if item.CIDRBits > 0 {
			if !cidrContains(item.HostMask, item.CIDRBits, info.IP) {
				continue
			}
		} else if !matchMask(item.HostMask, info.Host) {
			continue
		}
		if item.UserMask != "" && !matchMask(item.UserMask, info.Username) {
			continue
		}
		acr := a.attach(item, info.IP)
		if acr == Ok {
			return Ok, item, ""
		}
		lastFailure = acr
	}
	return lastFailure, nil, "no authorization"
}

// attach increments the ConfItem's clients
// counter, and reject (rolling the increment back) if the class's
// max_links or per-IP cap would be exceeded.
func (a *Admission) attach(item *ConfItem, ip string) ACR {
	item.Clients++
	if item.Class != nil && item.Class.MaxLinks > 0 && item.Clients > item.Class.MaxLinks {
		item.Clients--
		return TooManyInClass
	}
	if item.Class != nil && item.Class.MaxPerIP > 0 && a.ipCounts[ip]+1 > item.Class.MaxPerIP {
		item.Clients--
		return TooManyFromIP
	}
	return Ok
}

// Detach decrements a ConfItem's attachment count. If the
// item is CONF_ILLEGAL and reaches zero clients, it is eligible for
// reclamation; callers should follow up with ReclaimIllegal.
func (a *Admission) Detach(item *ConfItem) {
	if item.Clients > 0 {
		item.Clients--
	}
}

// CheckServer runs check_server: name/password match against
// CONF_SERVER (Connect) entries, then hub-limit enforcement.
func (a *Admission) CheckServer(info ServerInfo) (ACR, *ConfItem, string) {
	for _, item := range a.snapshot.Connects {
		if item.Illegal {
			continue
		}
		if item.CIDRBits > 0 {
			base := item.RemoteAddr
			if base == "" {
				base = item.HostMask
			}
			if !cidrContains(base, item.CIDRBits, info.IP) {
				continue
			}
		} else if !matchMask(item.HostMask, info.ServerName) && !matchIP(item.RemoteAddr, info.IP) {
			continue
		}
		if item.Password != "" && item.Password != info.Password {
			continue
		}
		if item.HubLimitMask != "" && info.ChildCount > 0 && !matchMask(item.HubLimitMask, info.ServerName) {
			return TooManyInClass, nil, "hub limit exceeded"
		}
		acr := a.attach(item, info.IP)
		if acr == Ok {
			return Ok, item, ""
		}
		return acr, nil, "connection class full"
	}
	return NoAuthorization, nil, "no authorization"
}

// ConnectFreqAllows reports whether item's class permits another
// connect attempt right now, consuming one token if so (golang.org/x/time/rate
// backs the class's connect_freq field).
func (a *Admission) ConnectFreqAllows(item *ConfItem) bool {
	if item.Class == nil || item.Class.ConnectFreq <= 0 {
		return true
	}
	lim, ok := a.connectLimiters[item]
	if !ok {
		lim = rate.NewLimiter(rate.Every(item.Class.ConnectFreq), 1)
		a.connectLimiters[item] = lim
	}
	return lim.Allow()
}

// Rehash replaces the active snapshot with next, marking every ConfItem in
// the old one with no structural match in the new as CONF_ILLEGAL. It returns the illegal-and-unattached items, immediately eligible
// for reclamation; items that are illegal but still attached are left
// for the lifecycle controller's det_confs_butmask pass to detach and
// reattach as connections naturally churn or are forced to re-check.
func (a *Admission) Rehash(next *Snapshot) []*ConfItem {
	old := a.snapshot
	a.snapshot = next

	allOld := append(append(append([]*ConfItem{}, old.Clients...), old.Connects...), old.Operators...)
	allNew := append(append(append([]*ConfItem{}, next.Clients...), next.Connects...), next.Operators...)

	var reclaimable []*ConfItem
	for _, o := range allOld {
		matched := false
		for _, n := range allNew {
			if o.equivalent(n) {
				matched = true
				n.Clients = o.Clients // carry live attachment count forward for an unchanged item
				break
			}
		}
		if !matched {
			o.Illegal = true
			if o.Clients == 0 {
				reclaimable = append(reclaimable, o)
			} else {
				a.illegalPending = append(a.illegalPending, o)
			}
		}
	}
	return reclaimable
}

// Resolve maps a ConfItem from a pre-rehash snapshot to its structurally
// equivalent item in the active one, so attachment ledgers can follow the
// swap and later Detach calls decrement the live counter, keeping the
// attachment refcount exact across a rehash. Returns item unchanged when no equivalent exists (the
// item is illegal and the ledger is about to drop it anyway).
func (a *Admission) Resolve(item *ConfItem) *ConfItem {
	lists := [][]*ConfItem{a.snapshot.Clients, a.snapshot.Connects, a.snapshot.Operators}
	for _, list := range lists {
		for _, n := range list {
			if n == item {
				return item
			}
			if item.equivalent(n) {
				return n
			}
		}
	}
	return item
}

// ReclaimIllegal returns every CONF_ILLEGAL item that has since reached zero
// attached clients and removes it from the pending set — meant
// to be called at quiescent points after connections have drained following
// a rehash (e.g. after each Detach).
func (a *Admission) ReclaimIllegal() []*ConfItem {
	var out []*ConfItem
	remaining := a.illegalPending[:0]
	for _, item := range a.illegalPending {
		if item.Clients == 0 {
			out = append(out, item)
		} else {
			remaining = append(remaining, item)
		}
	}
	a.illegalPending = remaining
	return out
}
