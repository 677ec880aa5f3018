// Package directory implements the global name/numnick registry: every
// named participant on the network — local or
// remote, user or server — is indexed here by case-folded name and by
// numnick, with upstream-chain bookkeeping for routing and netsplit.
//
// Per the cross-linked-graph design note, Directory is the sole
// owner of Entity records. Every other package (channel, connection, send)
// refers to an entity by its numnick string and resolves it through
// LookupByNumnick rather than holding a pointer, so a removal during netsplit
// cannot leave a dangling reference alive past the tick that did the removal.
package directory

import "time"

// Status tags what kind of participant an Entity represents and whether it
// is locally attached.
type Status int

const (
	Unregistered Status = iota
	Unknown
	HandshakingServer
	StatusUser
	LocalUser
	StatusServer
	LocalServer
	Service
	Me
	Killed
)

func (s Status) String() string {
	switch s {
	case Unregistered:
		return "Unregistered"
	case Unknown:
		return "Unknown"
	case HandshakingServer:
		return "HandshakingServer"
	case StatusUser:
		return "User"
	case LocalUser:
		return "LocalUser"
	case StatusServer:
		return "Server"
	case LocalServer:
		return "LocalServer"
	case Service:
		return "Service"
	case Me:
		return "Me"
	case Killed:
		return "Killed"
	default:
		return "Unknown(?)"
	}
}

// IsLocal reports whether this status denotes a locally-attached entity
// (one with a live Connection).
func (s Status) IsLocal() bool {
	return s == LocalUser || s == LocalServer || s == Me
}

// IsServer reports whether this status denotes a server-kind entity.
func (s Status) IsServer() bool {
	return s == HandshakingServer || s == StatusServer || s == LocalServer || s == Me
}

// UserModes is the bitset of user mode flags.
type UserModes uint16

const (
	UserInvisible UserModes = 1 << iota
	UserWallops
	UserDebug
	UserDeaf
	UserOper
	UserLocalOper
	UserServerNotice
)

// ServerModes is the bitset of server mode flags.
type ServerModes uint8

const (
	ServerHub ServerModes = 1 << iota
	ServerService
)

// UserData holds the attributes specific to User/LocalUser entities.
type UserData struct {
	Username string
	Realname string
	Host     string
	Modes    UserModes
	Channels map[string]struct{} // case-folded channel names this user belongs to

	// LastNickChange backs the class nick_delay check in the daemon's NICK
	// handler. RecentTargets and TargetsThisTick are not updated anywhere:
	// the target-change limit is a per-session token bucket in the daemon.
	LastNickChange  time.Time
	RecentTargets   []string
	TargetsThisTick int
}

// ServerData holds the attributes specific to Server/LocalServer entities.
type ServerData struct {
	HopCount    int
	Description string
	Modes       ServerModes
	ConfRef     any      // back-reference to the authorizing ConfItem; opaque here to avoid an import cycle with internal/config
	Children    []string // numnicks of directly-introduced downstream servers
}

// Entity is the single polymorphic record for a named network
// participant. The directory is its only owner; Upstream is itself an
// Entity pointer because Directory fully controls the lifetime of every
// entity it holds — callers outside this package must not retain an Entity
// pointer past the tick in which they looked it up.
type Entity struct {
	Status   Status
	Name     string  // nick or server name, not case-folded
	Numnick  string  // 2 chars (server) or 5 chars (user)
	Upstream *Entity // nil only for Me

	FirstSeen    time.Time
	LastActivity time.Time

	User   *UserData
	Server *ServerData

	owns bool // true while a local Connection is bound to this entity
}

// Poison implements pool.Poolable: zeroes every field before the record
// returns to the free list. Directory.Unregister must already have run
// (and Connection.Close, for a local entity) before a caller releases an
// Entity back to its pool.
func (e *Entity) Poison() {
	e.Status = Unregistered
	e.Name = ""
	e.Numnick = ""
	e.Upstream = nil
	e.FirstSeen = time.Time{}
	e.LastActivity = time.Time{}
	e.User = nil
	e.Server = nil
}

// Busy implements pool.Poolable: an Entity still wired to a live Connection
// refuses to be released, checked via the owns field set by the
// lifecycle controller when it binds a Connection to this entity.
func (e *Entity) Busy() bool { return e.owns }

// SetOwnsConnection marks whether this entity currently owns a live
// Connection, consulted by Busy.
func (e *Entity) SetOwnsConnection(v bool) { e.owns = v }

// CaseFold applies the RFC 1459 case-mapping rules: ASCII letters plus the
// four characters {}|^ which map to their []\~ counterparts. Nick and
// channel uniqueness in the directory is keyed on this form.
func CaseFold(s string) string {
	b := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
			c += 'a' - 'A'
		case c == '{':
			c = '['
		case c == '}':
			c = ']'
		case c == '|':
			c = '\\'
		case c == '^':
			c = '~'
		}
		b[i] = c
	}
	return string(b)
}
