// Package config implements the admission/configuration subsystem: the
// semantic policy objects (ConfItem, DenyConf, CRuleConf, Quarantine,
// LocalConf, Class) produced by parsing the operator's TOML conf file, and
// the two decision procedures, CheckClient and CheckServer, that every new
// connection is run through.
package config

import "time"

// Status is the ConfItem kind.
type Status int

const (
	StatusClient Status = iota
	StatusConnect
	StatusOperator
	StatusUworld
)

// ACR is the admission-control result returned by CheckClient/CheckServer.
type ACR int

const (
	Ok ACR = iota
	NoAuthorization
	TooManyInClass
	TooManyFromIP
	AlreadyAuthorized
	BadSocket
)

func (a ACR) String() string {
	switch a {
	case Ok:
		return "Ok"
	case NoAuthorization:
		return "NoAuthorization"
	case TooManyInClass:
		return "TooManyInClass"
	case TooManyFromIP:
		return "TooManyFromIP"
	case AlreadyAuthorized:
		return "AlreadyAuthorized"
	case BadSocket:
		return "BadSocket"
	default:
		return "Unknown(?)"
	}
}

// Class defines the connection-class quotas a ConfItem attaches to
// (max_links, ping_freq, connect_freq, sendq_limit), plus the
// target-change ratelimit knobs (nick_delay, target_delay, start_targets).
type Class struct {
	Name         string
	MaxLinks     int
	PingFreq     time.Duration
	ConnectFreq  time.Duration
	SendQLimit   int
	MaxPerIP     int // 0 = unlimited
	NickDelay    time.Duration
	TargetDelay  time.Duration
	StartTargets int
}

// DefaultClass returns a Class with the default ratelimit fields, used
// when a [[class]] block omits them.
func DefaultClass(name string) Class {
	return Class{
		Name:         name,
		NickDelay:    30 * time.Second,
		TargetDelay:  10 * time.Second,
		StartTargets: 10,
	}
}

// ConfItem is one policy entry: a Client, Connect, Operator, or Uworld line.
type ConfItem struct {
	Status       Status
	HostMask     string
	UserMask     string
	Password     string
	Class        *Class
	LocalAddr    string
	RemoteAddr   string
	RemotePort   int
	HubLimitMask string
	HoldUntil    time.Time
	CIDRBits     int // 0 = host-mask match, else IP/CIDR match
	Privileges   uint32

	Illegal bool // CONF_ILLEGAL
	Clients int  // attachment refcount
}

// equivalent reports whether two ConfItems are structurally identical for
// rehash's unchanged-config-is-a-no-op diffing.
func (c *ConfItem) equivalent(o *ConfItem) bool {
	if c == nil || o == nil {
		return c == o
	}
	className, oClassName := "", ""
	if c.Class != nil {
		className = c.Class.Name
	}
	if o.Class != nil {
		oClassName = o.Class.Name
	}
	return c.Status == o.Status &&
		c.HostMask == o.HostMask &&
		c.UserMask == o.UserMask &&
		c.Password == o.Password &&
		className == oClassName &&
		c.LocalAddr == o.LocalAddr &&
		c.RemoteAddr == o.RemoteAddr &&
		c.RemotePort == o.RemotePort &&
		c.HubLimitMask == o.HubLimitMask &&
		c.CIDRBits == o.CIDRBits &&
		c.Privileges == o.Privileges
}

// DenyConf is a K-line: reject on match.
type DenyConf struct {
	UserMask     string
	HostMask     string
	IPMask       string // CIDR, optional
	RealnameMask string
	Message      string
}

// CRuleKind selects which of the two crule types EvalCRule consults.
type CRuleKind int

const (
	CRuleAuto CRuleKind = iota
	CRuleAll
)

// CRuleConf is one connection-rule entry: a boolean
// expression over connected()/directcon() that, when true, blocks
// auto-connection (AUTO) or all connection (ALL) attempts to ServerMask.
type CRuleConf struct {
	ServerMask string
	Kind       CRuleKind
	Expr       string
}

// Quarantine forbids a channel name outright.
type Quarantine struct {
	Channel string
	Reason  string
}

// LocalConf is this server's own identity.
type LocalConf struct {
	ServerName  string
	Numnick     string // 2-char server ID
	Description string
}
