package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml"
)

// Snapshot is the immutable policy loaded from one parse of the conf
// file. Rehash builds a new Snapshot and hands
// it to Admission.Rehash, which diffs it against the previous one.
type Snapshot struct {
	Local       LocalConf
	Classes     map[string]*Class
	Clients     []*ConfItem // status=Client
	Connects    []*ConfItem // status=Connect
	Operators   []*ConfItem // status=Operator
	Uworld      []*ConfItem
	Deny        []DenyConf
	CRules      []CRuleConf
	Quarantines []Quarantine
}

// toml document shape, one table type per semantic policy object.
type tomlClass struct {
	Name            string `toml:"name"`
	MaxLinks        int    `toml:"max_links"`
	PingFreqSecs    int    `toml:"ping_freq"`
	ConnectFreqSecs int    `toml:"connect_freq"`
	SendQLimit      int    `toml:"sendq_limit"`
	MaxPerIP        int    `toml:"max_per_ip"`
	NickDelaySecs   int    `toml:"nick_delay"`
	TargetDelaySecs int    `toml:"target_delay"`
	StartTargets    int    `toml:"start_targets"`
}

type tomlConfItem struct {
	Host       string `toml:"host"`
	User       string `toml:"user"`
	Password   string `toml:"password"`
	Class      string `toml:"class"`
	LocalAddr  string `toml:"local_addr"`
	RemoteAddr string `toml:"remote_addr"`
	RemotePort int    `toml:"remote_port"`
	HubLimit   string `toml:"hub_limit"`
	CIDRBits   int    `toml:"cidr_bits"`
	Privileges uint32 `toml:"privileges"`
}

type tomlDeny struct {
	User     string `toml:"user"`
	Host     string `toml:"host"`
	IP       string `toml:"ip"`
	Realname string `toml:"realname"`
	Message  string `toml:"message"`
}

type tomlCRule struct {
	Server string `toml:"server"`
	Kind   string `toml:"kind"` // "auto" or "all"
	Expr   string `toml:"expr"`
}

type tomlQuarantine struct {
	Channel string `toml:"channel"`
	Reason  string `toml:"reason"`
}

type tomlLocal struct {
	ServerName  string `toml:"server_name"`
	Numnick     string `toml:"numnick"`
	Description string `toml:"description"`
}

type tomlDocument struct {
	Local      tomlLocal        `toml:"local"`
	Class      []tomlClass      `toml:"class"`
	Client     []tomlConfItem   `toml:"client"`
	Connect    []tomlConfItem   `toml:"connect"`
	Operator   []tomlConfItem   `toml:"operator"`
	Uworld     []tomlConfItem   `toml:"uworld"`
	Deny       []tomlDeny       `toml:"deny"`
	CRule      []tomlCRule      `toml:"crule"`
	Quarantine []tomlQuarantine `toml:"quarantine"`
}

// LoadFile parses path into a Snapshot.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw TOML bytes into a Snapshot.
func Parse(data []byte) (*Snapshot, error) {
	var doc tomlDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parsing toml: %w", err)
	}

	snap := &Snapshot{
		Local: LocalConf{
			ServerName:  doc.Local.ServerName,
			Numnick:     doc.Local.Numnick,
			Description: doc.Local.Description,
		},
		Classes: make(map[string]*Class),
	}

	for _, tc := range doc.Class {
		c := DefaultClass(tc.Name)
		c.MaxLinks = tc.MaxLinks
		c.SendQLimit = tc.SendQLimit
		c.MaxPerIP = tc.MaxPerIP
		if tc.PingFreqSecs > 0 {
			c.PingFreq = secs(tc.PingFreqSecs)
		}
		if tc.ConnectFreqSecs > 0 {
			c.ConnectFreq = secs(tc.ConnectFreqSecs)
		}
		if tc.NickDelaySecs > 0 {
			c.NickDelay = secs(tc.NickDelaySecs)
		}
		if tc.TargetDelaySecs > 0 {
			c.TargetDelay = secs(tc.TargetDelaySecs)
		}
		if tc.StartTargets > 0 {
			c.StartTargets = tc.StartTargets
		}
		snap.Classes[tc.Name] = &c
	}

	resolve := func(items []tomlConfItem, status Status) ([]*ConfItem, error) {
		out := make([]*ConfItem, 0, len(items))
		for _, ti := range items {
			var cls *Class
			if ti.Class != "" {
				var ok bool
				cls, ok = snap.Classes[ti.Class]
				if !ok {
					return nil, fmt.Errorf("config: conf item references unknown class %q", ti.Class)
				}
			}
			out = append(out, &ConfItem{
				Status:       status,
				HostMask:     ti.Host,
				UserMask:     ti.User,
				Password:     ti.Password,
				Class:        cls,
				LocalAddr:    ti.LocalAddr,
				RemoteAddr:   ti.RemoteAddr,
				RemotePort:   ti.RemotePort,
				HubLimitMask: ti.HubLimit,
				CIDRBits:     ti.CIDRBits,
				Privileges:   ti.Privileges,
			})
		}
		return out, nil
	}

	var err error
	if snap.Clients, err = resolve(doc.Client, StatusClient); err != nil {
		return nil, err
	}
	if snap.Connects, err = resolve(doc.Connect, StatusConnect); err != nil {
		return nil, err
	}
	if snap.Operators, err = resolve(doc.Operator, StatusOperator); err != nil {
		return nil, err
	}
	if snap.Uworld, err = resolve(doc.Uworld, StatusUworld); err != nil {
		return nil, err
	}

	for _, td := range doc.Deny {
		snap.Deny = append(snap.Deny, DenyConf{
			UserMask: td.User, HostMask: td.Host, IPMask: td.IP,
			RealnameMask: td.Realname, Message: td.Message,
		})
	}
	for _, tq := range doc.Quarantine {
		snap.Quarantines = append(snap.Quarantines, Quarantine{Channel: tq.Channel, Reason: tq.Reason})
	}
	for _, tr := range doc.CRule {
		kind := CRuleAuto
		if tr.Kind == "all" {
			kind = CRuleAll
		}
		snap.CRules = append(snap.CRules, CRuleConf{ServerMask: tr.Server, Kind: kind, Expr: tr.Expr})
	}

	return snap, nil
}

func secs(n int) (d time.Duration) {
	return time.Duration(n) * time.Second
}
