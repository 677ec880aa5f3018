package main

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"ircd/internal/channel"
	"ircd/internal/config"
	"ircd/internal/connection"
	"ircd/internal/directory"
	"ircd/internal/numnick"
	"ircd/internal/send"
	"ircd/internal/wire"
)

// handleLine parses one inbound line and dispatches it. Client and server
// links share the parser; server-link tokens are mapped back to their
// textual verbs first so each command has a single handler.
func (s *Server) handleLine(sess *session, line string) {
	msg, err := wire.Parse(line)
	if err != nil {
		if sess.isServer && sess.registered() {
			// Protocol error from a peer: notice the opers, drop the link.
			s.engine.SendOpMaskNotice(nil, send.SnoLink,
				fmt.Sprintf("Protocol error from %s: %v", sess.ent.Name, err))
			sess.conn.MarkDead("Protocol error")
			return
		}
		s.numericTo(sess, 421, "* :Unknown command")
		return
	}
	verb := send.Verb(msg.Command)

	if sess.isServer && sess.registered() {
		s.handleServerLine(sess, verb, msg)
		return
	}
	if sess.registered() {
		s.handleUserLine(sess, verb, msg)
		return
	}
	s.handleHandshakeLine(sess, verb, msg)
}

// numericTo writes a numeric reply to a session that may not be registered
// yet, formatting the line directly rather than through the reply table.
func (s *Server) numericTo(sess *session, code int, tail string) {
	nick := sess.nick
	if nick == "" {
		nick = "*"
	}
	s.sendRaw(sess, fmt.Sprintf(":%s %03d %s %s", s.me.Name, code, nick, tail))
}

// ---- handshake ----

func (s *Server) handleHandshakeLine(sess *session, verb string, msg wire.Message) {
	switch verb {
	case "PASS":
		if len(msg.Params) >= 1 {
			sess.password = msg.Params[0]
			sess.conn.Complete(connection.ReqPass)
		}
	case "NICK":
		if len(msg.Params) < 1 {
			s.numericTo(sess, 431, ":No nickname given")
			return
		}
		nick := msg.Params[0]
		if !validNick(nick) {
			s.numericTo(sess, 432, nick+" :Erroneous nickname")
			return
		}
		if _, taken := s.dir.LookupByName(nick); taken {
			s.numericTo(sess, 433, nick+" :Nickname is already in use")
			sess.conn.Require(connection.ReqNick)
			return
		}
		sess.nick = nick
		sess.conn.Complete(connection.ReqNick)
		s.tryRegisterClient(sess)
	case "USER":
		if len(msg.Params) < 4 {
			s.numericTo(sess, 461, "USER :Not enough parameters")
			return
		}
		sess.username = msg.Params[0]
		sess.realname = msg.Params[3]
		sess.gotUser = true
		sess.conn.Complete(connection.ReqUser)
		s.tryRegisterClient(sess)
	case "SERVER":
		s.handleServerHandshake(sess, msg)
	case "PING":
		if len(msg.Params) >= 1 {
			s.sendRaw(sess, ":"+s.me.Name+" PONG "+s.me.Name+" :"+msg.Params[0])
		}
	case "QUIT":
		s.sendRaw(sess, "ERROR :Closing Link: ("+paramOr(msg, 0, "Client quit")+")")
		sess.conn.MarkDead("Client quit")
	case "CAP":
		// Capability negotiation is acknowledged empty; CAP END clears the
		// requirement if a client opened negotiation.
		if len(msg.Params) >= 1 && strings.EqualFold(msg.Params[0], "LS") {
			sess.conn.Require(connection.ReqCapEnd)
			s.sendRaw(sess, ":"+s.me.Name+" CAP * LS :")
		}
		if len(msg.Params) >= 1 && strings.EqualFold(msg.Params[0], "END") {
			sess.conn.Complete(connection.ReqCapEnd)
			s.tryRegisterClient(sess)
		}
	default:
		s.numericTo(sess, 451, ":You have not registered")
	}
}

// tryRegisterClient runs the admission pipeline once NICK and USER have
// both arrived.
func (s *Server) tryRegisterClient(sess *session) {
	if sess.isServer || !sess.conn.Registered() || !sess.gotUser || sess.nick == "" {
		return
	}

	info := config.ClientInfo{
		Username: sess.username,
		Host:     sess.host,
		IP:       sess.ip,
		Realname: sess.realname,
	}
	acr, item, denyMsg := s.adm.CheckClient(info)
	if acr != config.Ok {
		log.Printf("[server] admission %s for %s@%s: %s", acr, sess.username, sess.host, denyMsg)
		s.engine.SendOpMaskNotice(nil, send.SnoDeny,
			fmt.Sprintf("Rejected %s@%s (%s)", sess.username, sess.host, denyMsg))
		s.sendRaw(sess, fmt.Sprintf("ERROR :Closing Link: %s[%s] (%s)", sess.username, sess.host, denyMsg))
		sess.conn.MarkDead(denyMsg)
		return
	}

	uid, suffix, err := s.uids.Acquire()
	if err != nil {
		s.adm.Detach(item)
		s.sendRaw(sess, "ERROR :Closing Link: (Server full)")
		sess.conn.MarkDead("Server full")
		return
	}

	ent := sess.ent
	ent.Status = directory.LocalUser
	ent.Name = sess.nick
	ent.Numnick = s.me.Numnick + suffix
	ent.Upstream = s.me
	ent.FirstSeen = time.Now()
	ent.LastActivity = ent.FirstSeen
	ent.User = &directory.UserData{
		Username: sess.username,
		Realname: sess.realname,
		Host:     sess.host,
		Channels: make(map[string]struct{}),
	}

	if err := s.dir.Register(ent); err != nil {
		// The NICK handler checks for collisions, so losing the race here
		// means the name appeared within the same handshake; back off to
		// waiting for a fresh NICK.
		s.uids.Release(uid)
		s.adm.Detach(item)
		ent.Status = directory.Unregistered
		s.numericTo(sess, 433, sess.nick+" :Nickname is already in use")
		sess.nick = ""
		sess.conn.Require(connection.ReqNick)
		return
	}

	sess.uid = uid
	sess.item = item
	if item.Class != nil {
		sess.class = item.Class
		if sess.class.SendQLimit > 0 {
			sess.conn.SetSendQLimit(sess.class.SendQLimit)
		}
	}
	s.byNumnick[ent.Numnick] = sess
	s.engine.Bind(ent.Numnick, sess.conn)
	s.ctl.Attach(ent.Numnick, sess.ip, item)
	sess.targetOK = newTargetLimiter(sess.class)

	s.engine.SendReply(ent, 1, send.Str(s.me.Name), send.Str(ent.Name), send.Str(sess.username), send.Str(sess.host))
	s.engine.SendReply(ent, 2, send.Str(s.me.Name), send.Str(ent.Name))
	s.engine.SendReply(ent, 3, send.Str(s.me.Name), send.Str(ent.Name), send.Str(s.created))
	s.engine.SendReply(ent, 4, send.Str(s.me.Name), send.Str(ent.Name))
	s.engine.SendReply(ent, 5, send.Str(s.me.Name), send.Str(ent.Name))
	s.sendRaw(sess, ":"+s.me.Name+" NOTICE "+ent.Name+" :MOTD file is missing")

	// Introduce the new user to every linked server.
	s.engine.SendToServersBut(s.me, "NICK", nil,
		send.Str(ent.Name), send.Int(1), send.Int(int(ent.FirstSeen.Unix())),
		send.Str(sess.username), send.Str(sess.host), send.Str("+"),
		send.Str(ent.Numnick), send.Trailing(sess.realname))
	log.Printf("[server] client %s!%s@%s registered as %s", ent.Name, sess.username, sess.host, ent.Numnick)
}

// newTargetLimiter builds the target-change ratelimit state for a class,
// with defaults applied when the class leaves the knobs unset.
func newTargetLimiter(cls *config.Class) func() bool {
	delay := 10 * time.Second
	burst := 10
	if cls != nil {
		if cls.TargetDelay > 0 {
			delay = cls.TargetDelay
		}
		if cls.StartTargets > 0 {
			burst = cls.StartTargets
		}
	}
	lim := rate.NewLimiter(rate.Every(delay), burst)
	return lim.Allow
}

// handleServerHandshake admits an incoming server link: PASS then SERVER <name> <hop> <numnick> :<description>.
func (s *Server) handleServerHandshake(sess *session, msg wire.Message) {
	if len(msg.Params) < 4 {
		s.sendRaw(sess, "ERROR :Closing Link: (Malformed SERVER)")
		sess.conn.MarkDead("Malformed SERVER")
		return
	}
	name, nn, desc := msg.Params[0], msg.Params[2], msg.Params[len(msg.Params)-1]
	if len(nn) != 2 {
		s.sendRaw(sess, "ERROR :Closing Link: (Bad server numnick)")
		sess.conn.MarkDead("Bad server numnick")
		return
	}
	if _, err := numnick.Decode(nn); err != nil {
		s.sendRaw(sess, "ERROR :Closing Link: (Bad server numnick)")
		sess.conn.MarkDead("Bad server numnick")
		return
	}

	acr, item, reason := s.adm.CheckServer(config.ServerInfo{
		ServerName: name,
		IP:         sess.ip,
		Password:   sess.password,
	})
	if acr != config.Ok {
		s.engine.SendOpMaskNotice(nil, send.SnoLink,
			fmt.Sprintf("Refused server link from %s (%s)", name, reason))
		s.sendRaw(sess, "ERROR :Closing Link: "+name+" ("+reason+")")
		sess.conn.MarkDead(reason)
		return
	}
	if ruleText := s.evalCRules(name); ruleText != "" {
		s.adm.Detach(item)
		s.sendRaw(sess, "ERROR :Closing Link: "+name+" ("+ruleText+")")
		sess.conn.MarkDead("crule: " + ruleText)
		return
	}
	if !s.adm.ConnectFreqAllows(item) {
		s.adm.Detach(item)
		s.sendRaw(sess, "ERROR :Closing Link: "+name+" (Reconnecting too fast)")
		sess.conn.MarkDead("Reconnecting too fast")
		return
	}

	ent := sess.ent
	ent.Status = directory.LocalServer
	ent.Name = name
	ent.Numnick = nn
	ent.FirstSeen = time.Now()
	ent.Server = &directory.ServerData{HopCount: 1, Description: desc, ConfRef: item}

	if err := s.dir.Register(ent); err != nil {
		s.adm.Detach(item)
		ent.Status = directory.Unregistered
		s.sendRaw(sess, "ERROR :Closing Link: "+name+" (Server already exists)")
		sess.conn.MarkDead("Server collision")
		return
	}
	directory.LinkServer(ent, s.me)

	sess.isServer = true
	sess.item = item
	if item.Class != nil {
		sess.class = item.Class
		if sess.class.SendQLimit > 0 {
			sess.conn.SetSendQLimit(sess.class.SendQLimit)
		}
	}
	sess.conn.Complete(connection.ReqNick | connection.ReqUser | connection.ReqPass)
	s.byNumnick[nn] = sess
	s.engine.Bind(nn, sess.conn)
	s.ctl.Attach(nn, sess.ip, item)

	s.sendRaw(sess, fmt.Sprintf("SERVER %s 1 %s :%s", s.me.Name, s.me.Numnick, s.me.Server.Description))
	s.burstTo(sess, ent)
	s.engine.SendOpMaskNotice(nil, send.SnoLink, "Link with "+name+" established")
	log.Printf("[server] server link %s (%s) established", name, nn)
}

// evalCRules returns the first matching ALL-type rule's text if one fires
// for name, else "".
func (s *Server) evalCRules(name string) string {
	eval := config.CRuleEval{
		Connected: func(mask string) bool {
			for _, e := range s.dir.IterateServers() {
				if e.Status != directory.Me && maskMatchName(mask, e.Name) {
					return true
				}
			}
			return false
		},
		DirectCon: func(mask string) bool {
			for _, e := range s.dir.IterateServers() {
				if e.Status == directory.LocalServer && maskMatchName(mask, e.Name) {
					return true
				}
			}
			return false
		},
	}
	text, err := config.EvalCRule(s.adm.Snapshot().CRules, name, config.CRuleAll, eval)
	if err != nil {
		log.Printf("[server] crule evaluation: %v", err)
		return ""
	}
	return text
}

// burstTo replays current network state to a freshly-linked peer: every
// known user as a NICK introduction, then every channel membership as a
// JOIN. No channel's bursting flag is set for the peer while its own burst
// is outstanding, so SkipBurst suppression does not apply to this link.
func (s *Server) burstTo(sess *session, peer *directory.Entity) {
	for _, u := range s.dir.IterateLocalUsers() {
		s.engine.SendToOne(s.me, "NICK", peer,
			send.Str(u.Name), send.Int(1), send.Int(int(u.FirstSeen.Unix())),
			send.Str(u.User.Username), send.Str(u.User.Host), send.Str("+"),
			send.Str(u.Numnick), send.Trailing(u.User.Realname))
	}
	for _, chName := range s.chans.Names() {
		ch, ok := s.chans.Lookup(chName)
		if !ok {
			continue
		}
		for _, m := range ch.Members() {
			member, ok := s.dir.LookupByNumnick(m.Numnick)
			if !ok || member.Status != directory.LocalUser {
				continue
			}
			s.engine.SendToOne(member, "JOIN", peer, send.Chan(ch.Name))
		}
	}
	s.engine.SendRaw(peer, s.me.Numnick+" EB")
}

// ---- registered clients ----

func (s *Server) handleUserLine(sess *session, verb string, msg wire.Message) {
	ent := sess.ent
	switch verb {
	case "PING":
		if len(msg.Params) >= 1 {
			s.sendRaw(sess, ":"+s.me.Name+" PONG "+s.me.Name+" :"+msg.Params[0])
		}
	case "PONG":
		// activity timestamp already refreshed by onData
	case "NICK":
		s.handleNickChange(sess, msg)
	case "JOIN":
		if len(msg.Params) < 1 {
			s.numericTo(sess, 461, "JOIN :Not enough parameters")
			return
		}
		for _, name := range strings.Split(msg.Params[0], ",") {
			s.handleJoin(sess, name)
		}
	case "PART":
		if len(msg.Params) < 1 {
			s.numericTo(sess, 461, "PART :Not enough parameters")
			return
		}
		for _, name := range strings.Split(msg.Params[0], ",") {
			s.handlePart(sess, name, paramOr(msg, 1, ent.Name))
		}
	case "PRIVMSG", "NOTICE":
		s.handleMessage(sess, verb, msg)
	case "TOPIC":
		s.handleTopic(sess, msg)
	case "NAMES":
		if len(msg.Params) >= 1 {
			s.sendNames(sess, msg.Params[0])
		}
	case "MODE":
		s.handleMode(sess, msg)
	case "OPER":
		s.handleOper(sess, msg)
	case "WHOWAS":
		s.handleWhowas(sess, msg)
	case "KILL":
		s.handleKill(sess, msg)
	case "SQUIT":
		s.handleSquit(sess, msg)
	case "WALLOPS":
		if len(msg.Params) >= 1 && ent.User.Modes&(directory.UserOper|directory.UserLocalOper) != 0 {
			s.engine.SendToFlagButOne(ent, "WALLOPS", ent, directory.UserWallops, send.Trailing(msg.Params[0]))
		}
	case "QUIT":
		reason := paramOr(msg, 0, "Client quit")
		s.sendRaw(sess, fmt.Sprintf("ERROR :Closing Link: %s[%s] (%s)", ent.Name, sess.host, reason))
		sess.conn.MarkDead(reason)
	default:
		s.numericTo(sess, 421, verb+" :Unknown command")
	}
}

func (s *Server) handleNickChange(sess *session, msg wire.Message) {
	ent := sess.ent
	if len(msg.Params) < 1 {
		s.numericTo(sess, 431, ":No nickname given")
		return
	}
	newNick := msg.Params[0]
	if !validNick(newNick) {
		s.numericTo(sess, 432, newNick+" :Erroneous nickname")
		return
	}
	if sess.class != nil && sess.class.NickDelay > 0 &&
		time.Since(ent.User.LastNickChange) < sess.class.NickDelay {
		s.numericTo(sess, 438, newNick+" :Nick change too fast. Please wait.")
		return
	}
	if existing, taken := s.dir.LookupByName(newNick); taken && existing != ent {
		s.numericTo(sess, 433, newNick+" :Nickname is already in use")
		return
	}
	// Fan out before renaming so the prefix on the wire is the old nick.
	s.engine.SendToOne(ent, "NICK", ent, send.Trailing(newNick))
	s.engine.SendToCommonChannels(ent, "NICK", send.Trailing(newNick))
	s.engine.SendToServersBut(ent, "NICK", nil, send.Str(newNick), send.Int(int(time.Now().Unix())))
	if err := s.dir.Rename(ent, newNick); err != nil {
		log.Printf("[server] rename %s -> %s: %v", ent.Name, newNick, err)
		return
	}
	ent.User.LastNickChange = time.Now()
}

func (s *Server) handleJoin(sess *session, name string) {
	ent := sess.ent
	if !validChannelName(name) {
		s.numericTo(sess, 403, name+" :No such channel")
		return
	}
	for _, q := range s.adm.Snapshot().Quarantines {
		if directory.CaseFold(q.Channel) == directory.CaseFold(name) {
			s.numericTo(sess, 479, name+" :"+q.Reason)
			return
		}
	}
	ch, created := s.chans.GetOrCreate(name)
	var flags channel.MemberFlags
	if created {
		flags = channel.MemberOp
	}
	if _, already := ch.Member(ent.Numnick); already {
		return
	}
	ch.Join(ent.Numnick, flags)
	ent.User.Channels[directory.CaseFold(name)] = struct{}{}

	s.engine.SendToChannelButServers(ent, "JOIN", ch, send.Chan(ch.Name))
	s.engine.SendToServersBut(ent, "JOIN", nil, send.Chan(ch.Name))

	if ch.Topic != "" {
		s.engine.SendReply(ent, 332, send.Str(s.me.Name), send.Str(ent.Name), send.Chan(ch.Name), send.Str(ch.Topic))
	}
	s.sendNames(sess, ch.Name)
}

func (s *Server) handlePart(sess *session, name, reason string) {
	ent := sess.ent
	ch, ok := s.chans.Lookup(name)
	if !ok {
		s.engine.SendReply(ent, 403, send.Str(s.me.Name), send.Str(ent.Name), send.Chan(name))
		return
	}
	if _, member := ch.Member(ent.Numnick); !member {
		s.engine.SendReply(ent, 442, send.Str(s.me.Name), send.Str(ent.Name), send.Chan(name))
		return
	}
	s.engine.SendToChannelButServers(ent, "PART", ch, send.Chan(ch.Name), send.Trailing(reason))
	s.engine.SendToServersBut(ent, "PART", nil, send.Chan(ch.Name), send.Trailing(reason))
	ch.Part(ent.Numnick)
	delete(ent.User.Channels, directory.CaseFold(name))
	s.chans.Sweep()
}

func (s *Server) handleMessage(sess *session, verb string, msg wire.Message) {
	ent := sess.ent
	if len(msg.Params) < 2 {
		s.numericTo(sess, 461, verb+" :Not enough parameters")
		return
	}
	target, text := msg.Params[0], msg.Params[1]

	if validChannelName(target) {
		ch, ok := s.chans.Lookup(target)
		if !ok {
			s.engine.SendReply(ent, 403, send.Str(s.me.Name), send.Str(ent.Name), send.Chan(target))
			return
		}
		s.engine.SendToChannelButOne(ent, verb, ch, ent, send.SkipDeaf|send.SkipBurst,
			send.Chan(ch.Name), send.Trailing(text))
		return
	}

	victim, ok := s.dir.LookupByName(target)
	if !ok {
		s.engine.SendReply(ent, 401, send.Str(s.me.Name), send.Str(ent.Name), send.Str(target))
		return
	}
	if sess.targetOK != nil && !sess.targetOK() {
		s.sendRaw(sess, ":"+s.me.Name+" NOTICE "+ent.Name+" :Targets changing too fast, message dropped")
		return
	}
	s.deliverToUser(ent, verb, victim, send.EntityRef(victim), send.Trailing(text))
}

// deliverToUser routes a user-targeted command: straight onto a local
// recipient's queue, or onto the upstream neighbor link for a remote one.
func (s *Server) deliverToUser(from *directory.Entity, verb string, to *directory.Entity, args ...send.Arg) {
	if to.Status.IsLocal() {
		s.engine.SendToOne(from, verb, to, args...)
		return
	}
	if route := directNeighbor(to); route != nil {
		s.engine.SendToOne(from, verb, route, args...)
	}
}

// directNeighbor walks to the entity one hop below the root, i.e. the
// directly-linked peer that owns the route to e.
func directNeighbor(e *directory.Entity) *directory.Entity {
	cur := e
	for cur.Upstream != nil && cur.Upstream.Upstream != nil {
		cur = cur.Upstream
	}
	if cur == e {
		return e.Upstream
	}
	return cur
}

func (s *Server) handleTopic(sess *session, msg wire.Message) {
	ent := sess.ent
	if len(msg.Params) < 1 {
		s.numericTo(sess, 461, "TOPIC :Not enough parameters")
		return
	}
	ch, ok := s.chans.Lookup(msg.Params[0])
	if !ok {
		s.engine.SendReply(ent, 403, send.Str(s.me.Name), send.Str(ent.Name), send.Chan(msg.Params[0]))
		return
	}
	member, isMember := ch.Member(ent.Numnick)
	if len(msg.Params) == 1 {
		if ch.Topic == "" {
			s.numericTo(sess, 331, ch.Name+" :No topic is set")
			return
		}
		s.engine.SendReply(ent, 332, send.Str(s.me.Name), send.Str(ent.Name), send.Chan(ch.Name), send.Str(ch.Topic))
		return
	}
	if !isMember {
		s.engine.SendReply(ent, 442, send.Str(s.me.Name), send.Str(ent.Name), send.Chan(ch.Name))
		return
	}
	if ch.Modes&channel.ModeTopicLock != 0 && !member.HasFlag(channel.MemberOp) {
		s.numericTo(sess, 482, ch.Name+" :You're not channel operator")
		return
	}
	ch.Topic = msg.Params[1]
	ch.TopicBy = ent.Name
	ch.TopicAt = time.Now()
	s.engine.SendToChannelButServers(ent, "TOPIC", ch, send.Chan(ch.Name), send.Trailing(ch.Topic))
	s.engine.SendToServersBut(ent, "TOPIC", nil, send.Chan(ch.Name), send.Trailing(ch.Topic))
}

func (s *Server) sendNames(sess *session, name string) {
	ent := sess.ent
	ch, ok := s.chans.Lookup(name)
	if !ok {
		return
	}
	var names []string
	for _, m := range ch.Members() {
		e, ok := s.dir.LookupByNumnick(m.Numnick)
		if !ok {
			continue
		}
		prefix := ""
		if m.HasFlag(channel.MemberOp) {
			prefix = "@"
		} else if m.HasFlag(channel.MemberVoice) {
			prefix = "+"
		}
		names = append(names, prefix+e.Name)
	}
	s.engine.SendReply(ent, 353, send.Str(s.me.Name), send.Str(ent.Name), send.Chan(ch.Name), send.Str(strings.Join(names, " ")))
	s.engine.SendReply(ent, 366, send.Str(s.me.Name), send.Str(ent.Name), send.Chan(ch.Name))
}

func (s *Server) handleMode(sess *session, msg wire.Message) {
	ent := sess.ent
	if len(msg.Params) < 1 {
		s.numericTo(sess, 461, "MODE :Not enough parameters")
		return
	}
	if directory.CaseFold(msg.Params[0]) != directory.CaseFold(ent.Name) {
		s.numericTo(sess, 502, ":Cannot change mode for other users")
		return
	}
	if len(msg.Params) == 1 {
		s.numericTo(sess, 221, "+"+userModeString(ent.User.Modes))
		return
	}
	applyUserModes(ent.User, msg.Params[1])
	s.engine.SendToOne(ent, "MODE", ent, send.EntityRef(ent), send.Str(msg.Params[1]))
	s.engine.SendToServersBut(ent, "MODE", nil, send.EntityRef(ent), send.Str(msg.Params[1]))
}

func (s *Server) handleOper(sess *session, msg wire.Message) {
	ent := sess.ent
	if len(msg.Params) < 2 {
		s.numericTo(sess, 461, "OPER :Not enough parameters")
		return
	}
	name, pass := msg.Params[0], msg.Params[1]
	for _, item := range s.adm.Snapshot().Operators {
		if item.Illegal {
			continue
		}
		if item.UserMask != "" && !maskMatchName(item.UserMask, name) {
			continue
		}
		if item.HostMask != "" && !maskMatchName(item.HostMask, sess.host) {
			continue
		}
		if !s.checkPassword(pass, item.Password) {
			break
		}
		ent.User.Modes |= directory.UserOper
		item.Clients++
		s.ctl.Attach(ent.Numnick, "", item)
		s.engine.Subscribe(ent.Numnick, send.SnoOld|send.SnoLink|send.SnoKill|send.SnoRehash|send.SnoDeny)
		s.numericTo(sess, 381, ":You are now an IRC operator")
		s.engine.SendToOne(s.me, "MODE", ent, send.EntityRef(ent), send.Str("+o"))
		s.engine.SendToServersBut(ent, "MODE", nil, send.EntityRef(ent), send.Str("+o"))
		log.Printf("[server] %s is now an operator (O-line %s@%s)", ent.Name, item.UserMask, item.HostMask)
		return
	}
	s.engine.SendReply(ent, 464, send.Str(s.me.Name), send.Str(ent.Name))
}

func (s *Server) handleWhowas(sess *session, msg wire.Message) {
	ent := sess.ent
	if len(msg.Params) < 1 {
		s.numericTo(sess, 461, "WHOWAS :Not enough parameters")
		return
	}
	nick := msg.Params[0]
	count := 0
	if len(msg.Params) >= 2 {
		if n, err := strconv.Atoi(msg.Params[1]); err == nil {
			count = n
		}
	}
	entries := s.dir.Whowas(nick, count)
	if len(entries) == 0 {
		s.numericTo(sess, 406, nick+" :There was no such nickname")
	}
	for _, e := range entries {
		s.engine.SendReply(ent, 314, send.Str(s.me.Name), send.Str(ent.Name),
			send.Str(e.Nick), send.Str(e.Username), send.Str(e.Host), send.Str(e.Realname))
	}
	s.engine.SendReply(ent, 369, send.Str(s.me.Name), send.Str(ent.Name), send.Str(nick))
}

func (s *Server) handleKill(sess *session, msg wire.Message) {
	ent := sess.ent
	if ent.User.Modes&(directory.UserOper|directory.UserLocalOper) == 0 {
		s.engine.SendReply(ent, 481, send.Str(s.me.Name), send.Str(ent.Name))
		return
	}
	if len(msg.Params) < 2 {
		s.numericTo(sess, 461, "KILL :Not enough parameters")
		return
	}
	victim, ok := s.dir.LookupByName(msg.Params[0])
	if !ok {
		s.engine.SendReply(ent, 401, send.Str(s.me.Name), send.Str(ent.Name), send.Str(msg.Params[0]))
		return
	}
	reason := msg.Params[1]
	s.engine.SendOpMaskNotice(nil, send.SnoKill,
		fmt.Sprintf("%s killed %s (%s)", ent.Name, victim.Name, reason))

	// KILL overtakes queued chatter on every server link.
	for _, srv := range s.dir.IterateServers() {
		if srv.Status != directory.LocalServer {
			continue
		}
		s.engine.SendPrioToOne(ent, "KILL", srv, send.EntityRef(victim), send.Trailing(reason))
	}
	if victim.Status == directory.LocalUser {
		s.engine.SendPrioToOne(ent, "KILL", victim, send.EntityRef(victim), send.Trailing(reason))
		if conn, bound := s.engine.Conn(victim.Numnick); bound {
			conn.MarkDead("Killed (" + ent.Name + " (" + reason + "))")
		}
	} else {
		s.ctl.ExitClient(ent, victim, "Killed ("+ent.Name+" ("+reason+"))")
	}
}

func (s *Server) handleSquit(sess *session, msg wire.Message) {
	ent := sess.ent
	if ent.User.Modes&(directory.UserOper|directory.UserLocalOper) == 0 {
		s.engine.SendReply(ent, 481, send.Str(s.me.Name), send.Str(ent.Name))
		return
	}
	if len(msg.Params) < 1 {
		s.numericTo(sess, 461, "SQUIT :Not enough parameters")
		return
	}
	target, ok := s.dir.LookupByName(msg.Params[0])
	if !ok || !target.Status.IsServer() || target.Status == directory.Me {
		s.numericTo(sess, 402, msg.Params[0]+" :No such server")
		return
	}
	reason := paramOr(msg, 1, ent.Name)
	if conn, bound := s.engine.Conn(target.Numnick); bound {
		conn.MarkDead(reason) // the reaper runs the full netsplit teardown
		return
	}
	s.ctl.Squit(ent, target, reason)
}

// ---- server links ----

func (s *Server) handleServerLine(sess *session, verb string, msg wire.Message) {
	link := sess.ent
	origin := link
	if msg.Prefix != "" {
		if e, ok := s.dir.LookupByNumnick(msg.Prefix); ok {
			origin = e
		}
	}

	switch verb {
	case "PING":
		if len(msg.Params) >= 1 {
			s.engine.SendRaw(link, s.me.Numnick+" Z :"+msg.Params[0])
		}
	case "PONG", "EB":
		// burst-end and pong only refresh activity
	case "NICK":
		s.handleRemoteNick(sess, origin, msg)
	case "JOIN":
		if origin.User == nil || len(msg.Params) < 1 {
			return
		}
		ch, _ := s.chans.GetOrCreate(msg.Params[0])
		if _, already := ch.Member(origin.Numnick); already {
			return
		}
		ch.Join(origin.Numnick, 0)
		origin.User.Channels[directory.CaseFold(ch.Name)] = struct{}{}
		s.engine.SendToChannelButServers(origin, "JOIN", ch, send.Chan(ch.Name))
		s.engine.SendToServersBut(origin, "JOIN", link, send.Chan(ch.Name))
	case "PART":
		if origin.User == nil || len(msg.Params) < 1 {
			return
		}
		ch, ok := s.chans.Lookup(msg.Params[0])
		if !ok {
			return
		}
		reason := paramOr(msg, 1, origin.Name)
		s.engine.SendToChannelButServers(origin, "PART", ch, send.Chan(ch.Name), send.Trailing(reason))
		s.engine.SendToServersBut(origin, "PART", link, send.Chan(ch.Name), send.Trailing(reason))
		ch.Part(origin.Numnick)
		delete(origin.User.Channels, directory.CaseFold(ch.Name))
		s.chans.Sweep()
	case "PRIVMSG", "NOTICE":
		if len(msg.Params) < 2 {
			return
		}
		target, text := msg.Params[0], msg.Params[1]
		if validChannelName(target) {
			if ch, ok := s.chans.Lookup(target); ok {
				s.engine.SendToChannelButOne(origin, verb, ch, link, send.SkipDeaf|send.SkipBurst,
					send.Chan(ch.Name), send.Trailing(text))
			}
			return
		}
		if victim, ok := s.dir.LookupByNumnick(target); ok {
			s.deliverToUser(origin, verb, victim, send.EntityRef(victim), send.Trailing(text))
		} else if victim, ok := s.dir.LookupByName(target); ok {
			s.deliverToUser(origin, verb, victim, send.EntityRef(victim), send.Trailing(text))
		}
	case "QUIT":
		if origin != link && origin.Status == directory.StatusUser {
			s.ctl.ExitClient(origin, origin, paramOr(msg, 0, "Client quit"))
		}
	case "KILL":
		if len(msg.Params) < 2 {
			return
		}
		if victim, ok := s.dir.LookupByNumnick(msg.Params[0]); ok {
			if victim.Status == directory.LocalUser {
				if conn, bound := s.engine.Conn(victim.Numnick); bound {
					s.engine.SendPrioToOne(origin, "KILL", victim, send.EntityRef(victim), send.Trailing(msg.Params[1]))
					conn.MarkDead("Killed (" + msg.Params[1] + ")")
				}
			} else {
				s.ctl.ExitClient(origin, victim, "Killed ("+msg.Params[1]+")")
			}
		}
	case "SQUIT":
		if len(msg.Params) < 1 {
			return
		}
		if target, ok := s.dir.LookupByName(msg.Params[0]); ok && target.Status == directory.StatusServer {
			s.ctl.Squit(origin, target, paramOr(msg, 1, "Remote SQUIT"))
		}
	case "TOPIC":
		if origin.User == nil || len(msg.Params) < 2 {
			return
		}
		if ch, ok := s.chans.Lookup(msg.Params[0]); ok {
			ch.Topic = msg.Params[1]
			ch.TopicBy = origin.Name
			ch.TopicAt = time.Now()
			s.engine.SendToChannelButServers(origin, "TOPIC", ch, send.Chan(ch.Name), send.Trailing(ch.Topic))
			s.engine.SendToServersBut(origin, "TOPIC", link, send.Chan(ch.Name), send.Trailing(ch.Topic))
		}
	case "SERVER":
		s.handleRemoteServerIntro(sess, link, msg)
	case "ERROR":
		sess.conn.MarkDead("ERROR from peer: " + paramOr(msg, 0, "unknown"))
	default:
		log.Printf("[server] unhandled %s from %s", verb, link.Name)
	}
}

// handleRemoteNick covers both a server introducing a new user (origin is
// a server) and a known remote user changing nick (origin is that user).
func (s *Server) handleRemoteNick(sess *session, origin *directory.Entity, msg wire.Message) {
	link := sess.ent
	if origin.Status == directory.StatusUser {
		if len(msg.Params) < 1 {
			return
		}
		newNick := msg.Params[0]
		if err := s.dir.Rename(origin, newNick); err != nil {
			s.resolveCollision(origin, err)
			return
		}
		origin.User.LastNickChange = time.Now()
		s.engine.SendToCommonChannels(origin, "NICK", send.Trailing(newNick))
		s.engine.SendToServersBut(origin, "NICK", link, send.Trailing(newNick))
		return
	}

	// New-user introduction:
	// <nick> <hop> <ts> <user> <host> <modes> <numnick> :<realname>
	if len(msg.Params) < 8 {
		return
	}
	ts, _ := strconv.ParseInt(msg.Params[2], 10, 64)
	nn := msg.Params[6]
	ent, entH := s.entities.Acquire()
	ent.Status = directory.StatusUser
	ent.Name = msg.Params[0]
	ent.Numnick = nn
	ent.Upstream = origin
	ent.FirstSeen = time.Unix(ts, 0)
	ent.LastActivity = ent.FirstSeen
	ent.User = &directory.UserData{
		Username: msg.Params[3],
		Host:     msg.Params[4],
		Realname: msg.Params[7],
		Channels: make(map[string]struct{}),
	}
	s.entityHandles[ent] = entH

	if err := s.dir.Register(ent); err != nil {
		var ce *directory.CollisionError
		if asCollision(err, &ce) {
			switch {
			case ce.KillBoth:
				// Identical timestamps: both participants die, each with a
				// network-wide KILL so every server converges.
				s.engine.SendToServersBut(s.me, "KILL", nil, send.Str(ce.Existing.Numnick), send.Trailing("Nick collision"))
				s.ctl.ExitClient(s.me, ce.Existing, "Nick collision")
				s.engine.SendToServersBut(s.me, "KILL", nil, send.Str(nn), send.Trailing("Nick collision"))
				s.releaseEntity(ent)
			case ce.KillExisting:
				s.engine.SendToServersBut(s.me, "KILL", nil, send.Str(ce.Existing.Numnick), send.Trailing("Nick collision (older nick overruled)"))
				s.ctl.ExitClient(s.me, ce.Existing, "Nick collision (older nick overruled)")
				if err := s.dir.Register(ent); err != nil {
					s.releaseEntity(ent)
					return
				}
				s.relayIntro(sess, ent, msg)
			default:
				// Incoming is younger: tell the network it loses.
				s.engine.SendToServersBut(s.me, "KILL", nil, send.Str(nn), send.Trailing("Nick collision (younger)"))
				s.releaseEntity(ent)
			}
			return
		}
		log.Printf("[server] dropping user introduction from %s: %v", link.Name, err)
		s.releaseEntity(ent)
		return
	}
	s.relayIntro(sess, ent, msg)
}

// relayIntro forwards a freshly-accepted remote user introduction to every
// other linked server.
func (s *Server) relayIntro(sess *session, ent *directory.Entity, msg wire.Message) {
	s.engine.SendToServersBut(ent.Upstream, "NICK", sess.ent,
		send.Str(ent.Name), send.Int(2), send.Int(int(ent.FirstSeen.Unix())),
		send.Str(ent.User.Username), send.Str(ent.User.Host), send.Str(paramOr(msg, 5, "+")),
		send.Str(ent.Numnick), send.Trailing(ent.User.Realname))
}

// resolveCollision applies the older-wins tie-break when a remote nick
// change collides with a live name. Same wire contract as the introduction
// path: each loser gets a network-wide KILL broadcast in addition to the
// QUIT fanout its teardown produces, so every server converges on the same
// survivor regardless of which collision form it observed.
func (s *Server) resolveCollision(incoming *directory.Entity, err error) {
	var ce *directory.CollisionError
	if !asCollision(err, &ce) {
		return
	}
	kill := func(victim *directory.Entity, reason string) {
		s.engine.SendToServersBut(s.me, "KILL", nil, send.Str(victim.Numnick), send.Trailing(reason))
		s.ctl.ExitClient(s.me, victim, reason)
	}
	switch {
	case ce.KillBoth:
		kill(ce.Existing, "Nick collision")
		kill(incoming, "Nick collision")
	case ce.KillExisting:
		kill(ce.Existing, "Nick collision (older nick overruled)")
	default:
		kill(incoming, "Nick collision (younger)")
	}
}

// handleRemoteServerIntro adds a server introduced behind an established
// link, enforcing the accepting ConfItem's hub-limit.
func (s *Server) handleRemoteServerIntro(sess *session, link *directory.Entity, msg wire.Message) {
	if len(msg.Params) < 4 {
		return
	}
	name, nn, desc := msg.Params[0], msg.Params[2], msg.Params[len(msg.Params)-1]
	hop, _ := strconv.Atoi(msg.Params[1])

	if sess.item != nil && sess.item.HubLimitMask != "" && !maskMatchName(sess.item.HubLimitMask, name) {
		s.engine.SendOpMaskNotice(nil, send.SnoLink,
			fmt.Sprintf("%s tried to introduce %s beyond its hub limit", link.Name, name))
		sess.conn.MarkDead("Hub limit exceeded")
		return
	}

	ent, entH := s.entities.Acquire()
	ent.Status = directory.StatusServer
	ent.Name = name
	ent.Numnick = nn
	ent.FirstSeen = time.Now()
	ent.Server = &directory.ServerData{HopCount: hop, Description: desc}
	s.entityHandles[ent] = entH
	if err := s.dir.Register(ent); err != nil {
		log.Printf("[server] dropping server introduction %s from %s: %v", name, link.Name, err)
		s.releaseEntity(ent)
		return
	}
	parent := link
	if msg.Prefix != "" {
		if p, ok := s.dir.LookupByNumnick(msg.Prefix); ok && p.Status.IsServer() {
			parent = p
		}
	}
	directory.LinkServer(ent, parent)
	if _, err := directory.HopsToRoot(ent, maxHops); err != nil {
		log.Printf("[server] FATAL: %v", err)
		panic(err)
	}
	s.engine.SendToServersBut(parent, "SERVER", sess.ent,
		send.Str(name), send.Int(hop+1), send.Str(nn), send.Trailing(desc))
}

// ---- helpers ----

func paramOr(msg wire.Message, i int, def string) string {
	if len(msg.Params) > i {
		return msg.Params[i]
	}
	return def
}

func validNick(nick string) bool {
	if nick == "" || len(nick) > 30 {
		return false
	}
	if nick[0] >= '0' && nick[0] <= '9' {
		return false
	}
	for i := 0; i < len(nick); i++ {
		c := nick[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("[]\\`_^{}|-", c) >= 0:
		default:
			return false
		}
	}
	return true
}

func validChannelName(name string) bool {
	if len(name) < 2 || len(name) > 200 {
		return false
	}
	switch name[0] {
	case '#', '&', '+', '!':
	default:
		return false
	}
	return !strings.ContainsAny(name, " ,\x07")
}

func userModeString(m directory.UserModes) string {
	var b strings.Builder
	for _, f := range []struct {
		bit directory.UserModes
		ch  byte
	}{
		{directory.UserInvisible, 'i'},
		{directory.UserWallops, 'w'},
		{directory.UserDebug, 'g'},
		{directory.UserDeaf, 'd'},
		{directory.UserOper, 'o'},
		{directory.UserLocalOper, 'O'},
		{directory.UserServerNotice, 's'},
	} {
		if m&f.bit != 0 {
			b.WriteByte(f.ch)
		}
	}
	return b.String()
}

// applyUserModes mutates u's mode bits per a "+iw-d" style change string.
// +o/+O are never grantable this way; -o/-O always are.
func applyUserModes(u *directory.UserData, changes string) {
	adding := true
	for i := 0; i < len(changes); i++ {
		switch c := changes[i]; c {
		case '+':
			adding = true
		case '-':
			adding = false
		default:
			var bit directory.UserModes
			switch c {
			case 'i':
				bit = directory.UserInvisible
			case 'w':
				bit = directory.UserWallops
			case 'g':
				bit = directory.UserDebug
			case 'd':
				bit = directory.UserDeaf
			case 's':
				bit = directory.UserServerNotice
			case 'o':
				if !adding {
					bit = directory.UserOper
				}
			case 'O':
				if !adding {
					bit = directory.UserLocalOper
				}
			}
			if bit == 0 {
				continue
			}
			if adding {
				u.Modes |= bit
			} else {
				u.Modes &^= bit
			}
		}
	}
}

// maskMatchName is the IRC '*'/'?' mask match, shared by the oper, crule,
// and hub-limit checks at this layer.
func maskMatchName(pattern, s string) bool {
	if pattern == "" {
		return true
	}
	return maskFold(strings.ToLower(pattern), strings.ToLower(s))
}

func maskFold(pattern, s string) bool {
	if pattern == "" {
		return s == ""
	}
	switch pattern[0] {
	case '*':
		if maskFold(pattern[1:], s) {
			return true
		}
		for i := 0; i < len(s); i++ {
			if maskFold(pattern[1:], s[i+1:]) {
				return true
			}
		}
		return false
	case '?':
		if s == "" {
			return false
		}
		return maskFold(pattern[1:], s[1:])
	default:
		if s == "" || s[0] != pattern[0] {
			return false
		}
		return maskFold(pattern[1:], s[1:])
	}
}

func asCollision(err error, target **directory.CollisionError) bool {
	ce, ok := err.(*directory.CollisionError)
	if ok {
		*target = ce
	}
	return ok
}
