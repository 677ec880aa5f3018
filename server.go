package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"ircd/internal/channel"
	"ircd/internal/config"
	"ircd/internal/connection"
	"ircd/internal/directory"
	"ircd/internal/httpapi"
	"ircd/internal/lifecycle"
	"ircd/internal/numnick"
	"ircd/internal/pool"
	"ircd/internal/send"
	"ircd/internal/wire"
)

// errBind distinguishes a listener bind failure (exit code 2) from every
// other startup error.
var errBind = errors.New("bind failure")

// session is the daemon-side record for one accepted socket: the net.Conn,
// its pooled Connection, and the handshake scratch that exists before a
// directory entity is registered for it.
type session struct {
	netConn net.Conn
	conn    *connection.Connection
	connH   pool.Handle
	ent     *directory.Entity
	entH    pool.Handle

	uid  int // user-ID suffix allocated for a local client, -1 otherwise
	ip   string
	host string

	nick     string
	username string
	realname string
	gotUser  bool
	password string
	isServer bool

	class  *config.Class
	item   *config.ConfItem
	authID uuid.UUID

	targetOK func() bool // target-change ratelimit, set at registration

	pingSent bool
	closed   bool
}

func (s *session) registered() bool {
	return s.ent != nil && (s.ent.Status == directory.LocalUser || s.ent.Status == directory.LocalServer)
}

// Server is the ircd daemon: it owns the single-threaded event loop every
// subsystem is driven from, the listener, and the object pools
// behind entity and connection records.
type Server struct {
	addr      string
	tlsAddr   string
	tlsConfig *tls.Config
	confPath  string

	adm    *config.Admission
	dir    *directory.Directory
	chans  *channel.Registry
	engine *send.Engine
	ctl    *lifecycle.Controller
	me     *directory.Entity

	entities      *pool.Pool[*directory.Entity]
	conns         *pool.Pool[*connection.Connection]
	entityHandles map[*directory.Entity]pool.Handle
	uids          *numnick.Allocator

	sessions  map[*session]struct{}
	byNumnick map[string]*session

	dns    *resolver
	events chan func()

	started  time.Time
	created  string
	bytesOut uint64

	// checkPassword is the operator-password collaborator; plain comparison by default.
	checkPassword func(attempt, stored string) bool
}

// NewServer builds a Server over an already-loaded policy snapshot.
func NewServer(addr, confPath string, adm *config.Admission) (*Server, error) {
	local := adm.Snapshot().Local
	if local.ServerName == "" || len(local.Numnick) != 2 {
		return nil, fmt.Errorf("conf: [local] must set server_name and a 2-character numnick")
	}
	if _, err := numnick.Decode(local.Numnick); err != nil {
		return nil, fmt.Errorf("conf: [local] numnick: %w", err)
	}

	dir := directory.New(whowasCapacity)
	chans := channel.NewRegistry()
	engine := send.NewEngine(dir, chans)

	me := &directory.Entity{
		Status:  directory.Me,
		Name:    local.ServerName,
		Numnick: local.Numnick,
		Server:  &directory.ServerData{Description: local.Description},
	}
	if err := dir.Register(me); err != nil {
		return nil, err
	}

	s := &Server{
		addr:          addr,
		confPath:      confPath,
		adm:           adm,
		dir:           dir,
		chans:         chans,
		engine:        engine,
		me:            me,
		entities:      pool.New(maxConnections, func() *directory.Entity { return &directory.Entity{} }),
		conns:         pool.New(maxConnections, connection.New),
		entityHandles: make(map[*directory.Entity]pool.Handle),
		uids:          numnick.NewAllocator(3),
		sessions:      make(map[*session]struct{}),
		byNumnick:     make(map[string]*session),
		dns:           newResolver(lookupTimeout),
		events:        make(chan func(), 256),
		started:       time.Now(),
		created:       time.Now().UTC().Format("Mon Jan 2 2006 at 15:04:05 UTC"),
		checkPassword: func(attempt, stored string) bool { return attempt == stored },
	}
	s.ctl = lifecycle.NewController(dir, chans, engine, adm, me)
	s.ctl.ReleaseEntity = s.releaseEntity
	s.ctl.CloseConn = s.closeByNumnick
	return s, nil
}

// SetTLS enables an additional TLS client listener on addr.
func (s *Server) SetTLS(addr string, cfg *tls.Config) {
	s.tlsAddr = addr
	s.tlsConfig = cfg
}

// post schedules f onto the event loop.
func (s *Server) post(f func()) { s.events <- f }

// Run binds the listener(s) and drives the event loop until ctx is
// canceled. A bind failure is reported wrapped in errBind so main can exit
// with the documented code.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", errBind, s.addr, err)
	}
	ln = netutil.LimitListener(ln, maxConnections)
	defer ln.Close()
	log.Printf("[server] %s listening on %s", s.me.Name, s.addr)

	var tlsLn net.Listener
	if s.tlsAddr != "" && s.tlsConfig != nil {
		tlsLn, err = tls.Listen("tcp", s.tlsAddr, s.tlsConfig)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", errBind, s.tlsAddr, err)
		}
		tlsLn = netutil.LimitListener(tlsLn, maxConnections)
		defer tlsLn.Close()
		log.Printf("[server] TLS listening on %s", s.tlsAddr)
	}

	go s.acceptLoop(ctx, ln)
	if tlsLn != nil {
		go s.acceptLoop(ctx, tlsLn)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case ev := <-s.events:
			ev()
			s.flush()
			s.reap()
		case <-ticker.C:
			s.tick()
			s.flush()
			s.reap()
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[server] accept: %v", err)
			return
		}
		s.post(func() { s.onAccept(c) })
	}
}

// Attach adopts an already-open stream (the -t stdin/stdout mode) as a
// client connection.
func (s *Server) Attach(c net.Conn) {
	s.post(func() { s.onAccept(c) })
}

func (s *Server) onAccept(netConn net.Conn) {
	conn, connH := s.conns.Acquire()
	conn.Open(connection.ReqNick|connection.ReqUser, time.Now().Add(registrationTimeout))
	conn.SetSendQLimit(defaultSendQLimit)
	conn.LastActivity = time.Now()
	conn.ArmTimer()

	ent, entH := s.entities.Acquire()
	ent.Status = directory.Unregistered
	ent.FirstSeen = time.Now()
	ent.SetOwnsConnection(true)
	s.entityHandles[ent] = entH

	ip := ""
	if ra := netConn.RemoteAddr(); ra != nil {
		if host, _, err := net.SplitHostPort(ra.String()); err == nil {
			ip = host
		} else {
			ip = ra.String()
		}
	}

	sess := &session{
		netConn: netConn,
		conn:    conn,
		connH:   connH,
		ent:     ent,
		entH:    entH,
		uid:     -1,
		ip:      ip,
		host:    ip,
	}
	s.sessions[sess] = struct{}{}
	s.sendRaw(sess, "NOTICE * :*** Looking up your hostname")

	sess.authID = s.dns.resolve(ip, func(res lookupResult) {
		s.post(func() { s.onResolved(sess, res) })
	})

	go s.readLoop(sess)
}

func (s *Server) readLoop(sess *session) {
	buf := make([]byte, 4096)
	for {
		n, err := sess.netConn.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.post(func() { s.onData(sess, data) })
		}
		if err != nil {
			s.post(func() { s.onHangup(sess, err) })
			return
		}
	}
}

func (s *Server) onData(sess *session, data []byte) {
	if sess.closed {
		return
	}
	sess.conn.Feed(data)
	sess.conn.LastActivity = time.Now()
	sess.pingSent = false
	for {
		line, ok := sess.conn.ConsumeLine()
		if !ok || sess.closed || sess.conn.IsDead() {
			break
		}
		if line == "" {
			continue
		}
		s.handleLine(sess, line)
	}
}

func (s *Server) onHangup(sess *session, err error) {
	if sess.closed || sess.conn.IsDead() {
		return
	}
	reason := "Read error"
	if errors.Is(err, net.ErrClosed) {
		return
	}
	if err != nil && err.Error() == "EOF" {
		reason = "EOF from client"
	}
	sess.conn.MarkDead(reason)
}

func (s *Server) onResolved(sess *session, res lookupResult) {
	if sess.closed || res.id != sess.authID {
		return // late reply for a connection that already moved on
	}
	if res.host == "" {
		s.sendRaw(sess, "NOTICE * :*** Couldn't look up your hostname, using your IP address instead")
		return
	}
	sess.host = res.host
	if sess.ent != nil && sess.ent.User != nil {
		sess.ent.User.Host = res.host
	}
	s.sendRaw(sess, "NOTICE * :*** Found your hostname")
}

// sendRaw enqueues a pre-formatted line on a session that may not have a
// directory identity yet (handshake notices, numerics before welcome).
func (s *Server) sendRaw(sess *session, line string) {
	buf := wire.NewMsgBuf(line)
	sess.conn.Enqueue(buf, false)
	buf.Release()
}

// flush drains every live session's output queues to its socket, up to
// drainBudget each, and marks write failures dead for the reaper.
func (s *Server) flush() {
	for sess := range s.sessions {
		if sess.closed || sess.conn.Closed() {
			continue
		}
		if sess.conn.QueuedBytes() == 0 {
			continue
		}
		sess.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		written, _, err := sess.conn.Drain(drainBudget, sess.netConn.Write)
		s.bytesOut += uint64(written)
		if err != nil {
			sess.conn.MarkDead("Write error: " + err.Error())
		}
	}
}

// reap closes every connection marked dead during the tick. Teardown fanout can
// itself mark more connections dead, so sweep until quiescent.
func (s *Server) reap() {
	for {
		var dead *session
		for sess := range s.sessions {
			if !sess.closed && sess.conn.IsDead() {
				dead = sess
				break
			}
		}
		if dead == nil {
			return
		}
		s.teardown(dead, dead.conn.DeadReason())
		s.flush()
	}
}

func (s *Server) teardown(sess *session, reason string) {
	if sess.registered() {
		s.ctl.ExitClient(s.me, sess.ent, reason)
		return // ctl calls back into closeByNumnick + releaseEntity
	}
	s.finishClose(sess, reason)
	if sess.ent != nil {
		s.releaseEntity(sess.ent)
		sess.ent = nil
	}
}

func (s *Server) closeByNumnick(numnick, reason string) {
	if sess, ok := s.byNumnick[numnick]; ok {
		s.finishClose(sess, reason)
	}
}

func (s *Server) finishClose(sess *session, reason string) {
	if sess.closed {
		return
	}
	sess.closed = true
	delete(s.sessions, sess)
	if sess.ent != nil && sess.ent.Numnick != "" {
		delete(s.byNumnick, sess.ent.Numnick)
	}

	// Final courtesy drain so the ERROR/QUIT line already queued reaches
	// the peer before the socket goes away.
	sess.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if written, _, err := sess.conn.Drain(drainBudget, sess.netConn.Write); err == nil {
		s.bytesOut += uint64(written)
	}

	sess.conn.Close(reason)
	sess.netConn.Close()
	if sess.uid >= 0 {
		s.uids.Release(sess.uid)
		sess.uid = -1
	}
	if err := s.conns.Release(sess.connH); err != nil {
		log.Printf("[server] connection release: %v", err)
	}
}

func (s *Server) releaseEntity(e *directory.Entity) {
	h, ok := s.entityHandles[e]
	if !ok {
		return // not pool-owned (Me)
	}
	delete(s.entityHandles, e)
	e.SetOwnsConnection(false)
	if err := s.entities.Release(h); err != nil {
		log.Printf("[server] entity release: %v", err)
	}
}

// tick runs the per-second timer work: registration timeouts, ping
// timeouts, and the channel sweep.
func (s *Server) tick() {
	now := time.Now()
	for sess := range s.sessions {
		if sess.closed || sess.conn.IsDead() {
			continue
		}
		if !sess.registered() {
			if now.After(sess.conn.RegDeadline) {
				s.sendRaw(sess, "ERROR :Closing Link: (Registration timeout)")
				sess.conn.MarkDead("Registration timeout")
			}
			continue
		}
		pingFreq := defaultPingFreq
		if sess.class != nil && sess.class.PingFreq > 0 {
			pingFreq = sess.class.PingFreq
		}
		idle := now.Sub(sess.conn.LastActivity)
		switch {
		case idle > 2*pingFreq && sess.pingSent:
			sess.conn.MarkDead("Ping timeout")
		case idle > pingFreq && !sess.pingSent:
			if sess.isServer {
				s.engine.SendRaw(sess.ent, fmt.Sprintf("%s G :%s", s.me.Numnick, s.me.Name))
			} else {
				s.engine.SendRaw(sess.ent, "PING :"+s.me.Name)
			}
			sess.pingSent = true
		}
	}
	for _, name := range s.chans.Sweep() {
		log.Printf("[server] destroyed empty channel %s", name)
	}
}

func (s *Server) shutdown() {
	for sess := range s.sessions {
		if sess.closed {
			continue
		}
		s.sendRaw(sess, "ERROR :Closing Link: (Server shutting down)")
		sess.conn.MarkDead("Server shutting down")
	}
	s.flush()
	s.reap()
}

// Snapshot collects a mutually-consistent stats snapshot by running the
// read inside the event loop. Callers are the metrics logger and the admin
// HTTP surface; never call it from the loop itself.
func (s *Server) Snapshot() httpapi.Stats {
	out := make(chan httpapi.Stats, 1)
	s.post(func() {
		st := httpapi.Stats{
			ServerName: s.me.Name,
			Started:    s.started,
			Entities:   s.dir.Len(),
			Channels:   s.chans.Len(),
			PoolLive:   s.conns.Len(),
			PoolCap:    s.conns.Cap(),
			BytesOut:   s.bytesOut,
		}
		st.LocalUsers = len(s.dir.IterateLocalUsers())
		for _, e := range s.dir.IterateServers() {
			if e.Status != directory.Me {
				st.Servers++
			}
		}
		for sess := range s.sessions {
			st.QueuedBytes += sess.conn.QueuedBytes()
		}
		out <- st
	})
	return <-out
}

// Rehash is the single rehash entry point shared by SIGHUP, the conf-file
// watcher, and the admin HTTP endpoint. A parse failure leaves the old
// snapshot in place and is reported to the initiator and to SNO_REHASH
// subscribers.
func (s *Server) Rehash() error {
	snap, err := config.LoadFile(s.confPath)
	if err != nil {
		s.post(func() {
			s.engine.SendOpMaskNotice(nil, send.SnoRehash, "Rehash failed: "+err.Error())
		})
		return err
	}
	done := make(chan struct{})
	s.post(func() {
		log.Printf("[server] rehashing from %s", s.confPath)
		s.ctl.Rehash(snap)
		s.reapplyClasses()
		close(done)
	})
	<-done
	return nil
}

// reapplyClasses refreshes per-connection limits that derive from a class
// after the class definitions may have changed under a rehash.
func (s *Server) reapplyClasses() {
	for sess := range s.sessions {
		if sess.class != nil && sess.class.SendQLimit > 0 {
			sess.conn.SetSendQLimit(sess.class.SendQLimit)
		}
	}
}

// SubscribeSNO is the admin-API hook for POST /api/sno: it validates the
// numnick names a local operator and applies the mask on the event loop.
func (s *Server) SubscribeSNO(numnick string, mask send.SNOMask) error {
	errCh := make(chan error, 1)
	s.post(func() {
		e, ok := s.dir.LookupByNumnick(numnick)
		if !ok || e.Status != directory.LocalUser {
			errCh <- fmt.Errorf("no local user with numnick %s", numnick)
			return
		}
		if e.User == nil || e.User.Modes&(directory.UserOper|directory.UserLocalOper) == 0 {
			errCh <- fmt.Errorf("%s is not an operator", e.Name)
			return
		}
		s.engine.Subscribe(numnick, mask)
		errCh <- nil
	})
	return <-errCh
}

// WhowasLookup is the admin-API hook for GET /api/whowas/:nick.
func (s *Server) WhowasLookup(nick string, count int) []directory.WhowasEntry {
	out := make(chan []directory.WhowasEntry, 1)
	s.post(func() { out <- s.dir.Whowas(nick, count) })
	return <-out
}
