// Package send implements the routing kernel: given a
// command and a destination descriptor, it produces the correct on-wire
// form for each downstream link — formatting at most once per distinct
// dialect required for a single call — and enqueues it on the recipient's
// Connection (priority or normal queue).
package send

import (
	"fmt"

	"ircd/internal/channel"
	"ircd/internal/connection"
	"ircd/internal/directory"
	"ircd/internal/wire"
)

// dialectCache builds at most one MsgBuf per prefix/command-form pair for a
// single fanout call: a small cache on the call frame keyed by
// (command-form, prefix-form) whose lifetime is the duration of the fanout
// call. Only two dialects exist in this
// protocol (clients always get cmd+textual, servers always get tok+numeric),
// so two slots suffice.
type dialectCache struct {
	from   *directory.Entity
	verb   string
	args   []Arg
	client *wire.MsgBuf
	server *wire.MsgBuf
}

func newDialectCache(from *directory.Entity, verb string, args []Arg) *dialectCache {
	return &dialectCache{from: from, verb: verb, args: args}
}

func clientPrefix(from *directory.Entity) string {
	if from == nil {
		return ""
	}
	if from.Status == directory.StatusUser || from.Status == directory.LocalUser {
		host := ""
		user := ""
		if from.User != nil {
			host = from.User.Host
			user = from.User.Username
		}
		return fmt.Sprintf("%s!%s@%s", from.Name, user, host)
	}
	return from.Name
}

func serverPrefix(from *directory.Entity) string {
	if from == nil {
		return ""
	}
	return from.Numnick
}

func (c *dialectCache) trailing() bool {
	return len(c.args) > 0 && c.args[len(c.args)-1].trailing
}

func (c *dialectCache) forClient() *wire.MsgBuf {
	if c.client == nil {
		line := wire.Format(wire.Message{Prefix: clientPrefix(c.from), Command: c.verb, Params: renderClient(c.args), TrailingForm: c.trailing()})
		c.client = wire.NewMsgBuf(line)
	}
	return c.client
}

func (c *dialectCache) forServer() *wire.MsgBuf {
	if c.server == nil {
		line := wire.Format(wire.Message{Prefix: serverPrefix(c.from), Command: Token(c.verb), Params: renderServer(c.args), TrailingForm: c.trailing()})
		c.server = wire.NewMsgBuf(line)
	}
	return c.server
}

// release drops the cache's own reference to any buffer it built: callers
// retain a ref per Connection.Enqueue, so the buffer built here (refcount 1
// at construction) is only actually freed once every recipient queue that
// retained it has also released it.
func (c *dialectCache) release() {
	if c.client != nil {
		c.client.Release()
	}
	if c.server != nil {
		c.server.Release()
	}
}

// Engine is the send-engine's live state: the directory it routes against,
// the channel registry for channel-fanout operations, and the set of
// Connections belonging to locally-attached entities. Directory and channel
// own their own records; Engine only holds the non-owning numnick-keyed map
// from entity to live Connection.
type Engine struct {
	dir   *directory.Directory
	chans *channel.Registry
	conns map[string]*connection.Connection

	marks  map[string]int
	epoch  int
	snoSub map[string]SNOMask
}

// NewEngine creates a send Engine bound to dir and chans.
func NewEngine(dir *directory.Directory, chans *channel.Registry) *Engine {
	return &Engine{
		dir:    dir,
		chans:  chans,
		conns:  make(map[string]*connection.Connection),
		marks:  make(map[string]int),
		snoSub: make(map[string]SNOMask),
	}
}

// Bind associates a locally-attached entity's numnick with its live
// Connection, so the engine's fanout operations can enqueue onto it.
func (e *Engine) Bind(numnick string, conn *connection.Connection) {
	e.conns[numnick] = conn
}

// Unbind removes a numnick's Connection association (called during
// teardown, before the Connection itself returns to the pool).
func (e *Engine) Unbind(numnick string) {
	delete(e.conns, numnick)
}

func (e *Engine) enqueue(to *directory.Entity, buf *wire.MsgBuf, priority bool) {
	conn, ok := e.conns[to.Numnick]
	if !ok {
		return
	}
	conn.Enqueue(buf, priority)
}

// nextMark returns a fresh monotonic epoch used by SendToCommonChannels to
// deduplicate recipients sharing more than one channel with the source.
func (e *Engine) nextMark() int {
	e.epoch++
	return e.epoch
}

// Conn returns the Connection bound to numnick, if any.
func (e *Engine) Conn(numnick string) (*connection.Connection, bool) {
	c, ok := e.conns[numnick]
	return c, ok
}

// BoundNumnicks returns a stable snapshot of every numnick currently bound
// to a live Connection, for the post-tick reaper's dead-connection sweep.
func (e *Engine) BoundNumnicks() []string {
	out := make([]string, 0, len(e.conns))
	for n := range e.conns {
		out = append(out, n)
	}
	return out
}
