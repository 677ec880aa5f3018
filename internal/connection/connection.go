// Package connection implements per-link state: a receive buffer, two
// prioritized MsgBuf output queues, framing,
// and the handshake/ping timers that gate when an Unregistered connection
// becomes a User or Server entity.
package connection

import (
	"time"

	"github.com/valyala/bytebufferpool"

	"ircd/internal/wire"
)

// Requirement is the "what's still needed to finish handshake" bitmask:
// a connection registers once every required bit has been cleared.
type Requirement uint8

const (
	ReqNick Requirement = 1 << iota
	ReqUser
	ReqPass
	ReqCapEnd
	ReqAuth
)

type queueEntry struct {
	buf    *wire.MsgBuf
	offset int
}

// Connection owns a receive dbuffer and two output queues, priority
// drained strictly before normal. It implements
// internal/pool.Poolable so a *Connection can live in a fixed-capacity free
// list and keep a stable address across acquire/release cycles.
type Connection struct {
	recv *bytebufferpool.ByteBuffer

	priority []queueEntry
	normal   []queueEntry

	priorityBytes int
	normalBytes   int
	sendqLimit    int // 0 means unlimited

	closed     bool
	dead       bool
	deadReason string

	pending Requirement

	socketOwned bool
	timerArmed  bool

	LastActivity time.Time
	PingDeadline time.Time
	RegDeadline  time.Time
}

// New returns a fresh Connection ready for pool priming.
func New() *Connection {
	return &Connection{recv: bytebufferpool.Get()}
}

// Poison implements pool.Poolable: resets every field to its zero value;
// released buffers already had their refs dropped by Close before release
// was permitted.
func (c *Connection) Poison() {
	c.recv.Reset()
	c.priority = nil
	c.normal = nil
	c.priorityBytes = 0
	c.normalBytes = 0
	c.sendqLimit = 0
	c.closed = false
	c.dead = false
	c.deadReason = ""
	c.pending = 0
	c.socketOwned = false
	c.timerArmed = false
	c.LastActivity = time.Time{}
	c.PingDeadline = time.Time{}
	c.RegDeadline = time.Time{}
}

// Busy implements pool.Poolable: a Connection refuses to be pooled while it
// still owns a live socket or an armed timer.
func (c *Connection) Busy() bool {
	return c.socketOwned || c.timerArmed
}

// Open marks the connection as owning a live socket and sets its initial
// handshake requirement bitmask and registration deadline.
func (c *Connection) Open(pending Requirement, regDeadline time.Time) {
	c.socketOwned = true
	c.pending = pending
	c.RegDeadline = regDeadline
}

// SetSendQLimit configures the high-water mark (bytes) for each output
// queue; 0 disables the check (used in tests).
func (c *Connection) SetSendQLimit(n int) { c.sendqLimit = n }

// Pending returns the still-outstanding handshake requirements.
func (c *Connection) Pending() Requirement { return c.pending }

// Complete clears req from the pending bitmask.
func (c *Connection) Complete(req Requirement) { c.pending &^= req }

// Require re-adds req to the pending bitmask (a nick collision during
// handshake sends the client back to waiting for a fresh NICK).
func (c *Connection) Require(req Requirement) { c.pending |= req }

// QueuedBytes reports the total bytes currently queued across both output
// queues, for stats reporting.
func (c *Connection) QueuedBytes() int { return c.priorityBytes + c.normalBytes }

// Registered reports whether every handshake requirement has been met.
func (c *Connection) Registered() bool { return c.pending == 0 }

// ArmTimer/DisarmTimer track whether a ping or registration timer is
// currently scheduled with the event loop, so Busy() can refuse to pool a
// Connection the event loop still references.
func (c *Connection) ArmTimer()    { c.timerArmed = true }
func (c *Connection) DisarmTimer() { c.timerArmed = false }

// IsDead reports whether the connection has been marked for post-tick
// closure.
func (c *Connection) IsDead() bool { return c.dead }

// DeadReason returns the reason a dead connection was marked, if any.
func (c *Connection) DeadReason() string { return c.deadReason }

// MarkDead flags the connection for closure by the post-tick reaper without
// tearing it down immediately — required so fanout can discover a
// slow-consumer mid-iteration without recursing into teardown.
func (c *Connection) MarkDead(reason string) {
	if c.dead {
		return
	}
	c.dead = true
	c.deadReason = reason
}

// Feed appends newly-read bytes to the receive dbuffer.
func (c *Connection) Feed(data []byte) {
	c.recv.Write(data)
}

// ConsumeLine parses one CRLF-terminated line off the receive dbuffer,
// returning ok=false if none is complete yet.
func (c *Connection) ConsumeLine() (line string, ok bool) {
	l, rest, found := wire.ConsumeLine(c.recv.B)
	if !found {
		return "", false
	}
	lineCopy := string(l)
	c.recv.B = append(c.recv.B[:0], rest...)
	return lineCopy, true
}

// Enqueue appends msg to the priority or normal queue and retains a
// reference to it. If the queue's byte total then exceeds
// the configured sendq limit, the connection is marked dead with reason
// "SendQ exceeded".
func (c *Connection) Enqueue(msg *wire.MsgBuf, priority bool) {
	msg.Retain()
	n := len(msg.Bytes())
	if priority {
		c.priority = append(c.priority, queueEntry{buf: msg})
		c.priorityBytes += n
	} else {
		c.normal = append(c.normal, queueEntry{buf: msg})
		c.normalBytes += n
	}
	if c.sendqLimit > 0 && (c.priorityBytes > c.sendqLimit || c.normalBytes > c.sendqLimit) {
		c.MarkDead("SendQ exceeded")
	}
}

// activeQueue returns a pointer to whichever queue should be drained next:
// priority strictly before normal.
func (c *Connection) activeQueue() *[]queueEntry {
	if len(c.priority) > 0 {
		return &c.priority
	}
	if len(c.normal) > 0 {
		return &c.normal
	}
	return nil
}

// Drain writes queued bytes via write, priority queue first, up to budget
// bytes total, and returns the number of bytes written and whether both
// queues are now empty. write is the socket-layer collaborator; it may
// write fewer bytes than requested (partial write) but
// must not block.
func (c *Connection) Drain(budget int, write func([]byte) (int, error)) (written int, empty bool, err error) {
	for budget > 0 {
		q := c.activeQueue()
		if q == nil {
			break
		}
		entry := &(*q)[0]
		data := entry.buf.Bytes()[entry.offset:]
		if len(data) > budget {
			data = data[:budget]
		}
		n, werr := write(data)
		written += n
		budget -= n
		entry.offset += n
		if q == &c.priority {
			c.priorityBytes -= n
		} else {
			c.normalBytes -= n
		}
		if werr != nil {
			return written, false, werr
		}
		if n == 0 {
			break
		}
		if entry.offset >= len(entry.buf.Bytes()) {
			entry.buf.Release()
			*q = (*q)[1:]
		}
	}
	return written, len(c.priority) == 0 && len(c.normal) == 0, nil
}

// Close tears down the connection: clears both queues (releasing every
// MsgBuf ref), disarms timers, and marks the socket no longer owned so the
// object pool will accept it back. Idempotent.
func (c *Connection) Close(reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.deadReason = reason
	for _, e := range c.priority {
		e.buf.Release()
	}
	for _, e := range c.normal {
		e.buf.Release()
	}
	c.priority = nil
	c.normal = nil
	c.priorityBytes = 0
	c.normalBytes = 0
	c.socketOwned = false
	c.timerArmed = false
}

// Closed reports whether Close has already run.
func (c *Connection) Closed() bool { return c.closed }
