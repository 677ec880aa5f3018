// Package wire implements the line-oriented RFC 1459 wire format: CRLF
// framing with a 512-byte hard limit, a parser satisfying the
// format/parse round-trip law, and MsgBuf, an immutable refcounted blob used
// by the send engine to format a line once per dialect and reuse it across
// every recipient in a fanout.
package wire

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/valyala/bytebufferpool"
)

// MaxLine is the hard per-line limit including the trailing CRLF.
const MaxLine = 512

const crlf = "\r\n"

// ConsumeLine extracts one CRLF-terminated line from buf. It returns the
// line (without the CRLF), the unconsumed remainder, and ok=true if a
// complete line was found. A terminated line whose payload exceeds
// MaxLine-2 bytes is rejected: the whole line is consumed but returned
// empty, so callers skip it and the stream stays framed. If buf holds
// MaxLine-2 or more bytes with no CRLF, ConsumeLine returns the first MaxLine-2
// bytes as a line anyway (so a pathological client can't stall registration
// by never sending CRLF) and advances past them, discarding nothing
// silently but not waiting forever.
func ConsumeLine(buf []byte) (line []byte, rest []byte, ok bool) {
	if i := bytes.Index(buf, []byte(crlf)); i >= 0 {
		if i > MaxLine-2 {
			return nil, buf[i+2:], true
		}
		return buf[:i], buf[i+2:], true
	}
	if len(buf) >= MaxLine-2 {
		return buf[:MaxLine-2], buf[MaxLine-2:], true
	}
	return nil, buf, false
}

// Message is a parsed wire line: an optional prefix, a command (either a
// textual verb like "PRIVMSG" or a 3-digit numeric), and positional
// parameters where the last one may have been introduced by a leading ':'
// trailing marker (recorded so re-formatting can reproduce it, satisfying
// the format/parse round-trip law).
type Message struct {
	Prefix       string
	Command      string
	Params       []string
	TrailingForm bool // true if the final param used the ':' trailing form on the wire
}

// Parse splits a single wire line (no CRLF) into a Message. It accepts both
// the textual IRC2 command form and the numeric form, and both client and
// P10 numnick prefixes.
func Parse(line string) (Message, error) {
	var m Message
	if line == "" {
		return m, fmt.Errorf("wire: empty line")
	}
	if line[0] == ':' {
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return m, fmt.Errorf("wire: prefix with no command")
		}
		m.Prefix = line[1:sp]
		line = strings.TrimLeft(line[sp+1:], " ")
	}
	if line == "" {
		return m, fmt.Errorf("wire: no command after prefix")
	}

	sp := strings.IndexByte(line, ' ')
	if sp < 0 {
		m.Command = strings.ToUpper(line)
		return m, nil
	}
	m.Command = strings.ToUpper(line[:sp])
	rest := strings.TrimLeft(line[sp+1:], " ")

	for rest != "" {
		if rest[0] == ':' {
			m.Params = append(m.Params, rest[1:])
			m.TrailingForm = true
			break
		}
		sp := strings.IndexByte(rest, ' ')
		if sp < 0 {
			m.Params = append(m.Params, rest)
			break
		}
		m.Params = append(m.Params, rest[:sp])
		rest = strings.TrimLeft(rest[sp+1:], " ")
	}
	return m, nil
}

// Format renders a Message back to a wire line (without CRLF), truncating
// the final parameter if needed so the whole line plus CRLF never exceeds
// MaxLine. The last parameter is written in the ':' trailing form when
// TrailingForm is set or when it is empty, contains a space or starts with
// ':'; earlier parameters are written as they are.
func Format(m Message) string {
	var b strings.Builder
	if m.Prefix != "" {
		b.WriteByte(':')
		b.WriteString(m.Prefix)
		b.WriteByte(' ')
	}
	b.WriteString(m.Command)
	for i, p := range m.Params {
		b.WriteByte(' ')
		last := i == len(m.Params)-1
		if last && (m.TrailingForm || p == "" || strings.ContainsRune(p, ' ') || strings.HasPrefix(p, ":")) {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}
	out := b.String()
	if len(out)+2 > MaxLine {
		out = out[:MaxLine-2]
	}
	return out
}

// MsgBuf is an immutable, refcounted wire line ready to be written to a
// socket. The send engine builds one MsgBuf per (command-form x prefix-form)
// dialect pair and shares it across every recipient that dialect applies to,
// rather than re-formatting per recipient.
type MsgBuf struct {
	data []byte
	refs int
}

// NewMsgBuf freezes s (a line without CRLF) into a ref-counted buffer with
// the terminating CRLF appended once. The initial refcount is 1.
func NewMsgBuf(line string) *MsgBuf {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	bb.WriteString(line)
	bb.WriteString(crlf)
	data := make([]byte, bb.Len())
	copy(data, bb.Bytes())
	return &MsgBuf{data: data, refs: 1}
}

// Bytes returns the frozen CRLF-terminated line. Callers must not modify it.
func (b *MsgBuf) Bytes() []byte { return b.data }

// Retain increments the refcount, used when a second recipient queue takes a
// reference to an already-built MsgBuf.
func (b *MsgBuf) Retain() *MsgBuf {
	b.refs++
	return b
}

// Release decrements the refcount and reports whether it reached zero (the
// caller should drop the buffer, it is no longer referenced by any queue).
func (b *MsgBuf) Release() bool {
	b.refs--
	if b.refs < 0 {
		panic("wire: MsgBuf released more times than retained")
	}
	return b.refs == 0
}

// RefCount reports the current reference count, for tests and diagnostics.
func (b *MsgBuf) RefCount() int { return b.refs }
