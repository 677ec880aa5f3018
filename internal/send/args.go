package send

import (
	"strconv"

	"ircd/internal/directory"
)

// Arg is a typed builder for command parameters: callers build a
// command's parameters as a small tagged union instead of a pre-formatted
// string, and the engine renders each Arg to its per-dialect text only when
// a MsgBuf for that dialect actually needs to be built.
//
// EntityRef is the %C conversion: a client recipient sees the referenced
// entity's plain name, a server recipient sees its numnick. Str and Chan are
// both the identity conversion (a channel name is the same text in either
// dialect), kept as distinct constructors so call sites read
// as documentation of intent.
type Arg struct {
	kind     argKind
	str      string
	num      int
	entity   *directory.Entity
	trailing bool
}

type argKind int

const (
	argString argKind = iota
	argInt
	argEntity
)

// Str wraps a literal string parameter (a channel name, a mode string, a
// single-word argument).
func Str(s string) Arg { return Arg{kind: argString, str: s} }

// Trailing wraps a free-text final parameter (a message body, a quit
// reason, a realname): the rendered line carries it in the ':'-introduced
// trailing form even when it happens to contain no space.
func Trailing(s string) Arg { return Arg{kind: argString, str: s, trailing: true} }

// Chan wraps a channel name parameter; identical rendering to Str in both
// dialects, named separately to document the %H call sites.
func Chan(name string) Arg { return Arg{kind: argString, str: name} }

// Int wraps an integer parameter (e.g. a hopcount or numeric reply code).
func Int(n int) Arg { return Arg{kind: argInt, num: n} }

// EntityRef wraps a reference to a directory entity; the %C conversion.
func EntityRef(e *directory.Entity) Arg { return Arg{kind: argEntity, entity: e} }

func (a Arg) forClient() string {
	switch a.kind {
	case argInt:
		return strconv.Itoa(a.num)
	case argEntity:
		if a.entity == nil {
			return "*"
		}
		return a.entity.Name
	default:
		return a.str
	}
}

func (a Arg) forServer() string {
	switch a.kind {
	case argInt:
		return strconv.Itoa(a.num)
	case argEntity:
		if a.entity == nil {
			return "*"
		}
		return a.entity.Numnick
	default:
		return a.str
	}
}

func renderClient(args []Arg) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a.forClient()
	}
	return out
}

func renderServer(args []Arg) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a.forServer()
	}
	return out
}
