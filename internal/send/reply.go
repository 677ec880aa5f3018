package send

import (
	"fmt"

	"github.com/valyala/fasttemplate"

	"ircd/internal/directory"
	"ircd/internal/wire"
)

// SndExplicit is a bit set on the numeric argument to SendReply to request
// the "explicit format" escape hatch: the first
// variadic argument is sent verbatim as the complete reply line rather than
// a lookup into the built-in table. The low bits of numeric (below this
// flag) are not written to the wire; the caller's line carries its own code.
const SndExplicit = 1 << 16

// replyTemplates holds one fasttemplate string per RFC-numeric reply this
// implementation emits (not the full RFC 1459 numeric space, just what the
// served commands need). Tags
// use fasttemplate's "{tag}" delimiters, filled from the named-argument map
// SendReply builds from its variadic Arg list in table order.
var replyTemplates = map[int]struct {
	tag  string
	tmpl string
}{
	1:   {"RPL_WELCOME", ":{server} 001 {nick} :Welcome to the network, {nick}!{user}@{host}"},
	2:   {"RPL_YOURHOST", ":{server} 002 {nick} :Your host is {server}"},
	3:   {"RPL_CREATED", ":{server} 003 {nick} :This server was created {created}"},
	4:   {"RPL_MYINFO", ":{server} 004 {nick} {server} ircd-go"},
	5:   {"RPL_ISUPPORT", ":{server} 005 {nick} :are supported by this server"},
	332: {"RPL_TOPIC", ":{server} 332 {nick} {channel} :{topic}"},
	353: {"RPL_NAMREPLY", ":{server} 353 {nick} = {channel} :{names}"},
	366: {"RPL_ENDOFNAMES", ":{server} 366 {nick} {channel} :End of /NAMES list"},
	314: {"RPL_WHOWASUSER", ":{server} 314 {nick} {who} {user} {host} * :{realname}"},
	369: {"RPL_ENDOFWHOWAS", ":{server} 369 {nick} {who} :End of WHOWAS"},
	401: {"ERR_NOSUCHNICK", ":{server} 401 {nick} {target} :No such nick/channel"},
	403: {"ERR_NOSUCHCHANNEL", ":{server} 403 {nick} {channel} :No such channel"},
	442: {"ERR_NOTONCHANNEL", ":{server} 442 {nick} {channel} :You're not on that channel"},
	481: {"ERR_NOPRIVILEGES", ":{server} 481 {nick} :Permission Denied- You're not an IRC operator"},
	464: {"ERR_PASSWDMISMATCH", ":{server} 464 {nick} :Password incorrect"},
}

// replyArgKeys lists, per numeric, the positional names SendReply's
// variadic args are bound to, in order. A caller passes exactly len(keys)
// Args; mismatches are a programmer error (panic), not a runtime ACR.
var replyArgKeys = map[int][]string{
	1:   {"server", "nick", "user", "host"},
	2:   {"server", "nick"},
	3:   {"server", "nick", "created"},
	4:   {"server", "nick"},
	5:   {"server", "nick"},
	332: {"server", "nick", "channel", "topic"},
	353: {"server", "nick", "channel", "names"},
	366: {"server", "nick", "channel"},
	314: {"server", "nick", "who", "user", "host", "realname"},
	369: {"server", "nick", "who"},
	401: {"server", "nick", "target"},
	403: {"server", "nick", "channel"},
	442: {"server", "nick", "channel"},
	481: {"server", "nick"},
	464: {"server", "nick"},
}

// SendReply formats and delivers an RFC-numeric reply to a local client.
// args are bound positionally to the numeric's declared key
// list (replyArgKeys); if numeric has SndExplicit set, args[0] is sent
// unchanged as the whole line (it is not expanded as a template, later args
// are ignored, and numeric&^SndExplicit does not appear in the output).
func (e *Engine) SendReply(to *directory.Entity, numeric int, args ...Arg) {
	code := numeric &^ SndExplicit
	var line string
	if numeric&SndExplicit != 0 {
		if len(args) == 0 {
			panic("send: SendReply with SndExplicit requires a format-string arg")
		}
		line = args[0].forClient()
	} else {
		entry, ok := replyTemplates[code]
		if !ok {
			panic(fmt.Sprintf("send: no reply template registered for numeric %d", code))
		}
		keys := replyArgKeys[code]
		if len(keys) != len(args) {
			panic(fmt.Sprintf("send: numeric %d (%s) expects %d args, got %d", code, entry.tag, len(keys), len(args)))
		}
		values := make(map[string]any, len(keys))
		for i, k := range keys {
			values[k] = args[i].forClient()
		}
		line = fasttemplate.ExecuteString(entry.tmpl, "{", "}", values)
	}
	buf := wire.NewMsgBuf(line)
	defer buf.Release()
	e.enqueue(to, buf, false)
}
