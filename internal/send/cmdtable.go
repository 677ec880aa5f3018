package send

// tokens maps each textual command verb to its P10 server-link token.
// Servers receive the token form; clients always receive the textual form.
// The table covers the commands a minimal network needs; extending it is a
// one-line addition, the same shape as the numeric reply table in reply.go.
var tokens = map[string]string{
	"PRIVMSG": "P",
	"NOTICE":  "O",
	"JOIN":    "J",
	"PART":    "L",
	"QUIT":    "Q",
	"NICK":    "N",
	"MODE":    "M",
	"KICK":    "K",
	"TOPIC":   "T",
	"SQUIT":   "SQ",
	"SERVER":  "S",
	"PING":    "G",
	"PONG":    "Z",
	"KILL":    "D",
	"WALLOPS": "WA",
	"ERROR":   "Y",
}

// Token returns the server-link token for verb, or verb itself if no token
// is registered (unrecognized verbs still traverse links correctly, just
// without the byte savings of the compact form).
func Token(verb string) string {
	if t, ok := tokens[verb]; ok {
		return t
	}
	return verb
}

var verbs = func() map[string]string {
	m := make(map[string]string, len(tokens))
	for verb, tok := range tokens {
		m[tok] = verb
	}
	return m
}()

// Verb is Token's inverse: it maps a server-link token back to the textual
// command, or returns cmd unchanged if it is not a registered token (so the
// line parser can run client and server input through the same path).
func Verb(cmd string) string {
	if v, ok := verbs[cmd]; ok {
		return v
	}
	return cmd
}
