package send

// SkipFlags modifies SendToChannelButOne's fanout.
type SkipFlags uint8

const (
	SkipDeaf SkipFlags = 1 << iota
	SkipBurst
	SkipNonOps
)

// MatchKind selects what SendToMatchButOne matches target_mask against.
type MatchKind int

const (
	MatchServer MatchKind = iota
	MatchHost
)

// SNOMask is the server-notice category bitset operators subscribe to.
type SNOMask uint32

const (
	SnoOld    SNOMask = 1 << iota // O-line removed by rehash
	SnoLink                       // server link established/dropped
	SnoKill                       // KILL issued
	SnoRehash                     // rehash outcome
	SnoDeny                       // K-line match
)

// Subscribe sets numnick's SNO subscription mask (0 clears it).
func (e *Engine) Subscribe(numnick string, mask SNOMask) {
	if mask == 0 {
		delete(e.snoSub, numnick)
		return
	}
	e.snoSub[numnick] = mask
}
