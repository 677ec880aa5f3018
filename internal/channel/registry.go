package channel

import "ircd/internal/directory"

// Registry is the global name-indexed channel table. It is a distinct,
// smaller map than internal/directory's (channel names and nicknames do not
// share a namespace in this protocol), but reuses the same case-folding
// rule for RFC 2812 consistency.
type Registry struct {
	channels map[string]*Channel // keyed by case-folded name
}

// NewRegistry creates an empty channel Registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*Channel)}
}

// GetOrCreate returns the channel named name, creating it if absent. The
// second return value reports whether a new channel was created.
func (r *Registry) GetOrCreate(name string) (*Channel, bool) {
	key := directory.CaseFold(name)
	if ch, ok := r.channels[key]; ok {
		return ch, false
	}
	ch := New(name)
	r.channels[key] = ch
	return ch, true
}

// Lookup returns the channel named name, if it exists.
func (r *Registry) Lookup(name string) (*Channel, bool) {
	ch, ok := r.channels[directory.CaseFold(name)]
	return ch, ok
}

// Delete removes a channel unconditionally.
func (r *Registry) Delete(name string) {
	delete(r.channels, directory.CaseFold(name))
}

// Names returns a snapshot of every channel's original-case name.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.Name)
	}
	return out
}

// Len reports how many channels currently exist.
func (r *Registry) Len() int { return len(r.channels) }

// Sweep destroys every empty, non-permanent channel and
// returns the original-case names of the channels destroyed. It is meant to
// be called once per event-loop tick, or whenever Part/Kick might have
// emptied a channel, rather than synchronously inside Part itself — lazy
// destruction avoids tearing a channel down mid-iteration over its own
// member list during a multi-part kick/netsplit.
func (r *Registry) Sweep() []string {
	var destroyed []string
	for key, ch := range r.channels {
		if ch.IsEmpty() && !ch.Permanent() {
			destroyed = append(destroyed, ch.Name)
			delete(r.channels, key)
		}
	}
	return destroyed
}
