// Package numnick implements the P10 numeric-nickname alphabet: a compact
// base-64-ish encoding used as the on-wire prefix for servers (2 characters)
// and users (3 characters, appended to their server's 2-character ID to make
// a 5-character numnick).
package numnick

import "fmt"

// alphabet is the 64-symbol P10 digit set, ordered so that encode/decode are
// simple index lookups. Position 0 is 'A'.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789[]"

const base = len(alphabet)

var decodeTable [256]int8

func init() {
	for i := range decodeTable {
		decodeTable[i] = -1
	}
	for i := 0; i < base; i++ {
		decodeTable[alphabet[i]] = int8(i)
	}
}

// Encode renders n as a fixed-width numnick field of the given width (2 for
// a server ID, 3 for a user ID within its server). It panics if n does not
// fit in width characters — callers are expected to have checked capacity
// against the class's connection limit before allocating.
func Encode(n int, width int) string {
	if n < 0 {
		panic("numnick: negative value")
	}
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = alphabet[n%base]
		n /= base
	}
	if n != 0 {
		panic(fmt.Sprintf("numnick: value overflows %d-character field", width))
	}
	return string(buf)
}

// Decode parses a numnick field back into its integer value. It returns an
// error if s contains a byte outside the P10 alphabet.
func Decode(s string) (int, error) {
	n := 0
	for i := 0; i < len(s); i++ {
		d := decodeTable[s[i]]
		if d < 0 {
			return 0, fmt.Errorf("numnick: invalid character %q in %q", s[i], s)
		}
		n = n*base + int(d)
	}
	return n, nil
}

// Capacity returns the number of distinct values a field of the given width
// can represent (base^width).
func Capacity(width int) int {
	c := 1
	for i := 0; i < width; i++ {
		c *= base
	}
	return c
}

// Allocator hands out sequential numnick suffixes within a fixed-width field,
// recycling released values. It is not safe for concurrent use — the whole
// system runs on a single cooperative event loop.
type Allocator struct {
	width int
	next  int
	free  []int
	inUse map[int]struct{}
	cap   int
}

// NewAllocator creates an Allocator for a field of the given width.
func NewAllocator(width int) *Allocator {
	return &Allocator{
		width: width,
		inUse: make(map[int]struct{}),
		cap:   Capacity(width),
	}
}

// Acquire returns the next free numeric value and its encoded form, or an
// error if the field is exhausted (the connection class's max_links should
// make this unreachable, but the allocator enforces it defensively).
func (a *Allocator) Acquire() (int, string, error) {
	var n int
	if len(a.free) > 0 {
		n = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	} else {
		if a.next >= a.cap {
			return 0, "", fmt.Errorf("numnick: %d-character field exhausted", a.width)
		}
		n = a.next
		a.next++
	}
	a.inUse[n] = struct{}{}
	return n, Encode(n, a.width), nil
}

// Release returns a numeric value to the free list. Releasing a value not
// currently in use is a no-op (defends I4's poison discipline upstream).
func (a *Allocator) Release(n int) {
	if _, ok := a.inUse[n]; !ok {
		return
	}
	delete(a.inUse, n)
	a.free = append(a.free, n)
}

// InUse reports whether n is currently allocated.
func (a *Allocator) InUse(n int) bool {
	_, ok := a.inUse[n]
	return ok
}

// Len returns the number of values currently allocated.
func (a *Allocator) Len() int {
	return len(a.inUse)
}
