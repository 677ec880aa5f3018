package main

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
)

// lookupResult is what the DNS collaborator hands back to the event loop:
// the request handle it was issued under and the resolved hostname ("" on
// failure or timeout, in which case the connection keeps its IP literal).
type lookupResult struct {
	id   uuid.UUID
	host string
}

// resolver is the asynchronous DNS collaborator: resolve()
// runs off the event loop and re-enters it by posting the result through
// the done callback. Each request carries a uuid handle so a reply arriving
// after the connection already closed is matched against nothing and
// silently discarded by the caller.
type resolver struct {
	timeout time.Duration
	lookup  func(ctx context.Context, addr string) ([]string, error)
}

func newResolver(timeout time.Duration) *resolver {
	var r net.Resolver
	return &resolver{
		timeout: timeout,
		lookup:  r.LookupAddr,
	}
}

// resolve starts a reverse lookup for ip and returns the request handle
// immediately. done is invoked exactly once, from the lookup goroutine;
// callers funnel it back into the event loop.
func (r *resolver) resolve(ip string, done func(lookupResult)) uuid.UUID {
	id := uuid.New()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		names, err := r.lookup(ctx, ip)
		if err != nil || len(names) == 0 {
			done(lookupResult{id: id})
			return
		}
		host := names[0]
		// Reverse lookups come back rooted; the wire form never carries the
		// trailing dot.
		if n := len(host); n > 0 && host[n-1] == '.' {
			host = host[:n-1]
		}
		done(lookupResult{id: id, host: host})
	}()
	return id
}
