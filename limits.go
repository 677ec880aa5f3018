package main

import "time"

// Version is reported by the version subcommand.
const Version = "0.4.0"

// Operational limits — named constants for values that were previously
// scattered across multiple source files.
const (
	// maxConnections caps simultaneous TCP connections at the listener
	// (netutil.LimitListener) and primes the object pools.
	maxConnections = 500

	// maxHops bounds any entity's upstream chain; exceeding it is a fatal
	// invariant violation, not a routing condition.
	maxHops = 64

	// whowasCapacity bounds the departed-user history ring.
	whowasCapacity = 1024

	// registrationTimeout is how long an accepted connection may sit
	// without completing NICK+USER (or PASS+SERVER) before it is dropped.
	registrationTimeout = 60 * time.Second

	// defaultPingFreq applies when a connection's class does not set
	// ping_freq. A connection idle past it is sent a PING; idle past twice
	// it is closed with "Ping timeout".
	defaultPingFreq = 120 * time.Second

	// defaultSendQLimit applies when a connection's class does not set
	// sendq_limit. Either output queue exceeding it marks the connection
	// dead ("SendQ exceeded").
	defaultSendQLimit = 64 * 1024

	// drainBudget is the most bytes written to one connection per event-loop
	// pass, so one busy link cannot starve the rest of the tick.
	drainBudget = 16 * 1024

	// writeTimeout bounds a single socket write during drain; a peer that
	// cannot take bytes for this long is as dead as one that hung up.
	writeTimeout = 5 * time.Second

	// lookupTimeout bounds the DNS/ident collaborators; on expiry the
	// connection proceeds with the IP literal as its host.
	lookupTimeout = 5 * time.Second
)
