package main

import (
	"fmt"
	"os"
	"strconv"

	"ircd/internal/config"
	"ircd/internal/numnick"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("ircd %s\n", Version)
		return true
	case "checkconf":
		return cliCheckConf(args[1:])
	case "numnick":
		return cliNumnick(args[1:])
	default:
		return false
	}
}

// cliCheckConf parses a conf file and reports whether it would survive a
// rehash, without touching a running daemon.
func cliCheckConf(args []string) bool {
	path := defaultConfPath()
	if len(args) > 0 {
		path = args[0]
	}
	snap, err := config.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		os.Exit(1)
	}
	if snap.Local.ServerName == "" || len(snap.Local.Numnick) != 2 {
		fmt.Fprintf(os.Stderr, "%s: [local] must set server_name and a 2-character numnick\n", path)
		os.Exit(1)
	}
	fmt.Printf("%s: ok (%d client, %d connect, %d operator, %d deny)\n",
		path, len(snap.Clients), len(snap.Connects), len(snap.Operators), len(snap.Deny))
	return true
}

// cliNumnick converts between the P10 numeric form and its integer value,
// a debugging aid for reading server-link traffic.
func cliNumnick(args []string) bool {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: ircd numnick <id|number>")
		os.Exit(1)
	}
	if n, err := strconv.Atoi(args[0]); err == nil {
		width := 2
		if n >= numnick.Capacity(2) {
			width = 3
		}
		fmt.Printf("%s\n", numnick.Encode(n, width))
		return true
	}
	n, err := numnick.Decode(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%d\n", n)
	return true
}

// defaultConfPath looks for ircd.conf in the working directory, falling
// back to $HOME/.ircd/ircd.conf.
func defaultConfPath() string {
	if _, err := os.Stat("ircd.conf"); err == nil {
		return "ircd.conf"
	}
	if home := os.Getenv("HOME"); home != "" {
		return home + "/.ircd/ircd.conf"
	}
	return "ircd.conf"
}
