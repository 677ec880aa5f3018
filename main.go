package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"ircd/internal/config"
	"ircd/internal/httpapi"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is main minus os.Exit, so the exit-code contract is testable:
// 0 clean shutdown, 1 config error, 2 bind failure, 3 already running.
func run(args []string) int {
	// Check for CLI subcommands before parsing flags.
	if RunCLI(args) {
		return 0
	}

	fs := flag.NewFlagSet("ircd", flag.ExitOnError)
	_ = fs.Bool("n", false, "run in the foreground (the default; accepted for compatibility)")
	useStdio := fs.Bool("t", false, "attach stdin/stdout as the first client connection")
	confPath := fs.String("f", defaultConfPath(), "configuration file path")
	debugLevel := fs.Int("x", 0, "debug level (0 disables the periodic stats log)")
	workDir := fs.String("d", "", "change to this directory before starting")
	addr := fs.String("addr", ":6667", "IRC listen address")
	tlsAddr := fs.String("tls-addr", "", "TLS IRC listen address (empty to disable)")
	apiAddr := fs.String("api-addr", "", "admin REST API listen address (empty to disable)")
	certValidity := fs.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *workDir != "" {
		if err := os.Chdir(*workDir); err != nil {
			fmt.Fprintf(os.Stderr, "chdir %s: %v\n", *workDir, err)
			return 1
		}
	}

	snap, err := config.LoadFile(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	adm := config.NewAdmission(snap)

	release, err := acquirePidfile("ircd.pid")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 3
	}
	defer release()

	srv, err := NewServer(*addr, *confPath, adm)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if *tlsAddr != "" {
		tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, snap.Local.ServerName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		log.Printf("[server] TLS certificate fingerprint: %s", fingerprint)
		srv.SetTLS(*tlsAddr, tlsConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGTERM/SIGINT shut down cleanly; SIGHUP triggers the same rehash
	// path as the conf-file watcher and the admin endpoint.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				log.Printf("[server] SIGHUP received, rehashing")
				if err := srv.Rehash(); err != nil {
					log.Printf("[server] rehash: %v", err)
				}
				continue
			}
			log.Printf("[server] %s received, shutting down", sig)
			cancel()
			return
		}
	}()

	watcher, err := config.WatchFile(*confPath, func() {
		if err := srv.Rehash(); err != nil {
			log.Printf("[server] rehash (conf changed on disk): %v", err)
		}
	})
	if err != nil {
		log.Printf("[server] conf watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	if *apiAddr != "" {
		api := httpapi.NewAPIServer(httpapi.Hooks{
			Stats:     srv.Snapshot,
			Rehash:    srv.Rehash,
			Subscribe: srv.SubscribeSNO,
			Whowas:    srv.WhowasLookup,
		})
		go api.Run(ctx, *apiAddr)
		log.Printf("[api] listening on %s", *apiAddr)
	}

	if *debugLevel > 0 {
		go RunMetrics(ctx, srv, 30*time.Second)
	}

	if *useStdio {
		srv.Attach(newStdioConn(os.Stdin, os.Stdout))
	}

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		if errors.Is(err, errBind) {
			return 2
		}
		return 1
	}
	return 0
}

// acquirePidfile refuses to start while another live process holds the
// pidfile, then writes our own pid. The returned func removes it.
func acquirePidfile(path string) (func(), error) {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && pid > 0 {
			if p, err := os.FindProcess(pid); err == nil && p.Signal(syscall.Signal(0)) == nil {
				return nil, fmt.Errorf("already running as pid %d (%s)", pid, path)
			}
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return func() { os.Remove(path) }, nil
}

// stdioConn adapts stdin/stdout into a net.Conn so -t can feed the first
// "client" through the same accept path as a socket.
type stdioConn struct {
	in  io.Reader
	out io.Writer
}

func newStdioConn(in io.Reader, out io.Writer) *stdioConn {
	return &stdioConn{in: in, out: out}
}

func (c *stdioConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *stdioConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *stdioConn) Close() error                { return nil }

func (c *stdioConn) LocalAddr() net.Addr  { return stdioAddr{} }
func (c *stdioConn) RemoteAddr() net.Addr { return stdioAddr{} }

func (c *stdioConn) SetDeadline(time.Time) error      { return nil }
func (c *stdioConn) SetReadDeadline(time.Time) error  { return nil }
func (c *stdioConn) SetWriteDeadline(time.Time) error { return nil }

type stdioAddr struct{}

func (stdioAddr) Network() string { return "stdio" }
func (stdioAddr) String() string  { return "127.0.0.1:0" }
