package main

import (
	"bytes"
	"context"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ircd/internal/config"
)

// startServer runs the event loop on an ephemeral port so Snapshot (which
// executes inside the loop) can answer.
func startServer(t *testing.T) *Server {
	t.Helper()
	snap, err := config.Parse([]byte(testConf))
	require.NoError(t, err)
	srv, err := NewServer("127.0.0.1:0", "unused.conf", config.NewAdmission(snap))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("event loop did not stop")
		}
	})
	return srv
}

func TestSnapshotReportsServerIdentity(t *testing.T) {
	srv := startServer(t)
	st := srv.Snapshot()
	require.Equal(t, "hub.example", st.ServerName)
	require.Equal(t, 1, st.Entities, "only the Me record at startup")
	require.Equal(t, 0, st.LocalUsers)
	require.Equal(t, maxConnections, st.PoolCap)
}

func TestRunMetricsLogsTraffic(t *testing.T) {
	srv := startServer(t)
	srv.post(func() { srv.bytesOut = 4096 })

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunMetrics(ctx, srv, 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	cancel()
	<-done // wait for goroutine to exit before reading buf

	output := buf.String()
	if !strings.Contains(output, "[metrics]") {
		t.Errorf("expected metrics log output, got: %q", output)
	}
	if !strings.Contains(output, "4.1 kB") {
		t.Errorf("expected humanized byte count in output, got: %q", output)
	}
}

func TestRunMetricsSilentWhenIdle(t *testing.T) {
	srv := startServer(t)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunMetrics(ctx, srv, 50*time.Millisecond)
		close(done)
	}()

	time.Sleep(150 * time.Millisecond)
	cancel()
	<-done

	if strings.Contains(buf.String(), "[metrics]") {
		t.Errorf("expected no output for an idle server, got: %q", buf.String())
	}
}

func TestRunMetricsStopsOnCancel(t *testing.T) {
	srv := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		RunMetrics(ctx, srv, 50*time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
		// OK
	case <-time.After(2 * time.Second):
		t.Fatal("RunMetrics did not exit after cancel")
	}
}
