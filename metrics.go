package main

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"
)

// RunMetrics logs directory and traffic stats every interval until ctx is
// canceled. Reads go through srv.Snapshot so the numbers come out of the
// event loop mutually consistent rather than torn across a tick.
func RunMetrics(ctx context.Context, srv *Server, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastBytes uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := srv.Snapshot()
			if st.LocalUsers == 0 && st.BytesOut == lastBytes {
				continue
			}
			log.Printf("[metrics] users=%d servers=%d channels=%d out=%s (%s/s)",
				st.LocalUsers, st.Servers, st.Channels,
				humanize.Bytes(st.BytesOut),
				humanize.Bytes(uint64(float64(st.BytesOut-lastBytes)/interval.Seconds())))
			lastBytes = st.BytesOut
		}
	}
}
