package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/tunnel counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // cumulative count of tunnels opened since process start
	ClosedConns atomic.Int64 // cumulative count of tunnels closed since process start
	BytesSent   atomic.Int64 // cumulative tunnel bytes sent to the peer
	BytesRecv   atomic.Int64 // cumulative tunnel bytes received from the peer
}

func (s *stats) AddConn()      { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()   { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// Active returns the number of tunnels currently open.
func (s *stats) Active() int64 {
	return s.TotalConns.Load() - s.ClosedConns.Load()
}

// Summary renders the cumulative counters for display.
func (s *stats) Summary() string {
	return fmt.Sprintf("tunnels: %d open, %d total | sent %s | received %s",
		s.Active(),
		s.TotalConns.Load(),
		sizestr.ToString(s.BytesSent.Load()),
		sizestr.ToString(s.BytesRecv.Load()),
	)
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs tunnel statistics
// every interval while there is traffic. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevTotal, prevClosed int64
		for {
			select {
			case <-ticker.C:
				total := Stats.TotalConns.Load()
				closed := Stats.ClosedConns.Load()
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()

				if sent != prevSent || recv != prevRecv || total != prevTotal || closed != prevClosed {
					pterm.DefaultLogger.Info(formatStats(
						float64(sent-prevSent)/interval.Seconds(),
						float64(recv-prevRecv)/interval.Seconds(),
						total-prevTotal,
						closed-prevClosed,
					))
				}

				prevSent = sent
				prevRecv = recv
				prevTotal = total
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the current rates for display in the logger.
func formatStats(outS, inS float64, opened, closed int64) string {
	return fmt.Sprintf("Out: %s/s | In: %s/s | Tunnels: %2d↑ %2d↓",
		sizestr.ToString(int64(outS)),
		sizestr.ToString(int64(inS)),
		opened,
		closed,
	)
}
