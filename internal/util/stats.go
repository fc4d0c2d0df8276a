package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic/connection counter.
var Stats = &stats{}

type stats struct {
	TotalConns  atomic.Int64 // cumulative count of connections since process start
	ClosedConns atomic.Int64 // cumulative count of closed connections since process start
	BytesSent   atomic.Int64 // cumulative bytes written to the UDP socket
	BytesRecv   atomic.Int64 // cumulative bytes read from the UDP socket

	PacketsSent atomic.Int64
	PacketsRecv atomic.Int64
	Retransmits atomic.Int64 // data packets sent more than once
	NaksSent    atomic.Int64
	Dropped     atomic.Int64 // datagrams discarded as malformed, unroutable or overflowing an inbox
}

func (s *stats) AddConn()       { s.TotalConns.Add(1) }
func (s *stats) RemoveConn()    { s.ClosedConns.Add(1) }
func (s *stats) AddSent(n int)  { s.BytesSent.Add(int64(n)); s.PacketsSent.Add(1) }
func (s *stats) AddRecv(n int)  { s.BytesRecv.Add(int64(n)); s.PacketsRecv.Add(1) }
func (s *stats) AddRetransmit() { s.Retransmits.Add(1) }
func (s *stats) AddNak()        { s.NaksSent.Add(1) }
func (s *stats) AddDropped()    { s.Dropped.Add(1) }

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Opened, Closed    int64
	BytesSent         int64
	BytesRecv         int64
	PacketsSent       int64
	Retransmits, Naks int64
	Dropped           int64
}

// Snapshot loads every counter.
func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Opened:      s.TotalConns.Load(),
		Closed:      s.ClosedConns.Load(),
		BytesSent:   s.BytesSent.Load(),
		BytesRecv:   s.BytesRecv.Load(),
		PacketsSent: s.PacketsSent.Load(),
		Retransmits: s.Retransmits.Load(),
		Naks:        s.NaksSent.Load(),
		Dropped:     s.Dropped.Load(),
	}
}

// Sub returns the change from prev to s.
func (s Snapshot) Sub(prev Snapshot) Snapshot {
	return Snapshot{
		Opened:      s.Opened - prev.Opened,
		Closed:      s.Closed - prev.Closed,
		BytesSent:   s.BytesSent - prev.BytesSent,
		BytesRecv:   s.BytesRecv - prev.BytesRecv,
		PacketsSent: s.PacketsSent - prev.PacketsSent,
		Retransmits: s.Retransmits - prev.Retransmits,
		Naks:        s.Naks - prev.Naks,
		Dropped:     s.Dropped - prev.Dropped,
	}
}

// idle reports whether a delta carries nothing worth logging.
func (s Snapshot) idle() bool {
	return s.Opened == 0 && s.Closed == 0 && s.PacketsSent == 0 && s.BytesRecv == 0 && s.Dropped == 0
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs the traffic of every
// interval in which something happened. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if d := cur.Sub(prev); !d.idle() {
					pterm.DefaultLogger.Info(formatStats(d, interval))
				}
				prev = cur
			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders one interval's delta for the logger.
func formatStats(d Snapshot, interval time.Duration) string {
	secs := interval.Seconds()
	var loss float64
	if d.PacketsSent > 0 {
		loss = 100 * float64(d.Retransmits) / float64(d.PacketsSent)
	}
	return fmt.Sprintf("In: %s/s | Out: %s/s | Conn: %2d↑ %2d↓ | Retx: %4.1f%% | NAK: %d | Drop: %d",
		formatBytes(float64(d.BytesRecv)/secs),
		formatBytes(float64(d.BytesSent)/secs),
		d.Opened,
		d.Closed,
		loss,
		d.Naks,
		d.Dropped,
	)
}
