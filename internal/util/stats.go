package util

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide connection counter.
var Stats = &stats{}

type stats struct {
	PendingStarted   atomic.Int64 // pending connections created
	Connected        atomic.Int64 // pending connections that reached CONNECTED
	Disconnected     atomic.Int64 // pending connections that reached DISCONNECTED
	Duplicates       atomic.Int64 // attempts absorbed as duplicates
	HandshakesFailed atomic.Int64 // handshakes ending in FAILED
	ProbesSucceeded  atomic.Int64 // connectivity requests answered
	ProbesFailed     atomic.Int64 // connectivity requests without answer
	BytesSent        atomic.Int64 // bytes written to raw connections
	BytesRecv        atomic.Int64 // bytes read from raw connections
}

func (s *stats) AddPending()         { s.PendingStarted.Add(1) }
func (s *stats) AddConnected()       { s.Connected.Add(1) }
func (s *stats) AddDisconnected()    { s.Disconnected.Add(1) }
func (s *stats) AddDuplicate()       { s.Duplicates.Add(1) }
func (s *stats) AddHandshakeFailed() { s.HandshakesFailed.Add(1) }
func (s *stats) AddProbe(ok bool) {
	if ok {
		s.ProbesSucceeded.Add(1)
	} else {
		s.ProbesFailed.Add(1)
	}
}
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Prometheus export
// ──────────────────────────────────────────────────────────────────────────────

// NewMetricsRegistry returns a registry exposing Stats as counters. The
// atomics stay the source of truth; collectors read them at scrape time.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "meshlink",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	reg.MustRegister(
		counter("pending_connections_total", "Pending connections created.", &Stats.PendingStarted),
		counter("connections_established_total", "Pending connections that completed.", &Stats.Connected),
		counter("connections_failed_total", "Pending connections that disconnected before completing.", &Stats.Disconnected),
		counter("duplicate_connections_total", "Connection attempts absorbed as duplicates.", &Stats.Duplicates),
		counter("handshakes_failed_total", "Handshakes that ended in failure.", &Stats.HandshakesFailed),
		counter("connectivity_probes_succeeded_total", "Connectivity requests answered.", &Stats.ProbesSucceeded),
		counter("connectivity_probes_failed_total", "Connectivity requests that failed.", &Stats.ProbesFailed),
		counter("sent_bytes_total", "Bytes written to raw connections.", &Stats.BytesSent),
		counter("received_bytes_total", "Bytes read from raw connections.", &Stats.BytesRecv),
	)
	return reg
}

// ServeMetrics serves the registry on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs connection statistics
// every 10 seconds when something changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if cur != prev {
					pterm.DefaultLogger.Info(formatStats(prev, cur))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	pending, connected, disconnected, duplicates int64
	sent, recv                                   int64
}

func takeSnapshot() snapshot {
	return snapshot{
		pending:      Stats.PendingStarted.Load(),
		connected:    Stats.Connected.Load(),
		disconnected: Stats.Disconnected.Load(),
		duplicates:   Stats.Duplicates.Load(),
		sent:         Stats.BytesSent.Load(),
		recv:         Stats.BytesRecv.Load(),
	}
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

// formatStats renders the delta between two snapshots over the 10s window.
func formatStats(prev, cur snapshot) string {
	return fmt.Sprintf("Pending: %2d | Conn: %2d↑ %2d↓ | Dup: %2d | In: %s/s | Out: %s/s",
		cur.pending-prev.pending,
		cur.connected-prev.connected,
		cur.disconnected-prev.disconnected,
		cur.duplicates-prev.duplicates,
		formatBytes(float64(cur.recv-prev.recv)/10.0),
		formatBytes(float64(cur.sent-prev.sent)/10.0),
	)
}
