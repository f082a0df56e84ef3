package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide overlay counter set.
var Stats = &stats{}

type stats struct {
	Interfaces   atomic.Int64 // interfaces currently tracked
	Sockets      atomic.Int64 // sockets currently tracked
	Peers        atomic.Int64 // relay peers currently verified
	Negotiations atomic.Int64 // cumulative successful offer/answer exchanges
	Failures     atomic.Int64 // cumulative exchanges that exhausted their retries
	IceRelayed   atomic.Int64 // cumulative ICE candidates forwarded to a peer
	BytesSent    atomic.Int64 // cumulative bytes written to DataChannels
	BytesRecv    atomic.Int64 // cumulative bytes read from DataChannels
}

func (s *stats) AddInterface()    { s.Interfaces.Add(1) }
func (s *stats) RemoveInterface() { s.Interfaces.Add(-1) }
func (s *stats) AddSocket()       { s.Sockets.Add(1) }
func (s *stats) RemoveSocket()    { s.Sockets.Add(-1) }
func (s *stats) AddPeer()         { s.Peers.Add(1) }
func (s *stats) RemovePeer()      { s.Peers.Add(-1) }
func (s *stats) AddNegotiation()  { s.Negotiations.Add(1) }
func (s *stats) AddFailure()      { s.Failures.Add(1) }
func (s *stats) AddIceRelayed()   { s.IceRelayed.Add(1) }
func (s *stats) AddSent(n int)    { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)    { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Prometheus export
// ──────────────────────────────────────────────────────────────────────────────

var (
	descInterfaces   = prometheus.NewDesc("roj1net_interfaces", "Network interfaces currently tracked.", nil, nil)
	descSockets      = prometheus.NewDesc("roj1net_sockets", "WebRTC sockets currently tracked.", nil, nil)
	descPeers        = prometheus.NewDesc("roj1net_relay_peers", "Verified peers attached to the relay.", nil, nil)
	descNegotiations = prometheus.NewDesc("roj1net_negotiations_total", "Offer/answer exchanges by outcome.", []string{"result"}, nil)
	descIceRelayed   = prometheus.NewDesc("roj1net_ice_relayed_total", "ICE candidates forwarded to a peer.", nil, nil)
	descBytes        = prometheus.NewDesc("roj1net_datachannel_bytes_total", "DataChannel bytes by direction.", []string{"direction"}, nil)
)

// Describe implements prometheus.Collector.
func (s *stats) Describe(ch chan<- *prometheus.Desc) {
	ch <- descInterfaces
	ch <- descSockets
	ch <- descPeers
	ch <- descNegotiations
	ch <- descIceRelayed
	ch <- descBytes
}

// Collect implements prometheus.Collector.
func (s *stats) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(descInterfaces, prometheus.GaugeValue, float64(s.Interfaces.Load()))
	ch <- prometheus.MustNewConstMetric(descSockets, prometheus.GaugeValue, float64(s.Sockets.Load()))
	ch <- prometheus.MustNewConstMetric(descPeers, prometheus.GaugeValue, float64(s.Peers.Load()))
	ch <- prometheus.MustNewConstMetric(descNegotiations, prometheus.CounterValue, float64(s.Negotiations.Load()), "ok")
	ch <- prometheus.MustNewConstMetric(descNegotiations, prometheus.CounterValue, float64(s.Failures.Load()), "failed")
	ch <- prometheus.MustNewConstMetric(descIceRelayed, prometheus.CounterValue, float64(s.IceRelayed.Load()))
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(s.BytesSent.Load()), "sent")
	ch <- prometheus.MustNewConstMetric(descBytes, prometheus.CounterValue, float64(s.BytesRecv.Load()), "recv")
}

// Collector exposes Stats for registration with a prometheus.Registerer.
func Collector() prometheus.Collector { return Stats }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs overlay statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	secs := interval.Seconds()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevNeg int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				neg := Stats.Negotiations.Load()

				outS := float64(sent-prevSent) / secs
				inS := float64(recv-prevRecv) / secs

				if neg != prevNeg || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, Stats.Interfaces.Load(), Stats.Sockets.Load()))
				}

				prevSent = sent
				prevRecv = recv
				prevNeg = neg

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

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, ifaces, sockets int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Iface: %2d | Socket: %2d",
		formatBytes(inS),
		formatBytes(outS),
		ifaces,
		sockets,
	)
}
