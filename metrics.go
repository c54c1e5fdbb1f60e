package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stats accumulates connection and fan-out counters. The interval logger
// reads-and-resets the atomic pair; the Prometheus collectors are
// cumulative. The reactor goroutine is the only writer of the fan-out
// counters, but atomics keep the admin API reads safe.
type Stats struct {
	intervalMessages atomic.Uint64
	intervalBytes    atomic.Uint64
	open             atomic.Int64

	connectionsTotal prometheus.Counter
	messagesTotal    prometheus.Counter
	broadcastBytes   prometheus.Counter
	openConns        prometheus.Gauge
}

// NewStats registers the chatd collectors with reg and returns the stats
// sink shared by the server and the admin API.
func NewStats(reg prometheus.Registerer) *Stats {
	factory := promauto.With(reg)
	return &Stats{
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatd_connections_total",
			Help: "TCP connections accepted since start.",
		}),
		messagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatd_messages_total",
			Help: "Chat messages fanned out since start.",
		}),
		broadcastBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatd_broadcast_bytes_total",
			Help: "Payload bytes enqueued to recipients since start.",
		}),
		openConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatd_open_connections",
			Help: "Currently open client connections.",
		}),
	}
}

// ConnOpened records an accepted connection.
func (s *Stats) ConnOpened() {
	s.open.Add(1)
	s.connectionsTotal.Inc()
	s.openConns.Inc()
}

// ConnClosed records a reset connection.
func (s *Stats) ConnClosed() {
	s.open.Add(-1)
	s.openConns.Dec()
}

// Broadcast records one fan-out: the payload was enqueued on `recipients`
// queues at `size` bytes each.
func (s *Stats) Broadcast(recipients, size int) {
	total := uint64(recipients) * uint64(size)
	s.intervalMessages.Add(1)
	s.intervalBytes.Add(total)
	s.messagesTotal.Inc()
	s.broadcastBytes.Add(float64(total))
}

// OpenConnections returns the number of currently open connections.
func (s *Stats) OpenConnections() int64 {
	return s.open.Load()
}

// Interval returns accumulated message/byte counts since the last call and
// resets them.
func (s *Stats) Interval() (messages, bytes uint64, open int64) {
	messages = s.intervalMessages.Swap(0)
	bytes = s.intervalBytes.Swap(0)
	open = s.open.Load()
	return
}

// RunMetrics logs chat stats every interval until ctx is canceled.
func RunMetrics(ctx context.Context, stats *Stats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			messages, bytes, open := stats.Interval()
			if open > 0 || messages > 0 {
				slog.Info("stats",
					"open_conns", open,
					"messages", messages,
					"bytes", bytes,
					"kbps", float64(bytes)/interval.Seconds()/1024)
			}
		}
	}
}
