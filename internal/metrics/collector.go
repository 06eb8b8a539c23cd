// Package metrics exposes the datapath's steady-state counters as a
// Prometheus collector: per-ProcContext packet counts and pool depth, and
// the pending-send queue depth (SPEC_FULL.md §6, new ambient surface).
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements prometheus.Collector directly rather than wiring a
// prometheus.Registry full of individually-registered gauges, matching
// the teacher pack's own exporter shape (DESIGN.md): one mutex-guarded
// map per metric, snapshotted into prometheus.Metric values on Collect.
type Collector struct {
	mu sync.Mutex

	packetsReceived map[string]float64 // by "<proc>/<binding>"
	packetsSent     map[string]float64
	poolDepth       map[string]float64 // by "<proc>/<pool>"
	pendingSends    map[string]float64

	descPacketsReceived *prometheus.Desc
	descPacketsSent     *prometheus.Desc
	descPoolDepth       *prometheus.Desc
	descPendingSends    *prometheus.Desc
}

// NewCollector constructs an empty Collector. Call the Inc*/Set* methods
// from the datapath as events occur; Describe/Collect are driven by whatever
// prometheus.Registry this Collector is registered with.
func NewCollector() *Collector {
	return &Collector{
		packetsReceived: make(map[string]float64),
		packetsSent:     make(map[string]float64),
		poolDepth:       make(map[string]float64),
		pendingSends:    make(map[string]float64),

		descPacketsReceived: prometheus.NewDesc(
			"quicudp_packets_received_total", "Datagrams received, by proc and binding.", []string{"proc", "binding"}, nil),
		descPacketsSent: prometheus.NewDesc(
			"quicudp_packets_sent_total", "Datagrams sent, by proc and binding.", []string{"proc", "binding"}, nil),
		descPoolDepth: prometheus.NewDesc(
			"quicudp_pool_depth", "Freelist depth, by proc and pool.", []string{"proc", "pool"}, nil),
		descPendingSends: prometheus.NewDesc(
			"quicudp_pending_sends", "SendContexts parked on EVFILT_WRITE, by proc and binding.", []string{"proc", "binding"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.descPacketsReceived
	ch <- c.descPacketsSent
	ch <- c.descPoolDepth
	ch <- c.descPendingSends
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, v := range c.packetsReceived {
		proc, binding := splitKey(key)
		ch <- prometheus.MustNewConstMetric(c.descPacketsReceived, prometheus.CounterValue, v, proc, binding)
	}
	for key, v := range c.packetsSent {
		proc, binding := splitKey(key)
		ch <- prometheus.MustNewConstMetric(c.descPacketsSent, prometheus.CounterValue, v, proc, binding)
	}
	for key, v := range c.poolDepth {
		proc, pool := splitKey(key)
		ch <- prometheus.MustNewConstMetric(c.descPoolDepth, prometheus.GaugeValue, v, proc, pool)
	}
	for key, v := range c.pendingSends {
		proc, binding := splitKey(key)
		ch <- prometheus.MustNewConstMetric(c.descPendingSends, prometheus.GaugeValue, v, proc, binding)
	}
}

// IncPacketsReceived records one more datagram delivered on proc for binding.
func (c *Collector) IncPacketsReceived(proc int, binding string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packetsReceived[joinKey(proc, binding)]++
}

// IncPacketsSent records one more datagram successfully written on proc for
// binding.
func (c *Collector) IncPacketsSent(proc int, binding string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packetsSent[joinKey(proc, binding)]++
}

// SetPoolDepth records pool's current freelist depth on proc.
func (c *Collector) SetPoolDepth(proc int, pool string, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poolDepth[joinKey(proc, pool)] = float64(depth)
}

// SetPendingSends records the current pending-send queue depth on proc for
// binding.
func (c *Collector) SetPendingSends(proc int, binding string, depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingSends[joinKey(proc, binding)] = float64(depth)
}

func joinKey(proc int, label string) string { return fmt.Sprintf("%d/%s", proc, label) }

func splitKey(key string) (proc, label string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

var _ prometheus.Collector = (*Collector)(nil)
