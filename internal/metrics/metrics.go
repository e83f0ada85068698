// Package metrics provides relay-wide counters (rooms, connections,
// messages, rate limiting, backpressure, bridge state) kept as the
// teacher's plain atomic counters and mirrored onto real Prometheus
// collectors for the /metrics endpoint.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds server metrics (counts only, no PII: no room names, no
// client ids, no IP addresses).
type Metrics struct {
	RoomsCreated        uint64
	RoomsDestroyed      uint64
	ConnectionsTotal    uint64
	MessagesRelayed     uint64
	RateLimited         uint64
	BackpressureCloses  uint64
	OversizedUpdates    uint64
	AuthRejections      uint64
	PersistenceFailures uint64
	BridgeReconnects    uint64
	BridgeAuthRejected  uint64

	activeRooms       int64
	activeConnections int64
}

// Global is the process-wide metrics instance.
var Global = &Metrics{}

func (m *Metrics) IncRoomsCreated()     { atomic.AddUint64(&m.RoomsCreated, 1) }
func (m *Metrics) IncRoomsDestroyed()   { atomic.AddUint64(&m.RoomsDestroyed, 1) }
func (m *Metrics) IncConnections()      { atomic.AddUint64(&m.ConnectionsTotal, 1) }
func (m *Metrics) IncMessages()         { atomic.AddUint64(&m.MessagesRelayed, 1) }
func (m *Metrics) IncRateLimited()      { atomic.AddUint64(&m.RateLimited, 1) }
func (m *Metrics) IncBackpressure()     { atomic.AddUint64(&m.BackpressureCloses, 1) }
func (m *Metrics) IncOversizedUpdate()  { atomic.AddUint64(&m.OversizedUpdates, 1) }
func (m *Metrics) IncAuthRejection()    { atomic.AddUint64(&m.AuthRejections, 1) }
func (m *Metrics) IncPersistFailure()   { atomic.AddUint64(&m.PersistenceFailures, 1) }
func (m *Metrics) IncBridgeReconnect()  { atomic.AddUint64(&m.BridgeReconnects, 1) }
func (m *Metrics) IncBridgeAuthReject() { atomic.AddUint64(&m.BridgeAuthRejected, 1) }

func (m *Metrics) SetActiveRooms(n int)       { atomic.StoreInt64(&m.activeRooms, int64(n)) }
func (m *Metrics) SetActiveConnections(n int) { atomic.StoreInt64(&m.activeConnections, int64(n)) }

// NewRegistry returns a Prometheus registry pre-populated with
// CounterFunc/GaugeFunc collectors that read Global's atomic counters.
// This mirrors the counters for Prometheus scraping rather than
// replacing them: hot paths keep using cheap atomic increments, and
// the registry is read-only from Prometheus's point of view.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	counter := func(name, help string, read func() uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: name,
			Help: help,
		}, func() float64 { return float64(read()) })
	}
	gauge := func(name, help string, read func() int64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, func() float64 { return float64(read()) })
	}

	reg.MustRegister(
		counter("relay_rooms_created_total", "Total rooms created", func() uint64 { return atomic.LoadUint64(&Global.RoomsCreated) }),
		counter("relay_rooms_destroyed_total", "Total rooms destroyed", func() uint64 { return atomic.LoadUint64(&Global.RoomsDestroyed) }),
		counter("relay_connections_total", "Total connections accepted", func() uint64 { return atomic.LoadUint64(&Global.ConnectionsTotal) }),
		counter("relay_messages_relayed_total", "Total update/awareness messages relayed", func() uint64 { return atomic.LoadUint64(&Global.MessagesRelayed) }),
		counter("relay_rate_limited_total", "Total requests rejected by rate limiting", func() uint64 { return atomic.LoadUint64(&Global.RateLimited) }),
		counter("relay_backpressure_closes_total", "Total connections closed for exceeding the outbound queue limit", func() uint64 { return atomic.LoadUint64(&Global.BackpressureCloses) }),
		counter("relay_oversized_updates_total", "Total updates rejected for exceeding the size cap", func() uint64 { return atomic.LoadUint64(&Global.OversizedUpdates) }),
		counter("relay_auth_rejections_total", "Total WebSocket upgrades rejected by the authentication gate", func() uint64 { return atomic.LoadUint64(&Global.AuthRejections) }),
		counter("relay_persistence_failures_total", "Total failed snapshot flushes", func() uint64 { return atomic.LoadUint64(&Global.PersistenceFailures) }),
		counter("relay_bridge_reconnects_total", "Total outbound bridge reconnect attempts", func() uint64 { return atomic.LoadUint64(&Global.BridgeReconnects) }),
		counter("relay_bridge_auth_rejected_total", "Total outbound bridge connections terminated by a 4403 rejection", func() uint64 { return atomic.LoadUint64(&Global.BridgeAuthRejected) }),
		gauge("relay_rooms_active", "Current active rooms", func() int64 { return atomic.LoadInt64(&Global.activeRooms) }),
		gauge("relay_connections_active", "Current active connections", func() int64 { return atomic.LoadInt64(&Global.activeConnections) }),
	)

	return reg
}
