// Package metrics provides Prometheus metrics for unisock backends.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "unisock"
)

// Drop reasons used with RecordDrop.
const (
	DropQueueFull   = "queue_full"
	DropBacklogFull = "backlog_full"
	DropNoListener  = "no_listener"
	DropRateLimited = "rate_limited"
	DropAddrInUse   = "addr_in_use"
)

// Metrics contains all Prometheus metrics for unisock.
type Metrics struct {
	// Connection metrics
	ConnsActive      *prometheus.GaugeVec
	ConnsOpened      *prometheus.CounterVec
	ConnsClosed      *prometheus.CounterVec
	AddrInUse        *prometheus.CounterVec
	PeersOccupied    *prometheus.GaugeVec
	AcceptBacklogLen *prometheus.GaugeVec

	// Data transfer metrics
	DatagramsSent     *prometheus.CounterVec
	DatagramsReceived *prometheus.CounterVec
	DatagramsDropped  *prometheus.CounterVec
	BytesSent         *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec

	// Reader metrics
	ReadBatchSize prometheus.Histogram
	ReadErrors    *prometheus.CounterVec

	// Echo service metrics
	EchoSessions      prometheus.Gauge
	EchoSessionsTotal prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance registered with the default
// Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewUnregistered returns metrics backed by a private registry. Backends use
// it when the caller does not supply metrics.
func NewUnregistered() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conns_active",
			Help:      "Number of live logical connections",
		}, []string{"transport"}),
		ConnsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conns_opened_total",
			Help:      "Total logical connections opened by direction",
		}, []string{"transport", "direction"}),
		ConnsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conns_closed_total",
			Help:      "Total logical connections closed",
		}, []string{"transport"}),
		AddrInUse: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "addr_in_use_total",
			Help:      "Connect attempts rejected because the peer was already owned",
		}, []string{"transport"}),
		PeersOccupied: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_occupied",
			Help:      "Number of peer addresses reserved in the occupancy registry",
		}, []string{"transport"}),
		AcceptBacklogLen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accept_backlog",
			Help:      "Connections reserved but not yet accepted",
		}, []string{"transport"}),

		DatagramsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams or messages written",
		}, []string{"transport"}),
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams or messages read",
		}, []string{"transport"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total inbound datagrams dropped by reason",
		}, []string{"transport", "reason"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes written",
		}, []string{"transport"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes read",
		}, []string{"transport"}),

		ReadBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "read_batch_size",
			Help:      "Datagrams returned per batched socket read",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}),
		ReadErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Transient socket read errors",
		}, []string{"transport"}),

		EchoSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "echo_sessions",
			Help:      "Number of active echo sessions",
		}),
		EchoSessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "echo_sessions_total",
			Help:      "Total echo sessions served",
		}),
	}
}

// Connection metrics helpers

// RecordConnOpen records a new logical connection.
// direction is "accept" or "connect".
func (m *Metrics) RecordConnOpen(transport, direction string) {
	m.ConnsActive.WithLabelValues(transport).Inc()
	m.ConnsOpened.WithLabelValues(transport, direction).Inc()
}

// RecordConnClose records a logical connection being released.
func (m *Metrics) RecordConnClose(transport string) {
	m.ConnsActive.WithLabelValues(transport).Dec()
	m.ConnsClosed.WithLabelValues(transport).Inc()
}

// RecordAddrInUse records a rejected reservation.
func (m *Metrics) RecordAddrInUse(transport string) {
	m.AddrInUse.WithLabelValues(transport).Inc()
}

// SetPeersOccupied sets the number of reserved peer addresses.
func (m *Metrics) SetPeersOccupied(transport string, count int) {
	m.PeersOccupied.WithLabelValues(transport).Set(float64(count))
}

// SetAcceptBacklog sets the number of queued, unaccepted connections.
func (m *Metrics) SetAcceptBacklog(transport string, count int) {
	m.AcceptBacklogLen.WithLabelValues(transport).Set(float64(count))
}

// Data transfer helpers

// RecordSent records one outbound datagram of the given size.
func (m *Metrics) RecordSent(transport string, bytes int) {
	m.DatagramsSent.WithLabelValues(transport).Inc()
	m.BytesSent.WithLabelValues(transport).Add(float64(bytes))
}

// RecordReceived records one inbound datagram of the given size.
func (m *Metrics) RecordReceived(transport string, bytes int) {
	m.DatagramsReceived.WithLabelValues(transport).Inc()
	m.BytesReceived.WithLabelValues(transport).Add(float64(bytes))
}

// RecordDrop records an inbound datagram dropped for reason.
func (m *Metrics) RecordDrop(transport, reason string) {
	m.DatagramsDropped.WithLabelValues(transport, reason).Inc()
}

// RecordReadBatch records the size of one batched read.
func (m *Metrics) RecordReadBatch(n int) {
	m.ReadBatchSize.Observe(float64(n))
}

// RecordReadError records a transient read error.
func (m *Metrics) RecordReadError(transport string) {
	m.ReadErrors.WithLabelValues(transport).Inc()
}

// Echo helpers

// RecordEchoStart records an echo session starting.
func (m *Metrics) RecordEchoStart() {
	m.EchoSessions.Inc()
	m.EchoSessionsTotal.Inc()
}

// RecordEchoEnd records an echo session ending.
func (m *Metrics) RecordEchoEnd() {
	m.EchoSessions.Dec()
}
