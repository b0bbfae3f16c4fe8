package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RoutesInstalled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evpnrouted_routes",
			Help: "Routes currently held in the route table.",
		},
	)

	RouteEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evpnrouted_route_events_total",
			Help: "Route table events emitted, by type.",
		},
		[]string{"type"},
	)

	ListenerQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "evpnrouted_listener_queue_depth",
			Help: "Events waiting in a listener's delivery queue.",
		},
		[]string{"listener"},
	)

	ListenerEventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evpnrouted_listener_events_dropped_total",
			Help: "Events dropped before delivery (overflow, unsubscribe).",
		},
		[]string{"listener", "reason"},
	)

	ListenerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evpnrouted_listener_errors_total",
			Help: "Listener handler failures (error, panic).",
		},
		[]string{"listener", "kind"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evpnrouted_parse_errors_total",
			Help: "Parse failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	InboundUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evpnrouted_inbound_updates_total",
			Help: "UPDATE messages handled, by source and result.",
		},
		[]string{"source", "result"},
	)

	InboundRoutesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evpnrouted_inbound_routes_total",
			Help: "Routes learned or withdrawn from peers (add, withdraw, rejected, skipped).",
		},
		[]string{"action"},
	)

	OutboundUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evpnrouted_outbound_updates_total",
			Help: "UPDATE messages sent to peers, by operation and result.",
		},
		[]string{"op", "result"},
	)

	PeersEstablished = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "evpnrouted_peers_established",
			Help: "BGP sessions in the Established state.",
		},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evpnrouted_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"pipeline", "op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evpnrouted_db_rows_affected_total",
			Help: "DB rows written or deleted.",
		},
		[]string{"pipeline", "table", "op"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "evpnrouted_batch_size",
			Help:    "Batch sizes flushed to a sink.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{"pipeline"},
	)

	ExportRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evpnrouted_export_records_total",
			Help: "Route events produced to Kafka, by result.",
		},
		[]string{"result"},
	)

	BMPMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "evpnrouted_bmp_messages_total",
			Help: "BMP messages consumed, by message type.",
		},
		[]string{"topic", "msg_type"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RoutesInstalled,
			RouteEventsTotal,
			ListenerQueueDepth,
			ListenerEventsDroppedTotal,
			ListenerErrorsTotal,
			ParseErrorsTotal,
			InboundUpdatesTotal,
			InboundRoutesTotal,
			OutboundUpdatesTotal,
			PeersEstablished,
			DBWriteDuration,
			DBRowsAffectedTotal,
			BatchSize,
			ExportRecordsTotal,
			BMPMessagesTotal,
		)
	})
}
