package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors exposed by a chat server
// process, covering client connections, message flow, and replication.
type Registry struct {
	Connections gaugeVec
	Messages    counterVec
	Cluster     clusterVec
	System      systemVec
}

type gaugeVec struct {
	ActiveConnections prometheus.Gauge
}

type counterVec struct {
	MessagesPublished prometheus.Counter
	MessagesDelivered prometheus.Counter
	AcceptErrors      prometheus.Counter
	DuplicatesMerged  prometheus.Counter
}

type clusterVec struct {
	PeerStreams prometheus.Gauge
}

type systemVec struct {
	CPUPercent prometheus.Gauge
	HeapAllocMB prometheus.Gauge
	Goroutines  prometheus.Gauge
}

// NewRegistry creates and registers all Prometheus collectors.
func NewRegistry() *Registry {
	return &Registry{
		Connections: gaugeVec{
			ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "chat_client_connections_active",
				Help: "Number of active client connections.",
			}),
		},
		Messages: counterVec{
			MessagesPublished: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chat_messages_sent_total",
				Help: "Total number of messages appended to the local log, whether sent by a local client or replicated from a peer.",
			}),
			MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chat_messages_delivered_total",
				Help: "Total number of messages delivered to a live Initiate stream.",
			}),
			AcceptErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chat_client_accept_errors_total",
				Help: "Total number of client connection handshake failures.",
			}),
			DuplicatesMerged: promauto.NewCounter(prometheus.CounterOpts{
				Name: "chat_replication_duplicates_merged_total",
				Help: "Total number of replicated messages that were already present locally.",
			}),
		},
		Cluster: clusterVec{
			PeerStreams: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "chat_cluster_peer_streams",
				Help: "Number of open replication streams across all peers.",
			}),
		},
		System: systemVec{
			CPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "chat_process_cpu_percent",
				Help: "Smoothed host CPU usage percentage sampled via gopsutil.",
			}),
			HeapAllocMB: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "chat_process_heap_alloc_mb",
				Help: "Current Go heap allocation in megabytes.",
			}),
			Goroutines: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "chat_process_goroutines",
				Help: "Current goroutine count.",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing the registered collectors.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
