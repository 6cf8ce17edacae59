package mesh

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons for the envelopesDropped counter.
const (
	dropHopLimit     = "hop_limit"
	dropDuplicate    = "duplicate"
	dropRateLimit    = "rate_limit"
	dropMalformed    = "malformed"
	dropBadSignature = "bad_signature"
	dropDecrypt      = "decrypt_failed"
	dropOwnEcho      = "own_echo"
)

var (
	envelopesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hopchat",
		Subsystem: "mesh",
		Name:      "envelopes_sent_total",
		Help:      "Envelopes handed to the transport, by type.",
	}, []string{"type"})

	envelopesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hopchat",
		Subsystem: "mesh",
		Name:      "envelopes_received_total",
		Help:      "Envelopes accepted from the transport, by type.",
	}, []string{"type"})

	envelopesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hopchat",
		Subsystem: "mesh",
		Name:      "envelopes_dropped_total",
		Help:      "Envelopes dropped before processing or relay, by reason.",
	}, []string{"reason"})

	deliveryFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hopchat",
		Subsystem: "mesh",
		Name:      "delivery_failures_total",
		Help:      "Per-peer send attempts that failed and were absorbed.",
	})

	nodesEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hopchat",
		Subsystem: "mesh",
		Name:      "nodes_evicted_total",
		Help:      "Mesh nodes evicted for missing heartbeats.",
	})
)

var registerMetricsOnce sync.Once

// registerMetrics registers on the default registerer; duplicate managers in
// one process share the same collectors.
func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(
			envelopesSent,
			envelopesReceived,
			envelopesDropped,
			deliveryFailures,
			nodesEvicted,
		)
	})
}
