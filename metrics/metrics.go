// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mcpgate"

var (
	// Registry is the gateway's private registry, served on /metrics.
	Registry = prometheus.NewRegistry()

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Number of live sessions, one subprocess each.",
	})
	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "created_total",
		Help:      "Sessions created.",
	})
	SessionsClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "closed_total",
		Help:      "Sessions closed, by reason.",
	}, []string{"reason"})

	BridgeRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "requests_total",
		Help:      "Requests forwarded to subprocesses, by method and outcome.",
	}, []string{"method", "outcome"})
	BridgeMalformedLines = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "malformed_lines_total",
		Help:      "Subprocess output lines that were not valid JSON-RPC.",
	})
	BridgeDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "dropped_messages_total",
		Help:      "Subprocess messages with nowhere to go, by kind.",
	}, []string{"kind"})

	TokensIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "oauth",
		Name:      "tokens_issued_total",
		Help:      "Access tokens issued, by grant type.",
	}, []string{"grant_type"})
	StoreSweptRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "swept_records_total",
		Help:      "Expired or orphaned records removed by the sweeper.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		SessionsActive,
		SessionsCreated,
		SessionsClosed,
		BridgeRequests,
		BridgeMalformedLines,
		BridgeDropped,
		TokensIssued,
		StoreSweptRecords,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

var knownMethods = map[string]bool{
	"initialize":               true,
	"ping":                     true,
	"tools/list":               true,
	"tools/call":               true,
	"resources/list":           true,
	"resources/read":           true,
	"resources/templates/list": true,
	"resources/subscribe":      true,
	"resources/unsubscribe":    true,
	"prompts/list":             true,
	"prompts/get":              true,
	"completion/complete":      true,
	"logging/setLevel":         true,
}

// MethodLabel keeps the method label bounded to known MCP methods.
func MethodLabel(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}
