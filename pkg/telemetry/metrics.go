// Package telemetry exposes the bridge's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedInstances tracks the number of registered extension
	// instances.
	ConnectedInstances = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "webbridge",
		Name:      "connected_instances",
		Help:      "Number of currently registered extension instances.",
	})

	// EnvelopesReceived counts inbound websocket envelopes by type.
	EnvelopesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webbridge",
		Name:      "envelopes_received_total",
		Help:      "Inbound websocket envelopes by message type.",
	}, []string{"type"})

	// EnvelopesSent counts outbound websocket envelopes by type.
	EnvelopesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webbridge",
		Name:      "envelopes_sent_total",
		Help:      "Outbound websocket envelopes by message type.",
	}, []string{"type"})

	// ToolCalls counts MCP tool invocations by tool name and outcome.
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "webbridge",
		Name:      "tool_calls_total",
		Help:      "MCP tool invocations by tool name and outcome.",
	}, []string{"tool", "outcome"})

	// ToolCallDuration observes end-to-end tool call latency.
	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "webbridge",
		Name:      "tool_call_duration_seconds",
		Help:      "End-to-end MCP tool call latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"tool"})

	// PendingTimeouts counts pending bus requests that expired without a
	// response.
	PendingTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "webbridge",
		Name:      "pending_request_timeouts_total",
		Help:      "Bus requests that expired before the instance responded.",
	})

	// ProtocolErrors counts envelopes rejected for protocol violations.
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "webbridge",
		Name:      "protocol_errors_total",
		Help:      "Websocket frames rejected as protocol violations.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
