// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueryStreamsTotal counts client stream attempts by terminal outcome.
	QueryStreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "query_streams_total",
			Help: "Total query stream attempts by outcome",
		},
		[]string{"outcome"},
	)

	// QueryStreamDuration tracks how long a stream attempt stays open.
	QueryStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "query_stream_duration_seconds",
			Help:    "Query stream duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// QueryStreamChunksTotal counts chunk events folded into answers.
	QueryStreamChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "query_stream_chunks_total",
			Help: "Total chunk events received",
		},
	)

	// MalformedFramesTotal counts frames skipped because they could not be decoded.
	MalformedFramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "query_stream_malformed_frames_total",
			Help: "Total stream frames skipped as malformed",
		},
	)

	// QueryStreamsActive tracks in-flight client streams.
	QueryStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "query_streams_active",
			Help: "Number of in-flight query streams",
		},
	)

	// ConversationTrimsTotal counts conversation compactions.
	ConversationTrimsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversation_trims_total",
			Help: "Total conversation log compactions",
		},
	)

	// ConversationExchangesTotal counts finalized exchanges by settlement.
	ConversationExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_exchanges_total",
			Help: "Total finalized exchanges by settlement",
		},
		[]string{"outcome"},
	)

	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SSEConnectionsActive tracks active backend SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// RecordStream records metrics for a finished client stream attempt.
func RecordStream(outcome string, duration float64) {
	QueryStreamsTotal.WithLabelValues(outcome).Inc()
	QueryStreamDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
