// Package metrics exposes the bridge's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the bridge records into. All fields are
// registered on the embedded registry, so a fresh Metrics per test is safe.
type Metrics struct {
	registry *prometheus.Registry

	// Login form activity.
	LoginAttempts  prometheus.Counter
	LoginSuccesses prometheus.Counter
	LoginFailures  prometheus.Counter
	RateLimited    prometheus.Counter

	// Upstream office API calls, labeled by HTTP status class ("2xx",
	// "4xx", "5xx") or "error" for transport failures.
	UpstreamRequests *prometheus.CounterVec

	// Token lifecycle.
	TokensIssued    prometheus.Counter
	TokensRefreshed prometheus.Counter

	// MCP tool invocations, labeled by tool name and outcome.
	ToolCalls *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including the standard Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		LoginAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ugbridge_login_attempts_total",
			Help: "Login form submissions received.",
		}),
		LoginSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ugbridge_login_successes_total",
			Help: "Login form submissions that completed an authorization.",
		}),
		LoginFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ugbridge_login_failures_total",
			Help: "Login form submissions rejected for bad credentials or upstream failure.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "ugbridge_login_rate_limited_total",
			Help: "Login form submissions blocked by the rate limiter.",
		}),
		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ugbridge_upstream_requests_total",
			Help: "Requests forwarded to the UG Office API by status class.",
		}, []string{"status"}),
		TokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "ugbridge_tokens_issued_total",
			Help: "Access tokens minted through the authorization code grant.",
		}),
		TokensRefreshed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ugbridge_tokens_refreshed_total",
			Help: "Access tokens minted through the refresh token grant.",
		}),
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ugbridge_tool_calls_total",
			Help: "MCP tool invocations by tool and outcome.",
		}, []string{"tool", "outcome"}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveUpstream records one upstream request by HTTP status code.
// statusCode 0 means the request never produced a response.
func (m *Metrics) ObserveUpstream(statusCode int) {
	label := "error"
	switch {
	case statusCode >= 500:
		label = "5xx"
	case statusCode >= 400:
		label = "4xx"
	case statusCode >= 200:
		label = "2xx"
	}
	m.UpstreamRequests.WithLabelValues(label).Inc()
}

// ObserveToolCall records one MCP tool invocation.
func (m *Metrics) ObserveToolCall(tool string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
}
