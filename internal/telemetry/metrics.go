package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across all handlers.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "mcpgate",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// MCPSessionsOpenTotal counts MCP sessions opened by org.
var MCPSessionsOpenTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mcpgate",
		Subsystem: "mcp",
		Name:      "sessions_opened_total",
		Help:      "Total number of MCP sessions opened.",
	},
	[]string{"tenant_slug"},
)

// MCPSessionsActive tracks the number of currently open MCP sessions.
var MCPSessionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "mcpgate",
		Subsystem: "mcp",
		Name:      "sessions_active",
		Help:      "Number of MCP sessions currently open.",
	},
)

// MCPUpstreamErrorsTotal counts upstream MCP connection failures.
var MCPUpstreamErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mcpgate",
		Subsystem: "mcp",
		Name:      "upstream_errors_total",
		Help:      "Total number of upstream MCP connection failures.",
	},
	[]string{"reason"},
)

// QuotaRequestsBlockedTotal counts hard-blocked requests on free tier.
var QuotaRequestsBlockedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mcpgate",
		Subsystem: "quota",
		Name:      "requests_blocked_total",
		Help:      "Total number of requests blocked by the free-tier quota.",
	},
	[]string{"tenant_slug"},
)

// QuotaOverageRequestsTotal counts overage-accruing requests on paid tiers.
var QuotaOverageRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "mcpgate",
		Subsystem: "quota",
		Name:      "overage_requests_total",
		Help:      "Total number of requests accrued as overage on paid tiers.",
	},
	[]string{"tenant_slug", "tier"},
)

// RealtimeConnectionsActive tracks live room subscriptions: realtime.Hub
// increments it on each Subscribe and decrements it on each Unsubscribe, so
// a connection joined to several rooms counts once per room.
var RealtimeConnectionsActive = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "mcpgate",
		Subsystem: "realtime",
		Name:      "connections_active",
		Help:      "Number of room subscriptions currently held by room-bus connections.",
	},
)

// AuditChainDepth records the current sequence number per stream, sampled
// on each write.
var AuditChainDepth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "mcpgate",
		Subsystem: "audit",
		Name:      "chain_depth",
		Help:      "Highest sequence_number written per audit stream.",
	},
	[]string{"stream"},
)

// All returns all mcpgate-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		MCPSessionsOpenTotal,
		MCPSessionsActive,
		MCPUpstreamErrorsTotal,
		QuotaRequestsBlockedTotal,
		QuotaOverageRequestsTotal,
		RealtimeConnectionsActive,
		AuditChainDepth,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
