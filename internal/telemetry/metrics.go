// Package telemetry exposes eventcored's Prometheus metrics, mirroring the
// teacher's all-in-one metrics registry but scoped to protocol-core
// concerns: sessions, commands, subscriptions, and the CPU admission
// guard, rather than raw websocket traffic.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventcore_sessions_total",
		Help: "Total number of sessions established",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventcore_sessions_active",
		Help: "Current number of active sessions",
	})

	SessionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventcore_sessions_max",
		Help: "Maximum allowed concurrent sessions",
	})

	SessionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_sessions_rejected_total",
		Help: "Total session rejections by reason",
	}, []string{"reason"})

	CommandsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "eventcore_commands_dispatched_total",
		Help: "Total commands dispatched, by outcome",
	}, []string{"outcome"})

	CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "eventcore_command_duration_seconds",
		Help:    "Command dispatch duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	EventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventcore_events_published_total",
		Help: "Total committed events published to the event bus",
	})

	EventsForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventcore_events_forwarded_total",
		Help: "Total events forwarded to subscribed sessions",
	})

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventcore_subscriptions_active",
		Help: "Current number of active stream subscriptions",
	})

	CommitRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventcore_commit_retries_total",
		Help: "Total optimistic concurrency retries performed by the dispatcher",
	})

	MirrorMessagesProduced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventcore_mirror_messages_produced_total",
		Help: "Total committed events mirrored to Kafka/Redpanda",
	})

	MirrorMessagesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventcore_mirror_messages_dropped_total",
		Help: "Total mirror messages dropped after a marshal or produce failure",
	})

	CPUUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventcore_cpu_usage_percent",
		Help: "Current CPU usage percentage, normalized to container allocation",
	})

	CPUHostPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventcore_cpu_host_percent",
		Help: "Current host-wide CPU usage percentage",
	})

	CPUAllocationCores = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventcore_cpu_allocation_cores",
		Help: "CPU cores allocated to this process, from container limits",
	})

	CPUThrottleEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventcore_cpu_throttle_events_total",
		Help: "Total cgroup CPU throttling events observed",
	})

	CPUThrottledSecondsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventcore_cpu_throttled_seconds_total",
		Help: "Total seconds this process was throttled by the CPU cgroup",
	})

	MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventcore_memory_bytes",
		Help: "Current heap memory usage in bytes",
	})

	GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "eventcore_goroutines_active",
		Help: "Current number of active goroutines",
	})

	RateLimitedConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventcore_rate_limited_connections_total",
		Help: "Total connection attempts rejected by the rate limiter",
	})
)

func init() {
	prometheus.MustRegister(
		SessionsTotal,
		SessionsActive,
		SessionsMax,
		SessionsRejected,
		CommandsDispatched,
		CommandDuration,
		EventsPublished,
		EventsForwarded,
		SubscriptionsActive,
		CommitRetries,
		MirrorMessagesProduced,
		MirrorMessagesDropped,
		CPUUsagePercent,
		CPUHostPercent,
		CPUAllocationCores,
		CPUThrottleEventsTotal,
		CPUThrottledSecondsTotal,
		MemoryUsageBytes,
		GoroutinesActive,
		RateLimitedConnections,
	)
}

// Handler returns the HTTP handler to mount at the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
