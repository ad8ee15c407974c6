package metrics

import (
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "toolgate_build_info",
			Help: "Build information",
		},
		[]string{"date", "sha", "version"},
	)

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_messages_total",
			Help: "Messages received from the local peer, by kind",
		},
		[]string{"kind"},
	)

	droppedLines = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "toolgate_dropped_lines_total",
		Help: "Input lines dropped because they did not parse",
	})

	toolRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "toolgate_tool_rejections_total",
		Help: "tools/call requests rejected by the allow-list",
	})

	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolgate_upstream_requests_total",
			Help: "Calls made to the upstream MCP server",
		},
		[]string{"method", "outcome"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "toolgate_upstream_request_duration_seconds",
			Help:    "Upstream call duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	upstreamSession = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "toolgate_upstream_session",
		Help: "1 once the upstream has issued a session token",
	})

	registry   = prometheus.NewRegistry()
	instanceID = uuid.NewString()
	startedAt  = time.Now()
)

// Upstream call outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeAbsent = "absent"
	OutcomeError  = "error"
)

func init() {
	registry.MustRegister(buildInfo, messages, droppedLines, toolRejections, upstreamRequests, upstreamDuration, upstreamSession)
}

// Registry returns the registry holding every toolgate metric.
func Registry() *prometheus.Registry { return registry }

// InstanceID identifies this process in logs and on /status.
func InstanceID() string { return instanceID }

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordMessage counts a message received from the local peer.
func RecordMessage(kind string) {
	messages.WithLabelValues(kind).Inc()
}

// RecordDroppedLine counts an unparsable input line.
func RecordDroppedLine() {
	droppedLines.Inc()
}

// RecordToolRejection counts a tools/call refused by the allow-list.
func RecordToolRejection() {
	toolRejections.Inc()
}

// ObserveUpstream records one upstream call.
func ObserveUpstream(method, outcome string, d time.Duration) {
	upstreamRequests.WithLabelValues(method, outcome).Inc()
	upstreamDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SetUpstreamSession flags whether a session token is known.
func SetUpstreamSession(established bool) {
	if established {
		upstreamSession.Set(1)
	} else {
		upstreamSession.Set(0)
	}
}
